// Command collector runs the reference trace collector. Events are stored in
// MongoDB when MONGO_URI is set and in memory otherwise. Setting REDIS_URL
// republishes every stored event to a Pulse stream per session.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"

	"goa.design/goa-trace/collector"
	"goa.design/goa-trace/collector/store"
	"goa.design/goa-trace/collector/store/inmem"
	storemongo "goa.design/goa-trace/features/store/mongo"
	clientsmongo "goa.design/goa-trace/features/store/mongo/clients/mongo"
	streampulse "goa.design/goa-trace/features/stream/pulse"
	clientspulse "goa.design/goa-trace/features/stream/pulse/clients/pulse"
	"goa.design/goa-trace/runtime/telemetry"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to a YAML configuration file")
		addrF   = flag.String("addr", "", "Listen address (overrides config and COLLECTOR_ADDR)")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := loadConfig(*configF)
	if err != nil {
		log.Fatal(ctx, err)
	}
	if *addrF != "" {
		cfg.Addr = *addrF
	}

	st, closeStore, err := newStore(ctx, cfg.Mongo)
	if err != nil {
		log.Fatalf(ctx, err, "failed to initialize store")
	}
	defer closeStore()

	opts := []collector.Option{
		collector.WithAPIKeys(cfg.APIKeys...),
		collector.WithRateLimit(cfg.RateLimit, cfg.RateBurst),
		collector.WithLogger(telemetry.NewClueLogger()),
		collector.WithMetrics(telemetry.NewClueMetrics()),
	}
	if cfg.MaxBody > 0 {
		opts = append(opts, collector.WithMaxBodyBytes(cfg.MaxBody))
	}
	if cfg.Redis.URL != "" {
		sink, err := newPulseSink(cfg.Redis)
		if err != nil {
			log.Fatalf(ctx, err, "failed to initialize pulse sink")
		}
		defer func() {
			if err := sink.Close(context.Background()); err != nil {
				log.Errorf(ctx, err, "failed to close pulse sink")
			}
		}()
		opts = append(opts, collector.WithPublisher(sink))
		log.Print(ctx, log.KV{K: "stream", V: "pulse"})
	}
	svc, err := collector.New(st, opts...)
	if err != nil {
		log.Fatalf(ctx, err, "failed to create collector")
	}
	log.Print(ctx, log.KV{K: "addr", V: cfg.Addr}, log.KV{K: "store", V: st.Name()}, log.KV{K: "auth", V: len(cfg.APIKeys) > 0})

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	handleHTTPServer(ctx, cfg, svc, &wg, errc, *dbgF)

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	wg.Wait()
	log.Printf(ctx, "exited")
}

func newStore(ctx context.Context, cfg mongoConfig) (store.Store, func(), error) {
	if cfg.URI == "" {
		return inmem.New(), func() {}, nil
	}
	mc, err := mongodriver.Connect(options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, nil, err
	}
	disconnect := func() {
		if err := mc.Disconnect(context.Background()); err != nil {
			log.Errorf(ctx, err, "failed to disconnect from mongo")
		}
	}
	cli, err := clientsmongo.New(clientsmongo.Options{
		Client:           mc,
		Database:         cfg.Database,
		EventsCollection: cfg.Collection,
		Timeout:          cfg.Timeout,
	})
	if err != nil {
		disconnect()
		return nil, nil, err
	}
	st, err := storemongo.NewStore(cli)
	if err != nil {
		disconnect()
		return nil, nil, err
	}
	return st, disconnect, nil
}

func newPulseSink(cfg redisConfig) (*streampulse.Sink, error) {
	ropts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	cli, err := clientspulse.New(clientspulse.Options{
		Redis:        redis.NewClient(ropts),
		StreamMaxLen: cfg.StreamMaxLen,
		CloseRedis:   true,
	})
	if err != nil {
		return nil, err
	}
	return streampulse.NewSink(streampulse.Options{Client: cli})
}
