// Command demo traces a small retrieval pipeline and an evaluation run
// against a collector, then prints what the collector stored.
//
//	go run ./cmd/collector &
//	TRACE_API_KEY=dev TRACE_PROJECT=demo go run ./cmd/demo -server http://localhost:8088
package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	streampulse "goa.design/goa-trace/features/stream/pulse"
	clientspulse "goa.design/goa-trace/features/stream/pulse/clients/pulse"
	"goa.design/goa-trace/runtime/eval"
	"goa.design/goa-trace/runtime/event"
	"goa.design/goa-trace/runtime/telemetry"
	"goa.design/goa-trace/runtime/tracer"
)

var corpus = map[string][]string{
	"weather": {"It is sunny in Paris.", "Rain is expected tomorrow."},
	"goa":     {"Goa is a design-first framework for Go."},
}

func main() {
	var (
		configF = flag.String("config", "", "Path to a tracer YAML configuration file")
		serverF = flag.String("server", "", "Collector URL (overrides config and TRACE_SERVER_URL)")
		followF = flag.String("follow", "", "Redis URL used to follow the session stream live")
		otelF   = flag.Bool("otel", false, "Mirror traced calls as OpenTelemetry spans printed to stderr")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	cfg, err := loadConfig(*configF)
	if err != nil {
		log.Fatal(ctx, err)
	}
	if *serverF != "" {
		cfg.ServerURL = *serverF
	}
	opts := []tracer.Option{tracer.WithLogContext(ctx)}
	if *otelF {
		stop, err := configureOTEL(ctx)
		if err != nil {
			log.Fatalf(ctx, err, "failed to configure OpenTelemetry")
		}
		defer stop(context.Background())
		opts = append(opts,
			tracer.WithOTEL(telemetry.NewClueTracer()),
			tracer.WithMetrics(telemetry.NewClueMetrics()),
		)
	}
	tr, err := tracer.New(cfg, opts...)
	if err != nil {
		log.Fatal(ctx, err)
	}

	sctx, sess := tr.StartSession(ctx, "demo-pipeline",
		tracer.WithSessionInputs(map[string]any{"query": "weather"}),
		tracer.WithSessionMetadata(map[string]any{"cmd": "demo"}),
	)
	if *followF != "" {
		stop, err := follow(ctx, *followF, sess.ID())
		if err != nil {
			log.Errorf(ctx, err, "cannot follow session stream")
		} else {
			defer stop()
		}
	}

	answer, err := pipeline(sctx, "weather")
	if err != nil {
		log.Errorf(ctx, err, "pipeline failed")
	}
	tracer.EnrichCurrentSession(sctx,
		tracer.SetFeedback(map[string]any{"helpful": true}),
		tracer.SetUserProperties(map[string]any{"plan": "free"}),
	)
	if err := sess.Close(ctx); err != nil {
		log.Errorf(ctx, err, "failed to close session")
	}
	fmt.Println("answer:", answer)

	res, err := eval.Run(ctx, tr, eval.Experiment{
		Name: "demo-eval",
		Dataset: []eval.Datapoint{
			{Inputs: map[string]any{"query": "weather"}, GroundTruth: map[string]any{"contains": "sunny"}},
			{Inputs: map[string]any{"query": "goa"}, GroundTruth: map[string]any{"contains": "design"}},
			{Inputs: map[string]any{"query": "unknown"}, GroundTruth: map[string]any{"contains": "?"}},
		},
		Task: func(ctx context.Context, in map[string]any) (any, error) {
			q, _ := in["query"].(string)
			return pipeline(ctx, q)
		},
		Evaluators:  []eval.Evaluator{{Name: "contains", Fn: containsEvaluator}},
		Concurrency: 2,
	})
	if err != nil {
		log.Errorf(ctx, err, "evaluation failed")
	} else {
		fmt.Printf("eval %s: %d datapoints, %d failed\n", res.RunID, len(res.Datapoints), res.Failed())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tr.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "failed to shut down tracer")
	}

	if c := tr.Client(); c != nil {
		view, err := c.GetSession(shutdownCtx, sess.ID())
		if err != nil {
			log.Errorf(ctx, err, "failed to load session")
			return
		}
		fmt.Printf("collector stored session %s with %d events\n", sess.ID(), len(view.Events))
		for _, e := range view.Events {
			fmt.Printf("  %-8s %-10s parent=%s status=%s\n", e.EventType, e.EventName, e.ParentID, e.Status)
		}
	}
}

func loadConfig(path string) (tracer.Config, error) {
	if path != "" {
		return tracer.LoadConfig(path)
	}
	return tracer.ConfigFromEnv()
}

var (
	retrieve = tracer.Wrap("retrieve", func(_ context.Context, q string) ([]string, error) {
		docs, ok := corpus[q]
		if !ok {
			return nil, fmt.Errorf("no document matches %q", q)
		}
		return docs, nil
	}, tracer.WithEventType(event.EventTypeTool))

	generate = tracer.Wrap("generate", func(ctx context.Context, docs []string) (string, error) {
		tracer.EnrichCurrentSpan(ctx, tracer.SetMetrics(map[string]any{"context_docs": len(docs)}))
		return strings.Join(docs, " "), nil
	}, tracer.WithEventType(event.EventTypeModel), tracer.WithConfig(map[string]any{"model": "echo"}))
)

func pipeline(ctx context.Context, query string) (string, error) {
	return tracer.Call(ctx, "pipeline", func(ctx context.Context) (string, error) {
		docs, err := retrieve(ctx, query)
		if err != nil {
			return "", err
		}
		return generate(ctx, docs)
	}, tracer.WithInputs(map[string]any{"query": query}))
}

func containsEvaluator(_ context.Context, output any, dp eval.Datapoint) (any, error) {
	s, _ := output.(string)
	want, _ := dp.GroundTruth["contains"].(string)
	return strings.Contains(s, want), nil
}

func follow(ctx context.Context, redisURL, sessionID string) (func(), error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	cli, err := clientspulse.New(clientspulse.Options{Redis: redis.NewClient(opts), CloseRedis: true})
	if err != nil {
		return nil, err
	}
	sub, err := streampulse.NewSubscriber(streampulse.SubscriberOptions{Client: cli})
	if err != nil {
		return nil, err
	}
	events, errs, cancel, err := sub.Follow(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			fmt.Printf("live: %s %s %s\n", ev.EventType, ev.EventName, ev.EventID)
		}
		if err := <-errs; err != nil {
			log.Errorf(ctx, err, "session stream failed")
		}
	}()
	return func() {
		cancel()
		<-done
		_ = cli.Close(context.Background())
	}, nil
}
