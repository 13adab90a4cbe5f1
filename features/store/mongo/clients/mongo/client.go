// Package mongo hosts the MongoDB client used by the collector event store.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/goa-trace/runtime/event"
)

const (
	defaultEventsCollection = "trace_events"
	defaultOpTimeout        = 5 * time.Second
	eventsClientName        = "events-mongo"
)

// Client exposes Mongo-backed operations on trace events.
type Client interface {
	health.Pinger

	// UpsertEvents merges events into their stored versions in order.
	UpsertEvents(ctx context.Context, events []*event.Event) error
	// ListSessionEvents returns every event of the session ordered by start
	// time, the session row included.
	ListSessionEvents(ctx context.Context, sessionID string) ([]*event.Event, error)
}

// Options configures the Mongo events client.
type Options struct {
	Client           *mongodriver.Client
	Database         string
	EventsCollection string
	Timeout          time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	events  collection
	timeout time.Duration
	now     func() time.Time
}

// New returns a Client backed by MongoDB and creates the indexes it relies
// on.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.EventsCollection
	if name == "" {
		name = defaultEventsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(name)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, coll, timeout)
}

func (c *client) Name() string {
	return eventsClientName
}

func (c *client) Ping(ctx context.Context) error {
	if c.mongo == nil {
		return errors.New("mongo client not configured")
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) UpsertEvents(ctx context.Context, events []*event.Event) error {
	if len(events) == 0 {
		return nil
	}
	now := c.now().UTC()
	models := make([]mongodriver.WriteModel, 0, len(events))
	for _, e := range events {
		if e == nil || e.EventID == "" || e.SessionID == "" {
			return errors.New("event id and session id are required")
		}
		models = append(models, mongodriver.NewUpdateOneModel().
			SetFilter(bson.D{{Key: "event_id", Value: e.EventID}}).
			SetUpdate(upsertUpdate(e, now)).
			SetUpsert(true))
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	// Ordered so that successive versions of one event apply in sequence.
	_, err := c.events.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true))
	return err
}

func (c *client) ListSessionEvents(ctx context.Context, sessionID string) ([]*event.Event, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.D{{Key: "session_id", Value: sessionID}}
	sort := bson.D{{Key: "start_time", Value: 1}, {Key: "_id", Value: 1}}
	cur, err := c.events.Find(ctx, filter, options.Find().SetSort(sort))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []*event.Event
	for cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toEvent())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// upsertUpdate builds the update document applying the collector merge rules.
//
// MongoDB rejects updates that set the same path in several operators, so
// identity fields live only in $setOnInsert and map entries are set through
// dotted paths under $set. Map keys are escaped so that dots and dollar signs
// never form paths.
func upsertUpdate(e *event.Event, now time.Time) bson.D {
	onInsert := bson.D{
		{Key: "event_id", Value: e.EventID},
		{Key: "session_id", Value: e.SessionID},
		{Key: "parent_id", Value: e.ParentID},
		{Key: "project", Value: e.Project},
		{Key: "source", Value: e.Source},
		{Key: "event_name", Value: e.EventName},
		{Key: "event_type", Value: string(e.EventType)},
		{Key: "start_time", Value: e.StartTime},
		{Key: "created_at", Value: now},
	}
	set := bson.D{{Key: "updated_at", Value: now}}
	for _, m := range mergedMaps(e) {
		for _, k := range m.fields.Keys() {
			v, _ := m.fields.Get(k)
			set = append(set, bson.E{Key: m.name + "." + escapeKey(k), Value: toBSON(v)})
		}
	}
	if e.Outputs.Len() > 0 {
		set = append(set, bson.E{Key: "outputs", Value: fieldsToBSON(e.Outputs)})
	}
	if e.EndTime > 0 {
		set = append(set,
			bson.E{Key: "end_time", Value: e.EndTime},
			bson.E{Key: "duration", Value: e.Duration},
		)
	}
	if e.Status != "" {
		set = append(set, bson.E{Key: "status", Value: string(e.Status)})
	}
	if e.Error != "" {
		set = append(set, bson.E{Key: "error", Value: e.Error})
	}
	return bson.D{
		{Key: "$setOnInsert", Value: onInsert},
		{Key: "$set", Value: set},
	}
}

func ensureIndexes(ctx context.Context, events collection) error {
	eventIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "event_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := events.Indexes().CreateOne(ctx, eventIndex); err != nil {
		return err
	}
	sessionIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "session_id", Value: 1},
			{Key: "start_time", Value: 1},
		},
	}
	if _, err := events.Indexes().CreateOne(ctx, sessionIndex); err != nil {
		return err
	}
	return nil
}

func newClientWithCollection(mongoClient *mongodriver.Client, events collection, timeout time.Duration) (*client, error) {
	if events == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:   mongoClient,
		events:  events,
		timeout: timeout,
		now:     time.Now,
	}, nil
}

type collection interface {
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	BulkWrite(ctx context.Context, models []mongodriver.WriteModel,
		opts ...options.Lister[options.BulkWriteOptions]) (*mongodriver.BulkWriteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) BulkWrite(ctx context.Context, models []mongodriver.WriteModel,
	opts ...options.Lister[options.BulkWriteOptions]) (*mongodriver.BulkWriteResult, error) {
	return c.coll.BulkWrite(ctx, models, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
