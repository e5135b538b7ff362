// Package store archives finished story runs in MongoDB. The archive is
// optional: the pipeline runs fine without it, and a nil *Archive is safe to
// pass around. Runs land in the runs collection, their resolved event logs
// in run_events, both indexed by request id.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/storyloom/loom/stream"
)

// ErrNotFound reports a request id with no archived run.
var ErrNotFound = errors.New("store: run not found")

const (
	defaultDatabase = "loom"
	defaultTimeout  = 5 * time.Second

	runsCollection   = "runs"
	eventsCollection = "run_events"
)

type (
	// Options configures the archive.
	Options struct {
		// Client is the connected Mongo client. Required.
		Client *mongodriver.Client
		// Database defaults to "loom".
		Database string
		// Timeout bounds individual operations. Defaults to 5s.
		Timeout time.Duration
	}

	// Archive persists finished runs and replays them later.
	Archive struct {
		mongo   *mongodriver.Client
		runs    *mongodriver.Collection
		events  *mongodriver.Collection
		timeout time.Duration
	}

	// Run is the archived summary of one story generation.
	Run struct {
		RequestID  string    `bson:"request_id" json:"request_id"`
		Title      string    `bson:"title" json:"title"`
		Script     string    `bson:"script" json:"script"`
		Characters []string  `bson:"characters" json:"characters"`
		EventCount int       `bson:"event_count" json:"event_count"`
		CreatedAt  time.Time `bson:"created_at" json:"created_at"`
	}

	eventDocument struct {
		RequestID string    `bson:"request_id"`
		Seq       int       `bson:"seq"`
		EventID   string    `bson:"event_id"`
		Type      string    `bson:"type"`
		Payload   []byte    `bson:"payload"`
		Timestamp time.Time `bson:"timestamp"`
	}
)

// New builds the archive and ensures its indexes.
func New(opts Options) (*Archive, error) {
	if opts.Client == nil {
		return nil, errors.New("store: mongo client is required")
	}
	db := opts.Database
	if db == "" {
		db = defaultDatabase
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	a := &Archive{
		mongo:   opts.Client,
		runs:    opts.Client.Database(db).Collection(runsCollection),
		events:  opts.Client.Database(db).Collection(eventsCollection),
		timeout: timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// Name implements clue health.Pinger.
func (a *Archive) Name() string { return "store-mongo" }

// Ping implements clue health.Pinger.
func (a *Archive) Ping(ctx context.Context) error {
	return a.mongo.Ping(ctx, readpref.Primary())
}

// Archive persists one finished run and its resolved events. Re-archiving a
// request id replaces the previous run summary and appends nothing twice:
// the event log for that id is rewritten.
func (a *Archive) Archive(ctx context.Context, run Run, events []stream.Event) error {
	if a == nil {
		return nil
	}
	if run.RequestID == "" {
		return errors.New("store: request id is required")
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	run.EventCount = len(events)

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	_, err := a.runs.ReplaceOne(ctx,
		bson.M{"request_id": run.RequestID},
		run,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("store: archive run: %w", err)
	}

	if _, err := a.events.DeleteMany(ctx, bson.M{"request_id": run.RequestID}); err != nil {
		return fmt.Errorf("store: clear event log: %w", err)
	}
	if len(events) == 0 {
		return nil
	}
	docs := make([]any, 0, len(events))
	now := time.Now().UTC()
	for i, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("store: encode event %s: %w", ev.ID(), err)
		}
		docs = append(docs, eventDocument{
			RequestID: run.RequestID,
			Seq:       i,
			EventID:   ev.ID(),
			Type:      string(ev.Type()),
			Payload:   payload,
			Timestamp: now,
		})
	}
	if _, err := a.events.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("store: archive events: %w", err)
	}
	return nil
}

// LoadRun returns one archived run summary.
func (a *Archive) LoadRun(ctx context.Context, requestID string) (Run, error) {
	if requestID == "" {
		return Run{}, errors.New("store: request id is required")
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var run Run
	err := a.runs.FindOne(ctx, bson.M{"request_id": requestID}).Decode(&run)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("store: load run: %w", err)
	}
	return run, nil
}

// LoadEvents replays the archived event log of one run in stream order.
func (a *Archive) LoadEvents(ctx context.Context, requestID string) ([]stream.Event, error) {
	if requestID == "" {
		return nil, errors.New("store: request id is required")
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	cur, err := a.events.Find(ctx,
		bson.M{"request_id": requestID},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("store: load events: %w", err)
	}
	defer cur.Close(ctx)

	var events []stream.Event
	for cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("store: decode event: %w", err)
		}
		ev, err := stream.DecodeEvent(stream.EventType(doc.Type), doc.Payload)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate events: %w", err)
	}
	return events, nil
}

// ListRuns returns the most recent archived runs, newest first.
func (a *Archive) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	cur, err := a.runs.Find(ctx, bson.M{}, options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	defer cur.Close(ctx)

	var runs []Run
	if err := cur.All(ctx, &runs); err != nil {
		return nil, fmt.Errorf("store: decode runs: %w", err)
	}
	return runs, nil
}

func (a *Archive) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.timeout)
}

func (a *Archive) ensureIndexes(ctx context.Context) error {
	_, err := a.runs.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "request_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("store: index runs: %w", err)
	}
	_, err = a.events.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "request_id", Value: 1},
			{Key: "seq", Value: 1},
		},
	})
	if err != nil {
		return fmt.Errorf("store: index run_events: %w", err)
	}
	return nil
}
