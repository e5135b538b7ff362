// Package relay carries resolved narrative events across process boundaries
// over goa.design/pulse streams. The generating process publishes each
// resolved event to the request's stream; any number of subscribers (the SSE
// daemon, archivers) replay them in order. Callers build a Redis client,
// hand it to New, and get back a typed interface exposing only what the
// publisher and subscriber need.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the relay client.
	Options struct {
		// Redis backs the Pulse streams. Required.
		Redis *redis.Client
		// Prefix names the stream family; the request id is appended.
		// Defaults to "loom:events".
		Prefix string
		// StreamMaxLen bounds the number of entries kept per stream. Zero
		// uses Pulse defaults.
		StreamMaxLen int
		// OperationTimeout bounds individual Add operations. Zero means no
		// timeout.
		OperationTimeout time.Duration
	}

	// Client exposes the subset of Pulse APIs the relay needs.
	Client interface {
		// Stream returns a handle to the stream of one request, creating it
		// if needed.
		Stream(requestID string) (Stream, error)
		// Close releases resources owned by the client. The caller owns the
		// Redis connection.
		Close(ctx context.Context) error
	}

	// Stream exposes the operations needed to publish events and attach
	// consumer groups.
	Stream interface {
		// Add publishes one event payload, returning the Redis-assigned id.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink creates a consumer group for reading the stream.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (EventSource, error)
		// Destroy deletes the stream and all its messages.
		Destroy(ctx context.Context) error
	}

	// EventSource mirrors the subset of Pulse sinks the subscriber reads
	// from.
	EventSource interface {
		// Subscribe returns the channel of incoming stream entries.
		Subscribe() <-chan *streaming.Event
		// Ack marks one entry as processed.
		Ack(context.Context, *streaming.Event) error
		// Close stops the source.
		Close(context.Context)
	}
)

// DefaultPrefix is the stream family used when Options.Prefix is empty.
const DefaultPrefix = "loom:events"

type client struct {
	redis   *redis.Client
	prefix  string
	maxLen  int
	timeout time.Duration
}

// New constructs a relay client backed by the provided Redis connection.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("relay: redis client is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &client{
		redis:   opts.Redis,
		prefix:  prefix,
		maxLen:  opts.StreamMaxLen,
		timeout: opts.OperationTimeout,
	}, nil
}

func (c *client) Stream(requestID string) (Stream, error) {
	if requestID == "" {
		return nil, errors.New("relay: request id is required")
	}
	var streamOptions []streamopts.Stream
	if c.maxLen > 0 {
		streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(c.maxLen))
	}
	str, err := streaming.NewStream(c.prefix+":"+requestID, c.redis, streamOptions...)
	if err != nil {
		return nil, fmt.Errorf("relay: create stream: %w", err)
	}
	return &handle{stream: str, timeout: c.timeout}, nil
}

// Close is a no-op; the caller owns the Redis connection.
func (c *client) Close(ctx context.Context) error { return nil }

type handle struct {
	stream  *streaming.Stream
	timeout time.Duration
}

func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("relay: event name is required")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("relay: add: %w", err)
	}
	return id, nil
}

func (h *handle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (EventSource, error) {
	sink, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return sourceAdapter{Sink: sink}, nil
}

func (h *handle) Destroy(ctx context.Context) error {
	return h.stream.Destroy(ctx)
}

// sourceAdapter narrows streaming.Sink to the EventSource surface.
type sourceAdapter struct {
	*streaming.Sink
}

func (s sourceAdapter) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}
