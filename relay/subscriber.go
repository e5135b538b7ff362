package relay

import (
	"context"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	"github.com/storyloom/loom/stream"
)

// SubscriberOptions configures a relay subscriber.
type SubscriberOptions struct {
	// Client reads the relay streams. Required.
	Client Client
	// SinkName identifies the Pulse consumer group. Defaults to
	// "loom_subscriber".
	SinkName string
	// Buffer is the event channel capacity. Defaults to 64.
	Buffer int
}

// Subscriber replays one request's relay stream as narrative events, in the
// order the publisher sent them.
type Subscriber struct {
	client Client
	name   string
	buffer int
}

// NewSubscriber constructs a relay subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("relay: client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "loom_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{client: opts.Client, name: name, buffer: buffer}, nil
}

// Subscribe attaches to the request's stream and returns channels for events
// and errors plus a cancel function that stops consumption and closes both.
func (s *Subscriber) Subscribe(
	ctx context.Context,
	requestID string,
	opts ...streamopts.Sink,
) (<-chan stream.Event, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(requestID)
	if err != nil {
		return nil, nil, nil, err
	}
	source, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan stream.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, source, events, errs)
	cancelFunc := func() {
		cancel()
		source.Close(context.Background())
	}
	return events, errs, cancelFunc, nil
}

// consume decodes and forwards stream entries, acking each after delivery.
func (s *Subscriber) consume(ctx context.Context, source EventSource, out chan<- stream.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := source.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			ev, err := decodeEnvelope(entry.Payload)
			if err != nil {
				errs <- err
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if err := source.Ack(ctx, entry); err != nil {
				errs <- fmt.Errorf("relay: ack: %w", err)
				return
			}
		}
	}
}
