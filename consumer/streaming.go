// Package consumer turns the engine's key-referencing event stream into
// events with resolved URLs, preserving the producer's order while resource
// tasks complete in any order. The streaming consumer feeds live callers
// (SSE, relays); the offline consumer additionally downloads every resolved
// resource into a project directory and the script writer renders the stream
// as a Ren'Py script.
package consumer

import (
	"context"
	"time"

	"github.com/storyloom/loom/media"
	"github.com/storyloom/loom/stream"
	"github.com/storyloom/loom/telemetry"
)

// DefaultResourceWait bounds how long the consumer waits for one resource
// key before emitting the event with that URL missing.
const DefaultResourceWait = time.Hour

// Resolver awaits resource keys; *tracker.Tracker satisfies it.
type Resolver interface {
	GetOr(ctx context.Context, key string, timeout time.Duration, def any) any
}

// ProduceFunc drives a producer onto a sink, typically Engine.Run.
type ProduceFunc func(ctx context.Context, sink stream.Sink) error

// Streaming resolves events in stream order. Events pass through one at a
// time; the bounded sink between producer and consumer lets the producer run
// ahead and submit resource tasks early.
type Streaming struct {
	res     Resolver
	log     telemetry.Logger
	metrics telemetry.Metrics
	wait    time.Duration
	buffer  int
}

// Option configures a Streaming consumer.
type Option func(*Streaming)

// WithLogger overrides the default clue-backed logger.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Streaming) { s.log = l }
}

// WithMetrics overrides the default no-op metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(s *Streaming) { s.metrics = m }
}

// WithResourceWait overrides the per-key resolution timeout.
func WithResourceWait(d time.Duration) Option {
	return func(s *Streaming) {
		if d > 0 {
			s.wait = d
		}
	}
}

// WithBuffer overrides the producer/consumer buffer capacity.
func WithBuffer(n int) Option {
	return func(s *Streaming) { s.buffer = n }
}

// NewStreaming builds a streaming consumer over a resolver.
func NewStreaming(res Resolver, opts ...Option) *Streaming {
	s := &Streaming{
		res:     res,
		log:     telemetry.NewClueLogger(),
		metrics: telemetry.NewNoopMetrics(),
		wait:    DefaultResourceWait,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stream starts produce in a background goroutine and returns the resolved
// events in production order. The channel closes after the last event; a
// producer failure surfaces as one terminal Error event. Canceling ctx stops
// both sides.
func (s *Streaming) Stream(ctx context.Context, produce ProduceFunc) <-chan stream.Event {
	return s.stream(ctx, produce, nil)
}

// stream is the shared loop; observe, when set, sees each event after its
// URLs are resolved and before it is handed to the caller.
func (s *Streaming) stream(ctx context.Context, produce ProduceFunc, observe func(context.Context, stream.Event)) <-chan stream.Event {
	sink := stream.NewChannelSink(s.buffer)
	out := make(chan stream.Event)

	go func() {
		sink.CloseWithError(produce(ctx, sink))
	}()

	go func() {
		defer close(out)
		for ev := range sink.Events() {
			s.resolve(ctx, ev)
			if observe != nil {
				observe(ctx, ev)
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if err := sink.Err(); err != nil && ctx.Err() == nil {
			s.log.Error(ctx, "producer failed", "error", err)
			errEv := &stream.Error{
				Base:    stream.NewBase("error", stream.EventError),
				Stage:   "produce",
				Message: err.Error(),
			}
			select {
			case out <- errEv:
			case <-ctx.Done():
			}
		}
	}()
	return out
}

// resolve fills in the URL fields of one event. Unsettled or failed keys
// leave their fields empty; downstream treats missing media as skippable.
func (s *Streaming) resolve(ctx context.Context, ev stream.Event) {
	switch e := ev.(type) {
	case *stream.SceneStart:
		if r := s.result(ctx, e.BackgroundKey); r != nil {
			e.BackgroundURL = r.PrimaryURL()
		}
		if r := s.result(ctx, e.MusicKey); r != nil {
			e.MusicURL = r.PrimaryURL()
		}
		if r := s.result(ctx, e.AmbientKey); r != nil {
			e.AmbientURL = r.PrimaryURL()
		}
	case *stream.Dialogue:
		if r := s.result(ctx, e.VoiceKey); r != nil {
			e.VoiceURL = r.PrimaryURL()
			if ar, ok := r.(*media.AudioResult); ok {
				e.VoiceDuration = ar.Duration
			}
		}
		if r := s.result(ctx, e.ImageKey); r != nil {
			e.ImageURL = r.GetURL(e.Emotion, true)
		}
	case *stream.Narration:
		if r := s.result(ctx, e.VoiceKey); r != nil {
			e.VoiceURL = r.PrimaryURL()
			if ar, ok := r.(*media.AudioResult); ok {
				e.VoiceDuration = ar.Duration
			}
		}
	case *stream.Audio:
		if r := s.result(ctx, e.AudioKey); r != nil {
			e.AudioURL = r.PrimaryURL()
		}
	}
}

// result awaits one key and decodes its media result, nil when the key is
// empty, unresolved in time or undecodable.
func (s *Streaming) result(ctx context.Context, key string) media.Result {
	if key == "" {
		return nil
	}
	start := time.Now()
	v := s.res.GetOr(ctx, key, s.wait, nil)
	s.metrics.RecordTimer(telemetry.MetricResourceWait, time.Since(start))
	if v == nil {
		return nil
	}
	r, err := media.Decode(v)
	if err != nil {
		s.log.Warn(ctx, "undecodable resource", "key", key, "error", err)
		return nil
	}
	return r
}
