package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/storyloom/loom/stream"
)

// envelope wraps one narrative event for transmission. The event itself
// travels as its flat JSON record; Type duplicates the event type so
// subscribers can decode without probing the payload.
type envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Sink publishes narrative events onto one request's relay stream. It
// implements stream.Sink, so a consumer can fan events out to other
// processes simply by forwarding to it. Safe for concurrent Send calls.
type Sink struct {
	stream    Stream
	requestID string
}

var _ stream.Sink = (*Sink)(nil)

// NewSink binds a publisher to the stream of one request.
func NewSink(c Client, requestID string) (*Sink, error) {
	if c == nil {
		return nil, errors.New("relay: client is required")
	}
	str, err := c.Stream(requestID)
	if err != nil {
		return nil, err
	}
	return &Sink{stream: str, requestID: requestID}, nil
}

// Send implements stream.Sink.
func (s *Sink) Send(ctx context.Context, ev stream.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("relay: encode event: %w", err)
	}
	env := envelope{
		Type:      string(ev.Type()),
		RequestID: s.requestID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("relay: encode envelope: %w", err)
	}
	if _, err := s.stream.Add(ctx, env.Type, raw); err != nil {
		return err
	}
	return nil
}

// Close implements stream.Sink. The underlying Pulse stream outlives the
// publisher so subscribers can replay it.
func (s *Sink) Close(ctx context.Context) error { return nil }

// decodeEnvelope restores a narrative event from its relay payload.
func decodeEnvelope(raw []byte) (stream.Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("relay: decode envelope: %w", err)
	}
	return stream.DecodeEvent(stream.EventType(env.Type), env.Payload)
}
