// Package stream defines the narrative events the story engine emits and the
// sinks that carry them to consumers. Events are produced in strict story
// order and reference generated resources by key only; the producer never
// waits for a resource to exist. Consumers resolve keys through the resource
// tracker and fill in the URL fields before handing events to their callers,
// so the same event values serve both the producing and the consuming side of
// the pipeline.
//
// All event types embed Base and serialize to a flat JSON record carrying
// event_id and event_type alongside the variant fields. Sinks are the
// transport boundary: the in-process ChannelSink decouples producer and
// consumer with a bounded buffer, while other implementations (SSE, Pulse)
// marshal events onto a wire.
package stream

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Send once the sink has been closed.
var ErrClosed = errors.New("stream: sink closed")

// EventType discriminates narrative event variants.
type EventType string

const (
	// EventStoryStart opens the stream; exactly one per request.
	EventStoryStart EventType = "story_start"

	// EventStoryEnd closes the stream; emitted after the last scene event.
	EventStoryEnd EventType = "story_end"

	// EventChapterStart marks the beginning of an outline chapter.
	EventChapterStart EventType = "chapter_start"

	// EventSceneStart marks the beginning of a scene and carries the
	// background, music and ambient resource keys for everything that
	// follows until the next scene.
	EventSceneStart EventType = "scene_start"

	// EventDialogue is a spoken line or monologue, with its voice clip and
	// character portrait referenced by key.
	EventDialogue EventType = "dialogue"

	// EventNarration is narrator text or stage action, optionally voiced.
	EventNarration EventType = "narration"

	// EventAudio is a standalone audio cue on one of the audio channels.
	EventAudio EventType = "audio"

	// EventError reports a story-level failure. It is terminal: no further
	// events follow it on the stream.
	EventError EventType = "error"
)

// Audio channel names carried by Audio events.
const (
	ChannelMusic   = "music"
	ChannelAmbient = "ambient"
	ChannelSound   = "sound"
)

type (
	// Event is one narrative event. Concrete types embed Base; consumers
	// type-assert to the variant they handle. Events are created by the
	// engine and enriched in place by a consumer, so a given event value is
	// owned by exactly one goroutine at a time as it moves down the
	// pipeline.
	Event interface {
		// ID returns the stable per-request event identifier, e.g.
		// "dialogue_112".
		ID() string

		// Type returns the event type constant used for routing without
		// type assertions.
		Type() EventType
	}

	// Base carries the metadata shared by every event variant. Embedding it
	// inlines event_id and event_type into the variant's flat JSON record.
	Base struct {
		EventID   string    `json:"event_id"`
		EventType EventType `json:"event_type"`
	}

	// StoryStart announces the story title before any content events.
	StoryStart struct {
		Base
		Title string `json:"title"`
	}

	// StoryEnd signals that the engine produced every scene it planned.
	StoryEnd struct {
		Base
	}

	// ChapterStart announces an outline chapter. Chapters group scenes; they
	// carry no resources of their own.
	ChapterStart struct {
		Base
		ChapterIndex int    `json:"chapter_index"`
		Title        string `json:"title"`
	}

	// SceneStart announces a scene. BackgroundKey always references the
	// scene backdrop; MusicKey and AmbientKey are set only when the script
	// requested those channels. The URL fields stay empty until a consumer
	// resolves the keys.
	SceneStart struct {
		Base
		SceneIndex    string `json:"scene_index"`
		Title         string `json:"title"`
		Location      string `json:"location"`
		Time          string `json:"time"`
		BgID          string `json:"bg_id"`
		BackgroundKey string `json:"background_key"`
		MusicKey      string `json:"music_key,omitempty"`
		AmbientKey    string `json:"ambient_key,omitempty"`
		MusicDesc     string `json:"music_desc,omitempty"`
		AmbientDesc   string `json:"ambient_desc,omitempty"`

		BackgroundURL string `json:"background_url,omitempty"`
		MusicURL      string `json:"music_url,omitempty"`
		AmbientURL    string `json:"ambient_url,omitempty"`
	}

	// Dialogue is one spoken line. VoiceKey references the synthesized clip
	// and ImageKey the speaker's portrait set. Emotion selects the portrait
	// label a consumer resolves against the portrait's url_map.
	Dialogue struct {
		Base
		Character    string `json:"character"`
		CharacterTag string `json:"character_tag"`
		Text         string `json:"text"`
		Emotion      string `json:"emotion"`
		IsMonologue  bool   `json:"is_monologue"`
		VoiceKey     string `json:"voice_key,omitempty"`
		ImageKey     string `json:"image_key,omitempty"`

		VoiceURL      string  `json:"voice_url,omitempty"`
		VoiceDuration float64 `json:"voice_duration,omitempty"`
		ImageURL      string  `json:"image_url,omitempty"`
	}

	// Narration is narrator text or a stage action. VoiceKey is set only
	// when a narrator voice is configured.
	Narration struct {
		Base
		Text     string `json:"text"`
		VoiceKey string `json:"voice_key,omitempty"`

		VoiceURL      string  `json:"voice_url,omitempty"`
		VoiceDuration float64 `json:"voice_duration,omitempty"`
	}

	// Audio is a standalone cue on the sound channel (one-shot effects).
	// Music and ambient loops ride on SceneStart instead, but consumers
	// that replay archived streams may see all three channels here.
	Audio struct {
		Base
		Channel     string `json:"channel"`
		AudioKey    string `json:"audio_key"`
		Description string `json:"description,omitempty"`

		AudioURL string `json:"audio_url,omitempty"`
	}

	// Error is a terminal story-level failure, surfaced instead of silently
	// truncating the stream.
	Error struct {
		Base
		Stage   string `json:"stage,omitempty"`
		Message string `json:"message"`
	}

	// Sink delivers narrative events to a consumer or transport.
	// Implementations other than ChannelSink must be safe for concurrent
	// Send calls.
	Sink interface {
		// Send publishes one event. It returns an error when the sink can
		// no longer deliver (closed, transport failure, context canceled).
		Send(ctx context.Context, ev Event) error

		// Close releases the sink. It is idempotent. After Close returns,
		// Send fails with ErrClosed.
		Close(ctx context.Context) error
	}
)

// NewBase constructs the shared metadata for an event variant.
func NewBase(id string, t EventType) Base {
	return Base{EventID: id, EventType: t}
}

// ID implements Event.
func (b Base) ID() string { return b.EventID }

// Type implements Event.
func (b Base) Type() EventType { return b.EventType }

// ChannelSink is the bounded in-process buffer between the story engine and
// a consumer. The producing goroutine calls Send until it is done, then
// exactly one of Close or CloseWithError; the consuming side ranges over
// Events and reads Err once the channel is closed. Send blocks when the
// buffer is full, which is the backpressure that keeps a fast producer from
// outrunning a consumer stalled on resource resolution.
//
// Send and CloseWithError must come from the same producing goroutine, the
// same contract io.PipeWriter has. Events may be consumed from any single
// goroutine.
type ChannelSink struct {
	ch   chan Event
	done chan struct{}
	once sync.Once

	mu  sync.Mutex
	err error
}

var _ Sink = (*ChannelSink)(nil)

// DefaultBuffer is the event buffer used when NewChannelSink is given a
// non-positive capacity. Sized so the producer can submit resource tasks for
// many upcoming events while the consumer works through earlier ones.
const DefaultBuffer = 1000

// NewChannelSink returns a sink buffering up to capacity events.
func NewChannelSink(capacity int) *ChannelSink {
	if capacity <= 0 {
		capacity = DefaultBuffer
	}
	return &ChannelSink{
		ch:   make(chan Event, capacity),
		done: make(chan struct{}),
	}
}

// Send implements Sink. It blocks while the buffer is full and fails with
// ErrClosed after the sink is closed or ctx.Err when the context ends first.
func (s *ChannelSink) Send(ctx context.Context, ev Event) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.ch <- ev:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the receive side of the buffer. The channel is closed after
// Close or CloseWithError; drain it, then consult Err for the terminal
// error.
func (s *ChannelSink) Events() <-chan Event { return s.ch }

// CloseWithError ends the stream. Buffered events remain readable; once the
// channel is drained, Err reports err. A nil err marks a normal end of
// stream. Only the first close takes effect.
func (s *ChannelSink) CloseWithError(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		close(s.ch)
	})
}

// Close implements Sink. Equivalent to CloseWithError(nil).
func (s *ChannelSink) Close(ctx context.Context) error {
	s.CloseWithError(nil)
	return nil
}

// Err returns the error the sink was closed with, nil for a normal end of
// stream or while the sink is still open.
func (s *ChannelSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
