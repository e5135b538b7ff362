package stream

import (
	"encoding/json"
	"fmt"
)

// DecodeEvent unmarshals a serialized event into the concrete variant for t.
// Transports that flatten events to JSON (relay streams, archived runs) use
// it to restore the typed values.
func DecodeEvent(t EventType, payload []byte) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch t {
	case EventStoryStart:
		var v StoryStart
		err, ev = json.Unmarshal(payload, &v), &v
	case EventStoryEnd:
		var v StoryEnd
		err, ev = json.Unmarshal(payload, &v), &v
	case EventChapterStart:
		var v ChapterStart
		err, ev = json.Unmarshal(payload, &v), &v
	case EventSceneStart:
		var v SceneStart
		err, ev = json.Unmarshal(payload, &v), &v
	case EventDialogue:
		var v Dialogue
		err, ev = json.Unmarshal(payload, &v), &v
	case EventNarration:
		var v Narration
		err, ev = json.Unmarshal(payload, &v), &v
	case EventAudio:
		var v Audio
		err, ev = json.Unmarshal(payload, &v), &v
	case EventError:
		var v Error
		err, ev = json.Unmarshal(payload, &v), &v
	default:
		return nil, fmt.Errorf("stream: unknown event type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("stream: decode %s: %w", t, err)
	}
	return ev, nil
}
