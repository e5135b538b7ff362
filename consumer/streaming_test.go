package consumer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/loom/media"
	"github.com/storyloom/loom/stream"
	"github.com/storyloom/loom/telemetry"
)

// fakeResolver serves pre-settled results; missing keys yield the default,
// mirroring a tracker timeout.
type fakeResolver struct {
	results map[string]any
}

func (f *fakeResolver) GetOr(_ context.Context, key string, _ time.Duration, def any) any {
	if v, ok := f.results[key]; ok {
		return v
	}
	return def
}

func produceEvents(events ...stream.Event) ProduceFunc {
	return func(ctx context.Context, sink stream.Sink) error {
		for _, ev := range events {
			if err := sink.Send(ctx, ev); err != nil {
				return err
			}
		}
		return nil
	}
}

func sceneEvent() *stream.SceneStart {
	return &stream.SceneStart{
		Base:          stream.NewBase("scene_11", stream.EventSceneStart),
		SceneIndex:    "11",
		BgID:          "bgab12",
		BackgroundKey: "bg_bgab12",
		MusicKey:      "music_11",
	}
}

func dialogueEvent(emotion string) *stream.Dialogue {
	return &stream.Dialogue{
		Base:         stream.NewBase("dialogue_111", stream.EventDialogue),
		Character:    "Mara",
		CharacterTag: "mara99 qingnian",
		Text:         "Hello there.",
		Emotion:      emotion,
		VoiceKey:     "voice_111",
		ImageKey:     "portrait_mara99 qingnian",
	}
}

func TestStreamResolvesInOrder(t *testing.T) {
	voice := media.NewAudio("http://a/v.wav")
	voice.Duration = 2.5
	res := &fakeResolver{results: map[string]any{
		"bg_bgab12": media.NewImage("http://img/bg.png"),
		"voice_111": voice,
	}}
	res.results["portrait_mara99 qingnian"] = media.NewPortrait(map[string]string{
		"happy":   "http://img/happy_001.png",
		"sad":     "http://img/sad_001.png",
		"default": "http://img/portrait.png",
	})

	s := NewStreaming(res, WithLogger(telemetry.NewNoopLogger()))
	events := []stream.Event{
		&stream.StoryStart{Base: stream.NewBase("story_start", stream.EventStoryStart), Title: "T"},
		sceneEvent(),
		dialogueEvent("happy"),
		&stream.StoryEnd{Base: stream.NewBase("story_end", stream.EventStoryEnd)},
	}

	var got []stream.Event
	for ev := range s.Stream(context.Background(), produceEvents(events...)) {
		got = append(got, ev)
	}
	require.Len(t, got, 4)
	for i, ev := range events {
		assert.Equal(t, ev.ID(), got[i].ID(), "order preserved")
	}

	scene := got[1].(*stream.SceneStart)
	assert.Equal(t, "http://img/bg.png", scene.BackgroundURL)
	assert.Empty(t, scene.MusicURL, "unsettled music degrades to a missing URL")

	dlg := got[2].(*stream.Dialogue)
	assert.Equal(t, "http://a/v.wav", dlg.VoiceURL)
	assert.Equal(t, 2.5, dlg.VoiceDuration)
	assert.Equal(t, "http://img/happy_001.png", dlg.ImageURL)
}

func TestStreamPortraitEmotionFallback(t *testing.T) {
	res := &fakeResolver{results: map[string]any{
		"portrait_mara99 qingnian": media.NewPortrait(map[string]string{
			"happy":  "http://img/happy_001.png",
			"normal": "http://img/normal_001.png",
		}),
	}}
	s := NewStreaming(res, WithLogger(telemetry.NewNoopLogger()))

	var got []stream.Event
	for ev := range s.Stream(context.Background(), produceEvents(dialogueEvent("sad"))) {
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	dlg := got[0].(*stream.Dialogue)
	assert.Equal(t, "http://img/normal_001.png", dlg.ImageURL, `unknown emotion falls back to "normal"`)
	assert.Empty(t, dlg.VoiceURL, "voice never settled")
}

func TestStreamProducerFailure(t *testing.T) {
	s := NewStreaming(&fakeResolver{}, WithLogger(telemetry.NewNoopLogger()))
	boom := errors.New("planner unreachable")
	produce := func(ctx context.Context, sink stream.Sink) error {
		if err := sink.Send(ctx, &stream.StoryStart{Base: stream.NewBase("story_start", stream.EventStoryStart)}); err != nil {
			return err
		}
		return boom
	}

	var got []stream.Event
	for ev := range s.Stream(context.Background(), produce) {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, stream.EventStoryStart, got[0].Type())
	errEv, ok := got[1].(*stream.Error)
	require.True(t, ok, "terminal error event")
	assert.Equal(t, "produce", errEv.Stage)
	assert.Contains(t, errEv.Message, "planner unreachable")
}

func TestStreamResultDecodesRawJSON(t *testing.T) {
	// Task-backed keys settle with raw JSON from the task record.
	res := &fakeResolver{results: map[string]any{
		"bg_x": `{"type":"image","url_map":{"default":"http://img/x.png"}}`,
	}}
	s := NewStreaming(res, WithLogger(telemetry.NewNoopLogger()))
	r := s.result(context.Background(), "bg_x")
	require.NotNil(t, r)
	assert.Equal(t, "http://img/x.png", r.PrimaryURL())
}
