package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/loom/media"
	"github.com/storyloom/loom/providers/imagegen"
	"github.com/storyloom/loom/providers/speech"
	"github.com/storyloom/loom/tasks"
)

type fakeImages struct {
	mu       sync.Mutex
	statuses []imagegen.Status
	outputs  []imagegen.Output
	created  []string
	err      error
}

func (f *fakeImages) Create(_ context.Context, workflowID string, overrides []imagegen.NodeOverride) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.created = append(f.created, workflowID+":"+overrides[0].FieldValue)
	return "prov-1", nil
}

func (f *fakeImages) Status(context.Context, string) (imagegen.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return imagegen.StatusCompleted, nil
	}
	next := f.statuses[0]
	f.statuses = f.statuses[1:]
	return next, nil
}

func (f *fakeImages) Result(context.Context, string) ([]imagegen.Output, error) {
	return f.outputs, nil
}

type fakeAudio struct {
	synth    speech.Synthesis
	synthErr error
	lastReq  speech.SpeechRequest
	sound    *speech.Sound
	url      string
}

func (f *fakeAudio) Synthesize(_ context.Context, req speech.SpeechRequest) (speech.Synthesis, error) {
	f.lastReq = req
	return f.synth, f.synthErr
}

func (f *fakeAudio) SearchAudio(context.Context, string, speech.SoundType, speech.DurationRange) (*speech.Sound, error) {
	return f.sound, nil
}

func (f *fakeAudio) DownloadURL(context.Context, string) (string, error) {
	return f.url, nil
}

func newSet(t *testing.T, images *fakeImages, audio *fakeAudio) *Set {
	t.Helper()
	s, err := NewSet(images, audio, Config{
		SceneWorkflow:    "wf-scene",
		PortraitWorkflow: "wf-portrait",
		NarratorVoice:    "narrator-1",
	}, WithPollInterval(time.Millisecond))
	require.NoError(t, err)
	return s
}

func run(t *testing.T, s *Set, name string, args any) media.Result {
	t.Helper()
	reg := tasks.NewRegistry()
	require.NoError(t, s.Register(reg))
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	fn, err := reg.Resolve(name, raw)
	require.NoError(t, err)
	out, err := fn(context.Background(), raw)
	require.NoError(t, err)
	result, err := media.Decode(out)
	require.NoError(t, err)
	return result
}

func TestSceneImagePollsUntilCompleted(t *testing.T) {
	images := &fakeImages{
		statuses: []imagegen.Status{imagegen.StatusQueued, imagegen.StatusRunning, imagegen.StatusCompleted},
		outputs:  []imagegen.Output{{FileURL: "http://img/bg.png", FileType: "png"}},
	}
	s := newSet(t, images, &fakeAudio{})

	result := run(t, s, FuncImageScene, SceneArgs{Tag: "bg", BackgroundID: "bgab12", Prompt: "a pier"})
	assert.Equal(t, media.KindImage, result.Kind())
	assert.Equal(t, "http://img/bg.png", result.PrimaryURL())
	assert.Equal(t, "bgab12", result.Meta()["bg_id"])
	assert.Equal(t, []string{"wf-scene:a pier"}, images.created)
}

func TestSceneImageFailedStatus(t *testing.T) {
	images := &fakeImages{statuses: []imagegen.Status{imagegen.StatusFailed}}
	s := newSet(t, images, &fakeAudio{})

	reg := tasks.NewRegistry()
	require.NoError(t, s.Register(reg))
	raw, _ := json.Marshal(SceneArgs{Tag: "bg", BackgroundID: "x", Prompt: "p"})
	fn, err := reg.Resolve(FuncImageScene, raw)
	require.NoError(t, err)
	_, err = fn(context.Background(), raw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ended failed")
	assert.False(t, tasks.IsPermanent(err), "provider failures stay retryable")
}

func TestPortraitLabelsFromFilenames(t *testing.T) {
	images := &fakeImages{outputs: []imagegen.Output{
		{FileURL: "http://img/happy_001.png"},
		{FileURL: "http://img/sad_002.png"},
		{FileURL: "http://img/portrait.png"},
	}}
	s := newSet(t, images, &fakeAudio{})

	result := run(t, s, FuncImagePortrait, PortraitArgs{Tag: "alice99", Prompt: "a girl"})
	assert.Equal(t, media.KindPortrait, result.Kind())
	urls := result.URLMap()
	assert.Equal(t, "http://img/happy_001.png", urls["happy"])
	assert.Equal(t, "http://img/sad_002.png", urls["sad"])
	assert.Equal(t, "http://img/portrait.png", urls["default"])
}

func TestDialogueAudio(t *testing.T) {
	audio := &fakeAudio{synth: speech.Synthesis{AudioURL: "http://a/d.wav", AudioLength: 2.5}}
	s := newSet(t, &fakeImages{}, audio)

	result := run(t, s, FuncAudioDialogue, DialogueArgs{
		Text: "hello", VoiceID: "v-7", Tag: "d11", Emotion: "happy", VoiceEffect: "monologue",
	})
	ar, ok := result.(*media.AudioResult)
	require.True(t, ok)
	assert.Equal(t, "http://a/d.wav", ar.PrimaryURL())
	assert.Equal(t, 2.5, ar.Duration)
	assert.Equal(t, "v-7", ar.VoiceID)
	assert.Equal(t, "happy", ar.Emotion)
	assert.Equal(t, "monologue", ar.VoiceEffect)

	assert.Equal(t, "monologue", audio.lastReq.VoiceEffect)
}

func TestNarrationUsesConfiguredVoice(t *testing.T) {
	audio := &fakeAudio{synth: speech.Synthesis{AudioURL: "http://a/n.wav", AudioLength: 4}}
	s := newSet(t, &fakeImages{}, audio)

	result := run(t, s, FuncAudioNarration, NarrationArgs{Text: "long ago", Tag: "n11"})
	ar := result.(*media.AudioResult)
	assert.Equal(t, "narrator-1", ar.VoiceID)
	assert.Equal(t, "narrator-1", audio.lastReq.VoiceID)
}

func TestSearchAudioHit(t *testing.T) {
	audio := &fakeAudio{
		sound: &speech.Sound{ID: json.Number("77"), Duration: 30},
		url:   "http://cdn/77.mp3",
	}
	s := newSet(t, &fakeImages{}, audio)

	result := run(t, s, FuncAudioSearch, SearchArgs{Description: "rain", SoundType: "ambient", Tag: "a11"})
	ar := result.(*media.AudioResult)
	assert.Equal(t, "http://cdn/77.mp3", ar.PrimaryURL())
	assert.Equal(t, media.SoundAmbient, ar.SoundType)
	assert.Equal(t, true, ar.Meta()["found"])
}

func TestSearchAudioMiss(t *testing.T) {
	s := newSet(t, &fakeImages{}, &fakeAudio{})

	result := run(t, s, FuncAudioSearch, SearchArgs{Description: "obscure", SoundType: "music", Tag: "m1"})
	assert.Empty(t, result.URLMap())
	assert.Equal(t, false, result.Meta()["found"])
	assert.Equal(t, "", result.PrimaryURL())
}

func TestSchemasRejectBadArgs(t *testing.T) {
	s := newSet(t, &fakeImages{}, &fakeAudio{})
	reg := tasks.NewRegistry()
	require.NoError(t, s.Register(reg))

	cases := []struct {
		name string
		args string
	}{
		{FuncImageScene, `{"tag":"bg"}`},
		{FuncImagePortrait, `{"prompt":""}`},
		{FuncAudioDialogue, `{"text":"x","tag":"t"}`},
		{FuncAudioNarration, `{"tag":"t"}`},
		{FuncAudioSearch, `{"description":"x","sound_type":"jingle","tag":"t"}`},
	}
	for _, tc := range cases {
		_, err := reg.Resolve(tc.name, json.RawMessage(tc.args))
		require.Error(t, err, tc.name)
		assert.True(t, tasks.IsPermanent(err), fmt.Sprintf("%s must fail permanently", tc.name))
	}
}
