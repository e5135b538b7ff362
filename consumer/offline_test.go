package consumer

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/loom/media"
	"github.com/storyloom/loom/naming"
	"github.com/storyloom/loom/stream"
	"github.com/storyloom/loom/telemetry"
)

func mediaServer(t *testing.T, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		_, _ = w.Write([]byte("payload:" + r.URL.Path))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func drainOffline(t *testing.T, o *Offline, events ...stream.Event) map[string]string {
	t.Helper()
	ctx := context.Background()
	for range o.Stream(ctx, produceEvents(events...)) {
	}
	files, err := o.WaitAll(ctx)
	require.NoError(t, err)
	return files
}

func TestOfflineDownloadsDeterministicNames(t *testing.T) {
	srv := mediaServer(t, nil)
	bgURL := srv.URL + "/bg.png"
	voiceURL := srv.URL + "/v.wav"
	musicURL := srv.URL + "/theme.mp3"

	res := &fakeResolver{results: map[string]any{
		"bg_bgab12": media.NewImage(bgURL),
		"voice_111": media.NewAudio(voiceURL),
		"music_11":  media.NewAudio(musicURL),
		"portrait_mara99 qingnian": media.NewPortrait(map[string]string{
			"happy":  srv.URL + "/happy_001.png",
			"normal": srv.URL + "/normal_001.png",
		}),
	}}
	dir := t.TempDir()
	o, err := NewOffline(NewStreaming(res, WithLogger(telemetry.NewNoopLogger())), dir)
	require.NoError(t, err)

	files := drainOffline(t, o, sceneEvent(), dialogueEvent("happy"))

	wantBg := filepath.Join(dir, "images", naming.ImageFileName(naming.TagBackground, "bgab12", bgURL))
	wantVoice := filepath.Join(dir, "audio", naming.AudioFileName("d111", voiceURL))
	wantMusic := filepath.Join(dir, "audio", naming.AudioFileName("m11", musicURL))
	assert.Equal(t, wantBg, files["bg_bgab12"])
	assert.Equal(t, wantVoice, files["voice_111"])
	assert.Equal(t, wantMusic, files["music_11"])
	for _, p := range []string{wantBg, wantVoice, wantMusic} {
		assert.FileExists(t, p)
	}
}

// Only portrait labels selected by an emotion seen in dialogue are fetched.
func TestOfflinePortraitUsedEmotionsOnly(t *testing.T) {
	srv := mediaServer(t, nil)
	res := &fakeResolver{results: map[string]any{
		"portrait_mara99 qingnian": media.NewPortrait(map[string]string{
			"happy":  srv.URL + "/happy_001.png",
			"normal": srv.URL + "/normal_001.png",
			"sad":    srv.URL + "/sad_001.png",
		}),
	}}
	dir := t.TempDir()
	o, err := NewOffline(NewStreaming(res, WithLogger(telemetry.NewNoopLogger())), dir)
	require.NoError(t, err)

	drainOffline(t, o, dialogueEvent("happy"))

	assert.FileExists(t, filepath.Join(dir, "images", "mara99 qingnian happy.png"))
	assert.NoFileExists(t, filepath.Join(dir, "images", "mara99 qingnian normal.png"))
	assert.NoFileExists(t, filepath.Join(dir, "images", "mara99 qingnian sad.png"))
}

// An emotion missing from the map falls back to the neutral portrait, which
// is then the label downloaded.
func TestOfflinePortraitFallbackDownload(t *testing.T) {
	srv := mediaServer(t, nil)
	res := &fakeResolver{results: map[string]any{
		"portrait_mara99 qingnian": media.NewPortrait(map[string]string{
			"happy":  srv.URL + "/happy_001.png",
			"normal": srv.URL + "/normal_001.png",
		}),
	}}
	dir := t.TempDir()
	o, err := NewOffline(NewStreaming(res, WithLogger(telemetry.NewNoopLogger())), dir)
	require.NoError(t, err)

	drainOffline(t, o, dialogueEvent("sad"))

	assert.FileExists(t, filepath.Join(dir, "images", "mara99 qingnian normal.png"))
	assert.NoFileExists(t, filepath.Join(dir, "images", "mara99 qingnian happy.png"))
}

func TestOfflineSkipsExistingFiles(t *testing.T) {
	var hits atomic.Int64
	srv := mediaServer(t, &hits)
	voiceURL := srv.URL + "/v.wav"
	res := &fakeResolver{results: map[string]any{
		"voice_111": media.NewAudio(voiceURL),
	}}
	dir := t.TempDir()
	o, err := NewOffline(NewStreaming(res, WithLogger(telemetry.NewNoopLogger())), dir)
	require.NoError(t, err)

	target := filepath.Join(dir, "audio", naming.AudioFileName("d111", voiceURL))
	require.NoError(t, os.WriteFile(target, []byte("from previous run"), 0o644))

	ev := dialogueEvent("happy")
	ev.ImageKey = ""
	files := drainOffline(t, o, ev)

	assert.Equal(t, int64(0), hits.Load(), "existing file is never re-fetched")
	assert.Equal(t, target, files["voice_111"])
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "from previous run", string(data))
}

func TestOfflineDecodesDataURI(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("RIFFdata"))
	uri := "data:audio/wav;base64," + payload
	res := &fakeResolver{results: map[string]any{
		"sound_114": media.NewAudio(uri),
	}}
	dir := t.TempDir()
	o, err := NewOffline(NewStreaming(res, WithLogger(telemetry.NewNoopLogger())), dir)
	require.NoError(t, err)

	sound := &stream.Audio{
		Base:     stream.NewBase("sound_114", stream.EventAudio),
		Channel:  stream.ChannelSound,
		AudioKey: "sound_114",
	}
	files := drainOffline(t, o, sound)

	target := files["sound_114"]
	require.NotEmpty(t, target)
	assert.Equal(t, ".wav", filepath.Ext(target))
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "RIFFdata", string(data))
}

func TestAudioTag(t *testing.T) {
	cases := map[string]string{
		"voice_112":     "d112",
		"narration_111": "n111",
		"sound_114":     "s114",
		"music_11":      "m11",
		"ambient_23":    "a23",
	}
	for key, want := range cases {
		assert.Equal(t, want, audioTag(key), key)
	}
}
