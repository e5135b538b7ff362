package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynthesizeDefaults(t *testing.T) {
	var gotPayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tts", r.URL.Path)
		require.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		fmt.Fprint(w, `{"audio_url":"http://audio/1.wav","audio_length":3.2}`)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "key")
	require.NoError(t, err)

	result, err := c.Synthesize(context.Background(), SpeechRequest{Text: "hello", VoiceID: "v-1"})
	require.NoError(t, err)
	assert.Equal(t, "http://audio/1.wav", result.AudioURL)
	assert.Equal(t, 3.2, result.AudioLength)

	assert.Equal(t, "normal", gotPayload["emotion"])
	assert.Equal(t, 1.0, gotPayload["emo_alpha"])
	_, hasEffect := gotPayload["voice_effect"]
	assert.False(t, hasEffect)
}

func TestSynthesizeMonologueEffect(t *testing.T) {
	var gotPayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		fmt.Fprint(w, `{"audio_url":"http://audio/2.wav","audio_length":1.0}`)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "key")
	require.NoError(t, err)

	_, err = c.Synthesize(context.Background(), SpeechRequest{
		Text: "inner thoughts", VoiceID: "v-1", Emotion: "sad", VoiceEffect: "monologue",
	})
	require.NoError(t, err)
	assert.Equal(t, "sad", gotPayload["emotion"])
	assert.Equal(t, "monologue", gotPayload["voice_effect"])
}

func TestSynthesizeValidation(t *testing.T) {
	c, err := New("http://unused", "key")
	require.NoError(t, err)

	_, err = c.Synthesize(context.Background(), SpeechRequest{VoiceID: "v"})
	assert.ErrorContains(t, err, "text is required")
	_, err = c.Synthesize(context.Background(), SpeechRequest{Text: "t"})
	assert.ErrorContains(t, err, "voice id is required")
}

func TestSearchVoices(t *testing.T) {
	var gotPayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/voice/search", r.URL.Path)
		gotPayload = map[string]any{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		fmt.Fprint(w, `[{"voice_id":"v-1","gender":"female"},{"voice_id":"v-2","gender":"female"}]`)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "key")
	require.NoError(t, err)

	voices, err := c.SearchVoices(context.Background(), "warm and calm", "female", "青年")
	require.NoError(t, err)
	require.Len(t, voices, 2)
	assert.Equal(t, "v-1", voices[0].VoiceID)

	assert.Equal(t, "warm and calm", gotPayload["query"])
	assert.Equal(t, float64(10), gotPayload["limit"])
	assert.Equal(t, "female", gotPayload["gender"])
	assert.Equal(t, "青年", gotPayload["age"])

	// Filters are omitted when empty.
	_, err = c.SearchVoices(context.Background(), "any", "", "")
	require.NoError(t, err)
	_, hasGender := gotPayload["gender"]
	_, hasAge := gotPayload["age"]
	assert.False(t, hasGender)
	assert.False(t, hasAge)
}

func TestSearchAudioThresholds(t *testing.T) {
	var gotPayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/audio/search", r.URL.Path)
		gotPayload = map[string]any{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		fmt.Fprint(w, `[{"id":77,"title":"rain","type":"ambient"}]`)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "key")
	require.NoError(t, err)
	ctx := context.Background()

	sound, err := c.SearchAudio(ctx, "rain on glass", SoundAmbient, DurationRange{})
	require.NoError(t, err)
	require.NotNil(t, sound)
	assert.Equal(t, "77", sound.ID.String())
	assert.Equal(t, DefaultMaxDistance, gotPayload["max_distance"])
	_, hasCommercial := gotPayload["enable_commercial"]
	assert.False(t, hasCommercial)

	// Music skips the distance threshold and requires commercial clearance.
	_, err = c.SearchAudio(ctx, "tense strings", SoundMusic, DurationRange{Min: 30, Max: 120})
	require.NoError(t, err)
	_, hasDistance := gotPayload["max_distance"]
	assert.False(t, hasDistance)
	assert.Equal(t, true, gotPayload["enable_commercial"])
	assert.Equal(t, float64(30), gotPayload["min_duration"])
	assert.Equal(t, float64(120), gotPayload["max_duration"])

	// Mood skips the threshold too but not the commercial filter.
	_, err = c.SearchAudio(ctx, "melancholy", SoundMood, DurationRange{})
	require.NoError(t, err)
	_, hasDistance = gotPayload["max_distance"]
	assert.False(t, hasDistance)
	_, hasCommercial = gotPayload["enable_commercial"]
	assert.False(t, hasCommercial)
}

func TestSearchAudioNoMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "key")
	require.NoError(t, err)

	sound, err := c.SearchAudio(context.Background(), "obscure noise", SoundAction, DurationRange{})
	require.NoError(t, err)
	assert.Nil(t, sound)
}

func TestDownloadURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/audio/77/download-url", r.URL.Path)
		fmt.Fprint(w, `{"url":"http://cdn/77.mp3"}`)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "key")
	require.NoError(t, err)

	url, err := c.DownloadURL(context.Background(), "77")
	require.NoError(t, err)
	assert.Equal(t, "http://cdn/77.mp3", url)
}

func TestDownloadURLFallbackField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"download_url":"http://cdn/88.mp3"}`)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "key")
	require.NoError(t, err)

	url, err := c.DownloadURL(context.Background(), "88")
	require.NoError(t, err)
	assert.Equal(t, "http://cdn/88.mp3", url)
}
