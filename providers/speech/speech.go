// Package speech is the HTTP adapter for the audio service: text-to-speech
// synthesis, voice search and sound-effect search with download URL lookup.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/time/rate"
)

// DefaultMaxDistance is the semantic-search distance threshold applied to
// sound lookups. Music and mood queries skip the threshold entirely: both
// tolerate loose matches.
const DefaultMaxDistance = 0.4

// SoundType filters audio search results.
type SoundType string

const (
	SoundMusic      SoundType = "music"
	SoundAmbient    SoundType = "ambient"
	SoundMood       SoundType = "mood"
	SoundAction     SoundType = "action"
	SoundTransition SoundType = "transition"
)

// SpeechRequest is one TTS synthesis call. Emotion defaults to "normal" and
// EmoAlpha to 1.0.
type SpeechRequest struct {
	Text        string
	VoiceID     string
	Emotion     string
	EmoAlpha    float64
	VoiceEffect string
}

// Synthesis is the TTS result.
type Synthesis struct {
	AudioURL    string  `json:"audio_url"`
	AudioLength float64 `json:"audio_length"`
}

// Voice is one voice-search hit.
type Voice struct {
	VoiceID     string `json:"voice_id"`
	Name        string `json:"name"`
	Gender      string `json:"gender"`
	Age         string `json:"age"`
	Description string `json:"description"`
}

// Sound is one audio-search hit.
type Sound struct {
	ID       json.Number `json:"id"`
	Title    string      `json:"title"`
	Type     string      `json:"type"`
	Duration float64     `json:"duration"`
	Distance float64     `json:"distance"`
}

// DurationRange restricts audio search to a length window; zero values mean
// unbounded.
type DurationRange struct {
	Min int
	Max int
}

// Client talks to the audio service. One rate limiter is shared across all
// calls.
type Client struct {
	baseURL     string
	apiKey      string
	maxDistance float64
	http        *http.Client
	limiter     *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRateLimit caps outgoing requests per second.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// WithMaxDistance overrides the default search distance threshold.
func WithMaxDistance(d float64) Option {
	return func(c *Client) {
		if d > 0 {
			c.maxDistance = d
		}
	}
}

// New builds an audio service client.
func New(baseURL, apiKey string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("speech: base URL is required")
	}
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		maxDistance: DefaultMaxDistance,
		http:        &http.Client{},
		limiter:     rate.NewLimiter(rate.Inf, 1),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Synthesize runs one TTS call.
func (c *Client) Synthesize(ctx context.Context, req SpeechRequest) (Synthesis, error) {
	var result Synthesis
	if req.Text == "" {
		return result, fmt.Errorf("speech: text is required")
	}
	if req.VoiceID == "" {
		return result, fmt.Errorf("speech: voice id is required")
	}
	emotion := req.Emotion
	if emotion == "" {
		emotion = "normal"
	}
	alpha := req.EmoAlpha
	if alpha == 0 {
		alpha = 1.0
	}
	payload := map[string]any{
		"text":      req.Text,
		"voice_id":  req.VoiceID,
		"emotion":   emotion,
		"emo_alpha": alpha,
	}
	if req.VoiceEffect != "" {
		payload["voice_effect"] = req.VoiceEffect
	}
	if err := c.post(ctx, "/tts", payload, &result); err != nil {
		return result, err
	}
	if result.AudioURL == "" {
		return result, fmt.Errorf("speech: tts returned no audio url")
	}
	return result, nil
}

// SearchVoices finds voices matching a free-text description. Gender and age
// filters are optional.
func (c *Client) SearchVoices(ctx context.Context, desc, gender, age string) ([]Voice, error) {
	payload := map[string]any{
		"query": desc,
		"limit": 10,
	}
	if gender != "" {
		payload["gender"] = gender
	}
	if age != "" {
		payload["age"] = age
	}
	var voices []Voice
	if err := c.post(ctx, "/voice/search", payload, &voices); err != nil {
		return nil, err
	}
	return voices, nil
}

// SearchAudio finds the best sound-effect match for a description, or nil
// when nothing clears the distance threshold. Music results additionally
// require commercial-use clearance.
func (c *Client) SearchAudio(ctx context.Context, query string, typ SoundType, dur DurationRange) (*Sound, error) {
	payload := map[string]any{
		"query": query,
		"limit": 1,
	}
	if typ != "" {
		payload["type"] = string(typ)
		if typ == SoundMusic {
			payload["enable_commercial"] = true
		}
	}
	if dur.Min > 0 {
		payload["min_duration"] = dur.Min
	}
	if dur.Max > 0 {
		payload["max_duration"] = dur.Max
	}
	if typ != SoundMusic && typ != SoundMood {
		payload["max_distance"] = c.maxDistance
	}
	var sounds []Sound
	if err := c.post(ctx, "/audio/search", payload, &sounds); err != nil {
		return nil, err
	}
	if len(sounds) == 0 {
		return nil, nil
	}
	return &sounds[0], nil
}

// DownloadURL resolves the download location of an audio asset.
func (c *Client) DownloadURL(ctx context.Context, audioID string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("speech: rate limiter: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/audio/"+audioID+"/download-url", nil)
	if err != nil {
		return "", fmt.Errorf("speech: build download-url request: %w", err)
	}
	c.setHeaders(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("speech: download-url: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", c.httpError("download-url", resp)
	}
	var decoded struct {
		URL         string `json:"url"`
		DownloadURL string `json:"download_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("speech: decode download-url response: %w", err)
	}
	if decoded.URL != "" {
		return decoded.URL, nil
	}
	if decoded.DownloadURL != "" {
		return decoded.DownloadURL, nil
	}
	return "", fmt.Errorf("speech: no download url for audio %s", audioID)
}

func (c *Client) post(ctx context.Context, endpoint string, payload map[string]any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("speech: rate limiter: %w", err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("speech: encode %s request: %w", endpoint, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("speech: build %s request: %w", endpoint, err)
	}
	c.setHeaders(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("speech: %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return c.httpError(endpoint, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("speech: decode %s response: %w", endpoint, err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) httpError(endpoint string, resp *http.Response) error {
	buf := new(bytes.Buffer)
	_, _ = buf.ReadFrom(resp.Body)
	return fmt.Errorf("speech: %s: HTTP %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(buf.String()))
}
