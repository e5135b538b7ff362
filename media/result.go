// Package media defines the typed results produced by resource tasks: audio
// clips, single images and multi-emotion portraits. Every variant carries a
// label→URL map plus free-form metadata; helpers pick the right URL for a
// requested label with sensible fallback.
package media

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
)

// Kind discriminates result variants on the wire.
type Kind string

const (
	KindAudio    Kind = "audio"
	KindImage    Kind = "image"
	KindPortrait Kind = "portrait"
)

// SoundType classifies audio results.
type SoundType string

const (
	SoundMusic   SoundType = "music"
	SoundAmbient SoundType = "ambient"
	SoundAction  SoundType = "action"
)

// DefaultLabel is the conventional label for single-URL results.
const DefaultLabel = "default"

// NeutralLabel is the emotion portraits fall back to when the requested one
// is missing.
const NeutralLabel = "normal"

type (
	// Result is the common surface of all resource results.
	Result interface {
		// Kind identifies the variant.
		Kind() Kind
		// URLMap returns the label→URL map. Callers must not mutate it.
		URLMap() map[string]string
		// Meta returns provider metadata. May be nil.
		Meta() map[string]any
		// PrimaryURL returns the "default" URL when present, else the URL of
		// the first label in sorted order, else "".
		PrimaryURL() string
		// GetURL resolves a label. A single-entry map always wins; then the
		// exact label; then, when fallback is set, "normal", "default" or any
		// URL in that order of preference.
		GetURL(label string, fallback bool) string
	}

	resultCore struct {
		Type     Kind              `json:"type"`
		URLs     map[string]string `json:"url_map"`
		Metadata map[string]any    `json:"metadata,omitempty"`
	}

	// AudioResult is a synthesized or looked-up audio clip.
	AudioResult struct {
		resultCore
		Duration    float64   `json:"duration,omitempty"`
		VoiceID     string    `json:"voice_id,omitempty"`
		Emotion     string    `json:"emotion,omitempty"`
		VoiceEffect string    `json:"voice_effect,omitempty"`
		SoundType   SoundType `json:"sound_type,omitempty"`
	}

	// ImageResult is a single generated image.
	ImageResult struct {
		resultCore
	}

	// PortraitResult is a character portrait with one URL per emotion label.
	PortraitResult struct {
		resultCore
	}
)

// NewAudio builds an audio result with the conventional single URL. An empty
// URL yields an empty map (used by audio search misses).
func NewAudio(u string) *AudioResult {
	urls := map[string]string{}
	if u != "" {
		urls[DefaultLabel] = u
	}
	return &AudioResult{resultCore: resultCore{Type: KindAudio, URLs: urls}}
}

// NewImage builds a single-image result.
func NewImage(u string) *ImageResult {
	return &ImageResult{resultCore: resultCore{Type: KindImage, URLs: map[string]string{DefaultLabel: u}}}
}

// NewPortrait builds a portrait from emotion-labelled URLs.
func NewPortrait(urls map[string]string) *PortraitResult {
	if urls == nil {
		urls = map[string]string{}
	}
	return &PortraitResult{resultCore: resultCore{Type: KindPortrait, URLs: urls}}
}

// PortraitFromURLs labels each URL by the emotion prefix of its filename and
// builds a portrait result. URLs whose filename carries no prefix land under
// "default"; unrecognized prefixes are retained under their literal label.
func PortraitFromURLs(urls []string) *PortraitResult {
	m := make(map[string]string, len(urls))
	for _, u := range urls {
		label := LabelFromURL(u)
		if label == "" {
			label = DefaultLabel
		}
		if _, taken := m[label]; taken {
			continue
		}
		m[label] = u
	}
	return NewPortrait(m)
}

// WithMeta attaches metadata and returns the result for chaining.
func (a *AudioResult) WithMeta(meta map[string]any) *AudioResult {
	a.Metadata = meta
	return a
}

// WithMeta attaches metadata and returns the result for chaining.
func (i *ImageResult) WithMeta(meta map[string]any) *ImageResult {
	i.Metadata = meta
	return i
}

// WithMeta attaches metadata and returns the result for chaining.
func (p *PortraitResult) WithMeta(meta map[string]any) *PortraitResult {
	p.Metadata = meta
	return p
}

func (c resultCore) Kind() Kind { return c.Type }

func (c resultCore) URLMap() map[string]string { return c.URLs }

func (c resultCore) Meta() map[string]any { return c.Metadata }

// PrimaryURL prefers "default", else the first label in sorted order.
func (c resultCore) PrimaryURL() string {
	if u, ok := c.URLs[DefaultLabel]; ok {
		return u
	}
	for _, label := range sortedLabels(c.URLs) {
		return c.URLs[label]
	}
	return ""
}

// GetURL resolves a label per the lookup rules documented on Result.
func (c resultCore) GetURL(label string, fallback bool) string {
	if len(c.URLs) == 1 {
		for _, u := range c.URLs {
			return u
		}
	}
	if u, ok := c.URLs[label]; ok {
		return u
	}
	if !fallback {
		return ""
	}
	if u, ok := c.URLs[NeutralLabel]; ok {
		return u
	}
	return c.PrimaryURL()
}

// LabelFromURL extracts the emotion label from an image URL: the filename
// segment before the first underscore. Returns "" when the filename has no
// underscore.
func LabelFromURL(rawURL string) string {
	name := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		name = u.Path
	}
	name = path.Base(name)
	if i := strings.IndexByte(name, '?'); i >= 0 {
		name = name[:i]
	}
	if i := strings.IndexByte(name, '_'); i > 0 {
		return strings.ToLower(name[:i])
	}
	return ""
}

// Decode converts a task result back into a typed Result. It accepts raw
// JSON, maps produced by JSON decoding, or an already-typed Result.
func Decode(v any) (Result, error) {
	switch t := v.(type) {
	case nil:
		return nil, fmt.Errorf("media: nil result")
	case Result:
		return t, nil
	case json.RawMessage:
		return decodeJSON(t)
	case []byte:
		return decodeJSON(t)
	case string:
		return decodeJSON([]byte(t))
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("media: encode intermediate: %w", err)
		}
		return decodeJSON(raw)
	}
}

func decodeJSON(raw []byte) (Result, error) {
	var probe struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("media: decode kind: %w", err)
	}
	switch probe.Type {
	case KindAudio:
		var r AudioResult
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("media: decode audio: %w", err)
		}
		return &r, nil
	case KindImage:
		var r ImageResult
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("media: decode image: %w", err)
		}
		return &r, nil
	case KindPortrait:
		var r PortraitResult
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("media: decode portrait: %w", err)
		}
		return &r, nil
	default:
		return nil, fmt.Errorf("media: unknown result kind %q", probe.Type)
	}
}

func sortedLabels(m map[string]string) []string {
	labels := make([]string, 0, len(m))
	for k := range m {
		labels = append(labels, k)
	}
	sort.Strings(labels)
	return labels
}
