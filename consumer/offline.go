package consumer

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/storyloom/loom/media"
	"github.com/storyloom/loom/naming"
	"github.com/storyloom/loom/stream"
	"github.com/storyloom/loom/telemetry"
)

// DefaultDownloadConcurrency bounds simultaneous downloads across all
// resources of a run.
const DefaultDownloadConcurrency = 10

// Offline extends the streaming consumer: every resolved resource is also
// downloaded into the project directory under deterministic names, so a
// re-run reuses existing files. Audio lands in <dir>/audio, images in
// <dir>/images.
type Offline struct {
	*Streaming
	dir   string
	httpc *http.Client
	sem   *semaphore.Weighted
	wg    sync.WaitGroup

	mu        sync.Mutex
	files     map[string]string          // resource key -> local path
	scheduled map[string]bool            // target path -> download started
	used      map[string]map[string]bool // portrait key -> emotions seen in dialogue
}

// OfflineOption configures an Offline consumer.
type OfflineOption func(*Offline)

// WithHTTPClient overrides the download HTTP client.
func WithHTTPClient(hc *http.Client) OfflineOption {
	return func(o *Offline) { o.httpc = hc }
}

// WithDownloadConcurrency overrides the global download bound.
func WithDownloadConcurrency(n int64) OfflineOption {
	return func(o *Offline) {
		if n > 0 {
			o.sem = semaphore.NewWeighted(n)
		}
	}
}

// NewOffline builds an offline consumer writing under dir. The audio and
// images subdirectories are created up front.
func NewOffline(s *Streaming, dir string, opts ...OfflineOption) (*Offline, error) {
	o := &Offline{
		Streaming: s,
		dir:       dir,
		httpc:     &http.Client{},
		sem:       semaphore.NewWeighted(DefaultDownloadConcurrency),
		files:     make(map[string]string),
		scheduled: make(map[string]bool),
		used:      make(map[string]map[string]bool),
	}
	for _, opt := range opts {
		opt(o)
	}
	for _, sub := range []string{"audio", "images"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("consumer: create %s dir: %w", sub, err)
		}
	}
	return o, nil
}

// Stream behaves like the streaming consumer and schedules downloads as a
// side effect of each event. Call WaitAll after draining the channel.
func (o *Offline) Stream(ctx context.Context, produce ProduceFunc) <-chan stream.Event {
	return o.Streaming.stream(ctx, produce, o.observe)
}

// WaitAll blocks until every scheduled download settled and returns the
// key→local-path map of successful ones.
func (o *Offline) WaitAll(ctx context.Context) (map[string]string, error) {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]string, len(o.files))
	for k, v := range o.files {
		out[k] = v
	}
	return out, nil
}

// Files returns the paths downloaded so far.
func (o *Offline) Files() map[string]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]string, len(o.files))
	for k, v := range o.files {
		out[k] = v
	}
	return out
}

// observe schedules the downloads referenced by one resolved event.
func (o *Offline) observe(ctx context.Context, ev stream.Event) {
	switch e := ev.(type) {
	case *stream.SceneStart:
		o.spawnImage(ctx, e.BackgroundKey, naming.TagBackground, e.BgID, e.BackgroundURL)
		o.spawnAudio(ctx, e.MusicKey, e.MusicURL)
		o.spawnAudio(ctx, e.AmbientKey, e.AmbientURL)
	case *stream.Dialogue:
		o.spawnAudio(ctx, e.VoiceKey, e.VoiceURL)
		o.spawnPortrait(ctx, e.ImageKey, e.Emotion)
	case *stream.Narration:
		o.spawnAudio(ctx, e.VoiceKey, e.VoiceURL)
	case *stream.Audio:
		o.spawnAudio(ctx, e.AudioKey, e.AudioURL)
	}
}

// spawnAudio downloads one audio clip under its channel-tagged name.
func (o *Offline) spawnAudio(ctx context.Context, key, url string) {
	if key == "" || url == "" {
		return
	}
	target := filepath.Join(o.dir, "audio", naming.AudioFileName(audioTag(key), url))
	o.spawn(ctx, key, target, url, true)
}

// spawnImage downloads one image under "<tag> <attribute>.<ext>".
func (o *Offline) spawnImage(ctx context.Context, key, tag, attribute, url string) {
	if key == "" || url == "" {
		return
	}
	target := filepath.Join(o.dir, "images", naming.ImageFileName(tag, attribute, url))
	o.spawn(ctx, key, target, url, true)
}

// spawnPortrait records the dialogue's emotion against the portrait key and
// downloads every label that emotion selects. Re-resolving the key is cheap:
// the streaming pass just settled it.
func (o *Offline) spawnPortrait(ctx context.Context, key, emotion string) {
	if key == "" {
		return
	}
	o.mu.Lock()
	if o.used[key] == nil {
		o.used[key] = make(map[string]bool)
	}
	o.used[key][emotion] = true
	used := make([]string, 0, len(o.used[key]))
	for e := range o.used[key] {
		used = append(used, e)
	}
	o.mu.Unlock()

	r := o.result(ctx, key)
	if r == nil {
		return
	}
	tag := strings.TrimPrefix(key, "portrait_")
	urls := r.URLMap()
	for _, e := range used {
		selected := r.GetURL(e, true)
		for label, u := range urls {
			if u != selected {
				continue
			}
			attribute := label
			if label == media.DefaultLabel {
				attribute = ""
			}
			target := filepath.Join(o.dir, "images", naming.ImageFileName(tag, attribute, u))
			o.spawn(ctx, key, target, u, false)
		}
	}
}

// spawn starts one bounded background download. Each target is fetched at
// most once per run; existing files are kept.
func (o *Offline) spawn(ctx context.Context, key, target, url string, record bool) {
	o.mu.Lock()
	if o.scheduled[target] {
		o.mu.Unlock()
		return
	}
	o.scheduled[target] = true
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer o.sem.Release(1)

		if err := o.fetch(ctx, target, url); err != nil {
			o.metrics.IncCounter(telemetry.MetricDownloadFailures, 1)
			o.log.Warn(ctx, "download failed", "key", key, "url", url, "error", err)
			return
		}
		o.metrics.IncCounter(telemetry.MetricDownloads, 1)
		o.mu.Lock()
		if record {
			if _, taken := o.files[key]; !taken {
				o.files[key] = target
			}
		}
		o.mu.Unlock()
	}()
}

// fetch writes url to target, decoding data: URIs inline and skipping
// targets that already exist from a previous run.
func (o *Offline) fetch(ctx context.Context, target, url string) error {
	if _, err := os.Stat(target); err == nil {
		return nil
	}
	if strings.HasPrefix(url, "data:") {
		return writeDataURI(target, url)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := o.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	f, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(target)
		return err
	}
	return f.Close()
}

// writeDataURI decodes a base64 data: URI straight to disk.
func writeDataURI(target, uri string) error {
	comma := strings.IndexByte(uri, ',')
	if comma < 0 {
		return fmt.Errorf("malformed data uri")
	}
	payload := uri[comma+1:]
	var data []byte
	var err error
	if strings.Contains(uri[:comma], ";base64") {
		data, err = base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return fmt.Errorf("decode data uri: %w", err)
		}
	} else {
		data = []byte(payload)
	}
	return os.WriteFile(target, data, 0o644)
}

// audioTag maps a resource key to its file-name channel tag: voice_112
// becomes d112, music_11 becomes m11.
func audioTag(key string) string {
	for prefix, tag := range map[string]string{
		"voice_":     naming.TagDialogue,
		"narration_": naming.TagNarration,
		"sound_":     naming.TagSound,
		"music_":     naming.TagMusic,
		"ambient_":   naming.TagAmbient,
	} {
		if strings.HasPrefix(key, prefix) {
			return tag + strings.TrimPrefix(key, prefix)
		}
	}
	return key
}
