// Package prompt defines the planner abstraction the story engine talks to
// and its streaming chunk protocol. A Planner produces the story outline and
// per-scene scripts as incremental text, split into reasoning ("think") and
// narrative ("output") chunks, plus two blocking lookups for image prompts.
// Adapters exist for the chatflow HTTP protocol, OpenAI, Anthropic and AWS
// Bedrock.
package prompt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// ErrRateLimited marks provider rate-limit responses so callers can back off
// instead of failing the request.
var ErrRateLimited = errors.New("prompt: rate limited")

// Kind distinguishes reasoning text from narrative output in a stream.
type Kind string

const (
	// KindThink carries the planner's reasoning; it is cached but never
	// parsed as story content.
	KindThink Kind = "think"
	// KindOutput carries narrative XML destined for the stream parser.
	KindOutput Kind = "output"
)

// Chunk is one increment of planner text.
type Chunk struct {
	Kind Kind
	Text string
}

// Stream yields chunks until io.EOF. Close releases the underlying
// connection; it is safe to call concurrently with Recv.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// StoryRequest carries the inputs of the outline phase. Characters and Tags
// are pre-formatted sheets the caller builds from its own models.
type StoryRequest struct {
	Logline    string
	Characters string
	Tags       string
}

// CharacterProfile is the blocking character-detail lookup result. Prompt
// fields feed the portrait workflow; Voice is a free-text voice description
// and Gender a provider hint.
type CharacterProfile struct {
	Setting    string `json:"setting"`
	Culture    string `json:"culture"`
	Appearance string `json:"appearance"`
	Figure     string `json:"figure"`
	Hair       string `json:"hair"`
	Clothing   string `json:"clothing"`
	Gender     string `json:"gender"`
	Voice      string `json:"voice"`
}

// Prompt flattens the visual fields into the image-workflow prompt.
func (p CharacterProfile) Prompt() string {
	return strings.Join([]string{p.Setting, p.Culture, p.Appearance, p.Figure, p.Hair, p.Clothing}, "\n")
}

// SceneProfile is the blocking scene-detail lookup result.
type SceneProfile struct {
	Setting    string `json:"setting"`
	Style      string `json:"style"`
	Background string `json:"background"`
	Color      string `json:"color"`
	Light      string `json:"light"`
}

// Prompt flattens the fields into the background-workflow prompt.
func (p SceneProfile) Prompt() string {
	return strings.Join([]string{p.Setting, p.Style, p.Background, p.Color, p.Light}, "\n")
}

// Planner generates stories. PlanStory streams the outline; SceneScript
// streams one scene's script, continuing the planner session identified by
// sessionID when the backend is conversational (empty sessionID starts a new
// session). ScenePrompt and CharacterDetail are blocking detail lookups fed
// by the full story script. SessionID reports the identifier of the current
// planner session, or "" for stateless backends.
type Planner interface {
	PlanStory(ctx context.Context, req StoryRequest) (Stream, error)
	SceneScript(ctx context.Context, sessionID, story, scene string) (Stream, error)
	ScenePrompt(ctx context.Context, story, scene string) (SceneProfile, error)
	CharacterDetail(ctx context.Context, story, character string) (CharacterProfile, error)
	SessionID() string
}

// pipe is the channel-backed Stream shared by the adapters. A producer
// goroutine emits chunks and finishes with an optional error; Recv drains in
// order and returns the error (or io.EOF) after the last chunk.
type pipe struct {
	ch     chan Chunk
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func newPipe(cancel context.CancelFunc) *pipe {
	return &pipe{ch: make(chan Chunk, 32), cancel: cancel}
}

// emit sends one chunk, giving up when ctx ends. It reports whether the
// chunk was delivered.
func (p *pipe) emit(ctx context.Context, c Chunk) bool {
	select {
	case p.ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish closes the stream; a non-nil err is surfaced by Recv after the
// buffered chunks drain.
func (p *pipe) finish(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.ch)
}

func (p *pipe) Recv() (Chunk, error) {
	c, ok := <-p.ch
	if !ok {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.err != nil {
			return Chunk{}, p.err
		}
		return Chunk{}, io.EOF
	}
	return c, nil
}

func (p *pipe) Close() error {
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}

// thinkSplitter converts raw text chunks into think/output chunks for
// backends that inline reasoning between <think> and </think> tags. The
// opening tag must start a chunk; everything until the closing tag
// accumulates into a single think chunk.
type thinkSplitter struct {
	think strings.Builder
}

func (s *thinkSplitter) split(text string) []Chunk {
	if text == "" {
		return nil
	}
	switch {
	case strings.HasPrefix(text, "<think>") && s.think.Len() == 0:
		s.think.WriteString(text)
		return s.flushIfClosed()
	case s.think.Len() > 0:
		s.think.WriteString(text)
		return s.flushIfClosed()
	default:
		return []Chunk{{Kind: KindOutput, Text: text}}
	}
}

func (s *thinkSplitter) flushIfClosed() []Chunk {
	acc := s.think.String()
	idx := strings.Index(acc, "</think>")
	if idx < 0 {
		return nil
	}
	s.think.Reset()
	chunks := []Chunk{{Kind: KindThink, Text: strings.TrimPrefix(acc[:idx], "<think>")}}
	if rest := acc[idx+len("</think>"):]; rest != "" {
		chunks = append(chunks, Chunk{Kind: KindOutput, Text: rest})
	}
	return chunks
}

// ParseJSONBlock decodes a JSON object that may be wrapped in a Markdown
// ```json fence, as planner workflows commonly return.
func ParseJSONBlock(text string, out any) error {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), out); err != nil {
		return fmt.Errorf("parse planner JSON: %w", err)
	}
	return nil
}

// Collect drains a stream into concatenated think and output text. It is a
// convenience for blocking callers and tests.
func Collect(s Stream) (think, output string, err error) {
	defer func() { _ = s.Close() }()
	var tb, ob strings.Builder
	for {
		c, rerr := s.Recv()
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return tb.String(), ob.String(), nil
			}
			return tb.String(), ob.String(), rerr
		}
		switch c.Kind {
		case KindThink:
			tb.WriteString(c.Text)
		default:
			ob.WriteString(c.Text)
		}
	}
}
