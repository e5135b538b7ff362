package prompt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Chatflow is the Planner implementation for the chatflow HTTP protocol: a
// streaming chat endpoint with server-sent-event framing plus a blocking
// workflow endpoint for detail lookups. The client maintains one
// conversation across PlanStory and SceneScript calls so the backend keeps
// story context server-side.
type Chatflow struct {
	baseURL string
	apiKey  string
	user    string
	http    *http.Client

	mu             sync.Mutex
	conversationID string
	taskID         string
}

// ChatflowOption configures a Chatflow client.
type ChatflowOption func(*Chatflow)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) ChatflowOption {
	return func(c *Chatflow) { c.http = hc }
}

// WithUser sets the user identifier sent with every request.
func WithUser(user string) ChatflowOption {
	return func(c *Chatflow) { c.user = user }
}

// WithConversationID resumes a previous planner session.
func WithConversationID(id string) ChatflowOption {
	return func(c *Chatflow) { c.conversationID = id }
}

// NewChatflow builds a chatflow planner client.
func NewChatflow(baseURL, apiKey string, opts ...ChatflowOption) (*Chatflow, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("chatflow: base URL is required")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("chatflow: api key is required")
	}
	c := &Chatflow{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		user:    "story",
		http:    &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// SessionID returns the conversation identifier captured from the backend,
// or "" before the first streamed response.
func (c *Chatflow) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// PlanStory streams the story outline. Reasoning arrives inline between
// <think> tags and is split into think chunks.
func (c *Chatflow) PlanStory(ctx context.Context, req StoryRequest) (Stream, error) {
	payload := map[string]any{
		"query":         req.Logline,
		"user":          c.user,
		"response_mode": "streaming",
		"inputs": map[string]any{
			"characters": req.Characters,
			"tags":       req.Tags,
		},
	}
	return c.stream(ctx, payload)
}

// SceneScript streams one scene's script within the planner session. An
// empty sessionID starts a new conversation.
func (c *Chatflow) SceneScript(ctx context.Context, sessionID, story, scene string) (Stream, error) {
	if sessionID != "" {
		c.mu.Lock()
		c.conversationID = sessionID
		c.mu.Unlock()
	}
	payload := map[string]any{
		"query":         scene,
		"user":          c.user,
		"response_mode": "streaming",
		"inputs":        map[string]any{"story": story},
	}
	return c.stream(ctx, payload)
}

// ScenePrompt runs the blocking scene-detail workflow.
func (c *Chatflow) ScenePrompt(ctx context.Context, story, scene string) (SceneProfile, error) {
	var profile SceneProfile
	raw, err := c.workflow(ctx, map[string]any{
		"story": story,
		"scene": scene,
		"task":  "场景画像",
	}, "scene")
	if err != nil {
		return profile, err
	}
	if err := ParseJSONBlock(raw, &profile); err != nil {
		return profile, fmt.Errorf("chatflow scene detail: %w", err)
	}
	return profile, nil
}

// CharacterDetail runs the blocking character-detail workflow.
func (c *Chatflow) CharacterDetail(ctx context.Context, story, character string) (CharacterProfile, error) {
	var profile CharacterProfile
	raw, err := c.workflow(ctx, map[string]any{
		"story":     story,
		"character": character,
		"task":      "人物画像",
	}, "character")
	if err != nil {
		return profile, err
	}
	if err := ParseJSONBlock(raw, &profile); err != nil {
		return profile, fmt.Errorf("chatflow character detail: %w", err)
	}
	return profile, nil
}

// sseChunk is one decoded server-sent event from the chat endpoint.
type sseChunk struct {
	Event          string `json:"event"`
	Answer         string `json:"answer"`
	ConversationID string `json:"conversation_id"`
	TaskID         string `json:"task_id"`
}

func (c *Chatflow) stream(ctx context.Context, payload map[string]any) (Stream, error) {
	c.mu.Lock()
	if c.conversationID != "" {
		payload["conversation_id"] = c.conversationID
	}
	c.mu.Unlock()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("chatflow: encode request: %w", err)
	}

	sctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(sctx, http.MethodPost, c.baseURL+"/chat-messages", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("chatflow: build request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("chatflow: chat-messages: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		cancel()
		return nil, c.httpError("chat-messages", resp)
	}

	p := newPipe(cancel)
	go c.pump(sctx, resp, p)
	return p, nil
}

// pump reads SSE lines into the pipe, capturing conversation and task
// identifiers as they appear. On abnormal termination it asks the backend to
// stop generating before surfacing the error.
func (c *Chatflow) pump(ctx context.Context, resp *http.Response, p *pipe) {
	defer resp.Body.Close()

	var splitter thinkSplitter
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := line[len("data: "):]
		if data == "" || data == "[DONE]" {
			continue
		}
		var chunk sseChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		c.capture(chunk)
		if chunk.Event != "message" {
			continue
		}
		for _, out := range splitter.split(chunk.Answer) {
			if !p.emit(ctx, out) {
				c.stop(context.WithoutCancel(ctx))
				p.finish(ctx.Err())
				return
			}
		}
	}
	if err := scanner.Err(); err != nil {
		c.stop(context.WithoutCancel(ctx))
		if cerr := ctx.Err(); cerr != nil {
			p.finish(cerr)
		} else {
			p.finish(fmt.Errorf("chatflow: read stream: %w", err))
		}
		return
	}
	c.clearTask()
	p.finish(nil)
}

func (c *Chatflow) capture(chunk sseChunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if chunk.ConversationID != "" {
		c.conversationID = chunk.ConversationID
	}
	if chunk.TaskID != "" && c.taskID == "" {
		c.taskID = chunk.TaskID
	}
}

func (c *Chatflow) clearTask() {
	c.mu.Lock()
	c.taskID = ""
	c.mu.Unlock()
}

// stop tells the backend to abandon the in-flight generation. Best effort:
// failures are ignored, the stream is being torn down anyway.
func (c *Chatflow) stop(ctx context.Context) {
	c.mu.Lock()
	taskID := c.taskID
	c.taskID = ""
	c.mu.Unlock()
	if taskID == "" {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(sctx, http.MethodPost, c.baseURL+"/chat-messages/"+taskID+"/stop", nil)
	if err != nil {
		return
	}
	c.setHeaders(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}

// workflow invokes the blocking workflow endpoint and returns the named
// output field, which may be a JSON string or an embedded object.
func (c *Chatflow) workflow(ctx context.Context, inputs map[string]any, field string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"inputs":        inputs,
		"response_mode": "blocking",
		"user":          c.user,
	})
	if err != nil {
		return "", fmt.Errorf("chatflow: encode workflow request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/workflows/run", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("chatflow: build workflow request: %w", err)
	}
	c.setHeaders(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("chatflow: workflows/run: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", c.httpError("workflows/run", resp)
	}
	var decoded struct {
		Data struct {
			Outputs map[string]json.RawMessage `json:"outputs"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("chatflow: decode workflow response: %w", err)
	}
	raw, ok := decoded.Data.Outputs[field]
	if !ok {
		return "", fmt.Errorf("chatflow: workflow output %q missing", field)
	}
	// Outputs are usually JSON strings carrying the document.
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	return string(raw), nil
}

func (c *Chatflow) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
}

func (c *Chatflow) httpError(op string, resp *http.Response) error {
	buf := new(bytes.Buffer)
	_, _ = buf.ReadFrom(resp.Body)
	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: chatflow %s: %s", ErrRateLimited, op, strings.TrimSpace(buf.String()))
	}
	return fmt.Errorf("chatflow %s: HTTP %d: %s", op, resp.StatusCode, strings.TrimSpace(buf.String()))
}
