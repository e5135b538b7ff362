// Package imagegen is the HTTP adapter for the ComfyUI-style image
// generation service. A generation is asynchronous on the provider side:
// Create starts a workflow run and returns the provider's task identifier,
// Status polls it, Result fetches the output files once completed.
package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/time/rate"
)

// Status is the normalized provider task state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the provider will not change the state anymore.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// NormalizeStatus maps the provider's textual states, including historical
// misspellings, onto Status. Unknown strings map to pending so pollers keep
// waiting rather than failing on new provider vocabulary.
func NormalizeStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued":
		return StatusQueued
	case "running":
		return StatusRunning
	case "completed", "success", "successed":
		return StatusCompleted
	case "failed", "error":
		return StatusFailed
	case "cancelled", "canceled":
		return StatusCancelled
	default:
		return StatusPending
	}
}

// NodeOverride rewrites one workflow node input before the run starts.
type NodeOverride struct {
	NodeID     string `json:"nodeId"`
	FieldName  string `json:"fieldName"`
	FieldValue string `json:"fieldValue"`
}

// PromptOverride is the common case of injecting a prompt string into a
// workflow's text node.
func PromptOverride(nodeID, prompt string) []NodeOverride {
	return []NodeOverride{{NodeID: nodeID, FieldName: "String", FieldValue: prompt}}
}

// Output is one generated file.
type Output struct {
	FileURL  string `json:"fileUrl"`
	FileType string `json:"fileType"`
}

// Client talks to the image generation service. All calls share one rate
// limiter so concurrent jobs do not trip the provider's request quota.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
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

// New builds an image generation client.
func New(baseURL, apiKey string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("imagegen: base URL is required")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("imagegen: api key is required")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{},
		limiter: rate.NewLimiter(rate.Inf, 1),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Create starts a workflow run and returns the provider task identifier.
func (c *Client) Create(ctx context.Context, workflowID string, overrides []NodeOverride) (string, error) {
	payload := map[string]any{
		"workflowId":       workflowID,
		"instanceType":     "plus",
		"usePersonalQueue": true,
	}
	if len(overrides) > 0 {
		payload["nodeInfoList"] = overrides
	}
	var decoded struct {
		Msg  string `json:"msg"`
		Data *struct {
			TaskID string `json:"taskId"`
		} `json:"data"`
	}
	if err := c.post(ctx, "create", payload, &decoded); err != nil {
		return "", err
	}
	if decoded.Data == nil || decoded.Data.TaskID == "" {
		return "", fmt.Errorf("imagegen: create workflow %s: %s", workflowID, decoded.Msg)
	}
	return decoded.Data.TaskID, nil
}

// Status returns the normalized state of a provider task.
func (c *Client) Status(ctx context.Context, taskID string) (Status, error) {
	var decoded struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data string `json:"data"`
	}
	if err := c.post(ctx, "status", map[string]any{"taskId": taskID}, &decoded); err != nil {
		return StatusFailed, err
	}
	if decoded.Code != 0 || decoded.Msg != "success" {
		return StatusFailed, fmt.Errorf("imagegen: status of task %s: %s", taskID, decoded.Msg)
	}
	return NormalizeStatus(decoded.Data), nil
}

// Result fetches the generated files of a completed task.
func (c *Client) Result(ctx context.Context, taskID string) ([]Output, error) {
	var decoded struct {
		Code int      `json:"code"`
		Msg  string   `json:"msg"`
		Data []Output `json:"data"`
	}
	if err := c.post(ctx, "outputs", map[string]any{"taskId": taskID}, &decoded); err != nil {
		return nil, err
	}
	if decoded.Code != 0 || decoded.Msg != "success" {
		return nil, fmt.Errorf("imagegen: result of task %s: %s", taskID, decoded.Msg)
	}
	if len(decoded.Data) == 0 {
		return nil, fmt.Errorf("imagegen: task %s produced no outputs", taskID)
	}
	return decoded.Data, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload map[string]any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("imagegen: rate limiter: %w", err)
	}
	payload["apiKey"] = c.apiKey
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("imagegen: encode %s request: %w", endpoint, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/task/openapi/"+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("imagegen: build %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("imagegen: %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(resp.Body)
		return fmt.Errorf("imagegen: %s: HTTP %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(buf.String()))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("imagegen: decode %s response: %w", endpoint, err)
	}
	return nil
}
