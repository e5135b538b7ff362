package imagegen

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

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]Status{
		"QUEUED":    StatusQueued,
		"Running":   StatusRunning,
		"COMPLETED": StatusCompleted,
		"success":   StatusCompleted,
		"successed": StatusCompleted,
		"FAILED":    StatusFailed,
		"error":     StatusFailed,
		"CANCELLED": StatusCancelled,
		"canceled":  StatusCancelled,
		"whatever":  StatusPending,
		"":          StatusPending,
	}
	for raw, want := range cases {
		assert.Equal(t, want, NormalizeStatus(raw), "raw %q", raw)
	}

	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusPending.Terminal())
}

func TestCreateStatusResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Equal(t, "secret", payload["apiKey"])
		switch r.URL.Path {
		case "/task/openapi/create":
			assert.Equal(t, "wf-1", payload["workflowId"])
			nodes := payload["nodeInfoList"].([]any)
			require.Len(t, nodes, 1)
			node := nodes[0].(map[string]any)
			assert.Equal(t, "80", node["nodeId"])
			assert.Equal(t, "String", node["fieldName"])
			assert.Equal(t, "a foggy pier", node["fieldValue"])
			fmt.Fprint(w, `{"code":0,"msg":"success","data":{"taskId":"prov-1"}}`)
		case "/task/openapi/status":
			assert.Equal(t, "prov-1", payload["taskId"])
			fmt.Fprint(w, `{"code":0,"msg":"success","data":"RUNNING"}`)
		case "/task/openapi/outputs":
			fmt.Fprint(w, `{"code":0,"msg":"success","data":[{"fileUrl":"http://img/happy_1.png","fileType":"png"}]}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c, err := New(srv.URL, "secret")
	require.NoError(t, err)
	ctx := context.Background()

	taskID, err := c.Create(ctx, "wf-1", PromptOverride("80", "a foggy pier"))
	require.NoError(t, err)
	assert.Equal(t, "prov-1", taskID)

	status, err := c.Status(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, status)

	outputs, err := c.Result(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, "http://img/happy_1.png", outputs[0].FileURL)
	assert.Equal(t, "png", outputs[0].FileType)
}

func TestProviderErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/task/openapi/create":
			fmt.Fprint(w, `{"code":1,"msg":"workflow not found","data":null}`)
		case "/task/openapi/status":
			fmt.Fprint(w, `{"code":1,"msg":"no such task","data":""}`)
		case "/task/openapi/outputs":
			fmt.Fprint(w, `{"code":0,"msg":"success","data":[]}`)
		}
	}))
	defer srv.Close()

	c, err := New(srv.URL, "secret")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = c.Create(ctx, "missing", nil)
	assert.ErrorContains(t, err, "workflow not found")

	_, err = c.Status(ctx, "t")
	assert.ErrorContains(t, err, "no such task")

	_, err = c.Result(ctx, "t")
	assert.ErrorContains(t, err, "no outputs")
}

func TestHTTPErrorSurfacesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broke", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "secret")
	require.NoError(t, err)

	_, err = c.Create(context.Background(), "wf", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 502")
	assert.Contains(t, err.Error(), "upstream broke")
}
