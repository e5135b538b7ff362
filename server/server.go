// Package server is the thin HTTP façade over the generation pipeline: one
// SSE endpoint that runs a story and streams its resolved events, plus task
// and queue introspection and a liveness check. The core pipeline never
// serves HTTP itself; the daemon wires it in through the Pipeline interface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/storyloom/loom/stream"
	"github.com/storyloom/loom/tasks"
)

// DefaultHeartbeat is the SSE comment interval that keeps idle proxies from
// closing the connection.
const DefaultHeartbeat = 30 * time.Second

type (
	// StoryRequest is the POST body of the generate endpoint.
	StoryRequest struct {
		Logline    string      `json:"logline"`
		Characters []Character `json:"characters,omitempty"`
		Tags       []string    `json:"tags,omitempty"`
		Narrator   bool        `json:"narrator,omitempty"`
	}

	// Character is one player-defined role.
	Character struct {
		Name        string `json:"name"`
		Age         string `json:"age,omitempty"`
		Gender      string `json:"gender,omitempty"`
		Description string `json:"description,omitempty"`
	}

	// Pipeline runs one story generation and returns its resolved event
	// stream. The channel closes after the terminal event.
	Pipeline interface {
		Generate(ctx context.Context, requestID string, req StoryRequest) (<-chan stream.Event, error)
	}

	// TaskReader exposes the task introspection the façade serves;
	// *tasks.Manager satisfies it.
	TaskReader interface {
		Status(ctx context.Context, taskID string) (*tasks.Task, error)
		QueueStats(ctx context.Context) (map[string]tasks.QueueStat, error)
	}

	// Server holds the handler dependencies.
	Server struct {
		pipeline  Pipeline
		tasks     TaskReader
		checker   health.Checker
		heartbeat time.Duration
		debug     bool
	}

	// Option configures a Server.
	Option func(*Server)
)

// WithHeartbeat overrides the SSE heartbeat interval.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// WithDebug mounts the pprof handlers and the runtime debug-log toggle.
func WithDebug() Option {
	return func(s *Server) { s.debug = true }
}

// New builds the façade. pingers back the health endpoint; pass the Redis
// cache and, when configured, the Mongo archive.
func New(p Pipeline, tr TaskReader, pingers []health.Pinger, opts ...Option) (*Server, error) {
	if p == nil {
		return nil, errors.New("server: pipeline is required")
	}
	if tr == nil {
		return nil, errors.New("server: task reader is required")
	}
	s := &Server{
		pipeline:  p,
		tasks:     tr,
		checker:   health.NewChecker(pingers...),
		heartbeat: DefaultHeartbeat,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handler returns the routed and middleware-wrapped HTTP handler. ctx is the
// logging context requests inherit.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", health.Handler(s.checker))
	mux.HandleFunc("POST /stories/{id}/generate", s.handleGenerate)
	mux.HandleFunc("GET /tasks/{id}", s.handleTask)
	mux.HandleFunc("GET /queues", s.handleQueues)
	if s.debug {
		debug.MountDebugLogEnabler(mux)
		debug.MountPprofHandlers(mux)
	}

	var handler http.Handler = mux
	if s.debug {
		handler = debug.HTTP()(handler)
	}
	return log.HTTP(ctx)(handler)
}

// handleGenerate runs the pipeline for one request and relays its events
// over SSE until the stream or the client connection ends.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("id")
	if requestID == "" {
		writeError(w, http.StatusBadRequest, "missing request id")
		return
	}
	var req StoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx := r.Context()
	events, err := s.pipeline.Generate(ctx, requestID, req)
	if err != nil {
		log.Errorf(ctx, err, "start generation")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				log.Errorf(ctx, err, "write event %s", ev.ID())
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Status(r.Context(), r.PathValue("id"))
	if errors.Is(err, tasks.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	stats, err := s.tasks.QueueStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// writeSSE emits one event in wire format: event type line, JSON data line,
// blank separator.
func writeSSE(w http.ResponseWriter, ev stream.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("server: encode event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type(), data)
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
