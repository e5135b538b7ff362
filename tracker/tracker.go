package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/storyloom/loom/cache"
	"github.com/storyloom/loom/tasks"
	"github.com/storyloom/loom/telemetry"
)

// Sentinel errors callers branch on.
var (
	// ErrNotFound reports a key that was never registered.
	ErrNotFound = errors.New("tracker: resource not found")

	// ErrTimeout reports that the await budget passed before settlement.
	ErrTimeout = errors.New("tracker: timed out waiting for resource")
)

// DefaultPollInterval is the task status poll cadence when none is
// configured.
const DefaultPollInterval = time.Second

type (
	// TaskManager is the subset of the task manager the tracker drives.
	TaskManager interface {
		Submit(ctx context.Context, function string, args any, queue string) (string, error)
		Status(ctx context.Context, taskID string) (*tasks.Task, error)
	}

	// Tracker registers resource keys for one request and settles their
	// handles from direct values or task outcomes. Safe for concurrent use.
	Tracker struct {
		mgr       TaskManager
		cache     *cache.Cache
		requestID string
		interval  time.Duration
		log       telemetry.Logger

		mu        sync.Mutex
		resources map[string]*resource

		pollCancel context.CancelFunc
		pollDone   chan struct{}
	}

	// Option customizes a Tracker.
	Option func(*Tracker)

	// resource pairs a handle with its optional backing task.
	resource struct {
		handle    *Handle
		taskID    string
		queue     string
		createdAt time.Time
	}

	// mapping is the persisted form of a task-backed key.
	mapping struct {
		TaskID string `json:"task_id,omitempty"`
		Queue  string `json:"queue,omitempty"`
	}
)

// WithPollInterval overrides the task status poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithLogger overrides the default clue-backed logger.
func WithLogger(l telemetry.Logger) Option {
	return func(t *Tracker) { t.log = l }
}

// New builds a tracker for one request and recovers the persisted key→task
// mapping so polling resumes awaits interrupted by a restart.
func New(ctx context.Context, mgr TaskManager, c *cache.Cache, requestID string, opts ...Option) (*Tracker, error) {
	t := &Tracker{
		mgr:       mgr,
		cache:     c,
		requestID: requestID,
		interval:  DefaultPollInterval,
		log:       telemetry.NewClueLogger(),
		resources: make(map[string]*resource),
	}
	for _, opt := range opts {
		opt(t)
	}
	if err := t.recoverMappings(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// recoverMappings re-registers every persisted key with its task binding.
// Handles are recreated unsettled; the poll loop settles them again.
func (t *Tracker) recoverMappings(ctx context.Context) error {
	entries, err := t.cache.HGetAll(ctx, cache.TrackerResourcesKey(t.requestID))
	if err != nil {
		return fmt.Errorf("tracker: recover %s: %w", t.requestID, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, data := range entries {
		var m mapping
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			t.log.Warn(ctx, "skipping undecodable resource mapping", "key", key, "error", err)
			continue
		}
		t.resources[key] = &resource{
			handle:    newHandle(),
			taskID:    m.TaskID,
			queue:     m.Queue,
			createdAt: time.Now(),
		}
	}
	if len(entries) > 0 {
		t.log.Info(ctx, "recovered resource mappings", "request_id", t.requestID, "count", len(entries))
	}
	return nil
}

// Register allocates an unresolved handle for key if absent and returns it.
func (t *Tracker) Register(key string) *Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.register(key).handle
}

// register allocates if needed. Callers hold t.mu.
func (t *Tracker) register(key string) *resource {
	if res, ok := t.resources[key]; ok {
		return res
	}
	res := &resource{handle: newHandle(), createdAt: time.Now()}
	t.resources[key] = res
	return res
}

// SetResult settles key with value (direct mode). First settle wins.
func (t *Tracker) SetResult(key string, value any) {
	t.mu.Lock()
	res := t.register(key)
	t.mu.Unlock()
	res.handle.settle(value, nil)
}

// SetError settles key with err (direct mode). First settle wins.
func (t *Tracker) SetError(key string, err error) {
	t.mu.Lock()
	res := t.register(key)
	t.mu.Unlock()
	res.handle.settle(nil, err)
}

// Submit registers key, submits a task to back it and persists the mapping.
// A key already tracked keeps its existing handle and task; no second task
// is submitted unless the caller clears the key first.
func (t *Tracker) Submit(ctx context.Context, key, function string, args any, queue string) (*Handle, error) {
	if t.mgr == nil {
		return nil, errors.New("tracker: no task manager")
	}
	t.mu.Lock()
	if res, ok := t.resources[key]; ok {
		t.mu.Unlock()
		if !res.handle.Settled() {
			t.log.Warn(ctx, "resource already tracked", "key", key, "task_id", res.taskID)
		}
		return res.handle, nil
	}
	t.mu.Unlock()

	taskID, err := t.mgr.Submit(ctx, function, args, queue)
	if err != nil {
		return nil, fmt.Errorf("tracker: submit %q: %w", key, err)
	}

	t.mu.Lock()
	res := t.register(key)
	res.taskID = taskID
	res.queue = queue
	t.mu.Unlock()

	if err := t.persistMapping(ctx, key, taskID, queue); err != nil {
		t.log.Warn(ctx, "persist resource mapping", "key", key, "error", err)
	}
	t.log.Debug(ctx, "resource tracked", "key", key, "task_id", taskID, "queue", queue)
	return res.handle, nil
}

func (t *Tracker) persistMapping(ctx context.Context, key, taskID, queue string) error {
	data, err := json.Marshal(mapping{TaskID: taskID, Queue: queue})
	if err != nil {
		return err
	}
	return t.cache.HSet(ctx, cache.TrackerResourcesKey(t.requestID), key, string(data))
}

// Get awaits settlement of key for at most timeout. A zero timeout waits
// until ctx ends. Timeouts and settle errors are returned; use GetOr to
// absorb them into a default.
func (t *Tracker) Get(ctx context.Context, key string, timeout time.Duration) (any, error) {
	t.mu.Lock()
	res := t.register(key)
	t.mu.Unlock()

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	value, err := res.handle.Await(waitCtx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, key, timeout)
	}
	return value, err
}

// GetOr awaits key and returns def on timeout or error, logging the reason.
// This is the consumer-facing await: partial resource failures degrade to
// missing URLs rather than stream failures.
func (t *Tracker) GetOr(ctx context.Context, key string, timeout time.Duration, def any) any {
	value, err := t.Get(ctx, key, timeout)
	if err != nil {
		t.log.Warn(ctx, "resource unavailable", "key", key, "error", err)
		return def
	}
	return value
}

// GetNowait returns the settled value or def when unsettled, unknown or
// settled with an error.
func (t *Tracker) GetNowait(key string, def any) any {
	t.mu.Lock()
	res, ok := t.resources[key]
	t.mu.Unlock()
	if !ok {
		return def
	}
	value, err, settled := res.handle.Result()
	if !settled || err != nil {
		return def
	}
	return value
}

// IsReady reports whether key is settled.
func (t *Tracker) IsReady(key string) bool {
	t.mu.Lock()
	res, ok := t.resources[key]
	t.mu.Unlock()
	return ok && res.handle.Settled()
}

// TaskBinding returns the task id and queue backing key, empty for direct
// keys. Offline consumers use it for diagnostics.
func (t *Tracker) TaskBinding(key string) (taskID, queue string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if res, ok := t.resources[key]; ok {
		return res.taskID, res.queue
	}
	return "", ""
}

// PendingCount returns the number of unsettled keys.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, res := range t.resources {
		if !res.handle.Settled() {
			n++
		}
	}
	return n
}

// TotalCount returns the number of tracked keys.
func (t *Tracker) TotalCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.resources)
}

// Clear forgets key and removes its persisted mapping.
func (t *Tracker) Clear(ctx context.Context, key string) error {
	t.mu.Lock()
	delete(t.resources, key)
	t.mu.Unlock()
	return t.cache.HDel(ctx, cache.TrackerResourcesKey(t.requestID), key)
}

// ClearCompleted forgets every settled key, returning how many were removed.
func (t *Tracker) ClearCompleted(ctx context.Context) (int, error) {
	t.mu.Lock()
	var settled []string
	for key, res := range t.resources {
		if res.handle.Settled() {
			settled = append(settled, key)
		}
	}
	for _, key := range settled {
		delete(t.resources, key)
	}
	t.mu.Unlock()
	if len(settled) > 0 {
		if err := t.cache.HDel(ctx, cache.TrackerResourcesKey(t.requestID), settled...); err != nil {
			return len(settled), err
		}
	}
	return len(settled), nil
}

// ClearAll forgets every key and deletes the request's mapping hash.
func (t *Tracker) ClearAll(ctx context.Context) error {
	t.mu.Lock()
	t.resources = make(map[string]*resource)
	t.mu.Unlock()
	return t.cache.Del(ctx, cache.TrackerResourcesKey(t.requestID))
}

// StartPolling launches the background loop that settles task-backed
// handles from task status. Idempotent.
func (t *Tracker) StartPolling(ctx context.Context) {
	t.mu.Lock()
	if t.pollCancel != nil {
		t.mu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	t.pollCancel = cancel
	t.pollDone = make(chan struct{})
	t.mu.Unlock()

	go t.pollLoop(pollCtx)
	t.log.Info(ctx, "tracker polling started", "request_id", t.requestID)
}

// StopPolling stops the background loop and waits for it to exit.
func (t *Tracker) StopPolling() {
	t.mu.Lock()
	cancel := t.pollCancel
	done := t.pollDone
	t.pollCancel = nil
	t.pollDone = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (t *Tracker) pollLoop(ctx context.Context) {
	defer close(t.pollDone)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.pollOnce(ctx)
		}
	}
}

// pollOnce checks every unsettled task-backed handle against task status.
func (t *Tracker) pollOnce(ctx context.Context) {
	t.mu.Lock()
	type pending struct {
		key    string
		taskID string
		handle *Handle
	}
	var waiting []pending
	for key, res := range t.resources {
		if res.taskID == "" || res.handle.Settled() {
			continue
		}
		waiting = append(waiting, pending{key: key, taskID: res.taskID, handle: res.handle})
	}
	t.mu.Unlock()

	for _, p := range waiting {
		task, err := t.mgr.Status(ctx, p.taskID)
		if errors.Is(err, tasks.ErrNotFound) {
			p.handle.settle(nil, fmt.Errorf("tracker: task %s not found for %s", p.taskID, p.key))
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.log.Error(ctx, "poll task status", "key", p.key, "task_id", p.taskID, "error", err)
			continue
		}
		switch task.Status {
		case tasks.StatusCompleted:
			p.handle.settle(task.Result, nil)
			t.log.Debug(ctx, "resource ready", "key", p.key, "task_id", p.taskID)
		case tasks.StatusFailed, tasks.StatusCancelled:
			msg := task.Error
			if msg == "" {
				msg = "task failed"
			}
			p.handle.settle(nil, fmt.Errorf("tracker: %s: %s", p.key, msg))
			t.log.Warn(ctx, "resource failed", "key", p.key, "task_id", p.taskID, "error", msg)
		}
	}
}
