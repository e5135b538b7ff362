package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storyloom/loom/cache"
	"github.com/storyloom/loom/config"
	"github.com/storyloom/loom/telemetry"
)

// popTimeout is how long a worker blocks on an empty queue before checking
// for shutdown.
const popTimeout = 3 * time.Second

type (
	// Manager schedules tasks across named queues. Construction recovers
	// tasks stranded in running-sets by a previous process; StartWorkers
	// launches the per-queue worker loops.
	Manager struct {
		cache    *cache.Cache
		queues   map[string]config.QueueConfig
		registry *Registry
		log      telemetry.Logger
		metrics  telemetry.Metrics

		// sems holds one token pool of size max_concurrent per queue.
		sems map[string]chan struct{}

		stop     chan struct{}
		stopOnce sync.Once
		wg       sync.WaitGroup
	}

	// Option customizes a Manager.
	Option func(*Manager)

	// QueueStat is a point-in-time view of one queue.
	QueueStat struct {
		Pending       int64 `json:"pending_tasks"`
		Running       int64 `json:"running_tasks"`
		MaxConcurrent int   `json:"max_concurrent"`
	}
)

// WithLogger overrides the default clue-backed logger.
func WithLogger(l telemetry.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMetrics overrides the default no-op metrics recorder.
func WithMetrics(mt telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// New builds a Manager over the configured queues and immediately runs crash
// recovery: every id found in a running-set whose record survived is reset
// to pending and pushed back onto its queue; orphans are dropped.
func New(ctx context.Context, c *cache.Cache, queues map[string]config.QueueConfig, reg *Registry, opts ...Option) (*Manager, error) {
	if len(queues) == 0 {
		return nil, errors.New("tasks: no queues configured")
	}
	if reg == nil {
		reg = NewRegistry()
	}
	m := &Manager{
		cache:    c,
		queues:   queues,
		registry: reg,
		log:      telemetry.NewClueLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		sems:     make(map[string]chan struct{}, len(queues)),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	for name, qc := range queues {
		m.sems[name] = make(chan struct{}, qc.MaxConcurrent)
	}
	if err := m.recover(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Submit persists a pending task record and pushes its id onto the queue.
// The args value is JSON-marshaled; workers hand the bytes to the registered
// function.
func (m *Manager) Submit(ctx context.Context, function string, args any, queue string) (string, error) {
	qc, ok := m.queues[queue]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownQueue, queue)
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("tasks: marshal args for %q: %w", function, err)
	}
	task := &Task{
		TaskID:       uuid.NewString(),
		QueueName:    queue,
		FunctionName: function,
		Args:         raw,
		Status:       StatusPending,
		CreatedAt:    time.Now().UTC(),
		MaxTries:     qc.MaxTries,
	}
	if err := m.persist(ctx, task); err != nil {
		return "", err
	}
	if err := m.cache.LPush(ctx, cache.QueueKey(queue), task.TaskID); err != nil {
		return "", fmt.Errorf("tasks: enqueue %s: %w", task.TaskID, err)
	}
	m.metrics.IncCounter(telemetry.MetricTasksSubmitted, 1, "queue", queue)
	m.log.Info(ctx, "task submitted", "task_id", task.TaskID, "queue", queue, "function", function)
	return task.TaskID, nil
}

// Status reads the task record, ErrNotFound when it never existed or its
// TTL expired.
func (m *Manager) Status(ctx context.Context, taskID string) (*Task, error) {
	data, err := m.cache.Get(ctx, cache.TaskInfoKey(taskID))
	if errors.Is(err, cache.ErrNil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("tasks: load %s: %w", taskID, err)
	}
	var task Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return nil, fmt.Errorf("tasks: decode %s: %w", taskID, err)
	}
	return &task, nil
}

// StartWorkers launches worker loops. workersPerQueue overrides the count
// per queue; unlisted queues get max_concurrent workers each.
func (m *Manager) StartWorkers(ctx context.Context, workersPerQueue map[string]int) {
	for name, qc := range m.queues {
		count := qc.MaxConcurrent
		if n, ok := workersPerQueue[name]; ok && n > 0 {
			count = n
		}
		for i := 0; i < count; i++ {
			m.wg.Add(1)
			workerID := fmt.Sprintf("%s-worker-%d", name, i+1)
			go m.workerLoop(ctx, name, workerID)
		}
		m.log.Info(ctx, "workers started", "queue", name, "count", count)
	}
}

// Shutdown stops the worker loops and waits for in-flight tasks to drain or
// ctx to end. Tasks still queued are recovered on the next start.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stop) })
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.log.Info(ctx, "task manager stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("tasks: shutdown: %w", ctx.Err())
	}
}

// HasActiveTasks reports whether any queue holds pending or running tasks.
func (m *Manager) HasActiveTasks(ctx context.Context) (bool, error) {
	for name := range m.queues {
		pending, err := m.cache.LLen(ctx, cache.QueueKey(name))
		if err != nil {
			return false, fmt.Errorf("tasks: queue length %q: %w", name, err)
		}
		running, err := m.cache.SCard(ctx, cache.RunningKey(name))
		if err != nil {
			return false, fmt.Errorf("tasks: running count %q: %w", name, err)
		}
		if pending > 0 || running > 0 {
			return true, nil
		}
	}
	return false, nil
}

// QueueStats returns a point-in-time view of every queue.
func (m *Manager) QueueStats(ctx context.Context) (map[string]QueueStat, error) {
	stats := make(map[string]QueueStat, len(m.queues))
	for name, qc := range m.queues {
		pending, err := m.cache.LLen(ctx, cache.QueueKey(name))
		if err != nil {
			return nil, fmt.Errorf("tasks: queue length %q: %w", name, err)
		}
		running, err := m.cache.SCard(ctx, cache.RunningKey(name))
		if err != nil {
			return nil, fmt.Errorf("tasks: running count %q: %w", name, err)
		}
		stats[name] = QueueStat{Pending: pending, Running: running, MaxConcurrent: qc.MaxConcurrent}
	}
	return stats, nil
}

// ClearAll deletes every queue list, running-set and task record. Test and
// reset utility.
func (m *Manager) ClearAll(ctx context.Context) error {
	for name := range m.queues {
		if err := m.cache.Del(ctx, cache.QueueKey(name), cache.RunningKey(name)); err != nil {
			return fmt.Errorf("tasks: clear queue %q: %w", name, err)
		}
	}
	keys, err := m.cache.ScanKeys(ctx, cache.TaskInfoPattern)
	if err != nil {
		return err
	}
	return m.cache.Del(ctx, keys...)
}

// persist writes the task record with the queue's keep_result TTL.
func (m *Manager) persist(ctx context.Context, task *Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("tasks: marshal record %s: %w", task.TaskID, err)
	}
	ttl := m.queues[task.QueueName].KeepResultDuration()
	if err := m.cache.SetEx(ctx, cache.TaskInfoKey(task.TaskID), string(data), ttl); err != nil {
		return fmt.Errorf("tasks: persist %s: %w", task.TaskID, err)
	}
	return nil
}

// recover resets tasks left in running-sets by a crashed process back to
// pending and requeues them; ids whose record expired are dropped from the
// set.
func (m *Manager) recover(ctx context.Context) error {
	recovered := 0
	for name := range m.queues {
		ids, err := m.cache.SMembers(ctx, cache.RunningKey(name))
		if err != nil {
			return fmt.Errorf("tasks: recover %q: %w", name, err)
		}
		for _, id := range ids {
			task, err := m.Status(ctx, id)
			switch {
			case errors.Is(err, ErrNotFound):
				m.log.Warn(ctx, "dropping orphaned running task", "task_id", id, "queue", name)
			case err != nil:
				m.log.Error(ctx, "recover task", "task_id", id, "queue", name, "error", err)
				continue
			default:
				task.Status = StatusPending
				task.StartedAt = nil
				if err := m.persist(ctx, task); err != nil {
					m.log.Error(ctx, "recover task", "task_id", id, "error", err)
					continue
				}
				if err := m.cache.LPush(ctx, cache.QueueKey(name), id); err != nil {
					m.log.Error(ctx, "requeue recovered task", "task_id", id, "error", err)
					continue
				}
				recovered++
			}
			if err := m.cache.SRem(ctx, cache.RunningKey(name), id); err != nil {
				m.log.Error(ctx, "clean running set", "task_id", id, "error", err)
			}
		}
	}
	if recovered > 0 {
		m.log.Info(ctx, "task recovery completed", "recovered", recovered)
	}
	return nil
}

// workerLoop pops task ids and executes them under the queue's concurrency
// bound until shutdown.
func (m *Manager) workerLoop(ctx context.Context, queue, workerID string) {
	defer m.wg.Done()
	sem := m.sems[queue]
	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		default:
		}
		id, err := m.cache.BRPop(ctx, popTimeout, cache.QueueKey(queue))
		if errors.Is(err, cache.ErrNil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Error(ctx, "worker pop", "worker", workerID, "error", err)
			select {
			case <-time.After(time.Second):
			case <-m.stop:
				return
			}
			continue
		}
		sem <- struct{}{}
		m.execute(ctx, queue, workerID, id)
		<-sem
	}
}

// execute runs one popped task id through its full lifecycle.
func (m *Manager) execute(ctx context.Context, queue, workerID, taskID string) {
	task, err := m.Status(ctx, taskID)
	if err != nil {
		// Record expired or undecodable: drop the id, leave the record alone.
		m.log.Warn(ctx, "dropping popped task", "worker", workerID, "task_id", taskID, "error", err)
		return
	}

	now := time.Now().UTC()
	task.Status = StatusRunning
	task.StartedAt = &now
	if err := m.persist(ctx, task); err != nil {
		m.log.Error(ctx, "mark running", "task_id", taskID, "error", err)
		return
	}
	if err := m.cache.SAdd(ctx, cache.RunningKey(queue), taskID); err != nil {
		m.log.Error(ctx, "add to running set", "task_id", taskID, "error", err)
	}
	m.log.Info(ctx, "executing task", "worker", workerID, "task_id", taskID, "function", task.FunctionName)

	start := time.Now()
	result, runErr := m.run(ctx, task)
	m.metrics.RecordTimer(telemetry.MetricTaskDuration, time.Since(start), "queue", queue)

	var requeueDelay time.Duration
	requeue := false
	if runErr == nil {
		done := time.Now().UTC()
		task.Status = StatusCompleted
		task.CompletedAt = &done
		task.Result = result
		task.Error = ""
		m.metrics.IncCounter(telemetry.MetricTasksCompleted, 1, "queue", queue)
		m.log.Info(ctx, "task completed", "worker", workerID, "task_id", taskID)
	} else {
		task.Error = runErr.Error()
		task.RetryCount++
		if !IsPermanent(runErr) && task.RetryCount < task.MaxTries {
			task.Status = StatusRetrying
			requeue = true
			requeueDelay = m.queues[queue].RetryDelay(task.RetryCount)
			m.metrics.IncCounter(telemetry.MetricTaskRetries, 1, "queue", queue)
			m.log.Warn(ctx, "task failed, will retry", "task_id", taskID,
				"attempt", task.RetryCount, "max_tries", task.MaxTries,
				"delay", requeueDelay, "error", runErr)
		} else {
			done := time.Now().UTC()
			task.Status = StatusFailed
			task.CompletedAt = &done
			m.metrics.IncCounter(telemetry.MetricTasksFailed, 1, "queue", queue)
			m.log.Error(ctx, "task permanently failed", "task_id", taskID,
				"attempts", task.RetryCount, "error", runErr)
		}
	}

	if err := m.cache.SRem(ctx, cache.RunningKey(queue), taskID); err != nil {
		m.log.Error(ctx, "remove from running set", "task_id", taskID, "error", err)
	}
	if err := m.persist(ctx, task); err != nil {
		m.log.Error(ctx, "persist task outcome", "task_id", taskID, "error", err)
		return
	}
	if requeue {
		m.wg.Add(1)
		go m.delayedRequeue(ctx, queue, taskID, requeueDelay)
	}
}

// run resolves and calls the task function under the queue's job timeout.
// The returned bytes are the JSON-encoded result; values that do not
// marshal are coerced to their string form.
func (m *Manager) run(ctx context.Context, task *Task) (json.RawMessage, error) {
	fn, err := m.registry.Resolve(task.FunctionName, task.Args)
	if err != nil {
		return nil, err
	}
	timeout := m.queues[task.QueueName].JobTimeoutDuration()
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	value, err := fn(callCtx, task.Args)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && callCtx.Err() != nil {
			return nil, fmt.Errorf("task timed out after %s", timeout)
		}
		return nil, err
	}
	raw, merr := json.Marshal(value)
	if merr != nil {
		raw, _ = json.Marshal(fmt.Sprint(value))
	}
	return raw, nil
}

// delayedRequeue waits out the retry delay, flips the record back to pending
// and pushes the id at the pop end so retries run before fresh submissions.
// Shutdown cuts the wait short; the requeue itself still happens so the task
// is not stranded in retrying.
func (m *Manager) delayedRequeue(ctx context.Context, queue, taskID string, delay time.Duration) {
	defer m.wg.Done()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-m.stop:
	}

	task, err := m.Status(ctx, taskID)
	if err != nil {
		m.log.Warn(ctx, "retry requeue: record gone", "task_id", taskID, "error", err)
		return
	}
	if task.Status != StatusRetrying {
		return
	}
	task.Status = StatusPending
	if err := m.persist(ctx, task); err != nil {
		m.log.Error(ctx, "retry requeue: persist", "task_id", taskID, "error", err)
		return
	}
	if err := m.cache.RPush(ctx, cache.QueueKey(queue), taskID); err != nil {
		m.log.Error(ctx, "retry requeue: push", "task_id", taskID, "error", err)
		return
	}
	m.log.Info(ctx, "task requeued for retry", "task_id", taskID, "queue", queue)
}
