// Package telemetry defines the small observability interfaces the pipeline
// components depend on. Implementations delegate to Clue logging and OTEL
// metrics; the interfaces are intentionally small so tests can provide
// lightweight stubs.
package telemetry

import (
	"context"
	"time"
)

// Logger captures structured logging used throughout the pipeline.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter, timer and gauge helpers for pipeline
// instrumentation. Tags are flat key, value pairs.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Metric names recorded by the pipeline. Queue or event-type dimensions are
// passed as tags.
const (
	MetricTasksSubmitted   = "loom_tasks_submitted"
	MetricTasksCompleted   = "loom_tasks_completed"
	MetricTasksFailed      = "loom_tasks_failed"
	MetricTaskRetries      = "loom_task_retries"
	MetricTaskDuration     = "loom_task_duration"
	MetricEventsEmitted    = "loom_events_emitted"
	MetricStoryDuration    = "loom_story_duration"
	MetricResourceWait     = "loom_resource_wait"
	MetricDownloads        = "loom_downloads"
	MetricDownloadFailures = "loom_download_failures"
)
