package cache

import "fmt"

// Key builders for every Redis key the pipeline touches. All components go
// through these so the layout lives in one place.

// QueueKey returns the FIFO list of pending task IDs for a queue.
func QueueKey(queue string) string {
	return fmt.Sprintf("queue:%s", queue)
}

// RunningKey returns the set of task IDs currently executing on a queue.
func RunningKey(queue string) string {
	return fmt.Sprintf("tasks:running:%s", queue)
}

// TaskInfoKey returns the key holding one task's JSON record.
func TaskInfoKey(taskID string) string {
	return fmt.Sprintf("tasks:info:%s", taskID)
}

// TaskInfoPattern matches every task record key. Used by ClearAll.
const TaskInfoPattern = "tasks:info:*"

// TrackerResourcesKey returns the hash mapping resource keys to their
// backing task for one request.
func TrackerResourcesKey(requestID string) string {
	return fmt.Sprintf("tracker:%s:resources", requestID)
}

// StoryKey returns one field of the per-request engine state.
// Fields in use: session, think, script, characters, scenes, voices,
// storylets.
func StoryKey(requestID, field string) string {
	return fmt.Sprintf("story:%s:%s", requestID, field)
}
