package taskboard

import "fmt"

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced by instance ID so that
// several Kiln instances can safely coexist on a single Redis server.
//
// Key pattern: kiln:{instance}:{entity}:{uuid}
// Channel pattern: kiln:{instance}:{event_type}_events

// TaskKey returns the Redis key holding one task record.
// Pattern: kiln:{instance}:task:{task_id}
func TaskKey(instance, taskID string) string {
	return fmt.Sprintf("kiln:%s:task:%s", instance, taskID)
}

// QueueKey returns the Redis key of the instance's pending task list.
// Tasks are RPUSHed at submission and LPOPed by the worker, preserving FIFO
// submission order.
// Pattern: kiln:{instance}:queue
func QueueKey(instance string) string {
	return fmt.Sprintf("kiln:%s:queue", instance)
}

// RunningKey returns the Redis key marking the instance's running task.
// At most one task ID is stored here at any time.
// Pattern: kiln:{instance}:running
func RunningKey(instance string) string {
	return fmt.Sprintf("kiln:%s:running", instance)
}

// HistoryKey returns the Redis key of the instance's history index, a ZSET
// of task IDs scored by submission sequence.
// Pattern: kiln:{instance}:history
func HistoryKey(instance string) string {
	return fmt.Sprintf("kiln:%s:history", instance)
}

// SequenceKey returns the Redis key of the global submission counter.
// Pattern: kiln:sequence
func SequenceKey() string {
	return "kiln:sequence"
}

// AttachKey returns the Redis key marking an interactive build shell as
// attached. The worker blocks on its deletion before finalizing a failed
// interactive build.
// Pattern: kiln:{instance}:task:{task_id}:attach
func AttachKey(instance, taskID string) string {
	return fmt.Sprintf("kiln:%s:task:%s:attach", instance, taskID)
}

// TaskEventsChannel returns the Pub/Sub channel carrying task lifecycle
// events (submitted, started, finished) for one instance.
// Pattern: kiln:{instance}:task_events
func TaskEventsChannel(instance string) string {
	return fmt.Sprintf("kiln:%s:task_events", instance)
}
