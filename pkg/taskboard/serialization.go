package taskboard

import (
	"strconv"
)

// Serialization helpers for converting between Go structs and Redis hashes
//
// Redis stores data as string-to-string maps (hashes). Kind-specific params
// and results are already JSON strings inside the Task struct, so they pass
// through unchanged. Individual scalar fields stay queryable.

// TaskToHash converts a Task struct to a Redis hash format.
func TaskToHash(t *Task) map[string]interface{} {
	return map[string]interface{}{
		"id":              t.ID,
		"sequence":        t.Sequence,
		"kind":            string(t.Kind),
		"instance":        t.Instance,
		"user":            t.User,
		"state":           string(t.State),
		"submitted_at_ms": t.SubmittedAtMs,
		"place":           t.Place,
		"journal_path":    t.JournalPath,
		"interactive":     strconv.FormatBool(t.Interactive),
		"container":       t.Container,
		"params":          t.Params,
		"error_kind":      string(t.ErrorKind),
		"error_message":   t.ErrorMessage,
		"result":          t.Result,
	}
}

// HashToTask converts a Redis hash back to a Task struct.
func HashToTask(hash map[string]string) (*Task, error) {
	sequence, _ := strconv.ParseInt(hash["sequence"], 10, 64)
	submittedAtMs, _ := strconv.ParseInt(hash["submitted_at_ms"], 10, 64)
	interactive, _ := strconv.ParseBool(hash["interactive"])

	task := &Task{
		ID:            hash["id"],
		Sequence:      sequence,
		Kind:          TaskKind(hash["kind"]),
		Instance:      hash["instance"],
		User:          hash["user"],
		State:         TaskState(hash["state"]),
		SubmittedAtMs: submittedAtMs,
		Place:         hash["place"],
		JournalPath:   hash["journal_path"],
		Interactive:   interactive,
		Container:     hash["container"],
		Params:        hash["params"],
		ErrorKind:     ErrorKind(hash["error_kind"]),
		ErrorMessage:  hash["error_message"],
		Result:        hash["result"],
	}

	return task, nil
}
