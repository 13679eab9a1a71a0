package taskboard

import (
	"fmt"

	"github.com/google/uuid"
)

// TaskKind identifies the pipeline a task runs. Each kind maps to exactly one
// runner in the daemon; an unknown kind is rejected at submission time.
type TaskKind string

const (
	// TaskKindBuild builds one artifact and publishes it into the registry
	TaskKindBuild TaskKind = "artifact build"

	// TaskKindRegistryDeletion removes one published artifact from the registry
	TaskKindRegistryDeletion TaskKind = "registry deletion"

	// TaskKindKeyringCreation generates the instance signing key (destructive)
	TaskKindKeyringCreation TaskKind = "keyring creation"

	// TaskKindKeyringRenewal extends the instance signing key expiry
	TaskKindKeyringRenewal TaskKind = "keyring renewal"

	// TaskKindHistoryPurge applies the retention policy to task history
	TaskKindHistoryPurge TaskKind = "history purge"
)

// knownKinds is the set of kinds submit accepts.
var knownKinds = map[TaskKind]bool{
	TaskKindBuild:            true,
	TaskKindRegistryDeletion: true,
	TaskKindKeyringCreation:  true,
	TaskKindKeyringRenewal:   true,
	TaskKindHistoryPurge:     true,
}

// TaskState is the lifecycle state of a task.
// States form a strict progression: pending → running → success|failed.
// A terminal task is immutable apart from being moved into history and
// eventually purged.
type TaskState string

const (
	// TaskStatePending means the task is queued and has not started
	TaskStatePending TaskState = "pending"

	// TaskStateRunning means the instance worker is executing the task
	TaskStateRunning TaskState = "running"

	// TaskStateSuccess is the terminal state of a completed task
	TaskStateSuccess TaskState = "success"

	// TaskStateFailed is the terminal state of a failed task
	TaskStateFailed TaskState = "failed"
)

// BuildParams are the submission parameters of a build task.
type BuildParams struct {
	Artifact     string `json:"artifact"`               // Artifact name, must match the definition's main source ID
	Format       string `json:"format"`                 // rpm, deb or osi
	Distribution string `json:"distribution"`           // Target distribution (e.g. el8, bookworm)
	Derivative   string `json:"derivative"`             // Derivative within the distribution, defaults to main
	DefsPath     string `json:"defs_path"`              // Path to the artifact definition directory
	Version      string `json:"version,omitempty"`      // Optional version override
	LocalSource  string `json:"local_source,omitempty"` // Optional local source tree replacing the remote fetch
	IncludeGit   bool   `json:"include_git,omitempty"`  // Keep git-ignored files when archiving a local source
	Message      string `json:"message"`                // Changelog entry text
}

// RegistryDeletionParams are the parameters of a registry deletion task.
type RegistryDeletionParams struct {
	Format       string `json:"format"`
	Distribution string `json:"distribution"`
	Derivative   string `json:"derivative"`
	Architecture string `json:"architecture"`
	Artifact     string `json:"artifact"`
	Version      string `json:"version"`
}

// KeyringRenewalParams carry the new validity duration of the signing key.
type KeyringRenewalParams struct {
	Duration string `json:"duration"` // Go duration or "never"
}

// PurgeParams carry the retention policy applied by a history purge task.
type PurgeParams struct {
	Policy string `json:"policy"` // "older:<timespec>", "last:<n>", "size:<bytes>" or "each:<n>"
}

// Task is one unit of work accepted by the daemon. Tasks are serialized per
// instance: only one task of an instance is running at any time, the rest
// wait in FIFO submission order.
type Task struct {
	ID          string    `json:"id"`           // UUID assigned at submission
	Sequence    int64     `json:"sequence"`     // Monotonic counter breaking submission-time ties
	Kind        TaskKind  `json:"kind"`         // Pipeline selector
	Instance    string    `json:"instance"`     // Owning instance ID
	User        string    `json:"user"`         // Submitting user, recorded in changelogs
	State       TaskState `json:"state"`        // Current lifecycle state
	SubmittedAtMs int64   `json:"submitted_at_ms"` // Unix timestamp in milliseconds
	Place       string    `json:"place"`        // Workspace directory, set when the task starts
	JournalPath string    `json:"journal_path"` // Binary journal file inside the workspace
	Interactive bool      `json:"interactive"`  // Build only: drop into a shell on failure
	Container   string    `json:"container,omitempty"` // Failed build environment container held for attachment
	Params      string    `json:"params"`       // Kind-specific parameters, JSON-encoded

	// Result fields, populated on terminal transition.
	ErrorKind    ErrorKind `json:"error_kind,omitempty"`    // Failure classification, empty on success
	ErrorMessage string    `json:"error_message,omitempty"` // Human-readable failure message
	Result       string    `json:"result,omitempty"`        // Kind-specific result object, JSON-encoded
}

// Validate checks structural invariants of a task record.
func (t *Task) Validate() error {
	if _, err := uuid.Parse(t.ID); err != nil {
		return fmt.Errorf("task ID must be a valid UUID: %w", err)
	}
	if !knownKinds[t.Kind] {
		return fmt.Errorf("unknown task kind: %q", t.Kind)
	}
	if t.Instance == "" {
		return fmt.Errorf("task instance cannot be empty")
	}
	if t.User == "" {
		return fmt.Errorf("task user cannot be empty")
	}
	switch t.State {
	case TaskStatePending, TaskStateRunning, TaskStateSuccess, TaskStateFailed:
	default:
		return fmt.Errorf("unknown task state: %q", t.State)
	}
	if t.State == TaskStateFailed && t.ErrorKind == "" {
		return fmt.Errorf("failed task must carry an error kind")
	}
	return nil
}

// Terminal reports whether the task reached a terminal state.
func (t *Task) Terminal() bool {
	return t.State == TaskStateSuccess || t.State == TaskStateFailed
}

// KnownKind reports whether kind maps to a pipeline.
func KnownKind(kind TaskKind) bool {
	return knownKinds[kind]
}
