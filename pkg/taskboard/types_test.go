package taskboard

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTask() *Task {
	return &Task{
		ID:            uuid.New().String(),
		Sequence:      1,
		Kind:          TaskKindBuild,
		Instance:      "prod",
		User:          "alice",
		State:         TaskStatePending,
		SubmittedAtMs: 1700000000000,
		Params:        "{}",
	}
}

func TestTaskValidate(t *testing.T) {
	t.Run("accepts valid task", func(t *testing.T) {
		assert.NoError(t, validTask().Validate())
	})

	t.Run("rejects malformed ID", func(t *testing.T) {
		task := validTask()
		task.ID = "not-a-uuid"
		assert.Error(t, task.Validate())
	})

	t.Run("rejects unknown kind", func(t *testing.T) {
		task := validTask()
		task.Kind = "teleport"
		assert.Error(t, task.Validate())
	})

	t.Run("rejects empty instance", func(t *testing.T) {
		task := validTask()
		task.Instance = ""
		assert.Error(t, task.Validate())
	})

	t.Run("rejects failed task without error kind", func(t *testing.T) {
		task := validTask()
		task.State = TaskStateFailed
		assert.Error(t, task.Validate())

		task.ErrorKind = ErrToolFailure
		assert.NoError(t, task.Validate())
	})
}

func TestTaskTerminal(t *testing.T) {
	task := validTask()
	assert.False(t, task.Terminal())

	task.State = TaskStateRunning
	assert.False(t, task.Terminal())

	task.State = TaskStateSuccess
	assert.True(t, task.Terminal())

	task.State = TaskStateFailed
	assert.True(t, task.Terminal())
}

func TestHashRoundTrip(t *testing.T) {
	task := validTask()
	task.State = TaskStateFailed
	task.ErrorKind = ErrChecksumMismatch
	task.ErrorMessage = "sha256 mismatch on hello-2.10.tar.xz"
	task.Place = "/var/lib/kiln/prod/tasks/" + task.ID
	task.Interactive = true

	hash := TaskToHash(task)
	strHash := make(map[string]string, len(hash))
	for k, v := range hash {
		strHash[k] = fmt.Sprintf("%v", v)
	}

	got, err := HashToTask(strHash)
	require.NoError(t, err)
	assert.Equal(t, task, got)
}

func TestTaskError(t *testing.T) {
	t.Run("kind extraction through wrapping", func(t *testing.T) {
		base := NewTaskError(ErrChecksumMismatch, "digest mismatch for %s", "hello")
		wrapped := fmt.Errorf("source resolution: %w", base)
		assert.Equal(t, ErrChecksumMismatch, KindOf(wrapped))
	})

	t.Run("cause is unwrappable", func(t *testing.T) {
		cause := errors.New("exit status 1")
		err := WrapTaskError(ErrToolFailure, cause, "mock failed")
		assert.ErrorIs(t, err, cause)
		assert.Contains(t, err.Error(), "tool_failure")
	})

	t.Run("unclassified error has empty kind", func(t *testing.T) {
		assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
	})
}
