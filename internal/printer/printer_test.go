package printer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilnproject/kiln/pkg/taskboard"
)

func TestError(t *testing.T) {
	t.Run("returns error with title", func(t *testing.T) {
		err := Error("Test Error", "This is a test error", []string{})
		require.Error(t, err)
		require.Equal(t, "Test Error", err.Error())
	})

	t.Run("returns error with title when including suggestions", func(t *testing.T) {
		err := Error("Test Error", "Explanation", []string{"Try this fix"})
		require.Error(t, err)
		require.Equal(t, "Test Error", err.Error())
	})

	t.Run("returns error with title for multiple suggestions", func(t *testing.T) {
		err := Error("Test Error", "Explanation", []string{
			"First option",
			"Second option",
		})
		require.Error(t, err)
		require.Equal(t, "Test Error", err.Error())
	})
}

func TestState(t *testing.T) {
	for _, state := range []taskboard.TaskState{
		taskboard.TaskStatePending,
		taskboard.TaskStateRunning,
		taskboard.TaskStateSuccess,
		taskboard.TaskStateFailed,
	} {
		require.Contains(t, State(state), string(state))
	}
}
