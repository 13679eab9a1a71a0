package hook

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnproject/kiln/pkg/taskboard"
)

func testTask(state taskboard.TaskState) *taskboard.Task {
	return &taskboard.Task{
		ID:       uuid.New().String(),
		Kind:     taskboard.TaskKindBuild,
		Instance: "prod",
		User:     "alice",
		State:    state,
	}
}

func TestEnvironment(t *testing.T) {
	h := &Hook{Path: "/usr/local/bin/notify", InstanceID: "prod", InstanceName: "Production"}

	t.Run("start stage", func(t *testing.T) {
		task := testTask(taskboard.TaskStateRunning)
		env, err := h.environment(task, StageStart)
		require.NoError(t, err)

		vars := map[string]string{}
		for _, kv := range env {
			k, v, _ := strings.Cut(kv, "=")
			vars[k] = v
		}
		assert.Equal(t, "prod", vars["INSTANCE_ID"])
		assert.Equal(t, "Production", vars["INSTANCE_NAME"])
		assert.Equal(t, task.ID, vars["TASK_ID"])
		assert.Equal(t, "artifact build", vars["TASK_NAME"])
		assert.Equal(t, "start", vars["TASK_STAGE"])
		assert.Equal(t, "unknown", vars["TASK_RESULT"])

		decoded, err := base64.StdEncoding.DecodeString(vars["TASK_METADATA"])
		require.NoError(t, err)
		var meta taskboard.Task
		require.NoError(t, json.Unmarshal(decoded, &meta))
		assert.Equal(t, task.ID, meta.ID)
	})

	t.Run("end stage carries result", func(t *testing.T) {
		env, err := h.environment(testTask(taskboard.TaskStateSuccess), StageEnd)
		require.NoError(t, err)
		assert.Contains(t, env, "TASK_STAGE=end")
		assert.Contains(t, env, "TASK_RESULT=success")

		env, err = h.environment(testTask(taskboard.TaskStateFailed), StageEnd)
		require.NoError(t, err)
		assert.Contains(t, env, "TASK_RESULT=failed")
	})
}

func TestFire(t *testing.T) {
	t.Run("empty path is a no-op", func(t *testing.T) {
		h := &Hook{}
		h.Fire(context.Background(), testTask(taskboard.TaskStateRunning), StageStart)
	})

	t.Run("runs the executable with the contract environment", func(t *testing.T) {
		dir := t.TempDir()
		out := filepath.Join(dir, "out")
		script := filepath.Join(dir, "hook.sh")
		require.NoError(t, os.WriteFile(script,
			[]byte("#!/bin/sh\necho \"$TASK_ID $TASK_STAGE $TASK_RESULT\" > "+out+"\n"), 0755))

		h := &Hook{Path: script, InstanceID: "prod", InstanceName: "prod"}
		task := testTask(taskboard.TaskStateSuccess)
		h.Fire(context.Background(), task, StageEnd)

		content, err := os.ReadFile(out)
		require.NoError(t, err)
		assert.Equal(t, task.ID+" end success\n", string(content))
	})

	t.Run("hook failure does not propagate", func(t *testing.T) {
		dir := t.TempDir()
		script := filepath.Join(dir, "hook.sh")
		require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexit 3\n"), 0755))

		h := &Hook{Path: script, InstanceID: "prod", InstanceName: "prod"}
		h.Fire(context.Background(), testTask(taskboard.TaskStateFailed), StageEnd)
	})
}
