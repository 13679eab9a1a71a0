// Package hook invokes the optional instance hook executable around task
// execution. The hook receives the task context through environment
// variables; its exit status is logged and never affects the task.
package hook

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"time"

	"github.com/kilnproject/kiln/pkg/taskboard"
)

// Stage identifies when the hook fires relative to the task.
type Stage string

const (
	StageStart Stage = "start"
	StageEnd   Stage = "end"
)

// timeout bounds one hook invocation so a wedged hook cannot stall the
// worker loop.
const timeout = 30 * time.Second

// Hook wraps one instance's hook executable. A Hook with an empty path is
// valid and fires nothing.
type Hook struct {
	Path         string
	InstanceID   string
	InstanceName string
}

// Fire runs the hook for one task stage. Failures are logged, never
// returned: a broken hook must not take the pipeline down with it.
func (h *Hook) Fire(ctx context.Context, task *taskboard.Task, stage Stage) {
	if h.Path == "" {
		return
	}

	env, err := h.environment(task, stage)
	if err != nil {
		log.Printf("[Hook] Failed to build environment for task %s: %v", task.ID, err)
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, h.Path)
	cmd.Env = append(os.Environ(), env...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		log.Printf("[Hook] %s stage for task %s failed: %v (output: %s)",
			stage, task.ID, err, string(output))
		return
	}
	log.Printf("[Hook] %s stage for task %s completed", stage, task.ID)
}

// environment builds the documented hook environment contract.
func (h *Hook) environment(task *taskboard.Task, stage Stage) ([]string, error) {
	metadata, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize task metadata: %w", err)
	}

	result := "unknown"
	switch task.State {
	case taskboard.TaskStateSuccess:
		result = "success"
	case taskboard.TaskStateFailed:
		result = "failed"
	}

	return []string{
		fmt.Sprintf("INSTANCE_ID=%s", h.InstanceID),
		fmt.Sprintf("INSTANCE_NAME=%s", h.InstanceName),
		fmt.Sprintf("TASK_ID=%s", task.ID),
		fmt.Sprintf("TASK_NAME=%s", task.Kind),
		fmt.Sprintf("TASK_METADATA=%s", base64.StdEncoding.EncodeToString(metadata)),
		fmt.Sprintf("TASK_STAGE=%s", stage),
		fmt.Sprintf("TASK_RESULT=%s", result),
	}, nil
}
