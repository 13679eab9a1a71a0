//go:build integration

package tasks

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnproject/kiln/internal/config"
	"github.com/kilnproject/kiln/internal/hook"
	"github.com/kilnproject/kiln/internal/testutil"
	"github.com/kilnproject/kiln/pkg/taskboard"
)

// TestWorkerLoopAgainstRedis drives the full worker loop against a real
// Redis: submit through the client, let Run dequeue and execute, and
// watch the lifecycle land on the Pub/Sub channel.
func TestWorkerLoopAgainstRedis(t *testing.T) {
	board := testutil.Board(t, "prod")

	cfg := &config.KilnConfig{
		Version:   "1.0",
		StateRoot: t.TempDir(),
		Instances: map[string]*config.Instance{
			"prod": {
				Name:     "Production",
				GPGName:  "Kiln",
				GPGEmail: "kiln@example.com",
				Distributions: map[string]*config.Distribution{
					"el8": {Format: "rpm", Environment: "kiln/rpm-el8", Tag: "el8"},
				},
			},
		},
		Commands: map[string]*config.CommandSet{
			"rpm": {Build: []string{"mock", "--resultdir", "{{.Workspace}}/results"}},
		},
	}
	require.NoError(t, cfg.Validate())

	w := &Worker{
		Board:      board,
		Config:     cfg,
		InstanceID: "prod",
		Instance:   cfg.Instances["prod"],
		Exec:       &fakeExecutor{},
		Hook:       &hook.Hook{},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := board.SubscribeTaskEvents(ctx)
	require.NoError(t, err)
	defer sub.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Run(ctx)
	}()

	defsPlace := writeHelloDefs(t)
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "hello.c"), []byte("int main(){}\n"), 0644))

	task, err := board.Submit(ctx, taskboard.TaskKindBuild, "alice",
		buildParams(defsPlace, src), false)
	require.NoError(t, err)

	final := waitTerminal(t, board, task.ID, 30*time.Second)
	require.Equal(t, taskboard.TaskStateSuccess, final.State, "error: %s", final.ErrorMessage)

	var result BuildResult
	require.NoError(t, json.Unmarshal([]byte(final.Result), &result))
	assert.Equal(t, "2.10-1.el8", result.Version)
	assert.Equal(t, []string{"hello.x86_64.rpm"}, result.Files)

	// The worker publishes at least the running and terminal transitions.
	states := collectStates(t, sub, task.ID, 10*time.Second)
	assert.Contains(t, states, taskboard.TaskStateRunning)
	assert.Contains(t, states, taskboard.TaskStateSuccess)

	cancel()
	wg.Wait()
}

func waitTerminal(t *testing.T, board *taskboard.Client, taskID string, timeout time.Duration) *taskboard.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := board.GetTask(context.Background(), taskID)
		require.NoError(t, err)
		if task.Terminal() {
			return task
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("Task %s did not reach a terminal state within %s", taskID, timeout)
	return nil
}

func collectStates(t *testing.T, sub *taskboard.Subscription, taskID string, timeout time.Duration) []taskboard.TaskState {
	t.Helper()
	var states []taskboard.TaskState
	deadline := time.After(timeout)
	for {
		select {
		case task, ok := <-sub.Events():
			if !ok {
				return states
			}
			if task.ID != taskID {
				continue
			}
			states = append(states, task.State)
			if task.Terminal() {
				return states
			}
		case <-deadline:
			return states
		}
	}
}
