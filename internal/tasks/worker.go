// Package tasks runs the per-instance worker loop: it dequeues submitted
// tasks one at a time, dispatches them to the matching pipeline, streams
// their output into the task journal and finalizes them into history.
package tasks

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/kilnproject/kiln/internal/config"
	"github.com/kilnproject/kiln/internal/format"
	"github.com/kilnproject/kiln/internal/hook"
	"github.com/kilnproject/kiln/internal/journal"
	"github.com/kilnproject/kiln/internal/registry"
	"github.com/kilnproject/kiln/internal/runner"
	"github.com/kilnproject/kiln/pkg/taskboard"
)

// dequeueTimeout bounds one blocking queue poll so shutdown is responsive.
const dequeueTimeout = 5 * time.Second

// Worker executes the tasks of one instance, strictly one at a time in
// submission order.
type Worker struct {
	Board      *taskboard.Client
	Config     *config.KilnConfig
	InstanceID string
	Instance   *config.Instance
	Exec       format.Executor
	Hook       *hook.Hook
}

func (w *Worker) stateDir() string {
	return w.Config.InstanceStateDir(w.InstanceID)
}

func (w *Worker) registryRoot() string {
	return filepath.Join(w.stateDir(), "registry")
}

func (w *Worker) keyringHome() string {
	return filepath.Join(w.stateDir(), "keyring")
}

func (w *Worker) cacheDir() string {
	return filepath.Join(w.Config.StateRoot, "cache")
}

func (w *Worker) workspace(taskID string) string {
	return filepath.Join(w.stateDir(), "tasks", taskID)
}

// Run drives the worker loop until the context is cancelled. A task found
// running from a previous daemon life is failed as interrupted before the
// loop starts; it is never resumed.
func (w *Worker) Run(ctx context.Context) error {
	recovered, err := w.Board.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover interrupted task: %w", err)
	}
	if recovered != nil {
		log.Printf("[Worker] Instance %s: failed interrupted task %s from previous run",
			w.InstanceID, recovered.ID)
	}

	log.Printf("[Worker] Instance %s: worker started", w.InstanceID)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Worker] Instance %s: worker stopping", w.InstanceID)
			return nil
		default:
		}

		task, err := w.Board.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("[Worker] Instance %s: dequeue failed: %v", w.InstanceID, err)
			time.Sleep(time.Second)
			continue
		}
		if task == nil {
			continue
		}

		w.execute(ctx, task)
	}
}

// execute runs one task to its terminal state. Pipeline errors fail the
// task; they never take the worker loop down.
func (w *Worker) execute(ctx context.Context, task *taskboard.Task) {
	log.Printf("[Worker] Instance %s: starting %s task %s submitted by %s",
		w.InstanceID, task.Kind, task.ID, task.User)

	place := w.workspace(task.ID)
	if err := os.MkdirAll(place, 0755); err != nil {
		w.fail(ctx, task, taskboard.WrapTaskError(taskboard.ErrToolFailure, err,
			"failed to create task workspace"))
		return
	}
	task.Place = place
	task.JournalPath = filepath.Join(place, "journal.bin")

	jw, err := journal.NewWriter(task.JournalPath)
	if err != nil {
		w.fail(ctx, task, taskboard.WrapTaskError(taskboard.ErrToolFailure, err,
			"failed to open task journal"))
		return
	}

	if err := w.Board.UpdateTask(ctx, task); err != nil {
		log.Printf("[Worker] Instance %s: failed to record workspace of task %s: %v",
			w.InstanceID, task.ID, err)
	}

	w.Hook.Fire(ctx, task, hook.StageStart)

	// Interactive builds run every command in a kept-on-failure container,
	// so a failed environment survives for inspection.
	wt := w
	var keeper *keepingExec
	if task.Interactive {
		keeper = &keepingExec{Executor: w.Exec}
		clone := *w
		clone.Exec = keeper
		wt = &clone
	}

	pipelineErr := wt.dispatch(ctx, task, jw)
	if pipelineErr != nil {
		kind := taskboard.KindOf(pipelineErr)
		if kind == "" {
			kind = taskboard.ErrToolFailure
		}
		task.State = taskboard.TaskStateFailed
		task.ErrorKind = kind
		task.ErrorMessage = pipelineErr.Error()
		fmt.Fprintf(jw, "task failed: %v\n", pipelineErr)

		if task.Interactive {
			w.holdForInteraction(ctx, task, keeper, jw)
		}
	} else {
		task.State = taskboard.TaskStateSuccess
	}

	if keeper != nil {
		keeper.cleanup(ctx, w.InstanceID)
	}

	if err := jw.Close(); err != nil {
		log.Printf("[Worker] Instance %s: failed to close journal of task %s: %v",
			w.InstanceID, task.ID, err)
	}

	if err := w.Board.Finalize(ctx, task); err != nil {
		log.Printf("[Worker] Instance %s: failed to finalize task %s: %v",
			w.InstanceID, task.ID, err)
	}

	w.Hook.Fire(ctx, task, hook.StageEnd)
	log.Printf("[Worker] Instance %s: task %s finished with state %s",
		w.InstanceID, task.ID, task.State)
}

// fail finalizes a task that broke before its journal existed.
func (w *Worker) fail(ctx context.Context, task *taskboard.Task, err error) {
	task.State = taskboard.TaskStateFailed
	task.ErrorKind = taskboard.KindOf(err)
	task.ErrorMessage = err.Error()
	if finErr := w.Board.Finalize(ctx, task); finErr != nil {
		log.Printf("[Worker] Instance %s: failed to finalize task %s: %v",
			w.InstanceID, task.ID, finErr)
	}
}

// keepingExec wraps the executor of an interactive task: every command runs
// in a named container that is left in place on failure. Kept containers
// are removed once the task is done with them.
type keepingExec struct {
	format.Executor
	kept []string
}

func (e *keepingExec) Run(ctx context.Context, spec runner.Spec, output io.Writer) error {
	spec.Container = spec.ContainerName()
	spec.KeepOnFailure = true
	err := e.Executor.Run(ctx, spec, output)
	if err != nil {
		e.kept = append(e.kept, spec.Container)
	}
	return err
}

// last returns the container of the most recent failed command.
func (e *keepingExec) last() string {
	if len(e.kept) == 0 {
		return ""
	}
	return e.kept[len(e.kept)-1]
}

// cleanup removes the kept containers. Remove tolerates containers that
// never got created (a command can fail before its container exists).
func (e *keepingExec) cleanup(ctx context.Context, instance string) {
	for _, name := range e.kept {
		if err := e.Executor.Remove(ctx, name); err != nil {
			log.Printf("[Worker] Instance %s: failed to remove kept container %s: %v",
				instance, name, err)
		}
	}
}

// holdForInteraction parks a failed interactive build until the submitter
// detaches, so the workspace and the failed build container can be
// inspected while the environment is still intact. The container name is
// published in the task record as the attachment handle.
func (w *Worker) holdForInteraction(ctx context.Context, task *taskboard.Task, keeper *keepingExec, jw *journal.Writer) {
	if err := jw.Section("interactive"); err != nil {
		log.Printf("[Worker] Instance %s: failed to mark interactive section: %v", w.InstanceID, err)
	}
	fmt.Fprintf(jw, "build failed, holding workspace %s for inspection\n", task.Place)

	if container := keeper.last(); container != "" {
		task.Container = container
		fmt.Fprintf(jw, "failed build container %s kept for attachment\n", container)
		if err := w.Board.UpdateTask(ctx, task); err != nil {
			log.Printf("[Worker] Instance %s: failed to record container of task %s: %v",
				w.InstanceID, task.ID, err)
		}
	}

	if err := w.Board.MarkAttached(ctx, task.ID); err != nil {
		log.Printf("[Worker] Instance %s: failed to mark task %s attached: %v",
			w.InstanceID, task.ID, err)
		return
	}
	log.Printf("[Worker] Instance %s: task %s awaiting interaction", w.InstanceID, task.ID)
	if err := w.Board.WaitDetach(ctx, task.ID); err != nil {
		log.Printf("[Worker] Instance %s: wait for detach of task %s ended: %v",
			w.InstanceID, task.ID, err)
	}
}

func (w *Worker) dispatch(ctx context.Context, task *taskboard.Task, jw *journal.Writer) error {
	switch task.Kind {
	case taskboard.TaskKindBuild:
		return w.runBuild(ctx, task, jw)
	case taskboard.TaskKindRegistryDeletion:
		return w.runRegistryDeletion(ctx, task, jw)
	case taskboard.TaskKindKeyringCreation:
		return w.runKeyringCreation(ctx, task, jw)
	case taskboard.TaskKindKeyringRenewal:
		return w.runKeyringRenewal(ctx, task, jw)
	case taskboard.TaskKindHistoryPurge:
		return w.runPurge(ctx, task, jw)
	default:
		return taskboard.NewTaskError(taskboard.ErrBadRequest,
			"no pipeline for task kind %q", task.Kind)
	}
}

func (w *Worker) registryManager() (*registry.Manager, error) {
	return registry.NewManager(w.registryRoot())
}
