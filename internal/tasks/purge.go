package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kilnproject/kiln/internal/journal"
	"github.com/kilnproject/kiln/internal/timespec"
	"github.com/kilnproject/kiln/pkg/taskboard"
)

// historyScanLimit bounds how much history one purge run considers.
const historyScanLimit = 10000

// Policy is one parsed purge policy.
type Policy struct {
	Kind  string // older, last, size or each
	Value string
}

// ParsePolicy splits a "<kind>:<value>" purge policy specification and
// validates the value eagerly, so a bad policy fails at submission rather
// than inside the task.
func ParsePolicy(spec string) (*Policy, error) {
	kind, value, found := strings.Cut(spec, ":")
	if !found || value == "" {
		return nil, fmt.Errorf("invalid purge policy %q (use <policy>:<value>)", spec)
	}
	switch kind {
	case "older":
		if _, err := timespec.Parse(value); err != nil {
			return nil, err
		}
	case "last", "each":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid purge policy %q: value must be a positive count", spec)
		}
	case "size":
		if _, err := timespec.ParseBytes(value); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown purge policy %q", kind)
	}
	return &Policy{Kind: kind, Value: value}, nil
}

// Select returns the tasks the policy retires. history must be ordered most
// recent first, the order the task board returns it in. sizeOf reports the
// workspace footprint of one task for the size policy.
func (p *Policy) Select(history []*taskboard.Task, sizeOf func(*taskboard.Task) int64) ([]*taskboard.Task, error) {
	switch p.Kind {
	case "older":
		cutoff, err := timespec.Parse(p.Value)
		if err != nil {
			return nil, err
		}
		var victims []*taskboard.Task
		for _, t := range history {
			if t.SubmittedAtMs < cutoff {
				victims = append(victims, t)
			}
		}
		return victims, nil

	case "last":
		n, _ := strconv.Atoi(p.Value)
		if len(history) <= n {
			return nil, nil
		}
		return history[n:], nil

	case "size":
		limit, err := timespec.ParseBytes(p.Value)
		if err != nil {
			return nil, err
		}
		// Walk from most recent, keep while under budget, retire the rest.
		var victims []*taskboard.Task
		var total int64
		for _, t := range history {
			total += sizeOf(t)
			if total > limit {
				victims = append(victims, t)
			}
		}
		return victims, nil

	case "each":
		n, _ := strconv.Atoi(p.Value)
		seen := map[string]int{}
		var victims []*taskboard.Task
		for _, t := range history {
			sig := Signature(t)
			seen[sig]++
			if seen[sig] > n {
				victims = append(victims, t)
			}
		}
		return victims, nil
	}
	return nil, fmt.Errorf("unknown purge policy %q", p.Kind)
}

// Signature is the grouping key of the each policy: tasks sharing a
// signature count against the same retention budget. Builds group by their
// full target coordinates so each artifact/pipeline pair keeps its own
// recent runs.
func Signature(t *taskboard.Task) string {
	if t.Kind != taskboard.TaskKindBuild {
		return string(t.Kind)
	}
	var params taskboard.BuildParams
	if err := json.Unmarshal([]byte(t.Params), &params); err != nil {
		return string(t.Kind)
	}
	return strings.Join([]string{string(t.Kind), params.Artifact, params.Format,
		params.Distribution, params.Derivative}, "/")
}

// runPurge applies a purge policy to the instance task history, dropping
// the selected records and their workspaces.
func (w *Worker) runPurge(ctx context.Context, task *taskboard.Task, jw *journal.Writer) error {
	var params taskboard.PurgeParams
	if err := json.Unmarshal([]byte(task.Params), &params); err != nil {
		return taskboard.WrapTaskError(taskboard.ErrBadRequest, err, "malformed purge parameters")
	}
	policy, err := ParsePolicy(params.Policy)
	if err != nil {
		return taskboard.WrapTaskError(taskboard.ErrBadRequest, err, "unusable purge policy")
	}

	history, err := w.Board.History(ctx, historyScanLimit)
	if err != nil {
		return fmt.Errorf("failed to read task history: %w", err)
	}

	victims, err := policy.Select(history, workspaceSize)
	if err != nil {
		return err
	}
	fmt.Fprintf(jw, "policy %s retires %d of %d history tasks\n",
		params.Policy, len(victims), len(history))

	var purged int
	for _, victim := range victims {
		if err := w.Board.DropHistory(ctx, victim.ID); err != nil {
			fmt.Fprintf(jw, "failed to drop %s from history: %v\n", victim.ID, err)
			continue
		}
		if victim.Place != "" {
			if err := os.RemoveAll(victim.Place); err != nil {
				fmt.Fprintf(jw, "failed to remove workspace %s: %v\n", victim.Place, err)
			}
		}
		fmt.Fprintf(jw, "purged task %s (%s)\n", victim.ID, victim.Kind)
		purged++
	}

	result, err := json.Marshal(map[string]int{"purged": purged})
	if err != nil {
		return fmt.Errorf("failed to serialize purge result: %w", err)
	}
	task.Result = string(result)
	return nil
}

// workspaceSize sums the on-disk footprint of one task workspace.
func workspaceSize(t *taskboard.Task) int64 {
	if t.Place == "" {
		return 0
	}
	var total int64
	filepath.Walk(t.Place, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total
}

// runRegistryDeletion removes one published entry from the instance
// registry.
func (w *Worker) runRegistryDeletion(ctx context.Context, task *taskboard.Task, jw *journal.Writer) error {
	var params taskboard.RegistryDeletionParams
	if err := json.Unmarshal([]byte(task.Params), &params); err != nil {
		return taskboard.WrapTaskError(taskboard.ErrBadRequest, err, "malformed deletion parameters")
	}

	reg, err := w.registryManager()
	if err != nil {
		return err
	}

	fmt.Fprintf(jw, "deleting %s %s from %s/%s/%s\n", params.Artifact, params.Version,
		params.Format, params.Distribution, params.Derivative)

	exists, err := reg.Exists(params.Format, params.Distribution, params.Derivative,
		params.Architecture, params.Artifact, params.Version)
	if err != nil {
		return err
	}
	if !exists {
		return taskboard.NewTaskError(taskboard.ErrBadRequest,
			"no registry entry %s %s in %s/%s/%s/%s", params.Artifact,
			params.Version, params.Format, params.Distribution,
			params.Derivative, params.Architecture)
	}

	return reg.Delete(params.Format, params.Distribution, params.Derivative,
		params.Architecture, params.Artifact, params.Version)
}
