package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilnproject/kiln/internal/journal"
	"github.com/kilnproject/kiln/internal/printer"
	"github.com/kilnproject/kiln/pkg/taskboard"
)

var watchFromStart bool

var watchCmd = &cobra.Command{
	Use:   "watch <task-id>",
	Short: "Follow the output of a task",
	Long: `Stream the journal of a task to the terminal. Running tasks are followed
live until they finish; finished tasks replay their journal.

By default only output produced after attaching is shown; --from-start
replays the journal from the beginning.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchFromStart, "from-start", false, "replay the journal from the beginning")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	id, _, err := resolveInstance(cfg)
	if err != nil {
		return err
	}
	board, err := connect(cfg, id)
	if err != nil {
		return err
	}
	defer board.Close()

	return watchTask(context.Background(), board, args[0], watchFromStart)
}

// watchTask tails the journal of one task. With fromStart false the records
// already on disk at attach time are skipped, except for a finished task
// where skipping everything would show nothing.
func watchTask(ctx context.Context, board *taskboard.Client, taskID string, fromStart bool) error {
	task, err := waitForJournal(ctx, board, taskID)
	if err != nil {
		return err
	}

	skip := 0
	if !fromStart && !task.Terminal() {
		if records, err := journal.ReadAll(task.JournalPath); err == nil || err == journal.ErrTruncated {
			skip = len(records)
		}
	}

	running := func() (bool, error) {
		current, err := board.GetTask(ctx, taskID)
		if err != nil {
			return false, err
		}
		return !current.Terminal(), nil
	}

	seen := 0
	err = journal.Tail(ctx, task.JournalPath, running, func(r journal.Record) error {
		seen++
		if seen <= skip {
			return nil
		}
		switch r.Type {
		case journal.RecordSection:
			printer.Step("%s\n", string(r.Payload))
		case journal.RecordOutput:
			os.Stdout.Write(r.Payload)
		}
		return nil
	})
	if err != nil {
		return err
	}

	final, err := board.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if final.State == taskboard.TaskStateFailed {
		return printer.Error(
			fmt.Sprintf("Task %s failed (%s)", taskID, final.ErrorKind),
			final.ErrorMessage, nil)
	}
	printer.Success("Task %s finished\n", taskID)
	return nil
}

// waitForJournal polls until the task has a journal to read: a pending task
// has no workspace yet.
func waitForJournal(ctx context.Context, board *taskboard.Client, taskID string) (*taskboard.Task, error) {
	for {
		task, err := board.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if task.JournalPath != "" {
			return task, nil
		}
		if task.Terminal() {
			return nil, fmt.Errorf("task %s finished without a journal", taskID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}
