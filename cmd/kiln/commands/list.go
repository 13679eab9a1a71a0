package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilnproject/kiln/internal/printer"
	"github.com/kilnproject/kiln/pkg/taskboard"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the running and pending tasks of the instance",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
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

	ctx := context.Background()
	rows := [][]string{{"TASK", "KIND", "STATE", "USER", "SUBMITTED"}}

	running, err := board.Running(ctx)
	if err != nil {
		return err
	}
	if running != nil {
		rows = append(rows, taskRow(running))
	}

	pending, err := board.Pending(ctx)
	if err != nil {
		return err
	}
	for _, task := range pending {
		rows = append(rows, taskRow(task))
	}

	if len(rows) == 1 {
		printer.Info("No running or pending tasks\n")
		return nil
	}
	printer.Table(rows)
	return nil
}

func taskRow(t *taskboard.Task) []string {
	submitted := time.UnixMilli(t.SubmittedAtMs).Format(time.RFC3339)
	return []string{t.ID, string(t.Kind), printer.State(t.State), t.User, submitted}
}
