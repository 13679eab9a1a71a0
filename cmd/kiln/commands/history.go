package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/kilnproject/kiln/internal/printer"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List finished tasks, most recent first",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum number of tasks to list")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
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

	history, err := board.History(context.Background(), historyLimit)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		printer.Info("Task history is empty\n")
		return nil
	}

	rows := [][]string{{"TASK", "KIND", "STATE", "USER", "SUBMITTED"}}
	for _, task := range history {
		rows = append(rows, taskRow(task))
	}
	printer.Table(rows)
	return nil
}
