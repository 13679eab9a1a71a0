package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/kilnproject/kiln/internal/printer"
)

var withdrawCmd = &cobra.Command{
	Use:   "withdraw <task-id>",
	Short: "Withdraw a pending task before it starts",
	Args:  cobra.ExactArgs(1),
	RunE:  runWithdraw,
}

func init() {
	rootCmd.AddCommand(withdrawCmd)
}

func runWithdraw(cmd *cobra.Command, args []string) error {
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

	if err := board.Withdraw(context.Background(), args[0]); err != nil {
		return err
	}
	printer.Success("Withdrew task %s\n", args[0])
	return nil
}
