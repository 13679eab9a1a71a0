package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/kilnproject/kiln/internal/printer"
)

var detachCmd = &cobra.Command{
	Use:   "detach <task-id>",
	Short: "Release an interactive build held for workspace inspection",
	Args:  cobra.ExactArgs(1),
	RunE:  runDetach,
}

func init() {
	rootCmd.AddCommand(detachCmd)
}

func runDetach(cmd *cobra.Command, args []string) error {
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

	if err := board.Detach(context.Background(), args[0]); err != nil {
		return err
	}
	printer.Success("Detached from task %s\n", args[0])
	return nil
}
