package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/kilnproject/kiln/internal/printer"
	"github.com/kilnproject/kiln/internal/tasks"
	"github.com/kilnproject/kiln/pkg/taskboard"
)

var purgePolicy string

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Purge the task history",
	Long: `Submit a history purge task applying a retention policy:

  older:<timespec>  drop tasks older than a duration or RFC3339 time
  last:<n>          keep only the n most recent tasks
  size:<bytes>      keep the most recent tasks fitting a workspace budget
  each:<n>          keep the n most recent tasks of each build target

Purged tasks lose their history record and workspace; the registry is
untouched.`,
	RunE: runPurgeCmd,
}

func init() {
	purgeCmd.Flags().StringVar(&purgePolicy, "policy", "", "retention policy (required)")
	purgeCmd.MarkFlagRequired("policy")
	rootCmd.AddCommand(purgeCmd)
}

func runPurgeCmd(cmd *cobra.Command, args []string) error {
	// Validate locally so a bad policy never reaches the queue.
	if _, err := tasks.ParsePolicy(purgePolicy); err != nil {
		return err
	}

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

	task, err := board.Submit(context.Background(), taskboard.TaskKindHistoryPurge,
		currentUser(), &taskboard.PurgeParams{Policy: purgePolicy}, false)
	if err != nil {
		return err
	}
	printer.Success("Submitted history purge %s (task %s)\n", purgePolicy, task.ID)
	return nil
}
