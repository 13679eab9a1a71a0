package commands

import (
	"context"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilnproject/kiln/internal/keyring"
	"github.com/kilnproject/kiln/internal/printer"
	"github.com/kilnproject/kiln/pkg/taskboard"
)

var keyringDuration string

var keyringCmd = &cobra.Command{
	Use:   "keyring",
	Short: "Manage the instance signing key",
}

var keyringCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create the instance signing key",
	Long: `Submit a keyring creation task. The key is generated on the instance
worker so creation never races a build signing against it. An existing
keyring is replaced.`,
	RunE: runKeyringCreate,
}

var keyringRenewCmd = &cobra.Command{
	Use:   "renew",
	Short: "Extend the expiry of the instance signing key",
	RunE:  runKeyringRenew,
}

var keyringExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print the armored public key",
	RunE:  runKeyringExport,
}

var keyringInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the fingerprint and validity of the signing key",
	RunE:  runKeyringInfo,
}

func init() {
	keyringRenewCmd.Flags().StringVar(&keyringDuration, "duration", "",
		"new validity from now, a Go duration or \"never\" (required)")
	keyringRenewCmd.MarkFlagRequired("duration")

	keyringCmd.AddCommand(keyringCreateCmd)
	keyringCmd.AddCommand(keyringRenewCmd)
	keyringCmd.AddCommand(keyringExportCmd)
	keyringCmd.AddCommand(keyringInfoCmd)
	rootCmd.AddCommand(keyringCmd)
}

// openKeyring resolves the keyring manager of the target instance for the
// read-only commands; create and renew go through the task queue instead.
func openKeyring() (*keyring.Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	id, instance, err := resolveInstance(cfg)
	if err != nil {
		return nil, err
	}
	return &keyring.Manager{
		Home:  filepath.Join(cfg.InstanceStateDir(id), "keyring"),
		Name:  instance.GPGName,
		Email: instance.GPGEmail,
	}, nil
}

func runKeyringCreate(cmd *cobra.Command, args []string) error {
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

	task, err := board.Submit(context.Background(), taskboard.TaskKindKeyringCreation,
		currentUser(), nil, false)
	if err != nil {
		return err
	}
	printer.Success("Submitted keyring creation (task %s)\n", task.ID)
	return nil
}

func runKeyringRenew(cmd *cobra.Command, args []string) error {
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

	task, err := board.Submit(context.Background(), taskboard.TaskKindKeyringRenewal,
		currentUser(), &taskboard.KeyringRenewalParams{Duration: keyringDuration}, false)
	if err != nil {
		return err
	}
	printer.Success("Submitted keyring renewal (task %s)\n", task.ID)
	return nil
}

func runKeyringExport(cmd *cobra.Command, args []string) error {
	mgr, err := openKeyring()
	if err != nil {
		return err
	}
	armored, err := mgr.Export(context.Background())
	if err != nil {
		return err
	}
	printer.Printf("%s", armored)
	return nil
}

func runKeyringInfo(cmd *cobra.Command, args []string) error {
	mgr, err := openKeyring()
	if err != nil {
		return err
	}
	info, err := mgr.Info(context.Background())
	if err != nil {
		return err
	}

	printer.Printf("Fingerprint: %s\n", info.Fingerprint)
	printer.Printf("Created:     %s\n", info.CreatedAt.Format(time.RFC3339))
	if info.ExpiresAt.IsZero() {
		printer.Printf("Expires:     never\n")
	} else {
		printer.Printf("Expires:     %s\n", info.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}
