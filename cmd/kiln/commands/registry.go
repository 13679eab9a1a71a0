package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilnproject/kiln/internal/config"
	"github.com/kilnproject/kiln/internal/printer"
	"github.com/kilnproject/kiln/internal/registry"
	"github.com/kilnproject/kiln/pkg/taskboard"
)

var (
	regFormat       string
	regDistribution string
	regDerivative   string
	regArchitecture string
	regArtifact     string
	regVersion      string
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Inspect and manage the instance registry",
}

var registryLsCmd = &cobra.Command{
	Use:   "ls [format [distribution [derivative]]]",
	Short: "List registry content",
	Long: `List registry content level by level: formats, then distributions, then
derivatives, then the published entries of one derivative.`,
	Args: cobra.MaximumNArgs(3),
	RunE: runRegistryLs,
}

var registryRmCmd = &cobra.Command{
	Use:   "rm",
	Short: "Delete a published entry",
	Long: `Submit a registry deletion task removing one published entry. Deletion
runs on the instance worker so it never races a build publishing into the
same registry.`,
	RunE: runRegistryRm,
}

var registryChangelogCmd = &cobra.Command{
	Use:   "changelog",
	Short: "Show the changelog of a published entry",
	RunE:  runRegistryChangelog,
}

func init() {
	for _, cmd := range []*cobra.Command{registryRmCmd, registryChangelogCmd} {
		cmd.Flags().StringVarP(&regFormat, "format", "f", "", "packaging format (required)")
		cmd.Flags().StringVarP(&regDistribution, "distribution", "d", "", "distribution (required)")
		cmd.Flags().StringVar(&regDerivative, "derivative", "main", "derivative")
		cmd.Flags().StringVar(&regArchitecture, "architecture", "x86_64", "architecture")
		cmd.Flags().StringVarP(&regArtifact, "artifact", "a", "", "artifact name (required)")
		cmd.Flags().StringVar(&regVersion, "version", "", "full published version (required)")
		cmd.MarkFlagRequired("format")
		cmd.MarkFlagRequired("distribution")
		cmd.MarkFlagRequired("artifact")
		cmd.MarkFlagRequired("version")
	}

	registryCmd.AddCommand(registryLsCmd)
	registryCmd.AddCommand(registryRmCmd)
	registryCmd.AddCommand(registryChangelogCmd)
	rootCmd.AddCommand(registryCmd)
}

// openRegistry resolves the registry manager of the target instance.
func openRegistry() (*config.KilnConfig, string, *registry.Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", nil, err
	}
	id, _, err := resolveInstance(cfg)
	if err != nil {
		return nil, "", nil, err
	}
	reg, err := registry.NewManager(filepath.Join(cfg.InstanceStateDir(id), "registry"))
	if err != nil {
		return nil, "", nil, err
	}
	return cfg, id, reg, nil
}

func runRegistryLs(cmd *cobra.Command, args []string) error {
	_, _, reg, err := openRegistry()
	if err != nil {
		return err
	}

	switch len(args) {
	case 0:
		formats, err := reg.Formats()
		if err != nil {
			return err
		}
		for _, f := range formats {
			printer.Println(f)
		}
	case 1:
		distributions, err := reg.Distributions(args[0])
		if err != nil {
			return err
		}
		for _, d := range distributions {
			printer.Println(d)
		}
	case 2:
		derivatives, err := reg.Derivatives(args[0], args[1])
		if err != nil {
			return err
		}
		for _, d := range derivatives {
			printer.Println(d)
		}
	case 3:
		entries, err := reg.List(args[0], args[1], args[2])
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			printer.Info("No published entries\n")
			return nil
		}
		rows := [][]string{{"ARTIFACT", "VERSION", "ARCH", "SIZE", "FILES"}}
		for _, e := range entries {
			rows = append(rows, []string{e.Name, e.Version, e.Architecture,
				fmt.Sprintf("%d", e.Size), fmt.Sprintf("%d", len(e.Files))})
		}
		printer.Table(rows)
	}
	return nil
}

func runRegistryRm(cmd *cobra.Command, args []string) error {
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

	task, err := board.Submit(context.Background(), taskboard.TaskKindRegistryDeletion,
		currentUser(), &taskboard.RegistryDeletionParams{
			Format:       regFormat,
			Distribution: regDistribution,
			Derivative:   regDerivative,
			Architecture: regArchitecture,
			Artifact:     regArtifact,
			Version:      regVersion,
		}, false)
	if err != nil {
		return err
	}
	printer.Success("Submitted deletion of %s %s (task %s)\n", regArtifact, regVersion, task.ID)
	return nil
}

func runRegistryChangelog(cmd *cobra.Command, args []string) error {
	_, _, reg, err := openRegistry()
	if err != nil {
		return err
	}

	entries, err := reg.Changelog(regFormat, regDistribution, regDerivative,
		regArchitecture, regArtifact, regVersion)
	if err != nil {
		return err
	}
	for _, e := range entries {
		when := time.Unix(e.Timestamp, 0).Format(time.RFC3339)
		printer.Printf("%s  %s  %s  %s\n", when, e.Version, e.Author, e.Message)
	}
	return nil
}
