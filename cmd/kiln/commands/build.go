package commands

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kilnproject/kiln/internal/printer"
	"github.com/kilnproject/kiln/pkg/taskboard"
)

var (
	buildArtifact     string
	buildFormat       string
	buildDistribution string
	buildDerivative   string
	buildDefs         string
	buildVersion      string
	buildLocalSource  string
	buildIncludeGit   bool
	buildMessage      string
	buildInteractive  bool
	buildWatch        bool
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Submit an artifact build",
	Long: `Submit an artifact build task to the instance queue.

The build resolves the artifact sources, assembles the patch series, runs
the format's packaging tools in the build environment and publishes the
result into the instance registry. Use --watch to follow the build output
live.`,
	RunE: runBuild,
}

func init() {
	buildCmd.Flags().StringVarP(&buildArtifact, "artifact", "a", "", "artifact name (required)")
	buildCmd.Flags().StringVarP(&buildFormat, "format", "f", "", "packaging format: rpm, deb or osi (required)")
	buildCmd.Flags().StringVarP(&buildDistribution, "distribution", "d", "", "target distribution (required)")
	buildCmd.Flags().StringVar(&buildDerivative, "derivative", "main", "target derivative")
	buildCmd.Flags().StringVar(&buildDefs, "defs", ".", "artifact definition directory")
	buildCmd.Flags().StringVar(&buildVersion, "version", "", "override the definition version")
	buildCmd.Flags().StringVar(&buildLocalSource, "local-source", "", "build from a local source tree instead of the upstream archive")
	buildCmd.Flags().BoolVar(&buildIncludeGit, "include-git", false, "keep git-ignored and untracked files when archiving a local source")
	buildCmd.Flags().StringVarP(&buildMessage, "message", "m", "", "changelog entry (required)")
	buildCmd.Flags().BoolVar(&buildInteractive, "interactive", false, "hold the workspace for inspection when the build fails")
	buildCmd.Flags().BoolVarP(&buildWatch, "watch", "w", false, "follow the build output")
	buildCmd.MarkFlagRequired("artifact")
	buildCmd.MarkFlagRequired("format")
	buildCmd.MarkFlagRequired("distribution")
	buildCmd.MarkFlagRequired("message")
	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
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

	defs, err := filepath.Abs(buildDefs)
	if err != nil {
		return fmt.Errorf("failed to resolve definition directory: %w", err)
	}
	localSource := buildLocalSource
	if localSource != "" {
		if localSource, err = filepath.Abs(localSource); err != nil {
			return fmt.Errorf("failed to resolve local source directory: %w", err)
		}
	}

	ctx := context.Background()
	task, err := board.Submit(ctx, taskboard.TaskKindBuild, currentUser(), &taskboard.BuildParams{
		Artifact:     buildArtifact,
		Format:       buildFormat,
		Distribution: buildDistribution,
		Derivative:   buildDerivative,
		DefsPath:     defs,
		Version:      buildVersion,
		LocalSource:  localSource,
		IncludeGit:   buildIncludeGit,
		Message:      buildMessage,
	}, buildInteractive)
	if err != nil {
		return err
	}

	printer.Success("Submitted build of %s for %s/%s (task %s)\n",
		buildArtifact, buildDistribution, buildDerivative, task.ID)

	if buildWatch {
		return watchTask(ctx, board, task.ID, true)
	}
	return nil
}
