package format

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kilnproject/kiln/internal/registry"
	"github.com/kilnproject/kiln/pkg/taskboard"
)

// rpmAdapter builds source and binary RPM packages. The definition directory
// carries the spec template under rpm/<artifact>.spec; the rendered spec and
// the patch series land in the workspace next to the source archive, where
// the configured build command (typically mock-driven) picks them up.
type rpmAdapter struct {
	base
}

func (a *rpmAdapter) specName(b *Build) string {
	return b.Artifact + ".spec"
}

func (a *rpmAdapter) Prepare(b *Build) error {
	specTemplate := filepath.Join(b.Definition.Place(), "rpm", a.specName(b))
	if _, err := os.Stat(specTemplate); err != nil {
		return taskboard.NewTaskError(taskboard.ErrBadRequest,
			"spec template %s does not exist", specTemplate)
	}
	if err := renderFile(specTemplate, filepath.Join(b.Workspace, a.specName(b)), b.vars()); err != nil {
		return err
	}

	// Companion files next to the spec template (sysusers, unit files)
	// travel into the workspace as additional sources.
	entries, err := os.ReadDir(filepath.Join(b.Definition.Place(), "rpm"))
	if err != nil {
		return fmt.Errorf("failed to read rpm definition directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == a.specName(b) {
			continue
		}
		src := filepath.Join(b.Definition.Place(), "rpm", entry.Name())
		if err := renderFile(src, filepath.Join(b.Workspace, entry.Name()), b.vars()); err != nil {
			return err
		}
	}

	if b.Series != nil && len(b.Series.Patches) > 0 {
		if err := b.Series.Write(filepath.Join(b.Workspace, "patches")); err != nil {
			return err
		}
	}
	return nil
}

func (a *rpmAdapter) Build(ctx context.Context, b *Build, output io.Writer) error {
	return a.build(ctx, b, output)
}

func (a *rpmAdapter) Analyze(ctx context.Context, b *Build, output io.Writer) error {
	return a.analyze(ctx, b, output)
}

func (a *rpmAdapter) Publish(ctx context.Context, b *Build, reg *registry.Manager, output io.Writer) (*registry.Entry, error) {
	return a.publish(ctx, b, reg, output, "*.rpm")
}
