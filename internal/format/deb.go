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

// debAdapter builds Debian source and binary packages. The definition
// directory carries the packaging code under deb/; it replaces any debian/
// directory shipped in the upstream source, and the patch series goes to
// debian/patches in quilt layout.
type debAdapter struct {
	base
}

func (a *debAdapter) Prepare(b *Build) error {
	debDir := filepath.Join(b.Definition.Place(), "deb")
	if _, err := os.Stat(debDir); err != nil {
		return taskboard.NewTaskError(taskboard.ErrBadRequest,
			"debian packaging directory %s does not exist", debDir)
	}
	if b.Source == nil || b.Source.Path == "" {
		return fmt.Errorf("deb build requires an extracted source tree")
	}

	// Artifact packaging code has priority over whatever the upstream
	// source ships.
	target := filepath.Join(b.Source.Path, "debian")
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("failed to remove source debian directory: %w", err)
	}
	if err := copyDir(debDir, target, b.vars()); err != nil {
		return fmt.Errorf("failed to install debian packaging code: %w", err)
	}

	if b.Series != nil && len(b.Series.Patches) > 0 {
		patchesDir := filepath.Join(target, "patches")
		if err := os.RemoveAll(patchesDir); err != nil {
			return fmt.Errorf("failed to remove packaged patches directory: %w", err)
		}
		if err := b.Series.Write(patchesDir); err != nil {
			return err
		}
	}
	return nil
}

func (a *debAdapter) Build(ctx context.Context, b *Build, output io.Writer) error {
	return a.build(ctx, b, output)
}

func (a *debAdapter) Analyze(ctx context.Context, b *Build, output io.Writer) error {
	return a.analyze(ctx, b, output)
}

func (a *debAdapter) Publish(ctx context.Context, b *Build, reg *registry.Manager, output io.Writer) (*registry.Entry, error) {
	return a.publish(ctx, b, reg, output, "*.deb")
}
