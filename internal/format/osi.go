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

// osiAdapter builds OS images. The definition directory carries the image
// description under osi/ (an <artifact>.mkosi file plus any overlay trees);
// patches do not apply to this format, and published versions carry no
// release suffix.
type osiAdapter struct {
	base
}

func (a *osiAdapter) Prepare(b *Build) error {
	osiDir := filepath.Join(b.Definition.Place(), "osi")
	if _, err := os.Stat(filepath.Join(osiDir, b.Artifact+".mkosi")); err != nil {
		return taskboard.NewTaskError(taskboard.ErrBadRequest,
			"image description %s does not exist", filepath.Join(osiDir, b.Artifact+".mkosi"))
	}
	if err := copyDir(osiDir, filepath.Join(b.Workspace, "osi"), b.vars()); err != nil {
		return fmt.Errorf("failed to install image description: %w", err)
	}
	return nil
}

func (a *osiAdapter) Build(ctx context.Context, b *Build, output io.Writer) error {
	return a.build(ctx, b, output)
}

func (a *osiAdapter) Analyze(ctx context.Context, b *Build, output io.Writer) error {
	return a.analyze(ctx, b, output)
}

func (a *osiAdapter) Publish(ctx context.Context, b *Build, reg *registry.Manager, output io.Writer) (*registry.Entry, error) {
	// Images publish every produced file (image, manifest, checksums).
	if err := os.MkdirAll(b.ResultsDir(), 0755); err != nil {
		return nil, err
	}
	return a.publish(ctx, b, reg, output, "*")
}
