// Package format drives the external packaging tooling for each supported
// format through a common adapter interface. Adapters lay out format-specific
// build input in the task workspace, run the configured command templates in
// the build environment container, and publish the results into the registry.
package format

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/template"

	"github.com/kilnproject/kiln/internal/artifact"
	"github.com/kilnproject/kiln/internal/config"
	"github.com/kilnproject/kiln/internal/patches"
	"github.com/kilnproject/kiln/internal/registry"
	"github.com/kilnproject/kiln/internal/runner"
	"github.com/kilnproject/kiln/internal/source"
	"github.com/kilnproject/kiln/pkg/taskboard"
)

// Executor runs one containerised command and cleans up containers kept
// after a failure. *runner.Runner satisfies it; tests substitute a recorder.
type Executor interface {
	Run(ctx context.Context, spec runner.Spec, output io.Writer) error
	Remove(ctx context.Context, name string) error
}

// Build carries the resolved inputs of one format build.
type Build struct {
	Artifact     string
	Version      string // Upstream version
	FullVersion  string // Version with release and tag, equal to Version for osi
	Distribution string
	Derivative   string
	Architecture string
	Environment  string // Build environment image reference
	Workspace    string // Task workspace directory
	RegistryRoot string
	Definition   *artifact.Definition
	Source       *source.Tree
	Series       *patches.Series
	User         string
	Message      string
}

// ResultsDir is where build commands are expected to drop their output.
func (b *Build) ResultsDir() string {
	return filepath.Join(b.Workspace, "results")
}

// commandVars is the substitution environment of command templates. The
// field set mirrors the variables accepted by config validation.
type commandVars struct {
	Environment  string
	Distribution string
	Derivative   string
	Architecture string
	Workspace    string
	Registry     string
	Artifact     string
	Version      string
}

func (b *Build) vars() commandVars {
	return commandVars{
		Environment:  b.Environment,
		Distribution: b.Distribution,
		Derivative:   b.Derivative,
		Architecture: b.Architecture,
		Workspace:    b.Workspace,
		Registry:     b.RegistryRoot,
		Artifact:     b.Artifact,
		Version:      b.FullVersion,
	}
}

// Adapter drives one packaging format end to end.
type Adapter interface {
	// Format returns the format name (rpm, deb, osi).
	Format() string

	// Prepare lays out the format-specific build input in the workspace:
	// rendered packaging files from the definition directory and the
	// assembled patch series.
	Prepare(b *Build) error

	// Build runs the configured build command in the environment container.
	Build(ctx context.Context, b *Build, output io.Writer) error

	// Analyze runs the configured analysis command. Analysis is advisory:
	// the caller logs a failure into the journal but never fails the task.
	Analyze(ctx context.Context, b *Build, output io.Writer) error

	// Publish commits the build results into the registry, running the
	// configured publish command (repository index update, signing) first.
	// An empty results directory is a result_missing failure.
	Publish(ctx context.Context, b *Build, reg *registry.Manager, output io.Writer) (*registry.Entry, error)
}

// New returns the adapter for format, bound to its command templates.
func New(formatName string, commands *config.CommandSet, exec Executor) (Adapter, error) {
	if commands == nil {
		return nil, fmt.Errorf("no commands configured for format %s", formatName)
	}
	b := base{name: formatName, commands: commands, exec: exec}
	switch formatName {
	case "rpm":
		return &rpmAdapter{base: b}, nil
	case "deb":
		return &debAdapter{base: b}, nil
	case "osi":
		return &osiAdapter{base: b}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s", formatName)
	}
}

// base carries the behavior shared by the adapters.
type base struct {
	name     string
	commands *config.CommandSet
	exec     Executor
}

func (a *base) Format() string {
	return a.name
}

// run renders a command template against the build and executes it in the
// environment container. The workspace and registry root are bind mounted at
// their host paths so rendered paths are valid inside the container.
func (a *base) run(ctx context.Context, b *Build, args []string, output io.Writer) error {
	cmd, err := renderCommand(args, b.vars())
	if err != nil {
		return err
	}

	spec := runner.Spec{
		Image:   b.Environment,
		Cmd:     cmd,
		WorkDir: b.Workspace,
		Binds: []string{
			fmt.Sprintf("%s:%s", b.Workspace, b.Workspace),
			fmt.Sprintf("%s:%s", b.RegistryRoot, b.RegistryRoot),
		},
		Name: fmt.Sprintf("%s-%s", b.Artifact, b.Distribution),
	}
	return a.exec.Run(ctx, spec, output)
}

func (a *base) build(ctx context.Context, b *Build, output io.Writer) error {
	if len(a.commands.Build) == 0 {
		return taskboard.NewTaskError(taskboard.ErrBadRequest, "no build command configured")
	}
	if err := os.MkdirAll(b.ResultsDir(), 0755); err != nil {
		return fmt.Errorf("failed to create results directory: %w", err)
	}
	return a.run(ctx, b, a.commands.Build, output)
}

func (a *base) analyze(ctx context.Context, b *Build, output io.Writer) error {
	if len(a.commands.Analyze) == 0 {
		return nil
	}
	return a.run(ctx, b, a.commands.Analyze, output)
}

// publish collects the result files matching pattern, runs the publish
// command when configured, and commits a single registry entry.
func (a *base) publish(ctx context.Context, b *Build, reg *registry.Manager, output io.Writer, pattern string) (*registry.Entry, error) {
	files, err := collectResults(b.ResultsDir(), pattern)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, taskboard.NewTaskError(taskboard.ErrResultMissing,
			"build produced no %s files in %s", pattern, b.ResultsDir())
	}

	if len(a.commands.Publish) > 0 {
		if err := a.run(ctx, b, a.commands.Publish, output); err != nil {
			return nil, err
		}
	}

	entry := &registry.Entry{
		Format:       a.name,
		Distribution: b.Distribution,
		Derivative:   b.Derivative,
		Architecture: b.Architecture,
		Name:         b.Artifact,
		Version:      b.FullVersion,
		Files:        files,
	}
	pub := &registry.Publication{
		Entry:    entry,
		FilesDir: b.ResultsDir(),
		Author:   b.User,
		Message:  b.Message,
	}
	if err := reg.Publish([]*registry.Publication{pub}); err != nil {
		return nil, err
	}
	return entry, nil
}

// collectResults lists the base names in dir matching pattern, in
// lexicographic order.
func collectResults(dir, pattern string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("invalid result pattern %s: %w", pattern, err)
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		names = append(names, filepath.Base(m))
	}
	return names, nil
}

// renderCommand substitutes the build variables into each template argument.
func renderCommand(args []string, vars commandVars) ([]string, error) {
	out := make([]string, 0, len(args))
	for _, arg := range args {
		tmpl, err := template.New("arg").Parse(arg)
		if err != nil {
			return nil, fmt.Errorf("malformed command template %q: %w", arg, err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, vars); err != nil {
			return nil, fmt.Errorf("failed to render command template %q: %w", arg, err)
		}
		out = append(out, buf.String())
	}
	return out, nil
}

// renderFile runs one definition file through the template environment and
// writes the result. Files without template actions pass through unchanged.
func renderFile(src, dst string, vars commandVars) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	tmpl, err := template.New(filepath.Base(src)).Parse(string(data))
	if err != nil {
		return fmt.Errorf("malformed template %s: %w", src, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return fmt.Errorf("failed to render %s: %w", src, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return os.WriteFile(dst, buf.Bytes(), 0644)
}

// copyDir mirrors a definition subdirectory into the workspace, rendering
// every regular file through the template environment.
func copyDir(srcDir, dstDir string, vars commandVars) error {
	return filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		dst := filepath.Join(dstDir, rel)
		if info.IsDir() {
			return os.MkdirAll(dst, 0755)
		}
		return renderFile(path, dst, vars)
	})
}
