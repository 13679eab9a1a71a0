package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/kilnproject/kiln/internal/artifact"
	"github.com/kilnproject/kiln/internal/config"
	"github.com/kilnproject/kiln/internal/format"
	"github.com/kilnproject/kiln/internal/journal"
	"github.com/kilnproject/kiln/internal/patches"
	"github.com/kilnproject/kiln/internal/runner"
	"github.com/kilnproject/kiln/internal/source"
	"github.com/kilnproject/kiln/internal/version"
	"github.com/kilnproject/kiln/pkg/taskboard"
)

// BuildResult is the JSON-encoded result of a successful build task.
type BuildResult struct {
	Version string   `json:"version"` // Full published version
	Release int      `json:"release"` // Resolved release number, 0 for osi
	Files   []string `json:"files"`   // Published package files
}

// runBuild executes the artifact build pipeline: source resolution, patch
// assembly, format preparation, containerised build, advisory analysis and
// registry publication.
func (w *Worker) runBuild(ctx context.Context, task *taskboard.Task, jw *journal.Writer) error {
	var params taskboard.BuildParams
	if err := json.Unmarshal([]byte(task.Params), &params); err != nil {
		return taskboard.WrapTaskError(taskboard.ErrBadRequest, err, "malformed build parameters")
	}

	dist, commands, chain, err := w.buildTarget(&params)
	if err != nil {
		return err
	}

	def, err := artifact.Load(params.DefsPath)
	if err != nil {
		return taskboard.WrapTaskError(taskboard.ErrBadRequest, err, "failed to load artifact definition")
	}
	if def.Name != params.Artifact {
		return taskboard.NewTaskError(taskboard.ErrBadRequest,
			"definition is for artifact %s, not %s", def.Name, params.Artifact)
	}

	upstream := params.Version
	if upstream == "" {
		upstream, err = def.MainSource().Version(chain)
		if err != nil {
			return taskboard.WrapTaskError(taskboard.ErrBadRequest, err,
				"no version declared for derivative")
		}
	}

	jw.Section("source")
	mainTree, extra, err := w.resolveSources(ctx, task, &params, def, chain, upstream, jw)
	if err != nil {
		return err
	}

	jw.Section("patches")
	series, err := patches.Assemble(def.Place(), upstream,
		patches.Target{Distribution: params.Distribution, Format: params.Format},
		patches.NewVars(upstream), extra)
	if err != nil {
		return err
	}
	fmt.Fprintf(jw, "assembled %d patches\n", len(series.Patches))

	if def.Prescript != nil {
		jw.Section("prescript")
		delta, err := w.runPrescript(ctx, task, &params, def, dist, mainTree, series, jw)
		if err != nil {
			return err
		}
		if delta != nil {
			series.Patches = append(series.Patches, delta)
		}
	}

	rules, err := source.LoadRenameIndex(def.Place(), upstream)
	if err != nil {
		return taskboard.WrapTaskError(taskboard.ErrBadRequest, err, "unusable rename index")
	}
	if len(rules) > 0 {
		jw.Section("rename")
		if err := source.ApplyRenames(task.Place, rules, jw); err != nil {
			return err
		}
	}

	reg, err := w.registryManager()
	if err != nil {
		return err
	}

	release := 1
	if fp := def.Format(params.Format); fp != nil && fp.Release > 0 {
		release = fp.Release
	}
	// rpm builds are source driven: version identity and registry placement
	// live under the src pseudo-architecture, the binary packages are files
	// of that entry.
	arch := dist.Architectures[0]
	if params.Format == "rpm" {
		arch = "src"
	}

	resolver := &version.Resolver{Registry: reg}
	fullVersion, release, err := resolver.Resolve(params.Format, params.Distribution,
		params.Derivative, arch, params.Artifact, upstream, release, dist.Tag)
	if err != nil {
		return err
	}
	fmt.Fprintf(jw, "building %s %s for %s/%s\n",
		params.Artifact, fullVersion, params.Distribution, params.Derivative)

	build := &format.Build{
		Artifact:     params.Artifact,
		Version:      upstream,
		FullVersion:  fullVersion,
		Distribution: params.Distribution,
		Derivative:   params.Derivative,
		Architecture: arch,
		Environment:  dist.Environment,
		Workspace:    task.Place,
		RegistryRoot: w.registryRoot(),
		Definition:   def,
		Source:       mainTree,
		Series:       series,
		User:         task.User,
		Message:      params.Message,
	}

	adapter, err := format.New(params.Format, commands, w.Exec)
	if err != nil {
		return taskboard.WrapTaskError(taskboard.ErrBadRequest, err, "unusable format")
	}

	jw.Section("prepare")
	if err := adapter.Prepare(build); err != nil {
		return err
	}

	jw.Section("build")
	if err := adapter.Build(ctx, build, jw); err != nil {
		return err
	}

	// Analysis is advisory: findings land in the journal, the task
	// proceeds regardless.
	jw.Section("analysis")
	if err := adapter.Analyze(ctx, build, jw); err != nil {
		fmt.Fprintf(jw, "analysis failed: %v\n", err)
	}

	jw.Section("publish")
	entry, err := adapter.Publish(ctx, build, reg, jw)
	if err != nil {
		return err
	}
	fmt.Fprintf(jw, "published %s %s (%d files)\n", entry.Name, entry.Version, len(entry.Files))

	result, err := json.Marshal(&BuildResult{
		Version: entry.Version,
		Release: release,
		Files:   entry.Files,
	})
	if err != nil {
		return fmt.Errorf("failed to serialize build result: %w", err)
	}
	task.Result = string(result)
	return nil
}

// buildTarget validates the build coordinates against the instance
// pipelines and returns the distribution, its command set and the
// derivative ancestry chain.
func (w *Worker) buildTarget(params *taskboard.BuildParams) (*config.Distribution, *config.CommandSet, []string, error) {
	dist, ok := w.Instance.Distributions[params.Distribution]
	if !ok {
		return nil, nil, nil, taskboard.NewTaskError(taskboard.ErrBadRequest,
			"unknown distribution %q", params.Distribution)
	}
	if dist.Format != params.Format {
		return nil, nil, nil, taskboard.NewTaskError(taskboard.ErrBadRequest,
			"distribution %s builds %s packages, not %s", params.Distribution, dist.Format, params.Format)
	}
	commands, ok := w.Config.Commands[params.Format]
	if !ok {
		return nil, nil, nil, taskboard.NewTaskError(taskboard.ErrBadRequest,
			"no commands configured for format %s", params.Format)
	}
	chain, err := w.Instance.DerivativeChain(params.Derivative)
	if err != nil {
		return nil, nil, nil, taskboard.WrapTaskError(taskboard.ErrBadRequest, err,
			"unusable derivative")
	}
	return dist, commands, chain, nil
}

// resolveSources produces the extracted main source tree plus the symlink
// patches pointing at supplementary trees.
func (w *Worker) resolveSources(ctx context.Context, task *taskboard.Task, params *taskboard.BuildParams, def *artifact.Definition, chain []string, upstream string, jw *journal.Writer) (*source.Tree, []*patches.Patch, error) {
	resolver := &source.Resolver{CacheDir: w.cacheDir()}

	var mainTree *source.Tree
	var err error
	if params.LocalSource != "" {
		fmt.Fprintf(jw, "archiving local source tree %s\n", params.LocalSource)
		mainTree, err = resolver.ResolveLocal(ctx, params.Artifact, upstream,
			params.LocalSource, task.Place, params.IncludeGit)
	} else {
		fmt.Fprintf(jw, "resolving %s %s\n", params.Artifact, upstream)
		mainTree, err = resolver.Resolve(ctx, def.MainSource(), params.Artifact, upstream, task.Place)
	}
	if err != nil {
		return nil, nil, err
	}

	var extra []*patches.Patch
	for _, src := range def.SupplementarySources() {
		srcVersion, err := src.Version(chain)
		if err != nil {
			return nil, nil, taskboard.WrapTaskError(taskboard.ErrBadRequest, err,
				"no version for supplementary source %s", src.ID)
		}
		fmt.Fprintf(jw, "resolving supplementary source %s %s\n", src.ID, srcVersion)
		tree, err := resolver.Resolve(ctx, src, params.Artifact, srcVersion, task.Place)
		if err != nil {
			return nil, nil, err
		}
		if tree.Link != nil {
			extra = append(extra, patches.SymlinkPatch(tree.Link.Name, tree.Link.Target))
		}
	}
	return mainTree, extra, nil
}

// runPrescript executes the definition's prescript inside the build
// environment and folds the resulting tree changes into a delta patch. The
// assembled series is applied and committed first so the script runs against
// the patched tree and the delta stacks cleanly on top of the series.
// Subdirectories listed in tarballs are exported as supplementary archives
// instead and excluded from the delta.
func (w *Worker) runPrescript(ctx context.Context, task *taskboard.Task, params *taskboard.BuildParams, def *artifact.Definition, dist *config.Distribution, tree *source.Tree, series *patches.Series, jw *journal.Writer) (*patches.Patch, error) {
	if err := gitSnapshot(ctx, tree.Path); err != nil {
		return nil, fmt.Errorf("failed to snapshot source tree: %w", err)
	}
	if err := gitApplySeries(ctx, tree.Path, series); err != nil {
		return nil, err
	}

	deps := def.Prescript.ResolveDeps(params.Distribution, params.Format)
	fmt.Fprintf(jw, "running prescript %s with %d dependencies\n", def.Prescript.Script, len(deps))

	spec := runner.Spec{
		Image: dist.Environment,
		Cmd: []string{"/bin/sh", "-e",
			fmt.Sprintf("%s/%s", def.Place(), def.Prescript.Script)},
		Env: []string{
			fmt.Sprintf("KILN_PRESCRIPT_DEPS=%s", strings.Join(deps, " ")),
		},
		WorkDir: tree.Path,
		Binds: []string{
			fmt.Sprintf("%s:%s", task.Place, task.Place),
			fmt.Sprintf("%s:%s:ro", def.Place(), def.Place()),
		},
		Name: fmt.Sprintf("%s-prescript", params.Artifact),
	}
	if err := w.Exec.Run(ctx, spec, jw); err != nil {
		return nil, taskboard.WrapTaskError(taskboard.ErrDependencyFailure, err,
			"prescript execution failed")
	}

	for _, subdir := range def.Prescript.Tarballs {
		archive := fmt.Sprintf("%s/%s-prescript-%s.tar.gz", task.Place, params.Artifact, subdir)
		if err := source.ArchiveSubdir(tree.Path, subdir, archive); err != nil {
			return nil, fmt.Errorf("failed to export prescript tarball %s: %w", subdir, err)
		}
		fmt.Fprintf(jw, "exported prescript tarball %s\n", archive)
		if err := gitDiscard(ctx, tree.Path, subdir); err != nil {
			return nil, fmt.Errorf("failed to exclude %s from prescript delta: %w", subdir, err)
		}
	}

	diff, err := gitDiff(ctx, tree.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to compute prescript delta: %w", err)
	}
	if len(bytes.TrimSpace(diff)) == 0 {
		fmt.Fprintf(jw, "prescript produced no tree changes\n")
		return nil, nil
	}
	return patches.DeltaPatch(params.Artifact, diff), nil
}

// gitApplySeries applies and commits the assembled series on top of the
// snapshot, so the prescript delta is diffed against the patched tree.
func gitApplySeries(ctx context.Context, dir string, series *patches.Series) error {
	if len(series.Patches) == 0 {
		return nil
	}
	for _, patch := range series.Patches {
		cmd := exec.CommandContext(ctx, "git", "-C", dir, "apply", "--whitespace=nowarn")
		cmd.Stdin = bytes.NewReader(patch.Content)
		if output, err := cmd.CombinedOutput(); err != nil {
			return taskboard.WrapTaskError(taskboard.ErrToolFailure, err,
				"failed to apply patch %s: %s", patch.Filename, string(output))
		}
	}
	cmds := [][]string{
		{"add", "--all"},
		{"-c", "user.name=kiln", "-c", "user.email=kiln@localhost",
			"commit", "--quiet", "--message", "patch series"},
	}
	for _, args := range cmds {
		cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
		if output, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("git %s failed: %w (%s)", args[0], err, string(output))
		}
	}
	return nil
}

// gitSnapshot commits the pristine tree so the prescript delta can be
// diffed against it.
func gitSnapshot(ctx context.Context, dir string) error {
	cmds := [][]string{
		{"init", "--quiet"},
		{"add", "--all"},
		{"-c", "user.name=kiln", "-c", "user.email=kiln@localhost",
			"commit", "--quiet", "--message", "pristine source"},
	}
	for _, args := range cmds {
		cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
		if output, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("git %s failed: %w (%s)", args[0], err, string(output))
		}
	}
	return nil
}

// gitDiff returns the full tree delta, including files the prescript added.
func gitDiff(ctx context.Context, dir string) ([]byte, error) {
	add := exec.CommandContext(ctx, "git", "-C", dir, "add", "--all")
	if output, err := add.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("git add failed: %w (%s)", err, string(output))
	}
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "diff", "--cached", "--no-color")
	diff, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git diff failed: %w", err)
	}
	return diff, nil
}

// gitDiscard restores a subtree to its snapshot state and drops anything
// the prescript added under it, so the exported tarball content does not
// also appear in the delta patch.
func gitDiscard(ctx context.Context, dir, subdir string) error {
	// checkout restores tracked files; it fails when the prescript created
	// the whole subtree, which clean then removes.
	checkout := exec.CommandContext(ctx, "git", "-C", dir, "checkout", "--quiet", "--", subdir)
	_ = checkout.Run()

	clean := exec.CommandContext(ctx, "git", "-C", dir, "clean", "--quiet", "-fd", "--", subdir)
	if output, err := clean.CombinedOutput(); err != nil {
		return fmt.Errorf("git clean failed: %w (%s)", err, string(output))
	}
	return nil
}
