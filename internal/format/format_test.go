package format

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnproject/kiln/internal/artifact"
	"github.com/kilnproject/kiln/internal/config"
	"github.com/kilnproject/kiln/internal/patches"
	"github.com/kilnproject/kiln/internal/registry"
	"github.com/kilnproject/kiln/internal/runner"
	"github.com/kilnproject/kiln/internal/source"
	"github.com/kilnproject/kiln/pkg/taskboard"
)

// fakeExecutor records the specs it is asked to run.
type fakeExecutor struct {
	specs []runner.Spec
	err   error
}

func (f *fakeExecutor) Run(ctx context.Context, spec runner.Spec, output io.Writer) error {
	f.specs = append(f.specs, spec)
	return f.err
}

func (f *fakeExecutor) Remove(ctx context.Context, name string) error {
	return nil
}

func writeDefs(t *testing.T, files map[string]string) string {
	t.Helper()
	place := t.TempDir()
	for name, content := range files {
		path := filepath.Join(place, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return place
}

func testBuild(t *testing.T, defsPlace string) *Build {
	t.Helper()
	def, err := artifact.Load(defsPlace)
	require.NoError(t, err)
	return &Build{
		Artifact:     "hello",
		Version:      "2.10",
		FullVersion:  "2.10-1.el8",
		Distribution: "el8",
		Derivative:   "main",
		Architecture: "x86_64",
		Environment:  "kiln/rpm-el8",
		Workspace:    t.TempDir(),
		RegistryRoot: t.TempDir(),
		Definition:   def,
		User:         "alice",
		Message:      "initial build",
	}
}

const helloDefs = `name: hello
sources:
  - id: hello
    url: https://example.com/hello-{{.Version}}.tar.gz
    versions:
      main: "2.10"
    checksums:
      "2.10": sha256:31e066137a962676e89f45ecf55c5e5b2cf623f0a24d794815233fedc31553b9
rpm:
  release: 1
deb:
  release: 1
`

func TestNewAdapter(t *testing.T) {
	cmds := &config.CommandSet{Build: []string{"true"}}

	for _, name := range []string{"rpm", "deb", "osi"} {
		a, err := New(name, cmds, &fakeExecutor{})
		require.NoError(t, err)
		assert.Equal(t, name, a.Format())
	}

	_, err := New("apk", cmds, &fakeExecutor{})
	assert.Error(t, err)

	_, err = New("rpm", nil, &fakeExecutor{})
	assert.Error(t, err)
}

func TestRenderCommand(t *testing.T) {
	vars := commandVars{
		Environment:  "kiln/rpm-el8",
		Distribution: "el8",
		Workspace:    "/var/lib/kiln/prod/tasks/1234",
		Artifact:     "hello",
		Version:      "2.10-1.el8",
	}

	cmd, err := renderCommand([]string{"mock", "--root", "{{.Environment}}", "--resultdir", "{{.Workspace}}/results"}, vars)
	require.NoError(t, err)
	assert.Equal(t, []string{"mock", "--root", "kiln/rpm-el8", "--resultdir", "/var/lib/kiln/prod/tasks/1234/results"}, cmd)

	_, err = renderCommand([]string{"{{.Environment"}, vars)
	assert.Error(t, err)
}

func TestRpmPrepare(t *testing.T) {
	place := writeDefs(t, map[string]string{
		"artifact.yml":   helloDefs,
		"rpm/hello.spec": "Name: {{.Artifact}}\nVersion: {{.Version}}\n",
		"rpm/hello.sysusers": "u hello - \"hello daemon\"\n",
	})
	b := testBuild(t, place)
	b.Series = &patches.Series{Patches: []*patches.Patch{
		{Filename: "0001-fix.patch", Content: []byte("--- a\n+++ b\n")},
	}}

	a, err := New("rpm", &config.CommandSet{Build: []string{"true"}}, &fakeExecutor{})
	require.NoError(t, err)
	require.NoError(t, a.Prepare(b))

	spec, err := os.ReadFile(filepath.Join(b.Workspace, "hello.spec"))
	require.NoError(t, err)
	assert.Equal(t, "Name: hello\nVersion: 2.10-1.el8\n", string(spec))

	assert.FileExists(t, filepath.Join(b.Workspace, "hello.sysusers"))
	assert.FileExists(t, filepath.Join(b.Workspace, "patches", "0001-fix.patch"))
	assert.FileExists(t, filepath.Join(b.Workspace, "patches", "series"))
}

func TestRpmPrepareMissingSpec(t *testing.T) {
	place := writeDefs(t, map[string]string{"artifact.yml": helloDefs})
	b := testBuild(t, place)

	a, err := New("rpm", &config.CommandSet{Build: []string{"true"}}, &fakeExecutor{})
	require.NoError(t, err)

	err = a.Prepare(b)
	require.Error(t, err)
	assert.Equal(t, taskboard.ErrBadRequest, taskboard.KindOf(err))
}

func TestDebPrepare(t *testing.T) {
	place := writeDefs(t, map[string]string{
		"artifact.yml":     helloDefs,
		"deb/control":      "Source: {{.Artifact}}\n",
		"deb/rules":        "#!/usr/bin/make -f\n",
		"deb/changelog":    "{{.Artifact}} ({{.Version}}) unstable; urgency=low\n",
	})
	b := testBuild(t, place)
	b.Source = &source.Tree{SourceID: "hello", Version: "2.10", Path: t.TempDir()}

	// The upstream tree ships its own debian dir; artifact packaging code
	// must replace it.
	stale := filepath.Join(b.Source.Path, "debian")
	require.NoError(t, os.MkdirAll(stale, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(stale, "control"), []byte("Source: stale\n"), 0644))

	b.Series = &patches.Series{Patches: []*patches.Patch{
		{Filename: "0001-fix.patch", Content: []byte("--- a\n+++ b\n")},
	}}

	a, err := New("deb", &config.CommandSet{Build: []string{"true"}}, &fakeExecutor{})
	require.NoError(t, err)
	require.NoError(t, a.Prepare(b))

	control, err := os.ReadFile(filepath.Join(stale, "control"))
	require.NoError(t, err)
	assert.Equal(t, "Source: hello\n", string(control))

	changelog, err := os.ReadFile(filepath.Join(stale, "changelog"))
	require.NoError(t, err)
	assert.Contains(t, string(changelog), "hello (2.10-1.el8)")

	assert.FileExists(t, filepath.Join(stale, "patches", "0001-fix.patch"))
	assert.FileExists(t, filepath.Join(stale, "patches", "series"))
}

func TestOsiPrepare(t *testing.T) {
	place := writeDefs(t, map[string]string{
		"artifact.yml":    helloDefs,
		"osi/hello.mkosi": "[Distribution]\nDistribution=fedora\n",
	})
	b := testBuild(t, place)

	a, err := New("osi", &config.CommandSet{Build: []string{"true"}}, &fakeExecutor{})
	require.NoError(t, err)
	require.NoError(t, a.Prepare(b))
	assert.FileExists(t, filepath.Join(b.Workspace, "osi", "hello.mkosi"))

	t.Run("missing description", func(t *testing.T) {
		bare := writeDefs(t, map[string]string{"artifact.yml": helloDefs})
		err := a.Prepare(testBuild(t, bare))
		require.Error(t, err)
		assert.Equal(t, taskboard.ErrBadRequest, taskboard.KindOf(err))
	})
}

func TestBuildRunsRenderedCommand(t *testing.T) {
	place := writeDefs(t, map[string]string{"artifact.yml": helloDefs})
	b := testBuild(t, place)

	exec := &fakeExecutor{}
	a, err := New("rpm", &config.CommandSet{
		Build: []string{"mock", "--root", "{{.Environment}}", "--resultdir", "{{.Workspace}}/results"},
	}, exec)
	require.NoError(t, err)

	require.NoError(t, a.Build(context.Background(), b, io.Discard))
	require.Len(t, exec.specs, 1)
	spec := exec.specs[0]
	assert.Equal(t, "kiln/rpm-el8", spec.Image)
	assert.Equal(t, []string{"mock", "--root", "kiln/rpm-el8", "--resultdir", b.Workspace + "/results"}, spec.Cmd)
	assert.Contains(t, spec.Binds, b.Workspace+":"+b.Workspace)
	assert.Contains(t, spec.Binds, b.RegistryRoot+":"+b.RegistryRoot)
	assert.DirExists(t, b.ResultsDir())
}

func TestAnalyzeWithoutCommandIsNoop(t *testing.T) {
	place := writeDefs(t, map[string]string{"artifact.yml": helloDefs})
	b := testBuild(t, place)

	exec := &fakeExecutor{}
	a, err := New("rpm", &config.CommandSet{Build: []string{"true"}}, exec)
	require.NoError(t, err)

	require.NoError(t, a.Analyze(context.Background(), b, io.Discard))
	assert.Empty(t, exec.specs)
}

func TestPublish(t *testing.T) {
	place := writeDefs(t, map[string]string{"artifact.yml": helloDefs})
	b := testBuild(t, place)

	require.NoError(t, os.MkdirAll(b.ResultsDir(), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(b.ResultsDir(), "hello-2.10-1.el8.x86_64.rpm"), []byte("rpm"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(b.ResultsDir(), "build.log"), []byte("log"), 0644))

	reg, err := registry.NewManager(b.RegistryRoot)
	require.NoError(t, err)

	exec := &fakeExecutor{}
	a, err := New("rpm", &config.CommandSet{
		Build:   []string{"true"},
		Publish: []string{"createrepo_c", "{{.Registry}}/rpm/{{.Distribution}}"},
	}, exec)
	require.NoError(t, err)

	entry, err := a.Publish(context.Background(), b, reg, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "rpm", entry.Format)
	assert.Equal(t, "2.10-1.el8", entry.Version)
	assert.Equal(t, []string{"hello-2.10-1.el8.x86_64.rpm"}, entry.Files)

	// The publish command ran with rendered arguments.
	require.Len(t, exec.specs, 1)
	assert.Equal(t, []string{"createrepo_c", b.RegistryRoot + "/rpm/el8"}, exec.specs[0].Cmd)

	exists, err := reg.Exists("rpm", "el8", "main", "x86_64", "hello", "2.10-1.el8")
	require.NoError(t, err)
	assert.True(t, exists)

	changelog, err := reg.Changelog("rpm", "el8", "main", "x86_64", "hello", "2.10-1.el8")
	require.NoError(t, err)
	require.Len(t, changelog, 1)
	assert.Equal(t, "alice", changelog[0].Author)
}

func TestPublishEmptyResults(t *testing.T) {
	place := writeDefs(t, map[string]string{"artifact.yml": helloDefs})
	b := testBuild(t, place)
	require.NoError(t, os.MkdirAll(b.ResultsDir(), 0755))

	reg, err := registry.NewManager(b.RegistryRoot)
	require.NoError(t, err)

	a, err := New("rpm", &config.CommandSet{Build: []string{"true"}}, &fakeExecutor{})
	require.NoError(t, err)

	_, err = a.Publish(context.Background(), b, reg, io.Discard)
	require.Error(t, err)
	assert.Equal(t, taskboard.ErrResultMissing, taskboard.KindOf(err))
}
