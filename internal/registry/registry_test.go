package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "registry"))
	require.NoError(t, err)
	return m
}

// makePublication builds a publication with one package file on disk.
func makePublication(t *testing.T, name, version, message string) *Publication {
	t.Helper()
	dir := t.TempDir()
	file := name + "-" + version + ".src.rpm"
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte("package content"), 0644))

	return &Publication{
		Entry: &Entry{
			Format:       "rpm",
			Distribution: "el8",
			Derivative:   "main",
			Architecture: "src",
			Name:         name,
			Version:      version,
			Files:        []string{file},
		},
		FilesDir: dir,
		Author:   "alice",
		Message:  message,
	}
}

func TestPublishAndList(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Publish([]*Publication{makePublication(t, "hello", "2.10-1.el8", "initial build")}))

	entries, err := m.List("rpm", "el8", "main")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "hello", entries[0].Name)
	assert.Equal(t, "2.10-1.el8", entries[0].Version)
	assert.Equal(t, int64(len("package content")), entries[0].Size)
	assert.Equal(t, []string{"hello-2.10-1.el8.src.rpm"}, entries[0].Files)

	exists, err := m.Exists("rpm", "el8", "main", "src", "hello", "2.10-1.el8")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = m.Exists("rpm", "el8", "main", "src", "hello", "2.10-2.el8")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPublishRejectsExisting(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Publish([]*Publication{makePublication(t, "hello", "2.10-1.el8", "first")}))
	err := m.Publish([]*Publication{makePublication(t, "hello", "2.10-1.el8", "again")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	// The failed publish must not have disturbed the registry
	entries, err := m.List("rpm", "el8", "main")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPublishAllOrNothing(t *testing.T) {
	m := newTestManager(t)

	good := makePublication(t, "hello", "2.10-1.el8", "ok")
	bad := makePublication(t, "world", "1.0-1.el8", "broken")
	// Point the second publication at a file that does not exist
	bad.Entry.Files = []string{"missing.rpm"}

	err := m.Publish([]*Publication{good, bad})
	require.Error(t, err)

	// Neither entry is visible
	entries, err := m.List("rpm", "el8", "main")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDelete(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Publish([]*Publication{makePublication(t, "hello", "2.10-1.el8", "build")}))
	require.NoError(t, m.Delete("rpm", "el8", "main", "src", "hello", "2.10-1.el8"))

	entries, err := m.List("rpm", "el8", "main")
	require.NoError(t, err)
	assert.Empty(t, entries)

	err = m.Delete("rpm", "el8", "main", "src", "hello", "2.10-1.el8")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestChangelogAccumulates(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Publish([]*Publication{makePublication(t, "hello", "2.10-1.el8", "initial build")}))
	require.NoError(t, m.Publish([]*Publication{makePublication(t, "hello", "2.10-2.el8", "rebuild")}))

	changelog, err := m.Changelog("rpm", "el8", "main", "src", "hello", "2.10-2.el8")
	require.NoError(t, err)
	require.Len(t, changelog, 2)

	// Most recent first; earlier history read back, never overwritten
	assert.Equal(t, "rebuild", changelog[0].Message)
	assert.Equal(t, "2.10-2.el8", changelog[0].Version)
	assert.Equal(t, "initial build", changelog[1].Message)
	assert.Equal(t, "2.10-1.el8", changelog[1].Version)
	assert.Equal(t, "alice", changelog[0].Author)
}

func TestEnumeration(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Publish([]*Publication{makePublication(t, "hello", "2.10-1.el8", "x")}))

	formats, err := m.Formats()
	require.NoError(t, err)
	assert.Equal(t, []string{"rpm"}, formats)

	dists, err := m.Distributions("rpm")
	require.NoError(t, err)
	assert.Equal(t, []string{"el8"}, dists)

	derivatives, err := m.Derivatives("rpm", "el8")
	require.NoError(t, err)
	assert.Equal(t, []string{"main"}, derivatives)

	// Empty levels list as empty, not as errors
	dists, err = m.Distributions("deb")
	require.NoError(t, err)
	assert.Empty(t, dists)
}

func TestListEmptyRegistry(t *testing.T) {
	m := newTestManager(t)
	entries, err := m.List("rpm", "el8", "main")
	require.NoError(t, err)
	assert.Empty(t, entries)
}
