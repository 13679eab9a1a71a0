package patches

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePatch(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func patchNames(s *Series) []string {
	names := make([]string, 0, len(s.Patches))
	for _, p := range s.Patches {
		names = append(names, p.Filename)
	}
	return names
}

const plainPatch = `Description: fix the build
Author: Alice <alice@example.com>
Forwarded: no

--- a/Makefile
+++ b/Makefile
@@ -1 +1 @@
-broken
+fixed
`

func TestAssembleOrdering(t *testing.T) {
	place := t.TempDir()
	// Write files in non-lexicographic order: ordering must not depend on it
	writePatch(t, filepath.Join(place, "patches", "generic"), "c.patch", plainPatch)
	writePatch(t, filepath.Join(place, "patches", "generic"), "a.patch", plainPatch)
	writePatch(t, filepath.Join(place, "patches", "2.10"), "b.patch", plainPatch)

	series, err := Assemble(place, "2.10", Target{Distribution: "el8", Format: "rpm"}, NewVars("2.10"), nil)
	require.NoError(t, err)

	// Generic group first in lexicographic order, then version-specific
	assert.Equal(t, []string{"a.patch", "c.patch", "b.patch"}, patchNames(series))
	assert.True(t, series.Patches[0].Metadata.Generic)
	assert.False(t, series.Patches[2].Metadata.Generic)
}

func TestAssembleMissingDirectories(t *testing.T) {
	series, err := Assemble(t.TempDir(), "1.0", Target{}, NewVars("1.0"), nil)
	require.NoError(t, err)
	assert.Empty(t, series.Patches)
}

func TestMetadataParsing(t *testing.T) {
	place := t.TempDir()
	writePatch(t, filepath.Join(place, "patches", "generic"), "meta.patch", `Description: scoped fix
Author: Bob <bob@example.com>
Forwarded: not-needed
Distributions: el8 el9
Last-Update: 2026-08-01

content
`)

	series, err := Assemble(place, "1.0", Target{Distribution: "el8", Format: "rpm"}, NewVars("1.0"), nil)
	require.NoError(t, err)
	require.Len(t, series.Patches, 1)

	meta := series.Patches[0].Metadata
	assert.Equal(t, "scoped fix", meta.Description)
	assert.Equal(t, "Bob <bob@example.com>", meta.Author)
	assert.Equal(t, []string{"el8", "el9"}, meta.Distributions)
	assert.Equal(t, "2026-08-01", meta.Fields["Last-Update"])
	assert.Equal(t, "content\n", string(series.Patches[0].Content))
}

func TestTargetFiltering(t *testing.T) {
	place := t.TempDir()
	writePatch(t, filepath.Join(place, "patches", "generic"), "dist.patch",
		"Distributions: el9\n\nx\n")
	writePatch(t, filepath.Join(place, "patches", "generic"), "format.patch",
		"Formats: deb\n\nx\n")
	writePatch(t, filepath.Join(place, "patches", "generic"), "both.patch",
		"Distributions: el8\nFormats: deb\n\nx\n")
	writePatch(t, filepath.Join(place, "patches", "generic"), "open.patch",
		"Description: unrestricted\n\nx\n")

	series, err := Assemble(place, "1.0", Target{Distribution: "el8", Format: "rpm"}, NewVars("1.0"), nil)
	require.NoError(t, err)

	// dist.patch excluded (el9 only), format.patch excluded (deb only),
	// both.patch included: its distribution restriction matches and wins
	// over the non-matching format restriction
	assert.Equal(t, []string{"both.patch", "open.patch"}, patchNames(series))
}

func TestTemplateRendering(t *testing.T) {
	place := t.TempDir()
	writePatch(t, filepath.Join(place, "patches", "generic"), "tmpl.patch", `Template: yes

+version = "{{.Version}}" major = {{.VersionMajor}}
`)

	series, err := Assemble(place, "2.10", Target{}, NewVars("2.10"), nil)
	require.NoError(t, err)
	require.Len(t, series.Patches, 1)
	assert.Equal(t, "+version = \"2.10\" major = 2\n", string(series.Patches[0].Content))
}

func TestNewVars(t *testing.T) {
	vars := NewVars("2.10.1")
	assert.Equal(t, "2.10.1", vars.Version)
	assert.Equal(t, "2", vars.VersionMajor)
	assert.Equal(t, "10", vars.VersionMinor)

	bare := NewVars("7")
	assert.Equal(t, "7", bare.VersionMajor)
	assert.Empty(t, bare.VersionMinor)
}

func TestExtraPatchesAppended(t *testing.T) {
	place := t.TempDir()
	writePatch(t, filepath.Join(place, "patches", "generic"), "a.patch", plainPatch)

	link := SymlinkPatch("vendor_data", "vendordata")
	delta := DeltaPatch("hello", []byte("diff content\n"))

	series, err := Assemble(place, "1.0", Target{}, NewVars("1.0"), []*Patch{delta, link})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.patch", delta.Filename, link.Filename}, patchNames(series))
	assert.Contains(t, string(link.Content), "new file mode 120000")
	assert.Contains(t, string(link.Content), "+vendordata")
}

func TestSeriesWrite(t *testing.T) {
	place := t.TempDir()
	writePatch(t, filepath.Join(place, "patches", "generic"), "a.patch", plainPatch)
	writePatch(t, filepath.Join(place, "patches", "1.0"), "b.patch", plainPatch)

	series, err := Assemble(place, "1.0", Target{}, NewVars("1.0"), nil)
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "series")
	require.NoError(t, series.Write(out))

	index, err := os.ReadFile(filepath.Join(out, "series"))
	require.NoError(t, err)
	assert.Equal(t, "a.patch\nb.patch\n", string(index))
	assert.FileExists(t, filepath.Join(out, "a.patch"))
	assert.FileExists(t, filepath.Join(out, "b.patch"))
}
