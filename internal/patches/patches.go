// Package patches assembles the ordered patch series applied to an artifact
// source tree. Patches live in the definition directory under
// patches/generic/ and patches/<version>/; each file carries an RFC822-style
// metadata header (Description, Author, Forwarded, Distributions, Formats,
// Template, Generic) followed by a blank line and the diff content.
package patches

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
)

// Metadata is the parsed header of one patch file.
type Metadata struct {
	Description   string
	Author        string
	Forwarded     string
	Distributions []string // Restricts the patch to these distributions
	Formats       []string // Restricts the patch to these formats
	Template      bool     // Render the content through the variable environment
	Generic       bool     // True for patches from patches/generic/

	// Fields keeps any additional header fields verbatim
	Fields map[string]string
}

// Patch is one entry of a series.
type Patch struct {
	Filename string
	Metadata Metadata
	Content  []byte
}

// Series is the ordered sequence of patches for one build, generic patches
// first, each group in lexicographic filename order.
type Series struct {
	Patches []*Patch
}

// Target identifies the build the series is assembled for.
type Target struct {
	Distribution string
	Format       string
}

// Vars is the substitution environment of templated patches. It matches the
// environment of other generated artifacts (version components).
type Vars struct {
	Version      string
	VersionMajor string
	VersionMinor string
}

// NewVars splits a version string into the standard template components.
func NewVars(version string) Vars {
	vars := Vars{Version: version}
	parts := strings.SplitN(version, ".", 3)
	if len(parts) > 0 {
		vars.VersionMajor = parts[0]
	}
	if len(parts) > 1 {
		vars.VersionMinor = parts[1]
	}
	return vars
}

// Assemble collects the generic and version-specific patches of a definition
// directory, filters them for the target, renders templates and returns the
// ordered series. extra patches (prescript deltas, source symlinks) are
// appended after the collected groups in the order given.
func Assemble(defsPlace, version string, target Target, vars Vars, extra []*Patch) (*Series, error) {
	series := &Series{}

	generic, err := loadGroup(filepath.Join(defsPlace, "patches", "generic"), true)
	if err != nil {
		return nil, err
	}
	versioned, err := loadGroup(filepath.Join(defsPlace, "patches", version), false)
	if err != nil {
		return nil, err
	}

	for _, patch := range append(generic, versioned...) {
		if !patch.Matches(target) {
			continue
		}
		if patch.Metadata.Template {
			rendered, err := renderContent(patch, vars)
			if err != nil {
				return nil, err
			}
			patch.Content = rendered
		}
		series.Patches = append(series.Patches, patch)
	}

	series.Patches = append(series.Patches, extra...)
	return series, nil
}

// Matches applies the target restriction rules. A patch without restrictions
// always matches. When both restrictions are declared, the distribution-level
// restriction wins over the format-level one.
func (p *Patch) Matches(target Target) bool {
	if len(p.Metadata.Distributions) > 0 {
		return contains(p.Metadata.Distributions, target.Distribution)
	}
	if len(p.Metadata.Formats) > 0 {
		return contains(p.Metadata.Formats, target.Format)
	}
	return true
}

// loadGroup reads every patch of one directory in lexicographic filename
// order. A missing directory is an empty group.
func loadGroup(dir string, generic bool) ([]*Patch, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read patches directory %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	patches := make([]*Patch, 0, len(names))
	for _, name := range names {
		patch, err := loadPatch(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		patch.Metadata.Generic = generic
		patches = append(patches, patch)
	}
	return patches, nil
}

// loadPatch parses one patch file into metadata and content.
func loadPatch(path string) (*Patch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read patch %s: %w", path, err)
	}

	meta := Metadata{Fields: map[string]string{}}
	content := data

	// The header ends at the first blank line; a file without one is all
	// content with empty metadata.
	if idx := bytes.Index(data, []byte("\n\n")); idx >= 0 {
		header := string(data[:idx])
		parsed, ok := parseHeader(header, &meta)
		if ok && parsed {
			content = data[idx+2:]
		}
	}

	return &Patch{
		Filename: filepath.Base(path),
		Metadata: meta,
		Content:  content,
	}, nil
}

// parseHeader fills meta from RFC822-style "Key: value" lines. Returns
// (parsed, ok): not-ok means the block is not a header (e.g. the file starts
// with diff content directly).
func parseHeader(header string, meta *Metadata) (bool, bool) {
	lines := strings.Split(header, "\n")
	any := false
	for _, line := range lines {
		key, value, found := strings.Cut(line, ":")
		if !found || strings.ContainsAny(key, " \t") {
			return false, false
		}
		value = strings.TrimSpace(value)
		switch key {
		case "Description":
			meta.Description = value
		case "Author":
			meta.Author = value
		case "Forwarded":
			meta.Forwarded = value
		case "Distributions":
			meta.Distributions = strings.Fields(value)
		case "Formats":
			meta.Formats = strings.Fields(value)
		case "Template":
			meta.Template = value == "yes" || value == "true"
		default:
			meta.Fields[key] = value
		}
		any = true
	}
	return any, true
}

// renderContent runs the patch content through the template environment.
func renderContent(p *Patch, vars Vars) ([]byte, error) {
	tmpl, err := template.New(p.Filename).Parse(string(p.Content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse templated patch %s: %w", p.Filename, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return nil, fmt.Errorf("failed to render templated patch %s: %w", p.Filename, err)
	}
	return buf.Bytes(), nil
}

// SymlinkPatch builds a git-format patch creating a symlink from name to
// target. Used to record supplementary-source links so packaging code can
// use version-agnostic paths.
func SymlinkPatch(name, target string) *Patch {
	content := fmt.Sprintf(`diff --git a/%[1]s b/%[1]s
new file mode 120000
--- /dev/null
+++ b/%[1]s
@@ -0,0 +1 @@
+%[2]s
\ No newline at end of file
`, name, target)
	return &Patch{
		Filename: fmt.Sprintf("9999-source-link-%s.patch", SanitizeFilename(name)),
		Metadata: Metadata{
			Description: fmt.Sprintf("symlink %s to supplementary source %s", name, target),
			Forwarded:   "not-needed",
			Fields:      map[string]string{},
		},
		Content: []byte(content),
	}
}

// DeltaPatch folds a prescript's working-tree diff into one patch.
func DeltaPatch(artifactName string, diff []byte) *Patch {
	return &Patch{
		Filename: fmt.Sprintf("9998-%s-prescript.patch", SanitizeFilename(artifactName)),
		Metadata: Metadata{
			Description: fmt.Sprintf("changes produced by the %s prescript", artifactName),
			Forwarded:   "not-needed",
			Fields:      map[string]string{},
		},
		Content: diff,
	}
}

// SanitizeFilename reduces a name to characters safe in a patch filename.
func SanitizeFilename(name string) string {
	var b strings.Builder
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '.':
			b.WriteRune(c)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

// Write materializes the series into dir, one file per patch plus a series
// index listing filenames in application order.
func (s *Series) Write(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create series directory %s: %w", dir, err)
	}
	var index bytes.Buffer
	for _, patch := range s.Patches {
		path := filepath.Join(dir, patch.Filename)
		if err := os.WriteFile(path, patch.Content, 0644); err != nil {
			return fmt.Errorf("failed to write patch %s: %w", path, err)
		}
		index.WriteString(patch.Filename)
		index.WriteByte('\n')
	}
	if err := os.WriteFile(filepath.Join(dir, "series"), index.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write series index: %w", err)
	}
	return nil
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
