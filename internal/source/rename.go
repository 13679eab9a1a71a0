package source

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

// RenameRule moves one workspace path to another before the packaging code
// is rendered.
type RenameRule struct {
	Src  string // Path relative to the workspace root
	Dest string
}

// LoadRenameIndex reads the definition's rename index: one "src dest" rule
// per line, empty lines skipped. The index is rendered through the template
// environment with the upstream version, so versioned paths can be written
// as {{.Version}}. A definition without an index yields no rules.
func LoadRenameIndex(defsPlace, version string) ([]RenameRule, error) {
	raw, err := os.ReadFile(filepath.Join(defsPlace, "rename"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read rename index: %w", err)
	}

	tmpl, err := template.New("rename").Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("malformed rename index: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, struct{ Version string }{version}); err != nil {
		return nil, fmt.Errorf("failed to render rename index: %w", err)
	}
	data := buf.Bytes()

	var rules []RenameRule
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, " ")
		if len(parts) != 2 {
			// Rule format errors do not fail the build, matching the
			// missing-source behavior below.
			rules = append(rules, RenameRule{Src: line})
			continue
		}
		rules = append(rules, RenameRule{Src: parts[0], Dest: parts[1]})
	}
	return rules, nil
}

// ApplyRenames executes the rules relative to root. An unparseable rule or a
// missing source path is reported to out and skipped; a failing rename is an
// error.
func ApplyRenames(root string, rules []RenameRule, out io.Writer) error {
	for _, rule := range rules {
		if rule.Dest == "" {
			fmt.Fprintf(out, "warning: unable to parse rename rule %q\n", rule.Src)
			continue
		}
		src := filepath.Join(root, rule.Src)
		if _, err := os.Stat(src); err != nil {
			fmt.Fprintf(out, "warning: rename source %s not found\n", rule.Src)
			continue
		}
		fmt.Fprintf(out, "renaming %s to %s\n", rule.Src, rule.Dest)
		if err := os.Rename(src, filepath.Join(root, rule.Dest)); err != nil {
			return fmt.Errorf("failed to rename %s: %w", rule.Src, err)
		}
	}
	return nil
}
