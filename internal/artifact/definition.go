// Package artifact loads declarative artifact definitions. A definition
// directory holds artifact.yml, per-format packaging templates and the patch
// directories consumed by the patch assembler. Definitions are loaded
// read-only per task and never mutated.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definition is the declarative spec for one artifact.
type Definition struct {
	Name      string                   `yaml:"name"`
	Sources   []*Source                `yaml:"sources"`
	RPM       *FormatParams            `yaml:"rpm,omitempty"`
	Deb       *FormatParams            `yaml:"deb,omitempty"`
	OSI       *FormatParams            `yaml:"osi,omitempty"`
	Prescript *Prescript               `yaml:"prescript,omitempty"`

	place string
}

// Source declares one upstream archive. The first source's ID must equal the
// artifact name (the main source); the others are supplementary.
type Source struct {
	ID        string            `yaml:"id"`
	URL       string            `yaml:"url"`       // Template with a {{.Version}} variable
	Versions  map[string]string `yaml:"versions"`  // Derivative name to version
	Checksums map[string]string `yaml:"checksums"` // Version to "sha256:<hex>" digest
}

// FormatParams are the per-format build parameters of a definition.
type FormatParams struct {
	Release   int      `yaml:"release,omitempty"`
	BuildArgs []string `yaml:"buildargs,omitempty"`
}

// Prescript declares a network-enabled script run inside the build
// environment after patches are applied, plus its dependencies. Dependency
// lists support distribution- and format-scoped overrides; resolution
// precedence is distribution-specific, then format-specific, then generic,
// first match wins.
type Prescript struct {
	Script   string            `yaml:"script"` // Path relative to the definition directory
	Deps     []*PrescriptDeps  `yaml:"deps,omitempty"`
	Tarballs []string          `yaml:"tarballs,omitempty"` // Subdirectories exported as supplementary tarballs instead of a patch
}

// PrescriptDeps is one scoped dependency list.
type PrescriptDeps struct {
	Distributions []string `yaml:"distributions,omitempty"`
	Formats       []string `yaml:"formats,omitempty"`
	Packages      []string `yaml:"packages"`
}

// Load reads and validates the artifact definition in place.
func Load(place string) (*Definition, error) {
	path := filepath.Join(place, "artifact.yml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact definition %s: %w", path, err)
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse artifact definition %s: %w", path, err)
	}
	def.place = place

	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid artifact definition %s: %w", path, err)
	}
	return &def, nil
}

// Validate checks the structural invariants of a definition.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("artifact name must be set")
	}
	if len(d.Sources) == 0 {
		return fmt.Errorf("artifact %s declares no sources", d.Name)
	}
	if d.Sources[0].ID != d.Name {
		return fmt.Errorf("main source ID %q must equal the artifact name %q", d.Sources[0].ID, d.Name)
	}
	seen := map[string]bool{}
	for _, src := range d.Sources {
		if src.ID == "" {
			return fmt.Errorf("artifact %s has a source without ID", d.Name)
		}
		if seen[src.ID] {
			return fmt.Errorf("artifact %s declares source %q twice", d.Name, src.ID)
		}
		seen[src.ID] = true
		if src.URL == "" {
			return fmt.Errorf("source %s has no URL", src.ID)
		}
		if len(src.Versions) == 0 {
			return fmt.Errorf("source %s declares no versions", src.ID)
		}
		for version, digest := range src.Checksums {
			if !strings.HasPrefix(digest, "sha256:") {
				return fmt.Errorf("source %s version %s: unsupported checksum %q (only sha256 is supported)", src.ID, version, digest)
			}
		}
	}
	if d.Prescript != nil && d.Prescript.Script == "" {
		return fmt.Errorf("artifact %s declares a prescript without a script path", d.Name)
	}
	return nil
}

// Place returns the definition directory.
func (d *Definition) Place() string {
	return d.place
}

// MainSource returns the artifact's main source.
func (d *Definition) MainSource() *Source {
	return d.Sources[0]
}

// SupplementarySources returns every source except the main one.
func (d *Definition) SupplementarySources() []*Source {
	return d.Sources[1:]
}

// Format returns the build parameters of one format, or nil when the
// definition does not support it.
func (d *Definition) Format(format string) *FormatParams {
	switch format {
	case "rpm":
		return d.RPM
	case "deb":
		return d.Deb
	case "osi":
		return d.OSI
	}
	return nil
}

// Version resolves the source version for a derivative chain, nearest
// derivative first.
func (s *Source) Version(chain []string) (string, error) {
	for _, derivative := range chain {
		if v, ok := s.Versions[derivative]; ok {
			return v, nil
		}
	}
	return "", fmt.Errorf("source %s has no version for derivatives %v", s.ID, chain)
}

// Checksum returns the declared digest of one version.
func (s *Source) Checksum(version string) (string, error) {
	digest, ok := s.Checksums[version]
	if !ok {
		return "", fmt.Errorf("source %s has no checksum for version %s", s.ID, version)
	}
	return digest, nil
}

// ResolveDeps resolves the prescript dependency list for a build target.
// Precedence: distribution-specific, then format-specific, then generic;
// the first matching list wins.
func (p *Prescript) ResolveDeps(distribution, format string) []string {
	for _, deps := range p.Deps {
		if contains(deps.Distributions, distribution) {
			return deps.Packages
		}
	}
	for _, deps := range p.Deps {
		if len(deps.Distributions) == 0 && contains(deps.Formats, format) {
			return deps.Packages
		}
	}
	for _, deps := range p.Deps {
		if len(deps.Distributions) == 0 && len(deps.Formats) == 0 {
			return deps.Packages
		}
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
