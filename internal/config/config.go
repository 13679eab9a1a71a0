package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// KilnConfig represents the top-level kiln.yml daemon configuration.
// Instances are created from configuration at server start and are immutable
// at runtime.
type KilnConfig struct {
	Version   string                 `yaml:"version"`
	Redis     RedisConfig            `yaml:"redis"`
	StateRoot string                 `yaml:"state_root"` // Base directory for workspaces, registries, keyrings and the source cache
	Hook      string                 `yaml:"hook,omitempty"` // Optional executable run at task start and end
	Instances map[string]*Instance   `yaml:"instances"`
	Commands  map[string]*CommandSet `yaml:"commands,omitempty"` // Per-format tool command templates
}

// RedisConfig holds the task board connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// Instance is one isolated namespace with its own pipelines, keyring,
// registries and task history.
type Instance struct {
	Name          string                   `yaml:"name"`
	GPGName       string                   `yaml:"gpg_name"`
	GPGEmail      string                   `yaml:"gpg_email"`
	Distributions map[string]*Distribution `yaml:"distributions"`
	Derivatives   map[string]*Derivative   `yaml:"derivatives,omitempty"`
}

// Distribution maps one build target to its format, build environment image
// and release tag.
type Distribution struct {
	Format        string   `yaml:"format"`      // rpm, deb or osi
	Environment   string   `yaml:"environment"` // Build environment image reference
	Tag           string   `yaml:"tag"`         // Release tag suffix (e.g. el8, deb12)
	Architectures []string `yaml:"architectures,omitempty"`
}

// Derivative is a named variant of a distribution's packages. Derivatives
// form a forest through Extends; the implicit root is "main".
type Derivative struct {
	Extends string `yaml:"extends,omitempty"`
}

// CommandSet holds command templates for one format's external tools.
// Templates are parsed and their variables checked at load time so that a
// misconfigured command fails daemon startup, not a build.
type CommandSet struct {
	Build   []string `yaml:"build,omitempty"`
	Publish []string `yaml:"publish,omitempty"`
	Analyze []string `yaml:"analyze,omitempty"`
}

// commandVariables is the fixed set of substitution variables available to
// command templates.
var commandVariables = map[string]bool{
	"Environment":  true,
	"Distribution": true,
	"Derivative":   true,
	"Architecture": true,
	"Workspace":    true,
	"Registry":     true,
	"Artifact":     true,
	"Version":      true,
}

// Load reads and validates a kiln.yml file.
func Load(path string) (*KilnConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg KilnConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	return &cfg, nil
}

// Validate performs strict validation on the configuration and applies
// defaults.
func (c *KilnConfig) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.StateRoot == "" {
		return fmt.Errorf("state_root must be set")
	}
	if len(c.Instances) == 0 {
		return fmt.Errorf("no instances defined")
	}

	for id, instance := range c.Instances {
		if err := instance.Validate(id); err != nil {
			return err
		}
	}

	for format, set := range c.Commands {
		if format != "rpm" && format != "deb" && format != "osi" {
			return fmt.Errorf("command templates for unknown format %q", format)
		}
		if err := set.Validate(format); err != nil {
			return err
		}
	}

	return nil
}

// Validate checks one instance definition, including the derivative forest.
func (i *Instance) Validate(id string) error {
	if id == "" {
		return fmt.Errorf("instance ID cannot be empty")
	}
	if i.Name == "" {
		return fmt.Errorf("instance %q: name must be set", id)
	}
	if len(i.Distributions) == 0 {
		return fmt.Errorf("instance %q: no distributions defined", id)
	}
	for dist, d := range i.Distributions {
		switch d.Format {
		case "rpm", "deb", "osi":
		default:
			return fmt.Errorf("instance %q: distribution %q has unknown format %q", id, dist, d.Format)
		}
		if d.Environment == "" {
			return fmt.Errorf("instance %q: distribution %q has no build environment", id, dist)
		}
		if d.Tag == "" {
			return fmt.Errorf("instance %q: distribution %q has no release tag", id, dist)
		}
		if len(d.Architectures) == 0 {
			d.Architectures = []string{"x86_64"}
		}
	}

	// The main derivative is implicit and roots the forest
	if i.Derivatives == nil {
		i.Derivatives = map[string]*Derivative{}
	}
	if _, ok := i.Derivatives["main"]; !ok {
		i.Derivatives["main"] = &Derivative{}
	}
	if i.Derivatives["main"].Extends != "" {
		return fmt.Errorf("instance %q: derivative main cannot extend another derivative", id)
	}
	for name, d := range i.Derivatives {
		if name == "main" {
			continue
		}
		if d.Extends == "" {
			d.Extends = "main"
		}
		if _, ok := i.Derivatives[d.Extends]; !ok {
			return fmt.Errorf("instance %q: derivative %q extends unknown derivative %q", id, name, d.Extends)
		}
	}

	// Reject cycles with an ancestor walk from every node. The forest is
	// small; quadratic is fine.
	for name := range i.Derivatives {
		seen := map[string]bool{}
		current := name
		for current != "" {
			if seen[current] {
				return fmt.Errorf("instance %q: derivative cycle through %q", id, current)
			}
			seen[current] = true
			current = i.Derivatives[current].Extends
		}
	}

	return nil
}

// DerivativeChain returns the derivative and its ancestors up to the forest
// root, nearest first. Unknown derivatives yield an error.
func (i *Instance) DerivativeChain(name string) ([]string, error) {
	if _, ok := i.Derivatives[name]; !ok {
		return nil, fmt.Errorf("unknown derivative %q", name)
	}
	var chain []string
	for current := name; current != ""; current = i.Derivatives[current].Extends {
		chain = append(chain, current)
	}
	return chain, nil
}

// Validate parses every template in the set and checks that it only refers
// to the enumerated variables.
func (s *CommandSet) Validate(format string) error {
	for name, args := range map[string][]string{
		"build":   s.Build,
		"publish": s.Publish,
		"analyze": s.Analyze,
	} {
		for _, arg := range args {
			if err := checkTemplate(arg); err != nil {
				return fmt.Errorf("format %s: %s command: %w", format, name, err)
			}
		}
	}
	return nil
}

// checkTemplate parses one template argument and rejects unknown variables.
func checkTemplate(arg string) error {
	if _, err := template.New("arg").Parse(arg); err != nil {
		return fmt.Errorf("malformed template %q: %w", arg, err)
	}
	// template.Parse accepts any field name; enforce the enumerated set by
	// scanning for {{.Name}} actions.
	rest := arg
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			return nil
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			return fmt.Errorf("malformed template %q: unterminated action", arg)
		}
		action := strings.TrimSpace(rest[start+2 : start+end])
		if name, ok := strings.CutPrefix(action, "."); ok {
			if !commandVariables[name] {
				return fmt.Errorf("template %q refers to unknown variable %q", arg, name)
			}
		}
		rest = rest[start+end+2:]
	}
}

// InstanceStateDir returns the state directory of one instance.
func (c *KilnConfig) InstanceStateDir(instance string) string {
	return filepath.Join(c.StateRoot, instance)
}
