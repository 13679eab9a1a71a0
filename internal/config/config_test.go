package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kiln.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const minimalConfig = `
version: "1.0"
state_root: /var/lib/kiln
instances:
  prod:
    name: Production
    gpg_name: Kiln
    gpg_email: kiln@example.com
    distributions:
      el8:
        format: rpm
        environment: rocky-8
        tag: el8
`

func TestLoad(t *testing.T) {
	t.Run("minimal config with defaults", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, minimalConfig))
		require.NoError(t, err)

		assert.Equal(t, "localhost:6379", cfg.Redis.Addr)

		instance := cfg.Instances["prod"]
		require.NotNil(t, instance)
		assert.Equal(t, []string{"x86_64"}, instance.Distributions["el8"].Architectures)

		// main derivative is implicit
		_, ok := instance.Derivatives["main"]
		assert.True(t, ok)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load("/nonexistent/kiln.yml")
		assert.Error(t, err)
	})

	t.Run("rejects unsupported version", func(t *testing.T) {
		_, err := Load(writeConfig(t, `
version: "2.0"
state_root: /var/lib/kiln
instances:
  prod:
    name: Production
    distributions:
      el8: {format: rpm, environment: rocky-8, tag: el8}
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported version")
	})

	t.Run("rejects unknown format", func(t *testing.T) {
		_, err := Load(writeConfig(t, `
version: "1.0"
state_root: /var/lib/kiln
instances:
  prod:
    name: Production
    distributions:
      el8: {format: snap, environment: rocky-8, tag: el8}
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown format")
	})

	t.Run("rejects missing instances", func(t *testing.T) {
		_, err := Load(writeConfig(t, `
version: "1.0"
state_root: /var/lib/kiln
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no instances")
	})
}

func TestDerivatives(t *testing.T) {
	t.Run("extends defaults to main", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, minimalConfig+`
    derivatives:
      backports: {}
`))
		require.NoError(t, err)
		assert.Equal(t, "main", cfg.Instances["prod"].Derivatives["backports"].Extends)
	})

	t.Run("rejects unknown parent", func(t *testing.T) {
		_, err := Load(writeConfig(t, minimalConfig+`
    derivatives:
      backports:
        extends: nosuch
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown derivative")
	})

	t.Run("rejects cycle", func(t *testing.T) {
		_, err := Load(writeConfig(t, minimalConfig+`
    derivatives:
      a:
        extends: b
      b:
        extends: a
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cycle")
	})

	t.Run("chain walks to the root", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, minimalConfig+`
    derivatives:
      lts:
        extends: main
      lts-hotfix:
        extends: lts
`))
		require.NoError(t, err)

		chain, err := cfg.Instances["prod"].DerivativeChain("lts-hotfix")
		require.NoError(t, err)
		assert.Equal(t, []string{"lts-hotfix", "lts", "main"}, chain)

		_, err = cfg.Instances["prod"].DerivativeChain("nosuch")
		assert.Error(t, err)
	})
}

func TestCommandTemplates(t *testing.T) {
	t.Run("valid templates load", func(t *testing.T) {
		_, err := Load(writeConfig(t, minimalConfig+`
commands:
  rpm:
    build: ["mock", "--root", "{{.Environment}}", "--resultdir", "{{.Workspace}}"]
    publish: ["createrepo_c", "{{.Registry}}"]
`))
		assert.NoError(t, err)
	})

	t.Run("unknown variable fails at load", func(t *testing.T) {
		_, err := Load(writeConfig(t, minimalConfig+`
commands:
  rpm:
    build: ["mock", "--root", "{{.Chroot}}"]
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown variable")
	})

	t.Run("unknown format fails at load", func(t *testing.T) {
		_, err := Load(writeConfig(t, minimalConfig+`
commands:
  flatpak:
    build: ["x"]
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown format")
	})
}
