package runner

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpecValidate(t *testing.T) {
	t.Run("valid spec", func(t *testing.T) {
		spec := Spec{Image: "kiln/rpm-el8", Cmd: []string{"rpmbuild", "-ba", "hello.spec"}}
		assert.NoError(t, spec.Validate())
	})

	t.Run("missing image", func(t *testing.T) {
		spec := Spec{Cmd: []string{"true"}}
		err := spec.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "image")
	})

	t.Run("missing command", func(t *testing.T) {
		spec := Spec{Image: "kiln/rpm-el8"}
		err := spec.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "command")
	})
}

func TestContainerName(t *testing.T) {
	t.Run("sanitizes label", func(t *testing.T) {
		spec := Spec{Name: "prod/build 42"}
		name := spec.ContainerName()
		assert.True(t, strings.HasPrefix(name, "kiln-prod-build-42-"), "got %s", name)
		assert.NotContains(t, name, "/")
		assert.NotContains(t, name, " ")
	})

	t.Run("defaults empty label", func(t *testing.T) {
		spec := Spec{}
		assert.True(t, strings.HasPrefix(spec.ContainerName(), "kiln-task-"))
	})

	t.Run("unique per call", func(t *testing.T) {
		spec := Spec{Name: "build"}
		assert.NotEqual(t, spec.ContainerName(), spec.ContainerName())
	})
}
