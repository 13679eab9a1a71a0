// Package version computes the full package version of a build and resolves
// release-number collisions against the registry. A build of an already
// published (artifact, version, release) never overwrites: the release is
// bumped deterministically until a free slot is found.
package version

import (
	"fmt"

	"github.com/kilnproject/kiln/internal/registry"
	"github.com/kilnproject/kiln/pkg/taskboard"
)

// maxAttempts bounds the release increment loop. Exhausting it is a fatal
// VersionConflict, never a silent infinite loop.
const maxAttempts = 1000

// Resolver queries the registry for occupied version slots.
type Resolver struct {
	Registry *registry.Manager

	// Budget overrides the bump attempt limit when positive.
	Budget int
}

// Full renders the complete version string of one format.
// rpm uses "<version>-<release>.<tag>", deb "<version>-<release><tag>" and
// osi the upstream version alone.
func Full(format, version string, release int, tag string) string {
	switch format {
	case "rpm":
		return fmt.Sprintf("%s-%d.%s", version, release, tag)
	case "deb":
		return fmt.Sprintf("%s-%d%s", version, release, tag)
	default:
		return version
	}
}

// Resolve returns the first free full version at or above the declared
// release. The returned release is the one actually used.
func (r *Resolver) Resolve(format, distribution, derivative, architecture, name, version string, release int, tag string) (string, int, error) {
	if format == "osi" {
		// Images carry the upstream version only; a rebuild replaces nothing
		// because image names embed the build timestamp downstream
		return version, 0, nil
	}
	if release < 1 {
		release = 1
	}

	budget := r.Budget
	if budget <= 0 {
		budget = maxAttempts
	}

	for attempt := 0; attempt < budget; attempt++ {
		candidate := Full(format, version, release, tag)
		exists, err := r.Registry.Exists(format, distribution, derivative, architecture, name, candidate)
		if err != nil {
			return "", 0, err
		}
		if !exists {
			return candidate, release, nil
		}
		release++
	}
	return "", 0, taskboard.NewTaskError(taskboard.ErrVersionConflict,
		"no free release slot for %s %s in %s/%s/%s after %d attempts",
		name, version, format, distribution, derivative, budget)
}
