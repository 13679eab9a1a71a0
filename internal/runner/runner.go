package runner

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"github.com/kilnproject/kiln/pkg/taskboard"
)

// Runner executes build environment commands in ephemeral containers.
// Each Run creates a fresh container from the environment image, streams
// its combined output to the caller, waits for exit, and removes it.
type Runner struct {
	cli *client.Client
}

// NewRunner creates a Docker client and validates the daemon is accessible.
func NewRunner(ctx context.Context) (*Runner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("Docker daemon not accessible: %w", err)
	}

	return &Runner{cli: cli}, nil
}

// Close releases the underlying Docker client.
func (r *Runner) Close() error {
	return r.cli.Close()
}

// Spec describes one containerised command execution.
type Spec struct {
	// Image is the build environment image. It must already be present on
	// the host; the runner never pulls.
	Image string

	// Cmd is the full command line to execute.
	Cmd []string

	// Env holds additional KEY=value environment entries.
	Env []string

	// Binds are host:container[:mode] bind mounts, typically the task
	// workspace and the registry root.
	Binds []string

	// WorkDir sets the working directory inside the container.
	WorkDir string

	// Name is a label for container naming and log prefixes, usually
	// "<instance>-<task short id>".
	Name string

	// Container fixes the container name; empty picks a generated unique
	// name.
	Container string

	// KeepOnFailure leaves the container in place when the command exits
	// non-zero, so a failed interactive build environment stays
	// inspectable. The caller removes it with Remove once done.
	KeepOnFailure bool
}

// Validate checks that the spec carries enough to create a container.
func (s *Spec) Validate() error {
	if s.Image == "" {
		return fmt.Errorf("image is required")
	}
	if len(s.Cmd) == 0 {
		return fmt.Errorf("command is required")
	}
	return nil
}

// ContainerName builds a container name from the spec label, suffixed
// with a random fragment so repeated executions never collide.
func (s *Spec) ContainerName() string {
	label := s.Name
	if label == "" {
		label = "task"
	}
	suffix := uuid.New().String()[:8]
	return fmt.Sprintf("kiln-%s-%s", sanitizeName(label), suffix)
}

// sanitizeName maps a label onto Docker's allowed container name
// alphabet, replacing anything else with a dash.
func sanitizeName(label string) string {
	var b strings.Builder
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

// Run executes the spec to completion, streaming combined stdout/stderr
// to output. A missing environment image yields an environment_missing
// task error; a non-zero exit yields tool_failure carrying the exit code.
func (r *Runner) Run(ctx context.Context, spec Spec, output io.Writer) error {
	if err := spec.Validate(); err != nil {
		return taskboard.WrapTaskError(taskboard.ErrBadRequest, err, "invalid execution spec")
	}

	if _, _, err := r.cli.ImageInspectWithRaw(ctx, spec.Image); err != nil {
		if client.IsErrNotFound(err) {
			return taskboard.NewTaskError(taskboard.ErrEnvironmentMissing,
				"build environment image %s is not available", spec.Image)
		}
		return fmt.Errorf("failed to inspect image %s: %w", spec.Image, err)
	}

	containerName := spec.Container
	if containerName == "" {
		containerName = spec.ContainerName()
	}

	resp, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		Env:        spec.Env,
		WorkingDir: spec.WorkDir,
		Labels: map[string]string{
			"kiln.task": spec.Name,
		},
	}, &container.HostConfig{
		Binds: spec.Binds,
	}, nil, nil, containerName)
	if err != nil {
		return fmt.Errorf("failed to create container %s: %w", containerName, err)
	}

	keep := false
	defer func() {
		if keep {
			log.Printf("[Runner] Keeping failed container %s for inspection", containerName)
			return
		}
		if err := r.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true}); err != nil {
			log.Printf("[Runner] Failed to remove container %s: %v", containerName, err)
		}
	}()

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", containerName, err)
	}

	logs, err := r.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return fmt.Errorf("failed to attach to container logs: %w", err)
	}

	copyDone := make(chan error, 1)
	go func() {
		defer logs.Close()
		_, err := stdcopy.StdCopy(output, output, logs)
		copyDone <- err
	}()

	statusCh, errCh := r.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)

	var exitCode int64
	select {
	case err := <-errCh:
		return fmt.Errorf("failed waiting for container %s: %w", containerName, err)
	case status := <-statusCh:
		exitCode = status.StatusCode
	}

	// Drain remaining output before judging the exit code so the journal
	// holds the full transcript.
	if err := <-copyDone; err != nil && err != io.EOF {
		log.Printf("[Runner] Log stream for %s ended with error: %v", containerName, err)
	}

	if exitCode != 0 {
		keep = spec.KeepOnFailure
		return taskboard.NewTaskError(taskboard.ErrToolFailure,
			"command %s exited with code %d", strings.Join(spec.Cmd, " "), exitCode)
	}

	return nil
}

// Remove force-removes a container kept after a failed execution. A
// container already gone is not an error.
func (r *Runner) Remove(ctx context.Context, name string) error {
	err := r.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	return nil
}
