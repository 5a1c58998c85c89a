// Package docker runs sessions inside per-session sandbox containers. The
// agent process itself lives in a host tmux session that runs
// "docker exec -it <container> <command>", so capture, keys and attach go
// through tmux unchanged.
//
// The Docker socket is never mounted into containers.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"os/exec"
	"slices"
	"strings"

	"github.com/asheshgoplani/agent-fleet/internal/logging"
)

var dockerLog = logging.ForComponent(logging.CompDocker)

// Runner executes a docker subcommand and returns combined output.
type Runner func(ctx context.Context, args ...string) ([]byte, error)

func execRunner(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// ContainerName is the sandbox container for a session handle.
func ContainerName(handle string) string {
	return ContainerPrefix + handle
}

// IsManagedContainer reports whether name carries the managed prefix.
func IsManagedContainer(name string) bool {
	return strings.HasPrefix(name, ContainerPrefix)
}

// Container is one sandbox container.
type Container struct {
	name  string
	image string
	run   Runner
}

// NewContainer returns a handle for name. An empty image means DefaultImage.
func NewContainer(name, image string, run Runner) *Container {
	if image == "" {
		image = DefaultImage
	}
	if run == nil {
		run = execRunner
	}
	return &Container{name: name, image: image, run: run}
}

func (c *Container) Name() string { return c.name }

// Exists reports whether the container exists in any state. A non-zero
// exit from docker inspect means it does not.
func (c *Container) Exists(ctx context.Context) (bool, error) {
	out, err := c.run(ctx, "inspect", "--format", "{{.State.Status}}", c.name)
	if err != nil {
		if isExitError(err) || isNoSuchContainer(string(out)) {
			return false, nil
		}
		return false, fmt.Errorf("inspecting container %s: %s: %w", c.name, strings.TrimSpace(string(out)), err)
	}
	return true, nil
}

// Create creates the container without starting it. An existing container
// is reused.
func (c *Container) Create(ctx context.Context, cfg *ContainerConfig) error {
	if cfg == nil {
		return fmt.Errorf("cannot create container %s: nil config", c.name)
	}
	out, err := c.run(ctx, cfg.createArgs(c.name, c.image)...)
	if err != nil {
		if exists, existsErr := c.Exists(ctx); existsErr == nil && exists {
			return nil
		}
		return fmt.Errorf("creating container %s: %s: %w", c.name, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// Start starts the container; starting a running container is a no-op.
func (c *Container) Start(ctx context.Context) error {
	out, err := c.run(ctx, "start", c.name)
	if err != nil {
		return fmt.Errorf("starting container %s: %s: %w", c.name, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// Stop stops the container. A missing container is not an error.
func (c *Container) Stop(ctx context.Context) error {
	out, err := c.run(ctx, "stop", c.name)
	if err != nil {
		if isNoSuchContainer(string(out)) {
			return nil
		}
		return fmt.Errorf("stopping container %s: %s: %w", c.name, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// Remove deletes the container and its anonymous volumes.
func (c *Container) Remove(ctx context.Context, force bool) error {
	args := []string{"rm", "-v"}
	if force {
		args = append(args, "-f")
	}
	out, err := c.run(ctx, append(args, c.name)...)
	if err != nil {
		if isNoSuchContainer(string(out)) {
			return nil
		}
		return fmt.Errorf("removing container %s: %s: %w", c.name, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// ExecPrefix is the argv prefix that runs a command in the container.
func (c *Container) ExecPrefix(env map[string]string) []string {
	args := []string{"docker", "exec", "-it"}
	for _, k := range slices.Sorted(maps.Keys(env)) {
		args = append(args, "-e", k+"="+env[k])
	}
	return append(args, c.name)
}

// ShellJoinArgs joins args into one shell-safe string.
func ShellJoinArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, arg := range args {
		quoted[i] = shellQuoteArg(arg)
	}
	return strings.Join(quoted, " ")
}

func shellQuoteArg(arg string) string {
	if arg == "" {
		return "''"
	}
	safe := true
	for _, c := range arg {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') ||
			c == '-' || c == '_' || c == '.' || c == '/' || c == '=' || c == ':' || c == ',') {
			safe = false
			break
		}
	}
	if safe {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, `'`, `'"'"'`) + "'"
}

// EnsureImage pulls image unless it is present locally.
func EnsureImage(ctx context.Context, run Runner, image string) error {
	if _, err := run(ctx, "image", "inspect", image); err == nil {
		return nil
	}
	dockerLog.Info("image_pull", "image", image)
	out, err := run(ctx, "pull", image)
	if err != nil {
		return fmt.Errorf("pulling image %s: %s: %w", image, strings.TrimSpace(string(out)), err)
	}
	return nil
}

func isNoSuchContainer(out string) bool {
	return strings.Contains(strings.ToLower(out), "no such container")
}

func isExitError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}
