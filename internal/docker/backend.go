package docker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/asheshgoplani/agent-fleet/internal/backend"
	"github.com/asheshgoplani/agent-fleet/internal/errdefs"
)

// Config is the sandbox section of the user config.
type Config struct {
	Image        string
	CPULimit     string
	MemoryLimit  string
	Environment  map[string]string
	ExtraVolumes map[string]string
}

// Backend implements backend.Backend with one container per session,
// wrapping a host tmux backend.
type Backend struct {
	host   backend.Backend
	run    Runner
	cfg    Config
	health *healthCache
}

// Option configures a Backend.
type Option func(*Backend)

// WithRunner replaces the docker executor.
func WithRunner(r Runner) Option { return func(b *Backend) { b.run = r } }

// WithClock replaces time.Now for the health cache.
func WithClock(now func() time.Time) Option { return func(b *Backend) { b.health.now = now } }

// New wraps host, which must be a tmux backend or equivalent.
func New(host backend.Backend, cfg Config, opts ...Option) *Backend {
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	b := &Backend{host: host, run: execRunner, cfg: cfg, health: &healthCache{now: time.Now}}
	for _, o := range opts {
		o(b)
	}
	b.health.run = b.run
	return b
}

func (b *Backend) Kind() backend.Kind { return backend.KindDocker }

func (b *Backend) container(handle string) *Container {
	return NewContainer(ContainerName(handle), b.cfg.Image, b.run)
}

// Create starts (or reuses) the session container and a host tmux session
// that execs the command inside it.
func (b *Backend) Create(ctx context.Context, handle, command, workDir string) error {
	if err := CheckAvailability(ctx, b.run); err != nil {
		return err
	}
	if exists, err := b.host.Exists(ctx, handle); err == nil && exists {
		return fmt.Errorf("sandbox session %s: %w", handle, errdefs.ErrAlreadyExists)
	}
	if err := EnsureImage(ctx, b.run, b.cfg.Image); err != nil {
		return err
	}

	c := b.container(handle)
	cfg := NewContainerConfig(workDir,
		WithCPULimit(b.cfg.CPULimit),
		WithMemoryLimit(b.cfg.MemoryLimit),
		WithEnvironment(b.cfg.Environment),
		WithExtraVolumes(b.cfg.ExtraVolumes),
	)
	if err := c.Create(ctx, cfg); err != nil {
		return err
	}
	if err := c.Start(ctx); err != nil {
		return err
	}
	b.health.invalidate()

	execCmd := ShellJoinArgs(c.ExecPrefix(map[string]string{"TERM": "xterm-256color"}))
	if command != "" {
		execCmd += " " + command
	} else {
		execCmd += " sh"
	}
	if err := b.host.Create(ctx, handle, execCmd, workDir); err != nil {
		_ = c.Stop(ctx)
		return err
	}
	dockerLog.Info("sandbox_created", slog.String("session", handle), slog.String("container", c.Name()))
	return nil
}

// Exists requires both the host session and a running container.
func (b *Backend) Exists(ctx context.Context, handle string) (bool, error) {
	ok, err := b.host.Exists(ctx, handle)
	if err != nil || !ok {
		return false, err
	}
	running, known := b.health.running(ctx, ContainerName(handle))
	if !known {
		return true, nil
	}
	return running, nil
}

// List filters the host sessions down to those whose container runs. When
// docker cannot be queried the host view is returned unfiltered, so a
// docker failure never hides every sandbox at once.
func (b *Backend) List(ctx context.Context) (map[string]struct{}, error) {
	hosts, err := b.host.List(ctx)
	if err != nil {
		return nil, err
	}
	states, err := b.health.snapshot(ctx)
	if err != nil {
		dockerLog.Warn("health_check_failed", slog.String("error", err.Error()))
		return hosts, nil
	}
	out := make(map[string]struct{}, len(hosts))
	for h := range hosts {
		if states[ContainerName(h)] == "running" {
			out[h] = struct{}{}
		}
	}
	return out, nil
}

func (b *Backend) Capture(ctx context.Context, handle string, maxLines int) (string, error) {
	return b.host.Capture(ctx, handle, maxLines)
}

func (b *Backend) SendKeys(ctx context.Context, handle, keys string) error {
	return b.host.SendKeys(ctx, handle, keys)
}

// Kill ends the host session and stops the container, keeping it for a
// later restart.
func (b *Backend) Kill(ctx context.Context, handle string) error {
	hostErr := b.host.Kill(ctx, handle)
	stopErr := b.container(handle).Stop(ctx)
	b.health.invalidate()
	if hostErr != nil {
		return hostErr
	}
	return stopErr
}

func (b *Backend) Attach(ctx context.Context, handle string) error {
	return b.host.Attach(ctx, handle)
}

// Destroy force-removes the session container.
func (b *Backend) Destroy(ctx context.Context, handle string) error {
	err := b.container(handle).Remove(ctx, true)
	b.health.invalidate()
	return err
}

var (
	_ backend.Backend   = (*Backend)(nil)
	_ backend.Destroyer = (*Backend)(nil)
)
