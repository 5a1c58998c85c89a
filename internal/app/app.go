// Package app wires one active profile: its database, registry, backends,
// classifier, scheduler and attach coordinator. There is no process-wide
// current profile; whoever holds an *App holds the profile.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/agent-fleet/internal/attach"
	"github.com/asheshgoplani/agent-fleet/internal/backend"
	"github.com/asheshgoplani/agent-fleet/internal/config"
	"github.com/asheshgoplani/agent-fleet/internal/docker"
	"github.com/asheshgoplani/agent-fleet/internal/logging"
	"github.com/asheshgoplani/agent-fleet/internal/poller"
	"github.com/asheshgoplani/agent-fleet/internal/session"
	"github.com/asheshgoplani/agent-fleet/internal/statedb"
	"github.com/asheshgoplani/agent-fleet/internal/status"
	"github.com/asheshgoplani/agent-fleet/internal/tmux"
)

var appLog = logging.ForComponent(logging.CompSession)

// DefaultReloadInterval is how often the database is checked for writes
// made by other processes.
const DefaultReloadInterval = time.Second

// App is one opened profile.
type App struct {
	Profile     session.Profile
	DB          *statedb.StateDB
	Registry    *session.Registry
	Backends    backend.Set
	Classifier  *status.Classifier
	Coordinator *attach.Coordinator

	// Scheduler is nil when another process holds the profile's poller
	// lock, or when polling was not requested.
	Scheduler *poller.Scheduler

	cfgMu      sync.RWMutex
	cfg        *config.Config
	configPath string

	lock           *flock.Flock
	reloadInterval time.Duration
	closeOnce      sync.Once
}

type options struct {
	backends       backend.Set
	poll           bool
	configPath     string
	reloadInterval time.Duration
	display        attach.Display
}

// Option configures Open.
type Option func(*options)

// WithBackends replaces the tmux and docker backends, for tests.
func WithBackends(set backend.Set) Option {
	return func(o *options) { o.backends = set }
}

// WithPolling asks for the scheduler. It is only created when the poller
// lock can be taken.
func WithPolling(v bool) Option {
	return func(o *options) { o.poll = v }
}

// WithConfigPath makes Run watch the config file and apply changes.
func WithConfigPath(path string) Option {
	return func(o *options) { o.configPath = path }
}

// WithReloadInterval sets how often Run checks for outside writes.
func WithReloadInterval(d time.Duration) Option {
	return func(o *options) { o.reloadInterval = d }
}

// WithDisplay sets the display the coordinator suspends.
func WithDisplay(d attach.Display) Option {
	return func(o *options) { o.display = d }
}

// Open opens profile name. A database that cannot be opened or migrated is
// returned as an error; callers treat it as fatal.
func Open(name string, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	o := options{reloadInterval: DefaultReloadInterval}
	for _, fn := range opts {
		fn(&o)
	}

	p, err := session.GetProfile(name)
	if err != nil {
		return nil, err
	}
	if err := p.Ensure(); err != nil {
		return nil, err
	}
	db, err := statedb.Open(p.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open profile %q: %w", p.Name, err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("profile %q database is unusable: %w", p.Name, err)
	}

	a := &App{
		Profile:        p,
		DB:             db,
		cfg:            cfg,
		configPath:     o.configPath,
		reloadInterval: o.reloadInterval,
	}
	a.Backends = o.backends
	if a.Backends == nil {
		a.Backends = NewBackends(cfg)
	}
	a.Classifier = NewClassifier(cfg)

	defaultKind, err := backend.ParseKind(cfg.Backend.Default)
	if err != nil {
		appLog.Warn("bad_default_backend", slog.String("value", cfg.Backend.Default))
		defaultKind = backend.KindTmux
	}
	a.Registry, err = session.New(p, db, a.Backends,
		session.WithDefaultBackend(defaultKind),
		session.WithToolCommand(a.toolCommand),
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("profile %q: %w", p.Name, err)
	}

	if o.poll {
		lock, ok, err := session.TryLock(p)
		if err != nil {
			db.Close()
			return nil, err
		}
		if ok {
			a.lock = lock
			a.Scheduler = poller.New(a.Registry, a.Backends, a.Classifier, PollerConfig(cfg))
			a.Registry.SetRefresher(a.Scheduler)
		} else {
			appLog.Info("profile_read_only", slog.String("profile", p.Name))
		}
	}

	coordOpts := []attach.Option{attach.WithStartOnAttach(cfg.StartOnAttach())}
	if o.display != nil {
		coordOpts = append(coordOpts, attach.WithDisplay(o.display))
	}
	var pauser attach.Pauser
	if a.Scheduler != nil {
		pauser = a.Scheduler
	}
	a.Coordinator = attach.New(a.Registry, pauser, coordOpts...)
	a.Registry.SetAttacher(a.Coordinator)

	appLog.Info("profile_opened",
		slog.String("profile", p.Name),
		slog.Int("sessions", len(a.Registry.Sessions())),
		slog.Bool("polling", a.Scheduler != nil),
	)
	return a, nil
}

// NewBackends builds the tmux backend and the docker sandbox on top of it.
func NewBackends(cfg *config.Config) backend.Set {
	host := tmux.New(tmux.WithOptions(cfg.Tmux.Options))
	sandbox := docker.New(host, docker.Config{
		Image:        cfg.Sandbox.Image,
		CPULimit:     cfg.Sandbox.CPULimit,
		MemoryLimit:  cfg.Sandbox.MemoryLimit,
		Environment:  cfg.Sandbox.Environment,
		ExtraVolumes: cfg.Sandbox.ExtraVolumes,
	})
	return backend.Set{backend.KindTmux: host, backend.KindDocker: sandbox}
}

// NewClassifier builds a classifier with the user's pattern overrides.
func NewClassifier(cfg *config.Config) *status.Classifier {
	opts := []status.Option{status.WithTailLines(cfg.Poller.TailLines)}
	for _, t := range status.KnownTools {
		opts = append(opts, status.WithPatterns(t, cfg.ToolPatterns(t)))
	}
	return status.New(opts...)
}

// PollerConfig maps the [poller] section.
func PollerConfig(cfg *config.Config) poller.Config {
	pc := poller.DefaultConfig()
	pc.Interval = cfg.Poller.Interval.Duration
	pc.CaptureTimeout = cfg.Poller.CaptureTimeout.Duration
	pc.MaxBackoff = cfg.Poller.MaxBackoff.Duration
	pc.DebounceCycles = cfg.Poller.DebounceCycles
	pc.Concurrency = cfg.Poller.Concurrency
	return pc
}

// Config returns the config currently in effect.
func (a *App) Config() *config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

func (a *App) toolCommand(t status.Tool) string {
	return a.Config().ToolCommand(t)
}

// ReadOnly reports whether another process polls this profile.
func (a *App) ReadOnly() bool { return a.Scheduler == nil }

// ApplyConfig swaps in a reloaded config: classifier patterns, tail window
// and poll interval change at runtime. Backend settings apply to sessions
// created afterwards only when the process restarts.
func (a *App) ApplyConfig(cfg *config.Config) {
	a.cfgMu.Lock()
	a.cfg = cfg
	a.cfgMu.Unlock()

	a.Classifier.SetTailLines(cfg.Poller.TailLines)
	for _, t := range status.KnownTools {
		a.Classifier.SetPatterns(t, cfg.ToolPatterns(t))
	}
	if a.Scheduler != nil {
		a.Scheduler.SetConfig(PollerConfig(cfg))
	}
	appLog.Info("config_applied", slog.Duration("interval", cfg.Poller.Interval.Duration))
}

// Run drives the background work until ctx ends: the scheduler when this
// process polls, a reload loop picking up writes from other processes, and
// the config watcher when a path was given.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.Scheduler != nil {
		g.Go(func() error { return a.Scheduler.Run(ctx) })
	}
	g.Go(func() error { return a.followDatabase(ctx) })

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, 0, a.ApplyConfig)
		if err != nil {
			appLog.Warn("config_watch_failed", slog.String("error", err.Error()))
		} else {
			g.Go(func() error {
				w.Run(ctx)
				return nil
			})
		}
	}
	return g.Wait()
}

// followDatabase reloads the registry whenever another process moves the
// change marker. Markers this process wrote are skipped.
func (a *App) followDatabase(ctx context.Context) error {
	last, _ := a.DB.LastModified()
	ticker := time.NewTicker(a.reloadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			mod, foreign, err := a.DB.ForeignChange(last)
			if err != nil {
				logging.Aggregate(logging.CompStorage, "last_modified_failed")
				continue
			}
			last = mod
			if !foreign {
				continue
			}
			if err := a.Registry.Reload(); err != nil {
				appLog.Warn("reload_failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Close releases the database and the poller lock. Cancel Run's context
// and wait for it first.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		err = a.DB.Close()
		if a.lock != nil {
			_ = a.lock.Unlock()
		}
	})
	return err
}
