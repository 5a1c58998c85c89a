// Package attach hands the real terminal to a session and takes it back.
package attach

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/asheshgoplani/agent-fleet/internal/backend"
	"github.com/asheshgoplani/agent-fleet/internal/errdefs"
	"github.com/asheshgoplani/agent-fleet/internal/logging"
	"github.com/asheshgoplani/agent-fleet/internal/session"
	"github.com/asheshgoplani/agent-fleet/internal/status"
)

var attachLog = logging.ForComponent(logging.CompAttach)

// Display is the orchestrator's own rendering, which must let go of the
// terminal for the duration of an attach.
type Display interface {
	Suspend() error
	Resume() error
}

// NopDisplay is used when nothing else draws on the terminal, as in the
// CLI or when bubbletea's tea.Exec already released it.
type NopDisplay struct{}

func (NopDisplay) Suspend() error { return nil }
func (NopDisplay) Resume() error  { return nil }

// Pauser is the scheduler's pause/resume channel pair.
type Pauser interface {
	Pause(ctx context.Context, id string) error
	Resume(id string)
}

// Registry is the part of the session registry the coordinator needs.
type Registry interface {
	Backend(id string) (session.Session, backend.Backend, error)
	Start(ctx context.Context, id string) error
	BeginAttach(id string) (session.Session, error)
	EndAttach(id string)
}

// DefaultPauseTimeout bounds the wait for the scheduler's acknowledgement.
const DefaultPauseTimeout = 5 * time.Second

// Coordinator runs attaches one session at a time per id.
type Coordinator struct {
	reg           Registry
	pauser        Pauser
	display       Display
	startOnAttach bool
	pauseTimeout  time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithDisplay sets the display to suspend. Defaults to NopDisplay.
func WithDisplay(d Display) Option {
	return func(c *Coordinator) { c.display = d }
}

// WithStartOnAttach controls whether attaching to a stopped session starts
// it. Default true.
func WithStartOnAttach(v bool) Option {
	return func(c *Coordinator) { c.startOnAttach = v }
}

// WithPauseTimeout bounds the pause handshake.
func WithPauseTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.pauseTimeout = d }
}

// New returns a coordinator. pauser may be nil when this process does not
// poll (another process holds the profile lock).
func New(reg Registry, pauser Pauser, opts ...Option) *Coordinator {
	c := &Coordinator{
		reg:           reg,
		pauser:        pauser,
		display:       NopDisplay{},
		startOnAttach: true,
		pauseTimeout:  DefaultPauseTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Attach blocks until the user detaches or the session's process exits.
// On every exit path, panics included, the display is resumed, the attach
// mark cleared and one immediate status refresh requested.
func (c *Coordinator) Attach(ctx context.Context, id string) (err error) {
	sess, b, err := c.reg.Backend(id)
	if err != nil {
		return err
	}
	if sess.Attached {
		return fmt.Errorf("session %s is already attached: %w", sess.Title, errdefs.ErrInvalidState)
	}

	alive, err := b.Exists(ctx, sess.Handle)
	if err != nil {
		return fmt.Errorf("check %s: %w", sess.Title, err)
	}
	if !alive {
		if !c.startOnAttach {
			return fmt.Errorf("session %s is %s: %w", sess.Title, status.Stopped, errdefs.ErrInvalidState)
		}
		attachLog.Info("attach_starting_session", slog.String("session", id))
		if err := c.reg.Start(ctx, id); err != nil {
			return err
		}
	}

	if _, err := c.reg.BeginAttach(id); err != nil {
		return err
	}

	suspended := false
	defer func() {
		if suspended {
			if rerr := c.display.Resume(); rerr != nil {
				attachLog.Warn("display_resume_failed", slog.String("error", rerr.Error()))
				if err == nil {
					err = rerr
				}
			}
		}
		c.reg.EndAttach(id)
		if c.pauser != nil {
			c.pauser.Resume(id)
		}
		attachLog.Info("attach_ended", slog.String("session", id))
	}()

	if c.pauser != nil {
		pctx, cancel := context.WithTimeout(ctx, c.pauseTimeout)
		perr := c.pauser.Pause(pctx, id)
		cancel()
		if perr != nil {
			// Attach still works; the poller reading the same pane is harmless.
			attachLog.Warn("pause_failed", slog.String("session", id), slog.String("error", perr.Error()))
		}
	}

	if err := c.display.Suspend(); err != nil {
		return fmt.Errorf("suspend display: %w", err)
	}
	suspended = true

	attachLog.Info("attach_started", slog.String("session", id), slog.String("handle", sess.Handle))
	if err := b.Attach(ctx, sess.Handle); err != nil {
		return fmt.Errorf("attach %s: %w", sess.Title, err)
	}
	return nil
}
