// Package poller keeps session statuses fresh: it captures every live
// session's pane on a fixed cadence, classifies the text and writes the
// results back to the registry in one batch.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/asheshgoplani/agent-fleet/internal/backend"
	"github.com/asheshgoplani/agent-fleet/internal/errdefs"
	"github.com/asheshgoplani/agent-fleet/internal/logging"
	"github.com/asheshgoplani/agent-fleet/internal/session"
	"github.com/asheshgoplani/agent-fleet/internal/status"
)

var pollLog = logging.ForComponent(logging.CompPoller)

// Registry is the part of the session registry the scheduler uses.
type Registry interface {
	Live() []session.Session
	ApplyStatuses(updates []session.StatusUpdate) ([]session.Transition, error)
}

// Config tunes the scheduler. Zero fields take the defaults, except
// DebounceCycles where zero turns debouncing off.
type Config struct {
	Interval       time.Duration
	CaptureTimeout time.Duration
	MaxBackoff     time.Duration
	DebounceCycles int
	Concurrency    int

	// RefreshRate and RefreshBurst bound out-of-cycle refreshes.
	RefreshRate  rate.Limit
	RefreshBurst int
}

// DefaultConfig matches the [poller] defaults of the user config.
func DefaultConfig() Config {
	return Config{
		Interval:       2 * time.Second,
		CaptureTimeout: 3 * time.Second,
		MaxBackoff:     30 * time.Second,
		DebounceCycles: 1,
		Concurrency:    8,
		RefreshRate:    rate.Every(100 * time.Millisecond),
		RefreshBurst:   5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.CaptureTimeout <= 0 {
		c.CaptureTimeout = d.CaptureTimeout
	}
	if c.MaxBackoff < c.Interval {
		c.MaxBackoff = c.Interval
	}
	if c.DebounceCycles < 0 {
		c.DebounceCycles = 0
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.RefreshRate <= 0 {
		c.RefreshRate = d.RefreshRate
	}
	if c.RefreshBurst <= 0 {
		c.RefreshBurst = d.RefreshBurst
	}
	return c
}

// Health describes the most recent full cycle.
type Health struct {
	LastCycle time.Time
	Duration  time.Duration
	Polled    int

	// Unavailable maps a backend kind to the error that made it
	// unreachable. Empty when every backend answered.
	Unavailable map[backend.Kind]string

	// Backoff is the extra delay before the next cycle; zero when healthy.
	Backoff time.Duration
}

// Degraded reports whether any backend was unreachable.
func (h Health) Degraded() bool { return len(h.Unavailable) > 0 }

type pauseReq struct {
	id  string
	ack chan struct{}
}

type pending struct {
	state status.State
	count int
}

// Scheduler is the polling loop. Run owns all of its mutable state; every
// other method talks to Run over channels.
type Scheduler struct {
	reg        Registry
	backends   backend.Set
	classifier *status.Classifier
	now        func() time.Time

	cfgMu   sync.RWMutex
	cfg     Config
	limiter *rate.Limiter

	pauseCh   chan pauseReq
	resumeCh  chan string
	refreshCh chan string
	reconfig  chan struct{}
	done      chan struct{}
	running   atomic.Bool

	health atomic.Pointer[Health]

	// Owned by Run.
	paused  map[string]bool
	memory  map[string]*pending
	backoff time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now for captured-at timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New builds a scheduler. Call Run to start it.
func New(reg Registry, backends backend.Set, classifier *status.Classifier, cfg Config, opts ...Option) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		reg:        reg,
		backends:   backends,
		classifier: classifier,
		now:        time.Now,
		cfg:        cfg,
		limiter:    rate.NewLimiter(cfg.RefreshRate, cfg.RefreshBurst),
		pauseCh:    make(chan pauseReq),
		resumeCh:   make(chan string, 16),
		refreshCh:  make(chan string, 64),
		reconfig:   make(chan struct{}, 1),
		done:       make(chan struct{}),
		paused:     make(map[string]bool),
		memory:     make(map[string]*pending),
	}
	for _, o := range opts {
		o(s)
	}
	s.health.Store(&Health{})
	return s
}

func (s *Scheduler) config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// SetConfig applies new settings; a changed interval takes effect
// immediately.
func (s *Scheduler) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfgMu.Lock()
	s.cfg = cfg
	s.limiter.SetLimit(cfg.RefreshRate)
	s.limiter.SetBurst(cfg.RefreshBurst)
	s.cfgMu.Unlock()
	select {
	case s.reconfig <- struct{}{}:
	default:
	}
}

// Health returns a copy of the last full cycle's health.
func (s *Scheduler) Health() Health {
	h := *s.health.Load()
	if h.Unavailable != nil {
		m := make(map[backend.Kind]string, len(h.Unavailable))
		for k, v := range h.Unavailable {
			m[k] = v
		}
		h.Unavailable = m
	}
	return h
}

// Run polls until ctx is cancelled. In-flight captures are abandoned, not
// awaited beyond their own cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scheduler already running")
	}
	defer close(s.done)

	pollLog.Info("scheduler_started", slog.Duration("interval", s.config().Interval))
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			pollLog.Info("scheduler_stopped")
			return nil

		case <-timer.C:
			s.safeCycle(ctx, cycleOpts{full: true})
			timer.Reset(s.nextDelay())

		case <-s.reconfig:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.nextDelay())

		case req := <-s.pauseCh:
			s.paused[req.id] = true
			delete(s.memory, req.id)
			close(req.ack)

		case id := <-s.resumeCh:
			delete(s.paused, id)
			s.safeCycle(ctx, cycleOpts{only: id, forced: true})

		case id := <-s.refreshCh:
			if !s.paused[id] {
				s.safeCycle(ctx, cycleOpts{only: id})
			}
		}
	}
}

func (s *Scheduler) nextDelay() time.Duration {
	if s.backoff > 0 {
		return s.backoff
	}
	return s.config().Interval
}

// Pause stops polling one session and returns once the loop has
// acknowledged, so no capture for id starts after Pause returns.
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	req := pauseReq{id: id, ack: make(chan struct{})}
	select {
	case s.pauseCh <- req:
	case <-s.done:
		return errdefs.ErrUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.ack:
		return nil
	case <-s.done:
		return errdefs.ErrUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume unpauses id and polls it immediately.
func (s *Scheduler) Resume(id string) {
	select {
	case s.resumeCh <- id:
	case <-s.done:
	}
}

// Refresh asks for an out-of-cycle poll of id. Requests beyond the rate
// limit are dropped; the next cycle covers them.
func (s *Scheduler) Refresh(id string) {
	if !s.limiter.Allow() {
		logging.Aggregate(logging.CompPoller, "refresh_rate_limited")
		return
	}
	select {
	case s.refreshCh <- id:
	default:
		logging.Aggregate(logging.CompPoller, "refresh_queue_full")
	}
}

type cycleOpts struct {
	full   bool
	only   string
	forced bool
}

func (s *Scheduler) safeCycle(ctx context.Context, opts cycleOpts) {
	defer func() {
		if r := recover(); r != nil {
			pollLog.Error("cycle_panic", slog.Any("panic", r))
		}
	}()
	s.cycle(ctx, opts)
}

type result struct {
	sess      session.Session
	state     status.State
	polledAt  time.Time
	immediate bool
	skip      bool
}

// cycle runs one poll over the live set, or over a single session when
// opts.only is set.
func (s *Scheduler) cycle(ctx context.Context, opts cycleOpts) {
	cfg := s.config()
	start := s.now()

	var targets []session.Session
	live := make(map[string]bool)
	for _, sess := range s.reg.Live() {
		live[sess.ID] = true
		if opts.only != "" && sess.ID != opts.only {
			continue
		}
		if s.paused[sess.ID] || sess.Attached {
			continue
		}
		targets = append(targets, sess)
	}
	if opts.full {
		for id := range s.memory {
			if !live[id] {
				delete(s.memory, id)
			}
		}
	}
	if len(targets) == 0 {
		if opts.full {
			s.finishFull(start, 0, nil)
		}
		return
	}

	// One List per backend kind in use.
	listed := make(map[backend.Kind]map[string]struct{})
	unavailable := make(map[backend.Kind]string)
	for _, sess := range targets {
		kind := sess.Backend
		if _, done := listed[kind]; done {
			continue
		}
		if _, down := unavailable[kind]; down {
			continue
		}
		b, err := s.backends.Get(kind)
		if err == nil {
			var handles map[string]struct{}
			handles, err = b.List(ctx)
			if err == nil {
				listed[kind] = handles
				continue
			}
		}
		if ctx.Err() != nil {
			return
		}
		unavailable[kind] = err.Error()
		pollLog.Warn("backend_unavailable", slog.String("backend", string(kind)), slog.String("error", err.Error()))
	}

	results := make([]result, len(targets))
	g := new(errgroup.Group)
	g.SetLimit(cfg.Concurrency)
	tail := s.classifier.TailLines()

	for i, sess := range targets {
		results[i].sess = sess
		if _, down := unavailable[sess.Backend]; down {
			results[i].state = status.Unknown
			results[i].immediate = true
			continue
		}
		if _, ok := listed[sess.Backend][sess.Handle]; !ok {
			results[i].state = status.Stopped
			results[i].polledAt = s.now()
			results[i].immediate = true
			continue
		}
		b, _ := s.backends.Get(sess.Backend)
		g.Go(func() error {
			results[i] = s.poll(ctx, b, sess, tail, cfg.CaptureTimeout)
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return
	}

	updates := make([]session.StatusUpdate, 0, len(results))
	for _, r := range results {
		if r.skip {
			continue
		}
		state := r.state
		if !opts.forced {
			state = s.debounce(r.sess.ID, r.sess.Status, r.state, r.immediate, cfg.DebounceCycles)
		} else {
			delete(s.memory, r.sess.ID)
		}
		updates = append(updates, session.StatusUpdate{ID: r.sess.ID, State: state, PolledAt: r.polledAt})
	}
	if _, err := s.reg.ApplyStatuses(updates); err != nil {
		pollLog.Warn("apply_statuses_failed", slog.String("error", err.Error()))
	}

	if opts.full {
		s.finishFull(start, len(targets), unavailable)
	}
}

// poll captures and classifies one session. Failures never escape.
func (s *Scheduler) poll(ctx context.Context, b backend.Backend, sess session.Session, tail int, timeout time.Duration) result {
	r := result{sess: sess}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	text, err := b.Capture(cctx, sess.Handle, tail)
	switch {
	case err == nil:
		r.polledAt = s.now()
		r.state = s.classifier.Classify(sess.Tool, text)
	case ctx.Err() != nil:
		r.skip = true
	case errdefs.IsNotFound(err):
		r.state = status.Stopped
		r.polledAt = s.now()
		r.immediate = true
	case errdefs.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded):
		logging.Aggregate(logging.CompPoller, "capture_timeout", slog.String("session", sess.ID))
		r.state = status.Unknown
		r.immediate = true
	default:
		pollLog.Debug("capture_failed", slog.String("session", sess.ID), slog.String("error", err.Error()))
		r.state = status.Unknown
		r.immediate = true
	}
	return r
}

// debounce holds a transition out of a waiting state until the new state
// has been seen on cycles further consecutive polls. Entering a waiting
// state, and every immediate result, applies at once.
func (s *Scheduler) debounce(id string, current, observed status.State, immediate bool, cycles int) status.State {
	if immediate || observed == current || observed.IsWaiting() || !current.IsWaiting() || cycles <= 0 {
		delete(s.memory, id)
		return observed
	}
	p := s.memory[id]
	if p == nil || p.state != observed {
		s.memory[id] = &pending{state: observed, count: 1}
		return current
	}
	p.count++
	if p.count > cycles {
		delete(s.memory, id)
		return observed
	}
	return current
}

func (s *Scheduler) finishFull(start time.Time, polled int, unavailable map[backend.Kind]string) {
	cfg := s.config()
	if len(unavailable) > 0 {
		next := s.backoff * 2
		if next == 0 {
			next = cfg.Interval * 2
		}
		if next > cfg.MaxBackoff {
			next = cfg.MaxBackoff
		}
		s.backoff = next
	} else {
		s.backoff = 0
	}
	if len(unavailable) == 0 {
		unavailable = nil
	}
	s.health.Store(&Health{
		LastCycle:   start,
		Duration:    s.now().Sub(start),
		Polled:      polled,
		Unavailable: unavailable,
		Backoff:     s.backoff,
	})
}
