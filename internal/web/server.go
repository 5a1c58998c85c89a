// Package web serves the fleet's status over HTTP: JSON snapshots, a
// websocket stream of changes, and web push when a session starts waiting.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/asheshgoplani/agent-fleet/internal/logging"
	"github.com/asheshgoplani/agent-fleet/internal/poller"
	"github.com/asheshgoplani/agent-fleet/internal/session"
)

var webLog = logging.ForComponent(logging.CompWeb)

const (
	// DefaultListenAddr keeps the surface on loopback unless configured.
	DefaultListenAddr = "127.0.0.1:8420"

	defaultBroadcastInterval = 250 * time.Millisecond
	shutdownTimeout          = 5 * time.Second
)

// Source is the read side of session.Registry.
type Source interface {
	Sessions() []session.Session
	Session(id string) (session.Session, error)
	Groups() []session.Group
	Counts() session.Counts
	Subscribe() (<-chan session.Event, func())
}

// Config defines runtime options for the web server.
type Config struct {
	ListenAddr string
	Profile    string
	Token      string

	// Push enables notifications. It needs a PushStore and VAPID keys.
	Push            bool
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string

	// BroadcastInterval is the minimum gap between stream frames.
	BroadcastInterval time.Duration
}

// Server wraps an HTTP server for one profile.
type Server struct {
	cfg        Config
	src        Source
	health     func() poller.Health
	httpServer *http.Server
	hub        *hub
	push       *pushService
}

// Option configures NewServer.
type Option func(*Server)

// WithHealth supplies scheduler health. Without it the server reports
// itself read-only.
func WithHealth(fn func() poller.Health) Option {
	return func(s *Server) { s.health = fn }
}

// WithPushStore persists push subscriptions, normally the profile's
// statedb.
func WithPushStore(store PushStore) Option {
	return func(s *Server) {
		if s.push != nil {
			s.push.store = store
		}
	}
}

func withPushSender(sender pushSender) Option {
	return func(s *Server) {
		if s.push != nil {
			s.push.sender = sender
		}
	}
}

// NewServer builds the server and its routes. Nothing runs until Start or
// Run.
func NewServer(cfg Config, src Source, opts ...Option) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = defaultBroadcastInterval
	}
	s := &Server{cfg: cfg, src: src}
	if cfg.Push {
		p, err := newPushService(cfg)
		if err != nil {
			webLog.Warn("push_disabled", slog.String("error", err.Error()))
		} else {
			s.push = p
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.push != nil && s.push.store == nil {
		webLog.Warn("push_disabled", slog.String("error", "no subscription store"))
		s.push = nil
	}
	s.hub = newHub(s, rate.NewLimiter(rate.Every(cfg.BroadcastInterval), 1))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /api/status", s.requireAuth(s.handleStatus))
	mux.Handle("GET /api/sessions", s.requireAuth(s.handleSessions))
	mux.Handle("GET /api/sessions/{id}", s.requireAuth(s.handleSession))
	mux.Handle("GET /api/groups", s.requireAuth(s.handleGroups))
	mux.Handle("GET /ws/status", s.requireAuth(s.handleStatusWS))
	mux.Handle("GET /api/push/config", s.requireAuth(s.handlePushConfig))
	mux.Handle("POST /api/push/subscribe", s.requireAuth(s.handlePushSubscribe))
	mux.Handle("POST /api/push/unsubscribe", s.requireAuth(s.handlePushUnsubscribe))

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          logging.NewStdLogger(logging.CompWeb, slog.LevelWarn),
	}
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string { return s.httpServer.Addr }

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// ReadOnly reports whether this process observes a profile polled elsewhere.
func (s *Server) ReadOnly() bool { return s.health == nil }

// Start runs the broadcaster and the push sender until ctx ends. Run calls
// it; tests that serve Handler through httptest call it directly.
func (s *Server) Start(ctx context.Context) {
	events, cancel := s.src.Subscribe()
	go s.hub.run(ctx, events, cancel)
	if s.push != nil {
		go s.push.run(ctx)
	}
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }
	s.Start(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()
	webLog.Info("web_listening", slog.String("addr", ln.Addr().String()), slog.String("profile", s.cfg.Profile))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutCancel()
	if err := s.httpServer.Shutdown(shutCtx); err != nil {
		// Websocket streams may still hold connections open.
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("graceful shutdown failed and force close failed: %w", closeErr)
		}
	}
	return nil
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) String() string {
	return fmt.Sprintf("web-server(addr=%s, profile=%s, readOnly=%t)", s.cfg.ListenAddr, s.cfg.Profile, s.ReadOnly())
}
