// Package tmux is the host multiplexer backend. Every session is a detached
// tmux session named by its handle.
package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/asheshgoplani/agent-fleet/internal/backend"
	"github.com/asheshgoplani/agent-fleet/internal/errdefs"
	"github.com/asheshgoplani/agent-fleet/internal/logging"
)

var tmuxLog = logging.ForComponent(logging.CompBackend)

const (
	listCacheTTL    = 2 * time.Second
	captureCacheTTL = 500 * time.Millisecond

	// DefaultCaptureTimeout bounds a capture when the caller's ctx has no
	// deadline.
	DefaultCaptureTimeout = 3 * time.Second
)

// defaultOptions are applied to every new session in one batched call.
var defaultOptions = [][2]string{
	{"window-style", "default"},
	{"window-active-style", "default"},
	{"mouse", "on"},
	{"history-limit", "10000"},
	{"escape-time", "10"},
}

// Runner executes a tmux subcommand and returns combined output.
type Runner func(ctx context.Context, args ...string) ([]byte, error)

func execRunner(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "tmux", args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// Backend implements backend.Backend on the local tmux server.
type Backend struct {
	run     Runner
	options map[string]string
	now     func() time.Time

	// Attach hooks, swapped in tests.
	insideTmux func() bool
	attachPTY  func(ctx context.Context, handle string) error

	listMu    sync.RWMutex
	listCache map[string]int64
	listAt    time.Time

	captureSf    singleflight.Group
	captureMu    sync.Mutex
	captureCache map[string]cachedCapture
}

type cachedCapture struct {
	text string
	at   time.Time
	n    int
}

// Option configures a Backend.
type Option func(*Backend)

// WithRunner replaces the tmux executor.
func WithRunner(r Runner) Option { return func(b *Backend) { b.run = r } }

// WithOptions adds session options applied after the defaults.
func WithOptions(opts map[string]string) Option {
	return func(b *Backend) {
		for k, v := range opts {
			b.options[k] = v
		}
	}
}

// WithClock replaces time.Now for cache expiry.
func WithClock(now func() time.Time) Option { return func(b *Backend) { b.now = now } }

// New returns a tmux backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		run:          execRunner,
		options:      make(map[string]string),
		now:          time.Now,
		insideTmux:   func() bool { return os.Getenv("TMUX") != "" },
		captureCache: make(map[string]cachedCapture),
	}
	b.attachPTY = b.attachWithPTY
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Backend) Kind() backend.Kind { return backend.KindTmux }

// Available checks that the tmux binary runs.
func Available() error {
	if _, err := exec.LookPath("tmux"); err != nil {
		return fmt.Errorf("tmux not installed: %w", errdefs.ErrUnavailable)
	}
	return nil
}

// WrapCommand runs command under bash with the suspend key disabled, so
// Ctrl+Z cannot stop an agent that has no job control of its own.
func WrapCommand(command string) string {
	if command == "" {
		return ""
	}
	escaped := strings.ReplaceAll(command, "'", `'"'"'`)
	return fmt.Sprintf("bash -c 'stty susp undef; exec %s'", escaped)
}

func (b *Backend) Create(ctx context.Context, handle, command, workDir string) error {
	if exists, err := b.Exists(ctx, handle); err == nil && exists {
		return fmt.Errorf("tmux session %s: %w", handle, errdefs.ErrAlreadyExists)
	}
	if workDir == "" {
		workDir = os.Getenv("HOME")
	}
	args := []string{"new-session", "-d", "-s", handle, "-c", workDir}
	if command != "" {
		args = append(args, WrapCommand(command))
	}
	out, err := b.run(ctx, args...)
	if err != nil {
		msg := string(out)
		switch {
		case strings.Contains(msg, "duplicate session"):
			return fmt.Errorf("tmux session %s: %w", handle, errdefs.ErrAlreadyExists)
		case isExecNotFound(err):
			return fmt.Errorf("tmux: %w", errdefs.ErrUnavailable)
		}
		return fmt.Errorf("create tmux session %s: %w (output: %s)", handle, err, strings.TrimSpace(msg))
	}
	b.registerInCache(handle)

	if _, err := b.run(ctx, b.optionArgs(handle)...); err != nil {
		tmuxLog.Debug("set_options_failed", slog.String("session", handle), slog.String("error", err.Error()))
	}
	tmuxLog.Info("session_created", slog.String("session", handle), slog.String("dir", workDir))
	return nil
}

// optionArgs batches every set-option into one tmux invocation.
func (b *Backend) optionArgs(handle string) []string {
	merged := make(map[string]string, len(defaultOptions)+len(b.options))
	var keys []string
	for _, kv := range defaultOptions {
		merged[kv[0]] = kv[1]
		keys = append(keys, kv[0])
	}
	var extra []string
	for k, v := range b.options {
		if _, ok := merged[k]; !ok {
			extra = append(extra, k)
		}
		merged[k] = v
	}
	sort.Strings(extra)
	keys = append(keys, extra...)

	args := make([]string, 0, len(keys)*7)
	for i, k := range keys {
		if i > 0 {
			args = append(args, ";")
		}
		args = append(args, "set-option", "-t", sessionTarget(handle), "-q", k, merged[k])
	}
	return args
}

// List returns the live session names. It refreshes a process-wide cache
// that Exists consults.
func (b *Backend) List(ctx context.Context) (map[string]struct{}, error) {
	out, err := b.run(ctx, "list-sessions", "-F", "#{session_name}\t#{session_activity}")
	if err != nil {
		msg := string(out)
		if isNoServer(msg) {
			b.storeList(map[string]int64{})
			return map[string]struct{}{}, nil
		}
		b.invalidateList()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("list tmux sessions: %w", errdefs.ErrTimeout)
		}
		return nil, fmt.Errorf("list tmux sessions: %v: %w", strings.TrimSpace(msg), errdefs.ErrUnavailable)
	}
	activity := ParseSessionList(string(out))
	b.storeList(activity)

	names := make(map[string]struct{}, len(activity))
	for n := range activity {
		names[n] = struct{}{}
	}
	return names, nil
}

// Activity returns the last activity time of handle from the list cache.
func (b *Backend) Activity(handle string) (time.Time, bool) {
	b.listMu.RLock()
	defer b.listMu.RUnlock()
	if b.listCache == nil || b.now().Sub(b.listAt) > listCacheTTL {
		return time.Time{}, false
	}
	ts, ok := b.listCache[handle]
	if !ok || ts == 0 {
		return time.Time{}, false
	}
	return time.Unix(ts, 0), true
}

// ParseSessionList parses "name\tactivity" lines.
func ParseSessionList(out string) map[string]int64 {
	res := make(map[string]int64)
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		name, ts, _ := strings.Cut(line, "\t")
		if name == "" {
			continue
		}
		activity, _ := strconv.ParseInt(strings.TrimSpace(ts), 10, 64)
		if prev, ok := res[name]; !ok || activity > prev {
			res[name] = activity
		}
	}
	return res
}

func (b *Backend) storeList(m map[string]int64) {
	b.listMu.Lock()
	b.listCache = m
	b.listAt = b.now()
	b.listMu.Unlock()
}

func (b *Backend) invalidateList() {
	b.listMu.Lock()
	b.listCache = nil
	b.listAt = time.Time{}
	b.listMu.Unlock()
}

func (b *Backend) registerInCache(handle string) {
	b.listMu.Lock()
	defer b.listMu.Unlock()
	if b.listCache == nil {
		return
	}
	b.listCache[handle] = b.now().Unix()
}

func (b *Backend) dropFromCache(handle string) {
	b.listMu.Lock()
	if b.listCache != nil {
		delete(b.listCache, handle)
	}
	b.listMu.Unlock()

	b.captureMu.Lock()
	delete(b.captureCache, handle)
	b.captureMu.Unlock()
}

// cachedExists answers from the list cache while it is fresh.
func (b *Backend) cachedExists(handle string) (exists, valid bool) {
	b.listMu.RLock()
	defer b.listMu.RUnlock()
	if b.listCache == nil || b.now().Sub(b.listAt) > listCacheTTL {
		return false, false
	}
	_, exists = b.listCache[handle]
	return exists, true
}

func (b *Backend) Exists(ctx context.Context, handle string) (bool, error) {
	if exists, ok := b.cachedExists(handle); ok {
		return exists, nil
	}
	out, err := b.run(ctx, "has-session", "-t", sessionTarget(handle))
	if err == nil {
		return true, nil
	}
	msg := string(out)
	if isNoServer(msg) || isMissingSession(msg) {
		return false, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, fmt.Errorf("has-session %s: %v: %w", handle, err, errdefs.ErrUnavailable)
}

// Capture returns the last maxLines lines of the pane, joined across
// wrapped lines. Concurrent calls for one handle share a single tmux
// invocation and results are reused for a short window.
func (b *Backend) Capture(ctx context.Context, handle string, maxLines int) (string, error) {
	if text, ok := b.cachedCapture(handle, maxLines); ok {
		return text, nil
	}
	if _, has := ctx.Deadline(); !has {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCaptureTimeout)
		defer cancel()
	}

	key := handle + ":" + strconv.Itoa(maxLines)
	ch := b.captureSf.DoChan(key, func() (any, error) {
		if text, ok := b.cachedCapture(handle, maxLines); ok {
			return text, nil
		}
		args := []string{"capture-pane", "-t", paneTarget(handle), "-p", "-J"}
		if maxLines > 0 {
			args = append(args, "-S", "-"+strconv.Itoa(maxLines))
		}
		out, err := b.run(ctx, args...)
		if err != nil {
			return "", classifyCaptureErr(ctx, handle, string(out), err)
		}
		text := string(out)
		b.captureMu.Lock()
		b.captureCache[handle] = cachedCapture{text: text, at: b.now(), n: maxLines}
		b.captureMu.Unlock()
		return text, nil
	})

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("capture %s: %w", handle, errdefs.ErrTimeout)
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (b *Backend) cachedCapture(handle string, maxLines int) (string, bool) {
	b.captureMu.Lock()
	defer b.captureMu.Unlock()
	c, ok := b.captureCache[handle]
	if !ok || c.n != maxLines || b.now().Sub(c.at) >= captureCacheTTL {
		return "", false
	}
	return c.text, true
}

func classifyCaptureErr(ctx context.Context, handle, out string, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("capture %s: %w", handle, errdefs.ErrTimeout)
	case isMissingSession(out) || isNoServer(out):
		return fmt.Errorf("capture %s: %w", handle, errdefs.ErrNotFound)
	case isExecNotFound(err):
		return fmt.Errorf("capture %s: %w", handle, errdefs.ErrUnavailable)
	}
	return fmt.Errorf("capture %s: %w (output: %s)", handle, err, strings.TrimSpace(out))
}

// SendKeys types keys literally into the pane. A trailing newline is sent
// as Enter.
func (b *Backend) SendKeys(ctx context.Context, handle, keys string) error {
	text, enter := strings.CutSuffix(keys, "\n")
	if text != "" {
		out, err := b.run(ctx, "send-keys", "-l", "-t", paneTarget(handle), "--", text)
		if err != nil {
			if isMissingSession(string(out)) {
				return fmt.Errorf("send keys %s: %w", handle, errdefs.ErrNotFound)
			}
			return fmt.Errorf("send keys %s: %w", handle, err)
		}
	}
	if enter {
		if out, err := b.run(ctx, "send-keys", "-t", paneTarget(handle), "Enter"); err != nil {
			if isMissingSession(string(out)) {
				return fmt.Errorf("send keys %s: %w", handle, errdefs.ErrNotFound)
			}
			return fmt.Errorf("send enter %s: %w", handle, err)
		}
	}
	return nil
}

// Kill ends the session. A session that is already gone is not an error.
func (b *Backend) Kill(ctx context.Context, handle string) error {
	defer b.dropFromCache(handle)
	out, err := b.run(ctx, "kill-session", "-t", sessionTarget(handle))
	if err != nil {
		msg := string(out)
		if isMissingSession(msg) || isNoServer(msg) {
			return nil
		}
		return fmt.Errorf("kill tmux session %s: %w (output: %s)", handle, err, strings.TrimSpace(msg))
	}
	tmuxLog.Info("session_killed", slog.String("session", handle))
	return nil
}

// Attach switches the current client when already inside tmux. Otherwise it
// attaches under a pty and blocks until the user detaches.
func (b *Backend) Attach(ctx context.Context, handle string) error {
	exists, err := b.Exists(ctx, handle)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("tmux session %s: %w", handle, errdefs.ErrNotFound)
	}
	if b.insideTmux() {
		if out, err := b.run(ctx, "switch-client", "-t", sessionTarget(handle)); err != nil {
			return fmt.Errorf("switch-client %s: %w (output: %s)", handle, err, strings.TrimSpace(string(out)))
		}
		return nil
	}
	return b.attachPTY(ctx, handle)
}

// sessionTarget names handle exactly. A bare -t name falls back to prefix
// matching and could hit a different session.
func sessionTarget(handle string) string { return "=" + handle }

// paneTarget is the active pane of exactly handle.
func paneTarget(handle string) string { return "=" + handle + ":" }

// isNoServer covers a server that was never started and one that exits as
// its last session is killed.
func isNoServer(out string) bool {
	return strings.Contains(out, "no server running") ||
		strings.Contains(out, "no sessions") ||
		strings.Contains(out, "error connecting to") ||
		strings.Contains(out, "server exited unexpectedly")
}

// isMissingSession matches the messages tmux prints for an unknown session
// target and, from pane commands, an unknown pane or window.
func isMissingSession(out string) bool {
	return strings.Contains(out, "can't find session") ||
		strings.Contains(out, "session not found") ||
		strings.Contains(out, "can't find pane") ||
		strings.Contains(out, "can't find window")
}

func isExecNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound)
}

var _ backend.Backend = (*Backend)(nil)
