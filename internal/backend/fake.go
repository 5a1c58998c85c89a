package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/asheshgoplani/agent-fleet/internal/errdefs"
)

// Fake is an in-memory Backend with scripted screens. It is safe for
// concurrent use.
type Fake struct {
	kind Kind

	mu         sync.Mutex
	sessions   map[string]*fakeSession
	listErr    error
	captureErr map[string]error
	delay      map[string]time.Duration
	attachErr  error
	destroyed  []string
	calls      map[string]int
	attachHook func(handle string)
}

type fakeSession struct {
	command string
	workDir string
	screen  string
	keys    []string
}

// NewFake returns an empty fake of the given kind.
func NewFake(kind Kind) *Fake {
	if kind == "" {
		kind = KindTmux
	}
	return &Fake{
		kind:       kind,
		sessions:   make(map[string]*fakeSession),
		captureErr: make(map[string]error),
		delay:      make(map[string]time.Duration),
		calls:      make(map[string]int),
	}
}

func (f *Fake) Kind() Kind { return f.kind }

func (f *Fake) record(op string) {
	f.calls[op]++
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Fake) Create(_ context.Context, handle, command, workDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create")
	if f.listErr != nil {
		return f.listErr
	}
	if _, ok := f.sessions[handle]; ok {
		return fmt.Errorf("session %s: %w", handle, errdefs.ErrAlreadyExists)
	}
	f.sessions[handle] = &fakeSession{command: command, workDir: workDir}
	return nil
}

func (f *Fake) Exists(_ context.Context, handle string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("exists")
	if f.listErr != nil {
		return false, f.listErr
	}
	_, ok := f.sessions[handle]
	return ok, nil
}

func (f *Fake) List(_ context.Context) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("list")
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make(map[string]struct{}, len(f.sessions))
	for h := range f.sessions {
		out[h] = struct{}{}
	}
	return out, nil
}

func (f *Fake) Capture(ctx context.Context, handle string, _ int) (string, error) {
	f.mu.Lock()
	f.record("capture")
	delay := f.delay[handle]
	err := f.captureErr[handle]
	s, ok := f.sessions[handle]
	var screen string
	if ok {
		screen = s.screen
	}
	f.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("capture %s: %w", handle, errdefs.ErrTimeout)
		case <-t.C:
		}
	}
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("session %s: %w", handle, errdefs.ErrNotFound)
	}
	return screen, nil
}

func (f *Fake) SendKeys(_ context.Context, handle, keys string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("send")
	s, ok := f.sessions[handle]
	if !ok {
		return fmt.Errorf("session %s: %w", handle, errdefs.ErrNotFound)
	}
	s.keys = append(s.keys, keys)
	return nil
}

func (f *Fake) Kill(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("kill")
	delete(f.sessions, handle)
	return nil
}

func (f *Fake) Attach(_ context.Context, handle string) error {
	f.mu.Lock()
	f.record("attach")
	_, ok := f.sessions[handle]
	err := f.attachErr
	hook := f.attachHook
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s: %w", handle, errdefs.ErrNotFound)
	}
	if hook != nil {
		hook(handle)
	}
	return err
}

func (f *Fake) Destroy(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("destroy")
	delete(f.sessions, handle)
	f.destroyed = append(f.destroyed, handle)
	return nil
}

// SetScreen sets the text Capture returns for handle.
func (f *Fake) SetScreen(handle, screen string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[handle]; ok {
		s.screen = screen
	}
}

// Vanish removes handle as if its process exited on its own.
func (f *Fake) Vanish(handle string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, handle)
}

// SetListErr makes List, Exists and Create fail with err. Nil clears it.
func (f *Fake) SetListErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

// SetCaptureErr makes Capture of handle fail with err. Nil clears it.
func (f *Fake) SetCaptureErr(handle string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.captureErr, handle)
		return
	}
	f.captureErr[handle] = err
}

// SetCaptureDelay makes Capture of handle block for d or until ctx ends.
func (f *Fake) SetCaptureDelay(handle string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay[handle] = d
}

// SetAttach configures what Attach does once connected.
func (f *Fake) SetAttach(hook func(handle string), err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachHook = hook
	f.attachErr = err
}

// Keys returns what was sent to handle.
func (f *Fake) Keys(handle string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[handle]; ok {
		return append([]string(nil), s.keys...)
	}
	return nil
}

// Command returns the command handle was created with.
func (f *Fake) Command(handle string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[handle]; ok {
		return s.command
	}
	return ""
}

// Destroyed lists handles passed to Destroy.
func (f *Fake) Destroyed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.destroyed...)
}

var (
	_ Backend   = (*Fake)(nil)
	_ Destroyer = (*Fake)(nil)
)
