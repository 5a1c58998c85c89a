// Package backend defines the contract between the session registry and the
// processes that host agent sessions.
package backend

import (
	"context"
	"fmt"
	"strings"
)

// Kind names a backend implementation.
type Kind string

const (
	KindTmux   Kind = "tmux"
	KindDocker Kind = "docker"
)

// ParseKind validates a backend name. Empty means tmux.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case "", KindTmux:
		return KindTmux, nil
	case KindDocker:
		return KindDocker, nil
	}
	return "", fmt.Errorf("unknown backend %q", s)
}

// Backend hosts session processes addressed by handle.
//
// Errors are classified with errdefs: Create returns ErrAlreadyExists when
// the handle is taken, List returns ErrUnavailable when the host cannot be
// reached, Capture returns ErrNotFound for a vanished handle and ErrTimeout
// when ctx expires. Kill is idempotent.
type Backend interface {
	Kind() Kind
	Create(ctx context.Context, handle, command, workDir string) error
	Exists(ctx context.Context, handle string) (bool, error)
	List(ctx context.Context) (map[string]struct{}, error)
	Capture(ctx context.Context, handle string, maxLines int) (string, error)
	SendKeys(ctx context.Context, handle, keys string) error
	Kill(ctx context.Context, handle string) error
	// Attach connects the controlling terminal and blocks until detach.
	Attach(ctx context.Context, handle string) error
}

// Destroyer is implemented by backends that hold resources beyond the
// process itself, such as a sandbox container.
type Destroyer interface {
	Destroy(ctx context.Context, handle string) error
}

// Set resolves a Kind to its Backend.
type Set map[Kind]Backend

// Get returns the backend for k.
func (s Set) Get(k Kind) (Backend, error) {
	if k == "" {
		k = KindTmux
	}
	b, ok := s[k]
	if !ok || b == nil {
		return nil, fmt.Errorf("backend %q not configured", k)
	}
	return b, nil
}
