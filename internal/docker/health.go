package docker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

const healthTTL = 5 * time.Second

// healthCache answers "is this container running" for every managed
// container from one batched docker ps call.
type healthCache struct {
	run Runner
	now func() time.Time

	mu     sync.Mutex
	states map[string]string
	at     time.Time
	err    error
}

// ParseHealth parses "name\tstate" lines.
func ParseHealth(out string) map[string]string {
	res := make(map[string]string)
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		name, state, ok := strings.Cut(strings.TrimSpace(line), "\t")
		if !ok || !IsManagedContainer(name) {
			continue
		}
		res[name] = strings.ToLower(strings.TrimSpace(state))
	}
	return res
}

func (h *healthCache) snapshot(ctx context.Context) (map[string]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.at.IsZero() && h.now().Sub(h.at) < healthTTL {
		return h.states, h.err
	}
	out, err := h.run(ctx, "ps", "-a",
		"--filter", "name="+ContainerPrefix,
		"--format", "{{.Names}}\t{{.State}}")
	h.at = h.now()
	if err != nil {
		h.states = nil
		h.err = fmt.Errorf("docker ps: %s: %w", strings.TrimSpace(string(out)), err)
		return nil, h.err
	}
	h.states, h.err = ParseHealth(string(out)), nil
	return h.states, nil
}

// running reports the state of one container. ok is false when docker
// could not be queried.
func (h *healthCache) running(ctx context.Context, name string) (running, ok bool) {
	states, err := h.snapshot(ctx)
	if err != nil {
		return false, false
	}
	return states[name] == "running", true
}

func (h *healthCache) invalidate() {
	h.mu.Lock()
	h.at = time.Time{}
	h.mu.Unlock()
}
