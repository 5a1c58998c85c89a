package tmux

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-fleet/internal/errdefs"
)

func skipIfNoTmuxServer(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("tmux"); err != nil {
		t.Skip("tmux not installed")
	}
}

func TestRealTmuxLifecycle(t *testing.T) {
	skipIfNoTmuxServer(t)
	ctx := context.Background()
	b := New()
	handle := fmt.Sprintf("fleet_test_%d", time.Now().UnixNano())
	t.Cleanup(func() { _ = b.Kill(context.Background(), handle) })

	require.NoError(t, b.Create(ctx, handle, "cat", t.TempDir()))

	list, err := b.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, list, handle)

	require.NoError(t, b.SendKeys(ctx, handle, "hello-fleet\n"))
	require.Eventually(t, func() bool {
		text, err := b.Capture(ctx, handle, 20)
		return err == nil && strings.Contains(text, "hello-fleet")
	}, 3*time.Second, 100*time.Millisecond)

	require.NoError(t, b.Kill(ctx, handle))
	require.NoError(t, b.Kill(ctx, handle))

	_, err = b.Capture(ctx, handle, 20)
	assert.True(t, errdefs.IsNotFound(err), "got %v", err)
}

func TestRealTmuxKillDoesNotMatchPrefix(t *testing.T) {
	skipIfNoTmuxServer(t)
	ctx := context.Background()
	b := New()
	base := fmt.Sprintf("fleet_pfx_%d", time.Now().UnixNano())
	longer := base + "-v2"
	t.Cleanup(func() { _ = b.Kill(context.Background(), longer) })

	require.NoError(t, b.Create(ctx, longer, "cat", t.TempDir()))
	require.NoError(t, b.Kill(ctx, base))

	out, err := exec.Command("tmux", "has-session", "-t", "="+longer).CombinedOutput()
	assert.NoError(t, err, "session with a longer name was killed: %s", out)

	_, err = b.Capture(ctx, base, 10)
	assert.True(t, errdefs.IsNotFound(err), "got %v", err)
}
