package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	t.Cleanup(ClearCache)

	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte("[poller]\ninterval = \"2s\"\n"), 0o600))

	got := make(chan *Config, 4)
	w, err := NewWatcher(path, 20*time.Millisecond, func(c *Config) { got <- c })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Unrelated files in the directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.toml"), []byte("x"), 0o600))

	c := Default()
	c.Poller.Interval = Duration{700 * time.Millisecond}
	require.NoError(t, Save(path, c))

	select {
	case c := <-got:
		assert.Equal(t, 700*time.Millisecond, c.Poller.Interval.Duration)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after config write")
	}
}

func TestWatcherSkipsBrokenFile(t *testing.T) {
	t.Cleanup(ClearCache)

	dir := t.TempDir()
	path := filepath.Join(dir, FileName)

	got := make(chan *Config, 4)
	w, err := NewWatcher(path, 20*time.Millisecond, func(c *Config) { got <- c })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.NoError(t, os.WriteFile(path, []byte("[poller\n"), 0o600))
	select {
	case <-got:
		t.Fatal("broken config must not be delivered")
	case <-time.After(300 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
