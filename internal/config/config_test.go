package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-fleet/internal/status"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	t.Parallel()

	c, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
	assert.Equal(t, 2*time.Second, c.Poller.Interval.Duration)
	assert.Equal(t, 3*time.Second, c.Poller.CaptureTimeout.Duration)
	assert.Equal(t, 30*time.Second, c.Poller.MaxBackoff.Duration)
	assert.Equal(t, 50, c.Poller.TailLines)
	assert.Equal(t, 1, c.Poller.DebounceCycles)
	assert.Equal(t, 8, c.Poller.Concurrency)
	assert.Equal(t, "tmux", c.Backend.Default)
	assert.True(t, c.StartOnAttach())
	assert.True(t, c.PushEnabled())
	assert.Equal(t, "127.0.0.1:8420", c.Web.Listen)
	assert.Equal(t, "agent-fleet-sandbox:latest", c.Sandbox.Image)
	assert.Equal(t, "../{repo-name}-worktrees/{branch}", c.Worktree.PathTemplate)
}

func TestLoadOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
default_profile = "work"
theme = "light"

[poller]
interval = "500ms"
debounce_cycles = 0
concurrency = 2

[backend]
default = "docker"
start_on_attach = false

[sandbox]
memory_limit = "2g"
environment = { FOO = "bar" }

[tmux]
options = { "history-limit" = "50000" }

[tools.claude]
command = "claude --resume"
busy_patterns_extra = ["crunching"]

[web]
listen = ":9000"
push = false

[worktree]
path_template = "~/worktrees/{repo-name}/{branch}"
`)
	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "work", c.DefaultProfile)
	assert.Equal(t, "light", c.ResolveTheme())
	assert.Equal(t, 500*time.Millisecond, c.Poller.Interval.Duration)
	assert.Equal(t, 0, c.Poller.DebounceCycles, "explicit zero is kept")
	assert.Equal(t, 2, c.Poller.Concurrency)
	assert.Equal(t, 3*time.Second, c.Poller.CaptureTimeout.Duration, "absent key keeps default")
	assert.Equal(t, "docker", c.Backend.Default)
	assert.False(t, c.StartOnAttach())
	assert.Equal(t, "2g", c.Sandbox.MemoryLimit)
	assert.Equal(t, map[string]string{"FOO": "bar"}, c.Sandbox.Environment)
	assert.Equal(t, "50000", c.Tmux.Options["history-limit"])
	assert.Equal(t, "claude --resume", c.ToolCommand(status.ToolClaude))
	assert.Equal(t, "opencode", c.ToolCommand(status.ToolOpenCode))
	assert.Equal(t, ":9000", c.Web.Listen)
	assert.False(t, c.PushEnabled())
	assert.Equal(t, "~/worktrees/{repo-name}/{branch}", c.Worktree.PathTemplate)
}

func TestLoadNormalizesBadValues(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
theme = "neon"
[poller]
interval = "10s"
max_backoff = "1s"
tail_lines = -3
debounce_cycles = -1
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "dark", c.Theme)
	assert.Equal(t, 10*time.Second, c.Poller.MaxBackoff.Duration, "backoff never below interval")
	assert.Equal(t, 50, c.Poller.TailLines)
	assert.Equal(t, 0, c.Poller.DebounceCycles)
}

func TestLoadParseErrorReturnsDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "[poller\ninterval = ")
	c, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse error")
	require.NotNil(t, c)
	assert.Equal(t, Default(), c)
}

func TestLoadBadDuration(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "[poller]\ninterval = \"soon\"\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestToolPatternsMerge(t *testing.T) {
	t.Parallel()

	c := Default()
	c.Tools["claude"] = ToolDef{
		PermissionPatterns: []string{"Allow?"},
		BusyPatternsExtra:  []string{"crunching"},
		Priority:           []string{"running", "waiting_permission", "waiting_question", "idle"},
	}
	defaults := status.DefaultRawPatterns(status.ToolClaude)
	merged := c.ToolPatterns(status.ToolClaude)

	assert.Equal(t, []string{"Allow?"}, merged.PermissionPatterns)
	assert.Contains(t, merged.BusyPatterns, "crunching")
	assert.Len(t, merged.BusyPatterns, len(defaults.BusyPatterns)+1)
	assert.Equal(t, defaults.QuestionPatterns, merged.QuestionPatterns)
	assert.Equal(t, []string{"running", "waiting_permission", "waiting_question", "idle"}, merged.Priority)

	assert.Equal(t, status.DefaultRawPatterns(status.ToolShell), c.ToolPatterns(status.ToolShell))
}

func TestResolveProfile(t *testing.T) {
	c := Default()
	c.DefaultProfile = "home"

	t.Setenv(EnvProfile, "")
	assert.Equal(t, "home", c.ResolveProfile(""))

	t.Setenv(EnvProfile, "env")
	assert.Equal(t, "env", c.ResolveProfile(""))
	assert.Equal(t, "flag", c.ResolveProfile("flag"))

	t.Setenv(EnvProfile, "")
	var nilCfg *Config
	assert.Equal(t, DefaultProfile, nilCfg.ResolveProfile(""))
}

func TestDirHonoursEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvHome, dir)

	got, err := Dir()
	require.NoError(t, err)
	assert.Equal(t, dir, got)

	p, err := Path()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, FileName), p)
}

func TestSaveRoundTripAndCache(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvHome, dir)
	ClearCache()
	t.Cleanup(ClearCache)

	first, err := Get()
	require.NoError(t, err)
	assert.Equal(t, DefaultProfile, first.DefaultProfile)

	again, err := Get()
	require.NoError(t, err)
	assert.Same(t, first, again)

	c := Default()
	c.DefaultProfile = "work"
	c.Poller.Interval = Duration{5 * time.Second}
	path := filepath.Join(dir, FileName)
	require.NoError(t, Save(path, c))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	loaded, err := Get()
	require.NoError(t, err)
	assert.Equal(t, "work", loaded.DefaultProfile)
	assert.Equal(t, 5*time.Second, loaded.Poller.Interval.Duration)
}

func TestLoggingConfig(t *testing.T) {
	t.Parallel()

	c := Default()
	c.Logs.Level = "debug"
	c.Logs.MaxSizeMB = 7
	lc := c.LoggingConfig("/tmp/x")
	assert.Equal(t, "/tmp/x", lc.LogDir)
	assert.Equal(t, "debug", lc.Level)
	assert.Equal(t, 7, lc.MaxSizeMB)
	assert.True(t, lc.Compress)

	off := false
	c.Logs.Compress = &off
	assert.False(t, c.LoggingConfig("").Compress)
}
