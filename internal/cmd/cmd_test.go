package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-fleet/internal/app"
	"github.com/asheshgoplani/agent-fleet/internal/backend"
	"github.com/asheshgoplani/agent-fleet/internal/config"
)

// cliEnv points the CLI at a scratch home with a fake tmux backend.
func cliEnv(t *testing.T) *backend.Fake {
	t.Helper()
	t.Setenv(config.EnvHome, t.TempDir())
	t.Setenv(config.EnvProfile, "")
	t.Setenv("AGENT_FLEET_COLOR", "none")
	config.ClearCache()
	t.Cleanup(config.ClearCache)

	fake := backend.NewFake(backend.KindTmux)
	appOptions = []app.Option{app.WithBackends(backend.Set{backend.KindTmux: fake})}
	t.Cleanup(func() { appOptions = nil })
	return fake
}

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	_, err := rootCmd.ExecuteC()
	return out.String(), err
}

func listJSON(t *testing.T, args ...string) []sessionJSON {
	t.Helper()
	out, err := runCLI(t, "", append([]string{"list", "--json"}, args...)...)
	require.NoError(t, err)
	var items []sessionJSON
	require.NoError(t, json.Unmarshal([]byte(out), &items), out)
	return items
}

func TestAddListRemove(t *testing.T) {
	fake := cliEnv(t)
	dir := t.TempDir()

	out, err := runCLI(t, "", "add", dir, "-t", "api", "--tool", "shell")
	require.NoError(t, err)
	assert.Contains(t, out, "added api")

	items := listJSON(t)
	require.Len(t, items, 1)
	assert.Equal(t, "api", items[0].Title)
	assert.Equal(t, dir, items[0].WorkDir)
	assert.Equal(t, "shell", items[0].Tool)
	assert.Equal(t, 1, fake.Calls("create"))

	out, err = runCLI(t, "", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "TITLE")
	assert.Contains(t, out, "api")

	_, err = runCLI(t, "", "rm", "api")
	require.NoError(t, err)
	assert.Empty(t, listJSON(t))
	assert.Equal(t, 1, fake.Calls("kill"))
}

func TestAddDefaultsTitleToDirName(t *testing.T) {
	cliEnv(t)
	dir := filepath.Join(t.TempDir(), "billing")
	require.NoError(t, os.Mkdir(dir, 0o755))

	_, err := runCLI(t, "", "add", dir, "--no-start")
	require.NoError(t, err)

	items := listJSON(t)
	require.Len(t, items, 1)
	assert.Equal(t, "billing", items[0].Title)
	assert.Equal(t, "claude", items[0].Tool)
}

func TestAddRejectsMissingDir(t *testing.T) {
	cliEnv(t)
	_, err := runCLI(t, "", "add", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitNotFound, exitCode(err))
}

func TestAddRejectsUnknownTool(t *testing.T) {
	cliEnv(t)
	_, err := runCLI(t, "", "add", t.TempDir(), "--tool", "emacs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tool")
}

func TestSendTypesText(t *testing.T) {
	fake := cliEnv(t)
	_, err := runCLI(t, "", "add", t.TempDir(), "-t", "api", "--tool", "shell")
	require.NoError(t, err)
	handle := listJSON(t)[0].Handle

	_, err = runCLI(t, "", "send", "api", "run", "the", "tests")
	require.NoError(t, err)
	_, err = runCLI(t, "", "send", "--no-enter", "api", "y")
	require.NoError(t, err)
	assert.Equal(t, []string{"run the tests\n", "y"}, fake.Keys(handle))
}

func TestRenameAndLifecycle(t *testing.T) {
	fake := cliEnv(t)
	_, err := runCLI(t, "", "add", t.TempDir(), "-t", "api", "--tool", "shell")
	require.NoError(t, err)

	_, err = runCLI(t, "", "rename", "api", "payments")
	require.NoError(t, err)
	items := listJSON(t)
	require.Len(t, items, 1)
	assert.Equal(t, "payments", items[0].Title)

	_, err = runCLI(t, "", "stop", "payments")
	require.NoError(t, err)
	_, err = runCLI(t, "", "start", items[0].ID[:8])
	require.NoError(t, err)
	assert.GreaterOrEqual(t, fake.Calls("create"), 2)

	_, err = runCLI(t, "", "stop", "nothing-here")
	require.Error(t, err)
	assert.Equal(t, ExitNotFound, exitCode(err))
}

func TestGroupCommands(t *testing.T) {
	cliEnv(t)
	_, err := runCLI(t, "", "group", "create", "work")
	require.NoError(t, err)
	_, err = runCLI(t, "", "group", "create", "api", "--parent", "work")
	require.NoError(t, err)
	_, err = runCLI(t, "", "add", t.TempDir(), "-t", "svc", "--tool", "shell", "--group", "work/api")
	require.NoError(t, err)

	items := listJSON(t, "--group", "work")
	require.Len(t, items, 1)
	assert.Equal(t, "work/api", items[0].Group)

	out, err := runCLI(t, "", "group", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "work (1)")
	assert.Contains(t, out, "  api (1)")

	_, err = runCLI(t, "", "group", "delete", "work")
	require.Error(t, err)
	assert.Equal(t, ExitInvalidState, exitCode(err))

	_, err = runCLI(t, "", "group", "delete", "work", "--reassign", "--cascade")
	require.Error(t, err)

	_, err = runCLI(t, "", "group", "delete", "work", "--cascade")
	require.NoError(t, err)
	assert.Empty(t, listJSON(t))

	_, err = runCLI(t, "", "group")
	require.Error(t, err)
	assert.Equal(t, ExitUsage, exitCode(err))
}

func TestMoveBetweenGroups(t *testing.T) {
	cliEnv(t)
	_, err := runCLI(t, "", "group", "create", "work")
	require.NoError(t, err)
	_, err = runCLI(t, "", "add", t.TempDir(), "-t", "svc", "--tool", "shell", "--no-start")
	require.NoError(t, err)

	_, err = runCLI(t, "", "move", "svc", "work")
	require.NoError(t, err)
	assert.Equal(t, "work", listJSON(t)[0].Group)

	_, err = runCLI(t, "", "move", "svc")
	require.NoError(t, err)
	assert.Empty(t, listJSON(t)[0].Group)
}

func TestStatusJSON(t *testing.T) {
	cliEnv(t)
	_, err := runCLI(t, "", "add", t.TempDir(), "-t", "a", "--tool", "shell", "--no-start")
	require.NoError(t, err)

	out, err := runCLI(t, "", "status", "--json")
	require.NoError(t, err)
	var got statusJSON
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "default", got.Profile)
	assert.Equal(t, 1, got.Total)
	assert.Zero(t, got.Waiting)
	assert.Contains(t, got.ByState, "waiting_permission")
}

func TestProfileCommands(t *testing.T) {
	cliEnv(t)
	_, err := runCLI(t, "", "profile", "create", "dev")
	require.NoError(t, err)
	_, err = runCLI(t, "", "profile", "create", "dev")
	require.Error(t, err)
	assert.Equal(t, ExitAlreadyExists, exitCode(err))

	_, err = runCLI(t, "", "profile", "default", "dev")
	require.NoError(t, err)
	out, err := runCLI(t, "", "profile", "default")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", out)

	path, err := config.Path()
	require.NoError(t, err)
	saved, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "dev", saved.DefaultProfile)

	out, err = runCLI(t, "", "profile", "list", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"active": "dev"`)

	_, err = runCLI(t, "", "profile", "delete", "dev")
	require.Error(t, err)
	assert.Equal(t, ExitInvalidState, exitCode(err))

	_, err = runCLI(t, "", "profile", "create", "other")
	require.NoError(t, err)
	_, err = runCLI(t, "", "profile", "default", "other")
	require.NoError(t, err)
	_, err = runCLI(t, "", "profile", "delete", "dev")
	require.NoError(t, err)

	_, err = runCLI(t, "", "profile", "default", "ghost")
	require.Error(t, err)
	assert.Equal(t, ExitNotFound, exitCode(err))
}

func TestProfileFlagSelectsProfile(t *testing.T) {
	cliEnv(t)
	_, err := runCLI(t, "", "-p", "side", "add", t.TempDir(), "-t", "x", "--tool", "shell", "--no-start")
	require.NoError(t, err)

	assert.Empty(t, listJSON(t))
	items := listJSON(t, "-p", "side")
	require.Len(t, items, 1)
	assert.Equal(t, "x", items[0].Title)

	_, err = runCLI(t, "", "-p", "../up", "list")
	require.Error(t, err)
	assert.Equal(t, ExitError, exitCode(err))
}

func TestClassifyFromStdin(t *testing.T) {
	cliEnv(t)
	out, err := runCLI(t, "$ ", "classify", "--tool", "shell")
	require.NoError(t, err)
	assert.Equal(t, "idle\n", out)

	_, err = runCLI(t, "", "classify", "--tool", "emacs")
	require.Error(t, err)
}

func TestFixturesVerify(t *testing.T) {
	cliEnv(t)
	out, err := runCLI(t, "", "fixtures", "verify", filepath.Join("..", "status", "testdata", "fixtures"))
	require.NoError(t, err, out)
	assert.Contains(t, out, "0 mismatched")
}

func TestFixturesVerifyReportsMismatch(t *testing.T) {
	cliEnv(t)
	root := t.TempDir()
	dir := filepath.Join(root, "shell", "running")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "prompt.txt"), []byte("$ "), 0o644))

	out, err := runCLI(t, "", "fixtures", "verify", root)
	require.Error(t, err)
	assert.Equal(t, ExitError, exitCode(err))
	assert.Contains(t, out, "expected running, got idle")
}

func TestWatchRefusesReadOnly(t *testing.T) {
	cliEnv(t)
	other, err := app.Open("default", config.Default(), app.WithPolling(true), app.WithBackends(backend.Set{backend.KindTmux: backend.NewFake(backend.KindTmux)}))
	require.NoError(t, err)
	defer other.Close()
	require.False(t, other.ReadOnly())

	_, err = runCLI(t, "", "watch")
	require.Error(t, err)
	assert.Equal(t, ExitInvalidState, exitCode(err))
}

func TestUnknownCommandIsUsageError(t *testing.T) {
	cliEnv(t)
	_, err := runCLI(t, "", "frobnicate")
	require.Error(t, err)
	assert.Equal(t, ExitUsage, exitCode(err))
}

func TestAddWorktreeAndRemove(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	cliEnv(t)
	repo := filepath.Join(t.TempDir(), "api")
	require.NoError(t, os.Mkdir(repo, 0o755))
	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "Test"},
		{"commit", "--allow-empty", "-m", "initial", "--no-gpg-sign"},
	} {
		out, err := exec.Command("git", append([]string{"-C", repo}, args...)...).CombinedOutput()
		require.NoError(t, err, "%s", out)
	}
	wtRoot := t.TempDir()

	_, err := runCLI(t, "", "add", repo, "--tool", "shell", "--worktree", "feat/x",
		"--worktree-path", filepath.Join(wtRoot, "{branch}"))
	require.NoError(t, err)

	items := listJSON(t)
	require.Len(t, items, 1)
	assert.Equal(t, "feat/x", items[0].Title, "the branch names the session")
	assert.Equal(t, filepath.Join(wtRoot, "feat-x"), items[0].WorkDir)
	assert.Equal(t, "feat/x", items[0].WorktreeBranch)
	assert.DirExists(t, items[0].WorkDir)

	_, err = runCLI(t, "", "rm", items[0].ID, "--delete-branch")
	require.NoError(t, err)
	assert.NoDirExists(t, items[0].WorkDir)
	assert.Error(t, exec.Command("git", "-C", repo, "show-ref", "--verify", "--quiet", "refs/heads/feat/x").Run())
}

func TestAddWorktreeRejectsBadBranch(t *testing.T) {
	cliEnv(t)
	_, err := runCLI(t, "", "add", t.TempDir(), "--worktree", "a..b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'..'")
	assert.Empty(t, listJSON(t))
}
