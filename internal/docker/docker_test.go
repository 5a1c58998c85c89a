package docker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-fleet/internal/backend"
	"github.com/asheshgoplani/agent-fleet/internal/errdefs"
)

type fakeDocker struct {
	mu      sync.Mutex
	calls   [][]string
	replies map[string]func(args []string) ([]byte, error)
}

func newFakeDocker() *fakeDocker {
	d := &fakeDocker{replies: make(map[string]func([]string) ([]byte, error))}
	d.on("info", "27.0.1\n", nil)
	return d
}

func (d *fakeDocker) on(sub, out string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replies[sub] = func([]string) ([]byte, error) { return []byte(out), err }
}

func (d *fakeDocker) run(_ context.Context, args ...string) ([]byte, error) {
	d.mu.Lock()
	d.calls = append(d.calls, args)
	fn := d.replies[args[0]]
	d.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(args)
}

func (d *fakeDocker) find(sub string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.calls {
		if c[0] == sub {
			return c
		}
	}
	return nil
}

func (d *fakeDocker) count(sub string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c[0] == sub {
			n++
		}
	}
	return n
}

var errFail = errors.New("exit status 1")

func TestContainerName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "agent-fleet-fleet_work_api_1234abcd", ContainerName("fleet_work_api_1234abcd"))
	assert.True(t, IsManagedContainer(ContainerName("x")))
	assert.False(t, IsManagedContainer("postgres"))
}

func TestParseHealth(t *testing.T) {
	t.Parallel()
	got := ParseHealth("agent-fleet-a\trunning\nagent-fleet-b\tExited\nother\trunning\n\nbad-line\n")
	assert.Equal(t, map[string]string{
		"agent-fleet-a": "running",
		"agent-fleet-b": "exited",
	}, got)
}

func TestCreateArgsHardened(t *testing.T) {
	t.Parallel()
	cfg := NewContainerConfig("/home/dev/proj",
		WithCPULimit("2"),
		WithMemoryLimit("4g"),
		WithEnvironment(map[string]string{"B": "2", "A": "1", "IS_SANDBOX": "0"}),
	)
	args := strings.Join(cfg.createArgs("agent-fleet-h", "img:1"), " ")

	for _, want := range []string{
		"--label managed-by=agent-fleet",
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"-v /home/dev/proj:/workspace",
		"--workdir /workspace",
		"-e A=1 -e B=2 -e IS_SANDBOX=1",
		"--cpus 2",
		"--memory 4g",
	} {
		assert.Contains(t, args, want)
	}
	assert.True(t, strings.HasSuffix(args, "img:1 sleep infinity"))
}

func TestWithExtraVolumes(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	link := filepath.Join(t.TempDir(), "link")
	require.NoError(t, os.Symlink(dir, link))

	cfg := NewContainerConfig("", WithExtraVolumes(map[string]string{
		dir:                    "/data",
		link:                   "/linked",
		"relative/path":        "/x",
		"/var/run/docker.sock": "/var/run/docker.sock",
		"/etc":                 "/host-etc",
		dir + "/missing":       "/missing",
		"/tmp":                 "/usr/local",
	}))

	var got []VolumeMount
	got = append(got, cfg.volumes...)
	assert.ElementsMatch(t, []VolumeMount{
		{HostPath: resolved, ContainerPath: "/data"},
		{HostPath: resolved, ContainerPath: "/linked"},
	}, got)
}

func TestShellJoinArgs(t *testing.T) {
	t.Parallel()
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"docker", "exec", "-it", "c", "bash"}, "docker exec -it c bash"},
		{[]string{"-e", "API_KEY=sk abc;rm -rf /"}, `-e 'API_KEY=sk abc;rm -rf /'`},
		{[]string{"-e", "VAR=it's"}, `-e 'VAR=it'"'"'s'`},
		{[]string{"cmd", ""}, "cmd ''"},
		{[]string{"-e", "VAR=$(whoami)"}, `-e 'VAR=$(whoami)'`},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, ShellJoinArgs(tc.args))
	}
}

func TestCheckAvailability(t *testing.T) {
	t.Parallel()
	d := newFakeDocker()
	require.NoError(t, CheckAvailability(context.Background(), d.run))

	d.on("info", "Cannot connect to the Docker daemon\n", errFail)
	err := CheckAvailability(context.Background(), d.run)
	assert.ErrorIs(t, err, ErrDaemonNotRunning)
	assert.True(t, errdefs.IsUnavailable(err))
}

func TestEnsureImagePullsWhenMissing(t *testing.T) {
	t.Parallel()
	d := newFakeDocker()
	require.NoError(t, EnsureImage(context.Background(), d.run, "img"))
	assert.Equal(t, 0, d.count("pull"))

	d.on("image", "No such image\n", errFail)
	require.NoError(t, EnsureImage(context.Background(), d.run, "img"))
	assert.Equal(t, []string{"pull", "img"}, d.find("pull"))
}

func TestBackendCreate(t *testing.T) {
	ctx := context.Background()
	d := newFakeDocker()
	host := backend.NewFake(backend.KindTmux)
	b := New(host, Config{Image: "sandbox:1", MemoryLimit: "2g"}, WithRunner(d.run))

	require.NoError(t, b.Create(ctx, "fleet_h_12345678", "claude --resume", "/proj"))

	create := strings.Join(d.find("create"), " ")
	assert.Contains(t, create, "--name agent-fleet-fleet_h_12345678")
	assert.Contains(t, create, "--memory 2g")
	assert.Equal(t, []string{"start", "agent-fleet-fleet_h_12345678"}, d.find("start"))
	assert.Equal(t,
		"docker exec -it -e TERM=xterm-256color agent-fleet-fleet_h_12345678 claude --resume",
		host.Command("fleet_h_12345678"))

	err := b.Create(ctx, "fleet_h_12345678", "claude", "/proj")
	assert.True(t, errdefs.IsAlreadyExists(err))
}

func TestBackendCreateUnavailable(t *testing.T) {
	d := newFakeDocker()
	d.on("info", "", errFail)
	host := backend.NewFake(backend.KindTmux)
	b := New(host, Config{}, WithRunner(d.run))

	err := b.Create(context.Background(), "h", "sh", "/p")
	assert.True(t, errdefs.IsUnavailable(err))
	assert.Equal(t, 0, host.Calls("create"))
}

func TestBackendListFiltersByHealth(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(100, 0)
	d := newFakeDocker()
	host := backend.NewFake(backend.KindTmux)
	require.NoError(t, host.Create(ctx, "up", "x", ""))
	require.NoError(t, host.Create(ctx, "down", "x", ""))
	d.on("ps", "agent-fleet-up\trunning\nagent-fleet-down\texited\n", nil)
	b := New(host, Config{}, WithRunner(d.run), WithClock(func() time.Time { return now }))

	got, err := b.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"up": {}}, got)

	_, err = b.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, d.count("ps"), "health is cached")

	ok, err := b.Exists(ctx, "down")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBackendListSurvivesDockerFailure(t *testing.T) {
	ctx := context.Background()
	d := newFakeDocker()
	d.on("ps", "", errFail)
	host := backend.NewFake(backend.KindTmux)
	require.NoError(t, host.Create(ctx, "h", "x", ""))
	b := New(host, Config{}, WithRunner(d.run))

	got, err := b.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, got, "h")
}

func TestBackendListPropagatesHostUnavailable(t *testing.T) {
	d := newFakeDocker()
	host := backend.NewFake(backend.KindTmux)
	host.SetListErr(errdefs.ErrUnavailable)
	b := New(host, Config{}, WithRunner(d.run))
	_, err := b.List(context.Background())
	assert.True(t, errdefs.IsUnavailable(err))
}

func TestBackendKillAndDestroy(t *testing.T) {
	ctx := context.Background()
	d := newFakeDocker()
	host := backend.NewFake(backend.KindTmux)
	require.NoError(t, host.Create(ctx, "h", "x", ""))
	b := New(host, Config{}, WithRunner(d.run))

	require.NoError(t, b.Kill(ctx, "h"))
	assert.Equal(t, []string{"stop", "agent-fleet-h"}, d.find("stop"))
	ok, _ := host.Exists(ctx, "h")
	assert.False(t, ok)

	d.on("rm", "Error: No such container: agent-fleet-h\n", errFail)
	require.NoError(t, b.Destroy(ctx, "h"))
	assert.Equal(t, []string{"rm", "-v", "-f", "agent-fleet-h"}, d.find("rm"))
}
