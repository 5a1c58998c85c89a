package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-fleet/internal/config"
	"github.com/asheshgoplani/agent-fleet/internal/errdefs"
)

func TestProfileLifecycle(t *testing.T) {
	home := t.TempDir()
	t.Setenv(config.EnvHome, home)

	names, err := ListProfiles()
	require.NoError(t, err)
	assert.Empty(t, names)

	p, err := CreateProfile("work")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ProfilesDirName, "work"), p.Dir)
	assert.True(t, p.Exists())

	_, err = CreateProfile("work")
	assert.True(t, errdefs.IsAlreadyExists(err))

	_, err = CreateProfile("default")
	require.NoError(t, err)

	names, err = ListProfiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "work"}, names)

	assert.True(t, errdefs.IsInvalidState(DeleteProfile("default")))
	assert.True(t, errdefs.IsNotFound(DeleteProfile("nope")))

	require.NoError(t, DeleteProfile("work"))
	_, err = os.Stat(p.Dir)
	assert.True(t, os.IsNotExist(err))
}

func TestDeleteProfileInUse(t *testing.T) {
	t.Setenv(config.EnvHome, t.TempDir())

	p, err := CreateProfile("busy")
	require.NoError(t, err)

	lock, ok, err := TryLock(p)
	require.NoError(t, err)
	require.True(t, ok)
	defer lock.Unlock()

	assert.True(t, errdefs.IsInvalidState(DeleteProfile("busy")))
	assert.True(t, p.Exists())
}

func TestTryLockExclusive(t *testing.T) {
	t.Setenv(config.EnvHome, t.TempDir())

	p, err := GetProfile("")
	require.NoError(t, err)
	assert.Equal(t, DefaultProfileName, p.Name)

	first, ok, err := TryLock(p)
	require.NoError(t, err)
	require.True(t, ok)

	second, ok, err := TryLock(p)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, second)

	require.NoError(t, first.Unlock())
	third, ok, err := TryLock(p)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, third.Unlock())
}

func TestValidateProfileName(t *testing.T) {
	t.Parallel()

	for _, ok := range []string{"default", "work", "team_a", "x-1"} {
		assert.NoError(t, ValidateProfileName(ok), ok)
	}
	for _, bad := range []string{"", ".", "..", "a/b", `a\b`, "has space", "../etc"} {
		assert.Error(t, ValidateProfileName(bad), bad)
	}
}
