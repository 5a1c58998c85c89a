package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gofrs/flock"

	"github.com/asheshgoplani/agent-fleet/internal/config"
	"github.com/asheshgoplani/agent-fleet/internal/errdefs"
)

const (
	// DefaultProfileName is the profile whose handles carry no profile part.
	DefaultProfileName = config.DefaultProfile

	// ProfilesDirName holds one directory per profile.
	ProfilesDirName = "profiles"

	// DBFileName is the profile database.
	DBFileName = "state.db"

	// LockFileName guards the poller of a profile.
	LockFileName = "poller.lock"
)

// Profile is an isolated namespace of sessions and groups.
type Profile struct {
	Name string
	Dir  string
}

// DBPath is the profile's SQLite file.
func (p Profile) DBPath() string { return filepath.Join(p.Dir, DBFileName) }

// LockPath is the poller lock file.
func (p Profile) LockPath() string { return filepath.Join(p.Dir, LockFileName) }

// ProfilesDir returns ~/.agent-fleet/profiles.
func ProfilesDir() (string, error) {
	dir, err := config.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ProfilesDirName), nil
}

// ValidateProfileName rejects names that would escape the profiles
// directory or produce an unusable handle.
func ValidateProfileName(name string) error {
	if name == "" {
		return fmt.Errorf("profile name cannot be empty")
	}
	if name == "." || name == ".." || filepath.Base(name) != name || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid profile name %q", name)
	}
	if sanitize(name, 0) != name {
		return fmt.Errorf("invalid profile name %q: use letters, digits, '-' or '_'", name)
	}
	return nil
}

// GetProfile resolves name to its directory without touching the disk.
// An empty name means the default profile.
func GetProfile(name string) (Profile, error) {
	if name == "" {
		name = DefaultProfileName
	}
	if err := ValidateProfileName(name); err != nil {
		return Profile{}, err
	}
	root, err := ProfilesDir()
	if err != nil {
		return Profile{}, err
	}
	return Profile{Name: name, Dir: filepath.Join(root, name)}, nil
}

// Exists reports whether the profile has a database.
func (p Profile) Exists() bool {
	_, err := os.Stat(p.DBPath())
	return err == nil
}

// Ensure creates the profile directory.
func (p Profile) Ensure() error {
	if err := os.MkdirAll(p.Dir, 0o700); err != nil {
		return fmt.Errorf("failed to create profile directory: %w", err)
	}
	return nil
}

// ListProfiles returns the names of profiles that have a database.
func ListProfiles() ([]string, error) {
	root, err := ProfilesDir()
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, e.Name(), DBFileName)); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// DeleteProfile removes a profile and its database. The default profile
// and a profile whose poller is running cannot be deleted.
func DeleteProfile(name string) error {
	if name == DefaultProfileName || name == "" {
		return fmt.Errorf("cannot delete the default profile: %w", errdefs.ErrInvalidState)
	}
	p, err := GetProfile(name)
	if err != nil {
		return err
	}
	if !p.Exists() {
		return fmt.Errorf("profile %q: %w", name, errdefs.ErrNotFound)
	}
	lock, ok, err := TryLock(p)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("profile %q is in use: %w", name, errdefs.ErrInvalidState)
	}
	_ = lock.Unlock()
	return os.RemoveAll(p.Dir)
}

// TryLock takes the profile's poller lock without blocking. ok is false
// when another process holds it; that process is the one polling.
func TryLock(p Profile) (lock *flock.Flock, ok bool, err error) {
	if err := p.Ensure(); err != nil {
		return nil, false, err
	}
	lock = flock.New(p.LockPath())
	ok, err = lock.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("acquiring poller lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return lock, true, nil
}
