// Package session holds the registry: the in-memory and persisted model of
// one profile's sessions and groups, and the only mutation API over them.
package session

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/asheshgoplani/agent-fleet/internal/backend"
	"github.com/asheshgoplani/agent-fleet/internal/status"
)

// HandlePrefix starts every backend handle the registry derives.
const HandlePrefix = "fleet_"

const maxTitleInHandle = 20

// Session is one managed agent instance. Values returned by the registry
// are copies.
type Session struct {
	ID      string
	Title   string
	WorkDir string

	// Command overrides the tool's default command when set.
	Command string

	Handle  string
	Tool    status.Tool
	Backend backend.Kind
	GroupID string
	Order   int

	Status       status.State
	LastPolledAt time.Time
	CreatedAt    time.Time

	// Worktree is set when the session was added on its own git worktree.
	// WorkDir is then the worktree path.
	Worktree *Worktree

	// Attached is set while the terminal is handed to this session. It is
	// not persisted.
	Attached bool
}

// Worktree records a git worktree a session owns.
type Worktree struct {
	Path   string
	Repo   string
	Branch string
}

// Group is a folder node. ParentID is empty for a root.
type Group struct {
	ID        string
	Name      string
	ParentID  string
	Order     int
	Collapsed bool
}

// NewID returns 16 lowercase hex characters from a random UUID.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// DeriveHandle builds the backend handle for a session. The result only
// contains [A-Za-z0-9_-], which is valid for tmux session names and docker
// container names.
//
//	DeriveHandle("default", "fix login", "a1b2c3d4e5f60718") == "fleet_fix-login_a1b2c3d4"
//	DeriveHandle("work", "api", "a1b2c3d4e5f60718")       == "fleet_work_api_a1b2c3d4"
func DeriveHandle(profile, title, id string) string {
	var b strings.Builder
	b.WriteString(HandlePrefix)
	if profile != "" && profile != DefaultProfileName {
		b.WriteString(sanitize(profile, 0))
		b.WriteByte('_')
	}
	t := sanitize(title, maxTitleInHandle)
	if t == "" {
		t = "session"
	}
	b.WriteString(t)
	b.WriteByte('_')
	if len(id) > 8 {
		id = id[:8]
	}
	b.WriteString(sanitize(id, 0))
	return b.String()
}

func sanitize(s string, max int) string {
	var b strings.Builder
	n := 0
	for _, r := range strings.TrimSpace(s) {
		if max > 0 && n >= max {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
		n++
	}
	return b.String()
}

// Counts aggregates sessions by status.
type Counts struct {
	Total   int
	ByState map[status.State]int
}

// Waiting is the number of sessions blocked on the user.
func (c Counts) Waiting() int {
	return c.ByState[status.WaitingPermission] + c.ByState[status.WaitingQuestion]
}
