package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/asheshgoplani/agent-fleet/internal/errdefs"
	"github.com/asheshgoplani/agent-fleet/internal/session"
)

// minIDPrefix is the shortest id prefix accepted as a reference.
const minIDPrefix = 6

type ambiguousError struct {
	ref     string
	matches []string
}

func (e *ambiguousError) Error() string {
	return fmt.Sprintf("%q is ambiguous, matches: %s", e.ref, strings.Join(e.matches, ", "))
}

type sessionLister interface {
	Sessions() []session.Session
}

type groupLister interface {
	Groups() []session.Group
}

// resolveSession finds a session by exact id, exact title, id prefix or
// working directory, in that order. A tier with several matches is an
// error rather than a guess.
func resolveSession(reg sessionLister, ref string) (session.Session, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return session.Session{}, fmt.Errorf("empty session reference: %w", errdefs.ErrNotFound)
	}
	all := reg.Sessions()
	tiers := []func(session.Session) bool{
		func(s session.Session) bool { return s.ID == ref },
		func(s session.Session) bool { return s.Title == ref },
		func(s session.Session) bool { return len(ref) >= minIDPrefix && strings.HasPrefix(s.ID, ref) },
		func(s session.Session) bool { return samePath(s.WorkDir, ref) },
	}
	for _, match := range tiers {
		var found []session.Session
		for _, s := range all {
			if match(s) {
				found = append(found, s)
			}
		}
		switch len(found) {
		case 0:
			continue
		case 1:
			return found[0], nil
		default:
			names := make([]string, len(found))
			for i, s := range found {
				names[i] = fmt.Sprintf("%s (%s)", s.Title, shortID(s.ID))
			}
			return session.Session{}, &ambiguousError{ref: ref, matches: names}
		}
	}
	return session.Session{}, fmt.Errorf("session %q: %w", ref, errdefs.ErrNotFound)
}

// resolveGroup finds a group by id or by a slash separated name path such
// as "work/api". A bare name must be unique across the forest.
func resolveGroup(reg groupLister, ref string) (session.Group, error) {
	ref = strings.Trim(strings.TrimSpace(ref), "/")
	if ref == "" {
		return session.Group{}, fmt.Errorf("empty group reference: %w", errdefs.ErrNotFound)
	}
	groups := reg.Groups()
	for _, g := range groups {
		if g.ID == ref {
			return g, nil
		}
	}

	if strings.Contains(ref, "/") {
		parent := ""
		var cur session.Group
		for _, part := range strings.Split(ref, "/") {
			found := false
			for _, g := range groups {
				if g.ParentID == parent && g.Name == part {
					cur, parent, found = g, g.ID, true
					break
				}
			}
			if !found {
				return session.Group{}, fmt.Errorf("group %q: %w", ref, errdefs.ErrNotFound)
			}
		}
		return cur, nil
	}

	var found []session.Group
	for _, g := range groups {
		if g.Name == ref {
			found = append(found, g)
		}
	}
	switch len(found) {
	case 0:
		return session.Group{}, fmt.Errorf("group %q: %w", ref, errdefs.ErrNotFound)
	case 1:
		return found[0], nil
	default:
		names := make([]string, len(found))
		for i, g := range found {
			names[i] = groupPath(groups, g.ID)
		}
		return session.Group{}, &ambiguousError{ref: ref, matches: names}
	}
}

// groupPath renders a group as "parent/child". Unknown ids render empty.
func groupPath(groups []session.Group, id string) string {
	byID := make(map[string]session.Group, len(groups))
	for _, g := range groups {
		byID[g.ID] = g
	}
	var parts []string
	for seen := 0; id != "" && seen <= len(groups); seen++ {
		g, ok := byID[id]
		if !ok {
			break
		}
		parts = append([]string{g.Name}, parts...)
		id = g.ParentID
	}
	return strings.Join(parts, "/")
}

func samePath(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if abs, err := filepath.Abs(b); err == nil {
		b = abs
	}
	return filepath.Clean(a) == filepath.Clean(b)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
