package ui

import (
	"github.com/sahilm/fuzzy"

	"github.com/asheshgoplani/agent-fleet/internal/session"
)

type rowKind int

const (
	rowGroup rowKind = iota
	rowSession
)

// row is one visible line of the session tree.
type row struct {
	kind    rowKind
	depth   int
	group   session.Group
	session session.Session

	// Group rows only: sessions in the whole subtree.
	total   int
	waiting int
}

func (r row) id() string {
	if r.kind == rowGroup {
		return "g:" + r.group.ID
	}
	return "s:" + r.session.ID
}

// buildRows flattens the group forest. Sessions follow the child groups of
// their group; collapsed groups hide everything below them.
func buildRows(groups []session.Group, sessions []session.Session) []row {
	children := make(map[string][]session.Group)
	for _, g := range groups {
		children[g.ParentID] = append(children[g.ParentID], g)
	}
	members := make(map[string][]session.Session)
	for _, s := range sessions {
		members[s.GroupID] = append(members[s.GroupID], s)
	}

	type tally struct{ total, waiting int }
	tallies := make(map[string]tally)
	var count func(id string) tally
	count = func(id string) tally {
		if t, ok := tallies[id]; ok {
			return t
		}
		var t tally
		for _, s := range members[id] {
			t.total++
			if s.Status.IsWaiting() {
				t.waiting++
			}
		}
		for _, c := range children[id] {
			ct := count(c.ID)
			t.total += ct.total
			t.waiting += ct.waiting
		}
		tallies[id] = t
		return t
	}

	var out []row
	var walk func(parent string, depth int)
	walk = func(parent string, depth int) {
		for _, g := range children[parent] {
			t := count(g.ID)
			out = append(out, row{kind: rowGroup, depth: depth, group: g, total: t.total, waiting: t.waiting})
			if !g.Collapsed {
				walk(g.ID, depth+1)
			}
		}
		for _, s := range members[parent] {
			out = append(out, row{kind: rowSession, depth: depth, session: s})
		}
	}
	walk("", 0)
	return out
}

type sessionSource []session.Session

func (s sessionSource) String(i int) string { return s[i].Title + " " + s[i].WorkDir }
func (s sessionSource) Len() int            { return len(s) }

// filterRows returns the sessions matching query as a flat list, best match
// first. Groups are not shown while filtering.
func filterRows(query string, sessions []session.Session) []row {
	matches := fuzzy.FindFrom(query, sessionSource(sessions))
	out := make([]row, 0, len(matches))
	for _, m := range matches {
		out = append(out, row{kind: rowSession, session: sessions[m.Index]})
	}
	return out
}
