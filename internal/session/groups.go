package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/asheshgoplani/agent-fleet/internal/errdefs"
	"github.com/asheshgoplani/agent-fleet/internal/statedb"
)

// DeletePolicy decides what happens to the contents of a deleted group.
type DeletePolicy int

const (
	// DeleteForbid refuses to delete a group that holds sessions or
	// subgroups.
	DeleteForbid DeletePolicy = iota
	// DeleteReassign moves the group's sessions and subgroups to the root.
	DeleteReassign
	// DeleteCascade deletes the subtree and removes every session in it,
	// killing their processes.
	DeleteCascade
)

func (p DeletePolicy) String() string {
	switch p {
	case DeleteReassign:
		return "reassign"
	case DeleteCascade:
		return "cascade"
	default:
		return "forbid"
	}
}

// hasCycle reports whether walking up from id revisits a node.
func hasCycle(groups map[string]*Group, id string) bool {
	seen := map[string]bool{}
	for cur := id; cur != ""; {
		if seen[cur] {
			return true
		}
		seen[cur] = true
		g, ok := groups[cur]
		if !ok {
			return false
		}
		cur = g.ParentID
	}
	return false
}

// isAncestorLocked reports whether ancestor is id or one of its ancestors.
func (r *Registry) isAncestorLocked(ancestor, id string) bool {
	seen := map[string]bool{}
	for cur := id; cur != "" && !seen[cur]; {
		if cur == ancestor {
			return true
		}
		seen[cur] = true
		g, ok := r.groups[cur]
		if !ok {
			return false
		}
		cur = g.ParentID
	}
	return false
}

func (r *Registry) siblingNameTakenLocked(parentID, name, except string) bool {
	for _, g := range r.groups {
		if g.ID != except && g.ParentID == parentID && strings.EqualFold(g.Name, name) {
			return true
		}
	}
	return false
}

func (r *Registry) nextGroupOrderLocked(parentID string) int {
	next := 0
	for _, g := range r.groups {
		if g.ParentID == parentID && g.Order >= next {
			next = g.Order + 1
		}
	}
	return next
}

// CreateGroup adds a group under parentID, or at the root when parentID is
// empty. Sibling names are unique, ignoring case.
func (r *Registry) CreateGroup(name, parentID string) (Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Group{}, fmt.Errorf("group name cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if parentID != "" {
		if _, ok := r.groups[parentID]; !ok {
			return Group{}, fmt.Errorf("parent group %s: %w", parentID, errdefs.ErrNotFound)
		}
	}
	if r.siblingNameTakenLocked(parentID, name, "") {
		return Group{}, fmt.Errorf("group %q: %w", name, errdefs.ErrAlreadyExists)
	}
	g := &Group{ID: NewID(), Name: name, ParentID: parentID, Order: r.nextGroupOrderLocked(parentID)}
	for _, taken := r.groups[g.ID]; taken; _, taken = r.groups[g.ID] {
		g.ID = NewID()
	}
	if err := r.db.SaveGroup(groupRow(g)); err != nil {
		return Group{}, fmt.Errorf("save group: %w", err)
	}
	r.groups[g.ID] = g
	r.touch()
	defer r.notify(Event{Kind: EventGroups})
	return *g, nil
}

func (r *Registry) updateGroup(id string, fn func(g *Group) error) (Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[id]
	if !ok {
		return Group{}, fmt.Errorf("group %s: %w", id, errdefs.ErrNotFound)
	}
	next := *g
	if err := fn(&next); err != nil {
		return Group{}, err
	}
	if err := r.db.SaveGroup(groupRow(&next)); err != nil {
		return Group{}, fmt.Errorf("save group: %w", err)
	}
	*g = next
	r.touch()
	defer r.notify(Event{Kind: EventGroups})
	return next, nil
}

// RenameGroup changes a group's name.
func (r *Registry) RenameGroup(id, name string) (Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Group{}, fmt.Errorf("group name cannot be empty")
	}
	return r.updateGroup(id, func(g *Group) error {
		if r.siblingNameTakenLocked(g.ParentID, name, g.ID) {
			return fmt.Errorf("group %q: %w", name, errdefs.ErrAlreadyExists)
		}
		g.Name = name
		return nil
	})
}

// MoveGroup reparents a group. Moving a group under itself or one of its
// descendants returns ErrInvalidState.
func (r *Registry) MoveGroup(id, newParentID string) (Group, error) {
	return r.updateGroup(id, func(g *Group) error {
		if newParentID != "" {
			if _, ok := r.groups[newParentID]; !ok {
				return fmt.Errorf("parent group %s: %w", newParentID, errdefs.ErrNotFound)
			}
			if r.isAncestorLocked(g.ID, newParentID) {
				return fmt.Errorf("moving %q under its own subtree would create a cycle: %w", g.Name, errdefs.ErrInvalidState)
			}
		}
		if r.siblingNameTakenLocked(newParentID, g.Name, g.ID) {
			return fmt.Errorf("group %q: %w", g.Name, errdefs.ErrAlreadyExists)
		}
		if g.ParentID != newParentID {
			g.ParentID = newParentID
			g.Order = r.nextGroupOrderLocked(newParentID)
		}
		return nil
	})
}

// SetGroupCollapsed stores the dashboard fold state.
func (r *Registry) SetGroupCollapsed(id string, collapsed bool) (Group, error) {
	return r.updateGroup(id, func(g *Group) error {
		g.Collapsed = collapsed
		return nil
	})
}

// subtreeLocked returns id and every descendant group id.
func (r *Registry) subtreeLocked(id string) []string {
	out := []string{id}
	for i := 0; i < len(out); i++ {
		for _, g := range r.groups {
			if g.ParentID == out[i] {
				out = append(out, g.ID)
			}
		}
	}
	return out
}

// DeleteGroup removes a group according to policy. With DeleteForbid a
// non-empty group is left untouched and ErrInvalidState is returned.
// Database writes are atomic; backend teardown for DeleteCascade happens
// afterwards and its errors are joined into the result.
func (r *Registry) DeleteGroup(ctx context.Context, id string, policy DeletePolicy) error {
	r.mu.Lock()
	g, ok := r.groups[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("group %s: %w", id, errdefs.ErrNotFound)
	}

	var (
		batch    statedb.Batch
		children []*Group
		members  []*Session
	)
	for _, c := range r.groups {
		if c.ParentID == id {
			children = append(children, c)
		}
	}
	for _, s := range r.sessions {
		if s.GroupID == id {
			members = append(members, s)
		}
	}

	var (
		removeGroups   []string
		removeSessions []*Session
		moveSessions   []*Session
		moveGroups     []*Group
	)
	switch policy {
	case DeleteForbid:
		if len(children) > 0 || len(members) > 0 {
			r.mu.Unlock()
			return fmt.Errorf("group %q holds %d sessions and %d groups: %w",
				g.Name, len(members), len(children), errdefs.ErrInvalidState)
		}
		removeGroups = []string{id}

	case DeleteReassign:
		removeGroups = []string{id}
		moveSessions = members
		moveGroups = children

	case DeleteCascade:
		removeGroups = r.subtreeLocked(id)
		in := make(map[string]bool, len(removeGroups))
		for _, gid := range removeGroups {
			in[gid] = true
		}
		for _, s := range r.sessions {
			if in[s.GroupID] {
				if s.Attached {
					r.mu.Unlock()
					return fmt.Errorf("session %s is attached: %w", s.Title, errdefs.ErrInvalidState)
				}
				removeSessions = append(removeSessions, s)
			}
		}

	default:
		r.mu.Unlock()
		return fmt.Errorf("unknown delete policy %d", policy)
	}

	batch.DeleteGroups = removeGroups
	for _, s := range removeSessions {
		batch.DeleteSessions = append(batch.DeleteSessions, s.ID)
	}
	for _, s := range moveSessions {
		next := *s
		next.GroupID = ""
		batch.Sessions = append(batch.Sessions, toRow(&next))
	}
	rootOrder := r.nextGroupOrderLocked("")
	movedGroups := make([]Group, 0, len(moveGroups))
	rootNames := make(map[string]bool)
	for _, c := range r.groups {
		if c.ParentID == "" && c.ID != id {
			rootNames[strings.ToLower(c.Name)] = true
		}
	}
	for i, c := range moveGroups {
		next := *c
		next.ParentID = ""
		next.Order = rootOrder + i
		for rootNames[strings.ToLower(next.Name)] {
			next.Name += " (moved)"
		}
		rootNames[strings.ToLower(next.Name)] = true
		batch.Groups = append(batch.Groups, groupRow(&next))
		movedGroups = append(movedGroups, next)
	}

	if err := r.db.Apply(batch); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("delete group: %w", err)
	}

	for _, gid := range removeGroups {
		delete(r.groups, gid)
	}
	for _, s := range moveSessions {
		s.GroupID = ""
	}
	for _, mg := range movedGroups {
		*r.groups[mg.ID] = mg
	}
	victims := make([]Session, 0, len(removeSessions))
	for _, s := range removeSessions {
		victims = append(victims, *s)
		delete(r.sessions, s.ID)
	}
	r.touch()
	r.mu.Unlock()

	sessionLog.Info("group_deleted",
		slog.String("group", id),
		slog.String("policy", policy.String()),
		slog.Int("sessions_removed", len(victims)),
		slog.Int("sessions_moved", len(moveSessions)),
	)
	r.notify(Event{Kind: EventGroups})
	if len(victims) > 0 || len(moveSessions) > 0 {
		r.notify(Event{Kind: EventSessions})
	}

	var errs []error
	for _, s := range victims {
		if err := r.teardown(ctx, s, RemoveOptions{}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
