package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/asheshgoplani/agent-fleet/internal/backend"
	"github.com/asheshgoplani/agent-fleet/internal/errdefs"
	"github.com/asheshgoplani/agent-fleet/internal/logging"
	"github.com/asheshgoplani/agent-fleet/internal/statedb"
	"github.com/asheshgoplani/agent-fleet/internal/status"
)

var sessionLog = logging.ForComponent(logging.CompSession)

// Attacher hands the terminal to a session. The attach coordinator
// implements it.
type Attacher interface {
	Attach(ctx context.Context, id string) error
}

// Refresher asks for an out-of-cycle status poll. The scheduler implements
// it.
type Refresher interface {
	Refresh(id string)
}

// Option configures a Registry.
type Option func(*Registry)

// WithDefaultBackend sets the backend for sessions added without one.
func WithDefaultBackend(k backend.Kind) Option {
	return func(r *Registry) { r.defaultBackend = k }
}

// WithToolCommand sets the command lookup for sessions without their own.
func WithToolCommand(fn func(status.Tool) string) Option {
	return func(r *Registry) { r.toolCommand = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry is the single source of truth for one profile. All methods are
// safe for concurrent use. Status fields change only through
// ApplyStatuses; everything else changes only through the user-facing
// mutations.
type Registry struct {
	profile        Profile
	db             *statedb.StateDB
	backends       backend.Set
	defaultBackend backend.Kind
	toolCommand    func(status.Tool) string
	now            func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	groups   map[string]*Group
	// gen counts local writes. A reload that raced one is redone under mu.
	gen uint64

	hookMu    sync.RWMutex
	attacher  Attacher
	refresher Refresher

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// New builds a registry over an open, migrated database and loads it.
func New(p Profile, db *statedb.StateDB, backends backend.Set, opts ...Option) (*Registry, error) {
	r := &Registry{
		profile:        p,
		db:             db,
		backends:       backends,
		defaultBackend: backend.KindTmux,
		toolCommand:    status.Tool.DefaultCommand,
		now:            time.Now,
		sessions:       make(map[string]*Session),
		groups:         make(map[string]*Group),
		subs:           make(map[int]chan Event),
	}
	for _, o := range opts {
		o(r)
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Profile is the namespace this registry serves.
func (r *Registry) Profile() Profile { return r.profile }

// SetAttacher installs the attach coordinator.
func (r *Registry) SetAttacher(a Attacher) {
	r.hookMu.Lock()
	r.attacher = a
	r.hookMu.Unlock()
}

// SetRefresher installs the scheduler's refresh hook, called after
// start, stop and restart.
func (r *Registry) SetRefresher(f Refresher) {
	r.hookMu.Lock()
	r.refresher = f
	r.hookMu.Unlock()
}

func (r *Registry) refresh(id string) {
	r.hookMu.RLock()
	f := r.refresher
	r.hookMu.RUnlock()
	if f != nil {
		f.Refresh(id)
	}
}

// Reload replaces the in-memory model with the database contents. Attach
// marks survive. Dangling group references and parent cycles found on disk
// are repaired by moving the node to the root. A local write that lands
// while the rows are read is never reverted.
func (r *Registry) Reload() error {
	r.mu.RLock()
	gen := r.gen
	r.mu.RUnlock()

	sessions, groups, err := r.load()
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.gen != gen {
		// Writers hold mu across their database write, so a load under
		// mu sees all of them.
		sessions, groups, err = r.load()
		if err != nil {
			r.mu.Unlock()
			return err
		}
	}
	for id, old := range r.sessions {
		if s, ok := sessions[id]; ok {
			s.Attached = old.Attached
		}
	}
	r.sessions = sessions
	r.groups = groups
	r.mu.Unlock()

	r.notify(Event{Kind: EventSessions})
	return nil
}

func (r *Registry) load() (map[string]*Session, map[string]*Group, error) {
	rows, err := r.db.LoadSessions()
	if err != nil {
		return nil, nil, fmt.Errorf("load sessions: %w", err)
	}
	grows, err := r.db.LoadGroups()
	if err != nil {
		return nil, nil, fmt.Errorf("load groups: %w", err)
	}

	groups := make(map[string]*Group, len(grows))
	for _, g := range grows {
		groups[g.ID] = &Group{ID: g.ID, Name: g.Name, ParentID: g.ParentID, Order: g.Order, Collapsed: g.Collapsed}
	}
	for _, g := range groups {
		if g.ParentID == "" {
			continue
		}
		if _, ok := groups[g.ParentID]; !ok || hasCycle(groups, g.ID) {
			sessionLog.Warn("group_parent_repaired", slog.String("group", g.ID), slog.String("parent", g.ParentID))
			g.ParentID = ""
		}
	}

	sessions := make(map[string]*Session, len(rows))
	for _, row := range rows {
		s := fromRow(row)
		if s.GroupID != "" {
			if _, ok := groups[s.GroupID]; !ok {
				sessionLog.Warn("session_group_repaired", slog.String("session", s.ID), slog.String("group", s.GroupID))
				s.GroupID = ""
			}
		}
		sessions[s.ID] = s
	}
	return sessions, groups, nil
}

func fromRow(row *statedb.SessionRow) *Session {
	st, err := status.ParseState(row.Status)
	if err != nil {
		st = status.Unknown
	}
	kind, err := backend.ParseKind(row.Backend)
	if err != nil {
		kind = backend.KindTmux
	}
	var wt *Worktree
	if row.WorktreePath != "" {
		wt = &Worktree{Path: row.WorktreePath, Repo: row.WorktreeRepo, Branch: row.WorktreeBranch}
	}
	return &Session{
		ID:           row.ID,
		Title:        row.Title,
		WorkDir:      row.WorkDir,
		Command:      row.Command,
		Handle:       row.Handle,
		Tool:         status.ParseTool(row.Tool),
		Backend:      kind,
		GroupID:      row.GroupID,
		Order:        row.Order,
		Status:       st,
		LastPolledAt: row.LastPolledAt,
		CreatedAt:    row.CreatedAt,
		Worktree:     wt,
	}
}

func toRow(s *Session) *statedb.SessionRow {
	row := &statedb.SessionRow{
		ID:           s.ID,
		Title:        s.Title,
		WorkDir:      s.WorkDir,
		Command:      s.Command,
		Handle:       s.Handle,
		Tool:         string(s.Tool),
		Backend:      string(s.Backend),
		GroupID:      s.GroupID,
		Status:       string(s.Status),
		Order:        s.Order,
		CreatedAt:    s.CreatedAt,
		LastPolledAt: s.LastPolledAt,
	}
	if s.Worktree != nil {
		row.WorktreePath = s.Worktree.Path
		row.WorktreeRepo = s.Worktree.Repo
		row.WorktreeBranch = s.Worktree.Branch
	}
	return row
}

func groupRow(g *Group) *statedb.GroupRow {
	return &statedb.GroupRow{ID: g.ID, Name: g.Name, ParentID: g.ParentID, Order: g.Order, Collapsed: g.Collapsed}
}

// touch marks the database changed for other processes. Failure only
// delays their reload. Callers hold mu.
func (r *Registry) touch() {
	r.gen++
	if err := r.db.Touch(); err != nil {
		sessionLog.Debug("touch_failed", slog.String("error", err.Error()))
	}
}

// Sessions returns copies of every session in display order.
func (r *Registry) Sessions() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedSessionsLocked()
}

func (r *Registry) sortedSessionsLocked() []Session {
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Live is the set the scheduler polls. Stopped sessions are included so a
// process restarted outside the registry is picked up again.
func (r *Registry) Live() []Session {
	return r.Sessions()
}

// Session returns one session by id.
func (r *Registry) Session(id string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("session %s: %w", id, errdefs.ErrNotFound)
	}
	return *s, nil
}

// Groups returns copies of every group ordered by parent, order, name.
func (r *Registry) Groups() []Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ParentID != out[j].ParentID {
			return out[i].ParentID < out[j].ParentID
		}
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Group returns one group by id.
func (r *Registry) Group(id string) (Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[id]
	if !ok {
		return Group{}, fmt.Errorf("group %s: %w", id, errdefs.ErrNotFound)
	}
	return *g, nil
}

// Counts aggregates the current statuses.
func (r *Registry) Counts() Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := Counts{Total: len(r.sessions), ByState: make(map[status.State]int)}
	for _, s := range r.sessions {
		c.ByState[s.Status]++
	}
	return c
}

// StatusUpdate is one classification result for ApplyStatuses. A zero
// PolledAt means the poll did not succeed and LastPolledAt is kept.
type StatusUpdate struct {
	ID       string
	State    status.State
	PolledAt time.Time
}

// Transition records a status change made by ApplyStatuses.
type Transition struct {
	ID    string
	Title string
	From  status.State
	To    status.State
	At    time.Time
}

// ApplyStatuses is the only writer of Status and LastPolledAt. Updates for
// ids that no longer exist are dropped. The in-memory model is updated even
// when the database write fails; the error is returned for logging.
func (r *Registry) ApplyStatuses(updates []StatusUpdate) ([]Transition, error) {
	if len(updates) == 0 {
		return nil, nil
	}
	now := r.now()

	r.mu.Lock()
	r.gen++
	var (
		rows        []statedb.StatusUpdate
		transitions []Transition
	)
	for _, u := range updates {
		s, ok := r.sessions[u.ID]
		if !ok {
			continue
		}
		if !u.PolledAt.IsZero() {
			s.LastPolledAt = u.PolledAt
		}
		if s.Status != u.State {
			transitions = append(transitions, Transition{ID: s.ID, Title: s.Title, From: s.Status, To: u.State, At: now})
			s.Status = u.State
		}
		rows = append(rows, statedb.StatusUpdate{ID: s.ID, Status: string(s.Status), PolledAt: s.LastPolledAt})
	}
	err := r.db.WriteStatuses(rows)
	if err == nil && len(transitions) > 0 {
		r.touch()
	}
	r.mu.Unlock()

	if len(transitions) > 0 {
		for _, t := range transitions {
			sessionLog.Debug("status_changed",
				slog.String("session", t.ID),
				slog.String("from", string(t.From)),
				slog.String("to", string(t.To)),
			)
		}
		r.notify(Event{Kind: EventStatus, Transitions: transitions})
	}
	if err != nil {
		return transitions, fmt.Errorf("persist statuses: %w", err)
	}
	return transitions, nil
}

// EventKind tells subscribers what changed.
type EventKind int

const (
	// EventSessions: sessions were added, removed or edited.
	EventSessions EventKind = iota
	// EventGroups: the group forest changed.
	EventGroups
	// EventStatus: ApplyStatuses changed at least one status.
	EventStatus
)

// Event is delivered to subscribers.
type Event struct {
	Kind        EventKind
	Transitions []Transition
}

const subscriberBuffer = 32

// Subscribe returns a channel of change events and a cancel func. Sends
// never block: a subscriber that falls behind loses events and should
// re-read the snapshot.
func (r *Registry) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subs, id)
			r.subMu.Unlock()
			close(ch)
		})
	}
}

func (r *Registry) notify(ev Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			logging.Aggregate(logging.CompSession, "subscriber_dropped_event")
		}
	}
}
