package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/asheshgoplani/agent-fleet/internal/backend"
	"github.com/asheshgoplani/agent-fleet/internal/errdefs"
	"github.com/asheshgoplani/agent-fleet/internal/git"
	"github.com/asheshgoplani/agent-fleet/internal/statedb"
	"github.com/asheshgoplani/agent-fleet/internal/status"
)

// AddOptions describes a new session.
type AddOptions struct {
	Title   string
	WorkDir string
	Tool    status.Tool
	Backend backend.Kind
	GroupID string
	Command string

	// Start creates the backend process right away.
	Start bool

	// Worktree, when set, runs the session on a new git worktree of the
	// repository holding WorkDir.
	Worktree *WorktreeOptions
}

// WorktreeOptions picks the branch and location of a session worktree.
type WorktreeOptions struct {
	Branch string

	// PathTemplate defaults to git.DefaultPathTemplate.
	PathTemplate string
}

// Add registers a session. With Start set the backend process is created
// too; if that fails the session is rolled back and the error returned.
// A worktree created for the session is removed again on any failure.
func (r *Registry) Add(ctx context.Context, opts AddOptions) (Session, error) {
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return Session{}, fmt.Errorf("session title cannot be empty")
	}
	if opts.WorkDir == "" {
		return Session{}, fmt.Errorf("session working directory cannot be empty")
	}
	kind := opts.Backend
	if kind == "" {
		kind = r.defaultBackend
	}
	b, err := r.backends.Get(kind)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %w", err, errdefs.ErrUnavailable)
	}
	tool := opts.Tool
	if tool == "" {
		tool = status.ToolUnknown
	}

	workDir := opts.WorkDir
	var wt *Worktree
	if opts.Worktree != nil {
		var branchCreated bool
		wt, branchCreated, err = createWorktree(ctx, opts.WorkDir, *opts.Worktree)
		if err != nil {
			return Session{}, err
		}
		workDir = wt.Path
		defer func() {
			if wt != nil {
				dropWorktree(wt, branchCreated)
			}
		}()
	}

	r.mu.Lock()
	if opts.GroupID != "" {
		if _, ok := r.groups[opts.GroupID]; !ok {
			r.mu.Unlock()
			return Session{}, fmt.Errorf("group %s: %w", opts.GroupID, errdefs.ErrNotFound)
		}
	}
	s := &Session{
		Title:     title,
		WorkDir:   workDir,
		Worktree:  wt,
		Command:   opts.Command,
		Tool:      tool,
		Backend:   kind,
		GroupID:   opts.GroupID,
		Order:     r.nextOrderLocked(),
		Status:    status.Stopped,
		CreatedAt: r.now(),
	}
	if opts.Start {
		s.Status = status.Unknown
	}
	if err := r.assignIdentityLocked(s); err != nil {
		r.mu.Unlock()
		return Session{}, err
	}
	if err := r.db.SaveSession(toRow(s)); err != nil {
		r.mu.Unlock()
		return Session{}, fmt.Errorf("save session: %w", err)
	}
	r.sessions[s.ID] = s
	r.touch()
	out := *s
	r.mu.Unlock()

	sessionLog.Info("session_added",
		slog.String("session", out.ID),
		slog.String("handle", out.Handle),
		slog.String("tool", string(out.Tool)),
		slog.String("backend", string(out.Backend)),
	)

	if opts.Start {
		if err := b.Create(ctx, out.Handle, r.commandFor(out), out.WorkDir); err != nil {
			r.mu.Lock()
			delete(r.sessions, out.ID)
			dbErr := r.db.DeleteSession(out.ID)
			r.touch()
			r.mu.Unlock()
			if dbErr != nil {
				sessionLog.Warn("add_rollback_failed", slog.String("session", out.ID), slog.String("error", dbErr.Error()))
			}
			return Session{}, fmt.Errorf("start %s: %w", out.Title, err)
		}
		r.refresh(out.ID)
	}
	wt = nil
	r.notify(Event{Kind: EventSessions})
	return out, nil
}

func createWorktree(ctx context.Context, dir string, opts WorktreeOptions) (*Worktree, bool, error) {
	repo, err := git.RepoRoot(ctx, dir)
	if err != nil {
		return nil, false, err
	}
	path := git.WorktreePath(git.PathOptions{
		RepoDir:   repo,
		Branch:    opts.Branch,
		SessionID: git.NewPathID(),
		Template:  opts.PathTemplate,
	})
	created, err := git.CreateWorktree(ctx, repo, path, opts.Branch)
	if err != nil {
		return nil, false, fmt.Errorf("create worktree: %w", err)
	}
	sessionLog.Info("worktree_created",
		slog.String("path", path),
		slog.String("branch", opts.Branch),
		slog.Bool("new_branch", created),
	)
	return &Worktree{Path: path, Repo: repo, Branch: opts.Branch}, created, nil
}

// dropWorktree undoes createWorktree after a failed Add. It runs on its own
// context because the caller's may be what failed.
func dropWorktree(wt *Worktree, branchCreated bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := git.RemoveWorktree(ctx, wt.Repo, wt.Path, true); err != nil {
		sessionLog.Warn("worktree_rollback_failed", slog.String("path", wt.Path), slog.String("error", err.Error()))
		return
	}
	if branchCreated {
		if err := git.DeleteBranch(ctx, wt.Repo, wt.Branch); err != nil {
			sessionLog.Warn("branch_rollback_failed", slog.String("branch", wt.Branch), slog.String("error", err.Error()))
		}
	}
}

// assignIdentityLocked picks an id and handle unique within the profile.
func (r *Registry) assignIdentityLocked(s *Session) error {
	for attempt := 0; attempt < 5; attempt++ {
		id := NewID()
		if _, taken := r.sessions[id]; taken {
			continue
		}
		handle := DeriveHandle(r.profile.Name, s.Title, id)
		if r.handleTakenLocked(handle) {
			continue
		}
		s.ID, s.Handle = id, handle
		return nil
	}
	return fmt.Errorf("could not allocate a unique session id: %w", errdefs.ErrAlreadyExists)
}

func (r *Registry) handleTakenLocked(handle string) bool {
	for _, other := range r.sessions {
		if other.Handle == handle {
			return true
		}
	}
	return false
}

func (r *Registry) nextOrderLocked() int {
	next := 0
	for _, s := range r.sessions {
		if s.Order >= next {
			next = s.Order + 1
		}
	}
	return next
}

func (r *Registry) commandFor(s Session) string {
	if s.Command != "" {
		return s.Command
	}
	return r.toolCommand(s.Tool)
}

// RemoveOptions controls Remove.
type RemoveOptions struct {
	// KeepProcess leaves the backend process running (orphaned). The
	// worktree, if any, stays too.
	KeepProcess bool

	// KeepWorktree leaves the session's git worktree on disk.
	KeepWorktree bool

	// Force removes a worktree with uncommitted changes.
	Force bool

	// DeleteBranch deletes the worktree's branch after the worktree.
	DeleteBranch bool
}

// Remove deletes a session from the registry and, unless KeepProcess is
// set, kills its backend process, releases any sandbox container and
// removes its git worktree.
func (r *Registry) Remove(ctx context.Context, id string, opts RemoveOptions) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("session %s: %w", id, errdefs.ErrNotFound)
	}
	if s.Attached {
		r.mu.Unlock()
		return fmt.Errorf("session %s is attached: %w", s.Title, errdefs.ErrInvalidState)
	}
	if err := r.db.DeleteSession(id); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("delete session: %w", err)
	}
	delete(r.sessions, id)
	r.touch()
	victim := *s
	r.mu.Unlock()

	r.notify(Event{Kind: EventSessions})
	sessionLog.Info("session_removed", slog.String("session", id), slog.Bool("keep_process", opts.KeepProcess))

	if opts.KeepProcess {
		return nil
	}
	return r.teardown(ctx, victim, opts)
}

func (r *Registry) teardown(ctx context.Context, s Session, opts RemoveOptions) error {
	var errs []error
	b, err := r.backends.Get(s.Backend)
	if err != nil {
		errs = append(errs, err)
	} else {
		if err := b.Kill(ctx, s.Handle); err != nil {
			errs = append(errs, fmt.Errorf("kill %s: %w", s.Handle, err))
		}
		if d, ok := b.(backend.Destroyer); ok {
			if err := d.Destroy(ctx, s.Handle); err != nil {
				errs = append(errs, fmt.Errorf("destroy %s: %w", s.Handle, err))
			}
		}
	}
	if s.Worktree != nil && !opts.KeepWorktree {
		if err := removeWorktree(ctx, s.Worktree, opts); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// removeWorktree deletes a session's worktree. A worktree already gone
// from disk is not an error.
func removeWorktree(ctx context.Context, wt *Worktree, opts RemoveOptions) error {
	err := git.RemoveWorktree(ctx, wt.Repo, wt.Path, opts.Force)
	switch {
	case errors.Is(err, errdefs.ErrNotFound):
	case err != nil:
		return fmt.Errorf("remove worktree %s: %w", wt.Path, err)
	default:
		sessionLog.Info("worktree_removed", slog.String("path", wt.Path))
	}
	if opts.DeleteBranch && wt.Branch != "" {
		if err := git.DeleteBranch(ctx, wt.Repo, wt.Branch); err != nil {
			return fmt.Errorf("delete branch %s: %w", wt.Branch, err)
		}
	}
	return nil
}

// update applies fn to one session under the write lock and persists it.
// fn returns an error to abort without changes.
func (r *Registry) update(id string, fn func(s *Session) error) (Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return Session{}, fmt.Errorf("session %s: %w", id, errdefs.ErrNotFound)
	}
	next := *s
	if err := fn(&next); err != nil {
		r.mu.Unlock()
		return Session{}, err
	}
	if err := r.db.SaveSession(toRow(&next)); err != nil {
		r.mu.Unlock()
		return Session{}, fmt.Errorf("save session: %w", err)
	}
	*s = next
	r.touch()
	r.mu.Unlock()

	r.notify(Event{Kind: EventSessions})
	return next, nil
}

// Rename changes the title. The handle keeps the name it was created with
// because the backend process is already addressed by it.
func (r *Registry) Rename(id, title string) (Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return Session{}, fmt.Errorf("session title cannot be empty")
	}
	return r.update(id, func(s *Session) error {
		s.Title = title
		return nil
	})
}

// Move places a session in a group. An empty groupID means the root.
func (r *Registry) Move(id, groupID string) (Session, error) {
	return r.update(id, func(s *Session) error {
		if groupID != "" {
			if _, ok := r.groups[groupID]; !ok {
				return fmt.Errorf("group %s: %w", groupID, errdefs.ErrNotFound)
			}
		}
		s.GroupID = groupID
		return nil
	})
}

// SetTool changes which classifier strategy applies.
func (r *Registry) SetTool(id string, tool status.Tool) (Session, error) {
	if tool == "" {
		tool = status.ToolUnknown
	}
	s, err := r.update(id, func(s *Session) error {
		s.Tool = tool
		return nil
	})
	if err == nil {
		r.refresh(id)
	}
	return s, err
}

// Start creates the backend process of a stopped session.
func (r *Registry) Start(ctx context.Context, id string) error {
	s, b, err := r.resolve(id)
	if err != nil {
		return err
	}
	alive, err := b.Exists(ctx, s.Handle)
	if err != nil {
		return err
	}
	if alive {
		return fmt.Errorf("session %s is already running: %w", s.Title, errdefs.ErrInvalidState)
	}
	if err := b.Create(ctx, s.Handle, r.commandFor(s), s.WorkDir); err != nil {
		return fmt.Errorf("start %s: %w", s.Title, err)
	}
	sessionLog.Info("session_started", slog.String("session", id))
	r.refresh(id)
	return nil
}

// Stop kills the backend process and keeps the session. A sandbox
// container is stopped but kept for the next start.
func (r *Registry) Stop(ctx context.Context, id string) error {
	s, b, err := r.resolve(id)
	if err != nil {
		return err
	}
	if s.Attached {
		return fmt.Errorf("session %s is attached: %w", s.Title, errdefs.ErrInvalidState)
	}
	if err := b.Kill(ctx, s.Handle); err != nil {
		return fmt.Errorf("stop %s: %w", s.Title, err)
	}
	sessionLog.Info("session_stopped", slog.String("session", id))
	r.refresh(id)
	return nil
}

// Restart is Stop followed by Start.
func (r *Registry) Restart(ctx context.Context, id string) error {
	s, b, err := r.resolve(id)
	if err != nil {
		return err
	}
	if s.Attached {
		return fmt.Errorf("session %s is attached: %w", s.Title, errdefs.ErrInvalidState)
	}
	if err := b.Kill(ctx, s.Handle); err != nil {
		return fmt.Errorf("restart %s: %w", s.Title, err)
	}
	if err := b.Create(ctx, s.Handle, r.commandFor(s), s.WorkDir); err != nil {
		r.refresh(id)
		return fmt.Errorf("restart %s: %w", s.Title, err)
	}
	sessionLog.Info("session_restarted", slog.String("session", id))
	r.refresh(id)
	return nil
}

// SendKeys types keys into the session without attaching.
func (r *Registry) SendKeys(ctx context.Context, id, keys string) error {
	s, b, err := r.resolve(id)
	if err != nil {
		return err
	}
	if err := b.SendKeys(ctx, s.Handle, keys); err != nil {
		return fmt.Errorf("send keys to %s: %w", s.Title, err)
	}
	r.refresh(id)
	return nil
}

// Attach delegates to the installed Attacher and blocks until detach.
func (r *Registry) Attach(ctx context.Context, id string) error {
	r.hookMu.RLock()
	a := r.attacher
	r.hookMu.RUnlock()
	if a == nil {
		return fmt.Errorf("attach is not available in this mode: %w", errdefs.ErrUnavailable)
	}
	return a.Attach(ctx, id)
}

// BeginAttach marks a session attached. A second attach to the same
// session returns ErrInvalidState.
func (r *Registry) BeginAttach(id string) (Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return Session{}, fmt.Errorf("session %s: %w", id, errdefs.ErrNotFound)
	}
	if s.Attached {
		r.mu.Unlock()
		return Session{}, fmt.Errorf("session %s is already attached: %w", s.Title, errdefs.ErrInvalidState)
	}
	s.Attached = true
	out := *s
	r.mu.Unlock()
	r.notify(Event{Kind: EventSessions})
	return out, nil
}

// EndAttach clears the attach mark. Unknown ids are ignored since the
// session may have been removed from another process meanwhile.
func (r *Registry) EndAttach(id string) {
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		s.Attached = false
	}
	r.mu.Unlock()
	r.notify(Event{Kind: EventSessions})
}

// Backend returns the backend serving a session.
func (r *Registry) Backend(id string) (Session, backend.Backend, error) {
	return r.resolve(id)
}

func (r *Registry) resolve(id string) (Session, backend.Backend, error) {
	s, err := r.Session(id)
	if err != nil {
		return Session{}, nil, err
	}
	b, err := r.backends.Get(s.Backend)
	if err != nil {
		return Session{}, nil, fmt.Errorf("%w: %w", err, errdefs.ErrUnavailable)
	}
	return s, b, nil
}

// CreateProfile initialises an empty profile database.
func CreateProfile(name string) (Profile, error) {
	p, err := GetProfile(name)
	if err != nil {
		return Profile{}, err
	}
	if p.Exists() {
		return Profile{}, fmt.Errorf("profile %q: %w", name, errdefs.ErrAlreadyExists)
	}
	if err := p.Ensure(); err != nil {
		return Profile{}, err
	}
	db, err := statedb.Open(p.DBPath())
	if err != nil {
		return Profile{}, err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return Profile{}, fmt.Errorf("initialise profile storage: %w", err)
	}
	return p, nil
}
