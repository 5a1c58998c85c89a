// Package statedb persists one profile's sessions, groups and web push
// subscriptions in SQLite.
package statedb

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SchemaVersion is written to metadata by Migrate.
const SchemaVersion = 2

// StateDB wraps the profile database. It is safe for concurrent use, and
// several processes may share a file through WAL mode and the busy timeout.
type StateDB struct {
	db *sql.DB

	// writer tags the change markers this handle writes. overwrote is set
	// when Touch replaced a marker written by someone else.
	writer    string
	overwrote atomic.Bool
}

// SessionRow is one persisted session.
type SessionRow struct {
	ID           string
	Title        string
	WorkDir      string
	Command      string
	Handle       string
	Tool         string
	Backend      string
	GroupID      string
	Status       string
	Order        int
	CreatedAt    time.Time
	LastPolledAt time.Time

	// Worktree fields are set for sessions that own a git worktree.
	WorktreePath   string
	WorktreeRepo   string
	WorktreeBranch string
}

// GroupRow is one persisted group. ParentID is empty for roots.
type GroupRow struct {
	ID        string
	Name      string
	ParentID  string
	Order     int
	Collapsed bool
}

// StatusUpdate is one status write from the scheduler.
type StatusUpdate struct {
	ID       string
	Status   string
	PolledAt time.Time
}

// PushSubscription is a browser web push endpoint.
type PushSubscription struct {
	Endpoint  string
	P256dh    string
	Auth      string
	CreatedAt time.Time
}

// Open creates or opens the database at dbPath.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}
	// busy_timeout is per connection, so it goes in the DSN where every
	// pooled connection picks it up.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("statedb: %s: %w", pragma, err)
		}
	}
	return &StateDB{db: db, writer: uuid.NewString()}, nil
}

// Close checkpoints the WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Migrate creates the current schema.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS groups (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			parent_id  TEXT NOT NULL DEFAULT '',
			sort_order INTEGER NOT NULL DEFAULT 0,
			collapsed  INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id             TEXT PRIMARY KEY,
			title          TEXT NOT NULL,
			work_dir       TEXT NOT NULL DEFAULT '',
			command        TEXT NOT NULL DEFAULT '',
			handle         TEXT NOT NULL UNIQUE,
			tool           TEXT NOT NULL DEFAULT 'unknown',
			backend        TEXT NOT NULL DEFAULT 'tmux',
			group_id       TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL DEFAULT 'unknown',
			sort_order     INTEGER NOT NULL DEFAULT 0,
			created_at     INTEGER NOT NULL,
			last_polled_at INTEGER NOT NULL DEFAULT 0,
			worktree_path   TEXT NOT NULL DEFAULT '',
			worktree_repo   TEXT NOT NULL DEFAULT '',
			worktree_branch TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS push_subscriptions (
			endpoint   TEXT PRIMARY KEY,
			p256dh     TEXT NOT NULL,
			auth       TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("statedb: migrate: %w", err)
		}
	}
	// Version 1 databases predate worktrees.
	for _, col := range []string{"worktree_path", "worktree_repo", "worktree_branch"} {
		if err := addColumnIfMissing(tx, "sessions", col, "TEXT NOT NULL DEFAULT ''"); err != nil {
			return fmt.Errorf("statedb: migrate: %w", err)
		}
	}
	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)`,
		strconv.Itoa(SchemaVersion),
	); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}
	return tx.Commit()
}

func addColumnIfMissing(tx *sql.Tx, table, column, decl string) error {
	rows, err := tx.Query("SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()
	_, err = tx.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}

const sessionColumns = `id, title, work_dir, command, handle, tool, backend,
	group_id, status, sort_order, created_at, last_polled_at,
	worktree_path, worktree_repo, worktree_branch`

const upsertSession = `INSERT OR REPLACE INTO sessions (` + sessionColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func sessionArgs(r *SessionRow) []any {
	return []any{
		r.ID, r.Title, r.WorkDir, r.Command, r.Handle, r.Tool, r.Backend,
		r.GroupID, r.Status, r.Order, r.CreatedAt.Unix(), unixMilli(r.LastPolledAt),
		r.WorktreePath, r.WorktreeRepo, r.WorktreeBranch,
	}
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// SaveSession inserts or replaces one session.
func (s *StateDB) SaveSession(r *SessionRow) error {
	_, err := s.db.Exec(upsertSession, sessionArgs(r)...)
	return err
}

// DeleteSession removes a session by id.
func (s *StateDB) DeleteSession(id string) error {
	_, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", id)
	return err
}

// LoadSessions returns every session ordered by sort_order.
func (s *StateDB) LoadSessions() ([]*SessionRow, error) {
	rows, err := s.db.Query(`SELECT ` + sessionColumns + ` FROM sessions ORDER BY sort_order, created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SessionRow
	for rows.Next() {
		r := &SessionRow{}
		var created, polled int64
		if err := rows.Scan(
			&r.ID, &r.Title, &r.WorkDir, &r.Command, &r.Handle, &r.Tool, &r.Backend,
			&r.GroupID, &r.Status, &r.Order, &created, &polled,
			&r.WorktreePath, &r.WorktreeRepo, &r.WorktreeBranch,
		); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(created, 0)
		if polled > 0 {
			r.LastPolledAt = time.UnixMilli(polled)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// WriteStatuses applies a batch of status updates in one transaction.
func (s *StateDB) WriteStatuses(updates []StatusUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare("UPDATE sessions SET status = ?, last_polled_at = ? WHERE id = ?")
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, u := range updates {
		if _, err := stmt.Exec(u.Status, unixMilli(u.PolledAt), u.ID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ReadStatuses returns the persisted status of every session.
func (s *StateDB) ReadStatuses() (map[string]StatusUpdate, error) {
	rows, err := s.db.Query("SELECT id, status, last_polled_at FROM sessions")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]StatusUpdate)
	for rows.Next() {
		var u StatusUpdate
		var polled int64
		if err := rows.Scan(&u.ID, &u.Status, &polled); err != nil {
			return nil, err
		}
		if polled > 0 {
			u.PolledAt = time.UnixMilli(polled)
		}
		out[u.ID] = u
	}
	return out, rows.Err()
}

// SaveGroup inserts or replaces one group.
func (s *StateDB) SaveGroup(g *GroupRow) error {
	return saveGroup(s.db, g)
}

func saveGroup(e execer, g *GroupRow) error {
	_, err := e.Exec(
		`INSERT OR REPLACE INTO groups (id, name, parent_id, sort_order, collapsed) VALUES (?, ?, ?, ?, ?)`,
		g.ID, g.Name, g.ParentID, g.Order, boolInt(g.Collapsed),
	)
	return err
}

// LoadGroups returns every group ordered by sort_order.
func (s *StateDB) LoadGroups() ([]*GroupRow, error) {
	rows, err := s.db.Query(`SELECT id, name, parent_id, sort_order, collapsed FROM groups ORDER BY sort_order, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*GroupRow
	for rows.Next() {
		g := &GroupRow{}
		var collapsed int
		if err := rows.Scan(&g.ID, &g.Name, &g.ParentID, &g.Order, &collapsed); err != nil {
			return nil, err
		}
		g.Collapsed = collapsed != 0
		out = append(out, g)
	}
	return out, rows.Err()
}

// Batch is a set of writes applied atomically by Apply.
type Batch struct {
	Sessions       []*SessionRow
	Groups         []*GroupRow
	DeleteSessions []string
	DeleteGroups   []string
}

// Apply writes b in one transaction, so a group delete and the moves it
// implies land together or not at all.
func (s *StateDB) Apply(b Batch) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range b.DeleteSessions {
		if _, err := tx.Exec("DELETE FROM sessions WHERE id = ?", id); err != nil {
			return err
		}
	}
	for _, id := range b.DeleteGroups {
		if _, err := tx.Exec("DELETE FROM groups WHERE id = ?", id); err != nil {
			return err
		}
	}
	for _, g := range b.Groups {
		if err := saveGroup(tx, g); err != nil {
			return err
		}
	}
	for _, r := range b.Sessions {
		if _, err := tx.Exec(upsertSession, sessionArgs(r)...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteGroup removes a group by id.
func (s *StateDB) DeleteGroup(id string) error {
	_, err := s.db.Exec("DELETE FROM groups WHERE id = ?", id)
	return err
}

// SavePushSubscription registers or refreshes a push endpoint.
func (s *StateDB) SavePushSubscription(p PushSubscription) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO push_subscriptions (endpoint, p256dh, auth, created_at) VALUES (?, ?, ?, ?)`,
		p.Endpoint, p.P256dh, p.Auth, p.CreatedAt.Unix(),
	)
	return err
}

// DeletePushSubscription forgets an endpoint.
func (s *StateDB) DeletePushSubscription(endpoint string) error {
	_, err := s.db.Exec("DELETE FROM push_subscriptions WHERE endpoint = ?", endpoint)
	return err
}

// LoadPushSubscriptions returns every registered endpoint.
func (s *StateDB) LoadPushSubscriptions() ([]PushSubscription, error) {
	rows, err := s.db.Query("SELECT endpoint, p256dh, auth, created_at FROM push_subscriptions ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PushSubscription
	for rows.Next() {
		var p PushSubscription
		var created int64
		if err := rows.Scan(&p.Endpoint, &p.P256dh, &p.Auth, &created); err != nil {
			return nil, err
		}
		p.CreatedAt = time.Unix(created, 0)
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetMeta sets a metadata key.
func (s *StateDB) SetMeta(key, value string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)", key, value)
	return err
}

// GetMeta returns a metadata value, or "" when unset.
func (s *StateDB) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// Touch bumps a change marker other processes poll to notice writes.
func (s *StateDB) Touch() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var prev string
	err = tx.QueryRow("SELECT value FROM metadata WHERE key = 'last_modified'").Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	value := strconv.FormatInt(time.Now().UnixNano(), 10) + " " + s.writer
	if _, err := tx.Exec("INSERT OR REPLACE INTO metadata (key, value) VALUES ('last_modified', ?)", value); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if prev != "" {
		if _, w := parseMarker(prev); w != s.writer {
			s.overwrote.Store(true)
		}
	}
	return nil
}

// LastModified returns the change marker, or 0.
func (s *StateDB) LastModified() (int64, error) {
	val, err := s.GetMeta("last_modified")
	if err != nil || val == "" {
		return 0, err
	}
	at, _ := parseMarker(val)
	if at == 0 {
		return 0, fmt.Errorf("statedb: bad change marker %q", val)
	}
	return at, nil
}

// ForeignChange reports whether a writer other than this handle touched
// the database since the marker last returned. A foreign marker that this
// handle's own Touch overwrote still counts.
func (s *StateDB) ForeignChange(since int64) (int64, bool, error) {
	val, err := s.GetMeta("last_modified")
	if err != nil {
		return since, false, err
	}
	at, writer := parseMarker(val)
	overwrote := s.overwrote.Swap(false)
	if at == since {
		return at, overwrote, nil
	}
	return at, overwrote || writer != s.writer, nil
}

// parseMarker splits "<unix nanos> <writer>". Markers from older builds
// carry no writer.
func parseMarker(val string) (int64, string) {
	fields := strings.Fields(val)
	if len(fields) == 0 {
		return 0, ""
	}
	at, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, ""
	}
	if len(fields) > 1 {
		return at, fields[1]
	}
	return at, ""
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
