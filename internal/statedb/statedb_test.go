package statedb

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *StateDB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleSession(id string, order int) *SessionRow {
	return &SessionRow{
		ID:        id,
		Title:     "title " + id,
		WorkDir:   "/src/" + id,
		Handle:    "fleet_" + id,
		Tool:      "claude",
		Backend:   "tmux",
		Status:    "unknown",
		Order:     order,
		CreatedAt: time.Unix(1700000000, 0),
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	db1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db1.Migrate())
	require.NoError(t, db1.SaveSession(sampleSession("a", 0)))
	require.NoError(t, db1.Close())

	db2, err := Open(path)
	require.NoError(t, err)
	defer db2.Close()
	require.NoError(t, db2.Migrate())

	rows, err := db2.LoadSessions()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "title a", rows[0].Title)

	v, err := db2.GetMeta("schema_version")
	require.NoError(t, err)
	assert.Equal(t, "2", v)
}

func TestMigrateAddsWorktreeColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	// A version 1 sessions table.
	_, err = db.db.Exec(`CREATE TABLE sessions (
		id TEXT PRIMARY KEY, title TEXT NOT NULL, work_dir TEXT NOT NULL DEFAULT '',
		command TEXT NOT NULL DEFAULT '', handle TEXT NOT NULL UNIQUE,
		tool TEXT NOT NULL DEFAULT 'unknown', backend TEXT NOT NULL DEFAULT 'tmux',
		group_id TEXT NOT NULL DEFAULT '', status TEXT NOT NULL DEFAULT 'unknown',
		sort_order INTEGER NOT NULL DEFAULT 0, created_at INTEGER NOT NULL,
		last_polled_at INTEGER NOT NULL DEFAULT 0)`)
	require.NoError(t, err)
	_, err = db.db.Exec(`INSERT INTO sessions (id, title, handle, created_at) VALUES ('old', 'old', 'fleet_old', 1)`)
	require.NoError(t, err)

	require.NoError(t, db.Migrate())
	require.NoError(t, db.Migrate())

	s := sampleSession("wt", 1)
	s.WorktreePath = "/src/api-worktrees/feat"
	s.WorktreeRepo = "/src/api"
	s.WorktreeBranch = "feat"
	require.NoError(t, db.SaveSession(s))

	rows, err := db.LoadSessions()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	byID := map[string]*SessionRow{rows[0].ID: rows[0], rows[1].ID: rows[1]}
	assert.Empty(t, byID["old"].WorktreePath)
	assert.Equal(t, "/src/api-worktrees/feat", byID["wt"].WorktreePath)
	assert.Equal(t, "/src/api", byID["wt"].WorktreeRepo)
	assert.Equal(t, "feat", byID["wt"].WorktreeBranch)
}

func TestSessionRoundTrip(t *testing.T) {
	db := newTestDB(t)
	polled := time.UnixMilli(1700000123456)
	s := sampleSession("b", 1)
	s.GroupID = "g1"
	s.Command = "claude --continue"
	s.LastPolledAt = polled
	require.NoError(t, db.SaveSession(sampleSession("a", 2)))
	require.NoError(t, db.SaveSession(s))

	rows, err := db.LoadSessions()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "b", rows[0].ID, "ordered by sort_order")
	assert.Equal(t, "g1", rows[0].GroupID)
	assert.Equal(t, "claude --continue", rows[0].Command)
	assert.True(t, polled.Equal(rows[0].LastPolledAt))
	assert.True(t, rows[1].LastPolledAt.IsZero())

	require.NoError(t, db.DeleteSession("a"))
	rows, err = db.LoadSessions()
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestHandleIsUnique(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.SaveSession(sampleSession("a", 0)))
	dup := sampleSession("b", 1)
	dup.Handle = "fleet_a"

	_, err := db.db.Exec(`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionArgs(dup)...)
	assert.Error(t, err)
}

func TestWriteStatuses(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.SaveSession(sampleSession("a", 0)))
	require.NoError(t, db.SaveSession(sampleSession("b", 1)))

	at := time.UnixMilli(1700000999000)
	require.NoError(t, db.WriteStatuses([]StatusUpdate{
		{ID: "a", Status: "running", PolledAt: at},
		{ID: "b", Status: "waiting_permission", PolledAt: at},
		{ID: "missing", Status: "idle", PolledAt: at},
	}))
	require.NoError(t, db.WriteStatuses(nil))

	st, err := db.ReadStatuses()
	require.NoError(t, err)
	assert.Equal(t, "running", st["a"].Status)
	assert.Equal(t, "waiting_permission", st["b"].Status)
	assert.True(t, at.Equal(st["b"].PolledAt))
	assert.NotContains(t, st, "missing")
}

func TestGroupsAndApply(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.SaveGroup(&GroupRow{ID: "g1", Name: "Work", Order: 1}))
	require.NoError(t, db.SaveGroup(&GroupRow{ID: "g2", Name: "API", ParentID: "g1", Collapsed: true}))
	s := sampleSession("a", 0)
	s.GroupID = "g2"
	require.NoError(t, db.SaveSession(s))

	groups, err := db.LoadGroups()
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "g2", groups[0].ID)
	assert.True(t, groups[0].Collapsed)
	assert.Equal(t, "g1", groups[0].ParentID)

	moved := *s
	moved.GroupID = ""
	require.NoError(t, db.Apply(Batch{
		Sessions:     []*SessionRow{&moved},
		DeleteGroups: []string{"g2"},
	}))

	groups, err = db.LoadGroups()
	require.NoError(t, err)
	require.Len(t, groups, 1)
	rows, err := db.LoadSessions()
	require.NoError(t, err)
	assert.Empty(t, rows[0].GroupID)

	require.NoError(t, db.Apply(Batch{DeleteSessions: []string{"a"}, DeleteGroups: []string{"g1"}}))
	rows, err = db.LoadSessions()
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestPushSubscriptions(t *testing.T) {
	db := newTestDB(t)
	p := PushSubscription{Endpoint: "https://push.example/1", P256dh: "key", Auth: "auth"}
	require.NoError(t, db.SavePushSubscription(p))
	require.NoError(t, db.SavePushSubscription(p))

	subs, err := db.LoadPushSubscriptions()
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "key", subs[0].P256dh)
	assert.False(t, subs[0].CreatedAt.IsZero())

	require.NoError(t, db.DeletePushSubscription(p.Endpoint))
	subs, err = db.LoadPushSubscriptions()
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestMetaAndTouch(t *testing.T) {
	db := newTestDB(t)
	v, err := db.GetMeta("nope")
	require.NoError(t, err)
	assert.Empty(t, v)

	ts, err := db.LastModified()
	require.NoError(t, err)
	assert.Zero(t, ts)

	require.NoError(t, db.Touch())
	ts1, err := db.LastModified()
	require.NoError(t, err)
	assert.Positive(t, ts1)

	time.Sleep(time.Millisecond)
	require.NoError(t, db.Touch())
	ts2, err := db.LastModified()
	require.NoError(t, err)
	assert.Greater(t, ts2, ts1)
}

func TestForeignChangeIgnoresOwnMarkers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	a, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, a.Migrate())
	t.Cleanup(func() { a.Close() })
	b, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	require.NoError(t, a.Touch())
	at, changed, err := a.ForeignChange(0)
	require.NoError(t, err)
	assert.False(t, changed, "own write")

	at, changed, err = b.ForeignChange(0)
	require.NoError(t, err)
	assert.True(t, changed)

	// b writes, then a overwrites before looking: b's change still counts.
	time.Sleep(time.Millisecond)
	require.NoError(t, b.Touch())
	time.Sleep(time.Millisecond)
	require.NoError(t, a.Touch())
	next, changed, err := a.ForeignChange(at)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Greater(t, next, at)

	_, changed, err = a.ForeignChange(next)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestLastModifiedReadsLegacyMarker(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.SetMeta("last_modified", "1700000000000000000"))
	at, err := db.LastModified()
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000000000), at)

	_, changed, err := db.ForeignChange(0)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestConcurrentStatusWrites(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.SaveSession(sampleSession("a", 0)))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := "idle"
			if i%2 == 0 {
				status = "running"
			}
			assert.NoError(t, db.WriteStatuses([]StatusUpdate{{ID: "a", Status: status, PolledAt: time.Now()}}))
		}(i)
	}
	wg.Wait()

	st, err := db.ReadStatuses()
	require.NoError(t, err)
	assert.Contains(t, []string{"idle", "running"}, st["a"].Status)
}
