package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-fleet/internal/backend"
	"github.com/asheshgoplani/agent-fleet/internal/poller"
	"github.com/asheshgoplani/agent-fleet/internal/session"
	"github.com/asheshgoplani/agent-fleet/internal/statedb"
	"github.com/asheshgoplani/agent-fleet/internal/status"
)

type fixture struct {
	reg *session.Registry
	db  *statedb.StateDB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := statedb.Open(filepath.Join(dir, session.DBFileName))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	reg, err := session.New(session.Profile{Name: "work", Dir: dir}, db,
		backend.Set{backend.KindTmux: backend.NewFake(backend.KindTmux)})
	require.NoError(t, err)
	return &fixture{reg: reg, db: db}
}

func (f *fixture) add(t *testing.T, title string) session.Session {
	t.Helper()
	s, err := f.reg.Add(context.Background(), session.AddOptions{
		Title: title, WorkDir: "/src/" + title, Tool: status.ToolClaude, Start: true,
	})
	require.NoError(t, err)
	return s
}

func (f *fixture) setStatus(t *testing.T, id string, st status.State) {
	t.Helper()
	_, err := f.reg.ApplyStatuses([]session.StatusUpdate{{ID: id, State: st, PolledAt: time.Now()}})
	require.NoError(t, err)
}

func get(t *testing.T, h http.Handler, target string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	srv := NewServer(Config{Profile: "work"}, f.reg)

	rr := get(t, srv.Handler(), "/healthz")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode[map[string]any](t, rr)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "work", body["profile"])
	assert.Equal(t, true, body["readOnly"])
	assert.Equal(t, DefaultListenAddr, srv.Addr())

	req := httptest.NewRequest(http.MethodPost, "/healthz", nil)
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	srv := NewServer(Config{Token: "s3cret"}, f.reg)
	h := srv.Handler()

	tests := []struct {
		name   string
		target string
		header []string
		want   int
	}{
		{"missing", "/api/sessions", nil, http.StatusUnauthorized},
		{"wrong bearer", "/api/sessions", []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"bearer", "/api/sessions", []string{"Authorization", "Bearer s3cret"}, http.StatusOK},
		{"query", "/api/sessions?token=s3cret", nil, http.StatusOK},
		{"healthz is open", "/healthz", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, get(t, h, tt.target, tt.header...).Code)
		})
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "abc", bearerToken("Bearer abc"))
	assert.Equal(t, "abc", bearerToken("  Bearer  abc "))
	assert.Empty(t, bearerToken("Basic abc"))
	assert.Empty(t, bearerToken(""))
}

func TestSessionsAPI(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	api := f.add(t, "api")
	web := f.add(t, "web")
	f.setStatus(t, api.ID, status.WaitingQuestion)
	f.setStatus(t, web.ID, status.Running)
	srv := NewServer(Config{}, f.reg)

	all := decode[[]sessionView](t, get(t, srv.Handler(), "/api/sessions"))
	require.Len(t, all, 2)
	assert.Equal(t, "api", all[0].Title)
	assert.Equal(t, string(status.WaitingQuestion), all[0].Status)
	assert.True(t, all[0].Waiting)
	assert.NotNil(t, all[0].LastPolledAt)
	assert.Equal(t, "tmux", all[0].Backend)

	waiting := decode[[]sessionView](t, get(t, srv.Handler(), "/api/sessions?status=waiting"))
	require.Len(t, waiting, 1)
	assert.Equal(t, api.ID, waiting[0].ID)

	running := decode[[]sessionView](t, get(t, srv.Handler(), "/api/sessions?status=running"))
	require.Len(t, running, 1)
	assert.Equal(t, web.ID, running[0].ID)

	assert.Equal(t, http.StatusBadRequest, get(t, srv.Handler(), "/api/sessions?status=sleepy").Code)

	one := decode[sessionView](t, get(t, srv.Handler(), "/api/sessions/"+web.ID))
	assert.Equal(t, "web", one.Title)

	rr := get(t, srv.Handler(), "/api/sessions/nope")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", decode[apiErrorResponse](t, rr).Error.Code)
}

func TestGroupsAPI(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	parent, err := f.reg.CreateGroup("backend", "")
	require.NoError(t, err)
	_, err = f.reg.CreateGroup("db", parent.ID)
	require.NoError(t, err)
	srv := NewServer(Config{}, f.reg)

	groups := decode[[]groupView](t, get(t, srv.Handler(), "/api/groups"))
	require.Len(t, groups, 2)
	byName := map[string]groupView{}
	for _, g := range groups {
		byName[g.Name] = g
	}
	assert.Empty(t, byName["backend"].ParentID)
	assert.Equal(t, parent.ID, byName["db"].ParentID)
}

func TestStatusAPI(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a := f.add(t, "a")
	f.add(t, "b")
	f.setStatus(t, a.ID, status.WaitingPermission)

	last := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	health := poller.Health{
		LastCycle:   last,
		Unavailable: map[backend.Kind]string{backend.KindDocker: "docker: not found"},
	}
	srv := NewServer(Config{Profile: "work"}, f.reg, WithHealth(func() poller.Health { return health }))

	resp := decode[statusResponse](t, get(t, srv.Handler(), "/api/status"))
	assert.Equal(t, "work", resp.Profile)
	assert.False(t, resp.ReadOnly)
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, 1, resp.Waiting)
	assert.Equal(t, 1, resp.ByState[string(status.WaitingPermission)])
	assert.Contains(t, resp.ByState, string(status.Stopped))
	assert.True(t, resp.Degraded)
	assert.Equal(t, "docker: not found", resp.Unavailable["docker"])
	require.NotNil(t, resp.LastCycle)
	assert.True(t, last.Equal(*resp.LastCycle))
}

func TestRunServesAndShutsDown(t *testing.T) {
	f := newFixture(t)
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0"}, f.reg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunReportsListenError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	srv := NewServer(Config{ListenAddr: "127.0.0.1:-1"}, f.reg)
	assert.Error(t, srv.Run(context.Background()))
}
