package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-fleet/internal/status"
)

func wsURL(baseURL, path string) string {
	return "ws://" + strings.TrimPrefix(baseURL, "http://") + path
}

func startStream(t *testing.T, srv *Server) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv.Start(ctx)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func readFrame(t *testing.T, conn *websocket.Conn) streamFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f streamFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestStreamSendsSnapshotThenUpdates(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := f.add(t, "api")
	srv := NewServer(Config{Profile: "work", BroadcastInterval: 10 * time.Millisecond}, f.reg)
	ts := startStream(t, srv)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL, "/ws/status"), nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readFrame(t, conn)
	assert.Equal(t, "snapshot", first.Type)
	require.Len(t, first.Sessions, 1)
	assert.Equal(t, "work", first.Status.Profile)

	require.Eventually(t, func() bool { return srv.hub.count() == 1 }, time.Second, 5*time.Millisecond)
	f.setStatus(t, s.ID, status.WaitingPermission)

	update := readFrame(t, conn)
	assert.Equal(t, "update", update.Type)
	require.Len(t, update.Transitions, 1)
	assert.Equal(t, s.ID, update.Transitions[0].ID)
	assert.Equal(t, string(status.Unknown), update.Transitions[0].From)
	assert.Equal(t, string(status.WaitingPermission), update.Transitions[0].To)
	assert.Equal(t, 1, update.Status.Waiting)
}

func TestStreamMergesBursts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a := f.add(t, "a")
	b := f.add(t, "b")
	srv := NewServer(Config{BroadcastInterval: 300 * time.Millisecond}, f.reg)
	ts := startStream(t, srv)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL, "/ws/status"), nil)
	require.NoError(t, err)
	defer conn.Close()
	readFrame(t, conn)
	require.Eventually(t, func() bool { return srv.hub.count() == 1 }, time.Second, 5*time.Millisecond)

	// The first event spends the limiter token; the next two share a frame.
	f.setStatus(t, a.ID, status.Running)
	first := readFrame(t, conn)
	require.Len(t, first.Transitions, 1)

	f.setStatus(t, a.ID, status.Idle)
	f.setStatus(t, b.ID, status.Running)
	merged := readFrame(t, conn)
	assert.Len(t, merged.Transitions, 2)
}

func TestStreamRequiresToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	srv := NewServer(Config{Token: "s3cret"}, f.reg)
	ts := startStream(t, srv)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts.URL, "/ws/status"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL, "/ws/status?token=s3cret"), nil)
	require.NoError(t, err)
	conn.Close()
}

func TestStreamRejectsCrossOrigin(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ts := startStream(t, NewServer(Config{}, f.reg))

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts.URL, "/ws/status"), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAllowWSOrigin(t *testing.T) {
	t.Parallel()
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:8420", true},
		{"http://LOCALHOST:8420", true},
		{"http://other:8420", false},
		{"::bad", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "http://localhost:8420/ws/status", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, allowWSOrigin(r), tt.origin)
	}
}
