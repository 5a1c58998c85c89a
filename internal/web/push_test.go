package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-fleet/internal/session"
	"github.com/asheshgoplani/agent-fleet/internal/statedb"
	"github.com/asheshgoplani/agent-fleet/internal/status"
)

type sentPush struct {
	endpoint string
	msg      pushMessage
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []sentPush
	codes map[string]int
}

func (s *fakeSender) Send(payload []byte, sub statedb.PushSubscription) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var msg pushMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return 0, err
	}
	s.sent = append(s.sent, sentPush{endpoint: sub.Endpoint, msg: msg})
	if code, ok := s.codes[sub.Endpoint]; ok {
		return code, errors.New("gateway error")
	}
	return http.StatusCreated, nil
}

func (s *fakeSender) all() []sentPush {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentPush(nil), s.sent...)
}

func pushConfig() Config {
	return Config{
		Profile:           "work",
		Push:              true,
		VAPIDPublicKey:    "pub",
		VAPIDPrivateKey:   "priv",
		BroadcastInterval: 10 * time.Millisecond,
	}
}

func post(t *testing.T, h http.Handler, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(raw))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func subscribeBody(endpoint string) map[string]any {
	return map[string]any{
		"endpoint": endpoint,
		"keys":     map[string]string{"p256dh": "key-" + endpoint, "auth": "auth-" + endpoint},
	}
}

func TestPushDisabledWithoutKeys(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	srv := NewServer(Config{Push: true}, f.reg, WithPushStore(f.db))
	assert.Nil(t, srv.push)

	resp := decode[pushConfigResponse](t, get(t, srv.Handler(), "/api/push/config"))
	assert.False(t, resp.Enabled)
	assert.Equal(t, http.StatusServiceUnavailable, post(t, srv.Handler(), "/api/push/subscribe", subscribeBody("a")).Code)
}

func TestPushDisabledWithoutStore(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	srv := NewServer(pushConfig(), f.reg)
	assert.Nil(t, srv.push)
}

func TestPushSubscribeAndUnsubscribe(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	srv := NewServer(pushConfig(), f.reg, WithPushStore(f.db))
	h := srv.Handler()

	rr := post(t, h, "/api/push/subscribe", subscribeBody("https://push.example/1"))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	subs, err := f.db.LoadPushSubscriptions()
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "key-https://push.example/1", subs[0].P256dh)

	cfg := decode[pushConfigResponse](t, get(t, h, "/api/push/config"))
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "pub", cfg.VAPIDPublicKey)
	assert.Equal(t, defaultPushSubject, cfg.Subject)
	assert.Equal(t, 1, cfg.SubscriptionCount)

	assert.Equal(t, http.StatusBadRequest, post(t, h, "/api/push/subscribe", map[string]any{"endpoint": "x"}).Code)
	assert.Equal(t, http.StatusBadRequest, post(t, h, "/api/push/unsubscribe", map[string]any{}).Code)

	rr = post(t, h, "/api/push/unsubscribe", map[string]string{"endpoint": "https://push.example/1"})
	require.Equal(t, http.StatusOK, rr.Code)
	subs, err = f.db.LoadPushSubscriptions()
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestPushEnqueueKeepsOnlyNewWaits(t *testing.T) {
	t.Parallel()
	p, err := newPushService(pushConfig())
	require.NoError(t, err)

	p.enqueue([]session.Transition{
		{ID: "a", From: status.Running, To: status.WaitingPermission},
		{ID: "b", From: status.WaitingPermission, To: status.WaitingQuestion},
		{ID: "c", From: status.Idle, To: status.Running},
		{ID: "d", From: status.Unknown, To: status.WaitingQuestion},
	})
	p.enqueue([]session.Transition{{ID: "e", From: status.Running, To: status.Idle}})

	require.Len(t, p.queue, 1)
	batch := <-p.queue
	require.Len(t, batch, 2)
	assert.Equal(t, "a", batch[0].ID)
	assert.Equal(t, "d", batch[1].ID)
}

func TestPushNotifiesAndPrunesGoneSubscriptions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.db.SavePushSubscription(statedb.PushSubscription{Endpoint: "live", P256dh: "k", Auth: "a"}))
	require.NoError(t, f.db.SavePushSubscription(statedb.PushSubscription{Endpoint: "gone", P256dh: "k", Auth: "a"}))

	sender := &fakeSender{codes: map[string]int{"gone": http.StatusGone}}
	srv := NewServer(pushConfig(), f.reg, WithPushStore(f.db), withPushSender(sender))
	startStream(t, srv)

	s := f.add(t, "api")
	f.setStatus(t, s.ID, status.Running)
	f.setStatus(t, s.ID, status.WaitingPermission)

	require.Eventually(t, func() bool { return len(sender.all()) == 2 }, 3*time.Second, 10*time.Millisecond)
	for _, sp := range sender.all() {
		assert.Equal(t, s.ID, sp.msg.SessionID)
		assert.Equal(t, string(status.WaitingPermission), sp.msg.Status)
		assert.Equal(t, "api needs you", sp.msg.Title)
		assert.Equal(t, "work", sp.msg.Profile)
	}

	require.Eventually(t, func() bool {
		subs, err := f.db.LoadPushSubscriptions()
		return err == nil && len(subs) == 1 && subs[0].Endpoint == "live"
	}, 3*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, sender.all(), 2, "the running transition sends nothing")
}

type memMeta map[string]string

func (m memMeta) GetMeta(k string) (string, error) { return m[k], nil }
func (m memMeta) SetMeta(k, v string) error        { m[k] = v; return nil }

func TestEnsureVAPIDKeys(t *testing.T) {
	t.Parallel()
	store := memMeta{}
	pub, priv, generated, err := EnsureVAPIDKeys(store)
	require.NoError(t, err)
	assert.True(t, generated)
	assert.NotEmpty(t, pub)
	assert.NotEmpty(t, priv)

	pub2, priv2, generated, err := EnsureVAPIDKeys(store)
	require.NoError(t, err)
	assert.False(t, generated)
	assert.Equal(t, pub, pub2)
	assert.Equal(t, priv, priv2)
}

func TestEnsureVAPIDKeysUsesStateDB(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	pub, _, _, err := EnsureVAPIDKeys(f.db)
	require.NoError(t, err)
	stored, err := f.db.GetMeta(metaVAPIDPublic)
	require.NoError(t, err)
	assert.Equal(t, pub, stored)
}
