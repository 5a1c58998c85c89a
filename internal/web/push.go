package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/asheshgoplani/agent-fleet/internal/logging"
	"github.com/asheshgoplani/agent-fleet/internal/session"
	"github.com/asheshgoplani/agent-fleet/internal/statedb"
)

const (
	pushQueueSize      = 32
	pushTTLSeconds     = 3600
	defaultPushSubject = "mailto:agent-fleet@localhost"
)

// PushStore persists browser subscriptions. *statedb.StateDB implements it.
type PushStore interface {
	SavePushSubscription(statedb.PushSubscription) error
	DeletePushSubscription(endpoint string) error
	LoadPushSubscriptions() ([]statedb.PushSubscription, error)
}

type pushSender interface {
	Send(payload []byte, sub statedb.PushSubscription) (int, error)
}

type vapidSender struct {
	subject    string
	publicKey  string
	privateKey string
}

func (s *vapidSender) Send(payload []byte, sub statedb.PushSubscription) (int, error) {
	resp, err := webpush.SendNotification(payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
	}, &webpush.Options{
		Subscriber:      s.subject,
		VAPIDPublicKey:  s.publicKey,
		VAPIDPrivateKey: s.privateKey,
		TTL:             pushTTLSeconds,
	})
	code := 0
	if resp != nil {
		code = resp.StatusCode
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	if err != nil {
		return code, err
	}
	if code >= 400 {
		return code, fmt.Errorf("push gateway status %d", code)
	}
	return code, nil
}

type pushMessage struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Tag       string `json:"tag"`
	Renotify  bool   `json:"renotify"`
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Profile   string `json:"profile,omitempty"`
	Timestamp string `json:"timestamp"`
}

// pushService notifies subscribers when a session starts waiting on the
// user. It only sees transitions, so a restart never replays old states.
type pushService struct {
	profile   string
	publicKey string
	subject   string
	store     PushStore
	sender    pushSender
	queue     chan []session.Transition
}

func newPushService(cfg Config) (*pushService, error) {
	pub := strings.TrimSpace(cfg.VAPIDPublicKey)
	priv := strings.TrimSpace(cfg.VAPIDPrivateKey)
	if pub == "" || priv == "" {
		return nil, fmt.Errorf("both vapid public and private keys are required")
	}
	subject := strings.TrimSpace(cfg.VAPIDSubject)
	if subject == "" {
		subject = defaultPushSubject
	}
	return &pushService{
		profile:   cfg.Profile,
		publicKey: pub,
		subject:   subject,
		sender:    &vapidSender{subject: subject, publicKey: pub, privateKey: priv},
		queue:     make(chan []session.Transition, pushQueueSize),
	}, nil
}

// enqueue keeps the transitions into a waiting state. It never blocks the
// broadcaster.
func (p *pushService) enqueue(transitions []session.Transition) {
	var waiting []session.Transition
	for _, tr := range transitions {
		if tr.To.IsWaiting() && !tr.From.IsWaiting() {
			waiting = append(waiting, tr)
		}
	}
	if len(waiting) == 0 {
		return
	}
	select {
	case p.queue <- waiting:
	default:
		logging.Aggregate(logging.CompWeb, "push_queue_full")
	}
}

func (p *pushService) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-p.queue:
			for _, tr := range batch {
				p.notify(tr)
			}
		}
	}
}

func (p *pushService) notify(tr session.Transition) {
	subs, err := p.store.LoadPushSubscriptions()
	if err != nil {
		webLog.Error("push_list_failed", slog.String("error", err.Error()))
		return
	}
	if len(subs) == 0 {
		return
	}
	payload, err := json.Marshal(pushMessage{
		Title:     fmt.Sprintf("%s needs you", tr.Title),
		Body:      fmt.Sprintf("%s is %s.", tr.Title, tr.To.Label()),
		Tag:       "agent-fleet-" + tr.ID,
		Renotify:  true,
		SessionID: tr.ID,
		Status:    string(tr.To),
		Profile:   p.profile,
		Timestamp: tr.At.UTC().Format(time.RFC3339),
	})
	if err != nil {
		webLog.Error("push_marshal_failed", slog.String("error", err.Error()))
		return
	}
	for _, sub := range subs {
		code, err := p.sender.Send(payload, sub)
		if err == nil {
			webLog.Debug("push_sent", slog.String("session", tr.ID), slog.Int("http_status", code))
			continue
		}
		webLog.Warn("push_send_failed",
			slog.String("session", tr.ID),
			slog.Int("http_status", code),
			slog.String("error", err.Error()))
		if code == http.StatusGone || code == http.StatusNotFound {
			if err := p.store.DeletePushSubscription(sub.Endpoint); err != nil {
				webLog.Warn("push_prune_failed", slog.String("error", err.Error()))
			}
		}
	}
}

type pushConfigResponse struct {
	Enabled           bool   `json:"enabled"`
	VAPIDPublicKey    string `json:"vapidPublicKey,omitempty"`
	Subject           string `json:"subject,omitempty"`
	SubscriptionCount int    `json:"subscriptionCount"`
}

type pushSubscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

type pushUnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

type pushResultResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

func (s *Server) handlePushConfig(w http.ResponseWriter, _ *http.Request) {
	resp := pushConfigResponse{Enabled: s.push != nil}
	if s.push != nil {
		resp.VAPIDPublicKey = s.push.publicKey
		resp.Subject = s.push.subject
		if subs, err := s.push.store.LoadPushSubscriptions(); err == nil {
			resp.SubscriptionCount = len(subs)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	if s.push == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "PUSH_NOT_CONFIGURED", "push notifications are not configured")
		return
	}
	var req pushSubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid subscription payload")
		return
	}
	sub := statedb.PushSubscription{
		Endpoint: strings.TrimSpace(req.Endpoint),
		P256dh:   strings.TrimSpace(req.Keys.P256dh),
		Auth:     strings.TrimSpace(req.Keys.Auth),
	}
	switch {
	case sub.Endpoint == "":
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "endpoint is required")
		return
	case sub.P256dh == "" || sub.Auth == "":
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "keys.p256dh and keys.auth are required")
		return
	}
	if err := s.push.store.SavePushSubscription(sub); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to save push subscription")
		return
	}
	writeJSON(w, http.StatusOK, pushResultResponse{OK: true, Message: "subscription saved"})
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if s.push == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "PUSH_NOT_CONFIGURED", "push notifications are not configured")
		return
	}
	var req pushUnsubscribeRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	endpoint := strings.TrimSpace(req.Endpoint)
	if endpoint == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "endpoint is required")
		return
	}
	if err := s.push.store.DeletePushSubscription(endpoint); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to remove push subscription")
		return
	}
	writeJSON(w, http.StatusOK, pushResultResponse{OK: true, Message: "subscription removed"})
}
