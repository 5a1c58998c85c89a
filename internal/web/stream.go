package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/asheshgoplani/agent-fleet/internal/logging"
	"github.com/asheshgoplani/agent-fleet/internal/session"
)

const (
	clientBuffer = 16
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	maxReadBytes = 4096
)

type transitionView struct {
	ID    string    `json:"id"`
	Title string    `json:"title"`
	From  string    `json:"from"`
	To    string    `json:"to"`
	At    time.Time `json:"at"`
}

// streamFrame is one websocket message. The first frame on a connection
// has type "snapshot"; later ones are "update".
type streamFrame struct {
	Type        string           `json:"type"`
	Time        time.Time        `json:"time"`
	Status      statusResponse   `json:"status"`
	Sessions    []sessionView    `json:"sessions"`
	Transitions []transitionView `json:"transitions,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

// allowWSOrigin accepts same-host browsers and non-browser clients.
func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.send) })
}

// hub fans registry events out to websocket clients, at most one frame per
// limiter token. Transitions that arrive in between are merged.
type hub struct {
	srv     *Server
	limiter *rate.Limiter

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func newHub(srv *Server, limiter *rate.Limiter) *hub {
	return &hub{srv: srv, limiter: limiter, clients: make(map[*wsClient]struct{})}
}

func (h *hub) run(ctx context.Context, events <-chan session.Event, cancel func()) {
	defer cancel()
	defer h.closeAll()

	var pending []session.Transition
	var flush <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			pending = append(pending, ev.Transitions...)
			if h.srv.push != nil && len(ev.Transitions) > 0 {
				h.srv.push.enqueue(ev.Transitions)
			}
			if flush == nil {
				flush = time.After(h.limiter.Reserve().Delay())
			}
		case <-flush:
			flush = nil
			h.broadcast(h.frame("update", pending))
			pending = nil
		}
	}
}

func (h *hub) frame(kind string, transitions []session.Transition) streamFrame {
	f := streamFrame{
		Type:     kind,
		Time:     time.Now().UTC(),
		Status:   h.srv.statusSnapshot(),
		Sessions: viewSessions(h.srv.src.Sessions()),
	}
	for _, tr := range transitions {
		f.Transitions = append(f.Transitions, transitionView{
			ID: tr.ID, Title: tr.Title, From: string(tr.From), To: string(tr.To), At: tr.At.UTC(),
		})
	}
	return f
}

func (h *hub) broadcast(f streamFrame) {
	payload, err := json.Marshal(f)
	if err != nil {
		webLog.Error("stream_marshal_failed", slog.String("error", err.Error()))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			// Too slow: drop it and let the client reconnect for a snapshot.
			logging.Aggregate(logging.CompWeb, "stream_client_dropped")
			delete(h.clients, c)
			c.close()
		}
	}
}

func (h *hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

func (h *hub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, clientBuffer)}

	first, err := json.Marshal(s.hub.frame("snapshot", nil))
	if err == nil {
		c.send <- first
	}
	s.hub.add(c)

	go s.writePump(c)
	s.readPump(c)
}

// readPump only watches for close and pongs; clients have nothing to say.
func (s *Server) readPump(c *wsClient) {
	defer s.hub.remove(c)
	c.conn.SetReadLimit(maxReadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				webLog.Debug("stream_closed_unexpectedly", slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (s *Server) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
