package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/asheshgoplani/agent-fleet/internal/errdefs"
	"github.com/asheshgoplani/agent-fleet/internal/session"
	"github.com/asheshgoplani/agent-fleet/internal/status"
)

type sessionView struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	WorkDir      string     `json:"workDir"`
	Tool         string     `json:"tool"`
	Backend      string     `json:"backend"`
	GroupID      string     `json:"groupId,omitempty"`
	Status       string     `json:"status"`
	Waiting      bool       `json:"waiting"`
	Attached     bool       `json:"attached,omitempty"`
	LastPolledAt *time.Time `json:"lastPolledAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

func viewSession(s session.Session) sessionView {
	v := sessionView{
		ID:        s.ID,
		Title:     s.Title,
		WorkDir:   s.WorkDir,
		Tool:      string(s.Tool),
		Backend:   string(s.Backend),
		GroupID:   s.GroupID,
		Status:    string(s.Status),
		Waiting:   s.Status.IsWaiting(),
		Attached:  s.Attached,
		CreatedAt: s.CreatedAt.UTC(),
	}
	if !s.LastPolledAt.IsZero() {
		t := s.LastPolledAt.UTC()
		v.LastPolledAt = &t
	}
	return v
}

func viewSessions(in []session.Session) []sessionView {
	out := make([]sessionView, 0, len(in))
	for _, s := range in {
		out = append(out, viewSession(s))
	}
	return out
}

type groupView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ParentID  string `json:"parentId,omitempty"`
	Order     int    `json:"order"`
	Collapsed bool   `json:"collapsed,omitempty"`
}

type statusResponse struct {
	Profile     string            `json:"profile"`
	ReadOnly    bool              `json:"readOnly"`
	Total       int               `json:"total"`
	Waiting     int               `json:"waiting"`
	ByState     map[string]int    `json:"byState"`
	Degraded    bool              `json:"degraded"`
	Unavailable map[string]string `json:"unavailable,omitempty"`
	LastCycle   *time.Time        `json:"lastCycle,omitempty"`
}

func (s *Server) statusSnapshot() statusResponse {
	c := s.src.Counts()
	resp := statusResponse{
		Profile:  s.cfg.Profile,
		ReadOnly: s.ReadOnly(),
		Total:    c.Total,
		Waiting:  c.Waiting(),
		ByState:  make(map[string]int, len(status.AllStates)),
	}
	for _, st := range status.AllStates {
		resp.ByState[string(st)] = c.ByState[st]
	}
	if s.health != nil {
		h := s.health()
		resp.Degraded = h.Degraded()
		if len(h.Unavailable) > 0 {
			resp.Unavailable = make(map[string]string, len(h.Unavailable))
			for k, v := range h.Unavailable {
				resp.Unavailable[string(k)] = v
			}
		}
		if !h.LastCycle.IsZero() {
			t := h.LastCycle.UTC()
			resp.LastCycle = &t
		}
	}
	return resp
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"profile":  s.cfg.Profile,
		"readOnly": s.ReadOnly(),
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.statusSnapshot())
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.src.Sessions()
	if want := r.URL.Query().Get("status"); want != "" {
		match, err := stateFilter(want)
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
		filtered := sessions[:0]
		for _, sess := range sessions {
			if match(sess.Status) {
				filtered = append(filtered, sess)
			}
		}
		sessions = filtered
	}
	writeJSON(w, http.StatusOK, viewSessions(sessions))
}

// stateFilter accepts a state name, or "waiting" for both waiting states.
func stateFilter(want string) (func(status.State) bool, error) {
	if want == "waiting" {
		return status.State.IsWaiting, nil
	}
	st, err := status.ParseState(want)
	if err != nil {
		return nil, err
	}
	return func(s status.State) bool { return s == st }, nil
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.src.Session(r.PathValue("id"))
	if errdefs.IsNotFound(err) {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		return
	}
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewSession(sess))
}

func (s *Server) handleGroups(w http.ResponseWriter, _ *http.Request) {
	groups := s.src.Groups()
	out := make([]groupView, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupView{ID: g.ID, Name: g.Name, ParentID: g.ParentID, Order: g.Order, Collapsed: g.Collapsed})
	}
	writeJSON(w, http.StatusOK, out)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{Error: apiError{Code: code, Message: message}})
}
