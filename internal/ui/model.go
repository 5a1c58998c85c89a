// Package ui is the bubbletea dashboard: a live tree of groups and sessions
// with attach, lifecycle keys and a fuzzy filter.
package ui

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/asheshgoplani/agent-fleet/internal/logging"
	"github.com/asheshgoplani/agent-fleet/internal/poller"
	"github.com/asheshgoplani/agent-fleet/internal/session"
)

var uiLog = logging.ForComponent(logging.CompUI)

const (
	tickInterval  = time.Second
	actionTimeout = 30 * time.Second
	noticeTTL     = 5 * time.Second
)

// Registry is what the dashboard needs from session.Registry.
type Registry interface {
	Sessions() []session.Session
	Groups() []session.Group
	Counts() session.Counts
	Subscribe() (<-chan session.Event, func())
	Attach(ctx context.Context, id string) error
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) error
	Remove(ctx context.Context, id string, opts session.RemoveOptions) error
	SetGroupCollapsed(id string, collapsed bool) (session.Group, error)
}

type mode int

const (
	modeList mode = iota
	modeFilter
	modeConfirmRemove
)

type (
	registryEventMsg struct{ ok bool }
	tickMsg          time.Time
	actionDoneMsg    struct {
		op    string
		title string
		err   error
	}
	attachDoneMsg struct {
		title string
		err   error
	}
)

// Model is the dashboard state.
type Model struct {
	reg     Registry
	health  func() poller.Health
	profile string
	theme   *ThemeWatcher

	events      <-chan session.Event
	unsubscribe func()

	keys   keyMap
	help   help.Model
	filter textinput.Model
	mode   mode

	sessions []session.Session
	groups   []session.Group
	counts   session.Counts
	rows     []row
	cursor   int
	offset   int

	width, height int

	notice   string
	noticeAt time.Time
	isError  bool
	now      func() time.Time
}

// Option configures New.
type Option func(*Model)

// WithHealth supplies scheduler health for the degraded banner. Without it
// the dashboard shows itself as read-only.
func WithHealth(fn func() poller.Health) Option {
	return func(m *Model) { m.health = fn }
}

// WithProfile sets the profile name shown in the header.
func WithProfile(name string) Option {
	return func(m *Model) { m.profile = name }
}

// WithThemeWatcher follows OS theme changes.
func WithThemeWatcher(tw *ThemeWatcher) Option {
	return func(m *Model) { m.theme = tw }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Model) { m.now = now }
}

// New builds a dashboard over reg and subscribes to its events. Call Close
// when the program ends.
func New(reg Registry, opts ...Option) *Model {
	ti := textinput.New()
	ti.Placeholder = "filter sessions"
	ti.Prompt = "/ "
	ti.CharLimit = 100

	m := &Model{
		reg:    reg,
		keys:   defaultKeyMap(),
		help:   help.New(),
		filter: ti,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.events, m.unsubscribe = reg.Subscribe()
	m.reload()
	return m
}

// Close drops the registry subscription and the theme watcher.
func (m *Model) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	m.theme.Close()
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.waitForEvent(), tick(), m.theme.wait())
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// waitForEvent blocks on the subscription. Bursts are collapsed: one
// message means "re-read the snapshot".
func (m *Model) waitForEvent() tea.Cmd {
	ch := m.events
	return func() tea.Msg {
		_, ok := <-ch
		if !ok {
			return registryEventMsg{ok: false}
		}
		for drained := false; !drained; {
			select {
			case _, more := <-ch:
				if !more {
					drained = true
				}
			default:
				drained = true
			}
		}
		return registryEventMsg{ok: true}
	}
}

// reload re-reads the snapshot and keeps the cursor on the same item.
func (m *Model) reload() {
	var keep string
	if r, ok := m.selected(); ok {
		keep = r.id()
	}
	m.sessions = m.reg.Sessions()
	m.groups = m.reg.Groups()
	m.counts = m.reg.Counts()
	m.rebuild(keep)
}

func (m *Model) rebuild(keep string) {
	if q := m.filter.Value(); q != "" {
		m.rows = filterRows(q, m.sessions)
	} else {
		m.rows = buildRows(m.groups, m.sessions)
	}
	if keep != "" {
		for i, r := range m.rows {
			if r.id() == keep {
				m.cursor = i
				m.clamp()
				return
			}
		}
	}
	m.clamp()
}

func (m *Model) clamp() {
	if m.cursor >= len(m.rows) {
		m.cursor = len(m.rows) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
	visible := m.listHeight()
	if m.cursor < m.offset {
		m.offset = m.cursor
	}
	if visible > 0 && m.cursor >= m.offset+visible {
		m.offset = m.cursor - visible + 1
	}
	if m.offset < 0 {
		m.offset = 0
	}
}

func (m *Model) selected() (row, bool) {
	if m.cursor < 0 || m.cursor >= len(m.rows) {
		return row{}, false
	}
	return m.rows[m.cursor], true
}

func (m *Model) selectedSession() (session.Session, bool) {
	r, ok := m.selected()
	if !ok || r.kind != rowSession {
		return session.Session{}, false
	}
	return r.session, true
}

func (m *Model) setNotice(msg string, isError bool) {
	m.notice = msg
	m.isError = isError
	m.noticeAt = m.now()
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.help.Width = msg.Width
		m.clamp()
		return m, nil

	case registryEventMsg:
		if !msg.ok {
			return m, nil
		}
		m.reload()
		return m, m.waitForEvent()

	case tickMsg:
		if m.notice != "" && m.now().Sub(m.noticeAt) > noticeTTL {
			m.notice = ""
		}
		return m, tick()

	case themeChangedMsg:
		if msg.dark {
			InitTheme(string(ThemeDark))
		} else {
			InitTheme(string(ThemeLight))
		}
		return m, m.theme.wait()

	case actionDoneMsg:
		if msg.err != nil {
			m.setNotice(fmt.Sprintf("%s %s: %v", msg.op, msg.title, msg.err), true)
		} else {
			m.setNotice(fmt.Sprintf("%s %s", msg.op, msg.title), false)
		}
		m.reload()
		return m, nil

	case attachDoneMsg:
		if msg.err != nil {
			uiLog.Warn("attach_failed", slog.String("session", msg.title), slog.String("error", msg.err.Error()))
			m.setNotice(fmt.Sprintf("attach %s: %v", msg.title, msg.err), true)
		}
		m.reload()
		return m, tea.ClearScreen

	case tea.KeyMsg:
		switch m.mode {
		case modeFilter:
			return m.updateFilter(msg)
		case modeConfirmRemove:
			return m.updateConfirm(msg)
		default:
			return m.updateList(msg)
		}
	}
	return m, nil
}

func (m *Model) updateList(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Up):
		m.cursor--
		m.clamp()
	case key.Matches(msg, m.keys.Down):
		m.cursor++
		m.clamp()
	case key.Matches(msg, m.keys.Top):
		m.cursor = 0
		m.clamp()
	case key.Matches(msg, m.keys.Bottom):
		m.cursor = len(m.rows) - 1
		m.clamp()
	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		m.clamp()
	case key.Matches(msg, m.keys.Filter):
		m.mode = modeFilter
		m.filter.Focus()
		return m, textinput.Blink
	case key.Matches(msg, m.keys.NextWait):
		m.jumpToWaiting()
	case key.Matches(msg, m.keys.Toggle):
		return m, m.toggleGroup()
	case key.Matches(msg, m.keys.Attach):
		r, ok := m.selected()
		if !ok {
			return m, nil
		}
		if r.kind == rowGroup {
			return m, m.toggleGroup()
		}
		return m, m.attach(r.session)
	case key.Matches(msg, m.keys.Start):
		return m, m.lifecycle("started", m.reg.Start)
	case key.Matches(msg, m.keys.Stop):
		return m, m.lifecycle("stopped", m.reg.Stop)
	case key.Matches(msg, m.keys.Restart):
		return m, m.lifecycle("restarted", m.reg.Restart)
	case key.Matches(msg, m.keys.Delete):
		if _, ok := m.selectedSession(); ok {
			m.mode = modeConfirmRemove
		}
	case msg.Type == tea.KeyEsc && m.filter.Value() != "":
		m.filter.SetValue("")
		m.reload()
	}
	return m, nil
}

func (m *Model) updateFilter(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.filter.SetValue("")
		m.filter.Blur()
		m.mode = modeList
		m.reload()
		return m, nil
	case tea.KeyEnter:
		m.filter.Blur()
		m.mode = modeList
		m.cursor = 0
		m.clamp()
		return m, nil
	case tea.KeyUp, tea.KeyDown:
		if msg.Type == tea.KeyUp {
			m.cursor--
		} else {
			m.cursor++
		}
		m.clamp()
		return m, nil
	}
	var cmd tea.Cmd
	m.filter, cmd = m.filter.Update(msg)
	m.cursor = 0
	m.rebuild("")
	return m, cmd
}

func (m *Model) updateConfirm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	m.mode = modeList
	s, ok := m.selectedSession()
	if !ok {
		return m, nil
	}
	switch msg.String() {
	case "y", "Y":
		reg := m.reg
		return m, func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
			defer cancel()
			err := reg.Remove(ctx, s.ID, session.RemoveOptions{})
			return actionDoneMsg{op: "removed", title: s.Title, err: err}
		}
	}
	return m, nil
}

func (m *Model) jumpToWaiting() {
	n := len(m.rows)
	for i := 1; i <= n; i++ {
		idx := (m.cursor + i) % n
		r := m.rows[idx]
		if r.kind == rowSession && r.session.Status.IsWaiting() {
			m.cursor = idx
			m.clamp()
			return
		}
	}
	m.setNotice("no session is waiting", false)
}

func (m *Model) toggleGroup() tea.Cmd {
	r, ok := m.selected()
	if !ok || r.kind != rowGroup {
		return nil
	}
	if _, err := m.reg.SetGroupCollapsed(r.group.ID, !r.group.Collapsed); err != nil {
		m.setNotice(fmt.Sprintf("group %s: %v", r.group.Name, err), true)
		return nil
	}
	m.reload()
	return nil
}

// lifecycle runs a registry operation on the selected session off the
// update loop.
func (m *Model) lifecycle(op string, fn func(context.Context, string) error) tea.Cmd {
	s, ok := m.selectedSession()
	if !ok {
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		return actionDoneMsg{op: op, title: s.Title, err: fn(ctx, s.ID)}
	}
}

func (m *Model) attach(s session.Session) tea.Cmd {
	if s.Attached {
		m.setNotice(s.Title+" is already attached elsewhere", true)
		return nil
	}
	return tea.Exec(&attachExec{reg: m.reg, id: s.ID}, func(err error) tea.Msg {
		return attachDoneMsg{title: s.Title, err: err}
	})
}

// attachExec hands the terminal to the backend. bubbletea has already
// released it by the time Run is called.
type attachExec struct {
	reg Registry
	id  string
}

func (a *attachExec) Run() error {
	return a.reg.Attach(context.Background(), a.id)
}

func (a *attachExec) SetStdin(io.Reader)  {}
func (a *attachExec) SetStdout(io.Writer) {}
func (a *attachExec) SetStderr(io.Writer) {}
