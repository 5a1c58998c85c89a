package ui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/asheshgoplani/agent-fleet/internal/backend"
	"github.com/asheshgoplani/agent-fleet/internal/status"
)

const (
	titleWidth = 28
	toolWidth  = 9
	stateWidth = 11
)

func (m *Model) showFilter() bool {
	return m.mode == modeFilter || m.filter.Value() != ""
}

// chromeHeight is the number of lines outside the list.
func (m *Model) chromeHeight() int {
	h := 2 // header, notice line
	if m.banner() != "" {
		h++
	}
	if m.showFilter() {
		h += 3
	}
	return h + lipgloss.Height(m.help.View(m.keys))
}

// listHeight is 0 before the first WindowSizeMsg, meaning no limit.
func (m *Model) listHeight() int {
	if m.height == 0 {
		return 0
	}
	return max(m.height-m.chromeHeight(), 1)
}

// banner lists unavailable backends. Empty when healthy or read-only.
func (m *Model) banner() string {
	if m.health == nil {
		return ""
	}
	h := m.health()
	if !h.Degraded() {
		return ""
	}
	kinds := make([]backend.Kind, 0, len(h.Unavailable))
	for k := range h.Unavailable {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parts = append(parts, fmt.Sprintf("%s unavailable (%s)", k, h.Unavailable[k]))
	}
	return "⚠ " + strings.Join(parts, "; ")
}

// View implements tea.Model.
func (m *Model) View() string {
	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteByte('\n')
	if banner := m.banner(); banner != "" {
		b.WriteString(bannerStyle.Render(m.fit(banner)))
		b.WriteByte('\n')
	}
	if m.showFilter() {
		b.WriteString(filterStyle.Render(m.filter.View()))
		b.WriteByte('\n')
	}
	b.WriteString(m.renderList())
	b.WriteString(m.renderNotice())
	b.WriteByte('\n')
	b.WriteString(m.help.View(m.keys))
	return b.String()
}

func (m *Model) renderHeader() string {
	title := "agent-fleet"
	if m.profile != "" {
		title += " · " + m.profile
	}
	parts := []string{headerStyle.Render(title)}
	c := m.counts
	parts = append(parts, dimStyle.Render(fmt.Sprintf("%d sessions", c.Total)))
	if n := c.ByState[status.Running]; n > 0 {
		parts = append(parts, stateStyle(status.Running).Render(fmt.Sprintf("%d running", n)))
	}
	if n := c.Waiting(); n > 0 {
		parts = append(parts, stateStyle(status.WaitingPermission).Render(fmt.Sprintf("%d waiting", n)))
	}
	if m.health == nil {
		parts = append(parts, readOnlyStyle.Render("read-only"))
	}
	return strings.Join(parts, "  ")
}

func (m *Model) renderList() string {
	if len(m.rows) == 0 {
		if m.filter.Value() != "" {
			return dimStyle.Render("  no match") + "\n"
		}
		return dimStyle.Render("  no sessions yet: agent-fleet add <dir>") + "\n"
	}
	end := len(m.rows)
	if h := m.listHeight(); h > 0 && m.offset+h < end {
		end = m.offset + h
	}
	var b strings.Builder
	for i := m.offset; i < end; i++ {
		b.WriteString(m.renderRow(m.rows[i], i == m.cursor))
		b.WriteByte('\n')
	}
	return b.String()
}

func (m *Model) renderRow(r row, selected bool) string {
	indent := strings.Repeat("  ", r.depth)
	if r.kind == rowGroup {
		arrow := "▾"
		if r.group.Collapsed {
			arrow = "▸"
		}
		counts := fmt.Sprintf("(%d)", r.total)
		if r.waiting > 0 {
			counts = fmt.Sprintf("(%d, %d waiting)", r.total, r.waiting)
		}
		line := fmt.Sprintf("%s%s %s %s", indent, arrow, r.group.Name, counts)
		if selected {
			return selectedStyle.Render(m.fit(line))
		}
		return fmt.Sprintf("%s%s %s %s", indent, arrow, groupStyle.Render(r.group.Name), countStyle.Render(counts))
	}

	s := r.session
	title := s.Title
	if s.Backend == backend.KindDocker {
		title += " [sandbox]"
	}
	if s.Attached {
		title += " *"
	}
	cols := []string{
		indent + stateIcon(s.Status),
		pad(runewidth.Truncate(title, titleWidth, "…"), titleWidth),
		pad(string(s.Tool), toolWidth),
		pad(s.Status.Label(), stateWidth),
	}
	head := strings.Join(cols, " ")
	rest := 0
	if m.width > 0 {
		rest = m.width - runewidth.StringWidth(head) - 1
	}
	dir := s.WorkDir
	if rest > 0 {
		dir = runewidth.Truncate(dir, rest, "…")
	}
	if selected {
		return selectedStyle.Render(m.fit(head + " " + dir))
	}
	st := stateStyle(s.Status)
	return strings.Join([]string{
		st.Render(cols[0]), cols[1], dimStyle.Render(cols[2]), st.Render(cols[3]), dimStyle.Render(dir),
	}, " ")
}

func (m *Model) renderNotice() string {
	switch {
	case m.mode == modeConfirmRemove:
		s, _ := m.selectedSession()
		return confirmStyle.Render(fmt.Sprintf("remove %s and kill its process? (y/n)", s.Title))
	case m.notice == "":
		return ""
	case m.isError:
		return errorStyle.Render(m.fit(m.notice))
	default:
		return dimStyle.Render(m.fit(m.notice))
	}
}

// fit truncates s to the terminal width.
func (m *Model) fit(s string) string {
	if m.width <= 0 {
		return s
	}
	return runewidth.Truncate(s, m.width, "…")
}

func pad(s string, width int) string {
	return runewidth.FillRight(s, width)
}
