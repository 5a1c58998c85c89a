package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/asheshgoplani/agent-fleet/internal/errdefs"
	"github.com/asheshgoplani/agent-fleet/internal/status"
)

const (
	symbolOK   = "✓"
	symbolFail = "✕"
	symbolDot  = "•"
)

// Error codes in JSON output.
const (
	CodeNotFound     = "NOT_FOUND"
	CodeExists       = "ALREADY_EXISTS"
	CodeAmbiguous    = "AMBIGUOUS"
	CodeInvalidState = "INVALID_OPERATION"
	CodeUnavailable  = "BACKEND_UNAVAILABLE"
	CodeError        = "ERROR"
)

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ece6a"))
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#f7768e"))
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#565f89"))
	waitStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#e0af68")).Bold(true)

	stateColors = map[status.State]lipgloss.Color{
		status.Running:           "#7aa2f7",
		status.WaitingPermission: "#e0af68",
		status.WaitingQuestion:   "#e0af68",
		status.Idle:              "#9ece6a",
		status.Stopped:           "#565f89",
		status.Unknown:           "#a9b1d6",
	}
)

// output writes command results either as text or as JSON.
type output struct {
	out, err  io.Writer
	jsonMode  bool
	quietMode bool
}

func newOutput(cmd *cobra.Command) *output {
	if cmd == nil {
		return &output{out: os.Stdout, err: os.Stderr, jsonMode: jsonFlag, quietMode: quietFlag}
	}
	return &output{out: cmd.OutOrStdout(), err: cmd.ErrOrStderr(), jsonMode: jsonFlag, quietMode: quietFlag}
}

// Success reports a completed mutation. data is printed in JSON mode.
func (o *output) Success(msg string, data any) {
	if o.jsonMode {
		o.JSON(data)
		return
	}
	if o.quietMode {
		return
	}
	fmt.Fprintf(o.out, "%s %s\n", okStyle.Render(symbolOK), msg)
}

// Error prints err. An exitError with no message prints nothing.
func (o *output) Error(err error) {
	var ee *exitError
	if errors.As(err, &ee) && ee.msg == "" {
		return
	}
	if o.jsonMode {
		enc := json.NewEncoder(o.err)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{
			"success": false,
			"error":   err.Error(),
			"code":    errorCode(err),
		})
		return
	}
	fmt.Fprintf(o.err, "%s Error: %v\n", failStyle.Render(symbolFail), err)
}

// Print writes text unless JSON or quiet mode is on.
func (o *output) Print(format string, args ...any) {
	if o.jsonMode || o.quietMode {
		return
	}
	fmt.Fprintf(o.out, format, args...)
}

// JSON writes v indented.
func (o *output) JSON(v any) {
	enc := json.NewEncoder(o.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(o.err, "%s Error: %v\n", failStyle.Render(symbolFail), err)
	}
}

func errorCode(err error) string {
	var amb *ambiguousError
	switch {
	case errors.As(err, &amb):
		return CodeAmbiguous
	case errdefs.IsNotFound(err):
		return CodeNotFound
	case errdefs.IsAlreadyExists(err):
		return CodeExists
	case errdefs.IsInvalidState(err):
		return CodeInvalidState
	case errdefs.IsUnavailable(err):
		return CodeUnavailable
	default:
		return CodeError
	}
}

// stateCell renders a status with its colour.
func stateCell(s status.State) string {
	c, ok := stateColors[s]
	if !ok {
		c = stateColors[status.Unknown]
	}
	return lipgloss.NewStyle().Foreground(c).Render(s.Label())
}

// table lays out rows in padded columns. Widths are measured in terminal
// cells so wide runes line up.
type table struct {
	header []string
	rows   [][]string
	max    []int
}

func newTable(header ...string) *table {
	return &table{header: header}
}

// limit caps the width of column i. Longer cells are truncated.
func (t *table) limit(i, width int) *table {
	for len(t.max) <= i {
		t.max = append(t.max, 0)
	}
	t.max[i] = width
	return t
}

func (t *table) add(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *table) render(w io.Writer) {
	widths := make([]int, len(t.header))
	measure := func(cells []string) {
		for i, c := range cells {
			if i >= len(widths) {
				break
			}
			if n := lipgloss.Width(t.cell(i, c)); n > widths[i] {
				widths[i] = n
			}
		}
	}
	measure(t.header)
	for _, r := range t.rows {
		measure(r)
	}
	line := func(cells []string, style *lipgloss.Style) {
		var b strings.Builder
		for i, c := range cells {
			if i >= len(widths) {
				break
			}
			c = t.cell(i, c)
			if style != nil {
				c = style.Render(c)
			}
			b.WriteString(c)
			if i < len(cells)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(c)+2))
			}
		}
		fmt.Fprintln(w, strings.TrimRight(b.String(), " "))
	}
	line(t.header, &dimStyle)
	for _, r := range t.rows {
		line(r, nil)
	}
}

func (t *table) cell(i int, c string) string {
	if i < len(t.max) && t.max[i] > 0 && runewidth.StringWidth(c) > t.max[i] {
		return runewidth.Truncate(c, t.max[i], "…")
	}
	return c
}
