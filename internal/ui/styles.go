package ui

import (
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/asheshgoplani/agent-fleet/internal/status"
)

// Theme is the active colour scheme.
type Theme string

const (
	ThemeDark  Theme = "dark"
	ThemeLight Theme = "light"
)

type palette struct {
	Bg, Surface, Border, Text, TextDim lipgloss.Color
	Accent, Purple, Cyan, Green        lipgloss.Color
	Yellow, Orange, Red                lipgloss.Color
}

// Tokyo Night
var darkPalette = palette{
	Bg:      lipgloss.Color("#1a1b26"),
	Surface: lipgloss.Color("#24283b"),
	Border:  lipgloss.Color("#414868"),
	Text:    lipgloss.Color("#c0caf5"),
	TextDim: lipgloss.Color("#787fa0"),
	Accent:  lipgloss.Color("#7aa2f7"),
	Purple:  lipgloss.Color("#bb9af7"),
	Cyan:    lipgloss.Color("#7dcfff"),
	Green:   lipgloss.Color("#9ece6a"),
	Yellow:  lipgloss.Color("#e0af68"),
	Orange:  lipgloss.Color("#ff9e64"),
	Red:     lipgloss.Color("#f7768e"),
}

// Tokyo Night Light
var lightPalette = palette{
	Bg:      lipgloss.Color("#d5d6db"),
	Surface: lipgloss.Color("#e9e9ec"),
	Border:  lipgloss.Color("#9699a3"),
	Text:    lipgloss.Color("#343b58"),
	TextDim: lipgloss.Color("#6a6d7c"),
	Accent:  lipgloss.Color("#34548a"),
	Purple:  lipgloss.Color("#7847bd"),
	Cyan:    lipgloss.Color("#166775"),
	Green:   lipgloss.Color("#485e30"),
	Yellow:  lipgloss.Color("#8f5e15"),
	Orange:  lipgloss.Color("#965027"),
	Red:     lipgloss.Color("#8c4351"),
}

// themeMu guards the style variables during a live theme switch.
var themeMu sync.RWMutex

var (
	currentTheme = ThemeDark
	colors       palette
)

var (
	headerStyle   lipgloss.Style
	dimStyle      lipgloss.Style
	errorStyle    lipgloss.Style
	bannerStyle   lipgloss.Style
	selectedStyle lipgloss.Style
	groupStyle    lipgloss.Style
	countStyle    lipgloss.Style
	filterStyle   lipgloss.Style
	confirmStyle  lipgloss.Style
	readOnlyStyle lipgloss.Style

	stateStyles map[status.State]lipgloss.Style
)

// InitTheme switches the palette. Anything other than "light" is dark.
func InitTheme(theme string) {
	themeMu.Lock()
	defer themeMu.Unlock()
	if theme == string(ThemeLight) {
		currentTheme, colors = ThemeLight, lightPalette
	} else {
		currentTheme, colors = ThemeDark, darkPalette
	}
	initStyles()
}

// CurrentTheme returns the active theme.
func CurrentTheme() Theme {
	themeMu.RLock()
	defer themeMu.RUnlock()
	return currentTheme
}

func init() {
	InitTheme(string(ThemeDark))
}

func initStyles() {
	headerStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(colors.Accent).
		Background(colors.Surface).
		Padding(0, 1)

	dimStyle = lipgloss.NewStyle().Foreground(colors.TextDim)
	errorStyle = lipgloss.NewStyle().Foreground(colors.Red).Bold(true)

	bannerStyle = lipgloss.NewStyle().
		Foreground(colors.Bg).
		Background(colors.Orange).
		Bold(true).
		Padding(0, 1)

	selectedStyle = lipgloss.NewStyle().
		Foreground(colors.Bg).
		Background(colors.Accent).
		Bold(true)

	groupStyle = lipgloss.NewStyle().Foreground(colors.Purple).Bold(true)
	countStyle = lipgloss.NewStyle().Foreground(colors.TextDim)

	filterStyle = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colors.Accent).
		Padding(0, 1)

	confirmStyle = lipgloss.NewStyle().Foreground(colors.Yellow).Bold(true)
	readOnlyStyle = lipgloss.NewStyle().Foreground(colors.Cyan).Italic(true)

	stateStyles = map[status.State]lipgloss.Style{
		status.Running:           lipgloss.NewStyle().Foreground(colors.Green),
		status.WaitingPermission: lipgloss.NewStyle().Foreground(colors.Yellow).Bold(true),
		status.WaitingQuestion:   lipgloss.NewStyle().Foreground(colors.Orange).Bold(true),
		status.Idle:              lipgloss.NewStyle().Foreground(colors.TextDim),
		status.Stopped:           lipgloss.NewStyle().Foreground(colors.Red),
		status.Unknown:           lipgloss.NewStyle().Foreground(colors.Border),
	}
}

// stateIcon is the one-cell indicator drawn before a session title.
func stateIcon(s status.State) string {
	switch s {
	case status.Running:
		return "●"
	case status.WaitingPermission, status.WaitingQuestion:
		return "◐"
	case status.Idle:
		return "○"
	case status.Stopped:
		return "✕"
	default:
		return "?"
	}
}

func stateStyle(s status.State) lipgloss.Style {
	themeMu.RLock()
	defer themeMu.RUnlock()
	if st, ok := stateStyles[s]; ok {
		return st
	}
	return stateStyles[status.Unknown]
}
