package ui

import (
	"context"
	"log/slog"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	dark "github.com/thiagokokada/dark-mode-go"
)

// ThemeWatcher follows the OS dark-mode setting while the theme is
// "system".
type ThemeWatcher struct {
	changeCh  chan bool // true=dark
	closeCh   chan struct{}
	closeOnce sync.Once
}

type themeChangedMsg struct{ dark bool }

// NewThemeWatcher starts watching. It returns nil when the platform cannot
// report changes; the dashboard then keeps the theme it started with.
func NewThemeWatcher(parent context.Context) *ThemeWatcher {
	ctx, cancel := context.WithCancel(parent)
	events, errs, err := dark.WatchDarkMode(ctx)
	if err != nil {
		cancel()
		uiLog.Warn("theme_watch_unavailable", slog.String("error", err.Error()))
		return nil
	}
	tw := &ThemeWatcher{
		changeCh: make(chan bool, 1),
		closeCh:  make(chan struct{}),
	}
	go tw.loop(cancel, events, errs)
	return tw
}

func (tw *ThemeWatcher) loop(cancel context.CancelFunc, events <-chan bool, errs <-chan error) {
	defer cancel()
	defer close(tw.changeCh)
	for {
		select {
		case <-tw.closeCh:
			return
		case isDark, ok := <-events:
			if !ok {
				return
			}
			// Keep only the newest value.
			select {
			case <-tw.changeCh:
			default:
			}
			tw.changeCh <- isDark
		case err, ok := <-errs:
			if ok && err != nil {
				uiLog.Warn("theme_watch_error", slog.String("error", err.Error()))
			}
		}
	}
}

// wait returns a command delivering the next change, or nil once the
// watcher is closed.
func (tw *ThemeWatcher) wait() tea.Cmd {
	if tw == nil {
		return nil
	}
	return func() tea.Msg {
		isDark, ok := <-tw.changeCh
		if !ok {
			return nil
		}
		return themeChangedMsg{dark: isDark}
	}
}

// Close stops the watcher. Safe to call more than once.
func (tw *ThemeWatcher) Close() {
	if tw == nil {
		return
	}
	tw.closeOnce.Do(func() { close(tw.closeCh) })
}
