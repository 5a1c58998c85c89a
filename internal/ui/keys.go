package ui

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	Up       key.Binding
	Down     key.Binding
	Top      key.Binding
	Bottom   key.Binding
	Attach   key.Binding
	Toggle   key.Binding
	Filter   key.Binding
	Start    key.Binding
	Stop     key.Binding
	Restart  key.Binding
	Delete   key.Binding
	NextWait key.Binding
	Help     key.Binding
	Quit     key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Up:       key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
		Down:     key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
		Top:      key.NewBinding(key.WithKeys("home", "g"), key.WithHelp("g", "top")),
		Bottom:   key.NewBinding(key.WithKeys("end", "G"), key.WithHelp("G", "bottom")),
		Attach:   key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "attach")),
		Toggle:   key.NewBinding(key.WithKeys(" ", "tab"), key.WithHelp("space", "fold group")),
		Filter:   key.NewBinding(key.WithKeys("/"), key.WithHelp("/", "filter")),
		Start:    key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "start")),
		Stop:     key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "stop")),
		Restart:  key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "restart")),
		Delete:   key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "remove")),
		NextWait: key.NewBinding(key.WithKeys("w"), key.WithHelp("w", "next waiting")),
		Help:     key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
		Quit:     key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

// ShortHelp implements help.KeyMap.
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Attach, k.Filter, k.NextWait, k.Help, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.Top, k.Bottom},
		{k.Attach, k.Toggle, k.Filter, k.NextWait},
		{k.Start, k.Stop, k.Restart, k.Delete},
		{k.Help, k.Quit},
	}
}
