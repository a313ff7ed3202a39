package app

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines all keyboard bindings for the TUI.
type KeyMap struct {
	Press  key.Binding
	Escape key.Binding
	Login  key.Binding
	Logout key.Binding
	Check  key.Binding
	Events key.Binding
	Help   key.Binding
	Up     key.Binding
	Down   key.Binding
	Quit   key.Binding
}

// DefaultKeyMap returns the default key bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Press: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "press dialog button"),
		),
		Escape: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "close dialog / panel"),
		),
		Login: key.NewBinding(
			key.WithKeys("l"),
			key.WithHelp("l", "show login"),
		),
		Logout: key.NewBinding(
			key.WithKeys("o"),
			key.WithHelp("o", "log out"),
		),
		Check: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "check with server"),
		),
		Events: key.NewBinding(
			key.WithKeys("e"),
			key.WithHelp("e", "event log"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "help"),
		),
		Up: key.NewBinding(
			key.WithKeys("k", "up"),
			key.WithHelp("k/↑", "scroll up"),
		),
		Down: key.NewBinding(
			key.WithKeys("j", "down"),
			key.WithHelp("j/↓", "scroll down"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

// Bindings lists the bindings in help order.
func (k KeyMap) Bindings() []key.Binding {
	return []key.Binding{k.Press, k.Escape, k.Login, k.Logout, k.Check, k.Events, k.Help, k.Up, k.Down, k.Quit}
}
