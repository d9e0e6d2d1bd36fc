package console

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	Transmission key.Binding
	Mode         key.Binding
	Capture      key.Binding
	Pause        key.Binding
	Quit         key.Binding
}

func defaultKeys() keyMap {
	return keyMap{
		Transmission: key.NewBinding(key.WithKeys("t"), key.WithHelp("t", "transmission on/off")),
		Mode:         key.NewBinding(key.WithKeys("m"), key.WithHelp("m", "live/manual")),
		Capture:      key.NewBinding(key.WithKeys("c", " "), key.WithHelp("c", "capture now")),
		Pause:        key.NewBinding(key.WithKeys("p"), key.WithHelp("p", "pause/resume")),
		Quit:         key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Transmission, k.Mode, k.Capture, k.Pause, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}
