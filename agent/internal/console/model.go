// Package console is the interactive terminal front end of the agent.
package console

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"

	"snapstream/agent/internal/agent"
	"snapstream/agent/internal/state"
)

const (
	refreshInterval = time.Second
	maxNotices      = 8
)

// Controller is the subset of *agent.Agent the console drives.
type Controller interface {
	Status() agent.Status
	ToggleTransmission() state.Snapshot
	ToggleMode() state.Snapshot
	TriggerCapture() error
	Pause() error
	Resume() error
}

type tickMsg time.Time

type noticeMsg agent.Notice

type Model struct {
	ctrl    Controller
	notices <-chan agent.Notice

	keys     keyMap
	help     help.Model
	table    table.Model
	status   agent.Status
	rows     []table.Row
	err      error
	Quitting bool
}

func New(ctrl Controller, notices <-chan agent.Notice) Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Time", Width: 10},
			{Title: "Kind", Width: 10},
			{Title: "Event", Width: 60},
		}),
		table.WithHeight(maxNotices),
	)
	return Model{
		ctrl:    ctrl,
		notices: notices,
		keys:    defaultKeys(),
		help:    help.New(),
		table:   t,
		status:  ctrl.Status(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(tick(), waitForNotice(m.notices))
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func waitForNotice(ch <-chan agent.Notice) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		n, ok := <-ch
		if !ok {
			return nil
		}
		return noticeMsg(n)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.help.Width = msg.Width
		return m, nil

	case tickMsg:
		m.status = m.ctrl.Status()
		return m, tick()

	case noticeMsg:
		m.addNotice(agent.Notice(msg))
		return m, waitForNotice(m.notices)

	case tea.KeyMsg:
		m.err = nil
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.Quitting = true
			return m, tea.Quit
		case key.Matches(msg, m.keys.Transmission):
			m.ctrl.ToggleTransmission()
		case key.Matches(msg, m.keys.Mode):
			m.ctrl.ToggleMode()
		case key.Matches(msg, m.keys.Capture):
			m.err = m.ctrl.TriggerCapture()
		case key.Matches(msg, m.keys.Pause):
			if m.status.Paused {
				m.err = m.ctrl.Resume()
			} else {
				m.err = m.ctrl.Pause()
			}
		}
		m.status = m.ctrl.Status()
		return m, nil
	}
	return m, nil
}

func (m *Model) addNotice(n agent.Notice) {
	row := table.Row{n.Time.Format("15:04:05"), n.Kind, n.String()}
	m.rows = append([]table.Row{row}, m.rows...)
	if len(m.rows) > maxNotices {
		m.rows = m.rows[:maxNotices]
	}
	m.table.SetRows(m.rows)
}

func (m Model) View() string {
	if m.Quitting {
		return "Bye!\n"
	}
	st := m.status

	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("snapstream %d  %s", st.DeviceID, st.Label)) + "\n\n")
	b.WriteString(line("Mode", modeView(st)))
	b.WriteString(line("Transmission", onOff(st.Transmitting)))
	b.WriteString(line("Periodic", periodicView(st)))
	b.WriteString(line("Session", st.Session+" "+mutedStyle.Render(st.Broker)))
	b.WriteString(line("Uploads", fmt.Sprintf("%d sent, %d dropped, %d failed", st.Queue.Published, st.Queue.Dropped, st.Queue.Failed)))
	b.WriteString("\n")
	b.WriteString(m.table.View())
	b.WriteString("\n\n")
	b.WriteString(m.help.View(m.keys))
	if m.err != nil {
		b.WriteString("\n" + errorMessageStyle(m.err.Error()))
	}
	return docStyle.Render(b.String())
}

func line(label, value string) string {
	return labelStyle.Render(label) + value + "\n"
}

func modeView(st agent.Status) string {
	if st.Mode == state.ModeManual.String() {
		return manualStyle.Render("MANUAL")
	}
	return liveStyle.Render("LIVE")
}

func onOff(on bool) string {
	if on {
		return liveStyle.Render("on")
	}
	return offStyle.Render("off")
}

func periodicView(st agent.Status) string {
	switch {
	case st.Paused:
		return offStyle.Render("paused")
	case st.AutoCapture:
		return liveStyle.Render("capturing")
	default:
		return mutedStyle.Render("idle")
	}
}

// Run shows the console until the user quits or ctx is cancelled. Notices
// from the agent are forwarded without blocking the agent.
func Run(ctx context.Context, a *agent.Agent) error {
	ch := make(chan agent.Notice, 32)
	unsubscribe := a.Subscribe(func(n agent.Notice) {
		select {
		case ch <- n:
		default:
		}
	})
	defer unsubscribe()

	p := tea.NewProgram(New(a, ch), tea.WithContext(ctx), tea.WithAltScreen())
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
