package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/taver33/lanBackup/pkg/server"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	statusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// Receiver is the subscribe/snapshot surface the view needs;
// *server.Server satisfies it.
type Receiver interface {
	Subscribe(server.Listener) (unsubscribe func())
	Snapshot() server.State
	Stop()
}

// stateMsg carries a fresh state snapshot into the bubbletea loop.
type stateMsg struct {
	state server.State
}

// Model renders the receiver's published state: status, connected peer,
// transfer progress, and the last error.
type Model struct {
	receiver    Receiver
	spinner     spinner.Model
	state       server.State
	updates     chan server.State
	unsubscribe func()
	quitting    bool
}

// NewModel creates a view over the given receiver and subscribes to its
// state publisher. The subscription drops intermediate snapshots under
// backpressure; the view only needs the latest one.
func NewModel(r Receiver) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = statusStyle

	updates := make(chan server.State, 16)
	unsubscribe := r.Subscribe(func(st server.State) {
		select {
		case updates <- st:
		default:
		}
	})

	return Model{
		receiver:    r,
		spinner:     s,
		state:       r.Snapshot(),
		updates:     updates,
		unsubscribe: unsubscribe,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForState())
}

func (m Model) waitForState() tea.Cmd {
	updates := m.updates
	return func() tea.Msg {
		return stateMsg{state: <-updates}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			if m.unsubscribe != nil {
				m.unsubscribe()
			}
			m.receiver.Stop()
			return m, tea.Quit
		}
	case stateMsg:
		m.state = msg.state
		return m, m.waitForState()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	if m.quitting {
		return "Shutting down.\n"
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("LAN Backup Receiver"))
	b.WriteString("\n\n")

	st := m.state
	switch st.Status {
	case server.StatusIdle, server.StatusStarting:
		b.WriteString(fmt.Sprintf(" %s Starting...\n", m.spinner.View()))
	case server.StatusListening:
		b.WriteString(fmt.Sprintf(" %s Waiting for a device on port %d...\n", m.spinner.View(), st.Port))
	case server.StatusHandshaking:
		b.WriteString(fmt.Sprintf(" %s Device connecting...\n", m.spinner.View()))
	case server.StatusConnected:
		b.WriteString(fmt.Sprintf(" Connected: %s\n", clientLine(st.Client)))
	case server.StatusReceiving:
		b.WriteString(fmt.Sprintf(" Connected: %s\n", clientLine(st.Client)))
		if st.Transfer != nil {
			b.WriteString(transferLine(st.Transfer))
		}
	case server.StatusErrored:
		b.WriteString(errorStyle.Render(" Receiver stopped on error.") + "\n")
	}

	if st.CompletedFilePath != "" {
		b.WriteString(successStyle.Render(fmt.Sprintf("\n Backup saved: %s\n", st.CompletedFilePath)))
	}
	if st.LastError != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("\n [%s] %s\n", st.LastError.Kind, st.LastError.Message)))
	}

	b.WriteString(dimStyle.Render("\nPress q to quit"))
	return b.String()
}

func clientLine(c *server.ClientInfo) string {
	if c == nil {
		return "unknown device"
	}
	name := runewidth.Truncate(c.DeviceName, 32, "…")
	return fmt.Sprintf("%s (%s %s)", name, c.Platform, c.AppVersion)
}

func transferLine(t *server.TransferInfo) string {
	name := runewidth.Truncate(t.FileName, 28, "…")
	return fmt.Sprintf(" %s %s  %d/%d chunks (%.1f%%)\n",
		statusStyle.Render("⇣"), name, t.ReceivedChunks, t.TotalChunks, t.Percentage())
}
