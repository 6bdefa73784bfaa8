// ABOUTME: Bubbletea model for the daemon status dashboard
// ABOUTME: Renders one panel per streaming role from loop-built snapshots
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/Sendspin/bluestream/internal/device"
	"github.com/Sendspin/bluestream/internal/stream"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Snapshot is everything the dashboard shows at one instant
type Snapshot struct {
	Name      string
	Port      int
	SessionID string
	Sessions  []stream.Status
	// Channels lists connected audio channel endpoints
	Channels []string
}

// StatusMsg carries a new snapshot into the model
type StatusMsg Snapshot

type tickMsg time.Time

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).MarginBottom(1)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	valueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	roleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("220"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	helpStyle   = lipgloss.NewStyle().Faint(true)
)

// Model is the dashboard state
type Model struct {
	status    Snapshot
	startTime time.Time
	showStats bool
	quitting  bool
	quitChan  chan struct{}
}

// NewModel creates a dashboard model. quitChan may be nil.
func NewModel(name string, port int, quitChan chan struct{}) Model {
	return Model{
		status:    Snapshot{Name: name, Port: port},
		startTime: time.Now(),
		showStats: true,
		quitChan:  quitChan,
	}
}

func (m Model) Init() tea.Cmd {
	return tickEvery()
}

func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			if m.quitChan != nil {
				select {
				case m.quitChan <- struct{}{}:
				default:
				}
			}
			return m, tea.Quit
		case "s":
			m.showStats = !m.showStats
		}

	case tickMsg:
		return m, tickEvery()

	case StatusMsg:
		m.status = Snapshot(msg)
	}

	return m, nil
}

func (m Model) View() string {
	if m.quitting {
		return "Shutting down a2dpd...\n"
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("A2DP Stream Daemon"))
	b.WriteString("\n\n")

	field(&b, "Name", m.status.Name)
	field(&b, "Port", fmt.Sprintf("%d", m.status.Port))
	if m.status.SessionID != "" {
		field(&b, "Session", m.status.SessionID)
	}
	field(&b, "Uptime", time.Since(m.startTime).Round(time.Second).String())
	field(&b, "Channels", fmt.Sprintf("%d connected", len(m.status.Channels)))
	b.WriteString("\n")

	if len(m.status.Sessions) == 0 {
		b.WriteString(valueStyle.Render("  No roles initialised"))
		b.WriteString("\n")
	}
	for _, st := range m.status.Sessions {
		m.renderSession(&b, st)
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render("s: toggle stats  q/Ctrl+C: quit"))
	return b.String()
}

func field(b *strings.Builder, name, value string) {
	b.WriteString(headerStyle.Render(name + ": "))
	b.WriteString(valueStyle.Render(value))
	b.WriteString("\n")
}

func (m Model) renderSession(b *strings.Builder, st stream.Status) {
	b.WriteString(roleStyle.Render(strings.ToUpper(st.Role.String())))
	b.WriteString("\n")

	peer := "no peer"
	if st.Connected {
		peer = st.Address.String()
	}
	codec := st.Codec
	if codec == "" {
		codec = "not configured"
	}
	if st.Offload {
		codec += " (offloaded)"
	}
	b.WriteString(fmt.Sprintf("  Peer:  %s\n", valueStyle.Render(peer)))
	b.WriteString(fmt.Sprintf("  Codec: %s\n", valueStyle.Render(codec)))
	b.WriteString(fmt.Sprintf("  Audio: ctrl %s  data %s", openMark(st.CtrlOpen), openMark(st.DataOpen)))
	if st.ConfigPending {
		b.WriteString(warnStyle.Render("  config pending"))
	}
	b.WriteString("\n")

	state := st.State
	if st.Underflow != "" && st.Underflow != "none" {
		state += " " + warnStyle.Render("underflow "+st.Underflow)
	}
	b.WriteString(fmt.Sprintf("  State: %s\n", state))

	switch {
	case st.Capacity > 0:
		b.WriteString(fmt.Sprintf("  Ring:  [%s] %d/%d bytes\n", renderBar(st.Buffered, st.Capacity, 20), st.Buffered, st.Capacity))
		if m.showStats {
			s := st.Source
			b.WriteString(valueStyle.Render(fmt.Sprintf("  Sent: %d packets, %d frames  Underflow: %d ticks, %d pauses  Errors: %d",
				s.PacketsSent, s.FramesSent, s.UnderflowTicks, s.Pauses, s.SendErrors)))
			b.WriteString("\n")
		}
	case st.Role == device.RoleSink:
		b.WriteString(fmt.Sprintf("  Queue: %d  In flight: %d\n", st.QueueDepth, st.Inflight))
		if m.showStats {
			s := st.Sink
			b.WriteString(valueStyle.Render(fmt.Sprintf("  RX: %d  Forwarded: %d  Evicted: %d  Malformed: %d  Congested: %d ticks",
				s.Received, s.Forwarded, s.Evicted, s.Malformed, s.CongestionTicks)))
			b.WriteString("\n")
		}
	}
	b.WriteString("\n")
}

func openMark(open bool) string {
	if open {
		return "up"
	}
	return "down"
}

func renderBar(value, max, width int) string {
	if max <= 0 {
		return strings.Repeat("░", width)
	}
	filled := (value * width) / max
	if filled > width {
		filled = width
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}
