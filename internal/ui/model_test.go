// ABOUTME: Tests for the dashboard model
// ABOUTME: Tests status updates, key handling and rendered session panels
package ui

import (
	"strings"
	"testing"

	"github.com/Sendspin/bluestream/internal/device"
	"github.com/Sendspin/bluestream/internal/source"
	"github.com/Sendspin/bluestream/internal/stream"
	tea "github.com/charmbracelet/bubbletea"
)

func TestNewModel(t *testing.T) {
	m := NewModel("kitchen", 8928, nil)
	if m.status.Name != "kitchen" || m.status.Port != 8928 {
		t.Errorf("expected kitchen:8928, got %s:%d", m.status.Name, m.status.Port)
	}
	if !m.showStats {
		t.Error("expected stats shown by default")
	}
	if !strings.Contains(m.View(), "No roles initialised") {
		t.Error("expected empty dashboard placeholder")
	}
}

func TestStatusUpdateRendersSessions(t *testing.T) {
	m := NewModel("kitchen", 8928, nil)
	snap := Snapshot{
		Name:      "kitchen",
		Port:      8928,
		SessionID: "3f1c",
		Sessions: []stream.Status{
			{
				Role:      device.RoleSource,
				Address:   device.Address{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
				Connected: true,
				Codec:     "SBC 44100Hz",
				CtrlOpen:  true,
				State:     "running",
				Underflow: "paused",
				Buffered:  3528,
				Capacity:  7168,
				Source:    source.Stats{PacketsSent: 12},
			},
			{Role: device.RoleSink, State: "off", QueueDepth: 4, Inflight: 2},
		},
	}

	updated, _ := m.Update(StatusMsg(snap))
	view := updated.View()

	for _, want := range []string{"SOURCE", "00:11:22:33:44:55", "SBC 44100Hz", "underflow paused", "3528/7168", "Sent: 12 packets", "SINK", "Queue: 4  In flight: 2", "3f1c"} {
		if !strings.Contains(view, want) {
			t.Errorf("expected view to contain %q", want)
		}
	}
}

func TestKeys(t *testing.T) {
	tests := []struct {
		name      string
		key       string
		quitting  bool
		showStats bool
	}{
		{"quit", "q", true, true},
		{"toggle stats", "s", false, false},
		{"other", "x", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			quit := make(chan struct{}, 1)
			m := NewModel("kitchen", 8928, quit)
			updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(tt.key)})
			got := updated.(Model)

			if got.quitting != tt.quitting {
				t.Errorf("expected quitting %v, got %v", tt.quitting, got.quitting)
			}
			if got.showStats != tt.showStats {
				t.Errorf("expected showStats %v, got %v", tt.showStats, got.showStats)
			}
			if tt.quitting {
				if cmd == nil {
					t.Error("expected quit command")
				}
				select {
				case <-quit:
				default:
					t.Error("expected quit signal")
				}
			}
		})
	}
}

func TestRenderBar(t *testing.T) {
	tests := []struct {
		value, max, width int
		expected          string
	}{
		{0, 10, 4, "░░░░"},
		{5, 10, 4, "██░░"},
		{20, 10, 4, "████"},
		{1, 0, 2, "░░"},
	}
	for _, tt := range tests {
		if got := renderBar(tt.value, tt.max, tt.width); got != tt.expected {
			t.Errorf("renderBar(%d, %d, %d): expected %q, got %q", tt.value, tt.max, tt.width, tt.expected, got)
		}
	}
}
