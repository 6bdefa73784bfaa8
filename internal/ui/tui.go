// ABOUTME: Dashboard program lifecycle for the daemon
// ABOUTME: Wraps the bubbletea program and a non-blocking update channel
package ui

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"
)

// Dashboard manages the status TUI
type Dashboard struct {
	name     string
	port     int
	program  *tea.Program
	updates  chan Snapshot
	quitChan chan struct{}

	done     chan struct{}
	stopOnce sync.Once
}

// NewDashboard creates a dashboard
func NewDashboard(name string, port int) *Dashboard {
	d := &Dashboard{
		name:     name,
		port:     port,
		updates:  make(chan Snapshot, 10),
		quitChan: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	d.program = tea.NewProgram(NewModel(name, port, d.quitChan), tea.WithAltScreen())
	return d
}

// Run shows the dashboard until the user quits or Stop is called
func (d *Dashboard) Run() error {
	go func() {
		for {
			select {
			case status := <-d.updates:
				d.program.Send(StatusMsg(status))
			case <-d.done:
				return
			}
		}
	}()

	_, err := d.program.Run()
	return err
}

// Update sends a snapshot to the dashboard without blocking
func (d *Dashboard) Update(status Snapshot) {
	select {
	case <-d.done:
	case d.updates <- status:
	default:
	}
}

// Stop closes the dashboard. Safe to call more than once.
func (d *Dashboard) Stop() {
	d.stopOnce.Do(func() {
		close(d.done)
		d.program.Quit()
	})
}

// QuitChan signals when the user asked to quit
func (d *Dashboard) QuitChan() <-chan struct{} {
	return d.quitChan
}
