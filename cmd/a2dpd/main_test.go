// ABOUTME: Tests for daemon wiring helpers
// ABOUTME: Tests flag overrides and the loopback link against a real profile manager
package main

import (
	"flag"
	"testing"

	"github.com/Sendspin/bluestream/internal/device"
	"github.com/Sendspin/bluestream/internal/loop"
	"github.com/Sendspin/bluestream/internal/profile"
	"github.com/Sendspin/bluestream/internal/stream"
)

func TestSetFlags(t *testing.T) {
	if err := flag.Set("port", "9001"); err != nil {
		t.Fatal(err)
	}
	if err := flag.Set("log-file", "test.log"); err != nil {
		t.Fatal(err)
	}

	overrides := setFlags()
	if overrides["port"] != 9001 {
		t.Errorf("expected port 9001, got %v", overrides["port"])
	}
	if overrides["log_file"] != "test.log" {
		t.Errorf("expected log_file test.log, got %v", overrides["log_file"])
	}
	if _, ok := overrides["debug"]; ok {
		t.Error("expected unset flags to be absent")
	}
}

func sourceStatus(t *testing.T, m *profile.Manager) stream.Status {
	t.Helper()
	for _, st := range m.Service().Snapshot() {
		if st.Role == device.RoleSource {
			return st
		}
	}
	t.Fatal("no source session")
	return stream.Status{}
}

func TestLoopbackLink(t *testing.T) {
	f := loop.NewFake()
	var m *profile.Manager
	link := newLoopbackLink(linkEvents(func() *profile.Manager { return m }), false)
	m = profile.New(profile.Config{}, f, link, link)
	if err := m.Init([]device.Role{device.RoleSource}, false); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}

	addr := device.Address{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	m.ConnectAsync(addr, device.RoleSource)
	f.Drain()

	st := sourceStatus(t, m)
	if !st.Connected || st.Address != addr {
		t.Fatalf("expected %s connected, got %+v", addr, st)
	}
	if st.Codec == "" {
		t.Error("expected a negotiated codec")
	}

	if err := link.SendMedia(addr, []byte{0x80}); err != nil {
		t.Fatalf("SendMedia() failed: %v", err)
	}
	if link.Sent(addr) != 1 {
		t.Errorf("expected 1 packet, got %d", link.Sent(addr))
	}

	m.DisconnectAsync(addr)
	f.Drain()
	if st := sourceStatus(t, m); st.Connected {
		t.Error("expected peer to be disconnected")
	}
}
