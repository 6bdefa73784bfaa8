// ABOUTME: Tests for daemon configuration loading
// ABOUTME: Tests defaults, file values, environment and flag precedence
package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/Sendspin/bluestream/internal/device"
	"github.com/Sendspin/bluestream/internal/sink"
	"github.com/Sendspin/bluestream/internal/source"
)

func TestDefaults(t *testing.T) {
	c, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if c.Port != 8928 {
		t.Errorf("expected port 8928, got %d", c.Port)
	}
	if !reflect.DeepEqual(c.Roles, []device.Role{device.RoleSource}) {
		t.Errorf("expected source role, got %v", c.Roles)
	}
	if c.Source.RingBytes != source.DefaultRingBytes {
		t.Errorf("expected ring %d, got %d", source.DefaultRingBytes, c.Source.RingBytes)
	}
	if c.Sink.QueueCapacity != sink.DefaultQueueCapacity || c.Sink.LowWatermark != sink.DefaultLowWatermark {
		t.Errorf("expected sink defaults, got %+v", c.Sink)
	}
	if c.ConnectTimeout != 0 {
		t.Errorf("expected no connect timeout, got %v", c.ConnectTimeout)
	}
}

func TestFileEnvAndFlagPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a2dpd.yaml")
	file := `name: living-room
port: 9000
debug: true
roles: [source, sink]
connect_timeout: 5s
sink:
  send_quota: 7
`
	if err := os.WriteFile(path, []byte(file), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("A2DPD_PORT", "9100")
	t.Setenv("A2DPD_SOURCE_RING_BYTES", "4096")

	c, err := Load(path, map[string]any{"name": "from-flag"})
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	tests := []struct {
		field    string
		got      any
		expected any
	}{
		{"name", c.Name, "from-flag"},
		{"port", c.Port, 9100},
		{"debug", c.Debug, true},
		{"sink debug", c.Sink.Debug, true},
		{"connect_timeout", c.ConnectTimeout, 5 * time.Second},
		{"sink.send_quota", c.Sink.SendQuota, 7},
		{"source.ring_bytes", c.Source.RingBytes, 4096},
		{"roles", c.Roles, []device.Role{device.RoleSource, device.RoleSink}},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			if !reflect.DeepEqual(tt.got, tt.expected) {
				t.Errorf("expected %v, got %v", tt.expected, tt.got)
			}
		})
	}

	p := c.Profile()
	if p.ConnectTimeout != 5*time.Second || p.Stream.Sink.SendQuota != 7 {
		t.Errorf("expected profile config to carry values, got %+v", p)
	}
}

func TestMissingFileUsesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if c.Port != 8928 {
		t.Errorf("expected default port, got %d", c.Port)
	}
}

func TestInvalidValues(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]any
	}{
		{"bad role", map[string]any{"roles": "source,speaker"}},
		{"no roles", map[string]any{"roles": ""}},
		{"bad port", map[string]any{"port": 70000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load("", tt.overrides); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRolesFromCommaList(t *testing.T) {
	c, err := Load("", map[string]any{"roles": "sink, source,sink"})
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	want := []device.Role{device.RoleSink, device.RoleSource}
	if !reflect.DeepEqual(c.Roles, want) {
		t.Errorf("expected %v, got %v", want, c.Roles)
	}
}
