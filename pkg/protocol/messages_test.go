// ABOUTME: Tests for control channel commands, events and UPDATE_CONFIG frames
// ABOUTME: Verifies field layout, round trips and short buffer handling
package protocol

import (
	"encoding/binary"
	"errors"
	"reflect"
	"testing"

	"github.com/Sendspin/bluestream/pkg/codec"
)

func sbcConfig(t *testing.T) *codec.Config {
	t.Helper()
	cfg, err := codec.ParseSBC([]byte{0x21, 0x15, 0x02, 0x23}, 0)
	if err != nil {
		t.Fatalf("ParseSBC() failed: %v", err)
	}
	return cfg
}

func TestParseCommands(t *testing.T) {
	cmds := ParseCommands([]byte{0x00, 0x02, 0x01, 0x07})
	want := []Command{CommandStart, CommandConfigDone, CommandStop, Command(7)}
	if !reflect.DeepEqual(cmds, want) {
		t.Errorf("expected %v, got %v", want, cmds)
	}
	if cmds[3].Valid() {
		t.Error("expected command 7 to be invalid")
	}
	if got := EncodeCommands(want...); !reflect.DeepEqual(got, []byte{0, 2, 1, 7}) {
		t.Errorf("expected [0 2 1 7], got %v", got)
	}
}

func TestUpdateConfigLayout(t *testing.T) {
	frame := NewAudioConfig(sbcConfig(t)).Encode()

	// event + valid + 7 common fields + 5 SBC fields
	if len(frame) != 2+12*4 {
		t.Fatalf("expected %d bytes, got %d", 2+12*4, len(frame))
	}
	if frame[0] != byte(EventUpdateConfig) || frame[1] != 1 {
		t.Errorf("expected header [3 1], got %v", frame[:2])
	}

	fields := make([]uint32, 12)
	for i := range fields {
		fields[i] = binary.LittleEndian.Uint32(frame[2+i*4:])
	}
	want := []uint32{
		uint32(codec.TypeSBC), 44100, 16, uint32(codec.ChannelModeJoint), 228768, 83, 1 + 14*83,
		uint32(codec.ChannelModeJoint), 16, 8, uint32(codec.AllocationLoudness), 35,
	}
	if !reflect.DeepEqual(fields, want) {
		t.Errorf("expected fields %v, got %v", want, fields)
	}
}

func TestUpdateConfigRoundTrip(t *testing.T) {
	aac, err := codec.ParseAAC([]byte{0x80, 0x01, 0x04, 0x84, 0xE2, 0x00}, 0)
	if err != nil {
		t.Fatalf("ParseAAC() failed: %v", err)
	}

	tests := []struct {
		name string
		cfg  AudioConfig
	}{
		{"sbc", NewAudioConfig(sbcConfig(t))},
		{"aac", NewAudioConfig(aac)},
		{"invalid", NewAudioConfig(nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := DecodeEvents(tt.cfg.Encode())
			if err != nil {
				t.Fatalf("DecodeEvents() failed: %v", err)
			}
			if len(events) != 1 || events[0].Event != EventUpdateConfig {
				t.Fatalf("expected one UPDATE_CONFIG, got %+v", events)
			}
			if !reflect.DeepEqual(*events[0].Config, tt.cfg) {
				t.Errorf("expected %+v, got %+v", tt.cfg, *events[0].Config)
			}
		})
	}
}

func TestDecodeConcatenatedEvents(t *testing.T) {
	var data []byte
	data = append(data, Notification{Event: EventStarted}.Encode()...)
	data = append(data, NewAudioConfig(sbcConfig(t)).Encode()...)
	data = append(data, Notification{Event: EventStopped}.Encode()...)

	events, err := DecodeEvents(data)
	if err != nil {
		t.Fatalf("DecodeEvents() failed: %v", err)
	}
	want := []Event{EventStarted, EventUpdateConfig, EventStopped}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, ev := range events {
		if ev.Event != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], ev.Event)
		}
	}
}

func TestDecodeEventsErrors(t *testing.T) {
	full := NewAudioConfig(sbcConfig(t)).Encode()

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"unknown event", []byte{0x09}, ErrUnknownEvent},
		{"missing valid flag", []byte{byte(EventUpdateConfig)}, ErrShortBuffer},
		{"truncated common fields", full[:10], ErrShortBuffer},
		{"truncated sbc fields", full[:len(full)-1], ErrShortBuffer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEvents(tt.data)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestReaderBounds(t *testing.T) {
	r := NewReader([]byte{1, 2, 3})
	if _, err := r.ReadUint32(); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("expected ErrShortBuffer, got %v", err)
	}
	if r.Remaining() != 3 {
		t.Errorf("expected failed read to consume nothing, %d remaining", r.Remaining())
	}
	v, err := r.ReadUint8()
	if err != nil || v != 1 {
		t.Errorf("expected 1, got %d (%v)", v, err)
	}
}

func TestChannelPath(t *testing.T) {
	if got := ChannelPath("source", ChannelCtrl); got != "/a2dp/source/ctrl" {
		t.Errorf("expected /a2dp/source/ctrl, got %s", got)
	}
}
