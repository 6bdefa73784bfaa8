// ABOUTME: Fuzz target for control channel event decoding
// ABOUTME: Decoded events must re-encode to bytes that decode identically
package protocol

import (
	"bytes"
	"reflect"
	"testing"
)

// FuzzDecodeEvents feeds random bytes to DecodeEvents. When decoding
// succeeds, encode -> decode must reproduce the same events.
func FuzzDecodeEvents(f *testing.F) {
	f.Add([]byte{0x00})
	f.Add([]byte{0x03, 0x00})
	f.Add(AudioConfig{Valid: true, CodecType: 0, SampleRate: 44100, SBC: &SBCFields{Blocks: 16}}.Encode())
	f.Add(AudioConfig{Valid: true, CodecType: 2, SampleRate: 48000, AAC: &AACFields{ObjectType: 0x80}}.Encode())
	f.Add([]byte{})
	f.Add([]byte{0xFF, 0xFE, 0x00, 0x01, 0x02, 0x03})

	f.Fuzz(func(t *testing.T, data []byte) {
		events, err := DecodeEvents(data)
		if err != nil {
			return
		}

		var buf bytes.Buffer
		for _, ev := range events {
			buf.Write(ev.Encode())
		}
		again, err := DecodeEvents(buf.Bytes())
		if err != nil {
			t.Fatalf("re-decode failed: %v", err)
		}
		if !reflect.DeepEqual(events, again) {
			t.Fatalf("round trip mismatch:\n  first:  %+v\n  second: %+v", events, again)
		}
	})
}
