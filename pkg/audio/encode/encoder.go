// ABOUTME: Encoder interface definition
// ABOUTME: Common interface for per-frame encoders and a constructor keyed by codec config
package encode

import (
	"errors"
	"fmt"

	"github.com/Sendspin/bluestream/pkg/audio"
	"github.com/Sendspin/bluestream/pkg/codec"
)

// ErrNoEncoder is returned for codecs this process cannot encode
var ErrNoEncoder = errors.New("encode: no software encoder")

// Encoder encodes one codec frame of PCM samples
type Encoder interface {
	// Encode converts one frame of interleaved samples to an encoded frame
	Encode(samples []int32) ([]byte, error)

	// FrameSamples returns samples per channel in one frame
	FrameSamples() int

	// Close releases encoder resources
	Close() error
}

// Factory builds an encoder for a negotiated configuration
type Factory func(cfg *codec.Config) (Encoder, error)

// FormatOf returns the PCM format a negotiated configuration consumes
func FormatOf(cfg *codec.Config) audio.Format {
	return audio.Format{
		SampleRate: cfg.SampleRate,
		Channels:   cfg.Channels,
		BitDepth:   cfg.BitsPerSample,
	}
}

// New builds the software encoder for a negotiated configuration. AAC has
// no software encoder; it streams only when the audio path encodes it.
func New(cfg *codec.Config) (Encoder, error) {
	switch cfg.Type {
	case codec.TypeSBC:
		if cfg.SBC == nil {
			return nil, fmt.Errorf("sbc configuration without parameters")
		}
		return NewSBC(*cfg.SBC)
	default:
		return nil, fmt.Errorf("%w for %s", ErrNoEncoder, cfg.Type)
	}
}
