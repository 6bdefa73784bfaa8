// ABOUTME: Test tone generator source
// ABOUTME: Generates a sine wave at half scale on every channel
package audiosrc

import (
	"fmt"
	"math"

	"github.com/Sendspin/bluestream/pkg/audio"
)

// Tone generates a sine wave forever
type Tone struct {
	frequency   float64
	rate        int
	channels    int
	sampleIndex uint64
}

// NewTone creates a tone generator
func NewTone(frequency float64, rate, channels int) *Tone {
	return &Tone{
		frequency: frequency,
		rate:      rate,
		channels:  channels,
	}
}

func (s *Tone) Read(samples []int32) (int, error) {
	frames := len(samples) / s.channels

	for i := 0; i < frames; i++ {
		t := float64(s.sampleIndex+uint64(i)) / float64(s.rate)
		v := int32(math.Sin(2*math.Pi*s.frequency*t) * audio.Max24Bit * 0.5)
		for ch := 0; ch < s.channels; ch++ {
			samples[i*s.channels+ch] = v
		}
	}
	s.sampleIndex += uint64(frames)

	return frames * s.channels, nil
}

func (s *Tone) SampleRate() int { return s.rate }
func (s *Tone) Channels() int   { return s.channels }
func (s *Tone) Title() string   { return fmt.Sprintf("Test Tone %.0f Hz", s.frequency) }
func (s *Tone) Close() error    { return nil }
