// ABOUTME: Format adapters: channel remixing, rate conversion and looping
// ABOUTME: Resampling uses a windowed-sinc resampler working per channel on float32
package audiosrc

import (
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/Sendspin/bluestream/pkg/audio"
	"github.com/oov/audio/resampler"
)

const resampleQuality = 10

// Remix converts between mono and stereo
type Remix struct {
	src      Source
	channels int
	buf      []int32
}

// NewRemix wraps src to produce channels channels
func NewRemix(src Source, channels int) *Remix {
	return &Remix{src: src, channels: channels}
}

func (r *Remix) Read(samples []int32) (int, error) {
	in, out := r.src.Channels(), r.channels
	frames := len(samples) / out
	if cap(r.buf) < frames*in {
		r.buf = make([]int32, frames*in)
	}
	buf := r.buf[:frames*in]

	n, err := r.src.Read(buf)
	n /= in
	for i := 0; i < n; i++ {
		switch {
		case in == 1:
			for ch := 0; ch < out; ch++ {
				samples[i*out+ch] = buf[i]
			}
		case out == 1:
			var sum int64
			for ch := 0; ch < in; ch++ {
				sum += int64(buf[i*in+ch])
			}
			samples[i] = int32(sum / int64(in))
		default:
			for ch := 0; ch < out; ch++ {
				samples[i*out+ch] = buf[i*in+min(ch, in-1)]
			}
		}
	}
	return n * out, err
}

func (r *Remix) SampleRate() int { return r.src.SampleRate() }
func (r *Remix) Channels() int   { return r.channels }
func (r *Remix) Title() string   { return r.src.Title() }
func (r *Remix) Close() error    { return r.src.Close() }

// Resampled converts src to another sample rate
type Resampled struct {
	src      Source
	rate     int
	channels int
	r        *resampler.Resampler

	in       []int32
	planeIn  [][]float32
	planeOut [][]float32

	// converted samples not yet returned
	pending []int32
	eof     bool
}

// NewResampled wraps src to produce rate Hz
func NewResampled(src Source, rate int) *Resampled {
	channels := src.Channels()
	log.Printf("Resampling %s from %d Hz to %d Hz", src.Title(), src.SampleRate(), rate)
	return &Resampled{
		src:      src,
		rate:     rate,
		channels: channels,
		r:        resampler.New(channels, src.SampleRate(), rate, resampleQuality),
		planeIn:  make([][]float32, channels),
		planeOut: make([][]float32, channels),
	}
}

func (s *Resampled) Read(samples []int32) (int, error) {
	for len(s.pending) < len(samples) && !s.eof {
		if err := s.fill(len(samples) / s.channels); err != nil {
			return 0, err
		}
	}
	if len(s.pending) == 0 {
		return 0, io.EOF
	}
	n := copy(samples, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// fill converts roughly frames output frames worth of input
func (s *Resampled) fill(frames int) error {
	inFrames := frames*s.src.SampleRate()/s.rate + 1
	if cap(s.in) < inFrames*s.channels {
		s.in = make([]int32, inFrames*s.channels)
	}
	in := s.in[:inFrames*s.channels]

	n, err := s.src.Read(in)
	if errors.Is(err, io.EOF) {
		s.eof = true
	} else if err != nil {
		return err
	}
	got := n / s.channels
	if got == 0 {
		// a source with nothing to give is treated as ended
		s.eof = true
		return nil
	}

	outFrames := got*s.rate/s.src.SampleRate() + 64
	written := 0
	for ch := 0; ch < s.channels; ch++ {
		s.planeIn[ch] = growFloat(s.planeIn[ch], got)
		s.planeOut[ch] = growFloat(s.planeOut[ch], outFrames)
		for i := 0; i < got; i++ {
			s.planeIn[ch][i] = float32(in[i*s.channels+ch]) / audio.Max24Bit
		}
		_, written = s.r.ProcessFloat32(ch, s.planeIn[ch], s.planeOut[ch])
	}

	for i := 0; i < written; i++ {
		for ch := 0; ch < s.channels; ch++ {
			v := s.planeOut[ch][i] * audio.Max24Bit
			s.pending = append(s.pending, audio.Clamp24(int32(v)))
		}
	}
	return nil
}

func growFloat(b []float32, n int) []float32 {
	if cap(b) < n {
		return make([]float32, n)
	}
	return b[:n]
}

func (s *Resampled) SampleRate() int { return s.rate }
func (s *Resampled) Channels() int   { return s.channels }
func (s *Resampled) Title() string   { return s.src.Title() }
func (s *Resampled) Close() error    { return s.src.Close() }

// Loop reopens a source each time it ends
type Loop struct {
	open   func() (Source, error)
	src    Source
	passes int
}

// NewLoop opens the first pass of a looping source
func NewLoop(open func() (Source, error)) (*Loop, error) {
	src, err := open()
	if err != nil {
		return nil, err
	}
	return &Loop{open: open, src: src}, nil
}

func (l *Loop) Read(samples []int32) (int, error) {
	n, err := l.src.Read(samples)
	if !errors.Is(err, io.EOF) {
		return n, err
	}
	if n > 0 {
		return n, nil
	}

	l.src.Close()
	next, err := l.open()
	if err != nil {
		return 0, fmt.Errorf("reopen %s: %w", l.src.Title(), err)
	}
	l.src = next
	l.passes++
	return l.src.Read(samples)
}

// Passes returns how many times the source wrapped around
func (l *Loop) Passes() int { return l.passes }

func (l *Loop) SampleRate() int { return l.src.SampleRate() }
func (l *Loop) Channels() int   { return l.src.Channels() }
func (l *Loop) Title() string   { return l.src.Title() }
func (l *Loop) Close() error    { return l.src.Close() }
