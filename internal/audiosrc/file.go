// ABOUTME: File-backed sources for MP3, FLAC and WAV
// ABOUTME: Decoded samples are scaled into the 24-bit range
package audiosrc

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/mewkiz/flac"
)

// scaleTo24 moves a sample of the given bit depth into the 24-bit range
func scaleTo24(sample int32, bitDepth int) int32 {
	switch {
	case bitDepth == 24:
		return sample
	case bitDepth < 24:
		return sample << (24 - bitDepth)
	default:
		return sample >> (bitDepth - 24)
	}
}

// MP3 reads an MP3 file. The decoder always produces 16-bit stereo.
type MP3 struct {
	file    *os.File
	decoder *mp3.Decoder
	title   string
	buf     []byte
}

// NewMP3 opens an MP3 file
func NewMP3(path string) (*MP3, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open MP3 file: %w", err)
	}

	decoder, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode MP3: %w", err)
	}

	s := &MP3{file: f, decoder: decoder, title: titleOf(path)}
	log.Printf("Loaded MP3: %s (sample rate: %d Hz)", s.title, decoder.SampleRate())
	return s, nil
}

func (s *MP3) Read(samples []int32) (int, error) {
	if cap(s.buf) < len(samples)*2 {
		s.buf = make([]byte, len(samples)*2)
	}
	buf := s.buf[:len(samples)*2]

	n, err := s.decoder.Read(buf)
	if err != nil && err != io.EOF {
		return 0, err
	}

	numSamples := n / 2
	for i := 0; i < numSamples; i++ {
		samples[i] = int32(int16(binary.LittleEndian.Uint16(buf[i*2:]))) << 8
	}
	if numSamples == 0 && err == io.EOF {
		return 0, io.EOF
	}
	return numSamples, nil
}

func (s *MP3) SampleRate() int { return s.decoder.SampleRate() }
func (s *MP3) Channels() int   { return 2 }
func (s *MP3) Title() string   { return s.title }
func (s *MP3) Close() error    { return s.file.Close() }

// FLAC reads a FLAC file frame by frame
type FLAC struct {
	stream   *flac.Stream
	channels int
	bitDepth int
	rate     int
	title    string

	// decoded samples not yet returned
	pending []int32
}

// NewFLAC opens a FLAC file
func NewFLAC(path string) (*FLAC, error) {
	stream, err := flac.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to decode FLAC: %w", err)
	}

	info := stream.Info
	s := &FLAC{
		stream:   stream,
		channels: int(info.NChannels),
		bitDepth: int(info.BitsPerSample),
		rate:     int(info.SampleRate),
		title:    titleOf(path),
	}
	log.Printf("Loaded FLAC: %s (sample rate: %d Hz, channels: %d, bit depth: %d)",
		s.title, s.rate, s.channels, s.bitDepth)
	return s, nil
}

func (s *FLAC) Read(samples []int32) (int, error) {
	for len(s.pending) == 0 {
		frame, err := s.stream.ParseNext()
		if err != nil {
			return 0, err
		}
		for i := 0; i < int(frame.BlockSize); i++ {
			for ch := 0; ch < s.channels; ch++ {
				s.pending = append(s.pending, scaleTo24(frame.Subframes[ch].Samples[i], s.bitDepth))
			}
		}
	}

	n := copy(samples, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *FLAC) SampleRate() int { return s.rate }
func (s *FLAC) Channels() int   { return s.channels }
func (s *FLAC) Title() string   { return s.title }
func (s *FLAC) Close() error    { return s.stream.Close() }

// WAV reads a PCM WAV file
type WAV struct {
	file    *os.File
	decoder *wav.Decoder
	buf     *audio.IntBuffer
	title   string
}

// NewWAV opens a WAV file
func NewWAV(path string) (*WAV, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAV file: %w", err)
	}

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("failed to decode WAV: %v", decoder.Err())
	}

	s := &WAV{
		file:    f,
		decoder: decoder,
		title:   titleOf(path),
		buf: &audio.IntBuffer{
			Format: &audio.Format{
				NumChannels: int(decoder.NumChans),
				SampleRate:  int(decoder.SampleRate),
			},
		},
	}
	log.Printf("Loaded WAV: %s (sample rate: %d Hz, channels: %d, bit depth: %d)",
		s.title, decoder.SampleRate, decoder.NumChans, decoder.BitDepth)
	return s, nil
}

func (s *WAV) Read(samples []int32) (int, error) {
	if cap(s.buf.Data) < len(samples) {
		s.buf.Data = make([]int, len(samples))
	}
	s.buf.Data = s.buf.Data[:len(samples)]

	n, err := s.decoder.PCMBuffer(s.buf)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}

	depth := int(s.decoder.BitDepth)
	for i := 0; i < n; i++ {
		v := int32(s.buf.Data[i])
		if depth == 8 {
			// 8-bit WAV is unsigned
			v -= 128
		}
		samples[i] = scaleTo24(v, depth)
	}
	return n, nil
}

func (s *WAV) SampleRate() int { return int(s.decoder.SampleRate) }
func (s *WAV) Channels() int   { return int(s.decoder.NumChans) }
func (s *WAV) Title() string   { return s.title }
func (s *WAV) Close() error    { return s.file.Close() }
