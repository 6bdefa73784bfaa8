// ABOUTME: PCM sources that feed the A2DP source data channel
// ABOUTME: Opens files by extension, converts to the negotiated format, and paces chunks
package audiosrc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Sendspin/bluestream/pkg/audio"
)

// ChunkDuration is how much audio one data channel write carries
const ChunkDuration = 20 * time.Millisecond

// Source provides interleaved PCM samples left-justified in the 24-bit range
type Source interface {
	// Read fills samples and returns how many were written. io.EOF ends the source.
	Read(samples []int32) (int, error)
	SampleRate() int
	Channels() int
	// Title names the source for logs and the dashboard
	Title() string
	Close() error
}

// Open creates a source from a file path. An empty path yields a test tone.
func Open(path string) (Source, error) {
	if path == "" {
		return NewTone(440, 44100, 2), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("audio file not found: %s", path)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".mp3":
		return NewMP3(path)
	case ".flac":
		return NewFLAC(path)
	case ".wav":
		return NewWAV(path)
	default:
		return nil, fmt.Errorf("unsupported audio format: %s (supported: .mp3, .flac, .wav)", ext)
	}
}

// titleOf derives a title from a file name
func titleOf(path string) string {
	name := filepath.Base(path)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// Convert adapts src to the target format: channel count first, then rate
func Convert(src Source, target audio.Format) Source {
	if src.Channels() != target.Channels {
		src = NewRemix(src, target.Channels)
	}
	if src.SampleRate() != target.SampleRate {
		src = NewResampled(src, target.SampleRate)
	}
	return src
}

// ChunkFrames returns frames per channel in one paced chunk
func ChunkFrames(rate int) int {
	return rate * int(ChunkDuration) / int(time.Second)
}

// ReadChunk reads one chunk of frames and returns it as 16-bit PCM bytes
func ReadChunk(src Source, buf []int32) ([]byte, error) {
	n := 0
	for n < len(buf) {
		m, err := src.Read(buf[n:])
		n += m
		if err != nil {
			if n == 0 {
				return nil, err
			}
			break
		}
		if m == 0 {
			break
		}
	}
	n -= n % src.Channels()
	if n == 0 {
		return nil, io.EOF
	}
	return audio.AppendPCM16(make([]byte, 0, n*2), buf[:n]), nil
}

// Pump reads src in ChunkDuration chunks and hands each to write on a ticker
// until the source ends or ctx is cancelled
func Pump(ctx context.Context, src Source, write func([]byte) error) error {
	buf := make([]int32, ChunkFrames(src.SampleRate())*src.Channels())
	ticker := time.NewTicker(ChunkDuration)
	defer ticker.Stop()

	chunks := 0
	for {
		pcm, err := ReadChunk(src, buf)
		if errors.Is(err, io.EOF) {
			log.Printf("Source %s finished after %d chunks", src.Title(), chunks)
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", src.Title(), err)
		}
		if err := write(pcm); err != nil {
			return err
		}
		chunks++

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
