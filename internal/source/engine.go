// ABOUTME: A2DP source streaming engine: paces PCM out of the ring buffer
// ABOUTME: Encodes whole frames into MTU-bounded packets, handles suspend drain and underflow recovery
package source

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/Sendspin/bluestream/internal/loop"
	"github.com/Sendspin/bluestream/pkg/audio"
	"github.com/Sendspin/bluestream/pkg/audio/encode"
	"github.com/Sendspin/bluestream/pkg/codec"
	"github.com/Sendspin/bluestream/pkg/media"
	"github.com/Sendspin/bluestream/pkg/protocol"
)

const (
	// DefaultUnderflowTicks is how many empty ticks a running stream tolerates
	DefaultUnderflowTicks = 100
	// DefaultSuspendUnderflowTicks ends a suspend drain once the buffer stays empty
	DefaultSuspendUnderflowTicks = 2
)

var (
	errNoCodec    = errors.New("source: no codec configured")
	errSuspending = errors.New("source: suspend in progress")
)

// State is the stream state of the source engine
type State uint8

const (
	StateOff State = iota
	StateFlushing
	StateRunning
	StateSuspending
	StateWaitForSuspended
)

func (s State) String() string {
	switch s {
	case StateOff:
		return "OFF"
	case StateFlushing:
		return "FLUSHING"
	case StateRunning:
		return "RUNNING"
	case StateSuspending:
		return "SUSPENDING"
	case StateWaitForSuspended:
		return "WAIT_FOR_SUSPENDED"
	default:
		return fmt.Sprintf("STATE(%d)", uint8(s))
	}
}

// Underflow is the underflow recovery sub-state
type Underflow uint8

const (
	UnderflowNone Underflow = iota
	UnderflowPaused
	UnderflowResuming
)

func (u Underflow) String() string {
	switch u {
	case UnderflowNone:
		return "NONE"
	case UnderflowPaused:
		return "PAUSED"
	case UnderflowResuming:
		return "RESUMING"
	default:
		return fmt.Sprintf("UNDERFLOW(%d)", uint8(u))
	}
}

// DataChannel is the PCM input from the audio subsystem. Reads are granted
// in bytes; the channel delivers at most that many through OnData.
type DataChannel interface {
	RequestRead(max int)
	StopRead()
}

// Transport sends one encoded media payload toward the peer
type Transport interface {
	SendMedia(payload []byte, samples int) error
}

// Requester asks the connection state machine to start or suspend the stream
type Requester interface {
	RequestStart() error
	RequestSuspend()
}

// EventSender delivers control channel events to the audio subsystem
type EventSender interface {
	SendEvent(ev protocol.Event)
}

// Config tunes the engine
type Config struct {
	RingBytes             int
	UnderflowTicks        int
	SuspendUnderflowTicks int
	Debug                 bool
}

func (c Config) withDefaults() Config {
	if c.RingBytes <= 0 {
		c.RingBytes = DefaultRingBytes
	}
	if c.UnderflowTicks <= 0 {
		c.UnderflowTicks = DefaultUnderflowTicks
	}
	if c.SuspendUnderflowTicks <= 0 {
		c.SuspendUnderflowTicks = DefaultSuspendUnderflowTicks
	}
	return c
}

// Stats are cumulative engine counters
type Stats struct {
	Ticks          uint64
	PacketsSent    uint64
	FramesSent     uint64
	UnderflowTicks uint64
	Pauses         uint64
	Overruns       uint64
	SendErrors     uint64
}

// Engine is the source side of one streaming session. All methods run on
// the service loop.
type Engine struct {
	cfg    Config
	sched  loop.Scheduler
	req    Requester
	events EventSender

	data      DataChannel
	transport Transport
	reading   bool

	codec   *codec.Config
	enc     encode.Encoder
	offload bool

	// Applied on the next stream start
	pendingCodec *codec.Config
	pendingEnc   encode.Encoder

	state     State
	underflow Underflow
	ring      *RingBuffer
	timer     loop.Timer

	interval      time.Duration
	bytesPerFrame int
	bytesPerTick  int
	maxFrames     int
	accumulator   int
	lastTick      time.Time

	underflowTicks int
	suspendPending bool
	resumeWanted   bool

	pcm     []byte
	samples []int32
	carry   []byte // encoded frame that did not fit the previous packet
	stats   Stats
}

// NewEngine creates an engine in StateOff
func NewEngine(cfg Config, sched loop.Scheduler, req Requester, events EventSender) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:    cfg,
		sched:  sched,
		req:    req,
		events: events,
		ring:   NewRingBuffer(cfg.RingBytes),
	}
}

// State returns the stream state
func (e *Engine) State() State { return e.state }

// Underflow returns the underflow sub-state
func (e *Engine) Underflow() Underflow { return e.underflow }

// Running reports whether the stream is running
func (e *Engine) Running() bool { return e.state == StateRunning }

// Stats returns a copy of the counters
func (e *Engine) Stats() Stats { return e.stats }

// Buffered returns ring buffer usage and capacity
func (e *Engine) Buffered() (used, capacity int) { return e.ring.Used(), e.ring.Cap() }

// SetTransport sets the media transport
func (e *Engine) SetTransport(t Transport) { e.transport = t }

// SetOffload switches between software streaming and hardware offload
func (e *Engine) SetOffload(on bool) { e.offload = on }

// SetDataChannel attaches the PCM input, or detaches it when dc is nil
func (e *Engine) SetDataChannel(dc DataChannel) {
	e.data = dc
	e.reading = false
	if dc == nil {
		return
	}
	switch e.state {
	case StateFlushing:
		e.requestRead(e.ring.Cap())
	case StateRunning, StateSuspending:
		e.requestRead(e.ring.Free())
	}
}

// SetCodec installs the negotiated configuration and its encoder. An
// active stream keeps encoding with its parameters until the next start;
// a change that only moves the packet budget applies at once.
func (e *Engine) SetCodec(cfg *codec.Config, enc encode.Encoder) {
	e.dropPending()
	if e.state == StateOff || e.codec == nil {
		e.install(cfg, enc)
		return
	}
	if sameEncoding(e.codec, cfg) {
		if enc != nil && enc != e.enc {
			enc.Close()
		}
		e.codec = cfg
		if e.bytesPerFrame > 0 {
			e.maxFrames = cfg.FramesPerPacket()
		}
		log.Printf("Source: packet budget now %d bytes", cfg.PacketSize)
		return
	}
	e.pendingCodec, e.pendingEnc = cfg, enc
	log.Printf("Source: codec changed while %s, applied on next start", e.state)
}

func (e *Engine) install(cfg *codec.Config, enc encode.Encoder) {
	if e.enc != nil && e.enc != enc {
		e.enc.Close()
	}
	e.codec = cfg
	e.enc = enc
}

func (e *Engine) dropPending() {
	if e.pendingEnc != nil && e.pendingEnc != e.enc {
		e.pendingEnc.Close()
	}
	e.pendingCodec, e.pendingEnc = nil, nil
}

func (e *Engine) applyPending() {
	if e.pendingCodec == nil {
		return
	}
	cfg, enc := e.pendingCodec, e.pendingEnc
	e.pendingCodec, e.pendingEnc = nil, nil
	e.install(cfg, enc)
	log.Printf("Source: switched to %s", cfg)
}

// sameEncoding reports whether b encodes exactly like a, so that only the
// packet budget may differ
func sameEncoding(a, b *codec.Config) bool {
	if a.Type != b.Type || a.SampleRate != b.SampleRate || a.Channels != b.Channels ||
		a.BitsPerSample != b.BitsPerSample || a.FrameSize != b.FrameSize || a.BitRate != b.BitRate {
		return false
	}
	switch a.Type {
	case codec.TypeSBC:
		return a.SBC != nil && b.SBC != nil && *a.SBC == *b.SBC
	case codec.TypeAAC:
		return a.AAC != nil && b.AAC != nil && *a.AAC == *b.AAC
	}
	return false
}

// Start begins a stream start: stale PCM is flushed while the link starts
func (e *Engine) Start() error {
	switch e.state {
	case StateRunning, StateFlushing:
		return nil
	case StateSuspending, StateWaitForSuspended:
		return errSuspending
	}
	e.applyPending()
	if e.codec == nil {
		return errNoCodec
	}

	e.state = StateFlushing
	e.ring.Reset()
	if !e.offload {
		e.requestRead(e.ring.Cap())
	}
	if err := e.req.RequestStart(); err != nil {
		e.state = StateOff
		e.stopRead()
		return fmt.Errorf("start request failed: %w", err)
	}
	log.Printf("Source: start requested (%s)", e.codec)
	return nil
}

// OnStarted handles the link's answer to a start request
func (e *Engine) OnStarted(ok bool) {
	switch e.state {
	case StateFlushing:
		if !ok {
			e.state = StateOff
			e.stopRead()
			e.send(protocol.EventStartFail)
			return
		}
		e.state = StateRunning
		e.underflow = UnderflowNone
		e.beginStream()
		e.send(protocol.EventStarted)

	case StateRunning:
		if e.underflow != UnderflowResuming {
			return
		}
		if !ok {
			log.Printf("Source: compensatory start failed, waiting for more data")
			e.underflow = UnderflowPaused
			return
		}
		log.Printf("Source: resumed after underflow")
		e.underflow = UnderflowNone
		e.beginStream()

	case StateOff:
		if ok {
			// Nobody asked for this stream.
			log.Printf("Source: stream started while off, suspending")
			e.req.RequestSuspend()
		}
	}
}

// PrepareSuspend starts a graceful stop: the buffer drains before the link
// is suspended
func (e *Engine) PrepareSuspend() {
	switch e.state {
	case StateOff:
		e.send(protocol.EventStopped)

	case StateFlushing:
		e.state = StateOff
		e.stopRead()
		e.send(protocol.EventStopped)

	case StateRunning:
		if e.offload {
			e.state = StateWaitForSuspended
			e.req.RequestSuspend()
			return
		}
		if e.underflow != UnderflowNone {
			e.underflow = UnderflowNone
			e.resumeWanted = false
			if e.suspendPending {
				e.state = StateWaitForSuspended
				e.stopStream()
				return
			}
			e.state = StateOff
			e.stopStream()
			e.send(protocol.EventStopped)
			return
		}
		log.Printf("Source: draining %d buffered bytes before suspend", e.ring.Used())
		e.state = StateSuspending
		e.underflowTicks = 0
	}
}

// OnStopped handles the link reporting the stream suspended or closed
func (e *Engine) OnStopped() {
	switch e.state {
	case StateSuspending, StateWaitForSuspended:
		e.state = StateOff
		e.suspendPending = false
		e.stopStream()
		e.send(protocol.EventStopped)

	case StateFlushing:
		e.state = StateOff
		e.stopRead()
		e.send(protocol.EventStartFail)

	case StateRunning:
		if e.underflow == UnderflowPaused {
			e.suspendPending = false
			if e.resumeWanted {
				e.resumeWanted = false
				e.compensatoryStart()
			}
			return
		}
		log.Printf("Source: stream suspended by peer")
		e.state = StateOff
		e.underflow = UnderflowNone
		e.stopStream()
		e.send(protocol.EventStopped)
	}
}

// Reset drops the session without the link, e.g. on disconnect. The audio
// subsystem is told the stream stopped if it was active.
func (e *Engine) Reset() {
	wasActive := e.state != StateOff
	e.state = StateOff
	e.underflow = UnderflowNone
	e.suspendPending = false
	e.resumeWanted = false
	e.stopStream()
	if wasActive {
		e.send(protocol.EventStopped)
	}
}

// OnData accepts PCM from the data channel and returns the bytes consumed
func (e *Engine) OnData(p []byte) int {
	switch e.state {
	case StateFlushing:
		if e.cfg.Debug {
			log.Printf("[DEBUG] Source: flushing %d stale bytes", len(p))
		}
		e.requestRead(e.ring.Cap())
		return len(p)
	case StateRunning, StateSuspending:
	default:
		return 0
	}
	if e.offload {
		return len(p)
	}

	n := e.ring.Write(p)
	if n < len(p) {
		e.stats.Overruns += uint64(len(p) - n)
		if e.cfg.Debug {
			log.Printf("[DEBUG] Source: ring full, dropped %d bytes", len(p)-n)
		}
	}
	if e.ring.Free() == 0 {
		e.stopRead()
	}

	if e.underflow == UnderflowPaused && e.ring.Used() >= e.bytesPerFrame {
		if e.suspendPending {
			e.resumeWanted = true
		} else {
			e.compensatoryStart()
		}
	}
	return n
}

func (e *Engine) compensatoryStart() {
	log.Printf("Source: data arrived after underflow, restarting stream")
	e.underflow = UnderflowResuming
	if err := e.req.RequestStart(); err != nil {
		log.Printf("Source: compensatory start failed: %v", err)
		e.underflow = UnderflowPaused
	}
}

// prepareStream fixes per-stream pacing parameters from the codec
func (e *Engine) prepareStream() {
	c := e.codec
	e.interval = c.TickInterval()
	e.bytesPerFrame = c.PCMBytesPerFrame()
	e.maxFrames = c.FramesPerPacket()
	e.bytesPerTick = int(int64(c.PCMBytesPerSecond()) * int64(e.interval) / int64(time.Second))

	// The ring must hold at least two ticks of PCM at the negotiated rate.
	capacity := e.cfg.RingBytes
	if need := 2 * e.bytesPerTick; capacity < need {
		capacity = (need + e.bytesPerFrame - 1) / e.bytesPerFrame * e.bytesPerFrame
	}
	if capacity != e.ring.Cap() {
		log.Printf("Source: ring buffer sized to %d bytes", capacity)
		e.ring.Resize(capacity)
	}

	e.pcm = make([]byte, e.bytesPerFrame)
	e.samples = make([]int32, e.bytesPerFrame/2)
}

func (e *Engine) beginStream() {
	e.applyPending()
	e.accumulator = 0
	e.underflowTicks = 0
	e.carry = nil
	if e.offload {
		return
	}
	e.prepareStream()
	e.lastTick = e.sched.Now()
	if e.timer == nil {
		e.timer = e.sched.Every(e.interval, e.tick)
	}
	e.requestRead(e.ring.Free())
	if e.cfg.Debug {
		log.Printf("[DEBUG] Source: interval=%v bytes/tick=%d bytes/frame=%d max frames=%d packet budget=%d",
			e.interval, e.bytesPerTick, e.bytesPerFrame, e.maxFrames, e.codec.PacketSize)
	}
}

func (e *Engine) stopTimer() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) stopStream() {
	e.stopTimer()
	e.stopRead()
	e.ring.Reset()
	e.accumulator = 0
	e.underflowTicks = 0
	e.carry = nil
}

func (e *Engine) requestRead(max int) {
	if e.data == nil {
		return
	}
	if max <= 0 {
		e.stopRead()
		return
	}
	e.data.RequestRead(max)
	e.reading = true
}

func (e *Engine) stopRead() {
	if e.data != nil && e.reading {
		e.data.StopRead()
	}
	e.reading = false
}

func (e *Engine) send(ev protocol.Event) {
	if e.events != nil {
		e.events.SendEvent(ev)
	}
}

func (e *Engine) tick() {
	now := e.sched.Now()
	elapsed := now.Sub(e.lastTick)
	e.lastTick = now
	e.stats.Ticks++

	if e.ring.Used() < e.bytesPerFrame && e.carry == nil {
		e.onUnderflowTick()
		return
	}
	e.underflowTicks = 0

	e.accumulator += int(int64(e.bytesPerTick) * int64(elapsed) / int64(e.interval))
	e.sendPacket()
	if limit := e.maxFrames * e.bytesPerFrame; e.accumulator > limit {
		e.accumulator = limit
	}
	e.requestRead(e.ring.Free())
}

func (e *Engine) onUnderflowTick() {
	e.underflowTicks++
	e.stats.UnderflowTicks++

	switch e.state {
	case StateRunning:
		if e.underflow == UnderflowNone && e.underflowTicks > e.cfg.UnderflowTicks {
			log.Printf("Source: no data for %d ticks, pausing stream", e.underflowTicks)
			e.stats.Pauses++
			e.underflow = UnderflowPaused
			e.suspendPending = true
			e.stopTimer()
			e.req.RequestSuspend()
		}
	case StateSuspending:
		if e.underflowTicks > e.cfg.SuspendUnderflowTicks {
			log.Printf("Source: drain complete, suspending")
			e.stopStream()
			e.state = StateWaitForSuspended
			e.req.RequestSuspend()
		}
	}
	if e.data != nil && e.ring.Free() > 0 && !e.reading && e.state != StateWaitForSuspended {
		e.requestRead(e.ring.Free())
	}
}

// sendPacket encodes the frames due this tick into one packet that fits
// the payload budget. A frame that does not fit leads the next packet.
func (e *Engine) sendPacket() {
	budget := e.codec.PacketSize
	size := e.packetOverhead()
	var frames [][]byte
	if e.carry != nil {
		frames = append(frames, e.carry)
		size += e.frameCost(e.carry)
		e.carry = nil
	}

	for len(frames) < e.maxFrames && e.accumulator >= e.bytesPerFrame && e.ring.Used() >= e.bytesPerFrame {
		frame, err := e.encodeFrame()
		if err != nil {
			log.Printf("Source: encode failed, dropping frame: %v", err)
			e.stats.SendErrors++
			break
		}
		cost := e.frameCost(frame)
		if budget > 0 && size+cost > budget {
			if len(frames) == 0 {
				log.Printf("Source: %d byte frame exceeds the %d byte packet budget, dropped", len(frame), budget)
				e.stats.SendErrors++
				continue
			}
			e.carry = frame
			break
		}
		frames = append(frames, frame)
		size += cost
	}
	if len(frames) == 0 {
		return
	}

	payload, err := e.packet(frames, size)
	if err != nil {
		log.Printf("Source: %v", err)
		e.stats.SendErrors++
		return
	}
	if e.transport == nil {
		e.stats.SendErrors++
		return
	}
	if err := e.transport.SendMedia(payload, len(frames)*e.codec.FrameSamples()); err != nil {
		// Congestion: drop this packet, the next tick carries on.
		if e.cfg.Debug {
			log.Printf("[DEBUG] Source: media send failed: %v", err)
		}
		e.stats.SendErrors++
		return
	}
	e.stats.PacketsSent++
	e.stats.FramesSent += uint64(len(frames))
}

// encodeFrame consumes one frame of PCM from the ring
func (e *Engine) encodeFrame() ([]byte, error) {
	e.ring.Read(e.pcm)
	e.accumulator -= e.bytesPerFrame
	n := audio.DecodePCM16(e.pcm, e.samples)
	return e.enc.Encode(e.samples[:n])
}

func (e *Engine) packetOverhead() int {
	if e.codec.Type == codec.TypeSBC {
		return 1 // frame count
	}
	return 0
}

func (e *Engine) frameCost(frame []byte) int {
	if e.codec.Type == codec.TypeSBC {
		return len(frame)
	}
	return media.LOASHeaderLen + len(frame)
}

func (e *Engine) packet(frames [][]byte, size int) ([]byte, error) {
	if e.codec.Type == codec.TypeSBC {
		body := make([]byte, 0, size-1)
		for _, f := range frames {
			body = append(body, f...)
		}
		return media.AppendSBC(make([]byte, 0, size), len(frames), body), nil
	}

	out := make([]byte, 0, size)
	for _, f := range frames {
		var err error
		if out, err = media.AppendLOAS(out, f); err != nil {
			return nil, err
		}
	}
	return out, nil
}
