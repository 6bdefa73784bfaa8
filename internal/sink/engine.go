// ABOUTME: A2DP sink streaming engine: queues inbound media and paces it to the audio subsystem
// ABOUTME: Forwards framed packets under an in-flight quota, logging underflow and congestion
package sink

import (
	"fmt"
	"log"
	"time"

	"github.com/Sendspin/bluestream/internal/loop"
	"github.com/Sendspin/bluestream/pkg/codec"
	"github.com/Sendspin/bluestream/pkg/media"
)

const (
	// DefaultLowWatermark is the queue depth that starts the pacing timer
	DefaultLowWatermark = 5
	// DefaultSendQuota bounds writes awaiting completion
	DefaultSendQuota = 14
	// DefaultCongestionLogTicks is how long congestion lasts before it is logged
	DefaultCongestionLogTicks = 10

	underflowLogTicks = 50
)

// State is the sink stream state
type State uint8

const (
	StateOff State = iota
	StateStarted
)

func (s State) String() string {
	switch s {
	case StateOff:
		return "OFF"
	case StateStarted:
		return "STARTED"
	default:
		return fmt.Sprintf("STATE(%d)", uint8(s))
	}
}

// Writer delivers one framed packet to the audio subsystem. done must be
// called on the service loop once the write has completed.
type Writer interface {
	WriteAsync(p []byte, done func()) error
}

// Config tunes the engine
type Config struct {
	QueueCapacity      int
	LowWatermark       int
	SendQuota          int
	CongestionLogTicks int
	Debug              bool
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.LowWatermark <= 0 {
		c.LowWatermark = DefaultLowWatermark
	}
	if c.LowWatermark > c.QueueCapacity {
		c.LowWatermark = c.QueueCapacity
	}
	if c.SendQuota <= 0 {
		c.SendQuota = DefaultSendQuota
	}
	if c.CongestionLogTicks <= 0 {
		c.CongestionLogTicks = DefaultCongestionLogTicks
	}
	return c
}

// Stats are cumulative engine counters
type Stats struct {
	Received        uint64
	Evicted         uint64
	Forwarded       uint64
	Completed       uint64
	Malformed       uint64
	WriteErrors     uint64
	UnderflowTicks  uint64
	CongestionTicks uint64
}

// Engine is the sink side of one streaming session. All methods run on the
// service loop.
type Engine struct {
	cfg    Config
	sched  loop.Scheduler
	writer Writer

	codec *codec.Config
	state State
	queue *Queue
	timer loop.Timer

	inflight       int
	writerGen      uint64 // bumped on every SetWriter
	underflowTicks int
	congestedTicks int
	lastForward    time.Time

	stats Stats
}

// NewEngine creates an engine in StateOff
func NewEngine(cfg Config, sched loop.Scheduler) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:   cfg,
		sched: sched,
		queue: NewQueue(cfg.QueueCapacity),
	}
}

// State returns the stream state
func (e *Engine) State() State { return e.state }

// Started reports whether playback is started
func (e *Engine) Started() bool { return e.state == StateStarted }

// Depth returns the number of queued packets
func (e *Engine) Depth() int { return e.queue.Len() }

// Inflight returns writes awaiting completion
func (e *Engine) Inflight() int { return e.inflight }

// Stats returns a copy of the counters
func (e *Engine) Stats() Stats { return e.stats }

// SetWriter attaches the audio subsystem data channel, or detaches it when
// nil. Completions of writes issued to an earlier writer no longer count.
func (e *Engine) SetWriter(w Writer) {
	e.writer = w
	e.writerGen++
	e.inflight = 0
}

// SetCodec installs the negotiated configuration used to frame payloads
func (e *Engine) SetCodec(cfg *codec.Config) {
	e.codec = cfg
}

// Start begins forwarding queued media
func (e *Engine) Start() {
	if e.state == StateStarted {
		return
	}
	log.Printf("Sink: started with %d queued packets", e.queue.Len())
	e.state = StateStarted
	e.underflowTicks = 0
	e.congestedTicks = 0
	e.maybeStartTimer()
}

// Resume is Start for a stream that was muted
func (e *Engine) Resume() {
	e.Start()
}

// Mute stops forwarding and drops queued media
func (e *Engine) Mute() {
	e.stop("muted")
}

// Stop ends the stream, e.g. when the peer suspends or disconnects
func (e *Engine) Stop() {
	e.stop("stopped")
}

func (e *Engine) stop(reason string) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	dropped := e.queue.Flush()
	if e.state != StateOff || dropped > 0 {
		log.Printf("Sink: %s, flushed %d packets", reason, dropped)
	}
	e.state = StateOff
	e.underflowTicks = 0
	e.congestedTicks = 0
}

// OnMedia frames an inbound packet and queues it
func (e *Engine) OnMedia(pkt media.Packet) {
	e.stats.Received++
	if e.codec == nil {
		e.stats.Malformed++
		if e.cfg.Debug {
			log.Printf("[DEBUG] Sink: dropping packet %d without a codec", pkt.Sequence)
		}
		return
	}

	framed, err := e.frame(pkt.Payload)
	if err != nil {
		e.stats.Malformed++
		log.Printf("Sink: dropping packet %d: %v", pkt.Sequence, err)
		return
	}
	pkt.Payload = framed

	if e.queue.Push(pkt) {
		e.stats.Evicted++
		if e.cfg.Debug {
			log.Printf("[DEBUG] Sink: queue full, evicted oldest packet")
		}
	}
	e.maybeStartTimer()
}

// frame wraps a media payload in the synthetic 3-byte sync/length header
func (e *Engine) frame(payload []byte) ([]byte, error) {
	body := payload
	if e.codec.Type == codec.TypeSBC {
		_, frames, err := media.SplitSBC(payload)
		if err != nil {
			return nil, err
		}
		body = frames
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty payload", media.ErrMalformed)
	}
	return media.AppendLOAS(make([]byte, 0, media.LOASHeaderLen+len(body)), body)
}

func (e *Engine) interval() time.Duration {
	if e.codec != nil {
		return e.codec.TickInterval()
	}
	return codec.SBCTickInterval
}

func (e *Engine) maybeStartTimer() {
	if e.state != StateStarted || e.timer != nil || e.queue.Len() < e.cfg.LowWatermark {
		return
	}
	if e.cfg.Debug {
		log.Printf("[DEBUG] Sink: queue depth %d, pacing every %v", e.queue.Len(), e.interval())
	}
	e.lastForward = e.sched.Now()
	e.timer = e.sched.Every(e.interval(), e.tick)
}

func (e *Engine) tick() {
	if e.queue.Len() == 0 {
		e.underflowTicks++
		e.stats.UnderflowTicks++
		if e.underflowTicks == 1 || e.underflowTicks%underflowLogTicks == 0 {
			log.Printf("Sink: underflow for %d ticks (%v since last packet)",
				e.underflowTicks, e.sched.Now().Sub(e.lastForward))
		}
		return
	}
	if e.underflowTicks > 0 && e.cfg.Debug {
		log.Printf("[DEBUG] Sink: recovered after %d underflow ticks", e.underflowTicks)
	}
	e.underflowTicks = 0

	if e.writer == nil {
		return
	}

	gen := e.writerGen
	done := func() { e.onWriteDone(gen) }
	for e.inflight < e.cfg.SendQuota {
		pkt, ok := e.queue.Pop()
		if !ok {
			break
		}
		e.inflight++
		if err := e.writer.WriteAsync(pkt.Payload, done); err != nil {
			e.inflight--
			e.stats.WriteErrors++
			log.Printf("Sink: write of packet %d failed: %v", pkt.Sequence, err)
			continue
		}
		e.stats.Forwarded++
		e.lastForward = e.sched.Now()
	}

	if e.queue.Len() > 0 && e.inflight >= e.cfg.SendQuota {
		e.congestedTicks++
		e.stats.CongestionTicks++
		if e.congestedTicks%e.cfg.CongestionLogTicks == 0 {
			log.Printf("Sink: congested for %d ticks, %d writes in flight, %d queued",
				e.congestedTicks, e.inflight, e.queue.Len())
		}
		return
	}
	e.congestedTicks = 0
}

func (e *Engine) onWriteDone(gen uint64) {
	e.stats.Completed++
	if gen != e.writerGen {
		return
	}
	if e.inflight > 0 {
		e.inflight--
	}
}
