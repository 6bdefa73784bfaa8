// ABOUTME: Tests for the source engine pacing, backpressure, suspend and underflow paths
// ABOUTME: Drives ticks with the fake scheduler and records link and channel calls
package source

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/Sendspin/bluestream/internal/loop"
	"github.com/Sendspin/bluestream/pkg/audio/encode"
	"github.com/Sendspin/bluestream/pkg/codec"
	"github.com/Sendspin/bluestream/pkg/media"
	"github.com/Sendspin/bluestream/pkg/protocol"
)

type fakeData struct {
	requests []int
	stops    int
}

func (d *fakeData) RequestRead(max int) { d.requests = append(d.requests, max) }
func (d *fakeData) StopRead()           { d.stops++ }

type fakeTransport struct {
	payloads [][]byte
	samples  []int
}

func (tr *fakeTransport) SendMedia(p []byte, samples int) error {
	tr.payloads = append(tr.payloads, append([]byte(nil), p...))
	tr.samples = append(tr.samples, samples)
	return nil
}

type fakeRequester struct {
	starts   int
	suspends int
	err      error
}

func (r *fakeRequester) RequestStart() error { r.starts++; return r.err }
func (r *fakeRequester) RequestSuspend()     { r.suspends++ }

// sizedEncoder emits frames of a fixed size tagged with their sequence
type sizedEncoder struct {
	size    int
	samples int
	next    byte
	closed  bool
}

func (e *sizedEncoder) Encode(samples []int32) ([]byte, error) {
	frame := make([]byte, e.size)
	frame[0] = e.next
	e.next++
	return frame, nil
}

func (e *sizedEncoder) FrameSamples() int { return e.samples }
func (e *sizedEncoder) Close() error      { e.closed = true; return nil }

func testEncoder(t *testing.T, cfg *codec.Config) encode.Encoder {
	t.Helper()
	if cfg.Type != codec.TypeSBC {
		return &sizedEncoder{size: cfg.FrameSize, samples: cfg.FrameSamples()}
	}
	enc, err := encode.New(cfg)
	if err != nil {
		t.Fatalf("encode.New() failed: %v", err)
	}
	return enc
}

type fakeEvents struct {
	events []protocol.Event
}

func (e *fakeEvents) SendEvent(ev protocol.Event) { e.events = append(e.events, ev) }

type harness struct {
	engine    *Engine
	sched     *loop.Fake
	data      *fakeData
	transport *fakeTransport
	req       *fakeRequester
	events    *fakeEvents
	cfg       *codec.Config
}

func newHarness(t *testing.T, cfg *codec.Config) *harness {
	t.Helper()
	h := &harness{
		sched:     loop.NewFake(),
		data:      &fakeData{},
		transport: &fakeTransport{},
		req:       &fakeRequester{},
		events:    &fakeEvents{},
		cfg:       cfg,
	}
	h.engine = NewEngine(Config{}, h.sched, h.req, h.events)
	h.engine.SetTransport(h.transport)
	h.engine.SetDataChannel(h.data)
	if cfg != nil {
		h.engine.SetCodec(cfg, testEncoder(t, cfg))
	}
	return h
}

func sbcConfig(t *testing.T) *codec.Config {
	t.Helper()
	return parseSBC(t, []byte{0x21, 0x15, 0x02, 0x23}, 0)
}

func parseSBC(t *testing.T, elem []byte, mtu int) *codec.Config {
	t.Helper()
	cfg, err := codec.ParseSBC(elem, mtu)
	if err != nil {
		t.Fatalf("ParseSBC() failed: %v", err)
	}
	return cfg
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.engine.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	h.engine.OnStarted(true)
	if h.engine.State() != StateRunning {
		t.Fatalf("expected RUNNING, got %s", h.engine.State())
	}
}

func (h *harness) fill() {
	h.engine.OnData(make([]byte, h.engine.ring.Free()))
}

func TestRingBufferInvariant(t *testing.T) {
	rb := NewRingBuffer(16)
	check := func() {
		t.Helper()
		if rb.Used()+rb.Free() != rb.Cap() {
			t.Fatalf("used %d + free %d != cap %d", rb.Used(), rb.Free(), rb.Cap())
		}
		if rb.Free() < 0 || rb.Used() < 0 {
			t.Fatalf("negative used/free: %d/%d", rb.Used(), rb.Free())
		}
	}

	next := byte(0)
	expect := byte(0)
	ops := []struct {
		write int
		read  int
	}{
		{5, 0}, {0, 3}, {12, 0}, {4, 0}, {0, 16}, {9, 7}, {20, 20}, {3, 1},
	}
	for _, op := range ops {
		if op.write > 0 {
			p := make([]byte, op.write)
			for i := range p {
				p[i] = next + byte(i)
			}
			n := rb.Write(p)
			next += byte(n)
			check()
		}
		if op.read > 0 {
			p := make([]byte, op.read)
			n := rb.Read(p)
			for i := 0; i < n; i++ {
				if p[i] != expect {
					t.Fatalf("expected byte %d, got %d", expect, p[i])
				}
				expect++
			}
			check()
		}
	}
	rb.Reset()
	check()
	if rb.Used() != 0 {
		t.Errorf("expected empty ring after reset, got %d", rb.Used())
	}
}

func TestStartWithoutCodecFails(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.engine.Start(); err == nil {
		t.Fatal("expected error without a codec")
	}
	if h.sched.Active() != 0 {
		t.Errorf("expected no timer, got %d", h.sched.Active())
	}
	if h.engine.ring.Used() != 0 || len(h.data.requests) != 0 {
		t.Error("expected ring buffer to be untouched")
	}
}

func TestStartIdempotent(t *testing.T) {
	h := newHarness(t, sbcConfig(t))
	h.start(t)

	if err := h.engine.Start(); err != nil {
		t.Fatalf("second Start() failed: %v", err)
	}
	h.engine.OnStarted(true)

	if h.req.starts != 1 {
		t.Errorf("expected 1 start request, got %d", h.req.starts)
	}
	if h.sched.Active() != 1 {
		t.Errorf("expected 1 timer, got %d", h.sched.Active())
	}
	if !reflect.DeepEqual(h.events.events, []protocol.Event{protocol.EventStarted}) {
		t.Errorf("expected one STARTED, got %v", h.events.events)
	}
}

func TestStartFailure(t *testing.T) {
	h := newHarness(t, sbcConfig(t))
	if err := h.engine.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	h.engine.OnStarted(false)

	if h.engine.State() != StateOff {
		t.Errorf("expected OFF, got %s", h.engine.State())
	}
	if !reflect.DeepEqual(h.events.events, []protocol.Event{protocol.EventStartFail}) {
		t.Errorf("expected START_FAIL, got %v", h.events.events)
	}
	if h.sched.Active() != 0 {
		t.Errorf("expected no timer, got %d", h.sched.Active())
	}

	h.req.err = errors.New("no device")
	if err := h.engine.Start(); err == nil {
		t.Error("expected start request error to be returned")
	}
	if h.engine.State() != StateOff {
		t.Errorf("expected OFF, got %s", h.engine.State())
	}
}

func TestPacingAccumulator(t *testing.T) {
	h := newHarness(t, sbcConfig(t))
	h.start(t)

	// 44.1 kHz stereo 16-bit: 3528 bytes per 20 ms tick, 512 bytes per frame
	if h.engine.bytesPerTick != 3528 || h.engine.bytesPerFrame != 512 {
		t.Fatalf("unexpected pacing %d/%d", h.engine.bytesPerTick, h.engine.bytesPerFrame)
	}
	if h.engine.ring.Cap() < 2*3528 {
		t.Fatalf("expected ring to hold two ticks, got %d", h.engine.ring.Cap())
	}

	const ticks = 50
	for i := 0; i < ticks; i++ {
		h.fill()
		h.sched.Advance(20 * time.Millisecond)
	}

	want := uint64(ticks * 3528 / 512)
	if got := h.engine.Stats().FramesSent; got != want {
		t.Errorf("expected %d frames, got %d", want, got)
	}
	if len(h.transport.payloads) != ticks {
		t.Fatalf("expected %d packets, got %d", ticks, len(h.transport.payloads))
	}

	first := h.transport.payloads[0]
	count, frames, err := media.SplitSBC(first)
	if err != nil {
		t.Fatalf("SplitSBC() failed: %v", err)
	}
	if count != 6 || len(frames) != 6*h.cfg.FrameSize {
		t.Errorf("expected 6 frames of %d bytes, got %d frames and %d bytes", h.cfg.FrameSize, count, len(frames))
	}
	if frames[0] != 0x9C || frames[h.cfg.FrameSize] != 0x9C {
		t.Errorf("expected SBC syncwords at frame starts, got %#x %#x", frames[0], frames[h.cfg.FrameSize])
	}
	if h.transport.samples[0] != 6*128 {
		t.Errorf("expected %d samples, got %d", 6*128, h.transport.samples[0])
	}
}

func TestBackpressure(t *testing.T) {
	h := newHarness(t, sbcConfig(t))
	h.start(t)

	h.fill()
	if h.engine.ring.Free() != 0 {
		t.Fatalf("expected full ring, %d free", h.engine.ring.Free())
	}
	if h.data.stops != 1 {
		t.Errorf("expected reads to stop when full, got %d stops", h.data.stops)
	}

	before := len(h.data.requests)
	h.sched.Advance(20 * time.Millisecond)
	if len(h.data.requests) != before+1 {
		t.Fatalf("expected a read request after draining")
	}
	if got := h.data.requests[len(h.data.requests)-1]; got != h.engine.ring.Free() || got == 0 {
		t.Errorf("expected read sized to free space %d, got %d", h.engine.ring.Free(), got)
	}
}

func TestUnderflowPauseAndCompensatoryStart(t *testing.T) {
	h := newHarness(t, sbcConfig(t))
	h.start(t)

	h.sched.Advance(100 * 20 * time.Millisecond)
	if h.engine.Underflow() != UnderflowNone || h.req.suspends != 0 {
		t.Fatalf("expected no pause after 100 ticks, got %s", h.engine.Underflow())
	}

	h.sched.Advance(20 * time.Millisecond)
	if h.engine.Underflow() != UnderflowPaused {
		t.Fatalf("expected PAUSED, got %s", h.engine.Underflow())
	}
	if h.req.suspends != 1 {
		t.Errorf("expected exactly one stop request, got %d", h.req.suspends)
	}
	if h.sched.Active() != 0 {
		t.Errorf("expected pacing timer to stop, got %d", h.sched.Active())
	}

	h.sched.Advance(time.Second)
	if h.req.suspends != 1 {
		t.Errorf("expected exactly one stop request, got %d", h.req.suspends)
	}

	// Link confirms the suspend; the audio subsystem is not told
	h.engine.OnStopped()
	if h.engine.State() != StateRunning {
		t.Fatalf("expected RUNNING, got %s", h.engine.State())
	}

	h.engine.OnData(make([]byte, 1024))
	if h.engine.Underflow() != UnderflowResuming || h.req.starts != 2 {
		t.Fatalf("expected compensatory start, got %s with %d starts", h.engine.Underflow(), h.req.starts)
	}
	h.engine.OnStarted(true)
	if h.engine.Underflow() != UnderflowNone {
		t.Errorf("expected NONE, got %s", h.engine.Underflow())
	}
	if h.sched.Active() != 1 {
		t.Errorf("expected pacing timer to resume, got %d", h.sched.Active())
	}
	if h.engine.ring.Used() != 1024 {
		t.Errorf("expected buffered data to survive the restart, got %d", h.engine.ring.Used())
	}
	if !reflect.DeepEqual(h.events.events, []protocol.Event{protocol.EventStarted}) {
		t.Errorf("expected only the first STARTED, got %v", h.events.events)
	}
}

func TestDataBeforeSuspendConfirmWaits(t *testing.T) {
	h := newHarness(t, sbcConfig(t))
	h.start(t)
	h.sched.Advance(101 * 20 * time.Millisecond)

	h.engine.OnData(make([]byte, 1024))
	if h.req.starts != 1 {
		t.Fatalf("expected restart to wait for suspend confirmation, got %d starts", h.req.starts)
	}
	h.engine.OnStopped()
	if h.req.starts != 2 || h.engine.Underflow() != UnderflowResuming {
		t.Errorf("expected restart after confirmation, got %d starts (%s)", h.req.starts, h.engine.Underflow())
	}
}

func TestSuspendDrain(t *testing.T) {
	h := newHarness(t, sbcConfig(t))
	h.start(t)
	h.engine.OnData(make([]byte, 3*512))

	h.engine.PrepareSuspend()
	if h.engine.State() != StateSuspending {
		t.Fatalf("expected SUSPENDING, got %s", h.engine.State())
	}

	h.sched.Advance(20 * time.Millisecond)
	if h.engine.Stats().FramesSent != 3 {
		t.Errorf("expected buffered frames to drain, got %d", h.engine.Stats().FramesSent)
	}

	h.sched.Advance(2 * 20 * time.Millisecond)
	if h.engine.State() != StateSuspending {
		t.Fatalf("expected to keep draining for 2 empty ticks, got %s", h.engine.State())
	}
	h.sched.Advance(20 * time.Millisecond)
	if h.engine.State() != StateWaitForSuspended {
		t.Fatalf("expected WAIT_FOR_SUSPENDED, got %s", h.engine.State())
	}
	if h.req.suspends != 1 || h.sched.Active() != 0 {
		t.Errorf("expected one suspend and no timer, got %d/%d", h.req.suspends, h.sched.Active())
	}

	h.engine.OnStopped()
	if h.engine.State() != StateOff {
		t.Errorf("expected OFF, got %s", h.engine.State())
	}
	want := []protocol.Event{protocol.EventStarted, protocol.EventStopped}
	if !reflect.DeepEqual(h.events.events, want) {
		t.Errorf("expected %v, got %v", want, h.events.events)
	}
}

func TestPeerSuspendStopsStream(t *testing.T) {
	h := newHarness(t, sbcConfig(t))
	h.start(t)
	h.fill()

	h.engine.OnStopped()
	if h.engine.State() != StateOff {
		t.Errorf("expected OFF, got %s", h.engine.State())
	}
	if h.engine.ring.Used() != 0 || h.sched.Active() != 0 {
		t.Error("expected ring reset and timer cancelled")
	}
	if h.events.events[len(h.events.events)-1] != protocol.EventStopped {
		t.Errorf("expected STOPPED, got %v", h.events.events)
	}
}

func TestAACPacketization(t *testing.T) {
	cfg, err := codec.ParseAAC([]byte{0x80, 0x00, 0x84, 0x84, 0xE2, 0x00}, 0)
	if err != nil {
		t.Fatalf("ParseAAC() failed: %v", err)
	}
	h := newHarness(t, cfg)
	h.start(t)
	if h.engine.interval != cfg.TickInterval() || h.engine.interval <= 20*time.Millisecond {
		t.Fatalf("expected AAC interval above 20ms, got %v", h.engine.interval)
	}

	h.fill()
	h.sched.Advance(2 * h.engine.interval)
	if len(h.transport.payloads) != 1 {
		t.Fatalf("expected 1 packet, got %d", len(h.transport.payloads))
	}

	frame, rest, err := media.SplitLOAS(h.transport.payloads[0])
	if err != nil {
		t.Fatalf("SplitLOAS() failed: %v", err)
	}
	if len(frame) != cfg.FrameSize || len(rest) != 0 {
		t.Errorf("expected one %d byte frame, got %d (+%d)", cfg.FrameSize, len(frame), len(rest))
	}
	if h.transport.samples[0] != 1024 {
		t.Errorf("expected 1024 samples, got %d", h.transport.samples[0])
	}
}

func TestOffloadBypassesRing(t *testing.T) {
	h := newHarness(t, sbcConfig(t))
	h.engine.SetOffload(true)
	h.start(t)

	if h.sched.Active() != 0 {
		t.Errorf("expected no pacing timer in offload, got %d", h.sched.Active())
	}
	if len(h.data.requests) != 0 {
		t.Errorf("expected no data reads in offload, got %v", h.data.requests)
	}

	h.engine.PrepareSuspend()
	if h.engine.State() != StateWaitForSuspended || h.req.suspends != 1 {
		t.Fatalf("expected immediate suspend request, got %s", h.engine.State())
	}
	h.engine.OnStopped()
	want := []protocol.Event{protocol.EventStarted, protocol.EventStopped}
	if !reflect.DeepEqual(h.events.events, want) {
		t.Errorf("expected %v, got %v", want, h.events.events)
	}
}

func TestUnrequestedStartIsSuspended(t *testing.T) {
	h := newHarness(t, sbcConfig(t))
	h.engine.OnStarted(true)
	if h.req.suspends != 1 {
		t.Errorf("expected suspend request, got %d", h.req.suspends)
	}
	if len(h.events.events) != 0 {
		t.Errorf("expected no events, got %v", h.events.events)
	}
}

func TestPacketsFitTransmitMTU(t *testing.T) {
	const mtu = 895
	// 44.1 kHz joint stereo, 16 blocks, 8 subbands, bitpool 53: 119 byte frames
	cfg := parseSBC(t, []byte{0x21, 0x15, 0x02, 0x35}, mtu)
	if cfg.FrameSize != 119 || cfg.PacketSize != mtu-12 {
		t.Fatalf("unexpected sizing: frame %d packet %d", cfg.FrameSize, cfg.PacketSize)
	}
	h := newHarness(t, cfg)
	h.start(t)

	const ticks = 10
	for i := 0; i < ticks; i++ {
		h.fill()
		h.sched.Advance(20 * time.Millisecond)
	}

	if len(h.transport.payloads) != ticks {
		t.Fatalf("expected %d packets, got %d", ticks, len(h.transport.payloads))
	}
	for i, p := range h.transport.payloads {
		if len(p)+12 > mtu {
			t.Errorf("packet %d: %d byte payload exceeds MTU %d", i, len(p), mtu)
		}
		count, frames, err := media.SplitSBC(p)
		if err != nil {
			t.Fatalf("SplitSBC() failed: %v", err)
		}
		if len(frames) != count*cfg.FrameSize {
			t.Errorf("packet %d: expected %d frames of %d bytes, got %d bytes", i, count, cfg.FrameSize, len(frames))
		}
		if h.transport.samples[i] != count*128 {
			t.Errorf("packet %d: expected %d samples, got %d", i, count*128, h.transport.samples[i])
		}
	}
	stats := h.engine.Stats()
	if want := uint64(ticks * 3528 / 512); stats.FramesSent != want {
		t.Errorf("expected %d frames, got %d", want, stats.FramesSent)
	}
	if stats.SendErrors != 0 {
		t.Errorf("expected no send errors, got %d", stats.SendErrors)
	}
}

func TestOversizeFrameLeadsNextPacket(t *testing.T) {
	cfg := parseSBC(t, []byte{0x21, 0x15, 0x02, 0x35}, 895)
	h := newHarness(t, cfg)
	enc := &sizedEncoder{size: 300, samples: cfg.FrameSamples()}
	h.engine.SetCodec(cfg, enc)
	h.start(t)

	for i := 0; i < 2; i++ {
		h.fill()
		h.sched.Advance(20 * time.Millisecond)
	}
	if len(h.transport.payloads) != 2 {
		t.Fatalf("expected 2 packets, got %d", len(h.transport.payloads))
	}

	var tags []byte
	for i, p := range h.transport.payloads {
		if len(p) > cfg.PacketSize {
			t.Errorf("packet %d: %d bytes exceeds budget %d", i, len(p), cfg.PacketSize)
		}
		count, frames, err := media.SplitSBC(p)
		if err != nil {
			t.Fatalf("SplitSBC() failed: %v", err)
		}
		if count != 2 {
			t.Errorf("packet %d: expected 2 frames, got %d", i, count)
		}
		for f := 0; f < count; f++ {
			tags = append(tags, frames[f*300])
		}
	}
	if want := []byte{0, 1, 2, 3}; !reflect.DeepEqual(tags, want) {
		t.Errorf("expected frames %v in order, got %v", want, tags)
	}
	if h.engine.Stats().SendErrors != 0 {
		t.Errorf("expected no send errors, got %d", h.engine.Stats().SendErrors)
	}
}

func TestCodecChangeWhileRunningWaitsForRestart(t *testing.T) {
	h := newHarness(t, parseSBC(t, []byte{0x21, 0x15, 0x02, 0x35}, 895))
	h.start(t)
	h.fill()
	h.sched.Advance(20 * time.Millisecond)

	// 8 blocks instead of 16
	next := parseSBC(t, []byte{0x21, 0x45, 0x02, 0x35}, 895)
	h.engine.SetCodec(next, testEncoder(t, next))
	if h.engine.codec.SBC.Blocks != 16 {
		t.Fatalf("expected running stream to keep 16 blocks, got %d", h.engine.codec.SBC.Blocks)
	}

	for i := 0; i < 5; i++ {
		h.fill()
		h.sched.Advance(20 * time.Millisecond)
	}
	stats := h.engine.Stats()
	if stats.PacketsSent != 6 || stats.SendErrors != 0 {
		t.Errorf("expected 6 packets and no errors, got %d/%d", stats.PacketsSent, stats.SendErrors)
	}

	h.engine.OnStopped()
	if h.engine.State() != StateOff {
		t.Fatalf("expected OFF, got %s", h.engine.State())
	}
	h.start(t)
	if h.engine.codec != next {
		t.Fatal("expected new codec after restart")
	}
	if h.engine.bytesPerFrame != 256 {
		t.Errorf("expected 256 PCM bytes per frame, got %d", h.engine.bytesPerFrame)
	}

	h.fill()
	h.sched.Advance(20 * time.Millisecond)
	last := h.transport.payloads[len(h.transport.payloads)-1]
	count, frames, err := media.SplitSBC(last)
	if err != nil {
		t.Fatalf("SplitSBC() failed: %v", err)
	}
	if len(frames) != count*next.FrameSize {
		t.Errorf("expected %d byte frames, got %d bytes for %d frames", next.FrameSize, len(frames), count)
	}
	if h.engine.Stats().SendErrors != 0 {
		t.Errorf("expected no send errors, got %d", h.engine.Stats().SendErrors)
	}
}

func TestMTUUpdateWhileRunningAppliesAtOnce(t *testing.T) {
	elem := []byte{0x21, 0x15, 0x02, 0x35}
	h := newHarness(t, parseSBC(t, elem, 0))
	enc := h.engine.enc
	h.start(t)

	bounded := parseSBC(t, elem, 895)
	h.engine.SetCodec(bounded, testEncoder(t, bounded))
	if h.engine.codec != bounded || h.engine.enc != enc {
		t.Fatal("expected the new budget with the running encoder")
	}
	if h.engine.pendingCodec != nil {
		t.Error("expected nothing pending")
	}

	for i := 0; i < 3; i++ {
		h.fill()
		h.sched.Advance(20 * time.Millisecond)
	}
	for i, p := range h.transport.payloads {
		if len(p) > bounded.PacketSize {
			t.Errorf("packet %d: %d bytes exceeds budget %d", i, len(p), bounded.PacketSize)
		}
	}
}
