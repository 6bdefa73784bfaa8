// ABOUTME: Per-role streaming session: bridge, engine and active peer of one role
// ABOUTME: Implements the bridge's Stream and the source engine's link collaborators
package stream

import (
	"fmt"
	"log"

	"github.com/Sendspin/bluestream/internal/bridge"
	"github.com/Sendspin/bluestream/internal/device"
	"github.com/Sendspin/bluestream/internal/sink"
	"github.com/Sendspin/bluestream/internal/source"
	"github.com/Sendspin/bluestream/pkg/codec"
	"github.com/Sendspin/bluestream/pkg/media"
	"github.com/google/uuid"
)

type session struct {
	svc     *Service
	role    device.Role
	offload bool

	connected bool
	active    device.Address
	codec     *codec.Config

	bridge     *bridge.Bridge
	source     *source.Engine
	sink       *sink.Engine
	packetizer *media.Packetizer
}

func newSession(svc *Service, role device.Role, offload bool) *session {
	s := &session{svc: svc, role: role, offload: offload}
	s.bridge = bridge.New(role, s, svc.cfg.Debug)
	switch role {
	case device.RoleSource:
		s.source = source.NewEngine(svc.cfg.Source, svc.sched, linkRequester{s}, s.bridge)
		s.source.SetOffload(offload)
		s.source.SetTransport(s)
	case device.RoleSink:
		s.sink = sink.NewEngine(svc.cfg.Sink, svc.sched)
	}
	return s
}

// Ready reports a connected peer with a negotiated codec
func (s *session) Ready() bool {
	return s.connected && s.codec != nil
}

func (s *session) Running() bool {
	if s.source != nil {
		return s.source.Running()
	}
	return s.sink.Started()
}

// RequestStart starts the source engine; the link start follows from it
func (s *session) RequestStart() error {
	if s.source == nil {
		return fmt.Errorf("%w: start on %s", ErrInvalidState, s.role)
	}
	return s.source.Start()
}

func (s *session) Resume() {
	if s.sink != nil {
		s.sink.Resume()
	}
}

func (s *session) PrepareSuspend() {
	if s.source != nil {
		s.source.PrepareSuspend()
	}
}

func (s *session) Mute() {
	if s.sink != nil {
		s.sink.Mute()
	}
}

func (s *session) CodecStateChanged() {
	if !s.connected {
		log.Printf("Stream %s: codec state changed with no peer", s.role)
		return
	}
	if err := s.svc.SetupCodec(s.role, s.active); err != nil {
		log.Printf("Stream %s: codec setup failed: %v", s.role, err)
	}
}

func (s *session) Config() *codec.Config {
	return s.codec
}

// SendMedia wraps an encoded payload and hands it to the link
func (s *session) SendMedia(payload []byte, samples int) error {
	if !s.connected || s.packetizer == nil {
		return fmt.Errorf("%w: no active peer", ErrNotReady)
	}
	pkt, err := s.packetizer.Wrap(payload, samples)
	if err != nil {
		return err
	}
	if s.svc.media == nil {
		return fmt.Errorf("%w: no media transport", ErrNotReady)
	}
	return s.svc.media.SendMedia(s.active, pkt)
}

func (s *session) connect(addr device.Address) {
	s.connected = true
	s.active = addr
	s.packetizer = media.NewPacketizer(uuid.New().ID())
}

func (s *session) disconnect() {
	switch {
	case s.source != nil:
		s.source.Reset()
	case s.sink != nil:
		s.sink.Stop()
	}
	s.connected = false
	s.active = device.Address{}
	s.codec = nil
	s.packetizer = nil
	s.bridge.SendConfig(nil)
}

// linkRequester lets the source engine ask the link to start or suspend
type linkRequester struct {
	s *session
}

func (r linkRequester) RequestStart() error {
	if !r.s.connected {
		return fmt.Errorf("%w: no active peer", ErrNotReady)
	}
	return r.s.svc.link.RequestStart(r.s.role, r.s.active)
}

func (r linkRequester) RequestSuspend() {
	if !r.s.connected {
		return
	}
	r.s.svc.link.RequestSuspend(r.s.role, r.s.active)
}
