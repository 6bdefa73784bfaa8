// ABOUTME: Stream service: the session context the profile manager drives
// ABOUTME: Tracks the single active peer per role and wires codecs into the engines
package stream

import (
	"errors"
	"fmt"
	"log"

	"github.com/Sendspin/bluestream/internal/bridge"
	"github.com/Sendspin/bluestream/internal/device"
	"github.com/Sendspin/bluestream/internal/loop"
	"github.com/Sendspin/bluestream/internal/sink"
	"github.com/Sendspin/bluestream/internal/source"
	"github.com/Sendspin/bluestream/pkg/audio/encode"
	"github.com/Sendspin/bluestream/pkg/codec"
	"github.com/Sendspin/bluestream/pkg/media"
	"github.com/Sendspin/bluestream/pkg/protocol"
	"github.com/google/uuid"
)

var (
	// ErrInvalidState is returned for calls that do not fit the session state
	ErrInvalidState = errors.New("stream: invalid state")
	// ErrNotReady is returned when no peer or codec is available
	ErrNotReady = errors.New("stream: not ready")
)

// LinkControl asks the connection state machine of a peer to start or
// suspend its stream
type LinkControl interface {
	RequestStart(role device.Role, addr device.Address) error
	RequestSuspend(role device.Role, addr device.Address)
}

// MediaSender transmits one RTP media packet to a peer
type MediaSender interface {
	SendMedia(addr device.Address, packet []byte) error
}

// DataEndpoint is an audio subsystem data channel. A source reads PCM from
// it; a sink writes framed media to it.
type DataEndpoint interface {
	source.DataChannel
	sink.Writer
}

// Config holds engine settings for every session
type Config struct {
	Source  source.Config
	Sink    sink.Config
	Encoder encode.Factory
	Debug   bool
}

// Service owns the per-role sessions of one daemon run. All methods must
// be called on the service loop.
type Service struct {
	id       string
	cfg      Config
	sched    loop.Scheduler
	registry *device.Registry
	link     LinkControl
	media    MediaSender

	sessions map[device.Role]*session
}

// New creates a service with no initialised roles
func New(cfg Config, sched loop.Scheduler, registry *device.Registry, link LinkControl, sender MediaSender) *Service {
	if cfg.Encoder == nil {
		cfg.Encoder = encode.New
	}
	return &Service{
		id:       uuid.New().String(),
		cfg:      cfg,
		sched:    sched,
		registry: registry,
		link:     link,
		media:    sender,
		sessions: make(map[device.Role]*session),
	}
}

// ID returns the session identifier of this run
func (s *Service) ID() string {
	return s.id
}

func (s *Service) session(role device.Role) (*session, error) {
	sess, ok := s.sessions[role]
	if !ok {
		return nil, fmt.Errorf("%w: %s not initialised", ErrInvalidState, role)
	}
	return sess, nil
}

// Init creates the session for role
func (s *Service) Init(role device.Role, offloading bool) error {
	if role != device.RoleSource && role != device.RoleSink {
		return fmt.Errorf("%w: role %s", ErrInvalidState, role)
	}
	if _, ok := s.sessions[role]; ok {
		return fmt.Errorf("%w: %s already initialised", ErrInvalidState, role)
	}
	if offloading && role == device.RoleSink {
		log.Printf("Stream: offload is not supported for the sink role, ignoring")
		offloading = false
	}
	s.sessions[role] = newSession(s, role, offloading)
	log.Printf("Stream: %s initialised (session %s, offload=%v)", role, s.id, offloading)
	return nil
}

// Cleanup tears down the session for role
func (s *Service) Cleanup(role device.Role) {
	sess, ok := s.sessions[role]
	if !ok {
		return
	}
	if sess.connected {
		sess.disconnect()
	}
	sess.bridge.OnCtrlClose()
	sess.bridge.OnDataClose()
	delete(s.sessions, role)
	log.Printf("Stream: %s cleaned up", role)
}

// ConnectionChanged records a peer connecting or disconnecting on role. It
// returns false when the change is rejected: the role is not initialised,
// or another peer holds the single active slot.
func (s *Service) ConnectionChanged(role device.Role, addr device.Address, connected bool) bool {
	sess, err := s.session(role)
	if err != nil {
		log.Printf("Stream: connection change for %s: %v", addr, err)
		return false
	}

	if connected {
		if sess.connected && sess.active != addr {
			log.Printf("Stream %s: rejecting %s, %s is active", role, addr, sess.active)
			return false
		}
		if !sess.connected {
			sess.connect(addr)
			log.Printf("Stream %s: %s connected", role, addr)
		}
		return true
	}

	if !sess.connected || sess.active != addr {
		return false
	}
	sess.disconnect()
	log.Printf("Stream %s: %s disconnected", role, addr)
	return true
}

// SetupCodec negotiates the configured capability of the active peer and
// installs it on the session
func (s *Service) SetupCodec(role device.Role, addr device.Address) error {
	sess, err := s.session(role)
	if err != nil {
		return err
	}
	dev, ok := s.registry.Lookup(addr)
	if !ok {
		return fmt.Errorf("%w: %s", device.ErrNotFound, addr)
	}
	if !sess.connected || sess.active != addr {
		return fmt.Errorf("%w: %s is not the active peer", ErrInvalidState, addr)
	}
	if len(dev.Capability) == 0 {
		return fmt.Errorf("%w: no codec configured by %s", ErrNotReady, addr)
	}

	cfg, err := codec.Negotiate(dev.CodecType, dev.Capability, dev.MTU)
	if err != nil {
		return fmt.Errorf("negotiation with %s failed: %w", addr, err)
	}
	cfg.ACLHandle = dev.ACLHandle
	cfg.L2CAPCID = dev.L2CAPCID

	var enc encode.Encoder
	if sess.source != nil {
		if enc, err = s.cfg.Encoder(cfg); err != nil {
			return fmt.Errorf("encoder for %s: %w", cfg.Type, err)
		}
	}
	dev.Codec = cfg
	sess.codec = cfg

	switch {
	case sess.source != nil:
		sess.source.SetCodec(cfg, enc)
		if sess.offload {
			p, ok := cfg.Offload()
			if ok {
				log.Printf("Stream %s: offload parameters %+v", role, p)
			} else {
				log.Printf("Stream %s: %s cannot be offloaded, streaming in software", role, cfg.Type)
			}
			sess.source.SetOffload(ok)
		}
	case sess.sink != nil:
		sess.sink.SetCodec(cfg)
	}

	log.Printf("Stream %s: codec configured: %s", role, cfg)
	sess.bridge.SendConfig(cfg)
	return nil
}

// OnStarted handles the link's answer to a stream start
func (s *Service) OnStarted(role device.Role, started bool) {
	sess, err := s.session(role)
	if err != nil {
		return
	}
	switch {
	case sess.source != nil:
		sess.source.OnStarted(started)
	case sess.sink != nil:
		if started {
			log.Printf("Stream %s: peer started streaming", role)
		}
	}
}

// OnStopped handles the link reporting the stream suspended
func (s *Service) OnStopped(role device.Role) {
	sess, err := s.session(role)
	if err != nil {
		return
	}
	switch {
	case sess.source != nil:
		sess.source.OnStopped()
	case sess.sink != nil:
		if sess.sink.Started() {
			sess.sink.Stop()
			sess.bridge.SendEvent(protocol.EventStopped)
		}
	}
}

// PrepareSuspend drains and suspends the role's stream
func (s *Service) PrepareSuspend(role device.Role) {
	sess, err := s.session(role)
	if err != nil {
		return
	}
	switch {
	case sess.source != nil:
		sess.source.PrepareSuspend()
	case sess.sink != nil:
		sess.sink.Mute()
	}
}

// OnMedia queues a media packet received from the active sink peer
func (s *Service) OnMedia(role device.Role, addr device.Address, packet []byte) {
	sess, err := s.session(role)
	if err != nil || sess.sink == nil || !sess.connected || sess.active != addr {
		return
	}
	pkt, err := media.Unwrap(packet)
	if err != nil {
		if s.cfg.Debug {
			log.Printf("[DEBUG] Stream %s: %v", role, err)
		}
		return
	}
	sess.sink.OnMedia(pkt)
}

// OnOffload handles a hardware offload start or stop request
func (s *Service) OnOffload(role device.Role, start bool) {
	sess, err := s.session(role)
	if err != nil || sess.source == nil {
		return
	}
	if !sess.offload {
		log.Printf("Stream %s: offload requested but not enabled", role)
		return
	}
	if start && sess.codec != nil {
		if _, ok := sess.codec.Offload(); !ok {
			log.Printf("Stream %s: offload start rejected for %s", role, sess.codec.Type)
			return
		}
	}
	sess.source.SetOffload(start)
	log.Printf("Stream %s: offload %v", role, start)
}

// AttachCtrl connects an audio subsystem control channel to role
func (s *Service) AttachCtrl(role device.Role, ch bridge.CtrlChannel) error {
	sess, err := s.session(role)
	if err != nil {
		return err
	}
	sess.bridge.OnCtrlOpen(ch)
	return nil
}

// DetachCtrl disconnects the control channel of role
func (s *Service) DetachCtrl(role device.Role) {
	if sess, err := s.session(role); err == nil {
		sess.bridge.OnCtrlClose()
	}
}

// OnCtrlData handles commands read from the control channel of role
func (s *Service) OnCtrlData(role device.Role, data []byte) {
	if sess, err := s.session(role); err == nil {
		sess.bridge.OnCtrlData(data)
	}
}

// AttachData connects an audio subsystem data channel to role
func (s *Service) AttachData(role device.Role, ep DataEndpoint) error {
	sess, err := s.session(role)
	if err != nil {
		return err
	}
	sess.bridge.OnDataOpen()
	switch {
	case sess.source != nil:
		sess.source.SetDataChannel(ep)
	case sess.sink != nil:
		sess.sink.SetWriter(ep)
	}
	return nil
}

// DetachData disconnects the data channel of role
func (s *Service) DetachData(role device.Role) {
	sess, err := s.session(role)
	if err != nil {
		return
	}
	sess.bridge.OnDataClose()
	switch {
	case sess.source != nil:
		sess.source.SetDataChannel(nil)
	case sess.sink != nil:
		sess.sink.SetWriter(nil)
	}
}

// OnData feeds PCM read from the source data channel and returns the bytes
// consumed
func (s *Service) OnData(role device.Role, p []byte) int {
	sess, err := s.session(role)
	if err != nil || sess.source == nil {
		return 0
	}
	return sess.source.OnData(p)
}
