// ABOUTME: Per-peer adapter between one state machine, the link layer and the stream service
// ABOUTME: Implements the machine's Link and Observer and owns its timeout timers
package profile

import (
	"log"

	"github.com/Sendspin/bluestream/internal/device"
	"github.com/Sendspin/bluestream/internal/loop"
	"github.com/Sendspin/bluestream/internal/statemachine"
	"github.com/Sendspin/bluestream/pkg/codec"
)

type peer struct {
	m   *Manager
	dev *device.Device

	connectTimer loop.Timer
	startTimer   loop.Timer
}

func (p *peer) post(t statemachine.EventType) {
	p.dev.Machine.Post(statemachine.Event{Type: t})
}

func stop(t *loop.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// Link

func (p *peer) Connect() error {
	if err := p.m.link.Connect(p.dev.Address, p.dev.Role); err != nil {
		return err
	}
	if d := p.m.cfg.ConnectTimeout; d > 0 {
		stop(&p.connectTimer)
		p.connectTimer = p.m.sched.AfterFunc(d, func() {
			p.connectTimer = nil
			log.Printf("Profile: connect to %s timed out", p.dev.Address)
			p.post(statemachine.ConnectTimeout)
		})
	}
	return nil
}

func (p *peer) Disconnect() error {
	stop(&p.connectTimer)
	stop(&p.startTimer)
	return p.m.link.Disconnect(p.dev.Address)
}

func (p *peer) StartStream() error {
	if err := p.m.link.StartStream(p.dev.Address); err != nil {
		return err
	}
	if d := p.m.cfg.StartTimeout; d > 0 {
		stop(&p.startTimer)
		p.startTimer = p.m.sched.AfterFunc(d, func() {
			p.startTimer = nil
			p.post(statemachine.StreamStartTimeout)
		})
	}
	return nil
}

func (p *peer) SuspendStream() error {
	return p.m.link.SuspendStream(p.dev.Address)
}

// Observer

func (p *peer) OnConnected(ev statemachine.Event) {
	stop(&p.connectTimer)
	if ev.ACLHandle != 0 {
		p.dev.ACLHandle = ev.ACLHandle
	}
	if ev.L2CAPCID != 0 {
		p.dev.L2CAPCID = ev.L2CAPCID
	}
	if ev.MTU > 0 {
		p.dev.MTU = ev.MTU
	}

	if !p.m.service.ConnectionChanged(p.dev.Role, p.dev.Address, true) {
		log.Printf("Profile: %s rejected, disconnecting", p.dev.Address)
		p.dev.DisconnectRequested = true
		p.post(statemachine.DisconnectReq)
		return
	}
	log.Printf("Profile: %s connected as %s", p.dev.Address, p.dev.Role)
	if len(p.dev.Capability) > 0 {
		p.setupCodec()
	}
}

func (p *peer) OnDisconnected() {
	stop(&p.connectTimer)
	stop(&p.startTimer)
	if p.dev.DisconnectRequested {
		log.Printf("Profile: %s disconnected", p.dev.Address)
	} else {
		log.Printf("Profile: %s disconnected by peer", p.dev.Address)
	}
	p.m.service.ConnectionChanged(p.dev.Role, p.dev.Address, false)
	p.m.remove(p)
}

func (p *peer) OnStreamStarted(ok bool) {
	stop(&p.startTimer)
	p.m.service.OnStarted(p.dev.Role, ok)
}

func (p *peer) OnStreamSuspended() {
	p.m.service.OnStopped(p.dev.Role)
}

func (p *peer) OnMTU(mtu int) {
	if mtu == p.dev.MTU {
		return
	}
	p.dev.MTU = mtu
	if len(p.dev.Capability) > 0 {
		p.setupCodec()
	}
}

func (p *peer) OnCodecConfig(t codec.Type, capability []byte) {
	p.dev.CodecType = t
	p.dev.Capability = append([]byte(nil), capability...)
	p.setupCodec()
}

func (p *peer) OnCodecStateChange() {
	p.setupCodec()
}

func (p *peer) OnMedia(packet []byte) {
	p.m.service.OnMedia(p.dev.Role, p.dev.Address, packet)
}

func (p *peer) OnOffload(start bool) {
	p.m.service.OnOffload(p.dev.Role, start)
}

func (p *peer) setupCodec() {
	if err := p.m.service.SetupCodec(p.dev.Role, p.dev.Address); err != nil {
		log.Printf("Profile: codec setup for %s: %v", p.dev.Address, err)
	}
}
