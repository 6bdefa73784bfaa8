// ABOUTME: Radio-free link layer that acknowledges every request immediately
// ABOUTME: Lets the channel server and streams run end to end without BlueZ
package main

import (
	"context"
	"log"
	"sync"

	"github.com/Sendspin/bluestream/internal/device"
	"github.com/Sendspin/bluestream/internal/statemachine"
	"github.com/Sendspin/bluestream/pkg/codec"
)

// loopbackMTU is the transmit MTU reported for loopback peers
const loopbackMTU = 895

type eventSink interface {
	LinkEventAsync(addr device.Address, role device.Role, ev statemachine.Event)
}

// loopbackLink plays the remote device: peers accept SBC at 44.1 kHz and
// discard media
type loopbackLink struct {
	sink  eventSink
	debug bool

	mu    sync.Mutex
	roles map[device.Address]device.Role
	sent  map[device.Address]int
}

func newLoopbackLink(sink eventSink, debug bool) *loopbackLink {
	return &loopbackLink{
		sink:  sink,
		debug: debug,
		roles: make(map[device.Address]device.Role),
		sent:  make(map[device.Address]int),
	}
}

func loopbackCapability() []byte {
	elem, err := codec.BuildSBC(codec.SBCParams{
		SampleRate:  44100,
		ChannelMode: codec.ChannelModeJoint,
		Blocks:      16,
		Subbands:    8,
		Allocation:  codec.AllocationLoudness,
		MinBitpool:  2,
		MaxBitpool:  53,
	})
	if err != nil {
		panic(err)
	}
	return elem
}

func (l *loopbackLink) post(addr device.Address, t statemachine.EventType) {
	l.mu.Lock()
	role := l.roles[addr]
	l.mu.Unlock()
	l.sink.LinkEventAsync(addr, role, statemachine.Event{Type: t})
}

func (l *loopbackLink) Connect(addr device.Address, role device.Role) error {
	l.mu.Lock()
	l.roles[addr] = role
	l.mu.Unlock()

	log.Printf("Loopback: %s connected as %s", addr, role)
	l.sink.LinkEventAsync(addr, role, statemachine.Event{Type: statemachine.ConnectedEvt})
	l.sink.LinkEventAsync(addr, role, statemachine.Event{Type: statemachine.StreamMTUConfigEvt, MTU: loopbackMTU})
	l.sink.LinkEventAsync(addr, role, statemachine.Event{
		Type:       statemachine.CodecConfigEvt,
		CodecType:  codec.TypeSBC,
		Capability: loopbackCapability(),
	})
	return nil
}

func (l *loopbackLink) Disconnect(addr device.Address) error {
	l.post(addr, statemachine.DisconnectedEvt)
	l.mu.Lock()
	delete(l.roles, addr)
	log.Printf("Loopback: %s disconnected after %d packets", addr, l.sent[addr])
	delete(l.sent, addr)
	l.mu.Unlock()
	return nil
}

func (l *loopbackLink) StartStream(addr device.Address) error {
	l.post(addr, statemachine.StreamStartedEvt)
	return nil
}

func (l *loopbackLink) SuspendStream(addr device.Address) error {
	l.post(addr, statemachine.StreamSuspendedEvt)
	return nil
}

func (l *loopbackLink) SendMedia(addr device.Address, packet []byte) error {
	l.mu.Lock()
	l.sent[addr]++
	n := l.sent[addr]
	l.mu.Unlock()
	if l.debug && n%250 == 0 {
		log.Printf("[DEBUG] Loopback: %s has taken %d packets (last %d bytes)", addr, n, len(packet))
	}
	return nil
}

// Sent returns the number of media packets sent to addr
func (l *loopbackLink) Sent(addr device.Address) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sent[addr]
}

func (l *loopbackLink) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}
