// ABOUTME: Connection state machine states, events and collaborator interfaces
// ABOUTME: Link drives the link-layer stack; Observer receives transition results
package statemachine

import (
	"fmt"
	"time"

	"github.com/Sendspin/bluestream/pkg/codec"
)

// State is the connection state of one peer
type State uint8

const (
	StateIdle State = iota
	StateOpening
	StateOpened
	StateStarted
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateOpening:
		return "OPENING"
	case StateOpened:
		return "OPENED"
	case StateStarted:
		return "STARTED"
	case StateClosing:
		return "CLOSING"
	default:
		return fmt.Sprintf("STATE(%d)", uint8(s))
	}
}

// EventType names a state machine input
type EventType uint8

const (
	Startup EventType = iota
	Shutdown
	ConnectReq
	DisconnectReq
	StreamStartReq
	DelayStreamStartReq
	StreamSuspendReq
	PeerStreamStartReq
	ConnectedEvt
	DisconnectedEvt
	StreamStartedEvt
	StreamSuspendedEvt
	StreamClosedEvt
	StreamMTUConfigEvt
	CodecConfigEvt
	DeviceCodecStateChangeEvt
	DataIndEvt
	ConnectTimeout
	DisconnectTimeout
	StreamStartTimeout
	StreamSuspendTimeout
	OffloadStartReq
	OffloadStopReq
)

var eventNames = [...]string{
	Startup:                   "STARTUP",
	Shutdown:                  "SHUTDOWN",
	ConnectReq:                "CONNECT_REQ",
	DisconnectReq:             "DISCONNECT_REQ",
	StreamStartReq:            "STREAM_START_REQ",
	DelayStreamStartReq:       "DELAY_STREAM_START_REQ",
	StreamSuspendReq:          "STREAM_SUSPEND_REQ",
	PeerStreamStartReq:        "PEER_STREAM_START_REQ",
	ConnectedEvt:              "CONNECTED_EVT",
	DisconnectedEvt:           "DISCONNECTED_EVT",
	StreamStartedEvt:          "STREAM_STARTED_EVT",
	StreamSuspendedEvt:        "STREAM_SUSPENDED_EVT",
	StreamClosedEvt:           "STREAM_CLOSED_EVT",
	StreamMTUConfigEvt:        "STREAM_MTU_CONFIG_EVT",
	CodecConfigEvt:            "CODEC_CONFIG_EVT",
	DeviceCodecStateChangeEvt: "DEVICE_CODEC_STATE_CHANGE_EVT",
	DataIndEvt:                "DATA_IND_EVT",
	ConnectTimeout:            "CONNECT_TIMEOUT",
	DisconnectTimeout:         "DISCONNECT_TIMEOUT",
	StreamStartTimeout:        "STREAM_START_TIMEOUT",
	StreamSuspendTimeout:      "STREAM_SUSPEND_TIMEOUT",
	OffloadStartReq:           "OFFLOAD_START_REQ",
	OffloadStopReq:            "OFFLOAD_STOP_REQ",
}

func (t EventType) String() string {
	if int(t) < len(eventNames) {
		return eventNames[t]
	}
	return fmt.Sprintf("EVENT(%d)", uint8(t))
}

// DefaultStartDelay is used by DelayStreamStartReq when no delay is given
const DefaultStartDelay = 100 * time.Millisecond

// Event is one queued state machine input. Only the fields relevant to
// Type are set.
type Event struct {
	Type EventType

	// ConnectedEvt
	ACLHandle uint16
	L2CAPCID  uint16

	// StreamMTUConfigEvt
	MTU int

	// CodecConfigEvt
	CodecType  codec.Type
	Capability []byte

	// DataIndEvt: one media packet as received from the link
	Media []byte

	// DelayStreamStartReq
	Delay time.Duration
}

// Link issues requests to the link-layer stack for one peer
type Link interface {
	Connect() error
	Disconnect() error
	StartStream() error
	SuspendStream() error
}

// Observer receives the outcome of transitions for one peer
type Observer interface {
	OnConnected(ev Event)
	OnDisconnected()
	OnStreamStarted(ok bool)
	OnStreamSuspended()
	OnMTU(mtu int)
	OnCodecConfig(t codec.Type, capability []byte)
	OnCodecStateChange()
	OnMedia(packet []byte)
	OnOffload(start bool)
}
