// ABOUTME: A2DP media packet framing on top of RTP
// ABOUTME: Wraps encoded payloads with sequence and timestamp, and unwraps inbound packets
package media

import (
	"errors"
	"fmt"

	"github.com/pion/rtp"
)

const (
	// PayloadType is the dynamic RTP payload type used for A2DP media
	PayloadType = 96
	// HeaderLen is the fixed RTP header carried before each payload
	HeaderLen = 12
)

// ErrMalformed is returned for media payloads that do not follow their codec framing
var ErrMalformed = errors.New("media: malformed payload")

// Packet is one inbound media packet
type Packet struct {
	Timestamp uint32
	Sequence  uint16
	Payload   []byte
}

// Packetizer stamps outgoing payloads with RTP sequence numbers and
// sample-clock timestamps
type Packetizer struct {
	ssrc      uint32
	sequence  uint16
	timestamp uint32
}

// NewPacketizer creates a packetizer for one stream
func NewPacketizer(ssrc uint32) *Packetizer {
	return &Packetizer{ssrc: ssrc, sequence: 1}
}

// Wrap builds an RTP packet around payload. samples is the PCM samples per
// channel the payload encodes; it advances the timestamp of the next packet.
func (p *Packetizer) Wrap(payload []byte, samples int) ([]byte, error) {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    PayloadType,
			SequenceNumber: p.sequence,
			Timestamp:      p.timestamp,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}
	out, err := pkt.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal media packet: %w", err)
	}
	p.sequence++
	p.timestamp += uint32(samples)
	return out, nil
}

// Sequence returns the sequence number the next packet will carry
func (p *Packetizer) Sequence() uint16 {
	return p.sequence
}

// Unwrap parses an inbound RTP media packet
func Unwrap(data []byte) (Packet, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		return Packet{}, fmt.Errorf("failed to parse media packet: %w", err)
	}
	return Packet{
		Timestamp: pkt.Timestamp,
		Sequence:  pkt.SequenceNumber,
		Payload:   pkt.Payload,
	}, nil
}
