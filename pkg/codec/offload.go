// ABOUTME: Parameters handed to a hardware encoder when streaming is offloaded
// ABOUTME: Only SBC can be offloaded; AAC reports unsupported
package codec

// OffloadMaxLatency is the latency bound passed to offload encoders (0 = no bound)
const OffloadMaxLatency = 0

// OffloadParams describe an offloaded stream
type OffloadParams struct {
	Codec          Type
	MaxLatency     uint16
	SampleRate     int
	BitsPerSample  int
	FrameSamples   int
	ChannelMode    ChannelMode
	EncodedBitRate int
	MTU            int
	ACLHandle      uint16
	L2CAPCID       uint16
}

// Offload returns the offload parameters for the config, or false if the
// codec cannot be offloaded.
func (c *Config) Offload() (OffloadParams, bool) {
	if c == nil || c.Type != TypeSBC || c.SBC == nil {
		return OffloadParams{}, false
	}
	return OffloadParams{
		Codec:          c.Type,
		MaxLatency:     OffloadMaxLatency,
		SampleRate:     c.SampleRate,
		BitsPerSample:  c.BitsPerSample,
		FrameSamples:   c.FrameSamples(),
		ChannelMode:    c.ChannelMode,
		EncodedBitRate: c.BitRate,
		MTU:            c.MTU,
		ACLHandle:      c.ACLHandle,
		L2CAPCID:       c.L2CAPCID,
	}, true
}
