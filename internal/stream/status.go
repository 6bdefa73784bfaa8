// ABOUTME: Point-in-time view of each streaming session for the dashboard
// ABOUTME: Built on the service loop and handed to other goroutines by value
package stream

import (
	"sort"

	"github.com/Sendspin/bluestream/internal/device"
	"github.com/Sendspin/bluestream/internal/sink"
	"github.com/Sendspin/bluestream/internal/source"
)

// Status describes one role's session
type Status struct {
	Role      device.Role
	Address   device.Address
	Connected bool
	Codec     string
	Offload   bool

	CtrlOpen      bool
	DataOpen      bool
	ConfigPending bool

	// Source role
	State     string
	Underflow string
	Buffered  int
	Capacity  int
	Source    source.Stats

	// Sink role
	QueueDepth int
	Inflight   int
	Sink       sink.Stats
}

// Snapshot returns the status of every initialised role, source first
func (s *Service) Snapshot() []Status {
	out := make([]Status, 0, len(s.sessions))
	for role, sess := range s.sessions {
		st := Status{
			Role:          role,
			Address:       sess.active,
			Connected:     sess.connected,
			Offload:       sess.offload,
			CtrlOpen:      sess.bridge.CtrlOpen(),
			DataOpen:      sess.bridge.DataOpen(),
			ConfigPending: sess.bridge.ConfigPending(),
		}
		if sess.codec != nil {
			st.Codec = sess.codec.String()
		}
		switch {
		case sess.source != nil:
			st.State = sess.source.State().String()
			st.Underflow = sess.source.Underflow().String()
			st.Buffered, st.Capacity = sess.source.Buffered()
			st.Source = sess.source.Stats()
		case sess.sink != nil:
			st.State = sess.sink.State().String()
			st.QueueDepth = sess.sink.Depth()
			st.Inflight = sess.sink.Inflight()
			st.Sink = sess.sink.Stats()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out
}
