// ABOUTME: Bounded FIFO of inbound media packets for the sink engine
// ABOUTME: A full queue evicts its oldest packet so the newest audio survives
package sink

import "github.com/Sendspin/bluestream/pkg/media"

// DefaultQueueCapacity is the default number of queued packets
const DefaultQueueCapacity = 14

// Queue is a fixed-capacity circular packet queue
type Queue struct {
	items []media.Packet
	head  int
	count int
}

// NewQueue creates a queue holding at most capacity packets
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{items: make([]media.Packet, capacity)}
}

// Push appends p, evicting the oldest packet when full. It reports whether
// a packet was evicted.
func (q *Queue) Push(p media.Packet) bool {
	evicted := false
	if q.count == len(q.items) {
		q.items[q.head] = media.Packet{}
		q.head = (q.head + 1) % len(q.items)
		q.count--
		evicted = true
	}
	q.items[(q.head+q.count)%len(q.items)] = p
	q.count++
	return evicted
}

// Pop removes and returns the oldest packet
func (q *Queue) Pop() (media.Packet, bool) {
	if q.count == 0 {
		return media.Packet{}, false
	}
	p := q.items[q.head]
	q.items[q.head] = media.Packet{}
	q.head = (q.head + 1) % len(q.items)
	q.count--
	return p, true
}

// Len returns the number of queued packets
func (q *Queue) Len() int {
	return q.count
}

// Cap returns the queue capacity
func (q *Queue) Cap() int {
	return len(q.items)
}

// Flush drops every queued packet and returns how many were dropped
func (q *Queue) Flush() int {
	n := q.count
	for q.count > 0 {
		q.Pop()
	}
	q.head = 0
	return n
}
