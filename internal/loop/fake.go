// ABOUTME: Deterministic Scheduler with a manual clock
// ABOUTME: Lets engine tests step timers tick by tick without sleeping
package loop

import (
	"sort"
	"time"
)

// Fake is a manually driven Scheduler
type Fake struct {
	now    time.Time
	queue  []func()
	timers []*fakeTimer
	seq    int
}

type fakeTimer struct {
	due     time.Time
	period  time.Duration
	fn      func()
	stopped bool
	seq     int
}

func (t *fakeTimer) Stop() {
	t.stopped = true
}

// NewFake creates a fake scheduler starting at a fixed instant
func NewFake() *Fake {
	return &Fake{now: time.Unix(1700000000, 0)}
}

// Post queues fn; it runs on the next Drain or Advance
func (f *Fake) Post(fn func()) {
	f.queue = append(f.queue, fn)
}

// Drain runs queued work, including work queued while draining
func (f *Fake) Drain() {
	for len(f.queue) > 0 {
		fn := f.queue[0]
		f.queue = f.queue[1:]
		fn()
	}
}

func (f *Fake) add(d, period time.Duration, fn func()) Timer {
	f.seq++
	t := &fakeTimer{due: f.now.Add(d), period: period, fn: fn, seq: f.seq}
	f.timers = append(f.timers, t)
	return t
}

// AfterFunc arms a one-shot timer
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	return f.add(d, 0, fn)
}

// Every arms a periodic timer
func (f *Fake) Every(d time.Duration, fn func()) Timer {
	return f.add(d, d, fn)
}

// Now returns the fake clock
func (f *Fake) Now() time.Time {
	return f.now
}

// Active returns the number of armed timers
func (f *Fake) Active() int {
	f.prune()
	return len(f.timers)
}

func (f *Fake) prune() {
	live := f.timers[:0]
	for _, t := range f.timers {
		if !t.stopped {
			live = append(live, t)
		}
	}
	f.timers = live
}

// Advance moves the clock forward by d, firing due timers in order
func (f *Fake) Advance(d time.Duration) {
	target := f.now.Add(d)
	f.Drain()
	for {
		f.prune()
		if len(f.timers) == 0 {
			break
		}
		sort.SliceStable(f.timers, func(i, j int) bool {
			if f.timers[i].due.Equal(f.timers[j].due) {
				return f.timers[i].seq < f.timers[j].seq
			}
			return f.timers[i].due.Before(f.timers[j].due)
		})
		next := f.timers[0]
		if next.due.After(target) {
			break
		}
		f.now = next.due
		if next.period > 0 {
			next.due = next.due.Add(next.period)
		} else {
			next.stopped = true
		}
		next.fn()
		f.Drain()
	}
	f.now = target
}
