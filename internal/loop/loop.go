// ABOUTME: Single-threaded service loop that owns all streaming state
// ABOUTME: Other goroutines marshal work in through Post; timers fire on the loop
package loop

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Timer is a cancellable loop timer. Stop is idempotent, and once it returns
// on the loop goroutine the callback will not run again.
type Timer interface {
	Stop()
}

// Scheduler is the primitive the engines are written against
type Scheduler interface {
	// Post queues fn to run on the loop; safe from any goroutine
	Post(fn func())
	// AfterFunc runs fn on the loop once after d
	AfterFunc(d time.Duration, fn func()) Timer
	// Every runs fn on the loop every d until stopped
	Every(d time.Duration, fn func()) Timer
	// Now returns the loop clock
	Now() time.Time
}

// Loop is the production Scheduler
type Loop struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
	debug bool
}

// New creates a loop; call Run to start executing posted work
func New(debug bool) *Loop {
	return &Loop{
		wake:  make(chan struct{}, 1),
		debug: debug,
	}
}

// Post queues fn and wakes the loop
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run executes posted work in order until ctx is cancelled
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			batch := l.queue
			l.queue = nil
			l.mu.Unlock()

			if len(batch) == 0 {
				break
			}
			if l.debug && len(batch) > 32 {
				log.Printf("[DEBUG] Loop: draining %d queued callbacks", len(batch))
			}
			for _, fn := range batch {
				fn()
			}
		}
	}
}

// Now returns wall clock time
func (l *Loop) Now() time.Time {
	return time.Now()
}

type loopTimer struct {
	stopped atomic.Bool
	timer   *time.Timer
	ticker  *time.Ticker
	done    chan struct{}
	once    sync.Once
}

func (t *loopTimer) Stop() {
	t.once.Do(func() {
		t.stopped.Store(true)
		if t.timer != nil {
			t.timer.Stop()
		}
		if t.ticker != nil {
			t.ticker.Stop()
			close(t.done)
		}
	})
}

// AfterFunc runs fn on the loop after d unless stopped first
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped.Load() {
				return
			}
			t.stopped.Store(true)
			fn()
		})
	})
	return t
}

// Every runs fn on the loop every d. Ticks that arrive while one is still
// queued are coalesced; callers measure elapsed time themselves.
func (l *Loop) Every(d time.Duration, fn func()) Timer {
	t := &loopTimer{ticker: time.NewTicker(d), done: make(chan struct{})}
	var pending atomic.Bool

	go func() {
		for {
			select {
			case <-t.done:
				return
			case <-t.ticker.C:
				if !pending.CompareAndSwap(false, true) {
					continue
				}
				l.Post(func() {
					pending.Store(false)
					if t.stopped.Load() {
						return
					}
					fn()
				})
			}
		}
	}()
	return t
}
