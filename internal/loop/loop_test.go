// ABOUTME: Tests for the service loop and the fake scheduler
// ABOUTME: Checks ordering, timer cancellation and periodic ticks
package loop

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLoopRunsPostedWorkInOrder(t *testing.T) {
	l := New(false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go l.Run(ctx)

	var got []int
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			i := i
			l.Post(func() { got = append(got, i) })
		}
		l.Post(func() { close(done) })
	}()
	wg.Wait()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for posted work")
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("expected %d at position %d, got %d", i, i, v)
		}
	}
}

func TestLoopTimerStopPreventsCallback(t *testing.T) {
	l := New(false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	fired := make(chan struct{}, 1)
	stopped := make(chan struct{})
	l.Post(func() {
		timer := l.AfterFunc(20*time.Millisecond, func() { fired <- struct{}{} })
		timer.Stop()
		timer.Stop()
		close(stopped)
	})
	<-stopped

	select {
	case <-fired:
		t.Fatal("stopped timer fired")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestLoopEvery(t *testing.T) {
	l := New(false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	ticks := make(chan struct{}, 10)
	var timer Timer
	l.Post(func() {
		timer = l.Every(5*time.Millisecond, func() {
			select {
			case ticks <- struct{}{}:
			default:
			}
		})
	})

	for i := 0; i < 3; i++ {
		select {
		case <-ticks:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for tick")
		}
	}
	l.Post(func() { timer.Stop() })
}

func TestFakeAdvance(t *testing.T) {
	f := NewFake()
	var ticks, once int

	periodic := f.Every(20*time.Millisecond, func() { ticks++ })
	f.AfterFunc(50*time.Millisecond, func() { once++ })

	f.Advance(100 * time.Millisecond)
	if ticks != 5 {
		t.Errorf("expected 5 ticks, got %d", ticks)
	}
	if once != 1 {
		t.Errorf("expected one-shot to fire once, got %d", once)
	}
	if f.Active() != 1 {
		t.Errorf("expected 1 active timer, got %d", f.Active())
	}

	periodic.Stop()
	f.Advance(100 * time.Millisecond)
	if ticks != 5 {
		t.Errorf("expected no ticks after stop, got %d", ticks)
	}
	if f.Active() != 0 {
		t.Errorf("expected 0 active timers, got %d", f.Active())
	}
}

func TestFakeStopInsideCallback(t *testing.T) {
	f := NewFake()
	var count int
	var timer Timer
	timer = f.Every(10*time.Millisecond, func() {
		count++
		if count == 3 {
			timer.Stop()
		}
	})
	f.Advance(time.Second)
	if count != 3 {
		t.Errorf("expected 3 ticks, got %d", count)
	}
}
