// Copyright 2026 The Pico Authors
// SPDX-License-Identifier: Apache-2.0

package reactor

import (
	"sync"
	"time"

	"github.com/mypico/pico-continuous/lib/clock"
)

// Loop is a single-threaded cooperative event loop. Continuations are
// posted from any goroutine and executed one at a time, in order, on
// the goroutine that called Run.
type Loop struct {
	clock clock.Clock

	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	done    chan struct{}
	stopped bool
}

// New creates a loop scheduling its timers on c.
func New(c clock.Clock) *Loop {
	return &Loop{
		clock: c,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Done is closed once Stop has been called. Goroutines waiting on a
// continuation's result select on it so a stopped loop cannot strand
// them.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Clock returns the loop's time source, for components that schedule
// their own timers onto the loop.
func (l *Loop) Clock() clock.Clock { return l.clock }

// Post queues f for execution on the loop goroutine. Safe from any
// goroutine, including from within a running continuation. Posts after
// Stop are dropped.
func (l *Loop) Post(f func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, f)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// AfterFunc schedules f to run on the loop after d. The returned Timer
// cancels the pending run; cancellation after the continuation has been
// posted is a no-op.
func (l *Loop) AfterFunc(d time.Duration, f func()) *clock.Timer {
	return l.clock.AfterFunc(d, func() { l.Post(f) })
}

// Every schedules f to run on the loop once per interval until the
// returned Repeating is stopped.
func (l *Loop) Every(interval time.Duration, f func()) *Repeating {
	ticker := l.clock.NewTicker(interval)
	r := &Repeating{ticker: ticker, done: make(chan struct{})}
	go func() {
		for {
			select {
			case <-ticker.C:
				l.Post(f)
			case <-r.done:
				return
			}
		}
	}()
	return r
}

// Repeating is a periodic schedule created by Every.
type Repeating struct {
	ticker *clock.Ticker
	done   chan struct{}
	once   sync.Once
}

// Stop ends the schedule. Idempotent. A continuation already posted may
// still run once after Stop returns.
func (r *Repeating) Stop() {
	r.once.Do(func() {
		r.ticker.Stop()
		close(r.done)
	})
}

// Run executes continuations until Stop is called, then drains the
// queue and returns. The caller's goroutine becomes the loop goroutine.
func (l *Loop) Run() {
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		stopped := l.stopped
		l.mu.Unlock()

		for _, f := range batch {
			f()
		}
		if stopped {
			return
		}
		if len(batch) == 0 {
			<-l.wake
		}
	}
}

// Stop makes Run return after the continuations already queued have
// executed. Safe from any goroutine and from within a continuation.
// Idempotent.
func (l *Loop) Stop() {
	l.mu.Lock()
	first := !l.stopped
	l.stopped = true
	l.mu.Unlock()

	if first {
		close(l.done)
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
}
