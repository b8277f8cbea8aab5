// Copyright 2026 The Pico Authors
// SPDX-License-Identifier: Apache-2.0

package reactor

import (
	"testing"
	"time"

	"github.com/mypico/pico-continuous/lib/clock"
	"github.com/mypico/pico-continuous/lib/testutil"
)

func TestPostRunsInOrder(t *testing.T) {
	t.Parallel()

	loop := New(clock.Real())
	done := make(chan []int, 1)

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		loop.Post(func() { order = append(order, i) })
	}
	loop.Post(func() {
		done <- order
		loop.Stop()
	})
	loop.Run()

	got := testutil.RequireReceive(t, done, 5*time.Second, "order")
	for i, v := range got {
		if v != i {
			t.Fatalf("order = %v, want ascending", got)
		}
	}
}

func TestPostFromContinuation(t *testing.T) {
	t.Parallel()

	loop := New(clock.Real())
	ran := make(chan struct{})
	loop.Post(func() {
		loop.Post(func() {
			close(ran)
			loop.Stop()
		})
	})
	loop.Run()
	testutil.RequireClosed(t, ran, 5*time.Second, "nested post")
}

func TestAfterFuncDeliversOnLoop(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	loop := New(fake)
	fired := make(chan struct{})

	go loop.Run()
	defer loop.Stop()

	loop.AfterFunc(time.Second, func() { close(fired) })
	fake.Advance(time.Second)
	testutil.RequireClosed(t, fired, 5*time.Second, "timer continuation")
}

func TestAfterFuncStopPreventsDelivery(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	loop := New(fake)
	go loop.Run()
	defer loop.Stop()

	fired := make(chan struct{})
	timer := loop.AfterFunc(time.Second, func() { close(fired) })
	if !timer.Stop() {
		t.Fatal("Stop returned false for a pending timer")
	}
	fake.Advance(2 * time.Second)

	probe := make(chan struct{})
	loop.Post(func() { close(probe) })
	testutil.RequireClosed(t, probe, 5*time.Second, "probe after advance")
	select {
	case <-fired:
		t.Error("stopped timer continuation ran")
	default:
	}
}

func TestEveryRepeatsUntilStopped(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	loop := New(fake)
	go loop.Run()
	defer loop.Stop()

	ticks := make(chan struct{}, 16)
	repeating := loop.Every(time.Second, func() { ticks <- struct{}{} })

	for i := 0; i < 3; i++ {
		fake.Advance(time.Second)
		testutil.RequireReceive(t, ticks, 5*time.Second, "tick")
	}
	repeating.Stop()
}

func TestStopDropsLaterPosts(t *testing.T) {
	t.Parallel()

	loop := New(clock.Real())
	loop.Stop()
	loop.Post(func() { t.Error("post after stop ran") })
	loop.Run()
}
