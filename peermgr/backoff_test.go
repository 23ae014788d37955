// Copyright (c) 2019-2020 The scuttle-chat developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peermgr

import (
	"testing"
	"time"
)

// TestBackoffSchedule asserts failures double the delay up to the cap.
func TestBackoffSchedule(t *testing.T) {
	now := time.Now()
	b := backoff{base: time.Second, max: 8 * time.Second}

	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second,
		8 * time.Second,
	}
	for i, w := range want {
		b.fail(now)
		if got := b.wait(now); got != w {
			t.Fatalf("attempt %d: got wait %v, want %v", i, got, w)
		}
	}
}

// TestBackoffReset asserts a success clears the schedule.
func TestBackoffReset(t *testing.T) {
	now := time.Now()
	b := backoff{base: time.Second, max: 8 * time.Second}

	b.fail(now)
	b.fail(now)
	if b.wait(now) == 0 {
		t.Fatal("expected nonzero wait after failures")
	}

	b.reset()
	if got := b.wait(now); got != 0 {
		t.Fatalf("got wait %v after reset, want 0", got)
	}
	b.fail(now)
	if got := b.wait(now); got != time.Second {
		t.Fatalf("got wait %v after reset+fail, want %v", got, time.Second)
	}
}

// TestBackoffElapsed asserts the wait shrinks as time passes.
func TestBackoffElapsed(t *testing.T) {
	now := time.Now()
	b := backoff{base: 4 * time.Second, max: time.Minute}

	b.fail(now)
	if got := b.wait(now.Add(3 * time.Second)); got != time.Second {
		t.Fatalf("got wait %v, want %v", got, time.Second)
	}
	if got := b.wait(now.Add(10 * time.Second)); got != 0 {
		t.Fatalf("got wait %v after due time, want 0", got)
	}
}

// TestBackoffManyFailures asserts the shift never overflows into a negative
// or zero delay.
func TestBackoffManyFailures(t *testing.T) {
	now := time.Now()
	b := backoff{base: time.Second, max: time.Minute}
	for i := 0; i < 200; i++ {
		b.fail(now)
	}
	if got := b.wait(now); got != time.Minute {
		t.Fatalf("got wait %v after many failures, want %v", got, time.Minute)
	}
}
