// Copyright (c) 2019-2020 The scuttle-chat developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peermgr

import "time"

// backoff tracks the reconnection schedule for one disconnected peer:
// exponential delays with a cap and unlimited attempts. It is an explicit
// state machine so the retry policy is testable without sleeping.
type backoff struct {
	base time.Duration
	max  time.Duration

	attempts int
	next     time.Time
}

// fail records a failed attempt at time now and schedules the next one.
func (b *backoff) fail(now time.Time) {
	d := b.base << b.attempts
	if d > b.max || d <= 0 {
		d = b.max
	}
	if b.attempts < 63 {
		b.attempts++
	}
	b.next = now.Add(d)
}

// reset clears the schedule after a successful connection.
func (b *backoff) reset() {
	b.attempts = 0
	b.next = time.Time{}
}

// wait returns how long to wait from now until the next attempt is due.
// Zero means due immediately.
func (b *backoff) wait(now time.Time) time.Duration {
	if !b.next.After(now) {
		return 0
	}
	return b.next.Sub(now)
}
