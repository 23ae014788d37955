// Copyright (c) 2019-2020 The scuttle-chat developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package session

// sequence is a 24-byte big-endian nonce counter. Each sealed box in a
// direction consumes exactly one value; the counter must never repeat for
// the lifetime of the keys that own it.
type sequence struct {
	n       [24]byte
	start   [24]byte
	wrapped bool
}

func newSequence(start [24]byte) *sequence {
	return &sequence{n: start, start: start}
}

// Nonce returns the current counter value. The returned pointer aliases the
// sequence; callers must call Increase before requesting another nonce.
func (s *sequence) Nonce() *[24]byte {
	return &s.n
}

// Increase advances the counter by one, with big-endian carry.
func (s *sequence) Increase() {
	for i := len(s.n) - 1; i >= 0; i-- {
		s.n[i]++
		if s.n[i] != 0 {
			break
		}
		if i == 0 {
			s.wrapped = true
		}
	}
}

// Exhausted reports whether the counter has come full circle back to its
// starting value, i.e. the next nonce would be a repeat. Unreachable in
// practice (2^192 frames), but the owning stream checks it and tears down
// rather than ever repeating a value.
func (s *sequence) Exhausted() bool {
	return s.wrapped && s.n == s.start
}
