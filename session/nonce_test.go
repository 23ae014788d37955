// Copyright (c) 2019-2020 The scuttle-chat developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package session

import (
	"encoding/binary"
	"testing"
)

func TestSequenceIncrease(t *testing.T) {
	var start [24]byte
	s := newSequence(start)

	// Values must be strictly sequential big-endian counters.
	for i := uint64(0); i < 100000; i++ {
		n := s.Nonce()
		if got := binary.BigEndian.Uint64(n[16:]); got != i {
			t.Fatalf("nonce %d: got %d", i, got)
		}
		s.Increase()
	}
}

func TestSequenceCarry(t *testing.T) {
	var start [24]byte
	for i := range start {
		start[i] = 0xff
	}
	start[23] = 0xfe

	s := newSequence(start)
	s.Increase() // ff..ff
	s.Increase() // wraps to all zero
	if *s.Nonce() != ([24]byte{}) {
		t.Fatalf("carry failed: %x", *s.Nonce())
	}
	if s.Exhausted() {
		t.Fatal("exhausted before full cycle")
	}
}

// TestSequenceNoRepeats verifies no nonce value repeats across a session
// far longer than any realistic chat session.
func TestSequenceNoRepeats(t *testing.T) {
	var start [24]byte
	start[15] = 0xff // force carries through several bytes
	for i := 16; i < 24; i++ {
		start[i] = 0xff
	}

	s := newSequence(start)
	seen := make(map[[24]byte]struct{}, 1<<20)
	for i := 0; i < 1<<20; i++ {
		n := *s.Nonce()
		if _, ok := seen[n]; ok {
			t.Fatalf("nonce repeated after %d frames", i)
		}
		seen[n] = struct{}{}
		s.Increase()
	}
}
