// Copyright (c) 2019-2020 The scuttle-chat developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package session

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"testing"
)

// testKeys returns a deterministic pair of session keys wired so that the
// "local" writer output is readable by the "remote" reader.
func testKeys(t *testing.T) (local, remote *SessionKeys) {
	t.Helper()
	local = &SessionKeys{}
	if _, err := rand.Read(local.WriteKey[:]); err != nil {
		t.Fatal(err)
	}
	if _, err := rand.Read(local.ReadKey[:]); err != nil {
		t.Fatal(err)
	}
	if _, err := rand.Read(local.WriteNonce[:]); err != nil {
		t.Fatal(err)
	}
	if _, err := rand.Read(local.ReadNonce[:]); err != nil {
		t.Fatal(err)
	}

	remote = &SessionKeys{
		WriteKey:   local.ReadKey,
		WriteNonce: local.ReadNonce,
		ReadKey:    local.WriteKey,
		ReadNonce:  local.WriteNonce,
	}
	return local, remote
}

// sendRecv pushes payload through a writer/reader pair backed by an
// in-memory buffer and returns the reassembled plaintext.
func sendRecv(t *testing.T, payload []byte) []byte {
	t.Helper()
	local, remote := testKeys(t)

	var buf bytes.Buffer
	_, bw := NewBoxPair(&buf, local)
	if err := bw.Send(payload); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := bw.SendGoodbye(); err != nil {
		t.Fatalf("goodbye: %v", err)
	}

	br, _ := NewBoxPair(&buf, remote)
	var out []byte
	for {
		chunk, err := br.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		out = append(out, chunk...)
	}
	return out
}

func TestBoxStreamRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 17, MaxChunkSize - 1, MaxChunkSize,
		MaxChunkSize + 1, 3*MaxChunkSize + 100}
	for _, size := range sizes {
		payload := make([]byte, size)
		if _, err := rand.Read(payload); err != nil {
			t.Fatal(err)
		}
		got := sendRecv(t, payload)
		if !bytes.Equal(got, payload) {
			t.Fatalf("size %d: round trip mismatch", size)
		}
	}
}

func TestBoxStreamTamper(t *testing.T) {
	payload := []byte("tamper with me")
	local, remote := testKeys(t)

	var clean bytes.Buffer
	_, bw := NewBoxPair(&clean, local)
	if err := bw.Send(payload); err != nil {
		t.Fatal(err)
	}
	wire := clean.Bytes()

	// Flipping any single bit anywhere in the frame must be detected and
	// must terminate the stream.
	for i := range wire {
		tampered := make([]byte, len(wire))
		copy(tampered, wire)
		tampered[i] ^= 0x01

		br, _ := NewBoxPair(bytes.NewBuffer(tampered), remote)
		chunk, err := br.Recv()
		if err == nil {
			t.Fatalf("bit flip at byte %d accepted, yielded %q", i, chunk)
		}
		if !errors.Is(err, ErrAuth) {
			t.Fatalf("bit flip at byte %d: err = %v, want auth failure", i, err)
		}

		// The stream is dead and stays distinguishable from a clean
		// goodbye: every further read repeats the failure, never EOF.
		for j := 0; j < 3; j++ {
			if _, again := br.Recv(); again != err {
				t.Fatalf("read %d after tamper: err = %v, want %v",
					j, again, err)
			}
		}
	}
}

func TestBoxStreamGoodbyeIdempotent(t *testing.T) {
	local, remote := testKeys(t)

	var buf bytes.Buffer
	_, bw := NewBoxPair(&buf, local)
	if err := bw.SendGoodbye(); err != nil {
		t.Fatal(err)
	}
	if err := bw.SendGoodbye(); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("second goodbye: err = %v, want stream closed", err)
	}
	if err := bw.Send([]byte("late")); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("send after goodbye: err = %v, want stream closed", err)
	}

	br, _ := NewBoxPair(&buf, remote)
	for i := 0; i < 3; i++ {
		if _, err := br.Recv(); err != io.EOF {
			t.Fatalf("recv %d: err = %v, want EOF", i, err)
		}
	}
}

// TestBoxStreamEmptyFrameNotGoodbye ensures a zero-length payload is
// delivered as an empty chunk, not mistaken for stream termination.
func TestBoxStreamEmptyFrameNotGoodbye(t *testing.T) {
	local, remote := testKeys(t)

	var buf bytes.Buffer
	_, bw := NewBoxPair(&buf, local)
	if err := bw.Send(nil); err != nil {
		t.Fatal(err)
	}

	br, _ := NewBoxPair(&buf, remote)
	chunk, err := br.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if len(chunk) != 0 {
		t.Fatalf("chunk = %q, want empty", chunk)
	}
}

func TestBoxStreamOrdering(t *testing.T) {
	local, remote := testKeys(t)

	var buf bytes.Buffer
	_, bw := NewBoxPair(&buf, local)
	const n = 500
	for i := 0; i < n; i++ {
		if err := bw.Send([]byte{byte(i), byte(i >> 8)}); err != nil {
			t.Fatal(err)
		}
	}

	br, _ := NewBoxPair(&buf, remote)
	for i := 0; i < n; i++ {
		chunk, err := br.Recv()
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		if int(chunk[0])|int(chunk[1])<<8 != i {
			t.Fatalf("frame %d delivered out of order", i)
		}
	}
}
