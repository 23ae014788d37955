// Copyright (c) 2019-2020 The scuttle-chat developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package session

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// MaxChunkSize is the maximum plaintext carried by a single frame.
	// Larger payloads are split across frames and reassembled by Send.
	MaxChunkSize = 4096

	secretboxOverhead = 16
	headerPlainSize   = 18 // body length (2) || body tag (16)
	headerBoxSize     = headerPlainSize + secretboxOverhead
)

// BoxReader reads authenticated frames from the encrypted stream. Frames are
// strictly ordered; a single frame that fails to authenticate invalidates
// the whole stream, because nonce synchronization with the sender is
// unrecoverable from that point on.
type BoxReader struct {
	r   io.Reader
	key [32]byte
	seq *sequence

	// err is the terminal state of the stream: io.EOF after a clean
	// goodbye, the original failure otherwise. Sticky so a tampered
	// stream never starts looking like a cleanly closed one.
	err error
}

// BoxWriter writes authenticated frames to the encrypted stream. Closing the
// stream cleanly requires sending the goodbye marker so the remote can
// distinguish an intentional end of stream from a truncated one.
type BoxWriter struct {
	w      io.Writer
	key    [32]byte
	seq    *sequence
	closed bool
}

// NewBoxPair wraps a duplex connection into its encrypted reader and writer
// halves, consuming the session keys. The keys must not be used again.
func NewBoxPair(conn io.ReadWriter, sk *SessionKeys) (*BoxReader, *BoxWriter) {
	r := &BoxReader{r: conn, key: sk.ReadKey, seq: newSequence(sk.ReadNonce)}
	w := &BoxWriter{w: conn, key: sk.WriteKey, seq: newSequence(sk.WriteNonce)}
	return r, w
}

// Recv reads, authenticates and decrypts the next frame. It returns io.EOF
// once the remote sends its goodbye marker. Any error is terminal: every
// further call returns the same error, so a failed stream stays
// distinguishable from a cleanly closed one.
func (br *BoxReader) Recv() ([]byte, error) {
	if br.err != nil {
		return nil, br.err
	}
	body, err := br.recv()
	if err != nil {
		br.err = err
		return nil, err
	}
	return body, nil
}

func (br *BoxReader) recv() ([]byte, error) {
	if br.seq.Exhausted() {
		return nil, ErrNonceExhausted
	}

	var headerBox [headerBoxSize]byte
	if _, err := io.ReadFull(br.r, headerBox[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	header, ok := secretbox.Open(nil, headerBox[:], br.seq.Nonce(), &br.key)
	if !ok {
		return nil, ErrHeaderOpen
	}
	br.seq.Increase()

	bodyLen := binary.BigEndian.Uint16(header[:2])
	var bodyTag [secretboxOverhead]byte
	copy(bodyTag[:], header[2:])

	if bodyLen == 0 && bodyTag == [secretboxOverhead]byte{} {
		// Goodbye: clean end of stream.
		return nil, io.EOF
	}
	if bodyLen > MaxChunkSize {
		return nil, ErrChunkTooLarge
	}

	// The body travels detached: its tag is carried inside the header, so
	// reassemble tag || ciphertext before opening.
	boxed := make([]byte, secretboxOverhead+int(bodyLen))
	copy(boxed, bodyTag[:])
	if _, err := io.ReadFull(br.r, boxed[secretboxOverhead:]); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}

	body, ok := secretbox.Open(nil, boxed, br.seq.Nonce(), &br.key)
	if !ok {
		return nil, ErrBodyOpen
	}
	br.seq.Increase()

	return body, nil
}

// Send encrypts and writes msg, splitting it into frames of at most
// MaxChunkSize. A zero-length msg produces a single empty frame.
func (bw *BoxWriter) Send(msg []byte) error {
	if bw.closed {
		return ErrStreamClosed
	}

	for first := true; first || len(msg) > 0; first = false {
		chunk := msg
		if len(chunk) > MaxChunkSize {
			chunk = chunk[:MaxChunkSize]
		}
		msg = msg[len(chunk):]

		if err := bw.sendFrame(chunk); err != nil {
			return err
		}
	}
	return nil
}

func (bw *BoxWriter) sendFrame(chunk []byte) error {
	if bw.seq.Exhausted() {
		bw.closed = true
		return ErrNonceExhausted
	}

	// The header and body each consume one nonce, header first.
	headNonce := *bw.seq.Nonce()
	bw.seq.Increase()
	if bw.seq.Exhausted() {
		bw.closed = true
		return ErrNonceExhausted
	}
	bodyNonce := *bw.seq.Nonce()
	bw.seq.Increase()

	boxedBody := secretbox.Seal(nil, chunk, &bodyNonce, &bw.key)

	var header [headerPlainSize]byte
	binary.BigEndian.PutUint16(header[:2], uint16(len(chunk)))
	copy(header[2:], boxedBody[:secretboxOverhead])

	out := secretbox.Seal(nil, header[:], &headNonce, &bw.key)
	out = append(out, boxedBody[secretboxOverhead:]...)

	if _, err := bw.w.Write(out); err != nil {
		bw.closed = true
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// SendGoodbye writes the goodbye marker, signaling clean stream termination.
// The writer is unusable afterwards.
func (bw *BoxWriter) SendGoodbye() error {
	if bw.closed {
		return ErrStreamClosed
	}
	bw.closed = true

	if bw.seq.Exhausted() {
		return ErrNonceExhausted
	}
	var header [headerPlainSize]byte
	out := secretbox.Seal(nil, header[:], bw.seq.Nonce(), &bw.key)
	bw.seq.Increase()

	if _, err := bw.w.Write(out); err != nil {
		return fmt.Errorf("write goodbye: %w", err)
	}
	return nil
}
