// Copyright (c) 2019-2020 The scuttle-chat developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package session

import "errors"

// Failure classes. Specific failures wrap one of these so callers can
// classify errors with errors.Is without caring about the exact step that
// failed.
var (
	// ErrProtocol flags malformed, short or otherwise unparseable wire
	// data.
	ErrProtocol = errors.New("protocol violation")

	// ErrAuth flags a failed cryptographic check: an hmac, signature or
	// box tag mismatch, or an identity that differs from the expected one.
	ErrAuth = errors.New("authentication failure")
)

var (
	ErrBadNetworkKey   = wrapped{"hello hmac mismatch", ErrAuth}
	ErrBadSignature    = wrapped{"signature verification failed", ErrAuth}
	ErrWrongIdentity   = wrapped{"remote identity does not match expected key", ErrAuth}
	ErrDecrypt         = wrapped{"decrypt failure", ErrAuth}
	ErrHeaderOpen      = wrapped{"frame header open failed", ErrAuth}
	ErrBodyOpen        = wrapped{"frame body open failed", ErrAuth}
	ErrShortMessage    = wrapped{"short message", ErrProtocol}
	ErrInvalidKey      = wrapped{"invalid public key", ErrProtocol}
	ErrNonceExhausted  = wrapped{"nonce counter exhausted", ErrProtocol}
	ErrChunkTooLarge   = wrapped{"chunk larger than maximum frame size", ErrProtocol}
	ErrStreamClosed    = wrapped{"stream already closed", ErrProtocol}
)

// wrapped is a sentinel error carrying its failure class.
type wrapped struct {
	msg  string
	kind error
}

func (w wrapped) Error() string { return w.msg }
func (w wrapped) Unwrap() error { return w.kind }
