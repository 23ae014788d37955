// Copyright (c) 2019-2020 The scuttle-chat developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package session implements the mutually authenticating handshake that
// turns two long-term identity keypairs into fresh directional session keys,
// and the box stream codec that turns those keys plus a raw duplex
// connection into an authenticated, ordered frame stream.
//
// The handshake is the standard 4-step secret-handshake design: both sides
// exchange hmac-tagged ephemeral curve25519 keys, compute a triple
// Diffie-Hellman shared secret and then exchange signed, boxed
// authentication messages proving possession of their long-term keys. Any
// check that fails aborts the attempt; no partial key material is ever
// released.
package session

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/clevinson/scuttle-chat/identity"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// NetworkKeySize is the size in bytes of the pre-shared network key.
	NetworkKeySize = 32

	helloSize      = 64  // hmac tag (32) || ephemeral public (32)
	clientAuthSize = 112 // box of signature (64) || long-term public (32)
	serverAckSize  = 80  // box of signature (64)
)

// NetworkKey is the fixed, pre-shared value that scopes the protocol to one
// application. It is mixed into every handshake authentication tag, so peers
// configured with different network keys reject each other at the first
// message. It is not a secret against a determined adversary.
type NetworkKey [NetworkKeySize]byte

// MainNetworkKey is the default network key.
var MainNetworkKey = NetworkKey{
	0xd4, 0xa1, 0xcb, 0x88, 0xa6, 0x6f, 0x02, 0xf8,
	0xdb, 0x63, 0x5c, 0xe2, 0x64, 0x41, 0xcc, 0x5d,
	0xac, 0x1b, 0x08, 0x42, 0x0c, 0xea, 0xac, 0x23,
	0x08, 0x39, 0xb7, 0x55, 0x84, 0x5a, 0x9f, 0xfb,
}

// FromString decodes s into a NetworkKey. s must contain an hex-encoded key
// of the correct length.
func (nk *NetworkKey) FromString(s string) error {
	h, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(h) != len(nk) {
		return fmt.Errorf("invalid NetworkKey length: %d", len(h))
	}
	copy(nk[:], h)
	return nil
}

// SessionKeys is the output of a successful handshake: one key and starting
// nonce per direction, plus the authenticated remote identity. A SessionKeys
// value is single-use; it is consumed by NewBoxPair and never reused across
// handshakes.
type SessionKeys struct {
	WriteKey     [32]byte
	WriteNonce   [24]byte
	ReadKey      [32]byte
	ReadNonce    [24]byte
	RemotePublic identity.PublicKey
}

// Handshake performs a secret-handshake key exchange over Conn. One peer
// must call Initiate while the other calls Respond. The caller imposes the
// attempt timeout by setting deadlines on Conn; any expiry surfaces as an
// I/O error and aborts the attempt.
type Handshake struct {
	Conn       io.ReadWriter
	Local      *identity.FullIdentity
	NetworkKey NetworkKey

	// TheirPublicKey is the expected remote identity. It is mandatory for
	// Initiate (the initiator must know who it is dialing) and optional
	// for Respond, where a non-nil value turns the responder into a
	// single-peer listener that hard-rejects anyone else.
	TheirPublicKey *identity.PublicKey

	// ephemeral state for one attempt
	ephPriv   [32]byte
	ephPub    [32]byte
	remoteEph [32]byte
	secret    []byte // netkey || ab || aB [|| Ab]
	abHash    [32]byte
}

func (hs *Handshake) genEphemeral() error {
	if _, err := io.ReadFull(rand.Reader, hs.ephPriv[:]); err != nil {
		return err
	}
	pub, err := curve25519.X25519(hs.ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return err
	}
	copy(hs.ephPub[:], pub)
	return nil
}

// hello builds the hello message: hmac(netkey, eph_pub) || eph_pub.
func (hs *Handshake) hello() []byte {
	mac := hmac.New(sha256.New, hs.NetworkKey[:])
	mac.Write(hs.ephPub[:])
	return append(mac.Sum(nil), hs.ephPub[:]...)
}

// readHello reads and verifies the remote hello. The hmac check is the first
// authentication gate: it rejects peers from a different application before
// any long-term key material is exchanged.
func (hs *Handshake) readHello() error {
	var msg [helloSize]byte
	if _, err := io.ReadFull(hs.Conn, msg[:]); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}

	mac := hmac.New(sha256.New, hs.NetworkKey[:])
	mac.Write(msg[32:])
	if !hmac.Equal(mac.Sum(nil), msg[:32]) {
		return ErrBadNetworkKey
	}
	copy(hs.remoteEph[:], msg[32:])
	return nil
}

// Initiate runs the client half of the handshake. TheirPublicKey must be
// set; a responder presenting any other identity is rejected.
func (hs *Handshake) Initiate() (*SessionKeys, error) {
	if hs.TheirPublicKey == nil {
		return nil, ErrInvalidKey
	}
	if err := hs.genEphemeral(); err != nil {
		return nil, err
	}

	// Step 1: send our tagged ephemeral key.
	if _, err := hs.Conn.Write(hs.hello()); err != nil {
		return nil, fmt.Errorf("write hello: %w", err)
	}

	// Step 2: receive and verify the responder's.
	if err := hs.readHello(); err != nil {
		return nil, err
	}

	// Step 3: triple Diffie-Hellman.
	remoteExch, err := hs.TheirPublicKey.Exchange()
	if err != nil {
		return nil, ErrInvalidKey
	}
	ab, err := curve25519.X25519(hs.ephPriv[:], hs.remoteEph[:])
	if err != nil {
		return nil, ErrInvalidKey
	}
	aB, err := curve25519.X25519(hs.ephPriv[:], remoteExch[:])
	if err != nil {
		return nil, ErrInvalidKey
	}
	Ab, err := curve25519.X25519(hs.Local.ExchangePrivate()[:], hs.remoteEph[:])
	if err != nil {
		return nil, ErrInvalidKey
	}
	hs.abHash = sha256.Sum256(ab)
	hs.secret = concat(hs.NetworkKey[:], ab, aB)

	// Step 4: send the boxed proof of our long-term identity. The
	// signature covers the network key, the responder's identity and the
	// shared secret, binding this attempt to this exact pair of peers.
	signed := concat(hs.NetworkKey[:], hs.TheirPublicKey[:], hs.abHash[:])
	sig := hs.Local.SignMessage(signed)
	authPlain := concat(sig[:], hs.Local.Public.Key[:])

	boxKey := sha256.Sum256(hs.secret)
	var zeroNonce [24]byte
	auth := secretbox.Seal(nil, authPlain, &zeroNonce, &boxKey)
	if _, err := hs.Conn.Write(auth); err != nil {
		return nil, fmt.Errorf("write auth: %w", err)
	}

	// Step 5: receive and verify the responder's signed acknowledgment.
	hs.secret = append(hs.secret, Ab...)
	ackKey := sha256.Sum256(hs.secret)

	var ackBox [serverAckSize]byte
	if _, err := io.ReadFull(hs.Conn, ackBox[:]); err != nil {
		return nil, fmt.Errorf("read ack: %w", err)
	}
	ackPlain, ok := secretbox.Open(nil, ackBox[:], &zeroNonce, &ackKey)
	if !ok {
		return nil, ErrDecrypt
	}

	var remoteSig identity.FixedSizeSignature
	if err := remoteSig.FromBytes(ackPlain); err != nil {
		return nil, ErrShortMessage
	}
	ackSigned := concat(hs.NetworkKey[:], sig[:], hs.Local.Public.Key[:], hs.abHash[:])
	if !identity.VerifyMessage(ackSigned, &remoteSig, hs.TheirPublicKey) {
		return nil, ErrBadSignature
	}

	return hs.finalKeys(*hs.TheirPublicKey), nil
}

// Respond runs the server half of the handshake, learning the initiator's
// identity from its authentication message.
func (hs *Handshake) Respond() (*SessionKeys, error) {
	if err := hs.genEphemeral(); err != nil {
		return nil, err
	}

	// Steps 1-2: verify the initiator's hello, reply with ours.
	if err := hs.readHello(); err != nil {
		return nil, err
	}
	if _, err := hs.Conn.Write(hs.hello()); err != nil {
		return nil, fmt.Errorf("write hello: %w", err)
	}

	// Step 3: the two agreements computable before the initiator's
	// identity is known.
	ab, err := curve25519.X25519(hs.ephPriv[:], hs.remoteEph[:])
	if err != nil {
		return nil, ErrInvalidKey
	}
	aB, err := curve25519.X25519(hs.Local.ExchangePrivate()[:], hs.remoteEph[:])
	if err != nil {
		return nil, ErrInvalidKey
	}
	hs.abHash = sha256.Sum256(ab)
	hs.secret = concat(hs.NetworkKey[:], ab, aB)

	// Step 4: open the initiator's boxed proof and verify its signature
	// against the identity it claims.
	var authBox [clientAuthSize]byte
	if _, err := io.ReadFull(hs.Conn, authBox[:]); err != nil {
		return nil, fmt.Errorf("read auth: %w", err)
	}
	boxKey := sha256.Sum256(hs.secret)
	var zeroNonce [24]byte
	authPlain, ok := secretbox.Open(nil, authBox[:], &zeroNonce, &boxKey)
	if !ok {
		return nil, ErrDecrypt
	}

	var remoteSig identity.FixedSizeSignature
	var remotePub identity.PublicKey
	if err := remoteSig.FromBytes(authPlain[:64]); err != nil {
		return nil, ErrShortMessage
	}
	if err := remotePub.FromBytes(authPlain[64:]); err != nil {
		return nil, ErrShortMessage
	}

	signed := concat(hs.NetworkKey[:], hs.Local.Public.Key[:], hs.abHash[:])
	if !identity.VerifyMessage(signed, &remoteSig, &remotePub) {
		return nil, ErrBadSignature
	}
	if hs.TheirPublicKey != nil && !remotePub.ConstantTimeEq(hs.TheirPublicKey) {
		return nil, ErrWrongIdentity
	}

	// Third agreement, now that the initiator's long-term key is known.
	remoteExch, err := remotePub.Exchange()
	if err != nil {
		return nil, ErrInvalidKey
	}
	Ab, err := curve25519.X25519(hs.ephPriv[:], remoteExch[:])
	if err != nil {
		return nil, ErrInvalidKey
	}
	hs.secret = append(hs.secret, Ab...)

	// Step 5: send the signed acknowledgment.
	ackSigned := concat(hs.NetworkKey[:], remoteSig[:], remotePub[:], hs.abHash[:])
	ackSig := hs.Local.SignMessage(ackSigned)
	ackKey := sha256.Sum256(hs.secret)
	ack := secretbox.Seal(nil, ackSig[:], &zeroNonce, &ackKey)
	if _, err := hs.Conn.Write(ack); err != nil {
		return nil, fmt.Errorf("write ack: %w", err)
	}

	return hs.finalKeys(remotePub), nil
}

// finalKeys derives the directional keys and starting nonces. Keys are bound
// to the receiving peer's long-term identity so a reflection of a peer's own
// ciphertext back at it never validates; nonces are bound to the ephemeral
// hellos so they are fresh for every handshake.
func (hs *Handshake) finalKeys(remote identity.PublicKey) *SessionKeys {
	base := sha256.Sum256(hs.secret)
	base = sha256.Sum256(base[:])

	sk := &SessionKeys{RemotePublic: remote}
	sk.WriteKey = sha256.Sum256(concat(base[:], remote[:]))
	sk.ReadKey = sha256.Sum256(concat(base[:], hs.Local.Public.Key[:]))

	mac := hmac.New(sha256.New, hs.NetworkKey[:])
	mac.Write(hs.remoteEph[:])
	copy(sk.WriteNonce[:], mac.Sum(nil))

	mac = hmac.New(sha256.New, hs.NetworkKey[:])
	mac.Write(hs.ephPub[:])
	copy(sk.ReadNonce[:], mac.Sum(nil))

	return sk
}

func concat(parts ...[]byte) []byte {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
