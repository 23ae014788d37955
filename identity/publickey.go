// Copyright (c) 2019-2020 The scuttle-chat developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package identity

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"filippo.io/edwards25519"
)

// PublicKey is a 32-byte ed25519 public signing key. It is the durable,
// user-facing identity of a peer: everything else about a peer (address,
// connection state, nick) is ephemeral or advisory.
type PublicKey [32]byte

// Bytes returns the key as a slice of bytes.
func (u PublicKey) Bytes() []byte {
	return u[:]
}

// String returns the hex encoding of the PublicKey.
func (u PublicKey) String() string {
	return hex.EncodeToString(u[:])
}

// ShortLogID returns the first 8 bytes in hex format (16 chars), useful as a
// short log ID.
func (u PublicKey) ShortLogID() string {
	return hex.EncodeToString(u[:8])
}

// FeedID returns the key in the textual feed reference format used on the
// wire and in user-facing output ("@<base64>.ed25519").
func (u PublicKey) FeedID() string {
	return "@" + base64.StdEncoding.EncodeToString(u[:]) + ".ed25519"
}

// MarshalJSON marshals the key into a json string.
func (u PublicKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON unmarshals the json representation of a PublicKey.
func (u *PublicKey) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return u.FromString(s)
}

// FromString decodes s into a PublicKey. s must contain an hex-encoded key of
// the correct length.
func (u *PublicKey) FromString(s string) error {
	h, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(h) != len(u) {
		return fmt.Errorf("invalid PublicKey length: %d", len(h))
	}
	copy(u[:], h)
	return nil
}

// FromBytes copies the key from the given byte slice. The passed slice must
// have the correct length.
func (u *PublicKey) FromBytes(b []byte) error {
	if len(b) != len(u) {
		return fmt.Errorf("invalid PublicKey length: %d", len(b))
	}
	copy(u[:], b)
	return nil
}

// Less returns whether this is less than the passed key. other must be
// non-nil, otherwise this panics. The comparison is made in a big-endian way.
func (u *PublicKey) Less(other *PublicKey) bool {
	for i := range other {
		if u[i] < other[i] {
			return true
		}
		if u[i] > other[i] {
			return false
		}
	}
	return false
}

// ConstantTimeEq returns true when the two keys are equal. The comparison is
// done in constant time.
func (u PublicKey) ConstantTimeEq(other *PublicKey) bool {
	return subtle.ConstantTimeCompare(u[:], other[:]) == 1
}

// IsEmpty returns true if the key is empty (i.e. all zero).
func (u PublicKey) IsEmpty() bool {
	var empty PublicKey
	return u.ConstantTimeEq(&empty)
}

// Exchange converts the ed25519 public key to its curve25519 form, usable for
// Diffie-Hellman agreements. Conversion fails for the few encodings that are
// not valid edwards25519 points.
func (u PublicKey) Exchange() (*[32]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(u[:])
	if err != nil {
		return nil, fmt.Errorf("invalid edwards25519 point: %v", err)
	}
	var ck [32]byte
	copy(ck[:], p.BytesMontgomery())
	return &ck, nil
}

// PublicKeyFromBase64 decodes a standard base64 encoded public key, as found
// in feed references and discovery announcements.
func PublicKeyFromBase64(s string) (*PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	var pk PublicKey
	if err := pk.FromBytes(raw); err != nil {
		return nil, err
	}
	return &pk, nil
}
