// Copyright (c) 2019-2020 The scuttle-chat developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package identity

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// FixedSizeSignature is a 64-byte, fixed size signature. This is used as an
// alternative for 64-byte signatures to ensure compact encoding into json.
type FixedSizeSignature [64]byte

// FixedSizePrivateKey is a 64-byte, fixed size ed25519 private key.
type FixedSizePrivateKey = FixedSizeSignature

// String returns the hex encoding of the FixedSizeSignature.
func (u FixedSizeSignature) String() string {
	return hex.EncodeToString(u[:])
}

// MarshalJSON marshals the signature into a json string.
func (u FixedSizeSignature) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON unmarshals the json representation of a FixedSizeSignature.
func (u *FixedSizeSignature) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return u.FromString(s)
}

// FromString decodes s into a FixedSizeSignature. s must contain an
// hex-encoded signature of the correct length.
func (u *FixedSizeSignature) FromString(s string) error {
	h, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(h) != len(u) {
		return fmt.Errorf("invalid FixedSizeSignature length: %d", len(h))
	}
	copy(u[:], h)
	return nil
}

// FromBytes copies the signature from the given byte slice. The passed slice
// must have the correct length.
func (u *FixedSizeSignature) FromBytes(b []byte) error {
	if len(b) != len(u) {
		return fmt.Errorf("invalid FixedSizeSignature length: %d", len(b))
	}
	copy(u[:], b)
	return nil
}
