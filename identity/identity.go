// Copyright (c) 2019-2020 The scuttle-chat developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package identity manages the long-term public and private identities of
// peers. A peer "is" its ed25519 public key; the curve25519 exchange form of
// a key is derived on demand for Diffie-Hellman agreements.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
)

var prng = rand.Reader

const (
	// KeySize is the size in bytes of a public identity key.
	KeySize = 32
)

// PublicIdentity is the public half of an identity: the signing key plus an
// optional local nick. The nick is advisory only and never authenticated.
type PublicIdentity struct {
	Nick string    `json:"nick"`
	Key  PublicKey `json:"key"`
}

// FullIdentity is a complete identity, including the private signing key. It
// is immutable once loaded and owned exclusively by the local process.
type FullIdentity struct {
	Public     PublicIdentity      `json:"publicIdentity"`
	PrivateKey FixedSizePrivateKey `json:"privateKey"`
}

// NewWithRNG generates a new identity using the given entropy source.
func NewWithRNG(nick string, prng io.Reader) (*FullIdentity, error) {
	pub, priv, err := ed25519.GenerateKey(prng)
	if err != nil {
		return nil, err
	}

	fi := new(FullIdentity)
	fi.Public.Nick = nick
	copy(fi.Public.Key[:], pub)
	copy(fi.PrivateKey[:], priv)

	zero(pub)
	zero(priv)

	return fi, nil
}

// New generates a new, random identity.
func New(nick string) (*FullIdentity, error) {
	return NewWithRNG(nick, prng)
}

// MustNew generates a new identity or panics.
func MustNew(nick string) *FullIdentity {
	id, err := New(nick)
	if err != nil {
		panic(err)
	}
	return id
}

// SignMessage signs a message with an Ed25519 private key.
func SignMessage(message []byte, privKey *FixedSizePrivateKey) FixedSizeSignature {
	var sig [ed25519.SignatureSize]byte
	copy(sig[:], ed25519.Sign(privKey[:], message))
	return sig
}

func (fi *FullIdentity) SignMessage(message []byte) FixedSizeSignature {
	return SignMessage(message, &fi.PrivateKey)
}

// VerifyMessage verifies a message with an Ed25519 public key.
func VerifyMessage(msg []byte, sig *FixedSizeSignature, pubKey *PublicKey) bool {
	return ed25519.Verify(pubKey[:], msg, sig[:])
}

func (p PublicIdentity) VerifyMessage(msg []byte, sig *FixedSizeSignature) bool {
	return VerifyMessage(msg, sig, &p.Key)
}

func (p PublicIdentity) String() string {
	return p.Key.String()
}

// ExchangePrivate derives the curve25519 private scalar corresponding to the
// identity's ed25519 private key.
func (fi *FullIdentity) ExchangePrivate() *[32]byte {
	h := sha512.Sum512(fi.PrivateKey[:32])
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64

	var ck [32]byte
	copy(ck[:], h[:32])
	return &ck
}

// LoadOrCreate reads the identity stored in filename, generating (and
// persisting) a fresh one if the file does not exist yet.
func LoadOrCreate(filename, nick string) (*FullIdentity, error) {
	blob, err := os.ReadFile(filename)
	switch {
	case os.IsNotExist(err):
		fi, err := New(nick)
		if err != nil {
			return nil, err
		}
		if err := fi.WriteToFile(filename); err != nil {
			return nil, err
		}
		return fi, nil
	case err != nil:
		return nil, err
	}

	fi := new(FullIdentity)
	if err := json.Unmarshal(blob, fi); err != nil {
		return nil, err
	}
	return fi, nil
}

// WriteToFile persists the identity to filename, creating the containing
// directory if needed. The file is not readable by other users.
func (fi *FullIdentity) WriteToFile(filename string) error {
	blob, err := json.MarshalIndent(fi, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0o700); err != nil {
		return err
	}
	return os.WriteFile(filename, blob, 0o600)
}

// Zero out a byte slice.
func zero(in []byte) {
	if in == nil {
		return
	}
	for i := 0; i < len(in); i++ {
		in[i] ^= in[i]
	}
}
