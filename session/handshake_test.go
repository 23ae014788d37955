// Copyright (c) 2019-2020 The scuttle-chat developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package session

import (
	"bytes"
	"errors"
	"net"
	"testing"

	"github.com/clevinson/scuttle-chat/identity"
	"golang.org/x/sync/errgroup"
)

func newIdentities(t *testing.T) (alice, bob *identity.FullIdentity) {
	t.Helper()
	alice, err := identity.New("alice")
	if err != nil {
		t.Fatal(err)
	}
	bob, err = identity.New("bob")
	if err != nil {
		t.Fatal(err)
	}
	return alice, bob
}

// runHandshake performs a full handshake between alice (initiator) and bob
// (responder) over an in-memory duplex pipe.
func runHandshake(t *testing.T, alice, bob *Handshake) (initiator, responder *SessionKeys, initErr, respErr error) {
	t.Helper()

	ac, bc := net.Pipe()
	defer ac.Close()
	defer bc.Close()
	alice.Conn = ac
	bob.Conn = bc

	var eg errgroup.Group
	eg.Go(func() error {
		var err error
		responder, err = bob.Respond()
		if err != nil {
			// Unblock the initiator, as the manager would.
			bc.Close()
		}
		respErr = err
		return nil
	})
	initiator, initErr = alice.Initiate()
	if initErr != nil {
		ac.Close()
	}
	_ = eg.Wait()
	return
}

func TestHandshake(t *testing.T) {
	alice, bob := newIdentities(t)

	hsA := &Handshake{
		Local:          alice,
		NetworkKey:     MainNetworkKey,
		TheirPublicKey: &bob.Public.Key,
	}
	hsB := &Handshake{
		Local:      bob,
		NetworkKey: MainNetworkKey,
	}

	ka, kb, initErr, respErr := runHandshake(t, hsA, hsB)
	if initErr != nil {
		t.Fatalf("initiate: %v", initErr)
	}
	if respErr != nil {
		t.Fatalf("respond: %v", respErr)
	}

	// Each side's write direction must match the other's read direction.
	if !bytes.Equal(ka.WriteKey[:], kb.ReadKey[:]) {
		t.Fatal("initiator write key != responder read key")
	}
	if !bytes.Equal(ka.ReadKey[:], kb.WriteKey[:]) {
		t.Fatal("initiator read key != responder write key")
	}
	if !bytes.Equal(ka.WriteNonce[:], kb.ReadNonce[:]) {
		t.Fatal("initiator write nonce != responder read nonce")
	}
	if !bytes.Equal(ka.ReadNonce[:], kb.WriteNonce[:]) {
		t.Fatal("initiator read nonce != responder write nonce")
	}

	// Directions must not mirror each other.
	if bytes.Equal(ka.WriteKey[:], ka.ReadKey[:]) {
		t.Fatal("send and recv keys are identical")
	}

	// Both sides authenticated the right peer.
	if ka.RemotePublic != bob.Public.Key {
		t.Fatal("initiator authenticated wrong identity")
	}
	if kb.RemotePublic != alice.Public.Key {
		t.Fatal("responder authenticated wrong identity")
	}
}

func TestHandshakeFreshKeys(t *testing.T) {
	alice, bob := newIdentities(t)

	run := func() *SessionKeys {
		hsA := &Handshake{Local: alice, NetworkKey: MainNetworkKey, TheirPublicKey: &bob.Public.Key}
		hsB := &Handshake{Local: bob, NetworkKey: MainNetworkKey}
		ka, _, initErr, respErr := runHandshake(t, hsA, hsB)
		if initErr != nil || respErr != nil {
			t.Fatalf("handshake failed: %v / %v", initErr, respErr)
		}
		return ka
	}

	first, second := run(), run()
	if bytes.Equal(first.WriteKey[:], second.WriteKey[:]) {
		t.Fatal("session keys repeated across handshakes")
	}
	if bytes.Equal(first.WriteNonce[:], second.WriteNonce[:]) {
		t.Fatal("starting nonces repeated across handshakes")
	}
}

func TestHandshakeWrongNetworkKey(t *testing.T) {
	alice, bob := newIdentities(t)

	var otherNet NetworkKey
	otherNet[0] = 0xaa

	hsA := &Handshake{Local: alice, NetworkKey: otherNet, TheirPublicKey: &bob.Public.Key}
	hsB := &Handshake{Local: bob, NetworkKey: MainNetworkKey}

	ka, kb, initErr, respErr := runHandshake(t, hsA, hsB)
	if ka != nil || kb != nil {
		t.Fatal("keys released from failed handshake")
	}
	// The responder must fail the very first authentication gate; it never
	// saw any long-term key material.
	if !errors.Is(respErr, ErrAuth) {
		t.Fatalf("responder error = %v, want authentication failure", respErr)
	}
	if initErr == nil {
		t.Fatal("initiator unexpectedly succeeded")
	}
}

func TestHandshakeImpersonation(t *testing.T) {
	alice, bob := newIdentities(t)
	carol := identity.MustNew("carol")

	// The responder only accepts carol; alice must be hard-rejected even
	// though every cryptographic check passes.
	hsA := &Handshake{Local: alice, NetworkKey: MainNetworkKey, TheirPublicKey: &bob.Public.Key}
	hsB := &Handshake{Local: bob, NetworkKey: MainNetworkKey, TheirPublicKey: &carol.Public.Key}

	_, _, _, respErr := runHandshake(t, hsA, hsB)
	if !errors.Is(respErr, ErrAuth) {
		t.Fatalf("responder error = %v, want authentication failure", respErr)
	}
	if !errors.Is(respErr, ErrWrongIdentity) {
		t.Fatalf("responder error = %v, want identity mismatch", respErr)
	}
}

func TestHandshakeWrongResponder(t *testing.T) {
	alice, bob := newIdentities(t)
	carol := identity.MustNew("carol")

	// Alice dials expecting carol but reaches bob. Neither side may end
	// up with keys.
	hsA := &Handshake{Local: alice, NetworkKey: MainNetworkKey, TheirPublicKey: &carol.Public.Key}
	hsB := &Handshake{Local: bob, NetworkKey: MainNetworkKey}

	ka, kb, initErr, respErr := runHandshake(t, hsA, hsB)
	if ka != nil || kb != nil {
		t.Fatal("keys released from failed handshake")
	}
	if initErr == nil && respErr == nil {
		t.Fatal("handshake unexpectedly succeeded")
	}
}

func TestHandshakeInitiateRequiresKey(t *testing.T) {
	alice, _ := newIdentities(t)
	hs := &Handshake{Local: alice, NetworkKey: MainNetworkKey}
	if _, err := hs.Initiate(); !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want protocol violation", err)
	}
}

func TestNetworkKeyFromString(t *testing.T) {
	var nk NetworkKey
	err := nk.FromString("d4a1cb88a66f02f8db635ce26441cc5dac1b08420ceaac230839b755845a9ffb")
	if err != nil {
		t.Fatal(err)
	}
	if nk != MainNetworkKey {
		t.Fatal("parsed key differs from main network key")
	}
	if err := nk.FromString("abcd"); err == nil {
		t.Fatal("short key accepted")
	}
}
