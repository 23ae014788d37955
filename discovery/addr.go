// Copyright (c) 2019-2020 The scuttle-chat developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package discovery

import (
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"

	"github.com/clevinson/scuttle-chat/identity"
)

// Protocol is the transport named by an announcement. Only TCP ("net:") is
// dialed by the session manager; the websocket form is parsed for
// compatibility with announcements from other implementations.
type Protocol string

const (
	ProtocolNet       Protocol = "net"
	ProtocolWebSocket Protocol = "ws"
)

// PeerAddr is one discovery candidate: a claimed identity plus the address
// where its handshake listener is reachable. Announcements are advisory and
// unauthenticated; nothing is trusted until the handshake proves possession
// of the key.
type PeerAddr struct {
	Protocol Protocol
	Addr     string // host:port of the peer's handshake listener
	Public   identity.PublicKey
}

// String renders the announcement in the multiserver address format used on
// the wire: "net:HOST:PORT~shs:BASE64KEY".
func (a PeerAddr) String() string {
	prefix := "net:"
	if a.Protocol == ProtocolWebSocket {
		prefix = "ws://"
	}
	return prefix + a.Addr + "~shs:" +
		base64.StdEncoding.EncodeToString(a.Public[:])
}

// FeedID returns the announced identity in feed reference form.
func (a PeerAddr) FeedID() string {
	return a.Public.FeedID()
}

var (
	ErrParsePeerAddr = errors.New("failed to parse peer address")

	peerAddrRE = regexp.MustCompile(`^(ws://|net:)(.*?)~shs:(.*)$`)
)

// ParsePeerAddr parses a multiserver address string into a PeerAddr.
func ParsePeerAddr(s string) (*PeerAddr, error) {
	groups := peerAddrRE.FindStringSubmatch(s)
	if groups == nil {
		return nil, ErrParsePeerAddr
	}

	var proto Protocol
	switch groups[1] {
	case "net:":
		proto = ProtocolNet
	case "ws://":
		proto = ProtocolWebSocket
	}

	public, err := identity.PublicKeyFromBase64(groups[3])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParsePeerAddr, err)
	}

	return &PeerAddr{
		Protocol: proto,
		Addr:     groups[2],
		Public:   *public,
	}, nil
}
