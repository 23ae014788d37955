// Copyright (c) 2019-2020 The scuttle-chat developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peermgr

import (
	"github.com/clevinson/scuttle-chat/chatlog"
	"github.com/clevinson/scuttle-chat/identity"
)

// ConnState is the connection state of a peer. A peer's identity is
// permanent; its state cycles as sessions are established and lost.
type ConnState int

const (
	StateUnknown ConnState = iota
	StateConnecting
	StateAuthenticated
	StateDisconnected
)

func (cs ConnState) String() string {
	switch cs {
	case StateUnknown:
		return "unknown"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnected:
		return "disconnected"
	default:
		return "invalid"
	}
}

// Event is one entry in the live feed consumed by the UI: either a
// connection state transition (Msg nil) or an inbound message (Msg set,
// State is the peer's current state).
type Event struct {
	Peer  identity.PublicKey
	State ConnState
	Msg   *chatlog.Message
}

// PeerInfo is a snapshot of one tracked peer.
type PeerInfo struct {
	Public identity.PublicKey
	Addr   string
	State  ConnState
}
