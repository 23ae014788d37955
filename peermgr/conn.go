// Copyright (c) 2019-2020 The scuttle-chat developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peermgr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/clevinson/scuttle-chat/session"
)

// maxMessageSize bounds a single application message after reassembly.
// Larger submissions are rejected before touching the wire.
const maxMessageSize = 512 * 1024

// sessionConn is one live encrypted session: the underlying connection plus
// the box stream halves built from the handshake keys. Messages are framed
// with a length prefix above the box stream so payloads larger than one
// frame are split and reassembled transparently.
type sessionConn struct {
	conn net.Conn
	br   *session.BoxReader
	bw   *session.BoxWriter

	readBuf bytes.Buffer
}

func newSessionConn(conn net.Conn, keys *session.SessionKeys) *sessionConn {
	br, bw := session.NewBoxPair(conn, keys)
	return &sessionConn{conn: conn, br: br, bw: bw}
}

// writeMessage seals and writes one application message.
func (sc *sessionConn) writeMessage(payload []byte) error {
	if len(payload) > maxMessageSize {
		return fmt.Errorf("message too large: %d > %d", len(payload),
			maxMessageSize)
	}
	var lenBytes [4]byte
	binary.LittleEndian.PutUint32(lenBytes[:], uint32(len(payload)))
	return sc.bw.Send(append(lenBytes[:], payload...))
}

// readMessage reads frames until one whole application message has been
// reassembled. Returns io.EOF on a clean goodbye.
func (sc *sessionConn) readMessage() ([]byte, error) {
	for {
		if sc.readBuf.Len() >= 4 {
			l := binary.LittleEndian.Uint32(sc.readBuf.Bytes()[:4])
			if l > maxMessageSize {
				return nil, fmt.Errorf("%w: message len %d",
					session.ErrProtocol, l)
			}
			if sc.readBuf.Len() >= 4+int(l) {
				sc.readBuf.Next(4)
				payload := make([]byte, l)
				if _, err := sc.readBuf.Read(payload); err != nil && l > 0 {
					return nil, err
				}
				return payload, nil
			}
		}

		chunk, err := sc.br.Recv()
		if err != nil {
			return nil, err
		}
		sc.readBuf.Write(chunk)
	}
}

// goodbye attempts a clean stream termination. Errors are ignored; the
// connection is being torn down either way.
func (sc *sessionConn) goodbye() {
	_ = sc.bw.SendGoodbye()
}

func (sc *sessionConn) close() error {
	return sc.conn.Close()
}
