// Copyright (c) 2019-2020 The scuttle-chat developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package peermgr turns discovery candidates into at most one live,
// mutually authenticated session per remote identity and keeps chat
// functional across individual connection failures. Each peer session runs
// in its own goroutines; the candidate and peer maps are the only state
// shared across them.
package peermgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clevinson/scuttle-chat/chatlog"
	"github.com/clevinson/scuttle-chat/discovery"
	"github.com/clevinson/scuttle-chat/identity"
	"github.com/clevinson/scuttle-chat/session"
	"github.com/decred/slog"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

var (
	ErrUnknownPeer   = errors.New("unknown peer")
	ErrSendQueueFull = errors.New("send queue full")
	ErrSessionLimit  = errors.New("too many sessions")
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultBackoffBase      = time.Second
	defaultBackoffCap       = time.Minute
	defaultMaxSessions      = 64

	sendQueueLen = 32
	eventFeedLen = 64
)

// ChatLog is the append-only history collaborator. Appends happen on the
// session goroutine that received (or sent) the message.
type ChatLog interface {
	Append(identity.PublicKey, chatlog.Message) error
}

// DialFunc dials the remote handshake listener.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Config holds the configuration for a Manager.
type Config struct {
	// Local is the local identity used in every handshake.
	Local *identity.FullIdentity

	// NetworkKey scopes handshakes to this application.
	NetworkKey session.NetworkKey

	// ListenAddr is the TCP handshake listener address.
	ListenAddr string

	// Announcements feeds discovery candidates into the manager. Usually
	// discovery.Service.Announcements().
	Announcements <-chan discovery.PeerAddr

	// ChatLog receives every inbound and outbound message. May be nil.
	ChatLog ChatLog

	// Dialer connects to remote listeners. Defaults to a net.Dialer.
	Dialer DialFunc

	// Logger is a function that generates loggers for each of the
	// manager's subsystems.
	Logger func(subsys string) slog.Logger

	// HandshakeTimeout bounds a single handshake attempt, dial included.
	HandshakeTimeout time.Duration

	// BackoffBase and BackoffCap shape the reconnect schedule.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// MaxSessions bounds the number of concurrently live sessions. Peers
	// over the limit are declined, not forgotten.
	MaxSessions int
}

func (cfg *Config) logger(subsys string) slog.Logger {
	if cfg.Logger == nil {
		return slog.Disabled
	}
	return cfg.Logger(subsys)
}

// peer is the tracked state for one remote identity. The identity is
// permanent; address, state and the live session all change across
// rediscovery and reconnection.
type peer struct {
	pub identity.PublicKey

	mtx         sync.Mutex
	state       ConnState
	addr        string
	bo          backoff
	sess        *sessionConn
	supervising bool

	// addrC is signaled when a fresh address is learned.
	addrC chan struct{}
	sendQ chan []byte
}

func (p *peer) update(addr string) {
	p.mtx.Lock()
	changed := p.addr != addr
	p.addr = addr
	p.mtx.Unlock()
	if changed {
		select {
		case p.addrC <- struct{}{}:
		default:
		}
	}
}

func (p *peer) snapshot() PeerInfo {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return PeerInfo{Public: p.pub, Addr: p.addr, State: p.state}
}

// Manager owns the handshake listener and all peer sessions.
type Manager struct {
	cfg   Config
	log   slog.Logger
	local *identity.FullIdentity
	dial  DialFunc

	listener net.Listener
	peers    *xsync.MapOf[identity.PublicKey, *peer]
	events   chan Event
	sessions atomic.Int32

	mtx sync.Mutex
	eg  *errgroup.Group
	ctx context.Context
}

// New creates a manager and binds its handshake listener.
func New(cfg Config) (*Manager, error) {
	if cfg.Local == nil {
		return nil, errors.New("nil local identity")
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffCap == 0 {
		cfg.BackoffCap = defaultBackoffCap
	}
	if cfg.MaxSessions == 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	dial := cfg.Dialer
	if dial == nil {
		d := &net.Dialer{}
		dial = d.DialContext
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("bind handshake listener: %w", err)
	}

	return &Manager{
		cfg:      cfg,
		log:      cfg.logger("PEER"),
		local:    cfg.Local,
		dial:     dial,
		listener: listener,
		peers:    xsync.NewMapOf[identity.PublicKey, *peer](),
		events:   make(chan Event, eventFeedLen),
	}, nil
}

// ListenAddr returns the bound handshake listener address.
func (m *Manager) ListenAddr() string {
	return m.listener.Addr().String()
}

// Events exposes the live feed of state transitions and inbound messages.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// ShouldInitiate reports whether the local side dials the connection to
// remote. Exactly one side of any pair initiates: the one with the
// lexicographically smaller public key. Both sides compute this locally,
// with no negotiation.
func ShouldInitiate(local, remote *identity.PublicKey) bool {
	return local.Less(remote)
}

// Run drives the manager until ctx is canceled: the accept loop, the
// candidate intake loop and one supervisor per dialed peer. The listener
// and every live connection are released before Run returns.
func (m *Manager) Run(ctx context.Context) error {
	eg, gctx := errgroup.WithContext(ctx)
	m.mtx.Lock()
	m.eg, m.ctx = eg, gctx
	m.mtx.Unlock()

	eg.Go(func() error {
		<-gctx.Done()
		m.listener.Close()
		m.peers.Range(func(_ identity.PublicKey, p *peer) bool {
			p.mtx.Lock()
			if p.sess != nil {
				p.sess.close()
			}
			p.mtx.Unlock()
			return true
		})
		return gctx.Err()
	})
	eg.Go(func() error { return m.acceptLoop(gctx) })
	eg.Go(func() error { return m.intakeLoop(gctx) })

	err := eg.Wait()
	if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		err = ctx.Err()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	}
	return err
}

// AddPeer manually registers a peer candidate, as if it had been announced
// via discovery.
func (m *Manager) AddPeer(pub identity.PublicKey, addr string) {
	m.addCandidate(discovery.PeerAddr{
		Protocol: discovery.ProtocolNet,
		Addr:     addr,
		Public:   pub,
	})
}

// Peers returns a snapshot of every tracked peer.
func (m *Manager) Peers() []PeerInfo {
	var out []PeerInfo
	m.peers.Range(func(_ identity.PublicKey, p *peer) bool {
		out = append(out, p.snapshot())
		return true
	})
	return out
}

// Send queues payload for delivery to the given identity and records it in
// the chat log. Delivery happens when (and only while) a session to the
// peer is live; the queue is bounded.
func (m *Manager) Send(pub identity.PublicKey, payload []byte) error {
	p, ok := m.peers.Load(pub)
	if !ok {
		return ErrUnknownPeer
	}
	if len(payload) > maxMessageSize {
		return fmt.Errorf("message too large: %d", len(payload))
	}

	select {
	case p.sendQ <- payload:
	default:
		return ErrSendQueueFull
	}

	if m.cfg.ChatLog != nil {
		err := m.cfg.ChatLog.Append(pub, chatlog.Message{
			From:    m.local.Public.Key,
			Mine:    true,
			Time:    time.Now(),
			Payload: payload,
		})
		if err != nil {
			m.log.Warnf("Unable to log outbound message to %s: %v",
				pub.ShortLogID(), err)
		}
	}
	return nil
}

// Broadcast queues payload for every currently authenticated peer.
func (m *Manager) Broadcast(payload []byte) {
	m.peers.Range(func(pub identity.PublicKey, p *peer) bool {
		if p.snapshot().State == StateAuthenticated {
			if err := m.Send(pub, payload); err != nil {
				m.log.Warnf("Broadcast to %s failed: %v",
					pub.ShortLogID(), err)
			}
		}
		return true
	})
}

func (m *Manager) intakeLoop(ctx context.Context) error {
	if m.cfg.Announcements == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ann := <-m.cfg.Announcements:
			m.addCandidate(ann)
		}
	}
}

func (m *Manager) addCandidate(ann discovery.PeerAddr) {
	if ann.Public.ConstantTimeEq(&m.local.Public.Key) {
		return
	}

	p, loaded := m.peers.LoadOrCompute(ann.Public, func() *peer {
		return &peer{
			pub:   ann.Public,
			addrC: make(chan struct{}, 1),
			sendQ: make(chan []byte, sendQueueLen),
			bo:    backoff{base: m.cfg.BackoffBase, max: m.cfg.BackoffCap},
		}
	})
	p.update(ann.Addr)
	if !loaded {
		m.log.Infof("Discovered peer %s at %s", ann.Public.ShortLogID(),
			ann.Addr)
	}

	// Only the side with the smaller key dials; the other just waits for
	// the inbound connection.
	if !ShouldInitiate(&m.local.Public.Key, &ann.Public) {
		return
	}

	m.mtx.Lock()
	eg, ctx := m.eg, m.ctx
	m.mtx.Unlock()
	if eg == nil {
		// Not running yet; the peer stays tracked and a later
		// announcement will find the manager running.
		return
	}
	p.mtx.Lock()
	started := p.supervising
	p.supervising = true
	p.mtx.Unlock()
	if !started {
		eg.Go(func() error {
			m.supervise(ctx, p)
			return nil
		})
	}
}

// supervise drives the reconnect state machine for one dialed peer:
// Connecting, Authenticated, Disconnected, wait out the backoff, again.
func (m *Manager) supervise(ctx context.Context, p *peer) {
	for {
		p.mtx.Lock()
		wait := p.bo.wait(time.Now())
		p.mtx.Unlock()

		if wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			case <-p.addrC:
				// Fresh address; retry immediately.
			}
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		m.setState(p, StateConnecting)
		sc, err := m.connect(ctx, p)
		if err != nil {
			m.log.Debugf("Connect to %s failed: %v",
				p.pub.ShortLogID(), err)
			m.setState(p, StateDisconnected)
			p.mtx.Lock()
			p.bo.fail(time.Now())
			p.mtx.Unlock()
			continue
		}

		p.mtx.Lock()
		p.bo.reset()
		p.mtx.Unlock()
		if m.runSession(ctx, p, sc) {
			m.setState(p, StateDisconnected)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
		p.mtx.Lock()
		p.bo.fail(time.Now())
		p.mtx.Unlock()
	}
}

// connect dials the peer's last known address and performs the initiator
// half of the handshake, all within the handshake timeout.
func (m *Manager) connect(ctx context.Context, p *peer) (*sessionConn, error) {
	if n := m.sessions.Load(); int(n) >= m.cfg.MaxSessions {
		return nil, ErrSessionLimit
	}

	p.mtx.Lock()
	addr := p.addr
	p.mtx.Unlock()
	if addr == "" {
		return nil, fmt.Errorf("no known address for %s", p.pub.ShortLogID())
	}

	dctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()
	conn, err := m.dial(dctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	conn.SetDeadline(time.Now().Add(m.cfg.HandshakeTimeout))
	hs := &session.Handshake{
		Conn:           conn,
		Local:          m.local,
		NetworkKey:     m.cfg.NetworkKey,
		TheirPublicKey: &p.pub,
	}
	keys, err := hs.Initiate()
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})

	return newSessionConn(conn, keys), nil
}

// acceptLoop accepts inbound connections and runs the responder half of the
// handshake for each, on its own goroutine.
func (m *Manager) acceptLoop(ctx context.Context) error {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			return err
		}

		m.mtx.Lock()
		eg := m.eg
		m.mtx.Unlock()
		eg.Go(func() error {
			m.handleInbound(ctx, conn)
			return nil
		})
	}
}

func (m *Manager) handleInbound(ctx context.Context, conn net.Conn) {
	if n := m.sessions.Load(); int(n) >= m.cfg.MaxSessions {
		m.log.Warnf("Declining inbound connection from %s: %v",
			conn.RemoteAddr(), ErrSessionLimit)
		conn.Close()
		return
	}

	conn.SetDeadline(time.Now().Add(m.cfg.HandshakeTimeout))
	hs := &session.Handshake{
		Conn:       conn,
		Local:      m.local,
		NetworkKey: m.cfg.NetworkKey,
	}
	keys, err := hs.Respond()
	if err != nil {
		m.log.Debugf("Inbound handshake from %s failed: %v",
			conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	remote := keys.RemotePublic
	if ShouldInitiate(&m.local.Public.Key, &remote) {
		// Wrong direction: this pair's connection is ours to dial.
		m.log.Debugf("Closing inbound session from %s: local side initiates",
			remote.ShortLogID())
		conn.Close()
		return
	}

	p, _ := m.peers.LoadOrCompute(remote, func() *peer {
		return &peer{
			pub:   remote,
			addrC: make(chan struct{}, 1),
			sendQ: make(chan []byte, sendQueueLen),
			bo:    backoff{base: m.cfg.BackoffBase, max: m.cfg.BackoffCap},
		}
	})

	if m.runSession(ctx, p, newSessionConn(conn, keys)) {
		m.setState(p, StateDisconnected)
	}
}

// runSession owns one live session until it ends for any reason: inbound
// pump, outbound pump, and the teardown that releases the connection.
// Returns false if a session for this identity was already live and sc was
// discarded.
func (m *Manager) runSession(ctx context.Context, p *peer, sc *sessionConn) bool {
	p.mtx.Lock()
	if p.sess != nil {
		// Duplicate session for this identity; keep the existing one.
		p.mtx.Unlock()
		m.log.Debugf("Closing duplicate session for %s", p.pub.ShortLogID())
		sc.close()
		return false
	}
	p.sess = sc
	p.mtx.Unlock()

	m.sessions.Add(1)
	m.setState(p, StateAuthenticated)
	m.log.Infof("Session with %s established", p.pub.ShortLogID())

	sctx, cancel := context.WithCancel(ctx)
	var eg errgroup.Group

	// Inbound: decrypted frames become Messages, appended to the log and
	// fed to the UI.
	eg.Go(func() error {
		defer cancel()
		for {
			payload, err := sc.readMessage()
			if err != nil {
				return err
			}
			msg := chatlog.Message{
				From:    p.pub,
				Time:    time.Now(),
				Payload: payload,
			}
			if m.cfg.ChatLog != nil {
				if err := m.cfg.ChatLog.Append(p.pub, msg); err != nil {
					m.log.Warnf("Unable to log message from %s: %v",
						p.pub.ShortLogID(), err)
				}
			}
			m.emit(Event{Peer: p.pub, State: StateAuthenticated, Msg: &msg})
		}
	})

	// Outbound: drain the peer's send queue through the codec. On
	// shutdown, say goodbye so the remote sees a clean end of stream.
	eg.Go(func() error {
		for {
			select {
			case <-sctx.Done():
				sc.goodbye()
				sc.close()
				return sctx.Err()
			case payload := <-p.sendQ:
				if err := sc.writeMessage(payload); err != nil {
					cancel()
					sc.close()
					return err
				}
			}
		}
	})

	err := eg.Wait()
	cancel()
	sc.close()

	m.sessions.Add(-1)
	p.mtx.Lock()
	p.sess = nil
	p.mtx.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		m.log.Infof("Session with %s ended: %v", p.pub.ShortLogID(), err)
	} else {
		m.log.Infof("Session with %s closed", p.pub.ShortLogID())
	}
	return true
}

func (m *Manager) setState(p *peer, state ConnState) {
	p.mtx.Lock()
	changed := p.state != state
	p.state = state
	p.mtx.Unlock()
	if changed {
		m.emit(Event{Peer: p.pub, State: state})
	}
}

// emit pushes ev to the UI feed, dropping it if the consumer is too far
// behind. Events are advisory; the Peers snapshot is authoritative.
func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
	}
}
