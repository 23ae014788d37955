// Copyright (c) 2019-2020 The scuttle-chat developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package discovery announces the local identity over UDP broadcast and
// collects announcements from other peers on the local network into a
// time-bounded candidate set. Discovery only proposes candidates; all
// authentication happens in the handshake.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/clevinson/scuttle-chat/identity"
	"github.com/decred/slog"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultPort is the UDP port discovery datagrams are exchanged on.
	// The TCP handshake listener shares the same port number.
	DefaultPort = 45982

	defaultInterval     = 2 * time.Second
	defaultStaleTimeout = 10 * time.Second

	maxDatagramSize = 1024
)

// Config holds the parameters for a discovery Service.
type Config struct {
	// LocalKey is the local identity. Announcements carrying it are
	// discarded by the listener.
	LocalKey identity.PublicKey

	// AnnounceAddr is the address of the local handshake listener
	// included in outgoing announcements. If its host part is empty, the
	// first non-loopback interface address is used.
	AnnounceAddr string

	// Port is the UDP port to listen on. Defaults to DefaultPort.
	Port int

	// BroadcastAddr overrides the announcement destination. Defaults to
	// the limited broadcast address on Port. Tests point this at a
	// loopback listener.
	BroadcastAddr string

	// Interval between announcements.
	Interval time.Duration

	// StaleTimeout is how long a candidate survives without being
	// re-announced.
	StaleTimeout time.Duration

	Log slog.Logger
}

// Candidate is a discovered peer together with when it was last heard from.
type Candidate struct {
	PeerAddr
	LastSeen time.Time
}

// Service owns the discovery sockets and the candidate set. Both sockets are
// created by New and released when Run returns.
type Service struct {
	cfg Config
	log slog.Logger

	announceConn *net.UDPConn
	listenConn   *net.UDPConn
	announcement []byte

	candidates *xsync.MapOf[identity.PublicKey, Candidate]
	recent     chan PeerAddr
}

// New binds the discovery sockets and prepares the announcement payload.
func New(cfg Config) (*Service, error) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.StaleTimeout == 0 {
		cfg.StaleTimeout = defaultStaleTimeout
	}
	if cfg.BroadcastAddr == "" {
		cfg.BroadcastAddr = "255.255.255.255:" + strconv.Itoa(cfg.Port)
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}

	announceAddr, err := completeAnnounceAddr(cfg.AnnounceAddr)
	if err != nil {
		return nil, err
	}

	listenConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: cfg.Port})
	if err != nil {
		return nil, fmt.Errorf("bind discovery listener: %w", err)
	}

	announceConn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		listenConn.Close()
		return nil, fmt.Errorf("bind announcer: %w", err)
	}

	ann := PeerAddr{
		Protocol: ProtocolNet,
		Addr:     announceAddr,
		Public:   cfg.LocalKey,
	}

	return &Service{
		cfg:          cfg,
		log:          log,
		announceConn: announceConn,
		listenConn:   listenConn,
		announcement: []byte(ann.String()),
		candidates:   xsync.NewMapOf[identity.PublicKey, Candidate](),
		recent:       make(chan PeerAddr, 16),
	}, nil
}

// Run drives the announcer and listener until ctx is canceled, then closes
// both sockets.
func (s *Service) Run(ctx context.Context) error {
	eg, gctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		<-gctx.Done()
		s.announceConn.Close()
		s.listenConn.Close()
		return gctx.Err()
	})
	eg.Go(func() error { return s.announceLoop(gctx) })
	eg.Go(func() error { return s.listenLoop(gctx) })

	err := eg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = ctx.Err()
	}
	return err
}

// Announcements exposes a live feed of received announcements. The channel
// is bounded; slow consumers miss announcements but can always fall back to
// the Candidates snapshot.
func (s *Service) Announcements() <-chan PeerAddr {
	return s.recent
}

// Candidates returns a snapshot of the current candidate set. Entries past
// the staleness threshold are evicted during the snapshot.
func (s *Service) Candidates() []Candidate {
	cutoff := time.Now().Add(-s.cfg.StaleTimeout)
	var out []Candidate
	s.candidates.Range(func(key identity.PublicKey, c Candidate) bool {
		if c.LastSeen.Before(cutoff) {
			s.candidates.Delete(key)
			return true
		}
		out = append(out, c)
		return true
	})
	return out
}

func (s *Service) announceLoop(ctx context.Context) error {
	dst, err := net.ResolveUDPAddr("udp4", s.cfg.BroadcastAddr)
	if err != nil {
		return fmt.Errorf("resolve broadcast addr: %w", err)
	}

	s.log.Infof("Announcing %s to %s every %s", s.announcement,
		s.cfg.BroadcastAddr, s.cfg.Interval)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.announceConn.WriteToUDP(s.announcement, dst); err != nil {
			return fmt.Errorf("announce: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Service) listenLoop(ctx context.Context) error {
	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := s.listenConn.ReadFromUDP(buf)
		if err != nil {
			return err
		}

		peer, err := ParsePeerAddr(string(buf[:n]))
		if err != nil {
			s.log.Debugf("Discarding malformed announcement from %s: %v",
				src, err)
			continue
		}
		if peer.Public.ConstantTimeEq(&s.cfg.LocalKey) {
			continue
		}

		s.log.Tracef("Announcement from %s: %s", src, peer)
		s.candidates.Store(peer.Public, Candidate{
			PeerAddr: *peer,
			LastSeen: time.Now(),
		})

		select {
		case s.recent <- *peer:
		default:
			// Feed full; the candidate snapshot still has it.
		}
	}
}

// completeAnnounceAddr fills in the host part of the announced address with
// the first usable local interface address when it was left empty.
func completeAnnounceAddr(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid announce addr %q: %w", addr, err)
	}
	if host != "" && host != "0.0.0.0" && host != "::" {
		return addr, nil
	}

	ip, err := localIPv4()
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(ip.String(), port), nil
}

// localIPv4 returns the first non-loopback IPv4 address of an up interface.
func localIPv4() (net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				return ip4, nil
			}
		}
	}
	return nil, errors.New("no usable local interface address")
}
