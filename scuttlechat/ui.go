package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/clevinson/scuttle-chat/chatlog"
	"github.com/clevinson/scuttle-chat/identity"
	"github.com/clevinson/scuttle-chat/peermgr"
	"github.com/decred/slog"
	"github.com/skip2/go-qrcode"
)

const leader = '/'

// ui is the line-oriented terminal frontend: stdin lines become commands or
// broadcast messages, peer events and inbound messages are printed to
// stdout.
type ui struct {
	local *identity.FullIdentity
	mgr   *peermgr.Manager
	clog  *chatlog.Log
	log   slog.Logger

	out io.Writer
}

func (u *ui) printf(format string, args ...interface{}) {
	fmt.Fprintf(u.out, format+"\n", args...)
}

func (u *ui) printMsg(m chatlog.Message) {
	from := m.From.ShortLogID()
	if m.Mine {
		from = u.local.Public.Nick
	}
	u.printf("%s <%s> %s", m.Time.Format("15:04:05"), from, m.Payload)
}

// resolvePeer matches a hex prefix of a public key against the tracked
// peers.
func (u *ui) resolvePeer(prefix string) (identity.PublicKey, error) {
	var match identity.PublicKey
	var found int
	for _, p := range u.mgr.Peers() {
		if strings.HasPrefix(p.Public.String(), prefix) {
			match = p.Public
			found++
		}
	}
	switch found {
	case 0:
		return match, fmt.Errorf("no peer matches %q", prefix)
	case 1:
		return match, nil
	default:
		return match, fmt.Errorf("%d peers match %q", found, prefix)
	}
}

func (u *ui) handleCommand(cancel context.CancelFunc, line string) {
	cmd, rest, _ := strings.Cut(line[1:], " ")
	switch cmd {
	case "id":
		u.printf("%s", u.local.Public.Key.FeedID())
		u.printf("listening on %s", u.mgr.ListenAddr())

	case "qr":
		qr, err := qrcode.New(u.local.Public.Key.FeedID(), qrcode.Medium)
		if err != nil {
			u.printf("unable to encode QR code: %v", err)
			return
		}
		fmt.Fprint(u.out, qr.ToSmallString(false))

	case "peers":
		peers := u.mgr.Peers()
		if len(peers) == 0 {
			u.printf("no peers discovered yet")
			return
		}
		for _, p := range peers {
			u.printf("%s  %-13s  %s", p.Public.ShortLogID(), p.State, p.Addr)
		}

	case "history":
		msgs, err := u.clog.ReplayAll()
		if err != nil {
			u.printf("unable to replay history: %v", err)
			return
		}
		for _, m := range msgs {
			u.printMsg(m)
		}

	case "msg", "m":
		prefix, text, ok := strings.Cut(rest, " ")
		if !ok || text == "" {
			u.printf("usage: /msg <peer> <text>")
			return
		}
		pub, err := u.resolvePeer(prefix)
		if err != nil {
			u.printf("%v", err)
			return
		}
		if err := u.mgr.Send(pub, []byte(text)); err != nil {
			u.printf("unable to send: %v", err)
		}

	case "quit", "q":
		cancel()

	default:
		u.printf("unknown command %q", cmd)
	}
}

// run drives the frontend until ctx is canceled or stdin closes.
func (u *ui) run(ctx context.Context, cancel context.CancelFunc) error {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		cancel()
	}()

	u.printf("your id: %s", u.local.Public.Key.FeedID())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev := <-u.mgr.Events():
			if ev.Msg != nil {
				u.printMsg(*ev.Msg)
				continue
			}
			u.printf("* peer %s is %s", ev.Peer.ShortLogID(), ev.State)

		case line := <-lines:
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if line[0] == leader {
				u.handleCommand(cancel, line)
				continue
			}
			u.mgr.Broadcast([]byte(line))
		}
	}
}
