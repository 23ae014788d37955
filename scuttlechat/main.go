package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/clevinson/scuttle-chat/chatlog"
	"github.com/clevinson/scuttle-chat/discovery"
	"github.com/clevinson/scuttle-chat/identity"
	"github.com/clevinson/scuttle-chat/peermgr"
	"golang.org/x/sync/errgroup"
)

func _main() error {
	// flags and settings
	cfg, err := ObtainSettings()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wait for termination signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigs
		cancel()
	}()

	bknd, err := newLogBackend(cfg.LogFile, cfg.DebugLevel, cfg.MaxLogFiles)
	if err != nil {
		return err
	}
	defer bknd.close()
	log := bknd.logger("SCTL")

	if err := os.MkdirAll(cfg.Root, 0700); err != nil {
		return err
	}
	local, err := identity.LoadOrCreate(filepath.Join(cfg.Root,
		identityFilename), cfg.Nick)
	if err != nil {
		return err
	}
	log.Infof("Local identity %s (%q)", local.Public.Key.FeedID(),
		local.Public.Nick)

	clog, err := chatlog.New(cfg.ChatLog, bknd.logger("CLOG"))
	if err != nil {
		return err
	}

	mgr, err := peermgr.New(peermgr.Config{
		Local:            local,
		NetworkKey:       cfg.NetworkKey,
		ListenAddr:       cfg.Listen,
		ChatLog:          clog,
		Logger:           bknd.logger,
		HandshakeTimeout: cfg.HandshakeTimeout,
		BackoffBase:      cfg.BackoffBase,
		BackoffCap:       cfg.BackoffCap,
		MaxSessions:      cfg.MaxSessions,
	})
	if err != nil {
		return err
	}
	log.Infof("Handshake listener on %s", mgr.ListenAddr())

	disc, err := discovery.New(discovery.Config{
		LocalKey:     local.Public.Key,
		AnnounceAddr: mgr.ListenAddr(),
		Port:         cfg.DiscoveryPort,
		Interval:     cfg.AnnounceInterval,
		StaleTimeout: cfg.StaleTimeout,
		Log:          bknd.logger("DISC"),
	})
	if err != nil {
		return err
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return mgr.Run(gctx) })
	eg.Go(func() error { return disc.Run(gctx) })

	// Feed dialable discovery candidates to the session manager.
	eg.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case ann := <-disc.Announcements():
				if ann.Protocol != discovery.ProtocolNet {
					continue
				}
				mgr.AddPeer(ann.Public, ann.Addr)
			}
		}
	})

	frontend := &ui{
		local: local,
		mgr:   mgr,
		clog:  clog,
		log:   log,
		out:   os.Stdout,
	}
	eg.Go(func() error { return frontend.run(gctx, cancel) })

	err = eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
