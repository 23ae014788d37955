// Copyright (c) 2019-2020 The scuttle-chat developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chatlog stores the append-only, identity-keyed message history.
// The log outlives any single connection: sessions come and go, history for
// an identity is continuous.
package chatlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/clevinson/scuttle-chat/identity"
	"github.com/decred/slog"
)

// Message is one chat message. Immutable once created. Time is the local
// receipt (or send) timestamp and provides the total order across sessions;
// sender-claimed timestamps are never used for ordering.
type Message struct {
	From    identity.PublicKey `json:"from"`
	Mine    bool               `json:"mine,omitempty"`
	Time    time.Time          `json:"time"`
	Payload []byte             `json:"payload"`
}

// Log is a file-backed append-only message store, one file per identity,
// one json document per line. Appends are fsynced before returning.
type Log struct {
	root string
	log  slog.Logger

	mtx sync.Mutex
}

// New creates the log rooted at dir, creating it if needed.
func New(dir string, log slog.Logger) (*Log, error) {
	if log == nil {
		log = slog.Disabled
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("could not create chatlog root: %w", err)
	}
	return &Log{root: dir, log: log}, nil
}

func (l *Log) filename(id identity.PublicKey) string {
	return filepath.Join(l.root, id.String()+".log")
}

// Append appends m to the history of the given identity.
func (l *Log) Append(id identity.PublicKey, m Message) error {
	blob, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("could not marshal message: %w", err)
	}

	l.mtx.Lock()
	defer l.mtx.Unlock()

	f, err := os.OpenFile(l.filename(id),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(blob, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("could not write message: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("unable to fsync message: %w", err)
	}
	return f.Close()
}

// Replayer iterates messages in append order, ending at whatever the log
// tail was when the replay started.
type Replayer struct {
	f       *os.File
	scanner *bufio.Scanner
	err     error
}

// Next returns the next message, or false once the replay is exhausted or
// errored. Check Err after a false return.
func (r *Replayer) Next() (Message, bool) {
	if r.scanner == nil || !r.scanner.Scan() {
		if r.scanner != nil {
			r.err = r.scanner.Err()
		}
		return Message{}, false
	}
	var m Message
	if err := json.Unmarshal(r.scanner.Bytes(), &m); err != nil {
		r.err = fmt.Errorf("corrupt chatlog entry: %w", err)
		return Message{}, false
	}
	return m, true
}

// Err returns the error that terminated the replay, if any.
func (r *Replayer) Err() error {
	return r.err
}

// Close releases the underlying file. Safe on an empty replayer.
func (r *Replayer) Close() error {
	if r.f == nil {
		return nil
	}
	return r.f.Close()
}

// Replay starts a replay of the history for one identity. A missing history
// is an empty replay, not an error. Replays are restartable: each call
// starts from the beginning.
func (l *Log) Replay(id identity.PublicKey) (*Replayer, error) {
	f, err := os.Open(l.filename(id))
	if os.IsNotExist(err) {
		return &Replayer{}, nil
	}
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	return &Replayer{f: f, scanner: sc}, nil
}

// ReplayAll returns every stored message across all identities, ordered by
// local receipt time.
func (l *Log) ReplayAll() ([]Message, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, err
	}

	var all []Message
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".log" {
			continue
		}
		var id identity.PublicKey
		if err := id.FromString(e.Name()[:len(e.Name())-len(".log")]); err != nil {
			l.log.Warnf("Unable to identify chatlog file %s: %v",
				e.Name(), err)
			continue
		}
		r, err := l.Replay(id)
		if err != nil {
			return nil, err
		}
		for m, ok := r.Next(); ok; m, ok = r.Next() {
			all = append(all, m)
		}
		err = r.Err()
		r.Close()
		if err != nil {
			return nil, err
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Time.Before(all[j].Time)
	})
	return all, nil
}
