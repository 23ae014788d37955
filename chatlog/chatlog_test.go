// Copyright (c) 2019-2020 The scuttle-chat developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chatlog

import (
	"fmt"
	"testing"
	"time"

	"github.com/clevinson/scuttle-chat/identity"
	"github.com/stretchr/testify/require"
)

func TestAppendReplay(t *testing.T) {
	l, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	alice := identity.MustNew("alice")
	base := time.Now().Truncate(time.Millisecond)

	const n = 10
	for i := 0; i < n; i++ {
		err := l.Append(alice.Public.Key, Message{
			From:    alice.Public.Key,
			Time:    base.Add(time.Duration(i) * time.Second),
			Payload: []byte(fmt.Sprintf("msg %d", i)),
		})
		require.NoError(t, err)
	}

	r, err := l.Replay(alice.Public.Key)
	require.NoError(t, err)
	defer r.Close()

	for i := 0; i < n; i++ {
		m, ok := r.Next()
		require.True(t, ok, "replay ended early at %d", i)
		require.Equal(t, []byte(fmt.Sprintf("msg %d", i)), m.Payload)
		require.Equal(t, alice.Public.Key, m.From)
	}
	_, ok := r.Next()
	require.False(t, ok)
	require.NoError(t, r.Err())
}

func TestReplayMissingIdentity(t *testing.T) {
	l, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	r, err := l.Replay(identity.MustNew("ghost").Public.Key)
	require.NoError(t, err)
	defer r.Close()

	_, ok := r.Next()
	require.False(t, ok)
	require.NoError(t, r.Err())
}

func TestReplayRestartable(t *testing.T) {
	l, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	alice := identity.MustNew("alice")
	require.NoError(t, l.Append(alice.Public.Key, Message{
		From: alice.Public.Key, Time: time.Now(), Payload: []byte("hello"),
	}))

	for i := 0; i < 2; i++ {
		r, err := l.Replay(alice.Public.Key)
		require.NoError(t, err)
		m, ok := r.Next()
		require.True(t, ok)
		require.Equal(t, []byte("hello"), m.Payload)
		r.Close()
	}
}

func TestReplayAllOrdering(t *testing.T) {
	l, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	alice := identity.MustNew("alice")
	bob := identity.MustNew("bob")
	base := time.Now().Truncate(time.Millisecond)

	// Interleave receipt times across the two identities.
	require.NoError(t, l.Append(alice.Public.Key, Message{
		From: alice.Public.Key, Time: base, Payload: []byte("a0")}))
	require.NoError(t, l.Append(bob.Public.Key, Message{
		From: bob.Public.Key, Time: base.Add(time.Second), Payload: []byte("b0")}))
	require.NoError(t, l.Append(alice.Public.Key, Message{
		From: alice.Public.Key, Time: base.Add(2 * time.Second), Payload: []byte("a1")}))

	all, err := l.ReplayAll()
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, []byte("a0"), all[0].Payload)
	require.Equal(t, []byte("b0"), all[1].Payload)
	require.Equal(t, []byte("a1"), all[2].Payload)
}
