package server

import (
	"net"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPipeConn(t *testing.T) *SafeConn {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return NewSafeConn(server)
}

func newTestSessionManager() *SessionManager {
	sm := NewSessionManager()
	sm.SetMetrics(NewMetrics(prometheus.NewRegistry()))
	return sm
}

func TestRegisterAndLookup(t *testing.T) {
	sm := newTestSessionManager()

	sess, ok := sm.Register("alice", newPipeConn(t), "127.0.0.1:1")
	require.True(t, ok)
	assert.Equal(t, "alice", sess.Username)

	got, online := sm.Get("alice")
	require.True(t, online)
	assert.Same(t, sess, got)

	_, online = sm.Get("bob")
	assert.False(t, online)
	assert.Equal(t, 1, sm.Count())
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	sm := newTestSessionManager()

	_, ok := sm.Register("alice", newPipeConn(t), "127.0.0.1:1")
	require.True(t, ok)

	dup, ok := sm.Register("alice", newPipeConn(t), "127.0.0.1:2")
	assert.False(t, ok)
	assert.Nil(t, dup)
	assert.Equal(t, 1, sm.Count())
}

func TestConcurrentRegisterSameUsernameHasOneWinner(t *testing.T) {
	sm := newTestSessionManager()

	const attempts = 16
	var wg sync.WaitGroup
	results := make([]bool, attempts)
	for i := 0; i < attempts; i++ {
		conn := newPipeConn(t)
		wg.Add(1)
		go func(i int, conn *SafeConn) {
			defer wg.Done()
			_, results[i] = sm.Register("alice", conn, "127.0.0.1:1")
		}(i, conn)
	}
	wg.Wait()

	winners := 0
	for _, ok := range results {
		if ok {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, sm.Count())
}

func TestUnregisterIsIdempotentAndExact(t *testing.T) {
	sm := newTestSessionManager()

	sess, ok := sm.Register("alice", newPipeConn(t), "127.0.0.1:1")
	require.True(t, ok)

	assert.True(t, sm.Unregister(sess))
	assert.False(t, sm.Unregister(sess), "second unregister must be a no-op")

	// A new session reclaiming the username must not be evicted by a
	// stale unregister of the old one.
	fresh, ok := sm.Register("alice", newPipeConn(t), "127.0.0.1:2")
	require.True(t, ok)
	assert.False(t, sm.Unregister(sess))
	_, online := sm.Get("alice")
	assert.True(t, online)
	assert.True(t, sm.Unregister(fresh))
}

func TestUsernamesSortedCaseInsensitively(t *testing.T) {
	sm := newTestSessionManager()

	for _, name := range []string{"zoe", "Alice", "bob"} {
		_, ok := sm.Register(name, newPipeConn(t), "127.0.0.1:1")
		require.True(t, ok)
	}

	assert.Equal(t, []string{"Alice", "bob", "zoe"}, sm.Usernames())
}

func TestSnapshotReflectsRegistrations(t *testing.T) {
	sm := newTestSessionManager()

	a, _ := sm.Register("alice", newPipeConn(t), "127.0.0.1:1")
	b, _ := sm.Register("bob", newPipeConn(t), "127.0.0.1:2")

	snap := sm.Snapshot()
	assert.ElementsMatch(t, []*Session{a, b}, snap)

	sm.Unregister(a)
	assert.ElementsMatch(t, []*Session{b}, sm.Snapshot())
}
