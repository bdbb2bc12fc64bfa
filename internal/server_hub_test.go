package internal

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemSession(username string) (*Session, *memConn) {
	conn := &memConn{}
	sess := newSession(conn, 0, zerolog.Nop())
	sess.username = username
	return sess, conn
}

func TestHubRegisterIsIdempotent(t *testing.T) {
	hub := NewHub(zerolog.Nop(), nil)
	alice, _ := newMemSession("alice")

	hub.Register(alice, "GLOBAL")
	hub.Register(alice, "GLOBAL")
	assert.Len(t, hub.Members("GLOBAL"), 1)
	assert.Equal(t, 1, hub.RoomCount())

	hub.Unregister(alice, "team")
	hub.Unregister(alice, "GLOBAL")
	hub.Unregister(alice, "GLOBAL")
	assert.False(t, hub.Exists("GLOBAL"))
	assert.Zero(t, hub.RoomCount())
}

func TestHubBroadcastStaysInRoom(t *testing.T) {
	hub := NewHub(zerolog.Nop(), nil)
	alice, aliceConn := newMemSession("alice")
	bob, bobConn := newMemSession("bob")
	carol, carolConn := newMemSession("carol")
	hub.Register(alice, "GLOBAL")
	hub.Register(bob, "GLOBAL")
	hub.Register(carol, "team")

	assert.Equal(t, 2, hub.Broadcast("GLOBAL", "hello"))
	assert.Equal(t, "hello\n", aliceConn.String())
	assert.Equal(t, "hello\n", bobConn.String())
	assert.Empty(t, carolConn.String())

	assert.Zero(t, hub.Broadcast("empty", "nobody"))
	assert.Zero(t, hub.Broadcast("GLOBAL", "two\nlines"), "unencodable text is not sent")
}

func TestHubBroadcastDropsFailedRecipient(t *testing.T) {
	metrics := NewMetrics()
	hub := NewHub(zerolog.Nop(), metrics)
	alice, aliceConn := newMemSession("alice")
	bob, bobConn := newMemSession("bob")
	hub.Register(alice, "GLOBAL")
	hub.Register(bob, "GLOBAL")

	bobConn.failures = true
	assert.Equal(t, 1, hub.Broadcast("GLOBAL", "still here"))
	assert.Equal(t, "still here\n", aliceConn.String())
	assert.True(t, bobConn.isClosed())

	members := hub.Members("GLOBAL")
	require.Len(t, members, 1)
	assert.Same(t, alice, members[0])
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.broadcastFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.activeRooms))
}

func TestHubMembersIsASnapshot(t *testing.T) {
	hub := NewHub(zerolog.Nop(), nil)
	alice, _ := newMemSession("alice")
	bob, _ := newMemSession("bob")
	hub.Register(alice, "GLOBAL")

	snapshot := hub.Members("GLOBAL")
	hub.Register(bob, "GLOBAL")
	assert.Len(t, snapshot, 1)
	assert.Len(t, hub.Members("GLOBAL"), 2)
}
