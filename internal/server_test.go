package internal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomchat/internal/storage"
)

func TestGlobalRoomBroadcastsToEveryMember(t *testing.T) {
	store := newTestStore(t)
	srv := newTestServer(store, Options{})
	clock := newStepClock()
	srv.now = clock.Now
	addr := serveChat(t, srv)

	alice, history := joinAs(t, addr, "alice", globalRoom)
	assert.Equal(t, []string{FormatSystem(noHistoryText)}, history)

	bob, _ := joinAs(t, addr, "bob", globalRoom)
	assert.Equal(t, FormatSystem("bob joined 'GLOBAL' group"), nextFrame(t, alice))

	require.NoError(t, alice.Send("hello"))
	// the sender sees its own message too
	got := nextFrame(t, alice)
	assert.Contains(t, got, "[alice]: hello")
	assert.Equal(t, got, nextFrame(t, bob))

	require.NoError(t, bob.Quit())
	assert.Equal(t, FormatSystem("bob disconnected from 'GLOBAL'"), nextFrame(t, alice))
	require.Eventually(t, func() bool {
		return len(srv.Hub().Members("GLOBAL")) == 1 && !srv.Presence().Online("bob")
	}, testTimeout, 10*time.Millisecond)

	// a newcomer replays the full log
	carol, history := joinAs(t, addr, "carol", globalRoom)
	assert.Equal(t, []string{got}, history)
	require.NoError(t, carol.Quit())
}

func TestPrivateRoomReplaysFromFirstJoin(t *testing.T) {
	store := newTestStore(t)
	srv := newTestServer(store, Options{})
	clock := newStepClock()
	srv.now = clock.Now
	addr := serveChat(t, srv)

	alice, history := joinAs(t, addr, "alice", privateRoom("team"))
	assert.Equal(t, []string{FormatSystem(noHistoryText)}, history)
	require.NoError(t, alice.Send("before bob"))
	first := nextFrame(t, alice)

	bob, history := joinAs(t, addr, "bob", privateRoom("team"))
	assert.Equal(t, []string{FormatSystem(noHistoryText)}, history, "bob joined after the first message")
	assert.Equal(t, FormatSystem("bob joined 'team' group"), nextFrame(t, alice))

	require.NoError(t, alice.Send("after bob"))
	second := nextFrame(t, alice)
	assert.Equal(t, second, nextFrame(t, bob))
	require.NoError(t, bob.Quit())
	assert.Equal(t, FormatSystem("bob disconnected from 'team'"), nextFrame(t, alice))

	// the checkpoint from bob's first visit still bounds the replay
	_, history = joinAs(t, addr, "bob", privateRoom("team"))
	assert.Equal(t, []string{second}, history)

	// a client-supplied timestamp is honoured for a first visit
	early := SetupRequest{
		RoomType:      "PRIVATE",
		GroupName:     "team",
		JoinTimestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339),
	}
	_, history = joinAs(t, addr, "carol", early)
	assert.Equal(t, []string{first, second}, history)
	assert.Contains(t, first, "[alice]: before bob")
}

func TestRoomsAreIsolatedAndSwitchAnnounces(t *testing.T) {
	store := newTestStore(t)
	srv := newTestServer(store, Options{})
	addr := serveChat(t, srv)

	alice, _ := joinAs(t, addr, "alice", globalRoom)
	bob, _ := joinAs(t, addr, "bob", globalRoom)
	assert.Equal(t, FormatSystem("bob joined 'GLOBAL' group"), nextFrame(t, alice))

	history, err := alice.Switch(privateRoom("team"))
	require.NoError(t, err)
	assert.Equal(t, []string{FormatSystem(noHistoryText)}, history)
	assert.Equal(t, FormatSystem("alice joined 'team' group"), nextFrame(t, alice))
	assert.Equal(t, FormatSystem("alice disconnected from 'GLOBAL'"), nextFrame(t, bob))

	require.NoError(t, bob.Send("anyone in global?"))
	assert.Contains(t, nextFrame(t, bob), "[bob]: anyone in global?")

	require.NoError(t, alice.Send("just me in team"))
	// nothing from GLOBAL reached alice before her own message
	assert.Contains(t, nextFrame(t, alice), "[alice]: just me in team")

	assert.ElementsMatch(t, []string{"bob"}, usernames(srv.Hub().Members("GLOBAL")))
	assert.ElementsMatch(t, []string{"alice"}, usernames(srv.Hub().Members("team")))
}

func TestRejectedRoomChoicesRePrompt(t *testing.T) {
	store := newTestStore(t)
	srv := newTestServer(store, Options{})
	addr := serveChat(t, srv)

	conn := dialChat(t, addr)
	require.NoError(t, conn.Send("   "))
	_, err := conn.Join("alice", SetupRequest{RoomType: "LOBBY"})
	var rejected *RoomRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Contains(t, rejected.Reason, ErrUnknownRoomKind.Error())

	_, err = conn.ChooseRoom(SetupRequest{RoomType: "PRIVATE"})
	require.ErrorAs(t, err, &rejected)
	assert.Contains(t, rejected.Reason, ErrMissingGroupName.Error())

	_, err = conn.ChooseRoom(privateRoom("global"))
	require.ErrorAs(t, err, &rejected)
	assert.Contains(t, rejected.Reason, "reserved")

	history, err := conn.ChooseRoom(privateRoom("team"))
	require.NoError(t, err)
	assert.Equal(t, []string{FormatSystem(noHistoryText)}, history)

	// the blank-name notice arrived before the first prompt and is kept
	assert.Equal(t, FormatSystem("username must not be empty"), nextFrame(t, conn))
	assert.Equal(t, FormatSystem("alice joined 'team' group"), nextFrame(t, conn))
}

func TestTokenSetupPayload(t *testing.T) {
	store := newTestStore(t)
	srv := newTestServer(store, Options{})
	addr := serveChat(t, srv)

	conn := dialChat(t, addr)
	require.NoError(t, conn.Send("dave"))
	assert.Equal(t, ControlChooseRoom, nextFrame(t, conn))
	require.NoError(t, conn.Send("private ops"))
	assert.Equal(t, FormatSystem(noHistoryText), nextFrame(t, conn))
	assert.Equal(t, ControlEndOfHistory, nextFrame(t, conn))
	assert.Equal(t, FormatSystem("dave joined 'ops' group"), nextFrame(t, conn))
}

func TestStoredKindMismatchRePrompts(t *testing.T) {
	store := newTestStore(t)
	_, err := store.EnsureRoom(context.Background(), "GLOBAL", storage.RoomPrivate)
	require.NoError(t, err)
	srv := newTestServer(store, Options{})
	addr := serveChat(t, srv)

	conn := dialChat(t, addr)
	_, err = conn.Join("alice", globalRoom)
	var rejected *RoomRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "'GLOBAL' is not a GLOBAL room", rejected.Reason)
	assert.False(t, srv.Hub().Exists("GLOBAL"))
}

type flakyStore struct {
	*storage.Store
	failAppend atomic.Bool
}

func (s *flakyStore) AppendMessage(ctx context.Context, text, sender, room string, ts time.Time) (*storage.Message, error) {
	if s.failAppend.Load() {
		return nil, errors.New("disk full")
	}
	return s.Store.AppendMessage(ctx, text, sender, room, ts)
}

func TestUnsavedMessageIsNotBroadcast(t *testing.T) {
	store := &flakyStore{Store: newTestStore(t)}
	metrics := NewMetrics()
	srv := newTestServer(store, Options{Metrics: metrics})
	addr := serveChat(t, srv)

	alice, _ := joinAs(t, addr, "alice", globalRoom)
	bob, _ := joinAs(t, addr, "bob", globalRoom)
	assert.Equal(t, FormatSystem("bob joined 'GLOBAL' group"), nextFrame(t, alice))

	store.failAppend.Store(true)
	require.NoError(t, alice.Send("lost"))
	assert.Equal(t, FormatSystem(persistNotice), nextFrame(t, alice))

	store.failAppend.Store(false)
	require.NoError(t, alice.Send("kept"))
	got := nextFrame(t, bob)
	assert.Contains(t, got, "[alice]: kept", "bob never saw the unsaved message")

	_, history := joinAs(t, addr, "carol", globalRoom)
	assert.Equal(t, []string{got}, history)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.persistFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.messages))
}

func TestRateLimitRefusesBursts(t *testing.T) {
	store := newTestStore(t)
	metrics := NewMetrics()
	srv := newTestServer(store, Options{MessageBurst: 2, MessageWindow: time.Minute, Metrics: metrics})
	addr := serveChat(t, srv)

	alice, _ := joinAs(t, addr, "alice", globalRoom)
	for i := range 3 {
		require.NoError(t, alice.Send(fmt.Sprintf("msg %d", i)))
	}
	assert.Contains(t, nextFrame(t, alice), "msg 0")
	assert.Contains(t, nextFrame(t, alice), "msg 1")
	assert.Equal(t, FormatSystem(rateLimitNotice), nextFrame(t, alice))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.rateLimited))
}

func TestOversizedMessageKeepsRoomReadable(t *testing.T) {
	store := newTestStore(t)
	srv := newTestServer(store, Options{})
	clock := newStepClock()
	srv.now = clock.Now
	addr := serveChat(t, srv)

	alice, _ := joinAs(t, addr, "alice", globalRoom)
	bob, _ := joinAs(t, addr, "bob", globalRoom)
	assert.Equal(t, FormatSystem("bob joined 'GLOBAL' group"), nextFrame(t, alice))

	require.NoError(t, alice.Send(strings.Repeat("a", MaxFrameSize-10)))
	assert.Equal(t, FormatSystem(tooLongNotice), nextFrame(t, alice))

	// the longest text that still renders into one frame goes through
	fits := strings.Repeat("b", MaxFrameSize-len(FormatChat(clock.Now(), "alice", "")))
	require.NoError(t, alice.Send(fits))
	got := nextFrame(t, bob)
	assert.Len(t, got, MaxFrameSize)
	assert.Equal(t, got, nextFrame(t, alice))

	_, history := joinAs(t, addr, "carol", globalRoom)
	assert.Equal(t, []string{got}, history)
}

func TestReplaySkipsRowsTooLargeToFrame(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.EnsureRoom(ctx, "GLOBAL", storage.RoomGlobal)
	require.NoError(t, err)
	_, err = store.EnsureUser(ctx, "mallory")
	require.NoError(t, err)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	_, err = store.AppendMessage(ctx, strings.Repeat("x", MaxFrameSize), "mallory", "GLOBAL", base)
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, "still readable", "mallory", "GLOBAL", base.Add(time.Second))
	require.NoError(t, err)

	srv := newTestServer(store, Options{})
	addr := serveChat(t, srv)
	_, history := joinAs(t, addr, "alice", globalRoom)
	require.Len(t, history, 1)
	assert.Contains(t, history[0], "[mallory]: still readable")
}

func TestServeClosesSessionsOnShutdown(t *testing.T) {
	store := newTestStore(t)
	srv := newTestServer(store, Options{})
	ln := listenLoopback(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	alice, _ := joinAs(t, ln.Addr().String(), "alice", globalRoom)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("Serve did not return after cancel")
	}
	_, err := alice.Next()
	var connErr *ConnectionError
	assert.ErrorAs(t, err, &connErr)
	assert.False(t, srv.Hub().Exists("GLOBAL"))
}

func usernames(sessions []*Session) []string {
	names := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		names = append(names, sess.Username())
	}
	return names
}
