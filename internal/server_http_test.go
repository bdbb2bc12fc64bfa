package internal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomchat/internal/storage"
)

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("database is locked") }

func startHTTP(t *testing.T, srv *Server, db Pinger, metrics *Metrics) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ts := httptest.NewServer(NewRouter(ctx, srv, db, metrics, zerolog.Nop()))
	t.Cleanup(ts.Close)
	t.Cleanup(cancel)
	return ts
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestRoomExistsEndpoint(t *testing.T) {
	store := newTestStore(t)
	srv := newTestServer(store, Options{})
	ts := startHTTP(t, srv, store, nil)

	var body map[string]string
	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/exists", &body))
	assert.Equal(t, "missing room", body["error"])

	info, err := RoomInfo(context.Background(), ts.URL, "team")
	require.NoError(t, err)
	assert.Nil(t, info)

	_, err = store.EnsureRoom(context.Background(), "team", storage.RoomPrivate)
	require.NoError(t, err)
	info, err = RoomInfo(context.Background(), ts.URL, "team")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, RoomStatus{Room: "team", Members: 0, Stored: true}, *info)
}

func TestRoomExistsCountsLiveMembers(t *testing.T) {
	store := newTestStore(t)
	srv := newTestServer(store, Options{})
	addr := serveChat(t, srv)
	ts := startHTTP(t, srv, store, nil)

	joinAs(t, addr, "alice", privateRoom("ops"))
	info, err := RoomInfo(context.Background(), ts.URL+"/", "ops")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, 1, info.Members)
	assert.True(t, info.Stored)
}

func TestHealthEndpoint(t *testing.T) {
	store := newTestStore(t)
	srv := newTestServer(store, Options{})

	var health healthResponse
	ts := startHTTP(t, srv, store, nil)
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/healthz", &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, Version, health.Version)

	degraded := startHTTP(t, srv, failingPinger{}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, degraded.URL+"/healthz", &health))
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "fail", health.Database)
}

func TestMetricsEndpoint(t *testing.T) {
	store := newTestStore(t)
	metrics := NewMetrics()
	srv := newTestServer(store, Options{Metrics: metrics})
	addr := serveChat(t, srv)
	ts := startHTTP(t, srv, store, metrics)

	alice, _ := joinAs(t, addr, "alice", globalRoom)
	require.NoError(t, alice.Send("counted"))
	nextFrame(t, alice)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(raw)
	assert.Contains(t, text, "roomchat_messages_total 1")
	assert.Contains(t, text, "roomchat_active_connections 1")
	assert.Contains(t, text, "roomchat_online_users 1")
}

func TestWebSocketGatewayJoinsSameRooms(t *testing.T) {
	store := newTestStore(t)
	srv := newTestServer(store, Options{})
	addr := serveChat(t, srv)
	ts := startHTTP(t, srv, store, nil)

	alice, _ := joinAs(t, addr, "alice", globalRoom)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/join"
	carol, err := DialChatWS(context.Background(), wsURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = carol.Close() })

	history, err := carol.Join("carol", globalRoom)
	require.NoError(t, err)
	assert.Equal(t, []string{FormatSystem(noHistoryText)}, history)
	assert.Equal(t, FormatSystem("carol joined 'GLOBAL' group"), nextFrame(t, carol))
	assert.Equal(t, FormatSystem("carol joined 'GLOBAL' group"), nextFrame(t, alice))

	require.NoError(t, carol.Send("over websocket"))
	got := nextFrame(t, alice)
	assert.Contains(t, got, "[carol]: over websocket")
	assert.Equal(t, got, nextFrame(t, carol))

	require.NoError(t, alice.Send("over tcp"))
	assert.Contains(t, nextFrame(t, carol), "[alice]: over tcp")

	require.NoError(t, carol.Quit())
	assert.Equal(t, FormatSystem("carol disconnected from 'GLOBAL'"), nextFrame(t, alice))
}
