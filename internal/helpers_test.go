package internal

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"roomchat/internal/storage"
)

const testTimeout = 5 * time.Second

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func newTestServer(store HistoryStore, opts Options) *Server {
	opts.Logger = zerolog.Nop()
	return NewServer(store, opts)
}

func listenLoopback(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

// serveChat runs srv on a loopback listener until the test ends.
func serveChat(t *testing.T, srv *Server) string {
	t.Helper()
	ln := listenLoopback(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

func dialChat(t *testing.T, addr string) *ChatConn {
	t.Helper()
	conn, err := DialChat(context.Background(), addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	if nc, ok := conn.conn.(net.Conn); ok {
		require.NoError(t, nc.SetReadDeadline(time.Now().Add(testTimeout)))
	}
	return conn
}

func joinAs(t *testing.T, addr, username string, req SetupRequest) (*ChatConn, []string) {
	t.Helper()
	conn := dialChat(t, addr)
	history, err := conn.Join(username, req)
	require.NoError(t, err)
	require.Equal(t, FormatSystem(username+" joined '"+roomName(req)+"' group"), nextFrame(t, conn))
	return conn, history
}

func roomName(req SetupRequest) string {
	if req.RoomType == string(storage.RoomGlobal) {
		return req.RoomType
	}
	return req.GroupName
}

func nextFrame(t *testing.T, conn *ChatConn) string {
	t.Helper()
	frame, err := conn.Next()
	require.NoError(t, err)
	return frame
}

var globalRoom = SetupRequest{RoomType: "GLOBAL"}

func privateRoom(group string) SetupRequest {
	return SetupRequest{RoomType: "PRIVATE", GroupName: group}
}

// stepClock hands out strictly increasing times so message order and
// checkpoints do not depend on wall clock resolution.
type stepClock struct {
	mu   sync.Mutex
	next time.Time
}

func newStepClock() *stepClock {
	return &stepClock{next: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.next
	c.next = c.next.Add(time.Second)
	return now
}

// memConn is an in-memory connection for hub tests; writes can be made to fail.
type memConn struct {
	mu       sync.Mutex
	written  []byte
	failures bool
	closed   bool
}

func (c *memConn) Read([]byte) (int, error) { return 0, net.ErrClosed }

func (c *memConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures || c.closed {
		return 0, net.ErrClosed
	}
	c.written = append(c.written, p...)
	return len(p), nil
}

func (c *memConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *memConn) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.written)
}

func (c *memConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
