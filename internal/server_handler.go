package internal

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsStream adapts a websocket connection to the framed byte stream the chat
// session reads and writes. One websocket message carries one frame; the
// delimiter is added on the way in and dropped on the way out.
type wsStream struct {
	conn *websocket.Conn

	reader    io.Reader
	lastByte  byte
	sawBytes  bool
	needDelim bool

	closeOnce sync.Once
}

func newWSStream(conn *websocket.Conn) *wsStream {
	return &wsStream{conn: conn}
}

func (s *wsStream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if s.needDelim {
			s.needDelim = false
			p[0] = FrameDelimiter
			return 1, nil
		}
		if s.reader == nil {
			_, reader, err := s.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			s.reader, s.sawBytes = reader, false
		}
		n, err := s.reader.Read(p)
		if n > 0 {
			s.lastByte, s.sawBytes = p[n-1], true
		}
		if errors.Is(err, io.EOF) {
			s.reader = nil
			s.needDelim = !s.sawBytes || s.lastByte != FrameDelimiter
			err = nil
		}
		if n > 0 || err != nil {
			return n, err
		}
	}
}

// Write sends every complete frame in p as its own message. Trailing bytes
// without a delimiter go out as one more message.
func (s *wsStream) Write(p []byte) (int, error) {
	rest := p
	for len(rest) > 0 {
		idx := bytes.IndexByte(rest, FrameDelimiter)
		var msg []byte
		if idx < 0 {
			msg, rest = rest, nil
		} else {
			msg, rest = rest[:idx], rest[idx+1:]
		}
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return len(p) - len(rest) - len(msg), err
		}
	}
	return len(p), nil
}

func (s *wsStream) SetWriteDeadline(t time.Time) error {
	return s.conn.SetWriteDeadline(t)
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		err = s.conn.Close()
	})
	return err
}

// WebSocketHandler upgrades the request and runs a chat session over it.
// Sessions are closed when ctx is cancelled.
func (srv *Server) WebSocketHandler(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			srv.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade")
			return
		}
		conn.SetReadLimit(MaxFrameSize)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})

		stream := newWSStream(conn)
		stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
		defer stop()

		done := make(chan struct{})
		go keepAlive(conn, done)
		defer close(done)

		srv.HandleConn(ctx, stream, r.RemoteAddr)
	}
}

// keepAlive pings until done is closed or a ping cannot be written.
func keepAlive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
