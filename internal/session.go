package internal

import (
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"roomchat/internal/storage"
)

// Session is one connected chat client. Its handler goroutine owns it; the
// Hub only keeps references for broadcast.
type Session struct {
	id      string
	conn    io.ReadWriteCloser
	decoder *Decoder
	log     zerolog.Logger

	// touched only by the owning handler goroutine
	username string
	kind     storage.RoomKind
	room     string
	state    setupState

	writeMutex   sync.Mutex
	writeTimeout time.Duration
	closeOnce    sync.Once
}

type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

func newSession(conn io.ReadWriteCloser, writeTimeout time.Duration, logger zerolog.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		id:           id,
		conn:         conn,
		decoder:      NewDecoder(conn),
		log:          logger.With().Str("session", id).Logger(),
		writeTimeout: writeTimeout,
		state:        stateAwaitingRoomChoice,
	}
}

// ID is a per-connection identifier used in logs.
func (s *Session) ID() string { return s.id }

// Username is empty until the handshake completed.
func (s *Session) Username() string { return s.username }

// Send writes one frame to the client.
func (s *Session) Send(text string) error {
	frame, err := EncodeFrame(text)
	if err != nil {
		return err
	}
	return s.writeFrame(frame)
}

// writeFrame is safe to call from broadcasting goroutines concurrently with
// the owner's own replies.
func (s *Session) writeFrame(frame []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if s.writeTimeout > 0 {
		if dw, ok := s.conn.(deadlineWriter); ok {
			_ = dw.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		}
	}
	if _, err := s.conn.Write(frame); err != nil {
		return &ConnectionError{Op: "write", Err: err}
	}
	return nil
}

// readFrame returns the next frame without a trailing carriage return.
func (s *Session) readFrame() (string, error) {
	frame, err := s.decoder.Next()
	if err != nil {
		return "", err
	}
	return cleanFrame(frame), nil
}

// Close is idempotent; a broadcaster and the owner may both call it.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}
