package internal

import (
	"context"
	"errors"
	"io"
	"iter"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"roomchat/internal/storage"
)

const (
	defaultWriteTimeout  = 10 * time.Second
	defaultMessageWindow = 3 * time.Second

	rateLimitNotice = "You're sending messages too quickly. Please wait a moment and try again."
	persistNotice   = "Message was not saved and has not been delivered. Please try again."
	tooLongNotice   = "Message is too long and has not been delivered."
)

// HistoryStore is the part of the SQLite store the chat server needs.
type HistoryStore interface {
	EnsureUser(ctx context.Context, username string) (int64, error)
	EnsureRoom(ctx context.Context, name string, kind storage.RoomKind) (storage.RoomKind, error)
	RoomExists(ctx context.Context, name string) (bool, error)
	AppendMessage(ctx context.Context, text, sender, room string, ts time.Time) (*storage.Message, error)
	ReplayHistory(ctx context.Context, room string, since *time.Time) (iter.Seq2[storage.Message, error], error)
	GetOrCreateCheckpoint(ctx context.Context, user, room string, proposed time.Time) (time.Time, error)
}

// Options tunes a Server. A MessageBurst of zero or less turns rate limiting
// off; a negative WriteTimeout disables write deadlines.
type Options struct {
	WriteTimeout  time.Duration
	MessageBurst  int
	MessageWindow time.Duration
	Logger        zerolog.Logger
	Metrics       *Metrics
}

// Server runs the chat protocol over any stream connection.
type Server struct {
	store    HistoryStore
	hub      *Hub
	metrics  *Metrics
	presence *PresenceTracker
	limiter  *RateLimiter
	log      zerolog.Logger
	opts     Options
	now      func() time.Time
	conns    connTracker
}

func NewServer(store HistoryStore, opts Options) *Server {
	switch {
	case opts.WriteTimeout == 0:
		opts.WriteTimeout = defaultWriteTimeout
	case opts.WriteTimeout < 0:
		opts.WriteTimeout = 0
	}
	if opts.MessageWindow <= 0 {
		opts.MessageWindow = defaultMessageWindow
	}
	logger := opts.Logger.With().Str("component", "chat").Logger()
	return &Server{
		store:    store,
		hub:      NewHub(logger, opts.Metrics),
		metrics:  opts.Metrics,
		presence: NewPresenceTracker(),
		limiter:  NewRateLimiter(opts.MessageBurst, opts.MessageWindow),
		log:      logger,
		opts:     opts,
		now:      time.Now,
	}
}

// Hub exposes the session registry, used by the HTTP side to answer room queries.
func (srv *Server) Hub() *Hub { return srv.hub }

// Presence exposes per-user session counts.
func (srv *Server) Presence() *PresenceTracker { return srv.presence }

// Serve accepts connections until ctx is cancelled, then closes the listener
// and every open connection and waits for their handlers.
func (srv *Server) Serve(ctx context.Context, ln net.Listener) error {
	return srv.conns.serve(ctx, ln, srv.log, func(conn net.Conn) {
		srv.HandleConn(ctx, conn, conn.RemoteAddr().String())
	})
}

// HandleConn runs one chat session to completion. It closes rwc on return.
func (srv *Server) HandleConn(ctx context.Context, rwc io.ReadWriteCloser, remote string) {
	sess := newSession(rwc, srv.opts.WriteTimeout, srv.log.With().Str("remote", remote).Logger())
	srv.metrics.IncConn()
	defer srv.metrics.DecConn()
	defer sess.Close()

	username, err := srv.handshake(ctx, sess)
	if err != nil {
		srv.logSessionEnd(sess, err)
		return
	}
	sess.username = username
	sess.log = sess.log.With().Str("user", username).Logger()
	srv.presence.Increment(username)
	srv.metrics.SetOnlineUsers(srv.presence.ActiveCount())
	defer func() {
		srv.leaveRoom(sess)
		if srv.presence.Decrement(username) == 0 {
			srv.limiter.Forget(username)
		}
		srv.metrics.SetOnlineUsers(srv.presence.ActiveCount())
	}()

	if err := srv.setupRoom(ctx, sess); err != nil {
		srv.logSessionEnd(sess, err)
		return
	}
	srv.logSessionEnd(sess, srv.liveLoop(ctx, sess))
}

// handshake reads the username frame. Blank names are asked for again.
func (srv *Server) handshake(ctx context.Context, sess *Session) (string, error) {
	for {
		frame, err := sess.readFrame()
		if err != nil {
			return "", err
		}
		username := strings.TrimSpace(frame)
		if username == "" {
			if err := sess.Send(FormatSystem("username must not be empty")); err != nil {
				return "", err
			}
			continue
		}
		if _, err := srv.store.EnsureUser(ctx, username); err != nil {
			_ = sess.Send(FormatSystem("cannot register user right now"))
			return "", err
		}
		return username, nil
	}
}

func (srv *Server) liveLoop(ctx context.Context, sess *Session) error {
	for {
		frame, err := sess.readFrame()
		if err != nil {
			return err
		}
		switch strings.TrimSpace(frame) {
		case "":
			continue
		case CommandQuit:
			return nil
		case CommandSwitch:
			srv.leaveRoom(sess)
			if err := srv.setupRoom(ctx, sess); err != nil {
				return err
			}
			continue
		}
		if err := srv.handleChat(ctx, sess, frame); err != nil {
			return err
		}
	}
}

// handleChat persists then broadcasts. A message the store refused is never
// broadcast; the sender is told instead. Text whose rendered frame would not
// fit in MaxFrameSize is refused before it reaches history.
func (srv *Server) handleChat(ctx context.Context, sess *Session, text string) error {
	if !srv.limiter.Allow(sess.username) {
		srv.metrics.IncRateLimited()
		return sess.Send(FormatSystem(rateLimitNotice))
	}
	ts := srv.now()
	if len(FormatChat(ts, sess.username, text)) > MaxFrameSize {
		sess.log.Warn().Str("room", sess.room).Int("bytes", len(text)).Msg("message too long")
		return sess.Send(FormatSystem(tooLongNotice))
	}
	msg, err := srv.store.AppendMessage(ctx, text, sess.username, sess.room, ts)
	if err != nil {
		sess.log.Error().Err(err).Str("room", sess.room).Msg("persist message")
		srv.metrics.IncPersistFailure()
		return sess.Send(FormatSystem(persistNotice))
	}
	srv.metrics.IncMessage()
	srv.hub.Broadcast(msg.Room, FormatChat(msg.Timestamp, msg.Sender, msg.Text))
	return nil
}

func (srv *Server) logSessionEnd(sess *Session, err error) {
	switch {
	case err == nil:
		sess.log.Info().Msg("session closed")
	case isConnectionError(err), errors.Is(err, context.Canceled):
		sess.log.Debug().Err(err).Msg("session ended")
	default:
		sess.log.Error().Err(err).Msg("session failed")
	}
}

// connTracker runs one goroutine per accepted connection and force-closes
// them when the listener shuts down.
type connTracker struct {
	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func (t *connTracker) serve(ctx context.Context, ln net.Listener, logger zerolog.Logger, handle func(net.Conn)) error {
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
		t.closeAll()
	})
	defer func() {
		stop()
		_ = ln.Close()
		t.closeAll()
		t.wg.Wait()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.Warn().Err(err).Msg("accept")
			return err
		}
		if !t.add(conn) {
			_ = conn.Close()
			continue
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			defer t.remove(conn)
			handle(conn)
		}()
	}
}

func (t *connTracker) add(conn net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	if t.conns == nil {
		t.conns = make(map[net.Conn]struct{})
	}
	t.conns[conn] = struct{}{}
	return true
}

func (t *connTracker) remove(conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, conn)
}

func (t *connTracker) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for conn := range t.conns {
		_ = conn.Close()
	}
}
