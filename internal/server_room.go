package internal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"roomchat/internal/storage"
)

// setupState tracks where a session is in joining a room.
type setupState int

const (
	stateAwaitingRoomChoice setupState = iota
	stateGlobalResolving
	statePrivateResolving
	stateReplayingHistory
	stateReady
)

func (s setupState) String() string {
	switch s {
	case stateAwaitingRoomChoice:
		return "awaiting_room_choice"
	case stateGlobalResolving:
		return "global_resolving"
	case statePrivateResolving:
		return "private_resolving"
	case stateReplayingHistory:
		return "replaying_history"
	case stateReady:
		return "ready"
	default:
		return fmt.Sprintf("setupState(%d)", int(s))
	}
}

// setupRoom walks the session from CHOOSE_ROOM to a registered member of a
// room. Bad choices re-prompt; only connection and store failures return.
func (srv *Server) setupRoom(ctx context.Context, sess *Session) error {
	sess.state = stateAwaitingRoomChoice
	for {
		if err := sess.Send(ControlChooseRoom); err != nil {
			return err
		}
		frame, err := sess.readFrame()
		if err != nil {
			return err
		}
		choice, err := parseSetupRequest(frame, srv.now())
		if err != nil {
			var protoErr *ProtocolError
			if !errors.As(err, &protoErr) {
				return err
			}
			sess.log.Debug().Err(err).Msg("rejected room choice")
			if err := sess.Send(FormatSystem(protoErr.Error())); err != nil {
				return err
			}
			continue
		}

		since, err := srv.resolveRoom(ctx, sess, choice)
		if errors.Is(err, errKindMismatch) {
			msg := fmt.Sprintf("'%s' is not a %s room", choice.room, choice.kind)
			if err := sess.Send(FormatSystem(msg)); err != nil {
				return err
			}
			sess.state = stateAwaitingRoomChoice
			continue
		}
		if err != nil {
			return err
		}

		sess.state = stateReplayingHistory
		if err := srv.replayHistory(ctx, sess, choice.room, since); err != nil {
			return err
		}

		sess.kind = choice.kind
		sess.room = choice.room
		srv.hub.Register(sess, choice.room)
		sess.state = stateReady
		sess.log.Info().
			Str("user", sess.username).
			Str("room", choice.room).
			Str("kind", string(choice.kind)).
			Msg("joined room")
		srv.hub.Broadcast(choice.room, FormatSystem(fmt.Sprintf("%s joined '%s' group", sess.username, choice.room)))
		return nil
	}
}

var errKindMismatch = errors.New("room kind mismatch")

// resolveRoom makes sure the room exists and, for private rooms, returns the
// user's join checkpoint. A nil time means the whole log is visible.
func (srv *Server) resolveRoom(ctx context.Context, sess *Session, choice roomChoice) (*time.Time, error) {
	if choice.kind == storage.RoomGlobal {
		sess.state = stateGlobalResolving
	} else {
		sess.state = statePrivateResolving
	}
	stored, err := srv.store.EnsureRoom(ctx, choice.room, choice.kind)
	if err != nil {
		return nil, err
	}
	if stored != choice.kind {
		return nil, errKindMismatch
	}
	if choice.kind == storage.RoomGlobal {
		return nil, nil
	}
	checkpoint, err := srv.store.GetOrCreateCheckpoint(ctx, sess.username, choice.room, choice.joinedAt)
	if err != nil {
		return nil, err
	}
	return &checkpoint, nil
}

func (srv *Server) replayHistory(ctx context.Context, sess *Session, room string, since *time.Time) error {
	history, err := srv.store.ReplayHistory(ctx, room, since)
	if err != nil {
		return err
	}
	sent := 0
	for msg, err := range history {
		if err != nil {
			return err
		}
		frame := FormatChat(msg.Timestamp, msg.Sender, msg.Text)
		if len(frame) > MaxFrameSize {
			// written before the length check existed; no client could decode it
			sess.log.Warn().Int64("message_id", msg.ID).Str("room", room).Msg("skipping oversized history row")
			continue
		}
		if err := sess.Send(frame); err != nil {
			return err
		}
		sent++
	}
	if sent == 0 {
		if err := sess.Send(FormatSystem(noHistoryText)); err != nil {
			return err
		}
	}
	return sess.Send(ControlEndOfHistory)
}

// leaveRoom is a no-op for a session that never finished setup.
func (srv *Server) leaveRoom(sess *Session) {
	if sess.state != stateReady || sess.room == "" {
		return
	}
	room := sess.room
	srv.hub.Unregister(sess, room)
	sess.room = ""
	sess.kind = ""
	sess.state = stateAwaitingRoomChoice
	srv.hub.Broadcast(room, FormatSystem(fmt.Sprintf("%s disconnected from '%s'", sess.username, room)))
}
