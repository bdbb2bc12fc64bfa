package internal

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"roomchat/internal/storage"
)

// Control frames and live commands of the chat protocol.
const (
	ControlChooseRoom   = "CHOOSE_ROOM"
	ControlEndOfHistory = "END_OF_HISTORY"

	CommandSwitch = "/switch"
	CommandQuit   = "/quit"

	// DisplayTimeLayout is how timestamps appear inside chat frames.
	DisplayTimeLayout = "2006-01-02 15:04:05"

	systemPrefix  = "[SYSTEM]: "
	noHistoryText = "No messages in this chat yet ..."
)

// SetupRequest is the room-setup payload a client sends after CHOOSE_ROOM.
type SetupRequest struct {
	RoomType      string `json:"room_type"`
	GroupName     string `json:"group_name,omitempty"`
	JoinTimestamp string `json:"join_timestamp,omitempty"`
}

// roomChoice is a validated SetupRequest.
type roomChoice struct {
	kind     storage.RoomKind
	room     string
	joinedAt time.Time
}

// FormatChat renders one chat message the way history and live frames show it.
func FormatChat(ts time.Time, sender, text string) string {
	return fmt.Sprintf("[%s] [%s]: %s", ts.Local().Format(DisplayTimeLayout), sender, text)
}

// FormatSystem renders a server announcement.
func FormatSystem(text string) string {
	return systemPrefix + text
}

// IsSystemFrame reports whether a frame is a server announcement.
func IsSystemFrame(frame string) bool {
	return strings.HasPrefix(frame, systemPrefix)
}

// parseSetupRequest accepts the JSON payload, or the token form used from
// line-oriented tools: "GLOBAL", "PRIVATE <group> [RFC3339 timestamp]".
// Anything it cannot make sense of is a *ProtocolError so the caller re-prompts.
func parseSetupRequest(frame string, now time.Time) (roomChoice, error) {
	frame = strings.TrimSpace(frame)
	var req SetupRequest
	if strings.HasPrefix(frame, "{") {
		if err := json.Unmarshal([]byte(frame), &req); err != nil {
			return roomChoice{}, &ProtocolError{Token: frame, Err: fmt.Errorf("%w: %v", ErrUnknownRoomKind, err)}
		}
	} else {
		fields := strings.Fields(frame)
		if len(fields) > 0 {
			req.RoomType = fields[0]
		}
		if len(fields) > 1 {
			req.GroupName = fields[1]
		}
		if len(fields) > 2 {
			req.JoinTimestamp = fields[2]
		}
	}

	switch storage.RoomKind(strings.ToUpper(strings.TrimSpace(req.RoomType))) {
	case storage.RoomGlobal:
		return roomChoice{kind: storage.RoomGlobal, room: string(storage.RoomGlobal), joinedAt: now}, nil
	case storage.RoomPrivate:
		group := strings.TrimSpace(req.GroupName)
		if group == "" {
			return roomChoice{}, &ProtocolError{Token: frame, Err: ErrMissingGroupName}
		}
		if strings.EqualFold(group, string(storage.RoomGlobal)) {
			return roomChoice{}, &ProtocolError{Token: group, Err: fmt.Errorf("%w: group name is reserved", ErrUnknownRoomKind)}
		}
		joinedAt := now
		if req.JoinTimestamp != "" {
			parsed, err := parseClientTimestamp(req.JoinTimestamp)
			if err != nil {
				return roomChoice{}, &ProtocolError{Token: req.JoinTimestamp, Err: err}
			}
			joinedAt = parsed
		}
		return roomChoice{kind: storage.RoomPrivate, room: group, joinedAt: joinedAt}, nil
	default:
		return roomChoice{}, &ProtocolError{Token: req.RoomType, Err: ErrUnknownRoomKind}
	}
}

func parseClientTimestamp(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	ts, err := time.ParseInLocation(DisplayTimeLayout, value, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid join timestamp: %w", err)
	}
	return ts, nil
}

// cleanFrame drops the carriage return telnet-style clients put before the delimiter.
func cleanFrame(frame string) string {
	return strings.TrimSuffix(frame, "\r")
}
