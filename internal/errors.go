package internal

import (
	"errors"
	"fmt"
)

var (
	// ErrDelimiterInFrame is returned when outbound text contains the frame delimiter.
	ErrDelimiterInFrame = errors.New("frame text contains delimiter")
	// ErrFrameTooLarge is returned when an inbound frame grows past the decoder limit.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	// ErrUnknownRoomKind is returned for a room-setup payload naming an unknown room type.
	ErrUnknownRoomKind = errors.New("unknown room type")
	// ErrMissingGroupName is returned when a PRIVATE setup payload has no group name.
	ErrMissingGroupName = errors.New("private room requires a group name")
	// ErrUnknownCommand is returned for an unrecognized file service command.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrSizeExceeded is returned when an upload grows past the configured maximum.
	ErrSizeExceeded = errors.New("file exceeds maximum size")
	// ErrShortUpload is returned when the peer stops sending before the declared size.
	ErrShortUpload = errors.New("upload ended before declared size")
	// ErrInvalidFilename is returned when an upload names nothing usable.
	ErrInvalidFilename = errors.New("invalid filename")
	// ErrCopyDisabled is returned for a dst_path download when no copy root is configured.
	ErrCopyDisabled = errors.New("server-side copy disabled")
	// ErrOutsideCopyRoot is returned when a dst_path resolves outside the copy root.
	ErrOutsideCopyRoot = errors.New("destination outside copy root")
)

// ConnectionError wraps a socket read or write failure. It ends the session
// it happened on and nothing else.
type ConnectionError struct {
	Op string
	// Incomplete is set when a partial frame was buffered at the time of the
	// failure; that partial frame is discarded.
	Incomplete bool
	Err        error
}

func (e *ConnectionError) Error() string {
	if e.Incomplete {
		return fmt.Sprintf("connection %s: %v (partial frame discarded)", e.Op, e.Err)
	}
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports a frame the peer was not allowed to send at that point.
type ProtocolError struct {
	Token string
	Err   error
}

func (e *ProtocolError) Error() string {
	if e.Token == "" {
		return fmt.Sprintf("protocol: %v", e.Err)
	}
	return fmt.Sprintf("protocol: %v: %q", e.Err, e.Token)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// UploadError is a failed upload. The client is told through a status frame.
type UploadError struct {
	Filename string
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Filename, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// DownloadError is a download that found the file but could not copy it.
type DownloadError struct {
	FileID string
	Err    error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s: %v", e.FileID, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

func isConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}
