package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	httpTimeout = 5 * time.Second
	dialTimeout = 5 * time.Second
)

// RoomRejectedError is returned when the server answers a room choice with
// another CHOOSE_ROOM prompt. Reason is the system message it sent first.
type RoomRejectedError struct {
	Reason string
}

func (e *RoomRejectedError) Error() string {
	if e.Reason == "" {
		return "room choice rejected"
	}
	return "room choice rejected: " + e.Reason
}

// ChatConn is the client side of the chat protocol.
type ChatConn struct {
	conn io.ReadWriteCloser
	dec  *Decoder

	writeMutex sync.Mutex

	// reader side, used by one goroutine at a time
	pending  []string
	prompted bool
}

// DialChat connects to a chat listener over TCP.
func DialChat(ctx context.Context, addr string) (*ChatConn, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewChatConn(conn), nil
}

// DialChatWS connects through the websocket gateway, e.g. ws://host:8080/join.
func DialChatWS(ctx context.Context, joinURL string) (*ChatConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, joinURL, nil)
	if err != nil {
		return nil, err
	}
	return NewChatConn(newWSStream(conn)), nil
}

func NewChatConn(rwc io.ReadWriteCloser) *ChatConn {
	return &ChatConn{conn: rwc, dec: NewDecoder(rwc)}
}

// Send writes one frame. Safe for concurrent use with Next.
func (c *ChatConn) Send(text string) error {
	frame, err := EncodeFrame(text)
	if err != nil {
		return err
	}
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	if _, err := c.conn.Write(frame); err != nil {
		return &ConnectionError{Op: "write", Err: err}
	}
	return nil
}

// Next returns the next frame from the server, including control frames.
func (c *ChatConn) Next() (string, error) {
	if len(c.pending) > 0 {
		frame := c.pending[0]
		c.pending = c.pending[1:]
		return frame, nil
	}
	return c.read()
}

func (c *ChatConn) read() (string, error) {
	frame, err := c.dec.Next()
	if err != nil {
		return "", err
	}
	frame = cleanFrame(frame)
	if frame == ControlChooseRoom {
		c.prompted = true
	}
	return frame, nil
}

// Join sends the username and enters a room. It returns the replayed history
// frames, which end with the no-history notice when the room is empty.
func (c *ChatConn) Join(username string, req SetupRequest) ([]string, error) {
	if err := c.Send(username); err != nil {
		return nil, err
	}
	return c.ChooseRoom(req)
}

// ChooseRoom answers the next CHOOSE_ROOM prompt with req and reads the replay
// up to END_OF_HISTORY. Frames that arrive before the prompt are kept for Next.
func (c *ChatConn) ChooseRoom(req SetupRequest) ([]string, error) {
	for !c.prompted {
		frame, err := c.read()
		if err != nil {
			return nil, err
		}
		if frame != ControlChooseRoom {
			c.pending = append(c.pending, frame)
		}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	c.prompted = false
	if err := c.Send(string(payload)); err != nil {
		return nil, err
	}

	var (
		history    []string
		lastSystem string
	)
	for {
		frame, err := c.read()
		if err != nil {
			return nil, err
		}
		switch {
		case frame == ControlEndOfHistory:
			return history, nil
		case frame == ControlChooseRoom:
			// prompted is set again, so a retry answers this prompt
			return nil, &RoomRejectedError{Reason: strings.TrimPrefix(lastSystem, systemPrefix)}
		case IsSystemFrame(frame):
			lastSystem = frame
		}
		history = append(history, frame)
	}
}

// Switch leaves the current room and joins the one described by req.
func (c *ChatConn) Switch(req SetupRequest) ([]string, error) {
	if err := c.Send(CommandSwitch); err != nil {
		return nil, err
	}
	return c.ChooseRoom(req)
}

// Quit tells the server the session is over and closes the connection.
func (c *ChatConn) Quit() error {
	sendErr := c.Send(CommandQuit)
	closeErr := c.Close()
	if sendErr != nil {
		return sendErr
	}
	return closeErr
}

func (c *ChatConn) Close() error {
	return c.conn.Close()
}

// TransferError is a file service reply other than SUCCEED.
type TransferError struct {
	Status TransferStatus
	Reason string
}

func (e *TransferError) Error() string {
	if e.Reason == "" {
		return "file transfer: " + string(e.Status)
	}
	return fmt.Sprintf("file transfer: %s: %s", e.Status, e.Reason)
}

// UploadResult is what a successful upload reports.
type UploadResult struct {
	FileID string
	SHA256 string
	Size   int64
}

type halfCloser interface {
	CloseWrite() error
}

// FileClient is the client side of the file protocol. Calls must not overlap.
type FileClient struct {
	conn io.ReadWriteCloser
	dec  *Decoder
}

func DialFile(ctx context.Context, addr string) (*FileClient, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewFileClient(conn), nil
}

func NewFileClient(rwc io.ReadWriteCloser) *FileClient {
	return &FileClient{conn: rwc, dec: NewDecoder(rwc)}
}

// Upload sends size bytes from r under name. A negative size streams r to EOF
// and then half-closes the connection, so the client cannot be reused after.
func (c *FileClient) Upload(name string, r io.Reader, size int64) (*UploadResult, error) {
	if err := c.command(CommandUpload, UploadRequest{Filename: name, FileSize: size}); err != nil {
		return nil, err
	}
	var (
		sent    int64
		copyErr error
	)
	if size >= 0 {
		sent, copyErr = io.CopyN(c.conn, r, size)
	} else {
		sent, copyErr = io.Copy(c.conn, r)
		if copyErr == nil {
			hc, ok := c.conn.(halfCloser)
			if !ok {
				return nil, errors.New("streaming upload needs a connection that supports half-close")
			}
			copyErr = hc.CloseWrite()
		}
	}
	// the server may have answered early (EXCEEDED) and dropped the rest, so
	// its reply wins over a local write error
	status, args, err := c.reply()
	if err != nil {
		if copyErr != nil {
			return nil, copyErr
		}
		return nil, err
	}
	if status != StatusSucceed {
		return nil, &TransferError{Status: status, Reason: strings.Join(args, " ")}
	}
	if len(args) < 2 {
		return nil, fmt.Errorf("malformed upload reply: %v", args)
	}
	return &UploadResult{FileID: args[0], SHA256: args[1], Size: sent}, nil
}

// UploadFile uploads a local file under its base name.
func (c *FileClient) UploadFile(path string) (*UploadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return c.Upload(filepath.Base(path), f, info.Size())
}

// Download asks the server to copy the file into dstDir on the server host.
// dstDir is resolved under the server's copy root.
func (c *FileClient) Download(fileID, dstDir string) error {
	if err := c.command(CommandDownload, DownloadRequest{FileID: fileID, DstPath: dstDir}); err != nil {
		return err
	}
	status, args, err := c.reply()
	if err != nil {
		return err
	}
	if status != StatusSucceed {
		return &TransferError{Status: status, Reason: strings.Join(args, " ")}
	}
	return nil
}

// Fetch streams the file's bytes back over the connection into w.
func (c *FileClient) Fetch(fileID string, w io.Writer) (int64, error) {
	if err := c.command(CommandDownload, DownloadRequest{FileID: fileID}); err != nil {
		return 0, err
	}
	status, args, err := c.reply()
	if err != nil {
		return 0, err
	}
	if string(status) != DataHeader {
		return 0, &TransferError{Status: status, Reason: strings.Join(args, " ")}
	}
	if len(args) != 1 {
		return 0, fmt.Errorf("malformed data header: %v", args)
	}
	size, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("malformed data size %q", args[0])
	}
	n, err := io.CopyN(w, c.dec, size)
	if err != nil {
		return n, err
	}
	status, args, err = c.reply()
	if err != nil {
		return n, err
	}
	if status != StatusSucceed {
		return n, &TransferError{Status: status, Reason: strings.Join(args, " ")}
	}
	return n, nil
}

// FetchToDir saves the file into dir under the name it was uploaded with and
// returns the written path.
func (c *FileClient) FetchToDir(fileID, dir string) (string, error) {
	path := filepath.Join(dir, FilenameFromID(fileID))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	_, err = c.Fetch(fileID, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

func (c *FileClient) Close() error {
	return c.conn.Close()
}

func (c *FileClient) command(command string, meta any) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := writeStatus(c.conn, command); err != nil {
		return err
	}
	return writeStatus(c.conn, string(payload))
}

func (c *FileClient) reply() (TransferStatus, []string, error) {
	frame, err := c.dec.Next()
	if err != nil {
		return "", nil, err
	}
	fields := strings.Fields(cleanFrame(frame))
	if len(fields) == 0 {
		return "", nil, errors.New("empty reply from file server")
	}
	return TransferStatus(fields[0]), fields[1:], nil
}

// FilenameFromID recovers the original filename from a "file-<uuid>-<name>" id.
func FilenameFromID(fileID string) string {
	const uuidLen = 36
	rest, ok := strings.CutPrefix(fileID, "file-")
	if !ok || len(rest) <= uuidLen+1 || rest[uuidLen] != '-' {
		if name, ok := sanitizeFilename(fileID); ok {
			return name
		}
		return "download"
	}
	if name, ok := sanitizeFilename(rest[uuidLen+1:]); ok {
		return name
	}
	return "download"
}

// RoomInfo asks the HTTP surface whether a room is known. It returns nil and
// no error for a room that does not exist.
func RoomInfo(ctx context.Context, baseURL, room string) (*RoomStatus, error) {
	endpoint := strings.TrimRight(baseURL, "/") + "/exists?room=" + url.QueryEscape(room)
	ctx, cancel := context.WithTimeout(ctx, httpTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, readResponseError(resp.Body))
	}
	var info RoomStatus
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, err
	}
	return &info, nil
}

func readResponseError(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return "request failed"
	}
	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err == nil {
		if msg, ok := parsed["error"]; ok {
			return msg
		}
	}
	return strings.TrimSpace(string(data))
}
