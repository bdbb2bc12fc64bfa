package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
)

// these are bubbletea messages that represent asynchronous events
type (
	connectedMsg struct{ conn *ChatConn }
	incomingMsg  string
	errorMsg     struct{ err error }
	sentMsg      struct{}
	uploadedMsg  struct {
		name   string
		result *UploadResult
	}
	downloadedMsg struct{ path string }
	transferFailedMsg struct {
		op  string
		err error
	}
)

// connectCmd dials the chat service and sends the username. Room selection
// starts when the server's CHOOSE_ROOM arrives through readOnceCmd.
func (model *TUIModel) connectCmd() tea.Cmd {
	addr, username := model.opts.ChatAddr, model.username
	return func() tea.Msg {
		ctx := context.Background()
		var (
			conn *ChatConn
			err  error
		)
		if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
			conn, err = DialChatWS(ctx, addr)
		} else {
			conn, err = DialChat(ctx, addr)
		}
		if err != nil {
			return errorMsg{err: err}
		}
		if err := conn.Send(username); err != nil {
			_ = conn.Close()
			return errorMsg{err: err}
		}
		return connectedMsg{conn: conn}
	}
}

// readOnceCmd is the only reader of the connection; Update re-arms it after
// every frame.
func (model *TUIModel) readOnceCmd() tea.Cmd {
	conn := model.conn
	return func() tea.Msg {
		frame, err := conn.Next()
		if err != nil {
			return errorMsg{err: err}
		}
		return incomingMsg(frame)
	}
}

func (model *TUIModel) sendCmd(text string) tea.Cmd {
	conn := model.conn
	return func() tea.Msg {
		if err := conn.Send(text); err != nil {
			return errorMsg{err: err}
		}
		return sentMsg{}
	}
}

func (model *TUIModel) chooseRoomCmd(req SetupRequest) tea.Cmd {
	payload, err := json.Marshal(req)
	if err != nil {
		return func() tea.Msg { return errorMsg{err: err} }
	}
	return model.sendCmd(string(payload))
}

func (model *TUIModel) uploadCmd(path string) tea.Cmd {
	addr := model.opts.FileAddr
	return func() tea.Msg {
		client, err := DialFile(context.Background(), addr)
		if err != nil {
			return transferFailedMsg{op: "upload", err: err}
		}
		defer client.Close()
		result, err := client.UploadFile(expandHome(path))
		if err != nil {
			return transferFailedMsg{op: "upload", err: err}
		}
		return uploadedMsg{name: filepath.Base(path), result: result}
	}
}

func (model *TUIModel) downloadCmd(fileID, dir string) tea.Cmd {
	addr := model.opts.FileAddr
	return func() tea.Msg {
		client, err := DialFile(context.Background(), addr)
		if err != nil {
			return transferFailedMsg{op: "download", err: err}
		}
		defer client.Close()
		path, err := client.FetchToDir(fileID, expandHome(dir))
		if err != nil {
			return transferFailedMsg{op: "download", err: err}
		}
		return downloadedMsg{path: path}
	}
}

// runSlashCommand handles the client-side commands; anything else is sent to
// the server as typed.
func (model *TUIModel) runSlashCommand(input string) (tea.Cmd, bool) {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return nil, false
	}
	switch strings.ToLower(fields[0]) {
	case "/upload":
		if len(fields) < 2 {
			model.notify("usage: /upload <path>")
			return nil, true
		}
		if model.opts.FileAddr == "" {
			model.notify("file transfers are not configured")
			return nil, true
		}
		model.busy = true
		return model.uploadCmd(strings.Join(fields[1:], " ")), true
	case "/download":
		if len(fields) < 2 {
			model.notify("usage: /download <file-id> [dir]")
			return nil, true
		}
		if model.opts.FileAddr == "" {
			model.notify("file transfers are not configured")
			return nil, true
		}
		dir := model.opts.DownloadDir
		if len(fields) > 2 {
			dir = strings.Join(fields[2:], " ")
		}
		if dir == "" {
			dir = "."
		}
		model.busy = true
		return model.downloadCmd(fields[1], dir), true
	}
	return nil, false
}

// RunClient is the entry point for the terminal client.
func RunClient(opts ClientOptions) error {
	model := NewTUIModel(opts)
	program := tea.NewProgram(model)
	_, err := program.Run()
	if model.conn != nil {
		_ = model.conn.Close()
	}
	if err != nil {
		return err
	}
	if model.connErr != nil && !isConnectionError(model.connErr) {
		return model.connErr
	}
	return nil
}

func expandHome(path string) string {
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, rest)
		}
	}
	return path
}

func describeTransferError(op string, err error) string {
	var transferErr *TransferError
	if errors.As(err, &transferErr) {
		switch transferErr.Status {
		case StatusExceeded:
			return fmt.Sprintf("%s refused: file is larger than the server allows", op)
		case StatusNotFound:
			return fmt.Sprintf("%s failed: no such file id", op)
		}
	}
	return fmt.Sprintf("%s failed: %v", op, err)
}
