package internal

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"roomchat/internal/storage"
)

func (model *TUIModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typedMessage := message.(type) {
	case tea.KeyMsg:
		// Any mode should respect Ctrl+C so the user can bail out quickly.
		if typedMessage.Type == tea.KeyCtrlC {
			model.quit()
			return model, tea.Quit
		}
		switch model.mode {
		case modeNamePrompt:
			return model.updateNamePrompt(typedMessage)
		case modeConnecting:
			if typedMessage.Type == tea.KeyEsc {
				return model, tea.Quit
			}
			return model, nil
		case modeRoomMenu:
			return model.updateRoomMenu(typedMessage)
		case modeGroupPrompt:
			return model.updateGroupPrompt(typedMessage)
		case modeChat:
			return model.updateChat(typedMessage)
		}

	case connectedMsg:
		model.conn = typedMessage.conn
		model.isConnected = true
		model.connErr = nil
		return model, model.readOnceCmd()

	case incomingMsg:
		return model.handleFrame(string(typedMessage))

	case errorMsg:
		model.connErr = typedMessage.err
		model.isConnected = false
		if model.mode == modeChat || model.mode == modeConnecting {
			// stay on screen so the error is readable; Esc or Ctrl+C exits
			model.mode = modeChat
		}
		return model, nil

	case sentMsg:
		return model, nil

	case uploadedMsg:
		model.busy = false
		result := typedMessage.result
		model.notify(fmt.Sprintf("uploaded %s (%s)", typedMessage.name, formatFileSize(result.Size)))
		if model.isConnected {
			share := fmt.Sprintf("shared %s (%s): %s", typedMessage.name, formatFileSize(result.Size), result.FileID)
			return model, model.sendCmd(share)
		}
		return model, nil

	case downloadedMsg:
		model.busy = false
		model.notify("saved " + typedMessage.path)
		return model, nil

	case transferFailedMsg:
		model.busy = false
		model.notify(describeTransferError(typedMessage.op, typedMessage.err))
		return model, nil
	}
	return model, nil
}

func (model *TUIModel) updateNamePrompt(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.Type {
	case tea.KeyEsc:
		return model, tea.Quit
	case tea.KeyEnter:
		trimmed := strings.TrimSpace(model.textInput.Value())
		if trimmed == "" {
			model.notify("Display name cannot be empty.")
			return model, nil
		}
		model.username = trimmed
		model.textInput.SetValue("")
		model.textInput.Blur()
		model.mode = modeConnecting
		return model, model.connectCmd()
	}
	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(key)
	return model, cmd
}

func (model *TUIModel) updateRoomMenu(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.String() {
	case "1", "g", "G":
		model.enterChat(string(storage.RoomGlobal))
		return model, model.chooseRoomCmd(SetupRequest{RoomType: string(storage.RoomGlobal)})
	case "2", "p", "P":
		model.mode = modeGroupPrompt
		model.textInput.SetValue("")
		model.textInput.Placeholder = "Enter group name…"
		model.textInput.Prompt = "group> "
		return model, model.textInput.Focus()
	case "q", "Q", "3", "esc":
		model.quit()
		return model, tea.Quit
	}
	return model, nil
}

func (model *TUIModel) updateGroupPrompt(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.Type {
	case tea.KeyEsc:
		model.mode = modeRoomMenu
		model.textInput.SetValue("")
		model.textInput.Blur()
		return model, nil
	case tea.KeyEnter:
		group := strings.TrimSpace(model.textInput.Value())
		if group == "" {
			return model, nil
		}
		model.enterChat(group)
		return model, model.chooseRoomCmd(SetupRequest{RoomType: string(storage.RoomPrivate), GroupName: group})
	}
	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(key)
	return model, cmd
}

func (model *TUIModel) updateChat(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Type == tea.KeyEsc {
		model.quit()
		return model, tea.Quit
	}
	if key.Type != tea.KeyEnter {
		var cmd tea.Cmd
		model.textInput, cmd = model.textInput.Update(key)
		return model, cmd
	}
	trimmed := strings.TrimSpace(model.textInput.Value())
	if trimmed == "" || !model.isConnected {
		return model, nil
	}
	model.textInput.SetValue("")
	switch strings.ToLower(trimmed) {
	case CommandQuit, "/exit":
		model.quit()
		return model, tea.Quit
	case CommandSwitch:
		return model, model.sendCmd(CommandSwitch)
	}
	if cmd, handled := model.runSlashCommand(trimmed); handled {
		return model, cmd
	}
	return model, model.sendCmd(trimmed)
}

// handleFrame follows the server's side of the protocol.
func (model *TUIModel) handleFrame(frame string) (tea.Model, tea.Cmd) {
	next := model.readOnceCmd()
	switch frame {
	case ControlChooseRoom:
		model.inHistory = false
		if req := model.opts.Room; req.RoomType != "" && !model.presetUsed {
			model.presetUsed = true
			room := req.GroupName
			if strings.EqualFold(req.RoomType, string(storage.RoomGlobal)) {
				room = string(storage.RoomGlobal)
			}
			model.enterChat(room)
			return model, tea.Batch(next, model.chooseRoomCmd(req))
		}
		model.mode = modeRoomMenu
		model.room = ""
		model.textInput.Blur()
		return model, next
	case ControlEndOfHistory:
		model.inHistory = false
		return model, next
	}
	if model.mode != modeChat && IsSystemFrame(frame) {
		// rejected room choices and handshake notices
		model.notify(strings.TrimPrefix(frame, systemPrefix))
		return model, next
	}
	model.appendFrame(frame)
	return model, next
}

func (model *TUIModel) enterChat(room string) {
	model.room = room
	model.lines = model.lines[:0]
	model.inHistory = true
	model.mode = modeChat
	model.textInput.SetValue("")
	model.textInput.Placeholder = "Type a message…"
	model.textInput.Prompt = "> "
	model.textInput.Focus()
}

func (model *TUIModel) quit() {
	if model.conn != nil {
		_ = model.conn.Quit()
	}
}
