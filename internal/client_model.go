package internal

import (
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

// ClientOptions configures the terminal client.
type ClientOptions struct {
	// ChatAddr is host:port for TCP or a ws:// URL for the websocket gateway.
	ChatAddr    string
	FileAddr    string
	Username    string
	DownloadDir string
	// Room, when RoomType is set, answers the first room prompt without asking.
	Room SetupRequest
}

// tui model struct for all the components and modes
type TUIModel struct {
	textInput   textinput.Model
	lines       []chatLine
	notices     []string
	opts        ClientOptions
	username    string
	room        string
	conn        *ChatConn
	isConnected bool
	inHistory   bool
	connErr     error
	mode        appMode
	presetUsed  bool
	busy        bool
}

type appMode int

const (
	modeNamePrompt appMode = iota
	modeConnecting
	modeRoomMenu
	modeGroupPrompt
	modeChat
)

// chatLine is one rendered frame of the room log.
type chatLine struct {
	ts      string
	sender  string
	body    string
	system  bool
	history bool
}

func NewTUIModel(opts ClientOptions) *TUIModel {
	input := textinput.New()
	input.CharLimit = 0
	input.Focus()

	username := strings.TrimSpace(opts.Username)
	if username == "" {
		username = defaultUsername()
	}
	input.SetValue(username)
	input.Placeholder = "Enter display name…"
	input.Prompt = "name> "

	return &TUIModel{
		textInput: input,
		lines:     make([]chatLine, 0, 64),
		opts:      opts,
		username:  username,
		mode:      modeNamePrompt,
	}
}

func defaultUsername() string {
	if user := os.Getenv("ROOMCHAT_USER"); user != "" {
		return user
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "anon"
}

func (model *TUIModel) Init() tea.Cmd {
	if strings.TrimSpace(model.opts.Username) != "" {
		model.mode = modeConnecting
		return model.connectCmd()
	}
	return textinput.Blink
}

func (model *TUIModel) notify(text string) {
	model.notices = append(model.notices, text)
	if len(model.notices) > 5 {
		model.notices = model.notices[len(model.notices)-5:]
	}
}

// appendFrame turns a server frame into a log line.
func (model *TUIModel) appendFrame(frame string) {
	line := parseChatLine(frame)
	line.history = model.inHistory
	model.lines = append(model.lines, line)
}

func parseChatLine(frame string) chatLine {
	if IsSystemFrame(frame) {
		return chatLine{system: true, body: strings.TrimPrefix(frame, systemPrefix)}
	}
	// [ts] [sender]: body
	if strings.HasPrefix(frame, "[") {
		if tsEnd := strings.Index(frame, "] ["); tsEnd > 0 {
			rest := frame[tsEnd+3:]
			if senderEnd := strings.Index(rest, "]: "); senderEnd >= 0 {
				return chatLine{
					ts:     frame[1:tsEnd],
					sender: rest[:senderEnd],
					body:   rest[senderEnd+3:],
				}
			}
		}
	}
	return chatLine{body: frame}
}
