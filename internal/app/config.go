package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	intrnl "roomchat/internal"
)

// ServerConfig defines how the chat, file and HTTP listeners run.
type ServerConfig struct {
	ChatAddr string
	FileAddr string
	// HTTPAddr serves /join, /exists, /healthz and /metrics; empty disables it.
	HTTPAddr string
	DBPath   string

	UploadDir   string
	// CopyRoot is where DOWNLOAD with dst_path may write; empty disables it.
	CopyRoot    string
	MaxFileSize int64
	ChunkSize   int

	WriteTimeout  time.Duration
	MessageBurst  int
	MessageWindow time.Duration

	Env   string
	Quiet bool
}

// ClientConfig defines the parameters the TUI client needs.
type ClientConfig struct {
	ChatAddr    string
	FileAddr    string
	Username    string
	RoomType    string
	GroupName   string
	DownloadDir string
}

// LoadDotEnv reads a .env file from the working directory when present.
// Variables already set in the environment win.
func LoadDotEnv(paths ...string) {
	_ = godotenv.Load(paths...)
}

// DefaultServerConfig fills every field from ROOMCHAT_* variables or defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ChatAddr:      envOrDefault("ROOMCHAT_CHAT_ADDR", ":9000"),
		FileAddr:      envOrDefault("ROOMCHAT_FILE_ADDR", ":9001"),
		HTTPAddr:      envOrDefault("ROOMCHAT_HTTP_ADDR", ":8080"),
		DBPath:        DefaultDBPath(),
		UploadDir:     DefaultUploadDir(),
		CopyRoot:      os.Getenv("ROOMCHAT_COPY_ROOT"),
		MaxFileSize:   envInt64("ROOMCHAT_MAX_FILE_SIZE", intrnl.DefaultMaxFileSize),
		ChunkSize:     int(envInt64("ROOMCHAT_CHUNK_SIZE", intrnl.DefaultChunkSize)),
		WriteTimeout:  envDuration("ROOMCHAT_WRITE_TIMEOUT", 10*time.Second),
		MessageBurst:  int(envInt64("ROOMCHAT_MESSAGE_BURST", 5)),
		MessageWindow: envDuration("ROOMCHAT_MESSAGE_WINDOW", 3*time.Second),
		Env:           envOrDefault("ROOMCHAT_ENV", "development"),
	}
}

// DefaultClientConfig fills the client fields from ROOMCHAT_* variables.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ChatAddr:    envOrDefault("ROOMCHAT_SERVER", "127.0.0.1:9000"),
		FileAddr:    envOrDefault("ROOMCHAT_FILE_SERVER", "127.0.0.1:9001"),
		Username:    os.Getenv("ROOMCHAT_USER"),
		DownloadDir: envOrDefault("ROOMCHAT_DOWNLOAD_DIR", "."),
	}
}

// Validate rejects configurations the server cannot start with.
func (cfg ServerConfig) Validate() error {
	var errs []error
	if cfg.DBPath == "" {
		errs = append(errs, errors.New("database path is required"))
	}
	if cfg.ChatAddr == "" {
		errs = append(errs, errors.New("chat address is required"))
	}
	if cfg.FileAddr == "" {
		errs = append(errs, errors.New("file address is required"))
	}
	if cfg.MaxFileSize < 0 {
		errs = append(errs, fmt.Errorf("max file size must not be negative, got %d", cfg.MaxFileSize))
	}
	if cfg.ChunkSize < 0 {
		errs = append(errs, fmt.Errorf("chunk size must not be negative, got %d", cfg.ChunkSize))
	}
	return errors.Join(errs...)
}

// IsDevelopment selects the human-readable console log format.
func (cfg ServerConfig) IsDevelopment() bool {
	return cfg.Env == "" || cfg.Env == "development"
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("ROOMCHAT_DB_PATH"); env != "" {
		return env
	}
	return filepath.Join(dataDir(), "roomchat.db")
}

// DefaultUploadDir keeps uploads next to the database unless overridden.
func DefaultUploadDir() string {
	if env := os.Getenv("ROOMCHAT_UPLOAD_DIR"); env != "" {
		return env
	}
	return filepath.Join(dataDir(), "uploads")
}

func dataDir() string {
	if env := os.Getenv("ROOMCHAT_DATA_DIR"); env != "" {
		return env
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "roomchat")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "RoomChat")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "RoomChat")
		}
		return filepath.Join(home, ".local", "share", "roomchat")
	}
	return filepath.Join(".", ".roomchat")
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
