package app

import (
	"errors"

	intrnl "roomchat/internal"
)

// RunClient launches the Bubble Tea TUI with the provided configuration.
func RunClient(cfg ClientConfig) error {
	if cfg.ChatAddr == "" {
		return errors.New("server address is required")
	}
	return intrnl.RunClient(intrnl.ClientOptions{
		ChatAddr:    cfg.ChatAddr,
		FileAddr:    cfg.FileAddr,
		Username:    cfg.Username,
		DownloadDir: cfg.DownloadDir,
		Room: intrnl.SetupRequest{
			RoomType:  cfg.RoomType,
			GroupName: cfg.GroupName,
		},
	})
}
