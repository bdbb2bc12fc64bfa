package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"roomchat/internal/app"
)

func main() {
	app.LoadDotEnv()
	cfg := app.DefaultClientConfig()

	flag.StringVar(&cfg.ChatAddr, "server", cfg.ChatAddr, "chat server host:port or ws:// URL (e.g. ws://localhost:8080/join)")
	flag.StringVar(&cfg.FileAddr, "file-server", cfg.FileAddr, "file server host:port")
	flag.StringVar(&cfg.Username, "user", cfg.Username, "username to join with")
	flag.StringVar(&cfg.DownloadDir, "download-dir", cfg.DownloadDir, "where /download stores files")
	flag.Parse()

	args := flag.Args()
	if len(args) >= 1 {
		cfg.RoomType = strings.ToUpper(args[0])
	}
	if len(args) >= 2 {
		cfg.GroupName = args[1]
	}

	if err := app.RunClient(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
