package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"roomchat/internal/app"
)

func main() {
	app.LoadDotEnv()
	cfg := app.DefaultServerConfig()

	flag.StringVar(&cfg.ChatAddr, "chat-addr", cfg.ChatAddr, "chat listen address")
	flag.StringVar(&cfg.FileAddr, "file-addr", cfg.FileAddr, "file service listen address")
	flag.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address (empty disables)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "sqlite database path")
	flag.StringVar(&cfg.UploadDir, "upload-dir", cfg.UploadDir, "directory for uploaded files")
	flag.StringVar(&cfg.CopyRoot, "copy-root", cfg.CopyRoot, "directory DOWNLOAD dst_path copies are confined to (empty disables them)")
	flag.BoolVar(&cfg.Quiet, "quiet", false, "suppress informational logs")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := app.NewLogger(os.Stderr, cfg.IsDevelopment(), cfg.Quiet)
	handle, err := app.RunServer(ctx, cfg, logger)
	if err == nil {
		err = handle.Wait()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}
