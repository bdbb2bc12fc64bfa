package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	intrnl "roomchat/internal"
	"roomchat/internal/app"
)

const (
	modeServer = "server"
	modeClient = "client"
	modeLocal  = "local"
)

func main() {
	app.LoadDotEnv()

	mode, args := parseMode(os.Args[1:])
	serverCfg := app.DefaultServerConfig()
	clientCfg := app.DefaultClientConfig()
	if mode == modeLocal {
		serverCfg.ChatAddr = "127.0.0.1:0"
		serverCfg.FileAddr = "127.0.0.1:0"
		serverCfg.HTTPAddr = ""
	}

	flagSet := flag.NewFlagSet("roomchat", flag.ExitOnError)
	flagSet.StringVar(&serverCfg.ChatAddr, "chat-addr", serverCfg.ChatAddr, "chat listen address")
	flagSet.StringVar(&serverCfg.FileAddr, "file-addr", serverCfg.FileAddr, "file service listen address")
	flagSet.StringVar(&serverCfg.HTTPAddr, "http-addr", serverCfg.HTTPAddr, "HTTP listen address for /join, /exists, /healthz and /metrics (empty disables)")
	flagSet.StringVar(&serverCfg.DBPath, "db", serverCfg.DBPath, "sqlite database path")
	flagSet.StringVar(&serverCfg.UploadDir, "upload-dir", serverCfg.UploadDir, "directory for uploaded files")
	flagSet.StringVar(&serverCfg.CopyRoot, "copy-root", serverCfg.CopyRoot, "directory DOWNLOAD dst_path copies are confined to (empty disables them)")
	flagSet.Int64Var(&serverCfg.MaxFileSize, "max-file-size", serverCfg.MaxFileSize, "largest accepted upload in bytes")
	flagSet.StringVar(&clientCfg.ChatAddr, "server", clientCfg.ChatAddr, "chat server host:port or ws:// URL (client mode)")
	flagSet.StringVar(&clientCfg.FileAddr, "file-server", clientCfg.FileAddr, "file server host:port (client mode)")
	flagSet.StringVar(&clientCfg.Username, "user", clientCfg.Username, "username to join with")
	flagSet.StringVar(&clientCfg.DownloadDir, "download-dir", clientCfg.DownloadDir, "where /download stores files")
	quiet := flagSet.Bool("quiet", false, "suppress informational logs")
	showVersion := flagSet.Bool("version", false, "print the version and exit")
	_ = flagSet.Parse(args)

	if *showVersion {
		fmt.Println("roomchat", intrnl.Version)
		return
	}

	// roomchat client [GLOBAL | PRIVATE <group>]
	if remaining := flagSet.Args(); len(remaining) > 0 {
		clientCfg.RoomType = strings.ToUpper(remaining[0])
		if len(remaining) > 1 {
			clientCfg.GroupName = remaining[1]
		}
	}
	serverCfg.Quiet = *quiet

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch mode {
	case modeServer:
		logger := app.NewLogger(os.Stderr, serverCfg.IsDevelopment(), serverCfg.Quiet)
		err = runServerMode(ctx, serverCfg, logger)
	case modeLocal:
		// The TUI owns the terminal, so the embedded server logs only warnings.
		logger := app.NewLogger(os.Stderr, true, true)
		err = runLocalMode(ctx, serverCfg, clientCfg, logger)
	default:
		err = app.RunClient(clientCfg)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "roomchat: %v\n", err)
		os.Exit(1)
	}
}

func runServerMode(ctx context.Context, cfg app.ServerConfig, logger zerolog.Logger) error {
	handle, err := app.RunServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return handle.Wait()
}

func runLocalMode(ctx context.Context, serverCfg app.ServerConfig, clientCfg app.ClientConfig, logger zerolog.Logger) error {
	handle, err := app.RunServer(ctx, serverCfg, logger)
	if err != nil {
		return err
	}
	defer stopServer(handle)

	clientCfg.ChatAddr = handle.ChatAddr()
	clientCfg.FileAddr = handle.FileAddr()
	return app.RunClient(clientCfg)
}

func parseMode(args []string) (string, []string) {
	if len(args) == 0 {
		return modeClient, args
	}
	switch strings.ToLower(args[0]) {
	case modeServer, modeClient, modeLocal:
		return strings.ToLower(args[0]), args[1:]
	}
	return modeClient, args
}

func stopServer(handle *app.ServerHandle) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = handle.Stop(shutdownCtx)
}
