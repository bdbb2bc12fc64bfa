package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	intrnl "roomchat/internal"
	"roomchat/internal/storage"
)

const shutdownTimeout = 5 * time.Second

// ServerHandle represents a running set of listeners sharing one store.
type ServerHandle struct {
	chatAddr string
	fileAddr string
	httpAddr string
	chat     *intrnl.Server
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
}

// ChatAddr returns the actual chat listen address (after the OS allocated a port).
func (h *ServerHandle) ChatAddr() string { return h.chatAddr }

// FileAddr returns the actual file service listen address.
func (h *ServerHandle) FileAddr() string { return h.fileAddr }

// HTTPAddr is empty when the HTTP surface is disabled.
func (h *ServerHandle) HTTPAddr() string { return h.httpAddr }

// Chat exposes the chat server, mostly for tests.
func (h *ServerHandle) Chat() *intrnl.Server { return h.chat }

// Stop cancels every listener and waits for shutdown or for ctx to expire.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.cancel()
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
	}
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the server exits.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer opens the SQLite store, runs migrations, and starts the chat,
// file and HTTP listeners in the background. Cancelling ctx or calling Stop
// shuts all of them down.
func RunServer(ctx context.Context, cfg ServerConfig, logger zerolog.Logger) (*ServerHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = DefaultUploadDir()
	}
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	if cfg.CopyRoot != "" {
		if err := os.MkdirAll(cfg.CopyRoot, 0o755); err != nil {
			return nil, fmt.Errorf("create copy root: %w", err)
		}
	}

	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	var listeners []net.Listener
	fail := func(err error) (*ServerHandle, error) {
		for _, ln := range listeners {
			_ = ln.Close()
		}
		_ = store.Close()
		return nil, err
	}
	listen := func(name, addr string) (net.Listener, error) {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("listen %s on %s: %w", name, addr, err)
		}
		listeners = append(listeners, ln)
		return ln, nil
	}
	chatLn, err := listen("chat", cfg.ChatAddr)
	if err != nil {
		return fail(err)
	}
	fileLn, err := listen("files", cfg.FileAddr)
	if err != nil {
		return fail(err)
	}
	var httpLn net.Listener
	if cfg.HTTPAddr != "" {
		if httpLn, err = listen("http", cfg.HTTPAddr); err != nil {
			return fail(err)
		}
	}

	metrics := intrnl.NewMetrics()
	chat := intrnl.NewServer(store, intrnl.Options{
		WriteTimeout:  cfg.WriteTimeout,
		MessageBurst:  cfg.MessageBurst,
		MessageWindow: cfg.MessageWindow,
		Logger:        logger,
		Metrics:       metrics,
	})
	files := intrnl.NewFileServer(store, intrnl.FileOptions{
		UploadDir:   cfg.UploadDir,
		CopyRoot:    cfg.CopyRoot,
		MaxFileSize: cfg.MaxFileSize,
		ChunkSize:   cfg.ChunkSize,
		Logger:      logger,
		Metrics:     metrics,
	})

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	handle := &ServerHandle{
		chatAddr: chatLn.Addr().String(),
		fileAddr: fileLn.Addr().String(),
		chat:     chat,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	group.Go(func() error { return chat.Serve(groupCtx, chatLn) })
	group.Go(func() error { return files.Serve(groupCtx, fileLn) })
	if httpLn != nil {
		handle.httpAddr = httpLn.Addr().String()
		httpServer := &http.Server{
			Handler:           intrnl.NewRouter(groupCtx, chat, store, metrics, logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
		group.Go(func() error {
			if err := httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	logger.Info().
		Str("chat", handle.chatAddr).
		Str("files", handle.fileAddr).
		Str("http", handle.httpAddr).
		Str("db", cfg.DBPath).
		Msg("roomchat server listening")

	go func() {
		defer close(handle.done)
		err := group.Wait()
		cancel()
		if closeErr := store.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("store close")
		}
		handle.err = err
	}()
	return handle, nil
}
