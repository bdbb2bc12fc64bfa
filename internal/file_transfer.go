package internal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"roomchat/internal/storage"
)

// TransferStatus is the first token of every file service reply.
type TransferStatus string

const (
	StatusSucceed  TransferStatus = "SUCCEED"
	StatusFailed   TransferStatus = "FAILED"
	StatusNotFound TransferStatus = "NOT_FOUND"
	StatusExceeded TransferStatus = "EXCEEDED"
)

// File service commands and the data header that precedes a streamed download.
const (
	CommandUpload   = "UPLOAD"
	CommandDownload = "DOWNLOAD"
	DataHeader      = "DATA"

	DefaultMaxFileSize = 16 * 1024 * 1024
	DefaultChunkSize   = 64 * 1024

	lingerTimeout  = 500 * time.Millisecond
	lingerMaxBytes = 256 * 1024
)

// UploadRequest is the metadata frame after UPLOAD. A negative FileSize means
// the body runs until the client closes its write side.
type UploadRequest struct {
	Filename string `json:"filename"`
	FileSize int64  `json:"file_size"`
}

// DownloadRequest is the metadata frame after DOWNLOAD. With DstPath set the
// server copies the file into that directory on its own host, which must lie
// under the configured copy root; otherwise the bytes come back on the
// connection.
type DownloadRequest struct {
	FileID  string `json:"file_id"`
	DstPath string `json:"dst_path,omitempty"`
}

// FileIndex is the part of the store that maps file ids to stored bytes.
type FileIndex interface {
	RecordFile(ctx context.Context, rec storage.FileRecord) error
	LookupFile(ctx context.Context, fileID string) (*storage.FileRecord, error)
}

type FileOptions struct {
	UploadDir   string
	// CopyRoot confines dst_path downloads. Empty turns them off.
	CopyRoot    string
	MaxFileSize int64
	ChunkSize   int
	Logger      zerolog.Logger
	Metrics     *Metrics
}

// FileServer speaks the UPLOAD/DOWNLOAD protocol on its own listener.
type FileServer struct {
	index       FileIndex
	uploadDir   string
	copyRoot    string
	maxFileSize int64
	chunkSize   int
	log         zerolog.Logger
	metrics     *Metrics
	now         func() time.Time
	conns       connTracker
}

func NewFileServer(index FileIndex, opts FileOptions) *FileServer {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.UploadDir == "" {
		opts.UploadDir = "uploads"
	}
	if opts.CopyRoot != "" {
		if abs, err := filepath.Abs(opts.CopyRoot); err == nil {
			opts.CopyRoot = abs
		}
	}
	return &FileServer{
		index:       index,
		uploadDir:   opts.UploadDir,
		copyRoot:    opts.CopyRoot,
		maxFileSize: opts.MaxFileSize,
		chunkSize:   opts.ChunkSize,
		log:         opts.Logger.With().Str("component", "files").Logger(),
		metrics:     opts.Metrics,
		now:         time.Now,
	}
}

// Serve accepts file connections until ctx is cancelled.
func (fs *FileServer) Serve(ctx context.Context, ln net.Listener) error {
	if err := os.MkdirAll(fs.uploadDir, 0o755); err != nil {
		return fmt.Errorf("create upload dir: %w", err)
	}
	return fs.conns.serve(ctx, ln, fs.log, func(conn net.Conn) {
		fs.HandleConn(ctx, conn, conn.RemoteAddr().String())
	})
}

// HandleConn serves commands until the peer disconnects or a transfer
// leaves the stream in an unknown state.
func (fs *FileServer) HandleConn(ctx context.Context, conn io.ReadWriteCloser, remote string) {
	defer lingerClose(conn)
	logger := fs.log.With().Str("remote", remote).Logger()
	dec := NewDecoder(conn)
	for {
		command, err := dec.Next()
		if err != nil {
			if !isConnectionError(err) {
				logger.Warn().Err(err).Msg("read command")
			}
			return
		}
		command = strings.TrimSpace(cleanFrame(command))
		if command == "" {
			continue
		}
		var keepOpen bool
		switch command {
		case CommandUpload:
			keepOpen = fs.handleUpload(ctx, conn, dec, logger)
		case CommandDownload:
			keepOpen = fs.handleDownload(ctx, conn, dec, logger)
		default:
			err := &ProtocolError{Token: command, Err: ErrUnknownCommand}
			logger.Warn().Err(err).Msg("closing file connection")
			_ = writeStatus(conn, StatusFailed, "unknown command")
			return
		}
		if !keepOpen {
			return
		}
	}
}

func (fs *FileServer) handleUpload(ctx context.Context, conn io.Writer, dec *Decoder, logger zerolog.Logger) bool {
	var req UploadRequest
	if err := readMetadata(dec, &req); err != nil {
		logger.Warn().Err(err).Msg("upload metadata")
		_ = writeStatus(conn, StatusFailed, "invalid metadata")
		fs.metrics.ObserveTransfer("upload", StatusFailed)
		return false
	}
	rec, status, err := fs.Upload(ctx, dec, req)
	fs.metrics.ObserveTransfer("upload", status)
	switch status {
	case StatusSucceed:
		logger.Info().Str("file_id", rec.FileID).Int64("bytes", rec.SizeBytes).Msg("upload stored")
		fs.metrics.AddUploadedBytes(rec.SizeBytes)
		if err := writeStatus(conn, StatusSucceed, rec.FileID, rec.SHA256); err != nil {
			return false
		}
		// a streamed body ends with the client's half-close, nothing can follow
		return req.FileSize >= 0
	case StatusExceeded:
		logger.Warn().Err(err).Str("filename", req.Filename).Int64("limit", fs.maxFileSize).Msg("upload rejected")
		_ = writeStatus(conn, StatusExceeded)
	default:
		logger.Error().Err(err).Str("filename", req.Filename).Msg("upload failed")
		_ = writeStatus(conn, StatusFailed, failureReason(err))
	}
	return false
}

// Upload stores the body read from r under a fresh file id. The returned
// status is what the client is told; err explains anything but SUCCEED.
func (fs *FileServer) Upload(ctx context.Context, r io.Reader, req UploadRequest) (*storage.FileRecord, TransferStatus, error) {
	filename, ok := sanitizeFilename(req.Filename)
	if !ok {
		return nil, StatusFailed, &UploadError{Filename: req.Filename, Err: ErrInvalidFilename}
	}
	if req.FileSize > fs.maxFileSize {
		return nil, StatusExceeded, &UploadError{Filename: filename, Err: ErrSizeExceeded}
	}
	if err := os.MkdirAll(fs.uploadDir, 0o755); err != nil {
		return nil, StatusFailed, &UploadError{Filename: filename, Err: err}
	}

	fileID := fmt.Sprintf("file-%s-%s", uuid.NewString(), filename)
	path := filepath.Join(fs.uploadDir, fileID)
	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, StatusFailed, &UploadError{Filename: filename, Err: err}
	}

	hasher := sha256.New()
	written, err := fs.copyBody(io.MultiWriter(dst, hasher), r, req.FileSize)
	if closeErr := dst.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		status := StatusFailed
		if errors.Is(err, ErrSizeExceeded) {
			status = StatusExceeded
		}
		return nil, status, &UploadError{Filename: filename, Err: err}
	}

	rec := storage.FileRecord{
		FileID:    fileID,
		Path:      path,
		Filename:  filename,
		SizeBytes: written,
		SHA256:    hexDigest(hasher),
		CreatedAt: fs.now(),
	}
	if err := fs.index.RecordFile(ctx, rec); err != nil {
		_ = os.Remove(path)
		return nil, StatusFailed, &UploadError{Filename: filename, Err: err}
	}
	return &rec, StatusSucceed, nil
}

// copyBody moves at most declared bytes (or everything until EOF when declared
// is negative) in chunkSize pieces. The running total is checked against the
// limit before each write, so an oversized body never fully lands on disk.
func (fs *FileServer) copyBody(dst io.Writer, src io.Reader, declared int64) (int64, error) {
	if declared >= 0 {
		src = io.LimitReader(src, declared)
	}
	buf := make([]byte, fs.chunkSize)
	var written int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if written+int64(n) > fs.maxFileSize {
				return written, ErrSizeExceeded
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("write chunk: %w", err)
			}
			written += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return written, &ConnectionError{Op: "read", Err: readErr}
		}
	}
	if declared >= 0 && written < declared {
		return written, ErrShortUpload
	}
	return written, nil
}

func (fs *FileServer) handleDownload(ctx context.Context, conn io.Writer, dec *Decoder, logger zerolog.Logger) bool {
	var req DownloadRequest
	if err := readMetadata(dec, &req); err != nil {
		logger.Warn().Err(err).Msg("download metadata")
		_ = writeStatus(conn, StatusFailed, "invalid metadata")
		fs.metrics.ObserveTransfer("download", StatusFailed)
		return false
	}
	logger = logger.With().Str("file_id", req.FileID).Logger()

	var (
		status TransferStatus
		err    error
	)
	if req.DstPath != "" {
		var dst string
		dst, status, err = fs.CopyTo(ctx, req.FileID, req.DstPath)
		if status == StatusSucceed {
			logger.Info().Str("dst", dst).Msg("download copied")
		}
	} else {
		status, err = fs.stream(ctx, conn, req.FileID)
		if isConnectionError(err) {
			logger.Debug().Err(err).Msg("download aborted")
			fs.metrics.ObserveTransfer("download", StatusFailed)
			return false
		}
	}
	fs.metrics.ObserveTransfer("download", status)

	switch status {
	case StatusSucceed:
		return writeStatus(conn, StatusSucceed) == nil
	case StatusNotFound:
		logger.Warn().Msg("download of unknown file id")
		return writeStatus(conn, StatusNotFound) == nil
	default:
		logger.Error().Err(err).Msg("download failed")
		return writeStatus(conn, StatusFailed, failureReason(err)) == nil
	}
}

// CopyTo copies a stored file into dstDir under its original filename and
// returns the destination path. dstDir is taken relative to the copy root
// (an absolute dstDir must point inside it), symlinks cannot lead out of the
// root, and an existing file is never replaced.
func (fs *FileServer) CopyTo(ctx context.Context, fileID, dstDir string) (string, TransferStatus, error) {
	if fs.copyRoot == "" {
		return "", StatusFailed, &DownloadError{FileID: fileID, Err: ErrCopyDisabled}
	}
	rec, status, err := fs.lookup(ctx, fileID)
	if err != nil {
		return "", status, err
	}
	rel, err := fs.relativeToCopyRoot(dstDir)
	if err != nil {
		return "", StatusFailed, &DownloadError{FileID: fileID, Err: err}
	}

	root, err := os.OpenRoot(fs.copyRoot)
	if err != nil {
		return "", StatusFailed, &DownloadError{FileID: fileID, Err: err}
	}
	defer root.Close()
	src, err := os.Open(rec.Path)
	if err != nil {
		return "", StatusFailed, &DownloadError{FileID: fileID, Err: err}
	}
	defer src.Close()

	name := filepath.Join(rel, rec.Filename)
	dst, err := root.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", StatusFailed, &DownloadError{FileID: fileID, Err: err}
	}
	_, err = io.CopyBuffer(dst, src, make([]byte, fs.chunkSize))
	if closeErr := dst.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		_ = root.Remove(name)
		return "", StatusFailed, &DownloadError{FileID: fileID, Err: err}
	}
	return filepath.Join(fs.copyRoot, name), StatusSucceed, nil
}

func (fs *FileServer) relativeToCopyRoot(dstDir string) (string, error) {
	rel := filepath.Clean(dstDir)
	if filepath.IsAbs(rel) {
		var err error
		if rel, err = filepath.Rel(fs.copyRoot, rel); err != nil {
			return "", ErrOutsideCopyRoot
		}
	}
	if !filepath.IsLocal(rel) {
		return "", ErrOutsideCopyRoot
	}
	return rel, nil
}

// stream sends "DATA <size>" and the raw bytes. Only a *ConnectionError means
// the stream is out of sync; other failures happen before the header.
func (fs *FileServer) stream(ctx context.Context, conn io.Writer, fileID string) (TransferStatus, error) {
	rec, status, err := fs.lookup(ctx, fileID)
	if err != nil {
		return status, err
	}
	src, err := os.Open(rec.Path)
	if err != nil {
		return StatusFailed, &DownloadError{FileID: fileID, Err: err}
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return StatusFailed, &DownloadError{FileID: fileID, Err: err}
	}

	if err := writeStatus(conn, DataHeader, strconv.FormatInt(info.Size(), 10)); err != nil {
		return StatusFailed, &ConnectionError{Op: "write", Err: err}
	}
	sent, err := io.CopyBuffer(conn, io.LimitReader(src, info.Size()), make([]byte, fs.chunkSize))
	if err != nil || sent != info.Size() {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return StatusFailed, &ConnectionError{Op: "write", Err: err}
	}
	return StatusSucceed, nil
}

func (fs *FileServer) lookup(ctx context.Context, fileID string) (*storage.FileRecord, TransferStatus, error) {
	rec, err := fs.index.LookupFile(ctx, fileID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, StatusNotFound, &DownloadError{FileID: fileID, Err: err}
	}
	if err != nil {
		return nil, StatusFailed, &DownloadError{FileID: fileID, Err: err}
	}
	return rec, StatusSucceed, nil
}

// lingerClose half-closes and drains briefly before closing, so a reply sent
// while the peer was still uploading is not lost to a connection reset.
func lingerClose(conn io.ReadWriteCloser) {
	defer conn.Close()
	hc, ok := conn.(halfCloser)
	if !ok {
		return
	}
	if err := hc.CloseWrite(); err != nil {
		return
	}
	if dl, ok := conn.(interface{ SetReadDeadline(time.Time) error }); ok {
		_ = dl.SetReadDeadline(time.Now().Add(lingerTimeout))
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(conn, lingerMaxBytes))
}

func readMetadata(dec *Decoder, v any) error {
	frame, err := dec.Next()
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(cleanFrame(frame)), v); err != nil {
		return &ProtocolError{Token: frame, Err: err}
	}
	return nil
}

// writeStatus writes one reply frame: the status token and its arguments.
func writeStatus[T ~string](w io.Writer, status T, args ...string) error {
	frame, err := EncodeFrame(strings.Join(append([]string{string(status)}, args...), " "))
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// failureReason maps err to the fixed text sent after FAILED. Error strings
// themselves never reach the client since they carry server paths.
func failureReason(err error) string {
	var pathErr *os.PathError
	switch {
	case err == nil:
		return "internal error"
	case errors.Is(err, ErrInvalidFilename):
		return "invalid filename"
	case errors.Is(err, ErrShortUpload):
		return "upload ended early"
	case errors.Is(err, ErrCopyDisabled):
		return "server-side copy disabled"
	case errors.Is(err, ErrOutsideCopyRoot):
		return "destination outside copy root"
	case errors.Is(err, os.ErrExist):
		return "destination file exists"
	case errors.Is(err, os.ErrNotExist):
		return "file missing on server"
	case errors.Is(err, os.ErrPermission):
		return "permission denied"
	case isConnectionError(err):
		return "connection error"
	case errors.As(err, &pathErr):
		return "storage error"
	}
	return "internal error"
}

func hexDigest(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// sanitizeFilename keeps the final path element and removes what would let it
// escape the upload directory or break the file id.
func sanitizeFilename(name string) (string, bool) {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, "\x00", "")
	name = strings.Map(func(r rune) rune {
		if r == ' ' || r < 0x20 {
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "", false
	}
	return name, true
}
