package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000

	// TimestampLayout is fixed width so that lexical order in SQL equals time order.
	TimestampLayout = "2006-01-02 15:04:05.000000000"

	// ReplayPageSize is how many messages one replay query fetches.
	ReplayPageSize = 256
)

// RoomKind tells whether a room replays its full log or a per-user window.
type RoomKind string

const (
	RoomGlobal  RoomKind = "GLOBAL"
	RoomPrivate RoomKind = "PRIVATE"
)

// Store wraps the SQLite handle and exposes the history operations used by the server.
type Store struct {
	db *sql.DB
}

// Message represents a row in the messages table joined with its sender and room.
type Message struct {
	ID        int64
	Text      string
	Sender    string
	Room      string
	Timestamp time.Time
}

// FileRecord points an issued file id at the stored bytes.
type FileRecord struct {
	FileID    string
	Path      string
	Filename  string
	SizeBytes int64
	SHA256    string
	CreatedAt time.Time
}

var (
	// ErrNotFound is returned when a user, room or file id is unknown.
	ErrNotFound = errors.New("not found")
	// ErrFileExists is returned when a file id is recorded twice.
	ErrFileExists = errors.New("file id already recorded")
)

// StoreError carries the failing operation name; errors.Is still sees ErrNotFound.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// NewStore initializes the SQLite database at the provided path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "roomchat.db"
	}
	dsn := buildDSN(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite has one writer; a single pooled connection keeps busy errors out
	// of the request path and every operation releases it on return.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return wrap("ping", s.db.PingContext(ctx))
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE
		);`,
		`CREATE TABLE IF NOT EXISTS rooms (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL DEFAULT 'GLOBAL'
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			text TEXT NOT NULL,
			sender_id INTEGER NOT NULL,
			room_id INTEGER NOT NULL,
			timestamp TEXT NOT NULL,
			FOREIGN KEY(sender_id) REFERENCES users(id),
			FOREIGN KEY(room_id) REFERENCES rooms(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room_ts ON messages(room_id, timestamp, id);`,
		`CREATE TABLE IF NOT EXISTS room_checkins (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender_id INTEGER NOT NULL,
			room_id INTEGER NOT NULL,
			join_timestamp TEXT NOT NULL,
			UNIQUE(sender_id, room_id),
			FOREIGN KEY(sender_id) REFERENCES users(id),
			FOREIGN KEY(room_id) REFERENCES rooms(id)
		);`,
		`CREATE TABLE IF NOT EXISTS files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			file_id TEXT NOT NULL UNIQUE,
			file_path TEXT NOT NULL,
			filename TEXT NOT NULL DEFAULT '',
			size_bytes INTEGER NOT NULL DEFAULT 0,
			sha256 TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// EnsureUser inserts the username if it is new and returns its id.
func (s *Store) EnsureUser(ctx context.Context, username string) (int64, error) {
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO users(username) VALUES(?)`, username); err != nil {
		return 0, wrap("ensure_user", err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM users WHERE username = ?`, username).Scan(&id); err != nil {
		return 0, wrap("ensure_user", err)
	}
	return id, nil
}

// EnsureRoom creates the room with the given kind if it is new. It returns the
// kind the room actually has, which differs from kind when the name was
// already taken by the other kind of room.
func (s *Store) EnsureRoom(ctx context.Context, name string, kind RoomKind) (RoomKind, error) {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO rooms(name, kind) VALUES(?, ?) ON CONFLICT(name) DO NOTHING`, name, string(kind)); err != nil {
		return "", wrap("ensure_room", err)
	}
	var stored string
	if err := s.db.QueryRowContext(ctx, `SELECT kind FROM rooms WHERE name = ?`, name).Scan(&stored); err != nil {
		return "", wrap("ensure_room", err)
	}
	return RoomKind(stored), nil
}

// RoomExists reports whether a room has been persisted.
func (s *Store) RoomExists(ctx context.Context, name string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM rooms WHERE name = ?`, name).Scan(&count); err != nil {
		return false, wrap("room_exists", err)
	}
	return count > 0, nil
}

// AppendMessage durably appends one message. ErrNotFound is returned when the
// sender or the room was never created.
func (s *Store) AppendMessage(ctx context.Context, text, sender, room string, ts time.Time) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrap("append_message", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	senderID, roomID, err := lookupPair(ctx, tx, sender, room)
	if err != nil {
		return nil, wrap("append_message", err)
	}
	ts = ts.UTC()
	result, err := tx.ExecContext(ctx, `INSERT INTO messages(text, sender_id, room_id, timestamp) VALUES(?, ?, ?, ?)`,
		text, senderID, roomID, ts.Format(TimestampLayout))
	if err != nil {
		return nil, wrap("append_message", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, wrap("append_message", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, wrap("append_message", err)
	}
	return &Message{ID: id, Text: text, Sender: sender, Room: room, Timestamp: ts}, nil
}

// ReplayHistory returns the room log in ascending time order. With a non-nil
// since only messages strictly after it are returned. The room must exist;
// ErrNotFound is returned up front otherwise.
//
// The sequence is lazy and pages through the table, so no connection is held
// between pages while the caller writes to the network.
func (s *Store) ReplayHistory(ctx context.Context, room string, since *time.Time) (iter.Seq2[Message, error], error) {
	var roomID int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM rooms WHERE name = ?`, room).Scan(&roomID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, wrap("replay_history", fmt.Errorf("room %q: %w", room, ErrNotFound))
		}
		return nil, wrap("replay_history", err)
	}
	lowerBound := ""
	if since != nil {
		lowerBound = since.UTC().Format(TimestampLayout)
	}
	return func(yield func(Message, error) bool) {
		cursorTS, cursorID := lowerBound, int64(0)
		for {
			page, err := s.replayPage(ctx, roomID, room, lowerBound, cursorTS, cursorID)
			if err != nil {
				yield(Message{}, wrap("replay_history", err))
				return
			}
			for _, msg := range page {
				if !yield(msg, nil) {
					return
				}
			}
			if len(page) < ReplayPageSize {
				return
			}
			last := page[len(page)-1]
			cursorTS, cursorID = last.Timestamp.Format(TimestampLayout), last.ID
		}
	}, nil
}

func (s *Store) replayPage(ctx context.Context, roomID int64, room, lowerBound, cursorTS string, cursorID int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.text, u.username, m.timestamp
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.room_id = ?
		  AND m.timestamp > ?
		  AND (m.timestamp > ? OR (m.timestamp = ? AND m.id > ?))
		ORDER BY m.timestamp ASC, m.id ASC
		LIMIT ?
	`, roomID, lowerBound, cursorTS, cursorTS, cursorID, ReplayPageSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := make([]Message, 0, ReplayPageSize)
	for rows.Next() {
		var (
			msg Message
			ts  string
		)
		if err := rows.Scan(&msg.ID, &msg.Text, &msg.Sender, &ts); err != nil {
			return nil, err
		}
		if msg.Timestamp, err = time.Parse(TimestampLayout, ts); err != nil {
			return nil, err
		}
		msg.Room = room
		page = append(page, msg)
	}
	return page, rows.Err()
}

// GetOrCreateCheckpoint returns the user's first-join time for the room,
// recording proposed as that time if the pair has never been seen. At most one
// checkpoint exists per (user, room) even under concurrent joins.
func (s *Store) GetOrCreateCheckpoint(ctx context.Context, user, room string, proposed time.Time) (time.Time, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return time.Time{}, wrap("checkpoint", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	senderID, roomID, err := lookupPair(ctx, tx, user, room)
	if err != nil {
		return time.Time{}, wrap("checkpoint", err)
	}
	if _, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO room_checkins(sender_id, room_id, join_timestamp) VALUES(?, ?, ?)`,
		senderID, roomID, proposed.UTC().Format(TimestampLayout)); err != nil {
		return time.Time{}, wrap("checkpoint", err)
	}
	var stored string
	if err = tx.QueryRowContext(ctx, `SELECT join_timestamp FROM room_checkins WHERE sender_id = ? AND room_id = ?`, senderID, roomID).Scan(&stored); err != nil {
		return time.Time{}, wrap("checkpoint", err)
	}
	if err = tx.Commit(); err != nil {
		return time.Time{}, wrap("checkpoint", err)
	}
	checkpoint, err := time.Parse(TimestampLayout, stored)
	if err != nil {
		return time.Time{}, wrap("checkpoint", err)
	}
	return checkpoint, nil
}

// RecordFile stores a FileRecord once its upload completed.
func (s *Store) RecordFile(ctx context.Context, rec FileRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files(file_id, file_path, filename, size_bytes, sha256, created_at)
		VALUES(?, ?, ?, ?, ?, ?)
	`, rec.FileID, rec.Path, rec.Filename, rec.SizeBytes, rec.SHA256, rec.CreatedAt.UTC().Format(TimestampLayout))
	if err != nil {
		if isConstraintError(err) {
			return wrap("record_file", ErrFileExists)
		}
		return wrap("record_file", err)
	}
	return nil
}

// LookupFile fetches the full record for a file id.
func (s *Store) LookupFile(ctx context.Context, fileID string) (*FileRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT file_id, file_path, filename, size_bytes, sha256, created_at
		FROM files WHERE file_id = ?
	`, fileID)
	var (
		rec     FileRecord
		created string
	)
	if err := row.Scan(&rec.FileID, &rec.Path, &rec.Filename, &rec.SizeBytes, &rec.SHA256, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, wrap("lookup_file", fmt.Errorf("file %q: %w", fileID, ErrNotFound))
		}
		return nil, wrap("lookup_file", err)
	}
	var err error
	if rec.CreatedAt, err = time.Parse(TimestampLayout, created); err != nil {
		return nil, wrap("lookup_file", err)
	}
	return &rec, nil
}

// LookupFilePath returns the storage path for a file id.
func (s *Store) LookupFilePath(ctx context.Context, fileID string) (string, error) {
	rec, err := s.LookupFile(ctx, fileID)
	if err != nil {
		return "", err
	}
	return rec.Path, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func lookupPair(ctx context.Context, q queryRower, user, room string) (int64, int64, error) {
	var senderID, roomID int64
	if err := q.QueryRowContext(ctx, `SELECT id FROM users WHERE username = ?`, user).Scan(&senderID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, fmt.Errorf("user %q: %w", user, ErrNotFound)
		}
		return 0, 0, err
	}
	if err := q.QueryRowContext(ctx, `SELECT id FROM rooms WHERE name = ?`, room).Scan(&roomID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, fmt.Errorf("room %q: %w", room, ErrNotFound)
		}
		return 0, 0, err
	}
	return senderID, roomID, nil
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xff == sqliteConstraintCode
	}
	return false
}
