package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore handles SQLite database operations. The driver is either
// "sqlite" (modernc, pure Go) or "sqlite3" (mattn, cgo).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./chatdata/chat.db"
func NewSQLiteStore(ctx context.Context, driver, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./chatdata/chat.db"
	}

	// Ensure directory exists
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open(driver, dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS rooms (
			name TEXT PRIMARY KEY,
			is_ai INTEGER NOT NULL DEFAULT 0,
			prompt TEXT NOT NULL DEFAULT '',
			context BLOB,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			room TEXT NOT NULL,
			line TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room_seq ON messages(room, seq);`,
		`CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			password_hash TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// LoadRooms returns every room with its history, in creation order.
func (s *SQLiteStore) LoadRooms(ctx context.Context) ([]RoomSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, is_ai, prompt, context, created_at
		FROM rooms ORDER BY created_at, name
	`)
	if err != nil {
		return nil, err
	}

	var rooms []RoomSnapshot
	index := make(map[string]int)
	for rows.Next() {
		var r RoomSnapshot
		var isAI int
		if err := rows.Scan(&r.Name, &isAI, &r.Prompt, &r.Context, &r.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		r.IsAI = isAI != 0
		r.History = []string{}
		index[r.Name] = len(rooms)
		rooms = append(rooms, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	msgs, err := s.db.QueryContext(ctx, `SELECT room, line FROM messages ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer msgs.Close()

	for msgs.Next() {
		var room, line string
		if err := msgs.Scan(&room, &line); err != nil {
			return nil, err
		}
		if i, ok := index[room]; ok {
			rooms[i].History = append(rooms[i].History, line)
		}
	}
	return rooms, msgs.Err()
}

// CreateRoom inserts a room record.
func (s *SQLiteStore) CreateRoom(ctx context.Context, room RoomSnapshot) error {
	created := room.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	isAI := 0
	if room.IsAI {
		isAI = 1
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO rooms (name, is_ai, prompt, created_at)
		VALUES (?, ?, ?, ?)
	`, room.Name, isAI, room.Prompt, created)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRoomExists
	}
	return nil
}

// AppendMessage records a history line for a room.
func (s *SQLiteStore) AppendMessage(ctx context.Context, room, line string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, room, line, created_at)
		VALUES (?, ?, ?, ?)
	`, ulid.Make().String(), room, line, time.Now().UTC())
	return err
}

// UpdateContext stores the AI continuation context for a room.
func (s *SQLiteStore) UpdateContext(ctx context.Context, room string, aiCtx []byte) error {
	res, err := s.db.ExecContext(ctx, `UPDATE rooms SET context = ? WHERE name = ?`, aiCtx, room)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRoomNotFound
	}
	return nil
}

// CreateUser inserts a user record.
func (s *SQLiteStore) CreateUser(ctx context.Context, username, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO users (username, password_hash, created_at)
		VALUES (?, ?, ?)
	`, username, passwordHash, time.Now().UTC())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserExists
	}
	return nil
}

// PasswordHash returns the stored hash for username.
func (s *SQLiteStore) PasswordHash(ctx context.Context, username string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT password_hash FROM users WHERE username = ?`, username).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUserNotFound
	}
	return hash, err
}
