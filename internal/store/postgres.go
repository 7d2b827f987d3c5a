package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init postgres schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS rooms (
			name TEXT PRIMARY KEY,
			is_ai BOOLEAN NOT NULL DEFAULT FALSE,
			prompt TEXT NOT NULL DEFAULT '',
			context BYTEA,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			room TEXT NOT NULL,
			line TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room_seq ON messages(room, seq)`,
		`CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			password_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// LoadRooms returns every room with its history, in creation order.
func (s *PostgresStore) LoadRooms(ctx context.Context) ([]RoomSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
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
		if err := rows.Scan(&r.Name, &r.IsAI, &r.Prompt, &r.Context, &r.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		r.History = []string{}
		index[r.Name] = len(rooms)
		rooms = append(rooms, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	msgs, err := s.pool.Query(ctx, `SELECT room, line FROM messages ORDER BY seq`)
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
func (s *PostgresStore) CreateRoom(ctx context.Context, room RoomSnapshot) error {
	created := room.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO rooms (name, is_ai, prompt, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO NOTHING
	`, room.Name, room.IsAI, room.Prompt, created)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRoomExists
	}
	return nil
}

// AppendMessage records a history line for a room.
func (s *PostgresStore) AppendMessage(ctx context.Context, room, line string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, room, line) VALUES ($1, $2, $3)
	`, ulid.Make().String(), room, line)
	return err
}

// UpdateContext stores the AI continuation context for a room.
func (s *PostgresStore) UpdateContext(ctx context.Context, room string, aiCtx []byte) error {
	tag, err := s.pool.Exec(ctx, `UPDATE rooms SET context = $1 WHERE name = $2`, aiCtx, room)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRoomNotFound
	}
	return nil
}

// CreateUser inserts a user record.
func (s *PostgresStore) CreateUser(ctx context.Context, username, passwordHash string) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO users (username, password_hash) VALUES ($1, $2)
		ON CONFLICT (username) DO NOTHING
	`, username, passwordHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserExists
	}
	return nil
}

// PasswordHash returns the stored hash for username.
func (s *PostgresStore) PasswordHash(ctx context.Context, username string) (string, error) {
	var hash string
	err := s.pool.QueryRow(ctx, `SELECT password_hash FROM users WHERE username = $1`, username).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrUserNotFound
		}
		return "", err
	}
	return hash, nil
}
