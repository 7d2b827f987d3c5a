package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Caesarsage/chatroom/internal/config"
)

var (
	ErrUserExists   = errors.New("user already exists")
	ErrUserNotFound = errors.New("user not found")
	ErrRoomExists   = errors.New("room already exists")
	ErrRoomNotFound = errors.New("room not found")
)

// RoomSnapshot is the persisted form of a room: metadata, the AI continuation
// context and the ordered message history.
type RoomSnapshot struct {
	Name      string    `json:"name"`
	IsAI      bool      `json:"is_ai"`
	Prompt    string    `json:"prompt,omitempty"`
	Context   []byte    `json:"context,omitempty"`
	History   []string  `json:"history"`
	CreatedAt time.Time `json:"created_at"`
}

// RoomStore persists rooms and their message history.
type RoomStore interface {
	LoadRooms(ctx context.Context) ([]RoomSnapshot, error)
	CreateRoom(ctx context.Context, room RoomSnapshot) error
	AppendMessage(ctx context.Context, room, line string) error
	UpdateContext(ctx context.Context, room string, aiCtx []byte) error
}

// UserStore persists user credentials. Hashing is the caller's concern.
type UserStore interface {
	CreateUser(ctx context.Context, username, passwordHash string) error
	PasswordHash(ctx context.Context, username string) (string, error)
}

// Store is implemented by every backend.
type Store interface {
	RoomStore
	UserStore
	Ping(ctx context.Context) error
	Close() error
}

// Open connects to the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case config.DriverFile:
		return NewFileStore(cfg.Dir)
	case config.DriverSQLite, config.DriverSQLite3:
		return NewSQLiteStore(ctx, cfg.Driver, cfg.SQLitePath)
	case config.DriverPostgres:
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	case config.DriverRedis:
		return NewRedisStore(ctx, cfg.RedisURL)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func cloneSnapshot(r RoomSnapshot) RoomSnapshot {
	out := r
	out.History = append([]string(nil), r.History...)
	if r.Context != nil {
		out.Context = append([]byte(nil), r.Context...)
	}
	return out
}
