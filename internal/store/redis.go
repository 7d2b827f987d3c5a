package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

const (
	roomsKey = "chat:rooms"
	usersKey = "chat:users"
)

var _ Store = (*RedisStore)(nil)

// RedisStore keeps room metadata in a hash, each room's history in a list
// and each room's AI context in a plain key.
type RedisStore struct {
	client *redis.Client
}

type redisRoomMeta struct {
	Name      string    `json:"name"`
	IsAI      bool      `json:"is_ai"`
	Prompt    string    `json:"prompt,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type redisMessage struct {
	ID        string `json:"id"`
	Line      string `json:"line"`
	Timestamp int64  `json:"ts"`
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// roomHistoryKey returns the key for a room's message list.
func roomHistoryKey(room string) string {
	return fmt.Sprintf("chat:room:%s:history", room)
}

// roomContextKey returns the key for a room's AI context.
func roomContextKey(room string) string {
	return fmt.Sprintf("chat:room:%s:context", room)
}

// LoadRooms returns every room with its history, in creation order.
func (s *RedisStore) LoadRooms(ctx context.Context) ([]RoomSnapshot, error) {
	metas, err := s.client.HGetAll(ctx, roomsKey).Result()
	if err != nil {
		return nil, err
	}

	rooms := make([]RoomSnapshot, 0, len(metas))
	for _, raw := range metas {
		var meta redisRoomMeta
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			continue
		}
		rooms = append(rooms, RoomSnapshot{
			Name:      meta.Name,
			IsAI:      meta.IsAI,
			Prompt:    meta.Prompt,
			CreatedAt: meta.CreatedAt,
		})
	}
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].CreatedAt.Equal(rooms[j].CreatedAt) {
			return rooms[i].Name < rooms[j].Name
		}
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})

	for i := range rooms {
		pipe := s.client.Pipeline()
		histCmd := pipe.LRange(ctx, roomHistoryKey(rooms[i].Name), 0, -1)
		ctxCmd := pipe.Get(ctx, roomContextKey(rooms[i].Name))
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}

		rooms[i].History = make([]string, 0, len(histCmd.Val()))
		for _, data := range histCmd.Val() {
			var msg redisMessage
			if err := json.Unmarshal([]byte(data), &msg); err != nil {
				continue
			}
			rooms[i].History = append(rooms[i].History, msg.Line)
		}

		if b, err := ctxCmd.Bytes(); err == nil {
			rooms[i].Context = b
		}
	}
	return rooms, nil
}

// CreateRoom stores the room metadata if the name is free.
func (s *RedisStore) CreateRoom(ctx context.Context, room RoomSnapshot) error {
	created := room.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	data, err := json.Marshal(redisRoomMeta{Name: room.Name, IsAI: room.IsAI, Prompt: room.Prompt, CreatedAt: created})
	if err != nil {
		return err
	}

	ok, err := s.client.HSetNX(ctx, roomsKey, room.Name, string(data)).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrRoomExists
	}
	return nil
}

// AppendMessage pushes a history line onto the room's list.
func (s *RedisStore) AppendMessage(ctx context.Context, room, line string) error {
	data, err := json.Marshal(redisMessage{
		ID:        ulid.Make().String(),
		Line:      line,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, roomHistoryKey(room), string(data)).Err()
}

// UpdateContext replaces the room's AI context.
func (s *RedisStore) UpdateContext(ctx context.Context, room string, aiCtx []byte) error {
	exists, err := s.client.HExists(ctx, roomsKey, room).Result()
	if err != nil {
		return err
	}
	if !exists {
		return ErrRoomNotFound
	}
	return s.client.Set(ctx, roomContextKey(room), aiCtx, 0).Err()
}

// CreateUser stores the hash if the username is free.
func (s *RedisStore) CreateUser(ctx context.Context, username, passwordHash string) error {
	ok, err := s.client.HSetNX(ctx, usersKey, username, passwordHash).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrUserExists
	}
	return nil
}

// PasswordHash returns the stored hash for username.
func (s *RedisStore) PasswordHash(ctx context.Context, username string) (string, error) {
	hash, err := s.client.HGet(ctx, usersKey, username).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrUserNotFound
	}
	return hash, err
}
