package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// WAL - Write-ahead-log

const (
	walFileName      = "messages.wal"
	snapshotFileName = "rooms.json"
)

const (
	opCreate  = "create"
	opAppend  = "append"
	opContext = "context"
	opUser    = "user"
)

type walRecord struct {
	ID        string    `json:"id"`
	Op        string    `json:"op"`
	Room      string    `json:"room,omitempty"`
	Line      string    `json:"line,omitempty"`
	IsAI      bool      `json:"is_ai,omitempty"`
	Prompt    string    `json:"prompt,omitempty"`
	Context   []byte    `json:"context,omitempty"`
	User      string    `json:"user,omitempty"`
	Hash      string    `json:"hash,omitempty"`
	Timestamp time.Time `json:"ts"`
}

type userRecord struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

type snapshotFile struct {
	Rooms []RoomSnapshot `json:"rooms"`
	Users []userRecord   `json:"users"`
}

var _ Store = (*FileStore)(nil)

// FileStore keeps rooms and users in memory, journals every mutation to a
// JSON-lines WAL and periodically folds the WAL into a snapshot file.
type FileStore struct {
	dir string

	mu         sync.Mutex
	rooms      map[string]*RoomSnapshot
	order      []string
	users      map[string]userRecord
	wal        *os.File
	walRecords int
}

// NewFileStore loads the snapshot, replays the WAL and opens it for appending.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s := &FileStore{
		dir:   dir,
		rooms: make(map[string]*RoomSnapshot),
		users: make(map[string]userRecord),
	}

	if err := s.loadSnapshot(); err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if err := s.recoverFromWAL(); err != nil {
		return nil, fmt.Errorf("recover wal: %w", err)
	}

	file, err := os.OpenFile(s.walPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	s.wal = file
	return s, nil
}

func (s *FileStore) walPath() string      { return filepath.Join(s.dir, walFileName) }
func (s *FileStore) snapshotPath() string { return filepath.Join(s.dir, snapshotFileName) }

func (s *FileStore) loadSnapshot() error {
	data, err := os.ReadFile(s.snapshotPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}

	for i := range snap.Rooms {
		room := cloneSnapshot(snap.Rooms[i])
		s.rooms[room.Name] = &room
		s.order = append(s.order, room.Name)
	}
	for _, u := range snap.Users {
		s.users[u.Username] = u
	}
	return nil
}

func (s *FileStore) recoverFromWAL() error {
	file, err := os.Open(s.walPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec walRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// Skip corrupt line (typically a torn final write)
			continue
		}
		s.apply(rec)
		s.walRecords++
	}
	return scanner.Err()
}

// check reports whether rec can be applied, without mutating anything.
func (s *FileStore) check(rec walRecord) error {
	switch rec.Op {
	case opCreate:
		if _, ok := s.rooms[rec.Room]; ok {
			return ErrRoomExists
		}
	case opAppend, opContext:
		if _, ok := s.rooms[rec.Room]; !ok {
			return ErrRoomNotFound
		}
	case opUser:
		if _, ok := s.users[rec.User]; ok {
			return ErrUserExists
		}
	default:
		return fmt.Errorf("unknown wal op %q", rec.Op)
	}
	return nil
}

// apply mutates in-memory state. Callers hold mu (or own s exclusively).
func (s *FileStore) apply(rec walRecord) error {
	if err := s.check(rec); err != nil {
		return err
	}
	switch rec.Op {
	case opCreate:
		s.rooms[rec.Room] = &RoomSnapshot{
			Name:      rec.Room,
			IsAI:      rec.IsAI,
			Prompt:    rec.Prompt,
			History:   []string{},
			CreatedAt: rec.Timestamp,
		}
		s.order = append(s.order, rec.Room)
	case opAppend:
		room := s.rooms[rec.Room]
		room.History = append(room.History, rec.Line)
	case opContext:
		s.rooms[rec.Room].Context = rec.Context
	case opUser:
		s.users[rec.User] = userRecord{Username: rec.User, PasswordHash: rec.Hash, CreatedAt: rec.Timestamp}
	}
	return nil
}

// commit journals rec and only then applies it, so a failed write leaves
// memory matching disk.
func (s *FileStore) commit(rec walRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wal == nil {
		return os.ErrClosed
	}

	rec.ID = ulid.Make().String()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	if err := s.check(rec); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := s.wal.Write(append(data, '\n')); err != nil {
		return err
	}
	if err := s.wal.Sync(); err != nil {
		return err
	}
	s.walRecords++
	return s.apply(rec)
}

// LoadRooms returns every room in creation order.
func (s *FileStore) LoadRooms(_ context.Context) ([]RoomSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RoomSnapshot, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, cloneSnapshot(*s.rooms[name]))
	}
	return out, nil
}

func (s *FileStore) CreateRoom(_ context.Context, room RoomSnapshot) error {
	return s.commit(walRecord{Op: opCreate, Room: room.Name, IsAI: room.IsAI, Prompt: room.Prompt, Timestamp: room.CreatedAt})
}

func (s *FileStore) AppendMessage(_ context.Context, room, line string) error {
	return s.commit(walRecord{Op: opAppend, Room: room, Line: line})
}

func (s *FileStore) UpdateContext(_ context.Context, room string, aiCtx []byte) error {
	return s.commit(walRecord{Op: opContext, Room: room, Context: aiCtx})
}

func (s *FileStore) CreateUser(_ context.Context, username, passwordHash string) error {
	return s.commit(walRecord{Op: opUser, User: username, Hash: passwordHash})
}

func (s *FileStore) PasswordHash(_ context.Context, username string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return "", ErrUserNotFound
	}
	return u.PasswordHash, nil
}

func (s *FileStore) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wal == nil {
		return os.ErrClosed
	}
	return nil
}

// Compact writes the full state to the snapshot file and truncates the WAL.
func (s *FileStore) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compactLocked()
}

func (s *FileStore) compactLocked() error {
	snap := snapshotFile{
		Rooms: make([]RoomSnapshot, 0, len(s.order)),
		Users: make([]userRecord, 0, len(s.users)),
	}
	for _, name := range s.order {
		snap.Rooms = append(snap.Rooms, *s.rooms[name])
	}
	for _, u := range s.users {
		snap.Users = append(snap.Users, u)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	tempPath := s.snapshotPath() + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tempPath, s.snapshotPath()); err != nil {
		return err
	}

	return s.truncateWALLocked()
}

func (s *FileStore) truncateWALLocked() error {
	if s.wal != nil {
		s.wal.Close()
	}
	file, err := os.OpenFile(s.walPath(), os.O_TRUNC|os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.wal = nil
		return err
	}
	s.wal = file
	s.walRecords = 0
	return nil
}

// RunCompaction folds the WAL into the snapshot on every tick that saw writes,
// until ctx is done.
func (s *FileStore) RunCompaction(ctx context.Context, interval time.Duration, log zerolog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.mu.Lock()
			pending := s.walRecords
			var err error
			if pending > 0 {
				err = s.compactLocked()
			}
			s.mu.Unlock()

			if err != nil {
				log.Error().Err(err).Msg("snapshot failed")
			} else if pending > 0 {
				log.Debug().Int("records", pending).Msg("wal compacted")
			}
		}
	}
}

// Close writes a final snapshot and closes the WAL.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wal == nil {
		return nil
	}
	err := s.compactLocked()
	if s.wal != nil {
		if cerr := s.wal.Close(); err == nil {
			err = cerr
		}
		s.wal = nil
	}
	return err
}

