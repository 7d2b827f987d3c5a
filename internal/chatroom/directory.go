package chatroom

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Caesarsage/chatroom/internal/ai"
	"github.com/Caesarsage/chatroom/internal/store"
)

// DirectoryOptions configures the rooms a Directory creates.
type DirectoryOptions struct {
	Persister   Persister
	Generator   ai.Generator
	AIQueueSize int
	Logger      zerolog.Logger
}

// Directory maps room names to rooms. The directory lock only covers the map.
type Directory struct {
	opts DirectoryOptions

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewDirectory(opts DirectoryOptions) *Directory {
	if opts.Persister == nil {
		opts.Persister = nopPersister{}
	}
	return &Directory{
		opts:  opts,
		rooms: make(map[string]*Room),
	}
}

func (d *Directory) newRoomLocked(name string, isAI bool, prompt string) *Room {
	r := newRoom(name, isAI, prompt, d.opts.Generator, d.opts.AIQueueSize, d.opts.Persister, d.opts.Logger)
	d.rooms[name] = r
	return r
}

// GetOrCreate returns the named room, creating and persisting it if needed.
// created reports whether this call made it.
func (d *Directory) GetOrCreate(name string, isAI bool, prompt string) (room *Room, created bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if r, ok := d.rooms[name]; ok {
		return r, false
	}
	r := d.newRoomLocked(name, isAI, prompt)
	d.opts.Persister.CreateRoom(name, isAI, prompt)
	d.opts.Logger.Info().Str("room", name).Bool("ai", isAI).Msg("room created")
	return r, true
}

// CreateIfAbsent creates the named room or fails with ErrRoomExists.
func (d *Directory) CreateIfAbsent(name string, isAI bool, prompt string) (*Room, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.rooms[name]; ok {
		return nil, ErrRoomExists
	}
	r := d.newRoomLocked(name, isAI, prompt)
	d.opts.Persister.CreateRoom(name, isAI, prompt)
	d.opts.Logger.Info().Str("room", name).Bool("ai", isAI).Msg("room created")
	return r, nil
}

// Get returns the named room if it exists.
func (d *Directory) Get(name string) (*Room, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rooms[name]
	return r, ok
}

// List returns the room names in sorted order.
func (d *Directory) List() []string {
	d.mu.Lock()
	names := make([]string, 0, len(d.rooms))
	for name := range d.rooms {
		names = append(names, name)
	}
	d.mu.Unlock()

	sort.Strings(names)
	return names
}

// Restore registers rooms loaded from the store, with their history and AI
// context. Nothing is persisted or delivered. Names already present are
// skipped.
func (d *Directory) Restore(snapshots []store.RoomSnapshot) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, snap := range snapshots {
		if _, ok := d.rooms[snap.Name]; ok {
			continue
		}
		r := d.newRoomLocked(snap.Name, snap.IsAI, snap.Prompt)
		r.SetHistory(snap.History)
		if len(snap.Context) > 0 {
			r.SetAIContext(snap.Context)
		}
		n++
	}
	return n
}

// Close stops the AI workers of every room.
func (d *Directory) Close() {
	d.mu.Lock()
	rooms := make([]*Room, 0, len(d.rooms))
	for _, r := range d.rooms {
		rooms = append(rooms, r)
	}
	d.mu.Unlock()

	for _, r := range rooms {
		r.close()
	}
}
