package store

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingStore struct {
	mu    sync.Mutex
	ops   []string
	block chan struct{}
}

func (r *recordingStore) record(op string) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
	return nil
}

func (r *recordingStore) LoadRooms(context.Context) ([]RoomSnapshot, error) { return nil, nil }
func (r *recordingStore) CreateRoom(_ context.Context, room RoomSnapshot) error {
	return r.record("create " + room.Name)
}
func (r *recordingStore) AppendMessage(_ context.Context, room, line string) error {
	return r.record("append " + room + " " + line)
}
func (r *recordingStore) UpdateContext(_ context.Context, room string, aiCtx []byte) error {
	return r.record("context " + room + " " + string(aiCtx))
}

func TestAsyncPreservesOrder(t *testing.T) {
	rec := &recordingStore{}
	a := NewAsync(rec, 16, zerolog.Nop())

	a.CreateRoom("lobby", false, "")
	a.AppendMessage("lobby", "alice: hi")
	a.AppendMessage("lobby", "bob: yo")
	a.UpdateContext("lobby", []byte("ctx"))
	a.Close()

	assert.Equal(t, []string{
		"create lobby",
		"append lobby alice: hi",
		"append lobby bob: yo",
		"context lobby ctx",
	}, rec.ops)
}

func TestAsyncDropsWhenQueueFull(t *testing.T) {
	rec := &recordingStore{block: make(chan struct{})}
	a := NewAsync(rec, 1, zerolog.Nop())

	// The worker takes the first job and blocks; the second fills the queue;
	// the rest must be dropped without blocking this goroutine.
	for i := 0; i < 10; i++ {
		a.AppendMessage("lobby", "line")
	}

	close(rec.block)
	a.Close()

	require.NotEmpty(t, rec.ops)
	assert.LessOrEqual(t, len(rec.ops), 2)
}

func TestAsyncIgnoresWritesAfterClose(t *testing.T) {
	rec := &recordingStore{}
	a := NewAsync(rec, 4, zerolog.Nop())
	a.Close()
	a.AppendMessage("lobby", "late")
	a.Close()

	assert.Empty(t, rec.ops)
}
