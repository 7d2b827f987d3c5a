package chatroom

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Caesarsage/chatroom/internal/store"
)

func TestDirectoryGetOrCreate(t *testing.T) {
	p := newRecordingPersister()
	dir := NewDirectory(DirectoryOptions{Persister: p, Logger: zerolog.Nop()})
	defer dir.Close()

	first, created := dir.GetOrCreate("lobby", false, "")
	assert.True(t, created)
	second, created := dir.GetOrCreate("lobby", true, "ignored")
	assert.False(t, created)
	assert.Same(t, first, second)
	assert.False(t, second.IsAI())

	created1, _ := p.snapshot()
	assert.Equal(t, []string{"lobby"}, created1)
}

func TestDirectoryCreateIfAbsent(t *testing.T) {
	dir := NewDirectory(DirectoryOptions{Logger: zerolog.Nop()})
	defer dir.Close()

	r, err := dir.CreateIfAbsent("lobby", false, "")
	require.NoError(t, err)
	assert.Equal(t, "lobby", r.Name())

	_, err = dir.CreateIfAbsent("lobby", false, "")
	assert.ErrorIs(t, err, ErrRoomExists)

	_, created := dir.GetOrCreate("lobby", false, "")
	assert.False(t, created)
}

func TestDirectoryConcurrentGetOrCreate(t *testing.T) {
	dir := NewDirectory(DirectoryOptions{Logger: zerolog.Nop()})
	defer dir.Close()

	var wg sync.WaitGroup
	rooms := make([]*Room, 20)
	for i := range rooms {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rooms[i], _ = dir.GetOrCreate("lobby", false, "")
		}(i)
	}
	wg.Wait()

	for _, r := range rooms[1:] {
		assert.Same(t, rooms[0], r)
	}
	assert.Equal(t, []string{"lobby"}, dir.List())
}

func TestDirectoryListIsSorted(t *testing.T) {
	dir := NewDirectory(DirectoryOptions{Logger: zerolog.Nop()})
	defer dir.Close()

	for _, name := range []string{"zeta", "alpha", "mid"} {
		dir.GetOrCreate(name, false, "")
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, dir.List())
}

func TestDirectoryRestore(t *testing.T) {
	p := newRecordingPersister()
	dir := NewDirectory(DirectoryOptions{Persister: p, Logger: zerolog.Nop()})
	defer dir.Close()

	dir.GetOrCreate("lobby", false, "")

	n := dir.Restore([]store.RoomSnapshot{
		{Name: "lobby", History: []string{"should: be skipped"}},
		{Name: "oracle", IsAI: true, Prompt: "be terse", History: []string{"a: q", "AI: r"}, Context: []byte(`[1]`)},
	})
	assert.Equal(t, 1, n)

	oracle, ok := dir.Get("oracle")
	require.True(t, ok)
	assert.True(t, oracle.IsAI())
	assert.Equal(t, "be terse", oracle.Prompt())
	assert.Equal(t, []string{"a: q", "AI: r"}, oracle.HistorySnapshot())
	assert.Equal(t, []byte(`[1]`), oracle.AIContext())

	lobby, _ := dir.Get("lobby")
	assert.Empty(t, lobby.HistorySnapshot())

	created, appended := p.snapshot()
	assert.Equal(t, []string{"lobby"}, created)
	assert.Empty(t, appended)
}
