package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the behaviour every backend must share. Room names are
// prefixed so the test can run against shared databases.
func exerciseStore(t *testing.T, s Store, prefix string) {
	t.Helper()
	ctx := context.Background()

	lobby := prefix + "lobby"
	oracle := prefix + "oracle"

	require.NoError(t, s.CreateRoom(ctx, RoomSnapshot{Name: lobby}))
	require.NoError(t, s.CreateRoom(ctx, RoomSnapshot{Name: oracle, IsAI: true, Prompt: "be terse"}))
	assert.ErrorIs(t, s.CreateRoom(ctx, RoomSnapshot{Name: lobby}), ErrRoomExists)

	require.NoError(t, s.AppendMessage(ctx, lobby, "alice: hi"))
	require.NoError(t, s.AppendMessage(ctx, lobby, "bob: hello"))
	require.NoError(t, s.AppendMessage(ctx, oracle, "alice: question"))
	require.NoError(t, s.AppendMessage(ctx, oracle, "AI: answer"))
	require.NoError(t, s.UpdateContext(ctx, oracle, []byte(`[1,2,3]`)))
	assert.ErrorIs(t, s.UpdateContext(ctx, prefix+"missing", []byte(`[]`)), ErrRoomNotFound)

	rooms, err := s.LoadRooms(ctx)
	require.NoError(t, err)

	byName := make(map[string]RoomSnapshot)
	for _, r := range rooms {
		byName[r.Name] = r
	}
	require.Contains(t, byName, lobby)
	require.Contains(t, byName, oracle)

	assert.Equal(t, []string{"alice: hi", "bob: hello"}, byName[lobby].History)
	assert.False(t, byName[lobby].IsAI)
	assert.True(t, byName[oracle].IsAI)
	assert.Equal(t, "be terse", byName[oracle].Prompt)
	assert.Equal(t, []string{"alice: question", "AI: answer"}, byName[oracle].History)
	assert.JSONEq(t, `[1,2,3]`, string(byName[oracle].Context))

	alice := prefix + "alice"
	require.NoError(t, s.CreateUser(ctx, alice, "hash-1"))
	assert.ErrorIs(t, s.CreateUser(ctx, alice, "hash-2"), ErrUserExists)

	hash, err := s.PasswordHash(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "hash-1", hash)

	_, err = s.PasswordHash(ctx, prefix+"nobody")
	assert.ErrorIs(t, err, ErrUserNotFound)

	require.NoError(t, s.Ping(ctx))
}
