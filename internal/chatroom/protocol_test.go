package chatroom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		name string
		args []string
	}{
		{"LOGIN alice pw", CmdLogin, []string{"alice", "pw"}},
		{"LOGIN alice pass with spaces", CmdLogin, []string{"alice", "pass with spaces"}},
		{"REGISTER bob pw\r", CmdRegister, []string{"bob", "pw"}},
		{"RESUME_SESSION abc123", CmdResume, []string{"abc123"}},
		{"ENTER lobby", CmdEnter, []string{"lobby"}},
		{"CREATE_ROOM lobby", CmdCreate, []string{"lobby"}},
		{`CREATE_AI aiRoom prompt="be terse"`, CmdCreateAI, []string{"aiRoom", "be terse"}},
		{"CREATE_AI aiRoom you are a pirate", CmdCreateAI, []string{"aiRoom", "you are a pirate"}},
		{"CREATE_AI aiRoom", CmdCreateAI, []string{"aiRoom", ""}},
		{"MSG hello  world", CmdMsg, []string{"hello  world"}},
		{"LIST_ROOMS", CmdListRooms, nil},
		{"LEAVE", CmdLeave, nil},
		{"PING", CmdPing, nil},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			cmd, err := ParseCommand(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.name, cmd.Name)
			assert.Equal(t, tt.args, cmd.Args)
		})
	}
}

func TestParseCommandErrors(t *testing.T) {
	tests := []struct {
		line   string
		reason string
	}{
		{"LOGIN alice", "Missing credentials"},
		{"RESUME_SESSION", "Token required"},
		{"ENTER", "Room name required"},
		{"MSG   ", "Cannot send empty message"},
		{"JUMP", "Unknown command: JUMP"},
		{"login alice pw", "Unknown command: login"},
		{"", "Empty command"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			_, err := ParseCommand(tt.line)
			assert.ErrorIs(t, err, ErrProtocol)

			var perr *ProtocolError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.reason, perr.Reason)
		})
	}
}

func TestValidRoomName(t *testing.T) {
	assert.True(t, ValidRoomName("lobby"))
	assert.True(t, ValidRoomName("ai-room_2.0"))
	assert.False(t, ValidRoomName(""))
	assert.False(t, ValidRoomName("has space"))
	assert.False(t, ValidRoomName("a/b"))
	assert.False(t, ValidRoomName(string(make([]byte, 51))))
}
