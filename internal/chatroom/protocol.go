package chatroom

import (
	"regexp"
	"strings"
)

// Client commands.
const (
	CmdLogin     = "LOGIN"
	CmdRegister  = "REGISTER"
	CmdResume    = "RESUME_SESSION"
	CmdListRooms = "LIST_ROOMS"
	CmdEnter     = "ENTER"
	CmdCreate    = "CREATE_ROOM"
	CmdCreateAI  = "CREATE_AI"
	CmdLeave     = "LEAVE"
	CmdMsg       = "MSG"
	CmdPing      = "PING"
)

// Server responses and prefixes.
const (
	RespToken        = "TOKEN:"
	RespAuthOK       = "AUTH_OK"
	RespAuthFail     = "AUTH_FAIL"
	RespRegisterOK   = "REGISTER_OK"
	RespRegisterFail = "REGISTER_FAIL"
	RespRoomList     = "ROOM_LIST"
	RespRoomCreated  = "ROOM_CREATED"
	RespEntered      = "YOU HAVE ENTERED"
	RespLeft         = "YOU HAVE LEFT"
	RespPong         = "PONG"
	RespError        = "ERROR"
	AIPrefix         = "AI: "
)

var roomNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,50}$`)

// ValidRoomName reports whether name may be used for a room.
func ValidRoomName(name string) bool {
	return roomNamePattern.MatchString(name)
}

// Command is one parsed client line.
type Command struct {
	Name string
	Args []string
	// Rest is everything after the verb, for commands taking free text.
	Rest string
}

// ParseCommand splits a line into its verb and arguments and checks arity.
// Unknown verbs and missing arguments are reported as *ProtocolError.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimRight(line, "\r\n")
	verb, rest, _ := strings.Cut(strings.TrimLeft(line, " "), " ")
	cmd := Command{Name: verb, Rest: strings.TrimSpace(rest)}

	switch verb {
	case CmdLogin, CmdRegister:
		user, pass, ok := strings.Cut(cmd.Rest, " ")
		if !ok || user == "" || pass == "" {
			return cmd, &ProtocolError{Command: verb, Reason: "Missing credentials"}
		}
		cmd.Args = []string{user, pass}
	case CmdResume:
		if cmd.Rest == "" || strings.ContainsRune(cmd.Rest, ' ') {
			return cmd, &ProtocolError{Command: verb, Reason: "Token required"}
		}
		cmd.Args = []string{cmd.Rest}
	case CmdEnter, CmdCreate:
		if cmd.Rest == "" {
			return cmd, &ProtocolError{Command: verb, Reason: "Room name required"}
		}
		cmd.Args = []string{cmd.Rest}
	case CmdCreateAI:
		name, prompt, _ := strings.Cut(cmd.Rest, " ")
		if name == "" {
			return cmd, &ProtocolError{Command: verb, Reason: "Room name required"}
		}
		cmd.Args = []string{name, parsePrompt(prompt)}
	case CmdMsg:
		if cmd.Rest == "" {
			return cmd, &ProtocolError{Command: verb, Reason: "Cannot send empty message"}
		}
		cmd.Args = []string{cmd.Rest}
	case CmdListRooms, CmdLeave, CmdPing:
	case "":
		return cmd, &ProtocolError{Reason: "Empty command"}
	default:
		return cmd, &ProtocolError{Command: verb, Reason: "Unknown command: " + verb}
	}
	return cmd, nil
}

// parsePrompt accepts both a bare prompt and the prompt="..." form.
func parsePrompt(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "prompt=")
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	return strings.TrimSpace(s)
}

func errorLine(msg string) string {
	return RespError + " " + msg
}

func joinBanner(room string) string {
	return "---------- JOINED ROOM: " + room + " ----------"
}

func enterNotice(user string) string {
	return "[" + user + " entered the room]"
}

func leaveNotice(user string) string {
	return "[" + user + " left the room]"
}

// oneLine folds a multi-line string into a single protocol line.
var oneLine = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")
