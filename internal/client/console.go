package client

import (
	"errors"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Translate reports these for console-only commands.
var (
	ErrQuit = errors.New("quit")
	ErrHelp = errors.New("help")
)

// Help lists the console commands.
const Help = `Commands:
  /list                      list rooms
  /enter <room>              enter (or create) a room
  /create <room>             create a room
  /createai <room> <prompt>  create an AI room
  /leave                     leave the current room
  /quit                      exit
Anything else is sent to the current room.`

// Translate turns console input into a protocol line. Empty input yields "".
func Translate(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", nil
	}
	if !strings.HasPrefix(input, "/") {
		return "MSG " + input, nil
	}

	verb, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)

	switch verb {
	case "/list":
		return "LIST_ROOMS", nil
	case "/enter":
		if rest == "" {
			return "", errors.New("usage: /enter <room>")
		}
		return "ENTER " + rest, nil
	case "/create":
		if rest == "" {
			return "", errors.New("usage: /create <room>")
		}
		return "CREATE_ROOM " + rest, nil
	case "/createai":
		room, prompt, _ := strings.Cut(rest, " ")
		if room == "" {
			return "", errors.New("usage: /createai <room> <prompt>")
		}
		return strings.TrimSpace("CREATE_AI " + room + " " + strings.TrimSpace(prompt)), nil
	case "/leave":
		return "LEAVE", nil
	case "/quit", "/exit":
		return "", ErrQuit
	case "/help":
		return "", ErrHelp
	default:
		return "", errors.New("unknown command " + verb + " (try /help)")
	}
}

var (
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	aiStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("170"))
	noticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Italic(true)
	bannerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true)
	selfStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

// Render styles one server line for the terminal. self is the local user.
func Render(line, self string) string {
	switch {
	case strings.HasPrefix(line, "ERROR "):
		return errorStyle.Render(line)
	case strings.HasPrefix(line, "AI: "):
		return aiStyle.Render(line)
	case strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]"):
		return noticeStyle.Render(line)
	case strings.HasPrefix(line, "----------"),
		strings.HasPrefix(line, "YOU HAVE "),
		strings.HasPrefix(line, "ROOM_CREATED "):
		return bannerStyle.Render(line)
	case strings.HasPrefix(line, "ROOM_LIST"):
		rooms := strings.TrimSpace(strings.TrimPrefix(line, "ROOM_LIST"))
		if rooms == "" {
			return bannerStyle.Render("No rooms yet.")
		}
		return bannerStyle.Render("Rooms: " + strings.ReplaceAll(rooms, ",", ", "))
	case self != "" && strings.HasPrefix(line, self+": "):
		return selfStyle.Render(line)
	default:
		return line
	}
}
