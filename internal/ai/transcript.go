package ai

import "encoding/json"

// maxTurns bounds the transcript carried between calls for chat-style APIs.
const maxTurns = 20

const (
	roleUser      = "user"
	roleAssistant = "assistant"
)

type turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// decodeTranscript reads a continuation produced by encodeTranscript. Anything
// unreadable starts a fresh conversation.
func decodeTranscript(data []byte) []turn {
	if len(data) == 0 {
		return nil
	}
	var turns []turn
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil
	}
	return turns
}

// appendExchange records one prompt/reply pair and keeps the newest maxTurns.
func appendExchange(turns []turn, prompt, reply string) []turn {
	turns = append(turns, turn{Role: roleUser, Text: prompt}, turn{Role: roleAssistant, Text: reply})
	if len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	return turns
}

func encodeTranscript(turns []turn) []byte {
	data, err := json.Marshal(turns)
	if err != nil {
		return nil
	}
	return data
}
