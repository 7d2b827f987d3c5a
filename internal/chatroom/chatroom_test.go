package chatroom

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestClient(name string) *Client {
	c := newClient(name, nil, 64, zerolog.Nop())
	c.setUsername(name)
	return c
}

type recordingPersister struct {
	mu       sync.Mutex
	created  []string
	appended []string
	contexts map[string][]byte
}

func newRecordingPersister() *recordingPersister {
	return &recordingPersister{contexts: make(map[string][]byte)}
}

func (p *recordingPersister) CreateRoom(name string, isAI bool, prompt string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, name)
}

func (p *recordingPersister) AppendMessage(room, line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.appended = append(p.appended, room+"|"+line)
}

func (p *recordingPersister) UpdateContext(room string, aiCtx []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.contexts[room] = append([]byte(nil), aiCtx...)
}

func (p *recordingPersister) snapshot() (created, appended []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.created...), append([]string(nil), p.appended...)
}

func expectMessageContains(t *testing.T, ch <-chan string, substr, label string) string {
	t.Helper()

	timeout := time.After(1 * time.Second)
	last := ""

	for {
		select {
		case msg := <-ch:
			last = msg
			if strings.Contains(msg, substr) {
				return msg
			}
		case <-timeout:
			if last == "" {
				t.Fatalf("%s didn't receive any message containing %q", label, substr)
			}
			t.Fatalf("%s didn't receive message containing %q; last message: %q", label, substr, last)
		}
	}
}

func expectNoMessage(t *testing.T, ch <-chan string, label string) {
	t.Helper()

	select {
	case msg := <-ch:
		t.Fatalf("%s received unexpected message %q", label, msg)
	case <-time.After(50 * time.Millisecond):
	}
}

// drain empties ch and returns what it held.
func drain(ch <-chan string) []string {
	var out []string
	for {
		select {
		case msg := <-ch:
			out = append(out, msg)
		default:
			return out
		}
	}
}
