package chatroom

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Caesarsage/chatroom/internal/ai"
	"github.com/Caesarsage/chatroom/internal/metrics"
)

// Persister receives room changes. Calls must not block the room.
type Persister interface {
	CreateRoom(name string, isAI bool, prompt string)
	AppendMessage(room, line string)
	UpdateContext(room string, aiCtx []byte)
}

type nopPersister struct{}

func (nopPersister) CreateRoom(string, bool, string) {}
func (nopPersister) AppendMessage(string, string)    {}
func (nopPersister) UpdateContext(string, []byte)    {}

type aiJob struct {
	requester *Client
	prompt    string
}

// Room is a named broadcast channel with an append-only history. Join, Leave
// and Broadcast are serialized by the room lock, so every member sees the
// same order and a joiner's replay is never interleaved with live lines.
type Room struct {
	name    string
	isAI    bool
	prompt  string
	persist Persister
	log     zerolog.Logger

	mu        sync.Mutex
	members   map[*Client]struct{}
	history   []string
	aiContext []byte
	closed    bool

	gen    ai.Generator
	aiJobs chan aiJob
	aiDone chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

func newRoom(name string, isAI bool, prompt string, gen ai.Generator, aiQueue int, persist Persister, log zerolog.Logger) *Room {
	if persist == nil {
		persist = nopPersister{}
	}
	r := &Room{
		name:    name,
		isAI:    isAI,
		prompt:  prompt,
		persist: persist,
		log:     log.With().Str("room", name).Logger(),
		members: make(map[*Client]struct{}),
		history: make([]string, 0),
	}
	if isAI && gen != nil {
		if aiQueue <= 0 {
			aiQueue = 16
		}
		r.gen = gen
		r.aiJobs = make(chan aiJob, aiQueue)
		r.aiDone = make(chan struct{})
		r.ctx, r.cancel = context.WithCancel(context.Background())
		go r.runAI()
	}
	return r
}

func (r *Room) Name() string   { return r.name }
func (r *Room) IsAI() bool     { return r.isAI }
func (r *Room) Prompt() string { return r.prompt }

// Join adds c, then sends it the banner, the full history and the entered
// line as one write, then tells every member (c included) that c arrived.
// Joining a room c is already in replays the history without a new notice.
func (r *Room) Join(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, already := r.members[c]
	r.members[c] = struct{}{}

	lines := make([]string, 0, len(r.history)+2)
	lines = append(lines, joinBanner(r.name))
	lines = append(lines, r.history...)
	lines = append(lines, RespEntered+" "+r.name)
	c.Send(lines...)

	if !already {
		r.deliverLocked(enterNotice(c.Username()))
		metrics.Broadcasts.WithLabelValues("system").Inc()
		r.log.Debug().Str("user", c.Username()).Int("members", len(r.members)).Msg("joined")
	}
}

// Leave removes c and notifies the remaining members. Leaving a room c is not
// in is a no-op; the return value reports whether c was a member.
func (r *Room) Leave(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[c]; !ok {
		return false
	}
	delete(r.members, c)

	r.deliverLocked(leaveNotice(c.Username()))
	metrics.Broadcasts.WithLabelValues("system").Inc()
	r.log.Debug().Str("user", c.Username()).Int("members", len(r.members)).Msg("left")
	return true
}

// Broadcast records line, hands it to the persister and delivers it to every
// current member. In an AI room the line is also queued for the generator;
// the reply follows as a separate broadcast. from may be nil.
func (r *Room) Broadcast(from *Client, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.history = append(r.history, line)
	r.persist.AppendMessage(r.name, line)
	r.deliverLocked(line)
	metrics.Broadcasts.WithLabelValues("user").Inc()

	if r.aiJobs == nil || r.closed {
		if r.isAI && r.gen == nil && from != nil {
			from.Send(errorLine("AI unavailable: " + ai.ErrDisabled.Error()))
		}
		return
	}

	// Enqueued under the lock so jobs run in broadcast order.
	select {
	case r.aiJobs <- aiJob{requester: from, prompt: line}:
	default:
		metrics.AIFailures.WithLabelValues("busy").Inc()
		if from != nil {
			from.Send(errorLine("AI busy"))
		}
	}
}

func (r *Room) deliverLocked(line string) {
	for m := range r.members {
		m.Send(line)
	}
}

// runAI serves generation jobs one at a time. The generator is called
// without the room lock held.
func (r *Room) runAI() {
	defer close(r.aiDone)

	for job := range r.aiJobs {
		r.mu.Lock()
		prior := append([]byte(nil), r.aiContext...)
		r.mu.Unlock()

		start := time.Now()
		reply, err := r.gen.Generate(r.ctx, ai.Request{
			SystemPrompt: r.prompt,
			Prompt:       job.prompt,
			Context:      prior,
		})
		metrics.AILatency.Observe(time.Since(start).Seconds())

		if err != nil {
			reason := aiFailureReason(err)
			metrics.AIFailures.WithLabelValues(reason).Inc()
			r.log.Warn().Err(err).Msg("ai generation failed")
			if job.requester != nil {
				job.requester.Send(errorLine("AI unavailable: " + reason))
			}
			continue
		}

		line := AIPrefix + oneLine.Replace(reply.Text)

		r.mu.Lock()
		r.history = append(r.history, line)
		r.persist.AppendMessage(r.name, line)
		if reply.Context != nil {
			r.aiContext = append([]byte(nil), reply.Context...)
			r.persist.UpdateContext(r.name, r.aiContext)
		}
		r.deliverLocked(line)
		r.mu.Unlock()
		metrics.Broadcasts.WithLabelValues("ai").Inc()
	}
}

func aiFailureReason(err error) string {
	switch {
	case errors.Is(err, ai.ErrTimeout):
		return "timeout"
	case errors.Is(err, ai.ErrDisabled):
		return "not configured"
	case errors.Is(err, context.Canceled):
		return "shutting down"
	default:
		return "generation failed"
	}
}

// Members returns the number of current members.
func (r *Room) Members() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// HistorySnapshot returns a copy of the history.
func (r *Room) HistorySnapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.history...)
}

// SetHistory replaces the history without delivering anything. Used when
// restoring rooms at startup.
func (r *Room) SetHistory(lines []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(make([]string, 0, len(lines)), lines...)
}

// AIContext returns a copy of the stored continuation context.
func (r *Room) AIContext() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aiContext == nil {
		return nil
	}
	return append([]byte(nil), r.aiContext...)
}

// SetAIContext replaces the continuation context without persisting it.
func (r *Room) SetAIContext(aiCtx []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aiContext = append([]byte(nil), aiCtx...)
}

// close stops the AI worker. Jobs still queued fail with a cancelled context.
func (r *Room) close() {
	r.mu.Lock()
	if r.closed || r.aiJobs == nil {
		r.closed = true
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.aiJobs)
	r.mu.Unlock()

	r.cancel()
	<-r.aiDone
}
