package store

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Caesarsage/chatroom/internal/metrics"
)

const defaultWriteTimeout = 5 * time.Second

type writeJob struct {
	op   string
	room string
	run  func(ctx context.Context) error
}

// Async is a fire-and-forget writer in front of a RoomStore. Writes are
// applied in enqueue order by a single worker; a full queue drops the write
// instead of blocking the caller.
type Async struct {
	store   RoomStore
	log     zerolog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan writeJob
	done   chan struct{}
}

// NewAsync starts the writer goroutine.
func NewAsync(s RoomStore, queueSize int, log zerolog.Logger) *Async {
	if queueSize <= 0 {
		queueSize = 1024
	}
	a := &Async{
		store:   s,
		log:     log,
		timeout: defaultWriteTimeout,
		queue:   make(chan writeJob, queueSize),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)

	for job := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		start := time.Now()
		err := job.run(ctx)
		cancel()
		metrics.PersistLatency.Observe(time.Since(start).Seconds())

		if err != nil {
			metrics.PersistFailures.WithLabelValues(job.op, "error").Inc()
			a.log.Error().Err(err).Str("op", job.op).Str("room", job.room).Msg("persist failed")
		}
	}
}

func (a *Async) enqueue(job writeJob) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		metrics.PersistFailures.WithLabelValues(job.op, "dropped").Inc()
		return
	}

	select {
	case a.queue <- job:
	default:
		metrics.PersistFailures.WithLabelValues(job.op, "dropped").Inc()
		a.log.Warn().Str("op", job.op).Str("room", job.room).Msg("persist queue full, write dropped")
	}
}

// CreateRoom records a new room.
func (a *Async) CreateRoom(name string, isAI bool, prompt string) {
	room := RoomSnapshot{Name: name, IsAI: isAI, Prompt: prompt, CreatedAt: time.Now().UTC()}
	a.enqueue(writeJob{op: opCreate, room: name, run: func(ctx context.Context) error {
		return a.store.CreateRoom(ctx, room)
	}})
}

// AppendMessage records a history line.
func (a *Async) AppendMessage(room, line string) {
	a.enqueue(writeJob{op: opAppend, room: room, run: func(ctx context.Context) error {
		return a.store.AppendMessage(ctx, room, line)
	}})
}

// UpdateContext records a room's AI context.
func (a *Async) UpdateContext(room string, aiCtx []byte) {
	aiCtx = append([]byte(nil), aiCtx...)
	a.enqueue(writeJob{op: opContext, room: room, run: func(ctx context.Context) error {
		return a.store.UpdateContext(ctx, room, aiCtx)
	}})
}

// Close stops accepting writes and waits for the queue to drain.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
}
