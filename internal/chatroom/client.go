package chatroom

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Caesarsage/chatroom/internal/metrics"
)

const (
	defaultOutgoingSize = 256
	flushTimeout        = 2 * time.Second
)

// Client is the server side of one connection. Lines queued with Send are
// written by a single writer goroutine; a client whose queue overflows is
// disconnected instead of silently missing lines.
type Client struct {
	id       string
	conn     net.Conn
	outgoing chan string
	log      zerolog.Logger

	stopping  chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once
	written   chan struct{}

	mu           sync.Mutex
	username     string
	lastActive   time.Time
	messagesSent int
	messagesRecv int
}

func newClient(id string, conn net.Conn, queueSize int, log zerolog.Logger) *Client {
	if queueSize <= 0 {
		queueSize = defaultOutgoingSize
	}
	return &Client{
		id:         id,
		conn:       conn,
		outgoing:   make(chan string, queueSize),
		log:        log,
		stopping:   make(chan struct{}),
		done:       make(chan struct{}),
		written:    make(chan struct{}),
		lastActive: time.Now(),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Username returns the authenticated user, or "" before authentication.
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

func (c *Client) setUsername(name string) {
	c.mu.Lock()
	c.username = name
	c.mu.Unlock()
}

func (c *Client) markActive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActive = time.Now()
	c.messagesRecv++
}

// Send queues lines as one write. It never blocks: a full queue closes the
// connection. Reports whether the lines were queued.
func (c *Client) Send(lines ...string) bool {
	if len(lines) == 0 {
		return true
	}
	msg := strings.Join(lines, "\n") + "\n"

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.outgoing <- msg:
		c.mu.Lock()
		c.messagesSent++
		c.mu.Unlock()
		return true
	default:
		metrics.SlowConsumers.Inc()
		c.log.Warn().Str("user", c.Username()).Msg("outgoing queue full, disconnecting slow client")
		c.Close()
		return false
	}
}

// Close tears the connection down immediately. Safe to call more than once
// and from any goroutine.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// Done is closed once the client has been closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// finish lets the writer flush what is queued, bounded by flushTimeout, then
// closes the connection.
func (c *Client) finish() {
	c.stopOnce.Do(func() { close(c.stopping) })
	select {
	case <-c.written:
	case <-time.After(flushTimeout):
	}
	c.Close()
}

// writeMessages forwards queued lines to the connection until the client is
// closed or finish drains the queue.
func (c *Client) writeMessages() {
	defer close(c.written)
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("panic in writer")
			c.Close()
		}
	}()

	writer := bufio.NewWriter(c.conn)
	write := func(msg string) bool {
		if _, err := writer.WriteString(msg); err != nil {
			c.log.Debug().Err(err).Msg("write failed")
			c.Close()
			return false
		}
		// Coalesce whatever else is already queued into the same flush.
		for n := len(c.outgoing); n > 0; n-- {
			if _, err := writer.WriteString(<-c.outgoing); err != nil {
				c.Close()
				return false
			}
		}
		if err := writer.Flush(); err != nil {
			c.log.Debug().Err(err).Msg("flush failed")
			c.Close()
			return false
		}
		return true
	}

	for {
		select {
		case msg := <-c.outgoing:
			if !write(msg) {
				return
			}
		case <-c.stopping:
			for {
				select {
				case msg := <-c.outgoing:
					if !write(msg) {
						return
					}
				default:
					return
				}
			}
		case <-c.done:
			return
		}
	}
}
