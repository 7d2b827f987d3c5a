// Package client keeps one logical chat session alive over a replaceable
// TCP transport.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/Caesarsage/chatroom/internal/config"
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrAuthRejected     = errors.New("authentication rejected")
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
	ErrClosed           = errors.New("client closed")
)

const (
	shutdownJoinTimeout = 2 * time.Second
	// Missed heartbeats tolerated before the transport is treated as lost.
	missedHeartbeats = 3
)

// Options configures a Manager.
type Options struct {
	Addr              string
	User              string
	Password          string
	HeartbeatInterval time.Duration
	RetryDelay        time.Duration
	MaxRetries        int
	DialTimeout       time.Duration
	// ReadTimeout bounds the silence between server lines. Defaults to
	// three heartbeat intervals.
	ReadTimeout time.Duration

	// OnLine receives every server line except PONG. Called from the
	// listener goroutine.
	OnLine func(line string)
	// OnFatal is called once when reconnection gives up.
	OnFatal func(err error)

	Logger zerolog.Logger
	Dial   func(ctx context.Context, network, addr string) (net.Conn, error)
}

// OptionsFromConfig copies the connection settings from cfg.
func OptionsFromConfig(cfg *config.Client) Options {
	return Options{
		Addr:              cfg.Addr,
		User:              cfg.User,
		Password:          cfg.Password,
		HeartbeatInterval: cfg.HeartbeatInterval,
		RetryDelay:        cfg.RetryDelay,
		MaxRetries:        cfg.MaxRetries,
		DialTimeout:       cfg.DialTimeout,
	}
}

type transport struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

// Manager owns the current transport. Every write and every reconnect goes
// through one gate, so the interactive loop and the heartbeat never
// interleave bytes and never write to a transport that is being replaced.
type Manager struct {
	opts Options
	log  zerolog.Logger

	gate  sync.Mutex
	token string

	cur     atomic.Pointer[transport]
	running atomic.Bool

	roomMu   sync.Mutex
	lastRoom string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	fatalOnce sync.Once
}

func NewManager(opts Options) *Manager {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 10
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = missedHeartbeats * opts.HeartbeatInterval
	}
	if opts.OnLine == nil {
		opts.OnLine = func(string) {}
	}
	if opts.Dial == nil {
		d := &net.Dialer{}
		opts.Dial = d.DialContext
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:   opts,
		log:    opts.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start performs the initial login and starts the listener and heartbeat.
func (m *Manager) Start() error {
	if err := m.ConnectAndAuthenticate(true); err != nil {
		return err
	}
	m.running.Store(true)

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.listen()
	}()
	go func() {
		defer m.wg.Done()
		m.heartbeat()
	}()
	return nil
}

// ConnectAndAuthenticate opens a new transport, swaps it in and logs in, or
// resumes when a token is held and initial is false.
func (m *Manager) ConnectAndAuthenticate(initial bool) error {
	m.gate.Lock()
	defer m.gate.Unlock()
	return m.connectLocked(initial)
}

func (m *Manager) connectLocked(initial bool) error {
	if m.ctx.Err() != nil {
		return ErrClosed
	}

	dialCtx, cancel := context.WithTimeout(m.ctx, m.opts.DialTimeout)
	conn, err := m.opts.Dial(dialCtx, "tcp", m.opts.Addr)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", m.opts.Addr, err)
	}

	t := &transport{conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}
	if old := m.cur.Swap(t); old != nil {
		old.conn.Close()
	}

	resuming := !initial && m.token != ""
	var hello string
	if resuming {
		hello = "RESUME_SESSION " + m.token
	} else {
		hello = "LOGIN " + m.opts.User + " " + m.opts.Password
	}

	_ = conn.SetDeadline(time.Now().Add(m.opts.DialTimeout))
	defer conn.SetDeadline(time.Time{})

	if err := writeLine(t, hello); err != nil {
		conn.Close()
		return err
	}

	for {
		line, err := t.r.ReadString('\n')
		if err != nil {
			conn.Close()
			return fmt.Errorf("read auth response: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case strings.HasPrefix(line, "TOKEN:"):
			m.token = strings.TrimPrefix(line, "TOKEN:")
		case line == "AUTH_OK":
			if resuming {
				m.log.Info().Msg("session resumed")
			} else {
				m.log.Info().Str("user", m.opts.User).Msg("logged in")
				if !initial {
					m.rejoinLocked(t)
				}
			}
			return nil
		case strings.HasPrefix(line, "AUTH_FAIL"):
			conn.Close()
			if resuming {
				// Fall back to a fresh login on the next attempt.
				m.token = ""
			}
			return fmt.Errorf("%w: %s", ErrAuthRejected, strings.TrimSpace(strings.TrimPrefix(line, "AUTH_FAIL")))
		default:
			m.log.Debug().Str("line", line).Msg("ignoring line during handshake")
		}
	}
}

// rejoinLocked re-enters the last known room after a fallback login, which
// the server does not do on its own.
func (m *Manager) rejoinLocked(t *transport) {
	room := m.LastRoom()
	if room == "" {
		return
	}
	if err := writeLine(t, "ENTER "+room); err != nil {
		m.log.Warn().Err(err).Str("room", room).Msg("rejoin failed")
	}
}

func writeLine(t *transport, line string) error {
	if _, err := t.w.WriteString(line + "\n"); err != nil {
		return err
	}
	return t.w.Flush()
}

// Send writes one command line on the current transport. A write failure
// closes the transport so the listener starts reconnecting.
func (m *Manager) Send(line string) error {
	m.gate.Lock()
	defer m.gate.Unlock()

	if m.ctx.Err() != nil {
		return ErrClosed
	}
	t := m.cur.Load()
	if t == nil {
		return ErrNotConnected
	}
	if err := writeLine(t, line); err != nil {
		t.conn.Close()
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Token returns the resume token held by the manager.
func (m *Manager) Token() string {
	m.gate.Lock()
	defer m.gate.Unlock()
	return m.token
}

// LastRoom is the room the server last reported this session entering.
func (m *Manager) LastRoom() string {
	m.roomMu.Lock()
	defer m.roomMu.Unlock()
	return m.lastRoom
}

func (m *Manager) trackRoom(line string) {
	m.roomMu.Lock()
	defer m.roomMu.Unlock()
	switch {
	case strings.HasPrefix(line, "YOU HAVE ENTERED "):
		m.lastRoom = strings.TrimPrefix(line, "YOU HAVE ENTERED ")
	case strings.HasPrefix(line, "YOU HAVE LEFT "):
		m.lastRoom = ""
	}
}

// listen reads from the current transport and reconnects when it ends.
func (m *Manager) listen() {
	defer func() {
		// A reconnect can finish after Close; don't leave its socket open.
		if !m.running.Load() {
			if t := m.cur.Load(); t != nil {
				t.conn.Close()
			}
		}
	}()

	for m.running.Load() {
		m.readLoop(m.cur.Load())
		if !m.running.Load() {
			return
		}

		m.log.Warn().Msg("connection lost, reconnecting")
		m.opts.OnLine("[connection lost, reconnecting...]")
		if err := m.reconnect(); err != nil {
			if m.running.Load() {
				m.fatal(err)
			}
			return
		}
		m.opts.OnLine("[reconnected]")
	}
}

func (m *Manager) readLoop(t *transport) {
	if t == nil {
		return
	}
	for {
		_ = t.conn.SetReadDeadline(time.Now().Add(m.opts.ReadTimeout))
		line, err := t.r.ReadString('\n')
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				m.log.Warn().Dur("silence", m.opts.ReadTimeout).Msg("server stopped responding")
				t.conn.Close()
				return
			}
			m.log.Debug().Err(err).Msg("read ended")
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "PONG" {
			continue
		}
		m.trackRoom(line)
		m.opts.OnLine(line)
	}
}

// reconnect retries ConnectAndAuthenticate(false) at a fixed delay, holding
// the gate so no send races the swap.
func (m *Manager) reconnect() error {
	m.gate.Lock()
	defer m.gate.Unlock()

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.opts.RetryDelay), uint64(m.opts.MaxRetries)),
		m.ctx,
	)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		resuming := m.token != ""
		err := m.connectLocked(false)
		if errors.Is(err, ErrClosed) {
			return backoff.Permanent(err)
		}
		// Rejected credentials are final.
		if errors.Is(err, ErrAuthRejected) && !resuming {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, next time.Duration) {
		m.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", next).Msg("reconnect failed")
	})
	if err != nil {
		if m.ctx.Err() != nil {
			return ErrClosed
		}
		if errors.Is(err, ErrAuthRejected) {
			return err
		}
		return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, attempt, err)
	}
	return nil
}

func (m *Manager) heartbeat() {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.Send("PING"); err != nil {
				m.log.Debug().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

func (m *Manager) fatal(err error) {
	m.fatalOnce.Do(func() {
		m.log.Error().Err(err).Msg("giving up on server")
		if m.opts.OnFatal != nil {
			m.opts.OnFatal(err)
		}
	})
}

// Close stops the background goroutines and closes the transport. It waits
// a bounded time for them to exit.
func (m *Manager) Close() error {
	m.running.Store(false)
	m.cancel()
	if t := m.cur.Load(); t != nil {
		t.conn.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(shutdownJoinTimeout):
		return errors.New("client shutdown timed out")
	}
}
