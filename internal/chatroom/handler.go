package chatroom

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Caesarsage/chatroom/internal/auth"
	"github.com/Caesarsage/chatroom/internal/metrics"
	"github.com/Caesarsage/chatroom/internal/store"
)

// Authenticator is the credential capability used by the handler.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (bool, error)
	Register(ctx context.Context, username, password string) error
}

// HandlerOptions holds per-connection limits.
type HandlerOptions struct {
	MaxLineBytes  int
	MsgRate       float64
	MsgBurst      int
	OutgoingQueue int
	AuthTimeout   time.Duration
}

func (o *HandlerOptions) setDefaults() {
	if o.MaxLineBytes <= 0 {
		o.MaxLineBytes = 16 * 1024
	}
	if o.MsgRate <= 0 {
		o.MsgRate = 5
	}
	if o.MsgBurst <= 0 {
		o.MsgBurst = 10
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = 30 * time.Second
	}
}

// Handler runs the protocol for accepted connections.
type Handler struct {
	dir  *Directory
	reg  *Registry
	auth Authenticator
	opts HandlerOptions
	log  zerolog.Logger
}

func NewHandler(dir *Directory, reg *Registry, authn Authenticator, opts HandlerOptions, log zerolog.Logger) *Handler {
	opts.setDefaults()
	return &Handler{dir: dir, reg: reg, auth: authn, opts: opts, log: log}
}

// conn is the per-connection state machine. Only the handling goroutine
// touches its fields.
type conn struct {
	h       *Handler
	client  *Client
	scanner *bufio.Scanner
	log     zerolog.Logger
	limiter *rate.Limiter

	user string
	room *Room
}

// Handle serves one connection until it closes. It owns nc.
func (h *Handler) Handle(ctx context.Context, nc net.Conn) {
	id := newConnID()
	log := h.log.With().Str("conn_id", id).Str("remote", nc.RemoteAddr().String()).Logger()

	client := newClient(id, nc, h.opts.OutgoingQueue, log)
	c := &conn{
		h:       h,
		client:  client,
		scanner: bufio.NewScanner(nc),
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(h.opts.MsgRate), h.opts.MsgBurst),
	}
	c.scanner.Buffer(make([]byte, 0, min(4096, h.opts.MaxLineBytes)), h.opts.MaxLineBytes)

	metrics.ConnectionsActive.Inc()
	defer metrics.ConnectionsActive.Dec()

	go client.writeMessages()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("panic in connection handler")
		}
		c.cleanup()
	}()

	log.Debug().Msg("connection accepted")

	stop := context.AfterFunc(ctx, client.Close)
	defer stop()

	if !c.authenticate(ctx) {
		return
	}
	c.serve(ctx)
}

func newConnID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// readLine returns the next line. ok is false on EOF, I/O error or an
// oversize line; the last is reported to the peer.
func (c *conn) readLine() (string, bool) {
	if c.scanner.Scan() {
		return strings.TrimRight(c.scanner.Text(), "\r"), true
	}
	err := c.scanner.Err()
	switch {
	case errors.Is(err, bufio.ErrTooLong):
		c.log.Warn().Int("max", c.h.opts.MaxLineBytes).Msg("line too long, closing")
		c.client.Send(errorLine("Line too long"))
	case err != nil:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			c.log.Debug().Msg("read timed out")
		} else {
			c.log.Debug().Err(err).Msg("read failed")
		}
	default:
		c.log.Debug().Msg("peer closed connection")
	}
	return "", false
}

// authenticate runs the unauthenticated phase. REGISTER_OK keeps the
// connection in this phase; every failure ends the connection.
func (c *conn) authenticate(ctx context.Context) bool {
	nc := c.client.conn
	for {
		_ = nc.SetReadDeadline(time.Now().Add(c.h.opts.AuthTimeout))

		line, ok := c.readLine()
		if !ok {
			return false
		}

		cmd, err := ParseCommand(line)
		if err != nil {
			var perr *ProtocolError
			errors.As(err, &perr)
			if cmd.Name == CmdRegister {
				c.client.Send(RespRegisterFail + " " + perr.Reason)
			} else {
				c.client.Send(RespAuthFail + " " + perr.Reason)
			}
			return false
		}

		switch cmd.Name {
		case CmdLogin:
			if c.login(ctx, cmd.Args[0], cmd.Args[1]) {
				_ = nc.SetReadDeadline(time.Time{})
				return true
			}
			return false
		case CmdResume:
			if c.resume(cmd.Args[0]) {
				_ = nc.SetReadDeadline(time.Time{})
				return true
			}
			return false
		case CmdRegister:
			if !c.register(ctx, cmd.Args[0], cmd.Args[1]) {
				return false
			}
		case CmdPing:
			c.client.Send(RespPong)
		default:
			c.client.Send(RespAuthFail + " Authentication required")
			return false
		}
	}
}

func (c *conn) login(ctx context.Context, user, pass string) bool {
	ok, err := c.h.auth.Authenticate(ctx, user, pass)
	if err != nil {
		c.log.Error().Err(err).Str("user", user).Msg("authentication error")
		c.client.Send(RespAuthFail + " Internal error")
		return false
	}
	if !ok {
		c.log.Info().Str("user", user).Msg("login rejected")
		c.client.Send(RespAuthFail + " Invalid credentials")
		return false
	}

	c.attach(user)
	tok := c.h.reg.Login(user, c.client)
	c.client.Send(RespToken+tok, RespAuthOK)
	c.log.Info().Msg("logged in")
	return true
}

func (c *conn) resume(tok string) bool {
	user, room, err := c.h.reg.Resume(tok, c.client)
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("resume", "fail").Inc()
		c.log.Info().Msg("resume rejected")
		c.client.Send(RespAuthFail + " Invalid or expired token")
		return false
	}
	metrics.AuthAttempts.WithLabelValues("resume", "ok").Inc()

	c.attach(user)
	c.client.Send(RespAuthOK)
	c.log.Info().Str("room", room).Msg("session resumed")

	if room != "" {
		r, _ := c.h.dir.GetOrCreate(room, false, "")
		c.enter(r)
	}
	return true
}

func (c *conn) register(ctx context.Context, user, pass string) bool {
	err := c.h.auth.Register(ctx, user, pass)
	switch {
	case err == nil:
		c.log.Info().Str("user", user).Msg("registered")
		c.client.Send(RespRegisterOK)
		return true
	case errors.Is(err, store.ErrUserExists):
		c.client.Send(RespRegisterFail + " User already exists")
	case errors.Is(err, auth.ErrInvalidUsername):
		c.client.Send(RespRegisterFail + " Invalid username")
	case errors.Is(err, auth.ErrEmptyPassword):
		c.client.Send(RespRegisterFail + " Password required")
	case errors.Is(err, auth.ErrPasswordTooLong):
		c.client.Send(RespRegisterFail + " Password too long")
	default:
		c.log.Error().Err(err).Str("user", user).Msg("registration error")
		c.client.Send(RespRegisterFail + " Internal error")
	}
	return false
}

func (c *conn) attach(user string) {
	c.user = user
	c.client.setUsername(user)
	c.log = c.log.With().Str("user", user).Logger()
}

// serve dispatches commands until the connection ends.
func (c *conn) serve(ctx context.Context) {
	for {
		line, ok := c.readLine()
		if !ok {
			return
		}
		c.client.markActive()
		c.h.reg.Heartbeat(c.user)

		if strings.TrimSpace(line) == "" {
			continue
		}

		cmd, err := ParseCommand(line)
		if err != nil {
			var perr *ProtocolError
			if errors.As(err, &perr) {
				c.client.Send(errorLine(perr.Reason))
			}
			continue
		}
		c.dispatch(cmd)
	}
}

func (c *conn) dispatch(cmd Command) {
	switch cmd.Name {
	case CmdPing:
		c.client.Send(RespPong)

	case CmdListRooms:
		c.client.Send(RespRoomList + " " + strings.Join(c.h.dir.List(), ","))

	case CmdEnter:
		name := cmd.Args[0]
		if !ValidRoomName(name) {
			c.client.Send(errorLine("Invalid room name"))
			return
		}
		r, _ := c.h.dir.GetOrCreate(name, false, "")
		c.enter(r)

	case CmdCreate, CmdCreateAI:
		name := cmd.Args[0]
		if !ValidRoomName(name) {
			c.client.Send(errorLine("Invalid room name"))
			return
		}
		isAI := cmd.Name == CmdCreateAI
		prompt := ""
		if isAI {
			prompt = cmd.Args[1]
		}
		r, err := c.h.dir.CreateIfAbsent(name, isAI, prompt)
		if err != nil {
			c.client.Send(errorLine("Room already exists"))
			return
		}
		if isAI {
			c.client.Send(RespRoomCreated + " " + name + " (AI)")
		} else {
			c.client.Send(RespRoomCreated + " " + name)
		}
		c.enter(r)

	case CmdLeave:
		if c.room == nil {
			c.client.Send(errorLine("You are not in any room"))
			return
		}
		name := c.room.Name()
		c.room.Leave(c.client)
		c.room = nil
		c.h.reg.SetRoom(c.user, c.client, "")
		c.client.Send(RespLeft + " " + name)

	case CmdMsg:
		if c.room == nil {
			c.client.Send(errorLine("You are not in any room"))
			return
		}
		if !c.limiter.Allow() {
			c.client.Send(errorLine("Rate limit exceeded"))
			return
		}
		c.room.Broadcast(c.client, c.user+": "+cmd.Args[0])

	case CmdLogin, CmdRegister, CmdResume:
		c.client.Send(errorLine("Already authenticated"))
	}
}

// enter moves the connection into r, leaving its current room first.
func (c *conn) enter(r *Room) {
	if c.room != nil && c.room != r {
		c.room.Leave(c.client)
	}
	c.room = r
	c.h.reg.SetRoom(c.user, c.client, r.Name())
	r.Join(c.client)
}

func (c *conn) cleanup() {
	if c.room != nil {
		c.room.Leave(c.client)
	}
	if c.user != "" {
		c.h.reg.Detach(c.user, c.client)
	}
	c.client.finish()
	c.log.Debug().Msg("connection closed")
}
