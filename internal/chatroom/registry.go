package chatroom

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Caesarsage/chatroom/internal/metrics"
	"github.com/Caesarsage/chatroom/pkg/token"
)

// Session is the server's record of one logical user session.
type Session struct {
	Username string
	Token    string

	conn         *Client
	lastLiveness time.Time
	// room is the current room while attached and the room to rejoin after
	// a detach.
	room       string
	detachedAt time.Time
	createdAt  time.Time
}

// RegistryOptions tunes session liveness and token lifetime.
type RegistryOptions struct {
	LivenessTimeout time.Duration
	TokenTTL        time.Duration
	Logger          zerolog.Logger
}

// Registry maps usernames to sessions and resume tokens. At most one token
// and one live connection exist per username.
type Registry struct {
	livenessTimeout time.Duration
	tokenTTL        time.Duration
	log             zerolog.Logger
	now             func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	tokens   map[string]string
}

func NewRegistry(opts RegistryOptions) *Registry {
	if opts.LivenessTimeout <= 0 {
		opts.LivenessTimeout = 15 * time.Second
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 30 * time.Minute
	}
	return &Registry{
		livenessTimeout: opts.LivenessTimeout,
		tokenTTL:        opts.TokenTTL,
		log:             opts.Logger,
		now:             time.Now,
		sessions:        make(map[string]*Session),
		tokens:          make(map[string]string),
	}
}

// Login starts a fresh session for username bound to c and returns its new
// token. Any previous token for the user stops resolving and any previous
// connection is closed.
func (r *Registry) Login(username string, c *Client) string {
	tok := token.GenerateToken()
	now := r.now()

	r.mu.Lock()
	var prior *Client
	if old, ok := r.sessions[username]; ok {
		delete(r.tokens, old.Token)
		if old.conn != c {
			prior = old.conn
		}
	}
	r.sessions[username] = &Session{
		Username:     username,
		Token:        tok,
		conn:         c,
		lastLiveness: now,
		createdAt:    now,
	}
	r.tokens[tok] = username
	r.mu.Unlock()

	if prior != nil {
		r.log.Info().Str("user", username).Msg("closing previous connection after new login")
		prior.Close()
	}
	r.log.Info().Str("user", username).Str("token", token.Short(tok)).Msg("session created")
	return tok
}

// Resume rebinds the session owning tok to c. It returns the username and
// the room to rejoin ("" for none), or ErrInvalidToken. A connection still
// holding the session is closed.
func (r *Registry) Resume(tok string, c *Client) (username, room string, err error) {
	now := r.now()

	r.mu.Lock()
	username, ok := r.tokens[tok]
	if !ok {
		r.mu.Unlock()
		return "", "", ErrInvalidToken
	}
	s := r.sessions[username]
	if s.conn == nil && now.Sub(s.detachedAt) > r.tokenTTL {
		r.dropLocked(s)
		r.mu.Unlock()
		metrics.TokensExpired.Inc()
		return "", "", ErrInvalidToken
	}

	prior := s.conn
	if prior == c {
		prior = nil
	}
	s.conn = c
	s.lastLiveness = now
	s.detachedAt = time.Time{}
	room = s.room
	r.mu.Unlock()

	if prior != nil {
		r.log.Info().Str("user", username).Msg("closing previous connection after resume")
		prior.Close()
	}
	r.log.Info().Str("user", username).Str("room", room).Msg("session resumed")
	return username, room, nil
}

// Heartbeat records liveness for username.
func (r *Registry) Heartbeat(username string) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[username]; ok {
		s.lastLiveness = now
	}
}

// SetRoom records the room c's session is in. Ignored unless c owns the
// session.
func (r *Registry) SetRoom(username string, c *Client, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[username]; ok && s.conn == c {
		s.room = room
	}
}

// Detach marks the session disconnected, keeping its token and room for a
// later resume. A connection that no longer owns the session is ignored.
func (r *Registry) Detach(username string, c *Client) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[username]
	if !ok || s.conn != c || c == nil {
		return
	}
	s.conn = nil
	s.detachedAt = now
	r.log.Debug().Str("user", username).Str("room", s.room).Msg("session detached")
}

// Token returns the current token for username.
func (r *Registry) Token(username string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[username]
	if !ok {
		return "", false
	}
	return s.Token, true
}

// Connected reports whether username has a live connection.
func (r *Registry) Connected(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[username]
	return ok && s.conn != nil
}

// Len returns the number of known sessions, attached or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) dropLocked(s *Session) {
	delete(r.tokens, s.Token)
	delete(r.sessions, s.Username)
}

// Sweep evicts attached sessions whose last heartbeat is older than the
// liveness timeout, closing their connections, and purges detached sessions
// whose token has outlived the token TTL. Returns both counts.
func (r *Registry) Sweep() (evicted, expired int) {
	now := r.now()

	r.mu.Lock()
	var stale []*Client
	for _, s := range r.sessions {
		switch {
		case s.conn != nil && now.Sub(s.lastLiveness) > r.livenessTimeout:
			stale = append(stale, s.conn)
			s.conn = nil
			s.detachedAt = now
			r.log.Info().Str("user", s.Username).Dur("silent", now.Sub(s.lastLiveness)).Msg("evicting unresponsive session")
		case s.conn == nil && now.Sub(s.detachedAt) > r.tokenTTL:
			r.dropLocked(s)
			expired++
		}
	}
	r.mu.Unlock()

	for _, c := range stale {
		c.Close()
	}

	metrics.SessionsEvicted.Add(float64(len(stale)))
	metrics.TokensExpired.Add(float64(expired))
	return len(stale), expired
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.log.Info().Dur("interval", interval).Dur("timeout", r.livenessTimeout).Msg("liveness monitor started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if evicted, expired := r.Sweep(); evicted+expired > 0 {
				r.log.Debug().Int("evicted", evicted).Int("expired", expired).Msg("sweep")
			}
		}
	}
}
