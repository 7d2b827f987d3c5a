package chatroom

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Server accepts connections and hands each one to the Handler on its own
// goroutine.
type Server struct {
	handler *Handler
	log     zerolog.Logger

	wg sync.WaitGroup
}

func NewServer(h *Handler, log zerolog.Logger) *Server {
	return &Server{handler: h, log: log}
}

// Serve accepts on ln until ctx is cancelled, then closes the listener and
// every open connection and waits for the handlers to return. Temporary
// accept errors are retried with a short delay.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("chat server listening")

	var delay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				s.log.Info().Msg("chat server stopped")
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else if delay *= 2; delay > time.Second {
					delay = time.Second
				}
				s.log.Warn().Err(err).Dur("retry_in", delay).Msg("accept failed")
				time.Sleep(delay)
				continue
			}
			return err
		}
		delay = 0

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handler.Handle(ctx, nc)
		}()
	}
}
