// Package ai provides the text generators behind AI rooms.
package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Caesarsage/chatroom/internal/config"
)

var (
	ErrTimeout  = errors.New("ai generation timed out")
	ErrDisabled = errors.New("no ai provider configured")
)

// Request is one generation call. Context is the opaque continuation the
// previous Reply returned for the same room, or nil.
type Request struct {
	SystemPrompt string
	Prompt       string
	Context      []byte
}

// Reply carries the generated text and the room's next continuation.
type Reply struct {
	Text    string
	Context []byte
}

// Generator produces a reply for a room message.
type Generator interface {
	Generate(ctx context.Context, req Request) (Reply, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (Reply, error)

func (f GeneratorFunc) Generate(ctx context.Context, req Request) (Reply, error) {
	return f(ctx, req)
}

type disabled struct{}

func (disabled) Generate(context.Context, Request) (Reply, error) {
	return Reply{}, ErrDisabled
}

type timeoutGenerator struct {
	next    Generator
	timeout time.Duration
}

// WithTimeout bounds every call to g by d. An expired deadline is reported as
// ErrTimeout.
func WithTimeout(g Generator, d time.Duration) Generator {
	if d <= 0 {
		return g
	}
	return &timeoutGenerator{next: g, timeout: d}
}

func (t *timeoutGenerator) Generate(ctx context.Context, req Request) (Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	reply, err := t.next.Generate(ctx, req)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Reply{}, ErrTimeout
	}
	return reply, err
}

// NewFromConfig builds the generator selected by cfg.Provider, wrapped with
// cfg.Timeout.
func NewFromConfig(cfg config.AIConfig) (Generator, error) {
	var g Generator
	switch cfg.Provider {
	case config.ProviderNone, "":
		return disabled{}, nil
	case config.ProviderOllama:
		g = NewOllama(cfg.BaseURL, cfg.Model)
	case config.ProviderOpenAI:
		g = NewOpenAI(cfg.APIKey, cfg.BaseURL, cfg.Model)
	case config.ProviderAnthropic:
		g = NewAnthropic(cfg.APIKey, cfg.BaseURL, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown ai provider %q", cfg.Provider)
	}
	return WithTimeout(g, cfg.Timeout), nil
}
