package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultAnthropicModel     = "claude-3-5-sonnet-20241022"
	defaultAnthropicMaxTokens = 1024
)

// Anthropic generates replies with the messages API.
type Anthropic struct {
	client anthropic.Client
	model  string
}

func NewAnthropic(apiKey, baseURL, model string) *Anthropic {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model = strings.TrimSpace(model); model == "" {
		model = defaultAnthropicModel
	}
	return &Anthropic{client: anthropic.NewClient(opts...), model: model}
}

func (a *Anthropic) Generate(ctx context.Context, req Request) (Reply, error) {
	history := decodeTranscript(req.Context)

	messages := make([]anthropic.MessageParam, 0, len(history)+1)
	for _, t := range history {
		block := anthropic.NewTextBlock(t.Text)
		if t.Role == roleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: defaultAnthropicMaxTokens,
		Messages:  messages,
	}
	if sys := strings.TrimSpace(req.SystemPrompt); sys != "" {
		params.System = []anthropic.TextBlockParam{{Text: sys}}
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return Reply{}, fmt.Errorf("anthropic completion failed: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type != "text" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(block.Text)
	}

	text := strings.TrimSpace(sb.String())
	return Reply{
		Text:    text,
		Context: encodeTranscript(appendExchange(history, req.Prompt, text)),
	}, nil
}
