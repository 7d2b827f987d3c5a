package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAI generates replies with the chat completions API.
type OpenAI struct {
	client openai.Client
	model  string
}

func NewOpenAI(apiKey, baseURL, model string) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model = strings.TrimSpace(model); model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAI{client: openai.NewClient(opts...), model: model}
}

func (o *OpenAI) Generate(ctx context.Context, req Request) (Reply, error) {
	history := decodeTranscript(req.Context)

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	if sys := strings.TrimSpace(req.SystemPrompt); sys != "" {
		messages = append(messages, openai.SystemMessage(sys))
	}
	for _, t := range history {
		if t.Role == roleAssistant {
			messages = append(messages, openai.AssistantMessage(t.Text))
		} else {
			messages = append(messages, openai.UserMessage(t.Text))
		}
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: messages,
	})
	if err != nil {
		return Reply{}, fmt.Errorf("openai completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Reply{}, fmt.Errorf("openai completion returned no choices")
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	return Reply{
		Text:    text,
		Context: encodeTranscript(appendExchange(history, req.Prompt, text)),
	}, nil
}
