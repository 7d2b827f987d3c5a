package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIGenerateCarriesTranscript(t *testing.T) {
	var body struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content any    `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"), r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"m",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"pong"}}]}`))
	}))
	defer srv.Close()

	prior := encodeTranscript(appendExchange(nil, "first", "one"))
	reply, err := NewOpenAI("k", srv.URL, "m").Generate(context.Background(), Request{
		SystemPrompt: "be terse",
		Prompt:       "ping",
		Context:      prior,
	})
	require.NoError(t, err)

	assert.Equal(t, "pong", reply.Text)
	assert.Equal(t, "m", body.Model)
	require.Len(t, body.Messages, 4)
	assert.Equal(t, "system", body.Messages[0].Role)
	assert.Equal(t, "user", body.Messages[1].Role)
	assert.Equal(t, "assistant", body.Messages[2].Role)
	assert.Equal(t, "user", body.Messages[3].Role)

	turns := decodeTranscript(reply.Context)
	require.Len(t, turns, 4)
	assert.Equal(t, turn{Role: roleAssistant, Text: "pong"}, turns[3])
}

func TestAnthropicGenerate(t *testing.T) {
	var body struct {
		Model    string `json:"model"`
		System   []struct {
			Text string `json:"text"`
		} `json:"system"`
		Messages []struct {
			Role string `json:"role"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/messages"), r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"m",
			"content":[{"type":"text","text":"short answer"}],
			"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":2}}`))
	}))
	defer srv.Close()

	reply, err := NewAnthropic("k", srv.URL, "m").Generate(context.Background(), Request{
		SystemPrompt: "be terse",
		Prompt:       "hello",
	})
	require.NoError(t, err)

	assert.Equal(t, "short answer", reply.Text)
	assert.Equal(t, "m", body.Model)
	require.Len(t, body.System, 1)
	assert.Equal(t, "be terse", body.System[0].Text)
	require.Len(t, body.Messages, 1)
	assert.Equal(t, "user", body.Messages[0].Role)
	assert.Len(t, decodeTranscript(reply.Context), 2)
}
