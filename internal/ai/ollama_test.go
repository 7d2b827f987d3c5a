package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaGenerate(t *testing.T) {
	var got ollamaGenerateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response":" hi there ","context":[4,5,6],"done":true}`))
	}))
	defer srv.Close()

	reply, err := NewOllama(srv.URL+"/", "").Generate(context.Background(), Request{
		SystemPrompt: "be terse",
		Prompt:       "hello",
		Context:      []byte(`[1,2,3]`),
	})
	require.NoError(t, err)

	assert.Equal(t, "hi there", reply.Text)
	assert.JSONEq(t, `[4,5,6]`, string(reply.Context))
	assert.Equal(t, defaultOllamaModel, got.Model)
	assert.Equal(t, "hello", got.Prompt)
	assert.Equal(t, "be terse", got.System)
	assert.False(t, got.Stream)
	assert.JSONEq(t, `[1,2,3]`, string(got.Context))
}

func TestOllamaOmitsEmptyContext(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		_, _ = w.Write([]byte(`{"response":"ok","context":[1]}`))
	}))
	defer srv.Close()

	_, err := NewOllama(srv.URL, "mistral").Generate(context.Background(), Request{Prompt: "hello"})
	require.NoError(t, err)
	assert.NotContains(t, raw, "context")
	assert.Equal(t, "mistral", raw["model"])
}

func TestOllamaErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOllama(srv.URL, "").Generate(context.Background(), Request{Prompt: "hello"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestNormalizeOllamaBaseURL(t *testing.T) {
	assert.Equal(t, defaultOllamaURL, normalizeOllamaBaseURL(""))
	assert.Equal(t, "http://gpu:11434", normalizeOllamaBaseURL("gpu:11434/"))
	assert.Equal(t, "https://x", normalizeOllamaBaseURL(" https://x "))
}
