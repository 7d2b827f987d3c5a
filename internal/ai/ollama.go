package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaModel = "llama3"
)

// Ollama calls the /api/generate endpoint. The continuation context is the
// token array Ollama returns, stored as its JSON encoding.
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
}

type ollamaGenerateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	System  string          `json:"system,omitempty"`
	Stream  bool            `json:"stream"`
	Context json.RawMessage `json:"context,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string          `json:"response"`
	Context  json.RawMessage `json:"context"`
	Done     bool            `json:"done"`
}

// NewOllama returns a generator for the given server and model. Empty values
// fall back to a local server and llama3.
func NewOllama(baseURL, model string) *Ollama {
	return &Ollama{
		baseURL: normalizeOllamaBaseURL(baseURL),
		model:   strings.TrimSpace(model),
		client:  &http.Client{},
	}
}

func normalizeOllamaBaseURL(baseURL string) string {
	url := strings.TrimSpace(baseURL)
	if url == "" {
		return defaultOllamaURL
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	return strings.TrimRight(url, "/")
}

func (o *Ollama) Generate(ctx context.Context, req Request) (Reply, error) {
	model := o.model
	if model == "" {
		model = defaultOllamaModel
	}

	payload := ollamaGenerateRequest{
		Model:  model,
		Prompt: req.Prompt,
		System: req.SystemPrompt,
	}
	if len(req.Context) > 0 && json.Valid(req.Context) {
		payload.Context = req.Context
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Reply{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return Reply{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return Reply{}, fmt.Errorf("ollama generate failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Reply{}, fmt.Errorf("ollama generate failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Reply{}, fmt.Errorf("ollama generate failed: %w", err)
	}

	next := req.Context
	if len(out.Context) > 0 && string(out.Context) != "null" {
		next = []byte(out.Context)
	}
	return Reply{Text: strings.TrimSpace(out.Response), Context: next}, nil
}
