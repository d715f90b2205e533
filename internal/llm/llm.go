// Package llm is the remediation engine's fallback analyst: when no log
// classifier matches, the tail of the crash log is sent to a local Ollama
// instance for a short natural-language explanation.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Summarizer produces a short diagnosis from raw server logs. Errors mean
// no analysis is available; callers fall back to a generic ticket.
type Summarizer interface {
	Summarize(ctx context.Context, logs string) (string, error)
}

const logTail = 2000

// Ollama calls a local /api/generate endpoint, non-streaming.
type Ollama struct {
	BaseURL string
	Model   string
	Client  *http.Client
}

func NewOllama(baseURL, model string) *Ollama {
	if model == "" {
		model = "qwen2.5-coder:32b"
	}
	return &Ollama{
		BaseURL: baseURL,
		Model:   model,
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

func (o *Ollama) Summarize(ctx context.Context, logs string) (string, error) {
	if o.BaseURL == "" {
		return "", fmt.Errorf("ollama url not configured")
	}

	if len(logs) > logTail {
		logs = logs[len(logs)-logTail:]
	}

	prompt := fmt.Sprintf("You are an expert game server technician. Analyze these logs and explain what is wrong in 1-2 concise sentences. Be helpful and professional.\n\nLOGS:\n%s", logs)
	body, err := json.Marshal(generateRequest{Model: o.Model, Prompt: prompt, Stream: false})
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding ollama response: %w", err)
	}
	return out.Response, nil
}
