package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"refinery/internal/config"
	"refinery/internal/domain"
)

// Completion is what a model call yields: opaque text plus token accounting.
type Completion struct {
	Text  string
	Usage domain.Usage
}

// Client is the opaque model endpoint: one prompt in, one completion out.
type Client interface {
	Complete(ctx context.Context, prompt string) (Completion, error)
}

// HTTPClient talks to an OpenAI-compatible chat completions endpoint.
type HTTPClient struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

func NewHTTPClient(cfg *config.Config) *HTTPClient {
	timeout := time.Duration(cfg.Model.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.Model.BaseURL, "/"),
		apiKey:  cfg.Model.APIKey,
		model:   cfg.Model.Name,
		http:    &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *HTTPClient) Complete(ctx context.Context, prompt string) (Completion, error) {
	if c.baseURL == "" {
		return Completion{}, fmt.Errorf("model endpoint not configured")
	}
	payload, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return Completion{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Completion{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return Completion{}, fmt.Errorf("model call: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return Completion{}, err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return Completion{}, fmt.Errorf("model call: status %d: %s", res.StatusCode, truncate(string(body), 256))
	}
	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Completion{}, fmt.Errorf("model response: %w", err)
	}
	if parsed.Error != nil {
		return Completion{}, fmt.Errorf("model error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return Completion{}, fmt.Errorf("model response: no choices")
	}
	return Completion{
		Text: parsed.Choices[0].Message.Content,
		Usage: domain.Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
		},
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
