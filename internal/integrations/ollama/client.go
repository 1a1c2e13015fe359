// Package ollama is a minimal client for a local Ollama server.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"clinic-assistant/internal/domain"
)

const (
	DefaultBaseURL = "http://localhost:11434"
	// allLayers offloads the whole model to the GPU.
	allLayers = 99
)

type chatOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
	NumGPU      int     `json:"num_gpu"`
	MainGPU     int     `json:"main_gpu"`
}

type chatRequest struct {
	Model    string               `json:"model"`
	Messages []domain.ChatMessage `json:"messages"`
	Stream   bool                 `json:"stream"`
	Options  chatOptions          `json:"options"`
}

type chatResponse struct {
	Model           string             `json:"model"`
	Message         domain.ChatMessage `json:"message"`
	Done            bool               `json:"done"`
	PromptEvalCount int                `json:"prompt_eval_count"`
	EvalCount       int                `json:"eval_count"`
}

// HTTPStatusError captures non-2xx responses from the Ollama server.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("ollama: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	c := &Client{
		baseURL:    base,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete runs a non-streaming chat pinned to req.GPU. Token cost is the sum
// of prompt and generated tokens.
func (c *Client) Complete(ctx context.Context, in domain.CompletionRequest) (domain.Completion, error) {
	if in.Model == "" {
		return domain.Completion{}, errors.New("ollama: model must not be empty")
	}
	body, err := json.Marshal(chatRequest{
		Model:    in.Model,
		Messages: in.Messages,
		Options: chatOptions{
			Temperature: in.Temperature,
			NumPredict:  in.MaxTokens,
			NumGPU:      allLayers,
			MainGPU:     in.GPU,
		},
	})
	if err != nil {
		return domain.Completion{}, fmt.Errorf("ollama: marshal request: %w", err)
	}

	url := c.baseURL + "/api/chat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return domain.Completion{}, fmt.Errorf("ollama: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	raw, err := c.do(req, url)
	if err != nil {
		return domain.Completion{}, fmt.Errorf("ollama: request failed: %w", err)
	}
	var payload chatResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.Completion{}, fmt.Errorf("ollama: decode response: %w", err)
	}
	return domain.Completion{
		Content:     payload.Message.Content,
		TotalTokens: payload.PromptEvalCount + payload.EvalCount,
	}, nil
}

// Probe lists local models via /api/tags.
func (c *Client) Probe(ctx context.Context) error {
	url := c.baseURL + "/api/tags"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("ollama: create probe request: %w", err)
	}
	if _, err := c.do(req, url); err != nil {
		return fmt.Errorf("ollama: probe failed: %w", err)
	}
	return nil
}

func (c *Client) do(req *http.Request, url string) ([]byte, error) {
	hc := c.httpClient
	if hc == nil {
		hc = http.DefaultClient
	}
	res, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
	}
	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
