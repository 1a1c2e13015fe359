package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"clinic-assistant/internal/domain"
)

// ---------------------------------------------------------------------------
// URL helpers
// ---------------------------------------------------------------------------

func TestChatURL(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"https://api.openai.com/v1", "https://api.openai.com/v1/chat/completions"},
		{"https://api.openai.com/v1/", "https://api.openai.com/v1/chat/completions"},
		{GroqBaseURL, "https://api.groq.com/openai/v1/chat/completions"},
		{"http://localhost:1234", "http://localhost:1234/v1/chat/completions"},
		{"", "https://api.openai.com/v1/chat/completions"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, chatURL(tc.base), "base=%q", tc.base)
	}
}

func TestModelsURL(t *testing.T) {
	require.Equal(t, "http://localhost:1234/v1/models", modelsURL(LMStudioBaseURL))
	require.Equal(t, "http://gpu-box:1234/v1/models", modelsURL("http://gpu-box:1234"))
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(" sk-1 ", WithBaseURL("  "))
	require.Equal(t, DefaultBaseURL, c.baseURL)
	require.Equal(t, "sk-1", c.apiKey)
}

// ---------------------------------------------------------------------------
// Client.Complete
// ---------------------------------------------------------------------------

func newTestClient(t *testing.T, srv *httptest.Server, key string) *Client {
	t.Helper()
	return NewClient(key,
		WithBaseURL(srv.URL),
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
	)
}

func TestClient_Complete_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "llama-3.1-8b-instant", body["model"])
		require.EqualValues(t, 500, body["max_tokens"])
		require.EqualValues(t, 0.7, body["temperature"])

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-123",
			"choices": [{
				"index": 0,
				"message": { "role": "assistant", "content": "Olá! Como posso ajudar?" }
			}],
			"usage": {"prompt_tokens": 30, "completion_tokens": 12, "total_tokens": 42}
		}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, "sk-test")
	out, err := c.Complete(context.Background(), domain.CompletionRequest{
		Model:       "llama-3.1-8b-instant",
		Messages:    []domain.ChatMessage{{Role: "user", Content: "oi"}},
		MaxTokens:   500,
		Temperature: 0.7,
	})
	require.NoError(t, err)
	require.Equal(t, "Olá! Como posso ajudar?", out.Content)
	require.Equal(t, 42, out.TotalTokens)
}

func TestClient_Complete_NoKeyOmitsAuthorization(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	out, err := newTestClient(t, srv, "").Complete(context.Background(), domain.CompletionRequest{Model: "local"})
	require.NoError(t, err)
	require.Equal(t, "ok", out.Content)
	require.Zero(t, out.TotalTokens)
}

func TestClient_Complete_StatusErrors(t *testing.T) {
	for _, code := range []int{400, 401, 429, 500} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"error":"nope"}`))
		}))

		_, err := newTestClient(t, srv, "k").Complete(context.Background(), domain.CompletionRequest{Model: "m"})
		srv.Close()

		require.Error(t, err)
		var statusErr *HTTPStatusError
		require.True(t, errors.As(err, &statusErr), "code=%d", code)
		require.Equal(t, code, statusErr.HTTPStatusCode())
		require.Contains(t, err.Error(), "unexpected status")
	}
}

func TestClient_Complete_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not-a-json`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, "k").Complete(context.Background(), domain.CompletionRequest{Model: "m"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode response")
}

func TestClient_Complete_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, "k").Complete(context.Background(), domain.CompletionRequest{Model: "m"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no choices")
}

func TestClient_Complete_ContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newTestClient(t, srv, "k").Complete(ctx, domain.CompletionRequest{Model: "m"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_Complete_EmptyModel(t *testing.T) {
	_, err := NewClient("k").Complete(context.Background(), domain.CompletionRequest{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "model")
}

func TestClient_Complete_NetworkError(t *testing.T) {
	c := NewClient("k", WithBaseURL("http://127.0.0.1:1"))
	c.httpClient = &http.Client{Timeout: 100 * time.Millisecond}

	_, err := c.Complete(context.Background(), domain.CompletionRequest{Model: "m"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "request failed")
}

// ---------------------------------------------------------------------------
// Client.Probe
// ---------------------------------------------------------------------------

func TestClient_Probe(t *testing.T) {
	var down atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/models", r.URL.Path)
		require.Equal(t, http.MethodGet, r.Method)
		if down.Load() {
			w.WriteHeader(503)
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"qwen2.5-7b"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, "")
	require.NoError(t, c.Probe(context.Background()))

	down.Store(true)
	err := c.Probe(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "503")
}
