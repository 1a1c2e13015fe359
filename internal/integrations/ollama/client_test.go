package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"clinic-assistant/internal/domain"
)

func TestNewClient_DefaultsAndTrim(t *testing.T) {
	require.Equal(t, DefaultBaseURL, NewClient("").baseURL)
	require.Equal(t, "http://gpu1:11434", NewClient(" http://gpu1:11434/ ").baseURL)
}

func TestComplete_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)

		var body chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "llama3.1:8b", body.Model)
		require.False(t, body.Stream)
		require.Equal(t, chatOptions{Temperature: 0.5, NumPredict: 300, NumGPU: 99, MainGPU: 2}, body.Options)
		require.Len(t, body.Messages, 2)

		_, _ = w.Write([]byte(`{
			"model": "llama3.1:8b",
			"message": {"role": "assistant", "content": "Claro, posso ajudar."},
			"done": true,
			"prompt_eval_count": 25,
			"eval_count": 17
		}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithHTTPClient(&http.Client{Timeout: 2 * time.Second}))
	out, err := c.Complete(context.Background(), domain.CompletionRequest{
		Model: "llama3.1:8b",
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: "sys"},
			{Role: domain.RoleUser, Content: "oi"},
		},
		MaxTokens:   300,
		Temperature: 0.5,
		GPU:         2,
	})
	require.NoError(t, err)
	require.Equal(t, "Claro, posso ajudar.", out.Content)
	require.Equal(t, 42, out.TotalTokens)
}

func TestComplete_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
		_, _ = w.Write([]byte(`{"error":"model 'x' not found"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Complete(context.Background(), domain.CompletionRequest{Model: "x"})
	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, 404, statusErr.HTTPStatusCode())
	require.Contains(t, err.Error(), "not found")

	_, err = c.Complete(context.Background(), domain.CompletionRequest{})
	require.ErrorContains(t, err, "model must not be empty")
}

func TestComplete_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message":`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Complete(context.Background(), domain.CompletionRequest{Model: "m"})
	require.ErrorContains(t, err, "decode response")
}

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		_, _ = w.Write([]byte(`{"models":[]}`))
	}))
	defer srv.Close()
	require.NoError(t, NewClient(srv.URL).Probe(context.Background()))

	c := NewClient("http://127.0.0.1:1", WithHTTPClient(&http.Client{Timeout: 100 * time.Millisecond}))
	err := c.Probe(context.Background())
	require.ErrorContains(t, err, "probe failed")
}
