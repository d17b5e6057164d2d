package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serviceerrors "github.com/patchsmith/patchsmith/internal/errors"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	MaxTokens      int           `json:"max_tokens"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

// fakeChatServer answers /chat/completions. The respond hook sees the
// decoded request and writes the reply; hits counts arrivals.
func fakeChatServer(t *testing.T, hits *atomic.Int64, respond func(w http.ResponseWriter, req chatRequest)) *httptest.Server {
	t.Helper()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		respond(w, req)
	})
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func replyWith(t *testing.T, w http.ResponseWriter, content string) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	resp := map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"choices": []map[string]any{{"index": 0, "message": map[string]any{"role": "assistant", "content": content}}},
	}
	require.NoError(t, json.NewEncoder(w).Encode(resp))
}

func newTestClient(t *testing.T, server *httptest.Server) *OpenAIClient {
	t.Helper()
	client, err := NewOpenAIClient(OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: server.URL + "/v1",
		Model:   "gpt-4o",
	})
	require.NoError(t, err)
	return client
}

func TestNewOpenAIClient_RequiresModel(t *testing.T) {
	_, err := NewOpenAIClient(OpenAIConfig{APIKey: "k"})
	require.Error(t, err)
}

func TestOpenAIClient_Complete_ReturnsReplyText(t *testing.T) {
	var captured chatRequest
	server := fakeChatServer(t, nil, func(w http.ResponseWriter, req chatRequest) {
		captured = req
		replyWith(t, w, "hello from the model")
	})
	client := newTestClient(t, server)

	reply, err := client.Complete(context.Background(), Request{
		System: "You pick files.",
		Prompt: "Which files?",
	})
	require.NoError(t, err)
	assert.Equal(t, "hello from the model", reply)

	require.Len(t, captured.Messages, 2)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Equal(t, "You pick files.", captured.Messages[0].Content)
	assert.Equal(t, "user", captured.Messages[1].Role)
	assert.Nil(t, captured.ResponseFormat)
}

func TestOpenAIClient_Complete_JSONObjectMode(t *testing.T) {
	var captured chatRequest
	server := fakeChatServer(t, nil, func(w http.ResponseWriter, req chatRequest) {
		captured = req
		replyWith(t, w, `{"ok":true}`)
	})
	client := newTestClient(t, server)

	_, err := client.Complete(context.Background(), Request{Prompt: "emit json", JSONObject: true})
	require.NoError(t, err)
	require.NotNil(t, captured.ResponseFormat)
	assert.Equal(t, "json_object", captured.ResponseFormat.Type)
}

func TestOpenAIClient_Complete_ClassifiesProviderFailure(t *testing.T) {
	server := fakeChatServer(t, nil, func(w http.ResponseWriter, _ chatRequest) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusInternalServerError)
	})
	client := newTestClient(t, server)

	_, err := client.Complete(context.Background(), Request{Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, serviceerrors.ErrCodeLLMUnavailable, serviceerrors.GetCode(err))
	assert.True(t, serviceerrors.IsRetryable(err))
}

func TestOpenAIClient_Complete_EmptyChoicesIsAnError(t *testing.T) {
	server := fakeChatServer(t, nil, func(w http.ResponseWriter, _ chatRequest) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1","object":"chat.completion","choices":[]}`))
	})
	client := newTestClient(t, server)

	_, err := client.Complete(context.Background(), Request{Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, serviceerrors.ErrCodeLLMUnavailable, serviceerrors.GetCode(err))
}

func TestOpenAIClient_Complete_BreakerShortCircuitsAfterSustainedFailures(t *testing.T) {
	var hits atomic.Int64
	server := fakeChatServer(t, &hits, func(w http.ResponseWriter, _ chatRequest) {
		http.Error(w, `{"error":{"message":"down"}}`, http.StatusBadGateway)
	})
	client := newTestClient(t, server)

	for i := 0; i < 5; i++ {
		_, err := client.Complete(context.Background(), Request{Prompt: "hi"})
		require.Error(t, err)
	}
	require.EqualValues(t, 5, hits.Load())

	// The open breaker fails fast without reaching the provider.
	_, err := client.Complete(context.Background(), Request{Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, serviceerrors.ErrCodeLLMUnavailable, serviceerrors.GetCode(err))
	assert.EqualValues(t, 5, hits.Load())
}

func TestOpenAIClient_Complete_CancelledContextPassesThrough(t *testing.T) {
	server := fakeChatServer(t, nil, func(w http.ResponseWriter, _ chatRequest) {
		replyWith(t, w, "unused")
	})
	client := newTestClient(t, server)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Complete(ctx, Request{Prompt: "hi"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, serviceerrors.GetCode(err))
}
