package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaisavezi/claude-relay/internal/canonical"
	"github.com/mihaisavezi/claude-relay/internal/keypool"
	"github.com/mihaisavezi/claude-relay/internal/repository"
	"github.com/mihaisavezi/claude-relay/internal/resolver"
	"github.com/mihaisavezi/claude-relay/internal/response"
	"github.com/mihaisavezi/claude-relay/internal/router"
	"github.com/mihaisavezi/claude-relay/internal/storage"
	"github.com/mihaisavezi/claude-relay/internal/transformers"
)

type fixture struct {
	repos  *repository.Set
	keys   *keypool.Manager
	writer *repository.LogWriter
	engine *Engine
}

func newFixture(t *testing.T, passthrough Passthrough) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repos := repository.New(storage.NewMemoryStore())
	keys := keypool.NewManager(repos.KeyPools, keypool.Options{}, logger)
	writer := repository.NewLogWriter(repos.Logs, repos.Usage, logger, 0)
	t.Cleanup(writer.Close)

	registry := transformers.NewRegistry(http.DefaultClient, logger)
	res := resolver.New(repos.Routes, repos.Providers, keys, router.New(nil, 0, logger), registry, writer, logger)

	eng, err := New(repos.Routes, res, keys, registry, writer, passthrough, nil, logger)
	require.NoError(t, err)

	return &fixture{repos: repos, keys: keys, writer: writer, engine: eng}
}

// openAIRoute registers an OpenAI-compatible provider at baseURL with one key and selects a
// route config sending everything to it.
func (f *fixture) openAIRoute(t *testing.T, baseURL string) {
	t.Helper()
	ctx := context.Background()

	_, err := f.repos.Providers.Create(ctx, repository.Provider{
		ID:      "p1",
		Name:    "Compatible",
		Type:    repository.ProviderTypeOpenAI,
		BaseURL: baseURL,
	})
	require.NoError(t, err)
	_, err = f.keys.BatchImportKeys(ctx, "p1", []string{"sk-test"})
	require.NoError(t, err)

	rc, err := f.repos.Routes.Save(ctx, repository.RouteConfig{
		ID:    "r1",
		Name:  "main",
		Rules: repository.RouteRules{Default: &repository.ModelTarget{ProviderID: "p1", Model: "gpt-4o"}},
	})
	require.NoError(t, err)
	require.NoError(t, f.repos.Routes.Select(ctx, repository.SelectedConfig{Type: repository.SelectionRoute, ID: rc.ID}))
}

func (f *fixture) onlyLog(t *testing.T) repository.RequestLog {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, f.writer.Flush(ctx))
	page, err := f.repos.Logs.List(ctx, repository.LogQuery{})
	require.NoError(t, err)
	require.Len(t, page.Logs, 1)
	return page.Logs[0]
}

func (f *fixture) onlyKey(t *testing.T) keypool.APIKey {
	t.Helper()

	pool, err := f.keys.Pool(context.Background(), "p1")
	require.NoError(t, err)
	keys := pool.GetKeys()
	require.Len(t, keys, 1)
	return keys[0]
}

func request(stream bool) *canonical.Request {
	return &canonical.Request{
		Model:     "claude-3-5-sonnet",
		MaxTokens: 64,
		Stream:    stream,
		Messages:  []canonical.Message{{Role: canonical.RoleUser, Content: canonical.Content{canonical.TextBlock("hi")}}},
	}
}

func decodeEnvelope(t *testing.T, r *response.Response) response.APIError {
	t.Helper()

	var env struct {
		Type  string            `json:"type"`
		Error response.APIError `json:"error"`
	}
	require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
	assert.Equal(t, "error", env.Type)
	return env.Error
}

func TestProcessRequestRoutesToProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "gpt-4o",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "hello"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 2, "total_tokens": 7}
		}`)
	}))
	t.Cleanup(srv.Close)

	f := newFixture(t, Passthrough{})
	f.openAIRoute(t, srv.URL)

	r := f.engine.ProcessRequest(context.Background(), request(false))
	require.Equal(t, http.StatusOK, r.Status)
	assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

	var msg canonical.Response
	require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
	assert.Equal(t, "hello", msg.Content[0].Text)
	assert.Equal(t, canonical.StopEndTurn, msg.StopReason)

	key := f.onlyKey(t)
	assert.Equal(t, 1, key.SuccessCount)
	assert.Equal(t, keypool.StatusActive, key.Status)

	entry := f.onlyLog(t)
	assert.Equal(t, repository.RequestStatusSuccess, entry.Status)
	assert.Equal(t, 5, entry.InputTokens)
	assert.Equal(t, 2, entry.OutputTokens)
	assert.Empty(t, entry.Error)
}

func TestProcessRequestUpstreamFailureUpdatesKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error": {"message": "Incorrect API key provided", "type": "invalid_request_error"}}`)
	}))
	t.Cleanup(srv.Close)

	f := newFixture(t, Passthrough{})
	f.openAIRoute(t, srv.URL)

	r := f.engine.ProcessRequest(context.Background(), request(false))
	assert.Equal(t, http.StatusUnauthorized, r.Status)
	assert.Equal(t, "authentication_error", decodeEnvelope(t, r).Type)

	assert.Equal(t, keypool.StatusDisabled, f.onlyKey(t).Status)

	entry := f.onlyLog(t)
	assert.Equal(t, repository.RequestStatusError, entry.Status)
	assert.Contains(t, entry.Error, "Incorrect API key")

	// the only key is gone, so the next request is an exhaustion error
	r = f.engine.ProcessRequest(context.Background(), request(false))
	assert.Equal(t, http.StatusServiceUnavailable, r.Status)
	assert.Equal(t, "overloaded_error", decodeEnvelope(t, r).Type)
}

func TestProcessRequestStreamRecordsOnClose(t *testing.T) {
	chunks := []string{
		`{"id":"c1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
		`{"id":"c1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`{"id":"c1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":9,"completion_tokens":3,"total_tokens":12}}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			_, _ = io.WriteString(w, "data: "+c+"\n\n")
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)

	f := newFixture(t, Passthrough{})
	f.openAIRoute(t, srv.URL)

	r := f.engine.ProcessRequest(context.Background(), request(true))
	require.Equal(t, http.StatusOK, r.Status)
	require.True(t, r.IsStream())

	data, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "event: message_stop")

	// nothing is recorded until the consumer lets go of the stream
	assert.Equal(t, 0, f.onlyKey(t).SuccessCount)

	require.NoError(t, r.Body.(io.Closer).Close())

	assert.Equal(t, 1, f.onlyKey(t).SuccessCount)
	entry := f.onlyLog(t)
	assert.Equal(t, repository.RequestStatusSuccess, entry.Status)
	assert.Equal(t, 9, entry.InputTokens)
	assert.Equal(t, 3, entry.OutputTokens)
}

func TestProcessRequestConfigurationErrors(t *testing.T) {
	t.Run("nothing selected and no passthrough key", func(t *testing.T) {
		f := newFixture(t, Passthrough{})

		r := f.engine.ProcessRequest(context.Background(), request(false))
		assert.Equal(t, http.StatusInternalServerError, r.Status)
		assert.Equal(t, ErrTypeConfiguration, decodeEnvelope(t, r).Type)
	})

	t.Run("claude selected without key", func(t *testing.T) {
		f := newFixture(t, Passthrough{})
		require.NoError(t, f.repos.Routes.Select(context.Background(), repository.SelectedConfig{Type: repository.SelectionClaude}))

		r := f.engine.ProcessRequest(context.Background(), request(false))
		assert.Equal(t, http.StatusInternalServerError, r.Status)
		apiErr := decodeEnvelope(t, r)
		assert.Equal(t, ErrTypeConfiguration, apiErr.Type)
		assert.Equal(t, ErrPassthroughKey.Error(), apiErr.Message)
	})
}

func TestProcessRequestClaudePassthrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("x-api-key"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "claude-3-5-sonnet", body["model"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"content": [{"type": "text", "text": "from claude"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 3, "output_tokens": 2}
		}`)
	}))
	t.Cleanup(srv.Close)

	// no selection at all still forwards when a key is configured
	f := newFixture(t, Passthrough{APIKey: "sk-ant-test", BaseURL: srv.URL})

	r := f.engine.ProcessRequest(context.Background(), request(false))
	require.Equal(t, http.StatusOK, r.Status)

	body, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "from claude"))
}

func TestErrorResponseStatus(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		status   int
		wantType string
	}{
		{"no route", resolver.ErrNoActiveRoute, http.StatusInternalServerError, ErrTypeConfiguration},
		{"no default", router.ErrNoDefaultRule, http.StatusInternalServerError, ErrTypeConfiguration},
		{"missing provider", &resolver.ProviderNotFoundError{ProviderID: "x"}, http.StatusInternalServerError, ErrTypeConfiguration},
		{"no keys", &resolver.NoKeysError{ProviderID: "x"}, http.StatusServiceUnavailable, "overloaded_error"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := ErrorResponse(tc.err)
			assert.Equal(t, tc.status, r.Status)
			assert.Equal(t, tc.wantType, decodeEnvelope(t, r).Type)
		})
	}
}
