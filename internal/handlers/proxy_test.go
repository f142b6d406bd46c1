package handlers

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaisavezi/claude-relay/internal/canonical"
	"github.com/mihaisavezi/claude-relay/internal/response"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeEngine struct {
	got  *canonical.Request
	resp *response.Response
}

func (f *fakeEngine) ProcessRequest(_ context.Context, req *canonical.Request) *response.Response {
	f.got = req
	return f.resp
}

const messagesBody = `{"model":"claude-3-5-sonnet","max_tokens":32,"messages":[{"role":"user","content":"hi"}]}`

func TestProxyHandlerForwardsToEngine(t *testing.T) {
	engine := &fakeEngine{resp: response.JSON(http.StatusOK, map[string]string{"id": "msg_1"})}
	handler := NewProxyHandler(engine, nil, testLogger())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(messagesBody)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"msg_1"}`, rec.Body.String())
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	require.NotNil(t, engine.got)
	assert.Equal(t, "claude-3-5-sonnet", engine.got.Model)
	assert.Equal(t, "hi", engine.got.Messages[0].Content.Text())
}

func TestProxyHandlerDecodesCompressedBodies(t *testing.T) {
	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	_, _ = gw.Write([]byte(messagesBody))
	require.NoError(t, gw.Close())

	var br bytes.Buffer
	bw := brotli.NewWriter(&br)
	_, _ = bw.Write([]byte(messagesBody))
	require.NoError(t, bw.Close())

	testCases := map[string][]byte{
		"gzip": gz.Bytes(),
		"br":   br.Bytes(),
	}

	for encoding, body := range testCases {
		t.Run(encoding, func(t *testing.T) {
			engine := &fakeEngine{resp: response.JSON(http.StatusOK, map[string]string{})}
			handler := NewProxyHandler(engine, nil, testLogger())

			req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
			req.Header.Set("Content-Encoding", encoding)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusOK, rec.Code)
			require.NotNil(t, engine.got)
			assert.Equal(t, "claude-3-5-sonnet", engine.got.Model)
		})
	}
}

func TestProxyHandlerRejectsBadBodies(t *testing.T) {
	testCases := map[string]string{
		"not json":       `{"model":`,
		"missing model":  `{"messages":[{"role":"user","content":"hi"}]}`,
		"empty messages": `{"model":"m","messages":[]}`,
	}

	for name, body := range testCases {
		t.Run(name, func(t *testing.T) {
			engine := &fakeEngine{}
			handler := NewProxyHandler(engine, nil, testLogger())

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body)))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Nil(t, engine.got)

			var env struct {
				Type  string            `json:"type"`
				Error response.APIError `json:"error"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
			assert.Equal(t, "error", env.Type)
			assert.Equal(t, "invalid_request_error", env.Error.Type)
		})
	}
}

func TestProxyHandlerRejectsOversizedBodies(t *testing.T) {
	padding := strings.Repeat(" ", maxRequestBody)
	oversized := messagesBody[:len(messagesBody)-1] + padding + "}"

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	_, _ = gw.Write([]byte(oversized))
	require.NoError(t, gw.Close())

	testCases := map[string]struct {
		body     []byte
		encoding string
	}{
		"plain":   {body: []byte(oversized)},
		"gzipped": {body: gz.Bytes(), encoding: "gzip"},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			engine := &fakeEngine{}
			handler := NewProxyHandler(engine, nil, testLogger())

			req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(tc.body))
			if tc.encoding != "" {
				req.Header.Set("Content-Encoding", tc.encoding)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
			assert.Nil(t, engine.got)

			var env struct {
				Error response.APIError `json:"error"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
			assert.Equal(t, "request_too_large", env.Error.Type)
		})
	}
}

func TestProxyHandlerAcceptsBodyAtLimit(t *testing.T) {
	body := messagesBody[:len(messagesBody)-1]
	body += strings.Repeat(" ", maxRequestBody-len(body)-1) + "}"
	require.Len(t, body, maxRequestBody)

	engine := &fakeEngine{resp: response.JSON(http.StatusOK, map[string]string{})}
	handler := NewProxyHandler(engine, nil, testLogger())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body)))

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, engine.got)
}

func TestProxyHandlerStreamsEngineOutput(t *testing.T) {
	stream := "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"
	engine := &fakeEngine{resp: response.Stream(strings.NewReader(stream))}
	handler := NewProxyHandler(engine, nil, testLogger())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(messagesBody)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, stream, rec.Body.String())
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthHandler(testLogger()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}
