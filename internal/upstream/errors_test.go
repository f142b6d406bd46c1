package upstream

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPErrorTruncatesBody(t *testing.T) {
	err := NewHTTPError("openai", 500, []byte(strings.Repeat("x", 2000)))
	assert.Len(t, err.Body, MaxErrorBody)
	assert.Contains(t, err.Error(), "500")
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	s := strings.Repeat("é", 10) // 2 bytes each
	got := Truncate(s, 5)
	assert.Equal(t, "éé", got)
}

func TestClassify(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		expected Kind
	}{
		{"401", NewHTTPError("p", 401, []byte("bad key")), KindAuth},
		{"403 quota", NewHTTPError("p", 403, []byte("You exceeded your current quota")), KindQuota},
		{"403", NewHTTPError("p", 403, []byte("nope")), KindPermission},
		{"429", NewHTTPError("p", 429, []byte("slow down")), KindRateLimit},
		{"429 quota", NewHTTPError("p", 429, []byte(`{"error":{"code":"insufficient_quota"}}`)), KindQuota},
		{"404", NewHTTPError("p", 404, []byte("model x")), KindModelNotFound},
		{"400 unsupported", NewHTTPError("p", 400, []byte("model does not support images")), KindModelNotSupported},
		{"400 plain", NewHTTPError("p", 400, []byte("???")), KindParameter},
		{"503", NewHTTPError("p", 503, []byte("")), KindServer},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), KindTimeout},
		{"message rate limit", errors.New("Rate limit reached for requests"), KindRateLimit},
		{"message api key", errors.New("API key not valid. Please pass a valid API key."), KindAuth},
		{"message network", errors.New("dial tcp: connection refused"), KindNetwork},
		{"unknown", errors.New("something odd"), KindUnknown},
		{"nil", nil, KindUnknown},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Classify(tc.err))
		})
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, 429, StatusFor(NewHTTPError("p", 429, nil)))
	assert.Equal(t, http.StatusBadGateway, StatusFor(&MalformedResponseError{Provider: "p", Reason: "no choices"}))
	assert.Equal(t, http.StatusGatewayTimeout, StatusFor(context.DeadlineExceeded))
	assert.Equal(t, http.StatusBadGateway, StatusFor(errors.New("connection reset by peer")))
}

func TestDecode(t *testing.T) {
	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	_, _ = gw.Write([]byte("gzip body"))
	require.NoError(t, gw.Close())

	var br bytes.Buffer
	bw := brotli.NewWriter(&br)
	_, _ = bw.Write([]byte("brotli body"))
	require.NoError(t, bw.Close())

	testCases := []struct {
		encoding string
		body     []byte
		expected string
	}{
		{"gzip", gz.Bytes(), "gzip body"},
		{"br", br.Bytes(), "brotli body"},
		{"", []byte("plain body"), "plain body"},
	}

	for _, tc := range testCases {
		t.Run("encoding "+tc.encoding, func(t *testing.T) {
			rc, err := Decode(io.NopCloser(bytes.NewReader(tc.body)), tc.encoding)
			require.NoError(t, err)
			defer rc.Close()

			data, err := io.ReadAll(rc)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, string(data))
		})
	}
}
