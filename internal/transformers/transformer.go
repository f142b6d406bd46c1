// Package transformers translates canonical Claude-style requests into upstream provider
// dialects and the provider answers back into canonical messages or canonical SSE streams.
package transformers

import (
	"context"
	"io"

	"github.com/mihaisavezi/claude-relay/internal/canonical"
)

// Transformer ids as stored on provider records.
const (
	IDOpenAI     = "claude-to-openai"
	IDGemini     = "claude-to-gemini"
	IDAnthropic  = "claude-to-anthropic"
	IDModelScope = "claude-to-modelscope"
	IDMiniMax    = "claude-to-minimax"
)

// Target is where a single request goes.
type Target struct {
	BaseURL string
	Model   string
	APIKey  string
}

// Result holds exactly one of Message or Stream. Stream carries canonical SSE frames and must be
// closed by the consumer.
type Result struct {
	Message *canonical.Response
	Stream  io.ReadCloser
}

// IsStream reports whether the result is a live event stream.
func (r *Result) IsStream() bool {
	return r != nil && r.Stream != nil
}

// Transformer issues one canonical request against one upstream dialect.
//
// Non-2xx answers come back as *upstream.HTTPError, unusable 2xx bodies as
// *upstream.MalformedResponseError.
type Transformer interface {
	ID() string
	ProcessRequest(ctx context.Context, req *canonical.Request, target Target) (*Result, error)
}
