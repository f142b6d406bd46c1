// Package tokens approximates request sizes in tokens.
package tokens

import (
	"encoding/json"
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/mihaisavezi/claude-relay/internal/canonical"
)

// Estimator maps text to an approximate token count.
type Estimator interface {
	Estimate(text string) int
}

// EstimatorFunc adapts a plain function to Estimator.
type EstimatorFunc func(text string) int

func (f EstimatorFunc) Estimate(text string) int { return f(text) }

// Heuristic is the default routing estimator.
var Heuristic Estimator = EstimatorFunc(Estimate)

// Estimate counts a token per non-ASCII rune and a token per four ASCII bytes. It is monotonic
// in input size and never fails.
func Estimate(text string) int {
	var ascii, other int

	for i := 0; i < len(text); {
		if text[i] < utf8.RuneSelf {
			ascii++
			i++
			continue
		}
		_, size := utf8.DecodeRuneInString(text[i:])
		other++
		i += size
	}

	return other + (ascii+3)/4
}

// EstimateRequest estimates over the JSON serialization of the whole request.
func EstimateRequest(est Estimator, req *canonical.Request) int {
	if est == nil {
		est = Heuristic
	}

	data, err := json.Marshal(req)
	if err != nil {
		return 0
	}
	return est.Estimate(string(data))
}

// Counter uses the cl100k_base BPE for log lines and usage fallbacks. The encoding is loaded
// lazily; when it cannot be loaded the heuristic is used instead.
type Counter struct {
	logger *slog.Logger

	once sync.Once
	enc  *tiktoken.Tiktoken
}

func NewCounter(logger *slog.Logger) *Counter {
	return &Counter{logger: logger}
}

func (c *Counter) Estimate(text string) int {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			c.logger.Warn("Failed to load tiktoken encoding, using heuristic", "error", err)
			return
		}
		c.enc = enc
	})

	if c.enc == nil {
		return Estimate(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}
