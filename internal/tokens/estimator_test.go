package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mihaisavezi/claude-relay/internal/canonical"
)

func TestEstimate(t *testing.T) {
	testCases := []struct {
		name     string
		text     string
		expected int
	}{
		{"empty", "", 0},
		{"short ascii rounds up", "hi", 1},
		{"four bytes", "abcd", 1},
		{"five bytes", "abcde", 2},
		{"cjk counts per rune", "你好", 2},
		{"mixed", "abcd你好", 3},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Estimate(tc.text))
		})
	}
}

func TestEstimateIsMonotonic(t *testing.T) {
	prev := 0
	for n := 0; n < 200; n++ {
		got := Estimate(strings.Repeat("x", n))
		assert.GreaterOrEqual(t, got, prev)
		prev = got
	}
}

func TestEstimateInvalidUTF8DoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		Estimate(string([]byte{0xff, 0xfe, 'a'}))
	})
}

func TestEstimateRequestGrowsWithContent(t *testing.T) {
	small := &canonical.Request{Model: "m", Messages: []canonical.Message{
		{Role: "user", Content: canonical.Content{canonical.TextBlock("hi")}},
	}}
	large := &canonical.Request{Model: "m", Messages: []canonical.Message{
		{Role: "user", Content: canonical.Content{canonical.TextBlock(strings.Repeat("word ", 1000))}},
	}}

	assert.Greater(t, EstimateRequest(nil, large), EstimateRequest(nil, small))
	assert.Greater(t, EstimateRequest(Heuristic, large), 1000)
}
