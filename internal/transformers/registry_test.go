package transformers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaisavezi/claude-relay/internal/repository"
)

func TestRegistryHasBuiltins(t *testing.T) {
	reg := NewRegistry(http.DefaultClient, testLogger())

	assert.Equal(t, []string{IDAnthropic, IDGemini, IDMiniMax, IDModelScope, IDOpenAI}, reg.List())

	for _, id := range reg.List() {
		tr, ok := reg.Get(id)
		require.True(t, ok)
		assert.Equal(t, id, tr.ID())
	}

	_, ok := reg.Get("claude-to-nowhere")
	assert.False(t, ok)
}

func TestRegistryForProvider(t *testing.T) {
	reg := NewRegistry(nil, testLogger())

	testCases := []struct {
		name     string
		provider repository.Provider
		want     string
		wantErr  bool
	}{
		{"type openai", repository.Provider{ID: "p1", Type: repository.ProviderTypeOpenAI}, IDOpenAI, false},
		{"type gemini", repository.Provider{ID: "p2", Type: repository.ProviderTypeGemini}, IDGemini, false},
		{"type anthropic", repository.Provider{ID: "p3", Type: repository.ProviderTypeAnthropic}, IDAnthropic, false},
		{"explicit wins", repository.Provider{ID: "p4", Type: repository.ProviderTypeAnthropic, Transformer: IDMiniMax}, IDMiniMax, false},
		{"unknown explicit", repository.Provider{ID: "p5", Type: repository.ProviderTypeOpenAI, Transformer: "nope"}, "", true},
		{"unknown type", repository.Provider{ID: "p6", Type: "carrier-pigeon"}, "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tr, err := reg.ForProvider(&tc.provider)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, tr.ID())
		})
	}
}

func TestInferType(t *testing.T) {
	testCases := []struct {
		baseURL string
		want    string
		wantErr bool
	}{
		{"https://api.openai.com/v1", repository.ProviderTypeOpenAI, false},
		{"https://openrouter.ai/api/v1", repository.ProviderTypeOpenAI, false},
		{"https://generativelanguage.googleapis.com/v1beta", repository.ProviderTypeGemini, false},
		{"https://API.ANTHROPIC.COM", repository.ProviderTypeAnthropic, false},
		{"https://api-inference.modelscope.cn", repository.ProviderTypeModelScope, false},
		{"https://api.minimax.chat/anthropic", repository.ProviderTypeMiniMax, false},
		{"https://llm.internal.example", "", true},
		{"://broken", "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.baseURL, func(t *testing.T) {
			got, err := InferType(tc.baseURL)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
