package transformers

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/mihaisavezi/claude-relay/internal/repository"
)

// Registry holds the transformers of one process. It is built once at startup and handed to
// whoever needs it.
type Registry struct {
	mu           sync.RWMutex
	transformers map[string]Transformer
}

// NewRegistry registers every built-in transformer, all sharing client.
func NewRegistry(client *http.Client, logger *slog.Logger) *Registry {
	if client == nil {
		client = http.DefaultClient
	}

	r := &Registry{transformers: make(map[string]Transformer)}
	r.Register(NewOpenAI(client, logger))
	r.Register(NewGemini(client, logger))
	r.Register(NewAnthropic(IDAnthropic, AuthAPIKey, client, logger))
	r.Register(NewAnthropic(IDModelScope, AuthAPIKey, client, logger))
	r.Register(NewAnthropic(IDMiniMax, AuthBearer, client, logger))

	return r
}

// Register adds t, replacing any transformer with the same id.
func (r *Registry) Register(t Transformer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.transformers[t.ID()] = t
}

// Get retrieves a transformer by id
func (r *Registry) Get(id string) (Transformer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.transformers[id]
	return t, ok
}

// List returns all registered transformer ids, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.transformers))
	for id := range r.transformers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ForProvider picks the provider's explicit transformer, falling back to the one its type
// implies.
func (r *Registry) ForProvider(p *repository.Provider) (Transformer, error) {
	if p.Transformer != "" {
		if t, ok := r.Get(p.Transformer); ok {
			return t, nil
		}
		return nil, fmt.Errorf("provider %s: unknown transformer %q", p.ID, p.Transformer)
	}

	id := repository.DefaultTransformer(p.Type)
	if id == "" {
		return nil, fmt.Errorf("provider %s: no transformer for type %q", p.ID, p.Type)
	}

	t, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("provider %s: transformer %q not registered", p.ID, id)
	}
	return t, nil
}

// Domain mapping to provider types
var domainTypes = map[string]string{
	"api.openai.com":                    repository.ProviderTypeOpenAI,
	"openai.com":                        repository.ProviderTypeOpenAI,
	"openrouter.ai":                     repository.ProviderTypeOpenAI,
	"api.openrouter.ai":                 repository.ProviderTypeOpenAI,
	"integrate.api.nvidia.com":          repository.ProviderTypeOpenAI,
	"api.deepseek.com":                  repository.ProviderTypeOpenAI,
	"generativelanguage.googleapis.com": repository.ProviderTypeGemini,
	"googleapis.com":                    repository.ProviderTypeGemini,
	"api.anthropic.com":                 repository.ProviderTypeAnthropic,
	"anthropic.com":                     repository.ProviderTypeAnthropic,
	"api-inference.modelscope.cn":       repository.ProviderTypeModelScope,
	"api.minimax.chat":                  repository.ProviderTypeMiniMax,
	"api.minimaxi.com":                  repository.ProviderTypeMiniMax,
}

// InferType guesses the provider type from a base URL's host.
func InferType(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	domain := strings.ToLower(u.Hostname())
	if t, ok := domainTypes[domain]; ok {
		return t, nil
	}

	return "", fmt.Errorf("no provider type known for domain: %s", domain)
}
