package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mihaisavezi/claude-relay/internal/storage"
)

const (
	ProviderTypeOpenAI     = "openai"
	ProviderTypeGemini     = "gemini"
	ProviderTypeAnthropic  = "anthropic-compatible"
	ProviderTypeModelScope = "modelscope"
	ProviderTypeMiniMax    = "minimax"
)

const (
	ProviderStatusActive   = "active"
	ProviderStatusInactive = "inactive"
)

var defaultTransformers = map[string]string{
	ProviderTypeOpenAI:     "claude-to-openai",
	ProviderTypeGemini:     "claude-to-gemini",
	ProviderTypeAnthropic:  "claude-to-anthropic",
	ProviderTypeModelScope: "claude-to-modelscope",
	ProviderTypeMiniMax:    "claude-to-minimax",
}

// DefaultTransformer returns the transformer id used for a provider type, or "" for unknown
// types.
func DefaultTransformer(providerType string) string {
	return defaultTransformers[providerType]
}

type Provider struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	BaseURL     string    `json:"baseUrl"`
	Description string    `json:"description,omitempty"`
	Models      []string  `json:"models"`
	Transformer string    `json:"transformer"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type ProviderRepository struct {
	store  storage.Store
	routes *RouteConfigRepository
	now    func() time.Time
}

func NewProviderRepository(store storage.Store, routes *RouteConfigRepository) *ProviderRepository {
	return &ProviderRepository{store: store, routes: routes, now: time.Now}
}

func (r *ProviderRepository) List(ctx context.Context) ([]Provider, error) {
	return listJSON[Provider](ctx, r.store, providerPrefix)
}

func (r *ProviderRepository) Get(ctx context.Context, id string) (*Provider, error) {
	var p Provider
	if err := getJSON(ctx, r.store, providerPrefix+id, &p); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("provider %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &p, nil
}

// Create stores p with a fresh id unless one is given, defaulting status and transformer.
func (r *ProviderRepository) Create(ctx context.Context, p Provider) (*Provider, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("%w: provider name is required", ErrValidation)
	}
	if _, ok := defaultTransformers[p.Type]; !ok {
		return nil, fmt.Errorf("%w: unknown provider type %q", ErrValidation, p.Type)
	}
	if p.BaseURL == "" {
		return nil, fmt.Errorf("%w: provider base url is required", ErrValidation)
	}

	if p.ID == "" {
		p.ID = uuid.NewString()
	} else if _, err := r.Get(ctx, p.ID); err == nil {
		return nil, fmt.Errorf("%w: provider %s already exists", ErrValidation, p.ID)
	}

	now := r.now()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = ProviderStatusActive
	}
	if p.Transformer == "" {
		p.Transformer = DefaultTransformer(p.Type)
	}
	if p.Models == nil {
		p.Models = []string{}
	}

	if err := putJSON(ctx, r.store, providerPrefix+p.ID, p, 0); err != nil {
		return nil, err
	}
	return &p, nil
}

// Update replaces the editable fields of a provider. Identity fields (id, type, createdAt) are
// fixed at creation; an attempt to change type is rejected.
func (r *ProviderRepository) Update(ctx context.Context, id string, changes Provider) (*Provider, error) {
	current, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if changes.ID != "" && changes.ID != id {
		return nil, fmt.Errorf("%w: id", ErrImmutableField)
	}
	if changes.Type != "" && changes.Type != current.Type {
		return nil, fmt.Errorf("%w: type", ErrImmutableField)
	}

	if changes.Name != "" {
		current.Name = changes.Name
	}
	if changes.BaseURL != "" {
		current.BaseURL = changes.BaseURL
	}
	if changes.Description != "" {
		current.Description = changes.Description
	}
	if changes.Models != nil {
		current.Models = changes.Models
	}
	if changes.Transformer != "" {
		current.Transformer = changes.Transformer
	}
	if changes.Status != "" {
		current.Status = changes.Status
	}
	current.UpdatedAt = r.now()

	if err := putJSON(ctx, r.store, providerPrefix+id, current, 0); err != nil {
		return nil, err
	}
	return current, nil
}

// Delete removes a provider and its key pool record. It is refused while any route config
// references the provider.
func (r *ProviderRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}

	refs, err := r.routes.ReferencingProvider(ctx, id)
	if err != nil {
		return err
	}
	if len(refs) > 0 {
		return &ErrProviderInUse{ProviderID: id, RouteConfigIDs: refs}
	}

	if err := r.store.Delete(ctx, providerPrefix+id); err != nil {
		return fmt.Errorf("delete provider %s: %w", id, err)
	}
	if err := r.store.Delete(ctx, keyPoolPrefix+id); err != nil {
		return fmt.Errorf("delete key pool %s: %w", id, err)
	}
	return nil
}
