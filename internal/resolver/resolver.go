// Package resolver assembles the execution plan of one request: which provider, model, key and
// transformer serve it. It never calls the upstream itself.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mihaisavezi/claude-relay/internal/canonical"
	"github.com/mihaisavezi/claude-relay/internal/keypool"
	"github.com/mihaisavezi/claude-relay/internal/repository"
	"github.com/mihaisavezi/claude-relay/internal/router"
	"github.com/mihaisavezi/claude-relay/internal/transformers"
)

var ErrNoActiveRoute = errors.New("no active route configuration")

// ProviderNotFoundError means a rule points at a provider that does not exist.
type ProviderNotFoundError struct {
	ProviderID string
}

func (e *ProviderNotFoundError) Error() string {
	return fmt.Sprintf("provider %s not found", e.ProviderID)
}

// NoKeysError means the provider exists but none of its keys is active.
type NoKeysError struct {
	ProviderID string
}

func (e *NoKeysError) Error() string {
	return fmt.Sprintf("provider %s has no active API keys", e.ProviderID)
}

// Plan is everything needed to execute one request.
type Plan struct {
	Provider      *repository.Provider
	SelectedModel string
	APIKey        *keypool.APIKey
	RouteConfig   *repository.RouteConfig
	Transformer   transformers.Transformer
	Selection     router.Selection
	LogID         string
}

// Target is the transformer target of the plan.
func (p *Plan) Target() transformers.Target {
	return transformers.Target{
		BaseURL: p.Provider.BaseURL,
		Model:   p.SelectedModel,
		APIKey:  p.APIKey.Key,
	}
}

type Resolver struct {
	routes    *repository.RouteConfigRepository
	providers *repository.ProviderRepository
	keys      *keypool.Manager
	router    *router.Router
	registry  *transformers.Registry
	logs      *repository.LogWriter
	logger    *slog.Logger
	now       func() time.Time
}

// New wires a resolver. logs may be nil, in which case no request log is written.
func New(
	routes *repository.RouteConfigRepository,
	providers *repository.ProviderRepository,
	keys *keypool.Manager,
	rt *router.Router,
	registry *transformers.Registry,
	logs *repository.LogWriter,
	logger *slog.Logger,
) *Resolver {
	return &Resolver{
		routes:    routes,
		providers: providers,
		keys:      keys,
		router:    rt,
		registry:  registry,
		logs:      logs,
		logger:    logger,
		now:       time.Now,
	}
}

// Resolve selects a target through the active route config and picks a key for it. On success
// a pending request log is queued; writing it never fails the request.
func (r *Resolver) Resolve(ctx context.Context, req *canonical.Request) (*Plan, error) {
	rc, err := r.routes.Active(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active route config: %w", err)
	}
	if rc == nil {
		return nil, ErrNoActiveRoute
	}

	sel, err := r.router.Select(req, rc)
	if err != nil {
		return nil, err
	}

	provider, err := r.providers.Get(ctx, sel.Target.ProviderID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &ProviderNotFoundError{ProviderID: sel.Target.ProviderID}
	}
	if err != nil {
		return nil, fmt.Errorf("load provider %s: %w", sel.Target.ProviderID, err)
	}

	key, err := r.keys.NextKey(ctx, provider.ID)
	if err != nil {
		return nil, fmt.Errorf("load key pool %s: %w", provider.ID, err)
	}
	if key == nil {
		return nil, &NoKeysError{ProviderID: provider.ID}
	}

	t, err := r.registry.ForProvider(provider)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Provider:      provider,
		SelectedModel: sel.Target.Model,
		APIKey:        key,
		RouteConfig:   rc,
		Transformer:   t,
		Selection:     sel,
		LogID:         uuid.NewString(),
	}

	r.logger.Info("Request resolved",
		"route_config", rc.ID,
		"route_rule", sel.Rule,
		"provider", provider.ID,
		"model", plan.SelectedModel,
		"transformer", t.ID(),
		"key_id", key.ID,
	)

	if r.logs != nil {
		r.logs.Append(repository.RequestLog{
			ID:             plan.LogID,
			Timestamp:      r.now(),
			RequestedModel: req.Model,
			SelectedModel:  plan.SelectedModel,
			ProviderID:     provider.ID,
			ProviderName:   provider.Name,
			RouteConfigID:  rc.ID,
			RouteRule:      sel.Rule,
			Reason:         sel.Reason,
			KeyID:          key.ID,
			Stream:         req.Stream,
			Status:         repository.RequestStatusPending,
		})
	}

	return plan, nil
}
