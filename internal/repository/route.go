package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mihaisavezi/claude-relay/internal/storage"
)

// Rule names in evaluation order for explicit model matches.
const (
	RuleDefault     = "default"
	RuleLongContext = "longContext"
	RuleBackground  = "background"
	RuleThink       = "think"
	RuleWebSearch   = "webSearch"
)

// Selection types stored in the selected_config pointer.
const (
	SelectionClaude = "claude"
	SelectionRoute  = "route"
)

// ModelTarget is a (provider, model) pair a rule resolves to.
type ModelTarget struct {
	ProviderID string `json:"providerId"`
	Model      string `json:"model"`
}

type RouteRules struct {
	Default     *ModelTarget `json:"default,omitempty"`
	LongContext *ModelTarget `json:"longContext,omitempty"`
	Background  *ModelTarget `json:"background,omitempty"`
	Think       *ModelTarget `json:"think,omitempty"`
	WebSearch   *ModelTarget `json:"webSearch,omitempty"`
}

// NamedTarget pairs a configured rule with its name.
type NamedTarget struct {
	Rule   string
	Target ModelTarget
}

// Configured returns the rules that are set, in the order default, longContext, background,
// think, webSearch.
func (r RouteRules) Configured() []NamedTarget {
	all := []struct {
		name   string
		target *ModelTarget
	}{
		{RuleDefault, r.Default},
		{RuleLongContext, r.LongContext},
		{RuleBackground, r.Background},
		{RuleThink, r.Think},
		{RuleWebSearch, r.WebSearch},
	}

	out := make([]NamedTarget, 0, len(all))
	for _, rule := range all {
		if rule.target != nil {
			out = append(out, NamedTarget{Rule: rule.name, Target: *rule.target})
		}
	}
	return out
}

type RouteSettings struct {
	LongContextThreshold int `json:"longContextThreshold,omitempty"`
}

type RouteConfig struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Rules     RouteRules    `json:"rules"`
	Config    RouteSettings `json:"config"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// SelectedConfig is the single pointer naming what serves traffic: the Claude passthrough or
// one route config.
type SelectedConfig struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

type RouteConfigRepository struct {
	store storage.Store
	now   func() time.Time
}

func NewRouteConfigRepository(store storage.Store) *RouteConfigRepository {
	return &RouteConfigRepository{store: store, now: time.Now}
}

func (r *RouteConfigRepository) List(ctx context.Context) ([]RouteConfig, error) {
	return listJSON[RouteConfig](ctx, r.store, routeConfigPrefix)
}

func (r *RouteConfigRepository) Get(ctx context.Context, id string) (*RouteConfig, error) {
	var rc RouteConfig
	if err := getJSON(ctx, r.store, routeConfigPrefix+id, &rc); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("route config %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &rc, nil
}

// Save creates or replaces a route config. A config without a default rule is rejected.
func (r *RouteConfigRepository) Save(ctx context.Context, rc RouteConfig) (*RouteConfig, error) {
	if rc.Rules.Default == nil {
		return nil, fmt.Errorf("%w: route config needs a default rule", ErrValidation)
	}
	for _, nt := range rc.Rules.Configured() {
		if nt.Target.ProviderID == "" || nt.Target.Model == "" {
			return nil, fmt.Errorf("%w: rule %s needs a provider and a model", ErrValidation, nt.Rule)
		}
	}
	if rc.Config.LongContextThreshold < 0 {
		return nil, fmt.Errorf("%w: longContextThreshold must not be negative", ErrValidation)
	}

	now := r.now()
	if rc.ID == "" {
		rc.ID = uuid.NewString()
		rc.CreatedAt = now
	} else if existing, err := r.Get(ctx, rc.ID); err == nil {
		rc.CreatedAt = existing.CreatedAt
	} else if errors.Is(err, ErrNotFound) {
		rc.CreatedAt = now
	} else {
		return nil, err
	}
	if rc.Name == "" {
		rc.Name = rc.ID
	}
	rc.UpdatedAt = now

	if err := putJSON(ctx, r.store, routeConfigPrefix+rc.ID, rc, 0); err != nil {
		return nil, err
	}
	return &rc, nil
}

// Delete removes a route config unless it is the selected one.
func (r *RouteConfigRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}

	sel, err := r.Selected(ctx)
	if err != nil {
		return err
	}
	if sel != nil && sel.Type == SelectionRoute && sel.ID == id {
		return ErrRouteSelected
	}

	return r.store.Delete(ctx, routeConfigPrefix+id)
}

// ReferencingProvider returns the ids of route configs with a rule targeting providerID.
func (r *RouteConfigRepository) ReferencingProvider(ctx context.Context, providerID string) ([]string, error) {
	configs, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, rc := range configs {
		for _, nt := range rc.Rules.Configured() {
			if nt.Target.ProviderID == providerID {
				ids = append(ids, rc.ID)
				break
			}
		}
	}
	return ids, nil
}

// Selected returns the selection pointer, or nil when nothing was selected yet.
func (r *RouteConfigRepository) Selected(ctx context.Context) (*SelectedConfig, error) {
	var sel SelectedConfig
	err := getJSON(ctx, r.store, selectedConfigKey, &sel)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sel, nil
}

// Select points traffic at the Claude passthrough or at an existing route config.
func (r *RouteConfigRepository) Select(ctx context.Context, sel SelectedConfig) error {
	switch sel.Type {
	case SelectionClaude:
		sel.ID = ""
	case SelectionRoute:
		if _, err := r.Get(ctx, sel.ID); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown selection type %q", ErrValidation, sel.Type)
	}
	return putJSON(ctx, r.store, selectedConfigKey, sel, 0)
}

// Active returns the selected route config, or nil when the selection is not a route or points
// at a config that no longer exists.
func (r *RouteConfigRepository) Active(ctx context.Context) (*RouteConfig, error) {
	sel, err := r.Selected(ctx)
	if err != nil || sel == nil || sel.Type != SelectionRoute {
		return nil, err
	}

	rc, err := r.Get(ctx, sel.ID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return rc, err
}
