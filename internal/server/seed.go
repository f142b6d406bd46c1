package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mihaisavezi/claude-relay/internal/config"
	"github.com/mihaisavezi/claude-relay/internal/keypool"
	"github.com/mihaisavezi/claude-relay/internal/repository"
)

// Seed imports the providers, route configs and selection listed in cfg. It only runs against an
// empty store so edits made through the admin API are never overwritten on restart.
func Seed(ctx context.Context, cfg *config.Config, repos *repository.Set, keys *keypool.Manager, logger *slog.Logger) error {
	existing, err := repos.Providers.List(ctx)
	if err != nil {
		return fmt.Errorf("list providers: %w", err)
	}
	if len(existing) > 0 || len(cfg.Providers) == 0 {
		return nil
	}

	for _, ps := range cfg.Providers {
		p, err := repos.Providers.Create(ctx, repository.Provider{
			ID:          ps.ID,
			Name:        ps.Name,
			Type:        ps.Type,
			BaseURL:     ps.BaseURL,
			Description: ps.Description,
			Transformer: ps.Transformer,
			Models:      ps.Models,
		})
		if err != nil {
			return fmt.Errorf("seed provider %s: %w", ps.ID, err)
		}

		added, err := keys.BatchImportKeys(ctx, p.ID, ps.Keys)
		if err != nil {
			return fmt.Errorf("seed keys for %s: %w", p.ID, err)
		}
		logger.Info("Seeded provider", "provider", p.ID, "type", p.Type, "keys", len(added))
	}

	for _, rs := range cfg.RouteConfigs {
		rules, err := seedRules(rs.Rules)
		if err != nil {
			return fmt.Errorf("seed route config %s: %w", rs.ID, err)
		}

		rc, err := repos.Routes.Save(ctx, repository.RouteConfig{
			ID:     rs.ID,
			Name:   rs.Name,
			Rules:  rules,
			Config: repository.RouteSettings{LongContextThreshold: rs.LongContextThreshold},
		})
		if err != nil {
			return fmt.Errorf("seed route config %s: %w", rs.ID, err)
		}
		logger.Info("Seeded route config", "route_config", rc.ID, "rules", len(rc.Rules.Configured()))
	}

	sel := selectionFor(cfg.ActiveRoute)
	if sel == nil {
		return nil
	}
	if err := repos.Routes.Select(ctx, *sel); err != nil {
		return fmt.Errorf("select %s: %w", cfg.ActiveRoute, err)
	}
	logger.Info("Seeded selection", "type", sel.Type, "id", sel.ID)

	return nil
}

func selectionFor(active string) *repository.SelectedConfig {
	switch active {
	case "":
		return nil
	case repository.SelectionClaude:
		return &repository.SelectedConfig{Type: repository.SelectionClaude}
	}
	return &repository.SelectedConfig{Type: repository.SelectionRoute, ID: active}
}

func seedRules(in map[string]config.TargetSeed) (repository.RouteRules, error) {
	var rules repository.RouteRules

	for name, t := range in {
		target := &repository.ModelTarget{ProviderID: t.ProviderID, Model: t.Model}
		switch name {
		case repository.RuleDefault:
			rules.Default = target
		case repository.RuleLongContext:
			rules.LongContext = target
		case repository.RuleBackground:
			rules.Background = target
		case repository.RuleThink:
			rules.Think = target
		case repository.RuleWebSearch:
			rules.WebSearch = target
		default:
			return rules, fmt.Errorf("unknown rule %q", name)
		}
	}

	return rules, nil
}
