// Package router picks the provider and model that serve a request.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mihaisavezi/claude-relay/internal/canonical"
	"github.com/mihaisavezi/claude-relay/internal/repository"
	"github.com/mihaisavezi/claude-relay/internal/tokens"
)

const DefaultLongContextThreshold = 60000

var ErrNoDefaultRule = errors.New("route config has no default rule")

// Selection is the target chosen for a request and why.
type Selection struct {
	Target repository.ModelTarget
	Rule   string
	Reason string
}

// SelectModel evaluates cfg against req, first match wins:
//
//  1. explicit model: the first entry of a comma-separated model list equals a rule's model
//  2. longContext: the estimated request size exceeds the threshold
//  3. background: the requested model contains "haiku"
//  4. think: the request carries a thinking block
//  5. webSearch: a tool type starts with "web_search"
//  6. default
//
// Optional rules that are not configured are skipped. defaultThreshold applies when cfg does not
// set one.
func SelectModel(req *canonical.Request, cfg *repository.RouteConfig, est tokens.Estimator, defaultThreshold int) (Selection, error) {
	rules := cfg.Rules
	if rules.Default == nil {
		return Selection{}, fmt.Errorf("%w: %s", ErrNoDefaultRule, cfg.ID)
	}

	if strings.Contains(req.Model, ",") {
		first := strings.TrimSpace(strings.SplitN(req.Model, ",", 2)[0])
		for _, nt := range rules.Configured() {
			if nt.Target.Model == first {
				return Selection{
					Target: nt.Target,
					Rule:   nt.Rule,
					Reason: fmt.Sprintf("explicit model match: %s matches the %s rule", first, nt.Rule),
				}, nil
			}
		}
	}

	if rules.LongContext != nil {
		threshold := cfg.Config.LongContextThreshold
		if threshold <= 0 {
			threshold = defaultThreshold
		}
		if threshold <= 0 {
			threshold = DefaultLongContextThreshold
		}

		if n := tokens.EstimateRequest(est, req); n > threshold {
			return Selection{
				Target: *rules.LongContext,
				Rule:   repository.RuleLongContext,
				Reason: fmt.Sprintf("estimated %d tokens exceeds threshold %d", n, threshold),
			}, nil
		}
	}

	if rules.Background != nil && strings.Contains(req.Model, "haiku") {
		return Selection{
			Target: *rules.Background,
			Rule:   repository.RuleBackground,
			Reason: fmt.Sprintf("requested model %s is a haiku model", req.Model),
		}, nil
	}

	if rules.Think != nil && req.HasThinking() {
		return Selection{
			Target: *rules.Think,
			Rule:   repository.RuleThink,
			Reason: "request enables thinking",
		}, nil
	}

	if rules.WebSearch != nil && hasWebSearchTool(req.Tools) {
		return Selection{
			Target: *rules.WebSearch,
			Rule:   repository.RuleWebSearch,
			Reason: "request includes a web_search tool",
		}, nil
	}

	return Selection{
		Target: *rules.Default,
		Rule:   repository.RuleDefault,
		Reason: "default route",
	}, nil
}

func hasWebSearchTool(tools []canonical.Tool) bool {
	for _, t := range tools {
		if strings.HasPrefix(t.Type, "web_search") {
			return true
		}
	}
	return false
}

// Router binds SelectModel to an estimator and the configured default threshold.
type Router struct {
	estimator tokens.Estimator
	threshold int
	logger    *slog.Logger
}

func New(est tokens.Estimator, threshold int, logger *slog.Logger) *Router {
	if est == nil {
		est = tokens.Heuristic
	}
	return &Router{estimator: est, threshold: threshold, logger: logger}
}

func (r *Router) Select(req *canonical.Request, cfg *repository.RouteConfig) (Selection, error) {
	sel, err := SelectModel(req, cfg, r.estimator, r.threshold)
	if err != nil {
		return sel, err
	}

	r.logger.Debug("Model selected",
		"route_config", cfg.ID,
		"route_rule", sel.Rule,
		"provider", sel.Target.ProviderID,
		"model", sel.Target.Model,
		"reason", sel.Reason,
	)
	return sel, nil
}
