// Package engine executes one canonical request end to end: pick the serving path, call the
// upstream, feed the outcome back into the key pool and the request log, and wrap the result.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mihaisavezi/claude-relay/internal/canonical"
	"github.com/mihaisavezi/claude-relay/internal/keypool"
	"github.com/mihaisavezi/claude-relay/internal/repository"
	"github.com/mihaisavezi/claude-relay/internal/resolver"
	"github.com/mihaisavezi/claude-relay/internal/response"
	"github.com/mihaisavezi/claude-relay/internal/router"
	"github.com/mihaisavezi/claude-relay/internal/tokens"
	"github.com/mihaisavezi/claude-relay/internal/transformers"
	"github.com/mihaisavezi/claude-relay/internal/upstream"
)

const ErrTypeConfiguration = "configuration_error"

var ErrPassthroughKey = errors.New("claude passthrough is selected but no Anthropic API key is configured")

// Passthrough configures direct forwarding to the official Anthropic API.
type Passthrough struct {
	APIKey  string
	BaseURL string
}

type Engine struct {
	routes      *repository.RouteConfigRepository
	resolver    *resolver.Resolver
	keys        *keypool.Manager
	logs        *repository.LogWriter
	claude      transformers.Transformer
	passthrough Passthrough
	estimator   tokens.Estimator
	logger      *slog.Logger
	now         func() time.Time
}

// New wires an engine. logs may be nil; estimator fills in input tokens for streams whose
// upstream never reports them and falls back to the character heuristic when nil.
func New(
	routes *repository.RouteConfigRepository,
	res *resolver.Resolver,
	keys *keypool.Manager,
	registry *transformers.Registry,
	logs *repository.LogWriter,
	passthrough Passthrough,
	estimator tokens.Estimator,
	logger *slog.Logger,
) (*Engine, error) {
	claude, ok := registry.Get(transformers.IDAnthropic)
	if !ok {
		return nil, fmt.Errorf("transformer %s is not registered", transformers.IDAnthropic)
	}
	if estimator == nil {
		estimator = tokens.EstimatorFunc(tokens.Estimate)
	}

	return &Engine{
		routes:      routes,
		resolver:    res,
		keys:        keys,
		logs:        logs,
		claude:      claude,
		passthrough: passthrough,
		estimator:   estimator,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// ProcessRequest always returns a response; failures become error envelopes.
func (e *Engine) ProcessRequest(ctx context.Context, req *canonical.Request) *response.Response {
	sel, err := e.routes.Selected(ctx)
	if err != nil {
		e.logger.Error("Failed to read selected config", "error", err)
		return response.Error(fmt.Errorf("read selected config: %w", err), http.StatusInternalServerError)
	}

	if e.usePassthrough(sel) {
		return e.forwardToClaude(ctx, req)
	}

	return e.route(ctx, req)
}

func (e *Engine) usePassthrough(sel *repository.SelectedConfig) bool {
	if sel == nil {
		return e.passthrough.APIKey != ""
	}
	return sel.Type == repository.SelectionClaude
}

func (e *Engine) forwardToClaude(ctx context.Context, req *canonical.Request) *response.Response {
	if e.passthrough.APIKey == "" {
		return response.Error(response.WithType(ErrTypeConfiguration, ErrPassthroughKey), http.StatusInternalServerError)
	}

	e.logger.Info("Forwarding to Claude", "model", req.Model, "stream", req.Stream)

	res, err := e.claude.ProcessRequest(ctx, req, transformers.Target{
		BaseURL: e.passthrough.BaseURL,
		Model:   req.Model,
		APIKey:  e.passthrough.APIKey,
	})
	if err != nil {
		e.logger.Warn("Claude passthrough failed", "model", req.Model, "error", err)
		return ErrorResponse(err)
	}
	return response.Wrap(res)
}

func (e *Engine) route(ctx context.Context, req *canonical.Request) *response.Response {
	plan, err := e.resolver.Resolve(ctx, req)
	if err != nil {
		e.logger.Warn("Failed to resolve request", "model", req.Model, "error", err)
		return ErrorResponse(err)
	}

	start := e.now()
	res, err := plan.Transformer.ProcessRequest(ctx, req, plan.Target())
	if err != nil {
		e.keys.RecordFailure(ctx, plan.Provider.ID, plan.APIKey.ID, err)
		e.complete(plan, start, canonical.Usage{}, err)

		e.logger.Warn("Upstream request failed",
			"provider", plan.Provider.ID,
			"model", plan.SelectedModel,
			"key_id", plan.APIKey.ID,
			"kind", upstream.Classify(err),
			"error", err,
		)
		return ErrorResponse(err)
	}

	if !res.IsStream() {
		e.keys.RecordSuccess(ctx, plan.Provider.ID, plan.APIKey.ID)
		e.complete(plan, start, res.Message.Usage, nil)
		return response.Wrap(res)
	}

	res.Stream = newTrackedStream(res.Stream, func(usage canonical.Usage, err error, completed bool) {
		// the request context may be gone by now
		bg := context.Background()

		if usage.InputTokens == 0 {
			usage.InputTokens = tokens.EstimateRequest(e.estimator, req)
		}

		switch {
		case err != nil:
			e.keys.RecordFailure(bg, plan.Provider.ID, plan.APIKey.ID, err)
		case completed:
			e.keys.RecordSuccess(bg, plan.Provider.ID, plan.APIKey.ID)
		default:
			err = errClientClosed
		}
		e.complete(plan, start, usage, err)
	})
	return response.Wrap(res)
}

var errClientClosed = errors.New("stream closed before completion")

func (e *Engine) complete(plan *resolver.Plan, start time.Time, usage canonical.Usage, err error) {
	if e.logs == nil {
		return
	}

	latency := e.now().Sub(start)
	status := repository.RequestStatusSuccess
	msg := ""
	if err != nil {
		status = repository.RequestStatusError
		msg = upstream.Truncate(err.Error(), upstream.MaxErrorBody)
	}

	e.logs.Complete(plan.LogID, func(l *repository.RequestLog) {
		l.Status = status
		l.Error = msg
		l.DurationMs = latency.Milliseconds()
		l.InputTokens = usage.InputTokens
		l.OutputTokens = usage.OutputTokens
	})
	e.logs.RecordUsage(repository.UsageRecord{
		ProviderID:   plan.Provider.ID,
		Model:        plan.SelectedModel,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		Latency:      latency,
		IsError:      err != nil,
	})
}

// ErrorResponse maps a resolution or upstream failure to its client-facing envelope.
func ErrorResponse(err error) *response.Response {
	var (
		notFound  *resolver.ProviderNotFoundError
		noKeys    *resolver.NoKeysError
		malformed *upstream.MalformedResponseError
	)

	switch {
	case errors.Is(err, resolver.ErrNoActiveRoute),
		errors.Is(err, router.ErrNoDefaultRule),
		errors.As(err, &notFound):
		return response.Error(response.WithType(ErrTypeConfiguration, err), http.StatusInternalServerError)
	case errors.As(err, &noKeys):
		return response.Error(err, http.StatusServiceUnavailable)
	case errors.As(err, &malformed):
		return response.Error(response.WithType("api_error", err), http.StatusBadGateway)
	}

	return response.Error(
		response.WithType(upstream.ErrorType(upstream.Classify(err)), err),
		upstream.StatusFor(err),
	)
}
