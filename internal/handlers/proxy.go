package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/mihaisavezi/claude-relay/internal/canonical"
	"github.com/mihaisavezi/claude-relay/internal/middleware"
	"github.com/mihaisavezi/claude-relay/internal/response"
	"github.com/mihaisavezi/claude-relay/internal/tokens"
	"github.com/mihaisavezi/claude-relay/internal/upstream"
)

const maxRequestBody = 32 << 20

var errBodyTooLarge = fmt.Errorf("request body exceeds %d bytes", maxRequestBody)

// Engine executes one canonical request.
type Engine interface {
	ProcessRequest(ctx context.Context, req *canonical.Request) *response.Response
}

type ProxyHandler struct {
	engine  Engine
	counter tokens.Estimator
	logger  *slog.Logger
}

func NewProxyHandler(engine Engine, counter tokens.Estimator, logger *slog.Logger) *ProxyHandler {
	if counter == nil {
		counter = tokens.EstimatorFunc(tokens.Estimate)
	}
	return &ProxyHandler{
		engine:  engine,
		counter: counter,
		logger:  logger,
	}
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.With("request_id", middleware.RequestIDFrom(r.Context()))

	if r.Method != http.MethodPost {
		response.Write(w, r, response.Error(fmt.Errorf("method %s not allowed", r.Method), http.StatusMethodNotAllowed), logger)
		return
	}

	req, err := h.decodeRequest(r)
	if err != nil {
		logger.Warn("Rejected request body", "error", err)
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		response.Write(w, r, response.Error(err, status), logger)
		return
	}

	logger.Info("Proxying request",
		"model", req.Model,
		"stream", req.Stream,
		"messages", len(req.Messages),
		"tools", len(req.Tools),
		"input_tokens", tokens.EstimateRequest(h.counter, req),
	)

	resp := h.engine.ProcessRequest(r.Context(), req)
	response.Write(w, r, resp, logger)

	logger.Info("Completed request", "status", resp.Status, "stream", resp.IsStream())
}

// decodeRequest reads the body, undoing gzip or br content encoding first. The size limit
// applies to the decoded bytes.
func (h *ProxyHandler) decodeRequest(r *http.Request) (*canonical.Request, error) {
	body, err := upstream.Decode(r.Body, r.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, fmt.Errorf("decode request body: %w", err)
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, maxRequestBody+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if len(data) > maxRequestBody {
		return nil, errBodyTooLarge
	}

	var req canonical.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	if req.Model == "" {
		return nil, fmt.Errorf("invalid request body: model is required")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("invalid request body: messages must not be empty")
	}

	return &req, nil
}
