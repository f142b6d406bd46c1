package transformers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mihaisavezi/claude-relay/internal/canonical"
	"github.com/mihaisavezi/claude-relay/internal/sse"
	"github.com/mihaisavezi/claude-relay/internal/upstream"
)

const (
	AnthropicVersion        = "2023-06-01"
	DefaultAnthropicBaseURL = "https://api.anthropic.com"

	defaultAnthropicMaxTokens = 1024
)

// AuthMode selects how the key is presented to an Anthropic-compatible upstream.
type AuthMode int

const (
	AuthAPIKey AuthMode = iota // x-api-key
	AuthBearer                 // Authorization: Bearer
)

// Anthropic forwards canonical requests to upstreams that already speak the Messages API,
// such as ModelScope and MiniMax.
type Anthropic struct {
	id     string
	auth   AuthMode
	client *http.Client
	logger *slog.Logger
}

func NewAnthropic(id string, auth AuthMode, client *http.Client, logger *slog.Logger) *Anthropic {
	return &Anthropic{id: id, auth: auth, client: client, logger: logger}
}

func (t *Anthropic) ID() string { return t.id }

type anthropicRequest struct {
	Model         string                `json:"model"`
	Messages      []canonical.Message   `json:"messages"`
	MaxTokens     int                   `json:"max_tokens"`
	System        string                `json:"system,omitempty"`
	Temperature   *float64              `json:"temperature,omitempty"`
	TopP          *float64              `json:"top_p,omitempty"`
	TopK          *int                  `json:"top_k,omitempty"`
	StopSequences []string              `json:"stop_sequences,omitempty"`
	Tools         []canonical.Tool      `json:"tools,omitempty"`
	ToolChoice    *canonical.ToolChoice `json:"tool_choice,omitempty"`
	Thinking      json.RawMessage       `json:"thinking,omitempty"`
	Stream        bool                  `json:"stream,omitempty"`
}

func (t *Anthropic) buildRequest(req *canonical.Request, model string) anthropicRequest {
	out := anthropicRequest{
		Model:         model,
		Messages:      req.Messages,
		MaxTokens:     req.MaxTokens,
		System:        req.System.Text(),
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		TopK:          req.TopK,
		StopSequences: req.StopSequences,
		Stream:        req.Stream,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultAnthropicMaxTokens
	}
	if req.HasThinking() {
		out.Thinking = req.Thinking
	}
	if len(req.Tools) > 0 {
		out.Tools = req.Tools
		out.ToolChoice = req.ToolChoice
	}
	return out
}

func (t *Anthropic) ProcessRequest(ctx context.Context, req *canonical.Request, target Target) (*Result, error) {
	payload, err := json.Marshal(t.buildRequest(req, target.Model))
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", t.id, err)
	}

	base := strings.TrimRight(strings.TrimSpace(target.BaseURL), "/")
	if base == "" {
		base = DefaultAnthropicBaseURL
	}
	endpoint := strings.TrimSuffix(base, "/v1") + "/v1/messages"

	streamCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create %s request: %w", t.id, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", AnthropicVersion)
	if t.auth == AuthBearer {
		httpReq.Header.Set("Authorization", "Bearer "+target.APIKey)
	} else {
		httpReq.Header.Set("x-api-key", target.APIKey)
	}
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	t.logger.Debug("Sending messages request", "transformer", t.id, "model", target.Model, "stream", req.Stream)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%s request: %w", t.id, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer cancel()
		defer resp.Body.Close()
		return nil, upstream.NewHTTPError(t.id, resp.StatusCode, upstream.ReadErrorBody(resp))
	}

	body, err := upstream.DecodeBody(resp)
	if err != nil {
		cancel()
		resp.Body.Close()
		return nil, &upstream.MalformedResponseError{Provider: t.id, Reason: "undecodable body", Err: err}
	}

	if !req.Stream {
		defer cancel()
		defer body.Close()

		msg, err := t.readResponse(body, target.Model)
		if err != nil {
			return nil, err
		}
		return &Result{Message: msg}, nil
	}

	return &Result{Stream: newEventStream(streamCtx, cancel, t.id, t.logger, func(w eventWriter) error {
		defer body.Close()
		return t.relayStream(body, w.w)
	})}, nil
}

// readResponse accepts a bare message or one wrapped in {"message": ...}.
func (t *Anthropic) readResponse(body io.Reader, model string) (*canonical.Response, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", t.id, err)
	}

	var env struct {
		Message *canonical.Response `json:"message"`
		canonical.Response
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &upstream.MalformedResponseError{Provider: t.id, Reason: "invalid JSON body", Err: err}
	}

	msg := env.Message
	if msg == nil {
		msg = &env.Response
	}
	if msg.Content == nil {
		return nil, &upstream.MalformedResponseError{Provider: t.id, Reason: "missing content"}
	}

	out := canonical.NewResponse(firstNonEmpty(msg.ID, newMessageID()), model)
	out.Content = msg.Content
	out.StopReason = anthropicStopReason(msg.StopReason)
	out.StopSequence = msg.StopSequence
	out.Usage = msg.Usage

	return out, nil
}

func anthropicStopReason(reason string) string {
	switch reason {
	case canonical.StopEndTurn, canonical.StopMaxTokens, canonical.StopToolUse:
		return reason
	case "stop":
		return canonical.StopEndTurn
	}
	return canonical.StopEndTurn
}

// relayStream re-frames the upstream events. Content deltas some providers label message_delta
// are renamed content_block_delta, stop reasons go through anthropicStopReason, and a [DONE]
// sentinel becomes message_stop. EOF before either is a truncated stream.
func (t *Anthropic) relayStream(body io.Reader, w io.Writer) error {
	reader := sse.NewReader(body)
	stopped := false

	for {
		frame, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return &upstream.MalformedResponseError{Provider: t.id, Reason: "stream ended before message_stop"}
		}
		if err != nil {
			return err
		}

		if frame.IsDone() {
			if !stopped {
				if _, err := w.Write(sse.Encode(canonical.EventMessageStop, canonical.MessageStop())); err != nil {
					return err
				}
			}
			return nil
		}
		if strings.TrimSpace(frame.Data) == "" {
			continue
		}

		var event map[string]any
		if err := json.Unmarshal([]byte(frame.Data), &event); err != nil {
			t.logger.Warn("Skipping unparseable stream event", "transformer", t.id, "error", err)
			continue
		}

		eventType, _ := event["type"].(string)
		if eventType == "" {
			eventType = frame.Event
		}

		switch eventType {
		case canonical.EventMessageDelta:
			eventType = relabelMessageDelta(event)
		case canonical.EventError:
			return upstreamStreamError(t.id, event)
		case canonical.EventMessageStop:
			stopped = true
		}
		event["type"] = eventType

		if _, err := w.Write(sse.Encode(eventType, event)); err != nil {
			return err
		}
		if stopped {
			return nil
		}
	}
}

// relabelMessageDelta returns the event type a message_delta should carry downstream.
func relabelMessageDelta(event map[string]any) string {
	delta, _ := event["delta"].(map[string]any)
	if delta == nil {
		return canonical.EventMessageDelta
	}

	if _, ok := delta["stop_reason"]; ok {
		reason, _ := delta["stop_reason"].(string)
		delta["stop_reason"] = anthropicStopReason(reason)
		return canonical.EventMessageDelta
	}

	switch delta["type"] {
	case "text_delta", "input_json_delta", "thinking_delta", "signature_delta":
		if _, ok := event["index"]; !ok {
			event["index"] = 0
		}
		return canonical.EventContentBlockDelta
	}
	return canonical.EventMessageDelta
}

func upstreamStreamError(provider string, event map[string]any) error {
	body, _ := json.Marshal(event["error"])
	status := http.StatusBadGateway
	if e, ok := event["error"].(map[string]any); ok {
		switch e["type"] {
		case "overloaded_error":
			status = 529
		case "rate_limit_error":
			status = http.StatusTooManyRequests
		case "authentication_error":
			status = http.StatusUnauthorized
		case "permission_error":
			status = http.StatusForbidden
		case "invalid_request_error":
			status = http.StatusBadRequest
		}
	}
	return upstream.NewHTTPError(provider, status, body)
}
