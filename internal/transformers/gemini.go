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
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/mihaisavezi/claude-relay/internal/canonical"
	"github.com/mihaisavezi/claude-relay/internal/sse"
	"github.com/mihaisavezi/claude-relay/internal/upstream"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Gemini speaks the generateContent dialect.
type Gemini struct {
	client *http.Client
	logger *slog.Logger
}

func NewGemini(client *http.Client, logger *slog.Logger) *Gemini {
	return &Gemini{client: client, logger: logger}
}

func (t *Gemini) ID() string { return IDGemini }

// Gemini format structures
type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates,omitempty"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string               `json:"modelVersion,omitempty"`
	ResponseID    string               `json:"responseId,omitempty"`
	Error         *geminiError         `json:"error,omitempty"`
}

type geminiCandidate struct {
	Content      *geminiContent `json:"content,omitempty"`
	FinishReason string         `json:"finishReason,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts,omitempty"`
	Role  string       `json:"role,omitempty"`
}

type geminiPart struct {
	Text         string              `json:"text,omitempty"`
	InlineData   *geminiInlineData   `json:"inlineData,omitempty"`
	FunctionCall *geminiFunctionCall `json:"functionCall,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount int `json:"candidatesTokenCount,omitempty"`
	TotalTokenCount      int `json:"totalTokenCount,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (t *Gemini) ProcessRequest(ctx context.Context, req *canonical.Request, target Target) (*Result, error) {
	payload, err := json.Marshal(t.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal gemini request: %w", err)
	}

	endpoint := geminiEndpoint(target.BaseURL, target.Model, req.Stream)
	t.logger.Debug("Sending generateContent", "model", target.Model, "stream", req.Stream)

	streamCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	q := httpReq.URL.Query()
	q.Set("key", target.APIKey)
	httpReq.URL.RawQuery = q.Encode()

	resp, err := t.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("gemini request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer cancel()
		defer resp.Body.Close()
		return nil, upstream.NewHTTPError(t.ID(), resp.StatusCode, geminiErrorBody(upstream.ReadErrorBody(resp)))
	}

	body, err := upstream.DecodeBody(resp)
	if err != nil {
		cancel()
		resp.Body.Close()
		return nil, &upstream.MalformedResponseError{Provider: t.ID(), Reason: "undecodable body", Err: err}
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

	return &Result{Stream: newEventStream(streamCtx, cancel, t.ID(), t.logger, func(w eventWriter) error {
		defer body.Close()
		return t.reencodeStream(body, w, target.Model)
	})}, nil
}

// geminiEndpoint builds {base}/models/{model}:generateContent. A model already carrying the
// models/ prefix is used as is.
func geminiEndpoint(base, model string, stream bool) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		base = defaultGeminiBaseURL
	}
	base = strings.TrimSuffix(base, "/models")

	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}

	method := ":generateContent"
	if stream {
		method = ":streamGenerateContent?alt=sse"
	}
	return base + "/" + (&url.URL{Path: model}).EscapedPath() + method
}

// buildRequest translates user turns only. The system prompt is folded into the first user
// turn's text.
func (t *Gemini) buildRequest(req *canonical.Request) geminiRequest {
	out := geminiRequest{Contents: []geminiContent{}}

	system := req.System.Text()
	for _, m := range req.Messages {
		if m.Role != canonical.RoleUser {
			continue
		}

		var parts []geminiPart
		for _, b := range m.Content {
			switch b.Type {
			case canonical.BlockText:
				parts = append(parts, geminiPart{Text: b.Text})
			case canonical.BlockImage:
				if b.Source != nil && b.Source.Data != "" {
					parts = append(parts, geminiPart{InlineData: &geminiInlineData{
						MimeType: b.Source.MediaType,
						Data:     b.Source.Data,
					}})
				}
			case canonical.BlockToolResult:
				if text := b.ResultText(); text != "" {
					parts = append(parts, geminiPart{Text: text})
				}
			}
		}

		if system != "" {
			parts = append([]geminiPart{{Text: system}}, parts...)
			system = ""
		}
		if len(parts) == 0 {
			continue
		}
		out.Contents = append(out.Contents, geminiContent{Role: canonical.RoleUser, Parts: parts})
	}

	if system != "" {
		out.Contents = append(out.Contents, geminiContent{Role: canonical.RoleUser, Parts: []geminiPart{{Text: system}}})
	}

	cfg := &geminiGenerationConfig{
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		TopK:            req.TopK,
		StopSequences:   req.StopSequences,
	}
	if cfg.MaxOutputTokens > 0 || cfg.Temperature != nil || cfg.TopP != nil || cfg.TopK != nil || len(cfg.StopSequences) > 0 {
		out.GenerationConfig = cfg
	}

	return out
}

func (t *Gemini) readResponse(body io.Reader, model string) (*canonical.Response, error) {
	var resp geminiResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, &upstream.MalformedResponseError{Provider: t.ID(), Reason: "invalid JSON body", Err: err}
	}

	if resp.Error != nil {
		return nil, upstream.NewHTTPError(t.ID(), geminiStatusCode(resp.Error), []byte(resp.Error.Message))
	}
	if len(resp.Candidates) == 0 {
		return nil, &upstream.MalformedResponseError{Provider: t.ID(), Reason: "no candidates in response"}
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return nil, &upstream.MalformedResponseError{Provider: t.ID(), Reason: "candidate has no content"}
	}
	out := canonical.NewResponse(firstNonEmpty(resp.ResponseID, newMessageID()), firstNonEmpty(resp.ModelVersion, model))

	for _, part := range candidate.Content.Parts {
		if part.Text != "" {
			out.Content = append(out.Content, canonical.TextBlock(part.Text))
		}
		if part.FunctionCall != nil {
			out.Content = append(out.Content, canonical.Block{
				Type:  canonical.BlockToolUse,
				ID:    "toolu_" + uuid.NewString(),
				Name:  part.FunctionCall.Name,
				Input: toolInput(string(part.FunctionCall.Args)),
			})
		}
	}
	if len(out.Content) == 0 {
		out.Content = append(out.Content, canonical.TextBlock(""))
	}

	out.StopReason = geminiStopReason(candidate.FinishReason)
	if resp.UsageMetadata != nil {
		out.Usage = canonical.Usage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
		}
	}

	return out, nil
}

func (t *Gemini) reencodeStream(body io.Reader, w eventWriter, model string) error {
	state := newStreamState("", model)
	reader := sse.NewReader(body)
	stopReason := canonical.StopEndTurn

	for {
		frame, err := reader.Next()
		if errors.Is(err, io.EOF) {
			if !state.MessageStartSent {
				return &upstream.MalformedResponseError{Provider: t.ID(), Reason: "stream ended before any chunk"}
			}
			return state.finish(w, stopReason)
		}
		if err != nil {
			return err
		}
		if frame.Data == "" || frame.IsDone() {
			continue
		}

		var chunk geminiResponse
		if err := json.Unmarshal([]byte(frame.Data), &chunk); err != nil {
			t.logger.Warn("Skipping unparseable gemini chunk", "error", err)
			continue
		}
		if chunk.Error != nil {
			return upstream.NewHTTPError(t.ID(), geminiStatusCode(chunk.Error), []byte(chunk.Error.Message))
		}

		if !state.MessageStartSent {
			state.MessageID = chunk.ResponseID
			state.Model = firstNonEmpty(chunk.ModelVersion, model)
		}
		if chunk.UsageMetadata != nil {
			state.Usage = canonical.Usage{
				InputTokens:  chunk.UsageMetadata.PromptTokenCount,
				OutputTokens: chunk.UsageMetadata.CandidatesTokenCount,
			}
		}
		if err := state.start(w); err != nil {
			return err
		}

		if len(chunk.Candidates) == 0 {
			continue
		}
		candidate := chunk.Candidates[0]
		if candidate.Content != nil {
			for _, part := range candidate.Content.Parts {
				if part.Text == "" {
					continue
				}
				if err := state.text(w, part.Text); err != nil {
					return err
				}
			}
		}
		if candidate.FinishReason != "" {
			stopReason = geminiStopReason(candidate.FinishReason)
		}
	}
}

// geminiStopReason maps a finish reason onto end_turn or max_tokens. Blocked, malformed and
// unknown reasons all end the turn.
func geminiStopReason(reason string) string {
	if reason == "MAX_TOKENS" {
		return canonical.StopMaxTokens
	}
	return canonical.StopEndTurn
}

// geminiStatusCode recovers an HTTP status from an in-body error.
func geminiStatusCode(e *geminiError) int {
	if e.Code >= 400 {
		return e.Code
	}

	mapping := map[string]int{
		"INVALID_ARGUMENT":   http.StatusBadRequest,
		"UNAUTHENTICATED":    http.StatusUnauthorized,
		"PERMISSION_DENIED":  http.StatusForbidden,
		"NOT_FOUND":          http.StatusNotFound,
		"RESOURCE_EXHAUSTED": http.StatusTooManyRequests,
		"INTERNAL":           http.StatusInternalServerError,
		"UNAVAILABLE":        http.StatusServiceUnavailable,
		"DEADLINE_EXCEEDED":  http.StatusGatewayTimeout,
	}
	if status, ok := mapping[e.Status]; ok {
		return status
	}
	return http.StatusBadGateway
}

// geminiErrorBody prefers the message of a {"error":{...}} envelope over the raw body.
func geminiErrorBody(raw []byte) []byte {
	var env struct {
		Error *geminiError `json:"error"`
	}
	if json.Unmarshal(raw, &env) == nil && env.Error != nil && env.Error.Message != "" {
		msg := env.Error.Message
		if env.Error.Status != "" {
			msg = env.Error.Status + ": " + msg
		}
		return []byte(msg)
	}
	return raw
}
