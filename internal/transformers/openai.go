package transformers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/mihaisavezi/claude-relay/internal/canonical"
	"github.com/mihaisavezi/claude-relay/internal/upstream"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

var (
	versionSuffix = regexp.MustCompile(`/v\d+[a-z0-9]*$`)
	statusInError = regexp.MustCompile(`status code: (\d{3})`)
)

// OpenAI speaks the chat completions dialect through go-openai.
type OpenAI struct {
	client *http.Client
	logger *slog.Logger
}

func NewOpenAI(client *http.Client, logger *slog.Logger) *OpenAI {
	return &OpenAI{client: client, logger: logger}
}

func (t *OpenAI) ID() string { return IDOpenAI }

func (t *OpenAI) ProcessRequest(ctx context.Context, req *canonical.Request, target Target) (*Result, error) {
	body := t.buildRequest(req, target.Model)
	client := t.newClient(target)

	t.logger.Debug("Sending chat completion",
		"model", body.Model,
		"messages", len(body.Messages),
		"tools", len(body.Tools),
		"stream", req.Stream,
	)

	if !req.Stream {
		resp, err := client.CreateChatCompletion(ctx, body)
		if err != nil {
			return nil, t.convertError(err)
		}

		msg, err := t.convertResponse(resp, target.Model)
		if err != nil {
			return nil, err
		}
		return &Result{Message: msg}, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	stream, err := client.CreateChatCompletionStream(ctx, body)
	if err != nil {
		cancel()
		return nil, t.convertError(err)
	}

	return &Result{Stream: newEventStream(ctx, cancel, t.ID(), t.logger, func(w eventWriter) error {
		defer stream.Close()
		return t.reencodeStream(stream, w, target.Model)
	})}, nil
}

func (t *OpenAI) newClient(target Target) *openai.Client {
	cfg := openai.DefaultConfig(target.APIKey)
	cfg.BaseURL = openAIBaseURL(target.BaseURL)
	cfg.HTTPClient = t.client
	return openai.NewClientWithConfig(cfg)
}

// openAIBaseURL makes sure the base ends in a version segment, appending /v1 when it has none.
func openAIBaseURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return defaultOpenAIBaseURL
	}

	base = strings.TrimSuffix(base, "/chat/completions")
	if versionSuffix.MatchString(base) {
		return base
	}
	return base + "/v1"
}

func (t *OpenAI) buildRequest(req *canonical.Request, model string) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:               model,
		MaxCompletionTokens: req.MaxTokens,
		Stop:                req.StopSequences,
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	if req.TopP != nil {
		out.TopP = float32(*req.TopP)
	}

	if system := req.System.Text(); system != "" {
		out.Messages = append(out.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, m := range req.Messages {
		out.Messages = append(out.Messages, convertOpenAIMessage(m)...)
	}

	for _, tool := range req.Tools {
		if isServerTool(tool) {
			continue
		}
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  toolParameters(tool.InputSchema),
			},
		})
	}

	if len(out.Tools) > 0 && req.ToolChoice != nil {
		out.ToolChoice = convertToolChoice(req.ToolChoice)
		if req.ToolChoice.DisableParallelToolUse {
			out.ParallelToolCalls = false
		}
	}

	return out
}

func convertToolChoice(tc *canonical.ToolChoice) any {
	switch tc.Type {
	case "any":
		return "required"
	case "none":
		return "none"
	case "tool":
		return openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: tc.Name},
		}
	}
	return "auto"
}

// convertOpenAIMessage maps one canonical message to one or more chat messages. Tool results
// become role=tool messages ahead of whatever else the user said.
func convertOpenAIMessage(m canonical.Message) []openai.ChatCompletionMessage {
	if m.Role == canonical.RoleAssistant {
		return []openai.ChatCompletionMessage{convertAssistantMessage(m.Content)}
	}

	var (
		out       []openai.ChatCompletionMessage
		parts     []openai.ChatMessagePart
		hasImages bool
	)

	for _, b := range m.Content {
		switch b.Type {
		case canonical.BlockToolResult:
			content := b.ResultText()
			if b.IsError && content != "" {
				content = "Error: " + content
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    content,
				ToolCallID: toOpenAIToolID(b.ToolUseID),
			})
		case canonical.BlockText:
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: b.Text,
			})
		case canonical.BlockImage:
			hasImages = true
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: imageURL(b.Source)},
			})
		}
	}

	if len(parts) == 0 {
		if len(out) == 0 {
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: ""})
		}
		return out
	}

	user := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
	if hasImages || len(parts) > 1 {
		user.MultiContent = parts
	} else {
		user.Content = parts[0].Text
	}

	return append(out, user)
}

func convertAssistantMessage(content canonical.Content) openai.ChatCompletionMessage {
	msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}

	var text strings.Builder
	for _, b := range content {
		switch b.Type {
		case canonical.BlockText:
			text.WriteString(b.Text)
		case canonical.BlockToolUse:
			args := string(b.Input)
			if strings.TrimSpace(args) == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   toOpenAIToolID(b.ID),
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      b.Name,
					Arguments: args,
				},
			})
		}
	}
	msg.Content = text.String()

	return msg
}

func (t *OpenAI) convertResponse(resp openai.ChatCompletionResponse, model string) (*canonical.Response, error) {
	if len(resp.Choices) == 0 {
		return nil, &upstream.MalformedResponseError{Provider: t.ID(), Reason: "no choices in response"}
	}

	choice := resp.Choices[0]
	id := resp.ID
	if id == "" {
		id = newMessageID()
	}

	out := canonical.NewResponse(id, firstNonEmpty(resp.Model, model))
	if choice.Message.Content != "" {
		out.Content = append(out.Content, canonical.TextBlock(choice.Message.Content))
	}
	for _, call := range choice.Message.ToolCalls {
		out.Content = append(out.Content, canonical.Block{
			Type:  canonical.BlockToolUse,
			ID:    toClaudeToolID(call.ID),
			Name:  call.Function.Name,
			Input: toolInput(call.Function.Arguments),
		})
	}
	if len(out.Content) == 0 {
		out.Content = append(out.Content, canonical.TextBlock(""))
	}

	out.StopReason = openAIStopReason(string(choice.FinishReason))
	out.Usage = canonical.Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}

	return out, nil
}

func openAIStopReason(reason string) string {
	switch reason {
	case "length":
		return canonical.StopMaxTokens
	case "tool_calls", "function_call":
		return canonical.StopToolUse
	}
	// stop, content_filter and anything unknown
	return canonical.StopEndTurn
}

func (t *OpenAI) reencodeStream(stream *openai.ChatCompletionStream, w eventWriter, model string) error {
	state := newStreamState("", model)

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			if !state.MessageStartSent {
				return &upstream.MalformedResponseError{Provider: t.ID(), Reason: "stream ended before any chunk"}
			}
			if !state.Finished {
				return &upstream.MalformedResponseError{Provider: t.ID(), Reason: "stream ended before finish_reason"}
			}
			return nil
		}
		if err != nil {
			return t.convertError(err)
		}

		if err := t.handleChunk(chunk, state, w); err != nil {
			return err
		}
	}
}

func (t *OpenAI) handleChunk(chunk openai.ChatCompletionStreamResponse, state *StreamState, w eventWriter) error {
	if state.Finished {
		return nil
	}

	if !state.MessageStartSent {
		state.MessageID = chunk.ID
		state.Model = firstNonEmpty(chunk.Model, state.Model)
		if err := state.start(w); err != nil {
			return err
		}
	}

	if chunk.Usage != nil {
		state.Usage = canonical.Usage{
			InputTokens:  chunk.Usage.PromptTokens,
			OutputTokens: chunk.Usage.CompletionTokens,
		}
	}

	if len(chunk.Choices) == 0 {
		return nil
	}
	choice := chunk.Choices[0]

	if choice.Delta.Content != "" {
		if err := state.text(w, choice.Delta.Content); err != nil {
			return err
		}
	}

	for pos, call := range choice.Delta.ToolCalls {
		index := pos
		if call.Index != nil {
			index = *call.Index
		}
		id := ""
		if call.ID != "" {
			id = toClaudeToolID(call.ID)
		}
		if err := state.tool(w, index, id, call.Function.Name, call.Function.Arguments); err != nil {
			return err
		}
	}

	if choice.FinishReason != "" && choice.FinishReason != openai.FinishReasonNull {
		return state.finish(w, openAIStopReason(string(choice.FinishReason)))
	}
	return nil
}

// convertError turns go-openai failures into upstream errors the key pool can classify.
func (t *OpenAI) convertError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		body := apiErr.Message
		if apiErr.Type != "" {
			body += " (" + apiErr.Type + ")"
		}
		return upstream.NewHTTPError(t.ID(), apiErr.HTTPStatusCode, []byte(body))
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		body := http.StatusText(reqErr.HTTPStatusCode)
		if reqErr.Err != nil {
			body = reqErr.Err.Error()
		}
		return upstream.NewHTTPError(t.ID(), reqErr.HTTPStatusCode, []byte(body))
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return &upstream.MalformedResponseError{Provider: t.ID(), Reason: "invalid JSON body", Err: err}
	}

	if m := statusInError.FindStringSubmatch(err.Error()); m != nil {
		if status, convErr := strconv.Atoi(m[1]); convErr == nil && status >= 400 {
			return upstream.NewHTTPError(t.ID(), status, []byte(err.Error()))
		}
	}

	return err
}
