// Package canonical holds the Claude-style message schema every upstream dialect is translated
// to and from.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	BlockText       = "text"
	BlockImage      = "image"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockThinking   = "thinking"

	StopEndTurn      = "end_turn"
	StopMaxTokens    = "max_tokens"
	StopToolUse      = "tool_use"
	StopStopSequence = "stop_sequence"
)

// Request is an inbound /v1/messages body.
type Request struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	System        Content         `json:"system,omitempty"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    *ToolChoice     `json:"tool_choice,omitempty"`
	Thinking      json.RawMessage `json:"thinking,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
}

// HasThinking reports whether the request asked for extended thinking.
func (r *Request) HasThinking() bool {
	t := bytes.TrimSpace(r.Thinking)
	return len(t) > 0 && !bytes.Equal(t, []byte("null"))
}

type Message struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// Content is either a plain string or an ordered list of typed blocks on the wire. It is always
// held as blocks; a plain string becomes a single text block.
type Content []Block

// Text returns the concatenated text of every text block.
func (c Content) Text() string {
	var sb strings.Builder
	for _, b := range c {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = nil
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Content{{Type: BlockText, Text: s}}
		return nil
	}

	var blocks []Block
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("content must be a string or a list of blocks: %w", err)
	}
	*c = blocks
	return nil
}

// ImageSource is the payload of an image block.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Block is one typed content block. Which fields are meaningful depends on Type.
type Block struct {
	Type string

	// text
	Text string

	// image
	Source *ImageSource

	// tool_use
	ID    string
	Name  string
	Input json.RawMessage

	// tool_result; Content is a string or a list of blocks
	ToolUseID string
	Content   json.RawMessage
	IsError   bool

	// thinking
	Thinking  string
	Signature string
}

type blockWire struct {
	Type      string          `json:"type"`
	Text      *string         `json:"text,omitempty"`
	Source    *ImageSource    `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Thinking  *string         `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

func (b *Block) UnmarshalJSON(data []byte) error {
	var w blockWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*b = Block{
		Type:      w.Type,
		Source:    w.Source,
		ID:        w.ID,
		Name:      w.Name,
		Input:     w.Input,
		ToolUseID: w.ToolUseID,
		Content:   w.Content,
		IsError:   w.IsError,
		Signature: w.Signature,
	}
	if w.Text != nil {
		b.Text = *w.Text
	}
	if w.Thinking != nil {
		b.Thinking = *w.Thinking
	}
	return nil
}

func (b Block) MarshalJSON() ([]byte, error) {
	w := blockWire{Type: b.Type}

	switch b.Type {
	case BlockText:
		w.Text = &b.Text
	case BlockImage:
		w.Source = b.Source
	case BlockToolUse:
		w.ID = b.ID
		w.Name = b.Name
		w.Input = b.Input
		if len(w.Input) == 0 {
			w.Input = json.RawMessage("{}")
		}
	case BlockToolResult:
		w.ToolUseID = b.ToolUseID
		w.Content = b.Content
		w.IsError = b.IsError
	case BlockThinking:
		w.Thinking = &b.Thinking
		w.Signature = b.Signature
	default:
		if b.Text != "" {
			w.Text = &b.Text
		}
		w.Source = b.Source
		w.ID = b.ID
		w.Name = b.Name
		w.Input = b.Input
		w.ToolUseID = b.ToolUseID
		w.Content = b.Content
	}

	return json.Marshal(w)
}

// ResultText flattens a tool_result payload to text.
func (b Block) ResultText() string {
	raw := bytes.TrimSpace(b.Content)
	if len(raw) == 0 {
		return ""
	}

	var c Content
	if err := json.Unmarshal(raw, &c); err != nil {
		return string(raw)
	}
	return c.Text()
}

// Tool is a client tool definition or a server tool such as web_search_20250305.
type Tool struct {
	Type        string          `json:"type,omitempty"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	MaxUses     int             `json:"max_uses,omitempty"`
}

// ToolChoice accepts both the object form and the bare string form ("auto", "any", "none").
type ToolChoice struct {
	Type                   string `json:"type"`
	Name                   string `json:"name,omitempty"`
	DisableParallelToolUse bool   `json:"disable_parallel_tool_use,omitempty"`
}

func (tc *ToolChoice) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*tc = ToolChoice{Type: s}
		return nil
	}

	type plain ToolChoice
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*tc = ToolChoice(p)
	return nil
}

// Response is a complete, non-streamed assistant message.
type Response struct {
	ID           string  `json:"id"`
	Type         string  `json:"type"`
	Role         string  `json:"role"`
	Model        string  `json:"model"`
	Content      []Block `json:"content"`
	StopReason   string  `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
	Usage        Usage   `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// NewResponse fills the constant fields of a Response.
func NewResponse(id, model string) *Response {
	return &Response{
		ID:      id,
		Type:    "message",
		Role:    RoleAssistant,
		Model:   model,
		Content: []Block{},
	}
}

// TextBlock is shorthand for a text content block.
func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}
