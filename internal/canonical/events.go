package canonical

// Stream event types, in the order a well-formed stream emits them.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventPing              = "ping"
	EventError             = "error"
)

func MessageStart(messageID, model string, usage Usage) map[string]any {
	return map[string]any{
		"type": EventMessageStart,
		"message": map[string]any{
			"id":            messageID,
			"type":          "message",
			"role":          RoleAssistant,
			"model":         model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]any{
				"input_tokens":  usage.InputTokens,
				"output_tokens": usage.OutputTokens,
			},
		},
	}
}

func TextBlockStart(index int) map[string]any {
	return map[string]any{
		"type":  EventContentBlockStart,
		"index": index,
		"content_block": map[string]any{
			"type": BlockText,
			"text": "",
		},
	}
}

func ToolUseBlockStart(index int, id, name string) map[string]any {
	return map[string]any{
		"type":  EventContentBlockStart,
		"index": index,
		"content_block": map[string]any{
			"type":  BlockToolUse,
			"id":    id,
			"name":  name,
			"input": map[string]any{},
		},
	}
}

func TextDelta(index int, text string) map[string]any {
	return map[string]any{
		"type":  EventContentBlockDelta,
		"index": index,
		"delta": map[string]any{
			"type": "text_delta",
			"text": text,
		},
	}
}

func InputJSONDelta(index int, partialJSON string) map[string]any {
	return map[string]any{
		"type":  EventContentBlockDelta,
		"index": index,
		"delta": map[string]any{
			"type":         "input_json_delta",
			"partial_json": partialJSON,
		},
	}
}

func ContentBlockStop(index int) map[string]any {
	return map[string]any{
		"type":  EventContentBlockStop,
		"index": index,
	}
}

// MessageDelta carries the final stop reason. A nil usage omits the usage object.
func MessageDelta(stopReason string, usage *Usage) map[string]any {
	ev := map[string]any{
		"type": EventMessageDelta,
		"delta": map[string]any{
			"stop_reason":   stopReason,
			"stop_sequence": nil,
		},
	}
	if usage != nil {
		ev["usage"] = map[string]any{
			"input_tokens":  usage.InputTokens,
			"output_tokens": usage.OutputTokens,
		}
	}
	return ev
}

func MessageStop() map[string]any {
	return map[string]any{"type": EventMessageStop}
}

func ErrorEvent(errType, message string) map[string]any {
	return map[string]any{
		"type": EventError,
		"error": map[string]any{
			"type":    errType,
			"message": message,
		},
	}
}
