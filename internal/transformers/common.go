package transformers

import (
	"encoding/json"
	"strings"

	"github.com/mihaisavezi/claude-relay/internal/canonical"
)

const (
	claudeToolPrefix = "toolu_"
	openAIToolPrefix = "call_"
)

// toOpenAIToolID rewrites a Claude tool id (toolu_...) as an OpenAI one (call_...).
func toOpenAIToolID(id string) string {
	if strings.HasPrefix(id, claudeToolPrefix) {
		return openAIToolPrefix + strings.TrimPrefix(id, claudeToolPrefix)
	}
	return id
}

// toClaudeToolID is the inverse of toOpenAIToolID.
func toClaudeToolID(id string) string {
	if strings.HasPrefix(id, openAIToolPrefix) {
		return claudeToolPrefix + strings.TrimPrefix(id, openAIToolPrefix)
	}
	return id
}

// schemaFieldsToRemove are JSON-schema keywords OpenAI-style function parameters reject.
var schemaFieldsToRemove = []string{"$schema", "const"}

// removeFieldsRecursively removes specified fields from nested JSON structures
func removeFieldsRecursively(data any, fieldsToRemove []string) any {
	switch v := data.(type) {
	case map[string]any:
		result := make(map[string]any, len(v))
		for key, value := range v {
			remove := false
			for _, field := range fieldsToRemove {
				if key == field {
					remove = true
					break
				}
			}
			if !remove {
				result[key] = removeFieldsRecursively(value, fieldsToRemove)
			}
		}
		return result
	case []any:
		result := make([]any, len(v))
		for i, item := range v {
			result[i] = removeFieldsRecursively(item, fieldsToRemove)
		}
		return result
	default:
		return v
	}
}

// toolParameters turns a Claude input_schema into function parameters. A missing schema becomes
// an empty object schema.
func toolParameters(schema json.RawMessage) any {
	var parsed any
	if len(schema) == 0 || json.Unmarshal(schema, &parsed) != nil || parsed == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return removeFieldsRecursively(parsed, schemaFieldsToRemove)
}

// isServerTool reports whether t is executed by Anthropic itself (web_search_*, bash_* ...)
// rather than described by a schema.
func isServerTool(t canonical.Tool) bool {
	return t.Type != "" && t.Type != "custom" && len(t.InputSchema) == 0
}

// imageURL renders an image source as a URL, using a data URI for base64 payloads.
func imageURL(src *canonical.ImageSource) string {
	if src == nil {
		return ""
	}
	if src.Type == "url" {
		return src.URL
	}
	mediaType := src.MediaType
	if mediaType == "" {
		mediaType = "image/png"
	}
	return "data:" + mediaType + ";base64," + src.Data
}

// toolInput keeps arguments that are a JSON object and replaces anything else with {}.
func toolInput(arguments string) json.RawMessage {
	trimmed := strings.TrimSpace(arguments)
	if trimmed == "" || !json.Valid([]byte(trimmed)) || trimmed[0] != '{' {
		return json.RawMessage("{}")
	}
	return json.RawMessage(trimmed)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
