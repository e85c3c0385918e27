package session

import (
	"encoding/json"
	"strings"
)

// ExtractJSONObject pulls a JSON object out of model output that may be
// wrapped in markdown fences or surrounding prose. Returns nil if no object
// parses.
func ExtractJSONObject(text string) json.RawMessage {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	// Strip a ```json ... ``` fence if present.
	if strings.HasPrefix(text, "```") {
		if idx := strings.Index(text, "\n"); idx >= 0 {
			text = text[idx+1:]
		}
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil
	}
	candidate := text[start : end+1]

	var probe map[string]any
	if err := json.Unmarshal([]byte(candidate), &probe); err != nil {
		return nil
	}
	return json.RawMessage(candidate)
}

// SchemaInstruction renders the system-prompt suffix that instructs a session
// to emit structured output matching the given schema. Used by providers that
// cannot enforce a schema natively.
func SchemaInstruction(schema map[string]any) string {
	if schema == nil {
		return ""
	}
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return ""
	}
	return "\n\nYour final response must be a single JSON object matching this schema, with no surrounding prose:\n" + string(schemaJSON)
}
