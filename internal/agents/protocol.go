// Package agents runs the LLM-driven code and reviewer loops. The model
// speaks a strict one-JSON-object-per-response protocol: either a tool
// call or a final verdict.
package agents

import (
	"encoding/json"
	"fmt"
	"strings"
)

// action is one decoded model response.
type action struct {
	raw map[string]any
}

func (a *action) typ() string       { return stringField(a.raw, "type") }
func (a *action) tool() string      { return stringField(a.raw, "tool") }
func (a *action) str(key string) string { return stringField(a.raw, key) }

func (a *action) args() map[string]any {
	if m, ok := a.raw["args"].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// extractJSON decodes the model output as exactly one JSON object.
// Markdown fences are tolerated; trailing content is not.
func extractJSON(text string) *action {
	content := strings.TrimSpace(text)
	if strings.HasPrefix(content, "```") {
		content = strings.Trim(content, "`\n")
		// Strip a language hint like ```json.
		if idx := strings.IndexByte(content, '\n'); idx > 0 && !strings.ContainsAny(content[:idx], "{}") {
			content = content[idx+1:]
		}
	}
	dec := json.NewDecoder(strings.NewReader(content))
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil
	}
	if strings.TrimSpace(content[dec.InputOffset():]) != "" {
		return nil
	}
	return &action{raw: m}
}

// looksLikeMultipleObjects heuristically detects several JSON objects in
// one response, which gets its own corrective message.
func looksLikeMultipleObjects(text string) bool {
	content := strings.TrimSpace(text)
	if strings.HasPrefix(content, "```") {
		content = strings.Trim(content, "`\n")
	}
	return strings.Count(content, "{") > 1
}

// truncate bounds tool output fed back to the model.
func truncate(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	return text[:limit] + fmt.Sprintf("\n... (truncated %d chars)", len(text)-limit)
}

const parseRetryMsg = "Invalid JSON. Respond with a single JSON object per instructions."
const multiObjectMsg = "Multiple JSON objects detected. Return exactly ONE JSON object per response."
