package gateway

import (
	"encoding/json"
	"strings"
)

// ResponseData is the provider-agnostic payload of a completed turn.
type ResponseData struct {
	ID                  string                 `json:"id"`
	Content             string                 `json:"content"`
	Model               string                 `json:"model"`
	Role                string                 `json:"role"`
	FinishReason        string                 `json:"finish_reason"`
	ToolsData           map[string]interface{} `json:"tools_data"`
	Images              []GeneratedImage       `json:"images,omitempty"`
	Annotations         []interface{}          `json:"annotations,omitempty"`
	Fallback            bool                   `json:"fallback"`
	FirstAttemptError   string                 `json:"firstAttemptError"`
	MessageID           string                 `json:"message_id"`
	BlockedByGuardrails bool                   `json:"blocked_by_guardrails,omitempty"`
	GuardrailsReason    string                 `json:"guardrails_reason,omitempty"`
	Embedding           []float64              `json:"embedding,omitempty"`
}

// UsageBlock extends token usage with the turn's USD cost.
type UsageBlock struct {
	Usage
	Cost float64 `json:"cost"`
}

// Response is the normalized result returned to the caller regardless of
// provider.
type Response struct {
	Data  ResponseData `json:"data"`
	Usage UsageBlock   `json:"usage"`
}

// hallucinationNotice replaces a visibly empty assistant message so the
// caller sees a diagnostic instead of whitespace; the alert flag triggers
// a post-hoc alert.
const hallucinationNotice = "AI is Hallucinating in giving the response. Please try again."

// FormatResponse folds a ChatResult and the tool outputs of the turn into
// the external response shape. toolsData values that are JSON strings are
// decoded in place.
func FormatResponse(result *ChatResult, toolsData map[string]interface{}) *Response {
	decoded := make(map[string]interface{}, len(toolsData))
	for name, value := range toolsData {
		if s, ok := value.(string); ok {
			var parsed interface{}
			if err := json.Unmarshal([]byte(s), &parsed); err == nil {
				decoded[name] = parsed
				continue
			}
		}
		decoded[name] = value
	}

	content := result.Content
	// Hallucination probe: raw content exists but strips to nothing.
	if content != "" && strings.TrimSpace(content) == "" {
		result.AlertFlag = true
		content = hallucinationNotice
	}

	role := result.Role
	if role == "" {
		role = "assistant"
	}

	return &Response{
		Data: ResponseData{
			ID:           result.ID,
			Content:      content,
			Model:        result.Model,
			Role:         role,
			FinishReason: MapFinishReason(result.FinishReason),
			ToolsData:    decoded,
			Annotations:  result.Annotations,
		},
		Usage: UsageBlock{Usage: result.Usage},
	}
}

// PolicyResponse builds the synchronous guardrails-blocked response. It is
// a normal response, not an error.
func PolicyResponse(reason string, messageID string) *Response {
	return &Response{
		Data: ResponseData{
			Content:             "I cannot assist with this request as it violates our content policy. " + reason,
			Role:                "assistant",
			FinishReason:        FinishCompleted,
			ToolsData:           map[string]interface{}{},
			MessageID:           messageID,
			BlockedByGuardrails: true,
			GuardrailsReason:    reason,
		},
	}
}
