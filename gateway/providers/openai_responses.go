package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bridgeway-ai/bridgeway/gateway"
)

// defaultOpenAIBaseURL is the Responses API host.
const defaultOpenAIBaseURL = "https://api.openai.com"

// duplicateIDRetries bounds the adapter-local retry that filters duplicate
// ids out of input[] before re-dispatch. This workaround is local to the
// Responses adapter; there is no global retry.
const duplicateIDRetries = 2

// openaiResponsesAdapter drives the OpenAI Responses API. The request is
// built as explicit JSON: the input[] array doubles as the transcript the
// tool loop extends with function_call / function_call_output items.
type openaiResponsesAdapter struct {
	baseURL    string
	httpClient *http.Client
	logger     gateway.Logger
}

func newOpenAIResponsesAdapter(baseURL string, logger gateway.Logger) *openaiResponsesAdapter {
	base := strings.TrimRight(firstNonEmpty(baseURL, defaultOpenAIBaseURL), "/")
	base = strings.TrimSuffix(base, "/v1")
	return &openaiResponsesAdapter{
		baseURL:    base,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
	}
}

func (a *openaiResponsesAdapter) Name() string { return gateway.ServiceOpenAI }

// responsesTranscript is the adapter-owned input[] array.
type responsesTranscript struct {
	input []interface{}
}

func (a *openaiResponsesAdapter) Chat(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResult, error) {
	transcript, ok := req.Transcript.(*responsesTranscript)
	if !ok || transcript == nil {
		transcript = &responsesTranscript{input: a.buildInput(req)}
		req.Transcript = transcript
	}

	body := map[string]interface{}{
		"model": req.Model,
		"input": transcript.input,
	}
	for key, value := range req.Params {
		switch key {
		case "text":
			// response_type maps to text; the API wants {"format": ...}.
			body["text"] = map[string]interface{}{"format": value}
		case "reasoning":
			if r, ok := value.(map[string]interface{}); ok {
				if k, hasKey := r["key"].(string); hasKey {
					body["reasoning"] = map[string]interface{}{k: r["type"]}
					continue
				}
			}
			body[key] = value
		default:
			body[key] = value
		}
	}

	tools := a.buildTools(req)
	if len(tools) > 0 {
		body["tools"] = tools
		if req.ToolChoice != nil {
			body["tool_choice"] = req.ToolChoice
		}
	} else {
		delete(body, "parallel_tool_calls")
	}

	var raw map[string]interface{}
	var lastErr error
	for attempt := 0; attempt <= duplicateIDRetries; attempt++ {
		raw, lastErr = a.post(ctx, req.APIKey, body)
		if lastErr == nil {
			break
		}
		if strings.Contains(lastErr.Error(), "Duplicate item found with id") && attempt < duplicateIDRetries {
			a.logger.Warn(ctx, "duplicate id in responses input, filtering and retrying",
				gateway.F("attempt", attempt+1))
			transcript.input = removeDuplicateIDs(transcript.input)
			body["input"] = transcript.input
			continue
		}
		return nil, lastErr
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return a.convertResponse(raw), nil
}

func (a *openaiResponsesAdapter) post(ctx context.Context, apiKey string, body map[string]interface{}) (map[string]interface{}, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/responses", bytes.NewBuffer(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, &gateway.APIError{Service: gateway.ServiceOpenAI, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, &gateway.APIError{
			Service:    gateway.ServiceOpenAI,
			Message:    string(data),
			StatusCode: resp.StatusCode,
		}
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("decode responses payload: %w", err)
	}
	return decoded, nil
}

// buildInput assembles the initial input[]: developer prompt (dropped for
// reasoning models), prior conversation, then the user turn with optional
// image/file parts.
func (a *openaiResponsesAdapter) buildInput(req *gateway.ChatRequest) []interface{} {
	input := []interface{}{}
	if !req.ReasoningModel && req.Prompt != "" {
		prompt := req.Prompt
		if req.Memory != "" {
			prompt += "\n\n### Memory\n" + req.Memory
		}
		input = append(input, map[string]interface{}{"role": "developer", "content": prompt})
	}
	for _, msg := range req.Conversation {
		input = append(input, map[string]interface{}{"role": msg.Role, "content": msg.Content})
	}

	switch {
	case len(req.Images) > 0:
		content := []interface{}{}
		if req.User != "" {
			content = append(content, map[string]interface{}{"type": "input_text", "text": req.User})
		}
		for _, url := range req.Images {
			content = append(content, map[string]interface{}{"type": "input_image", "image_url": url})
		}
		input = append(input, map[string]interface{}{"role": "user", "content": content})
	case len(req.Files) > 0:
		content := []interface{}{}
		if req.User != "" {
			content = append(content, map[string]interface{}{"type": "input_text", "text": req.User})
		}
		for _, url := range req.Files {
			content = append(content, map[string]interface{}{"type": "input_file", "file_url": url})
		}
		input = append(input, map[string]interface{}{"role": "user", "content": content})
	case req.User != "":
		input = append(input, map[string]interface{}{"role": "user", "content": req.User})
	}
	return input
}

// buildTools renders function tools at the Responses top-level shape plus
// the web_search built-in when enabled.
func (a *openaiResponsesAdapter) buildTools(req *gateway.ChatRequest) []interface{} {
	tools := []interface{}{}
	for _, tool := range req.Tools {
		tools = append(tools, map[string]interface{}{
			"type":        "function",
			"name":        tool.Name,
			"description": tool.Description,
			"parameters": map[string]interface{}{
				"type":       "object",
				"properties": cleanProperties(tool.Properties),
				"required":   tool.Required,
			},
		})
	}
	for _, builtIn := range req.BuiltInTools {
		if builtIn != gateway.ToolWebSearch {
			continue
		}
		if len(req.WebSearchFilters) > 0 {
			tools = append(tools, map[string]interface{}{
				"type":    "web_search",
				"filters": map[string]interface{}{"allowed_domains": req.WebSearchFilters},
			})
		} else {
			tools = append(tools, map[string]interface{}{"type": "web_search_preview"})
		}
	}
	return tools
}

func (a *openaiResponsesAdapter) convertResponse(raw map[string]interface{}) *gateway.ChatResult {
	result := &gateway.ChatResult{Raw: raw, Role: "assistant"}
	result.ID, _ = raw["id"].(string)
	result.Model, _ = raw["model"].(string)

	if status, _ := raw["status"].(string); status == "completed" || status == "in_progress" {
		result.FinishReason = status
	} else if details, ok := raw["incomplete_details"].(map[string]interface{}); ok {
		result.FinishReason, _ = details["reason"].(string)
	}

	output, _ := raw["output"].([]interface{})
	for _, rawItem := range output {
		item, ok := rawItem.(map[string]interface{})
		if !ok {
			continue
		}
		switch item["type"] {
		case "function_call":
			call := gateway.ToolCall{}
			call.ID, _ = item["id"].(string)
			call.Name, _ = item["name"].(string)
			call.RawArgs, _ = item["arguments"].(string)
			if err := json.Unmarshal([]byte(call.RawArgs), &call.Args); err != nil {
				call.Args = map[string]interface{}{"error": call.RawArgs}
				call.ParseError = true
			}
			result.ToolCalls = append(result.ToolCalls, call)
		case "message", "output_text", "reasoning":
			if result.Content != "" {
				continue
			}
			if content, ok := item["content"].([]interface{}); ok && len(content) > 0 {
				if part, ok := content[0].(map[string]interface{}); ok {
					if text, ok := part["text"].(string); ok {
						result.Content = text
					}
					if annotations, ok := part["annotations"].([]interface{}); ok {
						result.Annotations = annotations
					}
				}
			}
		}
	}

	if usage, ok := raw["usage"].(map[string]interface{}); ok {
		result.Usage = gateway.Usage{
			InputTokens:  intFrom(usage["input_tokens"]),
			OutputTokens: intFrom(usage["output_tokens"]),
			TotalTokens:  intFrom(usage["total_tokens"]),
		}
		if details, ok := usage["input_tokens_details"].(map[string]interface{}); ok {
			result.Usage.CachedTokens = intFrom(details["cached_tokens"])
		}
		if details, ok := usage["output_tokens_details"].(map[string]interface{}); ok {
			result.Usage.ReasoningTokens = intFrom(details["reasoning_tokens"])
		}
	}
	return result
}

func (a *openaiResponsesAdapter) DetectToolCalls(res *gateway.ChatResult) []gateway.ToolCall {
	return res.ToolCalls
}

// MergeToolResults extends input[] with the response's reasoning items,
// then each function_call item paired with its function_call_output, in
// call order.
func (a *openaiResponsesAdapter) MergeToolResults(req *gateway.ChatRequest, res *gateway.ChatResult, results []gateway.ToolResult) {
	transcript, ok := req.Transcript.(*responsesTranscript)
	if !ok {
		return
	}
	raw, _ := res.Raw.(map[string]interface{})
	output, _ := raw["output"].([]interface{})

	var functionCalls []map[string]interface{}
	for _, rawItem := range output {
		item, ok := rawItem.(map[string]interface{})
		if !ok {
			continue
		}
		switch item["type"] {
		case "reasoning":
			transcript.input = append(transcript.input, item)
		case "function_call":
			functionCalls = append(functionCalls, item)
		}
	}
	for i, result := range results {
		if i >= len(functionCalls) {
			break
		}
		item := functionCalls[i]
		transcript.input = append(transcript.input, item)
		transcript.input = append(transcript.input, map[string]interface{}{
			"type":    "function_call_output",
			"call_id": item["call_id"],
			"output":  result.Content,
		})
	}
}

// removeDuplicateIDs drops later input items that repeat an id.
func removeDuplicateIDs(input []interface{}) []interface{} {
	seen := map[string]bool{}
	filtered := make([]interface{}, 0, len(input))
	for _, rawItem := range input {
		if item, ok := rawItem.(map[string]interface{}); ok {
			if id, ok := item["id"].(string); ok && id != "" {
				if seen[id] {
					continue
				}
				seen[id] = true
			}
		}
		filtered = append(filtered, rawItem)
	}
	return filtered
}

func intFrom(value interface{}) int {
	switch v := value.(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return 0
}

var _ gateway.Adapter = (*openaiResponsesAdapter)(nil)
