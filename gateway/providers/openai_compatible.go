package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/bridgeway-ai/bridgeway/gateway"
)

// openaiCompatibleAdapter serves every chat/completions-compatible
// service: openai_completion, groq, grok, open_router, mistral and ai_ml.
// The base URL is the only transport difference between them.
type openaiCompatibleAdapter struct {
	service string
	baseURL string
}

func newOpenAICompatibleAdapter(service, baseURL string) *openaiCompatibleAdapter {
	return &openaiCompatibleAdapter{service: service, baseURL: baseURL}
}

func (a *openaiCompatibleAdapter) Name() string { return a.service }

func (a *openaiCompatibleAdapter) client(apiKey string) openai.Client {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if a.baseURL != "" {
		opts = append(opts, option.WithBaseURL(a.baseURL))
	}
	return openai.NewClient(opts...)
}

// transcript is the adapter-owned conversation state across tool rounds.
type chatCompletionTranscript struct {
	messages []openai.ChatCompletionMessageParamUnion
}

func (a *openaiCompatibleAdapter) Chat(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResult, error) {
	transcript, ok := req.Transcript.(*chatCompletionTranscript)
	if !ok || transcript == nil {
		transcript = &chatCompletionTranscript{messages: a.buildMessages(req)}
		req.Transcript = transcript
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: transcript.messages,
	}
	requestOpts := a.applyParams(&params, req)

	if len(req.Tools) > 0 {
		params.Tools = a.buildTools(req.Tools)
		if req.ToolChoice != nil {
			requestOpts = append(requestOpts, option.WithJSONSet("tool_choice", req.ToolChoice))
		}
	}

	client := a.client(req.APIKey)
	completion, err := client.Chat.Completions.New(ctx, params, requestOpts...)
	if err != nil {
		return nil, &gateway.APIError{Service: a.service, Message: err.Error(), Err: err}
	}
	return a.convertResponse(completion), nil
}

// buildMessages assembles the initial transcript: system prompt with the
// memory appended (both skipped entirely for reasoning models), prior
// conversation, and the user turn with optional image parts. Audio urls are
// not attached.
func (a *openaiCompatibleAdapter) buildMessages(req *gateway.ChatRequest) []openai.ChatCompletionMessageParamUnion {
	messages := []openai.ChatCompletionMessageParamUnion{}

	if !req.ReasoningModel && req.Prompt != "" {
		prompt := req.Prompt
		if req.Memory != "" {
			prompt += "\n\n### Memory\n" + req.Memory
		}
		messages = append(messages, openai.SystemMessage(prompt))
	}
	for _, msg := range req.Conversation {
		switch msg.Role {
		case "assistant":
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}

	if len(req.Images) > 0 && supportsVisionParts(a.service) {
		parts := []openai.ChatCompletionContentPartUnionParam{}
		if req.User != "" {
			parts = append(parts, openai.TextContentPart(req.User))
		}
		for _, url := range req.Images {
			parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: url}))
		}
		messages = append(messages, openai.UserMessage(parts))
	} else if req.User != "" {
		messages = append(messages, openai.UserMessage(req.User))
	}
	return messages
}

// supportsVisionParts reports whether the service accepts image_url
// content parts on user messages.
func supportsVisionParts(service string) bool {
	switch service {
	case gateway.ServiceOpenAICompletion, gateway.ServiceOpenRouter, gateway.ServiceMistral, gateway.ServiceAiMl:
		return true
	}
	return false
}

// applyParams maps the normalized provider parameters onto the typed
// request; parameters without a typed slot ride along as raw JSON.
func (a *openaiCompatibleAdapter) applyParams(params *openai.ChatCompletionNewParams, req *gateway.ChatRequest) []option.RequestOption {
	var opts []option.RequestOption
	for key, value := range req.Params {
		switch key {
		case "temperature":
			if f, ok := toFloat(value); ok {
				params.Temperature = openai.Float(f)
			}
		case "top_p":
			if f, ok := toFloat(value); ok {
				params.TopP = openai.Float(f)
			}
		case "frequency_penalty":
			if f, ok := toFloat(value); ok {
				params.FrequencyPenalty = openai.Float(f)
			}
		case "presence_penalty":
			if f, ok := toFloat(value); ok {
				params.PresencePenalty = openai.Float(f)
			}
		case "n":
			if f, ok := toFloat(value); ok {
				params.N = openai.Int(int64(f))
			}
		case "max_completion_tokens":
			if f, ok := toFloat(value); ok {
				params.MaxCompletionTokens = openai.Int(int64(f))
			}
		case "max_tokens":
			if f, ok := toFloat(value); ok {
				params.MaxTokens = openai.Int(int64(f))
			}
		case "response_format":
			if value != nil {
				opts = append(opts, option.WithJSONSet("response_format", value))
			}
		default:
			if value != nil {
				opts = append(opts, option.WithJSONSet(key, value))
			}
		}
	}
	return opts
}

func (a *openaiCompatibleAdapter) buildTools(tools []gateway.ToolSpec) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		parameters := openai.FunctionParameters{
			"type":       "object",
			"properties": cleanProperties(tool.Properties),
			"required":   tool.Required,
		}
		out = append(out, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        tool.Name,
			Description: openai.String(tool.Description),
			Parameters:  parameters,
		}))
	}
	return out
}

func (a *openaiCompatibleAdapter) convertResponse(completion *openai.ChatCompletion) *gateway.ChatResult {
	result := &gateway.ChatResult{
		ID:    completion.ID,
		Model: completion.Model,
		Raw:   completion,
		Usage: gateway.Usage{
			InputTokens:     int(completion.Usage.PromptTokens),
			OutputTokens:    int(completion.Usage.CompletionTokens),
			TotalTokens:     int(completion.Usage.TotalTokens),
			CachedTokens:    int(completion.Usage.PromptTokensDetails.CachedTokens),
			ReasoningTokens: int(completion.Usage.CompletionTokensDetails.ReasoningTokens),
		},
	}
	if len(completion.Choices) == 0 {
		return result
	}
	choice := completion.Choices[0]
	result.Content = choice.Message.Content
	result.Role = string(choice.Message.Role)
	result.FinishReason = string(choice.FinishReason)
	for _, tc := range choice.Message.ToolCalls {
		call := gateway.ToolCall{
			ID:      tc.ID,
			Name:    tc.Function.Name,
			RawArgs: tc.Function.Arguments,
		}
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &call.Args); err != nil {
			call.Args = map[string]interface{}{"error": tc.Function.Arguments}
			call.ParseError = true
		}
		result.ToolCalls = append(result.ToolCalls, call)
	}
	return result
}

func (a *openaiCompatibleAdapter) DetectToolCalls(res *gateway.ChatResult) []gateway.ToolCall {
	return res.ToolCalls
}

// MergeToolResults appends the assistant tool-call turn followed by each
// tool result, in call order.
func (a *openaiCompatibleAdapter) MergeToolResults(req *gateway.ChatRequest, res *gateway.ChatResult, results []gateway.ToolResult) {
	transcript, ok := req.Transcript.(*chatCompletionTranscript)
	if !ok {
		return
	}
	if completion, ok := res.Raw.(*openai.ChatCompletion); ok && len(completion.Choices) > 0 {
		transcript.messages = append(transcript.messages, completion.Choices[0].Message.ToParam())
	}
	for _, result := range results {
		transcript.messages = append(transcript.messages, openai.ToolMessage(result.Content, result.CallID))
	}
}

// cleanProperties strips the gateway-internal schema decorations (empty
// enums, required_params, parameter envelopes) recursively before the
// schema reaches a provider.
func cleanProperties(properties map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(properties))
	for name, raw := range properties {
		schema, ok := raw.(map[string]interface{})
		if !ok {
			out[name] = raw
			continue
		}
		out[name] = cleanSchema(schema)
	}
	return out
}

func cleanSchema(schema map[string]interface{}) map[string]interface{} {
	cleaned := map[string]interface{}{}
	for key, value := range schema {
		switch key {
		case "required_params":
			if list, ok := value.([]interface{}); ok && len(list) > 0 {
				cleaned["required"] = list
			}
			continue
		case "parameter":
			if nested, ok := value.(map[string]interface{}); ok && len(nested) > 0 {
				cleaned["properties"] = cleanProperties(nested)
			}
			continue
		case "enum":
			if list, ok := value.([]interface{}); ok && len(list) == 0 {
				continue
			}
		case "properties":
			if nested, ok := value.(map[string]interface{}); ok {
				cleaned["properties"] = cleanProperties(nested)
				continue
			}
		case "items":
			if nested, ok := value.(map[string]interface{}); ok {
				cleaned["items"] = cleanSchema(nested)
				continue
			}
		}
		if s, ok := value.(string); ok && s == "" {
			continue
		}
		cleaned[key] = value
	}
	return cleaned
}

func toFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

var _ gateway.Adapter = (*openaiCompatibleAdapter)(nil)

// Embed implements gateway.Embedder for OpenAI-compatible services.
func (a *openaiCompatibleAdapter) Embed(ctx context.Context, model, apiKey, text string) ([]float64, error) {
	client := a.client(apiKey)
	response, err := client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{text}},
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		return nil, &gateway.APIError{Service: a.service, Message: err.Error(), Err: err}
	}
	if len(response.Data) == 0 {
		return nil, fmt.Errorf("%s returned no embedding", a.service)
	}
	return response.Data[0].Embedding, nil
}
