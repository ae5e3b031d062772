package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/bridgeway-ai/bridgeway/gateway"
)

// geminiAdapter drives the Gemini API: contents with user/model roles and
// typed parts, generation settings and tools bundled into the request
// config, the system prompt via system_instruction.
type geminiAdapter struct {
	logger gateway.Logger
}

func newGeminiAdapter(logger gateway.Logger) *geminiAdapter {
	return &geminiAdapter{logger: logger}
}

func (a *geminiAdapter) Name() string { return gateway.ServiceGemini }

// geminiTranscript is the adapter-owned contents list.
type geminiTranscript struct {
	contents []*genai.Content
}

func (a *geminiAdapter) Chat(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResult, error) {
	transcript, ok := req.Transcript.(*geminiTranscript)
	if !ok || transcript == nil {
		transcript = &geminiTranscript{contents: a.buildContents(req)}
		req.Transcript = transcript
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  req.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}

	config := a.buildConfig(req)
	resp, err := client.Models.GenerateContent(ctx, req.Model, transcript.contents, config)
	if err != nil {
		return nil, &gateway.APIError{Service: gateway.ServiceGemini, Message: err.Error(), Err: err}
	}
	return a.convertResponse(resp), nil
}

func (a *geminiAdapter) buildConfig(req *gateway.ChatRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.Prompt != "" {
		prompt := req.Prompt
		if req.Memory != "" {
			prompt += "\n\n### Memory\n" + req.Memory
		}
		config.SystemInstruction = genai.NewContentFromText(prompt, genai.RoleUser)
	}
	for key, value := range req.Params {
		switch key {
		case "temperature":
			if f, ok := toFloat(value); ok {
				config.Temperature = genai.Ptr(float32(f))
			}
		case "top_p":
			if f, ok := toFloat(value); ok {
				config.TopP = genai.Ptr(float32(f))
			}
		case "top_k":
			if f, ok := toFloat(value); ok {
				config.TopK = genai.Ptr(float32(f))
			}
		case "max_output_tokens":
			if f, ok := toFloat(value); ok {
				config.MaxOutputTokens = int32(f)
			}
		case "candidate_count":
			if f, ok := toFloat(value); ok {
				config.CandidateCount = int32(f)
			}
		case "stop_sequences":
			config.StopSequences = stringList(value)
		case "responseMimeType":
			if s, ok := value.(string); ok {
				config.ResponseMIMEType = s
			} else if m, ok := value.(map[string]interface{}); ok {
				if m["type"] == "json_object" || m["type"] == "json_schema" {
					config.ResponseMIMEType = "application/json"
				}
			}
		}
	}
	if len(req.Tools) > 0 {
		config.Tools = a.buildTools(req.Tools)
	}
	return config
}

// buildContents maps the conversation to user/model contents with the user
// turn last.
func (a *geminiAdapter) buildContents(req *gateway.ChatRequest) []*genai.Content {
	contents := []*genai.Content{}
	for _, msg := range req.Conversation {
		role := genai.RoleUser
		if msg.Role == "assistant" || msg.Role == "model" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(msg.Content, role))
	}
	if req.User != "" {
		contents = append(contents, genai.NewContentFromText(req.User, genai.RoleUser))
	}
	return contents
}

func (a *geminiAdapter) buildTools(tools []gateway.ToolSpec) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  a.buildSchema(tool),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

func (a *geminiAdapter) buildSchema(tool gateway.ToolSpec) *genai.Schema {
	schema := &genai.Schema{
		Type:       genai.TypeObject,
		Properties: map[string]*genai.Schema{},
		Required:   tool.Required,
	}
	for name, raw := range cleanProperties(tool.Properties) {
		property, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		schema.Properties[name] = a.propertySchema(property)
	}
	return schema
}

func (a *geminiAdapter) propertySchema(property map[string]interface{}) *genai.Schema {
	schema := &genai.Schema{Type: genai.TypeString}
	if typeName, ok := property["type"].(string); ok {
		schema.Type = geminiType(typeName)
	}
	if description, ok := property["description"].(string); ok {
		schema.Description = description
	}
	if enum, ok := property["enum"].([]interface{}); ok && len(enum) > 0 {
		for _, value := range enum {
			if s, ok := value.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if items, ok := property["items"].(map[string]interface{}); ok {
		schema.Items = a.propertySchema(items)
	}
	if nested, ok := property["properties"].(map[string]interface{}); ok {
		schema.Properties = map[string]*genai.Schema{}
		for name, raw := range nested {
			if child, ok := raw.(map[string]interface{}); ok {
				schema.Properties[name] = a.propertySchema(child)
			}
		}
	}
	return schema
}

func geminiType(name string) genai.Type {
	switch strings.ToLower(name) {
	case "number", "float", "double":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}

func (a *geminiAdapter) convertResponse(resp *genai.GenerateContentResponse) *gateway.ChatResult {
	result := &gateway.ChatResult{Raw: resp, Role: "assistant", ID: resp.ResponseID, Model: resp.ModelVersion}

	if len(resp.Candidates) > 0 {
		candidate := resp.Candidates[0]
		if candidate.FinishReason != "" {
			result.FinishReason = strings.ToLower(string(candidate.FinishReason))
		}
		if candidate.Content != nil {
			for _, part := range candidate.Content.Parts {
				if part.Text != "" {
					result.Content += part.Text
				}
				if part.FunctionCall != nil {
					call := gateway.ToolCall{
						ID:   part.FunctionCall.ID,
						Name: part.FunctionCall.Name,
						Args: part.FunctionCall.Args,
					}
					if call.ID == "" {
						call.ID = "gemini_" + call.Name
					}
					if raw, err := json.Marshal(call.Args); err == nil {
						call.RawArgs = string(raw)
					}
					result.ToolCalls = append(result.ToolCalls, call)
				}
			}
		}
	}

	if resp.UsageMetadata != nil {
		result.Usage = gateway.Usage{
			InputTokens:     int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens:    int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:     int(resp.UsageMetadata.TotalTokenCount),
			CachedTokens:    int(resp.UsageMetadata.CachedContentTokenCount),
			ReasoningTokens: int(resp.UsageMetadata.ThoughtsTokenCount),
		}
	}
	return result
}

func (a *geminiAdapter) DetectToolCalls(res *gateway.ChatResult) []gateway.ToolCall {
	return res.ToolCalls
}

// MergeToolResults appends a model content carrying the function_call
// parts followed by one user function_response per result, in call order.
func (a *geminiAdapter) MergeToolResults(req *gateway.ChatRequest, res *gateway.ChatResult, results []gateway.ToolResult) {
	transcript, ok := req.Transcript.(*geminiTranscript)
	if !ok {
		return
	}
	parts := make([]*genai.Part, 0, len(res.ToolCalls))
	for _, call := range res.ToolCalls {
		parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
			ID:   call.ID,
			Name: call.Name,
			Args: call.Args,
		}})
	}
	if len(parts) > 0 {
		transcript.contents = append(transcript.contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
	}
	for _, result := range results {
		response := map[string]interface{}{}
		if err := json.Unmarshal([]byte(result.Content), &response); err != nil {
			response = map[string]interface{}{"result": result.Content}
		}
		transcript.contents = append(transcript.contents,
			genai.NewContentFromFunctionResponse(result.Name, response, genai.RoleUser))
	}
}

var _ gateway.Adapter = (*geminiAdapter)(nil)
