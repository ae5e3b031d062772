package providers

import (
	"context"
	"encoding/json"
	"sort"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/bridgeway-ai/bridgeway/gateway"
)

// anthropicAdapter drives the Anthropic Messages API. Requests always
// stream; the adapter folds content_block_delta events into a synthetic
// non-streaming result (text plus tool_use blocks with parsed JSON input)
// so the engine sees a uniform shape.
type anthropicAdapter struct {
	logger gateway.Logger
}

func newAnthropicAdapter(logger gateway.Logger) *anthropicAdapter {
	return &anthropicAdapter{logger: logger}
}

func (a *anthropicAdapter) Name() string { return gateway.ServiceAnthropic }

// anthropicTranscript is the adapter-owned message list.
type anthropicTranscript struct {
	messages []sdk.MessageParam
	system   []sdk.TextBlockParam
}

// defaultAnthropicMaxTokens applies when neither caller nor catalog set a
// cap; the API requires the field.
const defaultAnthropicMaxTokens = 4096

// accumulatedBlock is one content block folded out of the stream.
type accumulatedBlock struct {
	Type        string
	Text        string
	ToolID      string
	ToolName    string
	partialJSON string
	Input       map[string]interface{}
}

func (a *anthropicAdapter) Chat(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResult, error) {
	transcript, ok := req.Transcript.(*anthropicTranscript)
	if !ok || transcript == nil {
		transcript = a.buildTranscript(req)
		req.Transcript = transcript
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		Messages:  transcript.messages,
		MaxTokens: defaultAnthropicMaxTokens,
		System:    transcript.system,
	}
	for key, value := range req.Params {
		switch key {
		case "max_tokens":
			if f, ok := toFloat(value); ok && f > 0 {
				params.MaxTokens = int64(f)
			}
		case "temperature":
			if f, ok := toFloat(value); ok {
				params.Temperature = sdk.Float(f)
			}
		case "top_p":
			if f, ok := toFloat(value); ok {
				params.TopP = sdk.Float(f)
			}
		case "top_k":
			if f, ok := toFloat(value); ok {
				params.TopK = sdk.Int(int64(f))
			}
		case "stop_sequence":
			params.StopSequences = stringList(value)
		}
	}
	if len(req.Tools) > 0 {
		params.Tools = a.buildTools(req.Tools)
		params.ToolChoice = a.buildToolChoice(req.ToolChoice)
	}

	client := sdk.NewClient(option.WithAPIKey(req.APIKey))
	stream := client.Messages.NewStreaming(ctx, params)
	result, err := a.accumulate(stream, req.Model)
	if err != nil {
		return nil, &gateway.APIError{Service: gateway.ServiceAnthropic, Message: err.Error(), Err: err}
	}
	return result, nil
}

// buildTranscript assembles the system blocks and the conversation,
// finishing with the user turn. Images ride as url image blocks on the
// user message (they are not fetched or base64-encoded); documents as url
// blocks.
func (a *anthropicAdapter) buildTranscript(req *gateway.ChatRequest) *anthropicTranscript {
	transcript := &anthropicTranscript{}
	if req.Prompt != "" {
		prompt := req.Prompt
		if req.Memory != "" {
			prompt += "\n\n### Memory\n" + req.Memory
		}
		transcript.system = []sdk.TextBlockParam{{Text: prompt}}
	}
	for _, msg := range req.Conversation {
		if msg.Content == "" {
			continue
		}
		block := sdk.NewTextBlock(msg.Content)
		if msg.Role == "assistant" {
			transcript.messages = append(transcript.messages, sdk.NewAssistantMessage(block))
		} else {
			transcript.messages = append(transcript.messages, sdk.NewUserMessage(block))
		}
	}

	blocks := []sdk.ContentBlockParamUnion{}
	if req.User != "" {
		blocks = append(blocks, sdk.NewTextBlock(req.User))
	}
	for _, url := range req.Images {
		blocks = append(blocks, sdk.NewImageBlock(sdk.URLImageSourceParam{URL: url}))
	}
	for _, url := range req.Files {
		blocks = append(blocks, sdk.NewDocumentBlock(sdk.URLPDFSourceParam{URL: url}))
	}
	if len(blocks) > 0 {
		transcript.messages = append(transcript.messages, sdk.NewUserMessage(blocks...))
	}
	return transcript
}

func (a *anthropicAdapter) buildTools(tools []gateway.ToolSpec) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema map[string]interface{}
		if tool.InputSchema != nil {
			// The synthetic JSON-schema formatter carries its schema whole.
			schema = tool.InputSchema
		} else {
			schema = map[string]interface{}{
				"type":       "object",
				"properties": cleanProperties(tool.Properties),
				"required":   tool.Required,
			}
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schema}, tool.Name)
		if u.OfTool != nil && tool.Description != "" {
			u.OfTool.Description = sdk.String(tool.Description)
		}
		out = append(out, u)
	}
	return out
}

// buildToolChoice shapes the gateway tool choice in Anthropic vocabulary:
// auto/default pass implicitly, "none", "any"/"required", or a named tool.
func (a *anthropicAdapter) buildToolChoice(choice interface{}) sdk.ToolChoiceUnionParam {
	switch v := choice.(type) {
	case string:
		switch v {
		case "none":
			none := sdk.NewToolChoiceNoneParam()
			return sdk.ToolChoiceUnionParam{OfNone: &none}
		case "any", "required":
			return sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}
		}
	case map[string]interface{}:
		if name, ok := v["name"].(string); ok && name != "" {
			return sdk.ToolChoiceParamOfTool(name)
		}
	}
	return sdk.ToolChoiceUnionParam{}
}

// accumulate folds the event stream into one ChatResult.
func (a *anthropicAdapter) accumulate(stream interface {
	Next() bool
	Current() sdk.MessageStreamEventUnion
	Err() error
}, model string) (*gateway.ChatResult, error) {
	result := &gateway.ChatResult{Model: model, Role: "assistant"}
	blocks := map[int]*accumulatedBlock{}

	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.MessageStartEvent:
			result.ID = ev.Message.ID
			if ev.Message.Model != "" {
				result.Model = string(ev.Message.Model)
			}
			result.Usage.InputTokens = int(ev.Message.Usage.InputTokens)
			result.Usage.CacheReadInputTokens = int(ev.Message.Usage.CacheReadInputTokens)
			result.Usage.CacheCreationInputTokens = int(ev.Message.Usage.CacheCreationInputTokens)
		case sdk.ContentBlockStartEvent:
			index := int(ev.Index)
			switch start := ev.ContentBlock.AsAny().(type) {
			case sdk.ToolUseBlock:
				blocks[index] = &accumulatedBlock{Type: "tool_use", ToolID: start.ID, ToolName: start.Name}
			case sdk.TextBlock:
				blocks[index] = &accumulatedBlock{Type: "text", Text: start.Text}
			default:
				blocks[index] = &accumulatedBlock{Type: "text"}
			}
		case sdk.ContentBlockDeltaEvent:
			index := int(ev.Index)
			block := blocks[index]
			if block == nil {
				continue
			}
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				block.Text += delta.Text
			case sdk.InputJSONDelta:
				block.partialJSON += delta.PartialJSON
			}
		case sdk.ContentBlockStopEvent:
			index := int(ev.Index)
			if block := blocks[index]; block != nil && block.Type == "tool_use" {
				if block.partialJSON == "" {
					block.Input = map[string]interface{}{}
				} else if err := json.Unmarshal([]byte(block.partialJSON), &block.Input); err != nil {
					block.Input = map[string]interface{}{"error": block.partialJSON}
				}
			}
		case sdk.MessageDeltaEvent:
			if ev.Delta.StopReason != "" {
				result.FinishReason = string(ev.Delta.StopReason)
			}
			if ev.Usage.OutputTokens > 0 {
				result.Usage.OutputTokens = int(ev.Usage.OutputTokens)
			}
		case sdk.MessageStopEvent:
			// Terminal event; the loop drains naturally.
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	result.Usage.TotalTokens = result.Usage.InputTokens + result.Usage.OutputTokens

	// Order blocks by index; merge adjacent text.
	indexes := make([]int, 0, len(blocks))
	for index := range blocks {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)
	for _, index := range indexes {
		block := blocks[index]
		switch block.Type {
		case "text":
			result.Content += block.Text
		case "tool_use":
			// A call to the synthetic JSON-schema formatter is the response
			// itself, not a tool call.
			if block.ToolName == "JSON_Schema_Response_Format" {
				data, _ := json.Marshal(block.Input)
				result.Content = string(data)
				continue
			}
			call := gateway.ToolCall{ID: block.ToolID, Name: block.ToolName, Args: block.Input}
			if raw, err := json.Marshal(block.Input); err == nil {
				call.RawArgs = string(raw)
			}
			if _, isErr := block.Input["error"]; isErr && len(block.Input) == 1 {
				call.ParseError = true
			}
			result.ToolCalls = append(result.ToolCalls, call)
		}
	}
	result.Raw = blocks
	return result, nil
}

// DetectToolCalls honors stop_reason: tool_use blocks only count when the
// turn actually stopped for tools (the JSON-schema formatter already
// short-circuited during accumulation).
func (a *anthropicAdapter) DetectToolCalls(res *gateway.ChatResult) []gateway.ToolCall {
	if res.FinishReason != "tool_use" {
		return nil
	}
	return res.ToolCalls
}

// MergeToolResults appends the assistant turn (text + tool_use blocks)
// followed by one user message collecting every tool_result, in call
// order.
func (a *anthropicAdapter) MergeToolResults(req *gateway.ChatRequest, res *gateway.ChatResult, results []gateway.ToolResult) {
	transcript, ok := req.Transcript.(*anthropicTranscript)
	if !ok {
		return
	}
	assistantBlocks := []sdk.ContentBlockParamUnion{}
	if res.Content != "" {
		assistantBlocks = append(assistantBlocks, sdk.NewTextBlock(res.Content))
	}
	for _, call := range res.ToolCalls {
		assistantBlocks = append(assistantBlocks, sdk.NewToolUseBlock(call.ID, call.Args, call.Name))
	}
	if len(assistantBlocks) > 0 {
		transcript.messages = append(transcript.messages, sdk.NewAssistantMessage(assistantBlocks...))
	}

	resultBlocks := make([]sdk.ContentBlockParamUnion, 0, len(results))
	for _, result := range results {
		resultBlocks = append(resultBlocks, sdk.NewToolResultBlock(result.CallID, result.Content, false))
	}
	if len(resultBlocks) > 0 {
		transcript.messages = append(transcript.messages, sdk.NewUserMessage(resultBlocks...))
	}
}

func stringList(value interface{}) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	default:
		return nil
	}
}

var _ gateway.Adapter = (*anthropicAdapter)(nil)
