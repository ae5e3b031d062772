package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// wrongFunctionName answers tool calls whose name matches no known tool.
// The model sees the error and can recover; the turn never crashes.
const wrongFunctionName = "Wrong Function name"

// runTools executes the model's tool calls in parallel on a bounded worker
// pool. Results are spliced back in call order regardless of completion
// order; a failing tool surfaces as an error-content result for the model,
// never as a turn failure.
func (e *Engine) runTools(ctx context.Context, call *ChatCall, config *BridgeConfig, calls []ToolCall) ([]ToolResult, []interface{}) {
	results := make([]ToolResult, len(calls))
	logs := make([]interface{}, len(calls))

	maxWorkers := e.cfg.MaxToolWorkers
	if len(calls) < maxWorkers {
		maxWorkers = len(calls)
	}
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup

	for i := range calls {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			toolCall := calls[index]
			content := e.runOneTool(ctx, call, config, toolCall)
			results[index] = ToolResult{CallID: toolCall.ID, Name: toolCall.Name, Content: content}
			logs[index] = map[string]interface{}{
				"id":       toolCall.ID,
				"name":     toolCall.Name,
				"args":     toolCall.Args,
				"response": content,
			}
		}(i)
	}
	wg.Wait()
	return results, logs
}

// runOneTool dispatches a single call by its binding category and returns
// the JSON content fed back to the model.
func (e *Engine) runOneTool(ctx context.Context, call *ChatCall, config *BridgeConfig, toolCall ToolCall) string {
	binding, known := config.ToolBinding[toolCall.Name]
	if !known || binding == nil {
		return encodeToolError(wrongFunctionName)
	}
	if toolCall.ParseError {
		return encodeToolError("Args / Input is not proper JSON")
	}

	var (
		payload interface{}
		err     error
	)
	switch binding.Type {
	case ToolTypeRAG:
		payload, err = e.runRAGQuery(ctx, config, binding, toolCall.Args)
	case ToolTypeAgent:
		payload, err = e.runAgentTool(ctx, call, binding, toolCall.Args)
	case ToolWebCrawl:
		payload, err = e.runWebCrawl(ctx, toolCall.Args)
	default:
		payload, err = e.postJSON(ctx, binding.URL, binding.Headers, toolCall.Args)
	}
	if err != nil {
		e.logger.Warn(ctx, "tool execution failed",
			F("tool", toolCall.Name), F("error", err.Error()))
		return encodeToolError(err.Error())
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return encodeToolError("unserializable tool response")
	}
	return string(data)
}

func encodeToolError(message string) string {
	data, _ := json.Marshal(map[string]string{"error": message})
	return string(data)
}

// postJSON runs the HTTP-function transport shared by pre-tools and HTTP
// tool calls. Non-2xx downstream statuses are tool errors.
func (e *Engine) postJSON(ctx context.Context, url string, headers map[string]string, body interface{}) (interface{}, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("function returned status %d: %s", resp.StatusCode, string(raw))
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return string(raw), nil
	}
	return decoded, nil
}

// runRAGQuery forwards a knowledge-base lookup to the vector service,
// attaching the org scope and the resource→collection mapping.
func (e *Engine) runRAGQuery(ctx context.Context, config *BridgeConfig, binding *ToolBinding, args map[string]interface{}) (interface{}, error) {
	if e.cfg.VectorServiceURL == "" {
		return nil, fmt.Errorf("vector service not configured")
	}
	body := map[string]interface{}{
		"org_id":                         config.OrgID,
		"resource_to_collection_mapping": binding.ResourceToCollection,
	}
	for key, value := range args {
		body[key] = value
	}
	headers := map[string]string{}
	if e.cfg.VectorServiceKey != "" {
		headers["Authorization"] = e.cfg.VectorServiceKey
	}
	return e.postJSON(ctx, e.cfg.VectorServiceURL+"/query", headers, body)
}

// firecrawlScrapeURL is the web-crawl built-in endpoint.
const firecrawlScrapeURL = "https://api.firecrawl.dev/v1/scrape"

// runWebCrawl executes the web-crawl built-in through Firecrawl.
func (e *Engine) runWebCrawl(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if e.cfg.FirecrawlKey == "" {
		return nil, fmt.Errorf("web crawl not configured")
	}
	body := map[string]interface{}{"url": args["url"]}
	if formats, ok := args["formats"]; ok {
		body["formats"] = formats
	}
	headers := map[string]string{"Authorization": "Bearer " + e.cfg.FirecrawlKey}
	return e.postJSON(ctx, firecrawlScrapeURL, headers, body)
}

// maxAgentDepth bounds recursive connected-agent calls within one request.
const maxAgentDepth = 5

// runAgentTool re-enters the engine for a connected-agent call, preserving
// the resolved configurations, thread ids and timer of the parent request.
func (e *Engine) runAgentTool(ctx context.Context, call *ChatCall, binding *ToolBinding, args map[string]interface{}) (interface{}, error) {
	if call.Depth >= maxAgentDepth {
		return nil, fmt.Errorf("agent recursion depth exceeded")
	}
	target, ok := call.Configurations[binding.BridgeID]
	if !ok {
		return nil, fmt.Errorf("agent %s is not in the resolved configuration", binding.BridgeID)
	}

	userQuery, _ := args["_query"].(string)
	variables := map[string]interface{}{}
	for key, value := range args {
		if key != "_query" && key != "user" {
			variables[key] = value
		}
	}

	child := &ChatCall{
		Config:            target,
		Configurations:    call.Configurations,
		User:              userQuery,
		Variables:         mergeVariables(target.Variables, variables),
		MessageID:         newUUIDv1(),
		ResponseFormat:    ResponseFormat{Type: ResponseFormatDefault},
		IsPlayground:      call.IsPlayground,
		PrimaryBridgeID:   call.PrimaryBridgeID,
		TransferRequestID: call.TransferRequestID,
		Transfers:         &TransferHistory{},
		Timer:             call.Timer,
		Depth:             call.Depth + 1,
	}
	if binding.RequiresThreadID {
		child.ThreadID = call.ThreadID
		child.SubThreadID = call.SubThreadID
	}

	response, err := e.chat(ctx, child)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"response": response.Data.Content}, nil
}
