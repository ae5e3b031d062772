package gateway

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// S1: one model call, no tools. The caller gets a normalized response,
// exactly one conversation row lands, and the cost ledger increments.
func TestChatHappyPath(t *testing.T) {
	store := newFakeStore()
	_, cache := setupCache(t)
	catalog := testCatalog(ServiceOpenAI)
	adapter := &fakeAdapter{
		service: ServiceOpenAI,
		results: []*ChatResult{{
			ID:           "resp-1",
			Content:      "Paris",
			FinishReason: "completed",
			Role:         "assistant",
			Usage:        Usage{InputTokens: 100, OutputTokens: 10, TotalTokens: 110},
		}},
	}
	engine := testEngine(t, store, cache, catalog, map[string]*fakeAdapter{ServiceOpenAI: adapter})

	config := testBridgeConfig("bridge-1", ServiceOpenAI)
	resolved := &ResolvedConfiguration{
		PrimaryBridgeID:      "bridge-1",
		BridgeConfigurations: map[string]*BridgeConfig{"bridge-1": config},
	}
	response, err := engine.Run(context.Background(), resolved, &ChatInput{
		User:     "capital of France?",
		ThreadID: "t1",
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if response.Data.Content != "Paris" {
		t.Errorf("content: %q", response.Data.Content)
	}
	if response.Data.FinishReason != FinishCompleted {
		t.Errorf("finish reason: %q", response.Data.FinishReason)
	}
	if response.Data.MessageID == "" {
		t.Error("message id must be assigned")
	}
	if adapter.callCount() != 1 {
		t.Errorf("exactly one adapter call expected, got %d", adapter.callCount())
	}

	rows := store.savedRows()
	if len(rows) != 1 {
		t.Fatalf("exactly one conversation row expected, got %d", len(rows))
	}
	if rows[0].Message != "Paris" || rows[0].Type != "assistant" || !rows[0].Success {
		t.Errorf("unexpected row: %+v", rows[0])
	}

	// Cost ledger: 100 * 2.5/1e6 + 10 * 10/1e6.
	want := 100*2.5/1e6 + 10*10.0/1e6
	if math.Abs(response.Usage.Cost-want) > 1e-9 {
		t.Errorf("cost %v, want %v", response.Usage.Cost, want)
	}
	var record UsageRecord
	waitFor(t, time.Second, func() bool {
		found, _ := cache.FindJSON(context.Background(), keyBridgeUsedCost+"bridge-1", &record)
		return found
	})
	if math.Abs(record.UsageValue-want) > 1e-9 {
		t.Errorf("ledger %v, want %v", record.UsageValue, want)
	}
}

// S2-style: the model requests an HTTP tool, the tool answers, the model
// finishes. Two adapter calls, one merge, tools_call_data recorded.
func TestChatToolLoop(t *testing.T) {
	toolServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var args map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&args)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"ok": true, "echo": args["city"]})
	}))
	defer toolServer.Close()

	store := newFakeStore()
	_, cache := setupCache(t)
	catalog := testCatalog(ServiceAnthropic)
	adapter := &fakeAdapter{
		service: ServiceAnthropic,
		results: []*ChatResult{
			{
				FinishReason: "tool_use",
				Role:         "assistant",
				ToolCalls: []ToolCall{{
					ID:   "toolu_1",
					Name: "get_weather",
					Args: map[string]interface{}{"city": "Pune"},
				}},
				Usage: Usage{InputTokens: 50, OutputTokens: 5, TotalTokens: 55},
			},
			{
				Content:      "Sunny in Pune",
				FinishReason: "end_turn",
				Role:         "assistant",
				Usage:        Usage{InputTokens: 80, OutputTokens: 8, TotalTokens: 88},
			},
		},
	}
	engine := testEngine(t, store, cache, catalog, map[string]*fakeAdapter{ServiceAnthropic: adapter})

	config := testBridgeConfig("bridge-2", ServiceAnthropic)
	config.Tools = []ToolSpec{{Type: "function", Name: "get_weather", Description: "weather lookup",
		Properties: map[string]interface{}{"city": map[string]interface{}{"type": "string"}},
		Required:   []string{"city"}}}
	config.ToolBinding["get_weather"] = &ToolBinding{Type: ToolTypeHTTP, URL: toolServer.URL}

	resolved := &ResolvedConfiguration{
		PrimaryBridgeID:      "bridge-2",
		BridgeConfigurations: map[string]*BridgeConfig{"bridge-2": config},
	}
	response, err := engine.Run(context.Background(), resolved, &ChatInput{User: "weather?", ThreadID: "t2"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if response.Data.Content != "Sunny in Pune" {
		t.Errorf("content: %q", response.Data.Content)
	}
	if adapter.callCount() != 2 {
		t.Errorf("want 2 adapter calls, got %d", adapter.callCount())
	}
	if len(adapter.merged) != 1 || len(adapter.merged[0]) != 1 {
		t.Fatalf("one merge of one result expected: %v", adapter.merged)
	}
	if !strings.Contains(adapter.merged[0][0].Content, `"ok":true`) {
		t.Errorf("tool content: %q", adapter.merged[0][0].Content)
	}
	if len(response.Data.ToolsData) == 0 {
		t.Error("tools_data must be populated")
	}
	// Usage accumulates across both calls.
	if response.Usage.TotalTokens != 143 {
		t.Errorf("usage total %d, want 143", response.Usage.TotalTokens)
	}
}

// An unknown tool name answers the model with a recoverable error and
// never crashes the turn.
func TestChatUnknownToolName(t *testing.T) {
	store := newFakeStore()
	_, cache := setupCache(t)
	catalog := testCatalog(ServiceOpenAI)
	adapter := &fakeAdapter{
		service: ServiceOpenAI,
		results: []*ChatResult{
			{
				FinishReason: "tool_calls",
				ToolCalls:    []ToolCall{{ID: "c1", Name: "nonexistent", Args: map[string]interface{}{}}},
			},
			{Content: "recovered", FinishReason: "stop"},
		},
	}
	engine := testEngine(t, store, cache, catalog, map[string]*fakeAdapter{ServiceOpenAI: adapter})

	resolved := &ResolvedConfiguration{
		PrimaryBridgeID:      "bridge-3",
		BridgeConfigurations: map[string]*BridgeConfig{"bridge-3": testBridgeConfig("bridge-3", ServiceOpenAI)},
	}
	response, err := engine.Run(context.Background(), resolved, &ChatInput{User: "hi", ThreadID: "t3"})
	if err != nil {
		t.Fatalf("turn must not fail: %v", err)
	}
	if response.Data.Content != "recovered" {
		t.Errorf("content: %q", response.Data.Content)
	}
	if !strings.Contains(adapter.merged[0][0].Content, "Wrong Function name") {
		t.Errorf("model must see the wrong-name error, got %q", adapter.merged[0][0].Content)
	}
}

// Tool recursion stops at tool_call_count even when the model keeps
// asking for tools.
func TestChatToolLoopDepthBound(t *testing.T) {
	store := newFakeStore()
	_, cache := setupCache(t)
	catalog := testCatalog(ServiceOpenAI)

	toolResult := &ChatResult{
		FinishReason: "tool_calls",
		ToolCalls:    []ToolCall{{ID: "c", Name: "missing_tool", Args: map[string]interface{}{}}},
	}
	adapter := &fakeAdapter{
		service: ServiceOpenAI,
		results: []*ChatResult{toolResult, toolResult, toolResult, toolResult, toolResult, toolResult},
	}
	engine := testEngine(t, store, cache, catalog, map[string]*fakeAdapter{ServiceOpenAI: adapter})

	config := testBridgeConfig("bridge-4", ServiceOpenAI)
	config.ToolCallCount = 2
	resolved := &ResolvedConfiguration{
		PrimaryBridgeID:      "bridge-4",
		BridgeConfigurations: map[string]*BridgeConfig{"bridge-4": config},
	}
	response, err := engine.Run(context.Background(), resolved, &ChatInput{User: "loop", ThreadID: "t4"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	// Rounds at depth 0 and 1 execute tools; the call at depth 2 returns
	// as-is. Never more than count+1 model invocations.
	if adapter.callCount() != 3 {
		t.Errorf("want 3 adapter calls for count=2, got %d", adapter.callCount())
	}
	if response.Data.FinishReason != FinishToolCall {
		t.Errorf("finish reason: %q", response.Data.FinishReason)
	}
}

// S4: the primary service fails and the fallback configuration runs
// exactly once, annotating the response.
func TestChatFallbackRetry(t *testing.T) {
	store := newFakeStore()
	_, cache := setupCache(t)
	catalog := testCatalog(ServiceOpenAI, ServiceGroq)

	primary := &fakeAdapter{service: ServiceOpenAI, errs: []error{&APIError{Service: ServiceOpenAI, Message: "boom", StatusCode: 500}}}
	fallback := &fakeAdapter{
		service: ServiceGroq,
		results: []*ChatResult{{Content: "fallback answer", FinishReason: "stop", Usage: Usage{InputTokens: 10, OutputTokens: 2, TotalTokens: 12}}},
	}
	engine := testEngine(t, store, cache, catalog, map[string]*fakeAdapter{
		ServiceOpenAI: primary,
		ServiceGroq:   fallback,
	})

	config := testBridgeConfig("bridge-5", ServiceOpenAI)
	config.FallBack = FallBack{IsEnable: true, Service: ServiceGroq, Model: "test-model", APIKey: "gsk-test"}
	resolved := &ResolvedConfiguration{
		PrimaryBridgeID:      "bridge-5",
		BridgeConfigurations: map[string]*BridgeConfig{"bridge-5": config},
	}
	response, err := engine.Run(context.Background(), resolved, &ChatInput{User: "hi", ThreadID: "t5"})
	if err != nil {
		t.Fatalf("fallback should recover: %v", err)
	}
	if !response.Data.Fallback {
		t.Error("response must be annotated fallback=true")
	}
	if !strings.Contains(response.Data.FirstAttemptError, "openai/test-model") ||
		!strings.Contains(response.Data.FirstAttemptError, "groq/test-model") {
		t.Errorf("firstAttemptError must name both attempts: %q", response.Data.FirstAttemptError)
	}
	if primary.callCount() != 1 || fallback.callCount() != 1 {
		t.Errorf("exactly one attempt each: %d/%d", primary.callCount(), fallback.callCount())
	}
}

// Both attempts failing surfaces a chained error carrying both messages.
func TestChatFallbackBothFail(t *testing.T) {
	store := newFakeStore()
	_, cache := setupCache(t)
	catalog := testCatalog(ServiceOpenAI, ServiceGroq)

	primary := &fakeAdapter{service: ServiceOpenAI, errs: []error{&APIError{Service: ServiceOpenAI, Message: "first failure"}}}
	fallback := &fakeAdapter{service: ServiceGroq, errs: []error{&APIError{Service: ServiceGroq, Message: "second failure"}}}
	engine := testEngine(t, store, cache, catalog, map[string]*fakeAdapter{
		ServiceOpenAI: primary,
		ServiceGroq:   fallback,
	})

	config := testBridgeConfig("bridge-6", ServiceOpenAI)
	config.FallBack = FallBack{IsEnable: true, Service: ServiceGroq, Model: "test-model"}
	resolved := &ResolvedConfiguration{
		PrimaryBridgeID:      "bridge-6",
		BridgeConfigurations: map[string]*BridgeConfig{"bridge-6": config},
	}
	_, err := engine.Run(context.Background(), resolved, &ChatInput{User: "hi", ThreadID: "t6"})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "first failure") || !strings.Contains(err.Error(), "second failure") {
		t.Errorf("chained error must keep both messages: %v", err)
	}
	if Initial(err) == nil {
		t.Error("initial error must be recoverable from the chain")
	}
	// The failed turn still records an error row.
	rows := store.savedRows()
	if len(rows) != 1 || rows[0].Type != "error" {
		t.Errorf("one error row expected, got %+v", rows)
	}
}

// Variable hydration: a variables_path entry overwrites the model-supplied
// argument before execution.
func TestHydrateToolArgs(t *testing.T) {
	calls := []ToolCall{{
		ID:   "c1",
		Name: "lookup",
		Args: map[string]interface{}{"user_id": "model-guess"},
	}}
	bindings := map[string]*ToolBinding{
		"lookup": {Type: ToolTypeHTTP, ScriptID: "script-1"},
	}
	variablesPath := map[string]map[string]string{
		"script-1": {"user_id": "session.user_id"},
	}
	variables := map[string]interface{}{
		"session": map[string]interface{}{"user_id": "u-789"},
	}
	hydrateToolArgs(calls, bindings, variablesPath, variables)
	if calls[0].Args["user_id"] != "u-789" {
		t.Errorf("arg must be hydrated from variables: %v", calls[0].Args)
	}
}

func TestHydrateToolArgsAgentKeyedByBridgeID(t *testing.T) {
	calls := []ToolCall{{ID: "c1", Name: "support_agent", Args: map[string]interface{}{}}}
	bindings := map[string]*ToolBinding{
		"support_agent": {Type: ToolTypeAgent, BridgeID: "bridge-agent"},
	}
	variablesPath := map[string]map[string]string{
		"bridge-agent": {"region": "geo.region"},
	}
	variables := map[string]interface{}{"geo": map[string]interface{}{"region": "eu"}}
	hydrateToolArgs(calls, bindings, variablesPath, variables)
	if calls[0].Args["region"] != "eu" {
		t.Errorf("agent tools key their paths by bridge id: %v", calls[0].Args)
	}
}
