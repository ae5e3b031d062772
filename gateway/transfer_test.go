package gateway

import (
	"context"
	"testing"
	"time"
)

func transferFixture(t *testing.T) (*fakeStore, *CacheService, *Engine, *ResolvedConfiguration, *fakeAdapter, *fakeAdapter) {
	t.Helper()
	store := newFakeStore()
	_, cache := setupCache(t)
	catalog := testCatalog(ServiceOpenAI, ServiceGroq)

	// Bridge A transfers to bridge B; B answers normally.
	agentA := &fakeAdapter{
		service: ServiceOpenAI,
		results: []*ChatResult{{
			FinishReason: "tool_calls",
			ToolCalls: []ToolCall{{
				ID:   "c1",
				Name: "refunds_agent",
				Args: map[string]interface{}{"action_type": "transfer", "_query": "refund"},
			}},
			Usage: Usage{InputTokens: 30, OutputTokens: 3, TotalTokens: 33},
		}},
	}
	agentB := &fakeAdapter{
		service: ServiceGroq,
		results: []*ChatResult{{
			Content:      "Refund initiated",
			FinishReason: "stop",
			Usage:        Usage{InputTokens: 40, OutputTokens: 4, TotalTokens: 44},
		}},
	}
	engine := testEngine(t, store, cache, catalog, map[string]*fakeAdapter{
		ServiceOpenAI: agentA,
		ServiceGroq:   agentB,
	})

	configA := testBridgeConfig("bridge-a", ServiceOpenAI)
	configA.ToolBinding["refunds_agent"] = &ToolBinding{Type: ToolTypeAgent, BridgeID: "bridge-b"}
	configB := testBridgeConfig("bridge-b", ServiceGroq)

	resolved := &ResolvedConfiguration{
		PrimaryBridgeID: "bridge-a",
		BridgeConfigurations: map[string]*BridgeConfig{
			"bridge-a": configA,
			"bridge-b": configB,
		},
	}
	return store, cache, engine, resolved, agentA, agentB
}

// S3: a transfer chain of length 2 persists exactly two per-agent rows
// linked by parent/child ids, and pins the final agent in Redis.
func TestTransferChain(t *testing.T) {
	store, cache, engine, resolved, agentA, agentB := transferFixture(t)

	response, err := engine.Run(context.Background(), resolved, &ChatInput{
		User:     "I want a refund",
		ThreadID: "t-transfer",
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if response.Data.Content != "Refund initiated" {
		t.Errorf("final content: %q", response.Data.Content)
	}
	if agentA.callCount() != 1 || agentB.callCount() != 1 {
		t.Errorf("each agent dispatches once: %d/%d", agentA.callCount(), agentB.callCount())
	}

	rows := store.savedRows()
	if len(rows) != 2 {
		t.Fatalf("a chain of 2 writes exactly 2 rows, got %d", len(rows))
	}
	if rows[0].BridgeID != "bridge-a" || rows[0].ChildID != "bridge-b" {
		t.Errorf("row A links to its child: %+v", rows[0])
	}
	if rows[1].BridgeID != "bridge-b" || rows[1].ParentID != "bridge-a" {
		t.Errorf("row B links to its parent: %+v", rows[1])
	}
	if rows[1].ChildID != "" {
		t.Error("the final row has no child")
	}
	// The transferring turn had no text; the notice substitutes.
	if rows[0].Message != "Query is successfully transferred to agent refunds_agent" {
		t.Errorf("transfer notice: %q", rows[0].Message)
	}

	// Stickiness pin keyed by the original primary bridge.
	var pinned string
	waitFor(t, time.Second, func() bool {
		found, _ := cache.FindJSON(context.Background(),
			keyLastTransferredAgent+"bridge-a_t-transfer_t-transfer", &pinned)
		return found
	})
	if pinned != "bridge-b" {
		t.Errorf("pinned agent %q, want bridge-b", pinned)
	}
}

// Orchestrator mode writes exactly one aggregated row keyed by bridge id,
// never per-agent rows.
func TestTransferChainOrchestrator(t *testing.T) {
	store, _, engine, resolved, _, _ := transferFixture(t)

	_, err := engine.Run(context.Background(), resolved, &ChatInput{
		User:             "refund please",
		ThreadID:         "t-orch",
		OrchestratorFlag: true,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(store.savedRows()) != 0 {
		t.Errorf("orchestrator mode must not write per-agent rows, got %d", len(store.savedRows()))
	}
	if len(store.orchestrator) != 1 {
		t.Fatalf("exactly one orchestrator row, got %d", len(store.orchestrator))
	}
	row := store.orchestrator[0]
	if len(row.AgentsPath) != 2 || row.AgentsPath[0] != "bridge-a" || row.AgentsPath[1] != "bridge-b" {
		t.Errorf("agents_path must follow chain order: %v", row.AgentsPath)
	}
	if row.Rows["bridge-a"] == nil || row.Rows["bridge-b"] == nil {
		t.Error("both agents must appear keyed by bridge id")
	}
}

// The next request on the same thread starts at the pinned agent.
func TestStickinessRoutesFollowUp(t *testing.T) {
	store, cache, engine, resolved, agentA, agentB := transferFixture(t)
	_ = store

	_, err := engine.Run(context.Background(), resolved, &ChatInput{User: "refund", ThreadID: "t-sticky"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool {
		var pinned string
		found, _ := cache.FindJSON(context.Background(), keyLastTransferredAgent+"bridge-a_t-sticky_t-sticky", &pinned)
		return found
	})

	// Re-arm agent B for the follow-up; agent A must not dispatch again.
	agentB.mu.Lock()
	agentB.results = append(agentB.results, &ChatResult{Content: "still here", FinishReason: "stop"})
	agentB.mu.Unlock()
	callsA := agentA.callCount()

	_, err = engine.Run(context.Background(), resolved, &ChatInput{User: "thanks", ThreadID: "t-sticky"})
	if err != nil {
		t.Fatal(err)
	}
	if agentA.callCount() != callsA {
		t.Error("follow-up must start at the pinned agent, not the primary")
	}
}

// A transfer to an unknown agent downgrades to a normal completion.
func TestTransferUnknownTargetFallsThrough(t *testing.T) {
	store := newFakeStore()
	_, cache := setupCache(t)
	catalog := testCatalog(ServiceOpenAI)
	adapter := &fakeAdapter{
		service: ServiceOpenAI,
		results: []*ChatResult{{
			Content:      "no such agent",
			FinishReason: "tool_calls",
			ToolCalls: []ToolCall{{
				ID:   "c1",
				Name: "ghost_agent",
				Args: map[string]interface{}{"action_type": "transfer", "_query": "hello"},
			}},
		}},
	}
	engine := testEngine(t, store, cache, catalog, map[string]*fakeAdapter{ServiceOpenAI: adapter})

	config := testBridgeConfig("bridge-x", ServiceOpenAI)
	config.ToolBinding["ghost_agent"] = &ToolBinding{Type: ToolTypeAgent, BridgeID: "not-resolved"}
	resolved := &ResolvedConfiguration{
		PrimaryBridgeID:      "bridge-x",
		BridgeConfigurations: map[string]*BridgeConfig{"bridge-x": config},
	}
	response, err := engine.Run(context.Background(), resolved, &ChatInput{User: "hi", ThreadID: "t-x"})
	if err != nil {
		t.Fatalf("must degrade to a normal turn: %v", err)
	}
	if response.Data.Content != "no such agent" {
		t.Errorf("content: %q", response.Data.Content)
	}
	if len(store.savedRows()) != 1 {
		t.Errorf("a single normal row expected, got %d", len(store.savedRows()))
	}
}
