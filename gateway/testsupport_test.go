package gateway

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// setupCache starts a miniredis and returns a cache service bound to it.
func setupCache(t *testing.T) (*miniredis.Miniredis, *CacheService) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewCacheService(client)
	t.Cleanup(func() { _ = cache.Close() })
	return mr, cache
}

// fakeStore is an in-memory DocStore for engine and resolver tests.
type fakeStore struct {
	mu sync.Mutex

	bridges  map[string]*BridgeDoc
	versions map[string]*BridgeDoc

	conversations []*ConversationRow
	orchestrator  []*OrchestratorRow
	metrics       []*MetricRow
	subThreads    map[string]string
	history       []ConversationMessage
	updates       []map[string]interface{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bridges:    map[string]*BridgeDoc{},
		versions:   map[string]*BridgeDoc{},
		subThreads: map[string]string{},
	}
}

func (s *fakeStore) GetBridge(ctx context.Context, bridgeID, orgID string) (*BridgeDoc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc, ok := s.bridges[bridgeID]; ok {
		return doc, nil
	}
	return nil, ErrBridgeNotFound
}

func (s *fakeStore) GetBridgeVersion(ctx context.Context, versionID, orgID string) (*BridgeDoc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc, ok := s.versions[versionID]; ok {
		return doc, nil
	}
	return nil, ErrBridgeNotFound
}

func (s *fakeStore) UpdateBridge(ctx context.Context, bridgeID string, fields map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, fields)
	if doc, ok := s.bridges[bridgeID]; ok {
		if tokens, ok := fields["total_tokens"].(int); ok {
			doc.TotalTokens = tokens
		}
	}
	return nil
}

func (s *fakeStore) GetTemplate(ctx context.Context, templateID string) (string, error) {
	return "", nil
}

func (s *fakeStore) GetPromptWrapper(ctx context.Context, wrapperID, orgID string) (string, error) {
	return "", nil
}

func (s *fakeStore) GetThreadHistory(ctx context.Context, orgID, threadID, subThreadID, bridgeID string, limit int) ([]ConversationMessage, error) {
	return s.history, nil
}

func (s *fakeStore) SaveConversation(ctx context.Context, rows []*ConversationRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = append(s.conversations, rows...)
	return nil
}

func (s *fakeStore) SaveOrchestratorRow(ctx context.Context, row *OrchestratorRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orchestrator = append(s.orchestrator, row)
	return nil
}

func (s *fakeStore) SaveSubThreadName(ctx context.Context, orgID, threadID, subThreadID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subThreads[threadID+"_"+subThreadID] = name
	return nil
}

func (s *fakeStore) SaveMetrics(ctx context.Context, rows []*MetricRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, rows...)
	return nil
}

func (s *fakeStore) GetWebhookAlerts(ctx context.Context, orgID string) ([]*WebhookAlert, error) {
	return nil, nil
}

func (s *fakeStore) GetOrgInfo(ctx context.Context, orgID string) (*OrgInfo, error) {
	return &OrgInfo{Name: "test-org", Identifier: "UTC"}, nil
}

func (s *fakeStore) LoadModelCatalog(ctx context.Context) (*ModelCatalog, error) {
	return NewModelCatalog(nil), nil
}

func (s *fakeStore) WatchModelCatalog(ctx context.Context) (<-chan struct{}, error) {
	return nil, fmt.Errorf("change streams unsupported")
}

func (s *fakeStore) savedRows() []*ConversationRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]*ConversationRow, len(s.conversations))
	copy(rows, s.conversations)
	return rows
}

// fakeAdapter is a scripted Adapter: each Chat call pops the next result.
type fakeAdapter struct {
	service string
	mu      sync.Mutex
	results []*ChatResult
	errs    []error
	calls   int
	merged  [][]ToolResult
}

func (a *fakeAdapter) Name() string { return a.service }

func (a *fakeAdapter) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	index := a.calls
	a.calls++
	if index < len(a.errs) && a.errs[index] != nil {
		return nil, a.errs[index]
	}
	if index < len(a.results) {
		return a.results[index], nil
	}
	return &ChatResult{Content: "done", FinishReason: "stop", Role: "assistant"}, nil
}

func (a *fakeAdapter) DetectToolCalls(res *ChatResult) []ToolCall { return res.ToolCalls }

func (a *fakeAdapter) MergeToolResults(req *ChatRequest, res *ChatResult, results []ToolResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.merged = append(a.merged, results)
}

func (a *fakeAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// testCatalog builds a holder with one chat model per requested service.
func testCatalog(services ...string) *CatalogHolder {
	entries := []*ModelEntry{}
	for _, service := range services {
		entries = append(entries, &ModelEntry{
			Service: service,
			Model:   "test-model",
			Type:    "chat",
			Configuration: map[string]ParamSchema{
				"creativity_level": {Default: 1.0, Min: 0, Max: 2, Level: 1},
				"max_tokens":       {Default: 1024.0, Min: 1, Max: 4096, Level: 1},
			},
			Pricing: Pricing{InputCost: 2.5, OutputCost: 10},
		})
	}
	return NewCatalogHolder(NewModelCatalog(entries))
}

// testEngine wires an engine over fakes. adapters maps service names to
// scripted adapters.
func testEngine(t *testing.T, store *fakeStore, cache *CacheService, catalog *CatalogHolder, adapters map[string]*fakeAdapter) *Engine {
	t.Helper()
	logger := NewNoOpLogger()
	ledger := NewLedger(cache, logger)
	deliverer := NewDeliverer(logger)
	alerts := NewAlertDispatcher(store, deliverer, logger, "")
	memory := NewMemoryService(MemoryConfig{}, cache, logger)
	guardrails := NewGuardrailsChecker("", logger)
	factory := func(service string) (Adapter, error) {
		if adapter, ok := adapters[service]; ok {
			return adapter, nil
		}
		return nil, fmt.Errorf("unsupported service: %s", service)
	}
	return NewEngine(store, cache, ledger, catalog, factory, guardrails, memory,
		deliverer, alerts, nil, EngineConfig{MaxToolWorkers: 4}, logger)
}

// testBridgeConfig builds a minimal executable chat bridge.
func testBridgeConfig(bridgeID, service string) *BridgeConfig {
	return &BridgeConfig{
		BridgeID:      bridgeID,
		VersionID:     "v-" + bridgeID,
		OrgID:         "org-1",
		Name:          bridgeID,
		Service:       service,
		Model:         "test-model",
		Type:          "chat",
		Configuration: map[string]interface{}{"prompt": "You are a helpful assistant.", "type": "chat"},
		APIKey:        "sk-test",
		APIKeyObjectID: map[string]string{
			service: "key-" + bridgeID,
		},
		ToolBinding:   map[string]*ToolBinding{},
		ToolCallCount: 3,
		Variables:     map[string]interface{}{},
	}
}

// waitFor polls until condition or timeout; background goroutines in the
// engine make a few assertions timing-sensitive.
func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !condition() {
		t.Fatal("condition not met before timeout")
	}
}
