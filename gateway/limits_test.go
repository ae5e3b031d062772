package gateway

import (
	"context"
	"errors"
	"math"
	"testing"
)

func testLedger(t *testing.T) (*Ledger, *CacheService) {
	t.Helper()
	_, cache := setupCache(t)
	return NewLedger(cache, NewNoOpLogger()), cache
}

func TestCheckLimitsPassesUnderCap(t *testing.T) {
	ledger, _ := testLedger(t)
	doc := &BridgeDoc{ID: "b1", BridgeLimit: 10, BridgeUsage: 2}
	if err := ledger.CheckLimits(context.Background(), doc, ServiceOpenAI, "v1"); err != nil {
		t.Errorf("usage below limit must pass: %v", err)
	}
}

func TestCheckLimitsSeedsFromDocumentAndRejects(t *testing.T) {
	ledger, cache := testLedger(t)
	doc := &BridgeDoc{ID: "b1", BridgeLimit: 5, BridgeUsage: 7}
	err := ledger.CheckLimits(context.Background(), doc, ServiceOpenAI, "v1")

	var limitErr *LimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("want LimitError, got %v", err)
	}
	if limitErr.LimitType != LimitTypeBridge {
		t.Errorf("limit type, got %q", limitErr.LimitType)
	}
	if limitErr.CurrentUsage != 7 || limitErr.LimitValue != 5 {
		t.Errorf("usage/limit: %v/%v", limitErr.CurrentUsage, limitErr.LimitValue)
	}

	// The miss must have seeded the cache with the document usage.
	var record UsageRecord
	found, _ := cache.FindJSON(context.Background(), keyBridgeUsedCost+"b1", &record)
	if !found || record.UsageValue != 7 {
		t.Errorf("cache should be seeded: found=%v record=%+v", found, record)
	}
}

func TestCheckLimitsOrderFolderFirst(t *testing.T) {
	ledger, _ := testLedger(t)
	doc := &BridgeDoc{
		ID:          "b1",
		FolderID:    "f1",
		FolderLimit: 1,
		FolderUsage: 2,
		BridgeLimit: 1,
		BridgeUsage: 2,
	}
	err := ledger.CheckLimits(context.Background(), doc, ServiceOpenAI, "")
	var limitErr *LimitError
	if !errors.As(err, &limitErr) || limitErr.LimitType != LimitTypeFolder {
		t.Errorf("folder limit must be checked before bridge: %v", err)
	}
}

func TestCheckLimitsAPIKey(t *testing.T) {
	ledger, _ := testLedger(t)
	doc := &BridgeDoc{
		ID: "b1",
		APIKeys: map[string]*APIKeyCredential{
			ServiceOpenAI: {ObjectID: "key-1", APIKeyLimit: 3, APIKeyUsage: 4},
		},
	}
	err := ledger.CheckLimits(context.Background(), doc, ServiceOpenAI, "")
	var limitErr *LimitError
	if !errors.As(err, &limitErr) || limitErr.LimitType != LimitTypeAPIKey {
		t.Errorf("want apikey limit error, got %v", err)
	}
}

// After a successful turn the bridge usage counter increases by exactly
// total_cost (single-writer; races are out of scope here).
func TestUpdateCostIncrementsByExactly(t *testing.T) {
	ledger, cache := testLedger(t)
	ctx := context.Background()

	ledger.UpdateCost(ctx, CostUpdate{BridgeID: "b1", FolderID: "f1", APIKeyObjectID: "k1", TotalCost: 0.0123})
	ledger.UpdateCost(ctx, CostUpdate{BridgeID: "b1", TotalCost: 0.0007})

	var record UsageRecord
	if found, _ := cache.FindJSON(ctx, keyBridgeUsedCost+"b1", &record); !found {
		t.Fatal("bridge ledger entry missing")
	}
	if math.Abs(record.UsageValue-0.013) > 1e-9 {
		t.Errorf("bridge usage %v, want 0.013", record.UsageValue)
	}

	if found, _ := cache.FindJSON(ctx, keyFolderUsedCost+"f1", &record); !found || math.Abs(record.UsageValue-0.0123) > 1e-9 {
		t.Errorf("folder usage: found=%v %v", found, record.UsageValue)
	}
	if found, _ := cache.FindJSON(ctx, keyAPIKeyUsedCost+"k1", &record); !found || math.Abs(record.UsageValue-0.0123) > 1e-9 {
		t.Errorf("apikey usage: found=%v %v", found, record.UsageValue)
	}
}

func TestUpdateCostSkipsZero(t *testing.T) {
	ledger, cache := testLedger(t)
	ctx := context.Background()
	ledger.UpdateCost(ctx, CostUpdate{BridgeID: "b1", TotalCost: 0})
	if value, _ := cache.Find(ctx, keyBridgeUsedCost+"b1"); value != "" {
		t.Error("zero cost must not create ledger entries")
	}
}

func TestPurgeRelatedBridgeCaches(t *testing.T) {
	ledger, cache := testLedger(t)
	ctx := context.Background()

	_ = cache.Store(ctx, keyBridgeUsedCost+"b1", UsageRecord{UsageValue: 1, Versions: []string{"v1", "v2"}}, 0)
	_ = cache.Store(ctx, keyBridgeDataWithTools+"v1", "cfg", 0)
	_ = cache.Store(ctx, keyGetBridgeData+"v2", "cfg", 0)
	_ = cache.Store(ctx, keyBridgeDataWithTools+"b1", "cfg", 0)

	if err := ledger.PurgeRelatedBridgeCaches(ctx, "b1", 1); err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	for _, key := range []string{keyBridgeDataWithTools + "v1", keyGetBridgeData + "v2", keyBridgeDataWithTools + "b1"} {
		if value, _ := cache.Find(ctx, key); value != "" {
			t.Errorf("key %s should be purged", key)
		}
	}
	// Usage record survives unless usage hit zero.
	if value, _ := cache.Find(ctx, keyBridgeUsedCost+"b1"); value == "" {
		t.Error("usage record must survive a non-zero purge")
	}

	if err := ledger.PurgeRelatedBridgeCaches(ctx, "b1", 0); err != nil {
		t.Fatal(err)
	}
	if value, _ := cache.Find(ctx, keyBridgeUsedCost+"b1"); value != "" {
		t.Error("zero usage purge drops the ledger entry")
	}
}
