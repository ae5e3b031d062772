package gateway

import (
	"context"
	"time"
)

// UsageRecord is the Redis-cached usage ledger entry for one bridge,
// folder or API key. Versions and Bridges identify downstream config cache
// keys that must be purged when the limit changes.
type UsageRecord struct {
	UsageValue float64  `json:"usage_value"`
	Versions   []string `json:"versions"`
	Bridges    []string `json:"bridges,omitempty"`
}

// Ledger enforces pre-flight cost limits and accumulates post-flight
// usage. Updates are read-modify-write: over-charging on races is
// acceptable, under-charging is not.
type Ledger struct {
	cache  *CacheService
	logger Logger
}

// NewLedger creates a ledger over the shared cache.
func NewLedger(cache *CacheService, logger Logger) *Ledger {
	return &Ledger{cache: cache, logger: logger}
}

func usageCostKey(limitType, identifier string) string {
	switch limitType {
	case LimitTypeFolder:
		return keyFolderUsedCost + identifier
	case LimitTypeAPIKey:
		return keyAPIKeyUsedCost + identifier
	default:
		return keyBridgeUsedCost + identifier
	}
}

// CheckLimits validates folder, bridge and per-service API-key usage
// against their configured caps, in that order. A nil return means all
// limits pass; a *LimitError identifies the first exceeded cap.
func (l *Ledger) CheckLimits(ctx context.Context, doc *BridgeDoc, service, versionID string) error {
	if doc == nil {
		return nil
	}
	bridgeID := doc.ID
	if doc.ParentID != "" {
		bridgeID = doc.ParentID
	}

	if doc.FolderID != "" && doc.FolderLimit > 0 {
		if err := l.checkOne(ctx, LimitTypeFolder, doc.FolderID, doc.FolderLimit, doc.FolderUsage, versionID, bridgeID); err != nil {
			return err
		}
	}
	if doc.BridgeLimit > 0 {
		if err := l.checkOne(ctx, LimitTypeBridge, bridgeID, doc.BridgeLimit, doc.BridgeUsage, versionID, bridgeID); err != nil {
			return err
		}
	}
	if cred := serviceCredential(doc, service); cred != nil && cred.APIKeyLimit > 0 {
		if err := l.checkOne(ctx, LimitTypeAPIKey, cred.ObjectID, cred.APIKeyLimit, cred.APIKeyUsage, versionID, bridgeID); err != nil {
			return err
		}
	}
	return nil
}

func serviceCredential(doc *BridgeDoc, service string) *APIKeyCredential {
	if cred, ok := doc.APIKeys[service]; ok && cred != nil {
		return cred
	}
	if cred, ok := doc.FolderAPIKeys[service]; ok && cred != nil {
		return cred
	}
	return nil
}

// checkOne reads the cached usage record (seeding it from the document on
// a miss), registers the version/bridge dependency, and compares against
// the cap.
func (l *Ledger) checkOne(ctx context.Context, limitType, identifier string, limitValue, seedUsage float64, versionID, bridgeID string) error {
	cacheKey := usageCostKey(limitType, identifier)

	var record UsageRecord
	found, err := l.cache.FindJSON(ctx, cacheKey, &record)
	if err != nil {
		l.logger.Warn(ctx, "usage ledger read failed, allowing request",
			F("key", cacheKey), F("error", err.Error()))
		return nil
	}
	if !found {
		record = UsageRecord{UsageValue: seedUsage}
		if versionID != "" {
			record.Versions = []string{versionID}
		}
		if limitType != LimitTypeBridge && bridgeID != "" {
			record.Bridges = []string{bridgeID}
		}
		_ = l.cache.Store(ctx, cacheKey, record, 0)
	} else {
		changed := false
		if versionID != "" && !contains(record.Versions, versionID) {
			record.Versions = append(record.Versions, versionID)
			changed = true
		}
		if limitType != LimitTypeBridge && bridgeID != "" && !contains(record.Bridges, bridgeID) {
			record.Bridges = append(record.Bridges, bridgeID)
			changed = true
		}
		if changed {
			_ = l.cache.Store(ctx, cacheKey, record, 0)
		}
	}

	if record.UsageValue >= limitValue {
		return &LimitError{LimitType: limitType, CurrentUsage: record.UsageValue, LimitValue: limitValue}
	}
	return nil
}

// CostUpdate identifies the ledgers a finished turn should charge.
type CostUpdate struct {
	BridgeID       string
	FolderID       string
	APIKeyObjectID string
	TotalCost      float64
}

// UpdateCost increments the bridge, folder and API-key usage records by
// the turn's USD cost. Missing identifiers are skipped.
func (l *Ledger) UpdateCost(ctx context.Context, update CostUpdate) {
	if update.TotalCost <= 0 {
		return
	}
	if update.BridgeID != "" {
		l.increment(ctx, LimitTypeBridge, update.BridgeID, update.TotalCost)
	}
	if update.FolderID != "" {
		l.increment(ctx, LimitTypeFolder, update.FolderID, update.TotalCost)
	}
	if update.APIKeyObjectID != "" {
		l.increment(ctx, LimitTypeAPIKey, update.APIKeyObjectID, update.TotalCost)
	}
}

func (l *Ledger) increment(ctx context.Context, limitType, identifier string, cost float64) {
	cacheKey := usageCostKey(limitType, identifier)
	var record UsageRecord
	if _, err := l.cache.FindJSON(ctx, cacheKey, &record); err != nil {
		l.logger.Error(ctx, "usage ledger increment failed", F("key", cacheKey), F("error", err.Error()))
		return
	}
	record.UsageValue += cost
	if err := l.cache.Store(ctx, cacheKey, record, 0); err != nil {
		l.logger.Error(ctx, "usage ledger write failed", F("key", cacheKey), F("error", err.Error()))
	}
}

// UpdateLastUsed stamps the bridge and API-key last-used timestamps.
// Failures are logged and ignored.
func (l *Ledger) UpdateLastUsed(ctx context.Context, bridgeID, apikeyObjectID string) {
	now := time.Now().UTC().Format(time.RFC3339)
	if bridgeID != "" {
		if err := l.cache.Store(ctx, keyBridgeLastUsed+bridgeID, now, 0); err != nil {
			l.logger.Warn(ctx, "bridge last-used update failed", F("bridge_id", bridgeID), F("error", err.Error()))
		}
	}
	if apikeyObjectID != "" {
		if err := l.cache.Store(ctx, keyAPIKeyLastUsed+apikeyObjectID, now, 0); err != nil {
			l.logger.Warn(ctx, "apikey last-used update failed", F("apikey_object_id", apikeyObjectID), F("error", err.Error()))
		}
	}
}

// PurgeRelatedBridgeCaches drops the config caches that depend on a
// bridge's usage record. Called when a limit changes so stale limit state
// cannot serve requests. A bridgeUsage of 0 also clears the usage record.
func (l *Ledger) PurgeRelatedBridgeCaches(ctx context.Context, bridgeID string, bridgeUsage float64) error {
	if bridgeID == "" {
		return nil
	}
	usageKey := keyBridgeUsedCost + bridgeID
	keys := []string{
		keyBridgeDataWithTools + bridgeID,
		keyGetBridgeData + bridgeID,
	}
	var record UsageRecord
	if found, _ := l.cache.FindJSON(ctx, usageKey, &record); found {
		for _, version := range record.Versions {
			keys = append(keys, keyBridgeDataWithTools+version, keyGetBridgeData+version)
		}
	}
	if err := l.cache.Delete(ctx, keys...); err != nil {
		return err
	}
	if bridgeUsage == 0 {
		return l.cache.Delete(ctx, usageKey)
	}
	return nil
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
