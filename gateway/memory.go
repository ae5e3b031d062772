package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"
)

// MemoryConfig points the memory service at its external collaborators.
// Empty endpoints degrade the corresponding feature silently.
type MemoryConfig struct {
	// FetchURL serves GPT-memory summaries by thread id.
	FetchURL string
	// HippocampusURL receives per-turn memory writes.
	HippocampusURL string
	// HippocampusKey authorizes Hippocampus calls.
	HippocampusKey string
	// CanonicalizerBridgeID names the agent that canonicalizes agent-level
	// memory. It is carried in the config only; MemoryService runs no
	// canonicalization step.
	CanonicalizerBridgeID string
}

// MemoryService attaches thread memory to turns and persists memory
// updates after them. Missing credentials degrade silently (a Hippocampus
// skip is logged at debug level), matching the rest of the gateway's
// optional collaborators.
type MemoryService struct {
	cfg        MemoryConfig
	cache      *CacheService
	httpClient *http.Client
	logger     Logger
}

// NewMemoryService wires the memory service.
func NewMemoryService(cfg MemoryConfig, cache *CacheService, logger Logger) *MemoryService {
	return &MemoryService{
		cfg:        cfg,
		cache:      cache,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// MemoryID derives the memory key for a thread+bridge combination.
func MemoryID(threadID, subThreadID, versionOrBridgeID string) string {
	return threadID + "_" + subThreadID + "_" + versionOrBridgeID
}

// Fetch returns the memory summary for id: cache first, then the external
// store. Returns "" when unavailable.
func (m *MemoryService) Fetch(ctx context.Context, id string) string {
	var cached string
	if found, _ := m.cache.FindJSON(ctx, id, &cached); found && cached != "" {
		return cached
	}
	if m.cfg.FetchURL == "" {
		return ""
	}
	payload, _ := json.Marshal(map[string]string{"threadID": id})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.FetchURL, bytes.NewBuffer(payload))
	if err != nil {
		return ""
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.logger.Warn(ctx, "memory fetch failed", F("id", id), F("error", err.Error()))
		return ""
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil || resp.StatusCode >= 400 {
		return ""
	}
	return string(body)
}

// StoreSummary caches an updated memory summary for a thread.
func (m *MemoryService) StoreSummary(ctx context.Context, id, summary string) {
	if summary == "" {
		return
	}
	if err := m.cache.Store(ctx, id, summary, 0); err != nil {
		m.logger.Warn(ctx, "memory summary cache failed", F("id", id), F("error", err.Error()))
	}
}

// SaveToHippocampus ships the finished turn to the Hippocampus store.
// Missing configuration is a silent no-op.
func (m *MemoryService) SaveToHippocampus(ctx context.Context, bridgeID, bridgeName, userMessage, assistantMessage string) {
	if m.cfg.HippocampusURL == "" || m.cfg.HippocampusKey == "" {
		m.logger.Debug(ctx, "hippocampus not configured, skipping memory save")
		return
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"bridge_id":         bridgeID,
		"bridge_name":       bridgeName,
		"user_message":      userMessage,
		"assistant_message": assistantMessage,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.HippocampusURL, bytes.NewBuffer(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", m.cfg.HippocampusKey)
	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.logger.Warn(ctx, "hippocampus save failed", F("bridge_id", bridgeID), F("error", err.Error()))
		return
	}
	resp.Body.Close()
}
