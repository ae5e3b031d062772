package gateway

import (
	"context"
	"sync"
	"time"
)

// ParamSchema describes one canonical parameter of a model: its default and
// bounds, and the exposure level. Level 0-2 parameters are always included
// in the effective configuration; higher levels only when the caller sets
// them explicitly.
type ParamSchema struct {
	Default interface{} `json:"default" bson:"default"`
	Min     float64     `json:"min" bson:"min"`
	Max     float64     `json:"max" bson:"max"`
	Level   int         `json:"level" bson:"level"`
}

// Pricing holds per-million-token USD rates for a model.
type Pricing struct {
	InputCost        float64 `json:"input_cost" bson:"input_cost"`
	OutputCost       float64 `json:"output_cost" bson:"output_cost"`
	CachedCost       float64 `json:"cached_cost" bson:"cached_cost"`
	CachingReadCost  float64 `json:"caching_read_cost" bson:"caching_read_cost"`
	CachingWriteCost float64 `json:"caching_write_cost" bson:"caching_write_cost"`
}

// ModelEntry is the catalog document for one (service, model) pair.
type ModelEntry struct {
	Service       string                 `json:"service" bson:"service"`
	Model         string                 `json:"model" bson:"model"`
	Type          string                 `json:"type" bson:"type"` // chat | reasoning | embedding | image | video
	Configuration map[string]ParamSchema `json:"configuration" bson:"configuration"`
	Pricing       Pricing                `json:"pricing" bson:"pricing"`
	// Capability flags declared by the catalog.
	SupportsTools        bool `json:"supports_tools" bson:"supports_tools"`
	SupportsResponseType bool `json:"supports_response_type" bson:"supports_response_type"`
	SupportsImages       bool `json:"supports_images" bson:"supports_images"`
	SupportsAudio        bool `json:"supports_audio" bson:"supports_audio"`
	SupportsVideo        bool `json:"supports_video" bson:"supports_video"`
}

// ModelCatalog is an immutable snapshot of the model-configuration table,
// keyed by service then model. Snapshots are swapped wholesale by the
// watcher; readers never see a partially updated table.
type ModelCatalog struct {
	entries map[string]map[string]*ModelEntry
}

// NewModelCatalog builds a snapshot from a flat entry list.
func NewModelCatalog(entries []*ModelEntry) *ModelCatalog {
	byService := map[string]map[string]*ModelEntry{}
	for _, e := range entries {
		if e == nil {
			continue
		}
		if byService[e.Service] == nil {
			byService[e.Service] = map[string]*ModelEntry{}
		}
		byService[e.Service][e.Model] = e
	}
	return &ModelCatalog{entries: byService}
}

// Lookup returns the entry for (service, model), or ErrModelNotFound.
func (c *ModelCatalog) Lookup(service, model string) (*ModelEntry, error) {
	if byModel, ok := c.entries[service]; ok {
		if entry, ok := byModel[model]; ok {
			return entry, nil
		}
	}
	return nil, ErrModelNotFound
}

// ServiceForModel returns the first service that lists model, or "".
func (c *ModelCatalog) ServiceForModel(model string) string {
	for service, byModel := range c.entries {
		if _, ok := byModel[model]; ok {
			return service
		}
	}
	return ""
}

// CatalogHolder holds the current ModelCatalog snapshot and notifies
// subscribers when it is replaced. It is the only process-wide mutable
// view of the catalog; everything else reads snapshots.
type CatalogHolder struct {
	mu          sync.RWMutex
	current     *ModelCatalog
	subscribers []chan struct{}
}

// NewCatalogHolder seeds the holder with an initial snapshot.
func NewCatalogHolder(initial *ModelCatalog) *CatalogHolder {
	if initial == nil {
		initial = NewModelCatalog(nil)
	}
	return &CatalogHolder{current: initial}
}

// Current returns the active snapshot.
func (h *CatalogHolder) Current() *ModelCatalog {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Replace swaps the snapshot and broadcasts a model_config_updated event.
func (h *CatalogHolder) Replace(catalog *ModelCatalog) {
	if catalog == nil {
		return
	}
	h.mu.Lock()
	h.current = catalog
	subs := make([]chan struct{}, len(h.subscribers))
	copy(subs, h.subscribers)
	h.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe returns a channel that receives a tick on every snapshot swap.
func (h *CatalogHolder) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	h.subscribers = append(h.subscribers, ch)
	h.mu.Unlock()
	return ch
}

// CatalogSource loads catalog snapshots and optionally streams change
// notifications. The Mongo-backed store implements it with a change
// stream; stores without change streams return an error from
// WatchModelCatalog and RunCatalogWatcher falls back to periodic refresh.
type CatalogSource interface {
	LoadModelCatalog(ctx context.Context) (*ModelCatalog, error)
	WatchModelCatalog(ctx context.Context) (<-chan struct{}, error)
}

// refreshFallbackInterval is used when the doc store cannot stream changes.
const refreshFallbackInterval = 10 * time.Minute

// RunCatalogWatcher keeps holder fresh from source until ctx is cancelled.
// It prefers the store's change stream; when unavailable it polls.
func RunCatalogWatcher(ctx context.Context, holder *CatalogHolder, source CatalogSource, logger Logger) {
	changes, err := source.WatchModelCatalog(ctx)
	if err != nil {
		logger.Warn(ctx, "model catalog change stream unavailable, falling back to periodic refresh",
			F("error", err.Error()), F("interval", refreshFallbackInterval.String()))
		ticker := time.NewTicker(refreshFallbackInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reloadCatalog(ctx, holder, source, logger)
			}
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			reloadCatalog(ctx, holder, source, logger)
		}
	}
}

func reloadCatalog(ctx context.Context, holder *CatalogHolder, source CatalogSource, logger Logger) {
	catalog, err := source.LoadModelCatalog(ctx)
	if err != nil {
		logger.Error(ctx, "model catalog reload failed", F("error", err.Error()))
		return
	}
	holder.Replace(catalog)
	logger.Info(ctx, "model_config_updated")
}
