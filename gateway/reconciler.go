package gateway

import (
	"context"
	"encoding/json"
	"time"
)

// reconcileInterval is the scan period of the batch reconciler.
const reconcileInterval = 15 * time.Minute

// BatchReconciler periodically scans cached batch descriptors, polls the
// provider for each under a cluster-wide lock, and ships finished results
// to the configured webhook. The per-batch lock guarantees single-writer
// delivery across a horizontally scaled fleet; webhook delivery is
// at-least-once.
type BatchReconciler struct {
	cache     *CacheService
	services  BatchServiceFactory
	deliverer *Deliverer
	logger    Logger
}

// NewBatchReconciler wires a reconciler.
func NewBatchReconciler(cache *CacheService, services BatchServiceFactory, deliverer *Deliverer, logger Logger) *BatchReconciler {
	return &BatchReconciler{cache: cache, services: services, deliverer: deliverer, logger: logger}
}

// Run scans on the reconcile interval until ctx is cancelled. Polling
// never blocks the queue workers; it runs on its own goroutine.
func (r *BatchReconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep processes every pending batch descriptor once.
func (r *BatchReconciler) Sweep(ctx context.Context) {
	values, err := r.cache.FindWithPrefix(ctx, keyBatch)
	if err != nil {
		r.logger.Error(ctx, "batch descriptor scan failed", F("error", err.Error()))
		return
	}
	for _, value := range values {
		descriptor := decodeDescriptor(value)
		if descriptor == nil || descriptor.ID == "" {
			continue
		}
		r.reconcileOne(ctx, descriptor)
	}
}

func decodeDescriptor(value map[string]interface{}) *BatchDescriptor {
	data, err := json.Marshal(value)
	if err != nil {
		return nil
	}
	var descriptor BatchDescriptor
	if err := json.Unmarshal(data, &descriptor); err != nil {
		return nil
	}
	return &descriptor
}

// reconcileOne polls a single batch while holding its lock, formats and
// delivers results on any terminal state, then deletes the descriptor.
func (r *BatchReconciler) reconcileOne(ctx context.Context, descriptor *BatchDescriptor) {
	acquired, err := r.cache.AcquireLock(ctx, descriptor.ID, DefaultLockTTL)
	if err != nil {
		r.logger.Error(ctx, "batch lock acquire failed",
			F("batch_id", descriptor.ID), F("error", err.Error()))
		return
	}
	if !acquired {
		r.logger.Info(ctx, "batch locked by another worker, skipping", F("batch_id", descriptor.ID))
		return
	}
	defer func() {
		if err := r.cache.ReleaseLock(ctx, descriptor.ID); err != nil {
			r.logger.Warn(ctx, "batch lock release failed",
				F("batch_id", descriptor.ID), F("error", err.Error()))
		}
	}()

	service, err := r.services(descriptor.Service)
	if err != nil {
		r.logger.Error(ctx, "no batch handler for service",
			F("service", descriptor.Service), F("batch_id", descriptor.ID))
		return
	}

	results, done, err := service.BatchPoll(ctx, descriptor.APIKey, descriptor.ID)
	if err != nil {
		r.logger.Error(ctx, "batch poll failed",
			F("batch_id", descriptor.ID), F("error", err.Error()))
		return
	}
	if !done {
		r.logger.Info(ctx, "batch still in progress", F("batch_id", descriptor.ID))
		return
	}

	format := WebhookResponseFormat(descriptor.Webhook.URL, descriptor.Webhook.Headers)
	if len(results) > 0 {
		formatted := FormatBatchResults(results, descriptor.Service, descriptor.ID,
			descriptor.BatchVariables, descriptor.CustomIDMapping)
		hasSuccess := false
		for _, item := range formatted {
			code, ok := item["status_code"]
			if !ok {
				hasSuccess = true
				break
			}
			switch n := code.(type) {
			case int:
				if n < 400 {
					hasSuccess = true
				}
			case float64:
				if n < 400 {
					hasSuccess = true
				}
			}
			if hasSuccess {
				break
			}
		}
		if err := r.deliverer.Send(ctx, format, formatted, hasSuccess, nil); err != nil {
			r.logger.Error(ctx, "batch webhook delivery failed",
				F("batch_id", descriptor.ID), F("error", err.Error()))
			return
		}
	} else {
		errorPayload := []map[string]interface{}{{
			"batch_id": descriptor.ID,
			"error": map[string]interface{}{
				"message": "Batch completed but no results were returned",
				"type":    "no_results",
			},
			"status_code": 500,
		}}
		if err := r.deliverer.Send(ctx, format, errorPayload, false, nil); err != nil {
			r.logger.Error(ctx, "batch webhook delivery failed",
				F("batch_id", descriptor.ID), F("error", err.Error()))
			return
		}
	}

	if err := r.cache.Delete(ctx, keyBatch+descriptor.ID); err != nil {
		r.logger.Warn(ctx, "batch descriptor delete failed",
			F("batch_id", descriptor.ID), F("error", err.Error()))
		return
	}
	r.logger.Info(ctx, "batch completed and removed from cache", F("batch_id", descriptor.ID))
}
