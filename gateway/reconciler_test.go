package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func storeDescriptor(t *testing.T, cache *CacheService, descriptor *BatchDescriptor) {
	t.Helper()
	if err := cache.Store(context.Background(), keyBatch+descriptor.ID, descriptor, time.Hour); err != nil {
		t.Fatal(err)
	}
}

func TestReconcilerDeliversFinishedBatch(t *testing.T) {
	var mu sync.Mutex
	var deliveries [][]byte
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		deliveries = append(deliveries, body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer webhook.Close()

	_, cache := setupCache(t)
	logger := NewNoOpLogger()
	service := &fakeBatchService{
		done: true,
		results: []map[string]interface{}{{
			"custom_id": "cid-0",
			"response": map[string]interface{}{
				"status_code": float64(200),
				"body": map[string]interface{}{
					"choices": []interface{}{map[string]interface{}{
						"finish_reason": "stop",
						"message":       map[string]interface{}{"role": "assistant", "content": "done"},
					}},
					"usage": map[string]interface{}{},
				},
			},
		}},
	}
	factory := func(name string) (BatchService, error) { return service, nil }
	reconciler := NewBatchReconciler(cache, factory, NewDeliverer(logger), logger)

	storeDescriptor(t, cache, &BatchDescriptor{
		ID:      "batch_done",
		Service: ServiceOpenAI,
		APIKey:  "sk",
		Webhook: BatchWebhook{URL: webhook.URL},
	})

	reconciler.Sweep(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(deliveries) != 1 {
		t.Fatalf("one webhook delivery expected, got %d", len(deliveries))
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(deliveries[0], &payload); err != nil {
		t.Fatal(err)
	}
	if payload["success"] != true {
		t.Errorf("payload: %v", payload)
	}

	// Descriptor is gone and the lock was released.
	if value, _ := cache.Find(context.Background(), keyBatch+"batch_done"); value != "" {
		t.Error("descriptor must be deleted after delivery")
	}
	if acquired, _ := cache.AcquireLock(context.Background(), "batch_done", time.Minute); !acquired {
		t.Error("lock must be released after reconciliation")
	}
}

func TestReconcilerKeepsInProgressBatch(t *testing.T) {
	_, cache := setupCache(t)
	logger := NewNoOpLogger()
	service := &fakeBatchService{done: false}
	factory := func(name string) (BatchService, error) { return service, nil }
	reconciler := NewBatchReconciler(cache, factory, NewDeliverer(logger), logger)

	storeDescriptor(t, cache, &BatchDescriptor{
		ID:      "batch_pending",
		Service: ServiceOpenAI,
		Webhook: BatchWebhook{URL: "https://example.com/hook"},
	})
	reconciler.Sweep(context.Background())

	if service.polled != 1 {
		t.Errorf("one poll expected, got %d", service.polled)
	}
	if value, _ := cache.Find(context.Background(), keyBatch+"batch_pending"); value == "" {
		t.Error("in-progress descriptors must survive the sweep")
	}
}

// A batch locked by another worker is skipped without polling.
func TestReconcilerSkipsLockedBatch(t *testing.T) {
	_, cache := setupCache(t)
	logger := NewNoOpLogger()
	service := &fakeBatchService{done: true}
	factory := func(name string) (BatchService, error) { return service, nil }
	reconciler := NewBatchReconciler(cache, factory, NewDeliverer(logger), logger)

	storeDescriptor(t, cache, &BatchDescriptor{
		ID:      "batch_locked",
		Service: ServiceOpenAI,
		Webhook: BatchWebhook{URL: "https://example.com/hook"},
	})
	if acquired, _ := cache.AcquireLock(context.Background(), "batch_locked", time.Minute); !acquired {
		t.Fatal("pre-lock failed")
	}

	reconciler.Sweep(context.Background())
	if service.polled != 0 {
		t.Error("locked batches must not be polled")
	}
}

// Terminal batches without rows still fire the webhook with an error
// payload.
func TestReconcilerEmptyTerminalBatch(t *testing.T) {
	var mu sync.Mutex
	var payloads []map[string]interface{}
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		mu.Lock()
		payloads = append(payloads, payload)
		mu.Unlock()
	}))
	defer webhook.Close()

	_, cache := setupCache(t)
	logger := NewNoOpLogger()
	service := &fakeBatchService{done: true, results: nil}
	factory := func(name string) (BatchService, error) { return service, nil }
	reconciler := NewBatchReconciler(cache, factory, NewDeliverer(logger), logger)

	storeDescriptor(t, cache, &BatchDescriptor{
		ID:      "batch_empty",
		Service: ServiceOpenAI,
		Webhook: BatchWebhook{URL: webhook.URL},
	})
	reconciler.Sweep(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(payloads) != 1 {
		t.Fatalf("one delivery expected, got %d", len(payloads))
	}
	if payloads[0]["success"] != false {
		t.Errorf("empty terminal batches deliver an error payload: %v", payloads[0])
	}
}
