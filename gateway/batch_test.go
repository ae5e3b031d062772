package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

type fakeBatchService struct {
	submitted [][]string
	batchID   string
	results   []map[string]interface{}
	done      bool
	pollErr   error
	polled    int
}

func (f *fakeBatchService) BatchSubmit(ctx context.Context, apikey string, requests []string) (string, error) {
	f.submitted = append(f.submitted, requests)
	return f.batchID, nil
}

func (f *fakeBatchService) BatchPoll(ctx context.Context, apikey, batchID string) ([]map[string]interface{}, bool, error) {
	f.polled++
	return f.results, f.done, f.pollErr
}

func testSubmitter(t *testing.T, service *fakeBatchService) (*BatchSubmitter, *CacheService) {
	t.Helper()
	_, cache := setupCache(t)
	logger := NewNoOpLogger()
	store := newFakeStore()
	alerts := NewAlertDispatcher(store, NewDeliverer(logger), logger, "")
	catalog := testCatalog(ServiceOpenAI, ServiceAnthropic)
	factory := func(name string) (BatchService, error) { return service, nil }
	return NewBatchSubmitter(cache, catalog, factory, alerts, logger), cache
}

func batchConfig(service string) *BridgeConfig {
	config := testBridgeConfig("batch-bridge", service)
	config.Configuration["prompt"] = "Answer about {{a}}."
	return config
}

func TestBatchSubmitRequiresWebhook(t *testing.T) {
	submitter, _ := testSubmitter(t, &fakeBatchService{batchID: "batch_1"})
	_, err := submitter.Submit(context.Background(), &BatchInput{
		Config:   batchConfig(ServiceOpenAI),
		Messages: []string{"q1"},
	})
	if err == nil || !strings.Contains(err.Error(), "webhook is required") {
		t.Errorf("want webhook validation error, got %v", err)
	}
}

// Empty batch_variables and omitted are both legal; a length mismatch is
// rejected.
func TestBatchSubmitVariablesLengthMismatch(t *testing.T) {
	submitter, _ := testSubmitter(t, &fakeBatchService{batchID: "batch_1"})
	_, err := submitter.Submit(context.Background(), &BatchInput{
		Config:         batchConfig(ServiceOpenAI),
		Messages:       []string{"q1", "q2"},
		Webhook:        BatchWebhook{URL: "https://example.com/hook"},
		BatchVariables: []map[string]interface{}{{"a": 1}},
	})
	if err == nil || !strings.Contains(err.Error(), "must match batch array length") {
		t.Errorf("want length mismatch error, got %v", err)
	}
}

func TestBatchSubmitCachesDescriptor(t *testing.T) {
	service := &fakeBatchService{batchID: "batch_42"}
	submitter, cache := testSubmitter(t, service)

	ack, err := submitter.Submit(context.Background(), &BatchInput{
		Config:   batchConfig(ServiceOpenAI),
		Messages: []string{"q1", "q2", "q3"},
		Webhook:  BatchWebhook{URL: "https://example.com/hook"},
		BatchVariables: []map[string]interface{}{
			{"a": 1}, {"a": 2}, {"a": 3},
		},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if ack.BatchID != "batch_42" {
		t.Errorf("batch id: %q", ack.BatchID)
	}
	if len(ack.Messages) != 3 {
		t.Fatalf("3 ack messages expected, got %d", len(ack.Messages))
	}
	seen := map[string]bool{}
	for i, message := range ack.Messages {
		if message.CustomID == "" || seen[message.CustomID] {
			t.Error("custom ids must be unique and non-empty")
		}
		seen[message.CustomID] = true
		if message.Variables["a"] != i+1 {
			t.Errorf("variables by position: %v", message.Variables)
		}
	}

	var descriptor BatchDescriptor
	found, _ := cache.FindJSON(context.Background(), keyBatch+"batch_42", &descriptor)
	if !found {
		t.Fatal("descriptor must be cached for the reconciler")
	}
	if descriptor.Service != ServiceOpenAI || len(descriptor.CustomIDMapping) != 3 {
		t.Errorf("descriptor: %+v", descriptor)
	}

	// The rendered lines carry the per-item templated prompt.
	if len(service.submitted) != 1 || len(service.submitted[0]) != 3 {
		t.Fatalf("3 lines expected: %v", service.submitted)
	}
	var line map[string]interface{}
	if err := json.Unmarshal([]byte(service.submitted[0][0]), &line); err != nil {
		t.Fatal(err)
	}
	body, _ := line["body"].(map[string]interface{})
	messages, _ := body["messages"].([]interface{})
	system, _ := messages[0].(map[string]interface{})
	if !strings.Contains(system["content"].(string), "Answer about 1.") {
		t.Errorf("prompt templating per item: %v", system["content"])
	}
}

func TestRenderBatchLineAnthropicShape(t *testing.T) {
	line, err := renderBatchLine(ServiceAnthropic, "claude-test", "cid-1", "sys prompt", "user q",
		map[string]interface{}{"temperature": 0.5})
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["custom_id"] != "cid-1" {
		t.Error("custom_id at the top level")
	}
	params, _ := decoded["params"].(map[string]interface{})
	if params["system"] != "sys prompt" {
		t.Error("anthropic lines carry system separately")
	}
	if _, ok := params["max_tokens"]; !ok {
		t.Error("anthropic lines always include max_tokens")
	}
}

// S6-flavored: mixed success and error rows format with matching
// custom_id -> variables.
func TestFormatBatchResultsJoinsVariables(t *testing.T) {
	batchVariables := []map[string]interface{}{{"a": 1}, {"a": 2}, {"a": 3}}
	mapping := map[string]int{"cid-0": 0, "cid-1": 1, "cid-2": 2}

	results := []map[string]interface{}{
		{
			"custom_id": "cid-0",
			"response": map[string]interface{}{
				"status_code": float64(200),
				"body": map[string]interface{}{
					"id":    "chatcmpl-1",
					"model": "test-model",
					"choices": []interface{}{map[string]interface{}{
						"finish_reason": "stop",
						"message":       map[string]interface{}{"role": "assistant", "content": "ok"},
					}},
					"usage": map[string]interface{}{"prompt_tokens": float64(5), "completion_tokens": float64(2), "total_tokens": float64(7)},
				},
			},
		},
		{
			"custom_id": "cid-1",
			"response": map[string]interface{}{
				"status_code": float64(400),
				"body":        map[string]interface{}{"error": map[string]interface{}{"message": "bad request"}},
			},
		},
		{
			"custom_id": "cid-2",
			"response": map[string]interface{}{
				"status_code": float64(200),
				"body": map[string]interface{}{
					"choices": []interface{}{map[string]interface{}{
						"finish_reason": "length",
						"message":       map[string]interface{}{"role": "assistant", "content": "truncated answer"},
					}},
					"usage": map[string]interface{}{},
				},
			},
		},
	}

	formatted := FormatBatchResults(results, ServiceOpenAI, "batch_9", batchVariables, mapping)
	if len(formatted) != 3 {
		t.Fatalf("3 rows expected, got %d", len(formatted))
	}
	for i, row := range formatted {
		variables, _ := row["variables"].(map[string]interface{})
		if variables["a"] != i+1 {
			t.Errorf("row %d variables: %v", i, variables)
		}
		if row["batch_id"] != "batch_9" {
			t.Error("batch_id on every row")
		}
	}
	if formatted[1]["status_code"] != 400 {
		t.Errorf("error rows carry status_code: %v", formatted[1])
	}
	data, _ := formatted[2]["data"].(map[string]interface{})
	if data["finish_reason"] != FinishTruncated {
		t.Errorf("finish reason normalizes in batch rows too: %v", data)
	}
}

// Calling the formatter twice on the same payload produces identical rows;
// webhook consumers dedupe on custom_id.
func TestFormatBatchResultsIdempotent(t *testing.T) {
	results := []map[string]interface{}{{
		"custom_id": "cid-0",
		"response": map[string]interface{}{
			"status_code": float64(200),
			"body": map[string]interface{}{
				"choices": []interface{}{map[string]interface{}{
					"finish_reason": "stop",
					"message":       map[string]interface{}{"role": "assistant", "content": "stable"},
				}},
				"usage": map[string]interface{}{},
			},
		},
	}}
	first := FormatBatchResults(results, ServiceOpenAI, "b", nil, nil)
	second := FormatBatchResults(results, ServiceOpenAI, "b", nil, nil)
	firstJSON, _ := json.Marshal(first)
	secondJSON, _ := json.Marshal(second)
	if string(firstJSON) != string(secondJSON) {
		t.Error("formatting must be deterministic for identical input")
	}
}

func TestFormatBatchResultsAnthropicError(t *testing.T) {
	results := []map[string]interface{}{{
		"custom_id": "cid-a",
		"result": map[string]interface{}{
			"type":  "error",
			"error": map[string]interface{}{"message": "overloaded"},
		},
	}}
	formatted := FormatBatchResults(results, ServiceAnthropic, "b1", nil, nil)
	if len(formatted) != 1 {
		t.Fatal("one row expected")
	}
	if formatted[0]["status_code"] != 400 {
		t.Errorf("anthropic errors map to 400: %v", formatted[0])
	}
}
