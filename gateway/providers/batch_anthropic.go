package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bridgeway-ai/bridgeway/gateway"
)

// anthropicBatchBaseURL is the Message Batches endpoint.
const anthropicBatchBaseURL = "https://api.anthropic.com/v1/messages/batches"

// anthropicVersion pins the API version header.
const anthropicVersion = "2023-06-01"

// anthropicBatch implements the Anthropic Message Batches flow over the
// REST surface: requests ship as an array of {custom_id, params} objects,
// polling reads processing_status, and finished batches stream a JSONL
// results file.
type anthropicBatch struct {
	httpClient *http.Client
	logger     gateway.Logger
}

func newAnthropicBatch(logger gateway.Logger) *anthropicBatch {
	return &anthropicBatch{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		logger:     logger,
	}
}

func (b *anthropicBatch) do(ctx context.Context, apiKey, method, url string, body interface{}) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

// BatchSubmit creates one message batch from the rendered request lines.
func (b *anthropicBatch) BatchSubmit(ctx context.Context, apiKey string, requests []string) (string, error) {
	items := make([]json.RawMessage, 0, len(requests))
	for _, line := range requests {
		items = append(items, json.RawMessage(line))
	}
	data, status, err := b.do(ctx, apiKey, http.MethodPost, anthropicBatchBaseURL,
		map[string]interface{}{"requests": items})
	if err != nil {
		return "", fmt.Errorf("anthropic batch create: %w", err)
	}
	if status >= 400 {
		return "", &gateway.APIError{Service: gateway.ServiceAnthropic, Message: string(data), StatusCode: status}
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		return "", fmt.Errorf("decode batch create response: %w", err)
	}
	return created.ID, nil
}

// BatchPoll reads the batch status; "ended" is the only terminal state and
// triggers the results download.
func (b *anthropicBatch) BatchPoll(ctx context.Context, apiKey, batchID string) ([]map[string]interface{}, bool, error) {
	data, status, err := b.do(ctx, apiKey, http.MethodGet, anthropicBatchBaseURL+"/"+batchID, nil)
	if err != nil {
		return nil, false, fmt.Errorf("anthropic batch retrieve: %w", err)
	}
	if status >= 400 {
		return nil, false, &gateway.APIError{Service: gateway.ServiceAnthropic, Message: string(data), StatusCode: status}
	}
	var batch struct {
		ProcessingStatus string `json:"processing_status"`
		ResultsURL       string `json:"results_url"`
	}
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, false, fmt.Errorf("decode batch status: %w", err)
	}
	if batch.ProcessingStatus != "ended" {
		return nil, false, nil
	}
	if batch.ResultsURL == "" {
		return []map[string]interface{}{{
			"error": map[string]interface{}{
				"message":      "Batch ended but no results file was provided",
				"type":         "no_results",
				"batch_status": batch.ProcessingStatus,
			},
			"status_code": 400,
		}}, true, nil
	}

	results, status, err := b.do(ctx, apiKey, http.MethodGet, batch.ResultsURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("anthropic batch results download: %w", err)
	}
	if status >= 400 {
		return nil, false, &gateway.APIError{Service: gateway.ServiceAnthropic, Message: string(results), StatusCode: status}
	}

	var rows []map[string]interface{}
	for _, line := range strings.Split(string(results), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var row map[string]interface{}
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			continue
		}
		rows = append(rows, row)
	}
	return rows, true, nil
}

var _ gateway.BatchService = (*anthropicBatch)(nil)
