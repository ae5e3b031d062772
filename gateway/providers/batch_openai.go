package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/bridgeway-ai/bridgeway/gateway"
)

// openaiBatch implements the OpenAI batch flow: upload a JSONL request
// file, create the batch against /v1/chat/completions with a 24h window,
// then poll until a terminal state and download both artifacts.
type openaiBatch struct {
	baseURL string
}

func newOpenAIBatch(baseURL string) *openaiBatch {
	return &openaiBatch{baseURL: baseURL}
}

func (b *openaiBatch) client(apiKey string) openai.Client {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if b.baseURL != "" {
		opts = append(opts, option.WithBaseURL(b.baseURL))
	}
	return openai.NewClient(opts...)
}

// BatchSubmit uploads the request lines and creates the batch.
func (b *openaiBatch) BatchSubmit(ctx context.Context, apiKey string, requests []string) (string, error) {
	client := b.client(apiKey)

	content := strings.Join(requests, "\n")
	file, err := client.Files.New(ctx, openai.FileNewParams{
		File:    openai.File(bytes.NewReader([]byte(content)), "batch.jsonl", "application/jsonl"),
		Purpose: openai.FilePurposeBatch,
	})
	if err != nil {
		return "", fmt.Errorf("openai batch file upload: %w", err)
	}

	batch, err := client.Batches.New(ctx, openai.BatchNewParams{
		InputFileID:      file.ID,
		Endpoint:         openai.BatchNewParamsEndpointV1ChatCompletions,
		CompletionWindow: openai.BatchNewParamsCompletionWindow24h,
	})
	if err != nil {
		return "", fmt.Errorf("openai batch create: %w", err)
	}
	return batch.ID, nil
}

// terminal batch states; everything else keeps polling.
var openaiBatchTerminal = map[string]bool{
	"completed": true,
	"failed":    true,
	"expired":   true,
	"cancelled": true,
}

// BatchPoll retrieves the batch. Terminal states download success and
// error artifacts in one pass; failures without artifacts yield a single
// error row so the webhook still fires.
func (b *openaiBatch) BatchPoll(ctx context.Context, apiKey, batchID string) ([]map[string]interface{}, bool, error) {
	client := b.client(apiKey)
	batch, err := client.Batches.Get(ctx, batchID)
	if err != nil {
		return nil, false, fmt.Errorf("openai batch retrieve: %w", err)
	}
	status := string(batch.Status)
	if !openaiBatchTerminal[status] {
		return nil, false, nil
	}

	outputs := b.downloadFile(ctx, client, batch.OutputFileID)
	errors := b.downloadFile(ctx, client, batch.ErrorFileID)
	results := append(outputs, errors...)
	if len(results) > 0 {
		return results, true, nil
	}

	// Terminal without artifacts: best effort error row by status.
	var message, errType string
	switch status {
	case "completed":
		message, errType = "Batch completed but no result files were generated", "no_results"
	case "failed":
		message, errType = "Batch failed validation or processing", "batch_failed"
	case "expired":
		message, errType = "Batch expired - not completed within 24-hour window and no partial results available", "batch_expired"
	case "cancelled":
		message, errType = "Batch was cancelled and no partial results available", "batch_cancelled"
	default:
		message, errType = "Batch reached unknown terminal status: "+status, "unknown_status"
	}
	return []map[string]interface{}{{
		"error": map[string]interface{}{
			"message":      message,
			"type":         errType,
			"batch_status": status,
		},
		"status_code": 400,
	}}, true, nil
}

// downloadFile fetches and parses one JSONL artifact; missing or broken
// files yield no rows rather than failing the poll.
func (b *openaiBatch) downloadFile(ctx context.Context, client openai.Client, fileID string) []map[string]interface{} {
	if fileID == "" {
		return nil
	}
	resp, err := client.Files.Content(ctx, fileID)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil
	}
	var rows []map[string]interface{}
	for _, line := range strings.Split(string(data), "\n") {
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
	return rows
}

var _ gateway.BatchService = (*openaiBatch)(nil)
