package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// batchDescriptorTTL keeps a pending batch visible to the reconciler for
// the provider's completion window.
const batchDescriptorTTL = 24 * time.Hour

// BatchDescriptor is the cached record of a submitted batch, refreshed on
// each poll until a terminal state.
type BatchDescriptor struct {
	ID              string                   `json:"id"`
	Service         string                   `json:"service"`
	Model           string                   `json:"model"`
	APIKey          string                   `json:"apikey"`
	Webhook         BatchWebhook             `json:"webhook"`
	BatchVariables  []map[string]interface{} `json:"batch_variables,omitempty"`
	CustomIDMapping map[string]int           `json:"custom_id_mapping"`
}

// BatchWebhook is the caller's delivery target for batch results.
type BatchWebhook struct {
	URL     string                 `json:"url"`
	Headers map[string]interface{} `json:"headers"`
}

// BatchInput is the submit-side request.
type BatchInput struct {
	Config         *BridgeConfig
	Messages       []string
	Webhook        BatchWebhook
	BatchVariables []map[string]interface{}
}

// BatchAck is returned to the caller immediately after submission.
type BatchAck struct {
	BatchID  string            `json:"batch_id"`
	Messages []BatchAckMessage `json:"messages"`
}

// BatchAckMessage echoes one accepted item with its custom id.
type BatchAckMessage struct {
	Message   string                 `json:"message"`
	CustomID  string                 `json:"custom_id"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

// BatchServiceFactory returns the batch capability for a service, or an
// error when the provider has no batch API.
type BatchServiceFactory func(service string) (BatchService, error)

// BatchSubmitter validates, renders and ships batch jobs, then caches the
// descriptor for the reconciler.
type BatchSubmitter struct {
	cache    *CacheService
	catalog  *CatalogHolder
	services BatchServiceFactory
	alerts   *AlertDispatcher
	logger   Logger
}

// NewBatchSubmitter wires a submitter.
func NewBatchSubmitter(cache *CacheService, catalog *CatalogHolder, services BatchServiceFactory, alerts *AlertDispatcher, logger Logger) *BatchSubmitter {
	return &BatchSubmitter{cache: cache, catalog: catalog, services: services, alerts: alerts, logger: logger}
}

// Submit runs the whole submit flow: validation, per-item prompt
// templating (missing variables are alerted once across all items), line
// rendering, provider submission and descriptor caching.
func (b *BatchSubmitter) Submit(ctx context.Context, in *BatchInput) (*BatchAck, error) {
	config := in.Config
	if in.Webhook.URL == "" {
		return nil, NewValidationError("webhook is required")
	}
	if len(in.Messages) == 0 {
		return nil, NewValidationError("batch must not be empty")
	}
	if in.BatchVariables != nil && len(in.BatchVariables) != len(in.Messages) {
		return nil, NewValidationError(
			"batch_variables array length (%d) must match batch array length (%d)",
			len(in.BatchVariables), len(in.Messages))
	}

	service, err := b.services(config.Service)
	if err != nil {
		return nil, NewValidationError("Unsupported batch service: %s", config.Service)
	}
	entry, err := b.catalog.Current().Lookup(config.Service, config.Model)
	if err != nil {
		return nil, NewValidationError("Model %s not found in ModelsConfig.", config.Model)
	}

	prompt, _ := config.Configuration["prompt"].(string)
	prompts := make([]string, len(in.Messages))
	allMissing := map[string]string{}
	for i := range in.Messages {
		if in.BatchVariables != nil {
			processed, missing := ReplaceVariables(prompt, in.BatchVariables[i])
			prompts[i] = processed
			for key, value := range missing {
				allMissing[key] = value
			}
		} else {
			prompts[i] = prompt
		}
	}
	if len(allMissing) > 0 {
		b.alerts.Dispatch(Alert{
			AlertType:  AlertTypeVariable,
			OrgID:      config.OrgID,
			OrgName:    config.OrgName,
			BridgeID:   config.BridgeID,
			BridgeName: config.Name,
			Error:      allMissing,
		})
	}

	customConfig := ResolveSentinels(entry.Configuration, BuildCustomConfig(entry, config.Configuration), config.Service)
	delete(customConfig, "tools")
	params := FormatForService(stripEngineKeys(customConfig), config.Service, "default")

	ack := &BatchAck{Messages: make([]BatchAckMessage, len(in.Messages))}
	customIDMapping := make(map[string]int, len(in.Messages))
	lines := make([]string, len(in.Messages))
	for i, message := range in.Messages {
		customID := newUUIDv1()
		customIDMapping[customID] = i
		line, err := renderBatchLine(config.Service, config.Model, customID, prompts[i], message, params)
		if err != nil {
			return nil, err
		}
		lines[i] = line
		ack.Messages[i] = BatchAckMessage{Message: message, CustomID: customID}
		if in.BatchVariables != nil {
			ack.Messages[i].Variables = in.BatchVariables[i]
		}
	}

	batchID, err := service.BatchSubmit(ctx, config.APIKey, lines)
	if err != nil {
		return nil, fmt.Errorf("batch submit to %s: %w", config.Service, err)
	}
	ack.BatchID = batchID

	descriptor := &BatchDescriptor{
		ID:              batchID,
		Service:         config.Service,
		Model:           config.Model,
		APIKey:          config.APIKey,
		Webhook:         in.Webhook,
		BatchVariables:  in.BatchVariables,
		CustomIDMapping: customIDMapping,
	}
	if err := b.cache.Store(ctx, keyBatch+batchID, descriptor, batchDescriptorTTL); err != nil {
		return nil, fmt.Errorf("cache batch descriptor: %w", err)
	}
	return ack, nil
}

// renderBatchLine produces one provider batch-file line. OpenAI-compatible
// services use the JSONL request format; Anthropic uses the Message
// Batches request object.
func renderBatchLine(service, model, customID, prompt, user string, params map[string]interface{}) (string, error) {
	switch service {
	case ServiceAnthropic:
		body := map[string]interface{}{"model": model}
		for key, value := range params {
			body[key] = value
		}
		if _, ok := body["max_tokens"]; !ok {
			body["max_tokens"] = 1024
		}
		if prompt != "" {
			body["system"] = prompt
		}
		body["messages"] = []map[string]interface{}{{"role": "user", "content": user}}
		line, err := json.Marshal(map[string]interface{}{"custom_id": customID, "params": body})
		return string(line), err
	default:
		body := map[string]interface{}{"model": model}
		for key, value := range params {
			body[key] = value
		}
		messages := []map[string]interface{}{}
		if prompt != "" {
			messages = append(messages, map[string]interface{}{"role": "system", "content": prompt})
		}
		messages = append(messages, map[string]interface{}{"role": "user", "content": user})
		body["messages"] = messages
		line, err := json.Marshal(map[string]interface{}{
			"custom_id": customID,
			"method":    "POST",
			"url":       "/v1/chat/completions",
			"body":      body,
		})
		return string(line), err
	}
}

// FormatBatchResults shapes the downloaded per-item rows for webhook
// delivery: batch_id and custom_id on every row, errors interleaved with
// successes, and per-item variables joined by custom-id index.
func FormatBatchResults(results []map[string]interface{}, service, batchID string,
	batchVariables []map[string]interface{}, customIDMapping map[string]int) []map[string]interface{} {
	formatted := make([]map[string]interface{}, 0, len(results))
	for _, item := range results {
		// Terminal batch-level errors pass through with the batch id only.
		if _, hasErr := item["error"]; hasErr {
			if _, hasStatus := item["status_code"]; hasStatus {
				if _, hasCustom := item["custom_id"]; !hasCustom {
					item["batch_id"] = batchID
					formatted = append(formatted, item)
					continue
				}
			}
		}

		customID, row := formatBatchItem(service, batchID, item)
		if batchVariables != nil {
			if index, ok := customIDMapping[customID]; ok && index < len(batchVariables) {
				row["variables"] = batchVariables[index]
			}
		}
		formatted = append(formatted, row)
	}
	return formatted
}

// formatBatchItem normalizes one per-item row. The item layout varies by
// provider: OpenAI-compatible rows nest under response.body, Anthropic
// under result.message.
func formatBatchItem(service, batchID string, item map[string]interface{}) (string, map[string]interface{}) {
	customID, _ := item["custom_id"].(string)

	switch service {
	case ServiceAnthropic:
		result, _ := item["result"].(map[string]interface{})
		if resultType, _ := result["type"].(string); resultType == "error" {
			return customID, map[string]interface{}{
				"custom_id":   customID,
				"batch_id":    batchID,
				"error":       result["error"],
				"status_code": 400,
			}
		}
		message, _ := result["message"].(map[string]interface{})
		return customID, batchRowFromAnthropic(batchID, customID, message)
	default:
		response, _ := item["response"].(map[string]interface{})
		body, _ := response["body"].(map[string]interface{})
		statusCode := 200
		if code, ok := response["status_code"].(float64); ok {
			statusCode = int(code)
		}
		if statusCode >= 400 || body["error"] != nil {
			errPayload := body["error"]
			if errPayload == nil {
				errPayload = body
			}
			return customID, map[string]interface{}{
				"custom_id":   customID,
				"batch_id":    batchID,
				"error":       errPayload,
				"status_code": statusCode,
			}
		}
		return customID, batchRowFromChatCompletion(batchID, customID, body)
	}
}

func batchRowFromChatCompletion(batchID, customID string, body map[string]interface{}) map[string]interface{} {
	choices, _ := body["choices"].([]interface{})
	var message map[string]interface{}
	finishReason := ""
	if len(choices) > 0 {
		if choice, ok := choices[0].(map[string]interface{}); ok {
			message, _ = choice["message"].(map[string]interface{})
			finishReason, _ = choice["finish_reason"].(string)
		}
	}
	usage, _ := body["usage"].(map[string]interface{})
	return map[string]interface{}{
		"batch_id":  batchID,
		"custom_id": customID,
		"isBatch":   true,
		"data": map[string]interface{}{
			"id":            body["id"],
			"content":       message["content"],
			"model":         body["model"],
			"role":          message["role"],
			"finish_reason": MapFinishReason(finishReason),
		},
		"usage": map[string]interface{}{
			"input_tokens":  usage["prompt_tokens"],
			"output_tokens": usage["completion_tokens"],
			"total_tokens":  usage["total_tokens"],
		},
	}
}

func batchRowFromAnthropic(batchID, customID string, message map[string]interface{}) map[string]interface{} {
	var content interface{}
	if blocks, ok := message["content"].([]interface{}); ok {
		for _, raw := range blocks {
			if block, ok := raw.(map[string]interface{}); ok && block["type"] == "text" {
				content = block["text"]
				break
			}
		}
	}
	usage, _ := message["usage"].(map[string]interface{})
	stopReason, _ := message["stop_reason"].(string)
	inputTokens, _ := usage["input_tokens"].(float64)
	outputTokens, _ := usage["output_tokens"].(float64)
	return map[string]interface{}{
		"batch_id":  batchID,
		"custom_id": customID,
		"isBatch":   true,
		"data": map[string]interface{}{
			"id":            message["id"],
			"content":       content,
			"model":         message["model"],
			"role":          message["role"],
			"finish_reason": MapFinishReason(stopReason),
		},
		"usage": map[string]interface{}{
			"input_tokens":  usage["input_tokens"],
			"output_tokens": usage["output_tokens"],
			"total_tokens":  inputTokens + outputTokens,
		},
	}
}
