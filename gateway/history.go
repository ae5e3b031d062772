package gateway

import (
	"context"
	"time"
)

// agentStickinessTTL keeps a thread pinned to the last transferred agent.
const agentStickinessTTL = 259200 * time.Second // 3 days

// HistoryWriter builds and persists conversation rows, including whole
// transfer chains and orchestrator aggregates.
type HistoryWriter struct {
	store  DocStore
	cache  *CacheService
	logger Logger
}

// NewHistoryWriter wires a history writer.
func NewHistoryWriter(store DocStore, cache *CacheService, logger Logger) *HistoryWriter {
	return &HistoryWriter{store: store, cache: cache, logger: logger}
}

// BuildRow assembles the persisted row of a successful turn.
func (h *HistoryWriter) BuildRow(call *ChatCall, response *Response, toolLogs []interface{},
	customConfig map[string]interface{}, latency Latency, prompt string) *ConversationRow {
	config := call.Config
	fallbackModel := ""
	if config.FallBack.IsEnable {
		fallbackModel = config.FallBack.Model
	}
	return &ConversationRow{
		ThreadID:          call.ThreadID,
		SubThreadID:       call.SubThreadID,
		BridgeID:          config.BridgeID,
		VersionID:         config.VersionID,
		MessageID:         call.MessageID,
		OrgID:             config.OrgID,
		User:              call.User,
		Message:           response.Data.Content,
		Prompt:            prompt,
		Model:             firstNonEmpty(response.Data.Model, config.Model),
		Service:           config.Service,
		Channel:           "chat",
		Type:              "assistant",
		Actor:             "user",
		Tools:             response.Data.ToolsData,
		ToolsCallData:     toolLogs,
		Tokens:            response.Usage.Usage,
		Latency:           latency,
		AiConfig:          customConfig,
		Variables:         call.Variables,
		UserURLs:          call.UserURLs,
		ParentID:          call.ParentBridgeID,
		FinishReason:      response.Data.FinishReason,
		FirstAttemptError: response.Data.FirstAttemptError,
		FallbackModel:     fallbackModel,
		Success:           true,
	}
}

// BuildErrorRow assembles the persisted row of a failed turn.
func (h *HistoryWriter) BuildErrorRow(call *ChatCall, execErr error, latency Latency) *ConversationRow {
	config := call.Config
	prompt, _ := config.Configuration["prompt"].(string)
	return &ConversationRow{
		ThreadID:    call.ThreadID,
		SubThreadID: call.SubThreadID,
		BridgeID:    config.BridgeID,
		VersionID:   config.VersionID,
		MessageID:   call.MessageID,
		OrgID:       config.OrgID,
		User:        call.User,
		Prompt:      prompt,
		Model:       config.Model,
		Service:     config.Service,
		Channel:     "chat",
		Type:        "error",
		Actor:       "user",
		Latency:     latency,
		Variables:   call.Variables,
		UserURLs:    call.UserURLs,
		ParentID:    call.ParentBridgeID,
		Error:       execErr.Error(),
		Success:     false,
	}
}

// SaveChain persists the turn's history. A plain turn writes one row. The
// final turn of a transfer chain flushes the whole chain: either one
// orchestrator row keyed by bridge id, or one row per agent with
// parent_id/child_id linked by chain order. Never both.
func (h *HistoryWriter) SaveChain(ctx context.Context, call *ChatCall, threadInfo ThreadInfo,
	finalRow *ConversationRow) {
	if call.Transfers.Len() == 0 {
		finalRow.ParentID = call.ParentBridgeID
		finalRow.ChildID = ""
		h.save(ctx, []*ConversationRow{finalRow})
		return
	}

	// Close the chain with the final agent's entry.
	call.Transfers.Append(TransferEntry{
		BridgeID:  call.Config.BridgeID,
		VersionID: call.Config.VersionID,
		Row:       finalRow,
		Thread:    threadInfo,
		ParentID:  call.ParentBridgeID,
	})
	entries := call.Transfers.Entries

	if call.OrchestratorFlag {
		rows := make(map[string]*ConversationRow, len(entries))
		agentsPath := make([]string, 0, len(entries))
		for _, entry := range entries {
			if entry.Row == nil {
				continue
			}
			if prompt := h.configuredPrompt(call, entry.BridgeID); prompt != "" {
				entry.Row.Prompt = prompt
			}
			rows[entry.BridgeID] = entry.Row
			agentsPath = append(agentsPath, entry.BridgeID)
		}
		orchestratorRow := &OrchestratorRow{
			ThreadID:    threadInfo.ThreadID,
			SubThreadID: threadInfo.SubThreadID,
			AgentsPath:  agentsPath,
			Rows:        rows,
		}
		if err := h.store.SaveOrchestratorRow(ctx, orchestratorRow); err != nil {
			h.logger.Error(ctx, "orchestrator row save failed", F("error", err.Error()))
		}
	} else {
		rows := make([]*ConversationRow, 0, len(entries))
		for i, entry := range entries {
			if entry.Row == nil {
				continue
			}
			entry.Row.ParentID = entry.ParentID
			if i < len(entries)-1 {
				entry.Row.ChildID = entries[i+1].BridgeID
			} else {
				entry.Row.ChildID = ""
			}
			if prompt := h.configuredPrompt(call, entry.BridgeID); prompt != "" {
				entry.Row.Prompt = prompt
			}
			rows = append(rows, entry.Row)
		}
		h.save(ctx, rows)
	}

	// Metrics for the intermediate agents ship alongside the rows.
	var metrics []*MetricRow
	for _, entry := range entries {
		if entry.Metric != nil {
			metrics = append(metrics, entry.Metric)
		}
	}
	if len(metrics) > 0 {
		if err := h.store.SaveMetrics(ctx, metrics); err != nil {
			h.logger.Warn(ctx, "transfer metrics save failed", F("error", err.Error()))
		}
	}

	// The chain is consumed exactly once.
	call.Transfers.Entries = nil
}

func (h *HistoryWriter) configuredPrompt(call *ChatCall, bridgeID string) string {
	if config, ok := call.Configurations[bridgeID]; ok && config != nil {
		if prompt, ok := config.Configuration["prompt"].(string); ok {
			return prompt
		}
	}
	return ""
}

func (h *HistoryWriter) save(ctx context.Context, rows []*ConversationRow) {
	if len(rows) == 0 {
		return
	}
	if err := h.store.SaveConversation(ctx, rows); err != nil {
		h.logger.Error(ctx, "history save failed", F("error", err.Error()))
	}
}

// PinAgent records the bridge that answered this thread so subsequent
// requests start at the same agent.
func (h *HistoryWriter) PinAgent(ctx context.Context, call *ChatCall) {
	if call.ThreadID == "" || call.SubThreadID == "" || call.Config.BridgeID == "" {
		return
	}
	key := keyLastTransferredAgent + call.PrimaryBridgeID + "_" + call.ThreadID + "_" + call.SubThreadID
	if err := h.cache.Store(ctx, key, call.Config.BridgeID, agentStickinessTTL); err != nil {
		h.logger.Warn(ctx, "agent stickiness pin failed", F("error", err.Error()))
	}
}
