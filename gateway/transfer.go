package gateway

import (
	"context"
	"fmt"
)

// TransferConfig captures a tool call whose action_type requested a
// handoff to another bridge.
type TransferConfig struct {
	AgentID      string
	ToolName     string
	UserQuery    string
	ActionType   string
	AllArguments map[string]interface{}
	ToolCallID   string
}

// TransferEntry is one committed agent turn inside a transfer chain.
type TransferEntry struct {
	BridgeID  string
	VersionID string
	Row       *ConversationRow
	Metric    *MetricRow
	Thread    ThreadInfo
	ParentID  string
}

// TransferHistory accumulates the chain of agents a request traveled
// through. It is owned exclusively by the current request: created at the
// first bridge entry, consumed once at the end, never shared.
type TransferHistory struct {
	Entries []TransferEntry
}

// Append records a committed agent turn.
func (t *TransferHistory) Append(entry TransferEntry) {
	t.Entries = append(t.Entries, entry)
}

// Len returns the chain length so far.
func (t *TransferHistory) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Entries)
}

// transferredNotice substitutes for an empty assistant message on a
// transferring turn.
func transferredNotice(agentName string) string {
	if agentName == "" {
		agentName = "the agent"
	}
	return fmt.Sprintf("Query is successfully transferred to agent %s", agentName)
}

// handleTransfer commits the current bridge's history and cost, then
// re-enters the engine with the target bridge. The chain is strictly
// sequential: the child starts only after the parent's entry is recorded.
func (e *Engine) handleTransfer(ctx context.Context, call *ChatCall, outcome *turnOutcome,
	tokenCalc *TokenCalculator, threadInfo ThreadInfo, executionLogs, functionLogs []StepLog) (*Response, error) {
	transfer := outcome.Transfer
	config := call.Config
	target := call.Configurations[transfer.AgentID]

	// Commit this agent's cost and row before the child starts.
	var cost Cost
	if entry, err := e.catalog.Current().Lookup(config.Service, config.Model); err == nil {
		cost = tokenCalc.TotalCost(entry.Pricing)
	}
	latency := BuildLatency(nil, executionLogs, functionLogs)

	response := FormatResponse(outcome.Result, outcome.ToolsData)
	response.Data.MessageID = call.MessageID
	if response.Data.Content == "" {
		response.Data.Content = transferredNotice(transfer.ToolName)
	}
	response.Usage.Usage = tokenCalc.Total()
	response.Usage.Cost = cost.TotalCost

	row := e.history.BuildRow(call, response, outcome.ToolLogs, nil, latency, "")
	call.Transfers.Append(TransferEntry{
		BridgeID:  config.BridgeID,
		VersionID: config.VersionID,
		Row:       row,
		Metric:    buildTransferMetric(call, config, cost, latency, tokenCalc),
		Thread:    threadInfo,
		ParentID:  call.ParentBridgeID,
	})

	e.ledger.UpdateCost(ctx, CostUpdate{
		BridgeID:       config.BridgeID,
		FolderID:       config.FolderID,
		APIKeyObjectID: config.APIKeyObjectID[config.Service],
		TotalCost:      cost.TotalCost,
	})

	e.logger.Info(ctx, "transferring to agent",
		F("from", config.BridgeID), F("to", transfer.AgentID), F("query", transfer.UserQuery))

	child := &ChatCall{
		Config:            target,
		Configurations:    call.Configurations,
		User:              transfer.UserQuery,
		ThreadID:          call.ThreadID,
		SubThreadID:       call.SubThreadID,
		MessageID:         newUUIDv1(),
		Variables:         mergeVariables(target.Variables, call.Variables),
		UserURLs:          call.UserURLs,
		ResponseFormat:    call.ResponseFormat,
		OrchestratorFlag:  call.OrchestratorFlag,
		ThreadFlag:        call.ThreadFlag,
		IsPlayground:      call.IsPlayground,
		ParentBridgeID:    config.BridgeID,
		TransferRequestID: call.TransferRequestID,
		Transfers:         call.Transfers,
		PrimaryBridgeID:   call.PrimaryBridgeID,
		Timer:             call.Timer,
		Depth:             call.Depth,
	}
	return e.chat(ctx, child)
}

func buildTransferMetric(call *ChatCall, config *BridgeConfig, cost Cost, latency Latency, tokenCalc *TokenCalculator) *MetricRow {
	total := tokenCalc.Total()
	return &MetricRow{
		OrgID:        config.OrgID,
		BridgeID:     config.BridgeID,
		ThreadID:     call.ThreadID,
		MessageID:    call.MessageID,
		Service:      config.Service,
		Model:        config.Model,
		Success:      true,
		Latency:      latency,
		InputTokens:  total.InputTokens,
		OutputTokens: total.OutputTokens,
		TotalTokens:  total.TotalTokens,
		ExpectedCost: cost.TotalCost,
		APIKeyObjID:  config.APIKeyObjectID[config.Service],
		Variables:    call.Variables,
	}
}
