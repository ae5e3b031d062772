package gateway

import (
	"context"
	"time"
)

// threadNameGateTTL suppresses repeat display-name generation for a
// sub-thread.
const threadNameGateTTL = 48 * time.Hour

// PostProcessBundle is the secondary-queue payload carrying everything the
// post-processor needs for one completed turn.
type PostProcessBundle struct {
	OrgID       string `json:"org_id"`
	BridgeID    string `json:"bridge_id"`
	BridgeName  string `json:"bridge_name"`
	VersionID   string `json:"version_id"`
	ThreadID    string `json:"thread_id"`
	SubThreadID string `json:"sub_thread_id"`
	MessageID   string `json:"message_id"`

	User      string `json:"user"`
	Assistant string `json:"assistant"`

	ThreadFlag bool `json:"thread_flag"`
	AlertFlag  bool `json:"alert_flag"`

	Tokens Usage `json:"tokens"`

	GPTMemory        bool   `json:"gpt_memory"`
	GPTMemoryContext string `json:"gpt_memory_context"`
	Type             string `json:"type"`

	BridgeType    string `json:"bridgeType"`
	BridgeSummary string `json:"bridge_summary"`

	Files []string `json:"files"`

	ResponseFormat ResponseFormat `json:"response_format"`
}

// BuildPostProcessBundle assembles the secondary-queue payload for a turn.
func BuildPostProcessBundle(call *ChatCall, threadInfo ThreadInfo, response *Response, result *ChatResult, files []string) *PostProcessBundle {
	config := call.Config
	alertFlag := false
	if result != nil {
		alertFlag = result.AlertFlag
	}
	return &PostProcessBundle{
		OrgID:            config.OrgID,
		BridgeID:         config.BridgeID,
		BridgeName:       config.Name,
		VersionID:        config.VersionID,
		ThreadID:         threadInfo.ThreadID,
		SubThreadID:      threadInfo.SubThreadID,
		MessageID:        call.MessageID,
		User:             call.User,
		Assistant:        response.Data.Content,
		ThreadFlag:       call.ThreadFlag,
		AlertFlag:        alertFlag,
		Tokens:           response.Usage.Usage,
		GPTMemory:        config.GPTMemory,
		GPTMemoryContext: config.GPTMemoryContext,
		Type:             config.Type,
		BridgeType:       config.BridgeType,
		BridgeSummary:    config.BridgeSummary,
		Files:            files,
		ResponseFormat:   call.ResponseFormat,
	}
}

// SuggestionAgent generates a thread display name or chatbot follow-up
// suggestions from a completed exchange. The production implementation
// calls an external description agent; tests stub it.
type SuggestionAgent interface {
	DescribeThread(ctx context.Context, user string) (string, error)
	Suggest(ctx context.Context, user, assistant, bridgeSummary string) ([]string, error)
}

// PostProcessor runs the secondary-queue bundle: thread naming,
// hallucination alert, token roll-up, memory updates, suggestions and
// file-cache refresh.
type PostProcessor struct {
	store         DocStore
	cache         *CacheService
	conversations *Conversations
	memory        *MemoryService
	alerts        *AlertDispatcher
	deliverer     *Deliverer
	suggestions   SuggestionAgent
	logger        Logger
}

// NewPostProcessor wires a post-processor. suggestions may be nil; the
// naming and suggestion steps then degrade to defaults.
func NewPostProcessor(store DocStore, cache *CacheService, memory *MemoryService,
	alerts *AlertDispatcher, deliverer *Deliverer, suggestions SuggestionAgent, logger Logger) *PostProcessor {
	return &PostProcessor{
		store:         store,
		cache:         cache,
		conversations: NewConversations(cache, store, logger),
		memory:        memory,
		alerts:        alerts,
		deliverer:     deliverer,
		suggestions:   suggestions,
		logger:        logger,
	}
}

// Process handles one bundle. Individual steps fail independently; a
// poison bundle is the queue layer's concern.
func (p *PostProcessor) Process(ctx context.Context, bundle *PostProcessBundle) {
	p.saveThreadName(ctx, bundle)

	if bundle.AlertFlag {
		p.alerts.Dispatch(Alert{
			AlertType:  AlertTypeException,
			OrgID:      bundle.OrgID,
			BridgeID:   bundle.BridgeID,
			BridgeName: bundle.BridgeName,
			MessageID:  bundle.MessageID,
			Message:    "empty response detected",
		})
	}

	p.rollUpTokens(ctx, bundle)

	if bundle.GPTMemory && bundle.Type == "chat" {
		p.updateGPTMemory(ctx, bundle)
	}

	if bundle.BridgeType == "chatbot" {
		p.sendSuggestions(ctx, bundle)
	}

	p.memory.SaveToHippocampus(ctx, bundle.BridgeID, bundle.BridgeName, bundle.User, bundle.Assistant)

	if len(bundle.Files) > 0 {
		p.conversations.SaveFiles(ctx, bundle.BridgeID, bundle.ThreadID, bundle.SubThreadID, bundle.Files)
	}
}

// saveThreadName names the sub-thread once per 48h gate. A turn with the
// thread flag asks the description agent; otherwise the sub-thread id is
// used verbatim.
func (p *PostProcessor) saveThreadName(ctx context.Context, bundle *PostProcessBundle) {
	if bundle.ThreadID == "" {
		return
	}
	gateKey := keySubThreadName + bundle.OrgID + "_" + bundle.BridgeID + "_" + bundle.ThreadID + "_" + bundle.SubThreadID
	if existing, _ := p.cache.Find(ctx, gateKey); existing != "" {
		return
	}

	name := bundle.SubThreadID
	if bundle.ThreadFlag && p.suggestions != nil {
		if described, err := p.suggestions.DescribeThread(ctx, bundle.User); err == nil && described != "" {
			name = described
		}
	}
	if err := p.store.SaveSubThreadName(ctx, bundle.OrgID, bundle.ThreadID, bundle.SubThreadID, name); err != nil {
		p.logger.Warn(ctx, "sub-thread name save failed", F("error", err.Error()))
		return
	}
	_ = p.cache.Store(ctx, gateKey, name, threadNameGateTTL)
}

// rollUpTokens accumulates the turn's tokens into the bridge document.
func (p *PostProcessor) rollUpTokens(ctx context.Context, bundle *PostProcessBundle) {
	total := bundle.Tokens.InputTokens + bundle.Tokens.OutputTokens
	if total == 0 {
		return
	}
	doc, err := p.store.GetBridge(ctx, bundle.BridgeID, "")
	if err != nil {
		p.logger.Warn(ctx, "token roll-up bridge load failed",
			F("bridge_id", bundle.BridgeID), F("error", err.Error()))
		return
	}
	if err := p.store.UpdateBridge(ctx, bundle.BridgeID, map[string]interface{}{
		"total_tokens": doc.TotalTokens + total,
	}); err != nil {
		p.logger.Warn(ctx, "token roll-up failed", F("error", err.Error()))
	}
}

// updateGPTMemory refreshes the cached memory summary with the new
// exchange.
func (p *PostProcessor) updateGPTMemory(ctx context.Context, bundle *PostProcessBundle) {
	id := MemoryID(bundle.ThreadID, bundle.SubThreadID, firstNonEmpty(bundle.VersionID, bundle.BridgeID))
	existing := p.memory.Fetch(ctx, id)
	summary := existing
	if summary != "" {
		summary += "\n"
	}
	summary += "user: " + bundle.User + "\nassistant: " + bundle.Assistant
	p.memory.StoreSummary(ctx, id, summary)
}

// sendSuggestions generates chatbot follow-up suggestions and pushes them
// through the turn's channel.
func (p *PostProcessor) sendSuggestions(ctx context.Context, bundle *PostProcessBundle) {
	if p.suggestions == nil {
		return
	}
	items, err := p.suggestions.Suggest(ctx, bundle.User, bundle.Assistant, bundle.BridgeSummary)
	if err != nil {
		p.logger.Warn(ctx, "suggestion generation failed", F("error", err.Error()))
		return
	}
	if len(items) == 0 || bundle.ResponseFormat.Type == ResponseFormatDefault || bundle.ResponseFormat.Type == "" {
		return
	}
	payload := map[string]interface{}{"suggestions": items, "message_id": bundle.MessageID}
	if err := p.deliverer.Send(ctx, bundle.ResponseFormat, payload, true, nil); err != nil {
		p.logger.Warn(ctx, "suggestion delivery failed", F("error", err.Error()))
	}
}
