// Package gateway implements a multi-tenant request-dispatch layer between
// client applications and multiple LLM providers. It resolves durable
// per-agent ("bridge") configurations, normalizes parameters across
// providers, mediates tool invocation, enforces guardrails and quota, and
// returns provider-agnostic responses.
package gateway

// Service identifiers. These are part of the external contract: bridge
// documents and request bodies carry them verbatim.
const (
	ServiceOpenAI           = "openai"
	ServiceOpenAICompletion = "openai_completion"
	ServiceAnthropic        = "anthropic"
	ServiceGemini           = "gemini"
	ServiceGroq             = "groq"
	ServiceGrok             = "grok"
	ServiceOpenRouter       = "open_router"
	ServiceMistral          = "mistral"
	ServiceAiMl             = "ai_ml"
)

// KnownServices lists every dispatchable service.
var KnownServices = []string{
	ServiceOpenAI,
	ServiceOpenAICompletion,
	ServiceAnthropic,
	ServiceGemini,
	ServiceGroq,
	ServiceGrok,
	ServiceOpenRouter,
	ServiceMistral,
	ServiceAiMl,
}

// IsKnownService reports whether service is dispatchable.
func IsKnownService(service string) bool {
	for _, s := range KnownServices {
		if s == service {
			return true
		}
	}
	return false
}

// Redis key prefixes. Keys built from these prefixes are shared across the
// horizontally scaled fleet; renaming one invalidates live state.
const (
	keyPDFURL               = "pdf_url_"
	keyGetBridgeData        = "get_bridge_data_"
	keyBridgeDataWithTools  = "bridge_data_with_tools_"
	keyRateLimit            = "rate_limit_"
	keyFiles                = "files_"
	keyBatch                = "batch_"
	keyGPTMemory            = "gpt_memory_"
	keyTimezoneAndOrg       = "timezone_and_org_"
	keyConversation         = "conversation_"
	keyBridgeLastUsed       = "bridgelastused_"
	keyAPIKeyLastUsed       = "apikeylastused_"
	keyBridgeUsedCost       = "bridgeusedcost_"
	keyFolderUsedCost       = "folderusedcost_"
	keyAPIKeyUsedCost       = "apikeyusedcost_"
	keyLastTransferredAgent = "last_transffered_agent_"
	keySubThreadName        = "sub_thread_name_"
)

// Limit ledger types, in pre-flight check order.
const (
	LimitTypeFolder = "folder"
	LimitTypeBridge = "bridge"
	LimitTypeAPIKey = "apikey"
)

// Built-in tool names exposed to models alongside bridge-defined functions.
const (
	ToolWebSearch     = "web_search"
	ToolWebCrawl      = "Gtwy_Web_Search"
	ToolKnowledgeBase = "get_knowledge_base_data"

	// jsonSchemaFormatTool is the synthetic Anthropic tool used to force
	// JSON-schema shaped output; a call to it is a response, not a tool call.
	jsonSchemaFormatTool = "JSON_Schema_Response_Format"
)

// Tool categories recorded in a bridge's tool_id_and_name_mapping.
const (
	ToolTypeHTTP  = "HTTP"
	ToolTypeRAG   = "RAG"
	ToolTypeAgent = "AGENT"
)

// Response channels for non-default delivery.
const (
	ResponseFormatDefault = "default"
	ResponseFormatRTLayer = "RTLayer"
	ResponseFormatWebhook = "webhook"
)

// FinishReason is the normalized stop cause of a turn. The enum is part of
// the external contract and must not drift.
const (
	FinishCompleted = "completed"
	FinishTruncated = "truncated"
	FinishToolCall  = "tool_call"
	FinishOther     = "other"
)

// finishReasonTable maps raw provider stop values onto the normalized enum.
var finishReasonTable = map[string]string{
	"stop":      FinishCompleted, // openai, open_router, gemini
	"end_turn":  FinishCompleted, // anthropic
	"completed": FinishCompleted, // openai responses

	"length":            FinishTruncated, // openai, open_router, gemini
	"max_tokens":        FinishTruncated, // anthropic
	"max_output_tokens": FinishTruncated, // openai responses

	"tool_calls": FinishToolCall, // openai, gemini
	"tool_use":   FinishToolCall, // anthropic
}

// MapFinishReason normalizes a raw provider finish reason. Unknown values
// map to "other".
func MapFinishReason(raw string) string {
	if mapped, ok := finishReasonTable[raw]; ok {
		return mapped
	}
	return FinishOther
}
