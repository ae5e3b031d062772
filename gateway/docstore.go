package gateway

import (
	"context"
	"time"
)

// APICallDoc is a stored HTTP-function definition joined onto a bridge.
type APICallDoc struct {
	ID             string                 `bson:"_id" json:"_id"`
	Title          string                 `bson:"title" json:"title"`
	EndpointName   string                 `bson:"endpoint_name" json:"endpoint_name"`
	FunctionName   string                 `bson:"function_name" json:"function_name"`
	Description    string                 `bson:"description" json:"description"`
	Fields         map[string]interface{} `bson:"fields" json:"fields"`
	RequiredParams []string               `bson:"required_params" json:"required_params"`
	ScriptID       string                 `bson:"script_id" json:"script_id"`
	URL            string                 `bson:"url" json:"url"`
	Headers        map[string]string      `bson:"headers" json:"headers"`
	Status         int                    `bson:"status" json:"status"`
}

// APIKeyCredential is a stored, encrypted provider credential.
type APIKeyCredential struct {
	ObjectID    string  `bson:"_id" json:"_id"`
	APIKey      string  `bson:"apikey" json:"apikey"` // encrypted
	APIKeyLimit float64 `bson:"apikey_limit" json:"apikey_limit"`
	APIKeyUsage float64 `bson:"apikey_usage" json:"apikey_usage"`
}

// BridgeDoc is the persisted bridge document with its joins (tool
// definitions, credentials, connected-agent descriptors) as loaded from
// the document store.
type BridgeDoc struct {
	ID                 string                       `bson:"_id" json:"_id"`
	ParentID           string                       `bson:"parent_id" json:"parent_id"`
	PublishedVersionID string                       `bson:"published_version_id" json:"published_version_id"`
	OrgID              string                       `bson:"org_id" json:"org_id"`
	FolderID           string                       `bson:"folder_id" json:"folder_id"`
	FolderType         string                       `bson:"folder_type" json:"folder_type"`
	Name               string                       `bson:"name" json:"name"`
	Service            string                       `bson:"service" json:"service"`
	BridgeStatus       int                          `bson:"bridge_status" json:"bridge_status"`
	BridgeType         string                       `bson:"bridgeType" json:"bridgeType"`
	OpenAICompletion   bool                         `bson:"openai_completion" json:"openai_completion"`
	Configuration      map[string]interface{}       `bson:"configuration" json:"configuration"`
	APIKeys            map[string]*APIKeyCredential `bson:"apikeys" json:"apikeys"`
	FolderAPIKeys      map[string]*APIKeyCredential `bson:"folder_apikeys" json:"folder_apikeys"`
	APIKeyObjectID     map[string]string            `bson:"apikey_object_id" json:"apikey_object_id"`
	APICalls           map[string]*APICallDoc       `bson:"apiCalls" json:"apiCalls"`
	PreTools           []string                     `bson:"pre_tools" json:"pre_tools"`
	PreToolsData       []*APICallDoc                `bson:"pre_tools_data" json:"pre_tools_data"`
	ConnectedAgents    map[string]*ConnectedAgent   `bson:"connected_agents" json:"connected_agents"`
	DocIDs             []RAGResource                `bson:"doc_ids" json:"doc_ids"`
	VariablesPath      map[string]map[string]string `bson:"variables_path" json:"variables_path"`
	VariablesState     map[string]VariableState     `bson:"variables_state" json:"variables_state"`
	BuiltInTools       []string                     `bson:"built_in_tools" json:"built_in_tools"`
	WebSearchFilters   []string                     `bson:"gtwy_web_search_filters" json:"gtwy_web_search_filters"`
	Guardrails         Guardrails                   `bson:"guardrails" json:"guardrails"`
	FallBack           *FallBack                    `bson:"fall_back" json:"fall_back"`
	ToolCallCount      int                          `bson:"tool_call_count" json:"tool_call_count"`
	GPTMemory          bool                         `bson:"gpt_memory" json:"gpt_memory"`
	GPTMemoryContext   string                       `bson:"gpt_memory_context" json:"gpt_memory_context"`
	BridgeSummary      string                       `bson:"bridge_summary" json:"bridge_summary"`
	WrapperID          string                       `bson:"wrapper_id" json:"wrapper_id"`
	Orchestrator       bool                         `bson:"orchestrator" json:"orchestrator"`
	UserReference      string                       `bson:"user_reference" json:"user_reference"`
	UserID             string                       `bson:"user_id" json:"user_id"`
	BridgeLimit        float64                      `bson:"bridge_limit" json:"bridge_limit"`
	BridgeUsage        float64                      `bson:"bridge_usage" json:"bridge_usage"`
	FolderLimit        float64                      `bson:"folder_limit" json:"folder_limit"`
	FolderUsage        float64                      `bson:"folder_usage" json:"folder_usage"`
	TotalTokens        int                          `bson:"total_tokens" json:"total_tokens"`
}

// ConversationRow is one persisted turn.
type ConversationRow struct {
	ThreadID          string                 `bson:"thread_id" json:"thread_id"`
	SubThreadID       string                 `bson:"sub_thread_id" json:"sub_thread_id"`
	BridgeID          string                 `bson:"bridge_id" json:"bridge_id"`
	VersionID         string                 `bson:"version_id" json:"version_id"`
	MessageID         string                 `bson:"message_id" json:"message_id"`
	OrgID             string                 `bson:"org_id" json:"org_id"`
	User              string                 `bson:"user" json:"user"`
	Message           string                 `bson:"message" json:"message"`
	ChatbotMessage    string                 `bson:"chatbot_message" json:"chatbot_message"`
	Prompt            string                 `bson:"prompt" json:"prompt"`
	Model             string                 `bson:"model" json:"model"`
	Service           string                 `bson:"service" json:"service"`
	Channel           string                 `bson:"channel" json:"channel"`
	Type              string                 `bson:"type" json:"type"` // assistant | error
	Actor             string                 `bson:"actor" json:"actor"`
	Tools             map[string]interface{} `bson:"tools" json:"tools"`
	ToolsCallData     []interface{}          `bson:"tools_call_data" json:"tools_call_data"`
	Tokens            Usage                  `bson:"tokens" json:"tokens"`
	Latency           Latency                `bson:"latency" json:"latency"`
	AiConfig          map[string]interface{} `bson:"AiConfig" json:"AiConfig"`
	Variables         map[string]interface{} `bson:"variables" json:"variables"`
	UserURLs          []UserURL              `bson:"user_urls" json:"user_urls"`
	LLMURLs           []interface{}          `bson:"llm_urls" json:"llm_urls"`
	ParentID          string                 `bson:"parent_id" json:"parent_id"`
	ChildID           string                 `bson:"child_id" json:"child_id"`
	FinishReason      string                 `bson:"finish_reason" json:"finish_reason"`
	FirstAttemptError string                 `bson:"firstAttemptError" json:"firstAttemptError"`
	FallbackModel     string                 `bson:"fallback_model" json:"fallback_model"`
	Error             string                 `bson:"error" json:"error"`
	Success           bool                   `bson:"success" json:"success"`
	CreatedAt         time.Time              `bson:"created_at" json:"created_at"`
}

// OrchestratorRow aggregates a whole transfer chain in one document, every
// field keyed by bridge id.
type OrchestratorRow struct {
	ThreadID    string                      `bson:"thread_id" json:"thread_id"`
	SubThreadID string                      `bson:"sub_thread_id" json:"sub_thread_id"`
	AgentsPath  []string                    `bson:"agents_path" json:"agents_path"`
	Rows        map[string]*ConversationRow `bson:"rows" json:"rows"`
	CreatedAt   time.Time                   `bson:"created_at" json:"created_at"`
}

// MetricRow is the per-turn telemetry record shipped to the metrics table.
type MetricRow struct {
	OrgID        string                 `bson:"org_id" json:"org_id"`
	BridgeID     string                 `bson:"bridge_id" json:"bridge_id"`
	ThreadID     string                 `bson:"thread_id" json:"thread_id"`
	MessageID    string                 `bson:"message_id" json:"message_id"`
	Service      string                 `bson:"service" json:"service"`
	Model        string                 `bson:"model" json:"model"`
	Success      bool                   `bson:"success" json:"success"`
	Error        string                 `bson:"error" json:"error"`
	Latency      Latency                `bson:"latency" json:"latency"`
	InputTokens  int                    `bson:"input_tokens" json:"input_tokens"`
	OutputTokens int                    `bson:"output_tokens" json:"output_tokens"`
	TotalTokens  int                    `bson:"total_tokens" json:"total_tokens"`
	ExpectedCost float64                `bson:"expected_cost" json:"expected_cost"`
	APIKeyObjID  string                 `bson:"apikey_object_id" json:"apikey_object_id"`
	Variables    map[string]interface{} `bson:"variables" json:"variables"`
	CreatedAt    time.Time              `bson:"created_at" json:"created_at"`
}

// WebhookAlert configures one org-level alert sink filtered by type.
type WebhookAlert struct {
	OrgID     string            `bson:"org_id" json:"org_id"`
	URL       string            `bson:"url" json:"url"`
	Headers   map[string]string `bson:"headers" json:"headers"`
	AlertType []string          `bson:"alertType" json:"alertType"`
}

// OrgInfo is the cached org metadata used for timezone injection.
type OrgInfo struct {
	Name       string `bson:"name" json:"name"`
	Timezone   string `bson:"timezone" json:"timezone"`
	Identifier string `bson:"identifier" json:"identifier"`
}

// DocStore is the persistence boundary: bridge documents, model catalog,
// conversation history, metrics and alert tables. The Mongo implementation
// lives in mongostore.go; tests use in-memory fakes.
type DocStore interface {
	CatalogSource

	GetBridge(ctx context.Context, bridgeID, orgID string) (*BridgeDoc, error)
	GetBridgeVersion(ctx context.Context, versionID, orgID string) (*BridgeDoc, error)
	UpdateBridge(ctx context.Context, bridgeID string, fields map[string]interface{}) error

	GetTemplate(ctx context.Context, templateID string) (string, error)
	GetPromptWrapper(ctx context.Context, wrapperID, orgID string) (string, error)

	GetThreadHistory(ctx context.Context, orgID, threadID, subThreadID, bridgeID string, limit int) ([]ConversationMessage, error)
	SaveConversation(ctx context.Context, rows []*ConversationRow) error
	SaveOrchestratorRow(ctx context.Context, row *OrchestratorRow) error
	SaveSubThreadName(ctx context.Context, orgID, threadID, subThreadID, name string) error

	SaveMetrics(ctx context.Context, rows []*MetricRow) error

	GetWebhookAlerts(ctx context.Context, orgID string) ([]*WebhookAlert, error)
	GetOrgInfo(ctx context.Context, orgID string) (*OrgInfo, error)
}
