package gateway

import "context"

// ToolSpec is the canonical, provider-agnostic description of a callable
// tool. Adapters translate it into their provider's schema.
type ToolSpec struct {
	Type        string                 `json:"type"` // always "function"
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Properties  map[string]interface{} `json:"properties"`
	Required    []string               `json:"required"`
	// InputSchema carries a raw JSON schema for the synthetic Anthropic
	// JSON_Schema_Response_Format tool; nil for ordinary tools.
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
}

// ToolBinding records how a named tool is executed: HTTP POST, RAG query,
// recursive agent call, or a built-in.
type ToolBinding struct {
	Type string `json:"type"` // HTTP | RAG | AGENT | Gtwy_Web_Search
	// HTTP tools.
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	// ScriptID identifies the downstream function; it also keys
	// variables_path entries for HTTP tools.
	ScriptID string `json:"name,omitempty"`
	// AGENT tools.
	BridgeID         string `json:"bridge_id,omitempty"`
	VersionID        string `json:"version_id,omitempty"`
	RequiresThreadID bool   `json:"requires_thread_id,omitempty"`
	// RAG tools.
	ResourceToCollection map[string]string `json:"resource_to_collection_mapping,omitempty"`
}

// ConnectedAgent describes a bridge reachable as a callable tool.
type ConnectedAgent struct {
	BridgeID       string                   `json:"bridge_id" bson:"bridge_id"`
	VersionID      string                   `json:"version_id,omitempty" bson:"version_id,omitempty"`
	Description    string                   `json:"description" bson:"description"`
	RequiresThread bool                     `json:"thread_id" bson:"thread_id"`
	AgentVariables AgentVariables           `json:"agent_variables" bson:"agent_variables"`
	Overrides      map[string]interface{}   `json:"configuration,omitempty" bson:"configuration,omitempty"`
	Variables      map[string]interface{}   `json:"variables,omitempty" bson:"variables,omitempty"`
	ExtraTools     []map[string]interface{} `json:"extra_tools,omitempty" bson:"extra_tools,omitempty"`
}

// AgentVariables declares the tool-call parameters an agent exposes.
type AgentVariables struct {
	Fields         map[string]interface{} `json:"fields" bson:"fields"`
	RequiredParams []string               `json:"required_params" bson:"required_params"`
}

// FallBack selects the single-retry alternative configuration.
type FallBack struct {
	IsEnable    bool   `json:"is_enable" bson:"is_enable"`
	Service     string `json:"service" bson:"service"`
	Model       string `json:"model" bson:"model"`
	APIKey      string `json:"apikey,omitempty" bson:"apikey,omitempty"`
	APIKeyObjID string `json:"apikey_object_id,omitempty" bson:"apikey_object_id,omitempty"`
}

// Guardrails configures pre-flight content moderation.
type Guardrails struct {
	IsEnabled    bool            `json:"is_enabled" bson:"is_enabled"`
	Categories   map[string]bool `json:"guardrails_configuration" bson:"guardrails_configuration"`
	CustomPrompt string          `json:"guardrails_custom_prompt" bson:"guardrails_custom_prompt"`
}

// ResponseFormat selects the delivery channel for a turn's result.
type ResponseFormat struct {
	Type string                 `json:"type"` // default | RTLayer | webhook
	Cred map[string]interface{} `json:"cred"`
}

// PreTool is the single HTTP function run before the model call. Its
// result lands in variables.pre_function.
type PreTool struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
	// RequiredParams and ScriptID mirror the stored function document so
	// per-agent argument hydration can run at dispatch time.
	RequiredParams []string `json:"required_params,omitempty"`
	ScriptID       string   `json:"script_id,omitempty"`
}

// RAGResource points a knowledge-base tool at an indexed document set.
type RAGResource struct {
	ResourceID   string `json:"resource_id" bson:"resource_id"`
	CollectionID string `json:"collection_id" bson:"collection_id"`
	Description  string `json:"description" bson:"description"`
}

// BridgeConfig is the resolved, ready-to-execute configuration of one
// agent. It is produced by the Resolver and shared read-only with the
// engine.
type BridgeConfig struct {
	BridgeID      string                 `json:"bridge_id"`
	VersionID     string                 `json:"version_id,omitempty"`
	OrgID         string                 `json:"org_id"`
	FolderID      string                 `json:"folder_id,omitempty"`
	Name          string                 `json:"name"`
	OrgName       string                 `json:"org_name"`
	Service       string                 `json:"service"`
	Model         string                 `json:"model"`
	Configuration map[string]interface{} `json:"configuration"`
	Type          string                 `json:"type"` // chat | reasoning | embedding | image | video

	APIKey         string            `json:"-"` // decrypted, never serialized
	APIKeyObjectID map[string]string `json:"apikey_object_id,omitempty"`

	Tools       []ToolSpec              `json:"tools"`
	ToolBinding map[string]*ToolBinding `json:"tool_id_and_name_mapping"`
	ToolChoice  interface{}             `json:"tool_choice,omitempty"`

	ConnectedAgents map[string]*ConnectedAgent `json:"connected_agents,omitempty"`
	PreTool         *PreTool                   `json:"pre_tools,omitempty"`

	VariablesPath  map[string]map[string]string `json:"variables_path,omitempty"`
	VariablesState map[string]VariableState     `json:"variables_state,omitempty"`
	Variables      map[string]interface{}       `json:"variables,omitempty"`

	BuiltInTools     []string      `json:"built_in_tools,omitempty"`
	WebSearchFilters []string      `json:"web_search_filters,omitempty"`
	RAGData          []RAGResource `json:"rag_data,omitempty"`

	Guardrails Guardrails `json:"guardrails"`
	FallBack   FallBack   `json:"fall_back"`

	ToolCallCount int `json:"tool_call_count"`

	GPTMemory        bool   `json:"gpt_memory"`
	GPTMemoryContext string `json:"gpt_memory_context,omitempty"`
	BridgeSummary    string `json:"bridge_summary,omitempty"`

	BridgeType     string `json:"bridgeType,omitempty"` // "chatbot" enables the rich-text path
	IsRichText     bool   `json:"is_rich_text"`
	ReasoningModel bool   `json:"reasoning_model"`
	WrapperID      string `json:"wrapper_id,omitempty"`
	Template       string `json:"template,omitempty"`
	UserReference  string `json:"user_reference,omitempty"`
}

// ResolvedConfiguration is the Resolver output: the entry bridge plus the
// flat map of every reachable connected agent.
type ResolvedConfiguration struct {
	PrimaryBridgeID      string                   `json:"primary_bridge_id"`
	BridgeConfigurations map[string]*BridgeConfig `json:"bridge_configurations"`
}

// UserURL attaches an uploaded artifact to the user turn.
type UserURL struct {
	URL  string `json:"url"`
	Type string `json:"type"` // image | pdf | audio
}

// ChatCall is the engine's unit of work for one request: the caller's
// inputs joined with the resolved configuration.
type ChatCall struct {
	Config         *BridgeConfig
	Configurations map[string]*BridgeConfig

	User        string
	ThreadID    string
	SubThreadID string
	MessageID   string

	Variables map[string]interface{}
	UserURLs  []UserURL

	ResponseFormat   ResponseFormat
	OrchestratorFlag bool
	ThreadFlag       bool
	IsPlayground     bool

	// Transfer chain state. ParentBridgeID and TransferRequestID are set
	// when this call was entered through a transfer.
	ParentBridgeID    string
	TransferRequestID string
	Transfers         *TransferHistory

	// PrimaryBridgeID is the id the request entered with; the stickiness
	// key is derived from it even after transfers.
	PrimaryBridgeID string

	Timer *Timer
	Depth int // recursive agent-call depth
}

// ChatRequest is the adapter-facing request for one model invocation. The
// adapter owns Transcript: an opaque provider-shaped conversation that the
// tool loop extends via MergeToolResults between invocations.
type ChatRequest struct {
	Service string
	Model   string
	APIKey  string

	// Params carries provider-vocabulary parameters produced by the
	// normalizer (temperature, top_p, max tokens key, response format...).
	Params map[string]interface{}

	Prompt       string // system / developer prompt
	User         string
	Conversation []ConversationMessage
	Memory       string

	Images []string
	Files  []string
	Audios []string

	Tools      []ToolSpec
	ToolChoice interface{}

	BuiltInTools     []string
	WebSearchFilters []string

	ReasoningModel bool

	// Transcript is nil before the first Chat call; adapters initialize it
	// and keep extending it across tool rounds.
	Transcript interface{}
}

// ConversationMessage is one prior turn hydrated from the conversation
// cache or the persistence store.
type ConversationMessage struct {
	Role    string `json:"role" bson:"role"`
	Content string `json:"content" bson:"content"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID      string
	Name    string
	Args    map[string]interface{}
	RawArgs string
	// ParseError is set when the provider's argument payload was not valid
	// JSON; the tool is answered with an error string instead of running.
	ParseError bool
}

// ToolResult is the outcome of one tool execution, JSON-encoded for the
// model.
type ToolResult struct {
	CallID  string
	Name    string
	Content string
}

// ChatResult is the normalized outcome of one model invocation.
type ChatResult struct {
	ID           string
	Model        string
	Role         string
	Content      string
	FinishReason string // raw provider value; normalized by the formatter
	ToolCalls    []ToolCall
	Annotations  []interface{}
	Usage        Usage
	// Raw keeps the provider-shaped response for diagnostics and the
	// hallucination probe.
	Raw interface{}
	// AlertFlag marks a response whose visible content stripped to empty
	// while raw content existed.
	AlertFlag bool
}

// Adapter is the per-provider capability interface. The engine never
// branches on service name for transport concerns; request-shape
// differences live behind this boundary.
type Adapter interface {
	// Name returns the service identifier the adapter serves.
	Name() string
	// Chat performs one model invocation. On the first call the adapter
	// builds its transcript from the request; later calls reuse the
	// transcript extended by MergeToolResults.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error)
	// DetectToolCalls extracts tool-call intent from a result.
	DetectToolCalls(res *ChatResult) []ToolCall
	// MergeToolResults splices the assistant tool-call turn and its results
	// into the transcript, in call order.
	MergeToolResults(req *ChatRequest, res *ChatResult, results []ToolResult)
}

// ImageGenerator is implemented by adapters that support image generation.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, req *ChatRequest) (*ImageResult, error)
}

// ImageResult is the normalized image-generation outcome.
type ImageResult struct {
	Images []GeneratedImage
	Usage  Usage
}

// GeneratedImage is one produced artifact.
type GeneratedImage struct {
	RevisedPrompt string `json:"revised_prompt"`
	ImageURL      string `json:"image_url"`
	PermanentURL  string `json:"permanent_url"`
	Size          string `json:"size,omitempty"`
}

// Embedder is implemented by adapters that support embeddings.
type Embedder interface {
	Embed(ctx context.Context, model, apikey, text string) ([]float64, error)
}

// BatchService is implemented by adapters whose provider has a batch API.
type BatchService interface {
	// BatchSubmit ships the prepared request lines and returns the provider
	// batch id.
	BatchSubmit(ctx context.Context, apikey string, requests []string) (string, error)
	// BatchPoll checks a batch. done is true on any terminal state; results
	// then contain per-item rows (successes and errors interleaved).
	BatchPoll(ctx context.Context, apikey, batchID string) (results []map[string]interface{}, done bool, err error)
}

// AdapterFactory builds the adapter for a service. The engine receives one
// at construction; the providers package supplies the production
// implementation.
type AdapterFactory func(service string) (Adapter, error)
