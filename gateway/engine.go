package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// EngineConfig carries the execution engine's tunables.
type EngineConfig struct {
	// MaxToolWorkers bounds the parallel tool fan-out per turn.
	MaxToolWorkers int
	// VectorServiceURL serves RAG queries.
	VectorServiceURL string
	// VectorServiceKey authorizes RAG queries.
	VectorServiceKey string
	// FirecrawlKey authorizes the web-crawl built-in.
	FirecrawlKey string
	// AiMlAPIKey is the built-in ai_ml credential used on fallback when the
	// fallback configuration names ai_ml without a key.
	AiMlAPIKey string
}

// PostPublisher ships the post-processing bundle of a completed turn to
// the secondary queue.
type PostPublisher interface {
	PublishPost(ctx context.Context, bundle *PostProcessBundle) error
}

// Engine orchestrates bridge turns: prompt assembly, adapter dispatch,
// tool-call recursion, transfers, fallback retry, cost accounting and
// asynchronous post-processing.
type Engine struct {
	store         DocStore
	cache         *CacheService
	ledger        *Ledger
	catalog       *CatalogHolder
	adapters      AdapterFactory
	conversations *Conversations
	guardrails    *GuardrailsChecker
	memory        *MemoryService
	deliverer     *Deliverer
	alerts        *AlertDispatcher
	history       *HistoryWriter
	postQueue     PostPublisher
	httpClient    *http.Client
	cfg           EngineConfig
	logger        Logger
}

// NewEngine wires an execution engine. postQueue may be nil (post
// processing is then skipped), as in tests.
func NewEngine(store DocStore, cache *CacheService, ledger *Ledger, catalog *CatalogHolder,
	adapters AdapterFactory, guardrails *GuardrailsChecker, memory *MemoryService,
	deliverer *Deliverer, alerts *AlertDispatcher, postQueue PostPublisher,
	cfg EngineConfig, logger Logger) *Engine {
	if cfg.MaxToolWorkers <= 0 {
		cfg.MaxToolWorkers = 10
	}
	return &Engine{
		store:         store,
		cache:         cache,
		ledger:        ledger,
		catalog:       catalog,
		adapters:      adapters,
		conversations: NewConversations(cache, store, logger),
		guardrails:    guardrails,
		memory:        memory,
		deliverer:     deliverer,
		alerts:        alerts,
		history:       NewHistoryWriter(store, cache, logger),
		postQueue:     postQueue,
		httpClient:    &http.Client{Timeout: 60 * time.Second},
		cfg:           cfg,
		logger:        logger,
	}
}

// ChatInput is the caller's portion of a chat request after resolution.
type ChatInput struct {
	User             string
	ThreadID         string
	SubThreadID      string
	Variables        map[string]interface{}
	UserURLs         []UserURL
	ResponseFormat   ResponseFormat
	OrchestratorFlag bool
	ThreadFlag       bool
	IsPlayground     bool
	ToolCallCount    int
	FallBack         *FallBack
	Timer            *Timer
}

// Run executes a resolved configuration. The entry bridge honors the
// thread's pinned agent when a transfer previously landed the conversation
// elsewhere.
func (e *Engine) Run(ctx context.Context, resolved *ResolvedConfiguration, in *ChatInput) (*Response, error) {
	if resolved == nil || len(resolved.BridgeConfigurations) == 0 {
		return nil, NewValidationError("No bridge configurations found")
	}
	primary := resolved.PrimaryBridgeID

	threadID := in.ThreadID
	subThreadID := in.SubThreadID
	if subThreadID == "" {
		subThreadID = threadID
	}
	if threadID != "" {
		stickyKey := keyLastTransferredAgent + primary + "_" + threadID + "_" + subThreadID
		var pinned string
		if found, _ := e.cache.FindJSON(ctx, stickyKey, &pinned); found {
			if _, ok := resolved.BridgeConfigurations[pinned]; ok {
				e.logger.Info(ctx, "using pinned agent for thread",
					F("agent", pinned), F("thread_id", threadID))
				primary = pinned
			}
		}
	}
	config, ok := resolved.BridgeConfigurations[primary]
	if !ok {
		for id, cfg := range resolved.BridgeConfigurations {
			primary, config = id, cfg
			break
		}
	}

	timer := in.Timer
	if timer == nil {
		timer = NewTimer()
	}

	call := &ChatCall{
		Config:            config,
		Configurations:    resolved.BridgeConfigurations,
		User:              in.User,
		ThreadID:          threadID,
		SubThreadID:       subThreadID,
		MessageID:         newUUIDv1(),
		Variables:         mergeVariables(config.Variables, in.Variables),
		UserURLs:          in.UserURLs,
		ResponseFormat:    in.ResponseFormat,
		OrchestratorFlag:  in.OrchestratorFlag,
		ThreadFlag:        in.ThreadFlag,
		IsPlayground:      in.IsPlayground,
		PrimaryBridgeID:   resolved.PrimaryBridgeID,
		TransferRequestID: newUUIDv1(),
		Transfers:         &TransferHistory{},
		Timer:             timer,
	}
	if in.ToolCallCount > 0 {
		call.Config.ToolCallCount = in.ToolCallCount
	}
	if in.FallBack != nil {
		call.Config.FallBack = *in.FallBack
	}
	return e.chat(ctx, call)
}

// chat runs one bridge turn end to end, recursing through transfers.
func (e *Engine) chat(ctx context.Context, call *ChatCall) (*Response, error) {
	config := call.Config
	variables := call.Variables
	executionLogs := []StepLog{}
	functionLogs := []StepLog{}
	tokenCalc := NewTokenCalculator()

	// Guardrails short-circuit: blocked content returns a policy response,
	// not an error, and never reaches the upstream model.
	if verdict := e.guardrails.Check(ctx, config.Guardrails, call.User); verdict != nil {
		return PolicyResponse(verdict.Reason, call.MessageID), nil
	}

	prompt, _ := config.Configuration["prompt"].(string)
	prompt = AddDefaultTemplate(prompt)
	AddUserToVariables(variables, call.User)

	entry, err := e.catalog.Current().Lookup(config.Service, config.Model)
	if err != nil {
		return nil, NewValidationError("Model %s not found in ModelsConfig.", config.Model)
	}
	customConfig := BuildCustomConfig(entry, config.Configuration)
	ApplyFineTuneModel(config, customConfig)

	if err := e.runPreTool(ctx, call); err != nil {
		// A failed pre-tool surfaces as a variable, never as a failure.
		variables["pre_function"] = "Error while calling prefunction. Error message: " + err.Error()
	}

	threadInfo, conversation := e.conversations.ManageThreads(ctx,
		config.OrgID, config.BridgeID, config.VersionID, call.ThreadID, call.SubThreadID)
	call.ThreadID = threadInfo.ThreadID
	call.SubThreadID = threadInfo.SubThreadID

	files := urlsOfType(call.UserURLs, "pdf")
	if len(files) == 0 {
		files = e.conversations.PendingFiles(ctx, config.BridgeID, call.ThreadID, call.SubThreadID)
	}

	ApplyVariableDefaults(variables, config.VariablesState)

	memory := ""
	if config.GPTMemory && !threadInfo.Generated {
		memoryID := MemoryID(call.ThreadID, call.SubThreadID, firstNonEmpty(config.VersionID, config.BridgeID))
		memory = e.memory.Fetch(ctx, memoryID)
	}

	var missing map[string]string
	prompt, missing = ReplaceVariables(prompt, variables)
	if config.Template != "" {
		templated := map[string]interface{}{"system_prompt": prompt}
		for k, v := range variables {
			templated[k] = v
		}
		prompt, missing = ReplaceVariables(config.Template, templated)
	}
	missing = FilterMissingVariables(missing, config.VariablesState)
	if len(missing) > 0 {
		e.alerts.Dispatch(Alert{
			AlertType:  AlertTypeVariable,
			OrgID:      config.OrgID,
			OrgName:    config.OrgName,
			BridgeID:   config.BridgeID,
			BridgeName: config.Name,
			ThreadID:   call.ThreadID,
			Service:    config.Service,
			Error:      missing,
		})
	}

	customConfig = ResolveSentinels(entry.Configuration, customConfig, config.Service)
	if responseType, ok := customConfig["response_type"].(map[string]interface{}); ok {
		if responseType["type"] == "json_schema" {
			customConfig["response_type"] = RestructureJSONSchema(responseType, config.Service)
		}
	}

	outcome, execErr := e.executeTurn(ctx, call, config, customConfig, prompt, conversation, memory, files, tokenCalc, &executionLogs, &functionLogs)

	// Transfer: the current bridge commits its history and cost, then the
	// engine re-enters with the target bridge. An unknown target downgrades
	// the turn to a normal completion.
	if execErr == nil && outcome.Transfer != nil {
		if _, known := call.Configurations[outcome.Transfer.AgentID]; known && outcome.Transfer.AgentID != "" {
			return e.handleTransfer(ctx, call, outcome, tokenCalc, threadInfo, executionLogs, functionLogs)
		}
		e.logger.Warn(ctx, "transfer target not in bridge_configurations",
			F("agent_id", outcome.Transfer.AgentID))
		outcome.Transfer = nil
	}

	// Fallback retry: exactly one alternative configuration attempt.
	var firstAttemptError string
	if execErr != nil && config.FallBack.IsEnable {
		originalService, originalModel := config.Service, config.Model
		outcome, err = e.retryWithFallback(ctx, call, config, prompt, conversation, memory, files, tokenCalc, &executionLogs, &functionLogs)
		if err != nil {
			restored := &chainedError{initial: execErr, fallback: err}
			e.failTurn(ctx, call, threadInfo, restored, tokenCalc, executionLogs, functionLogs)
			return nil, restored
		}
		firstAttemptError = fmt.Sprintf("Original attempt failed with %s/%s: %v. Retried with %s/%s",
			originalService, originalModel, execErr, config.FallBack.Service, config.FallBack.Model)
		e.alerts.Dispatch(Alert{
			AlertType:  AlertTypeRetry,
			OrgID:      config.OrgID,
			OrgName:    config.OrgName,
			BridgeID:   config.BridgeID,
			BridgeName: config.Name,
			ThreadID:   call.ThreadID,
			Service:    config.Service,
			Error:      execErr.Error(),
		})
		execErr = nil
	}
	if execErr != nil {
		e.failTurn(ctx, call, threadInfo, execErr, tokenCalc, executionLogs, functionLogs)
		return nil, execErr
	}

	response := FormatResponse(outcome.Result, outcome.ToolsData)
	response.Data.MessageID = call.MessageID
	if firstAttemptError != "" {
		response.Data.Fallback = true
		response.Data.FirstAttemptError = firstAttemptError
	}
	response.Usage.Usage = tokenCalc.Total()

	pricing := entry.Pricing
	if firstAttemptError != "" {
		if fbEntry, err := e.catalog.Current().Lookup(config.FallBack.Service, config.FallBack.Model); err == nil {
			pricing = fbEntry.Pricing
		}
	}
	cost := tokenCalc.TotalCost(pricing)
	response.Usage.Cost = cost.TotalCost

	latency := BuildLatency(call.Timer, executionLogs, functionLogs)

	if !call.IsPlayground {
		e.finishTurn(ctx, call, threadInfo, conversation, response, outcome, cost, latency, prompt, customConfig, files)
	}
	return response, nil
}

// finishTurn performs the post-flight work of a successful turn: channel
// delivery, history persistence (transfer-aware), conversation cache
// refresh, cost accounting and the secondary-queue bundle.
func (e *Engine) finishTurn(ctx context.Context, call *ChatCall, threadInfo ThreadInfo,
	conversation []ConversationMessage, response *Response, outcome *turnOutcome, cost Cost, latency Latency,
	prompt string, customConfig map[string]interface{}, files []string) {
	config := call.Config

	if call.ResponseFormat.Type != ResponseFormatDefault && call.ResponseFormat.Type != "" {
		if err := e.deliverer.Send(ctx, call.ResponseFormat, response, true, call.Variables); err != nil {
			e.logger.Error(ctx, "response delivery failed", F("error", err.Error()))
		}
	}

	row := e.history.BuildRow(call, response, outcome.ToolLogs, customConfig, latency, prompt)
	e.history.SaveChain(ctx, call, threadInfo, row)

	e.conversations.Refresh(ctx, config.VersionID, threadInfo, conversation, call.User, response.Data.Content)

	e.ledger.UpdateCost(ctx, CostUpdate{
		BridgeID:       config.BridgeID,
		FolderID:       config.FolderID,
		APIKeyObjectID: config.APIKeyObjectID[config.Service],
		TotalCost:      cost.TotalCost,
	})
	go e.ledger.UpdateLastUsed(context.WithoutCancel(ctx), config.BridgeID, config.APIKeyObjectID[config.Service])

	// Pin the final assistant bridge so the next request in this thread
	// starts where the conversation landed.
	e.history.PinAgent(ctx, call)

	if e.postQueue != nil {
		bundle := BuildPostProcessBundle(call, threadInfo, response, outcome.Result, files)
		if err := e.postQueue.PublishPost(ctx, bundle); err != nil {
			e.logger.Error(ctx, "post-process publish failed", F("error", err.Error()))
		}
	}
}

// failTurn records metrics, an error history row, channel delivery of the
// error, and the exception alert.
func (e *Engine) failTurn(ctx context.Context, call *ChatCall, _ ThreadInfo, execErr error,
	tokenCalc *TokenCalculator, executionLogs, functionLogs []StepLog) {
	if call.IsPlayground {
		return
	}
	config := call.Config
	latency := BuildLatency(call.Timer, executionLogs, functionLogs)

	metric := &MetricRow{
		OrgID:        config.OrgID,
		BridgeID:     config.BridgeID,
		ThreadID:     call.ThreadID,
		MessageID:    call.MessageID,
		Service:      config.Service,
		Model:        config.Model,
		Success:      false,
		Error:        execErr.Error(),
		Latency:      latency,
		InputTokens:  tokenCalc.Total().InputTokens,
		OutputTokens: tokenCalc.Total().OutputTokens,
		TotalTokens:  tokenCalc.Total().TotalTokens,
		APIKeyObjID:  config.APIKeyObjectID[config.Service],
		Variables:    call.Variables,
	}
	if err := e.store.SaveMetrics(ctx, []*MetricRow{metric}); err != nil {
		e.logger.Error(ctx, "metric save failed", F("error", err.Error()))
	}

	row := e.history.BuildErrorRow(call, execErr, latency)
	if err := e.store.SaveConversation(ctx, []*ConversationRow{row}); err != nil {
		e.logger.Error(ctx, "error history save failed", F("error", err.Error()))
	}

	if call.ResponseFormat.Type != ResponseFormatDefault && call.ResponseFormat.Type != "" {
		_ = e.deliverer.Send(ctx, call.ResponseFormat, execErr.Error(), false, call.Variables)
	}

	e.alerts.Dispatch(Alert{
		AlertType:  AlertTypeException,
		OrgID:      config.OrgID,
		OrgName:    config.OrgName,
		BridgeID:   config.BridgeID,
		BridgeName: config.Name,
		ThreadID:   call.ThreadID,
		Service:    config.Service,
		MessageID:  call.MessageID,
		Message:    "Exception for the code",
		Error:      execErr.Error(),
	})
}

// retryWithFallback swaps in the fallback service/model/key, rebuilding the
// provider configuration when the service changed, and reruns exactly once.
func (e *Engine) retryWithFallback(ctx context.Context, call *ChatCall, config *BridgeConfig,
	prompt string, conversation []ConversationMessage, memory string, files []string,
	tokenCalc *TokenCalculator, executionLogs, functionLogs *[]StepLog) (*turnOutcome, error) {
	fb := config.FallBack
	if fb.Model != "" {
		config.Model = fb.Model
	}
	if fb.Service != "" && fb.Service != config.Service {
		config.Service = fb.Service
		apikey := fb.APIKey
		if apikey == "" && fb.Service == ServiceAiMl {
			apikey = e.cfg.AiMlAPIKey
		}
		if apikey != "" {
			config.APIKey = apikey
		}
	} else if fb.APIKey != "" {
		config.APIKey = fb.APIKey
	}

	entry, err := e.catalog.Current().Lookup(config.Service, config.Model)
	if err != nil {
		return nil, NewValidationError("Model %s not found in ModelsConfig.", config.Model)
	}
	customConfig := ResolveSentinels(entry.Configuration, BuildCustomConfig(entry, config.Configuration), config.Service)
	if responseType, ok := customConfig["response_type"].(map[string]interface{}); ok {
		if responseType["type"] == "json_schema" {
			customConfig["response_type"] = RestructureJSONSchema(responseType, config.Service)
		}
	}
	return e.executeTurn(ctx, call, config, customConfig, prompt, conversation, memory, files, tokenCalc, executionLogs, functionLogs)
}

// turnOutcome is the result of the dispatch + tool loop for one bridge.
type turnOutcome struct {
	Result    *ChatResult
	ToolsData map[string]interface{}
	ToolLogs  []interface{}
	Transfer  *TransferConfig
}

// executeTurn dispatches the model call and drives the tool loop up to the
// bridge's tool_call_count.
func (e *Engine) executeTurn(ctx context.Context, call *ChatCall, config *BridgeConfig,
	customConfig map[string]interface{}, prompt string, conversation []ConversationMessage,
	memory string, files []string, tokenCalc *TokenCalculator,
	executionLogs, functionLogs *[]StepLog) (*turnOutcome, error) {

	adapter, err := e.adapters(config.Service)
	if err != nil {
		return nil, err
	}

	params := FormatForService(stripEngineKeys(customConfig), config.Service, "default")
	req := &ChatRequest{
		Service:          config.Service,
		Model:            config.Model,
		APIKey:           config.APIKey,
		Params:           params,
		Prompt:           prompt,
		User:             call.User,
		Conversation:     conversation,
		Memory:           memory,
		Images:           urlsOfType(call.UserURLs, "image"),
		Files:            files,
		Audios:           urlsOfType(call.UserURLs, "audio"),
		Tools:            config.Tools,
		ToolChoice:       config.ToolChoice,
		BuiltInTools:     config.BuiltInTools,
		WebSearchFilters: config.WebSearchFilters,
		ReasoningModel:   config.ReasoningModel,
	}

	outcome := &turnOutcome{ToolsData: map[string]interface{}{}}
	for depth := 0; ; depth++ {
		stepTimer := time.Now()
		result, err := adapter.Chat(ctx, req)
		*executionLogs = append(*executionLogs, StepLog{
			Step:      fmt.Sprintf("%s Processing time for call :- %d", config.Service, depth+1),
			TimeTaken: time.Since(stepTimer).Seconds(),
		})
		if err != nil {
			return nil, fmt.Errorf("error occurs from %s api %w", config.Service, err)
		}
		tokenCalc.Add(result.Usage)
		outcome.Result = result

		calls := adapter.DetectToolCalls(result)
		if len(calls) == 0 || depth >= config.ToolCallCount {
			return outcome, nil
		}

		if transfer := detectTransfer(calls, config.ToolBinding); transfer != nil {
			outcome.Transfer = transfer
			return outcome, nil
		}

		hydrateToolArgs(calls, config.ToolBinding, config.VariablesPath, call.Variables)

		if call.ResponseFormat.Type != ResponseFormatDefault && call.ResponseFormat.Type != "" {
			names := make([]string, len(calls))
			for i, c := range calls {
				names[i] = c.Name
			}
			go e.deliverer.Send(context.WithoutCancel(ctx), call.ResponseFormat,
				map[string]interface{}{"function_call": true, "Name": names}, true, nil)
		}

		toolTimer := time.Now()
		results, logs := e.runTools(ctx, call, config, calls)
		executed := make([]string, 0, len(calls))
		for _, c := range calls {
			executed = append(executed, c.Name)
		}
		*functionLogs = append(*functionLogs, StepLog{
			Step:      strings.Join(executed, ", "),
			TimeTaken: time.Since(toolTimer).Seconds(),
		})

		for i, r := range results {
			outcome.ToolsData[calls[i].Name] = r.Content
		}
		outcome.ToolLogs = append(outcome.ToolLogs, logs...)

		adapter.MergeToolResults(req, result, results)
		// Prevent a forced tool choice from looping forever.
		if req.ToolChoice != nil && req.ToolChoice != "auto" && req.ToolChoice != "none" {
			req.ToolChoice = "auto"
		}
	}
}

// runPreTool executes the configured pre-tool HTTP function and stores its
// result under variables.pre_function.
func (e *Engine) runPreTool(ctx context.Context, call *ChatCall) error {
	pre := call.Config.PreTool
	if pre == nil {
		return nil
	}
	args := map[string]interface{}{}
	paths := call.Config.VariablesPath[pre.ScriptID]
	for _, param := range pre.RequiredParams {
		if mapped, ok := paths[param]; ok {
			if value := lookupPath(call.Variables, mapped); value != nil {
				args[param] = value
				continue
			}
		}
		if value, ok := call.Variables[param]; ok {
			args[param] = value
		}
	}
	args["user"] = call.User

	response, err := e.postJSON(ctx, preToolURL(pre.Name), nil, args)
	if err != nil {
		return err
	}
	call.Variables["pre_function"] = response
	return nil
}

func preToolURL(name string) string {
	return "https://flow.sokt.io/func/" + name
}

func stripEngineKeys(customConfig map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(customConfig))
	for k, v := range customConfig {
		switch k {
		case "prompt", "conversation", "type", "response_format", "is_rich_text", "fine_tune_model", "tone", "responseStyle", "tools", "tool_choice":
			continue
		}
		out[k] = v
	}
	return out
}

func urlsOfType(urls []UserURL, kind string) []string {
	var out []string
	for _, u := range urls {
		if u.Type == kind && u.URL != "" {
			out = append(out, u.URL)
		}
	}
	return out
}

func mergeVariables(base, caller map[string]interface{}) map[string]interface{} {
	merged := map[string]interface{}{}
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range caller {
		merged[k] = v
	}
	return merged
}

// lookupPath walks a dot-separated path through nested maps.
func lookupPath(variables map[string]interface{}, path string) interface{} {
	keys := strings.Split(path, ".")
	var current interface{} = variables
	for _, key := range keys {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = m[key]
		if !ok {
			return nil
		}
	}
	return current
}

// setPath writes value at a dot-separated path, creating intermediate maps.
func setPath(args map[string]interface{}, path string, value interface{}) {
	keys := strings.Split(path, ".")
	current := args
	for i, key := range keys {
		if i == len(keys)-1 {
			current[key] = value
			return
		}
		next, ok := current[key].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			current[key] = next
		}
		current = next
	}
}

// hydrateToolArgs overwrites tool-call arguments whose variables_path maps
// an argument path to a variables path. AGENT tools key their mapping by
// target bridge id, HTTP tools by script id.
func hydrateToolArgs(calls []ToolCall, bindings map[string]*ToolBinding, variablesPath map[string]map[string]string, variables map[string]interface{}) {
	if len(variablesPath) == 0 {
		return
	}
	for i := range calls {
		call := &calls[i]
		if call.Args == nil {
			continue
		}
		binding := bindings[call.Name]
		lookupName := call.Name
		if binding != nil {
			if binding.Type == ToolTypeAgent {
				lookupName = binding.BridgeID
			} else if binding.ScriptID != "" {
				lookupName = binding.ScriptID
			}
		}
		paths, ok := variablesPath[lookupName]
		if !ok {
			continue
		}
		for argPath, varPath := range paths {
			if value := lookupPath(variables, varPath); value != nil {
				setPath(call.Args, argPath, value)
			}
		}
	}
}

// detectTransfer finds the first non-errored tool call requesting a
// transfer and resolves its target agent.
func detectTransfer(calls []ToolCall, bindings map[string]*ToolBinding) *TransferConfig {
	for _, call := range calls {
		if call.ParseError || call.Args == nil {
			continue
		}
		actionType, _ := call.Args["action_type"].(string)
		if actionType != "transfer" {
			continue
		}
		agentID := ""
		if binding, ok := bindings[call.Name]; ok && binding != nil {
			agentID = binding.BridgeID
		}
		userQuery, _ := call.Args["_query"].(string)
		return &TransferConfig{
			AgentID:      agentID,
			ToolName:     call.Name,
			UserQuery:    userQuery,
			ActionType:   actionType,
			AllArguments: call.Args,
			ToolCallID:   call.ID,
		}
	}
	return nil
}
