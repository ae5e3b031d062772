package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ResolveRequest carries caller inputs into configuration resolution.
// Everything besides BridgeID is optional; caller values win over stored
// ones on key presence.
type ResolveRequest struct {
	BridgeID         string
	VersionID        string
	OrgID            string
	Service          string
	APIKey           string
	TemplateID       string
	Configuration    map[string]interface{}
	Variables        map[string]interface{}
	VariablesPath    map[string]map[string]string
	ExtraTools       []map[string]interface{}
	BuiltInTools     []string
	WebSearchFilters []string
	Guardrails       *Guardrails
	OrchestratorFlag bool
	Chatbot          bool
}

// ResolverConfig carries the service-level defaults the resolver needs.
type ResolverConfig struct {
	// ScriptBaseURL prefixes stored function script ids into callable URLs.
	ScriptBaseURL string
	// AiMlAPIKey is the built-in credential used when an ai_ml bridge has
	// none of its own.
	AiMlAPIKey string
	// ChatbotOpenAIKey is the reserved key for gpt-5-nano chatbot bridges.
	ChatbotOpenAIKey string
}

// Resolver produces ready-to-execute BridgeConfigs from stored bridge
// documents, expanding connected agents into a flat map.
type Resolver struct {
	store   DocStore
	cache   *CacheService
	ledger  *Ledger
	cipher  *Cipher
	catalog *CatalogHolder
	cfg     ResolverConfig
	logger  Logger
}

// NewResolver wires a resolver.
func NewResolver(store DocStore, cache *CacheService, ledger *Ledger, cipher *Cipher, catalog *CatalogHolder, cfg ResolverConfig, logger Logger) *Resolver {
	if cfg.ScriptBaseURL == "" {
		cfg.ScriptBaseURL = "https://flow.sokt.io/func/"
	}
	return &Resolver{
		store:   store,
		cache:   cache,
		ledger:  ledger,
		cipher:  cipher,
		catalog: catalog,
		cfg:     cfg,
		logger:  logger,
	}
}

// Resolve builds the primary bridge configuration plus every reachable
// connected agent, keyed by bridge id. Cycles in the agent graph are cut
// by a visited set.
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) (*ResolvedConfiguration, error) {
	base, doc, resolvedID, err := r.prepareOne(ctx, req)
	if err != nil {
		return nil, err
	}

	configKey := resolvedID
	if configKey == "" {
		configKey = req.BridgeID
	}
	base.BridgeID = configKey

	visited := map[string]bool{}
	for _, id := range []string{req.BridgeID, resolvedID, configKey} {
		if id != "" {
			visited[id] = true
		}
	}

	configurations := map[string]*BridgeConfig{configKey: base}
	if err := r.collectConnectedAgents(ctx, doc, req.OrgID, visited, configurations); err != nil {
		return nil, err
	}

	return &ResolvedConfiguration{
		PrimaryBridgeID:      configKey,
		BridgeConfigurations: configurations,
	}, nil
}

// prepareOne resolves a single bridge without expanding its agents.
func (r *Resolver) prepareOne(ctx context.Context, req ResolveRequest) (*BridgeConfig, *BridgeDoc, string, error) {
	doc, resolvedID, err := r.loadBridgeDoc(ctx, req.BridgeID, req.OrgID, req.VersionID)
	if err != nil {
		return nil, nil, "", err
	}
	if doc.BridgeStatus == 0 {
		return nil, nil, "", ErrBridgePaused
	}

	chatbot := req.Chatbot || doc.BridgeType == "chatbot"

	// Service canonicalization before the limit check so the API-key limit
	// resolves against the right credential.
	service := req.Service
	if service == "" {
		service = strings.ToLower(doc.Service)
	}
	if service == "openai_response" {
		service = ServiceOpenAI
	}
	if doc.OpenAICompletion {
		service = ServiceOpenAICompletion
	}

	if err := r.ledger.CheckLimits(ctx, doc, service, req.VersionID); err != nil {
		return nil, nil, "", err
	}

	configuration := mergeConfiguration(doc.Configuration, req.Configuration)

	apikey, apikeyObjectID, fallBack, err := r.resolveAPIKey(doc, service, req.APIKey, chatbot, configuration)
	if err != nil {
		return nil, nil, "", err
	}

	cfgType, _ := configuration["type"].(string)
	if cfgType == "" {
		cfgType = "chat"
	}
	model, _ := configuration["model"].(string)
	if !IsKnownService(service) {
		return nil, nil, "", NewValidationError("Unsupported service: %s", service)
	}
	if cfgType == "chat" || cfgType == "reasoning" {
		if _, err := r.catalog.Current().Lookup(service, model); err != nil {
			return nil, nil, "", NewValidationError("Model %s not found in ModelsConfig.", model)
		}
	}

	bridgeID := doc.ID
	if doc.ParentID != "" {
		bridgeID = doc.ParentID
	}
	versionID := req.VersionID
	if versionID == "" {
		versionID = doc.PublishedVersionID
	}

	config := &BridgeConfig{
		BridgeID:         bridgeID,
		VersionID:        versionID,
		OrgID:            firstNonEmpty(req.OrgID, doc.OrgID),
		FolderID:         doc.FolderID,
		Name:             doc.Name,
		Service:          service,
		Model:            model,
		Configuration:    configuration,
		Type:             cfgType,
		APIKey:           apikey,
		APIKeyObjectID:   apikeyObjectID,
		VariablesState:   doc.VariablesState,
		GPTMemory:        doc.GPTMemory,
		GPTMemoryContext: doc.GPTMemoryContext,
		BridgeSummary:    doc.BridgeSummary,
		ToolCallCount:    doc.ToolCallCount,
		Guardrails:       doc.Guardrails,
		ConnectedAgents:  doc.ConnectedAgents,
		WrapperID:        doc.WrapperID,
		UserReference:    doc.UserReference,
		RAGData:          doc.DocIDs,
		IsRichText:       boolFromConfig(configuration, "is_rich_text", true),
	}
	if chatbot {
		config.BridgeType = "chatbot"
	}
	if config.ToolCallCount == 0 {
		config.ToolCallCount = 3
	}
	if req.Guardrails != nil {
		config.Guardrails = *req.Guardrails
	}
	if fallBack != nil {
		config.FallBack = *fallBack
	}
	config.ReasoningModel = cfgType == "reasoning" || isReasoningModel(model)

	// Image bridges need no tool materialization.
	if cfgType == "image" || cfgType == "video" || cfgType == "embedding" {
		return config, doc, bridgeID, nil
	}

	config.ToolChoice = r.setupToolChoice(configuration, doc, service)

	variablesPath := doc.VariablesPath
	if variablesPath == nil {
		variablesPath = map[string]map[string]string{}
	}
	tools, bindings, variablesPath := r.setupTools(doc, variablesPath, req.ExtraTools)
	if len(req.VariablesPath) > 0 {
		variablesPath = req.VariablesPath
	}
	config.VariablesPath = variablesPath

	builtIn := req.BuiltInTools
	if len(builtIn) == 0 {
		builtIn = doc.BuiltInTools
	}
	config.BuiltInTools = builtIn

	webSearchFilters := req.WebSearchFilters
	if len(webSearchFilters) == 0 {
		webSearchFilters = doc.WebSearchFilters
	}
	config.WebSearchFilters = webSearchFilters

	prompt, _ := configuration["prompt"].(string)
	prompt = appendToneAndStyle(prompt, configuration)

	addRAGTool(&tools, bindings, doc.DocIDs)
	addWebCrawlTool(&tools, bindings, builtIn, webSearchFilters)
	prompt = addAnthropicJSONSchemaTool(service, configuration, &tools, prompt)
	if len(doc.DocIDs) > 0 {
		prompt = addKnowledgeBaseListing(prompt, doc.DocIDs)
	}
	addConnectedAgentTools(&tools, bindings, doc, req.OrchestratorFlag)

	config.Tools = tools
	config.ToolBinding = bindings

	if len(doc.PreTools) > 0 && len(doc.PreToolsData) > 0 && doc.PreToolsData[0] != nil {
		pre := doc.PreToolsData[0]
		config.PreTool = &PreTool{
			Name:           pre.ScriptID,
			RequiredParams: pre.RequiredParams,
			ScriptID:       pre.ScriptID,
		}
	}

	if req.TemplateID != "" {
		if template, err := r.store.GetTemplate(ctx, req.TemplateID); err == nil && template != "" {
			config.Template = template
		}
	}

	variables := req.Variables
	if variables == nil {
		variables = map[string]interface{}{}
	}
	orgName := r.injectTimezone(ctx, variables, config.OrgID)
	config.OrgName = orgName
	config.Variables = variables

	if config.WrapperID != "" {
		prompt = r.applyPromptWrapper(ctx, config.WrapperID, config.OrgID, prompt, variables)
	}
	configuration["prompt"] = prompt

	return config, doc, bridgeID, nil
}

// loadBridgeDoc fetches the bridge document behind a Redis read-through.
func (r *Resolver) loadBridgeDoc(ctx context.Context, bridgeID, orgID, versionID string) (*BridgeDoc, string, error) {
	id := versionID
	cacheKey := keyBridgeDataWithTools + versionID
	if versionID == "" {
		id = bridgeID
		cacheKey = keyBridgeDataWithTools + bridgeID
	}
	if id == "" {
		return nil, "", ErrBridgeNotFound
	}

	var cached BridgeDoc
	if found, _ := r.cache.FindJSON(ctx, cacheKey, &cached); found {
		return &cached, resolvedBridgeID(&cached, bridgeID), nil
	}

	var doc *BridgeDoc
	var err error
	if versionID != "" {
		doc, err = r.store.GetBridgeVersion(ctx, versionID, orgID)
	} else {
		doc, err = r.store.GetBridge(ctx, bridgeID, orgID)
	}
	if err != nil {
		return nil, "", err
	}
	_ = r.cache.Store(ctx, cacheKey, doc, 0)
	return doc, resolvedBridgeID(doc, bridgeID), nil
}

func resolvedBridgeID(doc *BridgeDoc, requested string) string {
	if requested != "" {
		return requested
	}
	if doc.ParentID != "" {
		return doc.ParentID
	}
	return doc.ID
}

// resolveAPIKey applies the credential precedence: caller key, per-service
// bridge key, folder key, service built-ins. Stored keys are decrypted.
func (r *Resolver) resolveAPIKey(doc *BridgeDoc, service, callerKey string, chatbot bool, configuration map[string]interface{}) (string, map[string]string, *FallBack, error) {
	objectIDs := map[string]string{}
	for svc, id := range doc.APIKeyObjectID {
		objectIDs[svc] = id
	}

	lookupService := service
	if service == ServiceOpenAICompletion {
		lookupService = ServiceOpenAI
	}

	var stored string
	if cred, ok := doc.APIKeys[lookupService]; ok && cred != nil {
		stored = cred.APIKey
		if cred.ObjectID != "" {
			objectIDs[service] = cred.ObjectID
		}
	}
	if cred, ok := doc.FolderAPIKeys[lookupService]; ok && cred != nil && cred.APIKey != "" && stored == "" {
		stored = cred.APIKey
		if cred.ObjectID != "" {
			objectIDs[service] = cred.ObjectID
		}
	}

	apikey := callerKey
	if apikey == "" && service == ServiceAiMl && stored == "" {
		apikey = r.cfg.AiMlAPIKey
	}
	if apikey == "" && chatbot && service == ServiceOpenAI && stored == "" {
		if model, _ := configuration["model"].(string); model == "gpt-5-nano" {
			apikey = r.cfg.ChatbotOpenAIKey
		}
	}

	if apikey == "" && stored == "" {
		return "", nil, nil, ErrMissingAPIKey
	}
	if apikey == "" {
		decrypted, err := r.cipher.Decrypt(stored)
		if err != nil {
			return "", nil, nil, fmt.Errorf("decrypt %s credential: %w", service, err)
		}
		apikey = decrypted
	}

	var fallBack *FallBack
	if doc.FallBack != nil && doc.FallBack.IsEnable {
		fb := *doc.FallBack
		if fb.APIKey == "" {
			if cred, ok := doc.APIKeys[fb.Service]; ok && cred != nil && cred.APIKey != "" {
				if decrypted, err := r.cipher.Decrypt(cred.APIKey); err == nil {
					fb.APIKey = decrypted
					fb.APIKeyObjID = cred.ObjectID
				}
			}
		}
		fallBack = &fb
	}

	return apikey, objectIDs, fallBack, nil
}

// collectConnectedAgents walks the agent graph depth-first, resolving each
// reachable bridge once.
func (r *Resolver) collectConnectedAgents(ctx context.Context, doc *BridgeDoc, orgID string, visited map[string]bool, out map[string]*BridgeConfig) error {
	if doc == nil {
		return nil
	}
	for _, agent := range doc.ConnectedAgents {
		if agent == nil || agent.BridgeID == "" || visited[agent.BridgeID] {
			continue
		}
		childReq := ResolveRequest{
			BridgeID:      agent.BridgeID,
			VersionID:     agent.VersionID,
			OrgID:         orgID,
			Configuration: agent.Overrides,
			Variables:     agent.Variables,
			ExtraTools:    agent.ExtraTools,
		}
		childConfig, childDoc, resolvedID, err := r.prepareOne(ctx, childReq)
		if err != nil {
			r.logger.Error(ctx, "skipping connected agent",
				F("bridge_id", agent.BridgeID), F("error", err.Error()))
			continue
		}
		key := agent.BridgeID
		if key == "" {
			key = resolvedID
		}
		if resolvedID != "" {
			childConfig.BridgeID = resolvedID
			visited[resolvedID] = true
		}
		visited[agent.BridgeID] = true
		out[key] = childConfig

		if err := r.collectConnectedAgents(ctx, childDoc, orgID, visited, out); err != nil {
			return err
		}
	}
	return nil
}

// injectTimezone sets the reserved time variable from the org's cached
// timezone and returns the org name.
func (r *Resolver) injectTimezone(ctx context.Context, variables map[string]interface{}, orgID string) string {
	info := &OrgInfo{}
	cacheKey := keyTimezoneAndOrg + orgID
	if found, _ := r.cache.FindJSON(ctx, cacheKey, info); !found {
		if loaded, err := r.store.GetOrgInfo(ctx, orgID); err == nil {
			info = loaded
			_ = r.cache.Store(ctx, cacheKey, info, 0)
		}
	}
	InjectTimeVariable(variables, info.Identifier, time.Now())
	return info.Name
}

// applyPromptWrapper renders the wrapper template with {prompt, variables}
// overriding the bridge prompt. A missing wrapper leaves the prompt as is.
func (r *Resolver) applyPromptWrapper(ctx context.Context, wrapperID, orgID, prompt string, variables map[string]interface{}) string {
	template, err := r.store.GetPromptWrapper(ctx, wrapperID, orgID)
	if err != nil || template == "" {
		return prompt
	}
	context := map[string]interface{}{"prompt": prompt}
	for k, v := range variables {
		context[k] = v
	}
	wrapped, _ := ReplaceVariables(template, context)
	return wrapped
}

// mergeConfiguration overlays the caller configuration on the stored one;
// the caller wins on key presence. Empty tool lists are dropped.
func mergeConfiguration(stored, caller map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(stored)+len(caller))
	for k, v := range stored {
		merged[k] = v
	}
	for k, v := range caller {
		merged[k] = v
	}
	if tools, ok := merged["tools"].([]interface{}); ok && len(tools) == 0 {
		delete(merged, "tools")
	}
	return merged
}

func appendToneAndStyle(prompt string, configuration map[string]interface{}) string {
	if tone, ok := configuration["tone"].(map[string]interface{}); ok {
		if tonePrompt, ok := tone["prompt"].(string); ok && tonePrompt != "" {
			prompt += "\n\nTone Prompt: " + tonePrompt
		}
	}
	if style, ok := configuration["responseStyle"].(map[string]interface{}); ok {
		if stylePrompt, ok := style["prompt"].(string); ok && stylePrompt != "" {
			prompt += "\n\nResponse Style Prompt: " + stylePrompt
		}
	}
	return prompt
}

func boolFromConfig(configuration map[string]interface{}, key string, fallback bool) bool {
	if v, ok := configuration[key].(bool); ok {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

var reasoningModels = map[string]bool{
	"o1-preview": true,
	"o1-mini":    true,
}

func isReasoningModel(model string) bool {
	return reasoningModels[model]
}

// fineTuneEligible lists the snapshot models that accept a fine-tune
// override.
var fineTuneEligible = map[string]bool{
	"gpt-4o-mini-2024-07-18": true,
	"gpt-4o-2024-08-06":      true,
	"gpt-4-0613":             true,
}

// ApplyFineTuneModel swaps the model for its fine-tuned variant when the
// bridge configures one and the base model allows it.
func ApplyFineTuneModel(config *BridgeConfig, customConfig map[string]interface{}) {
	if config.Type != "chat" || !fineTuneEligible[config.Model] {
		return
	}
	ft, ok := config.Configuration["fine_tune_model"].(map[string]interface{})
	if !ok {
		return
	}
	if current, ok := ft["current_model"].(string); ok && current != "" {
		customConfig["model"] = current
	}
}
