package gateway

import (
	"fmt"
	"regexp"
)

var functionNameRe = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// MakeFunctionName strips characters providers reject from tool names.
func MakeFunctionName(name string) string {
	return functionNameRe.ReplaceAllString(name, "")
}

// setupTools materializes the bridge's HTTP-function tools plus any
// caller-supplied extra tools. Properties already hydrated by the gateway
// via variables_path are removed from the exposed schema so the model does
// not fill them.
func (r *Resolver) setupTools(doc *BridgeDoc, variablesPath map[string]map[string]string, extraTools []map[string]interface{}) ([]ToolSpec, map[string]*ToolBinding, map[string]map[string]string) {
	tools := []ToolSpec{}
	bindings := map[string]*ToolBinding{}
	extraPaths := map[string]map[string]string{}

	for _, api := range doc.APICalls {
		if api == nil {
			continue
		}
		spec, binding := r.apiCallTool(api, variablesPath)
		if spec == nil {
			continue
		}
		tools = append(tools, *spec)
		bindings[spec.Name] = binding
	}

	for _, tool := range extraTools {
		spec, binding, path := extraTool(tool)
		if spec == nil {
			continue
		}
		for name, p := range path {
			extraPaths[name] = p
		}
		tools = append(tools, *spec)
		bindings[spec.Name] = binding
	}

	merged := make(map[string]map[string]string, len(variablesPath)+len(extraPaths))
	for k, v := range variablesPath {
		merged[k] = v
	}
	for k, v := range extraPaths {
		merged[k] = v
	}
	return tools, bindings, merged
}

// apiCallTool converts one stored HTTP-function document into a ToolSpec.
func (r *Resolver) apiCallTool(api *APICallDoc, variablesPath map[string]map[string]string) (*ToolSpec, *ToolBinding) {
	name := api.Title
	if name == "" {
		name = MakeFunctionName(firstNonEmpty(api.EndpointName, api.FunctionName))
	}
	if api.Status == 0 && name == "" {
		return nil, nil
	}

	binding := &ToolBinding{
		Type:     ToolTypeHTTP,
		URL:      r.cfg.ScriptBaseURL + api.ScriptID,
		Headers:  map[string]string{},
		ScriptID: api.ScriptID,
	}

	// Properties filled by the gateway from variables are hidden from the
	// model's schema entirely.
	gatewayFilled := variablesPath[api.ScriptID]
	properties := map[string]interface{}{}
	for key, value := range api.Fields {
		if _, filled := gatewayFilled[key]; filled {
			continue
		}
		properties[key] = value
	}
	required := make([]string, 0, len(api.RequiredParams))
	for _, key := range api.RequiredParams {
		if _, filled := gatewayFilled[key]; filled {
			continue
		}
		required = append(required, key)
	}

	return &ToolSpec{
		Type:        "function",
		Name:        name,
		Description: api.Description,
		Properties:  properties,
		Required:    required,
	}, binding
}

// extraTool converts a caller-supplied tool definition.
func extraTool(tool map[string]interface{}) (*ToolSpec, *ToolBinding, map[string]map[string]string) {
	url, _ := tool["url"].(string)
	name, _ := tool["name"].(string)
	if url == "" || name == "" {
		return nil, nil, nil
	}
	properties, _ := tool["fields"].(map[string]interface{})
	if properties == nil {
		properties = map[string]interface{}{}
	}
	required := stringSlice(tool["required_params"])
	description, _ := tool["description"].(string)

	headers := map[string]string{}
	if h, ok := tool["headers"].(map[string]interface{}); ok {
		for k, v := range h {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	}

	variablePath := map[string]string{}
	if vp, ok := tool["tool_and_variable_path"].(map[string]interface{}); ok {
		for k, v := range vp {
			if s, ok := v.(string); ok {
				variablePath[k] = s
			}
			delete(properties, k)
		}
	}

	spec := &ToolSpec{
		Type:        "function",
		Name:        MakeFunctionName(name),
		Description: description,
		Properties:  properties,
		Required:    required,
	}
	binding := &ToolBinding{Type: ToolTypeHTTP, URL: url, Headers: headers, ScriptID: name}
	return spec, binding, map[string]map[string]string{name: variablePath}
}

// addRAGTool exposes get_knowledge_base_data when the bridge has indexed
// documents.
func addRAGTool(tools *[]ToolSpec, bindings map[string]*ToolBinding, ragData []RAGResource) {
	if len(ragData) == 0 {
		return
	}
	resourceToCollection := map[string]string{}
	for _, data := range ragData {
		if data.ResourceID != "" && data.CollectionID != "" {
			resourceToCollection[data.ResourceID] = data.CollectionID
		}
	}
	*tools = append(*tools, ToolSpec{
		Type:        "function",
		Name:        ToolKnowledgeBase,
		Description: "When user want to take any data from the knowledge, Call this function to get the corresponding resource id",
		Properties: map[string]interface{}{
			"resource_id": map[string]interface{}{
				"description": "send resource id",
				"type":        "string",
			},
			"query": map[string]interface{}{
				"description": "query to ask from the knowledge base",
				"type":        "string",
			},
		},
		Required: []string{"resource_id", "query"},
	})
	bindings[ToolKnowledgeBase] = &ToolBinding{
		Type:                 ToolTypeRAG,
		ResourceToCollection: resourceToCollection,
	}
}

// addWebCrawlTool exposes the scrape tool when the built-in is enabled.
// Allowed domains from the filters become the url enum.
func addWebCrawlTool(tools *[]ToolSpec, bindings map[string]*ToolBinding, builtInTools, filters []string) {
	enabled := false
	for _, tool := range builtInTools {
		if tool == ToolWebCrawl {
			enabled = true
			break
		}
	}
	if !enabled {
		return
	}
	urlProperty := map[string]interface{}{
		"description": "The complete URL of the website to scrape (must start with http:// or https://). Example: https://example.com/page",
		"type":        "string",
	}
	if len(filters) > 0 {
		urlProperty["enum"] = filters
	}
	*tools = append(*tools, ToolSpec{
		Type:        "function",
		Name:        ToolWebCrawl,
		Description: "Search and extract content from any website URL. This tool scrapes web pages and returns their content in various formats. Use this when you need to: fetch real-time information from websites, extract article content, retrieve documentation, access public web data, or get current information not in your training data. If enum is provided for URL, only use URLs from those allowed domains.",
		Properties: map[string]interface{}{
			"url": urlProperty,
			"formats": map[string]interface{}{
				"description": `Optional list of output formats. Available formats include: "markdown" (default, clean text), "html" (raw HTML), "screenshot" (visual capture), "links" (extracted URLs). If not specified, returns markdown format.`,
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
			},
		},
		Required: []string{"url"},
	})
	bindings[ToolWebCrawl] = &ToolBinding{Type: ToolWebCrawl, ScriptID: ToolWebCrawl}
}

// addAnthropicJSONSchemaTool synthesizes the JSON-schema formatter tool for
// Anthropic bridges whose response_type carries a json_schema. The
// response_type collapses to default and the prompt instructs the model to
// answer through the tool.
func addAnthropicJSONSchemaTool(service string, configuration map[string]interface{}, tools *[]ToolSpec, prompt string) string {
	if service != ServiceAnthropic {
		return prompt
	}
	responseType, ok := configuration["response_type"].(map[string]interface{})
	if !ok {
		return prompt
	}
	jsonSchema, ok := responseType["json_schema"].(map[string]interface{})
	if !ok {
		return prompt
	}
	delete(jsonSchema, "required")
	schema, _ := jsonSchema["schema"].(map[string]interface{})

	*tools = append(*tools, ToolSpec{
		Name:        jsonSchemaFormatTool,
		Description: "return the response in json schema format",
		InputSchema: schema,
	})
	configuration["response_type"] = "default"
	return prompt + "\n Always return the response in JSON SChema by calling the function JSON_Schema_Response_Format and if no values available then return json with dummy or default vaules"
}

// addKnowledgeBaseListing appends the available-document section referenced
// by the RAG tool.
func addKnowledgeBaseListing(prompt string, ragData []RAGResource) string {
	prompt += "\n Available Knowledge Base :- Here are the available documents to get data when needed call the function get_knowledge_base_data: \n"
	for i, data := range ragData {
		description := data.Description
		if description == "" {
			description = "No description available"
		}
		prompt += fmt.Sprintf("%d. Resource ID: %s\n   Description: %s\n\n", i+1, data.ResourceID, description)
	}
	return prompt
}

// addConnectedAgentTools exposes each connected agent as a callable tool.
// Every agent takes _query plus its declared variables; orchestrator mode
// adds the action_type selector.
func addConnectedAgentTools(tools *[]ToolSpec, bindings map[string]*ToolBinding, doc *BridgeDoc, orchestratorFlag bool) {
	if len(doc.ConnectedAgents) == 0 {
		return
	}
	isOrchestrator := orchestratorFlag || doc.Orchestrator

	for agentName, agent := range doc.ConnectedAgents {
		if agent == nil {
			continue
		}
		name := MakeFunctionName(agentName)

		properties := map[string]interface{}{
			"_query": map[string]interface{}{
				"description": "The query or message to be processed by the connected agent.",
				"type":        "string",
			},
		}
		for field, schema := range agent.AgentVariables.Fields {
			properties[field] = schema
		}
		required := append([]string{"_query"}, agent.AgentVariables.RequiredParams...)

		if isOrchestrator {
			properties["action_type"] = map[string]interface{}{
				"description": "transfer: directly return child agent response, conversation: get child response and continue processing",
				"type":        "string",
				"enum":        []string{"transfer", "conversation"},
			}
			required = append(required, "action_type")
		}

		*tools = append(*tools, ToolSpec{
			Type:        "function",
			Name:        name,
			Description: agent.Description,
			Properties:  properties,
			Required:    required,
		})
		bindings[name] = &ToolBinding{
			Type:             ToolTypeAgent,
			BridgeID:         agent.BridgeID,
			VersionID:        agent.VersionID,
			RequiresThreadID: agent.RequiresThread,
		}
	}
}

// setupToolChoice resolves the caller's tool_choice: a named function tool,
// a connected agent, or one of the pass-through modes. Providers format the
// named form their own way.
func (r *Resolver) setupToolChoice(configuration map[string]interface{}, doc *BridgeDoc, service string) interface{} {
	raw, ok := configuration["tool_choice"]
	if !ok {
		return nil
	}

	var toolchoice string
	switch ids := raw.(type) {
	case string:
		// Modes pass through directly.
		switch ids {
		case "auto", "none", "required", "default", "any":
			return ids
		}
		for _, api := range doc.APICalls {
			if api != nil && api.ID == ids {
				toolchoice = firstNonEmpty(api.Title, MakeFunctionName(firstNonEmpty(api.EndpointName, api.FunctionName)))
				break
			}
		}
		if toolchoice == "" {
			for agentName, agent := range doc.ConnectedAgents {
				if agent != nil && agent.BridgeID == ids {
					toolchoice = MakeFunctionName(agentName)
					break
				}
			}
		}
	case []interface{}:
		for _, idValue := range ids {
			id, _ := idValue.(string)
			switch id {
			case "auto", "none", "required", "default", "any":
				return id
			}
			for _, api := range doc.APICalls {
				if api != nil && api.ID == id {
					toolchoice = firstNonEmpty(api.Title, MakeFunctionName(firstNonEmpty(api.EndpointName, api.FunctionName)))
					break
				}
			}
		}
	}

	if toolchoice == "" {
		return nil
	}
	return formatToolChoice(service, toolchoice)
}

// formatToolChoice shapes a named tool choice per provider.
func formatToolChoice(service, name string) interface{} {
	switch service {
	case ServiceAnthropic:
		return map[string]interface{}{"type": "tool", "name": name}
	case ServiceOpenAI:
		return map[string]interface{}{"type": "function", "name": name}
	case ServiceOpenAICompletion, ServiceGroq, ServiceGrok, ServiceAiMl:
		return map[string]interface{}{
			"type":     "function",
			"function": map[string]interface{}{"name": name},
		}
	default:
		return name
	}
}

func stringSlice(value interface{}) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
