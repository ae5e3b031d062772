package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// RequestBody is the JSON body of the chat, batch, embedding and image
// endpoints.
type RequestBody struct {
	BridgeID         string                       `json:"bridge_id"`
	VersionID        string                       `json:"version_id,omitempty"`
	OrgID            string                       `json:"org_id,omitempty"`
	Service          string                       `json:"service,omitempty"`
	APIKey           string                       `json:"apikey,omitempty"`
	User             string                       `json:"user,omitempty"`
	Text             string                       `json:"text,omitempty"`
	Configuration    map[string]interface{}       `json:"configuration,omitempty"`
	Variables        map[string]interface{}       `json:"variables,omitempty"`
	VariablesPath    map[string]map[string]string `json:"variables_path,omitempty"`
	ThreadID         string                       `json:"thread_id,omitempty"`
	SubThreadID      string                       `json:"sub_thread_id,omitempty"`
	ThreadFlag       bool                         `json:"thread_flag,omitempty"`
	ResponseFormat   *ResponseFormat              `json:"response_format,omitempty"`
	FallBack         *FallBack                    `json:"fall_back,omitempty"`
	Guardrails       *Guardrails                  `json:"guardrails,omitempty"`
	ToolCallCount    int                          `json:"tool_call_count,omitempty"`
	OrchestratorFlag bool                         `json:"orchestrator_flag,omitempty"`
	UserURLs         []UserURL                    `json:"user_urls,omitempty"`
	ExtraTools       []map[string]interface{}     `json:"extra_tools,omitempty"`
	BuiltInTools     []string                     `json:"built_in_tools,omitempty"`
	WebSearchFilters []string                     `json:"web_search_filters,omitempty"`
	TemplateID       string                       `json:"template_id,omitempty"`
	Chatbot          bool                         `json:"chatbot,omitempty"`
	IsPlayground     bool                         `json:"is_playground,omitempty"`
	Batch            []string                     `json:"batch,omitempty"`
	Webhook          *BatchWebhook                `json:"webhook,omitempty"`
	BatchVariables   []map[string]interface{}     `json:"batch_variables,omitempty"`
}

// queueAckMessage acknowledges a deferred request.
const queueAckMessage = "Your response will be sent through configured means."

// Server is the HTTP front of the gateway. Routing and auth middleware are
// intentionally thin; heavier middleware lives outside this module.
type Server struct {
	resolver  *Resolver
	engine    *Engine
	submitter *BatchSubmitter
	limiter   *RateLimiter
	workers   *QueueWorkers
	adapters  AdapterFactory
	images    map[string]ImageGenerator
	logger    Logger
}

// NewServer wires the HTTP front. workers may be nil: every request is
// then served synchronously.
func NewServer(resolver *Resolver, engine *Engine, submitter *BatchSubmitter, limiter *RateLimiter,
	workers *QueueWorkers, adapters AdapterFactory, images map[string]ImageGenerator, logger Logger) *Server {
	return &Server{
		resolver:  resolver,
		engine:    engine,
		submitter: submitter,
		limiter:   limiter,
		workers:   workers,
		adapters:  adapters,
		images:    images,
		logger:    logger,
	}
}

// Handler returns the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v2/model/chat/completion", s.handleChat)
	mux.HandleFunc("POST /api/v2/model/batch/chat", s.handleBatch)
	mux.HandleFunc("POST /api/v2/model/embeddings", s.handleEmbedding)
	mux.HandleFunc("POST /api/v2/model/image", s.handleImage)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
	})
	return mux
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeBody(w, r)
	if !ok {
		return
	}
	if body.User == "" && len(urlsOfType(body.UserURLs, "image")) == 0 && len(body.Batch) == 0 {
		writeError(w, http.StatusBadRequest, NewValidationError("user message, image or batch is required"))
		return
	}
	if err := s.limiter.Allow(r.Context(), body.BridgeID, body.ThreadID); err != nil {
		if errors.Is(err, ErrRateLimited) {
			writeError(w, http.StatusTooManyRequests, err)
			return
		}
		s.logger.Warn(r.Context(), "rate limit check failed", F("error", err.Error()))
	}

	// Non-default response formats deflect to the primary queue so the
	// synchronous path can shed load without rejecting work.
	if body.ResponseFormat != nil && body.ResponseFormat.Type != ResponseFormatDefault && body.ResponseFormat.Type != "" && s.workers != nil {
		if err := s.workers.PublishChat(r.Context(), body); err != nil {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": queueAckMessage})
		return
	}

	response, err := s.runChat(r.Context(), body)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "response": response})
}

// runChat resolves and executes one request; it is shared by the HTTP path
// and the primary queue consumer.
func (s *Server) runChat(ctx context.Context, body *RequestBody) (*Response, error) {
	resolved, err := s.resolver.Resolve(ctx, resolveRequestFrom(body))
	if err != nil {
		return nil, err
	}
	in := &ChatInput{
		User:             body.User,
		ThreadID:         body.ThreadID,
		SubThreadID:      body.SubThreadID,
		Variables:        body.Variables,
		UserURLs:         body.UserURLs,
		OrchestratorFlag: body.OrchestratorFlag,
		ThreadFlag:       body.ThreadFlag,
		IsPlayground:     body.IsPlayground,
		ToolCallCount:    body.ToolCallCount,
		FallBack:         body.FallBack,
	}
	if body.ResponseFormat != nil {
		in.ResponseFormat = *body.ResponseFormat
	} else {
		in.ResponseFormat = ResponseFormat{Type: ResponseFormatDefault}
	}
	return s.engine.Run(ctx, resolved, in)
}

// HandleQueuedChat is the primary-queue consumer entry: it re-enters the
// chat pipeline and ignores the synchronous return; the engine pushes the
// shaped response through the configured channel.
func (s *Server) HandleQueuedChat(ctx context.Context, raw []byte) error {
	var body RequestBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return fmt.Errorf("decode queued chat request: %w", err)
	}
	_, err := s.runChat(ctx, &body)
	return err
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeBody(w, r)
	if !ok {
		return
	}
	resolved, err := s.resolver.Resolve(r.Context(), resolveRequestFrom(body))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	config := resolved.BridgeConfigurations[resolved.PrimaryBridgeID]
	webhook := BatchWebhook{}
	if body.Webhook != nil {
		webhook = *body.Webhook
	}
	ack, err := s.submitter.Submit(r.Context(), &BatchInput{
		Config:         config,
		Messages:       body.Batch,
		Webhook:        webhook,
		BatchVariables: body.BatchVariables,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"batch_id": ack.BatchID,
		"messages": ack.Messages,
	})
}

func (s *Server) handleEmbedding(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeBody(w, r)
	if !ok {
		return
	}
	if body.Chatbot {
		writeError(w, http.StatusBadRequest, NewValidationError("Error: Embedding not supported for chatbot"))
		return
	}
	resolved, err := s.resolver.Resolve(r.Context(), resolveRequestFrom(body))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	config := resolved.BridgeConfigurations[resolved.PrimaryBridgeID]
	adapter, err := s.adapters(config.Service)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	embedder, ok := adapter.(Embedder)
	if !ok {
		writeError(w, http.StatusBadRequest, NewValidationError("Unsupported embedding service: %s", config.Service))
		return
	}
	embedding, err := embedder.Embed(r.Context(), config.Model, config.APIKey, body.Text)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"response": map[string]interface{}{"data": map[string]interface{}{"embedding": embedding}},
	})
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeBody(w, r)
	if !ok {
		return
	}
	resolved, err := s.resolver.Resolve(r.Context(), resolveRequestFrom(body))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	config := resolved.BridgeConfigurations[resolved.PrimaryBridgeID]
	generator, ok := s.images[config.Service]
	if !ok {
		writeError(w, http.StatusBadRequest, NewValidationError("Unsupported image service: %s", config.Service))
		return
	}
	result, err := generator.GenerateImage(r.Context(), &ChatRequest{
		Service: config.Service,
		Model:   config.Model,
		APIKey:  config.APIKey,
		User:    body.User,
		Params:  config.Configuration,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"response": map[string]interface{}{"data": map[string]interface{}{"image_urls": result.Images}},
	})
}

func resolveRequestFrom(body *RequestBody) ResolveRequest {
	return ResolveRequest{
		BridgeID:         body.BridgeID,
		VersionID:        body.VersionID,
		OrgID:            body.OrgID,
		Service:          body.Service,
		APIKey:           body.APIKey,
		TemplateID:       body.TemplateID,
		Configuration:    body.Configuration,
		Variables:        body.Variables,
		VariablesPath:    body.VariablesPath,
		ExtraTools:       body.ExtraTools,
		BuiltInTools:     body.BuiltInTools,
		WebSearchFilters: body.WebSearchFilters,
		Guardrails:       body.Guardrails,
		OrchestratorFlag: body.OrchestratorFlag,
		Chatbot:          body.Chatbot,
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request) (*RequestBody, bool) {
	var body RequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return nil, false
	}
	if body.BridgeID == "" && body.VersionID == "" {
		writeError(w, http.StatusBadRequest, NewValidationError("bridge_id is required"))
		return nil, false
	}
	return &body, true
}

func statusFor(err error) int {
	var limitErr *LimitError
	var validationErr *ValidationError
	var apiErr *APIError
	switch {
	case errors.As(err, &limitErr):
		return http.StatusPaymentRequired
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.Is(err, ErrBridgeNotFound), errors.Is(err, ErrBridgePaused), errors.Is(err, ErrMissingAPIKey):
		return http.StatusBadRequest
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.As(err, &apiErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	message := fmt.Sprintf("%v (Type: %T)", err, err)
	payload := map[string]interface{}{"success": false, "error": message}
	var limitErr *LimitError
	if errors.As(err, &limitErr) {
		payload["error_code"] = limitErr.ErrorCode()
		payload["limit_type"] = limitErr.LimitType
		payload["current_usage"] = limitErr.CurrentUsage
		payload["limit_value"] = limitErr.LimitValue
	}
	writeJSON(w, status, payload)
}
