package gateway

import (
	"context"
	"time"
)

// Alert types recognized by the per-org webhook-alert table.
const (
	AlertTypeVariable  = "Variable"
	AlertTypeRetry     = "retry_mechanism"
	AlertTypeException = "Exception"
)

// Alert is one event dispatched to configured org alert webhooks.
type Alert struct {
	AlertType  string                 `json:"alertType"`
	OrgID      string                 `json:"org_id"`
	OrgName    string                 `json:"org_name,omitempty"`
	BridgeID   string                 `json:"bridge_id"`
	BridgeName string                 `json:"bridge_name,omitempty"`
	ThreadID   string                 `json:"thread_id,omitempty"`
	Service    string                 `json:"service,omitempty"`
	MessageID  string                 `json:"message_id,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Error      interface{}            `json:"error,omitempty"`
	Extra      map[string]interface{} `json:"extra,omitempty"`
}

// AlertDispatcher fans alerts out to the org's configured webhooks,
// filtered by alertType. Dispatch is fire-and-forget: alerting never
// blocks or fails a request.
type AlertDispatcher struct {
	store     DocStore
	deliverer *Deliverer
	logger    Logger
	env       string
}

// NewAlertDispatcher wires an alert dispatcher. env tags every alert with
// the deployment environment when non-empty.
func NewAlertDispatcher(store DocStore, deliverer *Deliverer, logger Logger, env string) *AlertDispatcher {
	return &AlertDispatcher{store: store, deliverer: deliverer, logger: logger, env: env}
}

// Dispatch sends alert to every matching webhook in the background.
func (a *AlertDispatcher) Dispatch(alert Alert) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		a.dispatch(ctx, alert)
	}()
}

func (a *AlertDispatcher) dispatch(ctx context.Context, alert Alert) {
	webhooks, err := a.store.GetWebhookAlerts(ctx, alert.OrgID)
	if err != nil {
		a.logger.Warn(ctx, "alert webhook lookup failed",
			F("org_id", alert.OrgID), F("error", err.Error()))
		return
	}
	payload := map[string]interface{}{
		"alertType":   alert.AlertType,
		"org_id":      alert.OrgID,
		"org_name":    alert.OrgName,
		"bridge_id":   alert.BridgeID,
		"bridge_name": alert.BridgeName,
		"thread_id":   alert.ThreadID,
		"service":     alert.Service,
		"message_id":  alert.MessageID,
		"message":     alert.Message,
		"error":       alert.Error,
	}
	for key, value := range alert.Extra {
		payload[key] = value
	}
	if a.env != "" {
		payload["ENVIROMENT"] = a.env
	}
	for _, webhook := range webhooks {
		if webhook == nil || webhook.URL == "" {
			continue
		}
		if len(webhook.AlertType) > 0 && !contains(webhook.AlertType, alert.AlertType) {
			continue
		}
		headers := map[string]interface{}{}
		for k, v := range webhook.Headers {
			headers[k] = v
		}
		format := WebhookResponseFormat(webhook.URL, headers)
		if err := a.deliverer.Send(ctx, format, payload, true, nil); err != nil {
			a.logger.Warn(ctx, "alert delivery failed",
				F("url", webhook.URL), F("error", err.Error()))
		}
	}
}
