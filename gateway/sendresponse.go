package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// rtlayerEndpoint is the push-channel message API.
const rtlayerEndpoint = "https://api.rtlayer.com/message"

// Deliverer ships responses through the configured non-default channel:
// RTLayer push or webhook POST. The default channel (HTTP return) is a
// no-op here.
type Deliverer struct {
	httpClient *http.Client
	logger     Logger
}

// NewDeliverer creates a deliverer with a bounded-timeout HTTP client.
func NewDeliverer(logger Logger) *Deliverer {
	return &Deliverer{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
	}
}

// Send ships payload through format's channel. payload lands under
// "response" on success and "error" otherwise; webhook deliveries also
// carry the turn's variables. Delivery is at-least-once; consumers dedupe
// on message ids.
func (d *Deliverer) Send(ctx context.Context, format ResponseFormat, payload interface{}, success bool, variables map[string]interface{}) error {
	body := map[string]interface{}{"success": success}
	if success {
		body["response"] = payload
	} else {
		body["error"] = payload
	}

	switch format.Type {
	case ResponseFormatRTLayer:
		return d.sendRTLayer(ctx, format.Cred, body)
	case ResponseFormatWebhook:
		body["variables"] = variables
		return d.sendWebhook(ctx, format.Cred, body)
	default:
		return nil
	}
}

func (d *Deliverer) sendRTLayer(ctx context.Context, cred map[string]interface{}, body map[string]interface{}) error {
	apikey, _ := cred["apikey"].(string)
	message, err := json.Marshal(body)
	if err != nil {
		return err
	}
	form := url.Values{}
	for key, value := range cred {
		if s, ok := value.(string); ok {
			form.Set(key, s)
		}
	}
	form.Set("message", string(message))

	endpoint := rtlayerEndpoint + "?apiKey=" + url.QueryEscape(apikey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Error(ctx, "rtlayer send failed", F("error", err.Error()))
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("rtlayer send: status %d", resp.StatusCode)
	}
	return nil
}

func (d *Deliverer) sendWebhook(ctx context.Context, cred map[string]interface{}, body map[string]interface{}) error {
	target, _ := cred["url"].(string)
	if target == "" {
		return fmt.Errorf("webhook cred missing url")
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewBuffer(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := cred["headers"].(map[string]interface{}); ok {
		for key, value := range headers {
			if s, ok := value.(string); ok {
				req.Header.Set(key, s)
			}
		}
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Error(ctx, "webhook send failed", F("url", target), F("error", err.Error()))
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook send to %s: status %d", target, resp.StatusCode)
	}
	return nil
}

// WebhookResponseFormat builds the ResponseFormat for a raw url+headers
// pair, as used by batch webhooks and alert sinks.
func WebhookResponseFormat(targetURL string, headers map[string]interface{}) ResponseFormat {
	return ResponseFormat{
		Type: ResponseFormatWebhook,
		Cred: map[string]interface{}{"url": targetURL, "headers": headers},
	}
}
