// Package providers implements the per-service adapters behind the
// gateway's capability interface: request-shape translation, response
// decoding, token-usage extraction, tool-call detection and transcript
// splicing for every supported upstream.
package providers

import (
	"fmt"

	"github.com/bridgeway-ai/bridgeway/gateway"
)

// Options configures adapter construction. Base URLs default to each
// provider's public endpoint; override them for proxies or compatible
// deployments.
type Options struct {
	OpenAIBaseURL     string
	GroqBaseURL       string
	GrokBaseURL       string
	OpenRouterBaseURL string
	MistralBaseURL    string
	AiMlBaseURL       string
	Logger            gateway.Logger
}

func (o *Options) logger() gateway.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return gateway.NewNoOpLogger()
}

// Default OpenAI-compatible endpoints.
const (
	defaultGroqBaseURL       = "https://api.groq.com/openai/v1"
	defaultGrokBaseURL       = "https://api.x.ai/v1"
	defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
	defaultMistralBaseURL    = "https://api.mistral.ai/v1"
	defaultAiMlBaseURL       = "https://api.aimlapi.com/v1"
)

// Factory returns a gateway.AdapterFactory over the full service set.
func Factory(opts Options) gateway.AdapterFactory {
	logger := opts.logger()
	return func(service string) (gateway.Adapter, error) {
		switch service {
		case gateway.ServiceOpenAI:
			return newOpenAIResponsesAdapter(opts.OpenAIBaseURL, logger), nil
		case gateway.ServiceOpenAICompletion:
			return newOpenAICompatibleAdapter(service, opts.OpenAIBaseURL), nil
		case gateway.ServiceGroq:
			return newOpenAICompatibleAdapter(service, firstNonEmpty(opts.GroqBaseURL, defaultGroqBaseURL)), nil
		case gateway.ServiceGrok:
			return newOpenAICompatibleAdapter(service, firstNonEmpty(opts.GrokBaseURL, defaultGrokBaseURL)), nil
		case gateway.ServiceOpenRouter:
			return newOpenAICompatibleAdapter(service, firstNonEmpty(opts.OpenRouterBaseURL, defaultOpenRouterBaseURL)), nil
		case gateway.ServiceMistral:
			return newOpenAICompatibleAdapter(service, firstNonEmpty(opts.MistralBaseURL, defaultMistralBaseURL)), nil
		case gateway.ServiceAiMl:
			return newOpenAICompatibleAdapter(service, firstNonEmpty(opts.AiMlBaseURL, defaultAiMlBaseURL)), nil
		case gateway.ServiceAnthropic:
			return newAnthropicAdapter(logger), nil
		case gateway.ServiceGemini:
			return newGeminiAdapter(logger), nil
		default:
			return nil, fmt.Errorf("unsupported service: %s", service)
		}
	}
}

// BatchFactory returns the gateway.BatchServiceFactory for batch-capable
// providers.
func BatchFactory(opts Options) gateway.BatchServiceFactory {
	logger := opts.logger()
	return func(service string) (gateway.BatchService, error) {
		switch service {
		case gateway.ServiceOpenAI, gateway.ServiceOpenAICompletion:
			return newOpenAIBatch(opts.OpenAIBaseURL), nil
		case gateway.ServiceAnthropic:
			return newAnthropicBatch(logger), nil
		default:
			return nil, fmt.Errorf("unsupported batch service: %s", service)
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
