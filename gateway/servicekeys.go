package gateway

// serviceKeys maps the gateway's canonical parameter names to each
// provider's vocabulary, per call type. The table is part of the external
// contract and must not drift.
var serviceKeys = map[string]map[string]map[string]string{
	ServiceOpenAI: {
		"default": {
			"creativity_level":          "temperature",
			"probability_cutoff":        "top_p",
			"repetition_penalty":        "frequency_penalty",
			"novelty_penalty":           "presence_penalty",
			"log_probability":           "logprobs",
			"echo_input":                "echo",
			"input_text":                "input",
			"token_selection_limit":     "topK",
			"response_count":            "n",
			"additional_stop_sequences": "stopSequences",
			"best_response_count":       "best_of",
			"response_suffix":           "suffix",
			"response_type":             "text",
			"max_tokens":                "max_output_tokens",
		},
	},
	ServiceAnthropic: {
		"default": {
			"creativity_level":          "temperature",
			"probability_cutoff":        "top_p",
			"token_selection_limit":     "top_k",
			"additional_stop_sequences": "stop_sequence",
			"max_tokens":                "max_tokens",
		},
	},
	ServiceGrok: {
		"default": {
			"creativity_level":          "temperature",
			"probability_cutoff":        "top_p",
			"repetition_penalty":        "frequency_penalty",
			"novelty_penalty":           "presence_penalty",
			"log_probability":           "logprobs",
			"echo_input":                "echo",
			"input_text":                "input",
			"token_selection_limit":     "topK",
			"response_count":            "n",
			"additional_stop_sequences": "stopSequences",
			"best_response_count":       "best_of",
			"response_suffix":           "suffix",
			"response_type":             "response_format",
		},
	},
	ServiceGroq: {
		"default": {
			"creativity_level":          "temperature",
			"probability_cutoff":        "top_p",
			"repetition_penalty":        "frequency_penalty",
			"novelty_penalty":           "presence_penalty",
			"log_probability":           "logprobs",
			"echo_input":                "echo",
			"input_text":                "input",
			"token_selection_limit":     "topK",
			"response_count":            "n",
			"additional_stop_sequences": "stopSequences",
			"best_response_count":       "best_of",
			"response_suffix":           "suffix",
			"response_type":             "response_format",
		},
	},
	ServiceOpenAICompletion: {
		"default": {
			"creativity_level":          "temperature",
			"probability_cutoff":        "top_p",
			"repetition_penalty":        "frequency_penalty",
			"novelty_penalty":           "presence_penalty",
			"log_probability":           "logprobs",
			"echo_input":                "echo",
			"input_text":                "input",
			"token_selection_limit":     "topK",
			"response_count":            "n",
			"additional_stop_sequences": "stopSequences",
			"best_response_count":       "best_of",
			"response_suffix":           "suffix",
			"response_type":             "response_format",
			"max_tokens":                "max_completion_tokens",
		},
	},
	ServiceOpenRouter: {
		"default": {
			"creativity_level":          "temperature",
			"probability_cutoff":        "top_p",
			"repetition_penalty":        "frequency_penalty",
			"novelty_penalty":           "presence_penalty",
			"log_probability":           "logprobs",
			"echo_input":                "echo",
			"input_text":                "input",
			"token_selection_limit":     "topK",
			"response_count":            "n",
			"additional_stop_sequences": "stopSequences",
			"best_response_count":       "best_of",
			"response_suffix":           "suffix",
			"response_type":             "response_format",
			"max_tokens":                "max_tokens",
		},
	},
	ServiceMistral: {
		"default": {
			"creativity_level":          "temperature",
			"probability_cutoff":        "top_p",
			"repetition_penalty":        "frequency_penalty",
			"novelty_penalty":           "presence_penalty",
			"log_probability":           "logprobs",
			"echo_input":                "echo",
			"input_text":                "input",
			"token_selection_limit":     "topK",
			"response_count":            "n",
			"additional_stop_sequences": "stopSequences",
			"best_response_count":       "best_of",
			"response_suffix":           "suffix",
			"response_type":             "response_format",
			"max_tokens":                "max_tokens",
		},
	},
	ServiceGemini: {
		"default": {
			"creativity_level":          "temperature",
			"probability_cutoff":        "top_p",
			"repetition_penalty":        "frequency_penalty",
			"novelty_penalty":           "presence_penalty",
			"log_probability":           "response_logprobs",
			"token_selection_limit":     "top_k",
			"response_count":            "candidate_count",
			"additional_stop_sequences": "stop_sequences",
			"response_type":             "responseMimeType",
			"max_tokens":                "max_output_tokens",
		},
	},
	ServiceAiMl: {
		"default": {
			"creativity_level":          "temperature",
			"probability_cutoff":        "top_p",
			"repetition_penalty":        "frequency_penalty",
			"novelty_penalty":           "presence_penalty",
			"log_probability":           "logprobs",
			"echo_input":                "echo",
			"input_text":                "input",
			"token_selection_limit":     "topK",
			"response_count":            "n",
			"additional_stop_sequences": "stopSequences",
			"best_response_count":       "best_of",
			"response_suffix":           "suffix",
			"response_type":             "response_format",
			"max_tokens":                "max_completion_tokens",
		},
	},
}

// FormatForService renames canonical keys in configuration to the service's
// vocabulary. Keys without a mapping pass through unchanged. The input map
// is not mutated; the result is a pure function of its inputs, and applying
// it to an already-formatted map is a no-op.
func FormatForService(configuration map[string]interface{}, service, callType string) map[string]interface{} {
	byType, ok := serviceKeys[service]
	if !ok {
		return copyConfig(configuration)
	}
	table, ok := byType[callType]
	if !ok {
		table = byType["default"]
	}
	out := make(map[string]interface{}, len(configuration))
	for key, value := range configuration {
		if mapped, ok := table[key]; ok {
			out[mapped] = value
		} else {
			out[key] = value
		}
	}
	return out
}

// ResolveSentinels substitutes "default"/"min"/"max" sentinel values from
// the model schema. A "default" sentinel drops the key entirely, except
// Anthropic max_tokens which keeps the schema's numeric default (the API
// requires the field). Keys whose schema entry is missing keep their
// sentinel untouched.
func ResolveSentinels(schema map[string]ParamSchema, customConfig map[string]interface{}, service string) map[string]interface{} {
	out := make(map[string]interface{}, len(customConfig))
	for key, value := range customConfig {
		sentinel, ok := value.(string)
		if !ok {
			out[key] = value
			continue
		}
		entry, hasSchema := schema[key]
		switch sentinel {
		case "default":
			if service == ServiceAnthropic && key == "max_tokens" && hasSchema {
				out[key] = entry.Default
			}
			// other defaults are dropped so the provider default applies
		case "min":
			if hasSchema {
				out[key] = entry.Min
			} else {
				out[key] = value
			}
		case "max":
			if hasSchema {
				out[key] = entry.Max
			} else {
				out[key] = value
			}
		default:
			out[key] = value
		}
	}
	return out
}

// BuildCustomConfig derives the effective configuration for a model: every
// level 0-2 schema parameter gets the caller's value or the schema default;
// parameters above level 2 are included only when the caller sets them.
func BuildCustomConfig(entry *ModelEntry, configuration map[string]interface{}) map[string]interface{} {
	custom := map[string]interface{}{}
	for key, schema := range entry.Configuration {
		if key == "type" || key == "specification" {
			continue
		}
		callerValue, callerHas := configuration[key]
		if schema.Level <= 2 || callerHas {
			if callerHas {
				custom[key] = callerValue
			} else {
				custom[key] = schema.Default
			}
		}
	}
	return custom
}

func copyConfig(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// RestructureJSONSchema flattens the json_schema envelope for services whose
// APIs take the schema fields at the top level (openai, gemini).
func RestructureJSONSchema(responseType map[string]interface{}, service string) map[string]interface{} {
	if service != ServiceOpenAI && service != ServiceGemini {
		return responseType
	}
	schema, ok := responseType["json_schema"].(map[string]interface{})
	if !ok {
		return responseType
	}
	out := map[string]interface{}{}
	for k, v := range responseType {
		if k == "json_schema" {
			continue
		}
		out[k] = v
	}
	for k, v := range schema {
		out[k] = v
	}
	return out
}
