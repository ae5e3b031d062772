package gateway

import (
	"reflect"
	"testing"
)

func TestFormatForServiceRenamesCanonicalKeys(t *testing.T) {
	config := map[string]interface{}{
		"creativity_level":   0.7,
		"probability_cutoff": 0.9,
		"max_tokens":         2048,
		"unknown_key":        "passes through",
	}

	cases := []struct {
		service string
		maxKey  string
	}{
		{ServiceOpenAI, "max_output_tokens"},
		{ServiceOpenAICompletion, "max_completion_tokens"},
		{ServiceAnthropic, "max_tokens"},
		{ServiceOpenRouter, "max_tokens"},
		{ServiceGemini, "max_output_tokens"},
		{ServiceAiMl, "max_completion_tokens"},
	}
	for _, tc := range cases {
		out := FormatForService(config, tc.service, "default")
		if out["temperature"] != 0.7 {
			t.Errorf("%s: creativity_level should map to temperature", tc.service)
		}
		if out["top_p"] != 0.9 {
			t.Errorf("%s: probability_cutoff should map to top_p", tc.service)
		}
		if out[tc.maxKey] != 2048 {
			t.Errorf("%s: max_tokens should map to %s, got %v", tc.service, tc.maxKey, out)
		}
		if out["unknown_key"] != "passes through" {
			t.Errorf("%s: unmapped keys pass through", tc.service)
		}
	}
}

func TestFormatForServiceIsIdempotent(t *testing.T) {
	config := map[string]interface{}{"creativity_level": 0.5, "response_type": "text"}
	once := FormatForService(config, ServiceOpenAICompletion, "default")
	twice := FormatForService(once, ServiceOpenAICompletion, "default")
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("repeated application must be a no-op: %v vs %v", once, twice)
	}
}

func TestFormatForServiceDoesNotMutateInput(t *testing.T) {
	config := map[string]interface{}{"creativity_level": 0.5}
	_ = FormatForService(config, ServiceOpenAI, "default")
	if _, ok := config["temperature"]; ok {
		t.Error("input map must not be mutated")
	}
}

func TestResolveSentinels(t *testing.T) {
	schema := map[string]ParamSchema{
		"temperature": {Default: 1.0, Min: 0.0, Max: 2.0},
		"max_tokens":  {Default: 1024, Min: 1, Max: 4096},
	}
	config := map[string]interface{}{
		"temperature": "max",
		"max_tokens":  "default",
		"top_p":       0.9,
	}

	out := ResolveSentinels(schema, config, ServiceOpenAI)
	if out["temperature"] != 2.0 {
		t.Errorf("max sentinel should resolve to schema max, got %v", out["temperature"])
	}
	if _, ok := out["max_tokens"]; ok {
		t.Error("default sentinel should drop the key for non-anthropic services")
	}
	if out["top_p"] != 0.9 {
		t.Error("literal values must pass through")
	}
}

// Anthropic requires max_tokens, so its "default" sentinel keeps the
// numeric default instead of dropping the key.
func TestResolveSentinelsAnthropicMaxTokensException(t *testing.T) {
	schema := map[string]ParamSchema{"max_tokens": {Default: 4096}}
	out := ResolveSentinels(schema, map[string]interface{}{"max_tokens": "default"}, ServiceAnthropic)
	if out["max_tokens"] != 4096 {
		t.Errorf("anthropic max_tokens default must resolve numerically, got %v", out["max_tokens"])
	}
}

func TestResolveSentinelsMin(t *testing.T) {
	schema := map[string]ParamSchema{"temperature": {Min: 0.1}}
	out := ResolveSentinels(schema, map[string]interface{}{"temperature": "min"}, ServiceGroq)
	if out["temperature"] != 0.1 {
		t.Errorf("min sentinel, got %v", out["temperature"])
	}
}

func TestBuildCustomConfig(t *testing.T) {
	entry := &ModelEntry{
		Configuration: map[string]ParamSchema{
			"temperature": {Default: 1.0, Level: 1},
			"logprobs":    {Default: false, Level: 3},
			"type":        {Level: 0},
		},
	}
	custom := BuildCustomConfig(entry, map[string]interface{}{"logprobs": true})
	if custom["temperature"] != 1.0 {
		t.Error("low-level params get the schema default")
	}
	if custom["logprobs"] != true {
		t.Error("caller-set high-level params are included")
	}
	if _, ok := custom["type"]; ok {
		t.Error("type is never part of the custom config")
	}
}

func TestRestructureJSONSchema(t *testing.T) {
	responseType := map[string]interface{}{
		"type":        "json_schema",
		"json_schema": map[string]interface{}{"name": "result", "schema": map[string]interface{}{}},
	}
	out := RestructureJSONSchema(responseType, ServiceOpenAI)
	if _, ok := out["json_schema"]; ok {
		t.Error("json_schema envelope must flatten for openai")
	}
	if out["name"] != "result" {
		t.Error("schema fields must lift to the top level")
	}

	untouched := RestructureJSONSchema(responseType, ServiceAnthropic)
	if _, ok := untouched["json_schema"]; !ok {
		t.Error("non-openai/gemini services keep the envelope")
	}
}
