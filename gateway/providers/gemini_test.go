package providers

import (
	"testing"

	"google.golang.org/genai"

	"github.com/bridgeway-ai/bridgeway/gateway"
)

func TestGeminiBuildSchema(t *testing.T) {
	adapter := newGeminiAdapter(gateway.NewNoOpLogger())
	spec := gateway.ToolSpec{
		Name:        "search",
		Description: "search things",
		Properties: map[string]interface{}{
			"query": map[string]interface{}{"type": "string", "description": "what to find"},
			"limit": map[string]interface{}{"type": "integer"},
			"tags": map[string]interface{}{
				"type":  "array",
				"items": map[string]interface{}{"type": "string"},
			},
		},
		Required: []string{"query"},
	}
	schema := adapter.buildSchema(spec)
	if schema.Type != genai.TypeObject {
		t.Errorf("root type: %v", schema.Type)
	}
	if schema.Properties["query"].Type != genai.TypeString {
		t.Error("string property")
	}
	if schema.Properties["limit"].Type != genai.TypeInteger {
		t.Error("integer property")
	}
	if schema.Properties["tags"].Type != genai.TypeArray || schema.Properties["tags"].Items.Type != genai.TypeString {
		t.Error("array items")
	}
	if len(schema.Required) != 1 || schema.Required[0] != "query" {
		t.Errorf("required: %v", schema.Required)
	}
}

func TestGeminiBuildContentsRoles(t *testing.T) {
	adapter := newGeminiAdapter(gateway.NewNoOpLogger())
	contents := adapter.buildContents(&gateway.ChatRequest{
		User: "latest question",
		Conversation: []gateway.ConversationMessage{
			{Role: "user", Content: "q1"},
			{Role: "assistant", Content: "a1"},
		},
	})
	if len(contents) != 3 {
		t.Fatalf("3 contents expected, got %d", len(contents))
	}
	if contents[0].Role != genai.RoleUser {
		t.Errorf("role 0: %v", contents[0].Role)
	}
	if contents[1].Role != genai.RoleModel {
		t.Errorf("assistant maps to model: %v", contents[1].Role)
	}
	if contents[2].Parts[0].Text != "latest question" {
		t.Error("user turn last")
	}
}

func TestGeminiMergeToolResults(t *testing.T) {
	adapter := newGeminiAdapter(gateway.NewNoOpLogger())
	req := &gateway.ChatRequest{User: "go"}
	transcript := &geminiTranscript{contents: adapter.buildContents(req)}
	req.Transcript = transcript
	baseline := len(transcript.contents)

	result := &gateway.ChatResult{
		ToolCalls: []gateway.ToolCall{{
			ID: "fc1", Name: "lookup", Args: map[string]interface{}{"q": "x"},
		}},
	}
	adapter.MergeToolResults(req, result, []gateway.ToolResult{
		{CallID: "fc1", Name: "lookup", Content: `{"found": true}`},
	})

	if len(transcript.contents) != baseline+2 {
		t.Fatalf("model function_call + user function_response expected, got %d new",
			len(transcript.contents)-baseline)
	}
	modelTurn := transcript.contents[baseline]
	if modelTurn.Role != genai.RoleModel || modelTurn.Parts[0].FunctionCall == nil {
		t.Errorf("model turn: %+v", modelTurn)
	}
	responseTurn := transcript.contents[baseline+1]
	if responseTurn.Parts[0].FunctionResponse == nil {
		t.Errorf("function response turn: %+v", responseTurn)
	}
	if responseTurn.Parts[0].FunctionResponse.Name != "lookup" {
		t.Error("function response carries the tool name")
	}
}

// Tool results that are not JSON objects wrap under "result".
func TestGeminiMergeNonJSONResult(t *testing.T) {
	adapter := newGeminiAdapter(gateway.NewNoOpLogger())
	req := &gateway.ChatRequest{User: "go"}
	transcript := &geminiTranscript{contents: adapter.buildContents(req)}
	req.Transcript = transcript

	adapter.MergeToolResults(req, &gateway.ChatResult{
		ToolCalls: []gateway.ToolCall{{ID: "fc1", Name: "lookup", Args: map[string]interface{}{}}},
	}, []gateway.ToolResult{
		{CallID: "fc1", Name: "lookup", Content: "plain text answer"},
	})
	last := transcript.contents[len(transcript.contents)-1]
	response := last.Parts[0].FunctionResponse.Response
	if response["result"] != "plain text answer" {
		t.Errorf("non-JSON content wraps under result: %v", response)
	}
}

func TestGeminiTypeMapping(t *testing.T) {
	cases := map[string]genai.Type{
		"string":  genai.TypeString,
		"number":  genai.TypeNumber,
		"integer": genai.TypeInteger,
		"boolean": genai.TypeBoolean,
		"array":   genai.TypeArray,
		"object":  genai.TypeObject,
		"weird":   genai.TypeString,
	}
	for name, want := range cases {
		if got := geminiType(name); got != want {
			t.Errorf("geminiType(%q) = %v, want %v", name, got, want)
		}
	}
}
