package gateway

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var placeholderRe = regexp.MustCompile(`\{\{(.*?)\}\}`)

// ReplaceVariables substitutes {{placeholder}} occurrences in prompt from
// the union of variables and a dot-flattened view of nested maps.
// Unresolved placeholders are left in place and returned as missing
// variables; missing variables are an alerting event, not a failure.
func ReplaceVariables(prompt string, variables map[string]interface{}) (string, map[string]string) {
	missing := map[string]string{}
	matches := placeholderRe.FindAllStringSubmatch(prompt, -1)
	if len(matches) == 0 {
		return prompt, missing
	}

	placeholders := map[string]bool{}
	for _, m := range matches {
		placeholders[m[1]] = true
	}

	merged := map[string]interface{}{}
	for k, v := range variables {
		merged[k] = v
	}
	for k, v := range FlattenVariables(variables) {
		merged[k] = v
	}

	for key, value := range merged {
		if !placeholders[key] {
			continue
		}
		prompt = strings.ReplaceAll(prompt, "{{"+key+"}}", stringifyVariable(value))
		delete(placeholders, key)
	}

	for key := range placeholders {
		missing[key] = "{{" + key + "}}"
	}
	return prompt, missing
}

// FlattenVariables produces a dot-separated flat view of nested maps while
// keeping each intermediate map reachable under its own path.
func FlattenVariables(variables map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	flattenInto(out, variables, "")
	return out
}

func flattenInto(out map[string]interface{}, in map[string]interface{}, parent string) {
	for k, v := range in {
		key := k
		if parent != "" {
			key = parent + "." + k
		}
		out[key] = v
		if nested, ok := v.(map[string]interface{}); ok {
			flattenInto(out, nested, key)
		}
	}
}

func stringifyVariable(value interface{}) string {
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case nil:
		s = ""
	default:
		if data, err := json.Marshal(v); err == nil {
			s = string(data)
		} else {
			s = fmt.Sprintf("%v", v)
		}
	}
	if strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) && len(s) >= 2 {
		s = s[1 : len(s)-1]
	}
	return s
}

// VariableState declares per-variable requirements on a bridge.
type VariableState struct {
	Status       string      `json:"status" bson:"status"`
	DefaultValue interface{} `json:"default_value" bson:"default_value"`
}

// ApplyVariableDefaults fills absent or empty variables from their declared
// defaults. Mutates variables in place.
func ApplyVariableDefaults(variables map[string]interface{}, states map[string]VariableState) {
	for name, state := range states {
		if state.Status == "" && state.DefaultValue == nil {
			continue
		}
		current, ok := variables[name]
		if !ok || current == nil || current == "" {
			variables[name] = state.DefaultValue
		}
	}
}

// FilterMissingVariables drops keys whose declared status is not
// "required" from the missing-variables report.
func FilterMissingVariables(missing map[string]string, states map[string]VariableState) map[string]string {
	if states == nil {
		return missing
	}
	for name, state := range states {
		if state.Status != "required" {
			delete(missing, name)
		}
	}
	return missing
}

// FindVariables returns placeholder names referenced by prompt.
func FindVariables(prompt string) []string {
	matches := placeholderRe.FindAllStringSubmatch(prompt, -1)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m[1])
	}
	return names
}

// timeVariableKey is the reserved variable the default prompt suffix
// references; it carries the org-local wall clock.
const timeVariableKey = "current_time_date_and_current_identifier"

// defaultPromptSuffix is appended to every prompt before templating.
const defaultPromptSuffix = " \n ### CURRENT TIME (For reference only) \n{{current_time_date_and_current_identifier}}"

// AddDefaultTemplate appends the current-time section to a prompt.
func AddDefaultTemplate(prompt string) string {
	return prompt + defaultPromptSuffix
}

// InjectTimeVariable sets the reserved time variable using the org
// timezone identifier; a caller-provided variables["timezone"] wins. The
// identifier defaults to Asia/Calcutta when nothing is configured.
func InjectTimeVariable(variables map[string]interface{}, orgTimezone string, now time.Time) {
	identifier := orgTimezone
	if tz, ok := variables["timezone"].(string); ok && tz != "" {
		identifier = tz
	}
	if identifier == "" {
		identifier = "Asia/Calcutta"
	}
	local := now.UTC()
	if loc, err := time.LoadLocation(identifier); err == nil {
		local = now.In(loc)
	}
	variables[timeVariableKey] = fmt.Sprintf("%s %s %s (%s)",
		local.Format("2006-01-02"), local.Format("15:04:05"), local.Weekday().String(), identifier)
}

// AddUserToVariables exposes the user message to templates as
// _user_message.
func AddUserToVariables(variables map[string]interface{}, user string) {
	variables["_user_message"] = user
}
