package widgets

import (
	"github.com/normanking/athena/internal/repair"
)

// LivePrompt is one coaching line the agent can say now.
type LivePrompt struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// NormalizeLivePrompts coerces a parsed reply into prompts. It reports
// false when no shape matched; callers keep the raw parsed value then.
func NormalizeLivePrompts(parsed interface{}) ([]LivePrompt, bool) {
	switch t := parsed.(type) {
	case []interface{}:
		return promptsFromArray(t), true
	case map[string]interface{}:
		label, lok := t["label"].(string)
		value, vok := t["value"].(string)
		if lok && vok {
			return []LivePrompt{{Label: repair.Truncate(label, 80), Value: value}}, true
		}
		if arr, ok := t["prompts"].([]interface{}); ok {
			return promptsFromArray(arr), true
		}
		if arr, ok := t["actions"].([]interface{}); ok {
			return promptsFromArray(arr), true
		}
		for _, k := range repair.SortedKeys(t) {
			arr, ok := t[k].([]interface{})
			if !ok || len(arr) == 0 {
				continue
			}
			if first, ok := arr[0].(map[string]interface{}); ok && truthy(first["label"]) && truthy(first["value"]) {
				return promptsFromArray(arr), true
			}
			if _, ok := arr[0].(string); ok {
				return promptsFromArray(arr), true
			}
		}

		var out []LivePrompt
		for _, k := range repair.SortedKeys(t) {
			if k == "label" || k == "value" {
				continue
			}
			s, ok := t[k].(string)
			if !ok {
				return nil, false
			}
			out = append(out, LivePrompt{Label: repair.Truncate(s, 40), Value: s})
		}
		if len(out) > 0 {
			return out, true
		}
	}
	return nil, false
}

func promptsFromArray(arr []interface{}) []LivePrompt {
	out := make([]LivePrompt, 0, len(arr))
	for _, item := range arr {
		switch v := item.(type) {
		case string:
			out = append(out, LivePrompt{Label: repair.Truncate(v, 40), Value: v})
		case map[string]interface{}:
			out = append(out, LivePrompt{
				Label: repair.FirstString(v, "label", "title", "name"),
				Value: repair.FirstString(v, "value", "text", "prompt", "query"),
			})
		}
	}
	return out
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case bool:
		return t
	case float64:
		return t != 0
	}
	return true
}
