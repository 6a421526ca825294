package widgets

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// schemas hold the canonical shape of the normalized widgets. Widgets
// without an entry are free-form.
var schemas = map[string]string{
	AgentNetworkActions: `{
		"type": "object",
		"required": ["actions"],
		"properties": {
			"actions": {
				"type": "array",
				"minItems": 1,
				"maxItems": 6,
				"items": {
					"type": "object",
					"required": ["id", "title", "query"],
					"properties": {
						"id": {"type": "string", "minLength": 1},
						"title": {"type": "string", "minLength": 1},
						"rationale": {"type": "string"},
						"query": {"type": "string"}
					}
				}
			}
		}
	}`,
	AgentNetworkExecute: `{
		"type": "object",
		"required": ["shortDescription", "summary", "findings", "confidence"],
		"properties": {
			"shortDescription": {"type": "string"},
			"summary": {"type": "string"},
			"findings": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["label", "value"],
					"properties": {"label": {"type": "string"}, "value": {"type": "string"}}
				}
			},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1}
		}
	}`,
	LivePrompts: `{
		"type": "array",
		"items": {
			"type": "object",
			"required": ["label", "value"],
			"properties": {"label": {"type": "string"}, "value": {"type": "string"}}
		}
	}`,
	NextBestAction: `{
		"type": "object",
		"required": ["title"],
		"properties": {
			"title": {"type": "string", "minLength": 1},
			"guidedSteps": {"type": "array"},
			"confidence": {"type": "number"}
		}
	}`,
	Customer360Demographics: `{
		"type": "object",
		"required": ["firstName", "address"],
		"properties": {
			"firstName": {"type": "string"},
			"address": {"type": "object"}
		}
	}`,
}

// Validate checks a normalized payload against the widget's canonical
// shape. Widgets without a schema always pass.
func Validate(widget string, value interface{}) error {
	schema, ok := schemas[widget]
	if !ok {
		return nil
	}
	doc, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", widget, err)
	}

	result, err := gojsonschema.Validate(gojsonschema.NewStringLoader(schema), gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("validate %s: %w", widget, err)
	}
	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%s shape: %s", widget, strings.Join(msgs, "; "))
	}
	return nil
}
