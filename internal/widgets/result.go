package widgets

import (
	"encoding/json"
	"fmt"
)

// Error codes carried by the error variant.
const (
	CodeNoResponse    = "LLM_NO_RESPONSE"
	CodeParseFailed   = "PARSE_FAILED"
	CodeUnknownWidget = "UNKNOWN_WIDGET"
)

// Error is the shared failure variant of every widget.
type Error struct {
	Code    string `json:"error"`
	Widget  string `json:"widget"`
	Raw     string `json:"raw,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s: %s", e.Widget, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Widget, e.Code)
}

// Result is a widget outcome: exactly one of Value or Err is set.
type Result struct {
	Value interface{}
	Err   *Error
}

// Ok wraps a successful payload.
func Ok(v interface{}) Result {
	return Result{Value: v}
}

// Fail builds the error variant.
func Fail(widget, code, raw string) Result {
	return Result{Err: &Error{Code: code, Widget: widget, Raw: raw}}
}

// Failed reports whether r is the error variant.
func (r Result) Failed() bool {
	return r.Err != nil
}

// MarshalJSON encodes the active variant directly so the wire shape is
// either the widget payload or {"error":...,"widget":...}.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.Err != nil {
		return json.Marshal(r.Err)
	}
	return json.Marshal(r.Value)
}

// UnmarshalJSON decodes either variant. Objects carrying a string "error"
// key together with "widget" are treated as failures.
func (r *Result) UnmarshalJSON(b []byte) error {
	var probe struct {
		Error  *string `json:"error"`
		Widget *string `json:"widget"`
	}
	if err := json.Unmarshal(b, &probe); err == nil && probe.Error != nil && probe.Widget != nil {
		var e Error
		if err := json.Unmarshal(b, &e); err != nil {
			return err
		}
		r.Err, r.Value = &e, nil
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	r.Value, r.Err = v, nil
	return nil
}

// Results maps widget names to outcomes.
type Results map[string]Result

// Object returns the success payload of name as a JSON object, or nil.
func (rs Results) Object(name string) map[string]interface{} {
	r, ok := rs[name]
	if !ok || r.Err != nil {
		return nil
	}
	return asObject(r.Value)
}

// asObject converts typed payloads to a generic map via JSON.
func asObject(v interface{}) map[string]interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}
