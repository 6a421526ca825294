// Package repair recovers structured data from noisy model output.
//
// Model replies often wrap JSON in prose or markdown fences, report
// confidence on arbitrary scales, and return findings as either lists or
// maps. The helpers here coerce all of those into predictable Go values.
package repair

import (
	"encoding/json"
	"strings"
)

// Parse decodes strict JSON. The result is nil when raw is not valid JSON.
func Parse(raw string) (interface{}, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, false
	}
	return v, true
}

// Salvage tries, in order: a strict parse, the slice between the first '{'
// and the last '}', and the first complete object starting at any '{'. It
// reports false when nothing decodes.
func Salvage(raw string) (interface{}, bool) {
	if v, ok := Parse(raw); ok {
		return v, true
	}
	first := strings.Index(raw, "{")
	last := strings.LastIndex(raw, "}")
	if first == -1 || last == -1 || last <= first {
		return nil, false
	}
	if v, ok := Parse(raw[first : last+1]); ok {
		return v, true
	}
	return firstObject(raw)
}

// firstObject decodes the first well-formed object in raw, skipping text
// around and between objects.
func firstObject(raw string) (interface{}, bool) {
	for i := strings.Index(raw, "{"); i >= 0; {
		var v map[string]interface{}
		if err := json.NewDecoder(strings.NewReader(raw[i:])).Decode(&v); err == nil {
			return v, true
		}
		next := strings.Index(raw[i+1:], "{")
		if next < 0 {
			break
		}
		i += next + 1
	}
	return nil, false
}

// SalvageObject is Salvage restricted to JSON objects.
func SalvageObject(raw string) (map[string]interface{}, bool) {
	v, ok := Salvage(raw)
	if !ok {
		return nil, false
	}
	obj, ok := v.(map[string]interface{})
	return obj, ok
}

// FindExecutePayload walks nested objects (depth ≤ 5) looking for the first
// one that resembles an execution result: a non-empty summary, a non-empty
// findings array, or a non-empty shortDescription. Keys are visited in
// sorted order so the search is deterministic.
func FindExecutePayload(v interface{}) map[string]interface{} {
	return findExecutePayload(v, 0)
}

func findExecutePayload(v interface{}, depth int) map[string]interface{} {
	if depth > 5 {
		return nil
	}
	switch t := v.(type) {
	case map[string]interface{}:
		if looksLikeExecute(t) {
			return t
		}
		for _, k := range SortedKeys(t) {
			if hit := findExecutePayload(t[k], depth+1); hit != nil {
				return hit
			}
		}
	case []interface{}:
		for _, item := range t {
			if hit := findExecutePayload(item, depth+1); hit != nil {
				return hit
			}
		}
	}
	return nil
}

func looksLikeExecute(o map[string]interface{}) bool {
	if s, ok := o["summary"].(string); ok && s != "" {
		return true
	}
	if arr, ok := o["findings"].([]interface{}); ok && len(arr) > 0 {
		return true
	}
	if s, ok := o["shortDescription"].(string); ok && s != "" {
		return true
	}
	return false
}
