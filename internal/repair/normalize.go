package repair

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// DefaultConfidence is used whenever a confidence value is missing or unreadable.
const DefaultConfidence = 0.6

// Finding is one labelled line of an execution result.
type Finding struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Confidence maps numbers on a 0-1 or 0-100 scale and high/medium/low
// words onto [0,1].
func Confidence(v interface{}) float64 {
	switch t := v.(type) {
	case nil:
		return DefaultConfidence
	case float64:
		return clampScore(t)
	case float32:
		return clampScore(float64(t))
	case int:
		return clampScore(float64(t))
	case int64:
		return clampScore(float64(t))
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return clampScore(f)
		}
		return DefaultConfidence
	}

	s := strings.ToLower(strings.TrimSpace(fmt.Sprint(v)))
	switch {
	case strings.Contains(s, "high"):
		return 0.85
	case strings.Contains(s, "med"):
		return 0.6
	case strings.Contains(s, "low"):
		return 0.35
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return clampScore(f)
	}
	return DefaultConfidence
}

func clampScore(f float64) float64 {
	if f > 1 && f <= 100 {
		f = f / 100
	}
	return Clamp(f, 0, 1)
}

// Clamp bounds f to [lo, hi].
func Clamp(f, lo, hi float64) float64 {
	if f < lo {
		return lo
	}
	if f > hi {
		return hi
	}
	return f
}

// Findings converts an array of items or a flat object into ordered
// label/value pairs. Non-string values are rendered as JSON.
func Findings(v interface{}) []Finding {
	switch t := v.(type) {
	case []interface{}:
		out := make([]Finding, 0, len(t))
		for i, item := range t {
			fallback := fmt.Sprintf("Item %d", i+1)
			obj, ok := item.(map[string]interface{})
			if !ok {
				out = append(out, Finding{Label: fallback, Value: Stringify(item)})
				continue
			}
			label := FirstString(obj, "label", "name", "key")
			if label == "" {
				label = fallback
			}
			value := ""
			for _, k := range []string{"value", "result", "text", "message"} {
				if x, ok := obj[k]; ok && x != nil {
					value = Stringify(x)
					break
				}
			}
			out = append(out, Finding{Label: Truncate(label, 80), Value: value})
		}
		return out
	case []Finding:
		return t
	case map[string]interface{}:
		out := make([]Finding, 0, len(t))
		for _, k := range SortedKeys(t) {
			out = append(out, Finding{Label: Truncate(k, 80), Value: Stringify(t[k])})
		}
		return out
	}
	return []Finding{}
}

// Stringify returns strings unchanged and JSON-encodes everything else.
func Stringify(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// FirstString returns the first non-empty string value among keys.
func FirstString(obj map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// FirstValue returns the first non-nil value among keys.
func FirstValue(obj map[string]interface{}, keys ...string) interface{} {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// SortedKeys returns the map keys in ascending order. Numeric keys come
// first, by value; the rest follow lexically.
func SortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, errA := strconv.Atoi(keys[i])
		b, errB := strconv.Atoi(keys[j])
		switch {
		case errA == nil && errB == nil:
			if a != b {
				return a < b
			}
			return keys[i] < keys[j]
		case errA == nil:
			return true
		case errB == nil:
			return false
		}
		return keys[i] < keys[j]
	})
	return keys
}

// SeedHash is the 31-multiplier string hash used for deterministic synthesis.
func SeedHash(s string) uint32 {
	var h uint32
	for _, c := range s {
		h = h*31 + uint32(c)
	}
	return h
}
