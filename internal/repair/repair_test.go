package repair

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSalvage(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		ok   bool
		key  string
	}{
		{"strict object", `{"a":1}`, true, "a"},
		{"narrative wrapped", `Sure! Here is the JSON: {"actions":[{"id":"x"}]} Let me know.`, true, "actions"},
		{"markdown fence", "```json\n{\"summary\":\"ok\"}\n```", true, "summary"},
		{"two objects", `first {"a":1} and later {"b":2}`, true, "a"},
		{"stray brace before object", `Use {draft} here: {"draft":"hello"}`, true, "draft"},
		{"no braces", `just words`, false, ""},
		{"reversed braces", `} nope {`, false, ""},
		{"broken json", `{"a": }`, false, ""},
		{"empty", ``, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, ok := Salvage(tt.raw)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				obj, isObj := v.(map[string]interface{})
				require.True(t, isObj)
				assert.Contains(t, obj, tt.key)
			}
		})
	}
}

func TestSalvageKeepsTopLevelArray(t *testing.T) {
	v, ok := Salvage(`[{"label":"a","value":"b"}]`)
	require.True(t, ok)
	assert.Len(t, v, 1)

	_, ok = SalvageObject(`[1,2]`)
	assert.False(t, ok)
}

func TestFindExecutePayload(t *testing.T) {
	v, ok := Parse(`{"response":{"meta":{"result":{"summary":"done","findings":[]}}}}`)
	require.True(t, ok)

	hit := FindExecutePayload(v)
	require.NotNil(t, hit)
	assert.Equal(t, "done", hit["summary"])

	assert.Nil(t, FindExecutePayload(map[string]interface{}{"a": map[string]interface{}{"b": 1}}))
	assert.Nil(t, FindExecutePayload("string"))
}

func TestFindExecutePayloadDepthLimit(t *testing.T) {
	var v interface{} = map[string]interface{}{"summary": "deep"}
	for i := 0; i < 7; i++ {
		v = map[string]interface{}{"n": v}
	}
	assert.Nil(t, FindExecutePayload(v))
}

func TestConfidence(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want float64
	}{
		{"nil", nil, 0.6},
		{"unit", 0.42, 0.42},
		{"percent", 85.0, 0.85},
		{"above hundred", 250.0, 1},
		{"negative", -3.0, 0},
		{"int percent", 90, 0.9},
		{"high", "High", 0.85},
		{"medium", "medium", 0.6},
		{"low", "LOW", 0.35},
		{"numeric string", "70", 0.7},
		{"garbage", "sure", 0.6},
		{"bool", true, 0.6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Confidence(tt.in), 1e-9)
		})
	}
}

func TestFindingsFromArray(t *testing.T) {
	in := []interface{}{
		map[string]interface{}{"label": "Seats", "value": 10.0},
		map[string]interface{}{"name": "Status", "result": "OK"},
		map[string]interface{}{"text": "no label"},
		"plain",
		42.0,
	}

	got := Findings(in)
	assert.Equal(t, []Finding{
		{Label: "Seats", Value: "10"},
		{Label: "Status", Value: "OK"},
		{Label: "Item 3", Value: "no label"},
		{Label: "Item 4", Value: "plain"},
		{Label: "Item 5", Value: "42"},
	}, got)
}

func TestFindingsFromObject(t *testing.T) {
	got := Findings(map[string]interface{}{"b": "two", "a": map[string]interface{}{"x": 1.0}})
	assert.Equal(t, []Finding{
		{Label: "a", Value: `{"x":1}`},
		{Label: "b", Value: "two"},
	}, got)

	assert.Empty(t, Findings(nil))
	assert.Empty(t, Findings("text"))
}

func TestFindingsTruncatesLabel(t *testing.T) {
	long := make([]byte, 120)
	for i := range long {
		long[i] = 'x'
	}
	got := Findings([]interface{}{map[string]interface{}{"label": string(long), "value": "v"}})
	assert.Len(t, got[0].Label, 80)
}

func TestSortedKeysNumeric(t *testing.T) {
	keys := SortedKeys(map[string]interface{}{"10": 1, "2": 1, "1": 1})
	assert.Equal(t, []string{"1", "2", "10"}, keys)

	mixed := map[string]interface{}{"10": 1, "2a": 1, "9": 1, "b": 1, "01": 1, "1": 1}
	for i := 0; i < 20; i++ {
		assert.Equal(t, []string{"01", "1", "9", "10", "2a", "b"}, SortedKeys(mixed))
	}
}

func TestSeedHashDeterministic(t *testing.T) {
	assert.Equal(t, SeedHash("GB26669607"), SeedHash("GB26669607"))
	assert.NotEqual(t, SeedHash("GB26669607"), SeedHash("GB26669608"))
	assert.Equal(t, uint32(0), SeedHash(""))
	assert.Equal(t, uint32(97*31+98), SeedHash("ab"))
}
