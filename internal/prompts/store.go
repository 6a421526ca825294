// Package prompts renders widget prompts from embedded defaults or from an
// operator-supplied prompts directory.
package prompts

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/normanking/athena/internal/conversation"
	"github.com/normanking/athena/internal/logging"
)

//go:embed static/widgets.yaml
var widgetsYAML []byte

// AgentTaskPrefix names the agent-network task texts in the store.
const AgentTaskPrefix = "AGENT_TASK_"

// Store provides access to widget prompt templates.
type Store struct {
	builtin map[string]string
	dir     string

	mu    sync.RWMutex
	files map[string]string // name -> file contents ("" when absent)
}

type yamlFile struct {
	Prompts map[string]string `yaml:"prompts"`
}

// Load initializes the store from the embedded defaults. dir may be empty.
func Load(dir string) *Store {
	var data yamlFile
	if err := yaml.Unmarshal(widgetsYAML, &data); err != nil {
		logging.WithComponent("prompts").Error("embedded prompts unreadable: %v", err)
		data.Prompts = make(map[string]string)
	}
	return &Store{builtin: data.Prompts, dir: dir, files: make(map[string]string)}
}

// Template returns the template for name, preferring the marketplace
// variant when asked. Directory files beat built-ins.
func (s *Store) Template(name string, marketplace bool) string {
	if marketplace {
		if t := s.lookup(name + "_MARKETPLACE"); t != "" {
			return t
		}
	}
	if t := s.lookup(name); t != "" {
		return t
	}
	return "Echo conversation: {{ conversation }}"
}

// Has reports whether a template exists for name.
func (s *Store) Has(name string) bool {
	return s.lookup(name) != ""
}

func (s *Store) lookup(name string) string {
	if t := s.file(name); t != "" {
		return t
	}
	return s.builtin[name]
}

func (s *Store) file(name string) string {
	if s.dir == "" {
		return ""
	}
	s.mu.RLock()
	t, ok := s.files[name]
	s.mu.RUnlock()
	if ok {
		return t
	}

	b, err := os.ReadFile(filepath.Join(s.dir, name+".txt"))
	if err != nil {
		logging.WithComponent("prompts").Debug("prompt template missing: %s", name)
	}
	t = string(b)

	s.mu.Lock()
	s.files[name] = t
	s.mu.Unlock()
	return t
}

// ═══════════════════════════════════════════════════════════════════════════════
// RENDERING
// ═══════════════════════════════════════════════════════════════════════════════

// Input is the context a prompt is rendered with.
type Input struct {
	History      conversation.History
	CustomerID   string
	CustomerData map[string]interface{}
	Extra        map[string]interface{}
	Marketplace  bool
}

var placeholder = regexp.MustCompile(`{{\s*(\w+)\s*}}`)

// Render substitutes {{ var }} placeholders. Strings are inserted as is,
// other values as JSON, missing values as empty text.
func Render(tpl string, vars map[string]interface{}) string {
	return placeholder.ReplaceAllStringFunc(tpl, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		switch v := vars[key].(type) {
		case nil:
			return ""
		case string:
			return v
		case fmt.Stringer:
			return v.String()
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return ""
			}
			return string(b)
		}
	})
}

// Build renders the prompt for a widget.
func (s *Store) Build(widget string, in Input) string {
	return Render(s.Template(widget, in.Marketplace), Vars(in))
}

// AgentTask renders the agent-network task text for a widget. ok is false
// when the widget has no dedicated task text.
func (s *Store) AgentTask(widget string, in Input) (string, bool) {
	name := AgentTaskPrefix + widget
	if !s.Has(name) {
		return "", false
	}
	return Render(s.Template(name, false), Vars(in)), true
}

// Vars assembles the template variables for in. Extra values override the
// base variables; derived *_TEXT values join list-valued extras.
func Vars(in Input) map[string]interface{} {
	vars := map[string]interface{}{
		"conversation": in.History.Render(),
		"customerId":   in.CustomerID,
		"customerData": in.CustomerData,
	}
	if in.CustomerData == nil {
		vars["customerData"] = map[string]interface{}{}
	}
	for k, v := range in.Extra {
		vars[k] = v
	}

	vars["LIVE_PROMPTS_TEXT"] = joinOrNone(listOf(in.Extra["LIVE_PROMPTS"], func(m map[string]interface{}) string {
		return firstOf(m, "label", "value")
	}), " | ")
	vars["ACTION_CANDIDATES_TEXT"] = joinOrNone(listOf(in.Extra["ACTION_CANDIDATES"], nil), " | ")
	vars["ARTICLE_TITLES_TEXT"] = joinOrNone(listOf(in.Extra["ARTICLE_TITLES"], nil), " | ")
	vars["ARTICLE_STEPS_TEXT"] = strings.Join(listOf(in.Extra["ARTICLE_STEPS"], nil), "; ")
	vars["ACTION_FINDINGS_TEXT"] = strings.Join(listOf(in.Extra["ACTION_FINDINGS"], func(m map[string]interface{}) string {
		label := firstOf(m, "label", "name")
		if label == "" {
			label = "Item"
		}
		return label + "=" + firstOf(m, "value", "result")
	}), "; ")

	if prev, ok := in.Extra["PREVIOUS_ACTIONS"].(string); ok && prev != "" {
		vars["PREVIOUS_ACTIONS_BLOCK"] = "\nPreviously executed actions:\n" + prev
	}
	return vars
}

// listOf flattens a list-valued extra into text items. Object items are
// rendered with obj, or skipped when obj is nil.
func listOf(v interface{}, obj func(map[string]interface{}) string) []string {
	if v == nil {
		return nil
	}
	var items []interface{}
	switch t := v.(type) {
	case []interface{}:
		items = t
	case []string:
		return t
	default:
		b, err := json.Marshal(v)
		if err != nil || json.Unmarshal(b, &items) != nil {
			return nil
		}
	}

	var out []string
	for _, it := range items {
		switch x := it.(type) {
		case string:
			out = append(out, x)
		case map[string]interface{}:
			if obj != nil {
				out = append(out, obj(x))
			}
		}
	}
	return out
}

func firstOf(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64, bool:
			return fmt.Sprint(v)
		}
	}
	return ""
}

func joinOrNone(items []string, sep string) string {
	if len(items) == 0 {
		return "NONE"
	}
	return strings.Join(items, sep)
}
