package widgets

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/normanking/athena/internal/conversation"
	"github.com/normanking/athena/internal/repair"
)

// MaxActions caps an action plan.
const MaxActions = 6

// Action is one proposed investigative step.
type Action struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Rationale string `json:"rationale"`
	Query     string `json:"query"`
}

// ExecutedAction is a ledger entry surfaced next to the plan.
type ExecutedAction struct {
	ID        string    `json:"id"`
	Query     string    `json:"query"`
	Timestamp time.Time `json:"ts"`
}

// ActionPlan is the AGENT_NETWORK_ACTIONS payload.
type ActionPlan struct {
	Actions         []Action         `json:"actions"`
	ExecutedActions []ExecutedAction `json:"executedActions,omitempty"`
}

// actionSourceKeys are wrapper keys models use around the action array.
var actionSourceKeys = []string{"actions", "items", "list", "results", "result", "data"}

var numericKey = regexp.MustCompile(`^\d+$`)

// NormalizeActions recovers an action list from a parsed model reply.
// Bare arrays, wrapper objects, the first array-valued key and objects keyed
// "0","1",... are all recognised. At most MaxActions are returned; the
// result may be empty.
func NormalizeActions(parsed interface{}) []Action {
	var src []interface{}
	switch t := parsed.(type) {
	case []interface{}:
		src = t
	case map[string]interface{}:
		for _, k := range actionSourceKeys {
			if arr, ok := t[k].([]interface{}); ok {
				src = arr
				break
			}
		}
		if src == nil {
			for _, k := range repair.SortedKeys(t) {
				if arr, ok := t[k].([]interface{}); ok {
					src = arr
					break
				}
			}
		}
		if src == nil && len(t) > 0 && allNumericKeys(t) {
			for _, k := range repair.SortedKeys(t) {
				src = append(src, t[k])
			}
		}
	}

	if len(src) > MaxActions {
		src = src[:MaxActions]
	}
	out := make([]Action, 0, len(src))
	for i, item := range src {
		obj, _ := item.(map[string]interface{})
		if obj == nil {
			obj = map[string]interface{}{}
		}
		out = append(out, actionFrom(obj, i))
	}
	return out
}

func actionFrom(obj map[string]interface{}, i int) Action {
	a := Action{
		ID:        firstText(obj, "id", "actionId"),
		Title:     firstText(obj, "title", "label", "name"),
		Rationale: firstText(obj, "rationale", "reason", "description"),
		Query:     firstText(obj, "query", "prompt", "value", "text"),
	}
	if a.ID == "" {
		a.ID = fmt.Sprintf("action-%d", i+1)
	}
	if a.Title == "" {
		a.Title = fmt.Sprintf("Action %d", i+1)
	}
	return a
}

// firstText returns the first non-empty value among keys, rendering
// numbers as text.
func firstText(obj map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		switch v := obj[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			if v != 0 {
				return strconv.FormatFloat(v, 'f', -1, 64)
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func allNumericKeys(m map[string]interface{}) bool {
	for k := range m {
		if !numericKey.MatchString(k) {
			return false
		}
	}
	return true
}

// ActionsFromAgent normalizes an agent-network reply: response.actions or
// actions when present, otherwise up to six non-empty lines of
// response.text become naive actions.
func ActionsFromAgent(data map[string]interface{}) []Action {
	resp, _ := data["response"].(map[string]interface{})

	var arr []interface{}
	if resp != nil {
		arr, _ = resp["actions"].([]interface{})
	}
	if arr == nil {
		arr, _ = data["actions"].([]interface{})
	}
	if arr != nil {
		out := make([]Action, 0, len(arr))
		for i, item := range arr {
			obj, _ := item.(map[string]interface{})
			if obj == nil {
				obj = map[string]interface{}{}
			}
			a := Action{
				ID:        firstText(obj, "id"),
				Title:     firstText(obj, "title", "label"),
				Rationale: firstText(obj, "rationale", "reason"),
				Query:     firstText(obj, "query", "prompt", "value"),
			}
			if a.ID == "" {
				a.ID = fmt.Sprintf("action-%d", i+1)
			}
			if a.Title == "" {
				a.Title = fmt.Sprintf("Action %d", i+1)
			}
			out = append(out, a)
		}
		return out
	}

	text, _ := resp["text"].(string)
	var out []Action
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, Action{
			ID:        fmt.Sprintf("action-%d", len(out)+1),
			Title:     repair.Truncate(line, 60),
			Rationale: "Proposed by Neuro-San",
			Query:     line,
		})
		if len(out) == MaxActions {
			break
		}
	}
	return out
}

// FallbackActions returns the three deterministic actions used when no
// plan can be recovered.
func FallbackActions(marketplace bool) []Action {
	if marketplace {
		return []Action{
			{ID: "action-licence-status", Title: "Check licence status", Rationale: "Verify assignments and seat availability", Query: "Check Microsoft 365 licence assignment and seat counts for the account"},
			{ID: "action-billing-renewals", Title: "View billing & renewals", Rationale: "Confirm upcoming charges and renewal windows", Query: "Retrieve upcoming renewals and recent invoices from Marketplace"},
			{ID: "action-support-ticket", Title: "Open support ticket", Rationale: "Escalate with complete context if needed", Query: "Create a support ticket with conversation summary and customer details"},
		}
	}
	return []Action{
		{ID: "action-diagnostics", Title: "Run diagnostics", Rationale: "Collect signals for triage", Query: "Run basic diagnostics against the customer services"},
		{ID: "action-review-contracts", Title: "Review contracts", Rationale: "Check commitments and SLA terms", Query: "Fetch contract terms and SLA for the main services"},
		{ID: "action-followup", Title: "Schedule follow-up", Rationale: "Ensure continuity towards resolution", Query: "Schedule a follow-up with summary of steps taken"},
	}
}

var askedCreateUser = regexp.MustCompile(`(create|add)\s+(a\s+)?new\s+user|\bcreate\s+user\b|\badd\s+user\b|\badd\s+a\s+new\s+user\b`)

// InjectLifecycleActions prepends a create-user action when the customer
// asked for a new user and supplied a UPN, unless the plan already has one
// or the ledger shows it was executed for that UPN.
func InjectLifecycleActions(actions []Action, history conversation.History, previousActions string) []Action {
	text := history.Text()
	if !askedCreateUser.MatchString(strings.ToLower(text)) {
		return actions
	}
	upn := conversation.ExtractUPN(text)
	if upn == "" {
		return actions
	}

	for _, a := range actions {
		if strings.Contains(strings.ToLower(a.ID), "create") || strings.Contains(strings.ToLower(a.Title), "create user") {
			return actions
		}
	}
	prev := strings.ToLower(previousActions)
	if strings.Contains(prev, "create_user") && strings.Contains(prev, strings.ToLower(upn)) {
		return actions
	}

	displayName := conversation.ExtractDisplayName(text)
	human := upn
	rationale := "Need display name to create the user; ask customer for full name."
	var dn interface{}
	if displayName != "" {
		human = fmt.Sprintf("%s (%s)", displayName, upn)
		rationale = "Customer requested a new user to be added."
		dn = displayName
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"intent":            "create_user",
		"upn":               upn,
		"userPrincipalName": upn,
		"displayName":       dn,
		"usageLocation":     "GB",
	})
	create := Action{
		ID:        "m365-create-user",
		Title:     "Create user",
		Rationale: rationale,
		Query:     fmt.Sprintf("Create user %s. M365_ACTION: %s", human, payload),
	}

	out := append([]Action{create}, actions...)
	if len(out) > MaxActions {
		out = out[:MaxActions]
	}
	return out
}

// PlanActions is the full planner normalization: recover, fall back when
// empty, then inject lifecycle actions.
func PlanActions(parsed interface{}, marketplace bool, history conversation.History, previousActions string) []Action {
	actions := NormalizeActions(parsed)
	if len(actions) == 0 {
		actions = FallbackActions(marketplace)
	}
	return InjectLifecycleActions(actions, history, previousActions)
}
