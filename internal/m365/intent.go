// Package m365 executes Microsoft 365 administration intents carried in
// agent action queries: it parses the payload, resolves users and licenses,
// dispatches to a directory backend and shapes a uniform result.
package m365

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/normanking/athena/internal/conversation"
)

// Marker introduces the machine-readable payload inside an action query.
const Marker = "M365_ACTION:"

// Intent names.
const (
	IntentLicenseCounts    = "get_license_counts"
	IntentListSkus         = "list_subscribed_skus"
	IntentCheckAssignments = "check_user_license_assignments"
	IntentDiscoverTenant   = "discover_tenant"
	IntentCreateUser       = "create_user"
	IntentAssignLicense    = "assign_license"
	IntentDisableUser      = "disable_user"
	IntentDeleteUser       = "delete_user"
	IntentUpdateUser       = "update_user"
)

var readOnly = map[string]bool{
	IntentLicenseCounts:    true,
	IntentListSkus:         true,
	IntentCheckAssignments: true,
	IntentDiscoverTenant:   true,
}

// IsReadOnly reports whether the intent never changes the directory.
func IsReadOnly(intent string) bool {
	return readOnly[strings.ToLower(intent)]
}

var (
	// ErrNoPayload is returned when the query has no M365_ACTION marker.
	ErrNoPayload = errors.New("no " + Marker + " payload")

	// ErrBadPayload is returned when the payload is not a JSON object.
	ErrBadPayload = errors.New("malformed " + Marker + " payload")
)

// Intent is the parsed action payload.
type Intent struct {
	Intent        string                 `json:"intent"`
	UPN           string                 `json:"upn,omitempty"`
	DisplayName   string                 `json:"displayName,omitempty"`
	License       string                 `json:"license,omitempty"`
	UsageLocation string                 `json:"usageLocation,omitempty"`
	Utterance     string                 `json:"utterance,omitempty"`
	Domain        string                 `json:"domain,omitempty"`
	Patch         map[string]interface{} `json:"patch,omitempty"`
}

// rawIntent accepts the field aliases planners emit.
type rawIntent struct {
	Intent            string                 `json:"intent"`
	UPN               string                 `json:"upn"`
	UserPrincipalName string                 `json:"userPrincipalName"`
	DisplayName       string                 `json:"displayName"`
	License           string                 `json:"license"`
	SKU               string                 `json:"sku"`
	SkuPartNumber     string                 `json:"skuPartNumber"`
	Product           string                 `json:"product"`
	UsageLocation     string                 `json:"usageLocation"`
	Utterance         string                 `json:"utterance"`
	Domain            string                 `json:"domain"`
	Patch             map[string]interface{} `json:"patch"`
}

// ParsePayload extracts the JSON object following the marker. Text after
// the object is ignored.
func ParsePayload(query string) (*Intent, error) {
	idx := strings.Index(query, Marker)
	if idx < 0 {
		return nil, ErrNoPayload
	}
	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(query[idx+len(Marker):])))
	var raw rawIntent
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	in := &Intent{
		Intent:        strings.ToLower(strings.TrimSpace(raw.Intent)),
		UPN:           firstNonEmpty(raw.UPN, raw.UserPrincipalName),
		DisplayName:   strings.TrimSpace(raw.DisplayName),
		License:       firstNonEmpty(raw.License, raw.SKU, raw.SkuPartNumber, raw.Product),
		UsageLocation: strings.ToUpper(strings.TrimSpace(raw.UsageLocation)),
		Utterance:     raw.Utterance,
		Domain:        raw.Domain,
		Patch:         raw.Patch,
	}
	if in.Intent == "license_counts" {
		in.Intent = IntentLicenseCounts
	}
	return in, nil
}

// Query renders the intent back into an action query.
func (in *Intent) Query() string {
	b, _ := json.Marshal(in)
	return Marker + " " + string(b)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// ═══════════════════════════════════════════════════════════════════════════════
// QUERY PREPARATION
// ═══════════════════════════════════════════════════════════════════════════════

var (
	reLicense     = regexp.MustCompile(`licen[cs]e`)
	reCountWords  = regexp.MustCompile(`how many|number of|count|seat`)
	reM365Family  = regexp.MustCompile(`\be5\b|\be3\b|m365|microsoft\s*365|office\s*365`)
	reCheckWords  = regexp.MustCompile(`assignment|assigned|verify|check|status`)
	reAssignWords = regexp.MustCompile(`assign|add\s+license|grant`)
	reNameAfter   = regexp.MustCompile(`\bfor\s+([A-Za-z][A-Za-z.'-]+(?:\s+[A-Za-z][A-Za-z.'-]+){0,2})\b`)

	reTeamsEnterprise = regexp.MustCompile(`(?i)teams\s+enterprise`)
	reE3              = regexp.MustCompile(`(?i)\be3\b`)
	reE5              = regexp.MustCompile(`(?i)\be5\b`)
	reNoTeams         = regexp.MustCompile(`(?i)no\s*teams|without\s*teams`)
)

// LicenseLabel maps free text to a canonical license label, or "".
func LicenseLabel(text string) string {
	switch {
	case reTeamsEnterprise.MatchString(text):
		return "Microsoft Teams Enterprise"
	case reE3.MatchString(text):
		return "Microsoft 365 E3"
	case reE5.MatchString(text) && reNoTeams.MatchString(text):
		return "Microsoft 365 E5 (no Teams)"
	case reE5.MatchString(text):
		return "Microsoft 365 E5"
	}
	return ""
}

// IsLicenseCountQuestion reports whether text asks how many licenses exist.
func IsLicenseCountQuestion(text string) bool {
	lower := strings.ToLower(text)
	return reLicense.MatchString(lower) && reCountWords.MatchString(lower) && reM365Family.MatchString(lower)
}

// PrepareQuery turns an action query into one the resolver can execute.
// Queries without a payload get one synthesized for license counts,
// assignment checks and license assignment. Planner intents that contradict
// the action text are corrected, and the last customer utterance is
// attached when the payload carries none. ok is false when the query has
// no executable payload.
func PrepareQuery(actionText string, history conversation.History) (string, bool) {
	// Heuristics read the prose only; the payload's own keys would match them.
	prose := actionText
	if idx := strings.Index(actionText, Marker); idx >= 0 {
		prose = actionText[:idx]
	}
	lower := strings.ToLower(prose)
	upn := conversation.ExtractUPN(prose)
	nameAfterFor := ""
	if m := reNameAfter.FindStringSubmatch(prose); m != nil {
		nameAfterFor = strings.TrimSpace(m[1])
	}

	var in *Intent
	if strings.Contains(actionText, Marker) {
		parsed, err := ParsePayload(actionText)
		if err != nil {
			return actionText, true
		}
		in = parsed
	} else {
		switch {
		case IsLicenseCountQuestion(actionText):
			in = &Intent{Intent: IntentLicenseCounts, License: LicenseLabel(actionText), Utterance: actionText}
		case looksLikeCheck(lower, upn, nameAfterFor):
			in = &Intent{Intent: IntentCheckAssignments, UPN: upn, DisplayName: nameAfterFor, Utterance: actionText}
		case looksLikeAssign(lower, upn):
			in = &Intent{Intent: IntentAssignLicense, UPN: upn, License: LicenseLabel(actionText), Utterance: actionText}
		default:
			return actionText, false
		}
	}

	target := firstNonEmpty(in.UPN, upn)
	check := looksLikeCheck(lower, target, nameAfterFor)
	assign := looksLikeAssign(lower, target)
	switch {
	case in.Intent == IntentDiscoverTenant && check:
		in.Intent = IntentCheckAssignments
		in.UPN = target
		if in.DisplayName == "" {
			in.DisplayName = nameAfterFor
		}
	case in.Intent == IntentAssignLicense && check && !assign:
		in.Intent = IntentCheckAssignments
		in.UPN = target
		if in.DisplayName == "" {
			in.DisplayName = nameAfterFor
		}
		in.License = ""
	case in.Intent == IntentDiscoverTenant && assign:
		in.Intent = IntentAssignLicense
		in.UPN = target
		if in.License == "" {
			in.License = LicenseLabel(prose)
		}
	}

	if in.Utterance == "" {
		in.Utterance = history.LastCustomer()
	}
	return in.Query(), true
}

func looksLikeCheck(lower, upn, name string) bool {
	return reLicense.MatchString(lower) && reCheckWords.MatchString(lower) && (upn != "" || name != "")
}

func looksLikeAssign(lower, upn string) bool {
	return reLicense.MatchString(lower) && reAssignWords.MatchString(lower) && upn != ""
}
