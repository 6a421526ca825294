package m365

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/normanking/athena/internal/conversation"
	"github.com/normanking/athena/internal/llm"
	"github.com/normanking/athena/internal/logging"
	"github.com/normanking/athena/internal/prompts"
	"github.com/normanking/athena/internal/repair"
	"github.com/normanking/athena/internal/widgets"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ═══════════════════════════════════════════════════════════════════════════════

// ErrCancelled is returned when the caller cancels an execution. It is
// terminal and never reported as a tool failure.
var ErrCancelled = errors.New("m365 execution cancelled")

// ═══════════════════════════════════════════════════════════════════════════════
// STATES
// ═══════════════════════════════════════════════════════════════════════════════

// State is the terminal state of an execution.
type State string

const (
	StateCompleted            State = "Completed"
	StateParseFailed          State = "ParseFailed"
	StateMissingFields        State = "MissingFields"
	StateAmbiguousEntity      State = "AmbiguousEntity"
	StateNoMatch              State = "NoMatch"
	StateLicenseNotFound      State = "LicenseNotFound"
	StateAwaitingConfirmation State = "AwaitingConfirmation"
	StateToolError            State = "ToolError"
	StateUnsupported          State = "Unsupported"
	StateCancelled            State = "Cancelled"
)

// DefaultUsageLocation is used when a new user has no usage location.
const DefaultUsageLocation = "GB"

// maxAmbiguous bounds the candidates reported for an ambiguous name.
const maxAmbiguous = 5

// Execution is the outcome of one resolver run.
type Execution struct {
	State  State
	Intent *Intent
	// Tool is the failing tool for StateToolError.
	Tool   string
	Result widgets.ExecutionResult
}

// Options configures a Resolver.
type Options struct {
	// RequireConfirmation gates mutating intents on a customer confirmation
	// in the last customer turn.
	RequireConfirmation bool
	// FuzzyThreshold is the minimum confidence of a model SKU pick.
	FuzzyThreshold float64
	TenantDomain   string
	// Observe is called with the intent and terminal state of every run.
	Observe func(intent string, state State)
}

// Resolver turns M365_ACTION queries into directory calls.
type Resolver struct {
	tools               Tools
	provider            llm.Provider
	prompts             *prompts.Store
	requireConfirmation bool
	threshold           float64
	tenantDomain        string
	observe             func(string, State)
	log                 *logging.Logger
}

// NewResolver creates a resolver. provider may be nil, which disables the
// extraction and fuzzy license passes.
func NewResolver(tools Tools, provider llm.Provider, store *prompts.Store, opts Options) *Resolver {
	if opts.FuzzyThreshold <= 0 {
		opts.FuzzyThreshold = DefaultFuzzyThreshold
	}
	if store == nil {
		store = prompts.Load("")
	}
	return &Resolver{
		tools:               tools,
		provider:            provider,
		prompts:             store,
		requireConfirmation: opts.RequireConfirmation,
		threshold:           opts.FuzzyThreshold,
		tenantDomain:        opts.TenantDomain,
		observe:             opts.Observe,
		log:                 logging.WithComponent("m365"),
	}
}

// Execute runs the query through parse, gating, entity resolution, dispatch
// and result shaping. Every path yields an Execution; the only error is
// ErrCancelled.
func (r *Resolver) Execute(ctx context.Context, query string, history conversation.History) (*Execution, error) {
	ex, err := r.execute(ctx, query, history)
	if err != nil {
		ex = &Execution{State: StateCancelled, Intent: ex.Intent, Result: widgets.ExecutionResult{
			ShortDescription: "Microsoft 365 action cancelled",
			Summary:          "The action was cancelled before it completed.",
			Findings:         []repair.Finding{},
			Confidence:       0,
		}}
	}
	if r.observe != nil {
		intent := ""
		if ex.Intent != nil {
			intent = ex.Intent.Intent
		}
		r.observe(intent, ex.State)
	}
	return ex, err
}

func (r *Resolver) execute(ctx context.Context, query string, history conversation.History) (*Execution, error) {
	if ctx.Err() != nil {
		return &Execution{}, ErrCancelled
	}

	in, err := ParsePayload(query)
	if err != nil {
		r.log.Debug("payload parse failed: %v", err)
		return &Execution{State: StateParseFailed, Result: result(
			"Microsoft 365 action parse failed",
			`Could not parse M365_ACTION payload. Expected: M365_ACTION: {"intent":...}`,
			0.25,
			repair.Finding{Label: "actionQuery", Value: repair.Truncate(query, 180)},
		)}, nil
	}
	if in.Utterance == "" {
		in.Utterance = history.LastCustomer()
	}
	ex := &Execution{Intent: in}

	if !IsReadOnly(in.Intent) && r.requireConfirmation && !HasConfirmation(history) {
		ex.State = StateAwaitingConfirmation
		ex.Result = result(
			"Awaiting customer confirmation",
			"Customer has not confirmed yet. Ask the customer to confirm before executing Microsoft 365 changes.",
			0.5,
			repair.Finding{Label: "required", Value: "Customer confirmation (e.g., “yes, proceed”)"},
		)
		return ex, nil
	}

	if needsExtraction(in) {
		r.fillMissing(ctx, in)
		if ctx.Err() != nil {
			return ex, ErrCancelled
		}
	}

	r.log.Info("executing %s upn=%q license=%q", in.Intent, in.UPN, in.License)
	if err := r.dispatch(ctx, ex); err != nil {
		return ex, err
	}
	return ex, nil
}

func result(short, summary string, confidence float64, findings ...repair.Finding) widgets.ExecutionResult {
	if short == "" {
		short = "Microsoft 365 admin action"
	}
	if findings == nil {
		findings = []repair.Finding{}
	}
	return widgets.ExecutionResult{
		ShortDescription: short,
		Summary:          summary,
		Findings:         findings,
		Confidence:       repair.Clamp(confidence, 0, 1),
	}
}

func successConfidence(ok bool) float64 {
	if ok {
		return 0.85
	}
	return 0.35
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIRMATION
// ═══════════════════════════════════════════════════════════════════════════════

var confirmation = regexp.MustCompile(`(?i)\b(yes|yep|yeah|please proceed|proceed|go ahead|ok|okay|confirm|do it|please do it)\b`)

// HasConfirmation reports whether the last customer turn confirms a change.
func HasConfirmation(history conversation.History) bool {
	return confirmation.MatchString(history.LastCustomer())
}

// ═══════════════════════════════════════════════════════════════════════════════
// FIELD EXTRACTION
// ═══════════════════════════════════════════════════════════════════════════════

func needsExtraction(in *Intent) bool {
	switch in.Intent {
	case IntentCreateUser:
		return in.UPN == "" || in.DisplayName == ""
	case IntentAssignLicense:
		return in.UPN == "" || in.License == ""
	case IntentDisableUser, IntentDeleteUser, IntentUpdateUser, IntentCheckAssignments:
		return in.UPN == "" && in.DisplayName == ""
	}
	return false
}

// fillMissing recovers fields from the utterance, first with patterns and
// then with the extraction prompt. Values already present are kept.
func (r *Resolver) fillMissing(ctx context.Context, in *Intent) {
	text := in.Utterance
	if text == "" {
		return
	}
	if in.UPN == "" {
		in.UPN = conversation.ExtractUPN(text)
	}
	if in.DisplayName == "" {
		in.DisplayName = conversation.ExtractDisplayName(text)
	}
	if in.License == "" && in.Intent == IntentAssignLicense {
		in.License = LicenseLabel(text)
	}
	if !needsExtraction(in) || r.provider == nil || !r.provider.Available() {
		return
	}

	prompt := prompts.Render(r.prompts.Template("M365_EXTRACT", false), map[string]interface{}{"UTTERANCE": text})
	out, err := llm.InvokeJSON(ctx, r.provider, &llm.Request{
		Widget:      "M365_EXTRACT",
		Prompt:      prompt,
		Temperature: 0,
		Attempts:    2,
	})
	if err != nil {
		r.log.Warn("field extraction failed: %v", err)
		return
	}

	// Extracted values must appear in the utterance.
	grounded := func(v string) string {
		v = strings.TrimSpace(v)
		if v != "" && strings.Contains(strings.ToLower(text), strings.ToLower(v)) {
			return v
		}
		return ""
	}
	if in.UPN == "" {
		in.UPN = grounded(repair.FirstString(out, "upn", "userPrincipalName"))
	}
	if in.DisplayName == "" {
		in.DisplayName = grounded(repair.FirstString(out, "displayName"))
	}
	if in.License == "" {
		in.License = grounded(repair.FirstString(out, "license"))
	}
	if in.UsageLocation == "" {
		in.UsageLocation = strings.ToUpper(strings.TrimSpace(repair.FirstString(out, "usageLocation")))
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// ENTITY RESOLUTION
// ═══════════════════════════════════════════════════════════════════════════════

// resolveUser returns the target UPN. When ok is false and ex.State is set,
// the lookup ended in a terminal state; an unset state means no identifier
// was given.
func (r *Resolver) resolveUser(ctx context.Context, ex *Execution) (string, bool, error) {
	in := ex.Intent
	if in.UPN != "" {
		return in.UPN, true, nil
	}
	if in.DisplayName == "" {
		return "", false, nil
	}

	users, err := r.tools.FindUsersByDisplayNamePrefix(ctx, in.DisplayName)
	if err != nil {
		return "", false, err
	}
	switch len(users) {
	case 0:
		ex.State = StateNoMatch
		ex.Result = result(
			"User not found",
			fmt.Sprintf("No user matches the display name “%s”. Ask the customer for the user's email address.", in.DisplayName),
			0.4,
			repair.Finding{Label: "displayName", Value: in.DisplayName},
		)
		return "", false, nil
	case 1:
		return users[0].UserPrincipalName, true, nil
	}

	// Only a single exact match settles a multi-user lookup.
	var exact []User
	for _, u := range users {
		if strings.EqualFold(u.DisplayName, in.DisplayName) {
			exact = append(exact, u)
		}
	}
	if len(exact) == 1 {
		return exact[0].UserPrincipalName, true, nil
	}
	if len(exact) > 1 {
		users = exact
	}

	ex.State = StateAmbiguousEntity
	findings := []repair.Finding{{Label: "displayName", Value: in.DisplayName}}
	for i, u := range users {
		if i == maxAmbiguous {
			break
		}
		findings = append(findings, repair.Finding{
			Label: fmt.Sprintf("candidate%d", i+1),
			Value: fmt.Sprintf("%s (%s)", u.DisplayName, u.UserPrincipalName),
		})
	}
	ex.Result = result(
		"Multiple users match",
		fmt.Sprintf("%d users match “%s”. Confirm the exact email address before continuing.", len(users), in.DisplayName),
		0.4,
		findings...,
	)
	return "", false, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// DISPATCH
// ═══════════════════════════════════════════════════════════════════════════════

func (r *Resolver) dispatch(ctx context.Context, ex *Execution) error {
	var err error
	switch ex.Intent.Intent {
	case IntentDiscoverTenant:
		err = r.discoverTenant(ctx, ex)
	case IntentLicenseCounts:
		err = r.licenseCounts(ctx, ex)
	case IntentListSkus:
		err = r.listSkus(ctx, ex)
	case IntentCheckAssignments:
		err = r.checkAssignments(ctx, ex)
	case IntentCreateUser:
		err = r.createUser(ctx, ex)
	case IntentAssignLicense:
		err = r.assignLicense(ctx, ex)
	case IntentDisableUser, IntentDeleteUser:
		err = r.removeAccess(ctx, ex)
	case IntentUpdateUser:
		err = r.updateUser(ctx, ex)
	default:
		ex.State = StateUnsupported
		ex.Result = result(
			"Unsupported M365 intent",
			fmt.Sprintf("Intent “%s” not implemented yet.", ex.Intent.Intent),
			0.3,
			repair.Finding{Label: "intent", Value: ex.Intent.Intent},
		)
		return nil
	}

	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ErrCancelled
	}

	te := toolErr("m365."+ex.Intent.Intent, err)
	r.log.Error("%s failed: %v", te.Tool, te)
	ex.State = StateToolError
	ex.Tool = te.Tool
	ex.Result = result(
		"Microsoft 365 action failed",
		te.Message,
		0.25,
		repair.Finding{Label: "tool", Value: te.Tool},
		repair.Finding{Label: "error", Value: te.Message},
		repair.Finding{Label: "hint", Value: remediation(te)},
	)
	return nil
}

func remediation(te *ToolError) string {
	status, _ := te.Details["status"].(int)
	switch {
	case strings.Contains(te.Message, "token not configured"):
		return "Configure m365.token with a Microsoft Graph access token."
	case status == 401 || status == 403:
		return "Check the Graph token has the User.ReadWrite.All and Organization.Read.All permissions."
	case status == 404:
		return "Verify the user principal name exists in this tenant."
	case status == 429 || status >= 500:
		return "Microsoft Graph is busy; retry the action shortly."
	}
	return "Check the request values and retry."
}

func (r *Resolver) discoverTenant(ctx context.Context, ex *Execution) error {
	domain := ex.Intent.Domain
	if domain == "" {
		domain = r.tenantDomain
	}
	t, err := r.tools.DiscoverTenant(ctx, domain)
	if err != nil {
		return err
	}
	ex.State = StateCompleted
	ex.Result = result(
		"Tenant discovered",
		fmt.Sprintf("Discovered tenant organizationId=%s", orDash(t.OrganizationID)),
		successConfidence(t.OrganizationID != ""),
		repair.Finding{Label: "displayName", Value: orDash(t.DisplayName)},
		repair.Finding{Label: "organizationId", Value: orDash(t.OrganizationID)},
	)
	return nil
}

func (r *Resolver) licenseCounts(ctx context.Context, ex *Execution) error {
	label := ex.Intent.License
	skus, err := r.tools.ListSubscribedSkus(ctx)
	if err != nil {
		return err
	}

	var sku SKU
	found := false
	if label != "" {
		sku, found = r.resolveLicense(ctx, label, ex.Intent.Utterance, skus)
	}
	if !found {
		summary := "No license specified; provide a license label like “Microsoft 365 E5”."
		if label != "" {
			summary = fmt.Sprintf("Could not find a subscribed SKU matching “%s”.", label)
		}
		ex.State = StateLicenseNotFound
		ex.Result = result(
			"License not found",
			summary,
			0.4,
			repair.Finding{Label: "requested", Value: orDash(label)},
			repair.Finding{Label: "hint", Value: "Try: Microsoft 365 E5, Microsoft 365 E3, Microsoft 365 E5 (no Teams), Microsoft Teams Enterprise"},
		)
		return nil
	}

	enabled, consumed, remaining := sku.Counts()
	ex.State = StateCompleted
	ex.Result = result(
		"License counts",
		fmt.Sprintf("Microsoft 365 licenses for %s: %d total, %d assigned, %d available.", sku.SkuPartNumber, enabled, consumed, remaining),
		successConfidence(true),
		repair.Finding{Label: "skuPartNumber", Value: orDash(sku.SkuPartNumber)},
		repair.Finding{Label: "totalEnabled", Value: fmt.Sprint(enabled)},
		repair.Finding{Label: "assignedConsumed", Value: fmt.Sprint(consumed)},
		repair.Finding{Label: "availableRemaining", Value: fmt.Sprint(remaining)},
	)
	return nil
}

func (r *Resolver) listSkus(ctx context.Context, ex *Execution) error {
	skus, err := r.tools.ListSubscribedSkus(ctx)
	if err != nil {
		return err
	}
	findings := make([]repair.Finding, 0, len(skus))
	for i, s := range skus {
		if i == 25 {
			break
		}
		enabled, consumed, remaining := s.Counts()
		label := s.SkuPartNumber
		if label == "" {
			label = "SKU"
		}
		findings = append(findings, repair.Finding{
			Label: label,
			Value: fmt.Sprintf("%d total, %d assigned, %d available", enabled, consumed, remaining),
		})
	}
	ex.State = StateCompleted
	ex.Result = result("Subscribed SKUs", fmt.Sprintf("Found %d subscribed SKUs in the tenant.", len(skus)), successConfidence(true), findings...)
	return nil
}

func (r *Resolver) checkAssignments(ctx context.Context, ex *Execution) error {
	upn, ok, err := r.resolveUser(ctx, ex)
	if err != nil || !ok {
		if err == nil && ex.State == "" {
			r.missing(ex, "Need upn or displayName to check license assignments.", "upn")
		}
		return err
	}

	licenses, err := r.tools.GetUserLicenses(ctx, upn)
	if err != nil {
		return err
	}
	parts := make([]string, 0, len(licenses))
	for _, l := range licenses {
		parts = append(parts, orDash(l.SkuPartNumber))
	}

	findings := []repair.Finding{
		{Label: "upn", Value: upn},
		{Label: "assignedCount", Value: fmt.Sprint(len(licenses))},
		{Label: "assignedSkus", Value: orNone(strings.Join(parts, ", "))},
	}
	summary := fmt.Sprintf("%s has %d license(s) assigned.", upn, len(licenses))

	if label := ex.Intent.License; label != "" {
		assigned := make([]SKU, 0, len(licenses))
		for _, l := range licenses {
			assigned = append(assigned, SKU{SkuID: l.SkuID, SkuPartNumber: l.SkuPartNumber})
		}
		_, has := MatchSKU(label, assigned)
		state := "not assigned"
		if has {
			state = "assigned"
		}
		findings = append(findings, repair.Finding{Label: "requested", Value: label}, repair.Finding{Label: "requestedStatus", Value: state})
		summary = fmt.Sprintf("%s: %s is %s.", upn, label, state)
	}

	ex.State = StateCompleted
	ex.Result = result("License assignments", summary, successConfidence(true), findings...)
	return nil
}

func (r *Resolver) createUser(ctx context.Context, ex *Execution) error {
	in := ex.Intent
	if in.UPN == "" || in.DisplayName == "" {
		ex.State = StateMissingFields
		ex.Result = result(
			"Missing required fields",
			"Need upn and displayName to create a user.",
			0.4,
			repair.Finding{Label: "upn", Value: providedOrMissing(in.UPN)},
			repair.Finding{Label: "displayName", Value: providedOrMissing(in.DisplayName)},
		)
		return nil
	}
	loc := in.UsageLocation
	if loc == "" {
		loc = DefaultUsageLocation
	}

	created, err := r.tools.CreateUser(ctx, NewUser{UserPrincipalName: in.UPN, DisplayName: in.DisplayName, UsageLocation: loc})
	if err != nil {
		return err
	}
	upn, name, id := in.UPN, in.DisplayName, ""
	if created != nil {
		id = created.ID
		if created.UserPrincipalName != "" {
			upn = created.UserPrincipalName
		}
		if created.DisplayName != "" {
			name = created.DisplayName
		}
	}
	ex.State = StateCompleted
	ex.Result = result(
		"User created",
		"Created "+upn,
		successConfidence(id != ""),
		repair.Finding{Label: "userId", Value: orDash(id)},
		repair.Finding{Label: "upn", Value: upn},
		repair.Finding{Label: "displayName", Value: name},
	)
	return nil
}

func (r *Resolver) assignLicense(ctx context.Context, ex *Execution) error {
	upn, ok, err := r.resolveUser(ctx, ex)
	if err != nil || !ok {
		if err == nil && ex.State == "" {
			r.missing(ex, "Need upn to assign a license.", "upn")
		}
		return err
	}

	label := ex.Intent.License
	skus, err := r.tools.ListSubscribedSkus(ctx)
	if err != nil {
		return err
	}

	var addSkuIDs, unresolved []string
	for _, l := range SplitLabels(label) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s, ok := r.resolveLicense(ctx, l, ex.Intent.Utterance, skus)
		if !ok {
			unresolved = append(unresolved, l)
			continue
		}
		if !contains(addSkuIDs, s.SkuID) {
			addSkuIDs = append(addSkuIDs, s.SkuID)
		}
	}
	if len(addSkuIDs) == 0 {
		ex.State = StateLicenseNotFound
		ex.Result = result(
			"License not found",
			fmt.Sprintf("Could not resolve license “%s” to a subscribed SKU in this tenant.", label),
			0.35,
			repair.Finding{Label: "requested", Value: orDash(label)},
			repair.Finding{Label: "hint", Value: "Check tenant subscribed SKUs and update mapping."},
		)
		return nil
	}

	resp, err := r.tools.AssignLicense(ctx, upn, addSkuIDs, nil)
	if err != nil {
		return err
	}
	status := "ok"
	if resp != nil && resp.ID != "" {
		status = "updated"
	}
	findings := []repair.Finding{
		{Label: "upn", Value: upn},
		{Label: "addSkuIds", Value: strings.Join(addSkuIDs, ",")},
		{Label: "status", Value: status},
	}
	summary := "Assigned license to " + upn
	if len(unresolved) > 0 {
		findings = append(findings, repair.Finding{Label: "unresolvedLicenses", Value: strings.Join(unresolved, ", ")})
		summary += fmt.Sprintf(". Could not resolve “%s” to a subscribed SKU.", strings.Join(unresolved, "”, “"))
	}
	ex.State = StateCompleted
	ex.Result = result("License assigned", summary, 0.8, findings...)
	return nil
}

// removeAccess disables or deletes a user. Both require an explicit UPN.
func (r *Resolver) removeAccess(ctx context.Context, ex *Execution) error {
	in := ex.Intent
	if in.UPN == "" {
		ex.State = StateMissingFields
		ex.Result = result(
			"Missing required fields",
			"Need the exact upn (email) before disabling or deleting a user.",
			0.4,
			repair.Finding{Label: "upn", Value: "missing"},
			repair.Finding{Label: "displayName", Value: orDash(in.DisplayName)},
		)
		return nil
	}

	short, verb := "User disabled", "Disabled sign-in for "
	var err error
	if in.Intent == IntentDeleteUser {
		short, verb = "User deleted", "Deleted "
		err = r.tools.DeleteUser(ctx, in.UPN)
	} else {
		err = r.tools.DisableUser(ctx, in.UPN)
	}
	if err != nil {
		return err
	}
	ex.State = StateCompleted
	ex.Result = result(short, verb+in.UPN, 0.8, repair.Finding{Label: "upn", Value: in.UPN})
	return nil
}

func (r *Resolver) updateUser(ctx context.Context, ex *Execution) error {
	upn, ok, err := r.resolveUser(ctx, ex)
	if err != nil || !ok {
		if err == nil && ex.State == "" {
			r.missing(ex, "Need upn to update a user.", "upn")
		}
		return err
	}

	patch := ex.Intent.Patch
	if len(patch) == 0 {
		patch = map[string]interface{}{}
		if ex.Intent.UsageLocation != "" {
			patch["usageLocation"] = ex.Intent.UsageLocation
		}
		if ex.Intent.UPN != "" && ex.Intent.DisplayName != "" {
			patch["displayName"] = ex.Intent.DisplayName
		}
	}
	if len(patch) == 0 {
		r.missing(ex, "Need at least one property to update.", "patch")
		return nil
	}

	if err := r.tools.UpdateUser(ctx, upn, patch); err != nil {
		return err
	}
	findings := []repair.Finding{{Label: "upn", Value: upn}}
	for _, k := range repair.SortedKeys(patch) {
		findings = append(findings, repair.Finding{Label: k, Value: repair.Stringify(patch[k])})
	}
	ex.State = StateCompleted
	ex.Result = result("User updated", "Updated "+upn, 0.8, findings...)
	return nil
}

func (r *Resolver) missing(ex *Execution, summary, field string) {
	ex.State = StateMissingFields
	ex.Result = result("Missing required fields", summary, 0.4, repair.Finding{Label: field, Value: "missing"})
}

func providedOrMissing(v string) string {
	if v != "" {
		return "provided"
	}
	return "missing"
}

func orDash(s string) string {
	if s == "" {
		return "—"
	}
	return s
}

func orNone(s string) string {
	if s == "" {
		return "NONE"
	}
	return s
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
