package insights

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/normanking/athena/internal/conversation"
	"github.com/normanking/athena/internal/llm"
	"github.com/normanking/athena/internal/m365"
	"github.com/normanking/athena/internal/prompts"
	"github.com/normanking/athena/internal/repair"
	"github.com/normanking/athena/internal/widgets"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT
// ═══════════════════════════════════════════════════════════════════════════════

// Cards are the deterministic cards shown next to the customer 360.
type Cards struct {
	GeoServiceContext *widgets.GeoServiceCard `json:"geoServiceContext,omitempty"`
	TicketsCases      *widgets.TicketsCard    `json:"ticketsCases,omitempty"`
}

// Customer360 merges the CUSTOMER_360 payload with the other insight widgets.
type Customer360 struct {
	ID                   string                 `json:"id"`
	LastMessage          string                 `json:"lastMessage"`
	Segment              interface{}            `json:"segment,omitempty"`
	TenureMonths         interface{}            `json:"tenureMonths,omitempty"`
	Products             []interface{}          `json:"products"`
	KPIs                 map[string]interface{} `json:"kpis"`
	Billing              map[string]interface{} `json:"billing"`
	UpsellPotential      []interface{}          `json:"upsellPotential"`
	RiskSignals          []interface{}          `json:"riskSignals"`
	MiniInsights         map[string]interface{} `json:"miniInsights"`
	KnowledgeGraph       map[string]interface{} `json:"knowledgeGraph"`
	AccountHealth        map[string]interface{} `json:"accountHealth"`
	Summary              *string                `json:"summary"`
	ResolutionPrediction map[string]interface{} `json:"resolutionPrediction"`
	Cards                Cards                  `json:"cards"`
}

// Snapshot is the latest external-chat outcome of a customer. It is
// stored, returned and broadcast as is.
type Snapshot struct {
	Customer360 Customer360              `json:"customer360"`
	Wordcloud   []string                 `json:"wordcloud"`
	Insights    widgets.Results          `json:"insights"`
	WordDetails *widgets.Result          `json:"wordDetails,omitempty"`
	M365        *widgets.ExecutionResult `json:"m365,omitempty"`
	BotReply    string                   `json:"botReply,omitempty"`
	TraceID     string                   `json:"traceId"`
}

// AgentReplyEvent is broadcast when the human agent answers.
type AgentReplyEvent struct {
	Type       string `json:"type"`
	CustomerID string `json:"customerId"`
	Message    string `json:"message"`
	TraceID    string `json:"traceId"`
	TS         int64  `json:"ts"`
}

// Snapshot returns the last external-chat snapshot of a customer.
func (c *Coordinator) Snapshot(customerID string) (*Snapshot, bool) {
	snap, ok := c.snapshots.Get(customerID)
	if !ok || snap == nil {
		return nil, false
	}
	return snap, true
}

func (c *Coordinator) publish(customerID string, payload interface{}) {
	if c.publisher != nil {
		c.publisher.Publish(customerID, payload)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// EXTERNAL CHAT
// ═══════════════════════════════════════════════════════════════════════════════

// SourceMarketplace marks messages from the marketplace chat.
const SourceMarketplace = "marketplace"

const fallbackReply = "Let me check this and guide you through the steps."

// ExternalChat appends a customer message, recomputes the external-chat
// widget set and drafts a reply. The snapshot is stored and broadcast.
func (c *Coordinator) ExternalChat(ctx context.Context, customerID, message, source string) (*Snapshot, error) {
	if customerID == "" || message == "" {
		return nil, fmt.Errorf("%w: customerId and message required", ErrValidation)
	}
	start := time.Now()
	c.log.Info("inbound customer message for %s (%d chars): %s", customerID, len(message), repair.Truncate(message, 120))

	c.store.AppendTurn(customerID, conversation.RoleCustomer, message)
	history := c.store.History(customerID)

	customerContext := map[string]interface{}{}
	if source == SourceMarketplace {
		customerContext["marketplace"] = true
	}
	results := c.Compute(ctx, Input{
		CustomerID:      customerID,
		History:         history,
		Widgets:         widgets.ExternalChatSet(),
		CustomerContext: customerContext,
	})

	snap := &Snapshot{Insights: results}

	forced := ""
	if source == SourceMarketplace {
		if ex := c.marketplaceLicenseCounts(ctx, message, history); ex != nil && ex.Result.Summary != "" {
			results[widgets.LiveResponse] = widgets.Ok(widgets.LiveDraft{Draft: ex.Result.Summary})
			res := ex.Result
			snap.M365 = &res
			forced = ex.Result.Summary
		}
	}

	snap.Customer360 = buildCustomer360(customerID, message, results)
	snap.Wordcloud = wordcloud(snap.Customer360)
	if len(snap.Wordcloud) > 0 {
		wd := c.Compute(ctx, Input{CustomerID: customerID, History: history, Widgets: []string{widgets.WordDetails}})
		if r, ok := wd[widgets.WordDetails]; ok {
			snap.WordDetails = &r
		}
	}

	if !c.cfg.SuppressAutoReply {
		snap.BotReply = forced
		if snap.BotReply == "" {
			draft := composeDraft(results, history)
			snap.BotReply = c.RefineReply(ctx, history, draft, CustomerData(customerID, customerContext), actionTitles(results))
		}
	}

	snap.TraceID = uuid.NewString()
	c.snapshots.Put(customerID, snap)
	c.publish(customerID, snap)

	c.log.Debug("external-chat for %s done in %s", customerID, time.Since(start))
	return snap, nil
}

// marketplaceLicenseCounts answers read-only license-count questions
// from the directory instead of from a model.
func (c *Coordinator) marketplaceLicenseCounts(ctx context.Context, message string, history conversation.History) *m365.Execution {
	if c.resolver == nil || !m365.IsLicenseCountQuestion(message) {
		return nil
	}
	label := m365.LicenseLabel(message)
	c.log.Info("marketplace license count question detected (license=%q)", label)

	intent := &m365.Intent{Intent: m365.IntentLicenseCounts, License: label, Utterance: message}
	ex, err := c.resolver.Execute(ctx, intent.Query(), history)
	if err != nil {
		c.log.Warn("marketplace license count lookup failed: %v", err)
		return nil
	}
	return ex
}

func buildCustomer360(customerID, message string, results widgets.Results) Customer360 {
	base := results.Object(widgets.Customer360)
	if base == nil {
		base = map[string]interface{}{}
	}

	c360 := Customer360{
		ID:                   firstNonEmpty(repair.FirstString(base, "id"), customerID),
		LastMessage:          message,
		Segment:              base["segment"],
		TenureMonths:         base["tenureMonths"],
		Products:             listOr(base["products"]),
		KPIs:                 objectOr(base["kpis"]),
		Billing:              objectOr(base["billing"]),
		UpsellPotential:      listOr(base["upsellPotential"]),
		RiskSignals:          listOr(base["riskSignals"]),
		MiniInsights:         objectOr(results.Object(widgets.MiniInsights)),
		KnowledgeGraph:       objectOr(results.Object(widgets.KnowledgeGraph)),
		AccountHealth:        objectOr(results.Object(widgets.AccountHealth)),
		ResolutionPrediction: results.Object(widgets.ResolutionPredictor),
	}
	if s := repair.FirstString(results.Object(widgets.AISummary), "summary"); s != "" {
		c360.Summary = &s
	}

	demo := results.Object(widgets.Customer360Demographics)
	if demo == nil {
		demo, _ = base["demographics"].(map[string]interface{})
	}
	geo := widgets.GeoCard(customerID, addressOf(demo), productNames(c360.Products))
	tickets := widgets.Tickets(customerID)
	c360.Cards = Cards{GeoServiceContext: &geo, TicketsCases: &tickets}
	return c360
}

func listOr(v interface{}) []interface{} {
	if l, ok := v.([]interface{}); ok {
		return l
	}
	return []interface{}{}
}

func objectOr(v interface{}) map[string]interface{} {
	if m, ok := v.(map[string]interface{}); ok && m != nil {
		return m
	}
	return map[string]interface{}{}
}

// wordcloud collects account-health reasons and the primary knowledge
// graph title.
func wordcloud(c360 Customer360) []string {
	var phrases []string
	if reasons, ok := c360.AccountHealth["reasons"].([]interface{}); ok {
		for _, r := range reasons {
			phrases = append(phrases, repair.Stringify(r))
		}
	}
	if primary, ok := c360.KnowledgeGraph["primary"].(map[string]interface{}); ok {
		if title := repair.FirstString(primary, "title"); title != "" {
			phrases = append(phrases, title)
		}
	}
	return widgets.Wordcloud(phrases...)
}

// ═══════════════════════════════════════════════════════════════════════════════
// AUTO-REPLY
// ═══════════════════════════════════════════════════════════════════════════════

// openerWords is the length up to which a draft already reads as an opener.
const openerWords = 20

// composeDraft picks the best available draft and prefixes the first live
// prompt when the draft is long and the agent has not just spoken.
func composeDraft(results widgets.Results, history conversation.History) string {
	empathetic := firstLivePrompt(results)
	best := firstNonEmpty(
		repair.FirstString(results.Object(widgets.LiveResponse), "draft"),
		repair.FirstString(results.Object(widgets.ServicePediaV2), "draft"),
		repair.FirstString(results.Object(widgets.ServicePedia), "draft"),
		repair.FirstString(results.Object(widgets.NextBestAction), "suggestedOpening"),
		repair.FirstString(results.Object(widgets.AISummary), "summary"),
	)
	if best == "" {
		return firstNonEmpty(empathetic, fallbackReply)
	}

	last, ok := history.Last()
	agentJustSpoke := ok && last.Role == conversation.RoleAgent
	if empathetic != "" && !agentJustSpoke && len(strings.Fields(best)) > openerWords {
		return empathetic + "\n\n" + best
	}
	return best
}

func firstLivePrompt(results widgets.Results) string {
	r, ok := results[widgets.LivePrompts]
	if !ok || r.Failed() {
		return ""
	}
	switch t := r.Value.(type) {
	case []widgets.LivePrompt:
		if len(t) > 0 {
			return firstNonEmpty(t[0].Value, t[0].Label)
		}
	case []interface{}:
		if len(t) > 0 {
			if m, ok := t[0].(map[string]interface{}); ok {
				return repair.FirstString(m, "value", "label")
			}
		}
	}
	return ""
}

func actionTitles(results widgets.Results) []string {
	r, ok := results[widgets.AgentNetworkActions]
	if !ok || r.Failed() {
		return nil
	}
	plan, ok := r.Value.(widgets.ActionPlan)
	if !ok {
		return nil
	}
	var titles []string
	for _, a := range plan.Actions {
		if a.Title != "" {
			titles = append(titles, a.Title)
		}
	}
	return titles
}

const (
	refineMinLength  = 8
	refineMaxActions = 6
)

// RefineReply polishes a draft with the composer prompt. The draft is
// returned unchanged when it is too short or the model gives nothing usable.
func (c *Coordinator) RefineReply(ctx context.Context, history conversation.History, draft string, customerData map[string]interface{}, actions []string) string {
	if utf8.RuneCountInString(draft) < refineMinLength {
		return draft
	}
	if len(actions) > refineMaxActions {
		actions = actions[:refineMaxActions]
	}
	if actions == nil {
		actions = []string{}
	}
	prompt := c.prompts.Build(widgets.ComposerRefine, prompts.Input{
		History:      history,
		CustomerData: customerData,
		CustomerID:   repair.Stringify(customerData["id"]),
		Extra: map[string]interface{}{
			"MODE":      "both",
			"DRAFT":     draft,
			"ACTIONS":   actions,
			"LAST_USER": history.LastCustomer(),
		},
	})
	out, err := llm.InvokeJSON(ctx, c.direct, &llm.Request{
		Widget:      widgets.ComposerRefine,
		Prompt:      prompt,
		Temperature: retryTemperature,
		Attempts:    2,
	})
	if err != nil {
		c.log.Debug("refine reply skipped: %v", err)
		return draft
	}
	if refined := strings.TrimSpace(repair.FirstString(out, "draft", "final")); refined != "" {
		return refined
	}
	return draft
}

// ═══════════════════════════════════════════════════════════════════════════════
// AGENT REPLY
// ═══════════════════════════════════════════════════════════════════════════════

// AgentReply records the human agent's message and broadcasts it.
func (c *Coordinator) AgentReply(_ context.Context, customerID, message string) (string, error) {
	if customerID == "" || message == "" {
		return "", fmt.Errorf("%w: customerId and message required", ErrValidation)
	}
	c.log.Info("agent reply sent to %s (%d chars): %s", customerID, len(message), repair.Truncate(message, 120))

	turn := c.store.AppendTurn(customerID, conversation.RoleAgent, message)
	traceID := uuid.NewString()
	c.publish(customerID, AgentReplyEvent{
		Type:       "agentReply",
		CustomerID: customerID,
		Message:    message,
		TraceID:    traceID,
		TS:         turn.Timestamp.UnixMilli(),
	})
	return traceID, nil
}
