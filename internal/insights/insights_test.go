package insights

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/athena/internal/conversation"
	"github.com/normanking/athena/internal/llm"
	"github.com/normanking/athena/internal/m365"
	"github.com/normanking/athena/internal/state"
	"github.com/normanking/athena/internal/widgets"
)

// ═══════════════════════════════════════════════════════════════════════════════
// FAKES
// ═══════════════════════════════════════════════════════════════════════════════

// scriptedProvider answers per widget from a reply queue; the last reply
// repeats. Widgets without replies get ErrNoResponse.
type scriptedProvider struct {
	name string

	mu      sync.Mutex
	replies map[string][]string
	errs    map[string]error
	calls   []llm.Request
}

func newScripted(name string) *scriptedProvider {
	return &scriptedProvider{name: name, replies: map[string][]string{}, errs: map[string]error{}}
}

func (p *scriptedProvider) on(widget string, replies ...string) *scriptedProvider {
	p.replies[widget] = replies
	return p
}

func (p *scriptedProvider) Invoke(_ context.Context, req *llm.Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, *req)
	if err := p.errs[req.Widget]; err != nil {
		return "", err
	}
	q := p.replies[req.Widget]
	if len(q) == 0 {
		return "", llm.ErrNoResponse
	}
	if len(q) > 1 {
		p.replies[req.Widget] = q[1:]
	}
	return q[0], nil
}

func (p *scriptedProvider) Name() string    { return p.name }
func (p *scriptedProvider) Available() bool { return true }

func (p *scriptedProvider) callsFor(widget string) []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []llm.Request
	for _, c := range p.calls {
		if c.Widget == widget {
			out = append(out, c)
		}
	}
	return out
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages map[string][]interface{}
}

func (r *recordingPublisher) Publish(customerID string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.messages == nil {
		r.messages = map[string][]interface{}{}
	}
	r.messages[customerID] = append(r.messages[customerID], payload)
}

type stubTools struct {
	skus []m365.SKU
}

func (s *stubTools) ListSubscribedSkus(context.Context) ([]m365.SKU, error) { return s.skus, nil }
func (s *stubTools) GetUserLicenses(context.Context, string) ([]m365.LicenseDetail, error) {
	return nil, nil
}
func (s *stubTools) CreateUser(_ context.Context, u m365.NewUser) (*m365.User, error) {
	return &m365.User{UserPrincipalName: u.UserPrincipalName}, nil
}
func (s *stubTools) AssignLicense(_ context.Context, upn string, _, _ []string) (*m365.User, error) {
	return &m365.User{UserPrincipalName: upn}, nil
}
func (s *stubTools) DisableUser(context.Context, string) error { return nil }
func (s *stubTools) DeleteUser(context.Context, string) error  { return nil }
func (s *stubTools) UpdateUser(context.Context, string, map[string]interface{}) error {
	return nil
}
func (s *stubTools) FindUsersByDisplayNamePrefix(context.Context, string) ([]m365.User, error) {
	return nil, nil
}
func (s *stubTools) DiscoverTenant(context.Context, string) (*m365.Tenant, error) {
	return &m365.Tenant{DisplayName: "Contoso"}, nil
}

func e5Tools() *stubTools {
	return &stubTools{skus: []m365.SKU{
		{SkuID: "sku-e3", SkuPartNumber: "ENTERPRISEPACK", ConsumedUnits: 12, PrepaidUnits: m365.PrepaidUnits{Enabled: 20}},
		{SkuID: "sku-e5", SkuPartNumber: "SPE_E5", ConsumedUnits: 9, PrepaidUnits: m365.PrepaidUnits{Enabled: 10}},
	}}
}

type fixture struct {
	c     *Coordinator
	store *state.Store
	pub   *recordingPublisher
}

func newFixture(t *testing.T, cfg Config, direct, agent llm.Provider, tools m365.Tools) *fixture {
	t.Helper()
	store, err := state.NewStore(state.Config{})
	require.NoError(t, err)
	pub := &recordingPublisher{}

	deps := Deps{Store: store, Publisher: pub}
	if direct != nil {
		deps.Direct = direct
	}
	if agent != nil {
		deps.Agent = agent
	}
	if tools != nil {
		deps.Resolver = m365.NewResolver(tools, nil, nil, m365.Options{})
	}
	c, err := New(cfg, deps)
	require.NoError(t, err)
	return &fixture{c: c, store: store, pub: pub}
}

func customer(text string) conversation.History {
	return conversation.History{{Role: conversation.RoleCustomer, Content: text}}
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMPUTE
// ═══════════════════════════════════════════════════════════════════════════════

func TestComputeSalvagesNarrativeJSON(t *testing.T) {
	direct := newScripted(llm.ProviderDirect).
		on(widgets.AccountHealth, `Here you go: {"score": 72, "reasons": ["Late payment"]} hope it helps`)
	f := newFixture(t, Config{}, direct, nil, nil)

	out := f.c.Compute(context.Background(), Input{
		CustomerID: "GB1",
		History:    customer("my bill is wrong"),
		Widgets:    []string{widgets.AccountHealth},
	})

	obj := out.Object(widgets.AccountHealth)
	require.NotNil(t, obj)
	assert.Equal(t, float64(72), obj["score"])

	calls := direct.callsFor(widgets.AccountHealth)
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Structured)
	assert.Equal(t, 0.3, calls[0].Temperature)
}

func TestComputeReinforcedRetry(t *testing.T) {
	direct := newScripted(llm.ProviderDirect).
		on(widgets.MiniInsights, "I'm not sure what you mean", `{"insights":[]}`)
	f := newFixture(t, Config{}, direct, nil, nil)

	out := f.c.Compute(context.Background(), Input{CustomerID: "GB1", Widgets: []string{widgets.MiniInsights}})
	require.False(t, out[widgets.MiniInsights].Failed())

	calls := direct.callsFor(widgets.MiniInsights)
	require.Len(t, calls, 2)
	assert.True(t, strings.HasSuffix(calls[1].Prompt, Reminder))
	assert.Equal(t, 0.2, calls[1].Temperature)
	assert.Equal(t, 3, calls[1].Attempts)
}

func TestComputeParseFailureCarriesRaw(t *testing.T) {
	direct := newScripted(llm.ProviderDirect).on(widgets.KnowledgeGraph, "still not json")
	f := newFixture(t, Config{}, direct, nil, nil)

	out := f.c.Compute(context.Background(), Input{CustomerID: "GB1", Widgets: []string{widgets.KnowledgeGraph}})

	r := out[widgets.KnowledgeGraph]
	require.True(t, r.Failed())
	assert.Equal(t, widgets.CodeParseFailed, r.Err.Code)
	assert.Equal(t, "still not json", r.Err.Raw)
	assert.Equal(t, widgets.KnowledgeGraph, r.Err.Widget)
}

func TestComputeEveryWidgetAnswered(t *testing.T) {
	direct := newScripted(llm.ProviderDirect).
		on(widgets.AISummary, "Customer wants a refund.").
		on(widgets.LivePrompts, `{"label":"Acknowledge","value":"I can see why that's annoying."}`)
	f := newFixture(t, Config{}, direct, nil, nil)

	names := []string{widgets.AISummary, widgets.LivePrompts, widgets.ServicePedia, "NOT_A_WIDGET", widgets.Customer360Demographics}
	out := f.c.Compute(context.Background(), Input{CustomerID: "GB2", Widgets: names})

	for _, n := range names {
		assert.Contains(t, out, n)
	}
	assert.Equal(t, "Customer wants a refund.", out.Object(widgets.AISummary)["summary"])
	assert.Equal(t, []widgets.LivePrompt{{Label: "Acknowledge", Value: "I can see why that's annoying."}}, out[widgets.LivePrompts].Value)
	assert.Equal(t, widgets.CodeNoResponse, out[widgets.ServicePedia].Err.Code)
	assert.Equal(t, widgets.CodeUnknownWidget, out["NOT_A_WIDGET"].Err.Code)

	demo := out.Object(widgets.Customer360Demographics)
	require.NotNil(t, demo)
	assert.NotEmpty(t, demo["firstName"])
}

func TestComputeWithoutProviderPlansFallback(t *testing.T) {
	f := newFixture(t, Config{}, nil, nil, nil)

	out := f.c.Compute(context.Background(), Input{
		CustomerID: "GB26669607",
		Widgets:    []string{widgets.AgentNetworkActions, widgets.NextBestAction, widgets.AgentNetworkExecute},
		Extra: map[string]map[string]interface{}{
			widgets.AgentNetworkExecute: {"ACTION_QUERY": "Check line status"},
		},
	})

	plan, ok := out[widgets.AgentNetworkActions].Value.(widgets.ActionPlan)
	require.True(t, ok)
	assert.NotEmpty(t, plan.Actions)
	assert.Equal(t, widgets.DefaultNextBest(), out[widgets.NextBestAction].Value)

	exec, ok := out[widgets.AgentNetworkExecute].Value.(widgets.ExecutionResult)
	require.True(t, ok)
	assert.NotEmpty(t, exec.Summary)
}

func TestComputeAgentNetworkPath(t *testing.T) {
	agent := newScripted(llm.ProviderAgentNetwork).
		on(widgets.AgentNetworkActions, `{"actions":[{"title":"Reset router","query":"Reset the router remotely"}]}`)
	direct := newScripted(llm.ProviderDirect)
	f := newFixture(t, Config{DefaultProvider: llm.ProviderAgentNetwork}, direct, agent, nil)

	out := f.c.Compute(context.Background(), Input{CustomerID: "GB3", Widgets: []string{widgets.AgentNetworkActions}})

	plan, ok := out[widgets.AgentNetworkActions].Value.(widgets.ActionPlan)
	require.True(t, ok)
	require.NotEmpty(t, plan.Actions)
	assert.Equal(t, "Reset router", plan.Actions[0].Title)
	assert.Empty(t, direct.callsFor(widgets.AgentNetworkActions))
}

func TestComputeAgentFailureFallsBackToDirect(t *testing.T) {
	agent := newScripted(llm.ProviderAgentNetwork)
	agent.errs[widgets.NextBestAction] = errors.New("network down")
	direct := newScripted(llm.ProviderDirect).
		on(widgets.NextBestAction, `{"title":"Offer credit","suggestedOpening":"I've added a credit."}`)
	f := newFixture(t, Config{}, direct, agent, nil)

	out := f.c.Compute(context.Background(), Input{
		CustomerID: "GB4",
		Widgets:    []string{widgets.NextBestAction},
		Providers:  map[string]string{widgets.NextBestAction: llm.ProviderAgentNetwork},
	})

	assert.Equal(t, "Offer credit", out.Object(widgets.NextBestAction)["title"])
	assert.Len(t, agent.callsFor(widgets.NextBestAction), 1)
	assert.Len(t, direct.callsFor(widgets.NextBestAction), 1)
}

func TestComputeDirectOverrideSkipsAgent(t *testing.T) {
	agent := newScripted(llm.ProviderAgentNetwork)
	direct := newScripted(llm.ProviderDirect).on(widgets.LiveResponse, `{"draft":"On it."}`)
	f := newFixture(t, Config{DefaultProvider: llm.ProviderAgentNetwork}, direct, agent, nil)

	out := f.c.Compute(context.Background(), Input{
		CustomerID: "GB5",
		Widgets:    []string{widgets.LiveResponse},
		Providers:  map[string]string{widgets.LiveResponse: llm.ProviderDirect},
	})

	assert.Equal(t, "On it.", out.Object(widgets.LiveResponse)["draft"])
	assert.Empty(t, agent.callsFor(widgets.LiveResponse))
}

// ═══════════════════════════════════════════════════════════════════════════════
// GET INSIGHTS
// ═══════════════════════════════════════════════════════════════════════════════

func TestInsightsValidation(t *testing.T) {
	f := newFixture(t, Config{}, nil, nil, nil)

	_, err := f.c.Insights(context.Background(), Request{Widgets: []string{widgets.AISummary}})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.c.Insights(context.Background(), Request{CustomerID: "GB1"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestInsightsRecordsLedgerAndAttachesExecuted(t *testing.T) {
	f := newFixture(t, Config{}, nil, nil, nil)
	ctx := context.Background()

	_, err := f.c.Insights(ctx, Request{
		CustomerID: "GB6",
		History:    customer("the internet keeps dropping"),
		Widgets:    []string{widgets.AgentNetworkExecute},
		ExtraVars: map[string]map[string]interface{}{
			widgets.AgentNetworkExecute: {"ACTION_QUERY": "Run line diagnostics"},
		},
	})
	require.NoError(t, err)

	out, err := f.c.Insights(ctx, Request{
		CustomerID: "GB6",
		History:    customer("the internet keeps dropping"),
		Widgets:    []string{widgets.AgentNetworkActions},
	})
	require.NoError(t, err)

	plan, ok := out[widgets.AgentNetworkActions].Value.(widgets.ActionPlan)
	require.True(t, ok)
	require.Len(t, plan.ExecutedActions, 1)
	assert.Equal(t, "exec-1", plan.ExecutedActions[0].ID)
	assert.Equal(t, "Run line diagnostics", plan.ExecutedActions[0].Query)
	assert.Equal(t, "exec-1: Run line diagnostics", f.store.PreviousActions("GB6"))
}

func TestInsightsM365FastPath(t *testing.T) {
	direct := newScripted(llm.ProviderDirect).
		on(widgets.AISummary, "Customer asks how many E5 seats remain.")
	f := newFixture(t, Config{}, direct, nil, e5Tools())

	requested := []string{widgets.AgentNetworkExecute, widgets.AgentNetworkActions, widgets.AISummary}
	out, err := f.c.Insights(context.Background(), Request{
		CustomerID: "GB7",
		History:    customer("How many E5 licenses do we have left?"),
		Widgets:    requested,
		ExtraVars: map[string]map[string]interface{}{
			widgets.AgentNetworkExecute: {
				"ACTION_ID":    "count-e5",
				"ACTION_QUERY": "Check how many Microsoft 365 E5 licenses are available",
			},
		},
	})
	require.NoError(t, err)

	for _, w := range requested {
		assert.Contains(t, out, w)
	}
	exec, ok := out[widgets.AgentNetworkExecute].Value.(widgets.ExecutionResult)
	require.True(t, ok)
	assert.Equal(t, "License counts", exec.ShortDescription)
	assert.Contains(t, exec.Summary, "SPE_E5: 10 total, 9 assigned, 1 available")
	assert.Equal(t, exec.Summary, out.Object(widgets.LiveResponse)["draft"])
	assert.Equal(t, "Customer asks how many E5 seats remain.", out.Object(widgets.AISummary)["summary"])

	plan, ok := out[widgets.AgentNetworkActions].Value.(widgets.ActionPlan)
	require.True(t, ok)
	assert.NotEmpty(t, plan.Actions)
	require.Len(t, plan.ExecutedActions, 1)
	assert.Equal(t, "count-e5", plan.ExecutedActions[0].ID)

	ledger := f.store.ExecutedActions("GB7")
	require.Len(t, ledger, 1)
	assert.Equal(t, "count-e5", ledger[0].ID)
	assert.Empty(t, direct.callsFor(widgets.AgentNetworkExecute))
}

// blockingTools holds every SKU listing until the context ends.
type blockingTools struct {
	stubTools
}

func (b *blockingTools) ListSubscribedSkus(ctx context.Context) ([]m365.SKU, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestInsightsM365CancelledIsAResult(t *testing.T) {
	f := newFixture(t, Config{ExecuteTimeout: 50 * time.Millisecond}, nil, nil, &blockingTools{})

	out, err := f.c.Insights(context.Background(), Request{
		CustomerID: "GB8",
		History:    customer("How many E5 licenses do we have left?"),
		Widgets:    []string{widgets.AgentNetworkExecute},
		ExtraVars: map[string]map[string]interface{}{
			widgets.AgentNetworkExecute: {"ACTION_QUERY": "Check how many Microsoft 365 E5 licenses are available"},
		},
	})
	require.NoError(t, err)

	exec, ok := out[widgets.AgentNetworkExecute].Value.(widgets.ExecutionResult)
	require.True(t, ok)
	assert.Equal(t, "Microsoft 365 action cancelled", exec.ShortDescription)
	assert.Equal(t, exec.Summary, out.Object(widgets.LiveResponse)["draft"])
}

// ═══════════════════════════════════════════════════════════════════════════════
// EXTERNAL CHAT
// ═══════════════════════════════════════════════════════════════════════════════

func chatProvider() *scriptedProvider {
	return newScripted(llm.ProviderDirect).
		on(widgets.LiveResponse, `{"draft":"We will send an engineer tomorrow morning to replace the faulty router and check the line at the cabinet so your connection is stable again."}`).
		on(widgets.LivePrompts, `[{"label":"Empathy","value":"I understand how frustrating this is."}]`).
		on(widgets.AccountHealth, `{"score":40,"reasons":["Repeated outages","Billing dispute"]}`).
		on(widgets.KnowledgeGraph, `{"primary":{"title":"Router replacement"}}`).
		on(widgets.Customer360, `{"segment":"Gold","products":[{"name":"Fibre Broadband 500"}]}`).
		on(widgets.WordDetails, `{"words":[{"word":"outages","detail":"Frequent drops","sentiment":"NEG"}]}`).
		on(widgets.ComposerRefine, `{"draft":"Sorry about the outages. An engineer visits tomorrow."}`)
}

func TestExternalChatBuildsSnapshot(t *testing.T) {
	direct := chatProvider()
	f := newFixture(t, Config{}, direct, nil, nil)

	snap, err := f.c.ExternalChat(context.Background(), "GB8", "My broadband keeps dropping", "external")
	require.NoError(t, err)

	assert.Equal(t, "Sorry about the outages. An engineer visits tomorrow.", snap.BotReply)
	assert.NotEmpty(t, snap.TraceID)
	assert.Equal(t, []string{"Repeated", "outages", "Billing", "dispute", "Router", "replacement"}, snap.Wordcloud)
	require.NotNil(t, snap.WordDetails)
	assert.False(t, snap.WordDetails.Failed())

	c360 := snap.Customer360
	assert.Equal(t, "GB8", c360.ID)
	assert.Equal(t, "My broadband keeps dropping", c360.LastMessage)
	assert.Equal(t, "Gold", c360.Segment)
	require.NotNil(t, c360.Cards.GeoServiceContext)
	require.NotNil(t, c360.Cards.TicketsCases)
	assert.Equal(t, widgets.Tickets("GB8"), *c360.Cards.TicketsCases)

	refine := direct.callsFor(widgets.ComposerRefine)
	require.Len(t, refine, 1)
	assert.Contains(t, refine[0].Prompt, "I understand how frustrating this is.\n\nWe will send an engineer")

	stored, ok := f.c.Snapshot("GB8")
	require.True(t, ok)
	assert.Same(t, snap, stored)
	assert.Equal(t, []interface{}{snap}, f.pub.messages["GB8"])

	hist := f.store.History("GB8")
	require.Len(t, hist, 1)
	assert.Equal(t, conversation.RoleCustomer, hist[0].Role)
}

func TestExternalChatSuppressedReply(t *testing.T) {
	direct := chatProvider()
	f := newFixture(t, Config{SuppressAutoReply: true}, direct, nil, nil)

	snap, err := f.c.ExternalChat(context.Background(), "GB9", "hello", "external")
	require.NoError(t, err)
	assert.Empty(t, snap.BotReply)
	assert.Empty(t, direct.callsFor(widgets.ComposerRefine))
}

func TestExternalChatMarketplaceLicenseCounts(t *testing.T) {
	direct := chatProvider()
	f := newFixture(t, Config{}, direct, nil, e5Tools())

	snap, err := f.c.ExternalChat(context.Background(), "GB10", "How many Microsoft 365 E5 licenses do we have?", SourceMarketplace)
	require.NoError(t, err)

	require.NotNil(t, snap.M365)
	assert.Equal(t, snap.M365.Summary, snap.BotReply)
	assert.Contains(t, snap.BotReply, "SPE_E5")
	assert.Equal(t, snap.BotReply, snap.Insights.Object(widgets.LiveResponse)["draft"])
	assert.Empty(t, direct.callsFor(widgets.ComposerRefine))
}

func TestExternalChatValidation(t *testing.T) {
	f := newFixture(t, Config{}, nil, nil, nil)
	_, err := f.c.ExternalChat(context.Background(), "GB1", "", "external")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCustomerContextFromSnapshot(t *testing.T) {
	f := newFixture(t, Config{}, chatProvider(), nil, nil)
	assert.Empty(t, f.c.customerContext("GB11"))

	_, err := f.c.ExternalChat(context.Background(), "GB11", "my fibre is slow", "external")
	require.NoError(t, err)

	ctx := f.c.customerContext("GB11")
	assert.NotEmpty(t, ctx["region"])
	assert.NotEmpty(t, ctx["postalCode"])
	assert.NotEmpty(t, ctx["city"])
	assert.NotEmpty(t, ctx["serviceType"])
}

// ═══════════════════════════════════════════════════════════════════════════════
// AUTO-REPLY
// ═══════════════════════════════════════════════════════════════════════════════

func TestComposeDraft(t *testing.T) {
	long := "We have found the fault on your line and an engineer will attend tomorrow between eight and one to replace the router and test the connection end to end."
	prompts := widgets.Ok([]widgets.LivePrompt{{Label: "Empathy", Value: "Sorry for the trouble."}})

	t.Run("long draft gets empathy", func(t *testing.T) {
		rs := widgets.Results{
			widgets.LiveResponse: widgets.Ok(widgets.LiveDraft{Draft: long}),
			widgets.LivePrompts:  prompts,
		}
		assert.Equal(t, "Sorry for the trouble.\n\n"+long, composeDraft(rs, customer("hi")))
	})

	t.Run("short draft stays as is", func(t *testing.T) {
		rs := widgets.Results{
			widgets.LiveResponse: widgets.Ok(widgets.LiveDraft{Draft: "Checking now."}),
			widgets.LivePrompts:  prompts,
		}
		assert.Equal(t, "Checking now.", composeDraft(rs, customer("hi")))
	})

	t.Run("agent spoke last", func(t *testing.T) {
		rs := widgets.Results{
			widgets.LiveResponse: widgets.Ok(widgets.LiveDraft{Draft: long}),
			widgets.LivePrompts:  prompts,
		}
		h := conversation.History{{Role: conversation.RoleAgent, Content: "One moment"}}
		assert.Equal(t, long, composeDraft(rs, h))
	})

	t.Run("falls through sources", func(t *testing.T) {
		rs := widgets.Results{
			widgets.LiveResponse:   widgets.Fail(widgets.LiveResponse, widgets.CodeNoResponse, ""),
			widgets.NextBestAction: widgets.Ok(widgets.DefaultNextBest()),
		}
		assert.Equal(t, widgets.DefaultNextBest().SuggestedOpening, composeDraft(rs, nil))
	})

	t.Run("nothing available", func(t *testing.T) {
		assert.Equal(t, "Sorry for the trouble.", composeDraft(widgets.Results{widgets.LivePrompts: prompts}, nil))
		assert.Equal(t, fallbackReply, composeDraft(widgets.Results{}, nil))
	})
}

func TestRefineReplyShortDraft(t *testing.T) {
	direct := chatProvider()
	f := newFixture(t, Config{}, direct, nil, nil)

	assert.Equal(t, "Hi!", f.c.RefineReply(context.Background(), nil, "Hi!", nil, nil))
	assert.Empty(t, direct.calls)
}

func TestRefineReplyKeepsDraftOnGarbage(t *testing.T) {
	direct := newScripted(llm.ProviderDirect).on(widgets.ComposerRefine, "no json here")
	f := newFixture(t, Config{}, direct, nil, nil)

	draft := "Let me look into that for you."
	assert.Equal(t, draft, f.c.RefineReply(context.Background(), customer("help"), draft, nil, []string{"a", "b", "c", "d", "e", "f", "g"}))
}

func TestAgentReply(t *testing.T) {
	f := newFixture(t, Config{}, nil, nil, nil)

	traceID, err := f.c.AgentReply(context.Background(), "GB12", "Your engineer is booked.")
	require.NoError(t, err)
	assert.NotEmpty(t, traceID)

	msgs := f.pub.messages["GB12"]
	require.Len(t, msgs, 1)
	ev, ok := msgs[0].(AgentReplyEvent)
	require.True(t, ok)
	assert.Equal(t, "agentReply", ev.Type)
	assert.Equal(t, traceID, ev.TraceID)
	assert.Equal(t, "Your engineer is booked.", ev.Message)

	last, ok := f.store.History("GB12").Last()
	require.True(t, ok)
	assert.Equal(t, conversation.RoleAgent, last.Role)

	_, err = f.c.AgentReply(context.Background(), "", "x")
	assert.ErrorIs(t, err, ErrValidation)
}
