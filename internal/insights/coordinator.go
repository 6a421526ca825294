// Package insights fans a customer conversation out to the widget
// backends, coerces every reply into its widget shape and keeps the
// per-customer history, ledger and snapshot current.
package insights

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/normanking/athena/internal/conversation"
	"github.com/normanking/athena/internal/llm"
	"github.com/normanking/athena/internal/logging"
	"github.com/normanking/athena/internal/m365"
	"github.com/normanking/athena/internal/metrics"
	"github.com/normanking/athena/internal/prompts"
	"github.com/normanking/athena/internal/repair"
	"github.com/normanking/athena/internal/state"
	"github.com/normanking/athena/internal/widgets"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ═══════════════════════════════════════════════════════════════════════════════

// ErrValidation marks a malformed inbound request.
var ErrValidation = errors.New("invalid request")

// ═══════════════════════════════════════════════════════════════════════════════
// COORDINATOR
// ═══════════════════════════════════════════════════════════════════════════════

const (
	firstTemperature = 0.3
	retryTemperature = 0.2
	retryAttempts    = 3

	// Reminder is appended to the prompt of the reinforced retry.
	Reminder = "\n\nREMINDER: Return ONLY valid JSON. No commentary."
)

// Publisher delivers a payload to the subscribers of one customer.
type Publisher interface {
	Publish(customerID string, payload interface{})
}

// Config controls coordinator policy.
type Config struct {
	// DefaultProvider is used for agent-eligible widgets without an
	// explicit per-widget provider.
	DefaultProvider   string
	SuppressAutoReply bool
	// ExecuteTimeout caps one Microsoft 365 execution.
	ExecuteTimeout time.Duration
}

// DefaultExecuteTimeout is used when Config.ExecuteTimeout is zero.
const DefaultExecuteTimeout = 90 * time.Second

// Deps are the collaborators of a Coordinator. Direct, Agent, Resolver and
// Publisher may be nil.
type Deps struct {
	Direct    llm.Provider
	Agent     llm.Provider
	Prompts   *prompts.Store
	Store     *state.Store
	Snapshots *state.Snapshots[*Snapshot]
	Resolver  *m365.Resolver
	Publisher Publisher
}

// Coordinator computes widgets for a customer.
type Coordinator struct {
	cfg       Config
	direct    llm.Provider
	agent     llm.Provider
	prompts   *prompts.Store
	store     *state.Store
	snapshots *state.Snapshots[*Snapshot]
	resolver  *m365.Resolver
	publisher Publisher
	log       *logging.Logger
}

// New creates a coordinator.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Store == nil {
		return nil, errors.New("insights: state store is required")
	}
	if deps.Prompts == nil {
		deps.Prompts = prompts.Load("")
	}
	if deps.Snapshots == nil {
		snaps, err := state.NewSnapshots[*Snapshot](state.DefaultMaxCustomers)
		if err != nil {
			return nil, err
		}
		deps.Snapshots = snaps
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = llm.ProviderDirect
	}
	if cfg.ExecuteTimeout <= 0 {
		cfg.ExecuteTimeout = DefaultExecuteTimeout
	}
	return &Coordinator{
		cfg:       cfg,
		direct:    deps.Direct,
		agent:     deps.Agent,
		prompts:   deps.Prompts,
		store:     deps.Store,
		snapshots: deps.Snapshots,
		resolver:  deps.Resolver,
		publisher: deps.Publisher,
		log:       logging.WithComponent("insights"),
	}, nil
}

// Input is one fan-out.
type Input struct {
	CustomerID string
	History    conversation.History
	Widgets    []string
	// Extra holds per-widget template variables.
	Extra map[string]map[string]interface{}
	// Providers holds per-widget provider overrides.
	Providers       map[string]string
	CustomerContext map[string]interface{}
}

// CustomerData is the customer object rendered into prompts.
func CustomerData(customerID string, customerContext map[string]interface{}) map[string]interface{} {
	data := map[string]interface{}{"id": customerID, "segment": "VIP", "tenureMonths": 38}
	for k, v := range customerContext {
		data[k] = v
	}
	return data
}

// Compute runs one task per requested widget concurrently and returns a
// result for every name. A failing widget never affects its siblings.
func (c *Coordinator) Compute(ctx context.Context, in Input) widgets.Results {
	start := time.Now()
	marketplace := widgets.IsMarketplace(in.History.Text())
	if v, ok := in.CustomerContext["marketplace"].(bool); ok && v {
		marketplace = true
	}
	customerData := CustomerData(in.CustomerID, in.CustomerContext)

	var (
		mu  sync.Mutex
		out = make(widgets.Results, len(in.Widgets))
		g   errgroup.Group
	)
	for _, name := range in.Widgets {
		name := name
		g.Go(func() error {
			pin := prompts.Input{
				History:      in.History,
				CustomerID:   in.CustomerID,
				CustomerData: customerData,
				Extra:        in.Extra[name],
				Marketplace:  marketplace,
			}
			r, provider := c.compute(ctx, name, pin, in.Providers[name])

			status := "ok"
			if r.Failed() {
				status = r.Err.Code
			}
			metrics.WidgetOutcomes.WithLabelValues(name, provider, status).Inc()

			mu.Lock()
			out[name] = r
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, name := range in.Widgets {
		if name == widgets.Customer360Demographics {
			r, ok := out[name]
			out[name] = widgets.CompleteDemographics(in.CustomerID, r, ok)
		}
	}

	c.log.Debug("computed %d widgets for %s in %s", len(out), in.CustomerID, time.Since(start))
	return out
}

// providerFor resolves the provider of one widget: an explicit override
// beats the process default.
func (c *Coordinator) providerFor(widget, override string) string {
	if override != "" {
		return override
	}
	return c.cfg.DefaultProvider
}

func (c *Coordinator) compute(ctx context.Context, widget string, pin prompts.Input, override string) (widgets.Result, string) {
	if !widgets.IsKnown(widget) {
		c.log.Warn("unknown widget requested: %s", widget)
		return widgets.Fail(widget, widgets.CodeUnknownWidget, ""), "none"
	}

	if widgets.AgentEligible(widget) && c.providerFor(widget, override) == llm.ProviderAgentNetwork && available(c.agent) {
		r, err := c.viaAgent(ctx, widget, pin)
		if err == nil {
			c.validate(widget, r)
			return r, llm.ProviderAgentNetwork
		}
		c.log.Warn("agent network failed for %s, falling back to direct model: %v", widget, err)
	}

	r := c.viaDirect(ctx, widget, pin)
	c.validate(widget, r)
	return r, llm.ProviderDirect
}

func available(p llm.Provider) bool {
	return p != nil && p.Available()
}

func (c *Coordinator) validate(widget string, r widgets.Result) {
	if r.Failed() {
		return
	}
	if err := widgets.Validate(widget, r.Value); err != nil {
		c.log.Warn("%s result does not match its schema: %v", widget, err)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// AGENT NETWORK
// ═══════════════════════════════════════════════════════════════════════════════

func (c *Coordinator) viaAgent(ctx context.Context, widget string, pin prompts.Input) (widgets.Result, error) {
	task, ok := c.prompts.AgentTask(widget, pin)
	if !ok {
		task = c.prompts.Build(widget, pin)
	}

	raw, err := c.agent.Invoke(ctx, &llm.Request{Widget: widget, Prompt: task})
	if err != nil {
		return widgets.Result{}, err
	}
	data, _ := repair.SalvageObject(raw)
	if data == nil {
		data = map[string]interface{}{}
	}

	switch widget {
	case widgets.AgentNetworkActions:
		actions := widgets.ActionsFromAgent(data)
		if len(actions) == 0 {
			actions = widgets.FallbackActions(pin.Marketplace)
		}
		actions = widgets.InjectLifecycleActions(actions, pin.History, previousActions(pin.Extra))
		return widgets.Ok(widgets.ActionPlan{Actions: actions}), nil
	case widgets.AgentNetworkExecute:
		return widgets.Ok(widgets.ExecuteFromAgent(data, actionQuery(pin.Extra), pin.History)), nil
	case widgets.LiveResponse:
		return widgets.Ok(widgets.LiveResponseFromAgent(data)), nil
	case widgets.NextBestAction:
		return widgets.Ok(widgets.NextBestFromAgent(data)), nil
	}
	return widgets.Ok(data), nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// DIRECT MODEL
// ═══════════════════════════════════════════════════════════════════════════════

func (c *Coordinator) invokeDirect(ctx context.Context, req *llm.Request) (string, error) {
	if !available(c.direct) {
		return "", llm.ErrNotConfigured
	}
	return c.direct.Invoke(ctx, req)
}

func (c *Coordinator) viaDirect(ctx context.Context, widget string, pin prompts.Input) widgets.Result {
	structured := widgets.IsStructured(widget)
	prompt := c.prompts.Build(widget, pin)

	raw, err := c.invokeDirect(ctx, &llm.Request{
		Widget:      widget,
		Prompt:      prompt,
		Structured:  structured,
		Temperature: firstTemperature,
	})

	if !structured {
		if err != nil {
			return c.unavailable(widget, pin, err)
		}
		if widget == widgets.AISummary {
			return widgets.Ok(map[string]interface{}{"summary": raw})
		}
		return widgets.Ok(map[string]interface{}{"raw": raw})
	}

	var parsed interface{}
	ok := false
	if err == nil {
		parsed, ok = repair.Salvage(raw)
	}
	if !ok && retriable(ctx, err) {
		c.log.Debug("%s: reinforcing JSON instruction after %v", widget, err)
		raw2, err2 := c.invokeDirect(ctx, &llm.Request{
			Widget:      widget,
			Prompt:      prompt + Reminder,
			Structured:  true,
			Temperature: retryTemperature,
			Attempts:    retryAttempts,
		})
		if err2 == nil {
			raw, err = raw2, nil
			parsed, ok = repair.Salvage(raw2)
		}
	}

	if !ok {
		if raw == "" {
			return c.unavailable(widget, pin, err)
		}
		c.log.Warn("%s: unparseable output after retry", widget)
		return widgets.Fail(widget, widgets.CodeParseFailed, raw)
	}
	return widgets.Ok(normalize(widget, parsed, raw, pin))
}

// retriable reports whether the reinforced second call is worth making.
func retriable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, llm.ErrNotConfigured)
}

// unavailable answers a widget whose backend produced nothing. Widgets
// with a deterministic synthesizer get a synthetic result.
func (c *Coordinator) unavailable(widget string, pin prompts.Input, err error) widgets.Result {
	c.log.Debug("%s: no provider output: %v", widget, err)
	switch widget {
	case widgets.AgentNetworkActions:
		actions := widgets.InjectLifecycleActions(widgets.FallbackActions(pin.Marketplace), pin.History, previousActions(pin.Extra))
		return widgets.Ok(widgets.ActionPlan{Actions: actions})
	case widgets.AgentNetworkExecute:
		return widgets.Ok(widgets.SynthesizeExecute(actionQuery(pin.Extra), pin.History))
	case widgets.NextBestAction:
		return widgets.Ok(widgets.DefaultNextBest())
	}
	return widgets.Fail(widget, widgets.CodeNoResponse, "")
}

// normalize coerces a parsed structured reply into its widget shape.
func normalize(widget string, parsed interface{}, raw string, pin prompts.Input) interface{} {
	switch widget {
	case widgets.AgentNetworkActions:
		return widgets.ActionPlan{Actions: widgets.PlanActions(parsed, pin.Marketplace, pin.History, previousActions(pin.Extra))}
	case widgets.LivePrompts:
		if lp, ok := widgets.NormalizeLivePrompts(parsed); ok {
			return lp
		}
	case widgets.AgentNetworkExecute:
		if obj, ok := parsed.(map[string]interface{}); ok {
			return widgets.ExecuteFromObject(obj, raw)
		}
	}
	return parsed
}

func previousActions(extra map[string]interface{}) string {
	s, _ := extra["PREVIOUS_ACTIONS"].(string)
	return s
}

func actionQuery(extra map[string]interface{}) string {
	s, _ := extra["ACTION_QUERY"].(string)
	return s
}
