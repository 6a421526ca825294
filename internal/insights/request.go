package insights

import (
	"context"
	"errors"
	"fmt"

	"github.com/normanking/athena/internal/conversation"
	"github.com/normanking/athena/internal/logging"
	"github.com/normanking/athena/internal/m365"
	"github.com/normanking/athena/internal/repair"
	"github.com/normanking/athena/internal/widgets"
)

// Request is an inbound get-insights call.
type Request struct {
	CustomerID string
	// History is the caller's view of the conversation. When empty the
	// stored rolling history is used.
	History   conversation.History
	Widgets   []string
	ExtraVars map[string]map[string]interface{}
	Providers map[string]string
}

// Validate checks the fields every request must carry.
func (r *Request) Validate() error {
	if r.CustomerID == "" {
		return fmt.Errorf("%w: customerId required", ErrValidation)
	}
	if len(r.Widgets) == 0 {
		return fmt.Errorf("%w: requestedWidgets must be non-empty array", ErrValidation)
	}
	return nil
}

func (r *Request) wants(widget string) bool {
	for _, w := range r.Widgets {
		if w == widget {
			return true
		}
	}
	return false
}

// defaultExecuteDraft is the live-response draft when an execution has no summary.
const defaultExecuteDraft = "Microsoft 365 action processed."

// Insights serves one get-insights request. An executable Microsoft 365
// action runs through the resolver instead of the model; its result and
// draft are merged with the other requested widgets.
func (c *Coordinator) Insights(ctx context.Context, req Request) (widgets.Results, error) {
	if err := req.Validate(); err != nil {
		c.log.Warn("get-insights validation failed: %v", err)
		return nil, err
	}
	history := req.History
	if len(history) == 0 {
		history = c.store.History(req.CustomerID)
	}
	extra := cloneExtra(req.ExtraVars)

	var executed widgets.Results
	if req.wants(widgets.AgentNetworkExecute) {
		vars := extra[widgets.AgentNetworkExecute]
		actionID, _ := vars["ACTION_ID"].(string)
		actionQuery, _ := vars["ACTION_QUERY"].(string)

		query, ok := "", false
		if c.resolver != nil {
			query, ok = m365.PrepareQuery(actionQuery, history)
		}
		if ok {
			var err error
			if executed, err = c.executeM365(ctx, req.CustomerID, actionID, actionQuery, query, history); err != nil {
				return nil, err
			}
		} else if actionQuery != "" {
			entry := c.store.RecordExecuted(req.CustomerID, actionID, actionQuery)
			c.log.Debug("recorded action %s for %s: %s", entry.ID, req.CustomerID, repair.Truncate(actionQuery, 120))
		}
	}

	if req.wants(widgets.AgentNetworkActions) {
		setExtra(extra, widgets.AgentNetworkActions, "PREVIOUS_ACTIONS", c.store.PreviousActions(req.CustomerID))
	}

	customerContext := c.customerContext(req.CustomerID)
	if req.wants(widgets.AgentNetworkExecute) {
		setExtra(extra, widgets.AgentNetworkExecute, "CUSTOMER_CONTEXT", customerContext)
	}

	var pending []string
	for _, w := range req.Widgets {
		if _, done := executed[w]; !done {
			pending = append(pending, w)
		}
	}

	out := widgets.Results{}
	if len(pending) > 0 {
		out = c.Compute(ctx, Input{
			CustomerID:      req.CustomerID,
			History:         history,
			Widgets:         pending,
			Extra:           extra,
			Providers:       req.Providers,
			CustomerContext: customerContext,
		})
	}
	for w, r := range executed {
		out[w] = r
	}

	if req.wants(widgets.AgentNetworkActions) {
		attachExecuted(out, c.store.ExecutedActions(req.CustomerID))
	}
	return out, nil
}

// executeM365 returns the execution and its live-response draft. A
// cancelled execution is a terminal result, not a request failure.
func (c *Coordinator) executeM365(ctx context.Context, customerID, actionID, actionQuery, query string, history conversation.History) (widgets.Results, error) {
	if actionQuery != "" {
		c.store.RecordExecuted(customerID, actionID, actionQuery)
	}

	// A started directory change runs to completion even if the caller hangs up.
	execCtx, cancel := logging.DetachContextWithTimeout(ctx, c.cfg.ExecuteTimeout)
	defer cancel()
	ex, err := c.resolver.Execute(execCtx, query, history)
	if err != nil && !errors.Is(err, m365.ErrCancelled) {
		return nil, err
	}
	c.log.Info("m365 execution for %s: state=%s short=%q summary=%q",
		customerID, ex.State, ex.Result.ShortDescription, repair.Truncate(ex.Result.Summary, 180))

	draft := ex.Result.Summary
	if draft == "" {
		draft = defaultExecuteDraft
	}
	return widgets.Results{
		widgets.AgentNetworkExecute: widgets.Ok(ex.Result),
		widgets.LiveResponse:        widgets.Ok(widgets.LiveDraft{Draft: draft}),
	}, nil
}

// attachExecuted adds the ledger to a successful action plan. A missing
// plan becomes an empty one.
func attachExecuted(out widgets.Results, executed []widgets.ExecutedAction) {
	r, ok := out[widgets.AgentNetworkActions]
	if !ok {
		out[widgets.AgentNetworkActions] = widgets.Ok(widgets.ActionPlan{Actions: []widgets.Action{}, ExecutedActions: executed})
		return
	}
	if plan, ok := r.Value.(widgets.ActionPlan); ok && !r.Failed() {
		plan.ExecutedActions = executed
		out[widgets.AgentNetworkActions] = widgets.Ok(plan)
	}
}

// customerContext derives region, postcode, city and service type from
// the customer's last snapshot.
func (c *Coordinator) customerContext(customerID string) map[string]interface{} {
	ctx := map[string]interface{}{}
	snap, ok := c.snapshots.Get(customerID)
	if !ok || snap == nil {
		return ctx
	}

	addr := addressOf(snap.Insights.Object(widgets.Customer360Demographics))
	var geo widgets.GeoServiceCard
	if snap.Customer360.Cards.GeoServiceContext != nil {
		geo = *snap.Customer360.Cards.GeoServiceContext
	}

	if v := firstNonEmpty(geo.Region, addr.Region); v != "" {
		ctx["region"] = v
	}
	if v := firstNonEmpty(geo.PostalCode, addr.Postcode); v != "" {
		ctx["postalCode"] = v
	}
	if v := firstNonEmpty(geo.City, addr.City); v != "" {
		ctx["city"] = v
	}
	if names := productNames(snap.Customer360.Products); len(names) > 0 {
		if detailed := widgets.ClassifyService(names).DetailedType; detailed != "" {
			ctx["serviceType"] = firstNonEmpty(geo.ServiceType, detailed)
		}
	}
	return ctx
}

func addressOf(demo map[string]interface{}) widgets.Address {
	m, _ := demo["address"].(map[string]interface{})
	str := func(k string) string {
		s, _ := m[k].(string)
		return s
	}
	return widgets.Address{Line1: str("line1"), City: str("city"), Region: str("region"), Postcode: str("postcode")}
}

func productNames(products []interface{}) []string {
	var names []string
	for _, p := range products {
		switch t := p.(type) {
		case map[string]interface{}:
			names = append(names, repair.Stringify(t["name"]))
		case string:
			names = append(names, t)
		}
	}
	return names
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func cloneExtra(in map[string]map[string]interface{}) map[string]map[string]interface{} {
	out := make(map[string]map[string]interface{}, len(in))
	for w, vars := range in {
		cp := make(map[string]interface{}, len(vars))
		for k, v := range vars {
			cp[k] = v
		}
		out[w] = cp
	}
	return out
}

func setExtra(extra map[string]map[string]interface{}, widget, key string, v interface{}) {
	if extra[widget] == nil {
		extra[widget] = map[string]interface{}{}
	}
	extra[widget][key] = v
}
