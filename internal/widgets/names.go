// Package widgets defines the canonical shape of every insight widget and
// the deterministic normalizers and fallbacks that coerce backend output
// into those shapes.
package widgets

// Widget names as requested by the desktop.
const (
	MiniInsights            = "MINI_INSIGHTS"
	ServicePedia            = "SERVICE_PEDIA"
	ServicePediaV2          = "SERVICE_PEDIA_V2"
	ServicePediaArticle     = "SERVICE_PEDIA_ARTICLE"
	ServicePediaCompose     = "SERVICE_PEDIA_COMPOSE"
	KnowledgeGraph          = "KNOWLEDGE_GRAPH"
	AccountHealth           = "ACCOUNT_HEALTH"
	AISummary               = "AI_SUMMARY"
	ResolutionPredictor     = "RESOLUTION_PREDICTOR"
	NextBestAction          = "NEXT_BEST_ACTION"
	LivePrompts             = "LIVE_PROMPTS"
	LiveResponse            = "LIVE_RESPONSE"
	Customer360             = "CUSTOMER_360"
	Customer360Demographics = "CUSTOMER_360_DEMOGRAPHICS"
	WordDetails             = "WORD_DETAILS"
	AgentNetworkActions     = "AGENT_NETWORK_ACTIONS"
	AgentNetworkExecute     = "AGENT_NETWORK_EXECUTE"
	AgentActionCompose      = "AGENT_ACTION_COMPOSE"
	ComposerRefine          = "COMPOSER_REFINE"
)

// structured is the allow-list of widgets whose output must be JSON.
var structured = map[string]bool{
	NextBestAction:          true,
	LivePrompts:             true,
	AccountHealth:           true,
	ResolutionPredictor:     true,
	KnowledgeGraph:          true,
	MiniInsights:            true,
	ServicePedia:            true,
	ServicePediaV2:          true,
	Customer360:             true,
	Customer360Demographics: true,
	WordDetails:             true,
	LiveResponse:            true,
	AgentNetworkActions:     true,
	AgentNetworkExecute:     true,
	ServicePediaArticle:     true,
	ServicePediaCompose:     true,
	AgentActionCompose:      true,
	ComposerRefine:          true,
}

// agentEligible lists the widgets the agent network knows how to compute.
var agentEligible = map[string]bool{
	AgentNetworkActions: true,
	AgentNetworkExecute: true,
	LiveResponse:        true,
	NextBestAction:      true,
}

// IsStructured reports whether the widget requires JSON output.
func IsStructured(name string) bool {
	return structured[name]
}

// IsKnown reports whether the widget name is recognised.
func IsKnown(name string) bool {
	return structured[name] || name == AISummary
}

// AgentEligible reports whether the agent network can serve the widget.
func AgentEligible(name string) bool {
	return agentEligible[name]
}

// ExternalChatSet is the fixed widget list computed for each inbound
// customer message.
func ExternalChatSet() []string {
	return []string{
		MiniInsights,
		ServicePedia,
		ServicePediaV2,
		KnowledgeGraph,
		AccountHealth,
		AISummary,
		ResolutionPredictor,
		NextBestAction,
		LivePrompts,
		Customer360,
		Customer360Demographics,
		LiveResponse,
		AgentNetworkActions,
	}
}
