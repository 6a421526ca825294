package widgets

import (
	"github.com/normanking/athena/internal/repair"
)

// NextBest is the NEXT_BEST_ACTION payload.
type NextBest struct {
	Title            string   `json:"title"`
	IntentKey        string   `json:"intentKey"`
	SuggestedOpening string   `json:"suggestedOpening"`
	Rationale        string   `json:"rationale"`
	RiskIfIgnored    string   `json:"riskIfIgnored"`
	GuidedSteps      []string `json:"guidedSteps"`
	Confidence       float64  `json:"confidence"`
}

// DefaultNextBest is returned when an agent reply carries no usable action.
func DefaultNextBest() NextBest {
	return NextBest{
		Title:            "Follow-up and confirm resolution",
		IntentKey:        "FOLLOW_UP",
		SuggestedOpening: "Thanks for holding, I've checked things on my side…",
		Rationale:        "Closes the loop and sets clear next steps",
		RiskIfIgnored:    "Issue may recur; lower CSAT",
		GuidedSteps:      []string{"Acknowledge context", "Share findings", "State next step"},
		Confidence:       0.55,
	}
}

// NextBestFromAgent parses response.text (or text) as a next best action.
// A reply without a title yields the default follow-up.
func NextBestFromAgent(data map[string]interface{}) interface{} {
	if obj, ok := repair.Parse(agentText(data)); ok {
		if m, ok := obj.(map[string]interface{}); ok {
			if title, ok := m["title"].(string); ok && title != "" {
				return m
			}
		}
	}
	if title, ok := data["title"].(string); ok && title != "" {
		return data
	}
	return DefaultNextBest()
}
