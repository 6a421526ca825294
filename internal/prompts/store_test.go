package prompts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/athena/internal/conversation"
)

var history = conversation.History{
	{Role: conversation.RoleCustomer, Content: "My broadband is down"},
	{Role: conversation.RoleAgent, Content: "Let me check"},
}

func TestRender(t *testing.T) {
	out := Render("a={{ a }} b={{b}} c={{ c }} missing={{ nope }}", map[string]interface{}{
		"a": "text",
		"b": map[string]interface{}{"k": 1},
		"c": []string{"x"},
	})
	assert.Equal(t, `a=text b={"k":1} c=["x"] missing=`, out)
}

func TestBuiltinPrompts(t *testing.T) {
	s := Load("")

	summary := s.Build("AI_SUMMARY", Input{History: history})
	assert.Contains(t, summary, "Summarize the following conversation in under 40 words")
	assert.Contains(t, summary, "CUSTOMER: My broadband is down\nAGENT: Let me check")

	nba := s.Build("NEXT_BEST_ACTION", Input{
		History:      history,
		CustomerData: map[string]interface{}{"id": "C1"},
		Extra: map[string]interface{}{
			"LIVE_PROMPTS":      []interface{}{map[string]interface{}{"label": "Empathise", "value": "I hear you"}},
			"ACTION_CANDIDATES": []string{"Run diagnostics", "Check outage"},
		},
	})
	assert.Contains(t, nba, "Live Prompts (agent coaching suggestions): Empathise")
	assert.Contains(t, nba, "Agent Action Candidates: Run diagnostics | Check outage")
	assert.Contains(t, nba, "Knowledge Article Hints: NONE")
	assert.Contains(t, nba, `Customer Data: {"id":"C1"}`)

	compose := s.Build("AGENT_ACTION_COMPOSE", Input{History: history, Extra: map[string]interface{}{
		"ACTION_SUMMARY":  "Line checked",
		"ACTION_FINDINGS": []interface{}{map[string]interface{}{"label": "SNR", "value": "32"}, map[string]interface{}{"value": "ok"}},
	}})
	assert.Contains(t, compose, "Key Findings: SNR=32; Item=ok")

	assert.Equal(t, "Echo conversation: CUSTOMER: My broadband is down\nAGENT: Let me check", s.Build("UNLISTED", Input{History: history}))
}

func TestAgentTask(t *testing.T) {
	s := Load("")

	task, ok := s.AgentTask("AGENT_NETWORK_ACTIONS", Input{History: history, Extra: map[string]interface{}{
		"PREVIOUS_ACTIONS": "exec-1: check licences",
	}})
	require.True(t, ok)
	assert.Contains(t, task, "One SKU per action")
	assert.Contains(t, task, "Previously executed actions:\nexec-1: check licences")

	_, ok = s.AgentTask("ACCOUNT_HEALTH", Input{})
	assert.False(t, ok)
}

func TestDirectoryOverrides(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "AI_SUMMARY.txt"), []byte("custom {{ customerId }}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "AI_SUMMARY_MARKETPLACE.txt"), []byte("market {{ customerId }}"), 0o644))

	s := Load(dir)
	assert.Equal(t, "custom C9", s.Build("AI_SUMMARY", Input{CustomerID: "C9"}))
	assert.Equal(t, "market C9", s.Build("AI_SUMMARY", Input{CustomerID: "C9", Marketplace: true}))

	// Built-in marketplace variant when the directory has none.
	assert.Contains(t, s.Template("AGENT_NETWORK_ACTIONS", true), "Marketplace business customer")
	assert.Contains(t, s.Template("ACCOUNT_HEALTH", true), "account's overall health")
}
