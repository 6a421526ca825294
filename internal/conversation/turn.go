// Package conversation defines the transcript types shared by the state
// store, prompt builders and resolver.
package conversation

import (
	"regexp"
	"strings"
	"time"
)

// Role identifies who spoke a turn.
type Role string

const (
	RoleAgent    Role = "agent"
	RoleCustomer Role = "customer"
)

// Turn is one utterance. Turns are append-only and never mutated.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"ts,omitempty"`
}

// History is an ordered transcript, oldest first.
type History []Turn

// Render formats the transcript as "ROLE: content" lines.
func (h History) Render() string {
	lines := make([]string, 0, len(h))
	for _, t := range h {
		lines = append(lines, strings.ToUpper(string(t.Role))+": "+t.Content)
	}
	return strings.Join(lines, "\n")
}

// Text joins all turn contents with newlines.
func (h History) Text() string {
	parts := make([]string, 0, len(h))
	for _, t := range h {
		parts = append(parts, t.Content)
	}
	return strings.Join(parts, "\n")
}

// Tail returns the last n turns.
func (h History) Tail(n int) History {
	if n <= 0 || len(h) == 0 {
		return History{}
	}
	if len(h) <= n {
		return h
	}
	return h[len(h)-n:]
}

// LastCustomer returns the most recent customer utterance, trimmed.
func (h History) LastCustomer() string {
	for i := len(h) - 1; i >= 0; i-- {
		if strings.EqualFold(string(h[i].Role), string(RoleCustomer)) {
			return strings.TrimSpace(h[i].Content)
		}
	}
	return ""
}

// Last returns the final turn and whether one exists.
func (h History) Last() (Turn, bool) {
	if len(h) == 0 {
		return Turn{}, false
	}
	return h[len(h)-1], true
}

// ═══════════════════════════════════════════════════════════════════════════════
// IDENTIFIER EXTRACTION
// ═══════════════════════════════════════════════════════════════════════════════

// UPNPattern matches a user principal name / email address.
var UPNPattern = regexp.MustCompile(`(?i)[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}`)

// "Anushka Sen (anushkas@tenant.onmicrosoft.com)", closing paren optional
var nameBeforeUPN = regexp.MustCompile(`(?i)\b([A-Za-z][A-Za-z.'-]+(?:\s+[A-Za-z][A-Za-z.'-]+){0,4})\s*\(\s*[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}(?:\s*\))?`)

// ExtractUPN returns the first UPN in text.
func ExtractUPN(text string) string {
	return UPNPattern.FindString(text)
}

// ExtractDisplayName returns the name written in front of a parenthesised UPN.
func ExtractDisplayName(text string) string {
	m := nameBeforeUPN.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}
