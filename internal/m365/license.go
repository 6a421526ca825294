package m365

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/normanking/athena/internal/llm"
	"github.com/normanking/athena/internal/prompts"
	"github.com/normanking/athena/internal/repair"
)

// DefaultFuzzyThreshold is the minimum model confidence for a fuzzy SKU pick.
const DefaultFuzzyThreshold = 0.45

// maxCandidates bounds the SKU list shown to the model.
const maxCandidates = 60

type licenseFamily struct {
	key string
	re  *regexp.Regexp
}

var families = []licenseFamily{
	{"e3", regexp.MustCompile(`(?i)ENTERPRISEPACK|O365_E3|SPE_E3`)},
	{"e5", regexp.MustCompile(`(?i)SPE_E5|ENTERPRISEPREMIUM`)},
	{"e5_no_teams", regexp.MustCompile(`(?i)NO_TEAMS|SPE_E5.*NO`)},
	{"teams_enterprise", regexp.MustCompile(`(?i)TEAMS.*ENTERPRISE`)},
}

func familyFor(label string) *regexp.Regexp {
	wanted := ""
	switch {
	case label == "e3" || strings.Contains(label, "microsoft 365 e3") || strings.Contains(label, "office 365 e3"):
		wanted = "e3"
	case label == "e5" || strings.Contains(label, "microsoft 365 e5") || strings.Contains(label, "office 365 e5"):
		wanted = "e5"
		if strings.Contains(label, "no teams") {
			wanted = "e5_no_teams"
		}
	case strings.Contains(label, "no teams"):
		wanted = "e5_no_teams"
	case strings.Contains(label, "teams enterprise"):
		wanted = "teams_enterprise"
	}
	for _, f := range families {
		if f.key == wanted {
			return f.re
		}
	}
	return nil
}

var spaces = regexp.MustCompile(`\s+`)

// MatchSKU resolves a license label with the pattern families, then by
// substring match of the label as a part-number token.
func MatchSKU(label string, skus []SKU) (SKU, bool) {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" {
		return SKU{}, false
	}
	if re := familyFor(label); re != nil {
		for _, s := range skus {
			if re.MatchString(s.SkuPartNumber) {
				return s, true
			}
		}
		return SKU{}, false
	}

	token := strings.ToUpper(spaces.ReplaceAllString(label, "_"))
	for _, s := range skus {
		if strings.Contains(strings.ToUpper(s.SkuPartNumber), token) {
			return s, true
		}
	}
	return SKU{}, false
}

var labelSep = regexp.MustCompile(`(?i)\s*(?:,|\band\b|\bor\b)\s*`)

// SplitLabels splits "E3, E5 and Teams Enterprise" into separate labels.
func SplitLabels(label string) []string {
	var out []string
	for _, p := range labelSep.Split(label, -1) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ═══════════════════════════════════════════════════════════════════════════════
// FUZZY PICK
// ═══════════════════════════════════════════════════════════════════════════════

type candidate struct {
	SkuPartNumber string `json:"skuPartNumber"`
	Enabled       int    `json:"enabled"`
	Consumed      int    `json:"consumed"`
}

type candidateSource []candidate

func (c candidateSource) String(i int) string { return strings.ToLower(c[i].SkuPartNumber) }
func (c candidateSource) Len() int            { return len(c) }

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// rankCandidates orders SKUs by enabled seats then part number, moves
// fuzzy matches of the label to the front and keeps the top 60.
func rankCandidates(label string, skus []SKU) []candidate {
	all := make([]candidate, 0, len(skus))
	for _, s := range skus {
		if s.SkuPartNumber == "" {
			continue
		}
		enabled, consumed, _ := s.Counts()
		all = append(all, candidate{SkuPartNumber: s.SkuPartNumber, Enabled: enabled, Consumed: consumed})
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Enabled != all[j].Enabled {
			return all[i].Enabled > all[j].Enabled
		}
		return all[i].SkuPartNumber < all[j].SkuPartNumber
	})

	query := nonAlnum.ReplaceAllString(strings.ToLower(label), "")
	if query != "" {
		matches := fuzzy.FindFrom(query, candidateSource(all))
		if len(matches) > 0 {
			ranked := make([]candidate, 0, len(all))
			seen := make(map[int]bool, len(matches))
			for _, m := range matches {
				ranked = append(ranked, all[m.Index])
				seen[m.Index] = true
			}
			for i, c := range all {
				if !seen[i] {
					ranked = append(ranked, c)
				}
			}
			all = ranked
		}
	}

	if len(all) > maxCandidates {
		all = all[:maxCandidates]
	}
	return all
}

// Pick is a model-chosen SKU.
type Pick struct {
	SkuPartNumber string
	Confidence    float64
	Reason        string
}

// pickSKU asks the model to choose among ranked candidates. Picks below
// the threshold, or naming a SKU not in the tenant, are rejected.
func (r *Resolver) pickSKU(ctx context.Context, label, utterance string, skus []SKU) (SKU, *Pick, bool) {
	if r.provider == nil || !r.provider.Available() {
		return SKU{}, nil, false
	}
	cands := rankCandidates(label, skus)
	if len(cands) == 0 {
		return SKU{}, nil, false
	}

	lines := make([]string, len(cands))
	for i, c := range cands {
		lines[i] = fmt.Sprintf("%s: %d/%d", c.SkuPartNumber, c.Enabled, c.Consumed)
	}
	prompt := prompts.Render(r.prompts.Template("M365_LICENSE_MATCH", false), map[string]interface{}{
		"LABEL":      label,
		"UTTERANCE":  utterance,
		"CANDIDATES": strings.Join(lines, "\n"),
	})

	out, err := llm.InvokeJSON(ctx, r.provider, &llm.Request{
		Widget:      "M365_LICENSE_MATCH",
		Prompt:      prompt,
		Temperature: 0,
		Attempts:    2,
	})
	if err != nil {
		r.log.Warn("license match failed for %q: %v", label, err)
		return SKU{}, nil, false
	}

	pick := &Pick{
		SkuPartNumber: strings.TrimSpace(repair.FirstString(out, "skuPartNumber")),
		Confidence:    confidenceOf(out["confidence"]),
		Reason:        repair.FirstString(out, "reason"),
	}
	if pick.SkuPartNumber == "" || pick.Confidence < r.threshold {
		r.log.Debug("license match rejected for %q: %s at %.2f", label, pick.SkuPartNumber, pick.Confidence)
		return SKU{}, pick, false
	}
	for _, s := range skus {
		if strings.EqualFold(s.SkuPartNumber, pick.SkuPartNumber) {
			return s, pick, true
		}
	}
	return SKU{}, pick, false
}

// confidenceOf reads a model confidence without defaulting: missing or
// unreadable values count as zero.
func confidenceOf(v interface{}) float64 {
	switch t := v.(type) {
	case nil:
		return 0
	case float64:
		return repair.Confidence(t)
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		if _, err := strconv.ParseFloat(s, 64); err == nil || wordScale.MatchString(s) {
			return repair.Confidence(s)
		}
	}
	return 0
}

var wordScale = regexp.MustCompile(`high|med|low`)

// resolveLicense runs the pattern families then the fuzzy pick.
func (r *Resolver) resolveLicense(ctx context.Context, label, utterance string, skus []SKU) (SKU, bool) {
	if s, ok := MatchSKU(label, skus); ok {
		return s, true
	}
	s, _, ok := r.pickSKU(ctx, label, utterance, skus)
	return s, ok
}
