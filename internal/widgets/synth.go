package widgets

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/normanking/athena/internal/repair"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DEMOGRAPHICS
// ═══════════════════════════════════════════════════════════════════════════════

// Address is a redacted postal address.
type Address struct {
	Line1    string `json:"line1"`
	City     string `json:"city"`
	Region   string `json:"region"`
	Postcode string `json:"postcode"`
}

// Demographics is the CUSTOMER_360_DEMOGRAPHICS payload.
type Demographics struct {
	FirstName string  `json:"firstName"`
	LastName  string  `json:"lastName"`
	Gender    string  `json:"gender"`
	Address   Address `json:"address"`
}

var (
	firstNamesMale   = []string{"James", "Oliver", "Henry", "Leo", "Arthur", "Oscar", "Ethan", "Harrison", "Lucas", "Finley"}
	firstNamesFemale = []string{"Amelia", "Olivia", "Isla", "Ava", "Mia", "Freya", "Lily", "Emily", "Sophie", "Grace"}
	lastNames        = []string{"Johnson", "Taylor", "Brown", "Wilson", "Thompson", "White", "Walker", "Roberts", "Edwards", "Hughes"}
	cities           = []string{"London", "Manchester", "Birmingham", "Leeds", "Glasgow", "Bristol", "Liverpool", "Edinburgh", "Cardiff", "Sheffield"}
	regions          = []string{"Greater London", "Greater Manchester", "West Midlands", "West Yorkshire", "Scotland", "South West", "Merseyside", "Scotland", "Wales", "South Yorkshire"}
)

var nonDigit = regexp.MustCompile(`\D`)

// SyntheticDemographics derives stable demographics from a customer id.
// The gender follows the parity of the id's last digit; ids without
// digits are treated as odd.
func SyntheticDemographics(customerID string) Demographics {
	h := uint64(repair.SeedHash(customerID))
	pick := func(arr []string, offset uint64) string { return arr[(h+offset)%uint64(len(arr))] }

	gender := "male"
	if digits := nonDigit.ReplaceAllString(customerID, ""); digits != "" {
		if d, err := strconv.Atoi(digits[len(digits)-1:]); err == nil && d%2 == 0 {
			gender = "female"
		}
	}
	first := pick(firstNamesMale, 0)
	if gender == "female" {
		first = pick(firstNamesFemale, 0)
	}

	return Demographics{
		FirstName: first,
		LastName:  pick(lastNames, 7),
		Gender:    gender,
		Address: Address{
			Line1:    "*** Redacted Street ***",
			City:     pick(cities, 13),
			Region:   pick(regions, 17),
			Postcode: fmt.Sprintf("GB%d", h%9000+1000),
		},
	}
}

// CompleteDemographics returns the demographics to publish for a model
// result. A failed or missing result is replaced by the synthetic record;
// an object without firstName is layered over it.
func CompleteDemographics(customerID string, r Result, present bool) Result {
	synth := SyntheticDemographics(customerID)
	if !present || r.Failed() {
		return Ok(synth)
	}
	demo := asObject(r.Value)
	if demo == nil {
		return Ok(synth)
	}
	if s, ok := demo["firstName"].(string); ok && s != "" {
		return r
	}
	merged := asObject(synth)
	for k, v := range demo {
		merged[k] = v
	}
	return Ok(merged)
}

// ═══════════════════════════════════════════════════════════════════════════════
// CARDS
// ═══════════════════════════════════════════════════════════════════════════════

// GeoServiceCard carries location and access network context for outage
// and maintenance lookups.
type GeoServiceCard struct {
	Region           string `json:"region"`
	PostalCode       string `json:"postalCode"`
	City             string `json:"city"`
	ServiceType      string `json:"serviceType,omitempty"`
	CabinetID        string `json:"cabinetId"`
	ExchangeID       string `json:"exchangeId"`
	ShortDescription string `json:"shortDescription"`
	Summary          string `json:"summary"`
}

var nonUpper = regexp.MustCompile(`[^A-Z]`)

// GeoCard builds the geo/service card from an address and product names.
// Missing address parts fall back to values seeded from the customer id.
func GeoCard(customerID string, addr Address, products []string) GeoServiceCard {
	h := repair.SeedHash(customerID)
	serviceType := ClassifyService(products).DetailedType

	city := addr.City
	if city == "" {
		city = "UK"
		if fields := strings.Fields(addr.Region); len(fields) > 0 {
			city = fields[0]
		}
	}
	code := nonUpper.ReplaceAllString(strings.ToUpper(city), "")
	if len(code) > 3 {
		code = code[:3]
	}
	if code == "" {
		code = "UK"
	}

	region := addr.Region
	if region == "" {
		region = "Greater London"
	}
	postal := addr.Postcode
	if postal == "" {
		postal = fmt.Sprintf("GB%d", h%9000+1000)
	}

	where := addr.Region
	if where == "" {
		where = addr.City
	}
	if where == "" {
		where = "region unknown"
	}
	label := serviceType
	if label == "" {
		label = "Service"
	}
	sumRegion := addr.Region
	if sumRegion == "" {
		sumRegion = "—"
	}
	sumPost := ""
	if addr.Postcode != "" {
		sumPost = "(" + addr.Postcode + ")"
	}
	sumType := serviceType
	if sumType == "" {
		sumType = "—"
	}

	return GeoServiceCard{
		Region:           region,
		PostalCode:       postal,
		City:             city,
		ServiceType:      serviceType,
		CabinetID:        fmt.Sprintf("CAB-%s-%d/%d", code, h%60+1, (h/7)%12+1),
		ExchangeID:       fmt.Sprintf("%s-EX%d", code, (h/13)%80+10),
		ShortDescription: repair.Truncate(fmt.Sprintf("%s in %s", label, where), 80),
		Summary:          repair.Truncate(fmt.Sprintf("Context for outages/maintenance: %s %s; service=%s", sumRegion, sumPost, sumType), 200),
	}
}

// TicketsCard summarises open tickets and SLA posture.
type TicketsCard struct {
	OpenCount        int    `json:"openCount"`
	OldestDays       int    `json:"oldestDays"`
	Priority         string `json:"priority"`
	SLA              string `json:"sla"`
	LastAction       string `json:"lastAction"`
	Owner            string `json:"owner"`
	ShortDescription string `json:"shortDescription"`
	Summary          string `json:"summary"`
}

var (
	ticketPriorities = []string{"Low", "Medium", "High"}
	ticketOwners     = []string{"Tier 1", "Tier 2", "Back Office", "Field Ops"}
	ticketActions    = []string{"Awaiting customer response", "Pending vendor", "Diagnostics run", "Engineer scheduled", "Monitoring stability", "Parts on order"}
)

// Tickets derives the tickets card from the customer id.
func Tickets(customerID string) TicketsCard {
	h := repair.SeedHash(customerID)
	open := int(h%3) + 1
	oldest := 1 + int((h>>3)%18)
	priority := ticketPriorities[(h>>5)%3]
	owner := ticketOwners[(h>>7)%4]
	last := ticketActions[(h>>9)%6]

	sla := "Within SLA"
	switch {
	case oldest > 10:
		sla = "At Risk"
	case oldest > 5:
		sla = "Watch"
	}
	plural := ""
	if open > 1 {
		plural = "s"
	}

	return TicketsCard{
		OpenCount:        open,
		OldestDays:       oldest,
		Priority:         priority,
		SLA:              sla,
		LastAction:       last,
		Owner:            owner,
		ShortDescription: repair.Truncate(fmt.Sprintf("%d open ticket%s • %s • %s", open, plural, priority, sla), 80),
		Summary:          repair.Truncate(fmt.Sprintf("Tickets: %d open; oldest %dd; priority %s; SLA %s; last: %s (owner %s)", open, oldest, priority, sla, last, owner), 200),
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// WORDCLOUD
// ═══════════════════════════════════════════════════════════════════════════════

// MaxWords caps the wordcloud.
const MaxWords = 40

var wordSplit = regexp.MustCompile(`\W+`)

// Wordcloud returns the distinct words of the given phrases in first-seen
// order, capped at MaxWords.
func Wordcloud(phrases ...string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range wordSplit.Split(strings.Join(phrases, " "), -1) {
		if w == "" || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
		if len(out) == MaxWords {
			break
		}
	}
	return out
}
