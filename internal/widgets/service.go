package widgets

import "strings"

// ServiceKeywords groups product-name keywords by service category.
type ServiceKeywords map[string][]string

// DefaultServiceKeywords is used when no override is configured.
var DefaultServiceKeywords = ServiceKeywords{
	"broadband": {"broadband", "fiber", "fibre", "internet", "wifi", "fttp", "dsl", "vdsl", "adsl"},
	"mobile":    {"mobile", "cell", "sim", "handset", "5g", "4g"},
	"tv":        {"tv", "television", "settop", "set-top", "decoder", "settopbox"},
}

var categoryPriority = []string{"broadband", "mobile", "tv"}

// ServiceContext is the classification of a customer's product names.
type ServiceContext struct {
	PrimaryCategory string `json:"primaryCategory"`
	DetailedType    string `json:"detailedType"`
}

// ClassifyService infers the primary category and detailed access type of
// a product list. Unknown lists default to Broadband.
func (g ServiceKeywords) ClassifyService(names []string) ServiceContext {
	list := make([]string, len(names))
	for i, n := range names {
		list[i] = strings.ToLower(n)
	}
	hasAny := func(keys []string) bool {
		for _, n := range list {
			for _, k := range keys {
				if strings.Contains(n, k) {
					return true
				}
			}
		}
		return false
	}

	primary := "unknown"
	if len(list) > 0 {
		primary = list[0]
	}
	for _, cat := range categoryPriority {
		if hasAny(g[cat]) {
			primary = cat
			break
		}
	}

	detailed := "Broadband"
	switch {
	case hasAny(g.subset("broadband", "fttp", "fiber", "fibre")):
		detailed = "FTTP"
	case hasAny(g.subset("broadband", "dsl", "vdsl", "adsl")):
		detailed = "DSL"
	case hasAny(g["broadband"]):
		detailed = "Broadband"
	case hasAny(g["mobile"]):
		detailed = "Mobile"
	case hasAny(g["tv"]):
		detailed = "TV"
	}
	return ServiceContext{PrimaryCategory: primary, DetailedType: detailed}
}

// subset returns the keywords of cat that are among want. A category
// missing from g falls back to want itself.
func (g ServiceKeywords) subset(cat string, want ...string) []string {
	keys, ok := g[cat]
	if !ok {
		return want
	}
	var out []string
	for _, k := range keys {
		for _, w := range want {
			if k == w {
				out = append(out, k)
			}
		}
	}
	return out
}

// ClassifyService classifies with the default keyword groups.
func ClassifyService(names []string) ServiceContext {
	return DefaultServiceKeywords.ClassifyService(names)
}

// marketplaceKeywords mark a conversation about marketplace subscriptions.
var marketplaceKeywords = []string{
	"marketplace", "vodafone marketplace", "subscription", "subscriptions", "licence", "license", "licences", "licenses",
	"upgrade", "downgrade", "renewal", "renew", "cancel", "billing", "invoice", "invoices", "charge", "charges",
	"order", "order status", "purchase", "refund", "payment", "trial", "free trial",
	"webex", "microsoft 365", "exchange online", "power bi", "visio", "project", "entra id", "lookout", "teams rooms",
	"app store", "apps", "add user", "remove user", "seats", "seat count", "licence count", "assign licence", "assign license",
}

// IsMarketplace reports whether any turn mentions a marketplace topic.
func IsMarketplace(text string) bool {
	lower := strings.ToLower(text)
	if lower == "" {
		return false
	}
	for _, k := range marketplaceKeywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}
