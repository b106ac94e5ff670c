package routing

import (
	"strings"
)

// Query categories produced by classification.
const (
	CategoryResearch  = "research"
	CategoryPricing   = "pricing"
	CategoryTechnical = "technical"
	CategoryNews      = "news"
	CategoryGeneral   = "general"
)

// Classification is the routing decision derived from query text alone.
type Classification struct {
	RequiresDeepResearch bool   `json:"requires_deep_research"`
	Category             string `json:"category"`
}

// Keyword tables are read-only after initialization.
var (
	// Explicit research intent. Any match routes to the deep research
	// provider regardless of length.
	researchPhrases = []string{
		"deep research",
		"in-depth",
		"comprehensive",
		"research report",
		"literature review",
		"competitive landscape",
		"market analysis",
		"market research",
		"state of the art",
		"deep dive",
	}

	// Recency terms. Answering these needs live web data, which only the
	// research provider has.
	recencyTerms = []string{
		"latest",
		"news",
		"recent",
		"current",
		"today",
		"this week",
		"this month",
		"announced",
		"just released",
	}

	pricingTerms = []string{
		"price",
		"pricing",
		"cost",
		"how much",
		"cheaper",
		"subscription",
		"per month",
		"per seat",
		"discount",
	}

	technicalTerms = []string{
		"how do i",
		"error",
		"bug",
		"code",
		"api",
		"implement",
		"debug",
		"configure",
		"deploy",
		"integrate",
	}
)

// Long multi-clause queries are treated as research work even without an
// explicit research phrase.
const (
	longQueryWords   = 40
	longQueryClauses = 2
)

// Classify categorizes a query using keyword heuristics. It is a pure
// function: no I/O, no error cases, deterministic for a given input.
//
// Classification rules (in order of priority):
//  1. Research: explicit research phrases -> deep research
//  2. News: recency terms -> deep research (needs live data)
//  3. Pricing: cost and subscription vocabulary
//  4. Technical: implementation and debugging vocabulary
//  5. Long-form: 40+ words across several clauses -> deep research
//  6. General: default fallback, no deep research
func Classify(query string) Classification {
	q := strings.ToLower(query)

	if containsAny(q, researchPhrases) {
		return Classification{RequiresDeepResearch: true, Category: CategoryResearch}
	}

	if containsAny(q, recencyTerms) {
		return Classification{RequiresDeepResearch: true, Category: CategoryNews}
	}

	if containsAny(q, pricingTerms) {
		return Classification{Category: CategoryPricing}
	}

	if containsAny(q, technicalTerms) {
		return Classification{Category: CategoryTechnical}
	}

	if wordCount(query) >= longQueryWords && clauseCount(q) >= longQueryClauses {
		return Classification{RequiresDeepResearch: true, Category: CategoryResearch}
	}

	return Classification{Category: CategoryGeneral}
}

func containsAny(q string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(q, keyword) {
			return true
		}
	}
	return false
}

// wordCount returns the number of whitespace-separated words.
func wordCount(s string) int {
	return len(strings.Fields(s))
}

// clauseCount approximates how many clauses a query carries by counting
// clause separators.
func clauseCount(q string) int {
	return strings.Count(q, ",") + strings.Count(q, ";") + strings.Count(q, "?")
}
