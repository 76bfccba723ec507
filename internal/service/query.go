package service

import (
	"strings"

	"github.com/bricksllm/memtier/internal/domain"
	"github.com/bricksllm/memtier/internal/lexical"
)

// Dynamic result limits chosen from query shape. These heuristics are the
// only place query-shape policy lives.
const (
	limitListAll  = 20
	limitIdentity = 5
	limitHowTo    = 12
	limitDefault  = 10
)

// QueryProfile is the output of query understanding, consumed by the
// pipeline and the assembler.
type QueryProfile struct {
	Language domain.Language
	Specific bool
	Temporal bool
	Limit    int
	Entities []string
	Concepts []string
}

var listAllMarkers = []string{
	"show all", "list all", "list my", "everything you know",
	"הצג הכל", "כל מה ש", "רשימה של",
}

var identityMarkers = []string{
	"who am i", "what is my name", "what's my name", "my name is",
	"מי אני", "איך קוראים לי", "מה השם שלי",
}

var howToMarkers = []string{
	"how do i", "how to", "how can i", "how should i",
	"איך", "כיצד",
}

var demonstrativeMarkers = []string{
	"this one", "that one", "the one i", "the same",
	"זה ש", "ההוא", "אותו אחד",
}

// AnalyzeQuery classifies the query and picks entity words and concepts
// for downstream stages.
func AnalyzeQuery(query string, temporalKeywords []string) QueryProfile {
	lower := strings.ToLower(strings.TrimSpace(query))

	p := QueryProfile{
		Language: domain.DetectLanguage(query),
		Limit:    limitDefault,
	}

	switch {
	case containsAny(lower, listAllMarkers):
		p.Limit = limitListAll
	case containsAny(lower, identityMarkers):
		p.Limit = limitIdentity
		p.Specific = true
	case containsAny(lower, howToMarkers):
		p.Limit = limitHowTo
	}

	if hasQuotedSpan(query, '"') || hasQuotedSpan(query, '\'') {
		p.Specific = true
	}
	if containsAny(lower, demonstrativeMarkers) {
		p.Specific = true
	}
	p.Temporal = containsAny(lower, lowerAll(temporalKeywords))

	p.Entities = extractEntityWords(query)
	p.Concepts = extractConcepts(lower)
	return p
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func lowerAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = strings.ToLower(s)
	}
	return out
}

func hasQuotedSpan(s string, q byte) bool {
	first := strings.IndexByte(s, q)
	if first < 0 {
		return false
	}
	return strings.IndexByte(s[first+1:], q) > 0
}

// extractEntityWords picks low-cardinality tokens for the vector-index
// entity pre-filter: quoted spans and capitalized words, normalized.
func extractEntityWords(query string) []string {
	var raw []string

	rest := query
	for {
		start := strings.IndexByte(rest, '"')
		if start < 0 {
			break
		}
		end := strings.IndexByte(rest[start+1:], '"')
		if end < 0 {
			break
		}
		raw = append(raw, rest[start+1:start+1+end])
		rest = rest[start+1+end+1:]
	}

	for _, tok := range strings.Fields(query) {
		tok = strings.Trim(tok, `.,;:!?"'()`)
		if len(tok) > 2 && tok[0] >= 'A' && tok[0] <= 'Z' {
			raw = append(raw, tok)
		}
	}
	return domain.NormalizeEntities(raw)
}

var conceptStopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "what": true,
	"when": true, "where": true, "how": true, "why": true, "who": true,
	"should": true, "would": true, "could": true, "best": true, "way": true,
	"you": true, "your": true, "are": true, "was": true, "this": true,
	"that": true, "about": true, "have": true, "does": true, "can": true,
	"מה": true, "איך": true, "למה": true, "מתי": true, "איפה": true,
	"של": true, "את": true, "על": true, "עם": true, "אני": true,
}

// extractConcepts keeps the content-bearing tokens of the query, used
// for topic continuity and tier recommendations.
func extractConcepts(lower string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, tok := range lexical.Tokenize(lower) {
		if conceptStopwords[tok] || len([]rune(tok)) < 3 || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}
