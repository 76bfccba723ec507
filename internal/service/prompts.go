package service

import "github.com/bricksllm/memtier/internal/domain"

// Prompt keys requested by the assembler. The actual strings come from
// the injected provider; this package only ships a default table.
const (
	PromptConfidenceHigh     = "confidence_high"
	PromptConfidenceMedium   = "confidence_medium"
	PromptConfidenceLow      = "confidence_low"
	PromptPastExperience     = "past_experience"
	PromptPastFailures       = "past_failures"
	PromptPatternRecognition = "pattern_recognition"
	PromptTierRecommendation = "tier_recommendation"
	PromptTopicContinuity    = "topic_continuity"
	PromptClosingDirective   = "closing_directive"
	PromptColdStart          = "cold_start"
)

type staticPrompts struct {
	en map[string]string
	he map[string]string
}

// NewStaticPrompts returns the built-in English/Hebrew template table.
func NewStaticPrompts() domain.PromptProvider {
	return &staticPrompts{
		en: map[string]string{
			PromptConfidenceHigh:     "MEMORY CONTEXT (high confidence - prefer this over tool calls):",
			PromptConfidenceMedium:   "MEMORY CONTEXT (medium confidence - verify before relying on it):",
			PromptConfidenceLow:      "MEMORY CONTEXT (low confidence - treat as hints only):",
			PromptPastExperience:     "Past Experience:",
			PromptPastFailures:       "Past Failures to Avoid:",
			PromptPatternRecognition: "Pattern Recognition:",
			PromptTierRecommendation: "For '%s', check %s (historically %d%% effective)",
			PromptTopicContinuity:    "Continuing topics: %s",
			PromptClosingDirective:   "When confidence is high, answer from memory before reaching for tools.",
			PromptColdStart:          "No stored memory for this user yet.",
		},
		he: map[string]string{
			PromptConfidenceHigh:     "הקשר זיכרון (ביטחון גבוה - העדף אותו על קריאות כלים):",
			PromptConfidenceMedium:   "הקשר זיכרון (ביטחון בינוני - אמת לפני שימוש):",
			PromptConfidenceLow:      "הקשר זיכרון (ביטחון נמוך - התייחס כרמזים בלבד):",
			PromptPastExperience:     "ניסיון קודם:",
			PromptPastFailures:       "כישלונות קודמים שכדאי להימנע מהם:",
			PromptPatternRecognition: "זיהוי דפוסים:",
			PromptTierRecommendation: "עבור '%s', בדוק %s (אפקטיביות היסטורית %d%%)",
			PromptTopicContinuity:    "נושאים בהמשך: %s",
			PromptClosingDirective:   "כשהביטחון גבוה, ענה מהזיכרון לפני שימוש בכלים.",
			PromptColdStart:          "אין עדיין זיכרון שמור עבור משתמש זה.",
		},
	}
}

func (p *staticPrompts) Prompt(key string, lang domain.Language) string {
	if lang == domain.LanguageHebrew {
		if s, ok := p.he[key]; ok {
			return s
		}
	}
	return p.en[key]
}
