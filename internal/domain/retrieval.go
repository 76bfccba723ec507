package domain

import (
	"time"

	"github.com/google/uuid"
)

type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Upgrade moves the label one step up, capped at high.
func (c Confidence) Upgrade() Confidence {
	switch c {
	case ConfidenceLow:
		return ConfidenceMedium
	case ConfidenceMedium:
		return ConfidenceHigh
	}
	return ConfidenceHigh
}

// Downgrade moves the label one step down, floored at low.
func (c Confidence) Downgrade() Confidence {
	switch c {
	case ConfidenceHigh:
		return ConfidenceMedium
	case ConfidenceMedium:
		return ConfidenceLow
	}
	return ConfidenceLow
}

// Fallback reasons recorded in DebugInfo.FallbacksUsed.
const (
	FallbackColdStart     = "cold_start"
	FallbackNoVector      = "no_vector"
	FallbackRerankSkipped = "rerank_skipped"
	FallbackLexicalOnly   = "lexical_only"
	FallbackCanceled      = "canceled"
)

type RecentMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type PrefetchRequest struct {
	UserID         string          `json:"user_id"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Query          string          `json:"query"`
	RecentMessages []RecentMessage `json:"recent_messages,omitempty"`
	HasDocuments   bool            `json:"has_documents"`
	Limit          int             `json:"limit,omitempty"`
}

type DebugInfo struct {
	StageTimingsMS map[string]int64 `json:"stage_timings_ms,omitempty"`
	FallbacksUsed  []string         `json:"fallbacks_used,omitempty"`
	Errors         []string         `json:"errors,omitempty"`
	Confidence     Confidence       `json:"confidence"`
}

type Citation struct {
	MemoryID uuid.UUID `json:"memory_id"`
	Tier     Tier      `json:"tier"`
	Source   Source    `json:"source"`
	Snippet  string    `json:"snippet,omitempty"`
}

type PrefetchResult struct {
	InjectionText string     `json:"injection_text"`
	Confidence    Confidence `json:"confidence"`
	Citations     []Citation `json:"citations,omitempty"`
	Debug         DebugInfo  `json:"debug"`
}

type SortBy string

const (
	SortByRelevance SortBy = "relevance"
	SortByRecency   SortBy = "recency"
	SortByScore     SortBy = "score"
)

func ValidSortBy(s string) bool {
	switch SortBy(s) {
	case SortByRelevance, SortByRecency, SortByScore:
		return true
	}
	return false
}

type SearchRequest struct {
	UserID   string            `json:"user_id"`
	Query    string            `json:"query"`
	Tiers    []Tier            `json:"tiers,omitempty"`
	Limit    int               `json:"limit,omitempty"`
	SortBy   SortBy            `json:"sort_by,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ScoreSummary is the full per-result score breakdown exposed to callers.
type ScoreSummary struct {
	FinalScore          float64        `json:"final_score"`
	EmbeddingSimilarity float64        `json:"embedding_similarity,omitempty"`
	LearnedScore        float64        `json:"learned_score,omitempty"`
	DenseSimilarity     float64        `json:"dense_similarity,omitempty"`
	TextSimilarity      float64        `json:"text_similarity,omitempty"`
	RRFScore            float64        `json:"rrf_score,omitempty"`
	CEScore             float64        `json:"ce_score,omitempty"`
	QualityScore        float64        `json:"quality_score,omitempty"`
	EntityBoost         float64        `json:"entity_boost,omitempty"`
	EmbeddingWeight     float64        `json:"embedding_weight,omitempty"`
	LearnedWeight       float64        `json:"learned_weight,omitempty"`
	Ranks               map[string]int `json:"ranks,omitempty"`
	Uses                int            `json:"uses"`
	WilsonScore         float64        `json:"wilson_score"`
	LastOutcome         Outcome        `json:"last_outcome,omitempty"`
	AgeSeconds          int64          `json:"age_seconds"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

type SearchResult struct {
	Position  int          `json:"position"`
	Tier      Tier         `json:"tier"`
	MemoryID  uuid.UUID    `json:"memory_id"`
	Score     ScoreSummary `json:"score_summary"`
	Content   string       `json:"content"`
	Preview   string       `json:"preview,omitempty"`
	Citations []Citation   `json:"citations,omitempty"`
}

type SearchResponse struct {
	Results []SearchResult `json:"results"`
	Debug   DebugInfo      `json:"debug"`
}

// FailedOutcome is a recent failure surfaced by context assembly.
type FailedOutcome struct {
	MemoryID   uuid.UUID `json:"memory_id"`
	Text       string    `json:"text"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// TierEffectiveness aggregates action outcomes per concept and tier.
type TierEffectiveness struct {
	Concept     string  `json:"concept"`
	BestTier    Tier    `json:"best_tier"`
	SuccessRate float64 `json:"success_rate"`
	Samples     int     `json:"samples"`
}
