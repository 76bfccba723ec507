package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ItemQuery is a filtered scan over the record store. Results are ordered
// by (updated_at desc, memory_id) so scans are deterministic.
type ItemQuery struct {
	UserID       string
	Tiers        []Tier
	Status       *Status
	Tags         []string
	Since        *time.Time
	NeedsReindex *bool
	AlwaysInject *bool
	Limit        int

	// Keyset cursor for paging: rows strictly after (CursorAt, CursorID)
	// in the (updated_at desc, memory_id asc) order.
	CursorAt *time.Time
	CursorID *uuid.UUID
}

// TierCounts is a per-tier breakdown of item counts and success rates.
type TierCounts struct {
	Active      int     `json:"active"`
	Archived    int     `json:"archived"`
	SuccessRate float64 `json:"success_rate"`
}

// RecordStore is the authoritative durable store for memory items. Every
// write is durable before it returns.
type RecordStore interface {
	Insert(ctx context.Context, item *MemoryItem) error
	GetByID(ctx context.Context, userID string, id uuid.UUID) (*MemoryItem, error)
	GetByIDs(ctx context.Context, userID string, ids []uuid.UUID) ([]MemoryItem, error)
	Query(ctx context.Context, q ItemQuery) ([]MemoryItem, error)

	// ApplyOutcome atomically increments the matching counter and uses,
	// stamps last_used_at and recomputes success_rate and wilson_score.
	ApplyOutcome(ctx context.Context, id uuid.UUID, outcome Outcome, at time.Time) (*MemoryItem, error)

	UpdateStatus(ctx context.Context, id uuid.UUID, status Status, reason string) error
	UpdateTier(ctx context.Context, id uuid.UUID, tier Tier, expiresAt *time.Time) error
	UpdateContent(ctx context.Context, id uuid.UUID, text string, tags []string) error

	MarkForReindex(ctx context.Context, id uuid.UUID, reason string) error
	// SanitizeContent replaces the text with a cleaned copy, keeping the
	// original under a backup column, and flags the row for reindexing.
	SanitizeContent(ctx context.Context, id uuid.UUID, cleanText, originalText string) error
	// StoreEmbedding persists the durable embedding copy and clears the
	// reindex flag.
	StoreEmbedding(ctx context.Context, id uuid.UUID, vector []float32, meta EmbeddingMeta) error
	GetEmbedding(ctx context.Context, id uuid.UUID) ([]float32, error)

	ListUsers(ctx context.Context) ([]string, error)
	CountByTier(ctx context.Context, userID string) (map[Tier]TierCounts, error)
	DeleteByUser(ctx context.Context, userID string) (int64, error)

	// WithItemLock serializes outcome and promotion writes for one item.
	WithItemLock(ctx context.Context, id uuid.UUID, fn func(ctx context.Context) error) error
}

type GhostStore interface {
	Ghost(ctx context.Context, e *GhostEntry) error
	Restore(ctx context.Context, userID string, id uuid.UUID) error
	List(ctx context.Context, userID string) ([]GhostEntry, error)
	ClearByTier(ctx context.Context, userID string, tier Tier) (int64, error)
}

type OutcomeLogStore interface {
	Append(ctx context.Context, e *OutcomeEvent) error
	RecentFailed(ctx context.Context, userID string, since time.Time, limit int) ([]FailedOutcome, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]OutcomeEvent, error)
	CountByUser(ctx context.Context, userID string) (int, error)
}

type ActionOutcomeStore interface {
	Append(ctx context.Context, a *ActionOutcome) error
	EffectivenessByConcept(ctx context.Context, userID string) ([]TierEffectiveness, error)
}

type KgStore interface {
	UpsertNode(ctx context.Context, n *KgNode) error
	UpsertEdge(ctx context.Context, e *KgEdge) error
	NodesByUser(ctx context.Context, userID string) ([]KgNode, error)
	EdgesByUser(ctx context.Context, userID string) ([]KgEdge, error)
	DeleteByUser(ctx context.Context, userID string) (int64, error)
}

type CheckpointStore interface {
	Save(ctx context.Context, cp *ReindexCheckpoint) error
	Latest(ctx context.Context, userID string, tier Tier) (*ReindexCheckpoint, error)
	Clear(ctx context.Context, jobID uuid.UUID) error
}

type ConsistencyLogStore interface {
	Append(ctx context.Context, l *ConsistencyLog) error
	Recent(ctx context.Context, limit int) ([]ConsistencyLog, error)
}

type ProfileStore interface {
	Get(ctx context.Context, userID string) (*UserProfile, error)
	Upsert(ctx context.Context, p *UserProfile) error
	IncrementMessageCount(ctx context.Context, userID string) (int, error)
}

// PointPayload is the filterable payload stored with each vector point.
type PointPayload struct {
	UserID       string   `json:"user_id"`
	Tier         Tier     `json:"tier"`
	Status       Status   `json:"status"`
	Tags         []string `json:"tags,omitempty"`
	Entities     []string `json:"entities,omitempty"`
	QualityScore float64  `json:"quality_score"`
	ContentHash  string   `json:"content_hash,omitempty"`
}

type VectorPoint struct {
	ID      uuid.UUID
	Vector  []float32
	Payload PointPayload
}

type VectorHit struct {
	ID      uuid.UUID
	Score   float64 // cosine similarity
	Payload PointPayload
}

type VectorSearch struct {
	UserID    string
	Vector    []float32
	Limit     int
	Tiers     []Tier
	Statuses  []Status
	Tags      []string
	MinScore  float64
	FilterIDs []uuid.UUID // entity pre-filter candidate set
}

// VectorIndex is the approximate-nearest-neighbor index. Upserts are
// idempotent per memory id; vectors of the wrong dimension are rejected.
type VectorIndex interface {
	EnsureSchema(ctx context.Context, dim int) error
	Upsert(ctx context.Context, p VectorPoint) error
	UpsertBatch(ctx context.Context, ps []VectorPoint) error
	Search(ctx context.Context, q VectorSearch) ([]VectorHit, error)
	FilterByEntities(ctx context.Context, userID string, entityWords []string, limit int) ([]uuid.UUID, error)
	Delete(ctx context.Context, ids []uuid.UUID) error
	DeleteByFilter(ctx context.Context, userID string, tier *Tier, status *Status) error
	Scroll(ctx context.Context, userID string, pageSize int, cursor string) ([]VectorHit, string, error)
	Count(ctx context.Context, userID string) (uint64, error)
}

type LexicalHit struct {
	ID    uuid.UUID
	Score float64
}

// LexicalIndex is a per-user term scorer over active item text. It may be
// an in-memory structure rebuilt on invalidation.
type LexicalIndex interface {
	Score(ctx context.Context, userID, query string, limit int) ([]LexicalHit, error)
	InvalidateUser(userID string)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dim() int
	Model() string
}

type Reranker interface {
	// Rerank scores (query, passage) pairs with a cross encoder and
	// returns one score per passage in input order.
	Rerank(ctx context.Context, query string, passages []string) ([]float64, error)
}

type Summarizer interface {
	// ContextPrefix generates a short contextual prefix for a chunk.
	// Failures return an empty string, never an error the caller must
	// branch on.
	ContextPrefix(ctx context.Context, chunk, docContext string) string
}

// PromptProvider resolves labeled template strings by key and language.
// The static prompt tables live outside the core.
type PromptProvider interface {
	Prompt(key string, lang Language) string
}
