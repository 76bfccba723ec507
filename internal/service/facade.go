package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bricksllm/memtier/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultPrefetchTimeout = 6 * time.Second
	defaultSearchTimeout   = 15 * time.Second

	// defaultMessageTrigger is how many recorded messages elapse between
	// opportunistic promotion cycles for a user.
	defaultMessageTrigger = 20

	alwaysInjectCap = 5

	defaultColdStartLimit = 5
	defaultColdStartQuery = "user preferences and goals"
)

// EngineOptions are the facade-level knobs. Retrieval-internal tuning
// lives in PipelineOptions.
type EngineOptions struct {
	PrefetchTimeout  time.Duration
	SearchTimeout    time.Duration
	DefaultSortBy    domain.SortBy
	MessageTrigger   int
	TemporalKeywords []string

	// Cold-start seeding: when a query surfaces nothing, retry with
	// ColdStartQuery and wrap whatever renders in the header/footer.
	ColdStartLimit  int
	ColdStartQuery  string
	ColdStartHeader string
	ColdStartFooter string
}

func DefaultEngineOptions() EngineOptions {
	return EngineOptions{
		PrefetchTimeout: defaultPrefetchTimeout,
		SearchTimeout:   defaultSearchTimeout,
		DefaultSortBy:   domain.SortByRelevance,
		MessageTrigger:  defaultMessageTrigger,
		ColdStartLimit:  defaultColdStartLimit,
		ColdStartQuery:  defaultColdStartQuery,
	}
}

// StoreRequest is one item to persist. The durable write always
// succeeds or fails atomically; indexing is best effort and deferred to
// the reindexer when the embedder is down.
type StoreRequest struct {
	UserID       string         `json:"user_id"`
	Text         string         `json:"text"`
	Tier         domain.Tier    `json:"tier"`
	Tags         []string       `json:"tags,omitempty"`
	Entities     []string       `json:"entities,omitempty"`
	Source       domain.Source  `json:"source"`
	Quality      domain.Quality `json:"quality"`
	AlwaysInject bool           `json:"always_inject,omitempty"`
	ExpiresAt    *time.Time     `json:"expires_at,omitempty"`

	// DocContext is the surrounding document for chunked document-tier
	// writes; it feeds the contextual summary prefix.
	DocContext string `json:"doc_context,omitempty"`
}

// StatsSnapshot is the per-user operational summary.
type StatsSnapshot struct {
	UserID              string                            `json:"user_id"`
	Tiers               map[domain.Tier]domain.TierCounts `json:"tiers"`
	OutcomeEvents       int                               `json:"outcome_events"`
	VectorPoints        uint64                            `json:"vector_points"`
	VectorStageDisabled bool                              `json:"vector_stage_disabled"`
	EmbedCacheHitRate   float64                           `json:"embed_cache_hit_rate"`
	TierEffectiveness   []domain.TierEffectiveness        `json:"tier_effectiveness,omitempty"`
}

// CacheStats is satisfied by the caching embedder wrapper.
type CacheStats interface {
	HitRate() float64
}

// Engine is the single entry point callers integrate against. It owns
// request deadlines and composes the pipeline, assembler, recorder,
// promoter, reindexer, checker and backup services.
type Engine struct {
	pipeline  *Pipeline
	assembler *ContextAssembler
	recorder  *OutcomeRecorder
	ghosts    *GhostRegistry
	promoter  *Promoter
	reindexer *Reindexer
	checker   *ConsistencyChecker
	backup    *BackupService

	records    domain.RecordStore
	vectors    domain.VectorIndex
	lexical    domain.LexicalIndex
	embedder   domain.Embedder
	summarizer domain.Summarizer
	outcomes   domain.OutcomeLogStore
	actions    domain.ActionOutcomeStore
	profiles   domain.ProfileStore

	cacheStats CacheStats

	opts   EngineOptions
	logger *zap.Logger
}

type EngineDeps struct {
	Pipeline  *Pipeline
	Assembler *ContextAssembler
	Recorder  *OutcomeRecorder
	Ghosts    *GhostRegistry
	Promoter  *Promoter
	Reindexer *Reindexer
	Checker   *ConsistencyChecker
	Backup    *BackupService

	Records    domain.RecordStore
	Vectors    domain.VectorIndex
	Lexical    domain.LexicalIndex
	Embedder   domain.Embedder
	Summarizer domain.Summarizer
	Outcomes   domain.OutcomeLogStore
	Actions    domain.ActionOutcomeStore
	Profiles   domain.ProfileStore

	CacheStats CacheStats
}

func NewEngine(deps EngineDeps, opts EngineOptions, logger *zap.Logger) *Engine {
	if opts.PrefetchTimeout <= 0 {
		opts.PrefetchTimeout = defaultPrefetchTimeout
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = defaultSearchTimeout
	}
	if opts.DefaultSortBy == "" {
		opts.DefaultSortBy = domain.SortByRelevance
	}
	if opts.MessageTrigger <= 0 {
		opts.MessageTrigger = defaultMessageTrigger
	}
	if opts.ColdStartLimit <= 0 {
		opts.ColdStartLimit = defaultColdStartLimit
	}
	return &Engine{
		pipeline:   deps.Pipeline,
		assembler:  deps.Assembler,
		recorder:   deps.Recorder,
		ghosts:     deps.Ghosts,
		promoter:   deps.Promoter,
		reindexer:  deps.Reindexer,
		checker:    deps.Checker,
		backup:     deps.Backup,
		records:    deps.Records,
		vectors:    deps.Vectors,
		lexical:    deps.Lexical,
		embedder:   deps.Embedder,
		summarizer: deps.Summarizer,
		outcomes:   deps.Outcomes,
		actions:    deps.Actions,
		profiles:   deps.Profiles,
		cacheStats: deps.CacheStats,
		opts:       opts,
		logger:     logger,
	}
}

// PrefetchContext runs the full retrieval pipeline and renders the
// injection block. Cancellation never surfaces as an error: callers on
// the chat hot path get a well-formed empty result instead.
func (e *Engine) PrefetchContext(ctx context.Context, req domain.PrefetchRequest) (*domain.PrefetchResult, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: empty user id", domain.ErrInvalidInput)
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.PrefetchTimeout)
	defer cancel()

	profile := AnalyzeQuery(req.Query, e.opts.TemporalKeywords)
	if req.Limit > 0 {
		profile.Limit = req.Limit
	}

	set, err := e.pipeline.Retrieve(ctx, req.UserID, req.Query, profile, nil, profile.Limit, domain.SortByRelevance)
	if err != nil {
		if canceled(ctx, err) {
			return canceledResult(), nil
		}
		return nil, err
	}

	e.mergeAlwaysInject(ctx, req.UserID, set)

	coldStart := len(set.Results) == 0
	if coldStart && e.opts.ColdStartQuery != "" {
		if seeded := e.coldStartSeed(ctx, req.UserID); seeded != nil {
			set = seeded
		}
	}

	confidence := set.Debug.Confidence
	text, citations := e.assembler.Assemble(ctx, req.UserID, profile, set, req.RecentMessages, confidence)
	if coldStart {
		text = e.wrapColdStart(text)
	}
	if ctx.Err() != nil {
		return canceledResult(), nil
	}

	return &domain.PrefetchResult{
		InjectionText: text,
		Confidence:    confidence,
		Citations:     citations,
		Debug:         set.Debug,
	}, nil
}

// coldStartSeed retries retrieval with the configured seed query after
// the user's own query surfaced nothing. Whatever the seed finds stays
// labeled low confidence with the cold_start fallback.
func (e *Engine) coldStartSeed(ctx context.Context, userID string) *RankedSet {
	profile := AnalyzeQuery(e.opts.ColdStartQuery, e.opts.TemporalKeywords)
	set, err := e.pipeline.Retrieve(ctx, userID, e.opts.ColdStartQuery, profile, nil, e.opts.ColdStartLimit, domain.SortByRelevance)
	if err != nil || len(set.Results) == 0 {
		return nil
	}
	if !contains(set.Debug.FallbacksUsed, domain.FallbackColdStart) {
		set.Debug.FallbacksUsed = append(set.Debug.FallbacksUsed, domain.FallbackColdStart)
	}
	set.Debug.Confidence = domain.ConfidenceLow
	return set
}

func (e *Engine) wrapColdStart(text string) string {
	if text == "" {
		return text
	}
	if h := e.opts.ColdStartHeader; h != "" {
		text = h + "\n" + text
	}
	if f := e.opts.ColdStartFooter; f != "" {
		text = text + "\n" + f
	}
	return text
}

func canceled(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		ctx.Err() != nil
}

func canceledResult() *domain.PrefetchResult {
	return &domain.PrefetchResult{
		Confidence: domain.ConfidenceLow,
		Debug: domain.DebugInfo{
			FallbacksUsed: []string{domain.FallbackCanceled},
			Confidence:    domain.ConfidenceLow,
		},
	}
}

// mergeAlwaysInject appends pinned items that retrieval did not surface.
// Pinned items never displace ranked results; they extend the tail. The
// pinned batch passes the same ghost filter as ranked candidates.
func (e *Engine) mergeAlwaysInject(ctx context.Context, userID string, set *RankedSet) {
	status := domain.StatusActive
	pin := true
	pinned, err := e.records.Query(ctx, domain.ItemQuery{
		UserID:       userID,
		Status:       &status,
		AlwaysInject: &pin,
		Limit:        alwaysInjectCap,
	})
	if err != nil {
		e.logger.Warn("always-inject lookup failed", zap.Error(err))
		return
	}

	ids := make([]uuid.UUID, len(pinned))
	for i := range pinned {
		ids[i] = pinned[i].MemoryID
	}
	visibleIDs, err := e.ghosts.FilterGhosted(ctx, userID, ids)
	if err != nil {
		e.logger.Warn("always-inject ghost filter failed", zap.Error(err))
		return
	}
	visible := make(map[uuid.UUID]bool, len(visibleIDs))
	for _, id := range visibleIDs {
		visible[id] = true
	}

	present := make(map[uuid.UUID]bool, len(set.Results))
	for _, r := range set.Results {
		present[r.MemoryID] = true
	}
	for i := range pinned {
		item := pinned[i]
		if present[item.MemoryID] || !visible[item.MemoryID] {
			continue
		}
		set.Items[item.MemoryID] = item
		set.Results = append(set.Results, domain.SearchResult{
			Position: len(set.Results) + 1,
			Tier:     item.Tier,
			MemoryID: item.MemoryID,
			Content:  item.Text,
			Preview:  preview(item.Text, 160),
			Citations: []domain.Citation{{
				MemoryID: item.MemoryID,
				Tier:     item.Tier,
				Source:   item.Source,
				Snippet:  preview(item.Text, 80),
			}},
		})
	}
}

func (e *Engine) Search(ctx context.Context, req domain.SearchRequest) (*domain.SearchResponse, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: empty user id", domain.ErrInvalidInput)
	}
	for _, t := range req.Tiers {
		if !domain.ValidTier(string(t)) {
			return nil, fmt.Errorf("%w: tier %q", domain.ErrInvalidInput, t)
		}
	}
	sortBy := req.SortBy
	if sortBy == "" {
		sortBy = e.opts.DefaultSortBy
	}
	if !domain.ValidSortBy(string(sortBy)) {
		return nil, fmt.Errorf("%w: sort_by %q", domain.ErrInvalidInput, sortBy)
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.SearchTimeout)
	defer cancel()

	profile := AnalyzeQuery(req.Query, e.opts.TemporalKeywords)
	set, err := e.pipeline.Retrieve(ctx, req.UserID, req.Query, profile, req.Tiers, req.Limit, sortBy)
	if err != nil {
		return nil, err
	}
	return &domain.SearchResponse{Results: set.Results, Debug: set.Debug}, nil
}

// Store persists one item durably, then indexes it. A failed embed
// leaves the item flagged for the deferred reindex pass rather than
// failing the write.
func (e *Engine) Store(ctx context.Context, req StoreRequest) (*domain.MemoryItem, error) {
	if req.UserID == "" || req.Text == "" {
		return nil, fmt.Errorf("%w: user id and text are required", domain.ErrInvalidInput)
	}
	tier := req.Tier
	if tier == "" {
		tier = domain.TierWorking
	}
	if !domain.ValidTier(string(tier)) {
		return nil, fmt.Errorf("%w: tier %q", domain.ErrInvalidInput, tier)
	}

	expires := req.ExpiresAt
	if expires == nil {
		if ttl := domain.GetTierPolicy(tier).TTL; ttl > 0 {
			t := time.Now().Add(ttl)
			expires = &t
		}
	}

	var summary string
	if tier == domain.TierDocuments && e.summarizer != nil {
		summary = e.summarizer.ContextPrefix(ctx, req.Text, req.DocContext)
	}

	item := &domain.MemoryItem{
		UserID:       req.UserID,
		Tier:         tier,
		Text:         req.Text,
		Summary:      summary,
		Tags:         req.Tags,
		Entities:     req.Entities,
		Source:       req.Source,
		Quality:      req.Quality,
		AlwaysInject: req.AlwaysInject,
		ExpiresAt:    expires,
	}
	if err := e.records.Insert(ctx, item); err != nil {
		return nil, fmt.Errorf("store item: %w", err)
	}
	e.lexical.InvalidateUser(req.UserID)

	if err := e.indexItem(ctx, item); err != nil {
		e.logger.Warn("store indexing deferred",
			zap.String("memory_id", item.MemoryID.String()),
			zap.Error(err))
		if markErr := e.records.MarkForReindex(ctx, item.MemoryID, "store_embed_failed"); markErr != nil {
			e.logger.Error("reindex flag failed", zap.Error(markErr))
		}
	}
	return item, nil
}

func (e *Engine) indexItem(ctx context.Context, item *domain.MemoryItem) error {
	vec, err := e.embedder.Embed(ctx, item.EmbedText())
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	hash := domain.ContentHash(item.EmbedText())
	meta := domain.EmbeddingMeta{
		Model:      e.embedder.Model(),
		Dims:       e.embedder.Dim(),
		VectorHash: hash,
	}
	if err := e.records.StoreEmbedding(ctx, item.MemoryID, vec, meta); err != nil {
		return fmt.Errorf("store embedding: %w", err)
	}
	item.Embedding = meta
	return e.vectors.Upsert(ctx, domain.VectorPoint{
		ID:     item.MemoryID,
		Vector: vec,
		Payload: domain.PointPayload{
			UserID:       item.UserID,
			Tier:         item.Tier,
			Status:       item.Status,
			Tags:         item.Tags,
			Entities:     item.Entities,
			QualityScore: item.Quality.Score(),
			ContentHash:  hash,
		},
	})
}

func (e *Engine) RecordFeedback(ctx context.Context, userID string, memoryID uuid.UUID, score int) error {
	return e.recorder.RecordFeedback(ctx, userID, memoryID, score)
}

func (e *Engine) RecordOutcome(ctx context.Context, userID string, outcome domain.Outcome, relatedIDs []uuid.UUID) error {
	return e.recorder.RecordOutcome(ctx, userID, outcome, relatedIDs)
}

func (e *Engine) RecordResponse(ctx context.Context, userID, keyTakeaway string, outcome *domain.Outcome, relatedIDs []uuid.UUID) (uuid.UUID, error) {
	return e.recorder.RecordResponse(ctx, userID, keyTakeaway, outcome, relatedIDs)
}

func (e *Engine) RecordAction(ctx context.Context, a *domain.ActionOutcome) error {
	return e.recorder.RecordAction(ctx, a)
}

// GhostMemory hides an item from retrieval without touching the stored
// row. The tier is read from the item so tier-scoped clears work.
func (e *Engine) GhostMemory(ctx context.Context, userID string, memoryID uuid.UUID) error {
	item, err := e.records.GetByID(ctx, userID, memoryID)
	if err != nil {
		return err
	}
	return e.ghosts.Ghost(ctx, userID, memoryID, item.Tier)
}

func (e *Engine) RestoreMemory(ctx context.Context, userID string, memoryID uuid.UUID) error {
	return e.ghosts.Restore(ctx, userID, memoryID)
}

func (e *Engine) IsMemoryGhosted(ctx context.Context, userID string, memoryID uuid.UUID) (bool, error) {
	return e.ghosts.IsGhosted(ctx, userID, memoryID)
}

func (e *Engine) GetGhostedMemories(ctx context.Context, userID string) ([]domain.GhostEntry, error) {
	return e.ghosts.List(ctx, userID)
}

func (e *Engine) PromoteNow(ctx context.Context, userID string) PromotionStats {
	return e.promoter.RunCycle(ctx, userID)
}

// IncrementMessageCount bumps the per-user counter and kicks off a
// background promotion cycle every MessageTrigger messages.
func (e *Engine) IncrementMessageCount(ctx context.Context, userID string) (int, error) {
	count, err := e.profiles.IncrementMessageCount(ctx, userID)
	if err != nil {
		return 0, err
	}
	if count%e.opts.MessageTrigger == 0 {
		go func() {
			cycleCtx, cancel := context.WithTimeout(context.Background(), promoterCycleTimeout)
			defer cancel()
			stats := e.promoter.RunCycle(cycleCtx, userID)
			e.logger.Info("message-triggered promotion cycle",
				zap.String("user_id", userID),
				zap.Int("message_count", count),
				zap.Int("promoted", stats.Promoted),
				zap.Int("archived", stats.Archived))
		}()
	}
	return count, nil
}

func (e *Engine) Reindex(ctx context.Context, opts ReindexOptions) (*ReindexResult, error) {
	return e.reindexer.Rebuild(ctx, opts)
}

func (e *Engine) ReindexDeferred(ctx context.Context, userID string) (*ReindexResult, error) {
	return e.reindexer.ReindexDeferred(ctx, userID)
}

func (e *Engine) GetReindexProgress() ReindexProgress {
	return e.reindexer.Progress()
}

func (e *Engine) PauseReindex() {
	e.reindexer.Pause()
}

func (e *Engine) ResumeReindex() {
	e.reindexer.Resume()
}

func (e *Engine) SanitizeCorruptedContent(ctx context.Context, userID string, tier domain.Tier, dryRun bool) (*SanitizeResult, error) {
	return e.reindexer.SanitizeCorruptedContent(ctx, userID, tier, dryRun)
}

func (e *Engine) CountCorruptedContent(ctx context.Context, userID string, tier domain.Tier) (int, error) {
	return e.reindexer.CountCorruptedContent(ctx, userID, tier)
}

func (e *Engine) ConsistencyCheck(ctx context.Context, opts ConsistencyCheckOptions) (*ConsistencyCheckResult, error) {
	return e.checker.Check(ctx, opts)
}

func (e *Engine) ExportBackup(ctx context.Context, opts BackupExportOptions) (*BackupExport, error) {
	return e.backup.Export(ctx, opts)
}

func (e *Engine) ImportBackup(ctx context.Context, opts BackupImportOptions) (*BackupImportResult, error) {
	return e.backup.Import(ctx, opts)
}

func (e *Engine) GetStats(ctx context.Context, userID string) (*StatsSnapshot, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", domain.ErrInvalidInput)
	}

	tiers, err := e.records.CountByTier(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("tier counts: %w", err)
	}
	snap := &StatsSnapshot{
		UserID:              userID,
		Tiers:               tiers,
		VectorStageDisabled: e.pipeline.VectorStageDisabled(),
	}

	if n, err := e.outcomes.CountByUser(ctx, userID); err == nil {
		snap.OutcomeEvents = n
	} else {
		e.logger.Warn("outcome count failed", zap.Error(err))
	}
	if points, err := e.vectors.Count(ctx, userID); err == nil {
		snap.VectorPoints = points
	} else {
		e.logger.Warn("vector count failed", zap.Error(err))
	}
	if eff, err := e.actions.EffectivenessByConcept(ctx, userID); err == nil {
		snap.TierEffectiveness = eff
	}
	if e.cacheStats != nil {
		snap.EmbedCacheHitRate = e.cacheStats.HitRate()
	}
	return snap, nil
}
