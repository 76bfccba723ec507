package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bricksllm/memtier/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	defaultReindexBatchSize   = 100
	defaultReindexConcurrency = 5
	defaultReindexRateLimit   = 20 // embed calls per second
)

// ReindexOptions scope a rebuild. Zero values mean everything.
type ReindexOptions struct {
	UserID    string
	Tier      domain.Tier
	Since     *time.Time
	BatchSize int
	Resume    bool
}

type ReindexProgress struct {
	JobID     uuid.UUID `json:"job_id"`
	Active    bool      `json:"active"`
	Paused    bool      `json:"paused"`
	Processed int       `json:"processed"`
	Failed    int       `json:"failed"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

type ReindexResult struct {
	JobID      uuid.UUID `json:"job_id"`
	Processed  int       `json:"processed"`
	Failed     int       `json:"failed"`
	Resumed    bool      `json:"resumed"`
	DurationMS int64     `json:"duration_ms"`
}

// Reindexer rebuilds the vector index from the record store. Jobs are
// single-flight; progress is checkpointed per batch so an interrupted
// rebuild resumes instead of restarting.
type Reindexer struct {
	records     domain.RecordStore
	vectors     domain.VectorIndex
	embedder    domain.Embedder
	checkpoints domain.CheckpointStore
	logger      *zap.Logger

	batchSize   int
	concurrency int
	limiter     *rate.Limiter

	mu       sync.Mutex
	active   bool
	paused   bool
	progress ReindexProgress

	inFlightMu sync.RWMutex
	inFlight   map[uuid.UUID]struct{}
}

func NewReindexer(
	records domain.RecordStore,
	vectors domain.VectorIndex,
	embedder domain.Embedder,
	checkpoints domain.CheckpointStore,
	logger *zap.Logger,
) *Reindexer {
	return &Reindexer{
		records:     records,
		vectors:     vectors,
		embedder:    embedder,
		checkpoints: checkpoints,
		logger:      logger,
		batchSize:   defaultReindexBatchSize,
		concurrency: defaultReindexConcurrency,
		limiter:     rate.NewLimiter(rate.Limit(defaultReindexRateLimit), defaultReindexConcurrency),
		inFlight:    make(map[uuid.UUID]struct{}),
	}
}

func (r *Reindexer) SetLimits(batchSize, concurrency int, embedsPerSecond float64) {
	if batchSize > 0 {
		r.batchSize = batchSize
	}
	if concurrency > 0 {
		r.concurrency = concurrency
	}
	if embedsPerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(embedsPerSecond), r.concurrency)
	}
}

// InFlight reports whether an item is being reindexed right now. The
// consistency checker uses this to skip contested items.
func (r *Reindexer) InFlight(id uuid.UUID) bool {
	r.inFlightMu.RLock()
	defer r.inFlightMu.RUnlock()
	_, ok := r.inFlight[id]
	return ok
}

func (r *Reindexer) Progress() ReindexProgress {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.progress
	p.Active = r.active
	p.Paused = r.paused
	return p
}

// Pause is cooperative; the running job checks the flag between batches.
func (r *Reindexer) Pause() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
	r.logger.Info("reindex paused")
}

func (r *Reindexer) Resume() {
	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()
}

// Rebuild re-embeds and re-upserts every matching item. A second call
// while a job is active returns ErrConflict with the active job id.
func (r *Reindexer) Rebuild(ctx context.Context, opts ReindexOptions) (*ReindexResult, error) {
	jobID, resumed, cursor, err := r.begin(ctx, opts)
	if err != nil {
		return nil, err
	}
	defer r.finish()

	start := time.Now()
	result := &ReindexResult{JobID: jobID, Resumed: resumed}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = r.batchSize
	}

	users := []string{opts.UserID}
	if opts.UserID == "" {
		users, err = r.records.ListUsers(ctx)
		if err != nil {
			return nil, fmt.Errorf("list users: %w", err)
		}
	}

	for _, user := range users {
		if err := r.rebuildUser(ctx, jobID, user, opts, batchSize, cursor, result); err != nil {
			return result, err
		}
		cursor = nil // resume cursor applies to the first user only
	}

	if err := r.checkpoints.Clear(ctx, jobID); err != nil {
		r.logger.Warn("checkpoint clear failed", zap.Error(err))
	}
	result.DurationMS = time.Since(start).Milliseconds()
	r.logger.Info("reindex finished",
		zap.String("job_id", jobID.String()),
		zap.Int("processed", result.Processed),
		zap.Int("failed", result.Failed))
	return result, nil
}

// ReindexDeferred processes only rows flagged needs_reindex, clearing
// the flag as embeddings land.
func (r *Reindexer) ReindexDeferred(ctx context.Context, userID string) (*ReindexResult, error) {
	jobID, _, _, err := r.begin(ctx, ReindexOptions{UserID: userID})
	if err != nil {
		return nil, err
	}
	defer r.finish()

	start := time.Now()
	result := &ReindexResult{JobID: jobID}

	users := []string{userID}
	if userID == "" {
		users, err = r.records.ListUsers(ctx)
		if err != nil {
			return nil, fmt.Errorf("list users: %w", err)
		}
	}

	needs := true
	for _, user := range users {
		items, err := r.records.Query(ctx, domain.ItemQuery{
			UserID:       user,
			NeedsReindex: &needs,
		})
		if err != nil {
			return result, fmt.Errorf("query deferred items: %w", err)
		}
		r.processBatch(ctx, items, result)
	}
	result.DurationMS = time.Since(start).Milliseconds()
	return result, nil
}

func (r *Reindexer) begin(ctx context.Context, opts ReindexOptions) (uuid.UUID, bool, *domain.ReindexCheckpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return uuid.Nil, false, nil, fmt.Errorf("%w: reindex job %s already active",
			domain.ErrConflict, r.progress.JobID)
	}

	jobID := uuid.New()
	var cursor *domain.ReindexCheckpoint
	resumed := false
	if opts.Resume {
		cp, err := r.checkpoints.Latest(ctx, opts.UserID, opts.Tier)
		if err == nil {
			jobID = cp.JobID
			cursor = cp
			resumed = true
		}
	}

	r.active = true
	r.paused = false
	r.progress = ReindexProgress{JobID: jobID, StartedAt: time.Now()}
	if cursor != nil {
		r.progress.Processed = cursor.Processed
		r.progress.Failed = cursor.Failed
	}
	return jobID, resumed, cursor, nil
}

func (r *Reindexer) finish() {
	r.mu.Lock()
	r.active = false
	r.mu.Unlock()
}

func (r *Reindexer) rebuildUser(ctx context.Context, jobID uuid.UUID, userID string, opts ReindexOptions, batchSize int, cursor *domain.ReindexCheckpoint, result *ReindexResult) error {
	var tiers []domain.Tier
	if opts.Tier != "" {
		tiers = []domain.Tier{opts.Tier}
	}
	var cursorAt *time.Time
	var cursorID *uuid.UUID
	if cursor != nil {
		cursorAt = cursor.Cursor
		cursorID = cursor.LastID
		result.Processed = cursor.Processed
		result.Failed = cursor.Failed
	}

	active := domain.StatusActive
	for {
		if r.isPaused() {
			r.logger.Info("reindex pause observed", zap.String("job_id", jobID.String()))
			return nil
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: reindex canceled", domain.ErrCanceled)
		}

		items, err := r.records.Query(ctx, domain.ItemQuery{
			UserID:   userID,
			Tiers:    tiers,
			Status:   &active,
			Since:    opts.Since,
			Limit:    batchSize,
			CursorAt: cursorAt,
			CursorID: cursorID,
		})
		if err != nil {
			return fmt.Errorf("query batch: %w", err)
		}
		if len(items) == 0 {
			return nil
		}

		r.processBatch(ctx, items, result)

		last := items[len(items)-1]
		cp := &domain.ReindexCheckpoint{
			JobID:     jobID,
			UserID:    userID,
			Tier:      opts.Tier,
			Cursor:    &last.UpdatedAt,
			LastID:    &last.MemoryID,
			Processed: result.Processed,
			Failed:    result.Failed,
		}
		if err := r.checkpoints.Save(ctx, cp); err != nil {
			r.logger.Warn("checkpoint save failed", zap.Error(err))
		}

		if len(items) < batchSize {
			return nil
		}
		at := last.UpdatedAt
		id := last.MemoryID
		cursorAt, cursorID = &at, &id
	}
}

// processBatch re-embeds a batch with bounded concurrency and the embed
// rate limit, storing the durable copy before the index upsert.
func (r *Reindexer) processBatch(ctx context.Context, items []domain.MemoryItem, result *ReindexResult) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for i := range items {
		item := items[i]
		r.markInFlight(item.MemoryID, true)
		g.Go(func() error {
			defer r.markInFlight(item.MemoryID, false)

			if err := r.limiter.Wait(gctx); err != nil {
				return nil
			}
			err := r.reindexOne(gctx, &item)

			mu.Lock()
			if err != nil {
				result.Failed++
				r.logger.Warn("reindex item failed",
					zap.String("memory_id", item.MemoryID.String()), zap.Error(err))
			} else {
				result.Processed++
			}
			r.mu.Lock()
			r.progress.Processed = result.Processed
			r.progress.Failed = result.Failed
			r.mu.Unlock()
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Reindexer) reindexOne(ctx context.Context, item *domain.MemoryItem) error {
	hash := domain.ContentHash(item.EmbedText())

	vec, err := r.embedder.Embed(ctx, item.EmbedText())
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	err = r.records.StoreEmbedding(ctx, item.MemoryID, vec, domain.EmbeddingMeta{
		Model:      r.embedder.Model(),
		Dims:       r.embedder.Dim(),
		VectorHash: hash,
	})
	if err != nil {
		return fmt.Errorf("store embedding: %w", err)
	}
	return r.vectors.Upsert(ctx, domain.VectorPoint{
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

func (r *Reindexer) isPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

func (r *Reindexer) markInFlight(id uuid.UUID, in bool) {
	r.inFlightMu.Lock()
	if in {
		r.inFlight[id] = struct{}{}
	} else {
		delete(r.inFlight, id)
	}
	r.inFlightMu.Unlock()
}

// base64Run matches long base64-looking spans and data URIs that leak
// into item text from pasted attachments.
var base64Run = regexp.MustCompile(`(?:data:[\w/.+-]+;base64,)?[A-Za-z0-9+/]{200,}={0,2}`)

type SanitizeResult struct {
	Scanned   int `json:"scanned"`
	Corrupted int `json:"corrupted"`
	Cleaned   int `json:"cleaned"`
	Errors    int `json:"errors"`
}

// SanitizeCorruptedContent strips embedded base64 fragments from item
// text, preserving the original under the backup column and flagging the
// row for reindexing. With dryRun only counts are reported.
func (r *Reindexer) SanitizeCorruptedContent(ctx context.Context, userID string, tier domain.Tier, dryRun bool) (*SanitizeResult, error) {
	users := []string{userID}
	if userID == "" {
		all, err := r.records.ListUsers(ctx)
		if err != nil {
			return nil, fmt.Errorf("list users: %w", err)
		}
		users = all
	}
	var tiers []domain.Tier
	if tier != "" {
		tiers = []domain.Tier{tier}
	}

	result := &SanitizeResult{}
	for _, user := range users {
		items, err := r.records.Query(ctx, domain.ItemQuery{UserID: user, Tiers: tiers})
		if err != nil {
			return result, fmt.Errorf("query items: %w", err)
		}
		for i := range items {
			result.Scanned++
			clean := base64Run.ReplaceAllString(items[i].Text, "")
			if clean == items[i].Text {
				continue
			}
			result.Corrupted++
			if dryRun {
				continue
			}
			clean = strings.TrimSpace(clean)
			if err := r.records.SanitizeContent(ctx, items[i].MemoryID, clean, items[i].Text); err != nil {
				result.Errors++
				r.logger.Warn("sanitize failed",
					zap.String("memory_id", items[i].MemoryID.String()), zap.Error(err))
				continue
			}
			result.Cleaned++
		}
	}
	return result, nil
}

// CountCorruptedContent is SanitizeCorruptedContent's dry-run counter.
func (r *Reindexer) CountCorruptedContent(ctx context.Context, userID string, tier domain.Tier) (int, error) {
	res, err := r.SanitizeCorruptedContent(ctx, userID, tier, true)
	if err != nil {
		return 0, err
	}
	return res.Corrupted, nil
}
