package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bricksllm/memtier/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultConsistencyInterval = 15 * time.Minute
	defaultConsistencyWarmup   = 5 * time.Minute
	defaultConsistencySample   = 200
	consistencySweepTimeout    = 10 * time.Minute
	consistencyScrollPage      = 256
)

// ConsistencyCheckOptions narrows a sweep to one user or a dry run.
type ConsistencyCheckOptions struct {
	UserID     string
	DryRun     bool
	SampleSize int
}

type ConsistencyCheckResult struct {
	Checked         int   `json:"checked"`
	MissingRepaired int   `json:"missing_repaired"`
	OrphansDeleted  int   `json:"orphans_deleted"`
	HashMismatches  int   `json:"hash_mismatches"`
	Errors          int   `json:"errors"`
	DurationMS      int64 `json:"duration_ms"`
}

// ConsistencyChecker detects and repairs drift between the record store
// and the vector index. At most one sweep runs at a time.
type ConsistencyChecker struct {
	records  domain.RecordStore
	vectors  domain.VectorIndex
	embedder domain.Embedder
	logs     domain.ConsistencyLogStore
	logger   *zap.Logger

	interval time.Duration
	warmup   time.Duration
	sample   int

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// skip reports ids currently being reindexed, injected by the
	// reindexer so a sweep does not fight an active rebuild.
	skip func(id uuid.UUID) bool

	// schemaCheck revalidates the vector schema on its own cadence,
	// injected from wiring.
	schemaCheck func(ctx context.Context) error
	schemaEvery time.Duration
}

func NewConsistencyChecker(
	records domain.RecordStore,
	vectors domain.VectorIndex,
	embedder domain.Embedder,
	logs domain.ConsistencyLogStore,
	logger *zap.Logger,
) *ConsistencyChecker {
	return &ConsistencyChecker{
		records:  records,
		vectors:  vectors,
		embedder: embedder,
		logs:     logs,
		logger:   logger,
		interval: defaultConsistencyInterval,
		warmup:   defaultConsistencyWarmup,
		sample:   defaultConsistencySample,
		stopCh:   make(chan struct{}),
		skip:     func(uuid.UUID) bool { return false },
	}
}

func (c *ConsistencyChecker) SetSchedule(interval, warmup time.Duration, sample int) {
	if interval > 0 {
		c.interval = interval
	}
	if warmup > 0 {
		c.warmup = warmup
	}
	if sample > 0 {
		c.sample = sample
	}
}

func (c *ConsistencyChecker) SetSkipFunc(fn func(id uuid.UUID) bool) {
	if fn != nil {
		c.skip = fn
	}
}

// SetSchemaCheck schedules fn alongside the sweeps. Disabled unless both
// the function and a positive period are given.
func (c *ConsistencyChecker) SetSchemaCheck(fn func(ctx context.Context) error, every time.Duration) {
	if fn != nil && every > 0 {
		c.schemaCheck = fn
		c.schemaEvery = every
	}
}

// Start schedules sweeps after a warm-up delay.
func (c *ConsistencyChecker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		c.logger.Info("consistency checker started",
			zap.Duration("interval", c.interval),
			zap.Duration("warmup", c.warmup))

		select {
		case <-time.After(c.warmup):
		case <-c.stopCh:
			return
		}

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		var schemaTick <-chan time.Time
		if c.schemaCheck != nil {
			schemaTicker := time.NewTicker(c.schemaEvery)
			defer schemaTicker.Stop()
			schemaTick = schemaTicker.C
		}

		for {
			select {
			case <-schemaTick:
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				if err := c.schemaCheck(ctx); err != nil {
					c.logger.Warn("scheduled schema validation failed", zap.Error(err))
				}
				cancel()
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), consistencySweepTimeout)
				result, err := c.Check(ctx, ConsistencyCheckOptions{})
				cancel()
				if err != nil {
					c.logger.Error("consistency sweep failed", zap.Error(err))
					continue
				}
				c.logger.Info("consistency sweep finished",
					zap.Int("checked", result.Checked),
					zap.Int("missing_repaired", result.MissingRepaired),
					zap.Int("orphans_deleted", result.OrphansDeleted),
					zap.Int("errors", result.Errors))
			case <-c.stopCh:
				c.logger.Info("consistency checker stopped")
				return
			}
		}
	}()
}

func (c *ConsistencyChecker) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// Check runs one sweep. A second concurrent call returns ErrConflict.
func (c *ConsistencyChecker) Check(ctx context.Context, opts ConsistencyCheckOptions) (*ConsistencyCheckResult, error) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: consistency sweep already running", domain.ErrConflict)
	}
	defer c.running.Store(false)

	start := time.Now()
	result := &ConsistencyCheckResult{}

	users := []string{opts.UserID}
	if opts.UserID == "" {
		all, err := c.records.ListUsers(ctx)
		if err != nil {
			return nil, fmt.Errorf("list users: %w", err)
		}
		users = all
	}
	sample := opts.SampleSize
	if sample <= 0 {
		sample = c.sample
	}

	for _, user := range users {
		c.sweepUser(ctx, user, sample, opts.DryRun, result)
	}
	result.DurationMS = time.Since(start).Milliseconds()
	return result, nil
}

func (c *ConsistencyChecker) sweepUser(ctx context.Context, userID string, sample int, dryRun bool, result *ConsistencyCheckResult) {
	active := domain.StatusActive
	items, err := c.records.Query(ctx, domain.ItemQuery{
		UserID: userID,
		Status: &active,
		Limit:  sample,
	})
	if err != nil {
		c.logger.Warn("consistency record scan failed",
			zap.String("user_id", userID), zap.Error(err))
		result.Errors++
		return
	}

	// Index the user's points once for both directions of the check.
	points := make(map[uuid.UUID]domain.PointPayload)
	cursor := ""
	for {
		hits, next, err := c.vectors.Scroll(ctx, userID, consistencyScrollPage, cursor)
		if err != nil {
			c.logger.Warn("consistency vector scroll failed",
				zap.String("user_id", userID), zap.Error(err))
			result.Errors++
			return
		}
		for _, h := range hits {
			points[h.ID] = h.Payload
		}
		if next == "" {
			break
		}
		cursor = next
	}

	activeIDs := make(map[uuid.UUID]bool, len(items))
	for i := range items {
		item := &items[i]
		activeIDs[item.MemoryID] = true
		if c.skip(item.MemoryID) {
			continue
		}
		result.Checked++

		payload, ok := points[item.MemoryID]
		currentHash := domain.ContentHash(item.EmbedText())
		switch {
		case !ok:
			if !dryRun {
				if err := c.repairMissing(ctx, item, currentHash); err != nil {
					result.Errors++
					continue
				}
			}
			result.MissingRepaired++
			c.record(ctx, "missing_point", item.MemoryID,
				fmt.Sprintf("tier=%s", item.Tier), !dryRun)
		case payload.ContentHash != "" && payload.ContentHash != currentHash:
			result.HashMismatches++
			if !dryRun {
				if err := c.records.MarkForReindex(ctx, item.MemoryID, "hash_mismatch"); err != nil {
					result.Errors++
					continue
				}
			}
			c.record(ctx, "hash_mismatch", item.MemoryID, "", !dryRun)
		}
	}

	// Reverse direction: points whose record is missing or non-active
	// are orphans.
	var orphans []uuid.UUID
	for id := range points {
		if c.skip(id) || activeIDs[id] {
			continue
		}
		item, err := c.records.GetByID(ctx, userID, id)
		if err == nil && item.Visible() {
			continue // outside the sample, still active
		}
		orphans = append(orphans, id)
	}
	if len(orphans) > 0 {
		if !dryRun {
			if err := c.vectors.Delete(ctx, orphans); err != nil {
				c.logger.Warn("orphan delete failed",
					zap.String("user_id", userID), zap.Error(err))
				result.Errors++
				return
			}
		}
		result.OrphansDeleted += len(orphans)
		for _, id := range orphans {
			c.record(ctx, "orphan_point", id, "", !dryRun)
		}
	}
}

// repairMissing re-upserts a point, re-embedding only when the durable
// copy is stale or absent.
func (c *ConsistencyChecker) repairMissing(ctx context.Context, item *domain.MemoryItem, currentHash string) error {
	vec, err := c.records.GetEmbedding(ctx, item.MemoryID)
	if err != nil {
		return err
	}
	if len(vec) == 0 || item.Embedding.VectorHash != currentHash {
		vec, err = c.embedder.Embed(ctx, item.EmbedText())
		if err != nil {
			return fmt.Errorf("re-embed %s: %w", item.MemoryID, err)
		}
		err = c.records.StoreEmbedding(ctx, item.MemoryID, vec, domain.EmbeddingMeta{
			Model:      c.embedder.Model(),
			Dims:       c.embedder.Dim(),
			VectorHash: currentHash,
		})
		if err != nil {
			return err
		}
	}
	return c.vectors.Upsert(ctx, domain.VectorPoint{
		ID:     item.MemoryID,
		Vector: vec,
		Payload: domain.PointPayload{
			UserID:       item.UserID,
			Tier:         item.Tier,
			Status:       item.Status,
			Tags:         item.Tags,
			Entities:     item.Entities,
			QualityScore: item.Quality.Score(),
			ContentHash:  currentHash,
		},
	})
}

func (c *ConsistencyChecker) record(ctx context.Context, kind string, id uuid.UUID, details string, repaired bool) {
	err := c.logs.Append(ctx, &domain.ConsistencyLog{
		Type:     kind,
		MemoryID: id,
		Details:  details,
		Repaired: repaired,
	})
	if err != nil {
		c.logger.Warn("consistency log append failed", zap.Error(err))
	}
}
