package service

import (
	"context"
	"sync"
	"time"

	"github.com/bricksllm/memtier/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultPromoterInterval = 30 * time.Minute
	promoterCycleTimeout    = 5 * time.Minute
	promoterScanLimit       = 1000
)

// PromotionStats summarizes one promoter cycle.
type PromotionStats struct {
	Promoted   int   `json:"promoted"`
	Archived   int   `json:"archived"`
	Deleted    int   `json:"deleted"`
	Errors     int   `json:"errors"`
	DurationMS int64 `json:"duration_ms"`
}

// Promoter moves items between tiers on a schedule and on the per-user
// message trigger. Curated and document tiers are never touched.
type Promoter struct {
	records domain.RecordStore
	vectors domain.VectorIndex
	lexical domain.LexicalIndex
	logger  *zap.Logger

	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewPromoter(records domain.RecordStore, vectors domain.VectorIndex, lex domain.LexicalIndex, logger *zap.Logger) *Promoter {
	return &Promoter{
		records:  records,
		vectors:  vectors,
		lexical:  lex,
		logger:   logger,
		interval: defaultPromoterInterval,
		stopCh:   make(chan struct{}),
	}
}

func (p *Promoter) SetInterval(d time.Duration) {
	p.interval = d
}

// Start runs the promotion cycle on a periodic schedule.
func (p *Promoter) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.logger.Info("promoter started", zap.Duration("interval", p.interval))

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), promoterCycleTimeout)
				stats := p.RunCycle(ctx, "")
				cancel()
				p.logger.Info("promotion cycle finished",
					zap.Int("promoted", stats.Promoted),
					zap.Int("archived", stats.Archived),
					zap.Int("errors", stats.Errors),
					zap.Int64("duration_ms", stats.DurationMS))
			case <-p.stopCh:
				p.logger.Info("promoter stopped")
				return
			}
		}
	}()
}

func (p *Promoter) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

// RunCycle processes one user, or every known user when userID is empty.
func (p *Promoter) RunCycle(ctx context.Context, userID string) PromotionStats {
	start := time.Now()
	var stats PromotionStats

	users := []string{userID}
	if userID == "" {
		all, err := p.records.ListUsers(ctx)
		if err != nil {
			p.logger.Error("promoter list users failed", zap.Error(err))
			stats.Errors++
			stats.DurationMS = time.Since(start).Milliseconds()
			return stats
		}
		users = all
	}

	for _, user := range users {
		p.runForUser(ctx, user, &stats)
	}
	stats.DurationMS = time.Since(start).Milliseconds()
	return stats
}

func (p *Promoter) runForUser(ctx context.Context, userID string, stats *PromotionStats) {
	active := domain.StatusActive
	items, err := p.records.Query(ctx, domain.ItemQuery{
		UserID: userID,
		Tiers:  []domain.Tier{domain.TierWorking, domain.TierHistory, domain.TierPatterns},
		Status: &active,
		Limit:  promoterScanLimit,
	})
	if err != nil {
		p.logger.Warn("promoter query failed",
			zap.String("user_id", userID), zap.Error(err))
		stats.Errors++
		return
	}

	now := time.Now()
	invalidated := false
	for i := range items {
		item := items[i]
		changed, err := p.transitionItem(ctx, &item, now)
		if err != nil {
			p.logger.Warn("promotion transition failed",
				zap.String("memory_id", item.MemoryID.String()), zap.Error(err))
			stats.Errors++
			continue
		}
		switch changed {
		case transitionPromoted:
			stats.Promoted++
			invalidated = true
		case transitionArchived:
			stats.Archived++
			invalidated = true
		}
	}
	if invalidated {
		p.lexical.InvalidateUser(userID)
	}
}

type transition int

const (
	transitionNone transition = iota
	transitionPromoted
	transitionArchived
)

// transitionItem applies the first matching transition, re-reading the
// item under its lock so outcome writes cannot race the predicate check.
func (p *Promoter) transitionItem(ctx context.Context, stale *domain.MemoryItem, now time.Time) (transition, error) {
	result := transitionNone
	err := p.records.WithItemLock(ctx, stale.MemoryID, func(ctx context.Context) error {
		item, err := p.records.GetByID(ctx, stale.UserID, stale.MemoryID)
		if err != nil {
			return err
		}
		if !item.Tier.Promotable() || item.Status != domain.StatusActive {
			return nil
		}

		policy := domain.GetTierPolicy(item.Tier)

		// 1 and 2: promotion up a tier, resetting or clearing expiry.
		if domain.PromotionEligible(item, policy, now) {
			next := domain.GetTierPolicy(policy.NextTier)
			var expiresAt *time.Time
			if next.TTL > 0 {
				t := now.Add(next.TTL)
				expiresAt = &t
			}
			if err := p.records.UpdateTier(ctx, item.MemoryID, policy.NextTier, expiresAt); err != nil {
				return err
			}
			p.logger.Info("memory promoted",
				zap.String("memory_id", item.MemoryID.String()),
				zap.String("from", string(item.Tier)),
				zap.String("to", string(policy.NextTier)),
				zap.Float64("wilson_score", item.Stats.WilsonScore))
			result = transitionPromoted
			return p.syncPoint(ctx, item, policy.NextTier)
		}

		// 3: garbage archive for items proven unreliable.
		if item.Stats.WilsonScore < domain.GarbageWilsonThreshold && item.Stats.Uses >= domain.GarbageMinUses {
			if err := p.records.UpdateStatus(ctx, item.MemoryID, domain.StatusArchived, "garbage"); err != nil {
				return err
			}
			result = transitionArchived
			return p.dropPoint(ctx, item)
		}

		// 4: TTL expiry.
		if item.ExpiresAt != nil && item.ExpiresAt.Before(now) {
			if err := p.records.UpdateStatus(ctx, item.MemoryID, domain.StatusArchived, "expired"); err != nil {
				return err
			}
			result = transitionArchived
			return p.dropPoint(ctx, item)
		}
		return nil
	})
	return result, err
}

// syncPoint refreshes the vector payload after a tier change so filtered
// searches see the new tier immediately.
func (p *Promoter) syncPoint(ctx context.Context, item *domain.MemoryItem, newTier domain.Tier) error {
	vec, err := p.records.GetEmbedding(ctx, item.MemoryID)
	if err != nil || len(vec) == 0 {
		return nil
	}
	err = p.vectors.Upsert(ctx, domain.VectorPoint{
		ID:     item.MemoryID,
		Vector: vec,
		Payload: domain.PointPayload{
			UserID:       item.UserID,
			Tier:         newTier,
			Status:       item.Status,
			Tags:         item.Tags,
			Entities:     item.Entities,
			QualityScore: item.Quality.Score(),
			ContentHash:  item.Embedding.VectorHash,
		},
	})
	if err != nil {
		p.logger.Warn("vector payload sync failed",
			zap.String("memory_id", item.MemoryID.String()), zap.Error(err))
	}
	return nil
}

func (p *Promoter) dropPoint(ctx context.Context, item *domain.MemoryItem) error {
	if err := p.vectors.Delete(ctx, []uuid.UUID{item.MemoryID}); err != nil {
		p.logger.Warn("vector delete failed",
			zap.String("memory_id", item.MemoryID.String()), zap.Error(err))
	}
	return nil
}
