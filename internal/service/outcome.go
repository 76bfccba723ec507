package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bricksllm/memtier/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OutcomeRecorder applies outcome evidence to items. Per-item writes are
// serialized through the record store's advisory lock so concurrent
// feedback and promotion never interleave.
type OutcomeRecorder struct {
	records domain.RecordStore
	log     domain.OutcomeLogStore
	actions domain.ActionOutcomeStore
	lexical domain.LexicalIndex
	deltas  domain.OutcomeDeltas
	logger  *zap.Logger

	// adjustMu guards the coarse rank-adjustment cache, a clamped
	// running score per item fed by the outcome deltas.
	adjustMu sync.Mutex
	adjust   map[uuid.UUID]float64
}

func NewOutcomeRecorder(
	records domain.RecordStore,
	log domain.OutcomeLogStore,
	actions domain.ActionOutcomeStore,
	lex domain.LexicalIndex,
	logger *zap.Logger,
) *OutcomeRecorder {
	return &OutcomeRecorder{
		records: records,
		log:     log,
		actions: actions,
		lexical: lex,
		deltas:  domain.DefaultOutcomeDeltas(),
		logger:  logger,
		adjust:  make(map[uuid.UUID]float64),
	}
}

// RankAdjustment returns the coarse per-item adjustment accumulated from
// outcome deltas, starting at 0.5.
func (r *OutcomeRecorder) RankAdjustment(memoryID uuid.UUID) float64 {
	r.adjustMu.Lock()
	defer r.adjustMu.Unlock()
	if v, ok := r.adjust[memoryID]; ok {
		return v
	}
	return 0.5
}

// RecordFeedback maps a -1/0/+1 score to an outcome and applies it.
func (r *OutcomeRecorder) RecordFeedback(ctx context.Context, userID string, memoryID uuid.UUID, score int) error {
	outcome, ok := domain.OutcomeFromFeedback(score)
	if !ok {
		return fmt.Errorf("%w: feedback score %d", domain.ErrInvalidInput, score)
	}
	return r.apply(ctx, userID, memoryID, outcome, "feedback")
}

// RecordOutcome applies one outcome to every related item.
func (r *OutcomeRecorder) RecordOutcome(ctx context.Context, userID string, outcome domain.Outcome, relatedIDs []uuid.UUID) error {
	if !domain.ValidOutcome(string(outcome)) {
		return fmt.Errorf("%w: outcome %q", domain.ErrInvalidInput, outcome)
	}
	var firstErr error
	for _, id := range relatedIDs {
		if err := r.apply(ctx, userID, id, outcome, ""); err != nil {
			r.logger.Warn("outcome apply failed",
				zap.String("memory_id", id.String()),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// RecordResponse stores a key takeaway as a history-tier item and, when
// an outcome is given, applies it to the new item and its relatives.
func (r *OutcomeRecorder) RecordResponse(ctx context.Context, userID, keyTakeaway string, outcome *domain.Outcome, relatedIDs []uuid.UUID) (uuid.UUID, error) {
	if keyTakeaway == "" {
		return uuid.Nil, fmt.Errorf("%w: empty takeaway", domain.ErrInvalidInput)
	}

	ttl := domain.GetTierPolicy(domain.TierHistory).TTL
	expires := time.Now().Add(ttl)
	item := &domain.MemoryItem{
		UserID:    userID,
		Tier:      domain.TierHistory,
		Text:      keyTakeaway,
		Source:    domain.Source{Kind: domain.SourceAssistant},
		ExpiresAt: &expires,
	}
	if err := r.records.Insert(ctx, item); err != nil {
		return uuid.Nil, fmt.Errorf("store takeaway: %w", err)
	}
	r.lexical.InvalidateUser(userID)

	if outcome != nil {
		ids := append([]uuid.UUID{item.MemoryID}, relatedIDs...)
		if err := r.RecordOutcome(ctx, userID, *outcome, ids); err != nil {
			return item.MemoryID, err
		}
	}
	return item.MemoryID, nil
}

// RecordAction logs action-level effectiveness for the tier
// recommendation stats.
func (r *OutcomeRecorder) RecordAction(ctx context.Context, a *domain.ActionOutcome) error {
	return r.actions.Append(ctx, a)
}

func (r *OutcomeRecorder) apply(ctx context.Context, userID string, memoryID uuid.UUID, outcome domain.Outcome, reason string) error {
	err := r.records.WithItemLock(ctx, memoryID, func(ctx context.Context) error {
		item, err := r.records.ApplyOutcome(ctx, memoryID, outcome, time.Now())
		if err != nil {
			return err
		}
		r.logger.Debug("outcome applied",
			zap.String("memory_id", memoryID.String()),
			zap.String("outcome", string(outcome)),
			zap.Float64("wilson_score", item.Stats.WilsonScore),
			zap.Int("uses", item.Stats.Uses))
		return nil
	})
	if err != nil {
		return err
	}

	r.adjustMu.Lock()
	current, ok := r.adjust[memoryID]
	if !ok {
		current = 0.5
	}
	r.adjust[memoryID] = r.deltas.Apply(current, outcome)
	r.adjustMu.Unlock()

	return r.log.Append(ctx, &domain.OutcomeEvent{
		UserID:   userID,
		MemoryID: memoryID,
		Outcome:  outcome,
		Reason:   reason,
	})
}
