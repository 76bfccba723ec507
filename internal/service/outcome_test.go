package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bricksllm/memtier/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type outcomeRecords struct {
	domain.RecordStore
	applied  []domain.Outcome
	inserted []*domain.MemoryItem
	failFor  uuid.UUID
}

func (r *outcomeRecords) WithItemLock(ctx context.Context, id uuid.UUID, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (r *outcomeRecords) ApplyOutcome(ctx context.Context, id uuid.UUID, outcome domain.Outcome, at time.Time) (*domain.MemoryItem, error) {
	if id == r.failFor {
		return nil, domain.ErrNotFound
	}
	r.applied = append(r.applied, outcome)
	item := &domain.MemoryItem{MemoryID: id}
	switch outcome {
	case domain.OutcomeWorked:
		item.Stats = domain.ItemStats{Uses: 1, WorkedCount: 1}
	case domain.OutcomeFailed:
		item.Stats = domain.ItemStats{Uses: 1, FailedCount: 1}
	}
	domain.RecomputeStats(&item.Stats)
	return item, nil
}

func (r *outcomeRecords) Insert(ctx context.Context, item *domain.MemoryItem) error {
	item.MemoryID = uuid.New()
	r.inserted = append(r.inserted, item)
	return nil
}

type outcomeLog struct {
	domain.OutcomeLogStore
	events []domain.OutcomeEvent
}

func (l *outcomeLog) Append(ctx context.Context, e *domain.OutcomeEvent) error {
	l.events = append(l.events, *e)
	return nil
}

type actionLog struct {
	domain.ActionOutcomeStore
	actions []domain.ActionOutcome
}

func (l *actionLog) Append(ctx context.Context, a *domain.ActionOutcome) error {
	l.actions = append(l.actions, *a)
	return nil
}

func newTestRecorder(records *outcomeRecords) (*OutcomeRecorder, *outcomeLog) {
	log := &outcomeLog{}
	return NewOutcomeRecorder(records, log, &actionLog{}, &stubLexical{}, zap.NewNop()), log
}

func TestRecordFeedbackMapsScores(t *testing.T) {
	records := &outcomeRecords{}
	rec, log := newTestRecorder(records)
	id := uuid.New()

	if err := rec.RecordFeedback(context.Background(), "u1", id, 1); err != nil {
		t.Fatalf("positive feedback: %v", err)
	}
	if err := rec.RecordFeedback(context.Background(), "u1", id, -1); err != nil {
		t.Fatalf("negative feedback: %v", err)
	}
	if err := rec.RecordFeedback(context.Background(), "u1", id, 0); err != nil {
		t.Fatalf("neutral feedback: %v", err)
	}

	want := []domain.Outcome{domain.OutcomeWorked, domain.OutcomeFailed, domain.OutcomePartial}
	if len(records.applied) != 3 {
		t.Fatalf("applied %d outcomes, want 3", len(records.applied))
	}
	for i, o := range want {
		if records.applied[i] != o {
			t.Errorf("outcome %d = %s, want %s", i, records.applied[i], o)
		}
	}
	if len(log.events) != 3 {
		t.Fatalf("logged %d events, want 3", len(log.events))
	}
}

func TestRecordFeedbackRejectsBadScore(t *testing.T) {
	rec, _ := newTestRecorder(&outcomeRecords{})
	if err := rec.RecordFeedback(context.Background(), "u1", uuid.New(), 5); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("err = %v, want invalid input", err)
	}
}

func TestRecordOutcomeContinuesPastFailures(t *testing.T) {
	bad := uuid.New()
	good := uuid.New()
	records := &outcomeRecords{failFor: bad}
	rec, _ := newTestRecorder(records)

	err := rec.RecordOutcome(context.Background(), "u1", domain.OutcomeWorked, []uuid.UUID{bad, good})
	if err == nil {
		t.Fatal("first failure should be reported")
	}
	if len(records.applied) != 1 {
		t.Fatalf("applied %d outcomes, want 1; remaining ids must still be processed", len(records.applied))
	}
}

func TestRecordResponseStoresHistoryTakeaway(t *testing.T) {
	records := &outcomeRecords{}
	rec, _ := newTestRecorder(records)

	id, err := rec.RecordResponse(context.Background(), "u1", "user prefers staging deploys on fridays", nil, nil)
	if err != nil {
		t.Fatalf("RecordResponse: %v", err)
	}
	if id == uuid.Nil {
		t.Fatal("no memory id returned")
	}
	if len(records.inserted) != 1 {
		t.Fatalf("inserted %d items, want 1", len(records.inserted))
	}
	item := records.inserted[0]
	if item.Tier != domain.TierHistory {
		t.Fatalf("tier = %s, want history", item.Tier)
	}
	if item.ExpiresAt == nil {
		t.Fatal("history takeaway must carry a TTL")
	}
}

func TestRecordResponseAppliesOutcomeToRelated(t *testing.T) {
	records := &outcomeRecords{}
	rec, _ := newTestRecorder(records)
	related := uuid.New()
	worked := domain.OutcomeWorked

	if _, err := rec.RecordResponse(context.Background(), "u1", "takeaway", &worked, []uuid.UUID{related}); err != nil {
		t.Fatalf("RecordResponse: %v", err)
	}
	// The new item and the related one both receive the outcome.
	if len(records.applied) != 2 {
		t.Fatalf("applied %d outcomes, want 2", len(records.applied))
	}
}

func TestRankAdjustmentAccumulates(t *testing.T) {
	rec, _ := newTestRecorder(&outcomeRecords{})
	id := uuid.New()

	if got := rec.RankAdjustment(id); got != 0.5 {
		t.Fatalf("initial adjustment = %f, want 0.5", got)
	}
	if err := rec.RecordFeedback(context.Background(), "u1", id, 1); err != nil {
		t.Fatal(err)
	}
	if got := rec.RankAdjustment(id); got != 0.7 {
		t.Fatalf("after worked = %f, want 0.7", got)
	}
	if err := rec.RecordFeedback(context.Background(), "u1", id, -1); err != nil {
		t.Fatal(err)
	}
	if got := rec.RankAdjustment(id); got < 0.39 || got > 0.41 {
		t.Fatalf("after failed = %f, want 0.4", got)
	}
}
