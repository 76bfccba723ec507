package store

import (
	"context"
	"fmt"
	"time"

	"github.com/bricksllm/memtier/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OutcomeLogStore is the append-only record of outcomes, joined back to
// item text for the past-failures section of context assembly.
type OutcomeLogStore struct {
	db *pgxpool.Pool
}

var _ domain.OutcomeLogStore = (*OutcomeLogStore)(nil)

func NewOutcomeLogStore(db *pgxpool.Pool) *OutcomeLogStore {
	return &OutcomeLogStore{db: db}
}

func (s *OutcomeLogStore) Append(ctx context.Context, e *domain.OutcomeEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	err := s.db.QueryRow(ctx,
		`INSERT INTO outcome_events (id, user_id, memory_id, outcome, reason)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING occurred_at`,
		e.ID, e.UserID, e.MemoryID, e.Outcome, e.Reason,
	).Scan(&e.OccurredAt)
	if err != nil {
		return fmt.Errorf("append outcome event: %w", err)
	}
	return nil
}

func (s *OutcomeLogStore) RecentFailed(ctx context.Context, userID string, since time.Time, limit int) ([]domain.FailedOutcome, error) {
	rows, err := s.db.Query(ctx,
		`SELECT e.memory_id, COALESCE(m.text_content, ''), e.reason, e.occurred_at
		 FROM outcome_events e
		 LEFT JOIN memory_items m ON m.memory_id = e.memory_id
		 WHERE e.user_id = $1 AND e.outcome = 'failed' AND e.occurred_at >= $2
		 ORDER BY e.occurred_at DESC
		 LIMIT $3`,
		userID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("recent failed outcomes: %w", err)
	}
	defer rows.Close()

	var out []domain.FailedOutcome
	for rows.Next() {
		var f domain.FailedOutcome
		if err := rows.Scan(&f.MemoryID, &f.Text, &f.Reason, &f.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan failed outcome: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *OutcomeLogStore) ListByUser(ctx context.Context, userID string, limit int) ([]domain.OutcomeEvent, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, user_id, memory_id, outcome, reason, occurred_at
		 FROM outcome_events WHERE user_id = $1
		 ORDER BY occurred_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list outcome events: %w", err)
	}
	defer rows.Close()

	var events []domain.OutcomeEvent
	for rows.Next() {
		var e domain.OutcomeEvent
		if err := rows.Scan(&e.ID, &e.UserID, &e.MemoryID, &e.Outcome, &e.Reason, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan outcome event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *OutcomeLogStore) CountByUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM outcome_events WHERE user_id = $1`,
		userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count outcome events: %w", err)
	}
	return n, nil
}
