package store

import (
	"context"
	"fmt"

	"github.com/bricksllm/memtier/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ActionOutcomeStore struct {
	db *pgxpool.Pool
}

var _ domain.ActionOutcomeStore = (*ActionOutcomeStore)(nil)

func NewActionOutcomeStore(db *pgxpool.Pool) *ActionOutcomeStore {
	return &ActionOutcomeStore{db: db}
}

func (s *ActionOutcomeStore) Append(ctx context.Context, a *domain.ActionOutcome) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := s.db.QueryRow(ctx,
		`INSERT INTO action_outcomes (id, user_id, action, concept, tier, outcome, memory_ids)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING occurred_at`,
		a.ID, a.UserID, a.Action, a.Concept, a.Tier, a.Outcome, a.MemoryIDs,
	).Scan(&a.OccurredAt)
	if err != nil {
		return fmt.Errorf("append action outcome: %w", err)
	}
	return nil
}

// EffectivenessByConcept returns, per concept, the tier with the best
// worked ratio and enough samples to mean something.
func (s *ActionOutcomeStore) EffectivenessByConcept(ctx context.Context, userID string) ([]domain.TierEffectiveness, error) {
	rows, err := s.db.Query(ctx,
		`SELECT DISTINCT ON (concept) concept, tier,
			COUNT(*) FILTER (WHERE outcome = 'worked')::float8 / COUNT(*),
			COUNT(*)
		 FROM action_outcomes
		 WHERE user_id = $1 AND concept <> '' AND tier <> ''
		 GROUP BY concept, tier
		 HAVING COUNT(*) >= 3
		 ORDER BY concept,
			COUNT(*) FILTER (WHERE outcome = 'worked')::float8 / COUNT(*) DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("effectiveness by concept: %w", err)
	}
	defer rows.Close()

	var out []domain.TierEffectiveness
	for rows.Next() {
		var e domain.TierEffectiveness
		if err := rows.Scan(&e.Concept, &e.BestTier, &e.SuccessRate, &e.Samples); err != nil {
			return nil, fmt.Errorf("scan effectiveness: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
