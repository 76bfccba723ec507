package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/bricksllm/memtier/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CheckpointStore persists reindex progress so an interrupted job picks
// up where it stopped instead of starting over.
type CheckpointStore struct {
	db *pgxpool.Pool
}

var _ domain.CheckpointStore = (*CheckpointStore)(nil)

func NewCheckpointStore(db *pgxpool.Pool) *CheckpointStore {
	return &CheckpointStore{db: db}
}

func (s *CheckpointStore) Save(ctx context.Context, cp *domain.ReindexCheckpoint) error {
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	err := s.db.QueryRow(ctx,
		`INSERT INTO reindex_checkpoints (id, job_id, user_id, tier, cursor_at, last_id, processed, failed)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
			cursor_at = EXCLUDED.cursor_at,
			last_id = EXCLUDED.last_id,
			processed = EXCLUDED.processed,
			failed = EXCLUDED.failed,
			updated_at = NOW()
		 RETURNING updated_at`,
		cp.ID, cp.JobID, cp.UserID, cp.Tier, cp.Cursor, cp.LastID, cp.Processed, cp.Failed,
	).Scan(&cp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *CheckpointStore) Latest(ctx context.Context, userID string, tier domain.Tier) (*domain.ReindexCheckpoint, error) {
	cp := &domain.ReindexCheckpoint{}
	err := s.db.QueryRow(ctx,
		`SELECT id, job_id, user_id, tier, cursor_at, last_id, processed, failed, updated_at
		 FROM reindex_checkpoints
		 WHERE user_id = $1 AND tier = $2
		 ORDER BY updated_at DESC LIMIT 1`,
		userID, tier,
	).Scan(&cp.ID, &cp.JobID, &cp.UserID, &cp.Tier, &cp.Cursor, &cp.LastID, &cp.Processed, &cp.Failed, &cp.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("latest checkpoint: %w", err)
	}
	return cp, nil
}

func (s *CheckpointStore) Clear(ctx context.Context, jobID uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM reindex_checkpoints WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("clear checkpoints: %w", err)
	}
	return nil
}
