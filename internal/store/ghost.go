package store

import (
	"context"
	"fmt"

	"github.com/bricksllm/memtier/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// GhostStore keeps the per-user soft-delete registry. Ghosted ids stay
// until restored; retrieval filters them out late so restored items
// reappear with history intact.
type GhostStore struct {
	db *pgxpool.Pool
}

var _ domain.GhostStore = (*GhostStore)(nil)

func NewGhostStore(db *pgxpool.Pool) *GhostStore {
	return &GhostStore{db: db}
}

func (s *GhostStore) Ghost(ctx context.Context, e *domain.GhostEntry) error {
	err := s.db.QueryRow(ctx,
		`INSERT INTO ghost_entries (user_id, memory_id, tier)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, memory_id) DO UPDATE SET ghosted_at = NOW()
		 RETURNING ghosted_at`,
		e.UserID, e.MemoryID, e.Tier,
	).Scan(&e.GhostedAt)
	if err != nil {
		return fmt.Errorf("ghost entry: %w", err)
	}
	return nil
}

func (s *GhostStore) Restore(ctx context.Context, userID string, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM ghost_entries WHERE user_id = $1 AND memory_id = $2`,
		userID, id)
	if err != nil {
		return fmt.Errorf("restore ghost: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *GhostStore) List(ctx context.Context, userID string) ([]domain.GhostEntry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT user_id, memory_id, tier, ghosted_at
		 FROM ghost_entries WHERE user_id = $1 ORDER BY ghosted_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list ghosts: %w", err)
	}
	defer rows.Close()

	var entries []domain.GhostEntry
	for rows.Next() {
		var e domain.GhostEntry
		if err := rows.Scan(&e.UserID, &e.MemoryID, &e.Tier, &e.GhostedAt); err != nil {
			return nil, fmt.Errorf("scan ghost: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *GhostStore) ClearByTier(ctx context.Context, userID string, tier domain.Tier) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM ghost_entries WHERE user_id = $1 AND tier = $2`,
		userID, tier)
	if err != nil {
		return 0, fmt.Errorf("clear ghosts by tier: %w", err)
	}
	return tag.RowsAffected(), nil
}
