package store

import (
	"context"
	"fmt"

	"github.com/bricksllm/memtier/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ConsistencyLogStore struct {
	db *pgxpool.Pool
}

var _ domain.ConsistencyLogStore = (*ConsistencyLogStore)(nil)

func NewConsistencyLogStore(db *pgxpool.Pool) *ConsistencyLogStore {
	return &ConsistencyLogStore{db: db}
}

func (s *ConsistencyLogStore) Append(ctx context.Context, l *domain.ConsistencyLog) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	err := s.db.QueryRow(ctx,
		`INSERT INTO consistency_logs (id, type, memory_id, details, repaired)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at`,
		l.ID, l.Type, l.MemoryID, l.Details, l.Repaired,
	).Scan(&l.CreatedAt)
	if err != nil {
		return fmt.Errorf("append consistency log: %w", err)
	}
	return nil
}

func (s *ConsistencyLogStore) Recent(ctx context.Context, limit int) ([]domain.ConsistencyLog, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, type, memory_id, details, repaired, created_at
		 FROM consistency_logs ORDER BY created_at DESC LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("recent consistency logs: %w", err)
	}
	defer rows.Close()

	var logs []domain.ConsistencyLog
	for rows.Next() {
		var l domain.ConsistencyLog
		if err := rows.Scan(&l.ID, &l.Type, &l.MemoryID, &l.Details, &l.Repaired, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan consistency log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
