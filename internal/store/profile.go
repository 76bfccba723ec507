package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bricksllm/memtier/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ProfileStore struct {
	db *pgxpool.Pool
}

var _ domain.ProfileStore = (*ProfileStore)(nil)

func NewProfileStore(db *pgxpool.Pool) *ProfileStore {
	return &ProfileStore{db: db}
}

func (s *ProfileStore) Get(ctx context.Context, userID string) (*domain.UserProfile, error) {
	p := &domain.UserProfile{}
	var dataJSON []byte
	err := s.db.QueryRow(ctx,
		`SELECT user_id, goals, values_list, data, message_count, updated_at
		 FROM user_profiles WHERE user_id = $1`,
		userID,
	).Scan(&p.UserID, &p.Goals, &p.Values, &dataJSON, &p.MessageCount, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}
	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &p.Data); err != nil {
			return nil, fmt.Errorf("unmarshal profile data: %w", err)
		}
	}
	return p, nil
}

func (s *ProfileStore) Upsert(ctx context.Context, p *domain.UserProfile) error {
	dataJSON, err := json.Marshal(p.Data)
	if err != nil {
		return fmt.Errorf("marshal profile data: %w", err)
	}
	err = s.db.QueryRow(ctx,
		`INSERT INTO user_profiles (user_id, goals, values_list, data)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id) DO UPDATE SET
			goals = EXCLUDED.goals,
			values_list = EXCLUDED.values_list,
			data = EXCLUDED.data,
			updated_at = NOW()
		 RETURNING message_count, updated_at`,
		p.UserID, p.Goals, p.Values, dataJSON,
	).Scan(&p.MessageCount, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// IncrementMessageCount bumps the per-user counter and returns the new
// value, creating the profile row on first use.
func (s *ProfileStore) IncrementMessageCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`INSERT INTO user_profiles (user_id, message_count)
		 VALUES ($1, 1)
		 ON CONFLICT (user_id) DO UPDATE SET
			message_count = user_profiles.message_count + 1,
			updated_at = NOW()
		 RETURNING message_count`,
		userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("increment message count: %w", err)
	}
	return n, nil
}
