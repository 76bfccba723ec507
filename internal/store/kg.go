package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bricksllm/memtier/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// KgStore holds the per-user knowledge graph of concepts and relations
// extracted from memory items.
type KgStore struct {
	db *pgxpool.Pool
}

var _ domain.KgStore = (*KgStore)(nil)

func NewKgStore(db *pgxpool.Pool) *KgStore {
	return &KgStore{db: db}
}

func (s *KgStore) UpsertNode(ctx context.Context, n *domain.KgNode) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	propsJSON, err := json.Marshal(n.Props)
	if err != nil {
		return fmt.Errorf("marshal node props: %w", err)
	}
	err = s.db.QueryRow(ctx,
		`INSERT INTO kg_nodes (id, user_id, kind, name, props)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, kind, name) DO UPDATE SET
			props = kg_nodes.props || EXCLUDED.props,
			updated_at = NOW()
		 RETURNING id, created_at, updated_at`,
		n.ID, n.UserID, n.Kind, n.Name, propsJSON,
	).Scan(&n.ID, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert kg node: %w", err)
	}
	return nil
}

func (s *KgStore) UpsertEdge(ctx context.Context, e *domain.KgEdge) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	err := s.db.QueryRow(ctx,
		`INSERT INTO kg_edges (id, user_id, from_id, to_id, relation, weight)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id, from_id, to_id, relation) DO UPDATE SET
			weight = kg_edges.weight + EXCLUDED.weight
		 RETURNING id, created_at`,
		e.ID, e.UserID, e.FromID, e.ToID, e.Relation, e.Weight,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert kg edge: %w", err)
	}
	return nil
}

func (s *KgStore) NodesByUser(ctx context.Context, userID string) ([]domain.KgNode, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, user_id, kind, name, props, created_at, updated_at
		 FROM kg_nodes WHERE user_id = $1 ORDER BY name`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("nodes by user: %w", err)
	}
	defer rows.Close()

	var nodes []domain.KgNode
	for rows.Next() {
		var n domain.KgNode
		var propsJSON []byte
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Name, &propsJSON, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan kg node: %w", err)
		}
		if len(propsJSON) > 0 {
			if err := json.Unmarshal(propsJSON, &n.Props); err != nil {
				return nil, fmt.Errorf("unmarshal node props: %w", err)
			}
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (s *KgStore) EdgesByUser(ctx context.Context, userID string) ([]domain.KgEdge, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, user_id, from_id, to_id, relation, weight, created_at
		 FROM kg_edges WHERE user_id = $1 ORDER BY weight DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("edges by user: %w", err)
	}
	defer rows.Close()

	var edges []domain.KgEdge
	for rows.Next() {
		var e domain.KgEdge
		if err := rows.Scan(&e.ID, &e.UserID, &e.FromID, &e.ToID, &e.Relation, &e.Weight, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan kg edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (s *KgStore) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM kg_nodes WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete kg by user: %w", err)
	}
	return tag.RowsAffected(), nil
}
