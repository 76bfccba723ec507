package service

import (
	"context"
	"sync"

	"github.com/bricksllm/memtier/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// GhostRegistry hides items from retrieval without touching their
// records. The durable set lives in the ghost store; a per-user cache is
// kept write-through so the pipeline's filter never pays a round trip.
type GhostRegistry struct {
	store  domain.GhostStore
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]map[uuid.UUID]struct{}
}

func NewGhostRegistry(store domain.GhostStore, logger *zap.Logger) *GhostRegistry {
	return &GhostRegistry{
		store:  store,
		logger: logger,
		cache:  make(map[string]map[uuid.UUID]struct{}),
	}
}

func (g *GhostRegistry) Ghost(ctx context.Context, userID string, id uuid.UUID, tier domain.Tier) error {
	entry := &domain.GhostEntry{UserID: userID, MemoryID: id, Tier: tier}
	if err := g.store.Ghost(ctx, entry); err != nil {
		return err
	}

	g.mu.Lock()
	if set, ok := g.cache[userID]; ok {
		set[id] = struct{}{}
	}
	g.mu.Unlock()

	g.logger.Debug("memory ghosted",
		zap.String("user_id", userID),
		zap.String("memory_id", id.String()))
	return nil
}

func (g *GhostRegistry) Restore(ctx context.Context, userID string, id uuid.UUID) error {
	if err := g.store.Restore(ctx, userID, id); err != nil {
		return err
	}

	g.mu.Lock()
	if set, ok := g.cache[userID]; ok {
		delete(set, id)
	}
	g.mu.Unlock()
	return nil
}

func (g *GhostRegistry) IsGhosted(ctx context.Context, userID string, id uuid.UUID) (bool, error) {
	set, err := g.setFor(ctx, userID)
	if err != nil {
		return false, err
	}
	_, ghosted := set[id]
	return ghosted, nil
}

// FilterGhosted returns ids with the user's ghosted set removed,
// preserving order.
func (g *GhostRegistry) FilterGhosted(ctx context.Context, userID string, ids []uuid.UUID) ([]uuid.UUID, error) {
	set, err := g.setFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(set) == 0 {
		return ids, nil
	}
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ghosted := set[id]; !ghosted {
			out = append(out, id)
		}
	}
	return out, nil
}

func (g *GhostRegistry) List(ctx context.Context, userID string) ([]domain.GhostEntry, error) {
	return g.store.List(ctx, userID)
}

func (g *GhostRegistry) ClearByTier(ctx context.Context, userID string, tier domain.Tier) (int64, error) {
	n, err := g.store.ClearByTier(ctx, userID, tier)
	if err != nil {
		return 0, err
	}
	g.mu.Lock()
	delete(g.cache, userID)
	g.mu.Unlock()
	return n, nil
}

// setFor returns a snapshot of the user's ghosted set. Callers get a
// private copy; the cached map is only ever touched under g.mu.
func (g *GhostRegistry) setFor(ctx context.Context, userID string) (map[uuid.UUID]struct{}, error) {
	g.mu.RLock()
	set, ok := g.cache[userID]
	if ok {
		snapshot := copySet(set)
		g.mu.RUnlock()
		return snapshot, nil
	}
	g.mu.RUnlock()

	entries, err := g.store.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	set = make(map[uuid.UUID]struct{}, len(entries))
	for _, e := range entries {
		set[e.MemoryID] = struct{}{}
	}

	g.mu.Lock()
	g.cache[userID] = set
	g.mu.Unlock()
	return copySet(set), nil
}

func copySet(set map[uuid.UUID]struct{}) map[uuid.UUID]struct{} {
	out := make(map[uuid.UUID]struct{}, len(set))
	for id := range set {
		out[id] = struct{}{}
	}
	return out
}
