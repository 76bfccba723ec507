package service

import (
	"context"
	"sync"
	"testing"

	"github.com/bricksllm/memtier/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// memGhostStore is a full in-memory GhostStore.
type memGhostStore struct {
	entries map[uuid.UUID]domain.GhostEntry
}

func newMemGhostStore() *memGhostStore {
	return &memGhostStore{entries: make(map[uuid.UUID]domain.GhostEntry)}
}

func (s *memGhostStore) Ghost(ctx context.Context, e *domain.GhostEntry) error {
	s.entries[e.MemoryID] = *e
	return nil
}

func (s *memGhostStore) Restore(ctx context.Context, userID string, id uuid.UUID) error {
	delete(s.entries, id)
	return nil
}

func (s *memGhostStore) List(ctx context.Context, userID string) ([]domain.GhostEntry, error) {
	var out []domain.GhostEntry
	for _, e := range s.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memGhostStore) ClearByTier(ctx context.Context, userID string, tier domain.Tier) (int64, error) {
	var n int64
	for id, e := range s.entries {
		if e.UserID == userID && e.Tier == tier {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

func TestGhostAndRestore(t *testing.T) {
	reg := NewGhostRegistry(newMemGhostStore(), zap.NewNop())
	ctx := context.Background()
	id := uuid.New()

	if err := reg.Ghost(ctx, "u1", id, domain.TierWorking); err != nil {
		t.Fatalf("Ghost: %v", err)
	}
	ghosted, err := reg.IsGhosted(ctx, "u1", id)
	if err != nil || !ghosted {
		t.Fatalf("IsGhosted = (%v, %v), want (true, nil)", ghosted, err)
	}

	if err := reg.Restore(ctx, "u1", id); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	ghosted, err = reg.IsGhosted(ctx, "u1", id)
	if err != nil || ghosted {
		t.Fatal("restored item still ghosted")
	}
}

func TestFilterGhostedPreservesOrder(t *testing.T) {
	reg := NewGhostRegistry(newMemGhostStore(), zap.NewNop())
	ctx := context.Background()

	a, b, c := uuid.New(), uuid.New(), uuid.New()
	if err := reg.Ghost(ctx, "u1", b, domain.TierWorking); err != nil {
		t.Fatal(err)
	}

	out, err := reg.FilterGhosted(ctx, "u1", []uuid.UUID{a, b, c})
	if err != nil {
		t.Fatalf("FilterGhosted: %v", err)
	}
	if len(out) != 2 || out[0] != a || out[1] != c {
		t.Fatalf("filter output = %v", out)
	}
}

func TestGhostCacheWriteThrough(t *testing.T) {
	store := newMemGhostStore()
	reg := NewGhostRegistry(store, zap.NewNop())
	ctx := context.Background()
	id := uuid.New()

	// Prime the cache, then ghost through the registry. The cached set
	// must see the new entry without a reload.
	if _, err := reg.IsGhosted(ctx, "u1", id); err != nil {
		t.Fatal(err)
	}
	if err := reg.Ghost(ctx, "u1", id, domain.TierHistory); err != nil {
		t.Fatal(err)
	}
	ghosted, err := reg.IsGhosted(ctx, "u1", id)
	if err != nil || !ghosted {
		t.Fatal("cache not updated write-through")
	}
}

func TestRegistryConcurrentFilterAndMutate(t *testing.T) {
	reg := NewGhostRegistry(newMemGhostStore(), zap.NewNop())
	ctx := context.Background()

	ids := make([]uuid.UUID, 8)
	for i := range ids {
		ids[i] = uuid.New()
	}
	if _, err := reg.FilterGhosted(ctx, "u1", ids); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if _, err := reg.FilterGhosted(ctx, "u1", ids); err != nil {
				t.Error(err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			id := ids[i%len(ids)]
			if err := reg.Ghost(ctx, "u1", id, domain.TierWorking); err != nil {
				t.Error(err)
				return
			}
			if err := reg.Restore(ctx, "u1", id); err != nil {
				t.Error(err)
				return
			}
		}
	}()
	wg.Wait()
}

func TestClearByTierDropsCache(t *testing.T) {
	store := newMemGhostStore()
	reg := NewGhostRegistry(store, zap.NewNop())
	ctx := context.Background()
	id := uuid.New()

	if err := reg.Ghost(ctx, "u1", id, domain.TierWorking); err != nil {
		t.Fatal(err)
	}
	n, err := reg.ClearByTier(ctx, "u1", domain.TierWorking)
	if err != nil || n != 1 {
		t.Fatalf("ClearByTier = (%d, %v), want (1, nil)", n, err)
	}
	ghosted, err := reg.IsGhosted(ctx, "u1", id)
	if err != nil || ghosted {
		t.Fatal("cleared entry still visible through the cache")
	}
}
