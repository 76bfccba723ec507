package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bricksllm/memtier/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type conRecords struct {
	domain.RecordStore
	items map[uuid.UUID]*domain.MemoryItem

	embeddings map[uuid.UUID][]float32
	stored     []uuid.UUID
	reindexed  []uuid.UUID
}

func newConRecords(items ...*domain.MemoryItem) *conRecords {
	r := &conRecords{
		items:      make(map[uuid.UUID]*domain.MemoryItem),
		embeddings: make(map[uuid.UUID][]float32),
	}
	for _, item := range items {
		r.items[item.MemoryID] = item
	}
	return r
}

func (r *conRecords) ListUsers(ctx context.Context) ([]string, error) {
	return []string{"u1"}, nil
}

func (r *conRecords) Query(ctx context.Context, q domain.ItemQuery) ([]domain.MemoryItem, error) {
	var out []domain.MemoryItem
	for _, item := range r.items {
		if item.UserID == q.UserID && item.Status == domain.StatusActive {
			out = append(out, *item)
		}
	}
	return out, nil
}

func (r *conRecords) GetByID(ctx context.Context, userID string, id uuid.UUID) (*domain.MemoryItem, error) {
	if item, ok := r.items[id]; ok && item.UserID == userID {
		copied := *item
		return &copied, nil
	}
	return nil, domain.ErrNotFound
}

func (r *conRecords) GetEmbedding(ctx context.Context, id uuid.UUID) ([]float32, error) {
	return r.embeddings[id], nil
}

func (r *conRecords) StoreEmbedding(ctx context.Context, id uuid.UUID, vector []float32, meta domain.EmbeddingMeta) error {
	r.embeddings[id] = vector
	r.stored = append(r.stored, id)
	return nil
}

func (r *conRecords) MarkForReindex(ctx context.Context, id uuid.UUID, reason string) error {
	r.reindexed = append(r.reindexed, id)
	return nil
}

type conVectors struct {
	domain.VectorIndex
	points map[uuid.UUID]domain.PointPayload

	upserts []uuid.UUID
	deletes []uuid.UUID
}

func newConVectors() *conVectors {
	return &conVectors{points: make(map[uuid.UUID]domain.PointPayload)}
}

func (v *conVectors) Scroll(ctx context.Context, userID string, pageSize int, cursor string) ([]domain.VectorHit, string, error) {
	var hits []domain.VectorHit
	for id, payload := range v.points {
		hits = append(hits, domain.VectorHit{ID: id, Payload: payload})
	}
	return hits, "", nil
}

func (v *conVectors) Upsert(ctx context.Context, p domain.VectorPoint) error {
	v.points[p.ID] = p.Payload
	v.upserts = append(v.upserts, p.ID)
	return nil
}

func (v *conVectors) Delete(ctx context.Context, ids []uuid.UUID) error {
	for _, id := range ids {
		delete(v.points, id)
	}
	v.deletes = append(v.deletes, ids...)
	return nil
}

type conLogs struct {
	domain.ConsistencyLogStore
	entries []domain.ConsistencyLog
}

func (l *conLogs) Append(ctx context.Context, entry *domain.ConsistencyLog) error {
	l.entries = append(l.entries, *entry)
	return nil
}

func newTestChecker(records *conRecords, vectors *conVectors, emb domain.Embedder) (*ConsistencyChecker, *conLogs) {
	logs := &conLogs{}
	return NewConsistencyChecker(records, vectors, emb, logs, zap.NewNop()), logs
}

func consistentItem(text string) *domain.MemoryItem {
	item := activeItem("u1", text, domain.TierWorking)
	item.Embedding.VectorHash = domain.ContentHash(text)
	return &item
}

func TestCheckRepairsMissingPoint(t *testing.T) {
	item := consistentItem("fact without a vector point")
	records := newConRecords(item)
	records.embeddings[item.MemoryID] = []float32{0.1, 0.2}
	vectors := newConVectors()
	checker, logs := newTestChecker(records, vectors, &stubEmbedder{vec: []float32{1}})

	result, err := checker.Check(context.Background(), ConsistencyCheckOptions{UserID: "u1"})
	assert.NoError(t, err)
	assert.Equal(t, 1, result.MissingRepaired)
	assert.Equal(t, 0, result.Errors)
	assert.Contains(t, vectors.upserts, item.MemoryID)
	// The durable copy was fresh, so no re-embed happened.
	assert.Empty(t, records.stored)
	assert.Len(t, logs.entries, 1)
	assert.Equal(t, "missing_point", logs.entries[0].Type)
	assert.True(t, logs.entries[0].Repaired)
}

func TestCheckReembedsStaleCopy(t *testing.T) {
	item := consistentItem("edited after last index")
	item.Embedding.VectorHash = "stale"
	records := newConRecords(item)
	records.embeddings[item.MemoryID] = []float32{0.1, 0.2}
	vectors := newConVectors()
	checker, _ := newTestChecker(records, vectors, &stubEmbedder{vec: []float32{0.9}})

	result, err := checker.Check(context.Background(), ConsistencyCheckOptions{UserID: "u1"})
	assert.NoError(t, err)
	assert.Equal(t, 1, result.MissingRepaired)
	assert.Contains(t, records.stored, item.MemoryID, "stale durable copy must be replaced")
	assert.Contains(t, vectors.upserts, item.MemoryID)
}

func TestCheckDeletesOrphans(t *testing.T) {
	records := newConRecords()
	vectors := newConVectors()
	orphan := uuid.New()
	vectors.points[orphan] = domain.PointPayload{UserID: "u1"}
	checker, logs := newTestChecker(records, vectors, &stubEmbedder{vec: []float32{1}})

	result, err := checker.Check(context.Background(), ConsistencyCheckOptions{UserID: "u1"})
	assert.NoError(t, err)
	assert.Equal(t, 1, result.OrphansDeleted)
	assert.Contains(t, vectors.deletes, orphan)
	assert.Len(t, logs.entries, 1)
	assert.Equal(t, "orphan_point", logs.entries[0].Type)
}

func TestCheckFlagsHashMismatch(t *testing.T) {
	item := consistentItem("current text")
	records := newConRecords(item)
	vectors := newConVectors()
	vectors.points[item.MemoryID] = domain.PointPayload{
		UserID:      "u1",
		ContentHash: domain.ContentHash("older text"),
	}
	checker, _ := newTestChecker(records, vectors, &stubEmbedder{vec: []float32{1}})

	result, err := checker.Check(context.Background(), ConsistencyCheckOptions{UserID: "u1"})
	assert.NoError(t, err)
	assert.Equal(t, 1, result.HashMismatches)
	assert.Contains(t, records.reindexed, item.MemoryID)
}

func TestCheckDryRunWritesNothing(t *testing.T) {
	missing := consistentItem("no vector point")
	records := newConRecords(missing)
	records.embeddings[missing.MemoryID] = []float32{0.1}
	vectors := newConVectors()
	orphan := uuid.New()
	vectors.points[orphan] = domain.PointPayload{UserID: "u1"}
	checker, _ := newTestChecker(records, vectors, &stubEmbedder{vec: []float32{1}})

	result, err := checker.Check(context.Background(), ConsistencyCheckOptions{UserID: "u1", DryRun: true})
	assert.NoError(t, err)
	assert.Equal(t, 1, result.MissingRepaired)
	assert.Equal(t, 1, result.OrphansDeleted)
	assert.Empty(t, vectors.upserts)
	assert.Empty(t, vectors.deletes)
}

func TestSchemaCheckRunsOnItsOwnCadence(t *testing.T) {
	records := newConRecords()
	vectors := newConVectors()
	checker, _ := newTestChecker(records, vectors, &stubEmbedder{vec: []float32{1}})
	checker.SetSchedule(time.Hour, time.Millisecond, 10)

	var runs atomic.Int32
	checker.SetSchemaCheck(func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, 5*time.Millisecond)

	checker.Start()
	time.Sleep(60 * time.Millisecond)
	checker.Stop()

	assert.GreaterOrEqual(t, runs.Load(), int32(1), "schema check never fired")
}

func TestCheckSkipsInFlightReindexIDs(t *testing.T) {
	item := consistentItem("being rebuilt right now")
	records := newConRecords(item)
	vectors := newConVectors()
	checker, _ := newTestChecker(records, vectors, &stubEmbedder{vec: []float32{1}})
	checker.SetSkipFunc(func(id uuid.UUID) bool { return id == item.MemoryID })

	result, err := checker.Check(context.Background(), ConsistencyCheckOptions{UserID: "u1"})
	assert.NoError(t, err)
	assert.Equal(t, 0, result.Checked)
	assert.Empty(t, vectors.upserts)
}
