package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bricksllm/memtier/internal/breaker"
	"github.com/bricksllm/memtier/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// stubRecords implements the RecordStore methods retrieval touches.
type stubRecords struct {
	domain.RecordStore
	items map[uuid.UUID]domain.MemoryItem
}

func (s *stubRecords) GetByIDs(ctx context.Context, userID string, ids []uuid.UUID) ([]domain.MemoryItem, error) {
	var out []domain.MemoryItem
	for _, id := range ids {
		if item, ok := s.items[id]; ok && item.UserID == userID {
			out = append(out, item)
		}
	}
	return out, nil
}

func (s *stubRecords) GetByID(ctx context.Context, userID string, id uuid.UUID) (*domain.MemoryItem, error) {
	if item, ok := s.items[id]; ok && item.UserID == userID {
		return &item, nil
	}
	return nil, domain.ErrNotFound
}

type stubVectors struct {
	domain.VectorIndex
	hits      []domain.VectorHit
	err       error
	searches  int
	filterIDs []uuid.UUID
}

func (s *stubVectors) Search(ctx context.Context, q domain.VectorSearch) ([]domain.VectorHit, error) {
	s.searches++
	s.filterIDs = q.FilterIDs
	return s.hits, s.err
}

func (s *stubVectors) FilterByEntities(ctx context.Context, userID string, words []string, limit int) ([]uuid.UUID, error) {
	return nil, nil
}

func (s *stubVectors) Upsert(ctx context.Context, p domain.VectorPoint) error {
	return nil
}

type stubLexical struct {
	hits []domain.LexicalHit
	err  error
}

func (s *stubLexical) Score(ctx context.Context, userID, query string, limit int) ([]domain.LexicalHit, error) {
	return s.hits, s.err
}

func (s *stubLexical) InvalidateUser(userID string) {}

type stubEmbedder struct {
	vec []float32
	err error
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return s.vec, s.err
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = s.vec
	}
	return out, s.err
}

func (s *stubEmbedder) Dim() int      { return len(s.vec) }
func (s *stubEmbedder) Model() string { return "stub" }

type stubReranker struct {
	scores []float64
	err    error
	calls  int
}

func (s *stubReranker) Rerank(ctx context.Context, query string, passages []string) ([]float64, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if len(s.scores) >= len(passages) {
		return s.scores[:len(passages)], nil
	}
	return s.scores, nil
}

type stubGhostStore struct {
	domain.GhostStore
	entries []domain.GhostEntry
}

func (s *stubGhostStore) List(ctx context.Context, userID string) ([]domain.GhostEntry, error) {
	return s.entries, nil
}

func testBreaker(name string) *breaker.Breaker {
	return breaker.New(name, breaker.Config{
		FailureThreshold:       3,
		SuccessThreshold:       2,
		OpenDuration:           30 * time.Second,
		HalfOpenMaxConcurrency: 1,
	})
}

func activeItem(userID, text string, tier domain.Tier) domain.MemoryItem {
	now := time.Now()
	return domain.MemoryItem{
		MemoryID:  uuid.New(),
		UserID:    userID,
		Tier:      tier,
		Status:    domain.StatusActive,
		Text:      text,
		Stats:     domain.ItemStats{WilsonScore: domain.InitialWilsonScore},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func newTestPipeline(records *stubRecords, vectors *stubVectors, lex *stubLexical, emb *stubEmbedder, rr domain.Reranker, ghosts domain.GhostStore) *Pipeline {
	if ghosts == nil {
		ghosts = &stubGhostStore{}
	}
	registry := NewGhostRegistry(ghosts, zap.NewNop())
	var reranker domain.Reranker
	if rr != nil {
		reranker = rr
	}
	return NewPipeline(records, vectors, lex, emb, reranker, registry,
		testBreaker("embedder"), testBreaker("vector"), testBreaker("reranker"),
		DefaultPipelineOptions(), zap.NewNop())
}

func TestRetrieveFusesVectorAndLexical(t *testing.T) {
	a := activeItem("u1", "prefers tabs over spaces", domain.TierWorking)
	b := activeItem("u1", "uses postgres in production", domain.TierHistory)
	records := &stubRecords{items: map[uuid.UUID]domain.MemoryItem{a.MemoryID: a, b.MemoryID: b}}
	vectors := &stubVectors{hits: []domain.VectorHit{
		{ID: a.MemoryID, Score: 0.9},
		{ID: b.MemoryID, Score: 0.8},
	}}
	lex := &stubLexical{hits: []domain.LexicalHit{{ID: b.MemoryID, Score: 4.2}}}

	p := newTestPipeline(records, vectors, lex, &stubEmbedder{vec: []float32{1, 0, 0}}, nil, nil)
	set, err := p.Retrieve(context.Background(), "u1", "what database do I use", QueryProfile{Limit: 10}, nil, 10, domain.SortByRelevance)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(set.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(set.Results))
	}
	for i, res := range set.Results {
		if res.Position != i+1 {
			t.Fatalf("position %d = %d", i, res.Position)
		}
		if res.Score.FinalScore <= 0 {
			t.Fatalf("final score missing on %s", res.MemoryID)
		}
	}
	if len(set.Debug.FallbacksUsed) != 0 {
		t.Fatalf("unexpected fallbacks: %v", set.Debug.FallbacksUsed)
	}
	if set.Debug.Confidence != domain.ConfidenceMedium {
		t.Fatalf("confidence = %s, want medium", set.Debug.Confidence)
	}
}

func TestRetrieveEmbedFailureFallsBackToLexical(t *testing.T) {
	a := activeItem("u1", "deploys with docker compose", domain.TierWorking)
	records := &stubRecords{items: map[uuid.UUID]domain.MemoryItem{a.MemoryID: a}}
	vectors := &stubVectors{}
	lex := &stubLexical{hits: []domain.LexicalHit{{ID: a.MemoryID, Score: 3.0}}}

	p := newTestPipeline(records, vectors, lex, &stubEmbedder{err: errors.New("provider down")}, nil, nil)
	set, err := p.Retrieve(context.Background(), "u1", "docker", QueryProfile{Limit: 10}, nil, 10, domain.SortByRelevance)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(set.Results) != 1 {
		t.Fatalf("got %d results, want 1", len(set.Results))
	}
	if !containsStr(set.Debug.FallbacksUsed, domain.FallbackNoVector) {
		t.Fatalf("fallbacks = %v, want no_vector", set.Debug.FallbacksUsed)
	}
	if vectors.searches != 0 {
		t.Fatal("vector search must be skipped when the query embed fails")
	}
	// A degraded pipeline never reports high confidence.
	if set.Debug.Confidence == domain.ConfidenceHigh {
		t.Fatal("confidence not downgraded on no_vector")
	}
}

func TestRetrieveColdStart(t *testing.T) {
	records := &stubRecords{items: map[uuid.UUID]domain.MemoryItem{}}
	p := newTestPipeline(records, &stubVectors{}, &stubLexical{}, &stubEmbedder{vec: []float32{1}}, nil, nil)

	set, err := p.Retrieve(context.Background(), "u1", "anything", QueryProfile{Limit: 10}, nil, 10, domain.SortByRelevance)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(set.Results) != 0 {
		t.Fatalf("got %d results, want 0", len(set.Results))
	}
	if !containsStr(set.Debug.FallbacksUsed, domain.FallbackColdStart) {
		t.Fatalf("fallbacks = %v, want cold_start", set.Debug.FallbacksUsed)
	}
	if set.Debug.Confidence != domain.ConfidenceLow {
		t.Fatalf("confidence = %s, want low", set.Debug.Confidence)
	}
}

func TestRetrieveRerankFailureIsAbsorbed(t *testing.T) {
	a := activeItem("u1", "first candidate", domain.TierWorking)
	b := activeItem("u1", "second candidate", domain.TierWorking)
	records := &stubRecords{items: map[uuid.UUID]domain.MemoryItem{a.MemoryID: a, b.MemoryID: b}}
	vectors := &stubVectors{hits: []domain.VectorHit{
		{ID: a.MemoryID, Score: 0.8},
		{ID: b.MemoryID, Score: 0.7},
	}}
	rr := &stubReranker{err: errors.New("ce timeout")}

	p := newTestPipeline(records, vectors, &stubLexical{}, &stubEmbedder{vec: []float32{1}}, rr, nil)
	set, err := p.Retrieve(context.Background(), "u1", "candidates", QueryProfile{Limit: 10}, nil, 10, domain.SortByRelevance)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if rr.calls != 1 {
		t.Fatalf("reranker calls = %d, want 1", rr.calls)
	}
	if len(set.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(set.Results))
	}
	if !containsStr(set.Debug.FallbacksUsed, domain.FallbackRerankSkipped) {
		t.Fatalf("fallbacks = %v, want rerank_skipped", set.Debug.FallbacksUsed)
	}
}

func TestRetrieveRerankReorders(t *testing.T) {
	a := activeItem("u1", "loosely related note", domain.TierWorking)
	b := activeItem("u1", "exactly what was asked", domain.TierWorking)
	records := &stubRecords{items: map[uuid.UUID]domain.MemoryItem{a.MemoryID: a, b.MemoryID: b}}
	vectors := &stubVectors{hits: []domain.VectorHit{
		{ID: a.MemoryID, Score: 0.82},
		{ID: b.MemoryID, Score: 0.80},
	}}
	// The cross encoder strongly prefers the second candidate.
	rr := &stubReranker{scores: []float64{0.1, 0.99}}

	p := newTestPipeline(records, vectors, &stubLexical{}, &stubEmbedder{vec: []float32{1}}, rr, nil)
	set, err := p.Retrieve(context.Background(), "u1", "the asked thing", QueryProfile{Limit: 10}, nil, 10, domain.SortByRelevance)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(set.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(set.Results))
	}
	if set.Results[0].Score.CEScore == 0 && set.Results[1].Score.CEScore == 0 {
		t.Fatal("ce scores not recorded")
	}
}

func TestRetrieveMemoryBankQualityWins(t *testing.T) {
	strong := activeItem("u1", "curated: user is a backend engineer", domain.TierMemoryBank)
	strong.Quality = domain.Quality{Importance: 0.9, Confidence: 1.0}
	weak := activeItem("u1", "curated: user once mentioned go", domain.TierMemoryBank)
	weak.Quality = domain.Quality{Importance: 0.2, Confidence: 1.0}

	records := &stubRecords{items: map[uuid.UUID]domain.MemoryItem{strong.MemoryID: strong, weak.MemoryID: weak}}
	vectors := &stubVectors{hits: []domain.VectorHit{
		{ID: weak.MemoryID, Score: 0.8},
		{ID: strong.MemoryID, Score: 0.8},
	}}

	p := newTestPipeline(records, vectors, &stubLexical{}, &stubEmbedder{vec: []float32{1}}, nil, nil)
	set, err := p.Retrieve(context.Background(), "u1", "who is the user", QueryProfile{Limit: 10}, nil, 10, domain.SortByRelevance)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(set.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(set.Results))
	}
	if set.Results[0].MemoryID != strong.MemoryID {
		t.Fatal("high-quality memory_bank item should outrank low-quality at equal similarity")
	}
	if set.Results[0].Score.QualityScore != 0.9 {
		t.Fatalf("quality score = %f, want 0.9", set.Results[0].Score.QualityScore)
	}
}

func TestRetrieveGhostedItemsHidden(t *testing.T) {
	a := activeItem("u1", "visible memory", domain.TierWorking)
	b := activeItem("u1", "ghosted memory", domain.TierWorking)
	records := &stubRecords{items: map[uuid.UUID]domain.MemoryItem{a.MemoryID: a, b.MemoryID: b}}
	vectors := &stubVectors{hits: []domain.VectorHit{
		{ID: b.MemoryID, Score: 0.95},
		{ID: a.MemoryID, Score: 0.5},
	}}
	ghosts := &stubGhostStore{entries: []domain.GhostEntry{{UserID: "u1", MemoryID: b.MemoryID}}}

	p := newTestPipeline(records, vectors, &stubLexical{}, &stubEmbedder{vec: []float32{1}}, nil, ghosts)
	set, err := p.Retrieve(context.Background(), "u1", "memories", QueryProfile{Limit: 10}, nil, 10, domain.SortByRelevance)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(set.Results) != 1 || set.Results[0].MemoryID != a.MemoryID {
		t.Fatalf("ghosted item leaked: %+v", set.Results)
	}
	if set.Results[0].Position != 1 {
		t.Fatal("positions must be renumbered after the ghost filter")
	}
}

func TestRetrieveLimitClamp(t *testing.T) {
	records := &stubRecords{items: map[uuid.UUID]domain.MemoryItem{}}
	var hits []domain.VectorHit
	for i := 0; i < 80; i++ {
		item := activeItem("u1", "note", domain.TierWorking)
		records.items[item.MemoryID] = item
		hits = append(hits, domain.VectorHit{ID: item.MemoryID, Score: 0.9 - float64(i)*0.001})
	}
	vectors := &stubVectors{hits: hits}

	p := newTestPipeline(records, vectors, &stubLexical{}, &stubEmbedder{vec: []float32{1}}, nil, nil)
	set, err := p.Retrieve(context.Background(), "u1", "notes", QueryProfile{}, nil, 500, domain.SortByRelevance)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(set.Results) > DefaultPipelineOptions().SearchLimitMax {
		t.Fatalf("limit not clamped: %d results", len(set.Results))
	}
}

func TestRetrieveVectorStageDisabled(t *testing.T) {
	a := activeItem("u1", "lexical only result", domain.TierWorking)
	records := &stubRecords{items: map[uuid.UUID]domain.MemoryItem{a.MemoryID: a}}
	vectors := &stubVectors{hits: []domain.VectorHit{{ID: a.MemoryID, Score: 0.9}}}
	lex := &stubLexical{hits: []domain.LexicalHit{{ID: a.MemoryID, Score: 2.0}}}

	p := newTestPipeline(records, vectors, lex, &stubEmbedder{vec: []float32{1}}, nil, nil)
	p.DisableVectorStage("dimension mismatch")

	set, err := p.Retrieve(context.Background(), "u1", "result", QueryProfile{Limit: 10}, nil, 10, domain.SortByRelevance)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if vectors.searches != 0 {
		t.Fatal("vector search ran while disabled")
	}
	if !containsStr(set.Debug.FallbacksUsed, domain.FallbackNoVector) {
		t.Fatalf("fallbacks = %v, want no_vector", set.Debug.FallbacksUsed)
	}
	if len(set.Results) != 1 {
		t.Fatalf("got %d results, want 1", len(set.Results))
	}
}

func TestRetrieveInvalidInput(t *testing.T) {
	p := newTestPipeline(&stubRecords{}, &stubVectors{}, &stubLexical{}, &stubEmbedder{vec: []float32{1}}, nil, nil)
	if _, err := p.Retrieve(context.Background(), "", "q", QueryProfile{}, nil, 10, domain.SortByRelevance); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("empty user id: err = %v", err)
	}
	if _, err := p.Retrieve(context.Background(), "u1", "q", QueryProfile{}, nil, -1, domain.SortByRelevance); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("negative limit: err = %v", err)
	}
}

func TestRetrieveSortByRecency(t *testing.T) {
	older := activeItem("u1", "older note", domain.TierWorking)
	older.UpdatedAt = time.Now().Add(-48 * time.Hour)
	newer := activeItem("u1", "newer note", domain.TierWorking)

	records := &stubRecords{items: map[uuid.UUID]domain.MemoryItem{older.MemoryID: older, newer.MemoryID: newer}}
	vectors := &stubVectors{hits: []domain.VectorHit{
		{ID: older.MemoryID, Score: 0.99},
		{ID: newer.MemoryID, Score: 0.5},
	}}

	p := newTestPipeline(records, vectors, &stubLexical{}, &stubEmbedder{vec: []float32{1}}, nil, nil)
	set, err := p.Retrieve(context.Background(), "u1", "notes", QueryProfile{Limit: 10}, nil, 10, domain.SortByRecency)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if set.Results[0].MemoryID != newer.MemoryID {
		t.Fatal("recency sort should rank the newer item first regardless of similarity")
	}
}

func rerankConfidencePipeline(t *testing.T, rerankK int) (*Pipeline, *stubReranker) {
	t.Helper()
	records := &stubRecords{items: map[uuid.UUID]domain.MemoryItem{}}
	var hits []domain.VectorHit
	for i := 0; i < 4; i++ {
		item := activeItem("u1", "note about retry policies", domain.TierWorking)
		records.items[item.MemoryID] = item
		hits = append(hits, domain.VectorHit{ID: item.MemoryID, Score: 0.8})
	}
	rr := &stubReranker{scores: []float64{0.9, 0.8, 0.7, 0.6}}

	opts := DefaultPipelineOptions()
	opts.RerankK = rerankK
	registry := NewGhostRegistry(&stubGhostStore{}, zap.NewNop())
	p := NewPipeline(records, &stubVectors{hits: hits}, &stubLexical{}, &stubEmbedder{vec: []float32{1}}, rr, registry,
		testBreaker("embedder"), testBreaker("vector"), testBreaker("reranker"),
		opts, zap.NewNop())
	return p, rr
}

func TestConfidenceUpgradeNeedsFullRerankCoverage(t *testing.T) {
	// RerankK truncates the head to 2 of 4 candidates, so the tail was
	// never vetted and the upgrade must be withheld.
	p, rr := rerankConfidencePipeline(t, 2)
	set, err := p.Retrieve(context.Background(), "u1", "retry policy", QueryProfile{Limit: 10}, nil, 10, domain.SortByRelevance)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if rr.calls != 1 {
		t.Fatalf("reranker calls = %d, want 1", rr.calls)
	}
	if set.Debug.Confidence != domain.ConfidenceMedium {
		t.Fatalf("confidence = %s, want medium without full coverage", set.Debug.Confidence)
	}
}

func TestConfidenceUpgradeOnFullRerankCoverage(t *testing.T) {
	p, _ := rerankConfidencePipeline(t, 10)
	set, err := p.Retrieve(context.Background(), "u1", "retry policy", QueryProfile{Limit: 10}, nil, 10, domain.SortByRelevance)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if set.Debug.Confidence != domain.ConfidenceHigh {
		t.Fatalf("confidence = %s, want high when every candidate was reranked", set.Debug.Confidence)
	}
}

func TestLabelConfidence(t *testing.T) {
	mk := func(scores ...float64) []domain.SearchResult {
		out := make([]domain.SearchResult, len(scores))
		for i, s := range scores {
			out[i] = domain.SearchResult{Score: domain.ScoreSummary{FinalScore: s}}
		}
		return out
	}

	if got := labelConfidence(nil); got != domain.ConfidenceLow {
		t.Fatalf("empty = %s", got)
	}
	if got := labelConfidence(mk(0.8, 0.7, 0.6)); got != domain.ConfidenceHigh {
		t.Fatalf("three strong results = %s", got)
	}
	if got := labelConfidence(mk(0.8, 0.7)); got != domain.ConfidenceMedium {
		t.Fatalf("two strong results = %s, want medium", got)
	}
	if got := labelConfidence(mk(0.3)); got != domain.ConfidenceLow {
		t.Fatalf("weak top = %s, want low", got)
	}
}
