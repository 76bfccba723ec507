package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/bricksllm/memtier/internal/breaker"
	"github.com/bricksllm/memtier/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	sourceVector  = "vector"
	sourceLexical = "lexical"
	sourceCE      = "ce"
)

type PipelineOptions struct {
	SearchLimitDefault       int
	SearchLimitMax           int
	CandidateFetchMultiplier int
	RerankK                  int
	VectorMinScore           float64
	CEMultiplierMax          float64
	DistanceReductionMax     float64
	EntityFilterLimit        int
	Bands                    RRFBands

	EmbedTimeout   time.Duration
	VectorTimeout  time.Duration
	LexicalTimeout time.Duration
	RerankTimeout  time.Duration
}

func DefaultPipelineOptions() PipelineOptions {
	return PipelineOptions{
		SearchLimitDefault:       10,
		SearchLimitMax:           50,
		CandidateFetchMultiplier: 3,
		RerankK:                  10,
		CEMultiplierMax:          2.0,
		DistanceReductionMax:     0.8,
		EntityFilterLimit:        200,
		Bands:                    DefaultRRFBands(),
		EmbedTimeout:             3 * time.Second,
		VectorTimeout:            10 * time.Second,
		LexicalTimeout:           1500 * time.Millisecond,
		RerankTimeout:            2 * time.Second,
	}
}

// Pipeline runs hybrid retrieval: dense and lexical candidate generation
// fused by reciprocal rank fusion, optional cross-encoder reranking, then
// per-item dynamic weighting and tier quality enforcement.
type Pipeline struct {
	records  domain.RecordStore
	vectors  domain.VectorIndex
	lexical  domain.LexicalIndex
	embedder domain.Embedder
	reranker domain.Reranker
	ghosts   *GhostRegistry

	embedBreaker  *breaker.Breaker
	vectorBreaker *breaker.Breaker
	rerankBreaker *breaker.Breaker

	opts   PipelineOptions
	logger *zap.Logger

	// vectorDisabled is set when the index schema does not match the
	// embedder and policy says to keep serving lexical-only.
	vectorDisabled atomic.Bool
}

func NewPipeline(
	records domain.RecordStore,
	vectors domain.VectorIndex,
	lex domain.LexicalIndex,
	embedder domain.Embedder,
	reranker domain.Reranker,
	ghosts *GhostRegistry,
	embedBreaker, vectorBreaker, rerankBreaker *breaker.Breaker,
	opts PipelineOptions,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		records:       records,
		vectors:       vectors,
		lexical:       lex,
		embedder:      embedder,
		reranker:      reranker,
		ghosts:        ghosts,
		embedBreaker:  embedBreaker,
		vectorBreaker: vectorBreaker,
		rerankBreaker: rerankBreaker,
		opts:          opts,
		logger:        logger,
	}
}

// DisableVectorStage permanently routes retrieval to lexical-only. Used
// when startup schema validation fails under the disable_vector_stage
// policy.
func (p *Pipeline) DisableVectorStage(reason string) {
	p.vectorDisabled.Store(true)
	p.logger.Warn("vector stage disabled", zap.String("reason", reason))
}

func (p *Pipeline) VectorStageDisabled() bool {
	return p.vectorDisabled.Load()
}

// RankedSet is the pipeline's output: ordered results plus the full
// items for assembly.
type RankedSet struct {
	Results []domain.SearchResult
	Items   map[uuid.UUID]domain.MemoryItem
	Debug   domain.DebugInfo
}

func (p *Pipeline) Retrieve(ctx context.Context, userID, query string, profile QueryProfile, tiers []domain.Tier, limit int, sortBy domain.SortBy) (*RankedSet, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", domain.ErrInvalidInput)
	}
	if limit < 0 {
		return nil, fmt.Errorf("%w: negative limit", domain.ErrInvalidInput)
	}
	if limit == 0 {
		limit = profile.Limit
	}
	if limit <= 0 {
		limit = p.opts.SearchLimitDefault
	}
	if limit > p.opts.SearchLimitMax {
		limit = p.opts.SearchLimitMax
	}

	set := &RankedSet{Items: make(map[uuid.UUID]domain.MemoryItem)}
	timings := make(map[string]int64)
	var fallbacks, stageErrors []string
	fetchLimit := limit * p.opts.CandidateFetchMultiplier

	// Stage 2: entity pre-filter constrains vector recall to items
	// sharing an entity with the query.
	var filterIDs []uuid.UUID
	if len(profile.Entities) > 0 && !p.vectorDisabled.Load() {
		start := time.Now()
		ids, err := p.vectors.FilterByEntities(ctx, userID, profile.Entities, p.opts.EntityFilterLimit)
		timings["entity_filter"] = time.Since(start).Milliseconds()
		if err != nil {
			stageErrors = append(stageErrors, fmt.Sprintf("entity_filter: %v", err))
		} else {
			filterIDs = ids
		}
	}

	// Stage 3: embed the query. Failure or an open breaker drops the
	// vector stage, never the request.
	var queryVec []float32
	if p.vectorDisabled.Load() {
		fallbacks = append(fallbacks, domain.FallbackNoVector)
	} else {
		start := time.Now()
		err := p.embedBreaker.Do(ctx, func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, p.opts.EmbedTimeout)
			defer cancel()
			vec, err := p.embedder.Embed(ctx, query)
			if err != nil {
				return err
			}
			queryVec = vec
			return nil
		})
		timings["embed"] = time.Since(start).Milliseconds()
		if err != nil {
			fallbacks = append(fallbacks, domain.FallbackNoVector)
			stageErrors = append(stageErrors, fmt.Sprintf("embed: %v", err))
			queryVec = nil
		}
	}

	// Stage 4: vector and lexical candidates in parallel, each under its
	// own deadline.
	var (
		vectorHits     []domain.VectorHit
		lexHits        []domain.LexicalHit
		vecErr, lexErr error
		vecMS, lexMS   int64
	)
	g, gctx := errgroup.WithContext(ctx)

	if queryVec != nil {
		g.Go(func() error {
			start := time.Now()
			vecErr = p.vectorBreaker.Do(gctx, func(ctx context.Context) error {
				ctx, cancel := context.WithTimeout(ctx, p.opts.VectorTimeout)
				defer cancel()
				hits, err := p.vectors.Search(ctx, domain.VectorSearch{
					UserID:    userID,
					Vector:    queryVec,
					Limit:     fetchLimit,
					Tiers:     tiers,
					MinScore:  p.opts.VectorMinScore,
					FilterIDs: filterIDs,
				})
				if err != nil {
					return err
				}
				vectorHits = hits
				return nil
			})
			vecMS = time.Since(start).Milliseconds()
			return nil
		})
	}
	g.Go(func() error {
		start := time.Now()
		lctx, cancel := context.WithTimeout(gctx, p.opts.LexicalTimeout)
		defer cancel()
		lexHits, lexErr = p.lexical.Score(lctx, userID, query, fetchLimit)
		lexMS = time.Since(start).Milliseconds()
		return nil
	})
	_ = g.Wait()

	if queryVec != nil {
		timings["vector"] = vecMS
		if vecErr != nil {
			fallbacks = append(fallbacks, domain.FallbackNoVector)
			stageErrors = append(stageErrors, fmt.Sprintf("vector: %v", vecErr))
		}
	}
	timings["lexical"] = lexMS
	if lexErr != nil {
		stageErrors = append(stageErrors, fmt.Sprintf("lexical: %v", lexErr))
		lexHits = nil
	}

	if len(vectorHits) == 0 && len(lexHits) > 0 && queryVec != nil {
		fallbacks = append(fallbacks, domain.FallbackLexicalOnly)
	}

	// Stage 5: reciprocal rank fusion with dynamic k.
	k := p.opts.Bands.K(len(query), profile.Specific)
	sources := map[string][]uuid.UUID{}
	vecScores := make(map[uuid.UUID]float64, len(vectorHits))
	if len(vectorHits) > 0 {
		ids := make([]uuid.UUID, len(vectorHits))
		for i, h := range vectorHits {
			ids[i] = h.ID
			vecScores[h.ID] = h.Score
		}
		sources[sourceVector] = ids
	}
	lexScores := make(map[uuid.UUID]float64, len(lexHits))
	if len(lexHits) > 0 {
		ids := make([]uuid.UUID, len(lexHits))
		for i, h := range lexHits {
			ids[i] = h.ID
			lexScores[h.ID] = h.Score
		}
		sources[sourceLexical] = ids
	}
	candidates := FuseRRF(sources, k)

	if len(candidates) == 0 {
		fallbacks = append(fallbacks, domain.FallbackColdStart)
		set.Debug = domain.DebugInfo{
			StageTimingsMS: timings,
			FallbacksUsed:  fallbacks,
			Errors:         stageErrors,
			Confidence:     domain.ConfidenceLow,
		}
		return set, nil
	}

	// Load candidate records once; everything downstream is pure.
	candidateIDs := make([]uuid.UUID, len(candidates))
	for i, c := range candidates {
		candidateIDs[i] = c.ID
	}
	items, err := p.records.GetByIDs(ctx, userID, candidateIDs)
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}
	for _, item := range items {
		set.Items[item.MemoryID] = item
	}

	// Stage 6: cross-encoder rerank over the fusion head, then re-fuse
	// with the CE ordering as a third source.
	ceScores := make(map[uuid.UUID]float64)
	ceUsed := false
	ceComplete := false
	if p.reranker != nil && len(candidates) >= 2 && p.rerankBreaker.Allow() {
		head := candidates
		if len(head) > p.opts.RerankK {
			head = head[:p.opts.RerankK]
		}
		passages := make([]string, 0, len(head))
		passageIDs := make([]uuid.UUID, 0, len(head))
		for _, c := range head {
			if item, ok := set.Items[c.ID]; ok {
				passages = append(passages, item.Text)
				passageIDs = append(passageIDs, c.ID)
			}
		}

		start := time.Now()
		err := p.rerankBreaker.Do(ctx, func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, p.opts.RerankTimeout)
			defer cancel()
			scores, err := p.reranker.Rerank(ctx, query, passages)
			if err != nil {
				return err
			}
			for i, id := range passageIDs {
				ceScores[id] = scores[i]
			}
			return nil
		})
		timings["rerank"] = time.Since(start).Milliseconds()
		if err != nil {
			fallbacks = append(fallbacks, domain.FallbackRerankSkipped)
			stageErrors = append(stageErrors, fmt.Sprintf("rerank: %v", err))
		} else {
			ceUsed = true
			// Complete only when every fused candidate got a CE score;
			// a truncated head leaves the tail unvetted.
			ceComplete = len(ceScores) == len(candidates)
			ceOrder := make([]uuid.UUID, len(passageIDs))
			copy(ceOrder, passageIDs)
			sort.Slice(ceOrder, func(i, j int) bool {
				if ceScores[ceOrder[i]] != ceScores[ceOrder[j]] {
					return ceScores[ceOrder[i]] > ceScores[ceOrder[j]]
				}
				return ceOrder[i].String() < ceOrder[j].String()
			})
			sources[sourceCE] = ceOrder
			candidates = FuseRRF(sources, k)
		}
	} else if p.reranker != nil && len(candidates) >= 2 {
		fallbacks = append(fallbacks, domain.FallbackRerankSkipped)
	}

	// Stages 7 and 8: dynamic weighting and memory_bank quality
	// enforcement produce the final ordering score.
	type scored struct {
		cand Candidate
		item domain.MemoryItem
		sum  domain.ScoreSummary
	}
	scoredResults := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		item, ok := set.Items[c.ID]
		if !ok || !item.Visible() {
			continue
		}

		embSim := vecScores[c.ID]
		quality := item.Quality.Score()
		weights := domain.WeightsFor(item.Tier, item.Stats.Uses, item.Stats.WilsonScore, quality)

		var learned, final float64
		if item.Tier == domain.TierMemoryBank {
			learned = quality
			rawDistance := 1 - embSim
			if rawDistance < 0 {
				rawDistance = 0
			}
			reduction := 1 - quality*p.opts.DistanceReductionMax
			if reduction < 0.2 {
				reduction = 0.2
			}
			adjusted := rawDistance * reduction
			boosted := 1 / (1 + adjusted)
			final = weights.Embedding*boosted + weights.Learned*quality
			if ceUsed {
				multiplier := 1 + quality
				if multiplier > p.opts.CEMultiplierMax {
					multiplier = p.opts.CEMultiplierMax
				}
				final *= multiplier
			}
			embSim = boosted
		} else {
			learned = item.Stats.WilsonScore
			final = weights.Embedding*embSim + weights.Learned*learned
		}

		scoredResults = append(scoredResults, scored{
			cand: c,
			item: item,
			sum: domain.ScoreSummary{
				FinalScore:          final,
				EmbeddingSimilarity: embSim,
				LearnedScore:        learned,
				DenseSimilarity:     vecScores[c.ID],
				TextSimilarity:      lexScores[c.ID],
				RRFScore:            c.RRFScore,
				CEScore:             ceScores[c.ID],
				QualityScore:        quality,
				EmbeddingWeight:     weights.Embedding,
				LearnedWeight:       weights.Learned,
				Ranks:               c.Ranks,
				Uses:                item.Stats.Uses,
				WilsonScore:         item.Stats.WilsonScore,
				AgeSeconds:          int64(time.Since(item.CreatedAt).Seconds()),
				CreatedAt:           item.CreatedAt,
				UpdatedAt:           item.UpdatedAt,
			},
		})
	}

	switch sortBy {
	case domain.SortByRecency:
		sort.Slice(scoredResults, func(i, j int) bool {
			if !scoredResults[i].item.UpdatedAt.Equal(scoredResults[j].item.UpdatedAt) {
				return scoredResults[i].item.UpdatedAt.After(scoredResults[j].item.UpdatedAt)
			}
			return scoredResults[i].cand.ID.String() < scoredResults[j].cand.ID.String()
		})
	case domain.SortByScore:
		sort.Slice(scoredResults, func(i, j int) bool {
			if scoredResults[i].sum.WilsonScore != scoredResults[j].sum.WilsonScore {
				return scoredResults[i].sum.WilsonScore > scoredResults[j].sum.WilsonScore
			}
			return scoredResults[i].cand.ID.String() < scoredResults[j].cand.ID.String()
		})
	default:
		sort.Slice(scoredResults, func(i, j int) bool {
			if scoredResults[i].sum.FinalScore != scoredResults[j].sum.FinalScore {
				return scoredResults[i].sum.FinalScore > scoredResults[j].sum.FinalScore
			}
			if scoredResults[i].sum.RRFScore != scoredResults[j].sum.RRFScore {
				return scoredResults[i].sum.RRFScore > scoredResults[j].sum.RRFScore
			}
			return scoredResults[i].cand.ID.String() < scoredResults[j].cand.ID.String()
		})
	}

	// Stage 9: ghost filter, late so restored items reappear instantly.
	orderedIDs := make([]uuid.UUID, len(scoredResults))
	for i, s := range scoredResults {
		orderedIDs[i] = s.cand.ID
	}
	visibleIDs, err := p.ghosts.FilterGhosted(ctx, userID, orderedIDs)
	if err != nil {
		stageErrors = append(stageErrors, fmt.Sprintf("ghost_filter: %v", err))
		visibleIDs = orderedIDs
	}
	visible := make(map[uuid.UUID]bool, len(visibleIDs))
	for _, id := range visibleIDs {
		visible[id] = true
	}

	// Stage 10: truncate, renumbering positions.
	seen := make(map[uuid.UUID]bool)
	for _, s := range scoredResults {
		if !visible[s.cand.ID] || seen[s.cand.ID] {
			continue
		}
		seen[s.cand.ID] = true
		set.Results = append(set.Results, domain.SearchResult{
			Position: len(set.Results) + 1,
			Tier:     s.item.Tier,
			MemoryID: s.item.MemoryID,
			Score:    s.sum,
			Content:  s.item.Text,
			Preview:  preview(s.item.Text, 160),
			Citations: []domain.Citation{{
				MemoryID: s.item.MemoryID,
				Tier:     s.item.Tier,
				Source:   s.item.Source,
				Snippet:  preview(s.item.Text, 80),
			}},
		})
		if len(set.Results) >= limit {
			break
		}
	}

	// Stage 11: confidence label with rerank/fallback overrides.
	confidence := labelConfidence(set.Results)
	if ceUsed && ceComplete {
		confidence = confidence.Upgrade()
	}
	if contains(fallbacks, domain.FallbackNoVector) || contains(fallbacks, domain.FallbackRerankSkipped) {
		confidence = confidence.Downgrade()
	}

	set.Debug = domain.DebugInfo{
		StageTimingsMS: timings,
		FallbacksUsed:  fallbacks,
		Errors:         stageErrors,
		Confidence:     confidence,
	}
	return set, nil
}

// labelConfidence maps the top score and result count to a coarse label.
func labelConfidence(results []domain.SearchResult) domain.Confidence {
	if len(results) == 0 {
		return domain.ConfidenceLow
	}
	top := results[0].Score.FinalScore
	switch {
	case top >= 0.75 && len(results) >= 3:
		return domain.ConfidenceHigh
	case top >= 0.5:
		return domain.ConfidenceMedium
	default:
		return domain.ConfidenceLow
	}
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func preview(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "…"
}

// IsDegraded reports whether err is a failure retrieval should absorb
// rather than surface.
func IsDegraded(err error) bool {
	return errors.Is(err, breaker.ErrOpen) ||
		errors.Is(err, breaker.ErrTooManyProbes) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, domain.ErrUnavailable) ||
		errors.Is(err, domain.ErrTimeout)
}
