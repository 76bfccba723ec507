// Package lexical provides a per-user in-memory term scorer over active
// memory items. Indexes are built lazily from the record store and thrown
// away on invalidation.
package lexical

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/bricksllm/memtier/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	bm25K1 = 1.2
	bm25B  = 0.75

	// maxIndexedItems caps how many items one user's index holds.
	maxIndexedItems = 5000
)

type Index struct {
	records domain.RecordStore
	logger  *zap.Logger

	mu    sync.RWMutex
	users map[string]*userIndex
}

type userIndex struct {
	ids      []uuid.UUID
	lengths  []int
	postings map[string]map[int]int // term -> doc position -> term frequency
	avgLen   float64
}

func NewIndex(records domain.RecordStore, logger *zap.Logger) *Index {
	return &Index{
		records: records,
		logger:  logger,
		users:   make(map[string]*userIndex),
	}
}

// Score returns BM25 scores for the query over the user's active items,
// best first.
func (ix *Index) Score(ctx context.Context, userID, query string, limit int) ([]domain.LexicalHit, error) {
	terms := Tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	ui, err := ix.indexFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(ui.ids) == 0 {
		return nil, nil
	}

	n := float64(len(ui.ids))
	scores := make(map[int]float64)
	for _, term := range terms {
		docs, ok := ui.postings[term]
		if !ok {
			continue
		}
		idf := math.Log(1 + (n-float64(len(docs))+0.5)/(float64(len(docs))+0.5))
		for pos, tf := range docs {
			norm := 1 - bm25B + bm25B*float64(ui.lengths[pos])/ui.avgLen
			scores[pos] += idf * float64(tf) * (bm25K1 + 1) / (float64(tf) + bm25K1*norm)
		}
	}

	hits := make([]domain.LexicalHit, 0, len(scores))
	for pos, score := range scores {
		hits = append(hits, domain.LexicalHit{ID: ui.ids[pos], Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID.String() < hits[j].ID.String()
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// InvalidateUser drops the user's index; the next Score rebuilds it.
func (ix *Index) InvalidateUser(userID string) {
	ix.mu.Lock()
	delete(ix.users, userID)
	ix.mu.Unlock()
}

func (ix *Index) indexFor(ctx context.Context, userID string) (*userIndex, error) {
	ix.mu.RLock()
	ui, ok := ix.users[userID]
	ix.mu.RUnlock()
	if ok {
		return ui, nil
	}

	active := domain.StatusActive
	items, err := ix.records.Query(ctx, domain.ItemQuery{
		UserID: userID,
		Status: &active,
		Limit:  maxIndexedItems,
	})
	if err != nil {
		return nil, err
	}

	ui = buildIndex(items)
	ix.logger.Debug("lexical index built",
		zap.String("user_id", userID),
		zap.Int("items", len(items)))

	ix.mu.Lock()
	ix.users[userID] = ui
	ix.mu.Unlock()
	return ui, nil
}

func buildIndex(items []domain.MemoryItem) *userIndex {
	ui := &userIndex{postings: make(map[string]map[int]int)}
	var totalLen int
	for _, item := range items {
		tokens := Tokenize(item.Text)
		pos := len(ui.ids)
		ui.ids = append(ui.ids, item.MemoryID)
		ui.lengths = append(ui.lengths, len(tokens))
		totalLen += len(tokens)
		for _, t := range tokens {
			docs, ok := ui.postings[t]
			if !ok {
				docs = make(map[int]int)
				ui.postings[t] = docs
			}
			docs[pos]++
		}
	}
	if len(ui.ids) > 0 {
		ui.avgLen = float64(totalLen) / float64(len(ui.ids))
	} else {
		ui.avgLen = 1
	}
	return ui
}

// Tokenize lowercases and splits on anything that is not a letter or a
// digit. Hebrew letters pass through unchanged.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 1 || len([]rune(f)) > 1 || isCJKOrHebrew(f) {
			out = append(out, f)
		}
	}
	return out
}

func isCJKOrHebrew(s string) bool {
	for _, r := range s {
		if r >= 0x0590 && r <= 0x05FF || unicode.In(r, unicode.Han) {
			return true
		}
	}
	return false
}
