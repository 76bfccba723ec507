package service

import (
	"sort"

	"github.com/google/uuid"
)

// RRFBands is the decision table for the reciprocal-rank-fusion k
// constant, keyed by query length band and specificity.
type RRFBands struct {
	KShort           int // queries shorter than ShortMaxLen chars
	KMedium          int // shorter than MediumMaxLen
	KLong            int
	ShortMaxLen      int
	MediumMaxLen     int
	SpecificDiscount int
	KFloor           int
}

func DefaultRRFBands() RRFBands {
	return RRFBands{
		KShort:           80,
		KMedium:          60,
		KLong:            50,
		ShortMaxLen:      20,
		MediumMaxLen:     50,
		SpecificDiscount: 20,
		KFloor:           30,
	}
}

// K resolves the fusion constant for a query. Specific queries get a
// discounted k so exact matches dominate.
func (b RRFBands) K(queryLen int, specific bool) int {
	k := b.KLong
	switch {
	case queryLen < b.ShortMaxLen:
		k = b.KShort
	case queryLen < b.MediumMaxLen:
		k = b.KMedium
	}
	if specific {
		k -= b.SpecificDiscount
		if k < b.KFloor {
			k = b.KFloor
		}
	}
	return k
}

// Candidate is one fused retrieval candidate with its rank provenance.
type Candidate struct {
	ID       uuid.UUID
	RRFScore float64
	BestRank int
	Ranks    map[string]int // source name -> 1-indexed rank
}

// FuseRRF combines ranked id lists into one ordering. Each source
// contributes 1/(k+rank); ties break by earliest best rank across
// sources, then by id, so fusion is deterministic.
func FuseRRF(sources map[string][]uuid.UUID, k int) []Candidate {
	byID := make(map[uuid.UUID]*Candidate)
	for name, ids := range sources {
		for i, id := range ids {
			rank := i + 1
			c, ok := byID[id]
			if !ok {
				c = &Candidate{ID: id, BestRank: rank, Ranks: make(map[string]int)}
				byID[id] = c
			}
			c.RRFScore += 1.0 / float64(k+rank)
			if prev, seen := c.Ranks[name]; !seen || rank < prev {
				c.Ranks[name] = rank
			}
			if rank < c.BestRank {
				c.BestRank = rank
			}
		}
	}

	out := make([]Candidate, 0, len(byID))
	for _, c := range byID {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RRFScore != out[j].RRFScore {
			return out[i].RRFScore > out[j].RRFScore
		}
		if out[i].BestRank != out[j].BestRank {
			return out[i].BestRank < out[j].BestRank
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}
