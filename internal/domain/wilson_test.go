package domain

import (
	"math"
	"testing"
	"time"
)

func TestWilsonNoEvidence(t *testing.T) {
	if got := Wilson(0, 0); got != InitialWilsonScore {
		t.Fatalf("Wilson(0,0) = %f, want %f", got, InitialWilsonScore)
	}
}

func TestWilsonKnownValues(t *testing.T) {
	cases := []struct {
		worked, failed int
		want           float64
	}{
		{3, 0, 0.4385},
		{4, 0, 0.5101},
		{5, 0, 0.5655},
		{9, 1, 0.5958},
	}
	for _, c := range cases {
		got := Wilson(c.worked, c.failed)
		if math.Abs(got-c.want) > 0.001 {
			t.Errorf("Wilson(%d,%d) = %f, want %f", c.worked, c.failed, got, c.want)
		}
	}
}

// More successes with no failures must never lower the bound: the score
// converges toward the observed proportion as evidence accumulates.
func TestWilsonMonotonicInWorked(t *testing.T) {
	prev := 0.0
	for worked := 1; worked <= 50; worked++ {
		got := Wilson(worked, 0)
		if got < prev {
			t.Fatalf("Wilson(%d,0) = %f dropped below Wilson(%d,0) = %f", worked, got, worked-1, prev)
		}
		prev = got
	}
}

func TestWilsonBounds(t *testing.T) {
	if got := Wilson(0, 10); got != 0 {
		t.Fatalf("Wilson(0,10) = %f, want 0", got)
	}
	if got := Wilson(1000, 0); got <= 0.9 || got > 1 {
		t.Fatalf("Wilson(1000,0) = %f, want in (0.9, 1]", got)
	}
}

// Three straight successes are not enough for the 0.7 working-tier gate;
// five are.
func TestWilsonPromotionGate(t *testing.T) {
	if Wilson(3, 0) >= 0.7 {
		t.Fatal("three successes should not clear the history gate")
	}
	if Wilson(14, 0) < 0.7 {
		t.Fatalf("Wilson(14,0) = %f, want >= 0.7", Wilson(14, 0))
	}
}

func TestRecomputeStatsExcludesPartial(t *testing.T) {
	s := ItemStats{WorkedCount: 4, FailedCount: 1, PartialCount: 7}
	RecomputeStats(&s)

	if s.SuccessRate != 0.8 {
		t.Fatalf("SuccessRate = %f, want 0.8", s.SuccessRate)
	}
	want := Wilson(4, 1)
	if s.WilsonScore != want {
		t.Fatalf("WilsonScore = %f, want %f", s.WilsonScore, want)
	}
}

func TestPromotionEligible(t *testing.T) {
	policy := GetTierPolicy(TierWorking)
	now := time.Now()

	item := &MemoryItem{
		Tier:      TierWorking,
		CreatedAt: now.Add(-time.Hour),
		Stats:     ItemStats{Uses: 2, WilsonScore: 0.71},
	}
	if !PromotionEligible(item, policy, now) {
		t.Fatal("item above both thresholds should be eligible")
	}

	item.Stats.WilsonScore = 0.69
	if PromotionEligible(item, policy, now) {
		t.Fatal("item below the score threshold should not be eligible")
	}

	item.Stats.WilsonScore = 0.9
	item.Stats.Uses = 1
	if PromotionEligible(item, policy, now) {
		t.Fatal("item below the uses threshold should not be eligible")
	}

	// Terminal tiers have no promotion target.
	if PromotionEligible(item, GetTierPolicy(TierPatterns), now) {
		t.Fatal("patterns tier has no next tier")
	}
}
