package domain

import (
	"math"
	"time"
)

const (
	// WilsonZ is the z value for a 95% interval.
	WilsonZ = 1.96
	// InitialWilsonScore is assigned before any outcome evidence exists.
	InitialWilsonScore = 0.5
)

// Wilson returns the lower bound of the Wilson confidence interval for
// the worked/(worked+failed) proportion. Partial and unknown outcomes do
// not contribute to n.
func Wilson(worked, failed int) float64 {
	return WilsonAt(worked, failed, WilsonZ)
}

func WilsonAt(worked, failed int, z float64) float64 {
	n := float64(worked + failed)
	if n == 0 {
		return InitialWilsonScore
	}
	p := float64(worked) / n
	z2 := z * z
	lower := (p + z2/(2*n) - z*math.Sqrt((p*(1-p)+z2/(4*n))/n)) / (1 + z2/n)
	if lower < 0 {
		return 0
	}
	if lower > 1 {
		return 1
	}
	return lower
}

// SuccessRate is worked/(worked+failed); partial outcomes are excluded.
func SuccessRate(worked, failed int) float64 {
	n := worked + failed
	if n == 0 {
		return 0
	}
	return float64(worked) / float64(n)
}

// RecomputeStats rebuilds the derived stats fields from the counters.
func RecomputeStats(s *ItemStats) {
	s.SuccessRate = SuccessRate(s.WorkedCount, s.FailedCount)
	s.WilsonScore = Wilson(s.WorkedCount, s.FailedCount)
}

// PromotionEligible applies the per-tier promotion predicate.
func PromotionEligible(item *MemoryItem, policy TierPolicy, now time.Time) bool {
	if policy.NextTier == "" {
		return false
	}
	if item.Stats.WilsonScore < policy.MinScore {
		return false
	}
	if item.Stats.Uses < policy.MinUses {
		return false
	}
	if policy.MinAge > 0 && now.Sub(item.CreatedAt) < policy.MinAge {
		return false
	}
	return true
}
