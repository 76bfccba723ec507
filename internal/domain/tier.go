package domain

import "time"

type Tier string

const (
	TierWorking          Tier = "working"
	TierHistory          Tier = "history"
	TierPatterns         Tier = "patterns"
	TierDocuments        Tier = "documents"
	TierMemoryBank       Tier = "memory_bank"
	TierDatagovSchema    Tier = "datagov_schema"
	TierDatagovExpansion Tier = "datagov_expansion"
)

func ValidTier(t string) bool {
	switch Tier(t) {
	case TierWorking, TierHistory, TierPatterns, TierDocuments,
		TierMemoryBank, TierDatagovSchema, TierDatagovExpansion:
		return true
	}
	return false
}

func AllTiers() []Tier {
	return []Tier{
		TierWorking, TierHistory, TierPatterns, TierDocuments,
		TierMemoryBank, TierDatagovSchema, TierDatagovExpansion,
	}
}

// OutcomeScored reports whether outcome feedback moves this tier's
// ranking. Document-like tiers always weight toward embedding similarity.
func (t Tier) OutcomeScored() bool {
	switch t {
	case TierDocuments, TierDatagovSchema, TierDatagovExpansion:
		return false
	}
	return true
}

// Promotable reports whether the promoter may transition items in this
// tier. Curated and document tiers are never touched.
func (t Tier) Promotable() bool {
	switch t {
	case TierWorking, TierHistory, TierPatterns:
		return true
	}
	return false
}

// TierPolicy bundles TTL and promotion thresholds for one tier.
type TierPolicy struct {
	Tier     Tier
	TTL      time.Duration // zero means no expiry
	MinScore float64       // wilson score required to promote out
	MinUses  int
	MinAge   time.Duration
	NextTier Tier // promotion target, empty for terminal tiers
}

const (
	DefaultWorkingTTL  = 48 * time.Hour
	DefaultHistoryTTL  = 14 * 24 * time.Hour
	DefaultPatternsTTL = 90 * 24 * time.Hour

	// Items this unreliable get archived once they have enough evidence.
	GarbageWilsonThreshold = 0.2
	GarbageMinUses         = 2
)

var TierPolicies = map[Tier]TierPolicy{
	TierWorking: {
		Tier:     TierWorking,
		TTL:      DefaultWorkingTTL,
		MinScore: 0.7,
		MinUses:  2,
		NextTier: TierHistory,
	},
	TierHistory: {
		Tier:     TierHistory,
		TTL:      DefaultHistoryTTL,
		MinScore: 0.9,
		MinUses:  3,
		NextTier: TierPatterns,
	},
	TierPatterns: {
		Tier: TierPatterns,
		TTL:  DefaultPatternsTTL,
	},
	TierDocuments:        {Tier: TierDocuments},
	TierMemoryBank:       {Tier: TierMemoryBank},
	TierDatagovSchema:    {Tier: TierDatagovSchema},
	TierDatagovExpansion: {Tier: TierDatagovExpansion},
}

func GetTierPolicy(t Tier) TierPolicy {
	if p, ok := TierPolicies[t]; ok {
		return p
	}
	return TierPolicy{Tier: t}
}

// SetTierTTLs overrides the expiry windows for the lifecycle tiers.
// Non-positive values keep the current window. Called once during
// wiring, before any scheduler starts.
func SetTierTTLs(working, history, patterns time.Duration) {
	setTTL := func(t Tier, ttl time.Duration) {
		if ttl <= 0 {
			return
		}
		p := TierPolicies[t]
		p.TTL = ttl
		TierPolicies[t] = p
	}
	setTTL(TierWorking, working)
	setTTL(TierHistory, history)
	setTTL(TierPatterns, patterns)
}

// ItemWeights is the per-item blend between embedding similarity and
// learned reputation. The two always sum to 1.
type ItemWeights struct {
	Embedding float64
	Learned   float64
}

// HighQualityThreshold is the curated-quality score at which memory_bank
// items shift weight toward learned reputation. Overridable via
// SetHighQualityThreshold during wiring.
var HighQualityThreshold = 0.8

// SetHighQualityThreshold replaces the memory_bank quality cutoff.
// Values outside (0, 1] are ignored.
func SetHighQualityThreshold(v float64) {
	if v > 0 && v <= 1 {
		HighQualityThreshold = v
	}
}

// WeightsFor resolves the dynamic weighting band for an item. The
// memory_bank rows win over the learned-reputation bands; documents and
// datagov tiers always lean on embedding similarity.
func WeightsFor(tier Tier, uses int, wilson, qualityScore float64) ItemWeights {
	switch {
	case !tier.OutcomeScored():
		return ItemWeights{Embedding: 0.90, Learned: 0.10}
	case tier == TierMemoryBank && qualityScore >= HighQualityThreshold:
		return ItemWeights{Embedding: 0.45, Learned: 0.55}
	case tier == TierMemoryBank:
		return ItemWeights{Embedding: 0.60, Learned: 0.40}
	case uses >= 5 && wilson >= 0.8:
		return ItemWeights{Embedding: 0.20, Learned: 0.80}
	case uses >= 3 && wilson >= 0.7:
		return ItemWeights{Embedding: 0.25, Learned: 0.75}
	case uses >= 2 && wilson >= 0.5:
		return ItemWeights{Embedding: 0.35, Learned: 0.65}
	default:
		return ItemWeights{Embedding: 0.70, Learned: 0.30}
	}
}
