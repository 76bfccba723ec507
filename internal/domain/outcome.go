package domain

import (
	"time"

	"github.com/google/uuid"
)

type Outcome string

const (
	OutcomeWorked  Outcome = "worked"
	OutcomeFailed  Outcome = "failed"
	OutcomePartial Outcome = "partial"
	OutcomeUnknown Outcome = "unknown"
)

func ValidOutcome(o string) bool {
	switch Outcome(o) {
	case OutcomeWorked, OutcomeFailed, OutcomePartial, OutcomeUnknown:
		return true
	}
	return false
}

// OutcomeFromFeedback maps a -1/0/+1 feedback score to an outcome.
func OutcomeFromFeedback(score int) (Outcome, bool) {
	switch score {
	case 1:
		return OutcomeWorked, true
	case 0:
		return OutcomePartial, true
	case -1:
		return OutcomeFailed, true
	}
	return OutcomeUnknown, false
}

// OutcomeDeltas are the coarse rank-adjustment deltas applied on top of
// the Wilson recomputation, clamped to [Min, Max].
type OutcomeDeltas struct {
	Worked  float64
	Partial float64
	Failed  float64
	Unknown float64
	Min     float64
	Max     float64
}

func DefaultOutcomeDeltas() OutcomeDeltas {
	return OutcomeDeltas{
		Worked:  0.2,
		Partial: 0.05,
		Failed:  -0.3,
		Unknown: 0,
		Min:     0,
		Max:     1,
	}
}

func (d OutcomeDeltas) For(o Outcome) float64 {
	switch o {
	case OutcomeWorked:
		return d.Worked
	case OutcomePartial:
		return d.Partial
	case OutcomeFailed:
		return d.Failed
	}
	return d.Unknown
}

// Apply clamps score+delta into the configured range.
func (d OutcomeDeltas) Apply(score float64, o Outcome) float64 {
	score += d.For(o)
	if score < d.Min {
		return d.Min
	}
	if score > d.Max {
		return d.Max
	}
	return score
}

// OutcomeEvent is a single outcome applied to one memory item.
type OutcomeEvent struct {
	ID         uuid.UUID `json:"id"`
	UserID     string    `json:"user_id"`
	MemoryID   uuid.UUID `json:"memory_id"`
	Outcome    Outcome   `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ActionOutcome records how effective a class of actions has been, used
// for the action knowledge graph and tier-effectiveness hints.
type ActionOutcome struct {
	ID         uuid.UUID   `json:"id"`
	UserID     string      `json:"user_id"`
	Action     string      `json:"action"`
	Concept    string      `json:"concept,omitempty"`
	Tier       Tier        `json:"tier,omitempty"`
	Outcome    Outcome     `json:"outcome"`
	MemoryIDs  []uuid.UUID `json:"memory_ids,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// PersonalityMemoryMapping links a memory item to the personality that
// produced it.
type PersonalityMemoryMapping struct {
	MemoryID        uuid.UUID `json:"memory_id"`
	PersonalityID   string    `json:"personality_id"`
	PersonalityName string    `json:"personality_name,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}
