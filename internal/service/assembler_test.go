package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bricksllm/memtier/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type assemblerOutcomes struct {
	domain.OutcomeLogStore
	failed []domain.FailedOutcome
}

func (s *assemblerOutcomes) RecentFailed(ctx context.Context, userID string, since time.Time, limit int) ([]domain.FailedOutcome, error) {
	return s.failed, nil
}

type assemblerActions struct {
	domain.ActionOutcomeStore
	stats []domain.TierEffectiveness
}

func (s *assemblerActions) EffectivenessByConcept(ctx context.Context, userID string) ([]domain.TierEffectiveness, error) {
	return s.stats, nil
}

type assemblerProfiles struct {
	domain.ProfileStore
	profile *domain.UserProfile
}

func (s *assemblerProfiles) Get(ctx context.Context, userID string) (*domain.UserProfile, error) {
	if s.profile == nil {
		return nil, domain.ErrNotFound
	}
	return s.profile, nil
}

func newTestAssembler(outcomes *assemblerOutcomes, actions *assemblerActions, profiles *assemblerProfiles) *ContextAssembler {
	if outcomes == nil {
		outcomes = &assemblerOutcomes{}
	}
	if actions == nil {
		actions = &assemblerActions{}
	}
	if profiles == nil {
		profiles = &assemblerProfiles{}
	}
	return NewContextAssembler(outcomes, actions, profiles, NewStaticPrompts(), zap.NewNop())
}

func rankedSet(items ...domain.MemoryItem) *RankedSet {
	set := &RankedSet{Items: make(map[uuid.UUID]domain.MemoryItem)}
	for i, item := range items {
		set.Items[item.MemoryID] = item
		set.Results = append(set.Results, domain.SearchResult{
			Position: i + 1,
			Tier:     item.Tier,
			MemoryID: item.MemoryID,
			Content:  item.Text,
		})
	}
	return set
}

func TestAssembleColdStart(t *testing.T) {
	a := newTestAssembler(nil, nil, nil)
	text, citations := a.Assemble(context.Background(), "u1", QueryProfile{}, &RankedSet{}, nil, domain.ConfidenceLow)
	if !strings.Contains(text, "No stored memory") {
		t.Fatalf("cold start text = %q", text)
	}
	if len(citations) != 0 {
		t.Fatal("cold start must not cite anything")
	}
}

func TestAssembleConfidenceHeader(t *testing.T) {
	a := newTestAssembler(nil, nil, nil)
	item := activeItem("u1", "prefers short answers", domain.TierWorking)
	set := rankedSet(item)

	text, _ := a.Assemble(context.Background(), "u1", QueryProfile{}, set, nil, domain.ConfidenceHigh)
	if !strings.Contains(text, "high confidence") {
		t.Fatalf("missing high-confidence header: %q", text)
	}
	if !strings.Contains(text, "[1] (working) prefers short answers") {
		t.Fatalf("missing numbered memory line: %q", text)
	}
	if !strings.Contains(text, "answer from memory") {
		t.Fatal("missing closing directive")
	}
}

func TestAssembleHebrewPrompts(t *testing.T) {
	a := newTestAssembler(nil, nil, nil)
	item := activeItem("u1", "מעדיף תשובות קצרות", domain.TierWorking)
	set := rankedSet(item)

	text, _ := a.Assemble(context.Background(), "u1", QueryProfile{Language: domain.LanguageHebrew}, set, nil, domain.ConfidenceMedium)
	if !strings.Contains(text, "ביטחון בינוני") {
		t.Fatalf("hebrew header missing: %q", text)
	}
}

func TestAssemblePastExperience(t *testing.T) {
	pattern := activeItem("u1", "use migrations for schema changes", domain.TierPatterns)
	pattern.Stats = domain.ItemStats{Uses: 10, WorkedCount: 9, FailedCount: 1, SuccessRate: 0.9}
	a := newTestAssembler(nil, nil, nil)
	set := rankedSet(pattern)

	text, _ := a.Assemble(context.Background(), "u1", QueryProfile{}, set, nil, domain.ConfidenceHigh)
	if !strings.Contains(text, "Past Experience:") {
		t.Fatalf("past experience section missing: %q", text)
	}
	if !strings.Contains(text, "90% success rate (10 uses)") {
		t.Fatalf("success rate line missing: %q", text)
	}
}

func TestAssemblePastFailures(t *testing.T) {
	outcomes := &assemblerOutcomes{failed: []domain.FailedOutcome{
		{MemoryID: uuid.New(), Text: "deploy directly to prod", Reason: "broke checkout", OccurredAt: time.Now()},
	}}
	a := newTestAssembler(outcomes, nil, nil)
	set := rankedSet(activeItem("u1", "anything", domain.TierWorking))

	text, _ := a.Assemble(context.Background(), "u1", QueryProfile{}, set, nil, domain.ConfidenceMedium)
	if !strings.Contains(text, "Past Failures to Avoid:") {
		t.Fatalf("failures section missing: %q", text)
	}
	if !strings.Contains(text, "failed due to: broke checkout") {
		t.Fatalf("failure reason missing: %q", text)
	}
}

func TestAssemblePatternRecognition(t *testing.T) {
	a1 := activeItem("u1", "tested the caching layer on tuesday", domain.TierWorking)
	a2 := activeItem("u1", "caching layer rollout went fine", domain.TierWorking)
	a := newTestAssembler(nil, nil, nil)
	set := rankedSet(a1, a2)

	text, _ := a.Assemble(context.Background(), "u1",
		QueryProfile{Concepts: []string{"caching"}}, set, nil, domain.ConfidenceMedium)
	if !strings.Contains(text, "Pattern Recognition:") {
		t.Fatalf("pattern section missing: %q", text)
	}
	if !strings.Contains(text, "caching") {
		t.Fatalf("shared concept missing: %q", text)
	}
}

func TestAssembleTierRecommendation(t *testing.T) {
	actions := &assemblerActions{stats: []domain.TierEffectiveness{
		{Concept: "deployment", BestTier: domain.TierPatterns, SuccessRate: 0.85, Samples: 12},
	}}
	a := newTestAssembler(nil, actions, nil)
	set := rankedSet(activeItem("u1", "note", domain.TierWorking))

	text, _ := a.Assemble(context.Background(), "u1",
		QueryProfile{Concepts: []string{"deployment"}}, set, nil, domain.ConfidenceMedium)
	if !strings.Contains(text, "For 'deployment', check patterns (historically 85% effective)") {
		t.Fatalf("tier recommendation missing: %q", text)
	}
}

func TestAssembleTopicContinuity(t *testing.T) {
	a := newTestAssembler(nil, nil, nil)
	set := rankedSet(activeItem("u1", "note", domain.TierWorking))
	recent := []domain.RecentMessage{{Role: "user", Content: "still fighting the kubernetes rollout"}}

	text, _ := a.Assemble(context.Background(), "u1",
		QueryProfile{Concepts: []string{"kubernetes"}}, set, recent, domain.ConfidenceMedium)
	if !strings.Contains(text, "Continuing topics: kubernetes") {
		t.Fatalf("continuity section missing: %q", text)
	}
}

func TestAssembleUserGoals(t *testing.T) {
	profiles := &assemblerProfiles{profile: &domain.UserProfile{
		UserID: "u1",
		Goals:  []string{"ship the billing refactor"},
	}}
	a := newTestAssembler(nil, nil, profiles)
	set := rankedSet(activeItem("u1", "note", domain.TierWorking))

	text, _ := a.Assemble(context.Background(), "u1", QueryProfile{}, set, nil, domain.ConfidenceMedium)
	if !strings.Contains(text, "User goals: ship the billing refactor") {
		t.Fatalf("goals line missing: %q", text)
	}
}
