package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/bricksllm/memtier/internal/domain"
	"go.uber.org/zap"
)

const (
	maxPastExperience = 3
	maxPastFailures   = 3
	failureWindow     = 7 * 24 * time.Hour

	// patternTopicMin is how many recent working-tier items must share a
	// topic before the pattern-recognition note fires.
	patternTopicMin = 2
)

// ContextAssembler renders ranked results into the injected text block.
// It never fabricates content: every line comes from retrieved items or
// a deterministic template.
type ContextAssembler struct {
	outcomes domain.OutcomeLogStore
	actions  domain.ActionOutcomeStore
	profiles domain.ProfileStore
	prompts  domain.PromptProvider
	logger   *zap.Logger
}

func NewContextAssembler(
	outcomes domain.OutcomeLogStore,
	actions domain.ActionOutcomeStore,
	profiles domain.ProfileStore,
	prompts domain.PromptProvider,
	logger *zap.Logger,
) *ContextAssembler {
	return &ContextAssembler{
		outcomes: outcomes,
		actions:  actions,
		profiles: profiles,
		prompts:  prompts,
		logger:   logger,
	}
}

// Assemble builds the injection block for one prefetch. Section order is
// fixed so output is deterministic for a given input.
func (a *ContextAssembler) Assemble(
	ctx context.Context,
	userID string,
	profile QueryProfile,
	set *RankedSet,
	recent []domain.RecentMessage,
	confidence domain.Confidence,
) (string, []domain.Citation) {
	lang := profile.Language

	if len(set.Results) == 0 {
		return a.prompts.Prompt(PromptColdStart, lang), nil
	}

	var b strings.Builder
	b.WriteString(a.confidenceHeader(confidence, lang))
	b.WriteString("\n\n")

	citations := make([]domain.Citation, 0, len(set.Results))
	for _, res := range set.Results {
		item := set.Items[res.MemoryID]
		fmt.Fprintf(&b, "[%d] (%s) %s\n", res.Position, res.Tier, item.Text)
		citations = append(citations, res.Citations...)
	}

	if section := a.pastExperience(set, lang); section != "" {
		b.WriteString("\n")
		b.WriteString(section)
	}
	if section := a.pastFailures(ctx, userID, lang); section != "" {
		b.WriteString("\n")
		b.WriteString(section)
	}
	if section := a.patternRecognition(set, profile, lang); section != "" {
		b.WriteString("\n")
		b.WriteString(section)
	}
	if section := a.tierRecommendations(ctx, userID, profile, lang); section != "" {
		b.WriteString("\n")
		b.WriteString(section)
	}
	if section := a.topicContinuity(profile, recent, lang); section != "" {
		b.WriteString("\n")
		b.WriteString(section)
	}
	if goals := a.userGoals(ctx, userID); goals != "" {
		b.WriteString("\n")
		b.WriteString(goals)
	}

	b.WriteString("\n")
	b.WriteString(a.prompts.Prompt(PromptClosingDirective, lang))
	return b.String(), citations
}

func (a *ContextAssembler) confidenceHeader(c domain.Confidence, lang domain.Language) string {
	switch c {
	case domain.ConfidenceHigh:
		return a.prompts.Prompt(PromptConfidenceHigh, lang)
	case domain.ConfidenceMedium:
		return a.prompts.Prompt(PromptConfidenceMedium, lang)
	default:
		return a.prompts.Prompt(PromptConfidenceLow, lang)
	}
}

// pastExperience lists up to three proven patterns-tier items with their
// success rates.
func (a *ContextAssembler) pastExperience(set *RankedSet, lang domain.Language) string {
	var lines []string
	for _, res := range set.Results {
		if res.Tier != domain.TierPatterns {
			continue
		}
		item := set.Items[res.MemoryID]
		if item.Stats.Uses == 0 {
			continue
		}
		pct := int(math.Round(item.Stats.SuccessRate * 100))
		lines = append(lines, fmt.Sprintf("- Pattern %q has %d%% success rate (%d uses)",
			item.Text, pct, item.Stats.Uses))
		if len(lines) >= maxPastExperience {
			break
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return a.prompts.Prompt(PromptPastExperience, lang) + "\n" + strings.Join(lines, "\n") + "\n"
}

// pastFailures surfaces the most recent failed outcomes inside the
// window.
func (a *ContextAssembler) pastFailures(ctx context.Context, userID string, lang domain.Language) string {
	failed, err := a.outcomes.RecentFailed(ctx, userID, time.Now().Add(-failureWindow), maxPastFailures)
	if err != nil {
		a.logger.Warn("recent failures lookup failed", zap.Error(err))
		return ""
	}
	if len(failed) == 0 {
		return ""
	}

	var lines []string
	for _, f := range failed {
		if f.Reason != "" {
			lines = append(lines, fmt.Sprintf("- %q failed due to: %s", f.Text, f.Reason))
		} else {
			lines = append(lines, fmt.Sprintf("- %q failed", f.Text))
		}
	}
	return a.prompts.Prompt(PromptPastFailures, lang) + "\n" + strings.Join(lines, "\n") + "\n"
}

// patternRecognition notes when several recent working-tier results
// share a query concept.
func (a *ContextAssembler) patternRecognition(set *RankedSet, profile QueryProfile, lang domain.Language) string {
	counts := make(map[string]int)
	for _, res := range set.Results {
		if res.Tier != domain.TierWorking {
			continue
		}
		item := set.Items[res.MemoryID]
		text := strings.ToLower(item.Text)
		for _, concept := range profile.Concepts {
			if strings.Contains(text, concept) {
				counts[concept]++
			}
		}
	}

	var shared []string
	for concept, n := range counts {
		if n >= patternTopicMin {
			shared = append(shared, concept)
		}
	}
	if len(shared) == 0 {
		return ""
	}
	sort.Strings(shared)
	return a.prompts.Prompt(PromptPatternRecognition, lang) + "\n" +
		fmt.Sprintf("- %d recent items cluster around: %s\n", patternTopicMin, strings.Join(shared, ", "))
}

// tierRecommendations maps query concepts to their historically best
// tier from action effectiveness stats.
func (a *ContextAssembler) tierRecommendations(ctx context.Context, userID string, profile QueryProfile, lang domain.Language) string {
	if len(profile.Concepts) == 0 {
		return ""
	}
	stats, err := a.actions.EffectivenessByConcept(ctx, userID)
	if err != nil {
		a.logger.Warn("tier effectiveness lookup failed", zap.Error(err))
		return ""
	}
	if len(stats) == 0 {
		return ""
	}

	byConcept := make(map[string]domain.TierEffectiveness, len(stats))
	for _, s := range stats {
		byConcept[strings.ToLower(s.Concept)] = s
	}

	var lines []string
	for _, concept := range profile.Concepts {
		if s, ok := byConcept[concept]; ok {
			pct := int(math.Round(s.SuccessRate * 100))
			lines = append(lines, "- "+fmt.Sprintf(
				a.prompts.Prompt(PromptTierRecommendation, lang),
				s.Concept, s.BestTier, pct))
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

// topicContinuity lists query concepts that also appear in the recent
// conversation.
func (a *ContextAssembler) topicContinuity(profile QueryProfile, recent []domain.RecentMessage, lang domain.Language) string {
	if len(recent) == 0 || len(profile.Concepts) == 0 {
		return ""
	}
	var history strings.Builder
	for _, m := range recent {
		history.WriteString(strings.ToLower(m.Content))
		history.WriteByte(' ')
	}
	text := history.String()

	var continuing []string
	for _, concept := range profile.Concepts {
		if strings.Contains(text, concept) {
			continuing = append(continuing, concept)
		}
	}
	if len(continuing) == 0 {
		return ""
	}
	return fmt.Sprintf(a.prompts.Prompt(PromptTopicContinuity, lang), strings.Join(continuing, ", ")) + "\n"
}

func (a *ContextAssembler) userGoals(ctx context.Context, userID string) string {
	profile, err := a.profiles.Get(ctx, userID)
	if err != nil || len(profile.Goals) == 0 {
		return ""
	}
	return "User goals: " + strings.Join(profile.Goals, "; ") + "\n"
}
