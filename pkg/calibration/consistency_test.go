package calibration

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MultiplicityFoundation/phase-mirror/pkg/contracts"
	"github.com/MultiplicityFoundation/phase-mirror/pkg/store"
)

func newReputationStore(t *testing.T) *store.FileReputationStore {
	t.Helper()
	s, err := store.NewFileReputationStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func addContribution(t *testing.T, s *store.FileReputationStore, orgID string, rate, consensus float64, at time.Time, events int) {
	t.Helper()
	require.NoError(t, s.AddContribution(context.Background(), contracts.ContributionRecord{
		OrgID:             orgID,
		RuleID:            "MD-100",
		ContributedFPRate: rate,
		ConsensusFPRate:   consensus,
		Timestamp:         at,
		EventCount:        events,
		Deviation:         rate - consensus,
	}))
}

func TestConsistencyNeutralUnderMinimum(t *testing.T) {
	s := newReputationStore(t)
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	addContribution(t, s, "org-a", 0.05, 0.05, now.Add(-24*time.Hour), 50)
	addContribution(t, s, "org-a", 0.06, 0.05, now.Add(-48*time.Hour), 50)

	calc := NewConsistencyCalculator(s, ConsistencyConfig{})
	res, err := calc.Compute(context.Background(), "org-a", now)
	require.NoError(t, err)
	assert.True(t, res.Neutral)
	assert.Equal(t, 0.5, res.Score)
	assert.Equal(t, 2, res.Contributions)
}

func TestConsistencyPerfectAlignment(t *testing.T) {
	s := newReputationStore(t)
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= 4; i++ {
		addContribution(t, s, "org-a", 0.05, 0.05, now.Add(-time.Duration(i)*24*time.Hour), 50)
	}

	calc := NewConsistencyCalculator(s, ConsistencyConfig{})
	res, err := calc.Compute(context.Background(), "org-a", now)
	require.NoError(t, err)
	assert.False(t, res.Neutral)
	assert.InDelta(t, 1.0, res.Score, 1e-9)
	assert.Zero(t, res.Outliers)
}

func TestConsistencyTimeDecayFavorsRecent(t *testing.T) {
	s := newReputationStore(t)
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	// Three recent aligned contributions, one old misaligned one.
	addContribution(t, s, "org-a", 0.05, 0.05, now.Add(-24*time.Hour), 50)
	addContribution(t, s, "org-a", 0.05, 0.05, now.Add(-48*time.Hour), 50)
	addContribution(t, s, "org-a", 0.05, 0.05, now.Add(-72*time.Hour), 50)
	addContribution(t, s, "org-a", 0.55, 0.05, now.Add(-150*24*time.Hour), 50)

	calc := NewConsistencyCalculator(s, ConsistencyConfig{})
	res, err := calc.Compute(context.Background(), "org-a", now)
	require.NoError(t, err)

	// The misaligned contribution is 150 days old, so its weight is
	// exp(-1.5) of a fresh one and the score stays close to 1.
	oldWeight := math.Exp(-0.01 * 150)
	assert.Greater(t, res.Score, 1-oldWeight)
	assert.Equal(t, 1, res.Outliers)
}

func TestConsistencySkipsThinContributions(t *testing.T) {
	s := newReputationStore(t)
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= 5; i++ {
		addContribution(t, s, "org-a", 0.5, 0.05, now.Add(-time.Duration(i)*24*time.Hour), 3)
	}

	calc := NewConsistencyCalculator(s, ConsistencyConfig{})
	res, err := calc.Compute(context.Background(), "org-a", now)
	require.NoError(t, err)
	// Every contribution is below MinEventCount: neutral.
	assert.True(t, res.Neutral)
	assert.Zero(t, res.Contributions)
}

func TestConfidenceLevels(t *testing.T) {
	assert.Equal(t, contracts.ConfidenceInsufficient, ConfidenceLevelFor(0.9, 2))
	assert.Equal(t, contracts.ConfidenceHigh, ConfidenceLevelFor(0.7, 3))
	assert.Equal(t, contracts.ConfidenceMedium, ConfidenceLevelFor(0.5, 5))
	assert.Equal(t, contracts.ConfidenceLow, ConfidenceLevelFor(0.3, 5))
	assert.Equal(t, contracts.ConfidenceInsufficient, ConfidenceLevelFor(0.29, 5))
}

func TestConfidenceScoreFactors(t *testing.T) {
	survivors := []Contribution{
		contribution("org-a", 0.05, 1.0),
		contribution("org-b", 0.05, 1.0),
		contribution("org-c", 0.05, 1.0),
	}
	score := ConfidenceScore(survivors, 1000)
	// contributor factor 3/20, agreement 1 (zero deviation), volume 1,
	// mean weight 1.
	want := 0.35*(3.0/20) + 0.30*1 + 0.20*1 + 0.15*1
	assert.InDelta(t, want, score, 1e-9)

	assert.Zero(t, ConfidenceScore(nil, 100))
}
