package calibration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MultiplicityFoundation/phase-mirror/pkg/contracts"
	"github.com/MultiplicityFoundation/phase-mirror/pkg/reputation"
	"github.com/MultiplicityFoundation/phase-mirror/pkg/store"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newAggregatorFixture(t *testing.T, now time.Time) (*Aggregator, *store.FileFPStore, *store.FileReputationStore) {
	t.Helper()
	dir := t.TempDir()
	events, err := store.NewFileFPStore(dir+"/fp", fixedClock{now})
	require.NoError(t, err)
	reps, err := store.NewFileReputationStore(dir + "/rep")
	require.NoError(t, err)
	engine := reputation.NewEngine(reps, reputation.WeightConfig{}, fixedClock{now}, nil)
	consistency := NewConsistencyCalculator(reps, ConsistencyConfig{})
	agg := NewAggregator(events, reps, engine, consistency, FilterConfig{}, fixedClock{now}, nil)
	return agg, events, reps
}

func seedOrg(t *testing.T, reps *store.FileReputationStore, orgID string, score float64) {
	t.Helper()
	require.NoError(t, reps.PutReputation(context.Background(), contracts.OrganizationReputation{
		OrgID:           orgID,
		ReputationScore: score,
		LastUpdated:     time.Now().UTC(),
	}))
}

func seedEvents(t *testing.T, events *store.FileFPStore, orgID string, total, fps int, at time.Time) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < total; i++ {
		e := contracts.FPEvent{
			EventID:         uuid.NewString(),
			RuleID:          "MD-100",
			RuleVersion:     "1.2.0",
			FindingID:       fmt.Sprintf("%s-f%d", orgID, i),
			Outcome:         contracts.OutcomeWarn,
			IsFalsePositive: i < fps,
			Timestamp:       at,
			OrgIDHash:       orgID,
		}
		require.NoError(t, events.RecordEvent(ctx, e))
	}
}

func TestAggregateFPsByRuleConsensus(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	agg, events, reps := newAggregatorFixture(t, now)

	at := now.Add(-24 * time.Hour)
	for _, org := range []string{"org-a", "org-b", "org-c"} {
		seedOrg(t, reps, org, 0.6)
		seedEvents(t, events, org, 20, 1, at) // 5% FP rate each
	}

	res, err := agg.AggregateFPsByRule(context.Background(), "MD-100")
	require.NoError(t, err)
	assert.Equal(t, "MD-100", res.RuleID)
	assert.InDelta(t, 0.05, res.ConsensusRate, 1e-9)
	assert.ElementsMatch(t, []string{"org-a", "org-b", "org-c"}, res.Contributors)
	assert.Equal(t, 60, res.TrustedEventCount)
	// Below the statistical-filtering minimum the level is capped at medium.
	assert.NotEqual(t, contracts.ConfidenceHigh, res.ConfidenceLevel)
}

func TestAggregateKAnonymityFloor(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	agg, events, reps := newAggregatorFixture(t, now)

	at := now.Add(-24 * time.Hour)
	seedOrg(t, reps, "org-a", 0.6)
	seedOrg(t, reps, "org-b", 0.6)
	seedEvents(t, events, "org-a", 20, 1, at)
	seedEvents(t, events, "org-b", 20, 2, at)

	// org-c contributes events but its reputation is too low to survive the
	// filter, leaving only two trusted contributors.
	seedOrg(t, reps, "org-c", 0.01)
	seedEvents(t, events, "org-c", 20, 1, at)

	_, err := agg.AggregateFPsByRule(context.Background(), "MD-100")
	var kerr *KAnonymityError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, 2, kerr.Trusted)
}

func TestAggregateFeedsBackConsistency(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	agg, events, reps := newAggregatorFixture(t, now)

	at := now.Add(-24 * time.Hour)
	for _, org := range []string{"org-a", "org-b", "org-c"} {
		seedOrg(t, reps, org, 0.6)
		seedEvents(t, events, org, 20, 1, at)
	}

	_, err := agg.AggregateFPsByRule(context.Background(), "MD-100")
	require.NoError(t, err)

	recs, err := reps.ListContributions(context.Background(), "org-a", now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.InDelta(t, 0.05, recs[0].ContributedFPRate, 1e-9)
	assert.InDelta(t, 0.05, recs[0].ConsensusFPRate, 1e-9)

	rep, err := reps.GetReputation(context.Background(), "org-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rep.ContributionCount)
}
