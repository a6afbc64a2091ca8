package reputation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MultiplicityFoundation/phase-mirror/pkg/contracts"
	"github.com/MultiplicityFoundation/phase-mirror/pkg/store"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newEngineFixture(t *testing.T) (*Engine, *store.FileReputationStore) {
	t.Helper()
	reps, err := store.NewFileReputationStore(t.TempDir())
	require.NoError(t, err)
	clock := fixedClock{time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)}
	return NewEngine(reps, WeightConfig{}, clock, nil), reps
}

func TestStakeMultiplier(t *testing.T) {
	e, _ := newEngineFixture(t)

	assert.Zero(t, e.StakeMultiplier(0))
	assert.Zero(t, e.StakeMultiplier(-50))
	assert.InDelta(t, 0.5, e.StakeMultiplier(500), 1e-9)
	assert.InDelta(t, 1.0, e.StakeMultiplier(1000), 1e-9)
	// Over-pledging never buys extra weight.
	assert.InDelta(t, 1.0, e.StakeMultiplier(50000), 1e-9)
}

func TestWeightCapsAtOne(t *testing.T) {
	e, _ := newEngineFixture(t)

	w := e.Weight(contracts.OrganizationReputation{
		ReputationScore:  0.4,
		StakePledge:      500,
		ConsistencyScore: 0.5,
	})
	// 0.4 + 0.5 + 0.5*0.2
	assert.InDelta(t, 1.0, w, 1e-9)

	w = e.Weight(contracts.OrganizationReputation{
		ReputationScore:  0.9,
		StakePledge:      1000,
		ConsistencyScore: 1.0,
	})
	assert.Equal(t, 1.0, w)
}

func TestContributionWeightMissingRecord(t *testing.T) {
	e, _ := newEngineFixture(t)

	w, rep, found, err := e.ContributionWeight(context.Background(), "unknown-org")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 0.1, w)
	assert.Empty(t, rep.OrgID)
}

func TestContributionWeightKnownRecord(t *testing.T) {
	e, reps := newEngineFixture(t)
	ctx := context.Background()

	require.NoError(t, reps.PutReputation(ctx, contracts.OrganizationReputation{
		OrgID:            "org-a",
		ReputationScore:  0.3,
		StakePledge:      250,
		ConsistencyScore: 0.8,
	}))

	w, rep, found, err := e.ContributionWeight(ctx, "org-a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "org-a", rep.OrgID)
	// 0.3 + 250/1000 + 0.8*0.2
	assert.InDelta(t, 0.71, w, 1e-9)
}

func TestUpdateConsistency(t *testing.T) {
	e, reps := newEngineFixture(t)
	ctx := context.Background()

	require.NoError(t, e.UpdateConsistency(ctx, "org-a", 0.9))
	require.NoError(t, e.UpdateConsistency(ctx, "org-a", 0.7))

	rep, err := reps.GetReputation(ctx, "org-a")
	require.NoError(t, err)
	assert.Equal(t, 0.7, rep.ConsistencyScore)
	assert.Equal(t, int64(2), rep.ContributionCount)
	assert.False(t, rep.LastUpdated.IsZero())
}

func TestSlashStake(t *testing.T) {
	e, reps := newEngineFixture(t)
	ctx := context.Background()

	require.NoError(t, reps.PutStake(ctx, contracts.StakePledge{
		OrgID:     "org-a",
		AmountUSD: 1000,
		Status:    contracts.StakeActive,
	}))
	require.NoError(t, reps.PutReputation(ctx, contracts.OrganizationReputation{
		OrgID:           "org-a",
		ReputationScore: 0.8,
	}))

	require.NoError(t, e.SlashStake(ctx, "org-a", "fabricated fp rates"))

	pledge, err := reps.GetStake(ctx, "org-a")
	require.NoError(t, err)
	assert.Equal(t, contracts.StakeSlashed, pledge.Status)
	assert.Equal(t, "fabricated fp rates", pledge.SlashReason)

	rep, err := reps.GetReputation(ctx, "org-a")
	require.NoError(t, err)
	assert.Zero(t, rep.ReputationScore)
	assert.Equal(t, int64(1), rep.FlaggedCount)
	assert.Equal(t, contracts.StakeSlashed, rep.StakeStatus)

	// A slashed stake cannot be slashed again or withdrawn.
	assert.ErrorIs(t, e.SlashStake(ctx, "org-a", "again"), ErrStakeNotActive)
	assert.ErrorIs(t, e.WithdrawStake(ctx, "org-a"), ErrStakeNotActive)
}

func TestWithdrawStake(t *testing.T) {
	e, reps := newEngineFixture(t)
	ctx := context.Background()

	require.NoError(t, reps.PutStake(ctx, contracts.StakePledge{
		OrgID:     "org-a",
		AmountUSD: 500,
		Status:    contracts.StakeActive,
	}))

	require.NoError(t, e.WithdrawStake(ctx, "org-a"))
	pledge, err := reps.GetStake(ctx, "org-a")
	require.NoError(t, err)
	assert.Equal(t, contracts.StakeWithdrawn, pledge.Status)

	// Withdrawn stakes never return to active.
	assert.ErrorIs(t, e.SlashStake(ctx, "org-a", "late"), ErrStakeNotActive)
}
