// Package reputation scores federation contributors and derives the
// contribution weights consumed by the Byzantine filter.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MultiplicityFoundation/phase-mirror/pkg/contracts"
	"github.com/MultiplicityFoundation/phase-mirror/pkg/store"
)

// ErrStakeNotActive means a slash or withdrawal was attempted on a stake
// that already left the active state. Transitions never return to active.
var ErrStakeNotActive = errors.New("stake is not active")

// WeightConfig tunes contribution-weight computation. Unknown options are a
// compile-time error by construction; zero values are replaced by defaults.
type WeightConfig struct {
	// MinStakeUSD is the pledge that earns the full stake multiplier.
	MinStakeUSD float64
	// StakeCap caps the stake multiplier contribution.
	StakeCap float64
	// ConsistencyBonusCap caps the consistency contribution.
	ConsistencyBonusCap float64
	// MinimumWeight is assigned to contributors without a reputation
	// record (minimum participation).
	MinimumWeight float64
}

// DefaultWeightConfig returns the production defaults.
func DefaultWeightConfig() WeightConfig {
	return WeightConfig{
		MinStakeUSD:         1000,
		StakeCap:            1.0,
		ConsistencyBonusCap: 0.2,
		MinimumWeight:       0.1,
	}
}

// Clock supplies authority time; injectable for tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Engine maintains per-org reputation and computes contribution weights.
type Engine struct {
	reputations store.ReputationStore
	cfg         WeightConfig
	clock       Clock
	log         *slog.Logger
}

// NewEngine builds the reputation engine. clock and log may be nil.
func NewEngine(reputations store.ReputationStore, cfg WeightConfig, clock Clock, log *slog.Logger) *Engine {
	if cfg == (WeightConfig{}) {
		cfg = DefaultWeightConfig()
	}
	if clock == nil {
		clock = wallClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{reputations: reputations, cfg: cfg, clock: clock, log: log}
}

// StakeMultiplier is min(stake/minStake, 1) x stakeCap; zero when no stake
// is pledged.
func (e *Engine) StakeMultiplier(stakeUSD float64) float64 {
	if stakeUSD <= 0 {
		return 0
	}
	frac := stakeUSD / e.cfg.MinStakeUSD
	if frac > 1 {
		frac = 1
	}
	return frac * e.cfg.StakeCap
}

// Weight computes the contribution weight of a known reputation record:
// min(baseReputation + stakeMultiplier + consistencyBonus, 1.0).
func (e *Engine) Weight(rep contracts.OrganizationReputation) float64 {
	w := rep.ReputationScore +
		e.StakeMultiplier(rep.StakePledge) +
		rep.ConsistencyScore*e.cfg.ConsistencyBonusCap
	if w > 1.0 {
		w = 1.0
	}
	return w
}

// ContributionWeight resolves the org's weight, returning (weight, record,
// found). A missing record yields MinimumWeight with found=false.
func (e *Engine) ContributionWeight(ctx context.Context, orgID string) (float64, contracts.OrganizationReputation, bool, error) {
	rep, err := e.reputations.GetReputation(ctx, orgID)
	if errors.Is(err, store.ErrNotFound) {
		return e.cfg.MinimumWeight, contracts.OrganizationReputation{}, false, nil
	}
	if err != nil {
		return 0, contracts.OrganizationReputation{}, false, fmt.Errorf("load reputation: %w", err)
	}
	return e.Weight(rep), rep, true, nil
}

// UpdateConsistency stores a freshly computed consistency score for the org.
func (e *Engine) UpdateConsistency(ctx context.Context, orgID string, score float64) error {
	rep, err := e.reputations.GetReputation(ctx, orgID)
	if errors.Is(err, store.ErrNotFound) {
		rep = contracts.OrganizationReputation{OrgID: orgID}
	} else if err != nil {
		return fmt.Errorf("load reputation: %w", err)
	}
	rep.ConsistencyScore = score
	rep.ContributionCount++
	rep.LastUpdated = e.clock.Now().UTC()
	return e.reputations.PutReputation(ctx, rep)
}

// SlashStake transitions the org's stake active->slashed, zeroes its
// reputation score and increments flaggedCount. The three mutations commit
// together: any failure restores the pre-slash records.
func (e *Engine) SlashStake(ctx context.Context, orgID, reason string) error {
	pledge, err := e.reputations.GetStake(ctx, orgID)
	if err != nil {
		return fmt.Errorf("load stake: %w", err)
	}
	if pledge.Status != contracts.StakeActive {
		return ErrStakeNotActive
	}
	rep, err := e.reputations.GetReputation(ctx, orgID)
	if errors.Is(err, store.ErrNotFound) {
		rep = contracts.OrganizationReputation{OrgID: orgID}
	} else if err != nil {
		return fmt.Errorf("load reputation: %w", err)
	}
	pledge.Status = contracts.StakeSlashed
	pledge.SlashReason = reason
	if err := e.reputations.PutStake(ctx, pledge); err != nil {
		return fmt.Errorf("slash stake: %w", err)
	}

	rep.ReputationScore = 0
	rep.FlaggedCount++
	rep.StakeStatus = contracts.StakeSlashed
	rep.LastUpdated = e.clock.Now().UTC()
	if err := e.reputations.PutReputation(ctx, rep); err != nil {
		// Roll the stake back so the pair stays consistent.
		pledge.Status = contracts.StakeActive
		pledge.SlashReason = ""
		if rbErr := e.reputations.PutStake(ctx, pledge); rbErr != nil {
			e.log.ErrorContext(ctx, "slash rollback failed", "org_id", orgID, "error", rbErr)
		}
		return fmt.Errorf("update reputation after slash: %w", err)
	}
	e.log.InfoContext(ctx, "stake slashed", "org_id", orgID, "reason", reason)
	return nil
}

// WithdrawStake transitions active->withdrawn.
func (e *Engine) WithdrawStake(ctx context.Context, orgID string) error {
	pledge, err := e.reputations.GetStake(ctx, orgID)
	if err != nil {
		return fmt.Errorf("load stake: %w", err)
	}
	if pledge.Status != contracts.StakeActive {
		return ErrStakeNotActive
	}
	pledge.Status = contracts.StakeWithdrawn
	if err := e.reputations.PutStake(ctx, pledge); err != nil {
		return fmt.Errorf("withdraw stake: %w", err)
	}
	return nil
}
