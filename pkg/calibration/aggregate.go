package calibration

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/MultiplicityFoundation/phase-mirror/pkg/contracts"
	"github.com/MultiplicityFoundation/phase-mirror/pkg/reputation"
	"github.com/MultiplicityFoundation/phase-mirror/pkg/store"
)

// KAnonymityError means aggregation did not clear the trusted-contributor
// privacy floor; the aggregate must not be disclosed.
type KAnonymityError struct {
	Trusted int
}

func (e *KAnonymityError) Error() string {
	return fmt.Sprintf("k-anonymity floor not met: %d trusted contributors, need %d", e.Trusted, kAnonymityFloor)
}

// Clock supplies authority time; injectable for tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Aggregator computes per-rule consensus FP rates from stored events,
// reputation-weighted and Byzantine-filtered. AggregateFPsByRule is a pure
// function of stored events, the reputation table and the filter config:
// replaying it yields the same result.
type Aggregator struct {
	events      store.FPStore
	reputations store.ReputationStore
	engine      *reputation.Engine
	consistency *ConsistencyCalculator
	cfg         FilterConfig
	clock       Clock
	log         *slog.Logger
}

// NewAggregator wires the aggregation pipeline. clock and log may be nil.
func NewAggregator(
	events store.FPStore,
	reputations store.ReputationStore,
	engine *reputation.Engine,
	consistency *ConsistencyCalculator,
	cfg FilterConfig,
	clock Clock,
	log *slog.Logger,
) *Aggregator {
	if cfg == (FilterConfig{}) {
		cfg = DefaultFilterConfig()
	}
	if clock == nil {
		clock = wallClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{
		events:      events,
		reputations: reputations,
		engine:      engine,
		consistency: consistency,
		cfg:         cfg,
		clock:       clock,
		log:         log,
	}
}

// AggregateFPsByRule aggregates the rule's stored events into a consensus FP
// rate. It returns *KAnonymityError when fewer than three trusted
// contributors remain after filtering.
func (a *Aggregator) AggregateFPsByRule(ctx context.Context, ruleID string) (*contracts.CalibrationResult, error) {
	now := a.clock.Now().UTC()
	events, err := a.events.GetWindowBySince(ctx, ruleID, now.Add(-store.FPEventTTL))
	if err != nil {
		return nil, fmt.Errorf("load fp events: %w", err)
	}

	contributions, err := a.contributionsByOrg(ctx, events)
	if err != nil {
		return nil, err
	}

	res := Filter(contributions, a.cfg)
	if len(res.Survivors) < kAnonymityFloor {
		return nil, &KAnonymityError{Trusted: len(res.Survivors)}
	}

	consensus := Consensus(res.Survivors)
	trustedEvents := 0
	contributors := make([]string, 0, len(res.Survivors))
	for _, c := range res.Survivors {
		trustedEvents += c.EventCount
		contributors = append(contributors, c.OrgID)
	}
	sort.Strings(contributors)

	score := ConfidenceScore(res.Survivors, trustedEvents)
	level := ConfidenceLevelFor(score, len(res.Survivors))
	if res.StatisticalStagesSkipped && level == contracts.ConfidenceHigh {
		// An unfiltered aggregate never claims top confidence.
		level = contracts.ConfidenceMedium
	}

	result := &contracts.CalibrationResult{
		RuleID:            ruleID,
		ConsensusRate:     consensus,
		Confidence:        score,
		ConfidenceLevel:   level,
		Contributors:      contributors,
		Filtered:          res.Filtered,
		TrustedEventCount: trustedEvents,
		ComputedAt:        now,
	}

	if err := a.feedback(ctx, ruleID, res.Survivors, consensus, now); err != nil {
		// Consensus is already computed; feedback failure is logged, not
		// surfaced, so calibration callers still get the rate.
		a.log.WarnContext(ctx, "consistency feedback failed", "rule_id", ruleID, "error", err)
	}
	return result, nil
}

// contributionsByOrg folds events into per-org FP rates and resolves each
// org's contribution weight. Orgs are ordered deterministically.
func (a *Aggregator) contributionsByOrg(ctx context.Context, events []contracts.FPEvent) ([]Contribution, error) {
	type tally struct {
		total int
		fps   int
	}
	byOrg := make(map[string]*tally)
	for _, e := range events {
		t := byOrg[e.OrgIDHash]
		if t == nil {
			t = &tally{}
			byOrg[e.OrgIDHash] = t
		}
		t.total++
		if e.IsFalsePositive {
			t.fps++
		}
	}

	orgs := make([]string, 0, len(byOrg))
	for org := range byOrg {
		orgs = append(orgs, org)
	}
	sort.Strings(orgs)

	contributions := make([]Contribution, 0, len(orgs))
	for _, org := range orgs {
		t := byOrg[org]
		weight, rep, found, err := a.engine.ContributionWeight(ctx, org)
		if err != nil {
			return nil, err
		}
		contributions = append(contributions, Contribution{
			OrgID:           org,
			FPRate:          float64(t.fps) / float64(t.total),
			Weight:          weight,
			StakeMultiplier: a.engine.StakeMultiplier(rep.StakePledge),
			EventCount:      t.total,
			HasRecord:       found,
		})
	}
	return contributions, nil
}

// feedback records each survivor's contribution against the fresh consensus
// and refreshes its consistency score.
func (a *Aggregator) feedback(ctx context.Context, ruleID string, survivors []Contribution, consensus float64, now time.Time) error {
	for _, c := range survivors {
		rec := contracts.ContributionRecord{
			OrgID:             c.OrgID,
			RuleID:            ruleID,
			ContributedFPRate: c.FPRate,
			ConsensusFPRate:   consensus,
			Timestamp:         now,
			EventCount:        c.EventCount,
			Deviation:         c.FPRate - consensus,
		}
		score, err := a.consistency.Compute(ctx, c.OrgID, now)
		if err != nil {
			return err
		}
		rec.ConsistencyScore = score.Score
		if err := a.reputations.AddContribution(ctx, rec); err != nil {
			return err
		}
		if err := a.engine.UpdateConsistency(ctx, c.OrgID, score.Score); err != nil {
			return err
		}
	}
	return nil
}
