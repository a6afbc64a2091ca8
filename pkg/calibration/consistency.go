// Package calibration turns per-org false-positive submissions into a
// consensus FP rate per rule, resilient to dishonest or noisy contributors.
package calibration

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/MultiplicityFoundation/phase-mirror/pkg/store"
)

// ConsistencyConfig is the enumerated configuration of the consistency
// calculator. Zero values are replaced by defaults at construction; unknown
// options cannot exist by construction.
type ConsistencyConfig struct {
	// DecayRate is the exponential decay constant per day (0.01 gives a
	// ~70 day half-life).
	DecayRate float64
	// MaxContributionAge bounds the scoring window.
	MaxContributionAge time.Duration
	// MinContributionsRequired below which the score is neutral 0.5.
	MinContributionsRequired int
	// OutlierThreshold on |deviation| for outlier accounting.
	OutlierThreshold float64
	// MinEventCount excludes thin contributions from scoring.
	MinEventCount int
	// ExcludeOutliersFromScore removes outliers from the weighted mean;
	// they are always counted for metrics.
	ExcludeOutliersFromScore bool
}

// DefaultConsistencyConfig returns the production defaults.
func DefaultConsistencyConfig() ConsistencyConfig {
	return ConsistencyConfig{
		DecayRate:                0.01,
		MaxContributionAge:       180 * 24 * time.Hour,
		MinContributionsRequired: 3,
		OutlierThreshold:         0.30,
		MinEventCount:            10,
		ExcludeOutliersFromScore: false,
	}
}

// ConsistencyResult is the scored alignment of one org with consensus.
type ConsistencyResult struct {
	OrgID         string  `json:"org_id"`
	Score         float64 `json:"score"`
	Contributions int     `json:"contributions"`
	Outliers      int     `json:"outliers"`
	// Neutral is set when too few contributions existed and the score
	// defaulted to 0.5.
	Neutral bool `json:"neutral"`
}

// ConsistencyCalculator scores an org's historical alignment with consensus
// over a time-decayed window.
type ConsistencyCalculator struct {
	reputations store.ReputationStore
	cfg         ConsistencyConfig
}

// NewConsistencyCalculator builds the calculator; zero cfg uses defaults.
func NewConsistencyCalculator(reputations store.ReputationStore, cfg ConsistencyConfig) *ConsistencyCalculator {
	if cfg == (ConsistencyConfig{}) {
		cfg = DefaultConsistencyConfig()
	}
	return &ConsistencyCalculator{reputations: reputations, cfg: cfg}
}

// Compute scores the org at the given instant. Fewer than
// MinContributionsRequired usable contributions yield neutral 0.5.
func (c *ConsistencyCalculator) Compute(ctx context.Context, orgID string, now time.Time) (ConsistencyResult, error) {
	since := now.Add(-c.cfg.MaxContributionAge)
	records, err := c.reputations.ListContributions(ctx, orgID, since)
	if err != nil {
		return ConsistencyResult{}, fmt.Errorf("list contributions: %w", err)
	}

	result := ConsistencyResult{OrgID: orgID}
	var weightSum, scoreSum float64
	for _, rec := range records {
		if rec.EventCount < c.cfg.MinEventCount {
			continue
		}
		result.Contributions++

		deviation := rec.ContributedFPRate - rec.ConsensusFPRate
		outlier := math.Abs(deviation) > c.cfg.OutlierThreshold
		if outlier {
			result.Outliers++
			if c.cfg.ExcludeOutliersFromScore {
				continue
			}
		}

		single := 1 - math.Min(math.Abs(deviation), 1)
		ageDays := now.Sub(rec.Timestamp).Hours() / 24
		w := math.Exp(-c.cfg.DecayRate * ageDays)
		weightSum += w
		scoreSum += w * single
	}

	if result.Contributions < c.cfg.MinContributionsRequired || weightSum == 0 {
		result.Score = 0.5
		result.Neutral = true
		return result, nil
	}
	result.Score = scoreSum / weightSum
	return result, nil
}
