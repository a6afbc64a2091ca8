package calibration

import (
	"math"
	"sort"

	"github.com/MultiplicityFoundation/phase-mirror/pkg/contracts"
)

// FilterConfig is the enumerated configuration of the Byzantine filter.
type FilterConfig struct {
	// MinimumReputationScore below which contributors are dropped.
	MinimumReputationScore float64
	// RequireStake drops contributors whose stake multiplier is zero.
	RequireStake bool
	// MinContributorsForFiltering below which the statistical stages are
	// skipped entirely.
	MinContributorsForFiltering int
	// ZScoreThreshold for outlier rejection (strict >).
	ZScoreThreshold float64
	// ByzantineFilterPercentile of lowest-weight contributors to drop.
	ByzantineFilterPercentile float64
}

// DefaultFilterConfig returns the production defaults.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		MinimumReputationScore:      0.1,
		RequireStake:                false,
		MinContributorsForFiltering: 5,
		ZScoreThreshold:             3.0,
		ByzantineFilterPercentile:   0.20,
	}
}

// Contribution is one org's FP-rate submission entering the filter.
type Contribution struct {
	OrgID           string  `json:"org_id"`
	FPRate          float64 `json:"fp_rate"`
	Weight          float64 `json:"weight"`
	StakeMultiplier float64 `json:"stake_multiplier"`
	EventCount      int     `json:"event_count"`
	// HasRecord is false for contributors without a reputation record;
	// they are dropped in the first stage.
	HasRecord bool `json:"has_record"`
}

// FilterResult is the filter's decision set. Survivors is always a subset of
// the input.
type FilterResult struct {
	Survivors []Contribution
	Filtered  []contracts.FilteredContributor
	// StatisticalStagesSkipped is set when too few contributors remained
	// for the z-score and percentile stages; confidence is annotated
	// accordingly.
	StatisticalStagesSkipped bool
}

// Filter applies the Byzantine filter stages in their fixed order:
// missing-data, minimum-reputation, stake, z-score, percentile. No stage may
// run out of order.
func Filter(input []Contribution, cfg FilterConfig) FilterResult {
	var res FilterResult

	// Stage 1: contributors with no reputation record.
	var pool []Contribution
	for _, c := range input {
		if !c.HasRecord {
			res.Filtered = append(res.Filtered, contracts.FilteredContributor{
				OrgID: c.OrgID, Reason: contracts.FilterInsufficientData,
			})
			continue
		}
		pool = append(pool, c)
	}

	// Stage 2: weight below the reputation floor.
	pool = dropIf(pool, &res, contracts.FilterLowReputation, func(c Contribution) bool {
		return c.Weight < cfg.MinimumReputationScore
	})

	// Stage 3: stake requirement.
	if cfg.RequireStake {
		pool = dropIf(pool, &res, contracts.FilterNoStake, func(c Contribution) bool {
			return c.StakeMultiplier == 0
		})
	}

	// Stage 4: too few contributors for statistics.
	if len(pool) < cfg.MinContributorsForFiltering {
		res.Survivors = pool
		res.StatisticalStagesSkipped = true
		return res
	}
	statPopulation := len(pool)

	// Stage 5: z-score outlier rejection. Each contributor is scored
	// against the mean and deviation of its peers so a single extreme
	// value cannot mask itself by inflating sigma. Zero deviation yields
	// z=0, so uniform peers never cause drops.
	kept := pool[:0:0]
	for i, c := range pool {
		z := peerZScore(pool, i)
		if math.Abs(z) > cfg.ZScoreThreshold {
			res.Filtered = append(res.Filtered, contracts.FilteredContributor{
				OrgID: c.OrgID, Reason: contracts.FilterStatisticalOutlier,
			})
			continue
		}
		kept = append(kept, c)
	}
	pool = kept

	// Stage 6: drop the bottom reputation percentile. The drop count is
	// derived from the population that entered the statistical stages.
	dropCount := int(math.Floor(float64(statPopulation) * cfg.ByzantineFilterPercentile))
	if dropCount >= len(pool) {
		dropCount = len(pool) - 1
	}
	if dropCount > 0 {
		sort.SliceStable(pool, func(i, j int) bool {
			if pool[i].Weight != pool[j].Weight {
				return pool[i].Weight < pool[j].Weight
			}
			return pool[i].OrgID < pool[j].OrgID
		})
		for _, c := range pool[:dropCount] {
			res.Filtered = append(res.Filtered, contracts.FilteredContributor{
				OrgID: c.OrgID, Reason: contracts.FilterLowReputation,
			})
		}
		pool = pool[dropCount:]
	}

	res.Survivors = pool
	return res
}

func dropIf(pool []Contribution, res *FilterResult, reason contracts.FilterReason, pred func(Contribution) bool) []Contribution {
	kept := pool[:0:0]
	for _, c := range pool {
		if pred(c) {
			res.Filtered = append(res.Filtered, contracts.FilteredContributor{OrgID: c.OrgID, Reason: reason})
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

// peerZScore computes the z-score of pool[i] against the mean and population
// deviation of the other contributors.
func peerZScore(pool []Contribution, i int) float64 {
	var sum float64
	for j, c := range pool {
		if j == i {
			continue
		}
		sum += c.FPRate
	}
	n := float64(len(pool) - 1)
	if n == 0 {
		return 0
	}
	mean := sum / n
	var variance float64
	for j, c := range pool {
		if j == i {
			continue
		}
		d := c.FPRate - mean
		variance += d * d
	}
	sigma := math.Sqrt(variance / n)
	if sigma == 0 {
		return 0
	}
	return (pool[i].FPRate - mean) / sigma
}

// Consensus is the weight-normalized mean FP rate of the survivors.
func Consensus(survivors []Contribution) float64 {
	var num, den float64
	for _, c := range survivors {
		num += c.Weight * c.FPRate
		den += c.Weight
	}
	if den == 0 {
		return 0
	}
	return num / den
}
