package calibration

import (
	"math"

	"github.com/MultiplicityFoundation/phase-mirror/pkg/contracts"
)

// kAnonymityFloor is the minimum number of trusted contributors before any
// aggregate may be disclosed.
const kAnonymityFloor = 3

// Confidence factor weights (contributor count, rate agreement, event
// volume, mean weight).
const (
	confWeightContributors = 0.35
	confWeightAgreement    = 0.30
	confWeightVolume       = 0.20
	confWeightMeanWeight   = 0.15
)

// ConfidenceScore computes the weighted mean of the four confidence factors
// for the surviving contributor set.
func ConfidenceScore(survivors []Contribution, trustedEventCount int) float64 {
	if len(survivors) == 0 {
		return 0
	}

	contributorFactor := math.Min(float64(len(survivors))/20, 1)

	var mean, weightSum float64
	for _, c := range survivors {
		mean += c.FPRate
		weightSum += c.Weight
	}
	mean /= float64(len(survivors))
	meanWeight := weightSum / float64(len(survivors))

	var variance float64
	for _, c := range survivors {
		d := c.FPRate - mean
		variance += d * d
	}
	sigma := math.Sqrt(variance / float64(len(survivors)))
	agreement := 1.0
	if mean > 0 {
		agreement = 1 - sigma/mean
		if agreement < 0 {
			agreement = 0
		}
	}

	volumeFactor := math.Min(float64(trustedEventCount)/1000, 1)

	return confWeightContributors*contributorFactor +
		confWeightAgreement*agreement +
		confWeightVolume*volumeFactor +
		confWeightMeanWeight*meanWeight
}

// ConfidenceLevelFor categorizes a confidence score. Fewer than three
// trusted contributors always force "insufficient".
func ConfidenceLevelFor(score float64, trustedContributors int) contracts.ConfidenceLevel {
	if trustedContributors < kAnonymityFloor {
		return contracts.ConfidenceInsufficient
	}
	switch {
	case score >= 0.7:
		return contracts.ConfidenceHigh
	case score >= 0.5:
		return contracts.ConfidenceMedium
	case score >= 0.3:
		return contracts.ConfidenceLow
	default:
		return contracts.ConfidenceInsufficient
	}
}
