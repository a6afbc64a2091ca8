package contracts

import "time"

// FPEvent records operator feedback on one finding. Rows expire after the
// store's TTL (~90 days).
type FPEvent struct {
	EventID           string            `json:"event_id"` // uuid
	RuleID            string            `json:"rule_id"`
	RuleVersion       string            `json:"rule_version"`
	FindingID         string            `json:"finding_id"`
	Outcome           Outcome           `json:"outcome"`
	IsFalsePositive   bool              `json:"is_false_positive"`
	ReviewedBy        string            `json:"reviewed_by,omitempty"`
	ReviewedAt        time.Time         `json:"reviewed_at,omitzero"`
	SuppressionTicket string            `json:"suppression_ticket,omitempty"`
	Timestamp         time.Time         `json:"timestamp"`
	Context           map[string]string `json:"context,omitempty"`
	OrgIDHash         string            `json:"org_id_hash"` // k-anonymity
	ConsentRef        string            `json:"consent_ref,omitempty"`
}

// FilterReason explains why a contributor was excluded from consensus.
type FilterReason string

const (
	FilterInsufficientData   FilterReason = "insufficient_data"
	FilterLowReputation      FilterReason = "low_reputation"
	FilterNoStake            FilterReason = "no_stake"
	FilterStatisticalOutlier FilterReason = "statistical_outlier"
)

// FilteredContributor is one exclusion decision of the Byzantine filter.
type FilteredContributor struct {
	OrgID  string       `json:"org_id"`
	Reason FilterReason `json:"reason"`
}

// ConfidenceLevel categorizes aggregate confidence.
type ConfidenceLevel string

const (
	ConfidenceHigh         ConfidenceLevel = "high"
	ConfidenceMedium       ConfidenceLevel = "medium"
	ConfidenceLow          ConfidenceLevel = "low"
	ConfidenceInsufficient ConfidenceLevel = "insufficient"
)

// CalibrationResult is the consensus FP rate for one rule after Byzantine
// filtering.
type CalibrationResult struct {
	RuleID            string                `json:"rule_id"`
	ConsensusRate     float64               `json:"consensus_rate"`
	Confidence        float64               `json:"confidence"`
	ConfidenceLevel   ConfidenceLevel       `json:"confidence_level"`
	Contributors      []string              `json:"contributors"` // surviving org ids
	Filtered          []FilteredContributor `json:"filtered,omitempty"`
	TrustedEventCount int                   `json:"trusted_event_count"`
	ComputedAt        time.Time             `json:"computed_at"`
}

// RuleFPStats are per-rule aggregate statistics over stored events.
type RuleFPStats struct {
	RuleID         string  `json:"rule_id"`
	TotalEvents    int     `json:"total_events"`
	FalsePositives int     `json:"false_positives"`
	FPRate         float64 `json:"fp_rate"`
}
