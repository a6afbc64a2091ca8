// Package contracts defines the shared data model of the guardian core:
// rule descriptors, evaluation contexts, findings, dissonance reports, and
// the federated trust records exchanged between organizations.
//
// All cross-store references are by stable id. Entities here are plain data;
// behavior lives in the owning packages (oracle, manifest, calibration,
// trust).
package contracts

import (
	"time"
)

// Mode is the evaluation mode the oracle was invoked in.
type Mode string

const (
	ModePullRequest Mode = "pull_request"
	ModeMergeGroup  Mode = "merge_group"
	ModeSchedule    Mode = "schedule"
	ModeCalibration Mode = "calibration"
	ModeDrift       Mode = "drift"
)

// Outcome is the gate decision of one oracle run.
type Outcome string

const (
	OutcomeAllow Outcome = "ALLOW"
	OutcomeWarn  Outcome = "WARN"
	OutcomeBlock Outcome = "BLOCK"
)

// Severity grades a single finding. The ladder in the oracle maps severities
// to gate contributions; "block", "warn" and "allow" are direct contributions
// used by rules that pre-compute their gate intent.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
	SeverityBlock    Severity = "block"
	SeverityWarn     Severity = "warn"
	SeverityAllow    Severity = "allow"
)

// Tier partitions rules into the free set (A) and the licensed set (B).
type Tier string

const (
	TierA Tier = "A"
	TierB Tier = "B"
)

// FPTolerance is the false-positive budget of one rule.
type FPTolerance struct {
	Ceiling float64 `json:"ceiling"` // max tolerated FP rate in [0,1]
	Window  int     `json:"window"`  // sliding event-count window
}

// RuleDescriptor is the immutable registration record of one rule.
type RuleDescriptor struct {
	ID              string      `json:"id"`      // stable, e.g. "MD-101"
	Version         string      `json:"version"` // semver
	Name            string      `json:"name"`
	Tier            Tier        `json:"tier"`
	Severity        Severity    `json:"severity"`
	Category        string      `json:"category"`
	FPTolerance     FPTolerance `json:"fp_tolerance"`
	Promotion       string      `json:"promotion,omitempty"` // criteria for A-tier promotion
	ADRReferences   []string    `json:"adr_references,omitempty"`
	RequiredFeature string      `json:"required_feature,omitempty"` // Tier B only
	// Strict is the rule-level strictness flag. It dominates mode-level
	// strictness: a strict rule escalates critical findings to BLOCK in any
	// mode, a non-strict rule keeps the WARN demotion even in merge_group.
	Strict bool `json:"strict,omitempty"`
	Modes  []Mode `json:"modes,omitempty"` // empty = all modes
}

// License describes the entitlement present on the request.
type License struct {
	Tier      string    `json:"tier"`
	Features  []string  `json:"features"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Valid reports whether the license is usable at the given instant.
func (l *License) Valid(now time.Time) bool {
	return l != nil && now.Before(l.ExpiresAt)
}

// HasFeature reports whether the license carries the named feature.
func (l *License) HasFeature(name string) bool {
	if l == nil {
		return false
	}
	for _, f := range l.Features {
		if f == name {
			return true
		}
	}
	return false
}

// Repo identifies the repository under evaluation.
type Repo struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// FullName returns "owner/name".
func (r Repo) FullName() string { return r.Owner + "/" + r.Name }

// RuleContext is the read-only input of one oracle invocation. It is owned
// by that invocation and must not be retained by rules.
type RuleContext struct {
	License          *License          `json:"license,omitempty"`
	Files            map[string]string `json:"files,omitempty"` // path -> content
	Repo             Repo              `json:"repo"`
	Mode             Mode              `json:"mode"`
	Org              *OrgContext       `json:"org,omitempty"`
	BranchProtection *BranchProtection `json:"branch_protection,omitempty"`
	MergeQueuePolicy *MergeQueuePolicy `json:"merge_queue_policy,omitempty"`
	// MergeQueue is the observed merge-queue state; nil means not observed.
	MergeQueue   *MergeQueueState `json:"merge_queue,omitempty"`
	WorkflowJobs []WorkflowRef    `json:"workflow_jobs,omitempty"`
}

// WorkflowRef is one workflow file together with its declared job names.
type WorkflowRef struct {
	Path     string   `json:"path"`
	JobNames []string `json:"job_names"`
}

// Evidence points at the repository location backing a finding. Paths are
// always repo-relative.
type Evidence struct {
	Path    string            `json:"path"`
	Line    int               `json:"line,omitempty"`
	Context map[string]string `json:"context,omitempty"`
}

// Finding is a single issue produced by a rule.
type Finding struct {
	ID            string     `json:"id"`
	RuleID        string     `json:"rule_id"`
	RuleName      string     `json:"rule_name"`
	Severity      Severity   `json:"severity"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	Remediation   string     `json:"remediation,omitempty"`
	Evidence      []Evidence `json:"evidence,omitempty"`
	ADRReferences []string   `json:"adr_references,omitempty"`
	Check         string     `json:"check,omitempty"`       // machine-readable sub-check id
	Annotations   []string   `json:"annotations,omitempty"` // e.g. "circuit-open"
}

// SystemRuleID marks synthetic findings produced by the engine itself.
const SystemRuleID = "SYSTEM"

// Thresholds is the tunable gate configuration, snapshotted into each report.
type Thresholds struct {
	// StrictCritical escalates critical findings to BLOCK in any mode;
	// rule-level Strict dominates. merge_group runs are always strict.
	StrictCritical bool `json:"strict_critical"`
	// CircuitBlockLimit is the per-rule BLOCK contribution budget per window.
	CircuitBlockLimit int `json:"circuit_block_limit"`
	// CircuitWindow bounds the block counter TTL.
	CircuitWindow time.Duration `json:"circuit_window"`
}

// DefaultThresholds returns the production defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		StrictCritical:    false,
		CircuitBlockLimit: 100,
		CircuitWindow:     time.Hour,
	}
}

// DissonanceReport is the structured result of one oracle run.
type DissonanceReport struct {
	RunID              string     `json:"run_id"`
	RepoID             string     `json:"repo_id"`
	Mode               Mode       `json:"mode"`
	Outcome            Outcome    `json:"outcome"`
	ThresholdsSnapshot Thresholds `json:"thresholds_snapshot"`
	Findings           []Finding  `json:"findings"`
	SuppressedCount    int        `json:"suppressed_count"`
	RedactionTag       string     `json:"redaction_tag"`
	// NonceVersion records, opaquely, which nonce version produced the tag.
	NonceVersion  int       `json:"nonce_version"`
	SchemaVersion string    `json:"schema_version"`
	Annotations   []string  `json:"annotations,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// EvaluateOptions carries per-invocation engine switches.
type EvaluateOptions struct {
	Mode Mode
	// DryRun suppresses fail-closed behavior on secret errors and baseline
	// writes in calibration mode.
	DryRun bool
	// RequestedRules lists rule ids the operator explicitly selected. A
	// Tier-B license failure on a requested rule becomes a high-severity
	// finding instead of a silent skip.
	RequestedRules []string
}

// Requested reports whether the rule id was explicitly selected.
func (o EvaluateOptions) Requested(ruleID string) bool {
	for _, id := range o.RequestedRules {
		if id == ruleID {
			return true
		}
	}
	return false
}
