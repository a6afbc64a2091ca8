package contracts

import "time"

// ExpectationCategory tags the variant carried by a PolicyExpectation.
type ExpectationCategory string

const (
	CategoryBranchProtection ExpectationCategory = "branch-protection"
	CategoryStatusChecks     ExpectationCategory = "status-checks"
	CategoryWorkflowPresence ExpectationCategory = "workflow-presence"
	CategoryPermissions      ExpectationCategory = "permissions"
	CategoryCodeowners       ExpectationCategory = "codeowners"
)

// Permission is the default repository permission level, ordered
// read < write < admin.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
	PermissionAdmin Permission = "admin"
)

// Ordinal returns the comparable rank of the permission; unknown values rank
// above admin so they always trip an "exceeds" gap.
func (p Permission) Ordinal() int {
	switch p {
	case PermissionRead:
		return 0
	case PermissionWrite:
		return 1
	case PermissionAdmin:
		return 2
	default:
		return 3
	}
}

// BranchProtectionRequirement is the expected branch-protection posture.
type BranchProtectionRequirement struct {
	RequiredReviews         int  `json:"required_reviews"`
	RequireCodeOwnerReviews bool `json:"require_code_owner_reviews"`
	DismissStaleReviews     bool `json:"dismiss_stale_reviews"`
	EnforceAdmins           bool `json:"enforce_admins"`
	RequireLinearHistory    bool `json:"require_linear_history"`
}

// StatusChecksRequirement lists status-check contexts that must be required.
type StatusChecksRequirement struct {
	Contexts []string `json:"contexts"`
	Strict   bool     `json:"strict"` // branches must be up to date
}

// WorkflowPresenceRequirement requires a workflow file at a fixed path.
type WorkflowPresenceRequirement struct {
	Path string `json:"path"`
}

// PermissionsRequirement caps the default repository permission.
type PermissionsRequirement struct {
	Max Permission `json:"max"`
}

// CodeownersRequirement requires CODEOWNERS coverage of the listed paths.
type CodeownersRequirement struct {
	RequiredPaths []string `json:"required_paths"`
}

// Requirement is the tagged variant of one expectation; exactly the field
// matching the expectation's category is set.
type Requirement struct {
	BranchProtection *BranchProtectionRequirement `json:"branch_protection,omitempty"`
	StatusChecks     *StatusChecksRequirement     `json:"status_checks,omitempty"`
	WorkflowPresence *WorkflowPresenceRequirement `json:"workflow_presence,omitempty"`
	Permissions      *PermissionsRequirement      `json:"permissions,omitempty"`
	Codeowners       *CodeownersRequirement       `json:"codeowners,omitempty"`
}

// PolicyExpectation is one atomic policy requirement.
type PolicyExpectation struct {
	ID          string              `json:"id"` // unique within a manifest
	Name        string              `json:"name"`
	Category    ExpectationCategory `json:"category"`
	Severity    Severity            `json:"severity"`
	Requirement Requirement         `json:"requirement"`
}

// RepoMatcher selects repositories for a classification. A repo matches if
// any of the populated selectors accepts it.
type RepoMatcher struct {
	Repos      []string `json:"repos,omitempty"`    // explicit full names
	Patterns   []string `json:"patterns,omitempty"` // anchored globs, * and ? only
	Topics     []string `json:"topics,omitempty"`
	Visibility string   `json:"visibility,omitempty"`
}

// Classification groups expectations applied to matching repositories.
type Classification struct {
	Name         string              `json:"name"`
	Description  string              `json:"description,omitempty"`
	Match        RepoMatcher         `json:"match"`
	Expectations []PolicyExpectation `json:"expectations"`
}

// Exemption is a time-bounded, attributed waiver of expectations for one
// repository.
type Exemption struct {
	Repo           string    `json:"repo"`
	ExpectationIDs []string  `json:"expectation_ids"`
	Reason         string    `json:"reason"`
	ApprovedBy     string    `json:"approved_by"`
	ExpiresAt      time.Time `json:"expires_at"`
	Ticket         string    `json:"ticket,omitempty"`
}

// Active reports whether the exemption is in force at the given instant.
func (e Exemption) Active(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// MergeQueuePolicy is the org- or repo-level merge-queue posture.
type MergeQueuePolicy struct {
	RequiredForDefaultBranch bool     `json:"required_for_default_branch"`
	AllowBypassForAdmins     bool     `json:"allow_bypass_for_admins"`
	RequireLinearHistory     bool     `json:"require_linear_history"`
	AllowDirectPushes        bool     `json:"allow_direct_pushes"`
	RequiredStatusChecks     []string `json:"required_status_checks,omitempty"`
}

// OrgPolicyManifest is the organization-wide policy document. It is owned by
// administrators and treated as read-mostly by the core.
type OrgPolicyManifest struct {
	SchemaVersion   string              `json:"schema_version"`
	OrgID           string              `json:"org_id"`
	UpdatedAt       time.Time           `json:"updated_at"`
	ApprovedBy      string              `json:"approved_by"`
	Defaults        []PolicyExpectation `json:"defaults"`
	Classifications []Classification    `json:"classifications,omitempty"`
	Exemptions      []Exemption         `json:"exemptions,omitempty"`
	MergeQueue      *MergeQueuePolicy   `json:"merge_queue,omitempty"`
}

// RepoMeta is the descriptive metadata of one repository.
type RepoMeta struct {
	Topics        []string `json:"topics,omitempty"`
	Language      string   `json:"language,omitempty"`
	Visibility    string   `json:"visibility"`
	Archived      bool     `json:"archived"`
	DefaultBranch string   `json:"default_branch"`
	Tags          []string `json:"tags,omitempty"`
}

// RequiredStatusChecks is the observed required-status-check record.
type RequiredStatusChecks struct {
	Strict   bool     `json:"strict"`
	Contexts []string `json:"contexts"`
}

// BranchProtection is the observed protection of the default branch; a nil
// value means no protection is configured.
type BranchProtection struct {
	RequiredReviews         int                   `json:"required_reviews"`
	RequireCodeOwnerReviews bool                  `json:"require_code_owner_reviews"`
	DismissStaleReviews     bool                  `json:"dismiss_stale_reviews"`
	EnforceAdmins           bool                  `json:"enforce_admins"`
	RequireLinearHistory    bool                  `json:"require_linear_history"`
	AllowForcePushes        bool                  `json:"allow_force_pushes"`
	AllowDeletions          bool                  `json:"allow_deletions"`
	RequiredStatusChecks    *RequiredStatusChecks `json:"required_status_checks,omitempty"`
}

// Codeowners is the observed CODEOWNERS coverage.
type Codeowners struct {
	Exists       bool     `json:"exists"`
	CoveredPaths []string `json:"covered_paths,omitempty"`
}

// MergeQueueState is the observed merge-queue configuration.
type MergeQueueState struct {
	Enabled bool `json:"enabled"`
}

// RepoGovernanceState is the observed governance posture of one repository,
// produced by the governance-state aggregator.
type RepoGovernanceState struct {
	FullName           string            `json:"full_name"`
	Meta               RepoMeta          `json:"meta"`
	BranchProtection   *BranchProtection `json:"branch_protection,omitempty"`
	Workflows          []WorkflowRef     `json:"workflows,omitempty"`
	DefaultPermissions Permission        `json:"default_permissions"`
	Codeowners         Codeowners        `json:"codeowners"`
	MergeQueue         *MergeQueueState  `json:"merge_queue,omitempty"`
	ScannedAt          time.Time         `json:"scanned_at"`
}

// OrgContext is the aggregated state of one organization's repositories
// together with its policy manifest. Built once per scheduled org-wide run.
type OrgContext struct {
	Manifest *OrgPolicyManifest    `json:"manifest"`
	Repos    []RepoGovernanceState `json:"repos"`
}
