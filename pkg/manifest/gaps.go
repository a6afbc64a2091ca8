package manifest

import (
	"strings"

	"github.com/MultiplicityFoundation/phase-mirror/pkg/contracts"
)

// GapKind classifies how an expectation is unmet.
type GapKind string

const (
	// GapMissing: the required control is absent entirely.
	GapMissing GapKind = "missing"
	// GapPartial: the control exists but is weaker than required.
	GapPartial GapKind = "partial"
	// GapExceeds: an observed value exceeds the allowed maximum.
	GapExceeds GapKind = "exceeds"
)

// Gap is one unmet expectation on one repository.
type Gap struct {
	ExpectationID string                        `json:"expectation_id"`
	Repo          string                        `json:"repo"`
	Category      contracts.ExpectationCategory `json:"category"`
	Severity      contracts.Severity            `json:"severity"`
	Kind          GapKind                       `json:"kind"`
	// Fields lists the weakened fields or missing items for partial gaps.
	Fields []string `json:"fields,omitempty"`
}

// DetectGaps diffs the repo's observed state against its resolved
// expectations, dispatching on each expectation's requirement variant.
func DetectGaps(state contracts.RepoGovernanceState, expectations []contracts.PolicyExpectation) []Gap {
	var gaps []Gap
	for _, exp := range expectations {
		if g, ok := detectGap(state, exp); ok {
			gaps = append(gaps, g)
		}
	}
	return gaps
}

func detectGap(state contracts.RepoGovernanceState, exp contracts.PolicyExpectation) (Gap, bool) {
	gap := Gap{
		ExpectationID: exp.ID,
		Repo:          state.FullName,
		Category:      exp.Category,
		Severity:      exp.Severity,
	}
	switch {
	case exp.Requirement.BranchProtection != nil:
		return branchProtectionGap(gap, state.BranchProtection, exp.Requirement.BranchProtection)
	case exp.Requirement.StatusChecks != nil:
		return statusChecksGap(gap, state.BranchProtection, exp.Requirement.StatusChecks)
	case exp.Requirement.WorkflowPresence != nil:
		return workflowGap(gap, state.Workflows, exp.Requirement.WorkflowPresence)
	case exp.Requirement.Permissions != nil:
		return permissionsGap(gap, state.DefaultPermissions, exp.Requirement.Permissions)
	case exp.Requirement.Codeowners != nil:
		return codeownersGap(gap, state.Codeowners, exp.Requirement.Codeowners)
	}
	// Expectation without a requirement variant: silent pass. The manifest
	// schema forbids this shape, so it only occurs on hand-built inputs.
	return Gap{}, false
}

func branchProtectionGap(gap Gap, observed *contracts.BranchProtection, req *contracts.BranchProtectionRequirement) (Gap, bool) {
	if observed == nil {
		gap.Kind = GapMissing
		return gap, true
	}
	var weakened []string
	if observed.RequiredReviews < req.RequiredReviews {
		weakened = append(weakened, "required_reviews")
	}
	if req.RequireCodeOwnerReviews && !observed.RequireCodeOwnerReviews {
		weakened = append(weakened, "require_code_owner_reviews")
	}
	if req.DismissStaleReviews && !observed.DismissStaleReviews {
		weakened = append(weakened, "dismiss_stale_reviews")
	}
	if req.EnforceAdmins && !observed.EnforceAdmins {
		weakened = append(weakened, "enforce_admins")
	}
	if req.RequireLinearHistory && !observed.RequireLinearHistory {
		weakened = append(weakened, "require_linear_history")
	}
	if len(weakened) == 0 {
		return Gap{}, false
	}
	gap.Kind = GapPartial
	gap.Fields = weakened
	return gap, true
}

func statusChecksGap(gap Gap, observed *contracts.BranchProtection, req *contracts.StatusChecksRequirement) (Gap, bool) {
	if observed == nil || observed.RequiredStatusChecks == nil {
		gap.Kind = GapMissing
		gap.Fields = append([]string(nil), req.Contexts...)
		return gap, true
	}
	have := make(map[string]bool, len(observed.RequiredStatusChecks.Contexts))
	for _, c := range observed.RequiredStatusChecks.Contexts {
		have[c] = true
	}
	var missing []string
	for _, c := range req.Contexts {
		if !have[c] {
			missing = append(missing, c)
		}
	}
	if req.Strict && !observed.RequiredStatusChecks.Strict {
		missing = append(missing, "strict")
	}
	if len(missing) == 0 {
		return Gap{}, false
	}
	gap.Kind = GapPartial
	gap.Fields = missing
	return gap, true
}

func workflowGap(gap Gap, workflows []contracts.WorkflowRef, req *contracts.WorkflowPresenceRequirement) (Gap, bool) {
	for _, wf := range workflows {
		if wf.Path == req.Path {
			return Gap{}, false
		}
	}
	gap.Kind = GapMissing
	gap.Fields = []string{req.Path}
	return gap, true
}

func permissionsGap(gap Gap, observed contracts.Permission, req *contracts.PermissionsRequirement) (Gap, bool) {
	if observed.Ordinal() <= req.Max.Ordinal() {
		return Gap{}, false
	}
	gap.Kind = GapExceeds
	gap.Fields = []string{string(observed)}
	return gap, true
}

func codeownersGap(gap Gap, observed contracts.Codeowners, req *contracts.CodeownersRequirement) (Gap, bool) {
	if !observed.Exists {
		gap.Kind = GapMissing
		return gap, true
	}
	var uncovered []string
	for _, required := range req.RequiredPaths {
		covered := false
		for _, p := range observed.CoveredPaths {
			if strings.HasPrefix(p, required) {
				covered = true
				break
			}
		}
		if !covered {
			uncovered = append(uncovered, required)
		}
	}
	if len(uncovered) == 0 {
		return Gap{}, false
	}
	gap.Kind = GapPartial
	gap.Fields = uncovered
	return gap, true
}
