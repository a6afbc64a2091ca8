package rules

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/MultiplicityFoundation/phase-mirror/pkg/contracts"
)

// MergeQueueTrustChain is MD-102: compare observed branch protection against
// the merge-queue policy and flag required status checks no workflow
// provides. Property diffs run only when branch protection is observed;
// absent protection is MD-101's finding, not this rule's. Queue presence is
// diffed when the observed merge-queue state is available.
type MergeQueueTrustChain struct{}

func NewMergeQueueTrustChain() *MergeQueueTrustChain { return &MergeQueueTrustChain{} }

func (r *MergeQueueTrustChain) Descriptor() contracts.RuleDescriptor {
	return contracts.RuleDescriptor{
		ID:       "MD-102",
		Version:  "1.4.0",
		Name:     "Merge Queue Trust Chain Break",
		Tier:     contracts.TierA,
		Severity: contracts.SeverityHigh,
		Category: "merge-queue",
		FPTolerance: contracts.FPTolerance{
			Ceiling: 0.08,
			Window:  300,
		},
		ADRReferences: []string{"ADR-033"},
	}
}

func (r *MergeQueueTrustChain) Evaluate(_ context.Context, rc *contracts.RuleContext) ([]contracts.Finding, error) {
	if rc.MergeQueuePolicy == nil {
		return nil, nil
	}
	repo := rc.Repo.FullName()
	findings := mergeQueueFindings(repo, rc.MergeQueuePolicy, rc.BranchProtection, rc.WorkflowJobs)
	if rc.MergeQueue != nil && rc.MergeQueuePolicy.RequiredForDefaultBranch && !rc.MergeQueue.Enabled {
		findings = append(findings, queueRequiredFinding(repo))
	}
	return findings, nil
}

// FederatedMergeQueue is MD-102-federated: the org-wide sweep of MD-102 plus
// the critical-repo-without-queue check. Findings keep ruleId MD-102 so FP
// calibration pools both variants.
type FederatedMergeQueue struct{}

func NewFederatedMergeQueue() *FederatedMergeQueue { return &FederatedMergeQueue{} }

func (r *FederatedMergeQueue) Descriptor() contracts.RuleDescriptor {
	return contracts.RuleDescriptor{
		ID:              "MD-102-federated",
		Version:         "1.4.0",
		Name:            "Merge Queue Trust Chain Break (federated)",
		Tier:            contracts.TierB,
		Severity:        contracts.SeverityCritical,
		Category:        "merge-queue",
		RequiredFeature: "federated-governance",
		FPTolerance: contracts.FPTolerance{
			Ceiling: 0.08,
			Window:  300,
		},
		ADRReferences: []string{"ADR-033", "ADR-035"},
	}
}

func (r *FederatedMergeQueue) Evaluate(_ context.Context, rc *contracts.RuleContext) ([]contracts.Finding, error) {
	if rc.Org == nil || rc.Org.Manifest == nil || rc.Org.Manifest.MergeQueue == nil {
		return nil, nil
	}
	policy := rc.Org.Manifest.MergeQueue

	var findings []contracts.Finding
	for _, repo := range rc.Org.Repos {
		if repo.Meta.Archived {
			continue
		}
		findings = append(findings, mergeQueueFindings(repo.FullName, policy, repo.BranchProtection, repo.Workflows)...)

		queueEnabled := repo.MergeQueue != nil && repo.MergeQueue.Enabled
		if !policy.RequiredForDefaultBranch || queueEnabled {
			continue
		}
		if hasTag(repo.Meta, "critical") {
			// A critical system without a merge queue is the worst break in
			// the chain; this subsumes the generic queue-missing finding.
			findings = append(findings, contracts.Finding{
				ID:          findingID("MD-102", repo.FullName, "federated-critical-no-queue"),
				RuleID:      "MD-102",
				RuleName:    "Merge Queue Trust Chain Break",
				Severity:    contracts.SeverityCritical,
				Title:       fmt.Sprintf("%s: critical repository has no merge queue", repo.FullName),
				Description: "the repository is tagged critical and the org policy requires a merge queue on the default branch, but none is configured",
				Remediation: "enable the merge queue before any further merges to this repository",
				Evidence: []contracts.Evidence{{
					Path:    repo.FullName,
					Context: map[string]string{"tags": strings.Join(repo.Meta.Tags, ",")},
				}},
				Check: "federated-critical-no-queue",
			})
			continue
		}
		findings = append(findings, queueRequiredFinding(repo.FullName))
	}
	return findings, nil
}

func hasTag(meta contracts.RepoMeta, tag string) bool {
	for _, t := range meta.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// queueRequiredFinding is the generic queue-missing finding shared by both
// variants.
func queueRequiredFinding(repo string) contracts.Finding {
	return contracts.Finding{
		ID:          findingID("MD-102", repo, "queue-required-for-default-branch"),
		RuleID:      "MD-102",
		RuleName:    "Merge Queue Trust Chain Break",
		Severity:    contracts.SeverityHigh,
		Title:       fmt.Sprintf("%s: merge queue required but not enabled", repo),
		Description: "the org policy requires a merge queue on the default branch and none is configured",
		Remediation: "restore the merge-queue configuration required by the org policy",
		Evidence:    []contracts.Evidence{{Path: repo}},
		Check:       "queue-required-for-default-branch",
	}
}

// mergeQueueFindings emits one finding per violated merge-queue property
// observable through branch protection.
func mergeQueueFindings(repo string, policy *contracts.MergeQueuePolicy, bp *contracts.BranchProtection, workflows []contracts.WorkflowRef) []contracts.Finding {
	var findings []contracts.Finding
	emit := func(check string, severity contracts.Severity, title, desc string, ctx map[string]string) {
		findings = append(findings, contracts.Finding{
			ID:          findingID("MD-102", repo, check),
			RuleID:      "MD-102",
			RuleName:    "Merge Queue Trust Chain Break",
			Severity:    severity,
			Title:       title,
			Description: desc,
			Remediation: "restore the merge-queue configuration required by the org policy",
			Evidence:    []contracts.Evidence{{Path: repo, Context: ctx}},
			Check:       check,
		})
	}

	if bp != nil {
		if policy.RequireLinearHistory && !bp.RequireLinearHistory {
			emit("queue-linear-history", contracts.SeverityMedium,
				fmt.Sprintf("%s: linear history not enforced", repo),
				"policy requires linear history on the default branch but branch protection does not enforce it", nil)
		}
		if !policy.AllowBypassForAdmins && !bp.EnforceAdmins {
			emit("queue-admin-bypass", contracts.SeverityMedium,
				fmt.Sprintf("%s: admins can bypass the merge queue", repo),
				"policy forbids admin bypass but branch protection is not enforced for admins", nil)
		}
		if !policy.AllowDirectPushes && bp.AllowForcePushes {
			emit("queue-direct-pushes", contracts.SeverityMedium,
				fmt.Sprintf("%s: direct pushes to the default branch are possible", repo),
				"policy forbids direct pushes but branch protection allows force pushes", nil)
		}
		if missing := missingContexts(policy.RequiredStatusChecks, bp.RequiredStatusChecks); len(missing) > 0 {
			emit("queue-status-checks", contracts.SeverityMedium,
				fmt.Sprintf("%s: required status checks not enforced", repo),
				"policy-required status check contexts are not part of branch protection: "+strings.Join(missing, ", "),
				map[string]string{"missing": strings.Join(missing, ",")})
		}
		if orphaned := orphanedContexts(bp.RequiredStatusChecks, workflows); len(orphaned) > 0 {
			emit("orphaned-status-checks", contracts.SeverityMedium,
				fmt.Sprintf("%s: required status checks no workflow provides", repo),
				"these required contexts match no job in any workflow file, so merges can wait forever or the check was deleted: "+strings.Join(orphaned, ", "),
				map[string]string{"orphaned": strings.Join(orphaned, ",")})
		}
	}
	return findings
}

func missingContexts(required []string, observed *contracts.RequiredStatusChecks) []string {
	if len(required) == 0 {
		return nil
	}
	have := make(map[string]bool)
	if observed != nil {
		for _, c := range observed.Contexts {
			have[c] = true
		}
	}
	var missing []string
	for _, c := range required {
		if !have[c] {
			missing = append(missing, c)
		}
	}
	return missing
}

func orphanedContexts(observed *contracts.RequiredStatusChecks, workflows []contracts.WorkflowRef) []string {
	if observed == nil || len(observed.Contexts) == 0 {
		return nil
	}
	provided := make(map[string]bool)
	for _, wf := range workflows {
		for _, job := range wf.JobNames {
			provided[job] = true
		}
	}
	var orphaned []string
	for _, c := range observed.Contexts {
		if !provided[c] {
			orphaned = append(orphaned, c)
		}
	}
	sort.Strings(orphaned)
	return orphaned
}
