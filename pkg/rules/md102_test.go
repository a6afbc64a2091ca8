package rules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MultiplicityFoundation/phase-mirror/pkg/contracts"
)

func queuePolicy() *contracts.MergeQueuePolicy {
	return &contracts.MergeQueuePolicy{
		RequiredForDefaultBranch: true,
		RequireLinearHistory:     true,
		RequiredStatusChecks:     []string{"ci/test", "ci/build"},
	}
}

func TestMergeQueueTrustChainPropertyDiffs(t *testing.T) {
	rule := NewMergeQueueTrustChain()
	rc := &contracts.RuleContext{
		Repo:             contracts.Repo{Owner: "acme", Name: "platform"},
		MergeQueuePolicy: queuePolicy(),
		BranchProtection: &contracts.BranchProtection{
			RequireLinearHistory: false,
			EnforceAdmins:        false,
			AllowForcePushes:     true,
			RequiredStatusChecks: &contracts.RequiredStatusChecks{Contexts: []string{"ci/test"}},
		},
		WorkflowJobs: []contracts.WorkflowRef{
			{Path: ".github/workflows/ci.yml", JobNames: []string{"ci/test"}},
		},
	}

	findings, err := rule.Evaluate(context.Background(), rc)
	require.NoError(t, err)

	checks := make(map[string]bool)
	for _, f := range findings {
		assert.Equal(t, "MD-102", f.RuleID)
		assert.Equal(t, contracts.SeverityMedium, f.Severity)
		checks[f.Check] = true
	}
	assert.True(t, checks["queue-linear-history"])
	assert.True(t, checks["queue-admin-bypass"])
	assert.True(t, checks["queue-direct-pushes"])
	assert.True(t, checks["queue-status-checks"])
	assert.Len(t, findings, 4)
}

func TestMergeQueueTrustChainOrphanedChecks(t *testing.T) {
	rule := NewMergeQueueTrustChain()
	rc := &contracts.RuleContext{
		Repo:             contracts.Repo{Owner: "acme", Name: "platform"},
		MergeQueuePolicy: &contracts.MergeQueuePolicy{},
		BranchProtection: &contracts.BranchProtection{
			EnforceAdmins: true,
			RequiredStatusChecks: &contracts.RequiredStatusChecks{
				Contexts: []string{"ci/test", "ci/deleted-job", "ci/renamed-job"},
			},
		},
		WorkflowJobs: []contracts.WorkflowRef{
			{Path: ".github/workflows/ci.yml", JobNames: []string{"ci/test"}},
		},
	}

	findings, err := rule.Evaluate(context.Background(), rc)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "orphaned-status-checks", findings[0].Check)
	// Orphans are listed sorted.
	assert.Equal(t, "ci/deleted-job,ci/renamed-job", findings[0].Evidence[0].Context["orphaned"])
}

func TestMergeQueueTrustChainQueuePresence(t *testing.T) {
	rule := NewMergeQueueTrustChain()
	ctx := context.Background()
	rc := &contracts.RuleContext{
		Repo:             contracts.Repo{Owner: "acme", Name: "platform"},
		MergeQueuePolicy: queuePolicy(),
		MergeQueue:       &contracts.MergeQueueState{},
	}

	// Queue required, observed absent: the generic queue-missing finding.
	findings, err := rule.Evaluate(ctx, rc)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, contracts.SeverityHigh, findings[0].Severity)
	assert.Equal(t, "queue-required-for-default-branch", findings[0].Check)

	// Enabled queue satisfies the policy.
	rc.MergeQueue = &contracts.MergeQueueState{Enabled: true}
	findings, err = rule.Evaluate(ctx, rc)
	require.NoError(t, err)
	assert.Empty(t, findings)

	// Unobserved queue state stays silent rather than guessing.
	rc.MergeQueue = nil
	findings, err = rule.Evaluate(ctx, rc)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestMergeQueueTrustChainSkipsWithoutObservations(t *testing.T) {
	rule := NewMergeQueueTrustChain()
	ctx := context.Background()

	// No policy: nothing to compare against.
	findings, err := rule.Evaluate(ctx, &contracts.RuleContext{})
	require.NoError(t, err)
	assert.Empty(t, findings)

	// Policy but no observed branch protection: absence is MD-101's domain.
	findings, err = rule.Evaluate(ctx, &contracts.RuleContext{
		Repo:             contracts.Repo{Owner: "acme", Name: "platform"},
		MergeQueuePolicy: queuePolicy(),
	})
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func federatedContext(repos ...contracts.RepoGovernanceState) *contracts.RuleContext {
	return &contracts.RuleContext{
		Repo: contracts.Repo{Owner: "acme", Name: "platform"},
		Org: &contracts.OrgContext{
			Manifest: &contracts.OrgPolicyManifest{
				SchemaVersion: "1.0",
				OrgID:         "acme",
				ApprovedBy:    "platform-team",
				MergeQueue:    queuePolicy(),
			},
			Repos: repos,
		},
	}
}

func TestFederatedMergeQueueCriticalRepoWithoutQueue(t *testing.T) {
	rule := NewFederatedMergeQueue()
	repo := contracts.RepoGovernanceState{
		FullName: "acme/payments",
		Meta:     contracts.RepoMeta{Tags: []string{"critical"}, DefaultBranch: "main"},
	}

	findings, err := rule.Evaluate(context.Background(), federatedContext(repo))
	require.NoError(t, err)
	// The critical finding subsumes the generic queue-missing one: exactly
	// one finding for this repo.
	require.Len(t, findings, 1)
	f := findings[0]
	assert.Equal(t, "MD-102", f.RuleID)
	assert.Equal(t, contracts.SeverityCritical, f.Severity)
	assert.Equal(t, "federated-critical-no-queue", f.Check)
	assert.Contains(t, f.Title, "acme/payments")
}

func TestFederatedMergeQueueNonCriticalRepoWithoutQueue(t *testing.T) {
	rule := NewFederatedMergeQueue()
	repo := contracts.RepoGovernanceState{
		FullName: "acme/website",
		Meta:     contracts.RepoMeta{DefaultBranch: "main"},
	}

	findings, err := rule.Evaluate(context.Background(), federatedContext(repo))
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, contracts.SeverityHigh, findings[0].Severity)
	assert.Equal(t, "queue-required-for-default-branch", findings[0].Check)
}

func TestFederatedMergeQueueCleanOrg(t *testing.T) {
	rule := NewFederatedMergeQueue()
	ok := contracts.RepoGovernanceState{
		FullName:   "acme/clean",
		Meta:       contracts.RepoMeta{DefaultBranch: "main"},
		MergeQueue: &contracts.MergeQueueState{Enabled: true},
		BranchProtection: &contracts.BranchProtection{
			RequireLinearHistory: true,
			EnforceAdmins:        true,
			RequiredStatusChecks: &contracts.RequiredStatusChecks{Contexts: []string{"ci/test", "ci/build"}},
		},
		Workflows: []contracts.WorkflowRef{
			{Path: ".github/workflows/ci.yml", JobNames: []string{"ci/test", "ci/build"}},
		},
	}
	archived := contracts.RepoGovernanceState{
		FullName: "acme/attic",
		Meta:     contracts.RepoMeta{Archived: true},
	}

	findings, err := rule.Evaluate(context.Background(), federatedContext(ok, archived))
	require.NoError(t, err)
	assert.Empty(t, findings)

	// No merge-queue policy in the manifest: the rule does not run.
	rc := federatedContext(ok)
	rc.Org.Manifest.MergeQueue = nil
	findings, err = rule.Evaluate(context.Background(), rc)
	require.NoError(t, err)
	assert.Empty(t, findings)
}
