package rules

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MultiplicityFoundation/phase-mirror/pkg/contracts"
	"github.com/MultiplicityFoundation/phase-mirror/pkg/manifest"
	"github.com/MultiplicityFoundation/phase-mirror/pkg/store"
)

// CrossRepoProtectionGap is MD-101: diff every non-archived repository in the
// org context against its resolved policy expectations. Runs only when an
// OrgContext with a manifest is present; otherwise it passes silently.
type CrossRepoProtectionGap struct {
	clock store.Clock
}

func NewCrossRepoProtectionGap(clock store.Clock) *CrossRepoProtectionGap {
	if clock == nil {
		clock = store.WallClock()
	}
	return &CrossRepoProtectionGap{clock: clock}
}

func (r *CrossRepoProtectionGap) Descriptor() contracts.RuleDescriptor {
	return contracts.RuleDescriptor{
		ID:       "MD-101",
		Version:  "2.0.1",
		Name:     "Cross-Repo Protection Gap",
		Tier:     contracts.TierA,
		Severity: contracts.SeverityHigh,
		Category: "org-governance",
		FPTolerance: contracts.FPTolerance{
			Ceiling: 0.05,
			Window:  500,
		},
		ADRReferences: []string{"ADR-021", "ADR-027"},
	}
}

func (r *CrossRepoProtectionGap) Evaluate(_ context.Context, rc *contracts.RuleContext) ([]contracts.Finding, error) {
	if rc.Org == nil || rc.Org.Manifest == nil {
		return nil, nil
	}
	now := r.clock.Now().UTC()
	m := rc.Org.Manifest

	var findings []contracts.Finding
	for _, repo := range rc.Org.Repos {
		if repo.Meta.Archived {
			continue
		}
		res := manifest.ResolveForRepo(m, repo.FullName, repo.Meta, now)
		for _, gap := range manifest.DetectGaps(repo, res.Expectations) {
			findings = append(findings, r.gapFinding(gap))
		}
		for _, ex := range manifest.ExpiredExemptions(m, repo.FullName, now) {
			findings = append(findings, r.expiredExemptionFinding(repo.FullName, ex))
		}
	}
	return findings, nil
}

// gapSeverity maps (gap kind, expectation severity) to a finding severity.
// Absent critical controls block outright; weakened high-severity controls
// warn; the rest annotate.
func gapSeverity(gap manifest.Gap) contracts.Severity {
	switch {
	case gap.Kind == manifest.GapMissing && gap.Severity == contracts.SeverityCritical:
		return contracts.SeverityBlock
	case gap.Kind == manifest.GapPartial && gap.Severity == contracts.SeverityHigh:
		return contracts.SeverityWarn
	case gap.Kind == manifest.GapPartial:
		return contracts.SeverityLow
	default:
		return contracts.SeverityMedium
	}
}

func (r *CrossRepoProtectionGap) gapFinding(gap manifest.Gap) contracts.Finding {
	title := fmt.Sprintf("%s: expectation %q is %s", gap.Repo, gap.ExpectationID, gap.Kind)
	desc := fmt.Sprintf("repository %s does not satisfy policy expectation %s (%s)", gap.Repo, gap.ExpectationID, gap.Category)
	if len(gap.Fields) > 0 {
		desc += ": " + strings.Join(gap.Fields, ", ")
	}
	return contracts.Finding{
		ID:          findingID("MD-101", gap.Repo, gap.ExpectationID, string(gap.Kind)),
		RuleID:      "MD-101",
		RuleName:    "Cross-Repo Protection Gap",
		Severity:    gapSeverity(gap),
		Title:       title,
		Description: desc,
		Remediation: "bring the repository in line with the org policy manifest or file an exemption",
		Evidence: []contracts.Evidence{{
			Path: gap.Repo,
			Context: map[string]string{
				"expectation_id": gap.ExpectationID,
				"category":       string(gap.Category),
				"kind":           string(gap.Kind),
			},
		}},
		Check: "protection-gap",
	}
}

func (r *CrossRepoProtectionGap) expiredExemptionFinding(repo string, ex contracts.Exemption) contracts.Finding {
	return contracts.Finding{
		ID:       findingID("MD-101", repo, "exemption-expired", strings.Join(ex.ExpectationIDs, ",")),
		RuleID:   "MD-101",
		RuleName: "Cross-Repo Protection Gap",
		Severity: contracts.SeverityMedium,
		Title:    fmt.Sprintf("%s: exemption expired on %s", repo, ex.ExpiresAt.Format(time.RFC3339)),
		Description: fmt.Sprintf(
			"exemption for %s (approved by %s) lapsed; the waived expectations are enforced again",
			strings.Join(ex.ExpectationIDs, ", "), ex.ApprovedBy),
		Remediation: "renew the exemption with a fresh approval or remediate the gaps",
		Evidence: []contracts.Evidence{{
			Path: repo,
			Context: map[string]string{
				"expectation_ids": strings.Join(ex.ExpectationIDs, ","),
				"expired_at":      ex.ExpiresAt.Format(time.RFC3339),
			},
		}},
		Check: "exemption-expired",
	}
}
