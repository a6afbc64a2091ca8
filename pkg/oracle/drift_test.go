package oracle

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/MultiplicityFoundation/phase-mirror/pkg/contracts"
)

func TestFindingHashIgnoresSeverity(t *testing.T) {
	f := contracts.Finding{
		RuleID:   "MD-101",
		Check:    "branch-protection",
		Title:    "missing required reviews",
		Severity: contracts.SeverityMedium,
		Evidence: []contracts.Evidence{{Path: "b"}, {Path: "a"}},
	}
	escalated := f
	escalated.Severity = contracts.SeverityCritical
	assert.Equal(t, FindingHash(f), FindingHash(escalated))

	// Identity fields do change the hash.
	other := f
	other.Check = "status-checks"
	assert.NotEqual(t, FindingHash(f), FindingHash(other))

	// Evidence path order does not.
	reordered := f
	reordered.Evidence = []contracts.Evidence{{Path: "a"}, {Path: "b"}}
	assert.Equal(t, FindingHash(f), FindingHash(reordered))
}

func TestCompareBaseline(t *testing.T) {
	existing := contracts.Finding{RuleID: "MD-101", Check: "a", Title: "gap", Severity: contracts.SeverityMedium}
	resolved := contracts.Finding{RuleID: "MD-101", Check: "b", Title: "resolved later", Severity: contracts.SeverityLow}
	baseline := &contracts.DissonanceReport{Findings: []contracts.Finding{existing, resolved}}

	escalated := existing
	escalated.Severity = contracts.SeverityCritical
	fresh := contracts.Finding{RuleID: "MD-102", Check: "queue", Title: "queue off", Severity: contracts.SeverityHigh}

	delta := CompareBaseline(baseline, []contracts.Finding{escalated, fresh})
	assert.Len(t, delta.New, 1)
	assert.Equal(t, "MD-102", delta.New[0].RuleID)
	assert.Len(t, delta.Escalated, 1)
	assert.Equal(t, contracts.SeverityCritical, delta.Escalated[0].Severity)

	// A finding that merely persists at the same severity is not drift, and
	// disappeared findings are ignored.
	delta = CompareBaseline(baseline, []contracts.Finding{existing})
	assert.Empty(t, delta.New)
	assert.Empty(t, delta.Escalated)
}

func TestCompareBaselineNilBaseline(t *testing.T) {
	f := contracts.Finding{RuleID: "MD-100", Title: "drift"}
	delta := CompareBaseline(nil, []contracts.Finding{f})
	// No baseline behaves as an empty baseline: everything is new.
	assert.Len(t, delta.New, 1)
}

func TestMustHold(t *testing.T) {
	assert.True(t, mustHold(contracts.RuleDescriptor{Strict: true}))
	assert.True(t, mustHold(contracts.RuleDescriptor{Severity: contracts.SeverityCritical}))
	assert.True(t, mustHold(contracts.RuleDescriptor{Severity: contracts.SeverityBlock}))
	assert.False(t, mustHold(contracts.RuleDescriptor{Severity: contracts.SeverityHigh}))
	assert.False(t, mustHold(contracts.RuleDescriptor{}))
}

func TestBaselineKey(t *testing.T) {
	assert.Equal(t, "baselines/org/repo.json", BaselineKey("org/repo"))
}
