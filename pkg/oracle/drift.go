package oracle

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/MultiplicityFoundation/phase-mirror/pkg/contracts"
)

// BaselineKey is the object-store key of a repository's calibration
// baseline.
func BaselineKey(repoID string) string {
	return "baselines/" + repoID + ".json"
}

// FindingHash fingerprints a finding for drift comparison. It covers the
// stable identity of the finding (rule, sub-check, title, evidence paths)
// but not its severity, so an escalation keeps the same hash.
func FindingHash(f contracts.Finding) string {
	paths := make([]string, 0, len(f.Evidence))
	for _, ev := range f.Evidence {
		paths = append(paths, ev.Path)
	}
	sort.Strings(paths)
	h := sha256.New()
	h.Write([]byte(f.RuleID))
	h.Write([]byte{0})
	h.Write([]byte(f.Check))
	h.Write([]byte{0})
	h.Write([]byte(f.Title))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(paths, "\x1f")))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// severityRank orders severities for escalation checks.
func severityRank(s contracts.Severity) int {
	switch s {
	case contracts.SeverityAllow:
		return 0
	case contracts.SeverityLow:
		return 1
	case contracts.SeverityMedium:
		return 2
	case contracts.SeverityWarn:
		return 3
	case contracts.SeverityHigh:
		return 4
	case contracts.SeverityCritical:
		return 5
	case contracts.SeverityBlock:
		return 6
	default:
		return 0
	}
}

// DriftDelta partitions the current findings against a baseline.
type DriftDelta struct {
	// New are findings whose (ruleId, hash) is absent from the baseline.
	New []contracts.Finding
	// Escalated are findings present in the baseline at a lower severity.
	Escalated []contracts.Finding
}

// CompareBaseline diffs current findings against the baseline report by
// (ruleId, findingHash). Findings that disappeared are not drift.
func CompareBaseline(baseline *contracts.DissonanceReport, current []contracts.Finding) DriftDelta {
	prev := make(map[string]contracts.Severity)
	if baseline != nil {
		for _, f := range baseline.Findings {
			prev[f.RuleID+"#"+FindingHash(f)] = f.Severity
		}
	}
	var delta DriftDelta
	for _, f := range current {
		was, ok := prev[f.RuleID+"#"+FindingHash(f)]
		switch {
		case !ok:
			delta.New = append(delta.New, f)
		case severityRank(f.Severity) > severityRank(was):
			delta.Escalated = append(delta.Escalated, f)
		}
	}
	return delta
}

// mustHold reports whether a drift regression on the rule blocks the run.
func mustHold(desc contracts.RuleDescriptor) bool {
	return desc.Strict ||
		desc.Severity == contracts.SeverityCritical ||
		desc.Severity == contracts.SeverityBlock
}
