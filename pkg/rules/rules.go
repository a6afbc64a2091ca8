// Package rules holds the built-in oracle rules: semantic job drift
// (MD-100), cross-repo protection gaps (MD-101), and merge-queue trust chain
// breaks (MD-102, plus its federated org-wide variant).
//
// Rules are pure over their RuleContext: no adapter writes, no retained
// references. Finding ids are content-derived so identical inputs yield
// identical reports.
package rules

import (
	"strings"

	"github.com/google/uuid"
)

// findingNamespace seeds content-derived finding ids.
var findingNamespace = uuid.MustParse("8f0c2f1a-6a77-4c1e-9b3a-5d9e4f7b2c10")

// findingID derives a stable id from the parts identifying a finding.
func findingID(parts ...string) string {
	return uuid.NewSHA1(findingNamespace, []byte(strings.Join(parts, "\x1f"))).String()
}
