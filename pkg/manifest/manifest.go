// Package manifest compiles an organization-wide policy manifest into
// per-repository expectations and diffs them against observed governance
// state.
package manifest

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/MultiplicityFoundation/phase-mirror/pkg/contracts"
)

//go:embed schema/org_policy_manifest.json
var manifestSchemaJSON string

var manifestSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource("org_policy_manifest.json", strings.NewReader(manifestSchemaJSON)); err != nil {
		panic(err)
	}
	return c.MustCompile("org_policy_manifest.json")
}

// Load parses and schema-validates a manifest document.
func Load(data []byte) (*contracts.OrgPolicyManifest, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := manifestSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("manifest schema: %w", err)
	}
	var m contracts.OrgPolicyManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// ValidationResult partitions manifest problems into hard errors and
// warnings. Expired exemptions are warnings: the manifest still loads, the
// exemptions are simply inactive.
type ValidationResult struct {
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// OK reports whether the manifest had no hard errors.
func (r ValidationResult) OK() bool { return len(r.Errors) == 0 }

// Validate checks required fields and referential integrity of exemptions.
func Validate(m *contracts.OrgPolicyManifest, now time.Time) ValidationResult {
	var res ValidationResult
	errf := func(format string, args ...any) {
		res.Errors = append(res.Errors, fmt.Sprintf(format, args...))
	}
	warnf := func(format string, args ...any) {
		res.Warnings = append(res.Warnings, fmt.Sprintf(format, args...))
	}

	if m.OrgID == "" {
		errf("orgId is required")
	}
	if m.UpdatedAt.IsZero() {
		errf("updatedAt is required")
	}
	if m.ApprovedBy == "" {
		errf("approvedBy is required")
	}
	if m.SchemaVersion == "" {
		errf("schemaVersion must be non-empty")
	}

	known := knownExpectationIDs(m)
	seen := make(map[string]bool)
	for _, exp := range allExpectations(m) {
		if seen[exp.ID] {
			errf("duplicate expectation id %q", exp.ID)
		}
		seen[exp.ID] = true
	}

	for i, ex := range m.Exemptions {
		if ex.Repo == "" {
			errf("exemption %d: repo is required", i)
		}
		if strings.TrimSpace(ex.Reason) == "" {
			errf("exemption %d (%s): reason must be non-empty", i, ex.Repo)
		}
		if strings.TrimSpace(ex.ApprovedBy) == "" {
			errf("exemption %d (%s): approvedBy must be non-empty", i, ex.Repo)
		}
		if ex.ExpiresAt.IsZero() {
			errf("exemption %d (%s): expiresAt must be a valid ISO8601 timestamp", i, ex.Repo)
		} else if !ex.Active(now) {
			warnf("exemption %d (%s): expired at %s", i, ex.Repo, ex.ExpiresAt.Format(time.RFC3339))
		}
		for _, id := range ex.ExpectationIDs {
			if !known[id] {
				errf("exemption %d (%s): references unknown expectation %q", i, ex.Repo, id)
			}
		}
	}
	return res
}

func allExpectations(m *contracts.OrgPolicyManifest) []contracts.PolicyExpectation {
	out := make([]contracts.PolicyExpectation, 0, len(m.Defaults))
	out = append(out, m.Defaults...)
	for _, cls := range m.Classifications {
		out = append(out, cls.Expectations...)
	}
	return out
}

func knownExpectationIDs(m *contracts.OrgPolicyManifest) map[string]bool {
	known := make(map[string]bool)
	for _, exp := range allExpectations(m) {
		known[exp.ID] = true
	}
	return known
}

// Resolution is the per-repo policy set after classification and exemptions.
type Resolution struct {
	Expectations     []contracts.PolicyExpectation `json:"expectations"`
	ActiveExemptions []contracts.Exemption         `json:"active_exemptions,omitempty"`
}

// ResolveForRepo starts from the manifest defaults, adds expectations from
// every classification matching the repo, then removes expectations waived
// by an active exemption.
func ResolveForRepo(m *contracts.OrgPolicyManifest, repoName string, meta contracts.RepoMeta, now time.Time) Resolution {
	byID := make(map[string]contracts.PolicyExpectation)
	order := make([]string, 0, len(m.Defaults))
	add := func(exp contracts.PolicyExpectation) {
		if _, ok := byID[exp.ID]; !ok {
			order = append(order, exp.ID)
		}
		byID[exp.ID] = exp
	}
	for _, exp := range m.Defaults {
		add(exp)
	}
	for _, cls := range m.Classifications {
		if MatchesRepo(cls.Match, repoName, meta) {
			for _, exp := range cls.Expectations {
				add(exp)
			}
		}
	}

	waived := make(map[string]bool)
	var active []contracts.Exemption
	for _, ex := range m.Exemptions {
		if ex.Repo != repoName || !ex.Active(now) {
			continue
		}
		active = append(active, ex)
		for _, id := range ex.ExpectationIDs {
			waived[id] = true
		}
	}

	var res Resolution
	res.ActiveExemptions = active
	for _, id := range order {
		if !waived[id] {
			res.Expectations = append(res.Expectations, byID[id])
		}
	}
	return res
}

// ExpiredExemptions returns the repo's exemptions that have lapsed.
func ExpiredExemptions(m *contracts.OrgPolicyManifest, repoName string, now time.Time) []contracts.Exemption {
	var out []contracts.Exemption
	for _, ex := range m.Exemptions {
		if ex.Repo == repoName && !ex.Active(now) {
			out = append(out, ex)
		}
	}
	return out
}
