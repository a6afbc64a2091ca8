package rules

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/MultiplicityFoundation/phase-mirror/pkg/contracts"
)

// Semantic intent categories a job can carry.
type intent string

const (
	intentNone             intent = ""
	intentSecurity         intent = "security"
	intentTest             intent = "test"
	intentBuild            intent = "build"
	intentLint             intent = "lint"
	intentDeployStaging    intent = "deploy-staging"
	intentDeployProduction intent = "deploy-production"
)

// nameLexicons maps name tokens to declared intent. Deploy tokens are
// resolved separately because they combine with an environment token.
var nameLexicons = map[intent][]string{
	intentSecurity: {"security", "sec", "scan", "audit", "sast", "vuln", "vulnerability"},
	intentTest:     {"test", "tests", "unit", "e2e", "integration", "spec", "coverage"},
	intentBuild:    {"build", "compile", "package", "bundle", "dist"},
	intentLint:     {"lint", "format", "fmt", "style"},
}

var (
	stagingTokens    = map[string]bool{"staging": true, "stage": true, "preview": true, "dev": true}
	productionTokens = map[string]bool{"production": true, "prod": true, "release": true, "live": true}
	deployTokens     = map[string]bool{"deploy": true, "deployment": true, "publish": true, "ship": true, "rollout": true}
)

// stepMatchers classify shell commands by the tools they invoke. Order is
// the dispatch priority: environment-specific deploys first, generic
// categories after, so "npm run lint" never reads as a test command.
var stepMatchers = []struct {
	intent intent
	re     *regexp.Regexp
}{
	{intentDeployProduction, regexp.MustCompile(`(?i)(kubectl|helm|terraform|pulumi|aws\s+deploy|gcloud|flyctl|ansible-playbook)[^\n]*\b(production|prod)\b`)},
	{intentDeployStaging, regexp.MustCompile(`(?i)(kubectl|helm|terraform|pulumi|aws\s+deploy|gcloud|flyctl|ansible-playbook)[^\n]*\b(staging|stage|preview)\b`)},
	{intentSecurity, regexp.MustCompile(`(?i)\b(trivy|snyk|codeql|semgrep|gosec|grype|bandit|gitleaks|trufflehog)\b|\bnpm\s+audit\b`)},
	{intentLint, regexp.MustCompile(`(?i)\b(eslint|golangci-lint|ruff|flake8|pylint|rubocop|prettier\s+--check|gofmt)\b|\b(npm|pnpm|yarn)\s+(run\s+)?lint\b|\bmake\s+lint\b`)},
	{intentTest, regexp.MustCompile(`(?i)\bgo\s+test\b|\b(pytest|jest|vitest|mocha|rspec)\b|\bcargo\s+test\b|\b(npm|pnpm|yarn)\s+(run\s+)?test\b|\bmake\s+test\b`)},
	{intentBuild, regexp.MustCompile(`(?i)\bgo\s+build\b|\bdocker\s+build\b|\bcargo\s+build\b|\b(npm|pnpm|yarn)\s+(run\s+)?build\b|\bmake\s+(build|all)\b|\bmvn\s+package\b`)},
	// Deploy commands without an environment marker read as production, the
	// same default the name classifier uses for a bare "deploy".
	{intentDeployProduction, regexp.MustCompile(`(?i)\b(kubectl\s+apply|helm\s+(upgrade|install)|terraform\s+apply|serverless\s+deploy|flyctl\s+deploy)\b`)},
}

var nameTokenSplit = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// classifyJobName maps a job id (and optional display name) to its declared
// intent via token lookup.
func classifyJobName(jobID, displayName string) intent {
	tokens := nameTokenSplit.Split(strings.ToLower(jobID+" "+displayName), -1)
	hasDeploy, hasStaging, hasProduction := false, false, false
	for _, tok := range tokens {
		if deployTokens[tok] {
			hasDeploy = true
		}
		if stagingTokens[tok] {
			hasStaging = true
		}
		if productionTokens[tok] {
			hasProduction = true
		}
	}
	if hasDeploy || hasStaging || hasProduction {
		if hasProduction {
			return intentDeployProduction
		}
		if hasStaging {
			return intentDeployStaging
		}
		return intentDeployProduction // bare "deploy" defaults to the risky read
	}
	for _, cat := range []intent{intentSecurity, intentTest, intentBuild, intentLint} {
		for _, word := range nameLexicons[cat] {
			for _, tok := range tokens {
				if tok == word {
					return cat
				}
			}
		}
	}
	return intentNone
}

// classifySteps infers the job's actual intent from its run commands.
func classifySteps(job workflowJob) intent {
	var commands strings.Builder
	for _, step := range job.Steps {
		if step.Run != "" {
			commands.WriteString(step.Run)
			commands.WriteByte('\n')
		}
	}
	text := commands.String()
	if text == "" {
		return intentNone
	}
	for _, m := range stepMatchers {
		if m.re.MatchString(text) {
			return m.intent
		}
	}
	return intentNone
}

// SemanticJobDrift is MD-100: a job whose name promises one thing while its
// steps do another.
type SemanticJobDrift struct{}

func NewSemanticJobDrift() *SemanticJobDrift { return &SemanticJobDrift{} }

func (r *SemanticJobDrift) Descriptor() contracts.RuleDescriptor {
	return contracts.RuleDescriptor{
		ID:       "MD-100",
		Version:  "1.2.0",
		Name:     "Semantic Job Drift",
		Tier:     contracts.TierA,
		Severity: contracts.SeverityWarn,
		Category: "workflow-integrity",
		FPTolerance: contracts.FPTolerance{
			Ceiling: 0.10,
			Window:  200,
		},
		ADRReferences: []string{"ADR-014"},
	}
}

func (r *SemanticJobDrift) Evaluate(_ context.Context, rc *contracts.RuleContext) ([]contracts.Finding, error) {
	var findings []contracts.Finding
	for _, wf := range parseWorkflows(rc.Files) {
		jobIDs := make([]string, 0, len(wf.File.Jobs))
		for id := range wf.File.Jobs {
			jobIDs = append(jobIDs, id)
		}
		sort.Strings(jobIDs)
		for _, jobID := range jobIDs {
			job := wf.File.Jobs[jobID]
			if checkoutOnly(job) {
				continue
			}
			declared := classifyJobName(jobID, job.Name)
			actual := classifySteps(job)
			if declared == intentNone || actual == intentNone || declared == actual {
				continue
			}
			findings = append(findings, r.driftFinding(wf.Path, jobID, declared, actual))
		}
	}
	return findings, nil
}

func (r *SemanticJobDrift) driftFinding(path, jobID string, declared, actual intent) contracts.Finding {
	severity := contracts.SeverityWarn
	title := fmt.Sprintf("job %q is named for %s but runs %s commands", jobID, declared, actual)
	if declared == intentDeployStaging && actual == intentDeployProduction {
		severity = contracts.SeverityHigh
		title = fmt.Sprintf("job %q is named for staging but deploys to production", jobID)
	}
	return contracts.Finding{
		ID:       findingID("MD-100", path, jobID),
		RuleID:   "MD-100",
		RuleName: "Semantic Job Drift",
		Severity: severity,
		Title:    title,
		Description: fmt.Sprintf(
			"the job name declares %s intent while its step commands classify as %s; rename the job or fix its steps so reviewers are not misled",
			declared, actual),
		Remediation: "align the job name with what its steps actually do",
		Evidence: []contracts.Evidence{{
			Path: path,
			Context: map[string]string{
				"job":             jobID,
				"declared_intent": string(declared),
				"actual_intent":   string(actual),
			},
		}},
		Check: "semantic-drift",
	}
}
