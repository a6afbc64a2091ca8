package rules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MultiplicityFoundation/phase-mirror/pkg/contracts"
)

const driftedWorkflow = `
name: ci
jobs:
  test:
    steps:
      - name: run tests
        run: go test ./...
  security-scan:
    steps:
      - name: not actually a scan
        run: go test ./...
  build:
    steps:
      - run: docker build -t app .
  deploy-staging:
    steps:
      - uses: actions/checkout@v4
      - name: roll out
        run: kubectl apply -f k8s/production.yaml
`

func evaluateMD100(t *testing.T, files map[string]string) []contracts.Finding {
	t.Helper()
	findings, err := NewSemanticJobDrift().Evaluate(context.Background(), &contracts.RuleContext{
		Repo:  contracts.Repo{Owner: "acme", Name: "platform"},
		Files: files,
	})
	require.NoError(t, err)
	return findings
}

func TestSemanticJobDrift(t *testing.T) {
	findings := evaluateMD100(t, map[string]string{
		".github/workflows/ci.yml": driftedWorkflow,
	})

	// test and build are aligned; security-scan and deploy-staging drift.
	require.Len(t, findings, 2)

	bySeverity := make(map[contracts.Severity]contracts.Finding)
	for _, f := range findings {
		assert.Equal(t, "MD-100", f.RuleID)
		assert.Equal(t, "semantic-drift", f.Check)
		bySeverity[f.Severity] = f
	}

	scan, ok := bySeverity[contracts.SeverityWarn]
	require.True(t, ok)
	assert.Contains(t, scan.Title, "security-scan")
	require.Len(t, scan.Evidence, 1)
	assert.Equal(t, "security", scan.Evidence[0].Context["declared_intent"])
	assert.Equal(t, "test", scan.Evidence[0].Context["actual_intent"])

	// A staging-named job running production deploy commands escalates.
	deploy, ok := bySeverity[contracts.SeverityHigh]
	require.True(t, ok)
	assert.Contains(t, deploy.Title, "deploy-staging")
	assert.Contains(t, deploy.Title, "production")
}

func TestSemanticJobDriftAlignedJobsPass(t *testing.T) {
	findings := evaluateMD100(t, map[string]string{
		".github/workflows/ci.yml": `
jobs:
  test:
    steps:
      - run: go test ./...
  lint:
    steps:
      - run: golangci-lint run
  deploy-production:
    steps:
      - run: helm upgrade app ./chart --namespace production
`,
	})
	assert.Empty(t, findings)
}

func TestSemanticJobDriftSkipsMalformedYAML(t *testing.T) {
	findings := evaluateMD100(t, map[string]string{
		".github/workflows/broken.yml": "jobs: [not: valid: yaml",
		".github/workflows/ci.yml":     driftedWorkflow,
	})
	// The broken file is skipped per-file; the valid one is still evaluated.
	assert.Len(t, findings, 2)
}

func TestSemanticJobDriftSkipsCheckoutOnlyJobs(t *testing.T) {
	findings := evaluateMD100(t, map[string]string{
		".github/workflows/ci.yml": `
jobs:
  security:
    steps:
      - uses: actions/checkout@v4
`,
	})
	assert.Empty(t, findings)
}

func TestSemanticJobDriftIgnoresNonWorkflowFiles(t *testing.T) {
	findings := evaluateMD100(t, map[string]string{
		"docs/ci.yml":           driftedWorkflow,
		".github/workflows/ci":  driftedWorkflow,
		".github/dependabot.yml": "version: 2",
	})
	assert.Empty(t, findings)
}

func TestClassifyJobName(t *testing.T) {
	tests := []struct {
		jobID, display string
		want           intent
	}{
		{"test", "", intentTest},
		{"unit-tests", "", intentTest},
		{"security-scan", "", intentSecurity},
		{"build_and_package", "", intentBuild},
		{"lint", "", intentLint},
		{"deploy-staging", "", intentDeployStaging},
		{"deploy-prod", "", intentDeployProduction},
		{"release", "", intentDeployProduction},
		// A bare deploy defaults to the risky read.
		{"deploy", "", intentDeployProduction},
		{"job1", "Run Unit Tests", intentTest},
		{"misc", "", intentNone},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyJobName(tt.jobID, tt.display), tt.jobID)
	}
}

func TestClassifySteps(t *testing.T) {
	job := func(cmds ...string) workflowJob {
		steps := make([]workflowStep, 0, len(cmds))
		for _, c := range cmds {
			steps = append(steps, workflowStep{Run: c})
		}
		return workflowJob{Steps: steps}
	}

	assert.Equal(t, intentTest, classifySteps(job("go test ./...")))
	assert.Equal(t, intentSecurity, classifySteps(job("trivy image app:latest")))
	assert.Equal(t, intentLint, classifySteps(job("npm run lint")))
	assert.Equal(t, intentBuild, classifySteps(job("docker build -t app .")))
	assert.Equal(t, intentDeployProduction, classifySteps(job("kubectl rollout restart deploy/app -n prod")))
	assert.Equal(t, intentDeployStaging, classifySteps(job("helm upgrade app ./chart --namespace staging")))
	// Environment-free deploys default to production.
	assert.Equal(t, intentDeployProduction, classifySteps(job("serverless deploy")))
	assert.Equal(t, intentNone, classifySteps(job("echo hello")))
	assert.Equal(t, intentNone, classifySteps(workflowJob{Steps: []workflowStep{{Uses: "actions/cache@v4"}}}))
}
