package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/MultiplicityFoundation/phase-mirror/pkg/contracts"
	"github.com/MultiplicityFoundation/phase-mirror/pkg/observability"
	"github.com/MultiplicityFoundation/phase-mirror/pkg/redaction"
	"github.com/MultiplicityFoundation/phase-mirror/pkg/schema"
	"github.com/MultiplicityFoundation/phase-mirror/pkg/store"
)

// runNamespace seeds deterministic run and system-finding ids: identical
// inputs under a fixed clock produce byte-identical reports.
var runNamespace = uuid.MustParse("3d1de43a-91c4-4f2b-8b7e-2f6a0c5d8e91")

// Config wires the engine. Registry and Redactor are required; the stores
// are optional (a nil FPStore disables suppression, a nil Counter disables
// the circuit breaker, a nil Objects store disables baselines).
type Config struct {
	Registry   *Registry
	FPStore    store.FPStore
	Objects    store.ObjectStore
	Counter    store.BlockCounter
	Redactor   *redaction.Service
	Thresholds contracts.Thresholds
	Clock      store.Clock
	Logger     *slog.Logger
	Metrics    *observability.EngineMetrics
}

// Engine orchestrates rules into a DissonanceReport.
type Engine struct {
	registry   *Registry
	fp         store.FPStore
	objects    store.ObjectStore
	breaker    *CircuitBreaker
	redactor   *redaction.Service
	thresholds contracts.Thresholds
	clock      store.Clock
	log        *slog.Logger
	metrics    *observability.EngineMetrics
}

func NewEngine(cfg Config) *Engine {
	if cfg.Thresholds == (contracts.Thresholds{}) {
		cfg.Thresholds = contracts.DefaultThresholds()
	}
	if cfg.Clock == nil {
		cfg.Clock = store.WallClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	var breaker *CircuitBreaker
	if cfg.Counter != nil {
		breaker = NewCircuitBreaker(cfg.Counter, cfg.Thresholds.CircuitBlockLimit, cfg.Thresholds.CircuitWindow, cfg.Logger)
	}
	return &Engine{
		registry:   cfg.Registry,
		fp:         cfg.FPStore,
		objects:    cfg.Objects,
		breaker:    breaker,
		redactor:   cfg.Redactor,
		thresholds: cfg.Thresholds,
		clock:      cfg.Clock,
		log:        cfg.Logger,
		metrics:    cfg.Metrics,
	}
}

// contribution is a finding's gate contribution after the severity ladder.
type contribution int

const (
	contribAllow contribution = iota
	contribWarn
	contribBlock
)

// Evaluate runs the applicable rules and assembles the report.
//
// The pipeline: rule selection and tier gating, independent rule execution
// with error capture, false-positive suppression, severity ladder,
// mode-specific outcome, circuit breaker, redaction tag. If the secret store
// cannot deliver a nonce the engine fails closed (BLOCK with a synthetic
// finding) unless the run is a dry run.
func (e *Engine) Evaluate(ctx context.Context, rc *contracts.RuleContext, opts contracts.EvaluateOptions) (*contracts.DissonanceReport, error) {
	start := time.Now()
	now := e.clock.Now().UTC()
	mode := opts.Mode
	if mode == "" {
		mode = rc.Mode
	}
	if mode == "" {
		mode = contracts.ModePullRequest
	}
	repoID := rc.Repo.FullName()

	findings, suppressed, descByRule := e.runRules(ctx, rc, opts, mode, now)
	sortFindings(findings)

	contribs := e.ladder(findings, descByRule)
	annotateAdvisory(findings, contribs)
	e.applyCircuitBreaker(ctx, findings, contribs)

	outcome, err := e.outcome(ctx, mode, repoID, findings, contribs, descByRule)
	if err != nil {
		return nil, err
	}

	report := &contracts.DissonanceReport{
		RunID:              runID(repoID, mode, now),
		RepoID:             repoID,
		Mode:               mode,
		ThresholdsSnapshot: e.thresholds,
		SuppressedCount:    suppressed,
		SchemaVersion:      schema.Version,
		CreatedAt:          now,
	}

	tag, version, tagErr := e.redactor.Tag(ctx, findings)
	switch {
	case tagErr == nil:
		report.RedactionTag = tag
		report.NonceVersion = version
	case opts.DryRun:
		e.log.WarnContext(ctx, "redaction nonce unavailable, dry run continues", "error", tagErr)
		report.Annotations = append(report.Annotations, "redaction-skipped")
	default:
		e.log.ErrorContext(ctx, "redaction nonce unavailable, failing closed", "error", tagErr)
		outcome = contracts.OutcomeBlock
		findings = append(findings, systemFinding(contracts.SeverityBlock, "nonce-unavailable",
			"redaction nonce unavailable",
			"the secret store could not deliver a valid redaction nonce; the evaluation fails closed"))
		report.Annotations = append(report.Annotations, "fail-closed")
	}

	report.Outcome = outcome
	report.Findings = findings

	if mode == contracts.ModeCalibration && !opts.DryRun {
		if err := e.storeBaseline(ctx, repoID, report); err != nil {
			return nil, err
		}
	}

	e.metrics.RecordEvaluation(ctx, string(mode), string(outcome), time.Since(start), len(findings), suppressed)
	return report, nil
}

// runRules executes the mode's rules with tier gating, error capture and
// false-positive suppression.
func (e *Engine) runRules(ctx context.Context, rc *contracts.RuleContext, opts contracts.EvaluateOptions, mode contracts.Mode, now time.Time) ([]contracts.Finding, int, map[string]contracts.RuleDescriptor) {
	findings := []contracts.Finding{}
	suppressed := 0
	descByRule := make(map[string]contracts.RuleDescriptor)

	for _, rule := range e.registry.ForMode(mode) {
		desc := rule.Descriptor()
		descByRule[desc.ID] = desc

		if desc.Tier == contracts.TierB && !licenseCovers(rc.License, desc, now) {
			if opts.Requested(desc.ID) {
				findings = append(findings, systemFinding(contracts.SeverityHigh, "license-required",
					fmt.Sprintf("rule %s requires a Pro license", desc.ID),
					fmt.Sprintf("rule %s was explicitly requested but the license is missing, expired, or lacks feature %q", desc.ID, desc.RequiredFeature)))
			}
			continue
		}

		ruleFindings, err := runRule(ctx, rule, rc)
		if err != nil {
			e.log.WarnContext(ctx, "rule failed", "rule_id", desc.ID, "error", err)
			findings = append(findings, systemFinding(contracts.SeverityWarn, "rule-error",
				fmt.Sprintf("rule %s failed", desc.ID),
				fmt.Sprintf("rule %s returned an error and was converted to this finding: %v", desc.ID, err)))
			continue
		}

		for _, f := range ruleFindings {
			if e.isSuppressed(ctx, f) {
				suppressed++
				continue
			}
			findings = append(findings, f)
		}
	}
	return findings, suppressed, descByRule
}

// runRule isolates one rule execution; a panic becomes an error.
func runRule(ctx context.Context, rule Rule, rc *contracts.RuleContext) (findings []contracts.Finding, err error) {
	defer func() {
		if r := recover(); r != nil {
			findings = nil
			err = fmt.Errorf("rule panicked: %v", r)
		}
	}()
	return rule.Evaluate(ctx, rc)
}

func licenseCovers(lic *contracts.License, desc contracts.RuleDescriptor, now time.Time) bool {
	if !lic.Valid(now) {
		return false
	}
	return desc.RequiredFeature == "" || lic.HasFeature(desc.RequiredFeature)
}

// isSuppressed consults the FP store; store errors keep the finding visible.
func (e *Engine) isSuppressed(ctx context.Context, f contracts.Finding) bool {
	if e.fp == nil {
		return false
	}
	fp, err := e.fp.IsFalsePositive(ctx, f.RuleID, f.ID)
	if err != nil {
		e.log.WarnContext(ctx, "fp lookup failed", "rule_id", f.RuleID, "finding_id", f.ID, "error", err)
		return false
	}
	return fp
}

// ladder maps each finding to its gate contribution. Critical findings block
// only under strictness: rule-level Strict dominates, the threshold default
// applies otherwise.
func (e *Engine) ladder(findings []contracts.Finding, descByRule map[string]contracts.RuleDescriptor) []contribution {
	contribs := make([]contribution, len(findings))
	for i, f := range findings {
		desc := descByRule[f.RuleID]
		switch f.Severity {
		case contracts.SeverityBlock:
			contribs[i] = contribBlock
		case contracts.SeverityCritical:
			if desc.Strict || e.thresholds.StrictCritical {
				contribs[i] = contribBlock
			} else {
				contribs[i] = contribWarn
			}
		case contracts.SeverityHigh, contracts.SeverityWarn:
			contribs[i] = contribWarn
		default:
			contribs[i] = contribAllow
		}
	}
	return contribs
}

// annotateAdvisory marks findings that do not gate the run.
func annotateAdvisory(findings []contracts.Finding, contribs []contribution) {
	for i := range findings {
		if contribs[i] == contribAllow && findings[i].Severity != contracts.SeverityAllow {
			findings[i].Annotations = append(findings[i].Annotations, "advisory")
		}
	}
}

// applyCircuitBreaker demotes BLOCK contributions of rules whose circuit is
// open, and counts fresh BLOCK contributions of the rest.
func (e *Engine) applyCircuitBreaker(ctx context.Context, findings []contracts.Finding, contribs []contribution) {
	if e.breaker == nil {
		return
	}
	blocking := make(map[string]bool)
	for i, f := range findings {
		if contribs[i] == contribBlock && f.RuleID != contracts.SystemRuleID {
			blocking[f.RuleID] = true
		}
	}
	open := make(map[string]bool)
	for ruleID := range blocking {
		if e.breaker.Open(ctx, ruleID) {
			open[ruleID] = true
			e.metrics.RecordCircuitOpen(ctx, ruleID)
		}
	}
	for i := range findings {
		f := &findings[i]
		if contribs[i] != contribBlock || f.RuleID == contracts.SystemRuleID {
			continue
		}
		if open[f.RuleID] {
			contribs[i] = contribWarn
			f.Annotations = append(f.Annotations, "circuit-open")
		}
	}
	for ruleID := range blocking {
		if !open[ruleID] {
			e.breaker.RecordBlock(ctx, ruleID)
		}
	}
}

// outcome computes the gate decision for the mode.
func (e *Engine) outcome(ctx context.Context, mode contracts.Mode, repoID string, findings []contracts.Finding, contribs []contribution, descByRule map[string]contracts.RuleDescriptor) (contracts.Outcome, error) {
	switch mode {
	case contracts.ModeCalibration:
		return contracts.OutcomeAllow, nil
	case contracts.ModeDrift:
		return e.driftOutcome(ctx, repoID, findings, descByRule)
	}

	out := contracts.OutcomeAllow
	for i := range findings {
		switch contribs[i] {
		case contribBlock:
			return contracts.OutcomeBlock, nil
		case contribWarn:
			if mode == contracts.ModeMergeGroup {
				// Merge groups admit nothing but clean runs.
				return contracts.OutcomeBlock, nil
			}
			out = contracts.OutcomeWarn
		}
	}
	return out, nil
}

// driftOutcome compares current findings against the stored baseline: new or
// escalated findings warn, regressions on must-hold rules block.
func (e *Engine) driftOutcome(ctx context.Context, repoID string, findings []contracts.Finding, descByRule map[string]contracts.RuleDescriptor) (contracts.Outcome, error) {
	baseline, err := e.loadBaseline(ctx, repoID)
	if err != nil {
		return "", err
	}
	delta := CompareBaseline(baseline, findings)

	mark := func(fs []contracts.Finding, note string) {
		keys := make(map[string]bool, len(fs))
		for _, f := range fs {
			keys[f.RuleID+"#"+FindingHash(f)] = true
		}
		for i := range findings {
			if keys[findings[i].RuleID+"#"+FindingHash(findings[i])] {
				findings[i].Annotations = append(findings[i].Annotations, note)
			}
		}
	}
	mark(delta.New, "drift-new")
	mark(delta.Escalated, "drift-escalated")

	out := contracts.OutcomeAllow
	for _, f := range append(append([]contracts.Finding{}, delta.New...), delta.Escalated...) {
		if mustHold(descByRule[f.RuleID]) {
			return contracts.OutcomeBlock, nil
		}
		out = contracts.OutcomeWarn
	}
	return out, nil
}

func (e *Engine) loadBaseline(ctx context.Context, repoID string) (*contracts.DissonanceReport, error) {
	if e.objects == nil {
		return nil, nil
	}
	data, err := e.objects.GetBaseline(ctx, BaselineKey(repoID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load baseline: %w", err)
	}
	var report contracts.DissonanceReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("decode baseline: %w", err)
	}
	return &report, nil
}

func (e *Engine) storeBaseline(ctx context.Context, repoID string, report *contracts.DissonanceReport) error {
	if e.objects == nil {
		return errors.New("calibration mode requires an object store")
	}
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal baseline: %w", err)
	}
	if err := e.objects.PutBaseline(ctx, BaselineKey(repoID), data); err != nil {
		return fmt.Errorf("store baseline: %w", err)
	}
	return nil
}

func runID(repoID string, mode contracts.Mode, now time.Time) string {
	seed := repoID + "\x1f" + string(mode) + "\x1f" + now.Format(time.RFC3339Nano)
	return uuid.NewSHA1(runNamespace, []byte(seed)).String()
}

func systemFinding(severity contracts.Severity, check, title, description string) contracts.Finding {
	return contracts.Finding{
		ID:          uuid.NewSHA1(runNamespace, []byte("system\x1f"+check+"\x1f"+title)).String(),
		RuleID:      contracts.SystemRuleID,
		RuleName:    "system",
		Severity:    severity,
		Title:       title,
		Description: description,
		Check:       check,
	}
}

func sortFindings(findings []contracts.Finding) {
	sort.Slice(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.RuleID != b.RuleID {
			return a.RuleID < b.RuleID
		}
		if a.Check != b.Check {
			return a.Check < b.Check
		}
		if a.Title != b.Title {
			return a.Title < b.Title
		}
		return a.ID < b.ID
	})
}
