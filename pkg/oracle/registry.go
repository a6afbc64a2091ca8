// Package oracle hosts the evaluation engine: rule registry, circuit
// breaker, drift comparison and the report pipeline.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/MultiplicityFoundation/phase-mirror/pkg/contracts"
)

var (
	// ErrDuplicateRule is returned when a rule id is registered twice.
	ErrDuplicateRule = errors.New("duplicate rule id")
	// ErrInvalidVersion is returned when a descriptor version is not semver.
	ErrInvalidVersion = errors.New("rule version is not semver")
)

// Rule is the capability set every oracle rule implements. Evaluate must be
// idempotent and free of adapter writes.
type Rule interface {
	Descriptor() contracts.RuleDescriptor
	Evaluate(ctx context.Context, rc *contracts.RuleContext) ([]contracts.Finding, error)
}

// Registry holds the registered rules. Registration happens at wiring time;
// reads during evaluation are lock-protected anyway so hot registration in
// tests is safe.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

func NewRegistry() *Registry {
	return &Registry{rules: make(map[string]Rule)}
}

// Register adds a rule, rejecting duplicate ids and non-semver versions.
func (r *Registry) Register(rule Rule) error {
	desc := rule.Descriptor()
	if desc.ID == "" {
		return errors.New("rule id must be non-empty")
	}
	if _, err := semver.NewVersion(desc.Version); err != nil {
		return fmt.Errorf("%w: rule %s version %q", ErrInvalidVersion, desc.ID, desc.Version)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rules[desc.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRule, desc.ID)
	}
	r.rules[desc.ID] = rule
	return nil
}

// MustRegister panics on registration failure; for wiring built-in rules.
func (r *Registry) MustRegister(rules ...Rule) {
	for _, rule := range rules {
		if err := r.Register(rule); err != nil {
			panic(err)
		}
	}
}

// Get returns the rule registered under id.
func (r *Registry) Get(id string) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[id]
	return rule, ok
}

// ForMode returns the rules applicable to the mode, sorted by id so rule
// execution order is deterministic. A descriptor with no modes runs in all.
func (r *Registry) ForMode(mode contracts.Mode) []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Rule
	for _, rule := range r.rules {
		if ruleRunsIn(rule.Descriptor(), mode) {
			out = append(out, rule)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Descriptor().ID < out[j].Descriptor().ID
	})
	return out
}

// Descriptors returns every registered descriptor sorted by id.
func (r *Registry) Descriptors() []contracts.RuleDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]contracts.RuleDescriptor, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule.Descriptor())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func ruleRunsIn(desc contracts.RuleDescriptor, mode contracts.Mode) bool {
	if len(desc.Modes) == 0 {
		return true
	}
	for _, m := range desc.Modes {
		if m == mode {
			return true
		}
	}
	return false
}
