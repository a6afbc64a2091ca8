package oracle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MultiplicityFoundation/phase-mirror/pkg/contracts"
)

type stubRule struct {
	desc     contracts.RuleDescriptor
	findings []contracts.Finding
	err      error
	panics   bool
}

func (r *stubRule) Descriptor() contracts.RuleDescriptor { return r.desc }

func (r *stubRule) Evaluate(context.Context, *contracts.RuleContext) ([]contracts.Finding, error) {
	if r.panics {
		panic("boom")
	}
	return r.findings, r.err
}

func descriptor(id string) contracts.RuleDescriptor {
	return contracts.RuleDescriptor{ID: id, Version: "1.0.0", Name: id, Tier: contracts.TierA}
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(&stubRule{desc: descriptor("MD-100")}))
	assert.ErrorIs(t, r.Register(&stubRule{desc: descriptor("MD-100")}), ErrDuplicateRule)

	err := r.Register(&stubRule{desc: contracts.RuleDescriptor{ID: "MD-200", Version: "not-semver"}})
	assert.ErrorIs(t, err, ErrInvalidVersion)

	assert.Error(t, r.Register(&stubRule{desc: contracts.RuleDescriptor{Version: "1.0.0"}}))

	_, ok := r.Get("MD-100")
	assert.True(t, ok)
	_, ok = r.Get("MD-999")
	assert.False(t, ok)
}

func TestRegistryForMode(t *testing.T) {
	r := NewRegistry()
	all := descriptor("MD-300")
	prOnly := descriptor("MD-100")
	prOnly.Modes = []contracts.Mode{contracts.ModePullRequest}
	driftOnly := descriptor("MD-200")
	driftOnly.Modes = []contracts.Mode{contracts.ModeDrift}

	r.MustRegister(
		&stubRule{desc: all},
		&stubRule{desc: prOnly},
		&stubRule{desc: driftOnly},
	)

	ids := func(rules []Rule) []string {
		out := make([]string, 0, len(rules))
		for _, rule := range rules {
			out = append(out, rule.Descriptor().ID)
		}
		return out
	}

	// Mode filtering, with deterministic id order.
	assert.Equal(t, []string{"MD-100", "MD-300"}, ids(r.ForMode(contracts.ModePullRequest)))
	assert.Equal(t, []string{"MD-200", "MD-300"}, ids(r.ForMode(contracts.ModeDrift)))
	assert.Equal(t, []string{"MD-300"}, ids(r.ForMode(contracts.ModeSchedule)))

	descs := r.Descriptors()
	require.Len(t, descs, 3)
	assert.Equal(t, "MD-100", descs[0].ID)
	assert.Equal(t, "MD-300", descs[2].ID)
}

func TestMustRegisterPanics(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(&stubRule{desc: descriptor("MD-100")})
	assert.Panics(t, func() {
		r.MustRegister(&stubRule{desc: descriptor("MD-100")})
	})
}
