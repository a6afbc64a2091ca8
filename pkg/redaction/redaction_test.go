package redaction

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MultiplicityFoundation/phase-mirror/pkg/contracts"
	"github.com/MultiplicityFoundation/phase-mirror/pkg/secrets"
)

const (
	nonceV1 = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
	nonceV2 = "ffeeddccbbaa99887766554433221100ffeeddccbbaa99887766554433221100"
)

func testFindings() []contracts.Finding {
	return []contracts.Finding{
		{
			RuleID: "MD-101",
			Title:  "branch protection gap",
			Evidence: []contracts.Evidence{
				{Path: "repo-b/.github"},
				{Path: "repo-a/.github"},
			},
		},
		{
			RuleID: "MD-100",
			Title:  "semantic drift",
			Evidence: []contracts.Evidence{
				{Path: ".github/workflows/deploy.yml"},
			},
		},
	}
}

func newStore(t *testing.T) *secrets.FileSecretStore {
	t.Helper()
	s, err := secrets.NewFileSecretStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.RotateNonce(context.Background(), nonceV1))
	return s
}

func TestCanonicalIsOrderIndependent(t *testing.T) {
	findings := testFindings()
	a, err := Canonical(findings)
	require.NoError(t, err)

	reversed := []contracts.Finding{findings[1], findings[0]}
	b, err := Canonical(reversed)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	// Evidence path order does not matter either.
	findings[0].Evidence[0], findings[0].Evidence[1] = findings[0].Evidence[1], findings[0].Evidence[0]
	c, err := Canonical(findings)
	require.NoError(t, err)
	assert.Equal(t, a, c)
}

func TestTagAndVerify(t *testing.T) {
	svc := NewService(newStore(t))
	ctx := context.Background()
	findings := testFindings()

	tag, version, err := svc.Tag(ctx, findings)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
	assert.Len(t, tag, 64)

	got, err := svc.Verify(ctx, findings, tag)
	require.NoError(t, err)
	assert.Equal(t, 1, got)

	// Any change to the covered fields invalidates the tag.
	mutated := testFindings()
	mutated[0].Title = "something else"
	_, err = svc.Verify(ctx, mutated, tag)
	assert.ErrorIs(t, err, ErrUnknownVersion)

	_, err = svc.Verify(ctx, findings, "not-hex")
	assert.ErrorIs(t, err, ErrUnknownVersion)
}

func TestVerifyAcceptsOldVersionDuringRotation(t *testing.T) {
	store := newStore(t)
	svc := NewService(store)
	ctx := context.Background()
	findings := testFindings()

	oldTag, _, err := svc.Tag(ctx, findings)
	require.NoError(t, err)

	require.NoError(t, store.RotateNonce(ctx, nonceV2))

	// New tags use v2; the pre-rotation tag still verifies against v1.
	newTag, version, err := svc.Tag(ctx, findings)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	assert.NotEqual(t, oldTag, newTag)

	got, err := svc.Verify(ctx, findings, oldTag)
	require.NoError(t, err)
	assert.Equal(t, 1, got)

	// Deleting v1 ends the grace period.
	require.NoError(t, store.DeleteVersion(1))
	_, err = svc.Verify(ctx, findings, oldTag)
	assert.ErrorIs(t, err, ErrUnknownVersion)
	_, err = svc.Verify(ctx, findings, newTag)
	require.NoError(t, err)
}

func TestTagFailsWithoutNonce(t *testing.T) {
	store, err := secrets.NewFileSecretStore(t.TempDir())
	require.NoError(t, err)
	svc := NewService(store)

	_, _, err = svc.Tag(context.Background(), testFindings())
	assert.ErrorIs(t, err, secrets.ErrSecretUnavailable)
}
