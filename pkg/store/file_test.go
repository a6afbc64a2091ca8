package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MultiplicityFoundation/phase-mirror/pkg/contracts"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)}
}

func fpEvent(eventID, findingID string, at time.Time) contracts.FPEvent {
	return contracts.FPEvent{
		EventID:   eventID,
		RuleID:    "MD-100",
		FindingID: findingID,
		Outcome:   contracts.OutcomeWarn,
		Timestamp: at,
		OrgIDHash: "org-hash",
	}
}

func TestFPStoreRejectsDuplicates(t *testing.T) {
	clock := newFakeClock()
	s, err := NewFileFPStore(t.TempDir(), clock)
	require.NoError(t, err)
	ctx := context.Background()

	e := fpEvent("e1", "f1", clock.Now())
	require.NoError(t, s.RecordEvent(ctx, e))
	assert.ErrorIs(t, s.RecordEvent(ctx, e), ErrDuplicateEvent)

	// Same event id under a different rule is a different event.
	other := e
	other.RuleID = "MD-101"
	assert.NoError(t, s.RecordEvent(ctx, other))
}

func TestFPStoreTTLFiltersExpired(t *testing.T) {
	clock := newFakeClock()
	s, err := NewFileFPStore(t.TempDir(), clock)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.RecordEvent(ctx, fpEvent("e1", "f1", clock.Now())))
	clock.Advance(FPEventTTL + time.Hour)
	require.NoError(t, s.RecordEvent(ctx, fpEvent("e2", "f2", clock.Now())))

	events, err := s.GetWindowByCount(ctx, "MD-100", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e2", events[0].EventID)

	// An expired false-positive mark reads as not-marked.
	fp, err := s.IsFalsePositive(ctx, "MD-100", "f1")
	require.NoError(t, err)
	assert.False(t, fp)
}

func TestFPStoreMarkFalsePositiveOneWay(t *testing.T) {
	clock := newFakeClock()
	s, err := NewFileFPStore(t.TempDir(), clock)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.RecordEvent(ctx, fpEvent("e1", "f1", clock.Now())))
	require.NoError(t, s.MarkFalsePositive(ctx, "f1", "reviewer-hash", "TICKET-7"))

	fp, err := s.IsFalsePositive(ctx, "MD-100", "f1")
	require.NoError(t, err)
	assert.True(t, fp)

	assert.ErrorIs(t, s.MarkFalsePositive(ctx, "f1", "other", ""), ErrAlreadyReviewed)
	assert.ErrorIs(t, s.MarkFalsePositive(ctx, "missing", "x", ""), ErrNotFound)

	events, err := s.GetWindowByCount(ctx, "MD-100", 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "reviewer-hash", events[0].ReviewedBy)
	assert.Equal(t, "TICKET-7", events[0].SuppressionTicket)
}

func TestFPStoreWindowBySince(t *testing.T) {
	clock := newFakeClock()
	s, err := NewFileFPStore(t.TempDir(), clock)
	require.NoError(t, err)
	ctx := context.Background()

	old := clock.Now().Add(-48 * time.Hour)
	recent := clock.Now().Add(-1 * time.Hour)
	require.NoError(t, s.RecordEvent(ctx, fpEvent("e1", "f1", old)))
	require.NoError(t, s.RecordEvent(ctx, fpEvent("e2", "f2", recent)))

	events, err := s.GetWindowBySince(ctx, "MD-100", clock.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e2", events[0].EventID)
}

func TestBlockCounterTTL(t *testing.T) {
	clock := newFakeClock()
	c, err := NewFileBlockCounter(t.TempDir(), clock)
	require.NoError(t, err)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		n, err := c.Increment(ctx, "blocks#MD-100", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	n, err := c.Get(ctx, "blocks#MD-100")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// Expiry resets the window.
	clock.Advance(time.Hour + time.Minute)
	n, err = c.Get(ctx, "blocks#MD-100")
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = c.Increment(ctx, "blocks#MD-100", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Unknown keys read as zero.
	n, err = c.Get(ctx, "blocks#MD-999")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestObjectStoreVersions(t *testing.T) {
	s, err := NewFileObjectStore(t.TempDir(), nil)
	require.NoError(t, err)
	ctx := context.Background()
	key := "baselines/org__repo.json"

	_, err = s.GetBaseline(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.PutBaseline(ctx, key, []byte(`{"v":1}`)))
	require.NoError(t, s.PutBaseline(ctx, key, []byte(`{"v":2}`)))

	data, err := s.GetBaseline(ctx, key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(data))

	versions, err := s.ListBaselineVersions(ctx, key)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	// Newest first.
	assert.Equal(t, "v00000002", versions[0].VersionID)
	assert.Equal(t, "v00000001", versions[1].VersionID)
}

func TestConsentStoreLifecycle(t *testing.T) {
	clock := newFakeClock()
	s, err := NewFileConsentStore(t.TempDir(), clock)
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := s.HasValidConsent(ctx, "org-hash", "fp-sharing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Grant(ctx, contracts.ConsentRecord{
		OrgIDHash: "org-hash",
		Scope:     "fp-sharing",
		GrantedBy: "admin-hash",
		GrantedAt: clock.Now(),
		ExpiresAt: clock.Now().Add(24 * time.Hour),
	}))
	ok, err = s.HasValidConsent(ctx, "org-hash", "fp-sharing")
	require.NoError(t, err)
	assert.True(t, ok)

	// Expiry invalidates without a revocation.
	clock.Advance(25 * time.Hour)
	ok, err = s.HasValidConsent(ctx, "org-hash", "fp-sharing")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, s.Revoke(ctx, "org-hash", "other-scope"), ErrNotFound)
	require.NoError(t, s.Revoke(ctx, "org-hash", "fp-sharing"))
}

type failingConsentStore struct{ err error }

func (f failingConsentStore) Grant(context.Context, contracts.ConsentRecord) error { return f.err }
func (f failingConsentStore) Revoke(context.Context, string, string) error         { return f.err }
func (f failingConsentStore) HasValidConsent(context.Context, string, string) (bool, error) {
	return true, f.err
}

func TestCachedConsentStore(t *testing.T) {
	clock := newFakeClock()
	backing, err := NewFileConsentStore(t.TempDir(), clock)
	require.NoError(t, err)
	cached := NewCachedConsentStore(backing, clock)
	ctx := context.Background()

	require.NoError(t, cached.Grant(ctx, contracts.ConsentRecord{
		OrgIDHash: "org-hash",
		Scope:     "fp-sharing",
		GrantedAt: clock.Now(),
	}))
	ok, err := cached.HasValidConsent(ctx, "org-hash", "fp-sharing")
	require.NoError(t, err)
	assert.True(t, ok)

	// Revocation through the cache invalidates immediately.
	require.NoError(t, cached.Revoke(ctx, "org-hash", "fp-sharing"))
	ok, err = cached.HasValidConsent(ctx, "org-hash", "fp-sharing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCachedConsentStoreFailsClosed(t *testing.T) {
	backingErr := errors.New("backend down")
	cached := NewCachedConsentStore(failingConsentStore{err: backingErr}, newFakeClock())

	ok, err := cached.HasValidConsent(context.Background(), "org-hash", "fp-sharing")
	assert.ErrorIs(t, err, backingErr)
	assert.False(t, ok)

	// Errors are never cached: the next call hits the backend again and
	// fails closed again.
	ok, err = cached.HasValidConsent(context.Background(), "org-hash", "fp-sharing")
	assert.ErrorIs(t, err, backingErr)
	assert.False(t, ok)
}

func TestFPStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()
	ctx := context.Background()

	s, err := NewFileFPStore(dir, clock)
	require.NoError(t, err)
	require.NoError(t, s.RecordEvent(ctx, fpEvent("e1", "f1", clock.Now())))
	require.NoError(t, s.MarkFalsePositive(ctx, "f1", "reviewer", ""))

	reopened, err := NewFileFPStore(dir, clock)
	require.NoError(t, err)
	fp, err := reopened.IsFalsePositive(ctx, "MD-100", "f1")
	require.NoError(t, err)
	assert.True(t, fp)
}
