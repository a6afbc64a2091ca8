package store

import (
	"context"
	"sync"
	"time"

	"github.com/MultiplicityFoundation/phase-mirror/pkg/contracts"
)

// consentCacheTTL bounds staleness of cached consent checks.
const consentCacheTTL = 5 * time.Minute

type consentCacheEntry struct {
	valid     bool
	expiresAt time.Time
}

// CachedConsentStore fronts a ConsentStore with a short-lived read cache.
// Writes pass through and invalidate the affected key. Errors from the
// backing store are never cached: the check fails closed every time.
type CachedConsentStore struct {
	backing ConsentStore
	clock   Clock

	mu    sync.Mutex
	cache map[string]consentCacheEntry
}

// NewCachedConsentStore wraps backing with a 5-minute read cache.
func NewCachedConsentStore(backing ConsentStore, clock Clock) *CachedConsentStore {
	if clock == nil {
		clock = WallClock()
	}
	return &CachedConsentStore{
		backing: backing,
		clock:   clock,
		cache:   make(map[string]consentCacheEntry),
	}
}

func (s *CachedConsentStore) Grant(ctx context.Context, rec contracts.ConsentRecord) error {
	if err := s.backing.Grant(ctx, rec); err != nil {
		return err
	}
	s.invalidate(rec.OrgIDHash, rec.Scope)
	return nil
}

func (s *CachedConsentStore) Revoke(ctx context.Context, orgIDHash, scope string) error {
	if err := s.backing.Revoke(ctx, orgIDHash, scope); err != nil {
		return err
	}
	s.invalidate(orgIDHash, scope)
	return nil
}

func (s *CachedConsentStore) HasValidConsent(ctx context.Context, orgIDHash, scope string) (bool, error) {
	key := consentKey(orgIDHash, scope)
	now := s.clock.Now()

	s.mu.Lock()
	if e, ok := s.cache[key]; ok && now.Before(e.expiresAt) {
		s.mu.Unlock()
		return e.valid, nil
	}
	s.mu.Unlock()

	valid, err := s.backing.HasValidConsent(ctx, orgIDHash, scope)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	s.cache[key] = consentCacheEntry{valid: valid, expiresAt: now.Add(consentCacheTTL)}
	s.mu.Unlock()
	return valid, nil
}

func (s *CachedConsentStore) invalidate(orgIDHash, scope string) {
	s.mu.Lock()
	delete(s.cache, consentKey(orgIDHash, scope))
	s.mu.Unlock()
}

var _ ConsentStore = (*CachedConsentStore)(nil)
