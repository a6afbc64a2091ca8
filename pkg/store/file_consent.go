package store

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/MultiplicityFoundation/phase-mirror/pkg/contracts"
)

// FileConsentStore is the local file-backed consent store, keyed by
// (orgIdHash, scope).
type FileConsentStore struct {
	path  string
	clock Clock

	mu      sync.RWMutex
	records map[string]contracts.ConsentRecord
}

// NewFileConsentStore opens (or creates) the consent store under dir.
func NewFileConsentStore(dir string, clock Clock) (*FileConsentStore, error) {
	if clock == nil {
		clock = WallClock()
	}
	s := &FileConsentStore{
		path:    filepath.Join(dir, "consent.json"),
		clock:   clock,
		records: make(map[string]contracts.ConsentRecord),
	}
	if err := loadJSON(s.path, &s.records); err != nil {
		return nil, err
	}
	return s, nil
}

func consentKey(orgIDHash, scope string) string { return orgIDHash + "#" + scope }

// Grant records (or refreshes) consent for the scope.
func (s *FileConsentStore) Grant(_ context.Context, rec contracts.ConsentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[consentKey(rec.OrgIDHash, rec.Scope)] = rec
	return atomicWriteJSON(s.path, s.records)
}

// Revoke marks the scope's consent revoked.
func (s *FileConsentStore) Revoke(_ context.Context, orgIDHash, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := consentKey(orgIDHash, scope)
	rec, ok := s.records[key]
	if !ok {
		return ErrNotFound
	}
	rec.Revoked = true
	s.records[key] = rec
	return atomicWriteJSON(s.path, s.records)
}

// HasValidConsent reports whether non-revoked, non-expired consent exists.
func (s *FileConsentStore) HasValidConsent(_ context.Context, orgIDHash, scope string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[consentKey(orgIDHash, scope)]
	if !ok {
		return false, nil
	}
	return rec.Valid(s.clock.Now()), nil
}

var _ ConsentStore = (*FileConsentStore)(nil)
