package store

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/MultiplicityFoundation/phase-mirror/pkg/contracts"
)

type identityFile struct {
	Identities map[string]contracts.OrganizationIdentity `json:"identities"` // orgID -> identity
	Bindings   map[string]contracts.NonceBinding         `json:"bindings"`   // orgID -> current binding
	// History keeps every binding ever written, keyed by nonce, so the
	// rotation chain stays resolvable after the current slot moves on.
	History map[string]contracts.NonceBinding `json:"history"`
}

// FileIdentityStore is the local file-backed identity and binding store.
type FileIdentityStore struct {
	path string

	mu   sync.RWMutex
	data identityFile
}

// NewFileIdentityStore opens (or creates) the identity store under dir.
func NewFileIdentityStore(dir string) (*FileIdentityStore, error) {
	s := &FileIdentityStore{
		path: filepath.Join(dir, "identities.json"),
		data: identityFile{
			Identities: make(map[string]contracts.OrganizationIdentity),
			Bindings:   make(map[string]contracts.NonceBinding),
			History:    make(map[string]contracts.NonceBinding),
		},
	}
	if err := loadJSON(s.path, &s.data); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileIdentityStore) save() error {
	return atomicWriteJSON(s.path, s.data)
}

// PutIdentity upserts the identity record.
func (s *FileIdentityStore) PutIdentity(_ context.Context, id contracts.OrganizationIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Identities[id.OrgID] = id
	return s.save()
}

// GetIdentity returns the identity for orgID.
func (s *FileIdentityStore) GetIdentity(_ context.Context, orgID string) (contracts.OrganizationIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.data.Identities[orgID]
	if !ok {
		return contracts.OrganizationIdentity{}, ErrNotFound
	}
	return id, nil
}

// PutBinding writes the current binding for the org under compare-and-set on
// the stored version.
func (s *FileIdentityStore) PutBinding(_ context.Context, b contracts.NonceBinding, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.data.Bindings[b.OrgID]
	switch {
	case !exists && expectedVersion != 0:
		return ErrConflict
	case exists && current.Version != expectedVersion:
		return ErrConflict
	}
	b.Version = expectedVersion + 1
	s.data.Bindings[b.OrgID] = b
	s.data.History[b.Nonce] = b
	return s.save()
}

// GetBinding returns the current binding for orgID.
func (s *FileIdentityStore) GetBinding(_ context.Context, orgID string) (contracts.NonceBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.data.Bindings[orgID]
	if !ok {
		return contracts.NonceBinding{}, ErrNotFound
	}
	return b, nil
}

// GetBindingByNonce resolves a binding (current or historical) by nonce.
func (s *FileIdentityStore) GetBindingByNonce(_ context.Context, nonce string) (contracts.NonceBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.data.History[nonce]; ok {
		return b, nil
	}
	for _, b := range s.data.Bindings {
		if b.Nonce == nonce {
			return b, nil
		}
	}
	return contracts.NonceBinding{}, ErrNotFound
}

var _ IdentityStore = (*FileIdentityStore)(nil)
