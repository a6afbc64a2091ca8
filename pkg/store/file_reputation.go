package store

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/MultiplicityFoundation/phase-mirror/pkg/contracts"
)

type reputationFile struct {
	Reputations   map[string]contracts.OrganizationReputation `json:"reputations"`
	Stakes        map[string]contracts.StakePledge            `json:"stakes"`
	Contributions map[string][]contracts.ContributionRecord   `json:"contributions"` // orgID -> history
}

// FileReputationStore is the local file-backed reputation store.
type FileReputationStore struct {
	path string

	mu   sync.RWMutex
	data reputationFile
}

// NewFileReputationStore opens (or creates) the reputation store under dir.
func NewFileReputationStore(dir string) (*FileReputationStore, error) {
	s := &FileReputationStore{
		path: filepath.Join(dir, "reputation.json"),
		data: reputationFile{
			Reputations:   make(map[string]contracts.OrganizationReputation),
			Stakes:        make(map[string]contracts.StakePledge),
			Contributions: make(map[string][]contracts.ContributionRecord),
		},
	}
	if err := loadJSON(s.path, &s.data); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileReputationStore) save() error { return atomicWriteJSON(s.path, s.data) }

// GetReputation returns the org's reputation record.
func (s *FileReputationStore) GetReputation(_ context.Context, orgID string) (contracts.OrganizationReputation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rep, ok := s.data.Reputations[orgID]
	if !ok {
		return contracts.OrganizationReputation{}, ErrNotFound
	}
	return rep, nil
}

// PutReputation upserts the reputation record.
func (s *FileReputationStore) PutReputation(_ context.Context, rep contracts.OrganizationReputation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Reputations[rep.OrgID] = rep
	return s.save()
}

// GetStake returns the org's stake pledge.
func (s *FileReputationStore) GetStake(_ context.Context, orgID string) (contracts.StakePledge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.data.Stakes[orgID]
	if !ok {
		return contracts.StakePledge{}, ErrNotFound
	}
	return p, nil
}

// PutStake upserts the stake pledge.
func (s *FileReputationStore) PutStake(_ context.Context, pledge contracts.StakePledge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Stakes[pledge.OrgID] = pledge
	return s.save()
}

// AddContribution appends one contribution record.
func (s *FileReputationStore) AddContribution(_ context.Context, rec contracts.ContributionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Contributions[rec.OrgID] = append(s.data.Contributions[rec.OrgID], rec)
	return s.save()
}

// ListContributions returns contributions at or after since, newest first.
func (s *FileReputationStore) ListContributions(_ context.Context, orgID string, since time.Time) ([]contracts.ContributionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.ContributionRecord
	for _, rec := range s.data.Contributions[orgID] {
		if !rec.Timestamp.Before(since) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// ListReputationsByScore returns records with score >= minScore, descending.
func (s *FileReputationStore) ListReputationsByScore(_ context.Context, minScore float64) ([]contracts.OrganizationReputation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.OrganizationReputation
	for _, rep := range s.data.Reputations {
		if rep.ReputationScore >= minScore {
			out = append(out, rep)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReputationScore > out[j].ReputationScore })
	return out, nil
}

var _ ReputationStore = (*FileReputationStore)(nil)
