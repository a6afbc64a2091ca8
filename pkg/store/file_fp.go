package store

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/MultiplicityFoundation/phase-mirror/pkg/contracts"
)

// FileFPStore is the local file-backed FPStore. Events are held in memory
// keyed by rule and flushed atomically to a single JSON file.
type FileFPStore struct {
	path  string
	clock Clock

	mu        sync.RWMutex
	events    map[string][]contracts.FPEvent // ruleID -> events
	byFinding map[string]eventRef            // findingID -> location
}

type eventRef struct {
	RuleID string `json:"rule_id"`
	Index  int    `json:"index"`
}

// NewFileFPStore opens (or creates) the FP event store under dir.
func NewFileFPStore(dir string, clock Clock) (*FileFPStore, error) {
	if clock == nil {
		clock = WallClock()
	}
	s := &FileFPStore{
		path:      filepath.Join(dir, "fp_events.json"),
		clock:     clock,
		events:    make(map[string][]contracts.FPEvent),
		byFinding: make(map[string]eventRef),
	}
	if err := loadJSON(s.path, &s.events); err != nil {
		return nil, err
	}
	s.reindex()
	return s, nil
}

func (s *FileFPStore) reindex() {
	s.byFinding = make(map[string]eventRef)
	for ruleID, evs := range s.events {
		for i, e := range evs {
			s.byFinding[e.FindingID] = eventRef{RuleID: ruleID, Index: i}
		}
	}
}

func (s *FileFPStore) save() error {
	return atomicWriteJSON(s.path, s.events)
}

func (s *FileFPStore) expired(e contracts.FPEvent) bool {
	return s.clock.Now().Sub(e.Timestamp) > FPEventTTL
}

// RecordEvent inserts the event, rejecting duplicates by (ruleId, eventId).
func (s *FileFPStore) RecordEvent(_ context.Context, e contracts.FPEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.events[e.RuleID] {
		if existing.EventID == e.EventID {
			return ErrDuplicateEvent
		}
	}
	s.events[e.RuleID] = append(s.events[e.RuleID], e)
	s.byFinding[e.FindingID] = eventRef{RuleID: e.RuleID, Index: len(s.events[e.RuleID]) - 1}
	return s.save()
}

// GetWindowByCount returns up to n live events for the rule, newest first.
func (s *FileFPStore) GetWindowByCount(_ context.Context, ruleID string, n int) ([]contracts.FPEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.liveSorted(ruleID)
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// GetWindowBySince returns live events at or after since, newest first.
func (s *FileFPStore) GetWindowBySince(_ context.Context, ruleID string, since time.Time) ([]contracts.FPEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.liveSorted(ruleID)
	out := make([]contracts.FPEvent, 0, len(all))
	for _, e := range all {
		if !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *FileFPStore) liveSorted(ruleID string) []contracts.FPEvent {
	evs := s.events[ruleID]
	out := make([]contracts.FPEvent, 0, len(evs))
	for _, e := range evs {
		if !s.expired(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// MarkFalsePositive transitions the finding's event to false-positive.
func (s *FileFPStore) MarkFalsePositive(_ context.Context, findingID, reviewedBy, ticket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, ok := s.byFinding[findingID]
	if !ok {
		return ErrNotFound
	}
	e := s.events[ref.RuleID][ref.Index]
	if e.IsFalsePositive {
		return ErrAlreadyReviewed
	}
	e.IsFalsePositive = true
	e.ReviewedBy = reviewedBy
	e.ReviewedAt = s.clock.Now().UTC()
	e.SuppressionTicket = ticket
	s.events[ref.RuleID][ref.Index] = e
	return s.save()
}

// IsFalsePositive reports whether the finding was marked false-positive.
// Expired events read as not-marked.
func (s *FileFPStore) IsFalsePositive(_ context.Context, ruleID, findingID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ref, ok := s.byFinding[findingID]
	if !ok || ref.RuleID != ruleID {
		return false, nil
	}
	e := s.events[ref.RuleID][ref.Index]
	if s.expired(e) {
		return false, nil
	}
	return e.IsFalsePositive, nil
}

var _ FPStore = (*FileFPStore)(nil)
