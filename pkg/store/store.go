// Package store defines the persistence adapter contracts of the guardian
// core and their two realizations: a local file-backed store (atomic write
// via rename) for dev and tests, and a cloud-backed store using a managed
// key-value table (DynamoDB), an object store (S3) and an atomic counter
// (redis).
//
// All adapter methods are safe for concurrent calls from independent
// requests; writes by a single request to one key are serialized by the
// adapter. Errors are typed: callers match with errors.Is.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/MultiplicityFoundation/phase-mirror/pkg/contracts"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateEvent is returned on a second insert of the same
	// (ruleId, eventId) pair. Expected under retries; callers swallow it.
	ErrDuplicateEvent = errors.New("duplicate event")
	// ErrConflict is returned when a conditional write loses a race
	// (compare-and-set mismatch).
	ErrConflict = errors.New("write conflict")
	// ErrAlreadyReviewed is returned when marking an event that already
	// transitioned to false-positive. The transition is one-way.
	ErrAlreadyReviewed = errors.New("event already reviewed")
)

// FPEventTTL is how long false-positive events are retained.
const FPEventTTL = 90 * 24 * time.Hour

// FPStore persists operator false-positive feedback. Reads honor TTL:
// expired events are never returned.
type FPStore interface {
	// RecordEvent inserts a new event; rejects duplicates by
	// (ruleId, eventId) with ErrDuplicateEvent.
	RecordEvent(ctx context.Context, e contracts.FPEvent) error
	// GetWindowByCount returns up to n most recent events for the rule,
	// newest first.
	GetWindowByCount(ctx context.Context, ruleID string, n int) ([]contracts.FPEvent, error)
	// GetWindowBySince returns events for the rule at or after since,
	// newest first.
	GetWindowBySince(ctx context.Context, ruleID string, since time.Time) ([]contracts.FPEvent, error)
	// MarkFalsePositive flips the event for findingID to false-positive.
	// The transition is one-way; reviewedBy and reviewedAt are set in the
	// same write.
	MarkFalsePositive(ctx context.Context, findingID, reviewedBy, ticket string) error
	// IsFalsePositive reports whether the finding was marked as a false
	// positive.
	IsFalsePositive(ctx context.Context, ruleID, findingID string) (bool, error)
}

// ConsentStore records resource-scoped data-sharing consent.
type ConsentStore interface {
	Grant(ctx context.Context, rec contracts.ConsentRecord) error
	Revoke(ctx context.Context, orgIDHash, scope string) error
	// HasValidConsent fails CLOSED: adapter errors yield (false, err).
	HasValidConsent(ctx context.Context, orgIDHash, scope string) (bool, error)
}

// BlockCounter is a monotonic per-key counter with TTL, used by the circuit
// breaker. Increment is atomic; Get returns 0 for expired keys.
type BlockCounter interface {
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Get(ctx context.Context, key string) (int64, error)
}

// ObjectVersion identifies one stored version of a baseline object.
type ObjectVersion struct {
	VersionID    string    `json:"version_id"`
	LastModified time.Time `json:"last_modified"`
}

// ObjectStore persists versioned baseline documents under
// "baselines/<repoId>.json".
type ObjectStore interface {
	// GetBaseline returns the current version's bytes.
	GetBaseline(ctx context.Context, key string) ([]byte, error)
	PutBaseline(ctx context.Context, key string, data []byte) error
	// ListBaselineVersions returns versions newest first.
	ListBaselineVersions(ctx context.Context, key string) ([]ObjectVersion, error)
}

// IdentityStore persists organization identities and nonce bindings.
type IdentityStore interface {
	PutIdentity(ctx context.Context, id contracts.OrganizationIdentity) error
	GetIdentity(ctx context.Context, orgID string) (contracts.OrganizationIdentity, error)
	// PutBinding writes the binding keyed by orgID. expectedVersion is the
	// version the caller read (0 for a fresh binding); a mismatch returns
	// ErrConflict so rotation is linearizable per org.
	PutBinding(ctx context.Context, b contracts.NonceBinding, expectedVersion int64) error
	GetBinding(ctx context.Context, orgID string) (contracts.NonceBinding, error)
	// GetBindingByNonce resolves a historical binding for rotation-chain
	// walks.
	GetBindingByNonce(ctx context.Context, nonce string) (contracts.NonceBinding, error)
}

// ReputationStore persists reputation records, stakes and contribution
// history.
type ReputationStore interface {
	GetReputation(ctx context.Context, orgID string) (contracts.OrganizationReputation, error)
	PutReputation(ctx context.Context, rep contracts.OrganizationReputation) error
	GetStake(ctx context.Context, orgID string) (contracts.StakePledge, error)
	PutStake(ctx context.Context, pledge contracts.StakePledge) error
	AddContribution(ctx context.Context, rec contracts.ContributionRecord) error
	// ListContributions returns the org's contributions at or after since,
	// newest first.
	ListContributions(ctx context.Context, orgID string, since time.Time) ([]contracts.ContributionRecord, error)
	// ListReputationsByScore returns records with score >= minScore, for
	// audit.
	ListReputationsByScore(ctx context.Context, minScore float64) ([]contracts.OrganizationReputation, error)
}
