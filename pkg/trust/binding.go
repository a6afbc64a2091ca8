// Package trust binds verified organizational identities to federation
// nonces and maintains the rotation chain.
//
// Identity verification itself (GitHub org, billing customer, manual review)
// is an external collaborator; this package starts from a stored, verified
// OrganizationIdentity and enforces the binding invariant: at most one
// non-revoked binding per org at any instant.
package trust

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/MultiplicityFoundation/phase-mirror/pkg/contracts"
	"github.com/MultiplicityFoundation/phase-mirror/pkg/store"
)

var (
	// ErrInvalidPublicKey means the key is not hex of at least 32 chars.
	ErrInvalidPublicKey = errors.New("invalid public key")
	// ErrAlreadyBound means an active binding exists for the org.
	ErrAlreadyBound = errors.New("org already has an active binding")
	// ErrNotVerified means no verified identity exists for the org.
	ErrNotVerified = errors.New("org identity not verified")
	// ErrBindingRevoked means the operation needs an active binding but the
	// current one is revoked.
	ErrBindingRevoked = errors.New("binding is revoked")
)

// maxRotationDepth bounds rotation-chain walks so corrupt data cannot hang
// the service.
const maxRotationDepth = 100

var publicKeyRe = regexp.MustCompile(`^[0-9a-fA-F]{32,}$`)

// VerifyReason is the structured failure reason of VerifyBinding.
type VerifyReason string

const (
	ReasonOK                VerifyReason = ""
	ReasonNotFound          VerifyReason = "not-found"
	ReasonNonceMismatch     VerifyReason = "nonce-mismatch"
	ReasonRevoked           VerifyReason = "revoked"
	ReasonSignatureMismatch VerifyReason = "signature-mismatch"
	ReasonNotVerified       VerifyReason = "identity-not-verified"
)

// VerifyResult is the outcome of one binding verification.
type VerifyResult struct {
	Valid   bool
	Reason  VerifyReason
	Binding *contracts.NonceBinding
}

// Clock supplies authority time; injectable for tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Service manages nonce bindings for verified organizations.
type Service struct {
	identities store.IdentityStore
	clock      Clock
	log        *slog.Logger
}

// NewService builds the binding service. clock and log may be nil.
func NewService(identities store.IdentityStore, clock Clock, log *slog.Logger) *Service {
	if clock == nil {
		clock = wallClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{identities: identities, clock: clock, log: log}
}

// bindingSignature is SHA-256 over "nonce:orgId:publicKey", hex encoded.
// It detects post-hoc tampering of stored bindings.
func bindingSignature(nonce, orgID, publicKey string) string {
	sum := sha256.Sum256([]byte(nonce + ":" + orgID + ":" + publicKey))
	return hex.EncodeToString(sum[:])
}

// GenerateAndBindNonce creates a fresh 32-byte nonce and binds it to the
// verified org. Fails with ErrAlreadyBound when an active binding exists.
func (s *Service) GenerateAndBindNonce(ctx context.Context, orgID, publicKey string) (contracts.NonceBinding, error) {
	if !publicKeyRe.MatchString(publicKey) {
		return contracts.NonceBinding{}, fmt.Errorf("%w: must be hex of at least 32 chars", ErrInvalidPublicKey)
	}
	identity, err := s.identities.GetIdentity(ctx, orgID)
	if errors.Is(err, store.ErrNotFound) {
		return contracts.NonceBinding{}, ErrNotVerified
	}
	if err != nil {
		return contracts.NonceBinding{}, fmt.Errorf("load identity: %w", err)
	}
	if identity.VerifiedAt.IsZero() {
		return contracts.NonceBinding{}, ErrNotVerified
	}

	var expectedVersion int64
	var previousNonce string
	current, err := s.identities.GetBinding(ctx, orgID)
	switch {
	case err == nil && !current.Revoked:
		return contracts.NonceBinding{}, ErrAlreadyBound
	case err == nil:
		// Revoked binding: the new one continues the chain.
		expectedVersion = current.Version
		previousNonce = current.Nonce
	case errors.Is(err, store.ErrNotFound):
		// First binding for this org.
	default:
		return contracts.NonceBinding{}, fmt.Errorf("load binding: %w", err)
	}

	nonce, err := generateNonce()
	if err != nil {
		return contracts.NonceBinding{}, err
	}
	binding := contracts.NonceBinding{
		Nonce:         nonce,
		OrgID:         orgID,
		PublicKey:     publicKey,
		Signature:     bindingSignature(nonce, orgID, publicKey),
		BoundAt:       s.clock.Now().UTC(),
		PreviousNonce: previousNonce,
	}
	if err := s.identities.PutBinding(ctx, binding, expectedVersion); err != nil {
		return contracts.NonceBinding{}, fmt.Errorf("store binding: %w", err)
	}
	identity.BoundNonce = nonce
	if err := s.identities.PutIdentity(ctx, identity); err != nil {
		return contracts.NonceBinding{}, fmt.Errorf("update identity: %w", err)
	}
	s.log.InfoContext(ctx, "nonce bound", "org_id", orgID)
	return binding, nil
}

func generateNonce() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// VerifyBinding checks a submitted nonce against the org's stored binding.
// All failures are structured reasons; the function never panics.
func (s *Service) VerifyBinding(ctx context.Context, nonce, orgID string) (VerifyResult, error) {
	binding, err := s.identities.GetBinding(ctx, orgID)
	if errors.Is(err, store.ErrNotFound) {
		return VerifyResult{Reason: ReasonNotFound}, nil
	}
	if err != nil {
		return VerifyResult{}, fmt.Errorf("load binding: %w", err)
	}
	if binding.Nonce != nonce {
		// A rotated-away nonce reads as revoked, not as a mismatch.
		prior, err := s.identities.GetBindingByNonce(ctx, nonce)
		if err == nil && prior.OrgID == orgID && prior.Revoked {
			return VerifyResult{Reason: ReasonRevoked}, nil
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return VerifyResult{}, fmt.Errorf("resolve nonce: %w", err)
		}
		return VerifyResult{Reason: ReasonNonceMismatch}, nil
	}
	if binding.Revoked {
		return VerifyResult{Reason: ReasonRevoked}, nil
	}
	if bindingSignature(binding.Nonce, binding.OrgID, binding.PublicKey) != binding.Signature {
		// Stored row no longer matches its own signature: tampering.
		return VerifyResult{Reason: ReasonSignatureMismatch}, nil
	}
	identity, err := s.identities.GetIdentity(ctx, orgID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && identity.VerifiedAt.IsZero()) {
		return VerifyResult{Reason: ReasonNotVerified}, nil
	}
	if err != nil {
		return VerifyResult{}, fmt.Errorf("load identity: %w", err)
	}

	// Best-effort usage accounting; a lost race is harmless.
	updated := binding
	updated.UsageCount++
	if err := s.identities.PutBinding(ctx, updated, binding.Version); err != nil && !errors.Is(err, store.ErrConflict) {
		s.log.WarnContext(ctx, "usage count update failed", "org_id", orgID, "error", err)
	}

	return VerifyResult{Valid: true, Binding: &binding}, nil
}

// RotateNonce atomically revokes the current binding and creates a new one
// chained to it. Rotation of a revoked binding fails.
func (s *Service) RotateNonce(ctx context.Context, orgID, newPublicKey, reason string) (contracts.NonceBinding, error) {
	if !publicKeyRe.MatchString(newPublicKey) {
		return contracts.NonceBinding{}, fmt.Errorf("%w: must be hex of at least 32 chars", ErrInvalidPublicKey)
	}
	current, err := s.identities.GetBinding(ctx, orgID)
	if errors.Is(err, store.ErrNotFound) {
		return contracts.NonceBinding{}, store.ErrNotFound
	}
	if err != nil {
		return contracts.NonceBinding{}, fmt.Errorf("load binding: %w", err)
	}
	if current.Revoked {
		return contracts.NonceBinding{}, ErrBindingRevoked
	}

	now := s.clock.Now().UTC()
	revoked := current
	revoked.Revoked = true
	revoked.RevocationReason = reason
	revoked.RevokedAt = now
	if err := s.identities.PutBinding(ctx, revoked, current.Version); err != nil {
		return contracts.NonceBinding{}, fmt.Errorf("revoke current binding: %w", err)
	}

	nonce, err := generateNonce()
	if err != nil {
		s.rollback(ctx, current, revoked.Version+1)
		return contracts.NonceBinding{}, err
	}
	next := contracts.NonceBinding{
		Nonce:         nonce,
		OrgID:         orgID,
		PublicKey:     newPublicKey,
		Signature:     bindingSignature(nonce, orgID, newPublicKey),
		BoundAt:       now,
		PreviousNonce: current.Nonce,
	}
	if err := s.identities.PutBinding(ctx, next, revoked.Version+1); err != nil {
		s.rollback(ctx, current, revoked.Version+1)
		return contracts.NonceBinding{}, fmt.Errorf("store rotated binding: %w", err)
	}

	identity, err := s.identities.GetIdentity(ctx, orgID)
	if err == nil {
		identity.BoundNonce = nonce
		if err := s.identities.PutIdentity(ctx, identity); err != nil {
			s.log.WarnContext(ctx, "identity update after rotation failed", "org_id", orgID, "error", err)
		}
	}
	s.log.InfoContext(ctx, "nonce rotated", "org_id", orgID, "reason", reason)
	return next, nil
}

// rollback restores the pre-rotation binding after a partial rotation so the
// operation is all-or-nothing from the caller's view.
func (s *Service) rollback(ctx context.Context, original contracts.NonceBinding, atVersion int64) {
	restored := original
	if err := s.identities.PutBinding(ctx, restored, atVersion); err != nil {
		s.log.ErrorContext(ctx, "rotation rollback failed", "org_id", original.OrgID, "error", err)
	}
}

// RevokeBinding marks the current binding revoked with timestamp and reason.
func (s *Service) RevokeBinding(ctx context.Context, orgID, reason string) error {
	current, err := s.identities.GetBinding(ctx, orgID)
	if err != nil {
		return fmt.Errorf("load binding: %w", err)
	}
	if current.Revoked {
		return ErrBindingRevoked
	}
	current.Revoked = true
	current.RevocationReason = reason
	current.RevokedAt = s.clock.Now().UTC()
	if err := s.identities.PutBinding(ctx, current, current.Version); err != nil {
		return fmt.Errorf("revoke binding: %w", err)
	}
	s.log.InfoContext(ctx, "nonce revoked", "org_id", orgID, "reason", reason)
	return nil
}

// GetRotationHistory walks the previousNonce chain and returns bindings
// chronologically (oldest first). Depth is bounded and cycles terminate the
// walk so corrupt data cannot loop.
func (s *Service) GetRotationHistory(ctx context.Context, orgID string) ([]contracts.NonceBinding, error) {
	current, err := s.identities.GetBinding(ctx, orgID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load binding: %w", err)
	}

	seen := map[string]bool{current.Nonce: true}
	chain := []contracts.NonceBinding{current}
	for prev := current.PreviousNonce; prev != "" && len(chain) < maxRotationDepth; {
		if seen[prev] {
			s.log.WarnContext(ctx, "rotation chain cycle detected", "org_id", orgID)
			break
		}
		binding, err := s.identities.GetBindingByNonce(ctx, prev)
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("walk rotation chain: %w", err)
		}
		seen[prev] = true
		chain = append(chain, binding)
		prev = binding.PreviousNonce
	}

	// Reverse to chronological order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}
