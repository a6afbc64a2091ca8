// Package secrets loads the versioned HMAC nonces that key report redaction.
//
// Nonces are named with a "_v<N>" suffix; the loader selects versions by
// parsing the numeric suffix and sorting descending, so GetNonces always
// returns newest first. Multiple versions coexist during rotation to give
// verifiers a grace period.
//
// Nonce values never appear in logs or serialized output; callers reference
// them by version only.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/MultiplicityFoundation/phase-mirror/pkg/contracts"
)

var (
	// ErrSecretUnavailable means no nonce version could be loaded. The
	// oracle fails closed on this.
	ErrSecretUnavailable = errors.New("secret unavailable")
	// ErrMalformedSecret means a loaded nonce is not valid hex of at least
	// 32 characters.
	ErrMalformedSecret = errors.New("malformed secret")
	// ErrRotationFailed means the rotation write did not complete.
	ErrRotationFailed = errors.New("rotation failed")
)

// NonceParamName is the base parameter name; versions append "_v<N>".
const NonceParamName = "redaction_nonce"

var (
	versionSuffixRe = regexp.MustCompile(`_v(\d+)$`)
	hexRe           = regexp.MustCompile(`^[0-9a-fA-F]{32,}$`)
)

// ParseVersionSuffix extracts N from a "..._v<N>" name. Returns false when
// the name carries no version suffix.
func ParseVersionSuffix(name string) (int, bool) {
	m := versionSuffixRe.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// ValidateNonceValue checks the hex-and-length contract shared by every
// realization.
func ValidateNonceValue(value string) error {
	if !hexRe.MatchString(value) {
		return fmt.Errorf("%w: nonce must be hex of at least 32 chars", ErrMalformedSecret)
	}
	return nil
}

// Store is the secret-store adapter. Implementations: FileSecretStore
// (local) and SSMSecretStore (parameter store).
type Store interface {
	// GetNonce returns the current (highest-version) nonce.
	GetNonce(ctx context.Context) (contracts.NonceConfig, error)
	// GetNonces returns all loaded nonce versions, newest first.
	GetNonces(ctx context.Context) ([]contracts.NonceConfig, error)
	// RotateNonce writes newValue as the next version. Rotating to the
	// value the current version already holds is a no-op, so retries are
	// idempotent.
	RotateNonce(ctx context.Context, newValue string) error
}
