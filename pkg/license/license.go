// Package license validates the signed entitlement tokens gating Tier-B
// rules.
package license

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MultiplicityFoundation/phase-mirror/pkg/contracts"
)

var (
	ErrInvalidLicense = errors.New("invalid license token")
	ErrExpiredLicense = errors.New("license expired")
)

// Claims is the JWT payload of a license token.
type Claims struct {
	Tier     string   `json:"tier"`
	Features []string `json:"features"`
	jwt.RegisteredClaims
}

// Validator parses and verifies license tokens with a shared HMAC key.
type Validator struct {
	key []byte
}

func NewValidator(key []byte) *Validator {
	return &Validator{key: key}
}

// Parse verifies the token signature and expiry and maps it to the
// entitlement shape the engine consumes.
func (v *Validator) Parse(token string, now time.Time) (*contracts.License, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Header["alg"])
		}
		return v.key, nil
	}, jwt.WithTimeFunc(func() time.Time { return now }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredLicense
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidLicense, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidLicense
	}
	if claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: missing expiry", ErrInvalidLicense)
	}
	return &contracts.License{
		Tier:      claims.Tier,
		Features:  claims.Features,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Issue signs a license token; used by the operator tooling and tests.
func (v *Validator) Issue(tier string, features []string, expiresAt time.Time) (string, error) {
	claims := Claims{
		Tier:     tier,
		Features: features,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "guardian",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.key)
	if err != nil {
		return "", fmt.Errorf("sign license: %w", err)
	}
	return signed, nil
}
