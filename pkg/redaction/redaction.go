// Package redaction computes and checks integrity tags over the redacted
// fields of a dissonance report.
//
// The tag is HMAC-SHA256, keyed by the current redaction nonce, over the
// RFC 8785 canonical JSON of the redacted finding set (rule ids, titles and
// evidence paths only). During nonce rotation several versions are live at
// once; verification accepts a tag if ANY loaded version verifies it, which
// gives reports signed before the rotation a grace period.
package redaction

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/gowebpki/jcs"

	"github.com/MultiplicityFoundation/phase-mirror/pkg/contracts"
	"github.com/MultiplicityFoundation/phase-mirror/pkg/secrets"
)

// ErrUnknownVersion means no loaded nonce version verified the tag; either
// the tag is forged or its nonce version has been deleted.
var ErrUnknownVersion = errors.New("unknown-version")

// redactedFinding is the canonical subset of a finding covered by the tag.
type redactedFinding struct {
	RuleID        string   `json:"rule_id"`
	Title         string   `json:"title"`
	EvidencePaths []string `json:"evidence_paths"`
}

// Canonical returns the RFC 8785 canonical JSON of the redacted finding set.
// Findings are ordered by (ruleId, title) so the bytes are independent of
// rule execution order.
func Canonical(findings []contracts.Finding) ([]byte, error) {
	redacted := make([]redactedFinding, 0, len(findings))
	for _, f := range findings {
		paths := make([]string, 0, len(f.Evidence))
		for _, ev := range f.Evidence {
			paths = append(paths, ev.Path)
		}
		sort.Strings(paths)
		redacted = append(redacted, redactedFinding{
			RuleID:        f.RuleID,
			Title:         f.Title,
			EvidencePaths: paths,
		})
	}
	sort.Slice(redacted, func(i, j int) bool {
		if redacted[i].RuleID != redacted[j].RuleID {
			return redacted[i].RuleID < redacted[j].RuleID
		}
		return redacted[i].Title < redacted[j].Title
	})
	raw, err := json.Marshal(redacted)
	if err != nil {
		return nil, fmt.Errorf("marshal redacted findings: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize redacted findings: %w", err)
	}
	return canonical, nil
}

// ComputeTag returns the hex HMAC-SHA256 tag of the finding set under the
// given nonce.
func ComputeTag(nonce contracts.NonceConfig, findings []contracts.Finding) (string, error) {
	canonical, err := Canonical(findings)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(nonce.Value))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Service tags and verifies reports against the secret store's live nonce
// versions.
type Service struct {
	store secrets.Store
}

// NewService builds a redaction service over the secret store.
func NewService(store secrets.Store) *Service {
	return &Service{store: store}
}

// Tag computes the tag under the current nonce and returns the nonce
// version used.
func (s *Service) Tag(ctx context.Context, findings []contracts.Finding) (tag string, version int, err error) {
	nonce, err := s.store.GetNonce(ctx)
	if err != nil {
		return "", 0, err
	}
	tag, err = ComputeTag(nonce, findings)
	if err != nil {
		return "", 0, err
	}
	return tag, nonce.Version, nil
}

// Verify checks the tag against every loaded nonce version, newest first.
// It returns the version that verified, or ErrUnknownVersion.
func (s *Service) Verify(ctx context.Context, findings []contracts.Finding, tag string) (int, error) {
	nonces, err := s.store.GetNonces(ctx)
	if err != nil {
		return 0, err
	}
	want, err := hex.DecodeString(tag)
	if err != nil {
		return 0, fmt.Errorf("%w: tag is not hex", ErrUnknownVersion)
	}
	canonical, err := Canonical(findings)
	if err != nil {
		return 0, err
	}
	for _, nonce := range nonces {
		mac := hmac.New(sha256.New, []byte(nonce.Value))
		mac.Write(canonical)
		if hmac.Equal(mac.Sum(nil), want) {
			return nonce.Version, nil
		}
	}
	return 0, ErrUnknownVersion
}
