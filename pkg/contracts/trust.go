package contracts

import "time"

// VerificationMethod is how an organization proved its identity.
type VerificationMethod string

const (
	VerifyGitHubOrg      VerificationMethod = "github_org"
	VerifyStripeCustomer VerificationMethod = "stripe_customer"
	VerifyManual         VerificationMethod = "manual"
)

// OrganizationIdentity is a verified organization eligible for federation.
type OrganizationIdentity struct {
	OrgID              string             `json:"org_id"`
	PublicKey          string             `json:"public_key"` // hex, >= 32 chars
	VerificationMethod VerificationMethod `json:"verification_method"`
	VerifiedAt         time.Time          `json:"verified_at"`
	BoundNonce         string             `json:"bound_nonce,omitempty"`
	GitHubOrgID        int64              `json:"github_org_id,omitempty"`
}

// NonceBinding associates a verified org with a single unique nonce.
// Invariant: at most one non-revoked binding per orgId at any instant.
type NonceBinding struct {
	Nonce            string    `json:"nonce"` // 32-byte hex
	OrgID            string    `json:"org_id"`
	PublicKey        string    `json:"public_key"`
	Signature        string    `json:"signature"` // SHA-256(nonce:orgId:publicKey)
	BoundAt          time.Time `json:"bound_at"`
	Revoked          bool      `json:"revoked"`
	RevocationReason string    `json:"revocation_reason,omitempty"`
	RevokedAt        time.Time `json:"revoked_at,omitzero"`
	PreviousNonce    string    `json:"previous_nonce,omitempty"` // rotation chain
	UsageCount       int64     `json:"usage_count"`
	// Version supports compare-and-set during rotation.
	Version int64 `json:"version"`
}

// StakeStatus is the lifecycle state of a stake pledge.
/// Transitions: active -> slashed, active -> withdrawn; never back to active.
type StakeStatus string

const (
	StakeActive    StakeStatus = "active"
	StakeSlashed   StakeStatus = "slashed"
	StakeWithdrawn StakeStatus = "withdrawn"
)

// StakePledge is an organization's economic commitment to honest reporting.
type StakePledge struct {
	OrgID       string      `json:"org_id"`
	AmountUSD   float64     `json:"amount_usd"`
	PledgedAt   time.Time   `json:"pledged_at"`
	Status      StakeStatus `json:"status"`
	SlashReason string      `json:"slash_reason,omitempty"`
}

// OrganizationReputation is the scored standing of one contributor.
type OrganizationReputation struct {
	OrgID             string      `json:"org_id"`
	ReputationScore   float64     `json:"reputation_score"` // [0,1]
	StakePledge       float64     `json:"stake_pledge"`     // USD
	ContributionCount int64       `json:"contribution_count"`
	FlaggedCount      int64       `json:"flagged_count"`
	ConsistencyScore  float64     `json:"consistency_score"` // [0,1]
	AgeScore          float64     `json:"age_score"`         // [0,1]
	VolumeScore       float64     `json:"volume_score"`      // [0,1]
	StakeStatus       StakeStatus `json:"stake_status"`
	LastUpdated       time.Time   `json:"last_updated"`
}

// ContributionRecord is one org's FP-rate submission against the consensus
// it was scored against.
type ContributionRecord struct {
	OrgID             string    `json:"org_id"`
	RuleID            string    `json:"rule_id"`
	ContributedFPRate float64   `json:"contributed_fp_rate"`
	ConsensusFPRate   float64   `json:"consensus_fp_rate"`
	Timestamp         time.Time `json:"timestamp"`
	EventCount        int       `json:"event_count"`
	Deviation         float64   `json:"deviation"`
	ConsistencyScore  float64   `json:"consistency_score"`
}

// NonceConfig is one loaded redaction-nonce version. Versions may coexist
// transiently during rotation.
type NonceConfig struct {
	Value    string    `json:"-"` // never serialized or logged
	LoadedAt time.Time `json:"loaded_at"`
	Source   string    `json:"source"`
	Version  int       `json:"version"`
}

// ConsentRecord grants data-sharing consent at a resource scope.
type ConsentRecord struct {
	OrgIDHash string    `json:"org_id_hash"`
	RepoID    string    `json:"repo_id,omitempty"`
	Scope     string    `json:"scope"`
	GrantedBy string    `json:"granted_by"` // hashed
	GrantedAt time.Time `json:"granted_at"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	Revoked   bool      `json:"revoked"`
}

// Valid reports whether the consent is in force at the given instant.
func (c ConsentRecord) Valid(now time.Time) bool {
	if c.Revoked {
		return false
	}
	if !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt) {
		return false
	}
	return true
}
