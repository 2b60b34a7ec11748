// Package gazmodels holds the data types shared across the gateway's
// pipeline stages: identities, signed requests, analysis verdicts,
// behavioral profiles, policy rules, and challenges.
package gazmodels

import "time"

// Permissions scopes what an agent is allowed to do.
type Permissions struct {
	AllowedEndpoints     []string `json:"allowed_endpoints"`
	DeniedEndpoints      []string `json:"denied_endpoints"`
	MaxRequestsPerMinute int      `json:"max_requests_per_minute"`
	MaxPayloadSize       int64    `json:"max_payload_size"`
	AllowedMethods       []string `json:"allowed_methods"`
	SensitiveDataAccess  bool     `json:"sensitive_data_access"`
}

// DefaultPermissions matches the defaults RegisterAgent assigns per spec §4.1.
func DefaultPermissions() Permissions {
	return Permissions{
		AllowedEndpoints:     []string{"*"},
		DeniedEndpoints:      nil,
		MaxRequestsPerMinute: 60,
		MaxPayloadSize:       1 << 20, // 1 MiB
		AllowedMethods:       []string{"GET", "POST"},
		SensitiveDataAccess:  false,
	}
}

// RateLimit is the per-identity request window stored with an
// AgentIdentity. The Pipeline's rate_limit path does not read it: it
// counts against the matched rule's maxRequests/windowSeconds params.
type RateLimit struct {
	WindowMs    int64 `json:"window_ms"`
	MaxRequests int   `json:"max_requests"`
}

// DefaultRateLimit is the RateLimit RegisterAgent assigns to a new identity.
func DefaultRateLimit() RateLimit {
	return RateLimit{WindowMs: 60_000, MaxRequests: 60}
}

// AgentIdentity is the registered principal behind every signed request.
type AgentIdentity struct {
	ID           string      `json:"id"`
	PublicKey    string      `json:"public_key"` // standard base64 encoding of the Ed25519 key
	Fingerprint  string      `json:"fingerprint"` // hex SHA-256 of the public key bytes
	RegisteredAt time.Time   `json:"registered_at"`
	LastSeen     time.Time   `json:"last_seen"`
	Reputation   float64     `json:"reputation"` // clamped to [0,100]; fractional drift accumulates between integer reads
	Permissions  Permissions `json:"permissions"`
	RateLimit    RateLimit   `json:"rate_limit"`
}

// ReputationDelta is one entry in an identity's bounded audit history.
type ReputationDelta struct {
	Timestamp time.Time `json:"ts"`
	Old       float64   `json:"old"`
	New       float64   `json:"new"`
	Delta     float64   `json:"delta"`
	Reason    string    `json:"reason"`
	// PrevHash/Hash chain the entry to its predecessor (hex SHA-256), making
	// retroactive edits to the bounded KV list detectable.
	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
}

// ReputationBucket is the coarse partition used to segment the analysis
// cache and to drive PolicyEngine/IntentAnalyzer thresholds.
type ReputationBucket string

const (
	BucketTrusted   ReputationBucket = "trusted"
	BucketHigh      ReputationBucket = "high"
	BucketMedium    ReputationBucket = "medium"
	BucketLow       ReputationBucket = "low"
	BucketUntrusted ReputationBucket = "untrusted"
)

// Bucket classifies a reputation score per spec §4.4/GLOSSARY thresholds.
func Bucket(reputation float64) ReputationBucket {
	switch {
	case reputation >= 90:
		return BucketTrusted
	case reputation >= 70:
		return BucketHigh
	case reputation >= 50:
		return BucketMedium
	case reputation >= 30:
		return BucketLow
	default:
		return BucketUntrusted
	}
}
