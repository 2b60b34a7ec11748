// Package cryptoverify performs the gateway's per-request identity
// check: timestamp freshness, nonce replay guard, agent lookup, and
// Ed25519 signature verification, in the exact fail-fast order spec §4.1
// requires. Grounded in the teacher's internal/security.ReplayProtection
// (nonce SetNX idiom) and ValidateTimestampWithReason (skew/age check),
// generalized from bearer-token auth to agent-signed-request auth, and
// wired to pkg/agentcrypto for the actual signature check.
package cryptoverify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jamie-anson/gazorpazorp/internal/apperrors"
	"github.com/jamie-anson/gazorpazorp/internal/identity"
	"github.com/jamie-anson/gazorpazorp/internal/kv"
	"github.com/jamie-anson/gazorpazorp/pkg/agentcrypto"
	"github.com/jamie-anson/gazorpazorp/pkg/gazmodels"
)

const (
	maxClockSkew = 30 * time.Second
	nonceTTL     = 60 * time.Second

	reasonBadSignature = "invalid signature"
	reasonTrustDrift   = "signature verified"
)

// Verifier is the CryptoVerifier component from spec §4.1.
type Verifier struct {
	kv       kv.Store
	identity *identity.Store
	logger   zerolog.Logger
}

// New wires a Verifier to the KV store (for the nonce guard) and the
// IdentityStore (for agent lookup and reputation adjustment).
func New(store kv.Store, identities *identity.Store, logger zerolog.Logger) *Verifier {
	return &Verifier{kv: store, identity: identities, logger: logger.With().Str("component", "cryptoverify").Logger()}
}

// Verify checks rawPayload (the exact bytes decoded from the inbound
// X-Signed-Payload header — never re-encoded) against signatureHex and
// publicKeyEncoded, in the five ordered steps spec §4.1 defines. On
// success it returns the agent identity with its post-verification
// reputation already applied.
func (v *Verifier) Verify(ctx context.Context, rawPayload []byte, signatureHex, publicKeyEncoded string) (*gazmodels.AgentIdentity, *gazmodels.SignedRequest, error) {
	var payload gazmodels.SignedRequest
	if err := json.Unmarshal(rawPayload, &payload); err != nil {
		return nil, nil, apperrors.NewValidationError(fmt.Sprintf("malformed signed payload: %v", err))
	}

	// 1. Timestamp freshness.
	ts := time.UnixMilli(payload.Timestamp)
	if age := time.Since(ts); age > maxClockSkew || age < -maxClockSkew {
		return nil, nil, apperrors.New(apperrors.SignatureError, "expired").WithCode("expired")
	}

	pub, err := agentcrypto.DecodePublicKey(publicKeyEncoded)
	if err != nil {
		return nil, nil, apperrors.NewValidationError(fmt.Sprintf("invalid public key: %v", err))
	}
	fingerprint := agentcrypto.Fingerprint(pub)

	// 2. Nonce replay guard — consumed before signature verification.
	// Intentional per spec §4.1: a valid signature replayed with the
	// same nonce is blocked unconditionally, and an invalid request
	// wastes only a cheap KV op.
	nonceKey := fmt.Sprintf("nonce:%s:%s", fingerprint, payload.Nonce)
	absent, err := v.kv.SetIfAbsent(ctx, nonceKey, []byte("1"), nonceTTL)
	if err != nil {
		return nil, nil, apperrors.Wrap(err, apperrors.DatabaseError, "nonce guard")
	}
	if !absent {
		return nil, nil, apperrors.NewReplayError(payload.Nonce).WithCode("replay")
	}

	// 3. Agent lookup.
	agent, err := v.identity.GetByFingerprint(ctx, fingerprint)
	if err != nil {
		return nil, nil, apperrors.New(apperrors.SignatureError, "unknown agent").WithCode("unknown_agent")
	}

	// 4. Signature verification, over the raw bytes as received.
	if err := agentcrypto.Verify(rawPayload, signatureHex, pub); err != nil {
		if _, repErr := v.identity.UpdateReputation(ctx, fingerprint, -5, reasonBadSignature); repErr != nil {
			v.logger.Warn().Err(repErr).Str("fingerprint", fingerprint).Msg("failed to record reputation penalty for bad signature")
		}
		return nil, nil, apperrors.New(apperrors.SignatureError, "invalid signature").WithCode("invalid_signature")
	}

	// 5. Success: trust drift.
	updated, err := v.identity.UpdateReputation(ctx, fingerprint, 0.1, reasonTrustDrift)
	if err != nil {
		v.logger.Warn().Err(err).Str("fingerprint", fingerprint).Msg("failed to record trust drift")
		return agent, &payload, nil
	}
	return updated, &payload, nil
}

// RegisterAgent delegates to the IdentityStore, which owns the actual
// defaults and persistence per spec §4.2.
func (v *Verifier) RegisterAgent(ctx context.Context, publicKeyEncoded string, perms *gazmodels.Permissions) (*gazmodels.AgentIdentity, error) {
	return v.identity.RegisterAgent(ctx, publicKeyEncoded, perms)
}
