// Package challenge implements the ChallengeService: issues an
// escalation (proof-of-work, signature-refresh, or rate-delay) when the
// PolicyEngine returns a challenge decision, and verifies the client's
// solution. Grounded in the teacher's internal/security nonce/TTL idiom
// (also the basis for internal/cryptoverify's replay guard) generalized
// from a one-shot replay check into a stateful, typed challenge record.
package challenge

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jamie-anson/gazorpazorp/internal/apperrors"
	"github.com/jamie-anson/gazorpazorp/internal/identity"
	"github.com/jamie-anson/gazorpazorp/internal/kv"
	"github.com/jamie-anson/gazorpazorp/pkg/agentcrypto"
	"github.com/jamie-anson/gazorpazorp/pkg/gazmodels"
)

const (
	challengeTTL       = 5 * time.Minute
	completedGrace     = 60 * time.Second
	maxPendingPerAgent = 5
	shortCircuitRisk   = 30
	// pendingCountWindow is the challenges:count:<agentId> TTL spec §6 fixes.
	pendingCountWindow = 3600 * time.Second
)

func challengeKey(id string) string        { return "challenge:" + id }
func pendingCountKey(agentID string) string { return "challenges:count:" + agentID }

// ErrTooManyPending is returned when an agent already has maxPendingPerAgent
// outstanding challenges.
var ErrTooManyPending = apperrors.New(apperrors.RateLimitError, "too many pending challenges")

// ErrNotFound is returned when a challenge id is unknown or expired.
var ErrNotFound = apperrors.New(apperrors.NotFoundError, "challenge not found")

// Service is the ChallengeService component from spec §4.7.
type Service struct {
	kv       kv.Store
	identity *identity.Store
	logger   zerolog.Logger
}

// New wires a Service to the shared KV store. identities is used only
// by the signature_refresh verification path, which must re-enter
// cryptographic verification rather than check substring containment.
func New(store kv.Store, identities *identity.Store, logger zerolog.Logger) *Service {
	return &Service{kv: store, identity: identities, logger: logger.With().Str("component", "challenge").Logger()}
}

// Issue creates and persists a new challenge for agentID sized to risk,
// per the type-selection and difficulty rules in spec §4.7.
func (s *Service) Issue(ctx context.Context, agentID string, risk float64) (*gazmodels.Challenge, error) {
	count, err := s.kv.Incr(ctx, pendingCountKey(agentID), pendingCountWindow)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.DatabaseError, "increment pending challenge count")
	}
	if count > maxPendingPerAgent {
		return nil, ErrTooManyPending
	}

	now := time.Now().UTC()
	c := &gazmodels.Challenge{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Type:      challengeTypeFor(risk),
		CreatedAt: now.UnixMilli(),
		ExpiresAt: now.Add(challengeTTL).UnixMilli(),
		Completed: false,
	}

	switch c.Type {
	case gazmodels.ChallengeProofOfWork:
		c.Difficulty = difficultyFor(risk)
		nonce, err := randomID()
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.InternalError, "generate challenge nonce")
		}
		c.Nonce = nonce
	case gazmodels.ChallengeSignatureRefresh:
		nonce, err := randomID()
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.InternalError, "generate challenge nonce")
		}
		c.Nonce = nonce
	}

	if err := s.save(ctx, c, challengeTTL); err != nil {
		return nil, err
	}
	return c, nil
}

// challengeTypeFor implements spec §4.7's type-selection table.
func challengeTypeFor(risk float64) gazmodels.ChallengeType {
	switch {
	case risk >= 80:
		return gazmodels.ChallengeProofOfWork
	case risk >= 60:
		return gazmodels.ChallengeSignatureRefresh
	default:
		return gazmodels.ChallengeRateDelay
	}
}

// difficultyFor implements clamp(floor(risk/20), 2, 5).
func difficultyFor(risk float64) int {
	d := int(risk / 20)
	if d < 2 {
		return 2
	}
	if d > 5 {
		return 5
	}
	return d
}

// VerifyResult carries the outcome of a verify attempt.
type VerifyResult struct {
	Verified bool
	Error    string
}

// Verify checks solution against the stored challenge and, on success,
// marks it completed and extends its TTL to completedGrace so a
// follow-up request carrying X-Challenge-Id can short-circuit semantic
// scrutiny via ShortCircuitRisk.
func (s *Service) Verify(ctx context.Context, challengeID, solution string) (*VerifyResult, error) {
	c, err := s.load(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if time.Now().UTC().UnixMilli() > c.ExpiresAt {
		return &VerifyResult{Verified: false, Error: "challenge expired"}, nil
	}

	var ok bool
	switch c.Type {
	case gazmodels.ChallengeProofOfWork:
		ok = verifyProofOfWork(challengeID, solution, c.Difficulty)
	case gazmodels.ChallengeSignatureRefresh:
		ok, err = s.verifySignatureRefresh(ctx, c, solution)
		if err != nil {
			return nil, err
		}
	case gazmodels.ChallengeRateDelay:
		ok = agentcrypto.ConstantTimeEqualHex(solution, challengeID)
	}

	if !ok {
		return &VerifyResult{Verified: false, Error: "solution did not satisfy challenge"}, nil
	}

	c.Completed = true
	if err := s.save(ctx, c, completedGrace); err != nil {
		return nil, err
	}
	return &VerifyResult{Verified: true}, nil
}

// verifyProofOfWork checks that SHA256(challengeId ‖ solution) starts
// with difficulty leading zero hex characters.
func verifyProofOfWork(challengeID, solution string, difficulty int) bool {
	sum := sha256.Sum256([]byte(challengeID + solution))
	hexSum := hex.EncodeToString(sum[:])
	if len(hexSum) < difficulty {
		return false
	}
	return hexSum[:difficulty] == strings.Repeat("0", difficulty)
}

// verifySignatureRefresh re-enters cryptographic verification rather
// than checking substring containment, per spec §4.7's explicit
// instruction to resolve that ambiguity this way at implementation time.
// solution is expected to be "<signatureHex>.<publicKeyEncoded>" signing
// the raw challenge nonce as the payload.
func (s *Service) verifySignatureRefresh(ctx context.Context, c *gazmodels.Challenge, solution string) (bool, error) {
	parts := strings.SplitN(solution, ".", 2)
	if len(parts) != 2 {
		return false, nil
	}
	signatureHex, publicKeyEncoded := parts[0], parts[1]

	pub, err := agentcrypto.DecodePublicKey(publicKeyEncoded)
	if err != nil {
		return false, nil
	}
	payload, err := agentcrypto.CanonicalJSON(c.Nonce)
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.InternalError, "canonicalize challenge nonce")
	}
	if err := agentcrypto.Verify(payload, signatureHex, pub); err != nil {
		return false, nil
	}

	fingerprint := agentcrypto.Fingerprint(pub)
	agent, err := s.identity.GetByFingerprint(ctx, fingerprint)
	if err != nil {
		return false, nil
	}
	return agent.ID == c.AgentID, nil
}

// ShortCircuitRisk is the risk score a completed, still-fresh challenge
// clamps the retried request to.
const ShortCircuitRisk = shortCircuitRisk

// IsCompletedAndFresh reports whether challengeID names a completed
// challenge the Pipeline can use to short-circuit semantic scrutiny.
func (s *Service) IsCompletedAndFresh(ctx context.Context, challengeID string) (bool, error) {
	c, err := s.load(ctx, challengeID)
	if err != nil {
		if err == ErrNotFound {
			return false, nil
		}
		return false, err
	}
	return c.Completed, nil
}

func (s *Service) load(ctx context.Context, id string) (*gazmodels.Challenge, error) {
	raw, ok, err := s.kv.Get(ctx, challengeKey(id))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.DatabaseError, "load challenge")
	}
	if !ok {
		return nil, ErrNotFound
	}
	var c gazmodels.Challenge
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, apperrors.Wrap(err, apperrors.InternalError, "decode challenge")
	}
	return &c, nil
}

func (s *Service) save(ctx context.Context, c *gazmodels.Challenge, ttl time.Duration) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return apperrors.Wrap(err, apperrors.InternalError, "encode challenge")
	}
	if err := s.kv.Set(ctx, challengeKey(c.ID), raw, ttl); err != nil {
		return apperrors.Wrap(err, apperrors.DatabaseError, "persist challenge")
	}
	return nil
}

func randomID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("challenge: generate random id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
