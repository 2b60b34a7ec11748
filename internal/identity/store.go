// Package identity owns CRUD and atomic reputation updates for
// AgentIdentity, backed by the KV store as the hot-path authority and
// mirrored into identitydb as the durable system of record. Grounded in
// the teacher's internal/security replay/rate-limit key-prefix
// conventions and its internal/recovery retry-loop shape, generalized
// from IP/KID bookkeeping to full identity lifecycle management.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jamie-anson/gazorpazorp/internal/apperrors"
	"github.com/jamie-anson/gazorpazorp/internal/kv"
	"github.com/jamie-anson/gazorpazorp/pkg/agentcrypto"
	"github.com/jamie-anson/gazorpazorp/pkg/gazmodels"
)

const (
	identityTTL   = 365 * 24 * time.Hour
	auditCap      = 100
	maxCASRetries = 50
)

// ErrNotFound is returned when no identity is registered for a
// fingerprint.
var ErrNotFound = errors.New("identity: agent not found")

func identityKey(fingerprint string) string { return "agent:identity:" + fingerprint }
func auditKey(fingerprint string) string    { return "agent:reputation_log:" + fingerprint }

// Repo is the durable counterpart an identity Store mirrors writes
// into. Satisfied by *identitydb.IdentityRepo; accepting the interface
// lets tests run without a Postgres instance by passing nil.
type Repo interface {
	UpsertAgent(ctx context.Context, a *gazmodels.AgentIdentity) error
	RecordReputationDelta(ctx context.Context, agentID string, d gazmodels.ReputationDelta) error
}

// Store is the IdentityStore component from spec §4.2: CRUD plus an
// atomic reputation update that never loses concurrent increments.
type Store struct {
	kv     kv.Store
	repo   Repo
	logger zerolog.Logger
}

// NewStore wires a KV store and an optional durable repo (pass nil to
// run Redis-only, e.g. in tests).
func NewStore(store kv.Store, repo Repo, logger zerolog.Logger) *Store {
	return &Store{kv: store, repo: repo, logger: logger.With().Str("component", "identity").Logger()}
}

// RegisterAgent validates the key format, assigns a fresh id, and
// persists an identity with the spec-mandated defaults.
func (s *Store) RegisterAgent(ctx context.Context, publicKeyEncoded string, perms *gazmodels.Permissions) (*gazmodels.AgentIdentity, error) {
	pub, err := agentcrypto.DecodePublicKey(publicKeyEncoded)
	if err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("invalid public key: %v", err))
	}
	fingerprint := agentcrypto.Fingerprint(pub)

	if _, ok, _ := s.getRaw(ctx, fingerprint); ok {
		return nil, apperrors.New(apperrors.ConflictError, "agent already registered for this public key")
	}

	id, err := randomAgentID()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.InternalError, "generate agent id")
	}

	effectivePerms := gazmodels.DefaultPermissions()
	if perms != nil {
		effectivePerms = *perms
	}

	now := time.Now().UTC()
	a := &gazmodels.AgentIdentity{
		ID:           id,
		PublicKey:    publicKeyEncoded,
		Fingerprint:  fingerprint,
		RegisteredAt: now,
		LastSeen:     now,
		Reputation:   50,
		Permissions:  effectivePerms,
		RateLimit:    gazmodels.DefaultRateLimit(),
	}

	if err := s.write(ctx, a); err != nil {
		return nil, err
	}
	s.mirror(ctx, a)
	return a, nil
}

// GetByFingerprint loads an identity by its public-key fingerprint, the
// primary lookup key per the GLOSSARY.
func (s *Store) GetByFingerprint(ctx context.Context, fingerprint string) (*gazmodels.AgentIdentity, error) {
	a, ok, err := s.getRaw(ctx, fingerprint)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.DatabaseError, "load identity")
	}
	if !ok {
		return nil, ErrNotFound
	}
	return a, nil
}

// UpdateReputation applies delta to the agent's reputation atomically,
// clamping to [0,100], and appends a hash-chained entry to the bounded
// audit list. Safe under concurrent callers: a compare-and-swap loop
// against the raw JSON blob, executed server-side in a single Lua
// script so the read-current/write-new/append-audit sequence for one
// attempt can never interleave with another writer's.
func (s *Store) UpdateReputation(ctx context.Context, fingerprint string, delta float64, reason string) (*gazmodels.AgentIdentity, error) {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		currentRaw, ok, err := s.kv.Get(ctx, identityKey(fingerprint))
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.DatabaseError, "load identity for update")
		}
		if !ok {
			return nil, ErrNotFound
		}

		var a gazmodels.AgentIdentity
		if err := json.Unmarshal(currentRaw, &a); err != nil {
			return nil, apperrors.Wrap(err, apperrors.InternalError, "decode identity")
		}

		old := a.Reputation
		newVal := old + delta
		if newVal < 0 {
			newVal = 0
		}
		if newVal > 100 {
			newVal = 100
		}
		a.Reputation = newVal
		a.LastSeen = time.Now().UTC()

		newRaw, err := json.Marshal(&a)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.InternalError, "encode identity")
		}

		prevHash, err := s.lastAuditHash(ctx, fingerprint)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.DatabaseError, "load audit chain tail")
		}
		entry := gazmodels.ReputationDelta{
			Timestamp: a.LastSeen,
			Old:       old,
			New:       newVal,
			Delta:     newVal - old,
			Reason:    reason,
			PrevHash:  prevHash,
		}
		entry.Hash = chainHash(prevHash, entry)
		entryRaw, err := json.Marshal(&entry)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.InternalError, "encode audit entry")
		}

		res, err := s.kv.RunAtomic(ctx, casAppendScript,
			[]string{identityKey(fingerprint), auditKey(fingerprint)},
			string(currentRaw), string(newRaw), int64(identityTTL.Seconds()), string(entryRaw), int64(auditCap),
		)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.DatabaseError, "run reputation cas script")
		}
		if casSucceeded(res) {
			s.mirror(ctx, &a)
			if s.repo != nil {
				if err := s.repo.RecordReputationDelta(ctx, a.ID, entry); err != nil {
					s.logger.Warn().Err(err).Str("agent_id", a.ID).Msg("failed to mirror reputation delta to durable store")
				}
			}
			return &a, nil
		}
		// Lost the race: another writer updated the identity between our
		// Get and the script's compare. Retry with fresh state.
	}
	return nil, apperrors.New(apperrors.ConflictError, "reputation update lost the race too many times")
}

// SetPermissions replaces an agent's Permissions wholesale. Used by the
// admin CLI to tighten or relax a misbehaving or newly-trusted agent
// without forcing it through re-registration.
func (s *Store) SetPermissions(ctx context.Context, fingerprint string, perms gazmodels.Permissions) (*gazmodels.AgentIdentity, error) {
	a, ok, err := s.getRaw(ctx, fingerprint)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.DatabaseError, "load identity for permission update")
	}
	if !ok {
		return nil, ErrNotFound
	}
	a.Permissions = perms
	a.LastSeen = time.Now().UTC()
	if err := s.write(ctx, a); err != nil {
		return nil, err
	}
	s.mirror(ctx, a)
	return a, nil
}

// RotateKey re-keys an agent in place: the identity keeps its ID,
// reputation, and permissions, but is re-indexed under the fingerprint
// of newPublicKeyEncoded and the old fingerprint's record is deleted.
// Used by the admin CLI when an operator's signing key is compromised
// or due for routine rotation.
func (s *Store) RotateKey(ctx context.Context, oldFingerprint, newPublicKeyEncoded string) (*gazmodels.AgentIdentity, error) {
	a, ok, err := s.getRaw(ctx, oldFingerprint)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.DatabaseError, "load identity for key rotation")
	}
	if !ok {
		return nil, ErrNotFound
	}

	newPub, err := agentcrypto.DecodePublicKey(newPublicKeyEncoded)
	if err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("invalid public key: %v", err))
	}
	newFingerprint := agentcrypto.Fingerprint(newPub)
	if _, exists, _ := s.getRaw(ctx, newFingerprint); exists {
		return nil, apperrors.New(apperrors.ConflictError, "an agent is already registered for the new public key")
	}

	a.PublicKey = newPublicKeyEncoded
	a.Fingerprint = newFingerprint
	a.LastSeen = time.Now().UTC()

	if err := s.write(ctx, a); err != nil {
		return nil, err
	}
	if err := s.kv.Delete(ctx, identityKey(oldFingerprint)); err != nil {
		s.logger.Warn().Err(err).Str("agent_id", a.ID).Msg("failed to remove stale identity key after rotation")
	}
	s.mirror(ctx, a)
	return a, nil
}

// GetReputationHistory returns the bounded, hash-chained audit entries
// for an agent, oldest first.
func (s *Store) GetReputationHistory(ctx context.Context, fingerprint string) ([]gazmodels.ReputationDelta, error) {
	raws, err := s.kv.ListRange(ctx, auditKey(fingerprint), 0, -1)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.DatabaseError, "load reputation history")
	}
	out := make([]gazmodels.ReputationDelta, 0, len(raws))
	for _, raw := range raws {
		var d gazmodels.ReputationDelta
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, apperrors.Wrap(err, apperrors.InternalError, "decode audit entry")
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *Store) getRaw(ctx context.Context, fingerprint string) (*gazmodels.AgentIdentity, bool, error) {
	raw, ok, err := s.kv.Get(ctx, identityKey(fingerprint))
	if err != nil || !ok {
		return nil, ok, err
	}
	var a gazmodels.AgentIdentity
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, false, fmt.Errorf("identity: decode: %w", err)
	}
	return &a, true, nil
}

func (s *Store) write(ctx context.Context, a *gazmodels.AgentIdentity) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return apperrors.Wrap(err, apperrors.InternalError, "encode identity")
	}
	if err := s.kv.Set(ctx, identityKey(a.Fingerprint), raw, identityTTL); err != nil {
		return apperrors.Wrap(err, apperrors.DatabaseError, "persist identity")
	}
	return nil
}

func (s *Store) mirror(ctx context.Context, a *gazmodels.AgentIdentity) {
	if s.repo == nil {
		return
	}
	if err := s.repo.UpsertAgent(ctx, a); err != nil {
		s.logger.Warn().Err(err).Str("agent_id", a.ID).Msg("failed to mirror identity to durable store")
	}
}

func (s *Store) lastAuditHash(ctx context.Context, fingerprint string) (string, error) {
	raws, err := s.kv.ListRange(ctx, auditKey(fingerprint), -1, -1)
	if err != nil {
		return "", err
	}
	if len(raws) == 0 {
		return "", nil
	}
	var d gazmodels.ReputationDelta
	if err := json.Unmarshal(raws[0], &d); err != nil {
		return "", err
	}
	return d.Hash, nil
}

func chainHash(prevHash string, d gazmodels.ReputationDelta) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%f|%f|%f|%s",
		prevHash, d.Timestamp.Format(time.RFC3339Nano), d.Old, d.New, d.Delta, d.Reason)))
	return hex.EncodeToString(sum[:])
}

func randomAgentID() (string, error) {
	buf := make([]byte, 16) // 128 bits
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "agent_" + hex.EncodeToString(buf), nil
}

// casAppendScript performs the single atomic step spec §4.2 requires:
// write the new identity only if it still matches what the caller read
// (compare-and-swap), then append and trim the audit list. A mismatch
// means a concurrent writer won the race first; the caller retries with
// fresh state.
const casAppendScript = `
local current = redis.call('GET', KEYS[1])
if current ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'EX', ARGV[3])
redis.call('RPUSH', KEYS[2], ARGV[4])
redis.call('LTRIM', KEYS[2], -tonumber(ARGV[5]), -1)
return 1
`

func casSucceeded(res interface{}) bool {
	switch v := res.(type) {
	case int64:
		return v == 1
	case int:
		return v == 1
	default:
		return false
	}
}
