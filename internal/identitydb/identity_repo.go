package identitydb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jamie-anson/gazorpazorp/pkg/gazmodels"
)

// ErrAgentNotFound is returned when a lookup finds no matching agent row.
var ErrAgentNotFound = errors.New("identitydb: agent not found")

// IdentityRepo durably persists agent identities and their reputation
// history. internal/identity.Store is the hot-path authority backed by
// Redis; IdentityRepo is its system-of-record counterpart, written on
// registration and on every reputation change so history survives a KV
// flush.
type IdentityRepo struct {
	db querier
}

// NewIdentityRepo wraps a pgxpool.Pool (or any querier) for agent identities.
func NewIdentityRepo(db querier) *IdentityRepo {
	return &IdentityRepo{db: db}
}

// UpsertAgent inserts a new agent row or updates an existing one,
// keyed by agent ID.
func (r *IdentityRepo) UpsertAgent(ctx context.Context, a *gazmodels.AgentIdentity) error {
	perms, err := json.Marshal(a.Permissions)
	if err != nil {
		return fmt.Errorf("identitydb: marshal permissions: %w", err)
	}
	limits, err := json.Marshal(a.RateLimit)
	if err != nil {
		return fmt.Errorf("identitydb: marshal rate limit: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO agents (id, public_key, fingerprint, reputation, permissions, rate_limit, registered_at, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			public_key = EXCLUDED.public_key,
			fingerprint = EXCLUDED.fingerprint,
			reputation = EXCLUDED.reputation,
			permissions = EXCLUDED.permissions,
			rate_limit = EXCLUDED.rate_limit,
			last_seen = EXCLUDED.last_seen`,
		a.ID, a.PublicKey, a.Fingerprint, a.Reputation, perms, limits, a.RegisteredAt, a.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("identitydb: upsert agent: %w", err)
	}
	return nil
}

// GetAgent loads a single agent identity by ID.
func (r *IdentityRepo) GetAgent(ctx context.Context, agentID string) (*gazmodels.AgentIdentity, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, public_key, fingerprint, reputation, permissions, rate_limit, registered_at, last_seen
		FROM agents WHERE id = $1`, agentID)

	var a gazmodels.AgentIdentity
	var perms, limits []byte
	err := row.Scan(&a.ID, &a.PublicKey, &a.Fingerprint, &a.Reputation, &perms, &limits, &a.RegisteredAt, &a.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("identitydb: get agent: %w", err)
	}
	if err := json.Unmarshal(perms, &a.Permissions); err != nil {
		return nil, fmt.Errorf("identitydb: unmarshal permissions: %w", err)
	}
	if err := json.Unmarshal(limits, &a.RateLimit); err != nil {
		return nil, fmt.Errorf("identitydb: unmarshal rate limit: %w", err)
	}
	return &a, nil
}

// RecordReputationDelta appends one entry to the hash-chained
// reputation history for an agent.
func (r *IdentityRepo) RecordReputationDelta(ctx context.Context, agentID string, d gazmodels.ReputationDelta) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO reputation_deltas (agent_id, old_value, new_value, delta, reason, prev_hash, hash, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		agentID, d.Old, d.New, d.Delta, d.Reason, d.PrevHash, d.Hash, d.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("identitydb: record reputation delta: %w", err)
	}
	return nil
}

// GetReputationHistory returns an agent's reputation deltas oldest
// first, the same order the hash chain was built in.
func (r *IdentityRepo) GetReputationHistory(ctx context.Context, agentID string) ([]gazmodels.ReputationDelta, error) {
	rows, err := r.db.Query(ctx, `
		SELECT old_value, new_value, delta, reason, prev_hash, hash, occurred_at
		FROM reputation_deltas
		WHERE agent_id = $1
		ORDER BY id ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("identitydb: query reputation history: %w", err)
	}
	defer rows.Close()

	var out []gazmodels.ReputationDelta
	for rows.Next() {
		var d gazmodels.ReputationDelta
		if err := rows.Scan(&d.Old, &d.New, &d.Delta, &d.Reason, &d.PrevHash, &d.Hash, &d.Timestamp); err != nil {
			return nil, fmt.Errorf("identitydb: scan reputation delta: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
