package cryptoverify

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jamie-anson/gazorpazorp/internal/apperrors"
	"github.com/jamie-anson/gazorpazorp/internal/identity"
	"github.com/jamie-anson/gazorpazorp/internal/kv"
	"github.com/jamie-anson/gazorpazorp/pkg/agentcrypto"
	"github.com/jamie-anson/gazorpazorp/pkg/gazmodels"
)

type harness struct {
	verifier *Verifier
	identity *identity.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := kv.NewRedisStore(client)
	ids := identity.NewStore(store, nil, zerolog.Nop())
	return &harness{verifier: New(store, ids, zerolog.Nop()), identity: ids}
}

func (h *harness) register(t *testing.T) (*gazmodels.AgentIdentity, ed25519.PrivateKey) {
	t.Helper()
	kp, err := agentcrypto.GenerateKeyPair()
	require.NoError(t, err)
	encoded := agentcrypto.EncodePublicKey(kp.PublicKey)
	a, err := h.identity.RegisterAgent(context.Background(), encoded, nil)
	require.NoError(t, err)
	return a, kp.PrivateKey
}

func signedPayload(t *testing.T, priv ed25519.PrivateKey, method, path, nonce string, ts time.Time) ([]byte, string) {
	t.Helper()
	req := gazmodels.SignedRequest{
		Method:    method,
		Path:      path,
		Body:      map[string]interface{}{"q": "hello"},
		Timestamp: ts.UnixMilli(),
		Nonce:     nonce,
	}
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	sig := ed25519.Sign(priv, raw)
	return raw, hex.EncodeToString(sig)
}

func TestVerify_ValidRequestSucceedsAndAppliesTrustDrift(t *testing.T) {
	h := newHarness(t)
	agent, priv := h.register(t)
	raw, sig := signedPayload(t, priv, "GET", "/api/users", "nonce-1", time.Now())

	updated, payload, err := h.verifier.Verify(context.Background(), raw, sig, agent.PublicKey)
	require.NoError(t, err)
	require.Equal(t, agent.ID, updated.ID)
	require.InDelta(t, 50.1, updated.Reputation, 0.0001)
	require.Equal(t, "/api/users", payload.Path)
}

func TestVerify_ExpiredTimestampFails(t *testing.T) {
	h := newHarness(t)
	agent, priv := h.register(t)
	raw, sig := signedPayload(t, priv, "GET", "/api/users", "nonce-2", time.Now().Add(-5*time.Minute))

	_, _, err := h.verifier.Verify(context.Background(), raw, sig, agent.PublicKey)
	require.Error(t, err)
	require.True(t, apperrors.IsType(err, apperrors.SignatureError))
}

func TestVerify_ReplayedNonceFailsOnSecondAttempt(t *testing.T) {
	h := newHarness(t)
	agent, priv := h.register(t)
	raw, sig := signedPayload(t, priv, "GET", "/api/users", "nonce-3", time.Now())

	_, _, err := h.verifier.Verify(context.Background(), raw, sig, agent.PublicKey)
	require.NoError(t, err)

	_, _, err = h.verifier.Verify(context.Background(), raw, sig, agent.PublicKey)
	require.Error(t, err)
	require.True(t, apperrors.IsType(err, apperrors.ReplayError))
}

func TestVerify_UnknownAgentFails(t *testing.T) {
	h := newHarness(t)
	kp, err := agentcrypto.GenerateKeyPair()
	require.NoError(t, err)
	raw, sig := signedPayload(t, kp.PrivateKey, "GET", "/api/users", "nonce-4", time.Now())

	_, _, err = h.verifier.Verify(context.Background(), raw, sig, agentcrypto.EncodePublicKey(kp.PublicKey))
	require.Error(t, err)
	require.True(t, apperrors.IsType(err, apperrors.SignatureError))
}

func TestVerify_BadSignaturePenalizesReputation(t *testing.T) {
	h := newHarness(t)
	agent, _ := h.register(t)
	other, err := agentcrypto.GenerateKeyPair()
	require.NoError(t, err)
	raw, sig := signedPayload(t, other.PrivateKey, "GET", "/api/users", "nonce-5", time.Now())

	_, _, err = h.verifier.Verify(context.Background(), raw, sig, agent.PublicKey)
	require.Error(t, err)
	require.True(t, apperrors.IsType(err, apperrors.SignatureError))

	updated, err := h.identity.GetByFingerprint(context.Background(), agent.Fingerprint)
	require.NoError(t, err)
	require.InDelta(t, 45, updated.Reputation, 0.0001)
}

func TestVerify_MalformedPayloadFailsValidation(t *testing.T) {
	h := newHarness(t)
	agent, _ := h.register(t)

	_, _, err := h.verifier.Verify(context.Background(), []byte("not json"), "00", agent.PublicKey)
	require.Error(t, err)
	require.True(t, apperrors.IsType(err, apperrors.ValidationError))
}
