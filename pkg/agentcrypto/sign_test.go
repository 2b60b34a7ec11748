package agentcrypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPair_EncodeDecodeRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NotEmpty(t, kp.PublicKey)

	encoded := EncodePublicKey(kp.PublicKey)
	decoded, err := DecodePublicKey(encoded)
	require.NoError(t, err)
	require.Equal(t, kp.PublicKey, decoded)
}

func TestDecodePublicKey_InvalidInput(t *testing.T) {
	_, err := DecodePublicKey("not-base64!!!")
	require.Error(t, err)

	short := EncodePublicKey([]byte("too-short"))
	_, err = DecodePublicKey(short)
	require.Error(t, err)
}

func TestFingerprint_Deterministic(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	fp1 := Fingerprint(kp.PublicKey)
	fp2 := Fingerprint(kp.PublicKey)
	require.Equal(t, fp1, fp2)
	require.Len(t, fp1, 64) // hex SHA-256
}

func TestSignVerify_RoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	data := map[string]interface{}{
		"method":    "GET",
		"path":      "/api/users/123",
		"body":      map[string]interface{}{},
		"timestamp": float64(1234567890),
		"nonce":     "abc123",
	}

	sigHex, payload, err := Sign(data, kp.PrivateKey)
	require.NoError(t, err)

	err = Verify(payload, sigHex, kp.PublicKey)
	require.NoError(t, err)
}

func TestVerify_RejectsTamperedPayload(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	sigHex, payload, err := Sign(map[string]interface{}{"a": 1}, kp.PrivateKey)
	require.NoError(t, err)

	tampered := append([]byte{}, payload...)
	tampered[len(tampered)-1] = 'X'

	err = Verify(tampered, sigHex, kp.PublicKey)
	require.Error(t, err)
}

func TestVerify_DoesNotReserializeBeforeComparing(t *testing.T) {
	// The raw bytes carry insignificant whitespace the canonicalizer would
	// strip; Verify must check against exactly what it was given, not a
	// recanonicalized form, per the spec's design note on this exact bug.
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	rawWithSpace := []byte(`{"a": 1, "b": 2}`)
	sig := hex.EncodeToString(ed25519.Sign(kp.PrivateKey, rawWithSpace))

	err = Verify(rawWithSpace, sig, kp.PublicKey)
	require.NoError(t, err)

	// A recanonicalized form (no spaces) would have a different byte
	// sequence and therefore a different (invalid) signature against it.
	canon, err := CanonicalJSON(map[string]interface{}{"a": 1, "b": 2})
	require.NoError(t, err)
	require.NotEqual(t, string(rawWithSpace), string(canon))
	require.Error(t, Verify(canon, sig, kp.PublicKey))
}

func TestConstantTimeEqualHex(t *testing.T) {
	require.True(t, ConstantTimeEqualHex("abcd", "abcd"))
	require.False(t, ConstantTimeEqualHex("abcd", "abce"))
	require.False(t, ConstantTimeEqualHex("abcd", "abcde"))
}
