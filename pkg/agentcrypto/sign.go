package agentcrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// KeyPair is a generated Ed25519 identity, used by tests and by the
// (out-of-scope) client-side signing helpers this package's callers
// depend on only through its public types.
type KeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateKeyPair creates a new Ed25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	return &KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// EncodePublicKey returns the standard textual encoding (base64, std
// alphabet, padded) spec.md §3 calls for.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// DecodePublicKey parses the standard textual encoding back into a key.
func DecodePublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size: expected %d, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// Fingerprint returns the hex SHA-256 digest of the public-key bytes —
// the primary identity lookup key per spec.md §3/GLOSSARY.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// FingerprintFromEncoded decodes then fingerprints in one step.
func FingerprintFromEncoded(encoded string) (string, error) {
	pub, err := DecodePublicKey(encoded)
	if err != nil {
		return "", err
	}
	return Fingerprint(pub), nil
}

// Sign signs arbitrary canonical-JSON-serializable data. Used by tests
// that need to produce a valid (signature, payload) pair; a production
// client's own signer is explicitly out of scope per spec.md §1.
func Sign(data interface{}, priv ed25519.PrivateKey) (signatureHex string, payload []byte, err error) {
	payload, err = CanonicalJSON(data)
	if err != nil {
		return "", nil, err
	}
	sig := ed25519.Sign(priv, payload)
	return hex.EncodeToString(sig), payload, nil
}

// Verify checks an Ed25519 signature over the EXACT bytes provided — the
// bytes decoded from the inbound X-Signed-Payload header, never a
// reserialization of them. This is the fix for the fragility spec.md's
// Design Notes §9 calls out: re-canonicalizing before comparing makes
// verification depend on the verifier's own JSON encoder agreeing
// byte-for-byte with the signer's, which is not guaranteed across
// languages or library versions. Comparison of the raw signature bytes
// uses ed25519.Verify, which already runs in constant time with respect
// to the signature contents.
func Verify(payload []byte, signatureHex string, pub ed25519.PublicKey) error {
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature size: expected %d, got %d", ed25519.SignatureSize, len(sig))
	}
	if !ed25519.Verify(pub, payload, sig) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

// ConstantTimeEqualHex compares two hex-encoded byte strings in constant
// time, used where a raw byte comparison (rather than ed25519.Verify's
// internal one) is needed, e.g. comparing a proof-of-work solution
// prefix is not security sensitive but signature comparisons should
// always go through this helper rather than ==.
func ConstantTimeEqualHex(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
