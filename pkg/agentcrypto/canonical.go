// Package agentcrypto provides Ed25519 signing, fingerprinting, and
// canonical-JSON helpers for agent-signed requests. Adapted from the
// teacher repository's pkg/crypto, generalized from JobSpec signing to
// SignedRequest signing and corrected per the spec's design note: the
// verifier never re-serializes the payload it is checking.
package agentcrypto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// CanonicalJSON encodes any JSON-serializable value into deterministic
// bytes: object keys sorted, no insignificant whitespace. Used only when
// WE produce bytes to sign or to compare against (e.g. test fixtures and
// the RegisterAgent flow); verification of an inbound request never
// re-canonicalizes — see Verify in sign.go.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonicalize: unmarshal: %w", err)
	}
	buf := &bytes.Buffer{}
	if err := writeCanonical(buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		buf.WriteByte('{')
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("canonicalize: marshal primitive: %w", err)
		}
		buf.Write(b)
		return nil
	}
}
