// Package secret - JSON encoding for secrets and hashes.
package secret

import (
	"encoding/hex"
	"encoding/json"
	"strings"
)

// MarshalJSON encodes the secret as 0x-prefixed hex. Persisted state must
// round-trip exactly; the secret is shared with the store, never with logs.
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal("0x" + hex.EncodeToString(s[:]))
}

// UnmarshalJSON decodes a 0x-prefixed hex secret.
func (s *Secret) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	b, err := hex.DecodeString(strings.TrimPrefix(str, "0x"))
	if err != nil {
		return err
	}
	parsed, err := FromBytes(b)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// String redacts the secret; it must never reach logs or error text.
func (s Secret) String() string {
	return "[redacted]"
}

// MarshalJSON encodes the hash as 0x-prefixed hex.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON decodes a 0x-prefixed hex hash.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	b, err := hex.DecodeString(strings.TrimPrefix(str, "0x"))
	if err != nil {
		return err
	}
	parsed, err := HashFromBytes(b)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// String returns the canonical 0x-prefixed hex form.
func (h Hash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}
