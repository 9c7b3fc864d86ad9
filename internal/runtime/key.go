package runtime

import (
	"encoding/hex"
	"encoding/json"

	"github.com/zeebo/blake3"
)

// DeriveIdempotencyKey computes a stable key for an intent without a declared
// one. encoding/json writes map keys in sorted order, so equivalent payloads
// derive the same key regardless of field ordering.
func DeriveIdempotencyKey(actionType string, payload map[string]any) string {
	canonical, err := json.Marshal(payload)
	if err != nil {
		canonical = []byte("{}")
	}
	input := make([]byte, 0, len(actionType)+1+len(canonical))
	input = append(input, actionType...)
	input = append(input, 0)
	input = append(input, canonical...)
	sum := blake3.Sum256(input)
	return hex.EncodeToString(sum[:])
}
