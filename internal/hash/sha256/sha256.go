// Package sha256 fingerprints row payloads so duplicates can be detected
// without holding every encoded row in memory.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Sum returns the hex SHA-256 digest of data.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Fingerprint digests the JSON encoding of v. Maps encode with sorted keys,
// so equal rows yield equal fingerprints regardless of key order.
func Fingerprint(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode for fingerprint: %w", err)
	}
	return Sum(b), nil
}
