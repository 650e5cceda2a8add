// Package digest implements the hash-chaining primitive of the ledger:
// each entry's digest is SHA-256 over the canonical payload bytes
// concatenated with the raw bytes of the previous entry's digest.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Compute returns the lowercase-hex chain digest of canonicalBytes
// linked to prevHashHex. An empty prevHashHex contributes zero bytes,
// which is the case for the first entry of a stream.
func Compute(canonicalBytes []byte, prevHashHex string) (string, error) {
	concat := make([]byte, 0, len(canonicalBytes)+sha256.Size)
	concat = append(concat, canonicalBytes...)
	if prevHashHex != "" {
		prevBytes, err := hex.DecodeString(prevHashHex)
		if err != nil {
			return "", fmt.Errorf("decode prev hash %q: %w", prevHashHex, err)
		}
		concat = append(concat, prevBytes...)
	}
	sum := sha256.Sum256(concat)
	return hex.EncodeToString(sum[:]), nil
}

// Sum returns the raw SHA-256 digest of b.
func Sum(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}

// SumHex returns the hex-encoded SHA-256 digest of b.
func SumHex(b []byte) string {
	return hex.EncodeToString(Sum(b))
}
