// Package placement decides which nodes manage a content item: it derives the
// DHT placement key for a content id and selects capacity-checked candidates
// ranked by proximity in the key space.
package placement

import (
	"crypto/sha256"
)

// KeySize is the length of a placement key in bytes.
const KeySize = sha256.Size

// ComputePlacementKey derives the DHT placement key for a content id: the
// SHA-256 digest of its UTF-8 bytes. Deterministic across processes and time.
func ComputePlacementKey(contentID string) [KeySize]byte {
	return sha256.Sum256([]byte(contentID))
}

// nodeKey maps a node id into the same key space as placement keys.
func nodeKey(nodeID string) [KeySize]byte {
	return sha256.Sum256([]byte(nodeID))
}

// Closer reports whether node a is strictly closer to key than node b under
// XOR distance, comparing big-endian. Equal distances return false so callers
// can break ties by node id.
func Closer(key [KeySize]byte, a, b string) bool {
	ka, kb := nodeKey(a), nodeKey(b)
	for i := 0; i < KeySize; i++ {
		da := ka[i] ^ key[i]
		db := kb[i] ^ key[i]
		if da != db {
			return da < db
		}
	}
	return false
}
