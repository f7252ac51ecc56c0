// Package naming provides deterministic identifiers derived from shard keys.
package naming

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Savepoint returns a SQL-safe savepoint name for the depth-th nested frame on key.
// Keys may contain characters that are not valid in identifiers, so the name is
// a hash of the key and depth rather than the key itself.
func Savepoint(key string, depth int) string {
	data := fmt.Sprintf("%s#%d", key, depth)
	h := sha256.Sum256([]byte(data))
	return "sp_" + hex.EncodeToString(h[:8]) // 64-bit hash as hex
}
