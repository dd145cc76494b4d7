package cache

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

// blobName maps a resource identifier to its payload file name. Identifiers
// are hashed verbatim; two spellings of the same URL are two entries.
func blobName(id string) string {
	sum := blake3.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}
