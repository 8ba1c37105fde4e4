package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"strconv"
)

// fingerprintVersion is mixed into every fingerprint so a change to the
// field layout never collides with entries written by an older build.
const fingerprintVersion = "companion/v1"

// Fingerprint derives the cache key for a turn from the active persona, the
// emotion level, a digest of the recent history and the new user message.
//
// Each field is length-prefixed before hashing, so no two distinct inputs
// share a byte stream. The result is a lowercase hex SHA-256 digest.
func Fingerprint(personaID string, level int, contextHash, message string) string {
	h := sha256.New()
	writeField(h, fingerprintVersion)
	writeField(h, personaID)
	writeField(h, strconv.Itoa(level))
	writeField(h, contextHash)
	writeField(h, message)
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}
