package fp

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// NormalizeSource trims surrounding whitespace.
func NormalizeSource(s string) string {
	return strings.TrimSpace(s)
}

// DedupKey returns the stable identity of a search hit: the external unique
// identifier when present, otherwise "downloadURI|sourceURL".
func DedupKey(guid, downloadURI, sourceURL string) string {
	if g := NormalizeSource(guid); g != "" {
		return g
	}
	return NormalizeSource(downloadURI) + "|" + NormalizeSource(sourceURL)
}

// Fingerprint computes a lower-case hex SHA-256 of s.
func Fingerprint(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// CandidateID derives the public id of a candidate from its dedup key, so the
// same release gets the same id across discovery runs.
func CandidateID(guid, downloadURI, sourceURL string) string {
	return Fingerprint(DedupKey(guid, downloadURI, sourceURL))
}
