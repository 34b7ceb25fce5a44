package crypto

import (
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// HashFingerprint returns the hex BLAKE3-256 digest of a device-bound
// secret. Surrounding whitespace is ignored. An empty fingerprint hashes
// to the empty string so devices registered without one stay unbound.
func HashFingerprint(fingerprint string) string {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return ""
	}
	sum := blake3.Sum256([]byte(fingerprint))
	return hex.EncodeToString(sum[:])
}

// MatchFingerprint reports in constant time whether fingerprint hashes to
// the recorded digest.
func MatchFingerprint(recorded, fingerprint string) bool {
	got := HashFingerprint(fingerprint)
	if len(got) != len(recorded) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(recorded)) == 1
}
