package webhook

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// Fingerprint derives the license token for a subscription: the hex-encoded
// SHA-1 digest of the decoded salt bytes followed by the subscription id.
// The token is deterministic - the platform, not this receiver, is the system
// of record for it, and recomputation must always agree with what was written.
//
// A salt that is not valid hexadecimal returns ErrInvalidSalt; callers are
// expected to validate the salt once at startup rather than per event.
func Fingerprint(salt, subscriptionID string) (string, error) {
	saltBytes, err := hex.DecodeString(salt)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSalt, err)
	}

	h := sha1.New()
	h.Write(saltBytes)
	h.Write([]byte(subscriptionID))
	return hex.EncodeToString(h.Sum(nil)), nil
}
