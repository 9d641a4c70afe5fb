package netbackend

import (
	"crypto/sha256"
	"fmt"
)

// generateMACAddress derives a deterministic MAC from a box id: AA:BC:00
// (locally administered, boxlite hint) followed by 3 octets of the id's
// sha256 hash.
func generateMACAddress(boxID string) string {
	hash := sha256.Sum256([]byte(boxID))
	return fmt.Sprintf("%s:%02X:%02X:%02X", MACPrefix, hash[0], hash[1], hash[2])
}
