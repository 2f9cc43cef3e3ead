package shared

import (
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Serial formats a timestamp as YYYYMMDDHHMMSS plus microseconds. It is the
// per-message serial that goes into the fingerprint checksum.
func Serial(t time.Time) string {
	return t.Format("20060102150405") + fmt.Sprintf("%06d", t.Nanosecond()/1000)
}

// Fingerprint builds the per-message fingerprint: a CRC-32 checksum of
// topic+payload+serial in hex, followed by a random 32 character hex token.
//
// The checksum prefix is deterministic for identical inputs, the token is
// not. The fingerprint is therefore an integrity and debugging aid, not a
// deduplication key: two deliveries of the same payload produce different
// fingerprints.
func Fingerprint(topic string, payload string, serial string) string {
	sum := crc32.ChecksumIEEE([]byte(topic + payload + serial))
	checksum := make([]byte, 4)
	checksum[0] = byte(sum >> 24)
	checksum[1] = byte(sum >> 16)
	checksum[2] = byte(sum >> 8)
	checksum[3] = byte(sum)
	token := strings.ReplaceAll(uuid.New().String(), "-", "")
	return hex.EncodeToString(checksum) + token
}

// RandomSuffix returns an 8 character random hex token, used to make the
// MQTT client id unique across concurrently running instances.
func RandomSuffix() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}
