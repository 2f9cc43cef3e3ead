package shared

import (
	"fmt"
	"regexp"
	"strings"
)

// denylistedAttributes are transport/diagnostic topics that must never
// trigger the creation of a new things row. The event log still records them.
var denylistedAttributes = []string{"connect", "connection", "disconnect", "location", "mqttstats"}

// legacyAttributes are topic-name fragments only published by the older
// hardware generation. A brand-new device whose first message carries one of
// these is keyed by the legacy identifier column.
var legacyAttributes = []string{"swc", "swd", "mqtt_"}

// validColumnName is the allow-list for attribute names before they are used
// as SQL column identifiers. Postgres truncates identifiers at 63 bytes, so
// anything longer is rejected instead of silently truncated.
var validColumnName = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// ResolveTopic extracts the device identifier and the attribute name from a
// broker topic. The identifier is the second path segment, the attribute is
// the segment after the last slash.
func ResolveTopic(topic string) (deviceID string, attribute string, err error) {
	segments := strings.Split(topic, "/")
	if len(segments) < 2 {
		return "", "", fmt.Errorf("topic %q has fewer than 2 segments", topic)
	}
	deviceID = segments[1]
	if deviceID == "" {
		return "", "", fmt.Errorf("topic %q has an empty device identifier segment", topic)
	}
	attribute = segments[len(segments)-1]
	if attribute == "" {
		return "", "", fmt.Errorf("topic %q has an empty attribute segment", topic)
	}
	return deviceID, attribute, nil
}

// ValidColumnName reports whether an attribute name is safe to use as a
// dynamic column identifier.
func ValidColumnName(attribute string) bool {
	return validColumnName.MatchString(attribute)
}

// IsDenylisted reports whether an attribute belongs to the connection
// diagnostic chatter that is excluded from creating new device rows.
func IsDenylisted(attribute string) bool {
	for _, s := range denylistedAttributes {
		if strings.Contains(attribute, s) {
			return true
		}
	}
	return false
}

// IsLegacyAttribute reports whether an attribute name follows the naming
// convention of the older hardware generation.
func IsLegacyAttribute(attribute string) bool {
	for _, s := range legacyAttributes {
		if strings.Contains(attribute, s) {
			return true
		}
	}
	return false
}
