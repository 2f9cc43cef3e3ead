package shared

import (
	"time"
)

// Message is one decoded MQTT message as it travels from the broker
// callback through the ingestion queue to the storage writer.
type Message struct {
	// Timestamp is the wall-clock time the message was handed over by the
	// broker client, not a device-side timestamp.
	Timestamp time.Time
	// DeviceID is the raw identifier from the topic. Whether it addresses
	// the legacy or the current identifier column is decided at write time.
	DeviceID string
	// Attribute is the trailing topic segment, resolved once at decode time.
	Attribute   string
	Topic       string
	Payload     string
	Fingerprint string
}

// DeviceType is the result of resolving a device identifier against the
// things table.
type DeviceType int

const (
	// DeviceUnknown means neither identifier column has a row for the device.
	DeviceUnknown DeviceType = iota
	// DeviceLegacy devices are keyed by the swd_imei column.
	DeviceLegacy
	// DeviceCurrent devices are keyed by the imei column.
	DeviceCurrent
)

func (d DeviceType) String() string {
	switch d {
	case DeviceLegacy:
		return "legacy"
	case DeviceCurrent:
		return "current"
	default:
		return "unknown"
	}
}
