package domain

import "time"

type PacketDirection string

const (
	PacketDirectionIn  PacketDirection = "in"
	PacketDirectionOut PacketDirection = "out"
)

// PacketTransport describes how a frame reached us.
type PacketTransport string

const (
	PacketTransportLoRa PacketTransport = "lora"
	PacketTransportMQTT PacketTransport = "mqtt"
	// PacketTransportInternal marks device-internal state echoes that never
	// went over the air.
	PacketTransportInternal PacketTransport = "internal"
)

// PacketLogEntry is one row of the diagnostic packet trace.
type PacketLogEntry struct {
	Direction PacketDirection
	FromNum   uint32
	ToNum     uint32
	PortName  string
	Encrypted bool
	Preview   string
	MetaJSON  string
	At        time.Time
}
