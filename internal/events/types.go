package events

import (
	"time"

	"github.com/meshnetlab/meshbridge/internal/domain"
)

// ConnectionState describes the radio link lifecycle.
type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateConfigured   ConnectionState = "configured"
	ConnectionStateReconnecting ConnectionState = "reconnecting"
)

// ConnStatus is a bus snapshot of the radio link state.
type ConnStatus struct {
	State         ConnectionState
	Err           string
	TransportName string
	Target        string
	LocalNodeNum  uint32
	Timestamp     time.Time
}

// RawFrame carries frame bytes for the virtual-node hub and diagnostics.
type RawFrame struct {
	Payload []byte
	Len     int
}

// MessageStatusUpdate reports a delivery-state transition for a sent message.
type MessageStatusUpdate struct {
	RequestID uint32
	State     domain.DeliveryState
	Reason    string
	AckFrom   uint32
	RxTime    time.Time
}

// NodeUpdated is published after the engine persisted node state.
type NodeUpdated struct {
	Node       domain.Node
	Discovered bool
}

// PositionObserved fires for every accepted position observation, whether or
// not it replaced the stored fix. The geofence engine consumes these.
type PositionObserved struct {
	NodeNum   uint32
	Latitude  float64
	Longitude float64
	Altitude  int32
	Precision uint32
	At        time.Time
}

// TracerouteResult is a decoded route response.
type TracerouteResult struct {
	From       uint32
	To         uint32
	RequestID  uint32
	Route      []uint32
	SNRTowards []float64
	RouteBack  []uint32
	SNRBack    []float64
	At         time.Time
}
