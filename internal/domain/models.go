package domain

import "time"

// BroadcastNodeNum is the mesh broadcast address.
const BroadcastNodeNum = ^uint32(0)

// DirectMessageChannel marks a message that did not arrive on a channel.
const DirectMessageChannel = -1

// ServerDecryptedChannelOffset is added to a channel database row id when a
// message was decrypted by the gateway rather than by the radio. Consumers
// subtract it to find the channel row the PSK came from.
const ServerDecryptedChannelOffset = 1000

type DecryptedBy int

const (
	DecryptedByNone DecryptedBy = iota
	DecryptedByNode
	DecryptedByServer
)

// Position is the best-known location of a node.
type Position struct {
	Latitude      float64
	Longitude     float64
	Altitude      int32
	PrecisionBits uint32
	Channel       int
	Time          time.Time
}

func (p Position) IsZero() bool {
	return p.Time.IsZero() && p.Latitude == 0 && p.Longitude == 0
}

// Node is a mesh device keyed by its 32-bit node number.
type Node struct {
	NodeNum   uint32
	LongName  string
	ShortName string
	HWModel   string
	Role      string
	PublicKey []byte

	Position    Position
	LastHeardAt time.Time
	SNR         *float64
	RSSI        *int
	HopsAway    int

	Favorite bool
	Ignored  bool

	Mobile            bool
	HasRemoteAdmin    bool
	AdminProbedAt     time.Time
	KeyMismatch       bool
	LowEntropyKey     bool
	KeyRepairAttempts int

	WelcomedAt time.Time
	UpdatedAt  time.Time
}

// NodeID returns the canonical "!xxxxxxxx" form of the node number.
func (n Node) NodeID() string {
	return FormatNodeNum(n.NodeNum)
}

// HasRealName reports whether the node carries an operator-assigned name
// rather than the placeholder derived from its node number.
func (n Node) HasRealName() bool {
	return n.LongName != "" && n.LongName != PlaceholderLongName(n.NodeNum)
}

// Message is one text message keyed by (from, packet id).
type Message struct {
	FromNodeNum uint32
	ToNodeNum   uint32
	PacketID    uint32
	RequestID   uint32
	Text        string
	Channel     int
	HopStart    uint32
	HopLimit    uint32
	ReplyID     uint32
	Emoji       bool
	WantAck     bool
	State       DeliveryState
	DecryptedBy DecryptedBy
	RxTime      time.Time
	RxSNR       float64
	RxRSSI      int
}

func (m Message) IsDirect() bool {
	return m.Channel == DirectMessageChannel
}

// TelemetryPoint is one append-only metric observation.
type TelemetryPoint struct {
	NodeNum uint32
	Type    string
	Time    time.Time
	Value   float64
	Unit    string
}

// NeighborEntry is one edge reported through NEIGHBORINFO_APP.
type NeighborEntry struct {
	NodeNum uint32
	SNR     float64
}

// TracerouteRecord is a completed route response with positions snapshotted
// at response time so historical renders survive later node motion.
type TracerouteRecord struct {
	FromNodeNum uint32
	ToNodeNum   uint32
	RequestID   uint32
	Route       []uint32
	SNRTowards  []float64
	RouteBack   []uint32
	SNRBack     []float64
	Positions   map[uint32]Position
	ReceivedAt  time.Time
}

// RouteSegment is one hop of a traceroute with its computed distance.
type RouteSegment struct {
	FromNodeNum uint32
	ToNodeNum   uint32
	SNR         float64
	DistanceKm  float64
	ReceivedAt  time.Time
}
