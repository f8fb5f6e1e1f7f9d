package radio

import (
	"time"

	"buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"

	"github.com/meshnetlab/meshbridge/internal/domain"
)

// FrameKind tags a decoded FromRadio frame.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameMeshPacket
	FrameMyInfo
	FrameNodeInfo
	FrameMetadata
	FrameConfig
	FrameModuleConfig
	FrameChannel
	FrameConfigComplete
	FrameQueueStatus
)

func (k FrameKind) String() string {
	switch k {
	case FrameMeshPacket:
		return "meshPacket"
	case FrameMyInfo:
		return "myInfo"
	case FrameNodeInfo:
		return "nodeInfo"
	case FrameMetadata:
		return "metadata"
	case FrameConfig:
		return "config"
	case FrameModuleConfig:
		return "moduleConfig"
	case FrameChannel:
		return "channel"
	case FrameConfigComplete:
		return "configComplete"
	case FrameQueueStatus:
		return "queueStatus"
	default:
		return "unknown"
	}
}

// Frame is a decoded FromRadio variant. Exactly one payload field is set
// depending on Kind; Raw always carries the wire bytes for replay.
type Frame struct {
	Kind FrameKind
	Raw  []byte

	Packet           *PacketInfo
	MyInfo           *meshtastic.MyNodeInfo
	NodeInfo         *meshtastic.NodeInfo
	Metadata         *meshtastic.DeviceMetadata
	Config           *meshtastic.Config
	ModuleConfig     *meshtastic.ModuleConfig
	Channel          *meshtastic.Channel
	ConfigCompleteID uint32
}

// PacketInfo is a normalized MeshPacket: every boolean and numeric field the
// engine consumes is materialized, so omitted proto3 defaults and explicit
// zeros are indistinguishable downstream.
type PacketInfo struct {
	ID       uint32
	From     uint32
	To       uint32
	Channel  uint32
	HopStart uint32
	HopLimit uint32
	WantAck  bool
	Priority meshtastic.MeshPacket_Priority

	Transport domain.PacketTransport
	RxTime    time.Time
	RxSNR     float64
	RxRSSI    int

	// Encrypted holds the ciphertext when the radio could not decode the
	// payload itself; Portnum/Payload are set once someone decrypts it.
	Encrypted []byte

	Portnum      meshtastic.PortNum
	Payload      []byte
	RequestID    uint32
	ReplyID      uint32
	Emoji        bool
	WantResponse bool

	DecryptedBy domain.DecryptedBy
	// ChannelRowID is the channel database row whose PSK decrypted the
	// payload, when DecryptedBy is DecryptedByServer.
	ChannelRowID int64
}

// Hops is the observed relay count, -1 when the packet carries no hop data.
func (p *PacketInfo) Hops() int {
	if p.HopStart == 0 {
		return -1
	}
	if p.HopLimit > p.HopStart {
		return 0
	}

	return int(p.HopStart - p.HopLimit)
}

func (p *PacketInfo) IsBroadcast() bool {
	return p.To == domain.BroadcastNodeNum
}

func (p *PacketInfo) PortName() string {
	if p.Payload == nil && p.Portnum == meshtastic.PortNum_UNKNOWN_APP && len(p.Encrypted) > 0 {
		return "ENCRYPTED"
	}

	return p.Portnum.String()
}
