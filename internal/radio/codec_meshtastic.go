package radio

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"google.golang.org/protobuf/proto"

	"github.com/meshnetlab/meshbridge/internal/domain"
)

// Codec translates between wire frames and tagged variants. It owns the
// outbound packet-id counter; every encoder that targets a recipient returns
// the fresh id so callers can correlate acknowledgements.
type Codec struct {
	wantConfigID atomic.Uint32
	packetID     atomic.Uint32
	localNodeNum atomic.Uint32
}

func NewCodec() (*Codec, error) {
	var seedRaw [4]byte
	if _, err := rand.Read(seedRaw[:]); err != nil {
		return nil, fmt.Errorf("seed codec packet id: %w", err)
	}
	c := &Codec{}
	c.packetID.Store(binary.BigEndian.Uint32(seedRaw[:]))

	return c, nil
}

// LocalNodeNum is the node number reported by the connected radio, zero until
// the first MyNodeInfo frame arrives.
func (c *Codec) LocalNodeNum() uint32 {
	return c.localNodeNum.Load()
}

func (c *Codec) nextNonZeroID() uint32 {
	for {
		id := c.packetID.Add(1)
		if id != 0 {
			return id
		}
	}
}

// DecodeFromRadio parses one frame payload into a tagged variant.
func (c *Codec) DecodeFromRadio(payload []byte) (Frame, error) {
	out := Frame{Raw: payload}

	var wire meshtastic.FromRadio
	if err := proto.Unmarshal(payload, &wire); err != nil {
		return out, fmt.Errorf("decode fromradio protobuf: %w", err)
	}

	switch {
	case wire.GetMyInfo() != nil:
		out.Kind = FrameMyInfo
		out.MyInfo = wire.GetMyInfo()
		if num := out.MyInfo.GetMyNodeNum(); num != 0 {
			c.localNodeNum.Store(num)
		}
	case wire.GetNodeInfo() != nil:
		out.Kind = FrameNodeInfo
		out.NodeInfo = wire.GetNodeInfo()
	case wire.GetMetadata() != nil:
		out.Kind = FrameMetadata
		out.Metadata = wire.GetMetadata()
	case wire.GetConfig() != nil:
		out.Kind = FrameConfig
		out.Config = wire.GetConfig()
	case wire.GetModuleConfig() != nil:
		out.Kind = FrameModuleConfig
		out.ModuleConfig = wire.GetModuleConfig()
	case wire.GetChannel() != nil:
		out.Kind = FrameChannel
		out.Channel = wire.GetChannel()
	case wire.GetConfigCompleteId() != 0:
		out.Kind = FrameConfigComplete
		out.ConfigCompleteID = wire.GetConfigCompleteId()
	case wire.GetQueueStatus() != nil:
		out.Kind = FrameQueueStatus
	case wire.GetPacket() != nil:
		out.Kind = FrameMeshPacket
		out.Packet = c.decodePacket(wire.GetPacket())
	default:
		out.Kind = FrameUnknown
	}

	return out, nil
}

func (c *Codec) decodePacket(packet *meshtastic.MeshPacket) *PacketInfo {
	info := &PacketInfo{
		ID:       packet.GetId(),
		From:     packet.GetFrom(),
		To:       packet.GetTo(),
		Channel:  packet.GetChannel(),
		HopStart: packet.GetHopStart(),
		HopLimit: packet.GetHopLimit(),
		WantAck:  packet.GetWantAck(),
		Priority: packet.GetPriority(),
		RxSNR:    float64(packet.GetRxSnr()),
		RxRSSI:   int(packet.GetRxRssi()),
	}
	if rx := packet.GetRxTime(); rx != 0 {
		info.RxTime = time.Unix(int64(rx), 0)
	}
	info.Transport = classifyTransport(packet, c.localNodeNum.Load())

	if decoded := packet.GetDecoded(); decoded != nil {
		info.Portnum = decoded.GetPortnum()
		info.Payload = decoded.GetPayload()
		info.RequestID = decoded.GetRequestId()
		info.ReplyID = decoded.GetReplyId()
		info.Emoji = decoded.GetEmoji() != 0
		info.WantResponse = decoded.GetWantResponse()
		info.DecryptedBy = domain.DecryptedByNode
	} else {
		info.Encrypted = packet.GetEncrypted()
	}

	return info
}

// classifyTransport distinguishes RF traffic from MQTT-bridged packets and
// from device-internal state echoes that never went over the air.
func classifyTransport(packet *meshtastic.MeshPacket, localNode uint32) domain.PacketTransport {
	if packet.GetViaMqtt() {
		return domain.PacketTransportMQTT
	}
	if packet.GetFrom() == localNode && packet.GetRxSnr() == 0 && packet.GetRxRssi() == 0 {
		return domain.PacketTransportInternal
	}

	return domain.PacketTransportLoRa
}

// EncodeWantConfig starts the radio's configuration dump.
func (c *Codec) EncodeWantConfig() ([]byte, uint32, error) {
	id := c.nextNonZeroID()
	wire := &meshtastic.ToRadio{PayloadVariant: &meshtastic.ToRadio_WantConfigId{WantConfigId: id}}
	payload, err := proto.Marshal(wire)
	if err != nil {
		return nil, 0, err
	}
	c.wantConfigID.Store(id)

	return payload, id, nil
}

// WantConfigID is the id of the most recent configuration request; the
// matching configCompleteId frame ends the init capture.
func (c *Codec) WantConfigID() uint32 {
	return c.wantConfigID.Load()
}

func (c *Codec) EncodeHeartbeat() ([]byte, error) {
	wire := &meshtastic.ToRadio{PayloadVariant: &meshtastic.ToRadio_Heartbeat{Heartbeat: &meshtastic.Heartbeat{}}}

	return proto.Marshal(wire)
}

// TextOptions carries the optional fields of an outbound text message.
type TextOptions struct {
	ReplyID uint32
	Emoji   bool
}

// EncodeText builds an outbound text message. Channel -1 addresses the
// recipient directly, 0..7 broadcasts on that channel slot.
func (c *Codec) EncodeText(to uint32, channel int, text string, opts TextOptions) ([]byte, uint32, error) {
	packetID := c.nextNonZeroID()
	slot := uint32(0)
	if channel >= 0 {
		slot = uint32(channel)
	}

	data := &meshtastic.Data{
		Portnum: meshtastic.PortNum_TEXT_MESSAGE_APP,
		Payload: []byte(text),
		ReplyId: opts.ReplyID,
	}
	if opts.Emoji {
		data.Emoji = 1
	}
	packet := &meshtastic.MeshPacket{
		To:             to,
		Channel:        slot,
		Id:             packetID,
		WantAck:        true,
		PayloadVariant: &meshtastic.MeshPacket_Decoded{Decoded: data},
	}
	wire := &meshtastic.ToRadio{PayloadVariant: &meshtastic.ToRadio_Packet{Packet: packet}}
	payload, err := proto.Marshal(wire)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal text packet: %w", err)
	}

	return payload, packetID, nil
}

// EncodeTraceroute builds a route discovery request.
func (c *Codec) EncodeTraceroute(to uint32, channel uint32) ([]byte, uint32, error) {
	packetID := c.nextNonZeroID()
	packet := &meshtastic.MeshPacket{
		To:      to,
		Channel: channel,
		Id:      packetID,
		WantAck: true,
		PayloadVariant: &meshtastic.MeshPacket_Decoded{Decoded: &meshtastic.Data{
			Portnum:      meshtastic.PortNum_TRACEROUTE_APP,
			WantResponse: true,
		}},
	}
	wire := &meshtastic.ToRadio{PayloadVariant: &meshtastic.ToRadio_Packet{Packet: packet}}
	payload, err := proto.Marshal(wire)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal traceroute packet: %w", err)
	}

	return payload, packetID, nil
}

// EncodeRequest builds a want-response probe on an arbitrary application
// port: position, nodeinfo, telemetry, or neighborinfo exchanges.
func (c *Codec) EncodeRequest(portnum meshtastic.PortNum, to uint32, channel uint32) ([]byte, uint32, error) {
	packetID := c.nextNonZeroID()
	packet := &meshtastic.MeshPacket{
		To:      to,
		Channel: channel,
		Id:      packetID,
		WantAck: to != domain.BroadcastNodeNum,
		PayloadVariant: &meshtastic.MeshPacket_Decoded{Decoded: &meshtastic.Data{
			Portnum:      portnum,
			WantResponse: true,
		}},
	}
	wire := &meshtastic.ToRadio{PayloadVariant: &meshtastic.ToRadio_Packet{Packet: packet}}
	payload, err := proto.Marshal(wire)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal %s request: %w", portnum, err)
	}

	return payload, packetID, nil
}

// EncodeAdmin builds an admin request. Remote targets need the short-lived
// session key captured from a prior admin response; local-node admin over
// the TCP link passes nil.
func (c *Codec) EncodeAdmin(to uint32, sessionKey []byte, admin *meshtastic.AdminMessage, wantResponse bool) ([]byte, uint32, error) {
	if admin == nil {
		return nil, 0, fmt.Errorf("admin payload is required")
	}
	if len(sessionKey) > 0 {
		admin.SessionPasskey = sessionKey
	}
	encodedAdmin, err := proto.Marshal(admin)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal admin payload: %w", err)
	}

	packetID := c.nextNonZeroID()
	packet := &meshtastic.MeshPacket{
		To:       to,
		Id:       packetID,
		WantAck:  true,
		Priority: meshtastic.MeshPacket_RELIABLE,
		PayloadVariant: &meshtastic.MeshPacket_Decoded{Decoded: &meshtastic.Data{
			Portnum:      meshtastic.PortNum_ADMIN_APP,
			Payload:      encodedAdmin,
			WantResponse: wantResponse,
		}},
	}
	wire := &meshtastic.ToRadio{PayloadVariant: &meshtastic.ToRadio_Packet{Packet: packet}}
	encoded, err := proto.Marshal(wire)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal admin packet: %w", err)
	}

	return encoded, packetID, nil
}

// EncodeRaw wraps already-marshaled ToRadio bytes; used when forwarding
// virtual-node client traffic verbatim.
func (c *Codec) EncodeRaw(payload []byte) ([]byte, error) {
	var wire meshtastic.ToRadio
	if err := proto.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("validate toradio protobuf: %w", err)
	}

	return payload, nil
}
