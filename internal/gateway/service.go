package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"google.golang.org/protobuf/proto"

	"github.com/meshnetlab/meshbridge/internal/bus"
	"github.com/meshnetlab/meshbridge/internal/domain"
	"github.com/meshnetlab/meshbridge/internal/events"
	"github.com/meshnetlab/meshbridge/internal/radio"
	"github.com/meshnetlab/meshbridge/internal/transport"
)

const (
	reconnectInitialDelay = 1 * time.Second
	reconnectMaxDelay     = 15 * time.Second
	readStalenessLimit    = 30 * time.Second
	heartbeatInterval     = 5 * time.Minute
)

// Service owns the radio link lifecycle: connect, init config dump, frame
// pump, staleness detection, and reconnect with bounded backoff.
type Service struct {
	logger    *slog.Logger
	transport transport.Transport
	codec     *radio.Codec
	engine    *Engine
	bus       bus.MessageBus
	queue     *SendQueue
	packetLog *PacketLogger

	writeMu   sync.Mutex
	connected atomic.Bool
	userStop  atomic.Bool
	kick      chan struct{}
}

func NewService(logger *slog.Logger, tr transport.Transport, codec *radio.Codec, engine *Engine, b bus.MessageBus, queue *SendQueue, packetLog *PacketLogger) *Service {
	return &Service{
		logger:    logger.With("component", "radio_service"),
		transport: tr,
		codec:     codec,
		engine:    engine,
		bus:       b,
		queue:     queue,
		packetLog: packetLog,
		kick:      make(chan struct{}, 1),
	}
}

// Connected reports whether the radio link is currently up.
func (s *Service) Connected() bool {
	return s.connected.Load()
}

// Disconnect tears the link down without automatic reconnection.
func (s *Service) Disconnect() {
	s.userStop.Store(true)
	_ = s.transport.Close()
}

// Reconnect resumes the connect loop after a user disconnect.
func (s *Service) Reconnect() {
	s.userStop.Store(false)
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run drives the connection until the context ends.
func (s *Service) Run(ctx context.Context) {
	delay := reconnectInitialDelay
	for {
		if ctx.Err() != nil {
			return
		}
		if s.userStop.Load() {
			s.publishStatus(events.ConnectionStateDisconnected, "disconnected by user")
			select {
			case <-ctx.Done():
				return
			case <-s.kick:
			}

			continue
		}

		s.publishStatus(events.ConnectionStateConnecting, "")
		if err := s.transport.Connect(ctx); err != nil {
			s.logger.Warn("Connect failed", "transport", s.transport.Name(), "error", err, "retry_in", delay)
			s.publishStatus(events.ConnectionStateReconnecting, err.Error())
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, reconnectMaxDelay)

			continue
		}
		delay = reconnectInitialDelay
		s.connected.Store(true)
		s.publishStatus(events.ConnectionStateConnected, "")
		s.logger.Info("Radio connected", "transport", s.transport.Name())

		err := s.session(ctx)
		s.connected.Store(false)
		_ = s.transport.Close()
		s.queue.FailInFlight(ctx, "transport")

		if ctx.Err() != nil {
			s.publishStatus(events.ConnectionStateDisconnected, "")

			return
		}
		if s.userStop.Load() {
			continue
		}
		reason := ""
		if err != nil {
			reason = err.Error()
		}
		s.logger.Warn("Radio link lost", "error", err)
		s.publishStatus(events.ConnectionStateReconnecting, reason)
	}
}

// session pumps frames for one established connection. Returns when the link
// breaks or goes stale.
func (s *Service) session(ctx context.Context) error {
	payload, _, err := s.codec.EncodeWantConfig()
	if err != nil {
		return fmt.Errorf("encode want-config: %w", err)
	}
	if err := s.SendFrame(ctx, payload); err != nil {
		return fmt.Errorf("request config dump: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.heartbeatLoop(sessionCtx)

	configured := false
	for {
		readCtx, cancelRead := context.WithTimeout(sessionCtx, readStalenessLimit)
		raw, err := s.transport.ReadFrame(readCtx)
		cancelRead()
		if err != nil {
			if sessionCtx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("no frames for %s, link is stale", readStalenessLimit)
			}

			return fmt.Errorf("read frame: %w", err)
		}

		s.bus.Publish(events.TopicFrameIn, events.RawFrame{Payload: raw, Len: len(raw)})

		frame, err := s.codec.DecodeFromRadio(raw)
		if err != nil {
			s.logger.Warn("Undecodable frame", "len", len(raw), "error", err)

			continue
		}
		if frame.Kind == radio.FrameConfigComplete && frame.ConfigCompleteID == s.codec.WantConfigID() && !configured {
			configured = true
			s.publishStatus(events.ConnectionStateConfigured, "")
			s.logger.Info("Init config dump complete", "local_node", domain.FormatNodeNum(s.codec.LocalNodeNum()))
		}
		s.engine.Submit(frame)
	}
}

func (s *Service) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := s.codec.EncodeHeartbeat()
			if err != nil {
				continue
			}
			if err := s.SendFrame(ctx, payload); err != nil {
				s.logger.Warn("Heartbeat failed", "error", err)
			}
		}
	}
}

// SendFrame writes one ToRadio payload, mirrors it to the virtual-node hub,
// and traces outbound packets.
func (s *Service) SendFrame(ctx context.Context, payload []byte) error {
	if !s.connected.Load() {
		return fmt.Errorf("radio is not connected")
	}

	s.writeMu.Lock()
	err := s.transport.WriteFrame(ctx, payload)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	s.bus.Publish(events.TopicFrameOut, events.RawFrame{Payload: payload, Len: len(payload)})
	s.traceOutbound(ctx, payload)

	return nil
}

func (s *Service) traceOutbound(ctx context.Context, payload []byte) {
	if s.packetLog == nil {
		return
	}
	var wire meshtastic.ToRadio
	if proto.Unmarshal(payload, &wire) != nil || wire.GetPacket() == nil {
		return
	}
	packet := wire.GetPacket()
	info := &radio.PacketInfo{
		ID:        packet.GetId(),
		From:      s.codec.LocalNodeNum(),
		To:        packet.GetTo(),
		Channel:   packet.GetChannel(),
		WantAck:   packet.GetWantAck(),
		Transport: domain.PacketTransportLoRa,
		HopStart:  packet.GetHopLimit(),
	}
	if decoded := packet.GetDecoded(); decoded != nil {
		info.Portnum = decoded.GetPortnum()
		info.Payload = decoded.GetPayload()
		info.RequestID = decoded.GetRequestId()
		info.DecryptedBy = domain.DecryptedByNode
	} else {
		info.Encrypted = packet.GetEncrypted()
	}
	s.packetLog.Record(ctx, info, domain.PacketDirectionOut, s.codec.LocalNodeNum())
}

func (s *Service) publishStatus(state events.ConnectionState, errText string) {
	target := ""
	if resolver, ok := s.transport.(transport.StatusTargetResolver); ok {
		target = resolver.StatusTarget()
	}
	s.bus.Publish(events.TopicConnStatus, events.ConnStatus{
		State:         state,
		Err:           errText,
		TransportName: s.transport.Name(),
		Target:        target,
		LocalNodeNum:  s.codec.LocalNodeNum(),
		Timestamp:     time.Now(),
	})
}
