package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/meshnetlab/meshbridge/internal/bus"
	"github.com/meshnetlab/meshbridge/internal/config"
	"github.com/meshnetlab/meshbridge/internal/domain"
	"github.com/meshnetlab/meshbridge/internal/events"
)

const titleNodeDiscovered = "New node discovered"

// Service listens to bus events and emits user-facing notifications.
type Service struct {
	logger *slog.Logger
	cfg    config.NotifyConfig
	bus    bus.MessageBus
	nodes  domain.NodeRepository
	sender Sender

	connStatusMu     sync.Mutex
	lastConnState    events.ConnectionState
	lastConnStateSet bool
}

func NewService(
	logger *slog.Logger,
	cfg config.NotifyConfig,
	messageBus bus.MessageBus,
	nodes domain.NodeRepository,
	sender Sender,
) *Service {
	return &Service{
		logger: logger.With("component", "notify"),
		cfg:    cfg,
		bus:    messageBus,
		nodes:  nodes,
		sender: sender,
	}
}

// Run consumes bus events until the context ends. When notifications are
// disabled it parks without subscribing.
func (s *Service) Run(ctx context.Context) error {
	if !s.cfg.Enabled || s.sender == nil {
		<-ctx.Done()

		return nil
	}

	textSub := s.bus.Subscribe(events.TopicTextMessage)
	nodeSub := s.bus.Subscribe(events.TopicNodeDiscovered)
	connSub := s.bus.Subscribe(events.TopicConnStatus)
	defer s.bus.Unsubscribe(textSub, events.TopicTextMessage)
	defer s.bus.Unsubscribe(nodeSub, events.TopicNodeDiscovered)
	defer s.bus.Unsubscribe(connSub, events.TopicConnStatus)

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-textSub:
			if !ok {
				return nil
			}
			if msg, ok := raw.(domain.Message); ok {
				s.handleIncomingMessage(ctx, msg)
			}
		case raw, ok := <-nodeSub:
			if !ok {
				return nil
			}
			if event, ok := raw.(events.NodeUpdated); ok {
				s.handleNodeDiscovered(event)
			}
		case raw, ok := <-connSub:
			if !ok {
				return nil
			}
			if status, ok := raw.(events.ConnStatus); ok {
				s.handleConnStatus(status)
			}
		}
	}
}

func (s *Service) handleIncomingMessage(ctx context.Context, msg domain.Message) {
	if !s.cfg.DirectMessage || !msg.IsDirect() {
		return
	}

	senderName := s.displayName(ctx, msg.FromNodeNum)
	body := strings.TrimSpace(msg.Text)
	if body == "" {
		body = "(empty)"
	}

	s.send(Payload{
		Title:   "@" + senderName,
		Content: body,
	})
}

func (s *Service) handleNodeDiscovered(event events.NodeUpdated) {
	if !s.cfg.NodeDiscovered {
		return
	}

	s.send(Payload{
		Title:   titleNodeDiscovered,
		Content: nodeDiscoveredContent(event.Node),
	})
}

func (s *Service) handleConnStatus(status events.ConnStatus) {
	if status.State == "" {
		return
	}

	s.connStatusMu.Lock()
	if s.lastConnStateSet && s.lastConnState == status.State {
		s.connStatusMu.Unlock()

		return
	}
	s.lastConnState = status.State
	s.lastConnStateSet = true
	s.connStatusMu.Unlock()

	if !s.cfg.Connection {
		return
	}
	if status.State != events.ConnectionStateConnected &&
		status.State != events.ConnectionStateDisconnected {
		return
	}

	transport := transportName(status.TransportName)
	details := strings.TrimSpace(status.Target)
	if details == "" {
		details = "No connection details"
	}
	if status.State == events.ConnectionStateDisconnected {
		if errText := strings.TrimSpace(status.Err); errText != "" {
			details = fmt.Sprintf("%s (error: %s)", details, errText)
		}
	}

	s.send(Payload{
		Title:   fmt.Sprintf("%s - %s", transport, status.State),
		Content: details,
	})
}

func (s *Service) displayName(ctx context.Context, nodeNum uint32) string {
	if s.nodes != nil {
		node, found, err := s.nodes.Get(ctx, nodeNum)
		if err == nil && found && node.HasRealName() {
			return node.LongName
		}
	}

	return domain.FormatNodeNum(nodeNum)
}

func (s *Service) send(notification Payload) {
	title := strings.TrimSpace(notification.Title)
	content := strings.TrimSpace(notification.Content)
	if title == "" && content == "" {
		return
	}
	s.logger.Debug("Sending notification", "title", title)
	s.sender.Send(Payload{
		Title:   title,
		Content: content,
	})
}

func nodeDiscoveredContent(node domain.Node) string {
	longName := strings.TrimSpace(node.LongName)
	if longName == "" || !node.HasRealName() {
		return node.NodeID()
	}
	shortName := strings.TrimSpace(node.ShortName)
	if shortName == "" {
		return longName
	}

	return fmt.Sprintf("[%s] %s", shortName, longName)
}

func transportName(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "ip":
		return "IP"
	case "serial":
		return "Serial"
	default:
		return "Unknown"
	}
}
