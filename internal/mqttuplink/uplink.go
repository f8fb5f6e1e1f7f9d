package mqttuplink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/meshnetlab/meshbridge/internal/bus"
	"github.com/meshnetlab/meshbridge/internal/config"
	"github.com/meshnetlab/meshbridge/internal/domain"
	"github.com/meshnetlab/meshbridge/internal/events"
)

const (
	connectTimeout    = 10 * time.Second
	maxReconnectDelay = time.Minute
)

// broker is the slice of the paho client the uplink needs.
type broker interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
	IsConnectionOpen() bool
}

// Uplink mirrors decoded mesh traffic to an MQTT broker as JSON. Local
// dashboards and automations subscribe to the broker instead of opening
// their own radio connection.
type Uplink struct {
	logger *slog.Logger
	cfg    config.MQTTConfig
	bus    bus.MessageBus
	client broker
}

func NewUplink(logger *slog.Logger, cfg config.MQTTConfig, messageBus bus.MessageBus) *Uplink {
	u := &Uplink{
		logger: logger.With("component", "mqtt"),
		cfg:    cfg,
		bus:    messageBus,
	}
	if !cfg.Enabled {
		return u
	}

	opts := mqtt.NewClientOptions().AddBroker(cfg.BrokerURL)
	opts.SetClientID(clientID(cfg))
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(maxReconnectDelay)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		u.logger.Info("Connected to MQTT broker", "broker", cfg.BrokerURL)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		u.logger.Warn("MQTT connection lost", "error", err)
	})
	u.client = mqtt.NewClient(opts)

	return u
}

func clientID(cfg config.MQTTConfig) string {
	if cfg.ClientID != "" {
		return cfg.ClientID
	}

	return "meshbridge"
}

// Run connects to the broker and forwards bus events until the context ends.
// When the uplink is disabled it parks without connecting.
func (u *Uplink) Run(ctx context.Context) error {
	if !u.cfg.Enabled {
		<-ctx.Done()

		return nil
	}

	token := u.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connect to %s timed out", u.cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", u.cfg.BrokerURL, err)
	}
	defer u.client.Disconnect(uint(time.Second.Milliseconds()))

	sub := u.bus.Subscribe(
		events.TopicTextMessage,
		events.TopicNodeUpdated,
		events.TopicPosition,
		events.TopicTraceroute,
		events.TopicMessageStatus,
		events.TopicConnStatus,
	)
	defer u.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-sub:
			if !ok {
				return nil
			}
			u.forward(raw)
		}
	}
}

func (u *Uplink) forward(raw any) {
	switch v := raw.(type) {
	case domain.Message:
		u.publish("message", messageEvent{
			From:    domain.FormatNodeNum(v.FromNodeNum),
			To:      domain.FormatNodeNum(v.ToNodeNum),
			Text:    v.Text,
			Channel: v.Channel,
			Direct:  v.IsDirect(),
			SNR:     v.RxSNR,
			RSSI:    v.RxRSSI,
			At:      v.RxTime,
		})
	case events.NodeUpdated:
		u.publish("node", nodeEvent{
			NodeID:     v.Node.NodeID(),
			LongName:   v.Node.LongName,
			ShortName:  v.Node.ShortName,
			HWModel:    v.Node.HWModel,
			HopsAway:   v.Node.HopsAway,
			Discovered: v.Discovered,
			At:         v.Node.LastHeardAt,
		})
	case events.PositionObserved:
		u.publish("position", positionEvent{
			NodeID:    domain.FormatNodeNum(v.NodeNum),
			Latitude:  v.Latitude,
			Longitude: v.Longitude,
			Altitude:  v.Altitude,
			At:        v.At,
		})
	case events.TracerouteResult:
		u.publish("traceroute", tracerouteEvent{
			From:  domain.FormatNodeNum(v.From),
			To:    domain.FormatNodeNum(v.To),
			Route: formatRoute(v.Route),
			At:    v.At,
		})
	case events.MessageStatusUpdate:
		u.publish("delivery", deliveryEvent{
			RequestID: v.RequestID,
			State:     v.State.String(),
			Reason:    v.Reason,
			At:        v.RxTime,
		})
	case events.ConnStatus:
		u.publish("status", statusEvent{
			State:     string(v.State),
			Transport: v.TransportName,
			Target:    v.Target,
			Error:     v.Err,
			At:        v.Timestamp,
		})
	}
}

func (u *Uplink) publish(kind string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		u.logger.Error("Encode uplink event", "kind", kind, "error", err)

		return
	}

	topic := u.cfg.TopicPrefix + "/" + kind
	token := u.client.Publish(topic, 0, false, raw)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			u.logger.Warn("Publish uplink event", "topic", topic, "error", err)
		}
	}()
}

func formatRoute(route []uint32) []string {
	out := make([]string, 0, len(route))
	for _, hop := range route {
		out = append(out, domain.FormatNodeNum(hop))
	}

	return out
}
