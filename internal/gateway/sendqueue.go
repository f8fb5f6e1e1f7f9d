package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"

	"github.com/meshnetlab/meshbridge/internal/bus"
	"github.com/meshnetlab/meshbridge/internal/domain"
	"github.com/meshnetlab/meshbridge/internal/events"
	"github.com/meshnetlab/meshbridge/internal/radio"
)

// FrameSender pushes one encoded ToRadio payload to the radio link.
type FrameSender interface {
	SendFrame(ctx context.Context, payload []byte) error
}

// QueuedSend is one outbound text message. Channel -1 sends a direct message
// to To; 0..7 broadcasts on that channel slot.
type QueuedSend struct {
	Text        string
	To          uint32
	Channel     int
	ReplyID     uint32
	Emoji       bool
	MaxAttempts int
	OnDelivered func()
	OnFailed    func(reason string)
}

type trackedSend struct {
	item      QueuedSend
	requestID uint32
	attempt   int
	state     domain.DeliveryState
}

// SendQueue serializes all outbound text traffic through one rate-limited
// FIFO and correlates routing ACK/NAK replies back to the pending sends.
type SendQueue struct {
	logger      *slog.Logger
	codec       *radio.Codec
	sender      FrameSender
	messages    domain.MessageRepository
	bus         bus.MessageBus
	minInterval time.Duration

	queue chan QueuedSend

	mu       sync.Mutex
	lastSend time.Time
	pending  map[uint32]*trackedSend
}

const sendQueueDepth = 64

func NewSendQueue(logger *slog.Logger, codec *radio.Codec, sender FrameSender, messages domain.MessageRepository, b bus.MessageBus, minInterval time.Duration) *SendQueue {
	if minInterval <= 0 {
		minInterval = time.Second
	}

	return &SendQueue{
		logger:      logger.With("component", "sendqueue"),
		codec:       codec,
		sender:      sender,
		messages:    messages,
		bus:         b,
		minInterval: minInterval,
		queue:       make(chan QueuedSend, sendQueueDepth),
		pending:     make(map[uint32]*trackedSend),
	}
}

// Enqueue appends one send. Fails fast when the queue is saturated rather
// than blocking a handler goroutine.
func (q *SendQueue) Enqueue(item QueuedSend) error {
	if item.Text == "" {
		return fmt.Errorf("refusing to queue empty message")
	}
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = 1
	}
	select {
	case q.queue <- item:
		return nil
	default:
		return fmt.Errorf("send queue is full (%d entries)", sendQueueDepth)
	}
}

// NoteExternalSend records a transmission that bypassed the queue (tapback
// reactions, raw virtual-node traffic) so the rate limit covers it too.
func (q *SendQueue) NoteExternalSend() {
	q.mu.Lock()
	q.lastSend = time.Now()
	q.mu.Unlock()
}

// Run drains the queue until the context ends, spacing transmissions by the
// configured minimum interval.
func (q *SendQueue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-q.queue:
			if !q.waitForSlot(ctx) {
				return
			}
			q.transmit(ctx, item)
		}
	}
}

func (q *SendQueue) waitForSlot(ctx context.Context) bool {
	q.mu.Lock()
	wait := q.minInterval - time.Since(q.lastSend)
	q.mu.Unlock()
	if wait <= 0 {
		return true
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (q *SendQueue) transmit(ctx context.Context, item QueuedSend) {
	payload, packetID, err := q.codec.EncodeText(item.To, item.Channel, item.Text, radio.TextOptions{
		ReplyID: item.ReplyID,
		Emoji:   item.Emoji,
	})
	if err != nil {
		q.logger.Error("Failed to encode outgoing message", "error", err)
		if item.OnFailed != nil {
			item.OnFailed("encode")
		}

		return
	}

	entry := &trackedSend{item: item, requestID: packetID, attempt: 1, state: domain.DeliveryPending}
	q.mu.Lock()
	if prev, ok := q.retake(item); ok {
		entry.attempt = prev.attempt + 1
	}
	q.pending[packetID] = entry
	q.lastSend = time.Now()
	q.mu.Unlock()

	msg := domain.Message{
		FromNodeNum: q.codec.LocalNodeNum(),
		ToNodeNum:   item.To,
		PacketID:    packetID,
		RequestID:   packetID,
		Text:        item.Text,
		Channel:     item.Channel,
		ReplyID:     item.ReplyID,
		Emoji:       item.Emoji,
		WantAck:     true,
		State:       domain.DeliveryPending,
		RxTime:      time.Now(),
	}
	if _, err := q.messages.Insert(ctx, msg); err != nil {
		q.logger.Warn("Failed to persist outgoing message", "request_id", packetID, "error", err)
	}

	if err := q.sender.SendFrame(ctx, payload); err != nil {
		q.logger.Error("Failed to transmit message", "request_id", packetID, "error", err)
		q.fail(ctx, entry, "transport")

		return
	}

	q.logger.Info("Message transmitted",
		"request_id", packetID, "to", domain.FormatNodeNum(item.To),
		"channel", item.Channel, "attempt", entry.attempt)
	q.publishStatus(packetID, domain.DeliveryPending, "", 0, time.Time{})
}

// retake finds a pending entry being retried for the same logical message so
// the attempt counter carries over. Caller holds the mutex.
func (q *SendQueue) retake(item QueuedSend) (*trackedSend, bool) {
	for id, entry := range q.pending {
		if entry.state == domain.DeliveryFailed &&
			entry.item.To == item.To && entry.item.Channel == item.Channel && entry.item.Text == item.Text {
			delete(q.pending, id)

			return entry, true
		}
	}

	return nil, false
}

// Target reports the destination node of a tracked send, false when the
// request id is unknown.
func (q *SendQueue) Target(requestID uint32) (uint32, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.pending[requestID]
	if !ok {
		return 0, false
	}

	return entry.item.To, true
}

// HandleRouting consumes one routing reply. Returns false when the request id
// belongs to no tracked send.
func (q *SendQueue) HandleRouting(ctx context.Context, ackFrom, requestID uint32, errorReason meshtastic.Routing_Error, rxTime time.Time) bool {
	localNode := q.codec.LocalNodeNum()

	q.mu.Lock()
	entry, ok := q.pending[requestID]
	q.mu.Unlock()
	if !ok {
		return false
	}

	if errorReason == meshtastic.Routing_NONE {
		q.handleAck(ctx, entry, ackFrom, localNode, rxTime)

		return true
	}

	// NAKs only count from the intended recipient or our own radio; an
	// intermediate node failing one route says nothing about the others.
	isDirect := entry.item.Channel == domain.DirectMessageChannel
	if isDirect && ackFrom != entry.item.To && ackFrom != localNode {
		q.logger.Debug("Ignoring intermediate NAK",
			"request_id", requestID, "from", domain.FormatNodeNum(ackFrom), "reason", errorReason)

		return true
	}

	q.logger.Warn("Message rejected",
		"request_id", requestID, "from", domain.FormatNodeNum(ackFrom), "reason", errorReason)
	q.fail(ctx, entry, errorReason.String())

	return true
}

func (q *SendQueue) handleAck(ctx context.Context, entry *trackedSend, ackFrom, localNode uint32, rxTime time.Time) {
	isDirect := entry.item.Channel == domain.DirectMessageChannel

	var next domain.DeliveryState
	switch {
	case ackFrom == localNode:
		next = domain.DeliveryDelivered
	case isDirect && ackFrom == entry.item.To:
		next = domain.DeliveryConfirmed
	default:
		// Intermediate relay ACK.
		return
	}

	q.mu.Lock()
	if !domain.ShouldTransitionDelivery(entry.state, next) {
		q.mu.Unlock()

		return
	}
	entry.state = next
	done := next == domain.DeliveryConfirmed || (next == domain.DeliveryDelivered && !isDirect)
	if done {
		delete(q.pending, entry.requestID)
	}
	q.mu.Unlock()

	if err := q.messages.UpdateDeliveryState(ctx, entry.requestID, next); err != nil {
		q.logger.Warn("Failed to update delivery state", "request_id", entry.requestID, "error", err)
	}
	if !rxTime.IsZero() {
		if err := q.messages.UpdateTimestamps(ctx, entry.requestID, rxTime); err != nil {
			q.logger.Warn("Failed to rewrite message timestamps", "request_id", entry.requestID, "error", err)
		}
	}
	q.publishStatus(entry.requestID, next, "", ackFrom, rxTime)
	q.logger.Info("Message acknowledged",
		"request_id", entry.requestID, "state", next.String(), "from", domain.FormatNodeNum(ackFrom))

	if done && entry.item.OnDelivered != nil {
		entry.item.OnDelivered()
	}
}

func (q *SendQueue) fail(ctx context.Context, entry *trackedSend, reason string) {
	q.mu.Lock()
	if !domain.ShouldTransitionDelivery(entry.state, domain.DeliveryFailed) {
		q.mu.Unlock()

		return
	}
	entry.state = domain.DeliveryFailed
	delete(q.pending, entry.requestID)
	retry := entry.attempt < entry.item.MaxAttempts
	if retry {
		// Keep the dead entry around briefly so the retry inherits its
		// attempt counter.
		q.pending[entry.requestID] = entry
	}
	q.mu.Unlock()

	if err := q.messages.UpdateDeliveryState(ctx, entry.requestID, domain.DeliveryFailed); err != nil {
		q.logger.Warn("Failed to update delivery state", "request_id", entry.requestID, "error", err)
	}
	q.publishStatus(entry.requestID, domain.DeliveryFailed, reason, 0, time.Time{})

	if retry {
		q.logger.Info("Retrying message",
			"request_id", entry.requestID, "attempt", entry.attempt, "max_attempts", entry.item.MaxAttempts)
		if err := q.Enqueue(entry.item); err != nil {
			q.logger.Error("Failed to requeue message", "error", err)
			q.drop(entry)
			if entry.item.OnFailed != nil {
				entry.item.OnFailed(reason)
			}
		}

		return
	}

	q.drop(entry)
	if entry.item.OnFailed != nil {
		entry.item.OnFailed(reason)
	}
}

func (q *SendQueue) drop(entry *trackedSend) {
	q.mu.Lock()
	delete(q.pending, entry.requestID)
	q.mu.Unlock()
}

// FailInFlight marks every pending send failed; called when the transport
// drops so callers are not left waiting for ACKs that cannot arrive.
func (q *SendQueue) FailInFlight(ctx context.Context, reason string) {
	q.mu.Lock()
	entries := make([]*trackedSend, 0, len(q.pending))
	for _, entry := range q.pending {
		entries = append(entries, entry)
	}
	q.pending = make(map[uint32]*trackedSend)
	q.mu.Unlock()

	for _, entry := range entries {
		if !domain.ShouldTransitionDelivery(entry.state, domain.DeliveryFailed) {
			continue
		}
		entry.state = domain.DeliveryFailed
		if err := q.messages.UpdateDeliveryState(ctx, entry.requestID, domain.DeliveryFailed); err != nil {
			q.logger.Warn("Failed to update delivery state", "request_id", entry.requestID, "error", err)
		}
		q.publishStatus(entry.requestID, domain.DeliveryFailed, reason, 0, time.Time{})
		if entry.item.OnFailed != nil {
			entry.item.OnFailed(reason)
		}
	}
}

func (q *SendQueue) publishStatus(requestID uint32, state domain.DeliveryState, reason string, ackFrom uint32, rxTime time.Time) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(events.TopicMessageStatus, events.MessageStatusUpdate{
		RequestID: requestID,
		State:     state,
		Reason:    reason,
		AckFrom:   ackFrom,
		RxTime:    rxTime,
	})
}
