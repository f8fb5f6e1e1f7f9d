package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/meshnetlab/meshbridge/internal/bus"
	"github.com/meshnetlab/meshbridge/internal/domain"
	"github.com/meshnetlab/meshbridge/internal/events"
	"github.com/meshnetlab/meshbridge/internal/gateway"
	"github.com/meshnetlab/meshbridge/internal/radio"
)

const (
	// tracerouteMinSendGap respects the firmware's traceroute rate limit.
	tracerouteMinSendGap = 30 * time.Second
	tracerouteTimeout    = 5 * time.Minute
	// tracerouteMaxAge selects nodes whose last probe is older than this.
	tracerouteMaxAge = 12 * time.Hour
)

// TracerouteProber rotates periodic route discovery through the fleet and
// sweeps unanswered probes, penalizing the target's link quality.
type TracerouteProber struct {
	logger      *slog.Logger
	store       *domain.Store
	bus         bus.MessageBus
	codec       *radio.Codec
	sender      gateway.FrameSender
	linkQuality *gateway.LinkQualityTracker

	mu       sync.Mutex
	pending  map[uint32]pendingProbe
	lastSent time.Time
}

type pendingProbe struct {
	node   uint32
	sentAt time.Time
}

func NewTracerouteProber(deps Deps) *TracerouteProber {
	return &TracerouteProber{
		logger:      deps.Logger.With("task", "traceroute"),
		store:       deps.Store,
		bus:         deps.Bus,
		codec:       deps.Codec,
		sender:      deps.Sender,
		linkQuality: deps.LinkQuality,
		pending:     make(map[uint32]pendingProbe),
	}
}

// WatchResponses clears pending probes as route responses arrive. Runs until
// the context ends.
func (p *TracerouteProber) WatchResponses(ctx context.Context) {
	sub := p.bus.Subscribe(events.TopicTraceroute)
	defer p.bus.Unsubscribe(sub, events.TopicTraceroute)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub:
			if !ok {
				return
			}
			result, valid := msg.(events.TracerouteResult)
			if !valid {
				continue
			}
			p.mu.Lock()
			delete(p.pending, result.RequestID)
			p.mu.Unlock()
		}
	}
}

// Tick runs one scheduler round: sweep stale probes, then send at most one
// new request.
func (p *TracerouteProber) Tick(ctx context.Context) {
	p.sweep(ctx)

	p.mu.Lock()
	tooSoon := time.Since(p.lastSent) < tracerouteMinSendGap
	p.mu.Unlock()
	if tooSoon {
		return
	}

	target, found, err := p.store.Traceroutes.NextAutoTarget(ctx, tracerouteMaxAge)
	if err != nil {
		p.logger.Error("Failed to pick traceroute target", "error", err)

		return
	}
	if !found || target == p.codec.LocalNodeNum() {
		return
	}

	payload, requestID, err := p.codec.EncodeTraceroute(target, 0)
	if err != nil {
		p.logger.Error("Failed to encode traceroute", "error", err)

		return
	}
	if err := p.sender.SendFrame(ctx, payload); err != nil {
		p.logger.Warn("Failed to send traceroute", "node", domain.FormatNodeNum(target), "error", err)

		return
	}

	p.mu.Lock()
	p.pending[requestID] = pendingProbe{node: target, sentAt: time.Now()}
	p.lastSent = time.Now()
	p.mu.Unlock()

	if err := p.store.Traceroutes.RecordAutoTraceroute(ctx, target, time.Now()); err != nil {
		p.logger.Warn("Failed to record probe", "node", domain.FormatNodeNum(target), "error", err)
	}
	p.logger.Info("Traceroute probe sent",
		"node", domain.FormatNodeNum(target), "request_id", requestID)
}

// sweep fails probes that got no response within the timeout window.
func (p *TracerouteProber) sweep(ctx context.Context) {
	p.mu.Lock()
	var expired []pendingProbe
	for id, probe := range p.pending {
		if time.Since(probe.sentAt) > tracerouteTimeout {
			expired = append(expired, probe)
			delete(p.pending, id)
		}
	}
	p.mu.Unlock()

	for _, probe := range expired {
		quality := p.linkQuality.Penalize(ctx, probe.node, domain.LinkQualityTracerouteTimeoutPenalty)
		p.logger.Info("Traceroute timed out",
			"node", domain.FormatNodeNum(probe.node), "link_quality", quality)
	}
}
