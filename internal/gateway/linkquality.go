package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/meshnetlab/meshbridge/internal/domain"
)

// LinkQualityTracker keeps a per-node quality score in [0..10]. The history
// is appended to telemetry on change, or at most every minMetricInterval
// while the score holds steady.
type LinkQualityTracker struct {
	logger    *slog.Logger
	telemetry domain.TelemetryRepository
	gate      *metricGate

	mu    sync.Mutex
	nodes map[uint32]*linkQualityState
}

type linkQualityState struct {
	quality  int
	lastHops int
	seen     bool
}

func NewLinkQualityTracker(logger *slog.Logger, telemetry domain.TelemetryRepository) *LinkQualityTracker {
	return &LinkQualityTracker{
		logger:    logger.With("component", "linkquality"),
		telemetry: telemetry,
		gate:      newMetricGate(),
		nodes:     make(map[uint32]*linkQualityState),
	}
}

// ObserveHops feeds one hop-count observation for a node and returns the
// resulting quality. The first observation seeds the score from hop distance,
// later ones drift it against the previous hop count.
func (t *LinkQualityTracker) ObserveHops(ctx context.Context, nodeNum uint32, hops int) int {
	t.mu.Lock()
	state, ok := t.nodes[nodeNum]
	if !ok {
		state = &linkQualityState{}
		t.nodes[nodeNum] = state
	}

	if !state.seen {
		state.quality = domain.InitialLinkQuality(hops)
		state.seen = true
	} else {
		state.quality = domain.ClampLinkQuality(state.quality + domain.LinkQualityDelta(state.lastHops, hops))
	}
	state.lastHops = hops
	quality := state.quality
	t.mu.Unlock()

	t.record(ctx, nodeNum, quality)

	return quality
}

// Penalize applies a fixed penalty (traceroute timeout, PKI failure) and
// returns the resulting quality. Unknown nodes are seeded at the floor.
func (t *LinkQualityTracker) Penalize(ctx context.Context, nodeNum uint32, penalty int) int {
	t.mu.Lock()
	state, ok := t.nodes[nodeNum]
	if !ok {
		state = &linkQualityState{seen: true}
		t.nodes[nodeNum] = state
	}
	state.quality = domain.ClampLinkQuality(state.quality + penalty)
	quality := state.quality
	t.mu.Unlock()

	t.record(ctx, nodeNum, quality)

	return quality
}

// Quality returns the current score, false when the node was never observed.
func (t *LinkQualityTracker) Quality(nodeNum uint32) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.nodes[nodeNum]
	if !ok || !state.seen {
		return 0, false
	}

	return state.quality, true
}

func (t *LinkQualityTracker) record(ctx context.Context, nodeNum uint32, quality int) {
	if t.telemetry == nil {
		return
	}
	if !t.gate.Admit(nodeNum, "link_quality", float64(quality), time.Now()) {
		return
	}
	err := t.telemetry.Insert(ctx, domain.TelemetryPoint{
		NodeNum: nodeNum,
		Type:    "link_quality",
		Time:    time.Now(),
		Value:   float64(quality),
	})
	if err != nil {
		t.logger.Warn("Failed to record link quality", "node", domain.FormatNodeNum(nodeNum), "error", err)
	}
}
