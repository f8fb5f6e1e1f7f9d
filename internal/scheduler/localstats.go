package scheduler

import (
	"context"
	"log/slog"
	"time"

	"buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"

	"github.com/meshnetlab/meshbridge/internal/domain"
	"github.com/meshnetlab/meshbridge/internal/gateway"
	"github.com/meshnetlab/meshbridge/internal/radio"
)

// localStatsActiveWindow defines which nodes count as active for the
// fleet-size metrics.
const localStatsActiveWindow = 2 * time.Hour

// LocalStatsCollector samples the gateway's own radio and fleet. It asks the
// local node for device telemetry and derives active/direct node counts from
// the store, so graphs cover the whole deployment, not just remote nodes.
type LocalStatsCollector struct {
	logger    *slog.Logger
	nodes     domain.NodeRepository
	telemetry domain.TelemetryRepository
	codec     *radio.Codec
	sender    gateway.FrameSender
}

func NewLocalStatsCollector(deps Deps) *LocalStatsCollector {
	return &LocalStatsCollector{
		logger:    deps.Logger.With("task", "localstats"),
		nodes:     deps.Store.Nodes,
		telemetry: deps.Store.Telemetry,
		codec:     deps.Codec,
		sender:    deps.Sender,
	}
}

func (l *LocalStatsCollector) Tick(ctx context.Context) {
	l.requestLocalTelemetry(ctx)
	l.recordFleetCounts(ctx)
}

// requestLocalTelemetry asks the local radio for device metrics; the answer
// flows back through the normal telemetry handler.
func (l *LocalStatsCollector) requestLocalTelemetry(ctx context.Context) {
	payload, _, err := l.codec.EncodeRequest(meshtastic.PortNum_TELEMETRY_APP, l.codec.LocalNodeNum(), 0)
	if err != nil {
		l.logger.Error("Failed to encode telemetry request", "error", err)

		return
	}
	if err := l.sender.SendFrame(ctx, payload); err != nil {
		l.logger.Warn("Failed to request local telemetry", "error", err)
	}
}

func (l *LocalStatsCollector) recordFleetCounts(ctx context.Context) {
	active, err := l.nodes.ListActive(ctx, localStatsActiveWindow)
	if err != nil {
		l.logger.Error("Failed to list active nodes", "error", err)

		return
	}

	direct := 0
	for _, node := range active {
		if node.HopsAway == 0 && node.NodeNum != l.codec.LocalNodeNum() {
			direct++
		}
	}

	now := time.Now()
	local := l.codec.LocalNodeNum()
	points := []domain.TelemetryPoint{
		{NodeNum: local, Type: "nodes_active", Time: now, Value: float64(len(active))},
		{NodeNum: local, Type: "nodes_direct", Time: now, Value: float64(direct)},
	}
	for _, point := range points {
		if err := l.telemetry.Insert(ctx, point); err != nil {
			l.logger.Warn("Failed to store fleet count", "type", point.Type, "error", err)
		}
	}
	l.logger.Debug("Fleet counts sampled", "active", len(active), "direct", direct)
}
