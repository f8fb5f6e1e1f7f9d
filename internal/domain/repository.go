package domain

import (
	"context"
	"time"
)

// The store port. The gateway core reads and writes persistent state only
// through these interfaces; the sqlite adapter lives in internal/persistence.

type NodeRepository interface {
	Upsert(ctx context.Context, n Node) error
	Get(ctx context.Context, nodeNum uint32) (Node, bool, error)
	ListActive(ctx context.Context, maxAge time.Duration) ([]Node, error)
	// MarkWelcomedIfNotAlready atomically records the welcome timestamp and
	// reports whether this call was the one that set it.
	MarkWelcomedIfNotAlready(ctx context.Context, nodeNum uint32, at time.Time) (bool, error)
}

type MessageRepository interface {
	// Insert stores a message, deduplicated by (from, packet id). Returns
	// false when the row already existed.
	Insert(ctx context.Context, m Message) (bool, error)
	UpdateDeliveryState(ctx context.Context, requestID uint32, state DeliveryState) error
	// UpdateTimestamps rewrites the message time to the acknowledging
	// packet's rx time so sent and received messages sort consistently.
	UpdateTimestamps(ctx context.Context, requestID uint32, at time.Time) error
}

type TelemetryRepository interface {
	Insert(ctx context.Context, p TelemetryPoint) error
	ListLatestForType(ctx context.Context, nodeNum uint32, metricType string, limit int) ([]TelemetryPoint, error)
}

type ChannelRepository interface {
	// Upsert stores a channel slot and returns its database row id.
	Upsert(ctx context.Context, ch Channel) (int64, error)
	Get(ctx context.Context, index int) (Channel, bool, error)
	List(ctx context.Context) ([]Channel, error)
}

type NeighborRepository interface {
	// Replace atomically swaps the neighbor set reported by a node.
	Replace(ctx context.Context, reporter uint32, neighbors []NeighborEntry, at time.Time) error
	Clear(ctx context.Context, reporter uint32) error
}

type SettingRepository interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

type TracerouteRepository interface {
	Insert(ctx context.Context, rec TracerouteRecord) error
	InsertSegment(ctx context.Context, seg RouteSegment) error
	// RecordAutoTraceroute notes that the periodic traceroute task probed a
	// node, so the selection query can rotate through the fleet.
	RecordAutoTraceroute(ctx context.Context, nodeNum uint32, at time.Time) error
	// NextAutoTarget picks the node most overdue for a traceroute.
	NextAutoTarget(ctx context.Context, maxAge time.Duration) (uint32, bool, error)
}

type PacketLogRepository interface {
	Insert(ctx context.Context, e PacketLogEntry) error
}

// Store bundles the port interfaces the engine and schedulers depend on.
type Store struct {
	Nodes       NodeRepository
	Messages    MessageRepository
	Telemetry   TelemetryRepository
	Channels    ChannelRepository
	Neighbors   NeighborRepository
	Settings    SettingRepository
	Traceroutes TracerouteRepository
	PacketLog   PacketLogRepository
}
