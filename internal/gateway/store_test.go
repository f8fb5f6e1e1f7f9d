package gateway

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/meshnetlab/meshbridge/internal/bus"
	"github.com/meshnetlab/meshbridge/internal/domain"
)

// nopBus satisfies the bus interface for tests that ignore events.
type nopBus struct{}

func (nopBus) Publish(string, any)                     {}
func (nopBus) Subscribe(...string) bus.Subscription    { return nil }
func (nopBus) Unsubscribe(bus.Subscription, ...string) {}
func (nopBus) Close()                                  {}

// memStore backs an in-memory Store for engine-level tests. Thin adapter
// types give each repository interface its own method set.
type memStore struct {
	mu sync.Mutex

	nodes       map[uint32]domain.Node
	messages    map[msgKey]domain.Message
	telemetry   []domain.TelemetryPoint
	channels    map[int]domain.Channel
	nextRowID   int64
	neighbors   map[uint32][]domain.NeighborEntry
	settings    map[string]string
	traceroutes []domain.TracerouteRecord
	segments    []domain.RouteSegment
	autoProbes  map[uint32]time.Time
	packets     []domain.PacketLogEntry
}

type msgKey struct {
	from     uint32
	packetID uint32
}

func newMemStore() *memStore {
	return &memStore{
		nodes:      make(map[uint32]domain.Node),
		messages:   make(map[msgKey]domain.Message),
		channels:   make(map[int]domain.Channel),
		neighbors:  make(map[uint32][]domain.NeighborEntry),
		settings:   make(map[string]string),
		autoProbes: make(map[uint32]time.Time),
	}
}

func (s *memStore) Store() *domain.Store {
	return &domain.Store{
		Nodes:       memNodes{s},
		Messages:    memMessages{s},
		Telemetry:   memTelemetry{s},
		Channels:    memChannels{s},
		Neighbors:   memNeighbors{s},
		Settings:    memSettings{s},
		Traceroutes: memTraceroutes{s},
		PacketLog:   memPacketLog{s},
	}
}

type memNodes struct{ *memStore }

func (s memNodes) Upsert(_ context.Context, n domain.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.nodes[n.NodeNum]; ok && !existing.WelcomedAt.IsZero() {
		n.WelcomedAt = existing.WelcomedAt
	}
	s.nodes[n.NodeNum] = n

	return nil
}

func (s memNodes) Get(_ context.Context, nodeNum uint32) (domain.Node, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeNum]

	return n, ok, nil
}

func (s memNodes) ListActive(_ context.Context, maxAge time.Duration) ([]domain.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	var out []domain.Node
	for _, n := range s.nodes {
		if n.LastHeardAt.After(cutoff) {
			out = append(out, n)
		}
	}

	return out, nil
}

func (s memNodes) MarkWelcomedIfNotAlready(_ context.Context, nodeNum uint32, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nodes[nodeNum]
	if !n.WelcomedAt.IsZero() {
		return false, nil
	}
	n.NodeNum = nodeNum
	n.WelcomedAt = at
	s.nodes[nodeNum] = n

	return true, nil
}

type memMessages struct{ *memStore }

func (s memMessages) Insert(_ context.Context, m domain.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := msgKey{from: m.FromNodeNum, packetID: m.PacketID}
	if _, dup := s.messages[key]; dup {
		return false, nil
	}
	s.messages[key] = m

	return true, nil
}

func (s memMessages) UpdateDeliveryState(_ context.Context, requestID uint32, state domain.DeliveryState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, m := range s.messages {
		if m.RequestID == requestID {
			m.State = state
			s.messages[key] = m
		}
	}

	return nil
}

func (s memMessages) UpdateTimestamps(_ context.Context, requestID uint32, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, m := range s.messages {
		if m.RequestID == requestID {
			m.RxTime = at
			s.messages[key] = m
		}
	}

	return nil
}

func (s *memStore) messageByRequest(requestID uint32) (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.RequestID == requestID {
			return m, true
		}
	}

	return domain.Message{}, false
}

type memTelemetry struct{ *memStore }

func (s memTelemetry) Insert(_ context.Context, p domain.TelemetryPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.telemetry = append(s.telemetry, p)

	return nil
}

func (s memTelemetry) ListLatestForType(_ context.Context, nodeNum uint32, metricType string, limit int) ([]domain.TelemetryPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TelemetryPoint
	for _, p := range s.telemetry {
		if p.NodeNum == nodeNum && p.Type == metricType {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.After(out[j].Time) })
	if len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func (s *memStore) metricCount(nodeNum uint32, metricType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, p := range s.telemetry {
		if p.NodeNum == nodeNum && p.Type == metricType {
			count++
		}
	}

	return count
}

type memChannels struct{ *memStore }

func (s memChannels) Upsert(_ context.Context, ch domain.Channel) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.channels[ch.Index]; ok {
		ch.RowID = existing.RowID
	} else {
		s.nextRowID++
		ch.RowID = s.nextRowID
	}
	s.channels[ch.Index] = ch

	return ch.RowID, nil
}

func (s memChannels) Get(_ context.Context, index int) (domain.Channel, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[index]

	return ch, ok, nil
}

func (s memChannels) List(_ context.Context) ([]domain.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Channel
	for _, ch := range s.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })

	return out, nil
}

type memNeighbors struct{ *memStore }

func (s memNeighbors) Replace(_ context.Context, reporter uint32, neighbors []domain.NeighborEntry, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.neighbors[reporter] = neighbors

	return nil
}

func (s memNeighbors) Clear(_ context.Context, reporter uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.neighbors, reporter)

	return nil
}

type memSettings struct{ *memStore }

func (s memSettings) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.settings[key]

	return v, ok, nil
}

func (s memSettings) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value

	return nil
}

type memTraceroutes struct{ *memStore }

func (s memTraceroutes) Insert(_ context.Context, rec domain.TracerouteRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traceroutes = append(s.traceroutes, rec)

	return nil
}

func (s memTraceroutes) InsertSegment(_ context.Context, seg domain.RouteSegment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments = append(s.segments, seg)

	return nil
}

func (s memTraceroutes) RecordAutoTraceroute(_ context.Context, nodeNum uint32, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoProbes[nodeNum] = at

	return nil
}

func (s memTraceroutes) NextAutoTarget(_ context.Context, _ time.Duration) (uint32, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best uint32
	var bestAt time.Time
	found := false
	for _, n := range s.nodes {
		at, probed := s.autoProbes[n.NodeNum]
		switch {
		case !found:
			best, bestAt, found = n.NodeNum, at, true
		case !probed:
			best, bestAt = n.NodeNum, at
		case at.Before(bestAt):
			best, bestAt = n.NodeNum, at
		}
	}

	return best, found, nil
}

type memPacketLog struct{ *memStore }

func (s memPacketLog) Insert(_ context.Context, e domain.PacketLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets = append(s.packets, e)

	return nil
}
