package gateway

import (
	"sync"
	"time"
)

// minMetricInterval is the re-write floor for periodic metrics: an unchanged
// value is appended again only after this long, so chatty nodes cannot fill
// the telemetry table with identical rows.
const minMetricInterval = 10 * time.Minute

// metricGate admits a per-node metric write when the value differs from the
// last written one or the minimum interval has elapsed since it.
type metricGate struct {
	mu   sync.Mutex
	last map[metricKey]metricSample
}

type metricKey struct {
	nodeNum uint32
	metric  string
}

type metricSample struct {
	value float64
	at    time.Time
}

func newMetricGate() *metricGate {
	return &metricGate{last: make(map[metricKey]metricSample)}
}

func (g *metricGate) Admit(nodeNum uint32, metric string, value float64, now time.Time) bool {
	key := metricKey{nodeNum: nodeNum, metric: metric}

	g.mu.Lock()
	defer g.mu.Unlock()

	prev, seen := g.last[key]
	if seen && prev.value == value && now.Sub(prev.at) < minMetricInterval {
		return false
	}
	g.last[key] = metricSample{value: value, at: now}

	return true
}
