package scheduler

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/meshnetlab/meshbridge/internal/bus"
	"github.com/meshnetlab/meshbridge/internal/config"
	"github.com/meshnetlab/meshbridge/internal/domain"
	"github.com/meshnetlab/meshbridge/internal/events"
	"github.com/meshnetlab/meshbridge/internal/gateway"
)

// geofenceSweepInterval paces the while-inside checks.
const geofenceSweepInterval = time.Minute

// geofenceSeedMaxAge bounds which stored positions seed the inside set.
const geofenceSeedMaxAge = 24 * time.Hour

// GeofenceEngine watches position reports against the configured circular
// fences and fires enter/exit/while-inside triggers. On start the inside
// set is seeded from stored node positions without firing, so a gateway
// rebooting inside a busy area does not emit a storm of enter events, yet
// the first report after boot can still fire a genuine transition.
type GeofenceEngine struct {
	logger  *slog.Logger
	fences  []config.GeofenceConfig
	nodes   domain.NodeRepository
	bus     bus.MessageBus
	queue   *gateway.SendQueue
	scripts gateway.ScriptRunner

	mu    sync.Mutex
	state map[fenceNodeKey]*fenceState
}

type fenceNodeKey struct {
	fence   int
	nodeNum uint32
}

type fenceState struct {
	inside     bool
	enteredAt  time.Time
	lastRepeat time.Time
}

func NewGeofenceEngine(deps Deps) *GeofenceEngine {
	return &GeofenceEngine{
		logger:  deps.Logger.With("task", "geofence"),
		fences:  deps.Cfg.Geofences,
		nodes:   deps.Store.Nodes,
		bus:     deps.Bus,
		queue:   deps.Queue,
		scripts: deps.Scripts,
		state:   make(map[fenceNodeKey]*fenceState),
	}
}

// Run consumes position events until the context ends.
func (g *GeofenceEngine) Run(ctx context.Context) {
	if !g.anyEnabled() {
		return
	}
	g.seedFromStore(ctx)

	sub := g.bus.Subscribe(events.TopicPosition)
	defer g.bus.Unsubscribe(sub, events.TopicPosition)

	ticker := time.NewTicker(geofenceSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub:
			if !ok {
				return
			}
			pos, valid := msg.(events.PositionObserved)
			if !valid {
				continue
			}
			g.observe(ctx, pos)
		case <-ticker.C:
			g.sweepWhileInside(ctx)
		}
	}
}

func (g *GeofenceEngine) anyEnabled() bool {
	for _, fence := range g.fences {
		if fence.Enabled {
			return true
		}
	}

	return false
}

// seedFromStore computes each enabled fence's initial inside set from the
// node positions on record. No triggers fire during seeding.
func (g *GeofenceEngine) seedFromStore(ctx context.Context) {
	active, err := g.nodes.ListActive(ctx, geofenceSeedMaxAge)
	if err != nil {
		g.logger.Error("Failed to list nodes for seeding", "error", err)

		return
	}

	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, node := range active {
		if node.Position.IsZero() {
			continue
		}
		for i, fence := range g.fences {
			if !fence.Enabled {
				continue
			}
			inside := haversineMeters(node.Position.Latitude, node.Position.Longitude,
				fence.Latitude, fence.Longitude) <= fence.RadiusMeters

			key := fenceNodeKey{fence: i, nodeNum: node.NodeNum}
			if _, known := g.state[key]; !known {
				g.state[key] = &fenceState{inside: inside, enteredAt: now}
			}
		}
	}
}

// observe evaluates one position report against every enabled fence.
func (g *GeofenceEngine) observe(ctx context.Context, pos events.PositionObserved) {
	for i, fence := range g.fences {
		if !fence.Enabled {
			continue
		}
		inside := haversineMeters(pos.Latitude, pos.Longitude, fence.Latitude, fence.Longitude) <= fence.RadiusMeters

		key := fenceNodeKey{fence: i, nodeNum: pos.NodeNum}
		g.mu.Lock()
		st, known := g.state[key]
		if !known {
			// First sighting primes the state without firing.
			g.state[key] = &fenceState{inside: inside, enteredAt: time.Now()}
			g.mu.Unlock()

			continue
		}
		changed := st.inside != inside
		st.inside = inside
		if changed && inside {
			st.enteredAt = time.Now()
			st.lastRepeat = time.Time{}
		}
		g.mu.Unlock()

		if !changed {
			continue
		}
		if inside {
			g.fire(ctx, fence, pos, "enter", fence.EnterMessage, fence.EnterScript)
		} else {
			g.fire(ctx, fence, pos, "exit", fence.ExitMessage, fence.ExitScript)
		}
	}
}

// sweepWhileInside repeats the while-inside trigger for nodes that stay in
// a fence longer than the configured period.
func (g *GeofenceEngine) sweepWhileInside(ctx context.Context) {
	now := time.Now()
	for i, fence := range g.fences {
		if !fence.Enabled || fence.WhileInsideMinutes <= 0 || fence.WhileInsideMessage == "" {
			continue
		}
		period := time.Duration(fence.WhileInsideMinutes) * time.Minute

		var due []uint32
		g.mu.Lock()
		for key, st := range g.state {
			if key.fence != i || !st.inside {
				continue
			}
			last := st.lastRepeat
			if last.IsZero() {
				last = st.enteredAt
			}
			if now.Sub(last) >= period {
				st.lastRepeat = now
				due = append(due, key.nodeNum)
			}
		}
		g.mu.Unlock()

		for _, nodeNum := range due {
			g.sendMessage(ctx, fence, nodeNum, fence.WhileInsideMessage)
		}
	}
}

func (g *GeofenceEngine) fire(ctx context.Context, fence config.GeofenceConfig, pos events.PositionObserved, event, message, script string) {
	g.logger.Info("Geofence trigger",
		"fence", fence.Name, "event", event, "node", domain.FormatNodeNum(pos.NodeNum))

	if message != "" {
		g.sendMessage(ctx, fence, pos.NodeNum, message)
	}
	if script != "" && g.scripts != nil {
		env := map[string]string{
			"GEOFENCE_NAME":  fence.Name,
			"GEOFENCE_EVENT": event,
			"NODE_ID":        domain.FormatNodeNum(pos.NodeNum),
			"NODE_LAT":       strconv.FormatFloat(pos.Latitude, 'f', -1, 64),
			"NODE_LON":       strconv.FormatFloat(pos.Longitude, 'f', -1, 64),
		}
		responses, err := g.scripts.Responses(ctx, script, env)
		if err != nil {
			g.logger.Error("Geofence script failed", "fence", fence.Name, "error", err)

			return
		}
		for _, text := range responses {
			g.enqueue(fence, text)
		}
	}
}

func (g *GeofenceEngine) sendMessage(ctx context.Context, fence config.GeofenceConfig, nodeNum uint32, template string) {
	tc := gateway.TokenContext{}
	if node, found, err := g.nodes.Get(ctx, nodeNum); err == nil && found {
		tc.LongName = node.LongName
		tc.ShortName = node.ShortName
		tc.Hops = node.HopsAway
	}
	g.enqueue(fence, gateway.ExpandTokens(template, tc))
}

func (g *GeofenceEngine) enqueue(fence config.GeofenceConfig, text string) {
	err := g.queue.Enqueue(gateway.QueuedSend{
		Text:    text,
		To:      domain.BroadcastNodeNum,
		Channel: fence.Channel,
	})
	if err != nil {
		g.logger.Warn("Failed to queue geofence message", "fence", fence.Name, "error", err)
	}
}

// haversineMeters returns the great-circle distance between two coordinates.
func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusM = 6371000.0
	toRad := math.Pi / 180.0

	dLat := (lat2 - lat1) * toRad
	dLon := (lon2 - lon1) * toRad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*toRad)*math.Cos(lat2*toRad)*math.Sin(dLon/2)*math.Sin(dLon/2)

	return 2 * earthRadiusM * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
