package gateway

import (
	"context"
	"math"
	"time"

	"buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"

	"github.com/meshnetlab/meshbridge/internal/domain"
	"github.com/meshnetlab/meshbridge/internal/events"
	"github.com/meshnetlab/meshbridge/internal/radio"
)

// routeSNRScale converts the wire's quarter-dB SNR values.
const routeSNRScale = 4.0

// FilterRoute drops reserved node numbers from a traceroute path while
// keeping the SNR list aligned: snr[i] belongs to the hop into route[i], and
// any trailing SNR values cover the hops beyond the listed intermediates.
func FilterRoute(route []uint32, snr []float64) ([]uint32, []float64) {
	outRoute := make([]uint32, 0, len(route))
	outSNR := make([]float64, 0, len(snr))
	for i, num := range route {
		if domain.IsReservedNodeNum(num) {
			continue
		}
		outRoute = append(outRoute, num)
		if i < len(snr) {
			outSNR = append(outSNR, snr[i])
		}
	}
	for i := len(route); i < len(snr); i++ {
		outSNR = append(outSNR, snr[i])
	}

	return outRoute, outSNR
}

func decodeRouteSNR(raw []int32) []float64 {
	out := make([]float64, 0, len(raw))
	for _, v := range raw {
		out = append(out, float64(v)/routeSNRScale)
	}

	return out
}

func (e *Engine) handleTraceroute(ctx context.Context, info *radio.PacketInfo) {
	var disc meshtastic.RouteDiscovery
	if err := unmarshalPayload(info.Payload, &disc); err != nil {
		e.logger.Warn("Malformed traceroute payload", "from", domain.FormatNodeNum(info.From), "error", err)

		return
	}

	at := info.RxTime
	if at.IsZero() {
		at = time.Now()
	}

	route, snrTowards := FilterRoute(disc.GetRoute(), decodeRouteSNR(disc.GetSnrTowards()))
	routeBack, snrBack := FilterRoute(disc.GetRouteBack(), decodeRouteSNR(disc.GetSnrBack()))

	// The response travels dest -> us, so the requester is the packet's To.
	requester := info.To
	responder := info.From
	forward := fullPath(requester, route, responder)
	back := fullPath(responder, routeBack, requester)

	positions := e.snapshotPositions(ctx, forward, back)

	// An empty return section means the response carried no back route.
	hasBack := len(disc.GetRouteBack()) > 0 || len(disc.GetSnrBack()) > 0

	rec := domain.TracerouteRecord{
		FromNodeNum: requester,
		ToNodeNum:   responder,
		RequestID:   info.RequestID,
		Route:       route,
		SNRTowards:  snrTowards,
		RouteBack:   routeBack,
		SNRBack:     snrBack,
		Positions:   positions,
		ReceivedAt:  at,
	}
	if err := e.store.Traceroutes.Insert(ctx, rec); err != nil {
		e.logger.Error("Failed to persist traceroute", "from", domain.FormatNodeNum(responder), "error", err)
	}

	e.persistSegments(ctx, forward, snrTowards, positions, at)
	e.estimator.ProcessRoute(ctx, forward, snrTowards, positions, at)
	if hasBack {
		e.persistSegments(ctx, back, snrBack, positions, at)
		e.estimator.ProcessRoute(ctx, back, snrBack, positions, at)
	}

	e.logger.Info("Traceroute response",
		"to", domain.FormatNodeNum(responder), "hops", len(route), "hops_back", len(routeBack))
	e.bus.Publish(events.TopicTraceroute, events.TracerouteResult{
		From:       requester,
		To:         responder,
		RequestID:  info.RequestID,
		Route:      route,
		SNRTowards: snrTowards,
		RouteBack:  routeBack,
		SNRBack:    snrBack,
		At:         at,
	})
}

func fullPath(from uint32, intermediates []uint32, to uint32) []uint32 {
	path := make([]uint32, 0, len(intermediates)+2)
	path = append(path, from)
	path = append(path, intermediates...)

	return append(path, to)
}

// snapshotPositions captures the current fixes of every node on both paths,
// so historical route renders survive later node motion.
func (e *Engine) snapshotPositions(ctx context.Context, paths ...[]uint32) map[uint32]domain.Position {
	out := make(map[uint32]domain.Position)
	for _, path := range paths {
		for _, num := range path {
			if _, done := out[num]; done {
				continue
			}
			node, found, err := e.store.Nodes.Get(ctx, num)
			if err != nil || !found || node.Position.IsZero() {
				continue
			}
			out[num] = node.Position
		}
	}

	return out
}

func (e *Engine) persistSegments(ctx context.Context, path []uint32, snr []float64, positions map[uint32]domain.Position, at time.Time) {
	for i := 0; i+1 < len(path); i++ {
		seg := domain.RouteSegment{
			FromNodeNum: path[i],
			ToNodeNum:   path[i+1],
			ReceivedAt:  at,
		}
		if i < len(snr) {
			seg.SNR = snr[i]
		}
		from, okFrom := positions[path[i]]
		to, okTo := positions[path[i+1]]
		if okFrom && okTo {
			seg.DistanceKm = haversineKm(from.Latitude, from.Longitude, to.Latitude, to.Longitude)
		}
		if err := e.store.Traceroutes.InsertSegment(ctx, seg); err != nil {
			e.logger.Warn("Failed to persist route segment", "error", err)
		}
	}
}

const earthRadiusKm = 6371.0

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)

	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}

func (e *Engine) handleNeighborInfo(ctx context.Context, info *radio.PacketInfo) {
	var ni meshtastic.NeighborInfo
	if err := unmarshalPayload(info.Payload, &ni); err != nil {
		e.logger.Warn("Malformed neighborinfo payload", "from", domain.FormatNodeNum(info.From), "error", err)

		return
	}

	reporter := ni.GetNodeId()
	if reporter == 0 {
		reporter = info.From
	}
	reporterNode, _, err := e.store.Nodes.Get(ctx, reporter)
	if err != nil {
		e.logger.Error("Failed to load reporter node", "node", domain.FormatNodeNum(reporter), "error", err)

		return
	}

	at := info.RxTime
	if at.IsZero() {
		at = time.Now()
	}

	entries := make([]domain.NeighborEntry, 0, len(ni.GetNeighbors()))
	for _, neighbor := range ni.GetNeighbors() {
		num := neighbor.GetNodeId()
		if num == 0 || domain.IsReservedNodeNum(num) {
			continue
		}
		entries = append(entries, domain.NeighborEntry{NodeNum: num, SNR: float64(neighbor.GetSnr())})

		// A neighbor of an N-hop node is at most N+1 hops out.
		if _, found, err := e.store.Nodes.Get(ctx, num); err == nil && !found {
			hops := reporterNode.HopsAway + 1
			e.upsertNode(ctx, num, func(node *domain.Node) {
				node.HopsAway = hops
				node.LastHeardAt = at
			})
		}
	}

	if err := e.store.Neighbors.Replace(ctx, reporter, entries, at); err != nil {
		e.logger.Error("Failed to replace neighbor set", "node", domain.FormatNodeNum(reporter), "error", err)

		return
	}
	e.logger.Debug("Neighbor set replaced", "node", domain.FormatNodeNum(reporter), "count", len(entries))
}
