package gateway

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/meshnetlab/meshbridge/internal/domain"
)

// PositionEstimator derives approximate locations for GPS-less nodes from
// traceroute paths. An intermediate hop sits somewhere between its path
// neighbors; the stronger link pulls the estimate closer.
type PositionEstimator struct {
	logger    *slog.Logger
	telemetry domain.TelemetryRepository
}

const (
	estimateHalfLife  = 24 * time.Hour
	estimateMaxPriors = 10

	metricEstimatedLatitude  = "estimated_latitude"
	metricEstimatedLongitude = "estimated_longitude"
)

func NewPositionEstimator(logger *slog.Logger, telemetry domain.TelemetryRepository) *PositionEstimator {
	return &PositionEstimator{
		logger:    logger.With("component", "position_estimator"),
		telemetry: telemetry,
	}
}

// ProcessRoute walks one traceroute path and records blended position
// estimates for every intermediate node without a GPS fix. path holds the
// full node sequence including both endpoints; snr[i] is the measured SNR of
// the hop path[i] -> path[i+1], possibly shorter than the hop count.
func (e *PositionEstimator) ProcessRoute(ctx context.Context, path []uint32, snr []float64, positions map[uint32]domain.Position, now time.Time) {
	if len(path) < 3 {
		return
	}

	for i := 1; i < len(path)-1; i++ {
		node := path[i]
		if pos, ok := positions[node]; ok && !pos.IsZero() {
			continue
		}
		prev, okPrev := positions[path[i-1]]
		next, okNext := positions[path[i+1]]
		if !okPrev || !okNext || prev.IsZero() || next.IsZero() {
			continue
		}

		lat, lon := weightedBetween(prev, next, hopSNR(snr, i-1), hopSNR(snr, i))
		lat, lon = e.blendWithHistory(ctx, node, lat, lon, now)

		e.store(ctx, node, metricEstimatedLatitude, lat, now)
		e.store(ctx, node, metricEstimatedLongitude, lon, now)
		e.logger.Debug("Estimated position",
			"node", domain.FormatNodeNum(node), "lat", lat, "lon", lon)

		// Later hops may lean on this estimate when their real neighbors
		// have no fix either.
		positions[node] = domain.Position{Latitude: lat, Longitude: lon, Time: now}
	}
}

func hopSNR(snr []float64, i int) snrSample {
	if i < 0 || i >= len(snr) {
		return snrSample{}
	}

	return snrSample{value: snr[i], ok: true}
}

// weightedBetween combines the two neighbor positions, weighting each side by
// the linear power of its link SNR. Without SNR on both sides it degrades to
// the midpoint.
func weightedBetween(prev, next domain.Position, snrPrev, snrNext snrSample) (float64, float64) {
	wPrev, wNext := 1.0, 1.0
	if snrPrev.ok && snrNext.ok {
		wPrev = math.Pow(10, snrPrev.value/10)
		wNext = math.Pow(10, snrNext.value/10)
	}
	total := wPrev + wNext

	lat := (prev.Latitude*wPrev + next.Latitude*wNext) / total
	lon := (prev.Longitude*wPrev + next.Longitude*wNext) / total

	return lat, lon
}

type snrSample struct {
	value float64
	ok    bool
}

// blendWithHistory folds the fresh estimate into recent prior estimates with
// exponential time decay, so a node's estimate converges instead of jumping
// with every traceroute.
func (e *PositionEstimator) blendWithHistory(ctx context.Context, node uint32, lat, lon float64, now time.Time) (float64, float64) {
	priorLat, err := e.telemetry.ListLatestForType(ctx, node, metricEstimatedLatitude, estimateMaxPriors)
	if err != nil {
		e.logger.Warn("Failed to load prior estimates", "node", domain.FormatNodeNum(node), "error", err)

		return lat, lon
	}
	priorLon, err := e.telemetry.ListLatestForType(ctx, node, metricEstimatedLongitude, estimateMaxPriors)
	if err != nil {
		e.logger.Warn("Failed to load prior estimates", "node", domain.FormatNodeNum(node), "error", err)

		return lat, lon
	}

	return decayBlend(lat, priorLat, now), decayBlend(lon, priorLon, now)
}

func decayBlend(fresh float64, priors []domain.TelemetryPoint, now time.Time) float64 {
	sum := fresh
	weight := 1.0
	for _, p := range priors {
		age := now.Sub(p.Time)
		if age < 0 {
			age = 0
		}
		w := math.Pow(0.5, age.Hours()/estimateHalfLife.Hours())
		sum += p.Value * w
		weight += w
	}

	return sum / weight
}

func (e *PositionEstimator) store(ctx context.Context, node uint32, metric string, value float64, at time.Time) {
	err := e.telemetry.Insert(ctx, domain.TelemetryPoint{
		NodeNum: node,
		Type:    metric,
		Time:    at,
		Value:   value,
	})
	if err != nil {
		e.logger.Warn("Failed to store position estimate", "node", domain.FormatNodeNum(node), "metric", metric, "error", err)
	}
}
