package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/meshnetlab/meshbridge/internal/bus"
	"github.com/meshnetlab/meshbridge/internal/domain"
	"github.com/meshnetlab/meshbridge/internal/events"
	"github.com/meshnetlab/meshbridge/internal/radio"
)

const timeOffsetFlushInterval = 5 * time.Minute

// TimeOffsetCollector averages the gap between packet rx timestamps and the
// host clock, flushing one telemetry point per window. A drifting average is
// the early warning that the radio clock needs a sync.
type TimeOffsetCollector struct {
	logger    *slog.Logger
	bus       bus.MessageBus
	codec     *radio.Codec
	telemetry domain.TelemetryRepository

	mu    sync.Mutex
	sum   time.Duration
	count int
}

func NewTimeOffsetCollector(deps Deps) *TimeOffsetCollector {
	return &TimeOffsetCollector{
		logger:    deps.Logger.With("task", "timeoffset"),
		bus:       deps.Bus,
		codec:     deps.Codec,
		telemetry: deps.Store.Telemetry,
	}
}

// Run accumulates samples and flushes the window average until the context
// ends.
func (c *TimeOffsetCollector) Run(ctx context.Context) {
	sub := c.bus.Subscribe(events.TopicTimeSample)
	defer c.bus.Unsubscribe(sub, events.TopicTimeSample)

	ticker := time.NewTicker(timeOffsetFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.flush(context.WithoutCancel(ctx))

			return
		case msg, ok := <-sub:
			if !ok {
				return
			}
			offset, valid := msg.(time.Duration)
			if !valid {
				continue
			}
			c.mu.Lock()
			c.sum += offset
			c.count++
			c.mu.Unlock()
		case <-ticker.C:
			c.flush(ctx)
		}
	}
}

func (c *TimeOffsetCollector) flush(ctx context.Context) {
	c.mu.Lock()
	sum, count := c.sum, c.count
	c.sum, c.count = 0, 0
	c.mu.Unlock()
	if count == 0 {
		return
	}

	avg := sum / time.Duration(count)
	point := domain.TelemetryPoint{
		NodeNum: c.codec.LocalNodeNum(),
		Type:    "time_offset_ms",
		Time:    time.Now(),
		Value:   float64(avg.Milliseconds()),
		Unit:    "ms",
	}
	if err := c.telemetry.Insert(ctx, point); err != nil {
		c.logger.Warn("Failed to store time offset", "error", err)

		return
	}
	c.logger.Debug("Time offset flushed", "avg_ms", avg.Milliseconds(), "samples", count)
}
