package scheduler

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meshnetlab/meshbridge/internal/config"
)

// Set assembles every periodic job from the configuration and runs them as
// one unit.
type Set struct {
	deps  Deps
	tasks []*Task

	traceroute *TracerouteProber
	timeOffset *TimeOffsetCollector
	announcer  *Announcer
	timers     *Timers
	geofence   *GeofenceEngine
}

func NewSet(deps Deps) *Set {
	s := &Set{
		deps:       deps,
		traceroute: NewTracerouteProber(deps),
		timeOffset: NewTimeOffsetCollector(deps),
		announcer:  NewAnnouncer(deps),
		timers:     NewTimers(deps),
		geofence:   NewGeofenceEngine(deps),
	}

	cfg := deps.Cfg.Scheduler
	timeSyncer := NewTimeSyncer(deps)
	adminScanner := NewAdminScanner(deps)
	keyRepairer := NewKeyRepairer(deps)
	localStats := NewLocalStatsCollector(deps)

	s.tasks = []*Task{
		s.interval("traceroute", cfg.Traceroute, s.traceroute.Tick),
		s.interval("timesync", cfg.TimeSync, timeSyncer.Tick),
		s.interval("adminscan", cfg.AdminScan, adminScanner.Tick),
		s.interval("keyrepair", cfg.KeyRepair.TaskConfig, keyRepairer.Tick),
		s.interval("localstats", cfg.LocalStats, localStats.Tick),
	}

	return s
}

func (s *Set) interval(name string, cfg config.TaskConfig, fn func(ctx context.Context)) *Task {
	return NewTask(s.deps.Logger, name,
		time.Duration(cfg.IntervalMinutes)*time.Minute, cfg.Window, s.deps.Connected, fn)
}

// Run blocks until the context ends.
func (s *Set) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for _, task := range s.tasks {
		task := task
		group.Go(func() error {
			task.Run(ctx)

			return nil
		})
	}
	group.Go(func() error {
		s.traceroute.WatchResponses(ctx)

		return nil
	})
	group.Go(func() error {
		s.timeOffset.Run(ctx)

		return nil
	})
	group.Go(func() error {
		s.announcer.Run(ctx)

		return nil
	})
	group.Go(func() error {
		s.timers.Run(ctx)

		return nil
	})
	group.Go(func() error {
		s.geofence.Run(ctx)

		return nil
	})

	return group.Wait()
}
