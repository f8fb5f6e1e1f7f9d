package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/meshnetlab/meshbridge/internal/config"
)

// maxInitialJitter bounds the random start delay that keeps a fleet of
// gateways from firing their periodic tasks in lockstep.
const maxInitialJitter = 5 * time.Minute

// Task is the shared shape of every periodic job: a fixed interval, an
// optional daily window, and a connection gate checked before each fire.
type Task struct {
	Name      string
	Interval  time.Duration
	Window    config.ScheduleWindow
	Connected func() bool
	Fn        func(ctx context.Context)

	logger *slog.Logger
}

func NewTask(logger *slog.Logger, name string, interval time.Duration, window config.ScheduleWindow, connected func() bool, fn func(ctx context.Context)) *Task {
	return &Task{
		Name:      name,
		Interval:  interval,
		Window:    window,
		Connected: connected,
		Fn:        fn,
		logger:    logger.With("task", name),
	}
}

// Run fires the task after a bounded random jitter and then at the fixed
// interval until the context ends. An interval of zero disables the task.
func (t *Task) Run(ctx context.Context) {
	if t.Interval <= 0 {
		t.logger.Debug("Task disabled")

		return
	}

	jitter := initialJitter(t.Interval)
	t.logger.Info("Task scheduled", "interval", t.Interval, "initial_jitter", jitter)
	select {
	case <-ctx.Done():
		return
	case <-time.After(jitter):
	}

	t.fire(ctx)
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.fire(ctx)
		}
	}
}

func (t *Task) fire(ctx context.Context) {
	if t.Connected != nil && !t.Connected() {
		return
	}
	if !inWindow(time.Now(), t.Window) {
		return
	}
	t.Fn(ctx)
}

func initialJitter(interval time.Duration) time.Duration {
	limit := interval
	if limit > maxInitialJitter {
		limit = maxInitialJitter
	}

	return time.Duration(rand.Int63n(int64(limit) + 1))
}

// inWindow evaluates the daily HH:MM window; empty strings disable the
// check. Windows crossing midnight (22:00..06:00) are supported.
func inWindow(now time.Time, w config.ScheduleWindow) bool {
	if w.Start == "" || w.End == "" {
		return true
	}
	startHour, startMin, err := config.ParseClock(w.Start)
	if err != nil {
		return true
	}
	endHour, endMin, err := config.ParseClock(w.End)
	if err != nil {
		return true
	}
	start := startHour*60 + startMin
	end := endHour*60 + endMin

	minutes := now.Hour()*60 + now.Minute()
	if start <= end {
		return minutes >= start && minutes < end
	}

	return minutes >= start || minutes < end
}
