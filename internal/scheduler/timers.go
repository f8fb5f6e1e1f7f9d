package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/meshnetlab/meshbridge/internal/config"
	"github.com/meshnetlab/meshbridge/internal/domain"
	"github.com/meshnetlab/meshbridge/internal/gateway"
)

// Timers runs the operator's cron entries: each one sends a token-expanded
// message to a channel, or runs a script and forwards its responses.
type Timers struct {
	logger    *slog.Logger
	entries   []config.TimerConfig
	queue     *gateway.SendQueue
	scripts   gateway.ScriptRunner
	connected func() bool
}

func NewTimers(deps Deps) *Timers {
	return &Timers{
		logger:    deps.Logger.With("task", "timers"),
		entries:   deps.Cfg.Timers,
		queue:     deps.Queue,
		scripts:   deps.Scripts,
		connected: deps.Connected,
	}
}

// Run registers every entry and blocks until the context ends.
func (t *Timers) Run(ctx context.Context) {
	if len(t.entries) == 0 {
		return
	}

	runner := cron.New()
	registered := 0
	for _, entry := range t.entries {
		entry := entry
		if entry.Cron == "" || (entry.Message == "" && entry.Script == "") {
			t.logger.Warn("Skipping incomplete timer", "name", entry.Name)

			continue
		}
		_, err := runner.AddFunc(entry.Cron, func() { t.fire(ctx, entry) })
		if err != nil {
			t.logger.Error("Invalid timer cron expression",
				"name", entry.Name, "cron", entry.Cron, "error", err)

			continue
		}
		registered++
	}
	if registered == 0 {
		return
	}

	t.logger.Info("Timers registered", "count", registered)
	runner.Start()
	defer runner.Stop()
	<-ctx.Done()
}

func (t *Timers) fire(ctx context.Context, entry config.TimerConfig) {
	if t.connected != nil && !t.connected() {
		return
	}

	for _, text := range t.texts(ctx, entry) {
		err := t.queue.Enqueue(gateway.QueuedSend{
			Text:    text,
			To:      domain.BroadcastNodeNum,
			Channel: entry.Channel,
		})
		if err != nil {
			t.logger.Warn("Failed to queue timer message", "name", entry.Name, "error", err)

			continue
		}
		t.logger.Info("Timer fired", "name", entry.Name, "channel", entry.Channel)
	}
}

func (t *Timers) texts(ctx context.Context, entry config.TimerConfig) []string {
	if entry.Script != "" && t.scripts != nil {
		env := map[string]string{
			"TIMER_NAME": entry.Name,
			"TIMER_TIME": time.Now().Format(time.RFC3339),
		}
		responses, err := t.scripts.Responses(ctx, entry.Script, env)
		if err != nil {
			t.logger.Error("Timer script failed", "name", entry.Name, "error", err)

			return nil
		}

		return responses
	}
	if entry.Message == "" {
		return nil
	}

	return []string{gateway.ExpandTokens(entry.Message, gateway.TokenContext{})}
}
