package scheduler

import (
	"context"
	"log/slog"
	"time"

	"buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"github.com/robfig/cron/v3"

	"github.com/meshnetlab/meshbridge/internal/buildinfo"
	"github.com/meshnetlab/meshbridge/internal/config"
	"github.com/meshnetlab/meshbridge/internal/domain"
	"github.com/meshnetlab/meshbridge/internal/gateway"
	"github.com/meshnetlab/meshbridge/internal/radio"
)

const (
	// announceMinGap is the spam guard: no matter how the interval and cron
	// entries overlap, announcements stay at least this far apart.
	announceMinGap = time.Hour
	// lastAnnounceKey persists the guard across restarts.
	lastAnnounceKey = "last_announce"

	announceActiveWindow = 2 * time.Hour
)

// Announcer periodically broadcasts a token-expanded self-announcement on
// the configured channels, optionally paired with a node-info exchange.
type Announcer struct {
	logger    *slog.Logger
	cfg       config.AnnounceConfig
	nodes     domain.NodeRepository
	settings  domain.SettingRepository
	codec     *radio.Codec
	sender    gateway.FrameSender
	queue     *gateway.SendQueue
	connected func() bool

	now func() time.Time
}

func NewAnnouncer(deps Deps) *Announcer {
	return &Announcer{
		logger:    deps.Logger.With("task", "announce"),
		cfg:       deps.Cfg.Scheduler.Announce,
		nodes:     deps.Store.Nodes,
		settings:  deps.Store.Settings,
		codec:     deps.Codec,
		sender:    deps.Sender,
		queue:     deps.Queue,
		connected: deps.Connected,
		now:       time.Now,
	}
}

// Run drives the interval and cron triggers until the context ends.
func (a *Announcer) Run(ctx context.Context) {
	if a.cfg.Message == "" {
		a.logger.Debug("Announce disabled, no message configured")

		return
	}

	var runner *cron.Cron
	if a.cfg.Cron != "" {
		runner = cron.New()
		if _, err := runner.AddFunc(a.cfg.Cron, func() { a.Announce(ctx) }); err != nil {
			a.logger.Error("Invalid announce cron expression", "cron", a.cfg.Cron, "error", err)
		} else {
			runner.Start()
			defer runner.Stop()
		}
	}

	if a.cfg.AnnounceOnStart {
		a.Announce(ctx)
	}

	if a.cfg.IntervalHours <= 0 {
		<-ctx.Done()

		return
	}

	ticker := time.NewTicker(time.Duration(a.cfg.IntervalHours) * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Announce(ctx)
		}
	}
}

// Announce sends one round: the message on every configured channel, spaced
// by the channel delay. The spam guard swallows rounds that come too soon.
func (a *Announcer) Announce(ctx context.Context) {
	if a.connected != nil && !a.connected() {
		return
	}
	if !inWindow(a.now(), a.cfg.Window) {
		return
	}
	if !a.guardPassed(ctx) {
		a.logger.Debug("Announce suppressed by spam guard")

		return
	}

	text := gateway.ExpandTokens(a.cfg.Message, a.tokenContext(ctx))
	channels := a.cfg.Channels
	if len(channels) == 0 {
		channels = []int{0}
	}

	for i, channel := range channels {
		if i > 0 {
			delay := time.Duration(a.cfg.ChannelDelaySeconds) * time.Second
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		err := a.queue.Enqueue(gateway.QueuedSend{
			Text:    text,
			To:      domain.BroadcastNodeNum,
			Channel: channel,
		})
		if err != nil {
			a.logger.Warn("Failed to queue announcement", "channel", channel, "error", err)

			continue
		}
		a.logger.Info("Announcement queued", "channel", channel, "chars", len(text))
	}

	if a.cfg.BroadcastNodeInfo {
		a.broadcastNodeInfo(ctx)
	}

	if err := a.settings.Set(ctx, lastAnnounceKey, a.now().Format(time.RFC3339)); err != nil {
		a.logger.Warn("Failed to persist announce timestamp", "error", err)
	}
}

// guardPassed checks the persisted last-announce timestamp.
func (a *Announcer) guardPassed(ctx context.Context) bool {
	raw, found, err := a.settings.Get(ctx, lastAnnounceKey)
	if err != nil {
		a.logger.Warn("Failed to read announce timestamp", "error", err)

		return true
	}
	if !found {
		return true
	}
	last, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return true
	}

	return a.now().Sub(last) >= announceMinGap
}

// broadcastNodeInfo requests a node-info exchange on the primary channel,
// which pushes our own record into neighboring node tables.
func (a *Announcer) broadcastNodeInfo(ctx context.Context) {
	payload, _, err := a.codec.EncodeRequest(meshtastic.PortNum_NODEINFO_APP, domain.BroadcastNodeNum, 0)
	if err != nil {
		a.logger.Error("Failed to encode nodeinfo broadcast", "error", err)

		return
	}
	if err := a.sender.SendFrame(ctx, payload); err != nil {
		a.logger.Warn("Failed to broadcast nodeinfo", "error", err)

		return
	}
	a.queue.NoteExternalSend()
}

func (a *Announcer) tokenContext(ctx context.Context) gateway.TokenContext {
	tc := gateway.TokenContext{
		Version: buildinfo.BuildVersion(),
		Now:     a.now(),
	}

	active, err := a.nodes.ListActive(ctx, announceActiveWindow)
	if err != nil {
		return tc
	}
	tc.NodeCount = len(active)
	for _, node := range active {
		if node.HopsAway == 0 && node.NodeNum != a.codec.LocalNodeNum() {
			tc.DirectCount++
		}
	}

	return tc
}
