package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/meshnetlab/meshbridge/internal/domain"
	"github.com/meshnetlab/meshbridge/internal/gateway"
	"github.com/meshnetlab/meshbridge/internal/radio"
)

// timeSyncMaxAge bounds which nodes are worth syncing; a node silent for a
// day is as likely gone as drifting.
const timeSyncMaxAge = 24 * time.Hour

// TimeSyncer pushes the host clock into the mesh. Many nodes run without GPS
// or NTP and drift badly; the gateway host is usually the best clock around.
// Each tick targets the next admin-capable remote node in node-number order,
// falling back to the local radio when no remote is eligible.
type TimeSyncer struct {
	logger  *slog.Logger
	codec   *radio.Codec
	nodes   domain.NodeRepository
	session *gateway.SessionController

	mu         sync.Mutex
	lastTarget uint32
}

func NewTimeSyncer(deps Deps) *TimeSyncer {
	return &TimeSyncer{
		logger:  deps.Logger.With("task", "timesync"),
		codec:   deps.Codec,
		nodes:   deps.Store.Nodes,
		session: deps.Session,
	}
}

func (t *TimeSyncer) Tick(ctx context.Context) {
	target, found := t.nextTarget(ctx)
	if !found {
		// No admin-capable remote: keep at least the local radio on time.
		target = t.codec.LocalNodeNum()
	}

	now := time.Now()
	if err := t.session.SetTime(ctx, target, now); err != nil {
		t.logger.Warn("Failed to send time sync",
			"node", domain.FormatNodeNum(target), "error", err)

		return
	}

	t.mu.Lock()
	if found {
		t.lastTarget = target
	}
	t.mu.Unlock()

	t.logger.Info("Clock synced",
		"node", domain.FormatNodeNum(target), "time", now.Format(time.RFC3339))
}

// nextTarget walks the eligible remote nodes in node-number order, resuming
// after the last synced one and wrapping at the end.
func (t *TimeSyncer) nextTarget(ctx context.Context) (uint32, bool) {
	active, err := t.nodes.ListActive(ctx, timeSyncMaxAge)
	if err != nil {
		t.logger.Error("Failed to list nodes", "error", err)

		return 0, false
	}

	local := t.codec.LocalNodeNum()
	var eligible []uint32
	for _, node := range active {
		if node.NodeNum == local || node.Ignored || !node.HasRemoteAdmin {
			continue
		}
		eligible = append(eligible, node.NodeNum)
	}
	if len(eligible) == 0 {
		return 0, false
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i] < eligible[j] })

	t.mu.Lock()
	last := t.lastTarget
	t.mu.Unlock()

	for _, nodeNum := range eligible {
		if nodeNum > last {
			return nodeNum, true
		}
	}

	return eligible[0], true
}
