package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/meshnetlab/meshbridge/internal/domain"
	"github.com/meshnetlab/meshbridge/internal/gateway"
	"github.com/meshnetlab/meshbridge/internal/radio"
)

const adminScanMaxAge = 24 * time.Hour

// AdminScanner probes active nodes for remote-admin reachability by asking
// for device metadata. One node per tick: a probe can hold the send path for
// the full session-key timeout, and the persisted probed-at marker rotates
// the scan through the whole mesh across ticks and restarts.
type AdminScanner struct {
	logger  *slog.Logger
	nodes   domain.NodeRepository
	session *gateway.SessionController
	codec   *radio.Codec
}

func NewAdminScanner(deps Deps) *AdminScanner {
	return &AdminScanner{
		logger:  deps.Logger.With("task", "adminscan"),
		nodes:   deps.Store.Nodes,
		session: deps.Session,
		codec:   deps.Codec,
	}
}

func (a *AdminScanner) Tick(ctx context.Context) {
	active, err := a.nodes.ListActive(ctx, adminScanMaxAge)
	if err != nil {
		a.logger.Error("Failed to list nodes", "error", err)

		return
	}

	node, found := nextProbeTarget(active, a.codec.LocalNodeNum())
	if !found {
		return
	}

	// Record the attempt before probing so a crash or timeout still moves
	// the rotation forward.
	node.AdminProbedAt = time.Now()
	if err := a.nodes.Upsert(ctx, node); err != nil {
		a.logger.Warn("Failed to record probe attempt", "node", node.NodeID(), "error", err)

		return
	}

	meta, err := a.session.RequestDeviceMetadata(ctx, node.NodeNum)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		node.HasRemoteAdmin = false
		if err := a.nodes.Upsert(ctx, node); err != nil {
			a.logger.Warn("Failed to flag remote admin", "node", node.NodeID(), "error", err)
		}
		a.logger.Debug("Node has no remote admin", "node", node.NodeID(), "error", err)

		return
	}

	node.HasRemoteAdmin = true
	if fw := meta.GetFirmwareVersion(); fw != "" {
		a.logger.Info("Remote admin available", "node", node.NodeID(), "firmware", fw)
	}
	if err := a.nodes.Upsert(ctx, node); err != nil {
		a.logger.Warn("Failed to flag remote admin", "node", node.NodeID(), "error", err)
	}
}

// nextProbeTarget picks the eligible node whose last probe is the oldest;
// never-probed nodes come first.
func nextProbeTarget(active []domain.Node, localNode uint32) (domain.Node, bool) {
	eligible := active[:0:0]
	for _, node := range active {
		if node.NodeNum == localNode || node.Ignored {
			continue
		}
		eligible = append(eligible, node)
	}
	if len(eligible) == 0 {
		return domain.Node{}, false
	}

	sort.Slice(eligible, func(i, j int) bool {
		if !eligible[i].AdminProbedAt.Equal(eligible[j].AdminProbedAt) {
			return eligible[i].AdminProbedAt.Before(eligible[j].AdminProbedAt)
		}

		return eligible[i].NodeNum < eligible[j].NodeNum
	})

	return eligible[0], true
}
