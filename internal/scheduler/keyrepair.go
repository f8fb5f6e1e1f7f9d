package scheduler

import (
	"context"
	"log/slog"
	"time"

	"buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"

	"github.com/meshnetlab/meshbridge/internal/config"
	"github.com/meshnetlab/meshbridge/internal/domain"
	"github.com/meshnetlab/meshbridge/internal/gateway"
	"github.com/meshnetlab/meshbridge/internal/radio"
)

const keyRepairMaxAge = 7 * 24 * time.Hour

// KeyRepairer nudges nodes with a mismatched public key to rebroadcast their
// node info. A fresh NodeInfo carries the current key and clears the flag;
// nodes that never recover can optionally be removed from the radio's table.
type KeyRepairer struct {
	logger  *slog.Logger
	cfg     config.KeyRepairConfig
	nodes   domain.NodeRepository
	codec   *radio.Codec
	sender  gateway.FrameSender
	queue   *gateway.SendQueue
	session *gateway.SessionController
}

func NewKeyRepairer(deps Deps) *KeyRepairer {
	return &KeyRepairer{
		logger:  deps.Logger.With("task", "keyrepair"),
		cfg:     deps.Cfg.Scheduler.KeyRepair,
		nodes:   deps.Store.Nodes,
		codec:   deps.Codec,
		sender:  deps.Sender,
		queue:   deps.Queue,
		session: deps.Session,
	}
}

func (k *KeyRepairer) Tick(ctx context.Context) {
	active, err := k.nodes.ListActive(ctx, keyRepairMaxAge)
	if err != nil {
		k.logger.Error("Failed to list nodes", "error", err)

		return
	}

	for _, node := range active {
		if !node.KeyMismatch || node.NodeNum == k.codec.LocalNodeNum() {
			continue
		}
		if node.KeyRepairAttempts >= k.cfg.MaxAttempts {
			k.giveUp(ctx, node)

			continue
		}
		k.requestNodeInfo(ctx, node)
	}
}

// requestNodeInfo asks the node to resend its user record, which includes
// the public key.
func (k *KeyRepairer) requestNodeInfo(ctx context.Context, node domain.Node) {
	payload, requestID, err := k.codec.EncodeRequest(meshtastic.PortNum_NODEINFO_APP, node.NodeNum, 0)
	if err != nil {
		k.logger.Error("Failed to encode nodeinfo request", "node", node.NodeID(), "error", err)

		return
	}
	if err := k.sender.SendFrame(ctx, payload); err != nil {
		k.logger.Warn("Failed to send nodeinfo request", "node", node.NodeID(), "error", err)

		return
	}
	k.queue.NoteExternalSend()

	node.KeyRepairAttempts++
	if err := k.nodes.Upsert(ctx, node); err != nil {
		k.logger.Warn("Failed to record repair attempt", "node", node.NodeID(), "error", err)
	}
	k.logger.Info("Key repair attempt",
		"node", node.NodeID(), "attempt", node.KeyRepairAttempts,
		"max_attempts", k.cfg.MaxAttempts, "request_id", requestID)
}

// giveUp runs once the attempt ceiling is reached. Removing the node from
// the radio's table forces a clean re-exchange on next contact.
func (k *KeyRepairer) giveUp(ctx context.Context, node domain.Node) {
	if !k.cfg.RemoveAfterFailed {
		return
	}
	if err := k.session.RemoveNode(ctx, node.NodeNum); err != nil {
		k.logger.Warn("Failed to remove unrepairable node", "node", node.NodeID(), "error", err)

		return
	}
	// Clear the flag so we stop re-removing; the next NodeInfo heard from
	// this node starts over with a fresh key exchange.
	node.KeyMismatch = false
	if err := k.nodes.Upsert(ctx, node); err != nil {
		k.logger.Warn("Failed to clear mismatch flag", "node", node.NodeID(), "error", err)
	}
	k.logger.Info("Removed node after failed key repair",
		"node", node.NodeID(), "attempts", node.KeyRepairAttempts)
}
