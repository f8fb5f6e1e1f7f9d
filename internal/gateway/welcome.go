package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/meshnetlab/meshbridge/internal/config"
	"github.com/meshnetlab/meshbridge/internal/domain"
)

// AutoWelcomer greets a node exactly once, the first time it is seen with a
// usable name. An in-memory set guards the window between deciding to welcome
// and the store's atomic check-and-set, so concurrent observations of the
// same node cannot double-welcome.
type AutoWelcomer struct {
	logger *slog.Logger
	cfg    config.WelcomeConfig
	nodes  domain.NodeRepository
	queue  *SendQueue

	mu        sync.Mutex
	welcoming map[uint32]struct{}
}

func NewAutoWelcomer(logger *slog.Logger, cfg config.WelcomeConfig, nodes domain.NodeRepository, queue *SendQueue) *AutoWelcomer {
	return &AutoWelcomer{
		logger:    logger.With("component", "welcome"),
		cfg:       cfg,
		nodes:     nodes,
		queue:     queue,
		welcoming: make(map[uint32]struct{}),
	}
}

// Consider runs the welcome decision for one observed node.
func (w *AutoWelcomer) Consider(ctx context.Context, node domain.Node) {
	if !w.cfg.Enabled || w.cfg.Message == "" {
		return
	}
	if !node.WelcomedAt.IsZero() {
		return
	}
	if w.cfg.WaitForName && !node.HasRealName() {
		return
	}

	w.mu.Lock()
	if _, busy := w.welcoming[node.NodeNum]; busy {
		w.mu.Unlock()

		return
	}
	w.welcoming[node.NodeNum] = struct{}{}
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.welcoming, node.NodeNum)
		w.mu.Unlock()
	}()

	first, err := w.nodes.MarkWelcomedIfNotAlready(ctx, node.NodeNum, time.Now())
	if err != nil {
		w.logger.Warn("Failed to mark node welcomed", "node", node.NodeID(), "error", err)

		return
	}
	if !first {
		return
	}

	text := ExpandTokens(w.cfg.Message, TokenContext{
		LongName:  node.LongName,
		ShortName: node.ShortName,
		Hops:      node.HopsAway,
	})
	err = w.queue.Enqueue(QueuedSend{
		Text:        text,
		To:          node.NodeNum,
		Channel:     domain.DirectMessageChannel,
		MaxAttempts: 1,
	})
	if err != nil {
		w.logger.Warn("Failed to queue welcome message", "node", node.NodeID(), "error", err)

		return
	}
	w.logger.Info("Welcoming new node", "node", node.NodeID(), "name", node.LongName)
}
