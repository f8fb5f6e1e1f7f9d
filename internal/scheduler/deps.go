package scheduler

import (
	"log/slog"

	"github.com/meshnetlab/meshbridge/internal/bus"
	"github.com/meshnetlab/meshbridge/internal/config"
	"github.com/meshnetlab/meshbridge/internal/domain"
	"github.com/meshnetlab/meshbridge/internal/gateway"
	"github.com/meshnetlab/meshbridge/internal/radio"
)

// Deps wires the scheduler tasks to the rest of the gateway.
type Deps struct {
	Logger      *slog.Logger
	Cfg         config.AppConfig
	Store       *domain.Store
	Bus         bus.MessageBus
	Codec       *radio.Codec
	Sender      gateway.FrameSender
	Queue       *gateway.SendQueue
	Session     *gateway.SessionController
	LinkQuality *gateway.LinkQualityTracker
	Scripts     gateway.ScriptRunner
	Connected   func() bool
}
