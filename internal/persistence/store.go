package persistence

import (
	"database/sql"

	"github.com/meshnetlab/meshbridge/internal/domain"
)

// NewStore binds the sqlite adapters to the store port.
func NewStore(db *sql.DB) *domain.Store {
	return &domain.Store{
		Nodes:       NewNodeRepo(db),
		Messages:    NewMessageRepo(db),
		Telemetry:   NewTelemetryRepo(db),
		Channels:    NewChannelRepo(db),
		Neighbors:   NewNeighborRepo(db),
		Settings:    NewSettingRepo(db),
		Traceroutes: NewTracerouteRepo(db),
		PacketLog:   NewPacketLogRepo(db),
	}
}
