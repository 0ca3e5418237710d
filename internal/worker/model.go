package worker

import (
	"time"

	"github.com/eleven-am/call-orchestrator/internal/shared"
)

type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
	StatusOffline   Status = "offline"
)

type Worker struct {
	ID            string             `json:"id"`
	Status        Status             `json:"status"`
	CurrentLoad   int                `json:"current_load"`
	MaxCapacity   int                `json:"max_capacity"`
	LastHeartbeat time.Time          `json:"last_heartbeat"`
	Capabilities  shared.StringSlice `json:"capabilities,omitempty"`
	Region        string             `json:"region,omitempty"`
}

// Heartbeat is the payload workers publish on the fleet channel.
type Heartbeat struct {
	WorkerID     string   `json:"worker_id"`
	Status       Status   `json:"status"`
	Load         int      `json:"load"`
	MaxCapacity  int      `json:"max_capacity"`
	Capabilities []string `json:"capabilities,omitempty"`
	Region       string   `json:"region,omitempty"`
}

type Stats struct {
	TotalWorkers  int            `json:"total_workers"`
	Available     int            `json:"available"`
	Busy          int            `json:"busy"`
	Offline       int            `json:"offline"`
	TotalSessions int            `json:"total_sessions"`
	AverageLoad   float64        `json:"average_load"`
	PerRegion     map[string]int `json:"per_region,omitempty"`
}
