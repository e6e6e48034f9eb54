package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	AgentStatusOnline  = "online"
	AgentStatusBusy    = "busy"
	AgentStatusOffline = "offline"
)

// Agent is a self-hosted worker registered to a project. LastHeartbeat is the
// only liveness signal; Status is derived from it at read time and never stored.
type Agent struct {
	ID            uuid.UUID       `db:"id"             json:"id"`
	ProjectID     uuid.UUID       `db:"project_id"     json:"project_id"`
	Name          string          `db:"agent_name"     json:"agent_name"`
	Type          string          `db:"agent_type"     json:"agent_type"`
	KeyHash       string          `db:"key_hash"       json:"-"`
	KeyPrefix     string          `db:"key_prefix"     json:"key_prefix"`
	LastHeartbeat *time.Time      `db:"last_heartbeat" json:"last_heartbeat,omitempty"`
	RunningJobs   int             `db:"running_jobs"   json:"running_jobs"`
	Capacity      *int            `db:"capacity"       json:"capacity,omitempty"`
	Config        json.RawMessage `db:"config"         json:"config,omitempty"`
	SystemInfo    json.RawMessage `db:"system_info"    json:"system_info,omitempty"`
	CreatedAt     time.Time       `db:"created_at"     json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"     json:"updated_at"`

	// Status is computed by the registry when agents are listed.
	Status string `db:"-" json:"status,omitempty"`
}

// AtCapacity reports whether the agent's last reported load has reached its limit.
func (a *Agent) AtCapacity() bool {
	return a.Capacity != nil && a.RunningJobs >= *a.Capacity
}
