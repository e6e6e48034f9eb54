package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

const (
	JobTypeFetchMetadata  = "fetch_metadata"
	JobTypeTestConnection = "test_connection"
	JobTypeETLComparison  = "etl_comparison"
)

// Job is a unit of work queued for a project and executed by a remote agent.
// Status only moves pending -> running -> completed|failed. AgentID is bound
// once, when an agent claims the job.
type Job struct {
	ID            uuid.UUID       `db:"id"              json:"id"`
	ProjectID     uuid.UUID       `db:"project_id"      json:"project_id"`
	CreatedBy     string          `db:"created_by"      json:"created_by"`
	AgentID       *uuid.UUID      `db:"agent_id"        json:"agent_id,omitempty"`
	TargetAgentID *uuid.UUID      `db:"target_agent_id" json:"target_agent_id,omitempty"`
	Type          string          `db:"job_type"        json:"job_type"`
	Status        string          `db:"status"          json:"status"`
	Payload       json.RawMessage `db:"payload"         json:"payload"`
	BaseURL       *string         `db:"base_url"        json:"base_url,omitempty"`
	Steps         json.RawMessage `db:"steps"           json:"steps,omitempty"`
	RunID         *string         `db:"run_id"          json:"run_id,omitempty"`
	Result        json.RawMessage `db:"result"          json:"result,omitempty"`
	ErrorMessage  *string         `db:"error_log"       json:"error_message,omitempty"`
	StartedAt     *time.Time      `db:"started_at"      json:"started_at,omitempty"`
	CompletedAt   *time.Time      `db:"completed_at"    json:"completed_at,omitempty"`
	CreatedAt     time.Time       `db:"created_at"      json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"      json:"updated_at"`
}

// IsTerminal reports whether the job has finished and can no longer change.
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}
