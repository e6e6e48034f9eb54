package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	ReportStatusPending   = "pending"
	ReportStatusRunning   = "running"
	ReportStatusCompleted = "completed"
	ReportStatusFailed    = "failed"
)

// Report is the user-facing summary of a comparison job. It is stored apart
// from the job row and may briefly disagree with it.
type Report struct {
	CompareID          string    `db:"compare_id"           json:"compare_id"`
	JobID              uuid.UUID `db:"job_id"               json:"job_id"`
	ProjectID          uuid.UUID `db:"project_id"           json:"project_id"`
	Status             string    `db:"status"               json:"status"`
	Progress           int       `db:"progress"             json:"progress"`
	SourceConnectionID string    `db:"source_connection_id" json:"source_connection_id"`
	TargetConnectionID string    `db:"target_connection_id" json:"target_connection_id"`
	SourceQuery        string    `db:"source_query"         json:"source_query"`
	TargetQuery        string    `db:"target_query"         json:"target_query"`
	CreatedAt          time.Time `db:"created_at"           json:"created_at"`
	UpdatedAt          time.Time `db:"updated_at"           json:"updated_at"`
}
