package models

import (
	"time"

	"github.com/google/uuid"
)

// Artifact is a file produced by an agent while running a job, addressed by
// (JobID, Path). Writing the same address again replaces the content.
type Artifact struct {
	JobID       uuid.UUID `db:"job_id"       json:"job_id"`
	Path        string    `db:"path"         json:"path"`
	ContentType string    `db:"content_type" json:"content_type"`
	Size        int64     `db:"size"         json:"size"`
	Data        []byte    `db:"data"         json:"-"`
	UpdatedAt   time.Time `db:"updated_at"   json:"updated_at"`
}
