package models

import (
	"time"

	"github.com/google/uuid"
)

// Project owns agents, jobs and reports. Every job belongs to exactly one project.
type Project struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Name      string    `db:"name"       json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
