package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/etlgate/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrConflict is returned when a conditional update matched no row because
// the record is not in the state the caller required.
var ErrConflict = errors.New("state conflict")

// Store is the data access interface. All database operations go through here.
// Every mutation is a single statement so that concurrent gateway processes
// rely on the database for atomicity.
type Store interface {
	Ping(ctx context.Context) error

	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)

	CreateAgent(ctx context.Context, a *models.Agent) error
	GetAgent(ctx context.Context, id uuid.UUID) (*models.Agent, error)
	GetAgentsByKeyPrefix(ctx context.Context, prefix string) ([]*models.Agent, error)
	ListAgents(ctx context.Context, projectID *uuid.UUID) ([]*models.Agent, error)
	RecordHeartbeat(ctx context.Context, id uuid.UUID, hb Heartbeat) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	NextPendingJob(ctx context.Context, projectID, agentID uuid.UUID) (*models.Job, error)
	ClaimJob(ctx context.Context, id uuid.UUID, claim Claim) (*models.Job, error)
	FinishJob(ctx context.Context, id uuid.UUID, fin Finish) (*models.Job, error)
	FailStaleJobs(ctx context.Context, heartbeatBefore time.Time, message string, at time.Time) ([]uuid.UUID, error)

	UpsertReport(ctx context.Context, r *models.Report) error
	GetReport(ctx context.Context, compareID string) (*models.Report, error)
	ListReports(ctx context.Context, projectID *uuid.UUID) ([]*models.Report, error)
	DeleteReport(ctx context.Context, compareID string) error
	UpdateReportForJob(ctx context.Context, jobID uuid.UUID, status string, progress *int) error
	ReconcileReports(ctx context.Context, at time.Time) (int64, error)

	PutArtifact(ctx context.Context, a *models.Artifact) error
	GetArtifact(ctx context.Context, jobID uuid.UUID, path string) (*models.Artifact, error)
}

// Heartbeat carries the load an agent reports on each liveness ping.
type Heartbeat struct {
	RunningJobs int
	SystemInfo  json.RawMessage
	At          time.Time
}

// Claim binds a pending job to an agent. The update only applies while the job
// is pending, belongs to ProjectID and is not routed to a different agent.
type Claim struct {
	AgentID   uuid.UUID
	ProjectID uuid.UUID
	At        time.Time
}

// Finish moves a running job owned by AgentID into a terminal status.
type Finish struct {
	AgentID      uuid.UUID
	ProjectID    uuid.UUID
	Status       string
	Result       json.RawMessage
	ErrorMessage *string
	At           time.Time
}
