// Package queue implements the project-scoped job queue that remote agents
// pull work from.
//
// Submissions create pending jobs. Agents read the oldest pending job with
// Poll, which changes nothing, and claim it with Start. Start is a single
// conditional update in the store, so when several agents race for the same
// job exactly one wins and the rest get apperr.ErrConflict. The claiming agent
// finishes the job with ReportResult.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/etlgate/internal/apperr"
	"github.com/kiranshivaraju/etlgate/internal/store"
	"github.com/kiranshivaraju/etlgate/pkg/models"
)

// Store is the subset of store.Store the queue needs.
type Store interface {
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
	GetAgent(ctx context.Context, id uuid.UUID) (*models.Agent, error)
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	NextPendingJob(ctx context.Context, projectID, agentID uuid.UUID) (*models.Job, error)
	ClaimJob(ctx context.Context, id uuid.UUID, claim store.Claim) (*models.Job, error)
	FinishJob(ctx context.Context, id uuid.UUID, fin store.Finish) (*models.Job, error)
	UpdateReportForJob(ctx context.Context, jobID uuid.UUID, status string, progress *int) error
}

var jobTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// SubmitRequest describes a new job. ProjectID may be omitted when
// TargetAgentID is set; the agent's project is used.
type SubmitRequest struct {
	ProjectID     *uuid.UUID
	CreatedBy     string
	Type          string
	Payload       json.RawMessage
	TargetAgentID *uuid.UUID
	BaseURL       *string
	Steps         json.RawMessage
	RunID         *string
}

// ResultRequest is the terminal outcome an agent reports for a job.
type ResultRequest struct {
	Status       string
	Result       json.RawMessage
	ErrorMessage *string
}

// Service is the job queue. It holds no job state of its own.
type Service struct {
	store  Store
	policy PayloadPolicy
	now    func() time.Time
}

// NewService creates a queue over st. A nil policy accepts every payload.
func NewService(st Store, policy PayloadPolicy) *Service {
	if policy == nil {
		policy = passthroughPolicy{}
	}
	return &Service{
		store:  st,
		policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Submit validates req, resolves the owning project and stores a pending job.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	if strings.TrimSpace(req.CreatedBy) == "" {
		return nil, apperr.Unauthorized("creator identity is required")
	}
	if req.Type == "" {
		return nil, apperr.Validation("job_type is required")
	}
	if !jobTypePattern.MatchString(req.Type) {
		return nil, apperr.Validation("job_type %q is not a valid identifier", req.Type)
	}

	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return nil, apperr.Validation("payload must be valid JSON")
	}
	if len(req.Steps) > 0 && !json.Valid(req.Steps) {
		return nil, apperr.Validation("steps must be valid JSON")
	}

	projectID, err := s.resolveProject(ctx, req.ProjectID, req.TargetAgentID)
	if err != nil {
		return nil, err
	}

	payload, err = s.policy.Normalize(req.Type, payload)
	if err != nil {
		return nil, err
	}

	now := s.now()
	job := &models.Job{
		ID:            uuid.New(),
		ProjectID:     projectID,
		CreatedBy:     req.CreatedBy,
		TargetAgentID: req.TargetAgentID,
		Type:          req.Type,
		Status:        models.JobStatusPending,
		Payload:       payload,
		BaseURL:       req.BaseURL,
		Steps:         req.Steps,
		RunID:         req.RunID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	slog.Info("job submitted",
		"job_id", job.ID, "project_id", projectID, "job_type", job.Type, "created_by", job.CreatedBy)
	return job, nil
}

func (s *Service) resolveProject(ctx context.Context, projectID, agentID *uuid.UUID) (uuid.UUID, error) {
	if agentID != nil {
		agent, err := s.store.GetAgent(ctx, *agentID)
		if errors.Is(err, store.ErrNotFound) {
			return uuid.Nil, apperr.Validation("agent %s does not exist", *agentID)
		}
		if err != nil {
			return uuid.Nil, fmt.Errorf("resolving agent: %w", err)
		}
		if projectID == nil {
			return agent.ProjectID, nil
		}
		if *projectID != agent.ProjectID {
			return uuid.Nil, apperr.Validation("agent %s does not belong to project %s", *agentID, *projectID)
		}
	}

	if projectID == nil {
		return uuid.Nil, apperr.Validation("project_id is required")
	}
	if _, err := s.store.GetProject(ctx, *projectID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return uuid.Nil, apperr.Validation("project %s does not exist", *projectID)
		}
		return uuid.Nil, fmt.Errorf("resolving project: %w", err)
	}
	return *projectID, nil
}

// Poll returns at most one job: the oldest pending job in the agent's project
// that the agent may take. It does not claim the job. An agent whose last
// reported load has reached its capacity gets nothing.
func (s *Service) Poll(ctx context.Context, agent *models.Agent) ([]*models.Job, error) {
	if agent.AtCapacity() {
		return []*models.Job{}, nil
	}

	job, err := s.store.NextPendingJob(ctx, agent.ProjectID, agent.ID)
	if errors.Is(err, store.ErrNotFound) {
		return []*models.Job{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("polling jobs: %w", err)
	}
	return []*models.Job{job}, nil
}

// Start claims a pending job for agent. Only one caller can claim a job; the
// others receive apperr.ErrConflict.
func (s *Service) Start(ctx context.Context, jobID uuid.UUID, agent *models.Agent) (*models.Job, error) {
	job, err := s.store.ClaimJob(ctx, jobID, store.Claim{
		AgentID:   agent.ID,
		ProjectID: agent.ProjectID,
		At:        s.now(),
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, apperr.NotFound("job %s not found", jobID)
	case errors.Is(err, store.ErrConflict):
		return nil, apperr.Conflict("job %s is not pending", jobID)
	case err != nil:
		return nil, fmt.Errorf("claiming job: %w", err)
	}

	slog.Info("job claimed", "job_id", job.ID, "agent_id", agent.ID, "project_id", job.ProjectID)
	s.syncReport(ctx, job, models.ReportStatusRunning, nil)
	return job, nil
}

// ReportResult finishes a running job claimed by agent. Calls for jobs that
// are not running, or that another agent holds, are rejected with
// apperr.ErrConflict.
func (s *Service) ReportResult(ctx context.Context, jobID uuid.UUID, agent *models.Agent, req ResultRequest) (*models.Job, error) {
	if req.Status != models.JobStatusCompleted && req.Status != models.JobStatusFailed {
		return nil, apperr.Validation("status must be %q or %q", models.JobStatusCompleted, models.JobStatusFailed)
	}
	if len(req.Result) > 0 && !json.Valid(req.Result) {
		return nil, apperr.Validation("result_data must be valid JSON")
	}

	job, err := s.store.FinishJob(ctx, jobID, store.Finish{
		AgentID:      agent.ID,
		ProjectID:    agent.ProjectID,
		Status:       req.Status,
		Result:       req.Result,
		ErrorMessage: req.ErrorMessage,
		At:           s.now(),
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, apperr.NotFound("job %s not found", jobID)
	case errors.Is(err, store.ErrConflict):
		return nil, apperr.Conflict("job %s is not running for this agent", jobID)
	case err != nil:
		return nil, fmt.Errorf("finishing job: %w", err)
	}

	slog.Info("job finished",
		"job_id", job.ID, "agent_id", agent.ID, "project_id", job.ProjectID, "status", job.Status)

	if job.Status == models.JobStatusCompleted {
		done := 100
		s.syncReport(ctx, job, models.ReportStatusCompleted, &done)
	} else {
		s.syncReport(ctx, job, models.ReportStatusFailed, nil)
	}
	return job, nil
}

// Get returns a job by id.
func (s *Service) Get(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("job %s not found", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("getting job: %w", err)
	}
	return job, nil
}

// syncReport mirrors a job transition onto its comparison report. The report
// is a separate record; a failed update is logged and left for the reaper's
// reconciliation pass.
func (s *Service) syncReport(ctx context.Context, job *models.Job, status string, progress *int) {
	if job.Type != models.JobTypeETLComparison {
		return
	}
	if err := s.store.UpdateReportForJob(ctx, job.ID, status, progress); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Warn("report sync failed", "job_id", job.ID, "status", status, "error", err)
	}
}
