// Package reports stores the user-facing summaries of comparison jobs.
//
// A report is written next to its job, not in the same transaction. Either
// record may exist without the other for a while; the reaper's reconcile pass
// brings report status back in line with the job.
package reports

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/etlgate/internal/apperr"
	"github.com/kiranshivaraju/etlgate/internal/store"
	"github.com/kiranshivaraju/etlgate/pkg/models"
)

// Store is the subset of store.Store the report store needs.
type Store interface {
	UpsertReport(ctx context.Context, r *models.Report) error
	GetReport(ctx context.Context, compareID string) (*models.Report, error)
	ListReports(ctx context.Context, projectID *uuid.UUID) ([]*models.Report, error)
	DeleteReport(ctx context.Context, compareID string) error
}

// Service reads and writes reports.
type Service struct {
	store Store
	now   func() time.Time
}

func NewService(st Store) *Service {
	return &Service{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// Stub holds the fields of a new report.
type Stub struct {
	CompareID          string
	JobID              uuid.UUID
	ProjectID          uuid.UUID
	SourceConnectionID string
	TargetConnectionID string
	SourceQuery        string
	TargetQuery        string
}

// CreateStub writes a pending report with zero progress. Calling it again with
// the same compare id in the same project replaces the earlier report; a
// compare id owned by another project is a conflict.
func (s *Service) CreateStub(ctx context.Context, stub Stub) (*models.Report, error) {
	compareID := strings.TrimSpace(stub.CompareID)
	if compareID == "" {
		return nil, apperr.Validation("compare_id is required")
	}
	now := s.now()
	r := &models.Report{
		CompareID:          compareID,
		JobID:              stub.JobID,
		ProjectID:          stub.ProjectID,
		Status:             models.ReportStatusPending,
		Progress:           0,
		SourceConnectionID: stub.SourceConnectionID,
		TargetConnectionID: stub.TargetConnectionID,
		SourceQuery:        stub.SourceQuery,
		TargetQuery:        stub.TargetQuery,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	err := s.store.UpsertReport(ctx, r)
	if errors.Is(err, store.ErrConflict) {
		return nil, apperr.Conflict("report %s belongs to another project", compareID)
	}
	if err != nil {
		return nil, fmt.Errorf("creating report: %w", err)
	}
	return r, nil
}

func (s *Service) Get(ctx context.Context, compareID string) (*models.Report, error) {
	r, err := s.store.GetReport(ctx, compareID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("report %s not found", compareID)
	}
	if err != nil {
		return nil, fmt.Errorf("getting report: %w", err)
	}
	return r, nil
}

// List returns reports newest first, optionally for one project.
func (s *Service) List(ctx context.Context, projectID *uuid.UUID) ([]*models.Report, error) {
	list, err := s.store.ListReports(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}
	return list, nil
}

func (s *Service) Delete(ctx context.Context, compareID string) error {
	err := s.store.DeleteReport(ctx, compareID)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("report %s not found", compareID)
	}
	if err != nil {
		return fmt.Errorf("deleting report: %w", err)
	}
	return nil
}
