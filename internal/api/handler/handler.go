// Package handler holds the Gateway HTTP handlers. Each constructor takes the
// narrow service interface it needs and returns an http.HandlerFunc.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/etlgate/internal/api/middleware"
	"github.com/kiranshivaraju/etlgate/internal/api/response"
	"github.com/kiranshivaraju/etlgate/internal/artifacts"
	"github.com/kiranshivaraju/etlgate/internal/queue"
	"github.com/kiranshivaraju/etlgate/internal/reports"
	"github.com/kiranshivaraju/etlgate/pkg/models"
)

// JobQueue is the queue surface used by the job handlers.
type JobQueue interface {
	Submit(ctx context.Context, req queue.SubmitRequest) (*models.Job, error)
	Poll(ctx context.Context, agent *models.Agent) ([]*models.Job, error)
	Start(ctx context.Context, jobID uuid.UUID, agent *models.Agent) (*models.Job, error)
	ReportResult(ctx context.Context, jobID uuid.UUID, agent *models.Agent, req queue.ResultRequest) (*models.Job, error)
	Get(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
}

// AgentRegistry is the registry surface used by the agent handlers.
type AgentRegistry interface {
	Heartbeat(ctx context.Context, agentID uuid.UUID, runningJobs int, systemInfo json.RawMessage) (time.Time, error)
	ListWithComputedStatus(ctx context.Context, projectID *uuid.UUID) ([]*models.Agent, error)
}

// ArtifactStore is the artifact surface used by the upload and download handlers.
type ArtifactStore interface {
	Put(ctx context.Context, agent *models.Agent, req artifacts.PutRequest) (string, error)
	Get(ctx context.Context, jobID uuid.UUID, path string) (*models.Artifact, error)
}

// ReportStore is the report surface used by the report handlers.
type ReportStore interface {
	CreateStub(ctx context.Context, stub reports.Stub) (*models.Report, error)
	Get(ctx context.Context, compareID string) (*models.Report, error)
	List(ctx context.Context, projectID *uuid.UUID) ([]*models.Report, error)
	Delete(ctx context.Context, compareID string) error
}

func requireAgent(w http.ResponseWriter, r *http.Request) (*models.Agent, bool) {
	agent, ok := mw.GetAgent(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing agent", nil)
		return nil, false
	}
	return agent, true
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	sub, ok := mw.GetUser(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user identity", nil)
		return "", false
	}
	return sub, true
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid job ID format", nil)
		return uuid.Nil, false
	}
	return id, true
}

// projectQuery parses an optional ?project_id= filter.
func projectQuery(w http.ResponseWriter, r *http.Request) (*uuid.UUID, bool) {
	raw := r.URL.Query().Get("project_id")
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid project_id format", nil)
		return nil, false
	}
	return &id, true
}

// decodeJSON decodes an optional JSON body. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid JSON body", nil)
		return false
	}
	return true
}
