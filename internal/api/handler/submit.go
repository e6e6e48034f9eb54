package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/etlgate/internal/api/response"
	"github.com/kiranshivaraju/etlgate/internal/apperr"
	"github.com/kiranshivaraju/etlgate/internal/queue"
	"github.com/kiranshivaraju/etlgate/internal/reports"
	"github.com/kiranshivaraju/etlgate/pkg/models"
)

type compareRunResponse struct {
	JobID         uuid.UUID `json:"job_id"`
	CompareID     string    `json:"compare_id"`
	Status        string    `json:"status"`
	ReportCreated bool      `json:"report_created"`
}

// NewCompareRunHandler returns an http.HandlerFunc for POST /api/v1/compare/run.
// It queues an etl_comparison job and then writes its report stub. The two
// writes are independent: a failed stub is logged and reported in the
// response while the job stays queued. A compare_id already used by another
// project is rejected before anything is written.
func NewCompareRunHandler(q JobQueue, rs ReportStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		creator, ok := requireUser(w, r)
		if !ok {
			return
		}

		var req struct {
			ProjectID          *uuid.UUID      `json:"project_id"`
			AgentID            *uuid.UUID      `json:"agent_id"`
			CompareID          string          `json:"compare_id"`
			SourceConnectionID string          `json:"source_connection_id"`
			TargetConnectionID string          `json:"target_connection_id"`
			SourceQuery        string          `json:"source_query"`
			TargetQuery        string          `json:"target_query"`
			SourceConnection   json.RawMessage `json:"source_connection"`
			TargetConnection   json.RawMessage `json:"target_connection"`
			Options            json.RawMessage `json:"options"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}

		compareID := strings.TrimSpace(req.CompareID)
		if compareID == "" {
			compareID = uuid.NewString()
		} else if req.ProjectID != nil {
			existing, err := rs.Get(r.Context(), compareID)
			if err != nil && !errors.Is(err, apperr.ErrNotFound) {
				response.FromError(w, err)
				return
			}
			if existing != nil && existing.ProjectID != *req.ProjectID {
				response.FromError(w, apperr.Conflict("report %s belongs to another project", compareID))
				return
			}
		}

		payload := map[string]any{
			"compare_id":           compareID,
			"source_connection_id": req.SourceConnectionID,
			"target_connection_id": req.TargetConnectionID,
			"source_query":         req.SourceQuery,
			"target_query":         req.TargetQuery,
		}
		for key, raw := range map[string]json.RawMessage{
			"source_connection": req.SourceConnection,
			"target_connection": req.TargetConnection,
			"options":           req.Options,
		} {
			if len(raw) > 0 {
				payload[key] = raw
			}
		}
		body, err := json.Marshal(payload)
		if err != nil {
			response.FromError(w, apperr.Validation("invalid comparison payload: %v", err))
			return
		}

		job, err := q.Submit(r.Context(), queue.SubmitRequest{
			ProjectID:     req.ProjectID,
			CreatedBy:     creator,
			Type:          models.JobTypeETLComparison,
			Payload:       body,
			TargetAgentID: req.AgentID,
		})
		if err != nil {
			response.FromError(w, err)
			return
		}

		reportCreated := true
		if _, err := rs.CreateStub(r.Context(), reports.Stub{
			CompareID:          compareID,
			JobID:              job.ID,
			ProjectID:          job.ProjectID,
			SourceConnectionID: req.SourceConnectionID,
			TargetConnectionID: req.TargetConnectionID,
			SourceQuery:        req.SourceQuery,
			TargetQuery:        req.TargetQuery,
		}); err != nil {
			reportCreated = false
			slog.Warn("report stub not created", "job_id", job.ID, "compare_id", compareID, "error", err)
		}

		response.Created(w, compareRunResponse{
			JobID:         job.ID,
			CompareID:     compareID,
			Status:        job.Status,
			ReportCreated: reportCreated,
		})
	}
}

// NewConnectionTestHandler returns an http.HandlerFunc for POST /api/v1/connections/test.
func NewConnectionTestHandler(q JobQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		creator, ok := requireUser(w, r)
		if !ok {
			return
		}

		var req struct {
			ProjectID    *uuid.UUID      `json:"project_id"`
			AgentID      *uuid.UUID      `json:"agent_id"`
			ConnectionID string          `json:"connection_id"`
			Connection   json.RawMessage `json:"connection"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}

		payload := map[string]any{}
		if req.ConnectionID != "" {
			payload["connection_id"] = req.ConnectionID
		}
		if len(req.Connection) > 0 {
			payload["connection"] = req.Connection
		}
		body, err := json.Marshal(payload)
		if err != nil {
			response.FromError(w, apperr.Validation("invalid connection payload: %v", err))
			return
		}

		job, err := q.Submit(r.Context(), queue.SubmitRequest{
			ProjectID:     req.ProjectID,
			CreatedBy:     creator,
			Type:          models.JobTypeTestConnection,
			Payload:       body,
			TargetAgentID: req.AgentID,
		})
		if err != nil {
			response.FromError(w, err)
			return
		}
		response.Created(w, map[string]any{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}
