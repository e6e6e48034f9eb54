package handler

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/etlgate/internal/api/middleware"
	"github.com/kiranshivaraju/etlgate/internal/api/response"
	"github.com/kiranshivaraju/etlgate/internal/apperr"
	"github.com/kiranshivaraju/etlgate/internal/queue"
)

// NewSubmitJobHandler returns an http.HandlerFunc for POST /api/v1/jobs, the
// generic submission endpoint for any job type.
func NewSubmitJobHandler(q JobQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		creator, ok := requireUser(w, r)
		if !ok {
			return
		}

		var req struct {
			ProjectID *uuid.UUID      `json:"project_id"`
			AgentID   *uuid.UUID      `json:"agent_id"`
			JobType   string          `json:"job_type"`
			Payload   json.RawMessage `json:"payload"`
			BaseURL   *string         `json:"base_url"`
			Steps     json.RawMessage `json:"steps"`
			RunID     *string         `json:"run_id"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}

		job, err := q.Submit(r.Context(), queue.SubmitRequest{
			ProjectID:     req.ProjectID,
			CreatedBy:     creator,
			Type:          req.JobType,
			Payload:       req.Payload,
			TargetAgentID: req.AgentID,
			BaseURL:       req.BaseURL,
			Steps:         req.Steps,
			RunID:         req.RunID,
		})
		if err != nil {
			response.FromError(w, err)
			return
		}
		response.Created(w, job)
	}
}

// NewPollHandler returns an http.HandlerFunc for GET and POST /api/v1/jobs/poll.
// The response holds at most one job and claims nothing.
func NewPollHandler(q JobQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, ok := requireAgent(w, r)
		if !ok {
			return
		}

		jobs, err := q.Poll(r.Context(), agent)
		if err != nil {
			response.FromError(w, err)
			return
		}
		response.List(w, jobs, len(jobs))
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
// Agents only see jobs of their own project.
func NewGetJobHandler(q JobQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(w, r)
		if !ok {
			return
		}

		job, err := q.Get(r.Context(), jobID)
		if err != nil {
			response.FromError(w, err)
			return
		}
		if agent, isAgent := mw.GetAgent(r); isAgent && agent.ProjectID != job.ProjectID {
			response.FromError(w, apperr.NotFound("job %s not found", jobID))
			return
		}
		response.JSON(w, job)
	}
}

// NewStartJobHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/start.
// A job that is no longer pending yields 409.
func NewStartJobHandler(q JobQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, ok := requireAgent(w, r)
		if !ok {
			return
		}
		jobID, ok := jobIDParam(w, r)
		if !ok {
			return
		}

		job, err := q.Start(r.Context(), jobID, agent)
		if err != nil {
			response.FromError(w, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewJobResultHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/result.
func NewJobResultHandler(q JobQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, ok := requireAgent(w, r)
		if !ok {
			return
		}
		jobID, ok := jobIDParam(w, r)
		if !ok {
			return
		}

		var req struct {
			Status       string          `json:"status"`
			ResultData   json.RawMessage `json:"result_data"`
			ErrorMessage *string         `json:"error_message"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}

		job, err := q.ReportResult(r.Context(), jobID, agent, queue.ResultRequest{
			Status:       req.Status,
			Result:       req.ResultData,
			ErrorMessage: req.ErrorMessage,
		})
		if err != nil {
			response.FromError(w, err)
			return
		}
		response.JSON(w, job)
	}
}
