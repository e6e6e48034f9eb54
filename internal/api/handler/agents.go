package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/kiranshivaraju/etlgate/internal/api/response"
)

// NewHeartbeatHandler returns an http.HandlerFunc for POST /api/v1/heartbeat.
func NewHeartbeatHandler(reg AgentRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, ok := requireAgent(w, r)
		if !ok {
			return
		}

		var req struct {
			ActiveJobs int             `json:"active_jobs"`
			SystemInfo json.RawMessage `json:"system_info"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}

		at, err := reg.Heartbeat(r.Context(), agent.ID, req.ActiveJobs, req.SystemInfo)
		if err != nil {
			response.FromError(w, err)
			return
		}

		response.JSON(w, map[string]any{
			"agent_id":    agent.ID,
			"active_jobs": req.ActiveJobs,
			"received_at": at.UTC().Format(time.RFC3339Nano),
		})
	}
}

// NewListAgentsHandler returns an http.HandlerFunc for GET /api/v1/agents.
// Status is derived from each agent's last heartbeat.
func NewListAgentsHandler(reg AgentRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireUser(w, r); !ok {
			return
		}
		projectID, ok := projectQuery(w, r)
		if !ok {
			return
		}

		list, err := reg.ListWithComputedStatus(r.Context(), projectID)
		if err != nil {
			response.FromError(w, err)
			return
		}
		response.List(w, list, len(list))
	}
}
