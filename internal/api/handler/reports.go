package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/etlgate/internal/api/response"
)

// NewGetReportHandler returns an http.HandlerFunc for GET /api/v1/reports/{compareID}.
func NewGetReportHandler(rs ReportStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireUser(w, r); !ok {
			return
		}
		report, err := rs.Get(r.Context(), chi.URLParam(r, "compareID"))
		if err != nil {
			response.FromError(w, err)
			return
		}
		response.JSON(w, report)
	}
}

// NewListReportsHandler returns an http.HandlerFunc for GET /api/v1/reports.
func NewListReportsHandler(rs ReportStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireUser(w, r); !ok {
			return
		}
		projectID, ok := projectQuery(w, r)
		if !ok {
			return
		}
		list, err := rs.List(r.Context(), projectID)
		if err != nil {
			response.FromError(w, err)
			return
		}
		response.List(w, list, len(list))
	}
}

// NewDeleteReportHandler returns an http.HandlerFunc for DELETE /api/v1/reports/{compareID}.
func NewDeleteReportHandler(rs ReportStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireUser(w, r); !ok {
			return
		}
		if err := rs.Delete(r.Context(), chi.URLParam(r, "compareID")); err != nil {
			response.FromError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
