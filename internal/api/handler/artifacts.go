package handler

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/etlgate/internal/api/response"
	"github.com/kiranshivaraju/etlgate/internal/artifacts"
)

const multipartMemory = 8 << 20

// NewUploadArtifactHandler returns an http.HandlerFunc for
// POST /api/v1/jobs/{jobID}/artifacts. The body is multipart with a "file"
// part and an optional "path" field; the file name is used when path is empty.
func NewUploadArtifactHandler(as ArtifactStore, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, ok := requireAgent(w, r)
		if !ok {
			return
		}
		jobID, ok := jobIDParam(w, r)
		if !ok {
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				response.Error(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
					"Artifact exceeds "+strconv.FormatInt(maxBytes, 10)+" bytes", nil)
				return
			}
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Expected multipart/form-data body", nil)
			return
		}
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile("file")
		if err != nil {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "file is required", nil)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Failed to read file", nil)
			return
		}

		path := r.FormValue("path")
		if path == "" {
			path = header.Filename
		}

		link, err := as.Put(r.Context(), agent, artifacts.PutRequest{
			JobID:       jobID,
			Path:        path,
			ContentType: header.Header.Get("Content-Type"),
			Data:        data,
		})
		if err != nil {
			response.FromError(w, err)
			return
		}

		response.Created(w, map[string]any{
			"job_id": jobID,
			"path":   path,
			"size":   len(data),
			"url":    link,
		})
	}
}

// NewDownloadArtifactHandler returns an http.HandlerFunc for
// GET /api/v1/artifacts/{jobID}/*, the target of artifact URLs.
func NewDownloadArtifactHandler(as ArtifactStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid job ID format", nil)
			return
		}

		path := chi.URLParam(r, "*")
		if r.URL.RawPath != "" {
			if path, err = url.PathUnescape(path); err != nil {
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid artifact path", nil)
				return
			}
		}

		a, err := as.Get(r.Context(), jobID, path)
		if err != nil {
			response.FromError(w, err)
			return
		}

		w.Header().Set("Content-Type", a.ContentType)
		w.Header().Set("Content-Length", strconv.FormatInt(a.Size, 10))
		w.Header().Set("Last-Modified", a.UpdatedAt.UTC().Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
		w.Write(a.Data)
	}
}
