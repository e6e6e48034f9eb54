// Package artifacts stores files produced by agents while running a job.
// Artifacts are addressed by job id and a relative path; writing the same
// address again replaces the previous content.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/etlgate/internal/apperr"
	"github.com/kiranshivaraju/etlgate/internal/store"
	"github.com/kiranshivaraju/etlgate/pkg/models"
)

// Namespace is the fixed route segment artifact URLs are built under.
const Namespace = "/api/v1/artifacts"

const maxPathLen = 512

// Store is the subset of store.Store the artifact store needs.
type Store interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	PutArtifact(ctx context.Context, a *models.Artifact) error
	GetArtifact(ctx context.Context, jobID uuid.UUID, path string) (*models.Artifact, error)
}

// Service writes and reads job artifacts.
type Service struct {
	store   Store
	baseURL string
	now     func() time.Time
}

// NewService creates an artifact store whose URLs are rooted at publicBaseURL.
func NewService(st Store, publicBaseURL string) *Service {
	return &Service{
		store:   st,
		baseURL: strings.TrimRight(publicBaseURL, "/"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// PutRequest is one upload.
type PutRequest struct {
	JobID       uuid.UUID
	Path        string
	ContentType string
	Data        []byte
}

// Put stores an artifact for a job in the agent's project and returns its
// public URL. Jobs outside the agent's project are reported as not found.
func (s *Service) Put(ctx context.Context, agent *models.Agent, req PutRequest) (string, error) {
	clean, err := CleanPath(req.Path)
	if err != nil {
		return "", err
	}

	job, err := s.store.GetJob(ctx, req.JobID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && job.ProjectID != agent.ProjectID) {
		return "", apperr.NotFound("job %s not found", req.JobID)
	}
	if err != nil {
		return "", fmt.Errorf("getting job: %w", err)
	}

	contentType := req.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(req.Data)
	}

	a := &models.Artifact{
		JobID:       req.JobID,
		Path:        clean,
		ContentType: contentType,
		Size:        int64(len(req.Data)),
		Data:        req.Data,
		UpdatedAt:   s.now(),
	}
	if err := s.store.PutArtifact(ctx, a); err != nil {
		return "", fmt.Errorf("storing artifact: %w", err)
	}

	slog.Info("artifact stored", "job_id", req.JobID, "agent_id", agent.ID, "path", clean, "size", a.Size)
	return s.URL(req.JobID, clean), nil
}

// Get returns the artifact stored at (jobID, p).
func (s *Service) Get(ctx context.Context, jobID uuid.UUID, p string) (*models.Artifact, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	a, err := s.store.GetArtifact(ctx, jobID, clean)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("artifact %s not found for job %s", clean, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("getting artifact: %w", err)
	}
	return a, nil
}

// URL returns the public address of an artifact. The same inputs always
// produce the same URL.
func (s *Service) URL(jobID uuid.UUID, p string) string {
	segments := strings.Split(p, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return s.baseURL + Namespace + "/" + jobID.String() + "/" + strings.Join(segments, "/")
}

// CleanPath normalizes a caller-supplied relative path. Absolute paths and
// paths escaping the job's namespace are rejected.
func CleanPath(p string) (string, error) {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	if p == "" {
		return "", apperr.Validation("artifact path is required")
	}
	if len(p) > maxPathLen {
		return "", apperr.Validation("artifact path exceeds %d characters", maxPathLen)
	}
	if strings.HasPrefix(p, "/") {
		return "", apperr.Validation("artifact path must be relative")
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", apperr.Validation("artifact path must not contain '..'")
		}
	}
	clean := path.Clean(p)
	if clean == "." {
		return "", apperr.Validation("artifact path is required")
	}
	return clean, nil
}
