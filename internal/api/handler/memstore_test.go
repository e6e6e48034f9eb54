package handler_test

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/etlgate/internal/store"
	"github.com/kiranshivaraju/etlgate/pkg/models"
)

// ─── in-memory store ─────────────────────────────────────────────────────────
// Conditional updates check and write under one lock, matching the single
// UPDATE ... WHERE statements of PostgresStore.

type artifactKey struct {
	job  uuid.UUID
	path string
}

type memStore struct {
	mu        sync.Mutex
	projects  map[uuid.UUID]*models.Project
	agents    map[uuid.UUID]*models.Agent
	jobs      map[uuid.UUID]*models.Job
	reports   map[string]*models.Report
	artifacts map[artifactKey]*models.Artifact
	mutations int
}

var _ store.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		projects:  map[uuid.UUID]*models.Project{},
		agents:    map[uuid.UUID]*models.Agent{},
		jobs:      map[uuid.UUID]*models.Job{},
		reports:   map[string]*models.Report{},
		artifacts: map[artifactKey]*models.Artifact{},
	}
}

func (s *memStore) mutationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutations
}

func (s *memStore) Ping(_ context.Context) error { return nil }

func (s *memStore) CreateProject(_ context.Context, p *models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutations++
	cp := *p
	s.projects[p.ID] = &cp
	return nil
}

func (s *memStore) GetProject(_ context.Context, id uuid.UUID) (*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) CreateAgent(_ context.Context, a *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.agents {
		if existing.ProjectID == a.ProjectID && existing.Name == a.Name {
			return store.ErrDuplicateKey
		}
	}
	s.mutations++
	cp := *a
	s.agents[a.ID] = &cp
	return nil
}

func (s *memStore) GetAgent(_ context.Context, id uuid.UUID) (*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *memStore) GetAgentsByKeyPrefix(_ context.Context, prefix string) ([]*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Agent
	for _, a := range s.agents {
		if a.KeyPrefix == prefix {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) ListAgents(_ context.Context, projectID *uuid.UUID) ([]*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*models.Agent{}
	for _, a := range s.agents {
		if projectID == nil || a.ProjectID == *projectID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memStore) RecordHeartbeat(_ context.Context, id uuid.UUID, hb store.Heartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return store.ErrNotFound
	}
	s.mutations++
	at := hb.At
	a.LastHeartbeat = &at
	a.RunningJobs = hb.RunningJobs
	a.SystemInfo = hb.SystemInfo
	return nil
}

func (s *memStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutations++
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *memStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *memStore) NextPendingJob(_ context.Context, projectID, agentID uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.Job
	for _, j := range s.jobs {
		if j.ProjectID != projectID || j.Status != models.JobStatusPending {
			continue
		}
		if j.TargetAgentID != nil && *j.TargetAgentID != agentID {
			continue
		}
		if best == nil || j.CreatedAt.Before(best.CreatedAt) {
			best = j
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (s *memStore) ClaimJob(_ context.Context, id uuid.UUID, claim store.Claim) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.ProjectID != claim.ProjectID {
		return nil, store.ErrNotFound
	}
	if j.Status != models.JobStatusPending || (j.TargetAgentID != nil && *j.TargetAgentID != claim.AgentID) {
		return nil, store.ErrConflict
	}
	s.mutations++
	agentID, at := claim.AgentID, claim.At
	j.Status = models.JobStatusRunning
	j.AgentID = &agentID
	j.StartedAt = &at
	j.UpdatedAt = at
	cp := *j
	return &cp, nil
}

func (s *memStore) FinishJob(_ context.Context, id uuid.UUID, fin store.Finish) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.ProjectID != fin.ProjectID {
		return nil, store.ErrNotFound
	}
	if j.Status != models.JobStatusRunning || j.AgentID == nil || *j.AgentID != fin.AgentID {
		return nil, store.ErrConflict
	}
	s.mutations++
	at := fin.At
	j.Status = fin.Status
	j.Result = fin.Result
	j.ErrorMessage = fin.ErrorMessage
	j.CompletedAt = &at
	j.UpdatedAt = at
	cp := *j
	return &cp, nil
}

func (s *memStore) FailStaleJobs(_ context.Context, before time.Time, msg string, at time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for _, j := range s.jobs {
		if j.Status != models.JobStatusRunning || j.StartedAt == nil || !j.StartedAt.Before(before) {
			continue
		}
		if j.AgentID != nil {
			if a, ok := s.agents[*j.AgentID]; ok && a.LastHeartbeat != nil && !a.LastHeartbeat.Before(before) {
				continue
			}
		}
		m := msg
		j.Status = models.JobStatusFailed
		j.ErrorMessage = &m
		j.CompletedAt = &at
		ids = append(ids, j.ID)
	}
	return ids, nil
}

func (s *memStore) UpsertReport(_ context.Context, r *models.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.reports[r.CompareID]; ok && old.ProjectID != r.ProjectID {
		return store.ErrConflict
	}
	s.mutations++
	cp := *r
	s.reports[r.CompareID] = &cp
	return nil
}

func (s *memStore) GetReport(_ context.Context, id string) (*models.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) ListReports(_ context.Context, projectID *uuid.UUID) ([]*models.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*models.Report{}
	for _, r := range s.reports {
		if projectID == nil || r.ProjectID == *projectID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) DeleteReport(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[id]; !ok {
		return store.ErrNotFound
	}
	s.mutations++
	delete(s.reports, id)
	return nil
}

func (s *memStore) UpdateReportForJob(_ context.Context, jobID uuid.UUID, status string, progress *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.reports {
		if r.JobID != jobID || r.Status == models.ReportStatusCompleted || r.Status == models.ReportStatusFailed {
			continue
		}
		s.mutations++
		r.Status = status
		if progress != nil {
			r.Progress = *progress
		}
		return nil
	}
	return store.ErrNotFound
}

func (s *memStore) ReconcileReports(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func (s *memStore) PutArtifact(_ context.Context, a *models.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutations++
	cp := *a
	s.artifacts[artifactKey{a.JobID, a.Path}] = &cp
	return nil
}

func (s *memStore) GetArtifact(_ context.Context, jobID uuid.UUID, path string) (*models.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[artifactKey{jobID, path}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}
