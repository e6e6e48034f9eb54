package queue_test

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/etlgate/internal/queue"
	"github.com/kiranshivaraju/etlgate/internal/store"
	"github.com/kiranshivaraju/etlgate/pkg/models"
)

// memStore is an in-memory queue.Store. ClaimJob and FinishJob check and
// update under one lock to mirror the conditional UPDATE of PostgresStore.
type memStore struct {
	mu       sync.Mutex
	projects map[uuid.UUID]*models.Project
	agents   map[uuid.UUID]*models.Agent
	jobs     map[uuid.UUID]*models.Job
	order    []uuid.UUID
	reports  map[uuid.UUID]string
	progress map[uuid.UUID]int

	createErr error
}

var _ queue.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		projects: map[uuid.UUID]*models.Project{},
		agents:   map[uuid.UUID]*models.Agent{},
		jobs:     map[uuid.UUID]*models.Job{},
		reports:  map[uuid.UUID]string{},
		progress: map[uuid.UUID]int{},
	}
}

func (m *memStore) addProject() uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.projects[id] = &models.Project{ID: id, Name: "p-" + id.String()[:4]}
	return id
}

func (m *memStore) addAgent(projectID uuid.UUID) *models.Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := &models.Agent{ID: uuid.New(), ProjectID: projectID, Name: "agent"}
	m.agents[a.ID] = a
	return a
}

func (m *memStore) GetProject(_ context.Context, id uuid.UUID) (*models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p, nil
}

func (m *memStore) GetAgent(_ context.Context, id uuid.UUID) (*models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}

func (m *memStore) CreateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	cp := *job
	m.jobs[job.ID] = &cp
	m.order = append(m.order, job.ID)
	return nil
}

func (m *memStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) NextPendingJob(_ context.Context, projectID, agentID uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pending []*models.Job
	for _, id := range m.order {
		j := m.jobs[id]
		if j.ProjectID != projectID || j.Status != models.JobStatusPending {
			continue
		}
		if j.TargetAgentID != nil && *j.TargetAgentID != agentID {
			continue
		}
		pending = append(pending, j)
	}
	if len(pending) == 0 {
		return nil, store.ErrNotFound
	}
	sort.SliceStable(pending, func(a, b int) bool {
		return pending[a].CreatedAt.Before(pending[b].CreatedAt)
	})
	cp := *pending[0]
	return &cp, nil
}

func (m *memStore) ClaimJob(_ context.Context, id uuid.UUID, claim store.Claim) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.ProjectID != claim.ProjectID {
		return nil, store.ErrNotFound
	}
	if j.Status != models.JobStatusPending ||
		(j.TargetAgentID != nil && *j.TargetAgentID != claim.AgentID) {
		return nil, store.ErrConflict
	}
	agentID := claim.AgentID
	at := claim.At
	j.Status = models.JobStatusRunning
	j.AgentID = &agentID
	j.StartedAt = &at
	j.UpdatedAt = at
	cp := *j
	return &cp, nil
}

func (m *memStore) FinishJob(_ context.Context, id uuid.UUID, fin store.Finish) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.ProjectID != fin.ProjectID {
		return nil, store.ErrNotFound
	}
	if j.Status != models.JobStatusRunning || j.AgentID == nil || *j.AgentID != fin.AgentID {
		return nil, store.ErrConflict
	}
	at := fin.At
	j.Status = fin.Status
	j.Result = fin.Result
	j.ErrorMessage = fin.ErrorMessage
	j.CompletedAt = &at
	j.UpdatedAt = at
	cp := *j
	return &cp, nil
}

func (m *memStore) UpdateReportForJob(_ context.Context, jobID uuid.UUID, status string, progress *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reports[jobID]; !ok {
		return store.ErrNotFound
	}
	m.reports[jobID] = status
	if progress != nil {
		m.progress[jobID] = *progress
	}
	return nil
}
