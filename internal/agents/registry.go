// Package agents is the agent registry: registration, credential checks,
// heartbeats and read-time liveness.
package agents

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/etlgate/internal/apperr"
	"github.com/kiranshivaraju/etlgate/internal/store"
	"github.com/kiranshivaraju/etlgate/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const (
	// KeyPrefixLen is the number of leading key characters stored in clear for lookup.
	KeyPrefixLen = 8
	keyMarker    = "ak_"

	// DefaultLivenessWindow is how long an agent stays online after its last heartbeat.
	DefaultLivenessWindow = 120 * time.Second
)

// Store is the subset of store.Store the registry needs.
type Store interface {
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
	CreateAgent(ctx context.Context, a *models.Agent) error
	GetAgent(ctx context.Context, id uuid.UUID) (*models.Agent, error)
	GetAgentsByKeyPrefix(ctx context.Context, prefix string) ([]*models.Agent, error)
	ListAgents(ctx context.Context, projectID *uuid.UUID) ([]*models.Agent, error)
	RecordHeartbeat(ctx context.Context, id uuid.UUID, hb store.Heartbeat) error
}

// Registry answers whether an agent is who it claims to be and whether it is alive.
type Registry struct {
	store  Store
	window time.Duration
	cost   int
	now    func() time.Time
}

// NewRegistry creates a registry. A non-positive window falls back to
// DefaultLivenessWindow.
func NewRegistry(st Store, window time.Duration) *Registry {
	if window <= 0 {
		window = DefaultLivenessWindow
	}
	return &Registry{
		store:  st,
		window: window,
		cost:   bcrypt.DefaultCost,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Intended for tests.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// WithHashCost sets the bcrypt cost used for new keys. Tests use bcrypt.MinCost.
func (r *Registry) WithHashCost(cost int) *Registry {
	r.cost = cost
	return r
}

// LivenessWindow returns the configured window.
func (r *Registry) LivenessWindow() time.Duration {
	return r.window
}

// RegisterRequest describes a new agent.
type RegisterRequest struct {
	ProjectID uuid.UUID
	Name      string
	Type      string
	Capacity  *int
	Config    json.RawMessage
}

// Register creates an agent and returns it with its raw key. The raw key is
// not stored and cannot be recovered.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*models.Agent, string, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, "", apperr.Validation("agent name is required")
	}
	if req.Capacity != nil && *req.Capacity < 1 {
		return nil, "", apperr.Validation("capacity must be at least 1")
	}
	if len(req.Config) > 0 && !json.Valid(req.Config) {
		return nil, "", apperr.Validation("config must be valid JSON")
	}
	if _, err := r.store.GetProject(ctx, req.ProjectID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, "", apperr.Validation("project %s does not exist", req.ProjectID)
		}
		return nil, "", fmt.Errorf("resolving project: %w", err)
	}

	rawKey, err := generateKey()
	if err != nil {
		return nil, "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), r.cost)
	if err != nil {
		return nil, "", fmt.Errorf("hashing agent key: %w", err)
	}

	typ := req.Type
	if typ == "" {
		typ = "generic"
	}
	now := r.now()
	agent := &models.Agent{
		ID:        uuid.New(),
		ProjectID: req.ProjectID,
		Name:      name,
		Type:      typ,
		KeyHash:   string(hash),
		KeyPrefix: rawKey[:KeyPrefixLen],
		Capacity:  req.Capacity,
		Config:    req.Config,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.CreateAgent(ctx, agent); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return nil, "", apperr.Conflict("agent %q already exists", name)
		}
		return nil, "", fmt.Errorf("creating agent: %w", err)
	}

	slog.Info("agent registered", "agent_id", agent.ID, "project_id", agent.ProjectID, "key_prefix", agent.KeyPrefix)
	agent.Status = ComputeStatus(agent, now, r.window)
	return agent, rawKey, nil
}

func generateKey() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating agent key: %w", err)
	}
	return keyMarker + hex.EncodeToString(buf), nil
}

// Authenticate resolves a raw agent key. Every failure to match is
// apperr.ErrUnauthorized; store failures are returned as-is.
func (r *Registry) Authenticate(ctx context.Context, rawKey string) (*models.Agent, error) {
	rawKey = strings.TrimSpace(rawKey)
	if len(rawKey) < KeyPrefixLen {
		return nil, apperr.Unauthorized("invalid agent key")
	}

	candidates, err := r.store.GetAgentsByKeyPrefix(ctx, rawKey[:KeyPrefixLen])
	if err != nil {
		return nil, fmt.Errorf("looking up agent key: %w", err)
	}
	for _, a := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(a.KeyHash), []byte(rawKey)) == nil {
			return a, nil
		}
	}
	return nil, apperr.Unauthorized("invalid agent key")
}

// Heartbeat records that the agent is alive along with its current load and
// returns the recorded time. Repeating a heartbeat only moves the timestamp
// forward.
func (r *Registry) Heartbeat(ctx context.Context, agentID uuid.UUID, runningJobs int, systemInfo json.RawMessage) (time.Time, error) {
	if runningJobs < 0 {
		return time.Time{}, apperr.Validation("active_jobs must not be negative")
	}
	if len(systemInfo) > 0 && !json.Valid(systemInfo) {
		return time.Time{}, apperr.Validation("system_info must be valid JSON")
	}

	// Postgres keeps microseconds; truncating here makes the returned time
	// match the stored one.
	at := r.now().Truncate(time.Microsecond)
	err := r.store.RecordHeartbeat(ctx, agentID, store.Heartbeat{
		RunningJobs: runningJobs,
		SystemInfo:  systemInfo,
		At:          at,
	})
	if errors.Is(err, store.ErrNotFound) {
		return time.Time{}, apperr.NotFound("agent %s not found", agentID)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("recording heartbeat: %w", err)
	}
	slog.Debug("heartbeat", "agent_id", agentID, "running_jobs", runningJobs)
	return at, nil
}

// Get returns one agent with its computed status.
func (r *Registry) Get(ctx context.Context, agentID uuid.UUID) (*models.Agent, error) {
	a, err := r.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("agent %s not found", agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("getting agent: %w", err)
	}
	a.Status = ComputeStatus(a, r.now(), r.window)
	return a, nil
}

// ListWithComputedStatus lists agents, optionally for one project, with the
// status derived from each agent's last heartbeat.
func (r *Registry) ListWithComputedStatus(ctx context.Context, projectID *uuid.UUID) ([]*models.Agent, error) {
	list, err := r.store.ListAgents(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	now := r.now()
	for _, a := range list {
		a.Status = ComputeStatus(a, now, r.window)
	}
	return list, nil
}

// ComputeStatus derives an agent's status from its last heartbeat. An agent
// that never sent one is offline.
func ComputeStatus(a *models.Agent, now time.Time, window time.Duration) string {
	if a.LastHeartbeat == nil || now.Sub(*a.LastHeartbeat) > window {
		return models.AgentStatusOffline
	}
	if a.RunningJobs > 0 {
		return models.AgentStatusBusy
	}
	return models.AgentStatusOnline
}
