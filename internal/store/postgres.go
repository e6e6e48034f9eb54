package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/etlgate/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// --- Projects ---

func (s *PostgresStore) CreateProject(ctx context.Context, p *models.Project) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO projects (id, name, created_at) VALUES ($1, $2, $3)`,
		p.ID, p.Name, p.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	var p models.Project
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM projects WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &p, nil
}

// --- Agents ---

const agentColumns = `id, project_id, agent_name, agent_type, key_hash, key_prefix, last_heartbeat,
	running_jobs, capacity, config, system_info, created_at, updated_at`

func scanAgent(row rowScanner) (*models.Agent, error) {
	var a models.Agent
	var cfg, info []byte
	if err := row.Scan(&a.ID, &a.ProjectID, &a.Name, &a.Type, &a.KeyHash, &a.KeyPrefix,
		&a.LastHeartbeat, &a.RunningJobs, &a.Capacity, &cfg, &info, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Config = cfg
	a.SystemInfo = info
	return &a, nil
}

func (s *PostgresStore) CreateAgent(ctx context.Context, a *models.Agent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agents (id, project_id, agent_name, agent_type, key_hash, key_prefix, capacity, config, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.ProjectID, a.Name, a.Type, a.KeyHash, a.KeyPrefix, a.Capacity, jsonArg(a.Config),
		a.CreatedAt, a.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) GetAgentsByKeyPrefix(ctx context.Context, prefix string) ([]*models.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE key_prefix = $1`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get agents by key prefix: %w", err)
	}
	return collectAgents(rows)
}

func (s *PostgresStore) ListAgents(ctx context.Context, projectID *uuid.UUID) ([]*models.Agent, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if projectID != nil {
		rows, err = s.pool.Query(ctx,
			`SELECT `+agentColumns+` FROM agents WHERE project_id = $1 ORDER BY agent_name, id`, *projectID)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+agentColumns+` FROM agents ORDER BY agent_name, id`)
	}
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return collectAgents(rows)
}

func collectAgents(rows pgx.Rows) ([]*models.Agent, error) {
	defer rows.Close()

	agents := []*models.Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *PostgresStore) RecordHeartbeat(ctx context.Context, id uuid.UUID, hb Heartbeat) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET last_heartbeat = $2, running_jobs = $3, system_info = $4, updated_at = $2
		 WHERE id = $1`,
		id, hb.At, hb.RunningJobs, jsonArg(hb.SystemInfo))
	if err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Jobs ---

const jobColumns = `id, project_id, created_by, agent_id, target_agent_id, job_type, status, payload,
	base_url, steps, run_id, result, error_log, started_at, completed_at, created_at, updated_at`

func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	var payload, steps, result []byte
	if err := row.Scan(&j.ID, &j.ProjectID, &j.CreatedBy, &j.AgentID, &j.TargetAgentID, &j.Type,
		&j.Status, &payload, &j.BaseURL, &steps, &j.RunID, &result, &j.ErrorMessage,
		&j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Payload = payload
	j.Steps = steps
	j.Result = result
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	payload := job.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, project_id, created_by, target_agent_id, job_type, status, payload,
		                   base_url, steps, run_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID, job.ProjectID, job.CreatedBy, job.TargetAgentID, job.Type, job.Status, []byte(payload),
		job.BaseURL, jsonArg(job.Steps), job.RunID, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// NextPendingJob returns the oldest pending job of the project that agentID is
// allowed to take. It does not change any state. Returns ErrNotFound when the
// queue is empty.
func (s *PostgresStore) NextPendingJob(ctx context.Context, projectID, agentID uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE project_id = $1 AND status = 'pending'
		   AND (target_agent_id IS NULL OR target_agent_id = $2)
		 ORDER BY created_at ASC, seq ASC
		 LIMIT 1`, projectID, agentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("next pending job: %w", err)
	}
	return j, nil
}

// ClaimJob moves a job from pending to running in one conditional UPDATE.
// When two agents race, exactly one UPDATE matches the row; the loser gets
// ErrConflict.
func (s *PostgresStore) ClaimJob(ctx context.Context, id uuid.UUID, claim Claim) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = 'running', agent_id = $2, started_at = $3, updated_at = $3
		 WHERE id = $1 AND status = 'pending' AND project_id = $4
		   AND (target_agent_id IS NULL OR target_agent_id = $2)
		 RETURNING `+jobColumns,
		id, claim.AgentID, claim.At, claim.ProjectID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.explainMiss(ctx, id, claim.ProjectID)
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

// FinishJob records the terminal status of a running job. Only the agent the
// job is bound to can finish it.
func (s *PostgresStore) FinishJob(ctx context.Context, id uuid.UUID, fin Finish) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = $3, result = $4, error_log = $5, completed_at = $6, updated_at = $6
		 WHERE id = $1 AND status = 'running' AND agent_id = $2
		 RETURNING `+jobColumns,
		id, fin.AgentID, fin.Status, jsonArg(fin.Result), fin.ErrorMessage, fin.At))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.explainMiss(ctx, id, fin.ProjectID)
	}
	if err != nil {
		return nil, fmt.Errorf("finish job: %w", err)
	}
	return j, nil
}

// explainMiss classifies a conditional update that matched nothing. Jobs of
// other projects are reported as missing.
func (s *PostgresStore) explainMiss(ctx context.Context, id, projectID uuid.UUID) error {
	var owner uuid.UUID
	err := s.pool.QueryRow(ctx, `SELECT project_id FROM jobs WHERE id = $1`, id).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("inspect job: %w", err)
	}
	if owner != projectID {
		return ErrNotFound
	}
	return ErrConflict
}

// FailStaleJobs fails running jobs whose agent has not sent a heartbeat since
// heartbeatBefore. Jobs started after the cutoff are left alone.
func (s *PostgresStore) FailStaleJobs(ctx context.Context, heartbeatBefore time.Time, message string, at time.Time) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE jobs SET status = 'failed', error_log = $2, completed_at = $3, updated_at = $3
		 WHERE status = 'running' AND started_at < $1
		   AND (agent_id IS NULL OR agent_id IN (
		         SELECT id FROM agents WHERE last_heartbeat IS NULL OR last_heartbeat < $1))
		 RETURNING id`,
		heartbeatBefore, message, at)
	if err != nil {
		return nil, fmt.Errorf("fail stale jobs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("fail stale jobs: %w", err)
	}
	return ids, nil
}

// --- Reports ---

const reportColumns = `compare_id, job_id, project_id, status, progress, source_connection_id,
	target_connection_id, source_query, target_query, created_at, updated_at`

func scanReport(row rowScanner) (*models.Report, error) {
	var r models.Report
	if err := row.Scan(&r.CompareID, &r.JobID, &r.ProjectID, &r.Status, &r.Progress,
		&r.SourceConnectionID, &r.TargetConnectionID, &r.SourceQuery, &r.TargetQuery,
		&r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// UpsertReport writes a report keyed by compare id. Re-submitting a comparison
// with the same id points the report at the new job and resets its progress.
// A compare id already used by another project is left alone and yields
// ErrConflict.
func (s *PostgresStore) UpsertReport(ctx context.Context, r *models.Report) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO reports (compare_id, job_id, project_id, status, progress, source_connection_id,
		                      target_connection_id, source_query, target_query, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (compare_id) DO UPDATE SET
		   job_id = EXCLUDED.job_id,
		   project_id = EXCLUDED.project_id,
		   status = EXCLUDED.status,
		   progress = EXCLUDED.progress,
		   source_connection_id = EXCLUDED.source_connection_id,
		   target_connection_id = EXCLUDED.target_connection_id,
		   source_query = EXCLUDED.source_query,
		   target_query = EXCLUDED.target_query,
		   updated_at = EXCLUDED.updated_at
		 WHERE reports.project_id = EXCLUDED.project_id`,
		r.CompareID, r.JobID, r.ProjectID, r.Status, r.Progress, r.SourceConnectionID,
		r.TargetConnectionID, r.SourceQuery, r.TargetQuery, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) GetReport(ctx context.Context, compareID string) (*models.Report, error) {
	r, err := scanReport(s.pool.QueryRow(ctx,
		`SELECT `+reportColumns+` FROM reports WHERE compare_id = $1`, compareID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListReports(ctx context.Context, projectID *uuid.UUID) ([]*models.Report, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if projectID != nil {
		rows, err = s.pool.Query(ctx,
			`SELECT `+reportColumns+` FROM reports WHERE project_id = $1 ORDER BY created_at DESC`, *projectID)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+reportColumns+` FROM reports ORDER BY created_at DESC`)
	}
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	reports := []*models.Report{}
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

func (s *PostgresStore) DeleteReport(ctx context.Context, compareID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM reports WHERE compare_id = $1`, compareID)
	if err != nil {
		return fmt.Errorf("delete report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateReportForJob sets the status of the report linked to jobID. A nil
// progress leaves the stored value unchanged. Finished reports are not touched.
func (s *PostgresStore) UpdateReportForJob(ctx context.Context, jobID uuid.UUID, status string, progress *int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE reports SET status = $2, progress = COALESCE($3, progress), updated_at = NOW()
		 WHERE job_id = $1 AND status NOT IN ('completed', 'failed')`,
		jobID, status, progress)
	if err != nil {
		return fmt.Errorf("update report for job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReconcileReports copies job status onto unfinished reports that have fallen
// behind their job. Returns the number of reports changed.
func (s *PostgresStore) ReconcileReports(ctx context.Context, at time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE reports r SET
		   status = j.status,
		   progress = CASE WHEN j.status = 'completed' THEN 100 ELSE r.progress END,
		   updated_at = $1
		 FROM jobs j
		 WHERE r.job_id = j.id
		   AND r.status NOT IN ('completed', 'failed')
		   AND r.status <> j.status
		   AND j.status IN ('running', 'completed', 'failed')`, at)
	if err != nil {
		return 0, fmt.Errorf("reconcile reports: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Artifacts ---

func (s *PostgresStore) PutArtifact(ctx context.Context, a *models.Artifact) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO job_artifacts (job_id, path, content_type, size, data, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (job_id, path) DO UPDATE SET
		   content_type = EXCLUDED.content_type,
		   size = EXCLUDED.size,
		   data = EXCLUDED.data,
		   updated_at = EXCLUDED.updated_at`,
		a.JobID, a.Path, a.ContentType, a.Size, a.Data, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put artifact: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetArtifact(ctx context.Context, jobID uuid.UUID, path string) (*models.Artifact, error) {
	var a models.Artifact
	err := s.pool.QueryRow(ctx,
		`SELECT job_id, path, content_type, size, data, updated_at
		 FROM job_artifacts WHERE job_id = $1 AND path = $2`, jobID, path,
	).Scan(&a.JobID, &a.Path, &a.ContentType, &a.Size, &a.Data, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return &a, nil
}

// jsonArg maps an empty document to SQL NULL.
func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
