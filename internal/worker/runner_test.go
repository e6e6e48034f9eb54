package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/etlgate/internal/worker"
	"github.com/kiranshivaraju/etlgate/pkg/agentclient"
	"github.com/kiranshivaraju/etlgate/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─── mock client ─────────────────────────────────────────────────────────────

type upload struct {
	path, contentType string
	data              []byte
}

type mockClient struct {
	mu         sync.Mutex
	queue      []*models.Job
	pollErr    error
	startErr   error
	started    []uuid.UUID
	results    map[uuid.UUID]agentclient.Result
	uploads    []upload
	heartbeats []int
}

func newMockClient(jobs ...*models.Job) *mockClient {
	return &mockClient{queue: jobs, results: map[uuid.UUID]agentclient.Result{}}
}

func (c *mockClient) Heartbeat(_ context.Context, active int, _ any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heartbeats = append(c.heartbeats, active)
	return nil
}

func (c *mockClient) Poll(_ context.Context) ([]*models.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pollErr != nil {
		return nil, c.pollErr
	}
	if len(c.queue) == 0 {
		return []*models.Job{}, nil
	}
	return []*models.Job{c.queue[0]}, nil
}

func (c *mockClient) Start(_ context.Context, id uuid.UUID) (*models.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return nil, c.startErr
	}
	for i, j := range c.queue {
		if j.ID == id {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			c.started = append(c.started, id)
			cp := *j
			cp.Status = models.JobStatusRunning
			return &cp, nil
		}
	}
	return nil, &agentclient.APIError{StatusCode: 404}
}

func (c *mockClient) Result(_ context.Context, id uuid.UUID, res agentclient.Result) (*models.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[id] = res
	return &models.Job{ID: id, Status: res.Status}, nil
}

func (c *mockClient) UploadArtifact(_ context.Context, id uuid.UUID, p, ct string, r io.Reader) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, _ := io.ReadAll(r)
	c.uploads = append(c.uploads, upload{p, ct, data})
	return "http://gw/api/v1/artifacts/" + id.String() + "/" + p, nil
}

var _ agentclient.Client = (*mockClient)(nil)

// ─── fake database ───────────────────────────────────────────────────────────

type fakeDB struct {
	pingErr error
	tables  []worker.Table
	closed  bool
}

func (d *fakeDB) Ping(_ context.Context) error                    { return d.pingErr }
func (d *fakeDB) ServerVersion(_ context.Context) (string, error) { return "16.2", nil }
func (d *fakeDB) Tables(_ context.Context) ([]worker.Table, error) {
	return d.tables, nil
}
func (d *fakeDB) Close(_ context.Context) error {
	d.closed = true
	return nil
}

func openerFor(db *fakeDB, seen *worker.Connection) worker.Opener {
	return func(_ context.Context, c worker.Connection) (worker.DB, error) {
		if seen != nil {
			*seen = c
		}
		return db, nil
	}
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func newJob(jobType, payload string) *models.Job {
	return &models.Job{
		ID:      uuid.New(),
		Type:    jobType,
		Status:  models.JobStatusPending,
		Payload: json.RawMessage(payload),
	}
}

func testConfig() worker.Config {
	return worker.Config{MaxConcurrentJobs: 1}
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestRunOnce_NoJobs(t *testing.T) {
	c := newMockClient()
	r := worker.NewRunner(c, nil, testConfig())

	ran, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Empty(t, c.started)
}

func TestRunOnce_TestConnectionSucceeds(t *testing.T) {
	job := newJob(models.JobTypeTestConnection, `{"connection":{"host":"db","database":"app","username":"u","port":5433}}`)
	c := newMockClient(job)
	db := &fakeDB{}
	var seen worker.Connection
	r := worker.NewRunner(c, worker.DefaultExecutors(openerFor(db, &seen)), testConfig())

	ran, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)

	assert.Equal(t, []uuid.UUID{job.ID}, c.started)
	res := c.results[job.ID]
	assert.Equal(t, models.JobStatusCompleted, res.Status)
	data := res.ResultData.(map[string]any)
	assert.Equal(t, true, data["success"])
	assert.Equal(t, "16.2", data["server_version"])
	assert.Equal(t, "db", seen.Host)
	assert.True(t, db.closed)
	assert.Zero(t, r.Active())
}

func TestRunOnce_PingFailureFailsJob(t *testing.T) {
	job := newJob(models.JobTypeTestConnection, `{"connection":{"dsn":"postgres://x"}}`)
	c := newMockClient(job)
	r := worker.NewRunner(c, worker.DefaultExecutors(openerFor(&fakeDB{pingErr: errors.New("refused")}, nil)), testConfig())

	_, err := r.RunOnce(context.Background())
	require.NoError(t, err)

	res := c.results[job.ID]
	assert.Equal(t, models.JobStatusFailed, res.Status)
	assert.Contains(t, res.ErrorMessage, "connection failed")
	assert.Contains(t, res.ErrorMessage, "refused")
}

func TestRunOnce_MissingConnectionFailsJob(t *testing.T) {
	job := newJob(models.JobTypeTestConnection, `{"connection_id":"c1"}`)
	c := newMockClient(job)
	r := worker.NewRunner(c, worker.DefaultExecutors(openerFor(&fakeDB{}, nil)), testConfig())

	_, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "payload.connection is missing", c.results[job.ID].ErrorMessage)
}

func TestRunOnce_UnsupportedType(t *testing.T) {
	job := newJob(models.JobTypeETLComparison, `{}`)
	c := newMockClient(job)
	r := worker.NewRunner(c, worker.DefaultExecutors(openerFor(&fakeDB{}, nil)), testConfig())

	ran, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)

	res := c.results[job.ID]
	assert.Equal(t, models.JobStatusFailed, res.Status)
	assert.Equal(t, `unsupported job type "etl_comparison"`, res.ErrorMessage)
}

func TestRunOnce_StartConflictIsSkipped(t *testing.T) {
	job := newJob(models.JobTypeTestConnection, `{}`)
	c := newMockClient(job)
	c.startErr = &agentclient.APIError{StatusCode: 409, Code: "CONFLICT"}
	r := worker.NewRunner(c, nil, testConfig())

	ran, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Empty(t, c.results)
	assert.Zero(t, r.Active())
}

func TestRunOnce_PollError(t *testing.T) {
	c := newMockClient()
	c.pollErr = agentclient.ErrUnreachable
	r := worker.NewRunner(c, nil, testConfig())

	_, err := r.RunOnce(context.Background())
	assert.ErrorIs(t, err, agentclient.ErrUnreachable)
}

func TestRunOnce_FetchMetadataUploadsArtifact(t *testing.T) {
	job := newJob(models.JobTypeFetchMetadata, `{"connection":{"dsn":"postgres://x"}}`)
	c := newMockClient(job)
	db := &fakeDB{tables: []worker.Table{
		{Schema: "public", Name: "orders", Columns: []worker.Column{{Name: "id", DataType: "integer"}}},
		{Schema: "public", Name: "users", Columns: []worker.Column{{Name: "email", DataType: "text", Nullable: true}}},
	}}
	r := worker.NewRunner(c, worker.DefaultExecutors(openerFor(db, nil)), testConfig())

	_, err := r.RunOnce(context.Background())
	require.NoError(t, err)

	res := c.results[job.ID]
	require.Equal(t, models.JobStatusCompleted, res.Status)
	data := res.ResultData.(map[string]any)
	assert.Equal(t, 2, data["table_count"])
	assert.Equal(t, []string{"public.orders", "public.users"}, data["tables"])
	assert.Contains(t, data["metadata_url"], worker.MetadataArtifact)

	require.Len(t, c.uploads, 1)
	assert.Equal(t, worker.MetadataArtifact, c.uploads[0].path)
	assert.Equal(t, "application/json", c.uploads[0].contentType)
	var doc map[string][]worker.Table
	require.NoError(t, json.Unmarshal(c.uploads[0].data, &doc))
	assert.Len(t, doc["tables"], 2)
}

func TestRunOnce_ExecutorPanicFailsJob(t *testing.T) {
	job := newJob("explode", `{}`)
	c := newMockClient(job)
	r := worker.NewRunner(c, map[string]worker.Executor{
		"explode": func(context.Context, *models.Job, worker.Output) (any, error) { panic("kaboom") },
	}, testConfig())

	_, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, c.results[job.ID].Status)
	assert.Contains(t, c.results[job.ID].ErrorMessage, "kaboom")
	assert.Zero(t, r.Active())
}

func TestClaim_RespectsCapacity(t *testing.T) {
	c := newMockClient(newJob("a", `{}`), newJob("b", `{}`))
	r := worker.NewRunner(c, nil, testConfig())

	first, err := r.Claim(context.Background())
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, 1, r.Active())

	second, err := r.Claim(context.Background())
	require.NoError(t, err)
	assert.Nil(t, second, "agent is full")
	assert.Len(t, c.started, 1)

	r.SendHeartbeat(context.Background())
	assert.Equal(t, []int{1}, c.heartbeats)

	r.Execute(context.Background(), first)
	assert.Zero(t, r.Active())
}
