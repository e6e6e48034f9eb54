// Package worker is the agent side of the job protocol: it heartbeats, polls
// the Gateway, claims jobs with start, runs them and reports the outcome.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/etlgate/pkg/agentclient"
	"github.com/kiranshivaraju/etlgate/pkg/models"
)

// Runner drives one agent.
type Runner struct {
	client    agentclient.Client
	executors map[string]Executor
	cfg       Config
	active    atomic.Int32
	wg        sync.WaitGroup
}

// NewRunner creates a Runner. Jobs whose type has no executor are reported
// failed.
func NewRunner(client agentclient.Client, executors map[string]Executor, cfg Config) *Runner {
	if cfg.MaxConcurrentJobs < 1 {
		cfg.MaxConcurrentJobs = 1
	}
	return &Runner{client: client, executors: executors, cfg: cfg}
}

// Active returns the number of jobs currently executing.
func (r *Runner) Active() int {
	return int(r.active.Load())
}

// Run heartbeats and polls until ctx is cancelled, then waits for running jobs.
func (r *Runner) Run(ctx context.Context) {
	r.SendHeartbeat(ctx)

	heartbeat := time.NewTicker(r.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(r.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("agent stopping, waiting for running jobs", "active_jobs", r.Active())
			r.wg.Wait()
			return
		case <-heartbeat.C:
			r.SendHeartbeat(ctx)
		case <-poll.C:
			for r.Active() < r.cfg.MaxConcurrentJobs {
				job, err := r.Claim(ctx)
				if err != nil {
					slog.Warn("poll failed", "error", err)
					break
				}
				if job == nil {
					break
				}
				r.wg.Add(1)
				go func() {
					defer r.wg.Done()
					r.Execute(ctx, job)
				}()
			}
		}
	}
}

// RunOnce claims at most one job and runs it to completion. It reports whether
// a job was run.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	job, err := r.Claim(ctx)
	if err != nil || job == nil {
		return false, err
	}
	r.Execute(ctx, job)
	return true, nil
}

// SendHeartbeat reports liveness and the current load.
func (r *Runner) SendHeartbeat(ctx context.Context) {
	if err := r.client.Heartbeat(ctx, r.Active(), systemInfo()); err != nil {
		slog.Warn("heartbeat failed", "error", err)
	}
}

// Claim polls for the oldest job and claims it. It returns nil when there is
// nothing to do, the agent is full or another agent won the claim. A claimed
// job counts as active until Execute returns.
func (r *Runner) Claim(ctx context.Context) (*models.Job, error) {
	if r.Active() >= r.cfg.MaxConcurrentJobs {
		return nil, nil
	}

	jobs, err := r.client.Poll(ctx)
	if err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	job, err := r.client.Start(ctx, jobs[0].ID)
	if errors.Is(err, agentclient.ErrConflict) || errors.Is(err, agentclient.ErrNotFound) {
		slog.Debug("job taken by another agent", "job_id", jobs[0].ID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("start job %s: %w", jobs[0].ID, err)
	}

	r.active.Add(1)
	slog.Info("job claimed", "job_id", job.ID, "job_type", job.Type)
	return job, nil
}

// Execute runs a claimed job and reports its result.
func (r *Runner) Execute(ctx context.Context, job *models.Job) {
	defer r.active.Add(-1)

	res := r.run(ctx, job)

	// The result is delivered even when ctx was cancelled mid-job.
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if _, err := r.client.Result(reportCtx, job.ID, res); err != nil {
		slog.Error("report result failed", "job_id", job.ID, "status", res.Status, "error", err)
		return
	}
	slog.Info("job finished", "job_id", job.ID, "job_type", job.Type, "status", res.Status)
}

func (r *Runner) run(ctx context.Context, job *models.Job) (res agentclient.Result) {
	exec, ok := r.executors[job.Type]
	if !ok {
		return agentclient.Result{
			Status:       models.JobStatusFailed,
			ErrorMessage: fmt.Sprintf("unsupported job type %q", job.Type),
		}
	}

	defer func() {
		if p := recover(); p != nil {
			slog.Error("executor panicked", "job_id", job.ID, "panic", p)
			res = agentclient.Result{Status: models.JobStatusFailed, ErrorMessage: fmt.Sprintf("executor panic: %v", p)}
		}
	}()

	jobCtx := ctx
	if r.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, r.cfg.JobTimeout)
		defer cancel()
	}

	out, err := exec(jobCtx, job, &uploader{client: r.client, jobID: job.ID})
	if err != nil {
		return agentclient.Result{Status: models.JobStatusFailed, ErrorMessage: err.Error()}
	}
	return agentclient.Result{Status: models.JobStatusCompleted, ResultData: out}
}

type uploader struct {
	client agentclient.Client
	jobID  uuid.UUID
}

func (u *uploader) Upload(ctx context.Context, path, contentType string, data []byte) (string, error) {
	return u.client.UploadArtifact(ctx, u.jobID, path, contentType, bytes.NewReader(data))
}

func systemInfo() map[string]any {
	host, _ := os.Hostname()
	return map[string]any{
		"hostname":   host,
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"go_version": runtime.Version(),
		"num_cpu":    runtime.NumCPU(),
	}
}
