// Package worker is the single queue consumer: it claims the next job,
// dispatches it to its handler, and records the outcome. Exactly one
// worker runs per store.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/CosmoTheDev/sdlc-agent/internal/artifacts"
	"github.com/CosmoTheDev/sdlc-agent/internal/store"
	"github.com/CosmoTheDev/sdlc-agent/models"
)

// Handler executes one job. *jobs.Runner implements it.
type Handler interface {
	Handle(ctx context.Context, job *models.Job, log *artifacts.JobLog) error
}

// Worker polls the store and runs jobs one at a time.
type Worker struct {
	store        *store.Store
	handler      Handler
	artifactsDir string
	// PollInterval defaults to one second.
	PollInterval time.Duration
}

func New(st *store.Store, h Handler, artifactsDir string) *Worker {
	return &Worker{store: st, handler: h, artifactsDir: artifactsDir, PollInterval: time.Second}
}

// interruptedError marks jobs orphaned by a previous worker crash.
const interruptedError = "interrupted: worker restart"

// Reconcile fails every job left running by a crashed worker. Called once
// at startup, before the poll loop; a running row with no worker attached
// can never finish.
func (w *Worker) Reconcile(ctx context.Context) error {
	orphans, err := w.store.ListJobs(ctx, string(models.StatusRunning))
	if err != nil {
		return fmt.Errorf("listing orphaned jobs: %w", err)
	}
	for _, job := range orphans {
		slog.Warn("failing orphaned job", "job_id", job.ID, "kind", job.Kind)
		if err := w.store.SetStatus(ctx, job.ID, models.StatusFailed, interruptedError); err != nil {
			return err
		}
		artifacts.NewJobLog(w.artifactsDir, job.ID).
			Event("job_failed", "Job failed", map[string]any{"error": interruptedError})
	}
	return nil
}

// Run reconciles, then polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Reconcile(ctx); err != nil {
		return err
	}
	slog.Info("worker: polling", "interval", w.PollInterval)
	for {
		ran, err := w.RunOnce(ctx)
		if err != nil {
			return err
		}
		if ran {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.PollInterval):
		}
	}
}

// RunOnce claims and executes at most one job. It reports whether a job
// was available. Handler failures are recorded on the job, not returned;
// only storage errors propagate.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.FetchNext(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	log := artifacts.NewJobLog(w.artifactsDir, job.ID)
	if err := w.store.SetStatus(ctx, job.ID, models.StatusRunning, ""); err != nil {
		return false, err
	}
	slog.Info("job start", "job_id", job.ID, "kind", job.Kind,
		"repo", job.Repo, "issue", job.IssueNumber, "pr", job.PRNumber, "sha", job.HeadSHA)
	log.Event("job_start", "Job started", map[string]any{
		"kind":         job.Kind,
		"repo":         job.Repo,
		"issue_number": job.IssueNumber,
		"pr_number":    job.PRNumber,
		"head_sha":     job.HeadSHA,
	})

	if err := w.runJob(ctx, job, log); err != nil {
		slog.Error("job failed", "job_id", job.ID, "kind", job.Kind, "error", err)
		log.Event("job_failed", "Job failed", map[string]any{"error": err.Error()})
		if serr := w.store.SetStatus(ctx, job.ID, models.StatusFailed, err.Error()); serr != nil {
			return true, serr
		}
		return true, nil
	}

	slog.Info("job done", "job_id", job.ID, "kind", job.Kind)
	log.Event("job_done", "Job completed", map[string]any{"kind": job.Kind})
	if err := w.store.SetStatus(ctx, job.ID, models.StatusDone, ""); err != nil {
		return true, err
	}
	return true, nil
}

// runJob converts handler panics into job failures so one bad job cannot
// take the worker down.
func (w *Worker) runJob(ctx context.Context, job *models.Job, log *artifacts.JobLog) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler.Handle(ctx, job, log)
}
