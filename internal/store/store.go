// Package store is the durable job queue: webhook deliveries, the job
// table, the append-only iteration ledger, and review dedup keys.
//
// Design goals, in order:
//   - idempotency: duplicate webhook deliveries are ignored (GitHub retries)
//   - predictability: a single worker consumes jobs in a deterministic
//     priority order
//   - traceability: enough metadata to relate jobs to repo/issue/PR/sha
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/CosmoTheDev/sdlc-agent/internal/database"
	"github.com/CosmoTheDev/sdlc-agent/models"
)

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("job not found")

// ErrTerminal is returned when a status change is requested on a job that
// is already done or failed.
var ErrTerminal = errors.New("job is in a terminal status")

// Store exposes the queue operations on top of a database.DB backend.
// It is safe for one writer (the worker) plus concurrent short readers
// (ingress handlers); every operation is a single-statement commit.
type Store struct {
	db database.DB
}

// New wraps db. Call Init before first use.
func New(db database.DB) *Store {
	return &Store{db: db}
}

// Init applies pending schema migrations.
func (s *Store) Init(ctx context.Context) error {
	return s.db.Migrate(ctx)
}

// DB exposes the underlying backend for read-only consumers (stats, UI).
func (s *Store) DB() database.DB { return s.db }

func utcNow() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// --- Deliveries ---

type deliveryRow struct {
	DeliveryID string `db:"delivery_id"`
	ReceivedAt string `db:"received_at"`
}

// DeliverySeen reports whether a webhook delivery id was already consumed.
func (s *Store) DeliverySeen(ctx context.Context, deliveryID string) (bool, error) {
	var rows []deliveryRow
	err := s.db.Select(ctx, &rows,
		`SELECT delivery_id, received_at FROM deliveries WHERE delivery_id = ? LIMIT 1`,
		deliveryID)
	if err != nil {
		return false, fmt.Errorf("checking delivery %s: %w", deliveryID, err)
	}
	return len(rows) > 0, nil
}

// MarkDelivery records a consumed delivery id. Replays are idempotent.
func (s *Store) MarkDelivery(ctx context.Context, deliveryID string) error {
	rec := deliveryRow{DeliveryID: deliveryID, ReceivedAt: utcNow()}
	if err := s.db.Upsert(ctx, "deliveries", rec, []string{"delivery_id"}); err != nil {
		return fmt.Errorf("marking delivery %s: %w", deliveryID, err)
	}
	return nil
}

// --- Review keys ---

type reviewKeyRow struct {
	Repo      string `db:"repo"`
	PRNumber  int64  `db:"pr_number"`
	HeadSHA   string `db:"head_sha"`
	CreatedAt string `db:"created_at"`
}

// ReviewSeen reports whether a review was already requested for this exact
// commit of this PR.
func (s *Store) ReviewSeen(ctx context.Context, repo string, prNumber int64, headSHA string) (bool, error) {
	var rows []reviewKeyRow
	err := s.db.Select(ctx, &rows,
		`SELECT repo, pr_number, head_sha, created_at FROM review_keys
		 WHERE repo = ? AND pr_number = ? AND head_sha = ? LIMIT 1`,
		repo, prNumber, headSHA)
	if err != nil {
		return false, fmt.Errorf("checking review key %s#%d@%s: %w", repo, prNumber, headSHA, err)
	}
	return len(rows) > 0, nil
}

// MarkReview records that a review job exists for (repo, pr, sha). This is
// the commit point of review creation.
func (s *Store) MarkReview(ctx context.Context, repo string, prNumber int64, headSHA string) error {
	rec := reviewKeyRow{Repo: repo, PRNumber: prNumber, HeadSHA: headSHA, CreatedAt: utcNow()}
	err := s.db.Upsert(ctx, "review_keys", rec, []string{"repo", "pr_number", "head_sha"})
	if err != nil {
		return fmt.Errorf("marking review key %s#%d@%s: %w", repo, prNumber, headSHA, err)
	}
	return nil
}

// --- Jobs ---

// EnqueueParams describes one job to enqueue. Payload is stored verbatim
// as JSON; the optional keys are denormalised for lookups and dedup.
type EnqueueParams struct {
	Kind        models.JobKind
	Payload     map[string]any
	Repo        *string
	IssueNumber *int64
	PRNumber    *int64
	HeadSHA     *string
	Iter        int
	DeliveryID  *string
}

// Enqueue inserts a queued job and returns its id.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (int64, error) {
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return 0, fmt.Errorf("encoding payload: %w", err)
	}
	now := utcNow()
	job := models.Job{
		CreatedAt:   now,
		UpdatedAt:   now,
		Status:      string(models.StatusQueued),
		Kind:        string(p.Kind),
		Payload:     string(payload),
		Repo:        p.Repo,
		IssueNumber: p.IssueNumber,
		PRNumber:    p.PRNumber,
		HeadSHA:     p.HeadSHA,
		Iter:        p.Iter,
		DeliveryID:  p.DeliveryID,
	}
	id, err := s.db.Insert(ctx, "jobs", &job)
	if err != nil {
		return 0, fmt.Errorf("enqueueing %s job: %w", p.Kind, err)
	}
	return id, nil
}

// FetchNext returns the next queued job, or nil when the queue is empty.
// Priority: fix > review > issue, FIFO by id within a kind. Fix jobs
// unblock in-flight PRs, reviews follow CI completion, issues are entry
// points and can wait.
func (s *Store) FetchNext(ctx context.Context) (*models.Job, error) {
	var rows []models.Job
	err := s.db.Select(ctx, &rows,
		`SELECT * FROM jobs
		 WHERE status = 'queued'
		 ORDER BY
		     CASE kind
		         WHEN 'fix' THEN 0
		         WHEN 'review' THEN 1
		         WHEN 'issue' THEN 2
		         ELSE 3
		     END,
		     id ASC
		 LIMIT 1`)
	if err != nil {
		return nil, fmt.Errorf("fetching next job: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	job := rows[0]
	if err := validateLoaded(&job); err != nil {
		return nil, err
	}
	return &job, nil
}

// SetStatus transitions a job. Only queued → running and
// running → done|failed are legal; terminal statuses never change.
func (s *Store) SetStatus(ctx context.Context, jobID int64, status models.JobStatus, errMsg string) error {
	cur, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if models.JobStatus(cur.Status).Terminal() {
		return fmt.Errorf("job %d: %w", jobID, ErrTerminal)
	}
	if status == models.StatusRunning && cur.Status != string(models.StatusQueued) {
		return fmt.Errorf("job %d: cannot start from status %q", jobID, cur.Status)
	}

	var errVal *string
	if errMsg != "" {
		errVal = &errMsg
	}
	err = s.db.Exec(ctx,
		`UPDATE jobs SET status = ?, updated_at = ?, error = ? WHERE id = ?`,
		string(status), utcNow(), errVal, jobID)
	if err != nil {
		return fmt.Errorf("updating job %d status: %w", jobID, err)
	}
	return nil
}

// HasActiveJob reports whether a queued or running job of the same kind
// exists for the same repo and (NULL-aware) pr/issue numbers. Used to
// suppress duplicate fix jobs while one is in flight.
func (s *Store) HasActiveJob(ctx context.Context, kind models.JobKind, repo string, prNumber, issueNumber *int64) (bool, error) {
	var rows []models.Job
	err := s.db.Select(ctx, &rows,
		`SELECT * FROM jobs
		 WHERE kind = ?
		   AND repo = ?
		   AND status IN ('queued', 'running')
		   AND ((pr_number IS NULL AND ? IS NULL) OR pr_number = ?)
		   AND ((issue_number IS NULL AND ? IS NULL) OR issue_number = ?)
		 LIMIT 1`,
		string(kind), repo, prNumber, prNumber, issueNumber, issueNumber)
	if err != nil {
		return false, fmt.Errorf("checking active %s job for %s: %w", kind, repo, err)
	}
	return len(rows) > 0, nil
}

// ListJobs returns all jobs in id order, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, status string) ([]models.Job, error) {
	var rows []models.Job
	var err error
	if status != "" {
		err = s.db.Select(ctx, &rows,
			`SELECT * FROM jobs WHERE status = ? ORDER BY id ASC`, status)
	} else {
		err = s.db.Select(ctx, &rows, `SELECT * FROM jobs ORDER BY id ASC`)
	}
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return rows, nil
}

// GetJob returns one job by id.
func (s *Store) GetJob(ctx context.Context, jobID int64) (*models.Job, error) {
	var rows []models.Job
	err := s.db.Select(ctx, &rows, `SELECT * FROM jobs WHERE id = ? LIMIT 1`, jobID)
	if err != nil {
		return nil, fmt.Errorf("getting job %d: %w", jobID, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("job %d: %w", jobID, ErrNotFound)
	}
	job := rows[0]
	if err := validateLoaded(&job); err != nil {
		return nil, err
	}
	return &job, nil
}

// --- Iterations ---

type maxIterRow struct {
	MaxIter sql.NullInt64 `db:"max_iter"`
}

// IterationCount returns max(iter) over ledger rows matching repo and the
// NULL-aware issue/pr keys, or 0 when none exist. All rows count toward
// the total regardless of status, including blocked ones.
func (s *Store) IterationCount(ctx context.Context, repo string, issueNumber, prNumber *int64) (int, error) {
	var rows []maxIterRow
	err := s.db.Select(ctx, &rows,
		`SELECT MAX(iter) AS max_iter FROM iterations
		 WHERE repo = ?
		   AND ((issue_number IS NULL AND ? IS NULL) OR issue_number = ?)
		   AND ((pr_number IS NULL AND ? IS NULL) OR pr_number = ?)`,
		repo, issueNumber, issueNumber, prNumber, prNumber)
	if err != nil {
		return 0, fmt.Errorf("counting iterations for %s: %w", repo, err)
	}
	if len(rows) == 0 || !rows[0].MaxIter.Valid {
		return 0, nil
	}
	return int(rows[0].MaxIter.Int64), nil
}

// SetIterationStatus appends one ledger row. Rows are never updated or
// deleted; the ledger is the audit trail of fix cycles.
func (s *Store) SetIterationStatus(ctx context.Context, repo string, issueNumber, prNumber *int64, iter int, status string) error {
	rec := models.Iteration{
		Repo:        repo,
		IssueNumber: issueNumber,
		PRNumber:    prNumber,
		Iter:        iter,
		Status:      status,
		UpdatedAt:   utcNow(),
	}
	if _, err := s.db.Insert(ctx, "iterations", &rec); err != nil {
		return fmt.Errorf("recording iteration %d for %s: %w", iter, repo, err)
	}
	return nil
}

// validateLoaded rejects rows whose kind or status is outside the known
// sets, which would indicate a corrupted or newer-schema database.
func validateLoaded(job *models.Job) error {
	if _, err := models.ParseJobKind(job.Kind); err != nil {
		return fmt.Errorf("job %d: %w", job.ID, err)
	}
	if _, err := models.ParseJobStatus(job.Status); err != nil {
		return fmt.Errorf("job %d: %w", job.ID, err)
	}
	return nil
}
