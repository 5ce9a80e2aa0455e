package models

import (
	"encoding/json"
	"fmt"
)

// JobKind identifies the type of work a queued job performs.
type JobKind string

const (
	KindIssue  JobKind = "issue"
	KindFix    JobKind = "fix"
	KindReview JobKind = "review"
)

// ParseJobKind validates a kind string loaded from storage or a request.
func ParseJobKind(raw string) (JobKind, error) {
	switch JobKind(raw) {
	case KindIssue, KindFix, KindReview:
		return JobKind(raw), nil
	default:
		return "", fmt.Errorf("unknown job kind %q", raw)
	}
}

// Priority returns the dequeue priority for the kind (lower runs first).
// Fix jobs unblock in-flight PRs, reviews confirm CI health, issues are
// fresh entry points and can wait.
func (k JobKind) Priority() int {
	switch k {
	case KindFix:
		return 0
	case KindReview:
		return 1
	case KindIssue:
		return 2
	default:
		return 3
	}
}

func (k JobKind) String() string { return string(k) }

// JobStatus is the lifecycle state of a job. Transitions are strictly
// queued → running → done|failed; done and failed are terminal.
type JobStatus string

const (
	StatusQueued  JobStatus = "queued"
	StatusRunning JobStatus = "running"
	StatusDone    JobStatus = "done"
	StatusFailed  JobStatus = "failed"
)

// ParseJobStatus validates a status string loaded from storage.
func ParseJobStatus(raw string) (JobStatus, error) {
	switch JobStatus(raw) {
	case StatusQueued, StatusRunning, StatusDone, StatusFailed:
		return JobStatus(raw), nil
	default:
		return "", fmt.Errorf("unknown job status %q", raw)
	}
}

// Terminal reports whether no further transition is allowed from s.
func (s JobStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

func (s JobStatus) String() string { return string(s) }

// Job is one unit of work on the queue. The payload is the originating
// webhook event stored verbatim; repo/issue/pr/sha are denormalised lookup
// keys and may be absent depending on the event shape.
type Job struct {
	ID          int64   `json:"id"           db:"id"`
	CreatedAt   string  `json:"created_at"   db:"created_at"`
	UpdatedAt   string  `json:"updated_at"   db:"updated_at"`
	Status      string  `json:"status"       db:"status"`
	Kind        string  `json:"kind"         db:"kind"`
	Payload     string  `json:"payload"      db:"payload"`
	Repo        *string `json:"repo"         db:"repo"`
	IssueNumber *int64  `json:"issue_number" db:"issue_number"`
	PRNumber    *int64  `json:"pr_number"    db:"pr_number"`
	HeadSHA     *string `json:"head_sha"     db:"head_sha"`
	Iter        int     `json:"iter"         db:"iter"`
	DeliveryID  *string `json:"delivery_id"  db:"delivery_id"`
	Error       *string `json:"error"        db:"error"`

	// doc is the parsed-once view of Payload (see Doc).
	doc map[string]any `json:"-" db:"-"`
}

// Doc returns the payload decoded as a generic JSON object. The result is
// cached; handlers access event fields through documented key paths rather
// than a schema.
func (j *Job) Doc() (map[string]any, error) {
	if j.doc != nil {
		return j.doc, nil
	}
	doc := map[string]any{}
	if err := json.Unmarshal([]byte(j.Payload), &doc); err != nil {
		return nil, fmt.Errorf("decoding job %d payload: %w", j.ID, err)
	}
	j.doc = doc
	return doc, nil
}

// RepoName returns the denormalised repo key, or "" when absent.
func (j *Job) RepoName() string {
	if j.Repo == nil {
		return ""
	}
	return *j.Repo
}

// Iteration is one append-only row of the fix-cycle ledger. The current
// iteration count for a PR is max(iter) over matching rows.
type Iteration struct {
	ID          int64  `json:"id"           db:"id"`
	Repo        string `json:"repo"         db:"repo"`
	IssueNumber *int64 `json:"issue_number" db:"issue_number"`
	PRNumber    *int64 `json:"pr_number"    db:"pr_number"`
	Iter        int    `json:"iter"         db:"iter"`
	Status      string `json:"status"       db:"status"`
	UpdatedAt   string `json:"updated_at"   db:"updated_at"`
}

// Iteration ledger statuses. Unlike job statuses the ledger records queued,
// running, done and blocked; rows are appended, never updated.
const (
	IterQueued  = "queued"
	IterRunning = "running"
	IterDone    = "done"
	IterBlocked = "blocked"
)
