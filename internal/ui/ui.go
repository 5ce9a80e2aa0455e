// Package ui renders the HTML job console: the queue with status
// filters on the left, the selected job's transcript and event stream on
// the right. Read-only; all state lives in the store and the artifacts.
package ui

import (
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"github.com/CosmoTheDev/sdlc-agent/internal/artifacts"
	"github.com/CosmoTheDev/sdlc-agent/internal/store"
	"github.com/CosmoTheDev/sdlc-agent/models"
)

// eventLimit bounds how much of the event stream the console shows.
const eventLimit = 200

// Console serves GET /ui.
type Console struct {
	store        *store.Store
	artifactsDir string
}

func New(st *store.Store, artifactsDir string) *Console {
	return &Console{store: st, artifactsDir: artifactsDir}
}

type jobView struct {
	ID      int64
	Status  string
	Label   string
	Repo    string
	Created string
	Updated string
}

type filterView struct {
	Label  string
	Value  string
	Active bool
}

type pageView struct {
	Filters    []filterView
	Jobs       []jobView
	Selected   *jobView
	Events     []artifacts.Event
	Transcript string
}

func jobLabel(j models.Job) string {
	switch {
	case j.IssueNumber != nil:
		return fmt.Sprintf("%s · issue #%d", j.Kind, *j.IssueNumber)
	case j.PRNumber != nil:
		return fmt.Sprintf("%s · pr #%d", j.Kind, *j.PRNumber)
	default:
		return j.Kind
	}
}

func toView(j models.Job) jobView {
	repo := "-"
	if j.Repo != nil {
		repo = *j.Repo
	}
	return jobView{
		ID:      j.ID,
		Status:  j.Status,
		Label:   jobLabel(j),
		Repo:    repo,
		Created: j.CreatedAt,
		Updated: j.UpdatedAt,
	}
}

func (c *Console) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	statusFilter := r.URL.Query().Get("status")
	if statusFilter == "all" {
		statusFilter = ""
	}

	jobs, err := c.store.ListJobs(r.Context(), statusFilter)
	if err != nil {
		slog.Error("ui: listing jobs failed", "error", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	// Newest first.
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].ID > jobs[k].ID })

	page := pageView{Filters: filters(r.URL.Query().Get("status"))}
	for _, j := range jobs {
		page.Jobs = append(page.Jobs, toView(j))
	}

	selected := c.selectedJob(r, jobs)
	if selected != nil {
		v := toView(*selected)
		page.Selected = &v
		page.Transcript = artifacts.ReadTranscript(c.artifactsDir, selected.ID)
		page.Events = artifacts.ReadEvents(c.artifactsDir, selected.ID, eventLimit)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTemplate.Execute(w, page); err != nil {
		slog.Warn("ui: rendering failed", "error", err)
	}
}

// selectedJob honors an explicit job_id, falling back to the newest job
// in the (possibly filtered) list.
func (c *Console) selectedJob(r *http.Request, jobs []models.Job) *models.Job {
	if raw := r.URL.Query().Get("job_id"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			if job, err := c.store.GetJob(r.Context(), id); err == nil {
				return job
			}
		}
	}
	if len(jobs) == 0 {
		return nil
	}
	return &jobs[0]
}

func filters(current string) []filterView {
	out := []filterView{{Label: "All", Value: "all"}}
	for _, s := range []string{"queued", "running", "done", "failed"} {
		out = append(out, filterView{Label: s, Value: s})
	}
	for i := range out {
		out[i].Active = out[i].Value == current || (current == "" && out[i].Value == "all")
	}
	return out
}

var pageTemplate = template.Must(template.New("ui").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Agent Console</title>
<style>
:root { --bg:#0c1015; --panel:#121824; --muted:#9aa4b2; --text:#e6edf3;
        --accent:#ffb454; --ok:#7bf1a8; --warn:#ffd166; --danger:#ff6b6b; }
* { box-sizing:border-box; }
body { margin:0; color:var(--text); background:var(--bg); font-family:monospace; }
.header { padding:20px 24px; border-bottom:1px solid #202938; }
.title { font-size:22px; }
.subtitle { color:var(--muted); font-size:12px; }
.layout { display:grid; grid-template-columns:320px 1fr; gap:16px; padding:16px; }
.panel { background:var(--panel); border:1px solid #1f2a3b; border-radius:12px; overflow:auto; }
.filters { display:flex; gap:8px; padding:12px; border-bottom:1px solid #1f2a3b; }
.filter { font-size:10px; text-transform:uppercase; color:var(--muted);
          border:1px solid #2a3344; padding:4px 8px; border-radius:999px; text-decoration:none; }
.filter.active { color:#111827; background:var(--accent); }
.job { display:block; color:inherit; text-decoration:none; padding:12px 14px; border-bottom:1px solid #1f2a3b; }
.job:hover { background:#182233; }
.job-head { display:flex; justify-content:space-between; margin-bottom:4px; }
.job-meta { color:var(--muted); font-size:11px; }
.badge { padding:2px 8px; border-radius:999px; font-size:10px; border:1px solid #2a3344; text-transform:uppercase; }
.badge.queued { color:var(--warn); }
.badge.running { color:var(--accent); }
.badge.done { color:var(--ok); }
.badge.failed { color:var(--danger); }
.selected { padding:16px; border-bottom:1px solid #1f2a3b; }
.grid { display:grid; grid-template-columns:1.2fr 0.8fr; gap:12px; padding:12px; }
.box h3 { font-size:12px; text-transform:uppercase; color:var(--muted); }
.event { padding:8px 0; border-bottom:1px dashed #223146; font-size:12px; }
.event-meta { color:var(--muted); font-size:10px; }
.transcript { white-space:pre-wrap; font-size:12px; line-height:1.5; }
</style>
</head>
<body>
  <div class="header">
    <div class="title">Agent Console</div>
    <div class="subtitle">Queue &middot; Jobs &middot; Artifacts</div>
  </div>
  <div class="layout">
    <div class="panel queue">
      <div class="filters">
        {{range .Filters}}<a class="filter{{if .Active}} active{{end}}" href="/ui?status={{.Value}}">{{.Label}}</a>{{end}}
      </div>
      {{range .Jobs}}
      <a class="job" href="/ui?job_id={{.ID}}">
        <div class="job-head"><span>#{{.ID}}</span><span class="badge {{.Status}}">{{.Status}}</span></div>
        <div>{{.Label}}</div>
        <div class="job-meta">{{.Repo}}</div>
        <div class="job-meta">{{.Updated}}</div>
      </a>
      {{else}}<div class="job">No jobs yet</div>{{end}}
    </div>
    <div class="panel content">
      {{with .Selected}}
      <div class="selected">
        <div>Job #{{.ID}} <span class="badge {{.Status}}">{{.Status}}</span></div>
        <div class="job-meta">{{.Label}} &middot; {{.Repo}} &middot; {{.Created}}</div>
      </div>
      {{end}}
      <div class="grid">
        <div class="box">
          <h3>Transcript</h3>
          <pre class="transcript">{{.Transcript}}</pre>
        </div>
        <div class="box">
          <h3>Events</h3>
          {{range .Events}}
          <div class="event">
            <div class="event-meta">{{.TS}} &middot; {{.Kind}}</div>
            <div>{{.Message}}</div>
          </div>
          {{else}}<div class="event">No events yet</div>{{end}}
        </div>
      </div>
    </div>
  </div>
</body>
</html>
`))
