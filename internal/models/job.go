package models

import "time"

// JobState represents the lifecycle state of a crawl job.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStatePaused    JobState = "paused"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateStopped   JobState = "stopped"
)

// IsTerminal reports whether no further transitions are possible.
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateStopped
}

// IsActive reports whether the job still owns workers or may own them again.
func (s JobState) IsActive() bool {
	return s == JobStatePending || s == JobStateRunning || s == JobStatePaused
}

// CrawlStats is the cumulative counter set maintained by the frontier.
//
// The counters satisfy, after termination:
//
//	visited == ok + failed + skipped
//	enqueued >= visited + queued
type CrawlStats struct {
	Queued   int `json:"queued"`
	Visited  int `json:"visited"`
	OK       int `json:"ok"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
	Enqueued int `json:"enqueued"`
}

// JobStatusDetail is the live status block persisted in the manifest.
type JobStatusDetail struct {
	State      JobState   `json:"state"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ElapsedSec float64    `json:"elapsed_sec"`
	Stats      CrawlStats `json:"stats"`
	LastError  string     `json:"last_error,omitempty"`
}

// Manifest is the single durable description of a job: its identity, the
// immutable parameters it was started with, and the latest status snapshot.
type Manifest struct {
	JobID     string          `json:"job_id"`
	CreatedAt time.Time       `json:"created_at"`
	Params    *CrawlParams    `json:"params"`
	Status    JobStatusDetail `json:"status"`
}

// JobSummary is the list projection served by GET /crawl.
type JobSummary struct {
	JobID           string     `json:"job_id"`
	StartURL        string     `json:"start_url"`
	Domain          string     `json:"domain"`
	State           JobState   `json:"state"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	Stats           CrawlStats `json:"stats"`
	ProgressPercent float64    `json:"progress_percent"`
	LastError       string     `json:"last_error,omitempty"`
}

// ProgressPercent derives completion from the stats: pages visited over
// pages discovered so far. Returns 0 until anything has been enqueued.
func (s CrawlStats) ProgressPercent() float64 {
	if s.Enqueued == 0 {
		return 0
	}
	pct := float64(s.Visited) / float64(s.Enqueued) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// JobStats is the detailed statistics projection served by the stats
// endpoint: the manifest status plus derived rates and the page count on
// disk.
type JobStats struct {
	JobID            string       `json:"job_id"`
	State            JobState     `json:"state"`
	CreatedAt        time.Time    `json:"created_at"`
	StartedAt        *time.Time   `json:"started_at,omitempty"`
	FinishedAt       *time.Time   `json:"finished_at,omitempty"`
	Stats            CrawlStats   `json:"stats"`
	DurationSeconds  float64      `json:"duration_seconds"`
	CrawlRate        float64      `json:"crawl_rate"`
	TotalPagesStored int          `json:"total_pages_stored"`
	Params           *CrawlParams `json:"params,omitempty"`
}

// ProgressEvent is the unit pushed through the orchestrator's bounded
// progress channel. The consumer reflects it into the manifest and onto the
// event bus; workers never touch the manifest themselves.
type ProgressEvent struct {
	JobID     string     `json:"job_id"`
	State     JobState   `json:"state"`
	Stats     CrawlStats `json:"stats"`
	Timestamp time.Time  `json:"timestamp"`
}

// ExportFormat enumerates the supported job export encodings.
type ExportFormat string

const (
	ExportJSONL ExportFormat = "jsonl"
	ExportZip   ExportFormat = "zip"
)
