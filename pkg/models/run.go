package models

import "time"

// RunState is the lifecycle state of a pipeline run.
type RunState string

const (
	RunStatePending   RunState = "pending"
	RunStateRunning   RunState = "running"
	RunStateSucceeded RunState = "succeeded"
	RunStateFailed    RunState = "failed"
	RunStateCanceled  RunState = "canceled"
)

// Terminal reports whether no further state transition can occur.
func (s RunState) Terminal() bool {
	switch s {
	case RunStateSucceeded, RunStateFailed, RunStateCanceled:
		return true
	}
	return false
}

// PipelineRun is a read-only view of one execution of a CI pipeline.
type PipelineRun struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	URL              string     `json:"url"`
	WebURL           string     `json:"web_url"`
	State            RunState   `json:"state"`
	Organization     string     `json:"organization"`
	Project          string     `json:"project"`
	PipelineID       int        `json:"pipeline_id"`
	PipelineName     string     `json:"pipeline_name"`
	PipelineFolder   string     `json:"pipeline_folder"`
	PipelineRevision int        `json:"pipeline_revision"`
	CreatedAt        time.Time  `json:"created_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// Key uniquely identifies the run within its organization. Run IDs are only
// unique per project, so the API URL is used when available.
func (r PipelineRun) Key() string {
	if r.URL != "" {
		return r.URL
	}
	return r.Organization + "/" + r.Project + "/" + r.ID
}

// Finished returns the run's finish time, falling back to its creation time
// for runs the API reports terminal without a finish timestamp.
func (r PipelineRun) Finished() time.Time {
	if r.FinishedAt != nil {
		return *r.FinishedAt
	}
	return r.CreatedAt
}

// LogChunk is one log of a run: an ordered slice of raw text lines plus the
// metadata needed to attribute them.
type LogChunk struct {
	LogID     int       `json:"log_id"`
	URL       string    `json:"url"`
	LineCount int64     `json:"line_count"`
	CreatedAt time.Time `json:"created_at"`
	Lines     []string  `json:"lines"`
}
