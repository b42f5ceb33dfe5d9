package models

import "strings"

// JobStatus is the server-reported state of an analysis job.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusAnalyzing  JobStatus = "analyzing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusUnknown    JobStatus = "unknown"
)

// ParseJobStatus maps a wire status onto the known set. Anything unrecognised
// becomes JobStatusUnknown rather than an error so that new server states
// degrade to the default polling interval.
func ParseJobStatus(s string) JobStatus {
	switch JobStatus(strings.ToLower(strings.TrimSpace(s))) {
	case JobStatusQueued:
		return JobStatusQueued
	case JobStatusProcessing:
		return JobStatusProcessing
	case JobStatusAnalyzing:
		return JobStatusAnalyzing
	case JobStatusCompleted:
		return JobStatusCompleted
	case JobStatusFailed:
		return JobStatusFailed
	default:
		return JobStatusUnknown
	}
}

// IsTerminal reports whether no further transitions can follow.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job identifies one server-side analysis task. The upstream API returns it on
// submission; the job id is opaque and never reused.
type Job struct {
	ID       string    `json:"jobId"`
	Status   JobStatus `json:"status"`
	ResultID *string   `json:"resultId,omitempty"`
	Error    *string   `json:"error,omitempty"`
}

// StatusReport is the payload of GET /status/{jobId}.
type StatusReport struct {
	Status   JobStatus `json:"status"`
	Progress *int      `json:"progress,omitempty"`
	ResultID *string   `json:"resultId,omitempty"`
	Error    *string   `json:"error,omitempty"`
}
