package models

import "time"

// AnalysisResult is the full output of a completed analysis job, as served by
// GET /results/{resultId}.
type AnalysisResult struct {
	ID             string                        `json:"id"`
	JobID          string                        `json:"jobId"`
	AssessmentName string                        `json:"assessmentName"`
	Summary        string                        `json:"summary"`
	Insights       []string                      `json:"insights,omitempty"`
	Scores         map[string]map[string]float64 `json:"scores,omitempty"`
	CreatedAt      time.Time                     `json:"createdAt"`
}
