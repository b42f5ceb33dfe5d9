package models

import (
	"time"

	"github.com/google/uuid"
)

// SubmissionRecord is the gateway's ledger row for one submit/monitor cycle.
type SubmissionRecord struct {
	ID            uuid.UUID  `db:"id"             json:"id"`
	UserID        string     `db:"user_id"        json:"user_id"`
	SubmissionKey string     `db:"submission_key" json:"submission_key"`
	JobID         string     `db:"job_id"         json:"job_id"`
	Status        JobStatus  `db:"status"         json:"status"`
	ResultID      *string    `db:"result_id"      json:"result_id,omitempty"`
	ErrorCode     *string    `db:"error_code"     json:"error_code,omitempty"`
	ErrorMessage  *string    `db:"error_message"  json:"error_message,omitempty"`
	CreatedAt     time.Time  `db:"created_at"     json:"created_at"`
	CompletedAt   *time.Time `db:"completed_at"   json:"completed_at,omitempty"`
}
