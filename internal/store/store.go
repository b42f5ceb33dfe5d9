package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mindscope/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrInvalidTransition is returned when a submission is moved out of a
// terminal status or into a status it cannot reach.
var ErrInvalidTransition = errors.New("invalid submission status transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, userID string) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, userID string) error

	Ledger
}

// Ledger records every submit/monitor cycle the gateway runs.
type Ledger interface {
	CreateSubmission(ctx context.Context, rec *models.SubmissionRecord) error
	GetSubmission(ctx context.Context, userID, jobID string) (*models.SubmissionRecord, error)
	// OwnsResult reports whether one of userID's submissions produced resultID.
	OwnsResult(ctx context.Context, userID, resultID string) (bool, error)
	ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]*models.SubmissionRecord, int, error)
	UpdateSubmissionStatus(ctx context.Context, jobID string, status models.JobStatus, opts ...SubmissionUpdateOption) error
}

type SubmissionFilter struct {
	UserID string
	Status models.JobStatus
	Page   int
	Limit  int
}

// SubmissionUpdate is the optional part of a status change.
type SubmissionUpdate struct {
	ResultID     *string
	ErrorCode    *string
	ErrorMessage *string
}

type SubmissionUpdateOption func(*SubmissionUpdate)

// ApplyUpdateOptions collects opts into a SubmissionUpdate.
func ApplyUpdateOptions(opts ...SubmissionUpdateOption) SubmissionUpdate {
	var u SubmissionUpdate
	for _, opt := range opts {
		opt(&u)
	}
	return u
}

func WithResultID(id string) SubmissionUpdateOption {
	return func(p *SubmissionUpdate) {
		p.ResultID = &id
	}
}

// WithError stores the user-facing error code and message of a failed cycle.
func WithError(code, msg string) SubmissionUpdateOption {
	return func(p *SubmissionUpdate) {
		p.ErrorCode = &code
		p.ErrorMessage = &msg
	}
}
