package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/mindscope/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

const apiKeyColumns = `id, user_id, name, key_hash, key_prefix, last_used_at, deleted_at, created_at`

func scanAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	defer rows.Close()
	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	return scanAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		key.ID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix, key.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, userID string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys
		 WHERE user_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return scanAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, userID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW()
		 WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`, id, userID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Submissions ---

const submissionColumns = `id, user_id, submission_key, job_id, status, result_id,
	error_code, error_message, created_at, completed_at`

func scanSubmission(row pgx.Row, r *models.SubmissionRecord) error {
	return row.Scan(&r.ID, &r.UserID, &r.SubmissionKey, &r.JobID, &r.Status, &r.ResultID,
		&r.ErrorCode, &r.ErrorMessage, &r.CreatedAt, &r.CompletedAt)
}

func (s *PostgresStore) CreateSubmission(ctx context.Context, rec *models.SubmissionRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO submissions (id, user_id, submission_key, job_id, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.UserID, rec.SubmissionKey, rec.JobID, rec.Status, rec.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create submission: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSubmission(ctx context.Context, userID, jobID string) (*models.SubmissionRecord, error) {
	var r models.SubmissionRecord
	err := scanSubmission(s.pool.QueryRow(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE job_id = $1 AND user_id = $2`,
		jobID, userID), &r)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get submission: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) OwnsResult(ctx context.Context, userID, resultID string) (bool, error) {
	var owned bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM submissions WHERE user_id = $1 AND result_id = $2)`,
		userID, resultID).Scan(&owned)
	if err != nil {
		return false, fmt.Errorf("check result owner: %w", err)
	}
	return owned, nil
}

func (s *PostgresStore) ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]*models.SubmissionRecord, int, error) {
	conditions := []string{"user_id = $1"}
	args := []any{filter.UserID}
	argIdx := 2

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM submissions WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count submissions: %w", err)
	}

	limit, offset := pageWindow(filter.Page, filter.Limit)
	query := fmt.Sprintf(
		`SELECT %s FROM submissions WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		submissionColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	records := []*models.SubmissionRecord{}
	for rows.Next() {
		var r models.SubmissionRecord
		if err := scanSubmission(rows, &r); err != nil {
			return nil, 0, fmt.Errorf("scan submission: %w", err)
		}
		records = append(records, &r)
	}
	return records, total, rows.Err()
}

// pageWindow normalizes 1-based pagination into LIMIT/OFFSET.
func pageWindow(page, limit int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if page <= 0 {
		page = 1
	}
	return limit, (page - 1) * limit
}

// UpdateSubmissionStatus moves a submission forward. Terminal submissions
// cannot change again.
func (s *PostgresStore) UpdateSubmissionStatus(ctx context.Context, jobID string, status models.JobStatus, opts ...SubmissionUpdateOption) error {
	params := ApplyUpdateOptions(opts...)

	var current models.JobStatus
	err := s.pool.QueryRow(ctx, `SELECT status FROM submissions WHERE job_id = $1`, jobID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get submission status: %w", err)
	}
	if current.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	query := `UPDATE submissions SET status = $2`
	args := []any{jobID, status}
	argIdx := 3

	if status.IsTerminal() {
		query += fmt.Sprintf(", completed_at = $%d", argIdx)
		args = append(args, time.Now().UTC())
		argIdx++
	}
	if params.ResultID != nil {
		query += fmt.Sprintf(", result_id = $%d", argIdx)
		args = append(args, *params.ResultID)
		argIdx++
	}
	if params.ErrorCode != nil {
		query += fmt.Sprintf(", error_code = $%d, error_message = $%d", argIdx, argIdx+1)
		args = append(args, *params.ErrorCode, *params.ErrorMessage)
		argIdx += 2
	}

	// The status guard makes concurrent completions lose cleanly.
	query += " WHERE job_id = $1 AND status NOT IN ('completed', 'failed')"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update submission status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s already terminal", ErrInvalidTransition, jobID)
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
