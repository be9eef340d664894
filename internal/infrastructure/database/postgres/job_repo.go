package postgres

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/mixprop/pkg/errors"
)

// Job kinds.
const (
	JobKindPredict     = "predict"
	JobKindFingerprint = "fingerprint"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// JobRecord is one row of prediction_jobs. Result holds the full result
// payload as published.
type JobRecord struct {
	JobID        string          `json:"job_id"`
	Kind         string          `json:"kind"`
	Status       string          `json:"status"`
	ModelID      string          `json:"model_id,omitempty"`
	ModelVersion string          `json:"model_version,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	Error        string          `json:"error,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	DurationMs   int64           `json:"duration_ms"`
	CompletedAt  time.Time       `json:"completed_at"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// querier is the subset of *pgxpool.Pool the repository uses.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// JobRepository stores job records.
type JobRepository struct {
	db     querier
	logger logging.Logger
}

// NewJobRepository creates a repository over db, usually Connection.Pool().
func NewJobRepository(db querier, log logging.Logger) *JobRepository {
	return &JobRepository{db: db, logger: logging.OrNop(log)}
}

const upsertJobSQL = `
INSERT INTO prediction_jobs
    (job_id, kind, status, model_id, model_version, error_code, error, result, duration_ms, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (job_id) DO UPDATE SET
    kind = EXCLUDED.kind,
    status = EXCLUDED.status,
    model_id = EXCLUDED.model_id,
    model_version = EXCLUDED.model_version,
    error_code = EXCLUDED.error_code,
    error = EXCLUDED.error,
    result = EXCLUDED.result,
    duration_ms = EXCLUDED.duration_ms,
    completed_at = EXCLUDED.completed_at,
    updated_at = NOW()`

const selectJobColumns = `job_id, kind, status, model_id, model_version, error_code, error, result,
    duration_ms, completed_at, created_at, updated_at`

// Save inserts rec or replaces the record with the same job id.
// Redelivered jobs therefore keep only their latest outcome.
func (r *JobRepository) Save(ctx context.Context, rec *JobRecord) error {
	if rec == nil || rec.JobID == "" {
		return errors.NewInvalidInputError("job id is required")
	}
	if rec.Kind != JobKindPredict && rec.Kind != JobKindFingerprint {
		return errors.NewInvalidInputError("unknown job kind").WithDetail(rec.Kind)
	}
	result := rec.Result
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	completed := rec.CompletedAt
	if completed.IsZero() {
		completed = time.Now().UTC()
	}

	_, err := r.db.Exec(ctx, upsertJobSQL,
		rec.JobID, rec.Kind, rec.Status, rec.ModelID, rec.ModelVersion,
		rec.ErrorCode, rec.Error, []byte(result), rec.DurationMs, completed,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to save job").WithDetail(rec.JobID)
	}
	r.logger.Debug("job saved", logging.String("job_id", rec.JobID), logging.String("status", rec.Status))
	return nil
}

// Get returns the record of jobID.
func (r *JobRepository) Get(ctx context.Context, jobID string) (*JobRecord, error) {
	row := r.db.QueryRow(ctx, `SELECT `+selectJobColumns+` FROM prediction_jobs WHERE job_id = $1`, jobID)
	rec, err := scanJob(row)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NotFound("job not found").WithDetail(jobID)
		}
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to load job").WithDetail(jobID)
	}
	return rec, nil
}

// ListRecent returns the most recently completed jobs, newest first. An
// empty status matches every status. limit is clamped to [1, 500] with 50
// used for non-positive values.
func (r *JobRepository) ListRecent(ctx context.Context, status string, limit int) ([]*JobRecord, error) {
	limit = clampLimit(limit)
	var (
		rows pgx.Rows
		err  error
	)
	if status == "" {
		rows, err = r.db.Query(ctx, `SELECT `+selectJobColumns+` FROM prediction_jobs
ORDER BY completed_at DESC LIMIT $1`, limit)
	} else {
		rows, err = r.db.Query(ctx, `SELECT `+selectJobColumns+` FROM prediction_jobs
WHERE status = $1 ORDER BY completed_at DESC LIMIT $2`, status, limit)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to list jobs")
	}
	defer rows.Close()

	out := make([]*JobRecord, 0, limit)
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to scan job")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to list jobs")
	}
	return out, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	default:
		return limit
	}
}

func scanJob(row pgx.Row) (*JobRecord, error) {
	var (
		rec    JobRecord
		result []byte
	)
	if err := row.Scan(
		&rec.JobID, &rec.Kind, &rec.Status, &rec.ModelID, &rec.ModelVersion,
		&rec.ErrorCode, &rec.Error, &result, &rec.DurationMs,
		&rec.CompletedAt, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(result) > 0 {
		rec.Result = json.RawMessage(result)
	}
	return &rec, nil
}
