package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/importstack/importd/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
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

// --- Import Jobs ---

func (s *PostgresStore) CreateImportJob(ctx context.Context, job *models.ImportJob) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO import_jobs (batch_no, file_name, file_type, file_size, file_path, status, total_rows, success_rows, failed_rows, field_mapping, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING id, created_at, updated_at`,
		job.BatchNo, job.FileName, job.FileType, job.FileSize, job.FilePath, job.Status,
		job.TotalRows, job.SuccessRows, job.FailedRows, job.FieldMapping, job.CreatedBy,
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create import job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetImportJob(ctx context.Context, id int64) (*models.ImportJob, error) {
	var j models.ImportJob
	err := s.pool.QueryRow(ctx,
		`SELECT id, batch_no, file_name, file_type, file_size, file_path, status, total_rows, success_rows, failed_rows, field_mapping, error_message, started_at, completed_at, created_by, created_at, updated_at
		 FROM import_jobs WHERE id = $1`, id,
	).Scan(&j.ID, &j.BatchNo, &j.FileName, &j.FileType, &j.FileSize, &j.FilePath, &j.Status,
		&j.TotalRows, &j.SuccessRows, &j.FailedRows, &j.FieldMapping, &j.ErrorMessage,
		&j.StartedAt, &j.CompletedAt, &j.CreatedBy, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get import job: %w", err)
	}
	return &j, nil
}

func (s *PostgresStore) GetImportJobByBatchNo(ctx context.Context, batchNo string) (*models.ImportJob, error) {
	var j models.ImportJob
	err := s.pool.QueryRow(ctx,
		`SELECT id, batch_no, file_name, file_type, file_size, file_path, status, total_rows, success_rows, failed_rows, field_mapping, error_message, started_at, completed_at, created_by, created_at, updated_at
		 FROM import_jobs WHERE batch_no = $1`, batchNo,
	).Scan(&j.ID, &j.BatchNo, &j.FileName, &j.FileType, &j.FileSize, &j.FilePath, &j.Status,
		&j.TotalRows, &j.SuccessRows, &j.FailedRows, &j.FieldMapping, &j.ErrorMessage,
		&j.StartedAt, &j.CompletedAt, &j.CreatedBy, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get import job by batch no: %w", err)
	}
	return &j, nil
}

func (s *PostgresStore) ListImportJobs(ctx context.Context, filter ImportJobFilter) ([]*models.ImportJob, int, error) {
	// Build WHERE clause dynamically
	conditions := []string{"TRUE"}
	args := []any{}
	argIdx := 1

	if filter.CreatedBy != nil {
		conditions = append(conditions, fmt.Sprintf("created_by = $%d", argIdx))
		args = append(args, *filter.CreatedBy)
		argIdx++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	// Count query
	var total int
	countQuery := "SELECT COUNT(*) FROM import_jobs WHERE " + where
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count import jobs: %w", err)
	}

	// Normalize pagination
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	// Data query
	dataQuery := fmt.Sprintf(
		`SELECT id, batch_no, file_name, file_type, file_size, file_path, status, total_rows, success_rows, failed_rows, field_mapping, error_message, started_at, completed_at, created_by, created_at, updated_at
		 FROM import_jobs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list import jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.ImportJob
	for rows.Next() {
		var j models.ImportJob
		if err := rows.Scan(&j.ID, &j.BatchNo, &j.FileName, &j.FileType, &j.FileSize, &j.FilePath,
			&j.Status, &j.TotalRows, &j.SuccessRows, &j.FailedRows, &j.FieldMapping, &j.ErrorMessage,
			&j.StartedAt, &j.CompletedAt, &j.CreatedBy, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan import job: %w", err)
		}
		jobs = append(jobs, &j)
	}
	return jobs, total, rows.Err()
}

var validTransitions = map[string][]string{
	models.ImportStatusPending: {
		models.ImportStatusProcessing,
		models.ImportStatusFailed,
		models.ImportStatusCancelled,
	},
	models.ImportStatusProcessing: {
		models.ImportStatusSuccess,
		models.ImportStatusPartial,
		models.ImportStatusFailed,
		models.ImportStatusCancelled,
		models.ImportStatusValidationFailed,
	},
	models.ImportStatusValidationFailed: {
		models.ImportStatusProcessing,
		models.ImportStatusCancelled,
	},
	// SUCCESS is re-enterable: a validated job is confirmed by moving it back
	// into PROCESSING, or cancelled before the confirm starts. PARTIAL and
	// FAILED are terminal.
	models.ImportStatusSuccess: {
		models.ImportStatusProcessing,
		models.ImportStatusCancelled,
	},
	// Re-marking a cancelled job is a no-op transition. The cancel endpoint
	// and a confirm loop noticing the flag can both set it without racing.
	models.ImportStatusCancelled: {
		models.ImportStatusCancelled,
	},
}

func (s *PostgresStore) UpdateImportJobStatus(ctx context.Context, id int64, status string, opts ...JobUpdateOption) error {
	params := &JobUpdate{}
	for _, opt := range opts {
		opt(params)
	}

	// Fetch current status
	var currentStatus string
	err := s.pool.QueryRow(ctx, `SELECT status FROM import_jobs WHERE id = $1`, id).Scan(&currentStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get import job status: %w", err)
	}

	// Validate transition
	allowed := validTransitions[currentStatus]
	valid := false
	for _, a := range allowed {
		if a == status {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, currentStatus, status)
	}

	query := `UPDATE import_jobs SET status = $2, updated_at = NOW()`
	args := []any{id, status}
	argIdx := 3

	if status == models.ImportStatusProcessing {
		query += ", started_at = NOW()"
	}
	if params.ErrorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *params.ErrorMessage)
		argIdx++
	}

	query += " WHERE id = $1"

	_, err = s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update import job status: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClaimImportJob(ctx context.Context, id int64, from []string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE import_jobs
		 SET status = $2, started_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status = ANY($3) AND success_rows = 0 AND failed_rows = 0`,
		id, models.ImportStatusProcessing, from)
	if err != nil {
		return false, fmt.Errorf("claim import job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) UpdateImportJobMapping(ctx context.Context, id int64, mapping map[string]string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE import_jobs SET field_mapping = $2, updated_at = NOW() WHERE id = $1`, id, mapping)
	if err != nil {
		return fmt.Errorf("update import job mapping: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateImportJobCounts(ctx context.Context, id int64, counts RowCounts) error {
	sets := []string{"updated_at = NOW()"}
	args := []any{id}
	argIdx := 2

	if counts.Total != nil {
		sets = append(sets, fmt.Sprintf("total_rows = $%d", argIdx))
		args = append(args, *counts.Total)
		argIdx++
	}
	if counts.Success != nil {
		sets = append(sets, fmt.Sprintf("success_rows = $%d", argIdx))
		args = append(args, *counts.Success)
		argIdx++
	}
	if counts.Failed != nil {
		sets = append(sets, fmt.Sprintf("failed_rows = $%d", argIdx))
		args = append(args, *counts.Failed)
		argIdx++
	}

	query := fmt.Sprintf("UPDATE import_jobs SET %s WHERE id = $1", strings.Join(sets, ", "))
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update import job counts: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkImportJobCompleted(ctx context.Context, id int64, successRows, failedRows int) error {
	status := models.ImportStatusSuccess
	if failedRows > 0 {
		status = models.ImportStatusPartial
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE import_jobs
		 SET status = $2, success_rows = $3, failed_rows = $4, completed_at = NOW(), updated_at = NOW()
		 WHERE id = $1`,
		id, status, successRows, failedRows)
	if err != nil {
		return fmt.Errorf("mark import job completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteImportJob(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM import_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete import job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Row Outcomes ---

func (s *PostgresStore) CreateRowOutcome(ctx context.Context, outcome *models.ImportRowOutcome) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO import_row_outcomes (import_job_id, row_number, row_data, status, error_message)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at, updated_at`,
		outcome.ImportJobID, outcome.RowNumber, outcome.RowData, outcome.Status, outcome.ErrorMessage,
	).Scan(&outcome.ID, &outcome.CreatedAt, &outcome.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create row outcome: %w", err)
	}
	return nil
}

func (s *PostgresStore) CommitOutcomeBatch(ctx context.Context, jobID int64, outcomes []*models.ImportRowOutcome, successRows, failedRows int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin outcome batch: %w", err)
	}
	defer tx.Rollback(ctx)

	if len(outcomes) > 0 {
		copyRows := make([][]any, 0, len(outcomes))
		for _, o := range outcomes {
			copyRows = append(copyRows, []any{jobID, o.RowNumber, o.RowData, o.Status, o.ErrorMessage})
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"import_row_outcomes"},
			[]string{"import_job_id", "row_number", "row_data", "status", "error_message"},
			pgx.CopyFromRows(copyRows),
		); err != nil {
			return fmt.Errorf("copy row outcomes: %w", err)
		}
	}

	tag, err := tx.Exec(ctx,
		`UPDATE import_jobs SET success_rows = $2, failed_rows = $3, updated_at = NOW() WHERE id = $1`,
		jobID, successRows, failedRows)
	if err != nil {
		return fmt.Errorf("update job counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit outcome batch: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRowOutcomes(ctx context.Context, jobID int64) ([]*models.ImportRowOutcome, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, import_job_id, row_number, row_data, status, error_message, created_at, updated_at
		 FROM import_row_outcomes WHERE import_job_id = $1 ORDER BY row_number`, jobID)
	if err != nil {
		return nil, fmt.Errorf("get row outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []*models.ImportRowOutcome
	for rows.Next() {
		var o models.ImportRowOutcome
		if err := rows.Scan(&o.ID, &o.ImportJobID, &o.RowNumber, &o.RowData, &o.Status,
			&o.ErrorMessage, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan row outcome: %w", err)
		}
		outcomes = append(outcomes, &o)
	}
	return outcomes, rows.Err()
}

func (s *PostgresStore) GetFailedRowOutcomes(ctx context.Context, jobID int64) ([]*models.ImportRowOutcome, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, import_job_id, row_number, row_data, status, error_message, created_at, updated_at
		 FROM import_row_outcomes WHERE import_job_id = $1 AND status = $2 ORDER BY row_number`,
		jobID, models.RowStatusFailed)
	if err != nil {
		return nil, fmt.Errorf("get failed row outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []*models.ImportRowOutcome
	for rows.Next() {
		var o models.ImportRowOutcome
		if err := rows.Scan(&o.ID, &o.ImportJobID, &o.RowNumber, &o.RowData, &o.Status,
			&o.ErrorMessage, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan row outcome: %w", err)
		}
		outcomes = append(outcomes, &o)
	}
	return outcomes, rows.Err()
}

func (s *PostgresStore) UpdateRowOutcomeStatus(ctx context.Context, id int64, status string, errorMessage *string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE import_row_outcomes SET status = $2, error_message = $3, updated_at = NOW() WHERE id = $1`,
		id, status, errorMessage)
	if err != nil {
		return fmt.Errorf("update row outcome status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteRowOutcomesByJob(ctx context.Context, jobID int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM import_row_outcomes WHERE import_job_id = $1`, jobID)
	if err != nil {
		return 0, fmt.Errorf("delete row outcomes: %w", err)
	}
	return tag.RowsAffected(), nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
