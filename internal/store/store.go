package store

import (
	"context"
	"errors"

	"github.com/importstack/importd/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid status transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateImportJob(ctx context.Context, job *models.ImportJob) error
	GetImportJob(ctx context.Context, id int64) (*models.ImportJob, error)
	GetImportJobByBatchNo(ctx context.Context, batchNo string) (*models.ImportJob, error)
	ListImportJobs(ctx context.Context, filter ImportJobFilter) ([]*models.ImportJob, int, error)
	UpdateImportJobStatus(ctx context.Context, id int64, status string, opts ...JobUpdateOption) error
	// ClaimImportJob atomically moves a job into PROCESSING when its current
	// status is one of from and no row outcomes have been recorded yet.
	// Returns false when another caller already claimed or completed the job.
	ClaimImportJob(ctx context.Context, id int64, from []string) (bool, error)
	UpdateImportJobMapping(ctx context.Context, id int64, mapping map[string]string) error
	UpdateImportJobCounts(ctx context.Context, id int64, counts RowCounts) error
	MarkImportJobCompleted(ctx context.Context, id int64, successRows, failedRows int) error
	DeleteImportJob(ctx context.Context, id int64) error

	CreateRowOutcome(ctx context.Context, outcome *models.ImportRowOutcome) error
	// CommitOutcomeBatch inserts a batch of row outcomes and updates the job's
	// running counters in a single transaction. Confirm calls it once per flush,
	// so a crash between flushes never leaves outcomes without counters.
	CommitOutcomeBatch(ctx context.Context, jobID int64, outcomes []*models.ImportRowOutcome, successRows, failedRows int) error
	GetRowOutcomes(ctx context.Context, jobID int64) ([]*models.ImportRowOutcome, error)
	GetFailedRowOutcomes(ctx context.Context, jobID int64) ([]*models.ImportRowOutcome, error)
	UpdateRowOutcomeStatus(ctx context.Context, id int64, status string, errorMessage *string) error
	DeleteRowOutcomesByJob(ctx context.Context, jobID int64) (int64, error)
}

type ImportJobFilter struct {
	CreatedBy *int64
	Status    string
	Page      int
	Limit     int
}

// RowCounts carries optional counter updates; nil fields are left untouched.
type RowCounts struct {
	Total   *int
	Success *int
	Failed  *int
}

func IntPtr(v int) *int { return &v }

// JobUpdate carries the optional fields of UpdateImportJobStatus. Exported
// so test doubles can evaluate the options they are handed.
type JobUpdate struct {
	ErrorMessage *string
}

type JobUpdateOption func(*JobUpdate)

func WithErrorMessage(msg string) JobUpdateOption {
	return func(u *JobUpdate) {
		u.ErrorMessage = &msg
	}
}
