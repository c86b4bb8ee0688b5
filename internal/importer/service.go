// Package importer drives an import job through upload, parse, map, validate,
// confirm and cancel. It owns the job state machine and the batched commit
// loop; parsing, mapping and validation are delegated to their packages.
package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/importstack/importd/internal/audit"
	"github.com/importstack/importd/internal/cache"
	"github.com/importstack/importd/internal/mapping"
	"github.com/importstack/importd/internal/parser"
	"github.com/importstack/importd/internal/store"
	"github.com/importstack/importd/internal/validation"
	"github.com/importstack/importd/pkg/models"
)

const (
	defaultBatchSize = 1000
	defaultTTL       = time.Hour

	// Confirm returns at most this many row errors to the caller. Every
	// failure is still persisted as a row outcome.
	maxConfirmErrors = 100
)

// Options tunes the pipeline. Zero values fall back to defaults.
type Options struct {
	BatchSize      int
	MatchThreshold float64
	ProgressTTL    time.Duration
	CancelTTL      time.Duration
	ParseCacheTTL  time.Duration
}

// Service orchestrates import jobs. All methods are safe for concurrent use
// across distinct jobs; at most one confirm should run per job at a time.
type Service struct {
	store store.Store
	cache cache.Cache
	audit audit.Sink
	opts  Options
}

// NewService creates a new import Service. A nil sink disables auditing.
func NewService(st store.Store, ca cache.Cache, sink audit.Sink, opts Options) *Service {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MatchThreshold <= 0 {
		opts.MatchThreshold = mapping.DefaultThreshold
	}
	if opts.ProgressTTL <= 0 {
		opts.ProgressTTL = defaultTTL
	}
	if opts.CancelTTL <= 0 {
		opts.CancelTTL = defaultTTL
	}
	if opts.ParseCacheTTL <= 0 {
		opts.ParseCacheTTL = defaultTTL
	}
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Service{store: st, cache: ca, audit: sink, opts: opts}
}

// NewBatchNo returns a fresh batch number: "IMP-" plus the first eight hex
// characters of a v4 UUID, uppercased.
func NewBatchNo() string {
	return "IMP-" + strings.ToUpper(uuid.NewString()[:8])
}

// UploadParams describes a file registered for import.
type UploadParams struct {
	FileName  string
	FilePath  string
	FileSize  int64
	FileType  string
	CreatedBy *int64
}

// Upload registers an uploaded file as a new PENDING import job.
func (s *Service) Upload(ctx context.Context, params UploadParams) (*models.ImportJob, error) {
	job := &models.ImportJob{
		BatchNo:   NewBatchNo(),
		FileName:  params.FileName,
		FilePath:  params.FilePath,
		FileSize:  params.FileSize,
		FileType:  models.NormalizeFileType(params.FileType),
		Status:    models.ImportStatusPending,
		CreatedBy: params.CreatedBy,
	}
	if err := s.store.CreateImportJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating import job: %w", err)
	}

	s.audit.Record(ctx, audit.Event{
		Action:       audit.ActionCreate,
		Result:       audit.ResultSuccess,
		ActorID:      params.CreatedBy,
		ResourceType: "import_job",
		ResourceID:   job.BatchNo,
		Extra:        map[string]any{"file_name": job.FileName, "file_size": job.FileSize},
	})
	return job, nil
}

// parseCacheEnvelope is the JSON value stored under the parse cache key. The
// file path is kept alongside the rows so a job whose file was re-uploaded
// elsewhere never serves stale rows.
type parseCacheEnvelope struct {
	FilePath string           `json:"file_path"`
	Rows     []map[string]any `json:"rows"`
}

// Parse reads every data row of the job's file, records the total row count
// and publishes a progress snapshot. Parsed rows are cached against the file
// path so a repeated call skips the re-read. On a parse failure the job is
// marked FAILED with the captured message and the failure is returned.
func (s *Service) Parse(ctx context.Context, jobID int64) ([]map[string]any, error) {
	job, err := s.store.GetImportJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	cacheKey := cache.ImportParseCacheKey(jobID)
	if data, ok, err := s.cache.Get(ctx, cacheKey); err == nil && ok {
		var cached parseCacheEnvelope
		if err := json.Unmarshal(data, &cached); err == nil && cached.FilePath == job.FilePath {
			return cached.Rows, nil
		}
	}

	rows, err := readAllRows(job.FilePath)
	if err != nil {
		if uerr := s.store.UpdateImportJobStatus(ctx, jobID, models.ImportStatusFailed,
			store.WithErrorMessage(err.Error())); uerr != nil {
			slog.Error("marking import failed", "error", uerr, "import_id", jobID)
		}
		return nil, fmt.Errorf("%w: %s", ErrParseFailed, err)
	}

	total := len(rows)
	hash, _ := FileSHA256(job.FilePath)
	s.writeProgress(ctx, &Progress{
		JobID:      jobID,
		Stage:      StageParsing,
		CurrentRow: total,
		TotalRows:  total,
		FilePath:   job.FilePath,
		FileType:   job.FileType,
		FileHash:   hash,
	})

	if data, err := json.Marshal(parseCacheEnvelope{FilePath: job.FilePath, Rows: rows}); err == nil {
		_ = s.cache.Set(ctx, cacheKey, data, s.opts.ParseCacheTTL)
	}

	if err := s.store.UpdateImportJobCounts(ctx, jobID, store.RowCounts{Total: store.IntPtr(total)}); err != nil {
		return nil, fmt.Errorf("recording row count: %w", err)
	}
	return rows, nil
}

// readAllRows materializes the whole file as header-keyed rows.
func readAllRows(path string) ([]map[string]any, error) {
	if err := parser.ValidateFile(path); err != nil {
		return nil, err
	}
	p, err := parser.New(path)
	if err != nil {
		return nil, err
	}
	reader, _, err := p.Parse(0)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var rows []map[string]any
	for reader.Next() {
		row := reader.Row()
		generic := make(map[string]any, len(row))
		for k, v := range row {
			generic[k] = v
		}
		rows = append(rows, generic)
	}
	if err := reader.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}

// ApplyMapping registers the given source→target pairs as manual mappings and
// merges them into the job's persisted field mapping, new pairs winning over
// stored ones. The job's status does not change. Once a confirm has started
// or completed the mapping is immutable.
func (s *Service) ApplyMapping(ctx context.Context, jobID int64, mappings map[string]string, targetFields []string) (map[string]string, error) {
	job, err := s.store.GetImportJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == models.ImportStatusProcessing {
		return nil, ErrImportProcessing
	}
	if job.SuccessRows > 0 || job.FailedRows > 0 {
		return nil, ErrAlreadyCompleted
	}

	mapper := mapping.NewMapper(nil, targetFields)
	for source, target := range mappings {
		mapper.AddManualMapping(source, target)
	}

	merged := make(map[string]string, len(job.FieldMapping)+len(mappings))
	for k, v := range job.FieldMapping {
		merged[k] = v
	}
	for k, v := range mapper.MappingDict() {
		merged[k] = v
	}

	if err := s.store.UpdateImportJobMapping(ctx, jobID, merged); err != nil {
		return nil, fmt.Errorf("saving field mapping: %w", err)
	}
	return merged, nil
}

// SuggestMapping auto-maps the given source fields onto target fields using
// similarity and synonym matching, without touching the job's stored mapping.
// The report gives callers a preview to confirm or adjust before applying.
func (s *Service) SuggestMapping(ctx context.Context, jobID int64, sourceFields, targetFields, requiredFields []string) ([]*mapping.FieldMapping, mapping.Report, error) {
	if _, err := s.store.GetImportJob(ctx, jobID); err != nil {
		return nil, mapping.Report{}, err
	}
	mapper := mapping.NewMapper(nil, targetFields)
	suggested := mapper.AutoMap(sourceFields, requiredFields, s.opts.MatchThreshold)
	return suggested, mapper.Report(), nil
}

// Validate re-maps rows through the job's persisted mapping, runs the
// validation rules for the data type and moves the job to VALIDATION_FAILED
// when any row failed, SUCCESS otherwise. An empty dataType means "order";
// a non-empty rule config replaces the registered rule set for this call.
func (s *Service) Validate(ctx context.Context, jobID int64, rows []map[string]any, dataType string, rules []validation.RuleConfig) (validation.Summary, error) {
	if dataType == "" {
		dataType = "order"
	}

	job, err := s.store.GetImportJob(ctx, jobID)
	if err != nil {
		return validation.Summary{}, err
	}

	if err := s.store.UpdateImportJobStatus(ctx, jobID, models.ImportStatusProcessing); err != nil {
		return validation.Summary{}, err
	}

	mapper := jobMapper(job.FieldMapping)
	mapped := make([]map[string]any, 0, len(rows))
	for i, row := range rows {
		m, err := mapper.Transform(row)
		if err != nil {
			return validation.Summary{}, fmt.Errorf("row %d: %w", i+1, err)
		}
		mapped = append(mapped, m)
	}

	summary := validation.ValidateAndSummarize(dataType, mapped, rules, nil)

	status := models.ImportStatusSuccess
	if summary.Failed > 0 {
		status = models.ImportStatusValidationFailed
	}
	if err := s.store.UpdateImportJobStatus(ctx, jobID, status); err != nil {
		return validation.Summary{}, err
	}
	return summary, nil
}

// ConfirmResult reports a finished confirm call. Errors carries at most the
// first 100 row failures; the full set lives in the row outcomes.
type ConfirmResult struct {
	Total     int        `json:"total"`
	Success   int        `json:"success"`
	Failed    int        `json:"failed"`
	Errors    []RowError `json:"errors"`
	Cancelled bool       `json:"cancelled,omitempty"`
}

// RowError pairs a 1-based row number with what went wrong.
type RowError struct {
	Row   int    `json:"row"`
	Error string `json:"error"`
}

// confirmClaimFrom are the statuses a confirm may claim a job from.
var confirmClaimFrom = []string{
	models.ImportStatusPending,
	models.ImportStatusSuccess,
	models.ImportStatusValidationFailed,
}

// Confirm commits rows as row outcomes in batches of batchSize (0 means the
// configured default), transforming each row through the persisted mapping.
// Row failures are isolated: the row gets a FAILED outcome and the import
// continues. The cancellation flag is re-checked at every row; cancelling
// discards the current unflushed batch but keeps previously flushed ones.
func (s *Service) Confirm(ctx context.Context, jobID int64, rows []map[string]any, batchSize int) (*ConfirmResult, error) {
	if batchSize <= 0 {
		batchSize = s.opts.BatchSize
	}

	job, err := s.store.GetImportJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := confirmGuard(job); err != nil {
		return nil, err
	}

	if s.isCancelled(ctx, jobID) {
		if err := s.store.UpdateImportJobStatus(ctx, jobID, models.ImportStatusCancelled); err != nil {
			return nil, fmt.Errorf("cancelling import: %w", err)
		}
		s.clearProgress(ctx, jobID)
		return &ConfirmResult{Cancelled: true}, nil
	}

	// Compare-and-swap claim: the conditional update only succeeds while the
	// job is still confirmable and no outcomes exist, so two racing confirms
	// cannot both enter the loop.
	claimed, err := s.store.ClaimImportJob(ctx, jobID, confirmClaimFrom)
	if err != nil {
		return nil, fmt.Errorf("claiming import job: %w", err)
	}
	if !claimed {
		current, err := s.store.GetImportJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if err := confirmGuard(current); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: cannot confirm import in status %s", store.ErrInvalidTransition, current.Status)
	}

	mapper := jobMapper(job.FieldMapping)

	var (
		processed int
		success   int
		failed    int
		batch     []*models.ImportRowOutcome
	)
	rowErrors := []RowError{}

	for i, row := range rows {
		if s.isCancelled(ctx, jobID) {
			if err := s.store.UpdateImportJobStatus(ctx, jobID, models.ImportStatusCancelled); err != nil {
				return nil, fmt.Errorf("cancelling import: %w", err)
			}
			s.clearProgress(ctx, jobID)
			return &ConfirmResult{Cancelled: true}, nil
		}

		outcome, rowErr := buildOutcome(jobID, i+1, row, mapper)
		batch = append(batch, outcome)
		if rowErr != nil {
			failed++
			if len(rowErrors) < maxConfirmErrors {
				rowErrors = append(rowErrors, *rowErr)
			}
		} else {
			success++
		}
		processed++

		if len(batch) >= batchSize {
			if err := s.store.CommitOutcomeBatch(ctx, jobID, batch, success, failed); err != nil {
				return nil, fmt.Errorf("flushing outcome batch: %w", err)
			}
			batch = nil
			s.writeProgress(ctx, &Progress{
				JobID:       jobID,
				Stage:       StageConfirming,
				CurrentRow:  processed,
				TotalRows:   len(rows),
				SuccessRows: success,
				FailedRows:  failed,
				FilePath:    job.FilePath,
				FileType:    job.FileType,
			})
		}
	}

	if len(batch) > 0 {
		if err := s.store.CommitOutcomeBatch(ctx, jobID, batch, success, failed); err != nil {
			return nil, fmt.Errorf("flushing outcome batch: %w", err)
		}
	}

	if err := s.store.UpdateImportJobCounts(ctx, jobID, store.RowCounts{Total: store.IntPtr(processed)}); err != nil {
		return nil, fmt.Errorf("recording row counts: %w", err)
	}
	if err := s.store.MarkImportJobCompleted(ctx, jobID, success, failed); err != nil {
		return nil, fmt.Errorf("completing import: %w", err)
	}
	s.clearProgress(ctx, jobID)

	s.audit.Record(ctx, audit.Event{
		Action:       audit.ActionUpdate,
		Result:       audit.ResultSuccess,
		ActorID:      job.CreatedBy,
		ResourceType: "import_job",
		ResourceID:   job.BatchNo,
		Extra:        map[string]any{"total": processed, "success": success, "failed": failed},
	})

	return &ConfirmResult{
		Total:   processed,
		Success: success,
		Failed:  failed,
		Errors:  rowErrors,
	}, nil
}

// buildOutcome transforms one row through the mapper. A transform failure is
// isolated to the row: it yields a FAILED outcome carrying the raw row and
// the error, never an aborted confirm.
func buildOutcome(jobID int64, rowNumber int, row map[string]any, mapper *mapping.Mapper) (*models.ImportRowOutcome, *RowError) {
	mapped, err := mapper.Transform(row)
	if err != nil {
		msg := err.Error()
		return &models.ImportRowOutcome{
			ImportJobID:  jobID,
			RowNumber:    rowNumber,
			RowData:      row,
			Status:       models.RowStatusFailed,
			ErrorMessage: &msg,
		}, &RowError{Row: rowNumber, Error: msg}
	}
	return &models.ImportRowOutcome{
		ImportJobID: jobID,
		RowNumber:   rowNumber,
		RowData:     mapped,
		Status:      models.RowStatusSuccess,
	}, nil
}

// confirmGuard rejects jobs a confirm must not touch, without state change.
func confirmGuard(job *models.ImportJob) error {
	if job.Status == models.ImportStatusCancelled {
		return ErrImportCancelled
	}
	if job.Status == models.ImportStatusProcessing {
		return ErrImportProcessing
	}
	if job.Status == models.ImportStatusSuccess || job.Status == models.ImportStatusPartial {
		// Idempotent double-confirm guard: recorded outcomes mean a confirm
		// already ran to completion for this job.
		if job.SuccessRows > 0 || job.FailedRows > 0 {
			return ErrAlreadyCompleted
		}
	}
	if job.Status == models.ImportStatusFailed {
		return ErrImportFailed
	}
	return nil
}

// Cancel sets the TTL-bounded cancellation flag and marks the job CANCELLED.
// A confirm already past its last checkpoint finishes its current batch
// before noticing the flag; cancellation is prompt, not instantaneous.
func (s *Service) Cancel(ctx context.Context, jobID int64) error {
	job, err := s.store.GetImportJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == models.ImportStatusSuccess || job.Status == models.ImportStatusPartial {
		if job.SuccessRows > 0 || job.FailedRows > 0 {
			return ErrAlreadyCompleted
		}
	}

	_ = s.cache.Set(ctx, cache.ImportCancelKey(jobID), []byte("1"), s.opts.CancelTTL)

	if err := s.store.UpdateImportJobStatus(ctx, jobID, models.ImportStatusCancelled); err != nil {
		return err
	}
	s.clearProgress(ctx, jobID)

	s.audit.Record(ctx, audit.Event{
		Action:       audit.ActionUpdate,
		Result:       audit.ResultSuccess,
		ResourceType: "import_job",
		ResourceID:   job.BatchNo,
		Extra:        map[string]any{"status": models.ImportStatusCancelled},
	})
	return nil
}

// Progress returns the job's current processing position, preferring the
// cached snapshot and deriving one from the persisted counters when the
// snapshot is missing or unreadable.
func (s *Service) Progress(ctx context.Context, jobID int64) (*Progress, error) {
	if data, ok, err := s.cache.Get(ctx, cache.ImportProgressKey(jobID)); err == nil && ok {
		var p Progress
		if err := json.Unmarshal(data, &p); err == nil {
			return &p, nil
		}
	}

	job, err := s.store.GetImportJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &Progress{
		JobID:       job.ID,
		Stage:       job.Status,
		CurrentRow:  job.SuccessRows + job.FailedRows,
		TotalRows:   job.TotalRows,
		SuccessRows: job.SuccessRows,
		FailedRows:  job.FailedRows,
		FilePath:    job.FilePath,
		FileType:    job.FileType,
		UpdatedAt:   job.UpdatedAt,
	}, nil
}

// GetJob returns a job by id.
func (s *Service) GetJob(ctx context.Context, jobID int64) (*models.ImportJob, error) {
	return s.store.GetImportJob(ctx, jobID)
}

// GetJobByBatchNo returns a job by its batch number.
func (s *Service) GetJobByBatchNo(ctx context.Context, batchNo string) (*models.ImportJob, error) {
	return s.store.GetImportJobByBatchNo(ctx, batchNo)
}

// List returns a page of jobs plus the total match count.
func (s *Service) List(ctx context.Context, filter store.ImportJobFilter) ([]*models.ImportJob, int, error) {
	return s.store.ListImportJobs(ctx, filter)
}

// RowOutcomes returns every row outcome for a job in row order.
func (s *Service) RowOutcomes(ctx context.Context, jobID int64) ([]*models.ImportRowOutcome, error) {
	return s.store.GetRowOutcomes(ctx, jobID)
}

// FailedRowOutcomes returns only the failed row outcomes for a job.
func (s *Service) FailedRowOutcomes(ctx context.Context, jobID int64) ([]*models.ImportRowOutcome, error) {
	return s.store.GetFailedRowOutcomes(ctx, jobID)
}

// jobMapper rebuilds a Mapper from a persisted source→target dictionary.
// Stored mappings carry no transforms or defaults, so Transform on the
// result only renames and filters columns.
func jobMapper(fieldMapping map[string]string) *mapping.Mapper {
	targets := make([]string, 0, len(fieldMapping))
	for _, target := range fieldMapping {
		targets = append(targets, target)
	}
	m := mapping.NewMapper(nil, targets)
	for source, target := range fieldMapping {
		m.AddManualMapping(source, target)
	}
	return m
}

// isCancelled reports whether the job's cancellation flag is set. Cache
// errors read as "no signal".
func (s *Service) isCancelled(ctx context.Context, jobID int64) bool {
	ok, err := s.cache.Exists(ctx, cache.ImportCancelKey(jobID))
	if err != nil {
		return false
	}
	return ok
}

func (s *Service) writeProgress(ctx context.Context, p *Progress) {
	p.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	_ = s.cache.Set(ctx, cache.ImportProgressKey(p.JobID), data, s.opts.ProgressTTL)
}

// clearProgress drops the cached snapshot once a job reaches a terminal
// state, so Progress falls back to the persisted counters.
func (s *Service) clearProgress(ctx context.Context, jobID int64) {
	_, _ = s.cache.Delete(ctx, cache.ImportProgressKey(jobID))
}
