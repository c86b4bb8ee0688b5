package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/importstack/importd/internal/api/response"
	"github.com/importstack/importd/internal/importer"
	"github.com/importstack/importd/internal/mapping"
	"github.com/importstack/importd/internal/store"
	"github.com/importstack/importd/internal/validation"
	"github.com/importstack/importd/pkg/models"
)

// previewLimit caps the number of rows echoed back by the parse endpoint.
const previewLimit = 10

// ImportService defines the interface the import handlers depend on.
type ImportService interface {
	Upload(ctx context.Context, params importer.UploadParams) (*models.ImportJob, error)
	Parse(ctx context.Context, jobID int64) ([]map[string]any, error)
	ApplyMapping(ctx context.Context, jobID int64, mappings map[string]string, targetFields []string) (map[string]string, error)
	SuggestMapping(ctx context.Context, jobID int64, sourceFields, targetFields, requiredFields []string) ([]*mapping.FieldMapping, mapping.Report, error)
	Validate(ctx context.Context, jobID int64, rows []map[string]any, dataType string, rules []validation.RuleConfig) (validation.Summary, error)
	Confirm(ctx context.Context, jobID int64, rows []map[string]any, batchSize int) (*importer.ConfirmResult, error)
	Cancel(ctx context.Context, jobID int64) error
	Progress(ctx context.Context, jobID int64) (*importer.Progress, error)
	GetJob(ctx context.Context, jobID int64) (*models.ImportJob, error)
	GetJobByBatchNo(ctx context.Context, batchNo string) (*models.ImportJob, error)
	List(ctx context.Context, filter store.ImportJobFilter) ([]*models.ImportJob, int, error)
}

// NewUploadHandler returns an http.HandlerFunc for POST /api/v1/imports.
// The body carries file metadata; how the file reached its storage path is
// the caller's business.
func NewUploadHandler(svc ImportService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			FileName  string `json:"file_name"`
			FilePath  string `json:"file_path"`
			FileSize  int64  `json:"file_size"`
			FileType  string `json:"file_type"`
			CreatedBy *int64 `json:"created_by"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if req.FileName == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "file_name is required", nil)
			return
		}
		if req.FilePath == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "file_path is required", nil)
			return
		}
		if req.FileSize < 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "file_size must not be negative", nil)
			return
		}

		job, err := svc.Upload(r.Context(), importer.UploadParams{
			FileName:  req.FileName,
			FilePath:  req.FilePath,
			FileSize:  req.FileSize,
			FileType:  req.FileType,
			CreatedBy: req.CreatedBy,
		})
		if err != nil {
			importError(w, err)
			return
		}

		response.Created(w, job)
	}
}

// NewParseHandler returns an http.HandlerFunc for POST /api/v1/imports/{importID}/parse.
func NewParseHandler(svc ImportService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireImportID(w, r)
		if !ok {
			return
		}

		rows, err := svc.Parse(r.Context(), id)
		if err != nil {
			importError(w, err)
			return
		}

		preview := rows
		if len(preview) > previewLimit {
			preview = preview[:previewLimit]
		}
		response.JSON(w, parseResponse{TotalRows: len(rows), Preview: preview})
	}
}

// NewApplyMappingHandler returns an http.HandlerFunc for POST /api/v1/imports/{importID}/mapping.
func NewApplyMappingHandler(svc ImportService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireImportID(w, r)
		if !ok {
			return
		}

		var req struct {
			Mappings     map[string]string `json:"mappings"`
			TargetFields []string          `json:"target_fields"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if len(req.Mappings) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "mappings must not be empty", nil)
			return
		}

		merged, err := svc.ApplyMapping(r.Context(), id, req.Mappings, req.TargetFields)
		if err != nil {
			importError(w, err)
			return
		}

		response.JSON(w, mappingResponse{FieldMapping: merged})
	}
}

// NewSuggestMappingHandler returns an http.HandlerFunc for
// POST /api/v1/imports/{importID}/mapping/suggest.
func NewSuggestMappingHandler(svc ImportService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireImportID(w, r)
		if !ok {
			return
		}

		var req struct {
			SourceFields   []string `json:"source_fields"`
			TargetFields   []string `json:"target_fields"`
			RequiredFields []string `json:"required_fields"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if len(req.SourceFields) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "source_fields is required", nil)
			return
		}
		if len(req.TargetFields) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "target_fields is required", nil)
			return
		}

		mappings, report, err := svc.SuggestMapping(r.Context(), id, req.SourceFields, req.TargetFields, req.RequiredFields)
		if err != nil {
			importError(w, err)
			return
		}

		response.JSON(w, suggestResponse{Mappings: mappings, Report: report})
	}
}

// NewValidateHandler returns an http.HandlerFunc for POST /api/v1/imports/{importID}/validate.
// Rows come from the parse cache via the service; the request only selects
// the rule set.
func NewValidateHandler(svc ImportService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireImportID(w, r)
		if !ok {
			return
		}

		var req struct {
			DataType string                  `json:"data_type"`
			Rules    []validation.RuleConfig `json:"rules"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		rows, err := svc.Parse(r.Context(), id)
		if err != nil {
			importError(w, err)
			return
		}

		summary, err := svc.Validate(r.Context(), id, rows, req.DataType, req.Rules)
		if err != nil {
			importError(w, err)
			return
		}

		response.JSON(w, summary)
	}
}

// NewConfirmHandler returns an http.HandlerFunc for POST /api/v1/imports/{importID}/confirm.
func NewConfirmHandler(svc ImportService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireImportID(w, r)
		if !ok {
			return
		}

		var req struct {
			BatchSize int `json:"batch_size"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.BatchSize < 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "batch_size must not be negative", nil)
			return
		}

		rows, err := svc.Parse(r.Context(), id)
		if err != nil {
			importError(w, err)
			return
		}

		result, err := svc.Confirm(r.Context(), id, rows, req.BatchSize)
		if err != nil {
			importError(w, err)
			return
		}

		response.JSON(w, result)
	}
}

// NewCancelHandler returns an http.HandlerFunc for POST /api/v1/imports/{importID}/cancel.
func NewCancelHandler(svc ImportService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireImportID(w, r)
		if !ok {
			return
		}

		if err := svc.Cancel(r.Context(), id); err != nil {
			importError(w, err)
			return
		}

		response.JSON(w, map[string]any{"cancelled": true})
	}
}

// NewProgressHandler returns an http.HandlerFunc for GET /api/v1/imports/{importID}/progress.
func NewProgressHandler(svc ImportService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireImportID(w, r)
		if !ok {
			return
		}

		progress, err := svc.Progress(r.Context(), id)
		if err != nil {
			importError(w, err)
			return
		}

		response.JSON(w, progress)
	}
}

// NewGetImportHandler returns an http.HandlerFunc for GET /api/v1/imports/{importID}.
// A non-numeric path segment is looked up as a batch number instead.
func NewGetImportHandler(svc ImportService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		param := chi.URLParam(r, "importID")

		var (
			job *models.ImportJob
			err error
		)
		if id, perr := strconv.ParseInt(param, 10, 64); perr == nil {
			job, err = svc.GetJob(r.Context(), id)
		} else {
			job, err = svc.GetJobByBatchNo(r.Context(), param)
		}
		if err != nil {
			importError(w, err)
			return
		}

		response.JSON(w, job)
	}
}

// NewListImportsHandler returns an http.HandlerFunc for GET /api/v1/imports.
func NewListImportsHandler(svc ImportService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		page := 1
		if v := q.Get("page"); v != "" {
			p, err := strconv.Atoi(v)
			if err != nil || p < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "page must be a positive integer", nil)
				return
			}
			page = p
		}

		limit := 20
		if v := q.Get("limit"); v != "" {
			l, err := strconv.Atoi(v)
			if err != nil || l < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
				return
			}
			if l > 100 {
				l = 100
			}
			limit = l
		}

		filter := store.ImportJobFilter{
			Status: strings.ToUpper(q.Get("status")),
			Page:   page,
			Limit:  limit,
		}
		if v := q.Get("created_by"); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "created_by must be an integer", nil)
				return
			}
			filter.CreatedBy = &id
		}

		jobs, total, err := svc.List(r.Context(), filter)
		if err != nil {
			importError(w, err)
			return
		}

		response.Collection(w, jobs, response.PaginationMeta{
			Page:    page,
			Limit:   limit,
			Total:   total,
			HasNext: total > page*limit,
		})
	}
}

// requireImportID extracts the numeric importID path parameter, writing a 400
// and returning false when it is not an integer.
func requireImportID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "importID"), 10, 64)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_IMPORT_ID", "importID must be an integer", nil)
		return 0, false
	}
	return id, true
}

// importError translates service errors into the response envelope.
func importError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "IMPORT_NOT_FOUND", "Import record not found", nil)
	case errors.Is(err, importer.ErrImportCancelled):
		response.Error(w, http.StatusConflict, "IMPORT_CANCELLED", "Import was cancelled", nil)
	case errors.Is(err, importer.ErrImportProcessing):
		response.Error(w, http.StatusConflict, "IMPORT_PROCESSING", "Import is processing", nil)
	case errors.Is(err, importer.ErrAlreadyCompleted):
		response.Error(w, http.StatusConflict, "IMPORT_COMPLETED", "Import has already been completed", nil)
	case errors.Is(err, importer.ErrImportFailed):
		response.Error(w, http.StatusConflict, "IMPORT_FAILED", "Import has failed", nil)
	case errors.Is(err, importer.ErrParseFailed):
		response.Error(w, http.StatusUnprocessableEntity, "PARSE_FAILED", "File could not be parsed", err.Error())
	case errors.Is(err, store.ErrInvalidTransition):
		response.Error(w, http.StatusConflict, "INVALID_STATE", "Operation not allowed in the current import status", nil)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}

type parseResponse struct {
	TotalRows int              `json:"total_rows"`
	Preview   []map[string]any `json:"preview"`
}

type mappingResponse struct {
	FieldMapping map[string]string `json:"field_mapping"`
}

type suggestResponse struct {
	Mappings []*mapping.FieldMapping `json:"mappings"`
	Report   mapping.Report          `json:"report"`
}
