package models

import (
	"strings"
	"time"
)

const (
	ImportStatusPending          = "PENDING"
	ImportStatusProcessing       = "PROCESSING"
	ImportStatusSuccess          = "SUCCESS"
	ImportStatusFailed           = "FAILED"
	ImportStatusPartial          = "PARTIAL"
	ImportStatusCancelled        = "CANCELLED"
	ImportStatusValidationFailed = "VALIDATION_FAILED"
)

const (
	FileTypeCSV   = "CSV"
	FileTypeExcel = "EXCEL"
)

// ImportJob tracks one bulk import from upload to completion. The API returns the
// job on POST /api/v1/imports; the client drives parse/validate/confirm against it
// and polls GET /api/v1/imports/{importID}/progress while confirm runs.
type ImportJob struct {
	ID           int64             `db:"id"            json:"id"`
	BatchNo      string            `db:"batch_no"      json:"batch_no"`
	FileName     string            `db:"file_name"     json:"file_name"`
	FileType     string            `db:"file_type"     json:"file_type"`
	FileSize     int64             `db:"file_size"     json:"file_size"`
	FilePath     string            `db:"file_path"     json:"file_path"`
	Status       string            `db:"status"        json:"status"`
	TotalRows    int               `db:"total_rows"    json:"total_rows"`
	SuccessRows  int               `db:"success_rows"  json:"success_rows"`
	FailedRows   int               `db:"failed_rows"   json:"failed_rows"`
	FieldMapping map[string]string `db:"field_mapping" json:"field_mapping,omitempty"`
	ErrorMessage *string           `db:"error_message" json:"error_message,omitempty"`
	StartedAt    *time.Time        `db:"started_at"    json:"started_at,omitempty"`
	CompletedAt  *time.Time        `db:"completed_at"  json:"completed_at,omitempty"`
	CreatedBy    *int64            `db:"created_by"    json:"created_by,omitempty"`
	CreatedAt    time.Time         `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time         `db:"updated_at"    json:"updated_at"`
}

// NormalizeFileType maps a caller-supplied kind to a FileType constant.
// Anything that is not recognizably Excel is treated as CSV.
func NormalizeFileType(kind string) string {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "excel", "xlsx":
		return FileTypeExcel
	default:
		return FileTypeCSV
	}
}
