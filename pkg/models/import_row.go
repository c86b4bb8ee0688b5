package models

import "time"

const (
	RowStatusSuccess = "SUCCESS"
	RowStatusFailed  = "FAILED"
)

// ImportRowOutcome records what happened to a single data row during confirm.
// Row numbers are 1-based positions in the source file, header excluded.
type ImportRowOutcome struct {
	ID           int64          `db:"id"            json:"id"`
	ImportJobID  int64          `db:"import_job_id" json:"import_job_id"`
	RowNumber    int            `db:"row_number"    json:"row_number"`
	RowData      map[string]any `db:"row_data"      json:"row_data"`
	Status       string         `db:"status"        json:"status"`
	ErrorMessage *string        `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time      `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"    json:"updated_at"`
}
