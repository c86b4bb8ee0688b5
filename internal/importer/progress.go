package importer

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"time"
)

// Stages reported in progress snapshots while an operation is running.
// Outside parse and confirm the stage is the job's persisted status.
const (
	StageParsing    = "parsing"
	StageConfirming = "confirming"
)

// Progress is the cache-resident snapshot of where a job currently stands.
// It expires on its own; the persisted job counters remain the source of
// truth when the snapshot is gone.
type Progress struct {
	JobID       int64     `json:"job_id"`
	Stage       string    `json:"stage"`
	CurrentRow  int       `json:"current_row"`
	TotalRows   int       `json:"total_rows"`
	SuccessRows int       `json:"success_rows"`
	FailedRows  int       `json:"failed_rows"`
	FilePath    string    `json:"file_path,omitempty"`
	FileType    string    `json:"file_type,omitempty"`
	FileHash    string    `json:"file_hash,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// FileSHA256 returns the hex-encoded SHA-256 digest of the file at path.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
