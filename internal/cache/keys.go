package cache

import "fmt"

func ImportProgressKey(jobID int64) string {
	return fmt.Sprintf("import:%d:progress", jobID)
}

func ImportCancelKey(jobID int64) string {
	return fmt.Sprintf("import:%d:cancel", jobID)
}

func ImportParseCacheKey(jobID int64) string {
	return fmt.Sprintf("import:%d:parse_cache", jobID)
}
