package importer

import "errors"

var (
	ErrImportCancelled  = errors.New("import was cancelled")
	ErrImportProcessing = errors.New("import is processing")
	ErrAlreadyCompleted = errors.New("import has already been completed")
	ErrImportFailed     = errors.New("import has failed")
	ErrParseFailed      = errors.New("parse failed")
)
