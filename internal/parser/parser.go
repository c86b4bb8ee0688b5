// Package parser reads tabular import files (CSV and Excel) as streams of
// header-keyed rows. Readers are forward-only; a parse is resumed by calling
// Parse again with the row to start from.
package parser

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Row is one data row keyed by header name. Values are raw cell text.
type Row map[string]string

// RowReader iterates data rows in file order:
//
//	for r.Next() {
//	    row := r.Row()
//	    ...
//	}
//	if err := r.Err(); err != nil { ... }
type RowReader interface {
	// Fields returns the header names in file order.
	Fields() []string
	Next() bool
	Row() Row
	Err() error
	Close() error
}

// Parser reads one tabular file.
type Parser interface {
	// Parse returns a reader positioned at startRow plus the total data row
	// count. Data rows are 1-based; 0 and 1 both mean the beginning. The count
	// is only computed when parsing from the beginning, resumed parses get -1.
	Parse(startRow int) (RowReader, int, error)
	// RowCount counts data rows without keeping them in memory.
	RowCount() (int, error)
	// Fields returns the header names in file order.
	Fields() ([]string, error)
}

// SheetLister is implemented by parsers of multi-sheet formats.
type SheetLister interface {
	Sheets() ([]string, error)
}

type options struct {
	sheet string
}

type Option func(*options)

// WithSheet selects a worksheet by name for spreadsheet files.
// CSV parsing ignores it.
func WithSheet(name string) Option {
	return func(o *options) {
		o.sheet = name
	}
}

// New returns a Parser for path chosen by file extension.
func New(path string, opts ...Option) (Parser, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return NewCSVParser(path), nil
	case ".xlsx":
		return NewExcelParser(path, o.sheet), nil
	default:
		return nil, fmt.Errorf("unsupported file type %q", filepath.Ext(path))
	}
}

var supportedExtensions = map[string]bool{
	".csv":  true,
	".xlsx": true,
}

// ValidateFile checks that path names an existing file with a supported
// extension, returning a descriptive error otherwise.
func ValidateFile(path string) error {
	ext := strings.ToLower(filepath.Ext(path))
	if !supportedExtensions[ext] {
		return fmt.Errorf("unsupported file type %q, expected one of .csv, .xlsx", ext)
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file does not exist: %s", path)
		}
		return fmt.Errorf("stat file: %w", err)
	}
	return nil
}
