package parser

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

// ExcelParser streams rows from an .xlsx workbook using excelize's streaming
// reader, so large sheets never load fully into memory. Row one is the header.
type ExcelParser struct {
	path  string
	sheet string
}

// NewExcelParser reads the named sheet, or the first sheet when name is empty.
func NewExcelParser(path, sheet string) *ExcelParser {
	return &ExcelParser{path: path, sheet: sheet}
}

func (p *ExcelParser) Parse(startRow int) (RowReader, int, error) {
	count := -1
	if startRow <= 1 {
		n, err := p.RowCount()
		if err != nil {
			return nil, 0, err
		}
		count = n
	}

	r, err := p.open()
	if err != nil {
		return nil, 0, err
	}

	for skip := startRow - 1; skip > 0 && r.Next(); skip-- {
	}
	if err := r.Err(); err != nil {
		r.Close()
		return nil, 0, fmt.Errorf("skip to row %d: %w", startRow, err)
	}
	return r, count, nil
}

func (p *ExcelParser) RowCount() (int, error) {
	r, err := p.open()
	if err != nil {
		return 0, err
	}
	defer r.Close()

	count := 0
	for r.Next() {
		count++
	}
	if err := r.Err(); err != nil {
		return 0, fmt.Errorf("count sheet rows: %w", err)
	}
	return count, nil
}

func (p *ExcelParser) Fields() ([]string, error) {
	r, err := p.open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.Fields(), nil
}

// Sheets lists worksheet names in workbook order.
func (p *ExcelParser) Sheets() ([]string, error) {
	f, err := excelize.OpenFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()
	return f.GetSheetList(), nil
}

func (p *ExcelParser) open() (*excelRowReader, error) {
	f, err := excelize.OpenFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}

	sheet := p.sheet
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			f.Close()
			return nil, fmt.Errorf("workbook has no sheets")
		}
		sheet = sheets[0]
	}

	rows, err := f.Rows(sheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}

	rr := &excelRowReader{f: f, rows: rows}
	if rows.Next() {
		header, err := rows.Columns()
		if err != nil {
			rr.Close()
			return nil, fmt.Errorf("read header row: %w", err)
		}
		rr.fields = header
	}
	return rr, nil
}

type excelRowReader struct {
	f       *excelize.File
	rows    *excelize.Rows
	fields  []string
	current Row
	err     error
}

func (r *excelRowReader) Fields() []string { return r.fields }

func (r *excelRowReader) Next() bool {
	if r.err != nil || r.fields == nil {
		return false
	}
	if !r.rows.Next() {
		r.err = r.rows.Error()
		return false
	}

	cells, err := r.rows.Columns()
	if err != nil {
		r.err = err
		return false
	}

	// Trailing empty cells come back truncated; pad to the header width.
	row := make(Row, len(r.fields))
	for i, name := range r.fields {
		if i < len(cells) {
			row[name] = cells[i]
		} else {
			row[name] = ""
		}
	}
	r.current = row
	return true
}

func (r *excelRowReader) Row() Row   { return r.current }
func (r *excelRowReader) Err() error { return r.err }

func (r *excelRowReader) Close() error {
	rowsErr := r.rows.Close()
	if err := r.f.Close(); err != nil {
		return err
	}
	return rowsErr
}
