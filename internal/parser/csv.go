package parser

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/saintfish/chardet"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// detectSampleSize bounds how much of the file is read for charset detection.
const detectSampleSize = 1 << 20

// asciiFamily holds detector guesses that commonly come back for plain-ASCII
// or mostly-ASCII files. UTF-8 reads those byte-for-byte, so prefer it.
var asciiFamily = map[string]bool{
	"ascii":        true,
	"iso-8859-1":   true,
	"windows-1252": true,
	"macroman":     true,
}

// CSVParser streams rows from a CSV file, transparently decoding legacy
// encodings (GB18030, Shift_JIS, ...) to UTF-8.
type CSVParser struct {
	path     string
	encoding string
}

func NewCSVParser(path string) *CSVParser {
	return &CSVParser{path: path}
}

func (p *CSVParser) Parse(startRow int) (RowReader, int, error) {
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

	// Data rows are 1-based; skip everything before startRow.
	for skip := startRow - 1; skip > 0 && r.Next(); skip-- {
	}
	if err := r.Err(); err != nil {
		r.Close()
		return nil, 0, fmt.Errorf("skip to row %d: %w", startRow, err)
	}
	return r, count, nil
}

func (p *CSVParser) RowCount() (int, error) {
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
		return 0, fmt.Errorf("count csv rows: %w", err)
	}
	return count, nil
}

func (p *CSVParser) Fields() ([]string, error) {
	r, err := p.open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.Fields(), nil
}

func (p *CSVParser) open() (*csvRowReader, error) {
	f, err := os.Open(p.path)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}

	cr := csv.NewReader(decodeReader(f, p.detectEncoding()))
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		// No header row at all: the reader yields nothing.
		return &csvRowReader{f: f, cr: cr}, nil
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	fields := make([]string, len(header))
	copy(fields, header)
	return &csvRowReader{f: f, cr: cr, fields: fields}, nil
}

// detectEncoding samples the file once and caches the result. Detection
// failures, low-confidence guesses and ASCII-compatible guesses all fall
// back to UTF-8.
func (p *CSVParser) detectEncoding() string {
	if p.encoding != "" {
		return p.encoding
	}
	p.encoding = "UTF-8"

	f, err := os.Open(p.path)
	if err != nil {
		return p.encoding
	}
	defer f.Close()

	buf := make([]byte, detectSampleSize)
	n, _ := io.ReadFull(f, buf)
	if n == 0 {
		return p.encoding
	}

	result, err := chardet.NewTextDetector().DetectBest(buf[:n])
	if err != nil || result == nil {
		return p.encoding
	}
	if result.Confidence < 50 || asciiFamily[strings.ToLower(result.Charset)] {
		return p.encoding
	}

	p.encoding = result.Charset
	return p.encoding
}

// decodeReader wraps f so reads come out as UTF-8. The UTF-8 path still goes
// through a decoder to strip a leading byte order mark.
func decodeReader(f io.Reader, charset string) io.Reader {
	if strings.EqualFold(charset, "UTF-8") {
		return transform.NewReader(f, unicode.UTF8BOM.NewDecoder())
	}
	enc, err := ianaindex.IANA.Encoding(charset)
	if err != nil || enc == nil {
		return transform.NewReader(f, unicode.UTF8BOM.NewDecoder())
	}
	return transform.NewReader(f, enc.NewDecoder())
}

type csvRowReader struct {
	f       *os.File
	cr      *csv.Reader
	fields  []string
	current Row
	err     error
}

func (r *csvRowReader) Fields() []string { return r.fields }

func (r *csvRowReader) Next() bool {
	if r.err != nil || r.fields == nil {
		return false
	}

	record, err := r.cr.Read()
	if err == io.EOF {
		return false
	}
	if err != nil {
		r.err = err
		return false
	}

	// Zip against the header: short records pad with "", extra cells drop.
	row := make(Row, len(r.fields))
	for i, name := range r.fields {
		if i < len(record) {
			row[name] = record[i]
		} else {
			row[name] = ""
		}
	}
	r.current = row
	return true
}

func (r *csvRowReader) Row() Row   { return r.current }
func (r *csvRowReader) Err() error { return r.err }

func (r *csvRowReader) Close() error {
	return r.f.Close()
}
