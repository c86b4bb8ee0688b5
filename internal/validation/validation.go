// Package validation scores mapped rows against named, extensible rule sets
// and summarizes the outcome per batch. Rules bind a target field to a
// predicate; severities split failures into errors and warnings, and a row's
// status reflects the worst outcome.
package validation

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Severity classifies a rule failure.
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
)

// ParseSeverity reads a severity case-insensitively, defaulting to ERROR.
func ParseSeverity(s string) Severity {
	if strings.EqualFold(s, string(SeverityWarning)) {
		return SeverityWarning
	}
	return SeverityError
}

// Status is the per-row validation outcome.
type Status string

const (
	StatusPass Status = "PASS"
	StatusFail Status = "FAIL"
	StatusSkip Status = "SKIP"
)

// FieldError is one recorded rule failure.
type FieldError struct {
	Field    string   `json:"field"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	Rule     string   `json:"rule"`
	Value    string   `json:"value,omitempty"`
}

// Result accumulates rule failures for one row. Status ranks FAIL above
// SKIP above PASS.
type Result struct {
	RowIndex int          `json:"row_index"`
	Status   Status       `json:"status"`
	Errors   []FieldError `json:"errors"`
	Warnings []FieldError `json:"warnings"`
}

// NewResult returns a passing result for the given row index.
func NewResult(rowIndex int) *Result {
	return &Result{
		RowIndex: rowIndex,
		Status:   StatusPass,
		Errors:   []FieldError{},
		Warnings: []FieldError{},
	}
}

// AddError records a failure and downgrades the row status: an error forces
// FAIL, a warning moves PASS to SKIP.
func (r *Result) AddError(field, message, rule string, value any, severity Severity) {
	fe := FieldError{
		Field:    field,
		Message:  message,
		Severity: severity,
		Rule:     rule,
	}
	if value != nil {
		fe.Value = fmt.Sprint(value)
	}
	if severity == SeverityError {
		r.Errors = append(r.Errors, fe)
		r.Status = StatusFail
	} else {
		r.Warnings = append(r.Warnings, fe)
		if r.Status == StatusPass {
			r.Status = StatusSkip
		}
	}
}

// Merge folds another result's failures into this one.
func (r *Result) Merge(other *Result) {
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
	if other.Status == StatusFail {
		r.Status = StatusFail
	} else if other.Status == StatusSkip && r.Status == StatusPass {
		r.Status = StatusSkip
	}
}

// Params carries rule-specific parameters.
type Params map[string]any

func paramString(p Params, key, def string) string {
	if v, ok := p[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func paramNumber(p Params, key string) (float64, bool) {
	v, ok := p[key]
	if !ok || v == nil {
		return 0, false
	}
	f, err := numberValue(v)
	if err != nil {
		return 0, false
	}
	return f, true
}

func paramInt(p Params, key string, def int) int {
	if f, ok := paramNumber(p, key); ok {
		return int(f)
	}
	return def
}

func paramStrings(p Params, key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return nil
	}
}

// numberValue coerces a cell value to float64. Strings are trimmed first,
// so " 5 " parses.
func numberValue(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number %q", v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to number", value)
	}
}

// Predicate evaluates one field value against rule parameters. It reports
// whether the value passed and, when it did not, a human-readable message.
type Predicate interface {
	Evaluate(value any, params Params) (bool, string)
}

// PredicateFunc adapts a function to the Predicate interface.
type PredicateFunc func(value any, params Params) (bool, string)

func (f PredicateFunc) Evaluate(value any, params Params) (bool, string) {
	return f(value, params)
}

func requiredPredicate(value any, params Params) (bool, string) {
	fail := func() (bool, string) {
		return false, paramString(params, "message", "Field is required")
	}
	if value == nil {
		return fail()
	}
	if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
		return fail()
	}
	return true, ""
}

// notEmptyPredicate only rejects empty collections. Nil and blank strings
// pass here; pair with the required predicate to reject those.
func notEmptyPredicate(value any, params Params) (bool, string) {
	if value == nil {
		return true, ""
	}
	if s, ok := value.(string); ok && s == "" {
		return true, ""
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		if rv.Len() == 0 {
			return false, paramString(params, "message", "Field cannot be empty")
		}
	}
	return true, ""
}

// stringMaxLengthPredicate only applies to string values; everything else
// passes untouched.
func stringMaxLengthPredicate(value any, params Params) (bool, string) {
	s, ok := value.(string)
	if !ok {
		return true, ""
	}
	maxLength := paramInt(params, "max_length", 255)
	if len([]rune(s)) > maxLength {
		return false, fmt.Sprintf("String length exceeds maximum of %d", maxLength)
	}
	return true, ""
}

// numberNonNegativePredicate passes nil values; the required predicate owns
// presence checks.
func numberNonNegativePredicate(value any, params Params) (bool, string) {
	if value == nil {
		return true, ""
	}
	num, err := numberValue(value)
	if err != nil {
		return false, "Invalid number format"
	}
	if num < 0 {
		return false, paramString(params, "message", "Value must be non-negative")
	}
	return true, ""
}

// numberRangePredicate fails nil values: a range check demands a number.
func numberRangePredicate(value any, params Params) (bool, string) {
	if value == nil {
		return false, "Invalid number format"
	}
	num, err := numberValue(value)
	if err != nil {
		return false, "Invalid number format"
	}
	if min, ok := paramNumber(params, "min"); ok && num < min {
		return false, "Value must be >= " + formatNumber(min)
	}
	if max, ok := paramNumber(params, "max"); ok && num > max {
		return false, "Value must be <= " + formatNumber(max)
	}
	return true, ""
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

var defaultDateLayouts = []string{"2006-01-02", "2006/01/02", "01/02/2006"}

func dateFormatPredicate(value any, params Params) (bool, string) {
	layouts := paramStrings(params, "formats")
	if len(layouts) == 0 {
		layouts = defaultDateLayouts
	}
	if _, ok := value.(time.Time); ok {
		return true, ""
	}
	s, ok := value.(string)
	if !ok {
		return false, "Invalid date format"
	}
	for _, layout := range layouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true, ""
		}
	}
	return false, fmt.Sprintf("Date must match one of formats: %s", strings.Join(layouts, ", "))
}

// builtinPredicates maps rule-config type names to predicates.
var builtinPredicates = map[string]Predicate{
	"required":          PredicateFunc(requiredPredicate),
	"not_empty":         PredicateFunc(notEmptyPredicate),
	"string_max_length": PredicateFunc(stringMaxLengthPredicate),
	"number_positive":   PredicateFunc(numberNonNegativePredicate),
	"number_range":      PredicateFunc(numberRangePredicate),
	"date_format":       PredicateFunc(dateFormatPredicate),
}

// PredicateByName resolves a built-in predicate by its rule-config type
// name.
func PredicateByName(name string) (Predicate, bool) {
	p, ok := builtinPredicates[name]
	return p, ok
}

// Rule binds a predicate to a target field with a severity.
type Rule struct {
	Name      string
	Field     string
	Severity  Severity
	Enabled   bool
	Params    Params
	Predicate Predicate
}

// Validator runs an ordered rule list over rows. A rule's target field may
// be satisfied through an alias list, so both mapped and raw rows validate.
type Validator struct {
	rules   []Rule
	aliases map[string][]string
}

// NewValidator returns a validator with no rules; it passes everything.
func NewValidator() *Validator {
	return &Validator{aliases: make(map[string][]string)}
}

// AddRule appends a rule.
func (v *Validator) AddRule(rule Rule) {
	v.rules = append(v.rules, rule)
}

// Rules returns the rule list in evaluation order.
func (v *Validator) Rules() []Rule {
	return v.rules
}

// RulesForField returns the enabled rules targeting a field.
func (v *Validator) RulesForField(field string) []Rule {
	var out []Rule
	for _, r := range v.rules {
		if r.Field == field && r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

// SetAliases replaces the alias table.
func (v *Validator) SetAliases(aliases map[string][]string) {
	v.aliases = aliases
	if v.aliases == nil {
		v.aliases = make(map[string][]string)
	}
}

// MergeAliases folds extra aliases into the table, overriding per field.
func (v *Validator) MergeAliases(aliases map[string][]string) {
	for field, list := range aliases {
		v.aliases[field] = list
	}
}

// fieldValue resolves a field from the row directly or through its aliases.
// A key that is present but nil does not fall through to aliases.
func (v *Validator) fieldValue(row map[string]any, field string) any {
	if value, ok := row[field]; ok {
		return value
	}
	for _, alias := range v.aliases[field] {
		if value, ok := row[alias]; ok {
			return value
		}
	}
	return nil
}

// ValidateRow runs every enabled rule against one row.
func (v *Validator) ValidateRow(row map[string]any, rowIndex int) *Result {
	result := NewResult(rowIndex)
	for _, rule := range v.rules {
		if !rule.Enabled || rule.Predicate == nil {
			continue
		}
		value := v.fieldValue(row, rule.Field)
		if passed, message := rule.Predicate.Evaluate(value, rule.Params); !passed {
			result.AddError(rule.Field, message, rule.Name, value, rule.Severity)
		}
	}
	return result
}

// ValidateBatch validates rows independently, indexing results by position.
func (v *Validator) ValidateBatch(rows []map[string]any) []*Result {
	results := make([]*Result, 0, len(rows))
	for i, row := range rows {
		results = append(results, v.ValidateRow(row, i))
	}
	return results
}

// flagDuplicates appends an error to the second and later occurrences of a
// repeated field value within one batch. The first occurrence stays clean;
// nil and empty-string values never count.
func (v *Validator) flagDuplicates(rows []map[string]any, results []*Result, field, ruleName, label string) {
	seen := make(map[string]bool, len(rows))
	for i, row := range rows {
		value := v.fieldValue(row, field)
		if value == nil {
			continue
		}
		key := fmt.Sprint(value)
		if key == "" {
			continue
		}
		if seen[key] {
			results[i].AddError(field, fmt.Sprintf("Duplicate %s: %v", label, value), ruleName, value, SeverityError)
		} else {
			seen[key] = true
		}
	}
}

// Summary aggregates a batch's validation outcome.
type Summary struct {
	TotalRows       int            `json:"total_rows"`
	Passed          int            `json:"passed"`
	Failed          int            `json:"failed"`
	Skipped         int            `json:"skipped"`
	TotalErrors     int            `json:"total_errors"`
	TotalWarnings   int            `json:"total_warnings"`
	ErrorsByField   map[string]int `json:"errors_by_field"`
	WarningsByField map[string]int `json:"warnings_by_field"`
	Results         []*Result      `json:"results,omitempty"`
}

// Summarize rolls batch results up into counts and per-field breakdowns.
func Summarize(results []*Result) Summary {
	s := Summary{
		TotalRows:       len(results),
		ErrorsByField:   make(map[string]int),
		WarningsByField: make(map[string]int),
	}
	for _, r := range results {
		switch r.Status {
		case StatusPass:
			s.Passed++
		case StatusFail:
			s.Failed++
		case StatusSkip:
			s.Skipped++
		}
		s.TotalErrors += len(r.Errors)
		s.TotalWarnings += len(r.Warnings)
		for _, e := range r.Errors {
			s.ErrorsByField[e.Field]++
		}
		for _, w := range r.Warnings {
			s.WarningsByField[w.Field]++
		}
	}
	return s
}
