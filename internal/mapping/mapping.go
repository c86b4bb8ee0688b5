// Package mapping builds source-column to target-column dictionaries and
// transforms raw rows into canonical rows. Matches are found in three passes:
// caller-supplied manual pairs, normalized string similarity against the
// declared target fields, and a synonym-table fallback for well-known field
// categories.
package mapping

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// MappingKind records how a mapping was derived.
type MappingKind string

const (
	KindAuto   MappingKind = "auto"
	KindManual MappingKind = "manual"
	KindAlias  MappingKind = "alias"
)

// Confidence buckets a similarity score into a coarse tier.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
	ConfidenceNone   Confidence = "none"
)

// DefaultThreshold is the minimum similarity score an automatic match must
// reach to be accepted.
const DefaultThreshold = 0.6

// FieldMapping is one source-column to target-column binding.
type FieldMapping struct {
	SourceField   string      `json:"source_field"`
	TargetField   string      `json:"target_field"`
	Kind          MappingKind `json:"mapping_type"`
	Confidence    Confidence  `json:"confidence"`
	Aliases       []string    `json:"aliases,omitempty"`
	Required      bool        `json:"is_required"`
	TransformFunc string      `json:"transform_func,omitempty"`
	DefaultValue  any         `json:"default_value,omitempty"`
}

var normalizePattern = regexp.MustCompile(`[\s\-_]+`)

// Normalize lowercases a field name and strips whitespace, hyphen and
// underscore runs so "Order_No" and "order-no" compare equal.
func Normalize(field string) string {
	return normalizePattern.ReplaceAllString(strings.ToLower(field), "")
}

// Similarity scores two field names in [0, 1] using the Ratcliff/Obershelp
// ratio over their normalized forms.
func Similarity(a, b string) float64 {
	na := strings.Split(Normalize(a), "")
	nb := strings.Split(Normalize(b), "")
	return difflib.NewMatcher(na, nb).Ratio()
}

// FindBestMatch scans targets in declared order and returns the first target
// with the maximum similarity to source, provided the score reaches the
// threshold. Declared order is the tie-break key, so results are stable.
func FindBestMatch(source string, targets []string, threshold float64) (string, float64, bool) {
	var (
		best      string
		bestScore float64
	)
	for _, target := range targets {
		if score := Similarity(source, target); score > bestScore {
			bestScore = score
			best = target
		}
	}
	if best == "" || bestScore < threshold {
		return "", 0, false
	}
	return best, bestScore, true
}

// ConfidenceFor buckets a similarity score.
func ConfidenceFor(score float64) Confidence {
	switch {
	case score >= 0.85:
		return ConfidenceHigh
	case score >= 0.6:
		return ConfidenceMedium
	case score >= 0.4:
		return ConfidenceLow
	default:
		return ConfidenceNone
	}
}

// MappingOption customizes a manual mapping.
type MappingOption func(*FieldMapping)

// WithRequired marks the mapping's target as a required field.
func WithRequired() MappingOption {
	return func(m *FieldMapping) { m.Required = true }
}

// WithTransform names a value transform to apply during Transform. Known
// transforms: strip, lower, upper, int, float, abs.
func WithTransform(name string) MappingOption {
	return func(m *FieldMapping) { m.TransformFunc = name }
}

// WithDefault sets the value used when the source key is absent from a row.
func WithDefault(value any) MappingOption {
	return func(m *FieldMapping) { m.DefaultValue = value }
}

// Mapper accumulates field mappings for one import. Mappings iterate in
// insertion order, so repeated runs over the same input produce identical
// dictionaries and transform output.
type Mapper struct {
	store        TemplateStore
	targetFields []string
	order        []string
	mappings     map[string]*FieldMapping
	manual       map[string]string
}

// NewMapper returns a Mapper over the declared target fields. The template
// store may be nil when templates are not in play.
func NewMapper(store TemplateStore, targetFields []string) *Mapper {
	return &Mapper{
		store:        store,
		targetFields: targetFields,
		mappings:     make(map[string]*FieldMapping),
		manual:       make(map[string]string),
	}
}

// SetTargetFields replaces the declared target fields.
func (m *Mapper) SetTargetFields(fields []string) {
	m.targetFields = fields
}

func (m *Mapper) record(fm *FieldMapping) {
	if _, ok := m.mappings[fm.SourceField]; !ok {
		m.order = append(m.order, fm.SourceField)
	}
	m.mappings[fm.SourceField] = fm
}

// AddManualMapping registers a caller-supplied pair. Manual mappings always
// win over automatic matches and carry high confidence.
func (m *Mapper) AddManualMapping(source, target string, opts ...MappingOption) *FieldMapping {
	fm := &FieldMapping{
		SourceField: source,
		TargetField: target,
		Kind:        KindManual,
		Confidence:  ConfidenceHigh,
	}
	for _, opt := range opts {
		opt(fm)
	}
	m.record(fm)
	m.manual[source] = target
	return fm
}

// AutoMap resolves every source field against the declared targets: manual
// pairs first, then similarity matching, then the synonym-table fallback for
// whatever remains. Returns the mappings produced for this source set.
func (m *Mapper) AutoMap(sourceFields, requiredFields []string, threshold float64) []*FieldMapping {
	required := make(map[string]bool, len(requiredFields))
	for _, f := range requiredFields {
		required[f] = true
	}

	var out []*FieldMapping
	mapped := make(map[string]bool, len(sourceFields))

	for _, source := range sourceFields {
		if _, ok := m.manual[source]; ok {
			out = append(out, m.mappings[source])
			mapped[source] = true
			continue
		}
		if len(m.targetFields) == 0 {
			continue
		}
		target, score, ok := FindBestMatch(source, m.targetFields, threshold)
		if !ok {
			continue
		}
		fm := &FieldMapping{
			SourceField: source,
			TargetField: target,
			Kind:        KindAuto,
			Confidence:  ConfidenceFor(score),
			Required:    required[target],
		}
		m.record(fm)
		out = append(out, fm)
		mapped[source] = true
	}

	// Alias fallback walks the caller's source order, not a set, so the
	// result is reproducible run to run.
	for _, source := range sourceFields {
		if mapped[source] {
			continue
		}
		if _, ok := FieldCategory(source); !ok {
			continue
		}
		synonyms := Synonyms(source)
		for _, target := range m.targetFields {
			if !synonyms[Normalize(target)] {
				continue
			}
			fm := &FieldMapping{
				SourceField: source,
				TargetField: target,
				Kind:        KindAlias,
				Confidence:  ConfidenceFor(aliasBaseScore),
				Required:    required[target],
				Aliases:     sortedKeys(synonyms),
			}
			m.record(fm)
			out = append(out, fm)
			break
		}
	}

	return out
}

// aliasBaseScore is the fixed score assigned to synonym-table matches.
const aliasBaseScore = 0.5

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MappingFor returns the mapping recorded for a source field.
func (m *Mapper) MappingFor(source string) (*FieldMapping, bool) {
	fm, ok := m.mappings[source]
	return fm, ok
}

// AllMappings returns every recorded mapping in insertion order.
func (m *Mapper) AllMappings() []*FieldMapping {
	out := make([]*FieldMapping, 0, len(m.order))
	for _, source := range m.order {
		out = append(out, m.mappings[source])
	}
	return out
}

// MappingDict returns the source to target dictionary.
func (m *Mapper) MappingDict() map[string]string {
	dict := make(map[string]string, len(m.mappings))
	for source, fm := range m.mappings {
		dict[source] = fm.TargetField
	}
	return dict
}

// ReverseMappingDict returns the target to source dictionary. When two
// sources map to one target the later insertion wins.
func (m *Mapper) ReverseMappingDict() map[string]string {
	dict := make(map[string]string, len(m.mappings))
	for _, source := range m.order {
		fm := m.mappings[source]
		dict[fm.TargetField] = fm.SourceField
	}
	return dict
}

// Transform applies every recorded mapping to a raw row: the source value is
// copied to the target key, optionally passed through the named transform.
// An absent source key falls back to the configured default value when one
// is set; otherwise the target is omitted. Unmapped columns are dropped.
func (m *Mapper) Transform(row map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m.order))
	for _, source := range m.order {
		fm := m.mappings[source]
		value, ok := row[source]
		if !ok {
			if fm.DefaultValue != nil {
				out[fm.TargetField] = fm.DefaultValue
			}
			continue
		}
		if fm.TransformFunc != "" {
			transformed, err := applyTransform(value, fm.TransformFunc)
			if err != nil {
				return nil, fmt.Errorf("transform %q on column %q: %w", fm.TransformFunc, source, err)
			}
			value = transformed
		}
		out[fm.TargetField] = value
	}
	return out, nil
}

// applyTransform runs a named value transform. Unknown names pass the value
// through untouched, nil values short-circuit.
func applyTransform(value any, name string) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch name {
	case "strip":
		return strings.TrimSpace(fmt.Sprint(value)), nil
	case "lower":
		return strings.ToLower(fmt.Sprint(value)), nil
	case "upper":
		return strings.ToUpper(fmt.Sprint(value)), nil
	case "int":
		f, err := toFloat(value)
		if err != nil {
			return nil, err
		}
		return int64(f), nil
	case "float":
		return toFloat(value)
	case "abs":
		f, err := toFloat(value)
		if err != nil {
			return nil, err
		}
		return math.Abs(f), nil
	default:
		return value, nil
	}
}

func toFloat(value any) (float64, error) {
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

// Report summarizes the recorded mappings.
type Report struct {
	TotalMappings int                 `json:"total_mappings"`
	ByKind        map[string][]string `json:"by_type"`
	ByConfidence  map[string][]string `json:"by_confidence"`
	RequiredCount int                 `json:"required_count"`
	Manual        map[string]string   `json:"manual_mappings"`
}

// Report builds a summary of everything mapped so far, grouped by mapping
// kind and confidence tier.
func (m *Mapper) Report() Report {
	r := Report{
		ByKind:       make(map[string][]string),
		ByConfidence: make(map[string][]string),
		Manual:       make(map[string]string, len(m.manual)),
	}
	for _, source := range m.order {
		fm := m.mappings[source]
		r.TotalMappings++
		r.ByKind[string(fm.Kind)] = append(r.ByKind[string(fm.Kind)], source)
		r.ByConfidence[string(fm.Confidence)] = append(r.ByConfidence[string(fm.Confidence)], source)
		if fm.Required {
			r.RequiredCount++
		}
	}
	for source, target := range m.manual {
		r.Manual[source] = target
	}
	return r
}
