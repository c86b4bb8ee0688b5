package mapping

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrNoStore is returned by template operations on a Mapper built
	// without a template store.
	ErrNoStore = errors.New("no template store configured")

	// ErrTemplateNotFound is returned by TemplateStore implementations
	// when no template matches.
	ErrTemplateNotFound = errors.New("mapping template not found")
)

// Template is a named, reloadable mapping configuration for one data type.
type Template struct {
	ID          int64           `json:"id,omitempty"`
	Name        string          `json:"name"`
	DataType    string          `json:"data_type"`
	Description string          `json:"description,omitempty"`
	Mappings    []*FieldMapping `json:"mappings"`
	IsSystem    bool            `json:"is_system"`
}

// TemplateStore persists mapping templates. Implementations return
// ErrTemplateNotFound when a lookup matches nothing.
type TemplateStore interface {
	GetByID(ctx context.Context, id int64) (*Template, error)
	GetByName(ctx context.Context, name string) (*Template, error)
	ListByDataType(ctx context.Context, dataType string) ([]*Template, error)
	Save(ctx context.Context, tpl *Template) (*Template, error)
	Delete(ctx context.Context, id int64) error
}

// LoadTemplate seeds the mapper from a stored template. Manual mappings in
// the template rejoin the manual-override subset so later AutoMap calls
// keep honoring them.
func (m *Mapper) LoadTemplate(ctx context.Context, id int64) error {
	if m.store == nil {
		return ErrNoStore
	}
	tpl, err := m.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	for _, fm := range tpl.Mappings {
		m.record(fm)
		if fm.Kind == KindManual {
			m.manual[fm.SourceField] = fm.TargetField
		}
	}
	return nil
}

// SaveTemplate snapshots the current mappings under a name. Without a store
// the template is built and returned but not persisted.
func (m *Mapper) SaveTemplate(ctx context.Context, name, dataType, description string) (*Template, error) {
	tpl := &Template{
		Name:        name,
		DataType:    dataType,
		Description: description,
		Mappings:    m.AllMappings(),
	}
	if m.store == nil {
		return tpl, nil
	}
	return m.store.Save(ctx, tpl)
}

// Service exposes template-level operations over a TemplateStore.
type Service struct {
	store TemplateStore
}

// NewService returns a template service backed by the given store.
func NewService(store TemplateStore) *Service {
	return &Service{store: store}
}

// CreateTemplate auto-maps the given source fields against the targets,
// applies any manual pairs first, and persists the result as a template.
func (s *Service) CreateTemplate(ctx context.Context, name, dataType, description string, sourceFields, targetFields, requiredFields []string, manual map[string]string) (*Template, error) {
	mapper := NewMapper(s.store, targetFields)
	for _, source := range sortedStringKeys(manual) {
		mapper.AddManualMapping(source, manual[source])
	}
	mapper.AutoMap(sourceFields, requiredFields, DefaultThreshold)
	return mapper.SaveTemplate(ctx, name, dataType, description)
}

// GetTemplate fetches one template by id.
func (s *Service) GetTemplate(ctx context.Context, id int64) (*Template, error) {
	return s.store.GetByID(ctx, id)
}

// ListTemplates lists templates for a data type. An empty data type lists
// the built-in order and product types.
func (s *Service) ListTemplates(ctx context.Context, dataType string) ([]*Template, error) {
	if dataType != "" {
		return s.store.ListByDataType(ctx, dataType)
	}
	var out []*Template
	for _, dt := range []string{"order", "product"} {
		tpls, err := s.store.ListByDataType(ctx, dt)
		if err != nil {
			return nil, err
		}
		out = append(out, tpls...)
	}
	return out, nil
}

// ApplyTemplate transforms rows through a stored template's mappings.
func (s *Service) ApplyTemplate(ctx context.Context, id int64, rows []map[string]any) ([]map[string]any, error) {
	mapper := NewMapper(s.store, nil)
	if err := mapper.LoadTemplate(ctx, id); err != nil {
		return nil, fmt.Errorf("load template %d: %w", id, err)
	}
	out := make([]map[string]any, 0, len(rows))
	for i, row := range rows {
		transformed, err := mapper.Transform(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		out = append(out, transformed)
	}
	return out, nil
}

// NewMapper builds a mapper over the given targets with manual pairs
// pre-registered.
func (s *Service) NewMapper(targetFields []string, manual map[string]string) *Mapper {
	mapper := NewMapper(s.store, targetFields)
	for _, source := range sortedStringKeys(manual) {
		mapper.AddManualMapping(source, manual[source])
	}
	return mapper
}

// sortedStringKeys keeps manual-pair registration order deterministic.
func sortedStringKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
