package instance

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Field is one of the indexed, filterable fields of a model instance
type Field string

const (
	FieldModelID  Field = "model_id"
	FieldWorkerID Field = "worker_id"
	FieldState    Field = "state"
)

var filterableFields = map[Field]func(*ModelInstance) string{
	FieldModelID:  func(m *ModelInstance) string { return m.ModelID },
	FieldWorkerID: func(m *ModelInstance) string { return m.WorkerID },
	FieldState:    func(m *ModelInstance) string { return string(m.State) },
}

// Filter is a conjunction of equality predicates. The zero value matches all.
type Filter struct {
	terms map[Field]string
}

// NewFilter builds a filter from field/value pairs, rejecting unknown fields
func NewFilter(terms map[Field]string) (Filter, error) {
	f := Filter{terms: make(map[Field]string, len(terms))}
	for field, value := range terms {
		if _, ok := filterableFields[field]; !ok {
			return Filter{}, fmt.Errorf("%w: unknown field %q", ErrInvalidFilter, field)
		}
		if value == "" {
			continue
		}
		if field == FieldState && !State(value).Valid() {
			return Filter{}, fmt.Errorf("%w: unknown state %q", ErrInvalidFilter, value)
		}
		f.terms[field] = value
	}
	return f, nil
}

// ParseFilter builds a filter from query parameters. Keys listed in
// reserved are skipped; any other key must be a filterable field.
func ParseFilter(values url.Values, reserved ...string) (Filter, error) {
	skip := make(map[string]bool, len(reserved))
	for _, r := range reserved {
		skip[r] = true
	}

	terms := make(map[Field]string)
	for key, vs := range values {
		if skip[key] {
			continue
		}
		if len(vs) > 1 {
			return Filter{}, fmt.Errorf("%w: field %q given more than once", ErrInvalidFilter, key)
		}
		terms[Field(key)] = vs[0]
	}
	return NewFilter(terms)
}

// Match reports whether m satisfies every term
func (f Filter) Match(m *ModelInstance) bool {
	if m == nil {
		return false
	}
	for field, want := range f.terms {
		if filterableFields[field](m) != want {
			return false
		}
	}
	return true
}

// Get returns the value a field is constrained to
func (f Filter) Get(field Field) (string, bool) {
	v, ok := f.terms[field]
	return v, ok
}

// Empty reports whether the filter matches everything
func (f Filter) Empty() bool {
	return len(f.terms) == 0
}

// Fields returns constrained fields in a stable order
func (f Filter) Fields() []Field {
	fields := make([]Field, 0, len(f.terms))
	for field := range f.terms {
		fields = append(fields, field)
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i] < fields[j] })
	return fields
}

func (f Filter) String() string {
	if f.Empty() {
		return "*"
	}
	parts := make([]string, 0, len(f.terms))
	for _, field := range f.Fields() {
		parts = append(parts, fmt.Sprintf("%s=%s", field, f.terms[field]))
	}
	return strings.Join(parts, ",")
}
