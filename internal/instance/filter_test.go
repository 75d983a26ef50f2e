package instance

import (
	"errors"
	"math"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilter_ZeroValueMatchesAll(t *testing.T) {
	var f Filter
	assert.True(t, f.Empty())
	assert.True(t, f.Match(&ModelInstance{ModelID: "m1"}))
	assert.False(t, f.Match(nil))
	assert.Equal(t, "*", f.String())
}

func TestFilter_Match(t *testing.T) {
	f := filterOf(t, map[Field]string{
		FieldModelID: "m1",
		FieldState:   string(StateRunning),
	})

	assert.True(t, f.Match(&ModelInstance{ModelID: "m1", State: StateRunning, WorkerID: "w9"}))
	assert.False(t, f.Match(&ModelInstance{ModelID: "m1", State: StatePending}))
	assert.False(t, f.Match(&ModelInstance{ModelID: "m2", State: StateRunning}))
	assert.Equal(t, "model_id=m1,state=running", f.String())
}

func TestNewFilter_RejectsUnknownField(t *testing.T) {
	_, err := NewFilter(map[Field]string{"gpu_index": "0"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidFilter))
}

func TestNewFilter_RejectsUnknownState(t *testing.T) {
	_, err := NewFilter(map[Field]string{FieldState: "exploded"})
	assert.ErrorIs(t, err, ErrInvalidFilter)
}

func TestNewFilter_EmptyValueIsUnconstrained(t *testing.T) {
	f, err := NewFilter(map[Field]string{FieldWorkerID: ""})
	require.NoError(t, err)
	assert.True(t, f.Empty())
}

func TestParseFilter(t *testing.T) {
	type then struct {
		filter string
		err    bool
	}

	for name, tc := range map[string]struct {
		query string
		then  then
	}{
		"empty":            {query: "", then: then{filter: "*"}},
		"reserved only":    {query: "watch=true&page=2&perPage=10", then: then{filter: "*"}},
		"worker and model": {query: "worker_id=w1&model_id=m1&watch=1", then: then{filter: "model_id=m1,worker_id=w1"}},
		"unknown key":      {query: "model=m1", then: then{err: true}},
		"repeated key":     {query: "state=running&state=error", then: then{err: true}},
		"bad state":        {query: "state=zombie", then: then{err: true}},
	} {
		t.Run(name, func(t *testing.T) {
			values, err := url.ParseQuery(tc.query)
			require.NoError(t, err)

			f, err := ParseFilter(values, "watch", "page", "perPage")
			if tc.then.err {
				assert.ErrorIs(t, err, ErrInvalidFilter)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.then.filter, f.String())
		})
	}
}

func TestPaginate(t *testing.T) {
	items := make([]*ModelInstance, 5)
	for i := range items {
		items[i] = &ModelInstance{ID: string(rune('a' + i))}
	}

	p := Paginate(items, 2, 2)
	require.Len(t, p.Items, 2)
	assert.Equal(t, "c", p.Items[0].ID)
	assert.Equal(t, Pagination{Page: 2, PerPage: 2, Total: 5, TotalPage: 3}, p.Pagination)

	p = Paginate(items, 4, 2)
	assert.Empty(t, p.Items)
	assert.Equal(t, 5, p.Pagination.Total)

	for name, tc := range map[string]struct{ page, perPage int }{
		"offset overflows": {page: math.MaxInt, perPage: 1000},
		"max per page":     {page: 2, perPage: math.MaxInt},
		"zero page":        {page: 0, perPage: 2},
		"negative page":    {page: math.MinInt, perPage: 2},
	} {
		t.Run(name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				assert.Empty(t, Paginate(items, tc.page, tc.perPage).Items)
			})
		})
	}
}

func TestUpdateRequest_Apply(t *testing.T) {
	orig := &ModelInstance{ID: "1", Name: "a", State: StatePending, Metadata: map[string]string{"k": "v"}}
	running := StateRunning
	worker := "w1"

	out := UpdateRequest{State: &running, WorkerID: &worker}.Apply(orig)

	assert.Equal(t, StateRunning, out.State)
	assert.Equal(t, "w1", out.WorkerID)
	assert.Equal(t, "a", out.Name)
	assert.Equal(t, StatePending, orig.State, "original must not be mutated")

	out.Metadata["k"] = "changed"
	assert.Equal(t, "v", orig.Metadata["k"])
}

func TestModelInstance_Validate(t *testing.T) {
	ok := NewModelInstance(CreateRequest{Name: "qwen-0", ModelID: "m1"})
	assert.NoError(t, ok.Validate())
	assert.Equal(t, StatePending, ok.State)
	assert.NotEmpty(t, ok.ID)

	assert.ErrorIs(t, (&ModelInstance{ModelID: "m1", State: StatePending}).Validate(), ErrInvalid)
	assert.ErrorIs(t, (&ModelInstance{Name: "x", State: StatePending}).Validate(), ErrInvalid)
	assert.ErrorIs(t, (&ModelInstance{Name: "x", ModelID: "m", State: "boom"}).Validate(), ErrInvalid)
}

func filterOf(t *testing.T, terms map[Field]string) Filter {
	t.Helper()
	f, err := NewFilter(terms)
	require.NoError(t, err)
	return f
}
