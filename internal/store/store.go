// Package store provides the query filter and shared error family used by
// every checkpoint-substrate backend (memstore, filestore, and sqlstore,
// each implementing internal/dag.Backend). The persistence interface
// itself lives in internal/dag as Backend, since it's shaped around
// checkpoints and branches specifically rather than an entity generic
// enough to live here.
package store

// Filter defines query parameters for listing entities.
type Filter struct {
	Limit     int            // Maximum results (0 = no limit)
	Offset    int            // Skip first N results
	OrderBy   string         // Field to sort by
	OrderDesc bool           // Sort descending if true
	Where     map[string]any // Field conditions
}

// DefaultFilter returns a filter with sensible defaults.
func DefaultFilter() Filter {
	return Filter{
		Limit:     100,
		Offset:    0,
		OrderDesc: true,
	}
}

// WithLimit returns a copy of the filter with a new limit.
func (f Filter) WithLimit(n int) Filter {
	f.Limit = n
	return f
}

// WithOffset returns a copy of the filter with a new offset.
func (f Filter) WithOffset(n int) Filter {
	f.Offset = n
	return f
}

// WithOrder returns a copy of the filter with ordering.
func (f Filter) WithOrder(field string, desc bool) Filter {
	f.OrderBy = field
	f.OrderDesc = desc
	return f
}

// WithWhere returns a copy of the filter with an added condition.
func (f Filter) WithWhere(field string, value any) Filter {
	if f.Where == nil {
		f.Where = make(map[string]any)
	}
	f.Where[field] = value
	return f
}
