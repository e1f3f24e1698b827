package core

import (
	"fmt"
	"math"
	"sort"
)

// Well-known parameter keys. Engines read the ones they understand and
// ignore the rest.
const (
	ParamSpaceType        = "space_type"
	ParamDataType         = "data_type"
	ParamM                = "m"
	ParamEfConstruction   = "ef_construction"
	ParamEfSearch         = "ef_search"
	ParamIndexDescription = "index_description"
)

// Parameters is an open, string-keyed set of engine tuning knobs.
type Parameters map[string]any

// String returns the string value at key, or def when absent.
func (p Parameters) String(key, def string) (string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", NewInvalidArgumentError(key, fmt.Sprintf("expected string, got %T", v))
	}
	return s, nil
}

// Int returns the integer value at key, or def when absent. Whole float64
// values are accepted because decoded JSON produces them.
func (p Parameters) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, NewInvalidArgumentError(key, fmt.Sprintf("expected integer, got %v", n))
		}
		return int(n), nil
	default:
		return 0, NewInvalidArgumentError(key, fmt.Sprintf("expected integer, got %T", v))
	}
}

// Neighbor is one query hit.
type Neighbor struct {
	ID       int64
	Distance float32
}

// QueryResult is ordered nearest first.
type QueryResult []Neighbor

// SortStable orders by distance keeping discovery order for ties.
func (r QueryResult) SortStable() {
	sort.SliceStable(r, func(i, j int) bool { return r[i].Distance < r[j].Distance })
}

// IDs returns the neighbor ids in result order.
func (r QueryResult) IDs() []int64 {
	ids := make([]int64, len(r))
	for i, n := range r {
		ids[i] = n.ID
	}
	return ids
}
