package model

import (
	"reflect"
	"time"
)

// Filter restricts list and search results. All conditions are ANDed.
type Filter struct {
	// Tags the record must all carry
	Tags []string
	// Metadata keys the record must carry with an equal value
	Metadata map[string]any
	// CreatedAfter is inclusive, CreatedBefore is exclusive
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

// Match evaluates the filter in memory. Backends that cannot push a
// condition down use it as a post-filter.
func (f *Filter) Match(m *Memory) bool {
	if f == nil {
		return true
	}
	if !m.HasTags(f.Tags) {
		return false
	}
	for k, want := range f.Metadata {
		got, ok := m.Metadata[k]
		if !ok || !MetadataEqual(got, want) {
			return false
		}
	}
	if f.CreatedAfter != nil && m.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !m.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	return true
}

// IsEmpty is true when the filter has no condition.
func (f *Filter) IsEmpty() bool {
	return f == nil || (len(f.Tags) == 0 && len(f.Metadata) == 0 && f.CreatedAfter == nil && f.CreatedBefore == nil)
}

// MetadataEqual compares metadata values after JSON decoding, where every
// number becomes float64. 1 and 1.0 are equal, "1" and 1 are not.
func MetadataEqual(a, b any) bool {
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum || bNum {
		return aNum && bNum && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
