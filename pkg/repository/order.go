package repository

import (
	"cmp"
	"slices"

	"github.com/m-mizutani/memvault/pkg/model"
)

// SortByRecency orders records by CreatedAt desc, then ID desc
func SortByRecency(memories []*model.Memory) {
	slices.SortFunc(memories, func(a, b *model.Memory) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
}

// Page applies offset and limit. A limit <= 0 returns everything after offset.
func Page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[max(offset, 0):]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func clampDistance(d float64) float64 {
	return min(max(d, 0), 2)
}
