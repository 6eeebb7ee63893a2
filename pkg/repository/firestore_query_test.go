package repository

import (
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/memvault/pkg/model"
)

func TestEqualities(t *testing.T) {
	gt.A(t, equalities(nil)).Length(0)

	after := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	conds := equalities(&model.Filter{
		Tags:         []string{"ops", " infra "},
		Metadata:     map[string]any{"source": "wiki", "rank": 3.0},
		CreatedAfter: &after,
	})
	gt.A(t, conds).Length(4)

	gt.Equal(t, conds[0].path, firestore.FieldPath{"tag_set", "infra"})
	gt.Equal(t, conds[0].value, any(true))
	gt.Equal(t, conds[1].path, firestore.FieldPath{"tag_set", "ops"})
	gt.Equal(t, conds[2].path, firestore.FieldPath{"metadata", "rank"})
	gt.Equal(t, conds[2].value, any(3.0))
	gt.Equal(t, conds[3].path, firestore.FieldPath{"metadata", "source"})
	gt.Equal(t, conds[3].value, any("wiki"))
}

func TestEqualitiesKeepsDottedKeys(t *testing.T) {
	conds := equalities(&model.Filter{
		Tags:     []string{"team.sre"},
		Metadata: map[string]any{"a.b": "c"},
	})
	gt.A(t, conds).Length(2)
	gt.Equal(t, conds[0].path, firestore.FieldPath{"tag_set", "team.sre"})
	gt.Equal(t, conds[1].path, firestore.FieldPath{"metadata", "a.b"})
}

func TestNextWindow(t *testing.T) {
	testCases := map[string]struct {
		neighbors, returned, hits, limit, oversample int
		want                                         int
		more                                         bool
	}{
		"enough hits": {
			neighbors: 40, returned: 40, hits: 10, limit: 10, oversample: 4,
			want: 40, more: false,
		},
		"collection exhausted": {
			neighbors: 40, returned: 12, hits: 3, limit: 10, oversample: 4,
			want: 40, more: false,
		},
		"full window widens": {
			neighbors: 40, returned: 40, hits: 3, limit: 10, oversample: 4,
			want: 160, more: true,
		},
		"oversample of one still grows": {
			neighbors: 10, returned: 10, hits: 0, limit: 10, oversample: 1,
			want: 20, more: true,
		},
		"capped": {
			neighbors: 800, returned: 800, hits: 1, limit: 10, oversample: 4,
			want: 1000, more: true,
		},
		"at cap": {
			neighbors: 1000, returned: 1000, hits: 1, limit: 10, oversample: 4,
			want: 1000, more: false,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			got, more := nextWindow(tc.neighbors, tc.returned, tc.hits, tc.limit, tc.oversample)
			gt.Equal(t, got, tc.want)
			gt.Equal(t, more, tc.more)
		})
	}
}
