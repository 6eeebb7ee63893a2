package repository

import (
	"context"

	"github.com/m-mizutani/memvault/pkg/model"
)

// Repository persists memory records in per-namespace collections. Every
// implementation reports vector closeness as cosine distance in [0, 2].
type Repository interface {
	// EnsureNamespace creates the namespace if absent and returns the stored
	// definition. A concurrent creation by another process is success.
	EnsureNamespace(ctx context.Context, ns *model.Namespace) (*model.Namespace, error)

	// LookupNamespace returns model.ErrNotFound when the namespace was never created
	LookupNamespace(ctx context.Context, name string) (*model.Namespace, error)

	// PutMemory inserts a new record with its embedding in one write
	PutMemory(ctx context.Context, ns *model.Namespace, m *model.Memory) error

	// GetMemory retrieves a record by ID
	GetMemory(ctx context.Context, ns *model.Namespace, id model.MemoryID) (*model.Memory, error)

	// ListMemories returns records ordered by CreatedAt desc, then ID desc
	ListMemories(ctx context.Context, ns *model.Namespace, q *ListQuery) ([]*model.Memory, error)

	// ReplaceMemory atomically swaps the whole stored state of an existing record
	ReplaceMemory(ctx context.Context, ns *model.Namespace, m *model.Memory) error

	// DeleteMemory returns model.ErrNotFound when the record does not exist
	DeleteMemory(ctx context.Context, ns *model.Namespace, id model.MemoryID) error

	// SearchMemories runs nearest neighbor search, plus full text scoring when supported
	SearchMemories(ctx context.Context, ns *model.Namespace, q *SearchQuery) ([]*Hit, error)

	// FullText reports whether SearchMemories fills Hit.TextScore
	FullText() bool

	Close() error
}

type ListQuery struct {
	Filter *model.Filter
	Limit  int
	Offset int
}

type SearchQuery struct {
	Embedding []float32
	// Text is the raw query, only used by full text capable stores
	Text   string
	Filter *model.Filter
	Limit  int
}

type Hit struct {
	Memory *model.Memory
	// Distance is cosine distance in [0, 2]
	Distance float64
	// TextScore is in [0, 1] and only meaningful when HasTextScore is set
	TextScore    float64
	HasTextScore bool
}
