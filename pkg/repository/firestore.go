package repository

import (
	"context"
	"errors"
	"slices"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memvault/pkg/model"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	firestoreRegistryCollection = "memvault_namespaces"
	firestoreDistanceField      = "vector_distance"
	// FindNearest accepts at most 1000 results
	firestoreMaxNeighbors = 1000
)

// Firestore keeps each namespace in its own collection and uses the native
// vector index for nearest neighbor search. Indexes are created out of band:
// a vector index on "embedding", plus for every tag/metadata filter
// combination in use a composite index (tag_set.<tag>, metadata.<key>,
// created_at desc, __name__ desc) for listing and a composite vector index
// (tag_set.<tag>, metadata.<key>, embedding) for search.
type Firestore struct {
	client     *firestore.Client
	oversample int
}

type FirestoreOption func(*Firestore)

// WithOversample sets the factor by which the vector query window grows when
// a created_at range drops results
func WithOversample(n int) FirestoreOption {
	return func(f *Firestore) {
		f.oversample = n
	}
}

func NewFirestore(ctx context.Context, projectID, databaseID string, opts ...FirestoreOption) (*Firestore, error) {
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(classifyFirestore(err), "failed to create firestore client",
			goerr.V("project_id", projectID), goerr.V("database_id", databaseID))
	}

	f := &Firestore{client: client, oversample: 4}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

type firestoreNamespace struct {
	TenantID  string    `firestore:"tenant_id"`
	ProjectID string    `firestore:"project_id"`
	Dimension int       `firestore:"dimension"`
	Metric    string    `firestore:"metric"`
	FullText  bool      `firestore:"full_text"`
	CreatedAt time.Time `firestore:"created_at"`
}

type firestoreMemory struct {
	ID        string             `firestore:"id"`
	TenantID  string             `firestore:"tenant_id"`
	ProjectID string             `firestore:"project_id"`
	Content   string             `firestore:"content"`
	Embedding firestore.Vector32 `firestore:"embedding"`
	Metadata  map[string]any     `firestore:"metadata"`
	Tags      []string           `firestore:"tags"`
	// TagSet mirrors Tags so that each tag can be an equality filter
	TagSet    map[string]bool `firestore:"tag_set"`
	CreatedAt time.Time       `firestore:"created_at"`
	UpdatedAt time.Time       `firestore:"updated_at"`

	Distance *float64 `firestore:"vector_distance,omitempty"`
}

func toFirestore(m *model.Memory) *firestoreMemory {
	doc := &firestoreMemory{
		ID:        string(m.ID),
		TenantID:  m.TenantID,
		ProjectID: m.ProjectID,
		Content:   m.Content,
		Embedding: firestore.Vector32(slices.Clone(m.Embedding)),
		Metadata:  m.Metadata,
		Tags:      m.Tags,
		TagSet:    make(map[string]bool, len(m.Tags)),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	for _, tag := range m.Tags {
		doc.TagSet[tag] = true
	}
	return doc
}

func (d *firestoreMemory) toModel() *model.Memory {
	m := &model.Memory{
		ID:        model.MemoryID(d.ID),
		TenantID:  d.TenantID,
		ProjectID: d.ProjectID,
		Content:   d.Content,
		Embedding: []float32(d.Embedding),
		Metadata:  d.Metadata,
		Tags:      d.Tags,
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}
	if len(m.Metadata) == 0 {
		m.Metadata = nil
	}
	if len(m.Tags) == 0 {
		m.Tags = nil
	}
	return m
}

func classifyFirestore(err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return model.WithKind(model.ErrNotFound, err)
	case codes.AlreadyExists:
		return model.WithKind(model.ErrInvalidArgument, err)
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal:
		return model.WithKind(model.ErrStoreUnavailable, err)
	case codes.InvalidArgument, codes.FailedPrecondition:
		return model.WithKind(model.ErrInvalidQuery, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.WithKind(model.ErrStoreUnavailable, err)
	}
	return err
}

func (f *Firestore) FullText() bool { return false }

func (f *Firestore) Close() error {
	if err := f.client.Close(); err != nil {
		return goerr.Wrap(err, "failed to close firestore client")
	}
	return nil
}

func (f *Firestore) EnsureNamespace(ctx context.Context, ns *model.Namespace) (*model.Namespace, error) {
	ref := f.client.Collection(firestoreRegistryCollection).Doc(ns.Name)
	_, err := ref.Create(ctx, &firestoreNamespace{
		TenantID:  ns.TenantID,
		ProjectID: ns.ProjectID,
		Dimension: ns.Dimension,
		Metric:    ns.Metric,
		FullText:  false,
		CreatedAt: ns.CreatedAt,
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return nil, goerr.Wrap(classifyFirestore(err), "failed to register namespace", goerr.V("namespace", ns.Name))
	}
	return f.LookupNamespace(ctx, ns.Name)
}

func (f *Firestore) LookupNamespace(ctx context.Context, name string) (*model.Namespace, error) {
	snap, err := f.client.Collection(firestoreRegistryCollection).Doc(name).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(model.ErrNotFound, "namespace not found", goerr.V("namespace", name))
		}
		return nil, goerr.Wrap(classifyFirestore(err), "failed to lookup namespace", goerr.V("namespace", name))
	}

	var doc firestoreNamespace
	if err := snap.DataTo(&doc); err != nil {
		return nil, goerr.Wrap(err, "invalid namespace document", goerr.V("namespace", name))
	}
	return &model.Namespace{
		Name:      name,
		TenantID:  doc.TenantID,
		ProjectID: doc.ProjectID,
		Dimension: doc.Dimension,
		Metric:    doc.Metric,
		FullText:  doc.FullText,
		CreatedAt: doc.CreatedAt.UTC(),
	}, nil
}

func (f *Firestore) PutMemory(ctx context.Context, ns *model.Namespace, m *model.Memory) error {
	if err := checkDimension(ns, m); err != nil {
		return err
	}
	ref := f.client.Collection(ns.Name).Doc(string(m.ID))
	if _, err := ref.Create(ctx, toFirestore(m)); err != nil {
		return goerr.Wrap(classifyFirestore(err), "failed to put memory",
			goerr.V("namespace", ns.Name), goerr.V("id", m.ID))
	}
	return nil
}

func (f *Firestore) GetMemory(ctx context.Context, ns *model.Namespace, id model.MemoryID) (*model.Memory, error) {
	if id == "" {
		return nil, goerr.Wrap(model.ErrNotFound, "memory not found", goerr.V("id", id))
	}
	snap, err := f.client.Collection(ns.Name).Doc(string(id)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(model.ErrNotFound, "memory not found", goerr.V("id", id))
		}
		return nil, goerr.Wrap(classifyFirestore(err), "failed to get memory",
			goerr.V("namespace", ns.Name), goerr.V("id", id))
	}

	var doc firestoreMemory
	if err := snap.DataTo(&doc); err != nil {
		return nil, goerr.Wrap(err, "invalid memory document", goerr.V("id", id))
	}
	return doc.toModel(), nil
}

// ReplaceMemory overwrites the document inside a transaction so that a
// concurrent delete is not resurrected
func (f *Firestore) ReplaceMemory(ctx context.Context, ns *model.Namespace, m *model.Memory) error {
	if err := checkDimension(ns, m); err != nil {
		return err
	}
	ref := f.client.Collection(ns.Name).Doc(string(m.ID))

	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(ref); err != nil {
			return err
		}
		return tx.Set(ref, toFirestore(m))
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return goerr.Wrap(model.ErrNotFound, "memory not found", goerr.V("id", m.ID))
		}
		return goerr.Wrap(classifyFirestore(err), "failed to replace memory",
			goerr.V("namespace", ns.Name), goerr.V("id", m.ID))
	}
	return nil
}

func (f *Firestore) DeleteMemory(ctx context.Context, ns *model.Namespace, id model.MemoryID) error {
	if id == "" {
		return goerr.Wrap(model.ErrNotFound, "memory not found", goerr.V("id", id))
	}
	if _, err := f.client.Collection(ns.Name).Doc(string(id)).Delete(ctx, firestore.Exists); err != nil {
		if status.Code(err) == codes.NotFound {
			return goerr.Wrap(model.ErrNotFound, "memory not found", goerr.V("id", id))
		}
		return goerr.Wrap(classifyFirestore(err), "failed to delete memory",
			goerr.V("namespace", ns.Name), goerr.V("id", id))
	}
	return nil
}

// fieldEquality is a filter condition Firestore can evaluate itself
type fieldEquality struct {
	path  firestore.FieldPath
	value any
}

// equalities turns the tag and metadata conditions of a filter into
// equality clauses on the tag_set and metadata maps. Keys are sorted so the
// same filter always maps onto the same composite index.
func equalities(f *model.Filter) []fieldEquality {
	if f == nil {
		return nil
	}
	var conds []fieldEquality
	for _, tag := range model.NormalizeTags(f.Tags) {
		conds = append(conds, fieldEquality{path: firestore.FieldPath{"tag_set", tag}, value: true})
	}
	keys := make([]string, 0, len(f.Metadata))
	for k := range f.Metadata {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		conds = append(conds, fieldEquality{path: firestore.FieldPath{"metadata", k}, value: f.Metadata[k]})
	}
	return conds
}

func applyEqualities(q firestore.Query, f *model.Filter) firestore.Query {
	for _, c := range equalities(f) {
		q = q.WherePath(c.path, "==", c.value)
	}
	return q
}

// timeRange pushes the created_at range down
func timeRange(q firestore.Query, f *model.Filter) firestore.Query {
	if f == nil {
		return q
	}
	if f.CreatedAfter != nil {
		q = q.Where("created_at", ">=", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		q = q.Where("created_at", "<", *f.CreatedBefore)
	}
	return q
}

// ListMemories runs the whole filter, ordering and paging on the server.
// Tag or metadata filters need a composite index per combination of
// tag_set.<tag> / metadata.<key> with created_at desc and __name__ desc;
// Firestore reports the missing index as FailedPrecondition.
func (f *Firestore) ListMemories(ctx context.Context, ns *model.Namespace, q *ListQuery) ([]*model.Memory, error) {
	query := timeRange(applyEqualities(f.client.Collection(ns.Name).Query, q.Filter), q.Filter).
		OrderBy("created_at", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Desc)
	if q.Offset > 0 {
		query = query.Offset(q.Offset)
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var memories []*model.Memory
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(classifyFirestore(err), "failed to list memories", goerr.V("namespace", ns.Name))
		}

		var doc firestoreMemory
		if err := snap.DataTo(&doc); err != nil {
			return nil, goerr.Wrap(err, "invalid memory document", goerr.V("id", snap.Ref.ID))
		}
		if m := doc.toModel(); q.Filter.Match(m) {
			memories = append(memories, m)
		}
	}

	SortByRecency(memories)
	return memories, nil
}

// nextWindow decides whether a vector query has to be repeated with more
// neighbors. It widens only while the previous window came back full, so an
// exhausted collection or the FindNearest cap ends the loop.
func nextWindow(neighbors, returned, hits, limit, oversample int) (int, bool) {
	if hits >= limit || returned < neighbors || neighbors >= firestoreMaxNeighbors {
		return neighbors, false
	}
	return min(neighbors*max(oversample, 2), firestoreMaxNeighbors), true
}

// SearchMemories pre-filters tags and metadata inside the vector query, which
// needs a composite vector index on those fields plus "embedding". The
// created_at range is checked on the results and the window is widened until
// enough hits are found.
func (f *Firestore) SearchMemories(ctx context.Context, ns *model.Namespace, q *SearchQuery) ([]*Hit, error) {
	if len(q.Embedding) != ns.Dimension {
		return nil, goerr.Wrap(model.ErrEmbeddingDimensionMismatch, "query dimension differs from namespace",
			goerr.V("expected", ns.Dimension), goerr.V("actual", len(q.Embedding)))
	}
	if q.Limit <= 0 {
		return nil, nil
	}

	neighbors := q.Limit
	if q.Filter != nil && (q.Filter.CreatedAfter != nil || q.Filter.CreatedBefore != nil) {
		neighbors = q.Limit * max(f.oversample, 1)
	}
	neighbors = min(neighbors, firestoreMaxNeighbors)
	base := applyEqualities(f.client.Collection(ns.Name).Query, q.Filter)

	for {
		hits, returned, err := f.nearest(ctx, ns, base, q, neighbors)
		if err != nil {
			return nil, err
		}
		next, more := nextWindow(neighbors, returned, len(hits), q.Limit, f.oversample)
		if !more {
			return hits, nil
		}
		neighbors = next
	}
}

func (f *Firestore) nearest(ctx context.Context, ns *model.Namespace, base firestore.Query, q *SearchQuery, neighbors int) ([]*Hit, int, error) {
	vq := base.FindNearest("embedding", firestore.Vector32(q.Embedding), neighbors,
		firestore.DistanceMeasureCosine, &firestore.FindNearestOptions{DistanceResultField: firestoreDistanceField})
	iter := vq.Documents(ctx)
	defer iter.Stop()

	var hits []*Hit
	returned := 0
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, 0, goerr.Wrap(classifyFirestore(err), "failed to search memories", goerr.V("namespace", ns.Name))
		}
		returned++

		var doc firestoreMemory
		if err := snap.DataTo(&doc); err != nil {
			return nil, 0, goerr.Wrap(err, "invalid memory document", goerr.V("id", snap.Ref.ID))
		}
		m := doc.toModel()
		if !q.Filter.Match(m) || len(hits) == q.Limit {
			continue
		}

		var distance float64
		if doc.Distance != nil {
			distance = *doc.Distance
		}
		hits = append(hits, &Hit{Memory: m, Distance: clampDistance(distance)})
	}
	return hits, returned, nil
}
