package repository

import (
	"context"
	"encoding/json"
	"math"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memvault/pkg/model"
	"github.com/philippgille/chromem-go"
)

const (
	chromemRegistryID = "_namespace"

	chromemKeyKind      = "kind"
	chromemKeyTenant    = "tenant_id"
	chromemKeyProject   = "project_id"
	chromemKeyCreatedAt = "created_at"
	chromemKeyUpdatedAt = "updated_at"
	chromemKeyMetadata  = "metadata"
	chromemKeyTags      = "tags"
	chromemKeyDimension = "dimension"
	chromemKeyMetric    = "metric"
	chromemTagPrefix    = "tag:"
	chromemMetaPrefix   = "meta:"

	chromemKindMemory    = "memory"
	chromemKindNamespace = "namespace"

	chromemUnitTolerance = 1e-3
)

// Chromem keeps namespaces as chromem-go collections, in memory or persisted
// to a directory. Each collection holds one registry document describing the
// namespace next to the memory documents.
type Chromem struct {
	db *chromem.DB

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

type ChromemOption func(*chromemConfig)

type chromemConfig struct {
	path     string
	compress bool
}

// WithChromemPath persists collections under path
func WithChromemPath(path string, compress bool) ChromemOption {
	return func(c *chromemConfig) {
		c.path = path
		c.compress = compress
	}
}

func NewChromem(opts ...ChromemOption) (*Chromem, error) {
	var cfg chromemConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	db := chromem.NewDB()
	if cfg.path != "" {
		var err error
		db, err = chromem.NewPersistentDB(cfg.path, cfg.compress)
		if err != nil {
			return nil, goerr.Wrap(model.WithKind(model.ErrStoreUnavailable, err), "failed to open chromem database",
				goerr.V("path", cfg.path))
		}
	}

	return &Chromem{
		db:    db,
		locks: make(map[string]*sync.RWMutex),
	}, nil
}

// embeddings are always computed by the engine; a collection must never call out
func noEmbedding(_ context.Context, text string) ([]float32, error) {
	return nil, goerr.New("chromem collections do not embed content")
}

// lock returns the per-namespace lock. Writers hold it across their
// existence check and write; scans hold it shared so Count stays valid.
func (r *Chromem) lock(name string) *sync.RWMutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[name]
	if !ok {
		l = &sync.RWMutex{}
		r.locks[name] = l
	}
	return l
}

func (r *Chromem) FullText() bool { return false }

func (r *Chromem) Close() error { return nil }

func (r *Chromem) EnsureNamespace(ctx context.Context, ns *model.Namespace) (*model.Namespace, error) {
	l := r.lock(ns.Name)
	l.Lock()
	defer l.Unlock()

	if col := r.db.GetCollection(ns.Name, noEmbedding); col != nil {
		return readRegistry(ctx, col, ns.Name)
	}

	col, err := r.db.CreateCollection(ns.Name, map[string]string{
		chromemKeyTenant:  ns.TenantID,
		chromemKeyProject: ns.ProjectID,
	}, noEmbedding)
	if err != nil {
		return nil, goerr.Wrap(model.WithKind(model.ErrStoreUnavailable, err), "failed to create collection",
			goerr.V("namespace", ns.Name))
	}

	// the registry document needs an embedding; any unit vector does
	unit := make([]float32, ns.Dimension)
	unit[0] = 1
	if err := col.AddDocument(ctx, chromem.Document{
		ID: chromemRegistryID,
		Metadata: map[string]string{
			chromemKeyKind:      chromemKindNamespace,
			chromemKeyTenant:    ns.TenantID,
			chromemKeyProject:   ns.ProjectID,
			chromemKeyDimension: strconv.Itoa(ns.Dimension),
			chromemKeyMetric:    ns.Metric,
			chromemKeyCreatedAt: ns.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
		Embedding: unit,
		Content:   ns.Name,
	}); err != nil {
		return nil, goerr.Wrap(model.WithKind(model.ErrStoreUnavailable, err), "failed to write namespace registry",
			goerr.V("namespace", ns.Name))
	}

	created := *ns
	created.FullText = false
	return &created, nil
}

func (r *Chromem) LookupNamespace(ctx context.Context, name string) (*model.Namespace, error) {
	// a collection without its registry document is still being created
	l := r.lock(name)
	l.RLock()
	defer l.RUnlock()

	col := r.db.GetCollection(name, noEmbedding)
	if col == nil {
		return nil, goerr.Wrap(model.ErrNotFound, "namespace not found", goerr.V("namespace", name))
	}
	return readRegistry(ctx, col, name)
}

func readRegistry(ctx context.Context, col *chromem.Collection, name string) (*model.Namespace, error) {
	doc, err := col.GetByID(ctx, chromemRegistryID)
	if err != nil {
		return nil, goerr.Wrap(model.WithKind(model.ErrConfiguration, err), "collection has no namespace registry",
			goerr.V("namespace", name))
	}
	dim, err := strconv.Atoi(doc.Metadata[chromemKeyDimension])
	if err != nil {
		return nil, goerr.Wrap(model.WithKind(model.ErrConfiguration, err), "invalid namespace dimension",
			goerr.V("namespace", name))
	}
	createdAt, _ := time.Parse(time.RFC3339Nano, doc.Metadata[chromemKeyCreatedAt])
	return &model.Namespace{
		Name:      name,
		TenantID:  doc.Metadata[chromemKeyTenant],
		ProjectID: doc.Metadata[chromemKeyProject],
		Dimension: dim,
		Metric:    doc.Metadata[chromemKeyMetric],
		CreatedAt: createdAt,
	}, nil
}

func (r *Chromem) collection(ns *model.Namespace) (*chromem.Collection, error) {
	col := r.db.GetCollection(ns.Name, noEmbedding)
	if col == nil {
		return nil, goerr.Wrap(model.ErrNotFound, "namespace not found", goerr.V("namespace", ns.Name))
	}
	return col, nil
}

func (r *Chromem) PutMemory(ctx context.Context, ns *model.Namespace, m *model.Memory) error {
	col, err := r.collection(ns)
	if err != nil {
		return err
	}
	doc, err := toChromemDocument(ns, m)
	if err != nil {
		return err
	}

	l := r.lock(ns.Name)
	l.Lock()
	defer l.Unlock()

	if _, err := col.GetByID(ctx, string(m.ID)); err == nil {
		return goerr.Wrap(model.ErrInvalidArgument, "memory already exists", goerr.V("id", m.ID))
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return goerr.Wrap(model.WithKind(model.ErrStoreUnavailable, err), "failed to add memory",
			goerr.V("namespace", ns.Name), goerr.V("id", m.ID))
	}
	return nil
}

func (r *Chromem) GetMemory(ctx context.Context, ns *model.Namespace, id model.MemoryID) (*model.Memory, error) {
	col, err := r.collection(ns)
	if err != nil {
		return nil, err
	}
	if id == "" || id == chromemRegistryID {
		return nil, goerr.Wrap(model.ErrNotFound, "memory not found", goerr.V("id", id))
	}

	doc, err := col.GetByID(ctx, string(id))
	if err != nil {
		return nil, goerr.Wrap(model.ErrNotFound, "memory not found", goerr.V("id", id))
	}
	return fromChromem(doc.ID, doc.Metadata, doc.Content, doc.Embedding)
}

func (r *Chromem) ReplaceMemory(ctx context.Context, ns *model.Namespace, m *model.Memory) error {
	col, err := r.collection(ns)
	if err != nil {
		return err
	}
	doc, err := toChromemDocument(ns, m)
	if err != nil {
		return err
	}

	l := r.lock(ns.Name)
	l.Lock()
	defer l.Unlock()

	if _, err := col.GetByID(ctx, string(m.ID)); err != nil {
		return goerr.Wrap(model.ErrNotFound, "memory not found", goerr.V("id", m.ID))
	}
	// AddDocument swaps the document pointer under the collection lock
	if err := col.AddDocument(ctx, doc); err != nil {
		return goerr.Wrap(model.WithKind(model.ErrStoreUnavailable, err), "failed to replace memory",
			goerr.V("namespace", ns.Name), goerr.V("id", m.ID))
	}
	return nil
}

func (r *Chromem) DeleteMemory(ctx context.Context, ns *model.Namespace, id model.MemoryID) error {
	col, err := r.collection(ns)
	if err != nil {
		return err
	}
	if id == "" || id == chromemRegistryID {
		return goerr.Wrap(model.ErrNotFound, "memory not found", goerr.V("id", id))
	}

	l := r.lock(ns.Name)
	l.Lock()
	defer l.Unlock()

	if _, err := col.GetByID(ctx, string(id)); err != nil {
		return goerr.Wrap(model.ErrNotFound, "memory not found", goerr.V("id", id))
	}
	if err := col.Delete(ctx, nil, nil, string(id)); err != nil {
		return goerr.Wrap(model.WithKind(model.ErrStoreUnavailable, err), "failed to delete memory",
			goerr.V("namespace", ns.Name), goerr.V("id", id))
	}
	return nil
}

func (r *Chromem) ListMemories(ctx context.Context, ns *model.Namespace, q *ListQuery) ([]*model.Memory, error) {
	col, err := r.collection(ns)
	if err != nil {
		return nil, err
	}

	l := r.lock(ns.Name)
	l.RLock()
	defer l.RUnlock()

	// chromem has no scan API; a query with nResults = Count visits every document
	anchor := make([]float32, ns.Dimension)
	anchor[0] = 1
	results, err := col.QueryEmbedding(ctx, anchor, col.Count(), chromemWhere(q.Filter), nil)
	if err != nil {
		return nil, goerr.Wrap(model.WithKind(model.ErrStoreUnavailable, err), "failed to scan collection",
			goerr.V("namespace", ns.Name))
	}

	memories := make([]*model.Memory, 0, len(results))
	for _, res := range results {
		m, err := fromChromem(res.ID, res.Metadata, res.Content, res.Embedding)
		if err != nil {
			return nil, err
		}
		if q.Filter.Match(m) {
			memories = append(memories, m)
		}
	}

	SortByRecency(memories)
	return Page(memories, q.Offset, q.Limit), nil
}

func (r *Chromem) SearchMemories(ctx context.Context, ns *model.Namespace, q *SearchQuery) ([]*Hit, error) {
	col, err := r.collection(ns)
	if err != nil {
		return nil, err
	}

	l := r.lock(ns.Name)
	l.RLock()
	defer l.RUnlock()

	n := col.Count()
	if n == 0 || q.Limit <= 0 {
		return nil, nil
	}
	// time ranges are post-filtered, so every candidate is needed then
	if q.Filter == nil || (q.Filter.CreatedAfter == nil && q.Filter.CreatedBefore == nil) {
		n = min(n, q.Limit)
	}

	results, err := col.QueryEmbedding(ctx, q.Embedding, n, chromemWhere(q.Filter), nil)
	if err != nil {
		return nil, goerr.Wrap(model.WithKind(model.ErrStoreUnavailable, err), "failed to query collection",
			goerr.V("namespace", ns.Name))
	}

	hits := make([]*Hit, 0, min(len(results), q.Limit))
	for _, res := range results {
		m, err := fromChromem(res.ID, res.Metadata, res.Content, res.Embedding)
		if err != nil {
			return nil, err
		}
		if !q.Filter.Match(m) {
			continue
		}
		hits = append(hits, &Hit{
			Memory:   m,
			Distance: clampDistance(1 - float64(res.Similarity)),
		})
		if len(hits) == q.Limit {
			break
		}
	}
	return hits, nil
}

func chromemWhere(f *model.Filter) map[string]string {
	where := map[string]string{chromemKeyKind: chromemKindMemory}
	if f == nil {
		return where
	}
	for _, tag := range f.Tags {
		where[chromemTagPrefix+tag] = "1"
	}
	for k, v := range f.Metadata {
		raw, err := json.Marshal(v)
		if err != nil {
			continue
		}
		where[chromemMetaPrefix+k] = string(raw)
	}
	return where
}

func toChromemDocument(ns *model.Namespace, m *model.Memory) (chromem.Document, error) {
	if len(m.Embedding) != ns.Dimension {
		return chromem.Document{}, goerr.Wrap(model.ErrEmbeddingDimensionMismatch, "embedding dimension differs from namespace",
			goerr.V("namespace", ns.Name), goerr.V("expected", ns.Dimension), goerr.V("actual", len(m.Embedding)))
	}

	// chromem rescales any other vector on insert, so the stored embedding
	// would no longer be the one the caller holds
	if norm := vectorNorm(m.Embedding); math.Abs(norm-1) > chromemUnitTolerance {
		return chromem.Document{}, goerr.Wrap(model.ErrConfiguration, "chromem backend stores unit length embeddings only; enable embedding.normalize",
			goerr.V("id", m.ID), goerr.V("norm", norm))
	}

	metadata, err := json.Marshal(m.Metadata)
	if err != nil {
		return chromem.Document{}, goerr.Wrap(model.WithKind(model.ErrInvalidArgument, err), "metadata is not JSON serializable",
			goerr.V("id", m.ID))
	}
	tags, err := json.Marshal(m.Tags)
	if err != nil {
		return chromem.Document{}, goerr.Wrap(err, "failed to encode tags")
	}

	md := map[string]string{
		chromemKeyKind:      chromemKindMemory,
		chromemKeyTenant:    m.TenantID,
		chromemKeyProject:   m.ProjectID,
		chromemKeyCreatedAt: m.CreatedAt.UTC().Format(time.RFC3339Nano),
		chromemKeyUpdatedAt: m.UpdatedAt.UTC().Format(time.RFC3339Nano),
		chromemKeyMetadata:  string(metadata),
		chromemKeyTags:      string(tags),
	}
	for _, tag := range m.Tags {
		md[chromemTagPrefix+tag] = "1"
	}
	for k, v := range m.Metadata {
		raw, err := json.Marshal(v)
		if err != nil {
			return chromem.Document{}, goerr.Wrap(model.WithKind(model.ErrInvalidArgument, err), "metadata value is not JSON serializable",
				goerr.V("key", k))
		}
		md[chromemMetaPrefix+k] = string(raw)
	}

	return chromem.Document{
		ID:        string(m.ID),
		Metadata:  md,
		Embedding: slices.Clone(m.Embedding),
		Content:   m.Content,
	}, nil
}

func fromChromem(id string, md map[string]string, content string, embedding []float32) (*model.Memory, error) {
	if md[chromemKeyKind] != chromemKindMemory {
		return nil, goerr.Wrap(model.ErrNotFound, "memory not found", goerr.V("id", id))
	}

	m := &model.Memory{
		ID:        model.MemoryID(id),
		TenantID:  md[chromemKeyTenant],
		ProjectID: md[chromemKeyProject],
		Content:   content,
		Embedding: slices.Clone(embedding),
	}

	var err error
	if m.CreatedAt, err = time.Parse(time.RFC3339Nano, md[chromemKeyCreatedAt]); err != nil {
		return nil, goerr.Wrap(err, "invalid created_at in stored memory", goerr.V("id", id))
	}
	if m.UpdatedAt, err = time.Parse(time.RFC3339Nano, md[chromemKeyUpdatedAt]); err != nil {
		return nil, goerr.Wrap(err, "invalid updated_at in stored memory", goerr.V("id", id))
	}
	if raw := md[chromemKeyMetadata]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &m.Metadata); err != nil {
			return nil, goerr.Wrap(err, "invalid metadata in stored memory", goerr.V("id", id))
		}
	}
	if raw := md[chromemKeyTags]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &m.Tags); err != nil {
			return nil, goerr.Wrap(err, "invalid tags in stored memory", goerr.V("id", id))
		}
	}
	return m, nil
}

func vectorNorm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}
