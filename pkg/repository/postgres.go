package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memvault/pkg/model"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

const postgresRegistryTable = "memvault_namespaces"

// Postgres stores each namespace in its own table with an HNSW cosine index
// on the embedding and a GIN index over a generated tsvector of the content.
type Postgres struct {
	pool         *pgxpool.Pool
	hnswM        int
	hnswEFBuild  int
	textConfig   string
	maxConns     int32
	connLifetime time.Duration
}

type PostgresOption func(*Postgres)

// WithHNSW sets the HNSW build parameters of new namespace indexes
func WithHNSW(m, efConstruction int) PostgresOption {
	return func(p *Postgres) {
		p.hnswM = m
		p.hnswEFBuild = efConstruction
	}
}

// WithTextSearchConfig sets the text search configuration, e.g. "english"
func WithTextSearchConfig(name string) PostgresOption {
	return func(p *Postgres) {
		p.textConfig = name
	}
}

func WithMaxConns(n int32) PostgresOption {
	return func(p *Postgres) {
		p.maxConns = n
	}
}

func NewPostgres(ctx context.Context, dsn string, opts ...PostgresOption) (*Postgres, error) {
	p := &Postgres{
		hnswM:        16,
		hnswEFBuild:  200,
		textConfig:   "simple",
		connLifetime: time.Hour,
	}
	for _, opt := range opts {
		opt(p)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, goerr.Wrap(model.WithKind(model.ErrConfiguration, err), "invalid postgres dsn")
	}
	if p.maxConns > 0 {
		cfg.MaxConns = p.maxConns
	}
	cfg.MaxConnLifetime = p.connLifetime

	// the vector extension has to exist before its types can be registered
	bootstrap, err := pgx.ConnectConfig(ctx, cfg.ConnConfig.Copy())
	if err != nil {
		return nil, goerr.Wrap(model.WithKind(model.ErrStoreUnavailable, err), "failed to connect to postgres")
	}
	defer bootstrap.Close(ctx)
	if _, err := bootstrap.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil && !isCreateRace(err) {
		return nil, goerr.Wrap(classifyPostgres(err), "failed to create vector extension")
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, goerr.Wrap(model.WithKind(model.ErrStoreUnavailable, err), "failed to create postgres pool")
	}
	p.pool = pool

	registry := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  name TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL,
  project_id TEXT NOT NULL,
  dimension INT NOT NULL,
  metric TEXT NOT NULL,
  full_text BOOLEAN NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
)`, pgx.Identifier{postgresRegistryTable}.Sanitize())
	if _, err := pool.Exec(ctx, registry); err != nil && !isCreateRace(err) {
		pool.Close()
		return nil, goerr.Wrap(classifyPostgres(err), "failed to create namespace registry")
	}

	return p, nil
}

func (p *Postgres) FullText() bool { return true }

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// isCreateRace reports errors raised when two sessions run the same
// CREATE ... IF NOT EXISTS at once
func isCreateRace(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "42P07", "42710", "23505":
		return true
	}
	return false
}

func classifyPostgres(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42P01":
			return model.WithKind(model.ErrNotFound, err)
		case pgErr.Code == "23505":
			return model.WithKind(model.ErrInvalidArgument, err)
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "53"),
			strings.HasPrefix(pgErr.Code, "57"), pgErr.Code == "40001", pgErr.Code == "40P01":
			return model.WithKind(model.ErrStoreUnavailable, err)
		}
		return err
	}

	var netErr net.Error
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) || errors.Is(err, context.DeadlineExceeded) ||
		errors.As(err, &netErr) {
		return model.WithKind(model.ErrStoreUnavailable, err)
	}
	return err
}

func (p *Postgres) table(ns *model.Namespace) string {
	return pgx.Identifier{ns.Name}.Sanitize()
}

func (p *Postgres) EnsureNamespace(ctx context.Context, ns *model.Namespace) (*model.Namespace, error) {
	table := p.table(ns)
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL,
  project_id TEXT NOT NULL,
  content TEXT NOT NULL,
  embedding vector(%d) NOT NULL,
  metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
  tags TEXT[] NOT NULL DEFAULT '{}',
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  content_tsv tsvector GENERATED ALWAYS AS (to_tsvector('%s', content)) STORED
)`, table, ns.Dimension, p.textConfig),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops) WITH (m = %d, ef_construction = %d)`,
			pgx.Identifier{ns.Name + "_vec"}.Sanitize(), table, p.hnswM, p.hnswEFBuild),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING gin (content_tsv)`,
			pgx.Identifier{ns.Name + "_fts"}.Sanitize(), table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING gin (tags)`,
			pgx.Identifier{ns.Name + "_tag"}.Sanitize(), table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (created_at DESC, id DESC)`,
			pgx.Identifier{ns.Name + "_rec"}.Sanitize(), table),
	}
	for _, stmt := range statements {
		if _, err := p.pool.Exec(ctx, stmt); err != nil && !isCreateRace(err) {
			return nil, goerr.Wrap(classifyPostgres(err), "failed to create namespace table",
				goerr.V("namespace", ns.Name))
		}
	}

	// the registry row is written last so that it implies a usable table
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (name, tenant_id, project_id, dimension, metric, full_text, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (name) DO NOTHING`, pgx.Identifier{postgresRegistryTable}.Sanitize()),
		ns.Name, ns.TenantID, ns.ProjectID, ns.Dimension, ns.Metric, true, ns.CreatedAt)
	if err != nil {
		return nil, goerr.Wrap(classifyPostgres(err), "failed to register namespace", goerr.V("namespace", ns.Name))
	}

	return p.LookupNamespace(ctx, ns.Name)
}

func (p *Postgres) LookupNamespace(ctx context.Context, name string) (*model.Namespace, error) {
	ns := &model.Namespace{Name: name}
	err := p.pool.QueryRow(ctx, fmt.Sprintf(`SELECT tenant_id, project_id, dimension, metric, full_text, created_at
FROM %s WHERE name = $1`, pgx.Identifier{postgresRegistryTable}.Sanitize()), name).
		Scan(&ns.TenantID, &ns.ProjectID, &ns.Dimension, &ns.Metric, &ns.FullText, &ns.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, goerr.Wrap(model.ErrNotFound, "namespace not found", goerr.V("namespace", name))
	}
	if err != nil {
		return nil, goerr.Wrap(classifyPostgres(err), "failed to lookup namespace", goerr.V("namespace", name))
	}
	return ns, nil
}

func checkDimension(ns *model.Namespace, m *model.Memory) error {
	if len(m.Embedding) != ns.Dimension {
		return goerr.Wrap(model.ErrEmbeddingDimensionMismatch, "embedding dimension differs from namespace",
			goerr.V("namespace", ns.Name), goerr.V("expected", ns.Dimension), goerr.V("actual", len(m.Embedding)))
	}
	return nil
}

func encodeMetadata(m *model.Memory) (string, error) {
	if m.Metadata == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(m.Metadata)
	if err != nil {
		return "", goerr.Wrap(model.WithKind(model.ErrInvalidArgument, err), "metadata is not JSON serializable",
			goerr.V("id", m.ID))
	}
	return string(raw), nil
}

func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func (p *Postgres) PutMemory(ctx context.Context, ns *model.Namespace, m *model.Memory) error {
	if err := checkDimension(ns, m); err != nil {
		return err
	}
	metadata, err := encodeMetadata(m)
	if err != nil {
		return err
	}

	_, err = p.pool.Exec(ctx, fmt.Sprintf(`INSERT INTO %s
(id, tenant_id, project_id, content, embedding, metadata, tags, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9)`, p.table(ns)),
		string(m.ID), m.TenantID, m.ProjectID, m.Content, pgvector.NewVector(m.Embedding),
		metadata, tagsOrEmpty(m.Tags), m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return goerr.Wrap(classifyPostgres(err), "failed to insert memory",
			goerr.V("namespace", ns.Name), goerr.V("id", m.ID))
	}
	return nil
}

const memoryColumns = "id, tenant_id, project_id, content, embedding, metadata, tags, created_at, updated_at"

func scanMemory(row pgx.Row, extra ...any) (*model.Memory, error) {
	var (
		m        model.Memory
		id       string
		emb      pgvector.Vector
		metadata []byte
	)
	dest := append([]any{&id, &m.TenantID, &m.ProjectID, &m.Content, &emb, &metadata, &m.Tags, &m.CreatedAt, &m.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	m.ID = model.MemoryID(id)
	m.Embedding = emb.Slice()
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	if len(m.Tags) == 0 {
		m.Tags = nil
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
			return nil, goerr.Wrap(err, "invalid metadata in stored memory", goerr.V("id", id))
		}
		if len(m.Metadata) == 0 {
			m.Metadata = nil
		}
	}
	return &m, nil
}

func (p *Postgres) GetMemory(ctx context.Context, ns *model.Namespace, id model.MemoryID) (*model.Memory, error) {
	row := p.pool.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, memoryColumns, p.table(ns)), string(id))
	m, err := scanMemory(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, goerr.Wrap(model.ErrNotFound, "memory not found", goerr.V("id", id))
	}
	if err != nil {
		return nil, goerr.Wrap(classifyPostgres(err), "failed to get memory",
			goerr.V("namespace", ns.Name), goerr.V("id", id))
	}
	return m, nil
}

func (p *Postgres) ReplaceMemory(ctx context.Context, ns *model.Namespace, m *model.Memory) error {
	if err := checkDimension(ns, m); err != nil {
		return err
	}
	metadata, err := encodeMetadata(m)
	if err != nil {
		return err
	}

	tag, err := p.pool.Exec(ctx, fmt.Sprintf(`UPDATE %s
SET content = $2, embedding = $3, metadata = $4::jsonb, tags = $5, updated_at = $6
WHERE id = $1`, p.table(ns)),
		string(m.ID), m.Content, pgvector.NewVector(m.Embedding), metadata, tagsOrEmpty(m.Tags), m.UpdatedAt)
	if err != nil {
		return goerr.Wrap(classifyPostgres(err), "failed to replace memory",
			goerr.V("namespace", ns.Name), goerr.V("id", m.ID))
	}
	if tag.RowsAffected() == 0 {
		return goerr.Wrap(model.ErrNotFound, "memory not found", goerr.V("id", m.ID))
	}
	return nil
}

func (p *Postgres) DeleteMemory(ctx context.Context, ns *model.Namespace, id model.MemoryID) error {
	tag, err := p.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, p.table(ns)), string(id))
	if err != nil {
		return goerr.Wrap(classifyPostgres(err), "failed to delete memory",
			goerr.V("namespace", ns.Name), goerr.V("id", id))
	}
	if tag.RowsAffected() == 0 {
		return goerr.Wrap(model.ErrNotFound, "memory not found", goerr.V("id", id))
	}
	return nil
}

// whereClause renders the filter as SQL conditions with positional args
// starting after the ones already in args.
func whereClause(f *model.Filter, args []any) (string, []any, error) {
	conds := []string{"TRUE"}
	if f == nil {
		return conds[0], args, nil
	}
	if len(f.Tags) > 0 {
		args = append(args, f.Tags)
		conds = append(conds, fmt.Sprintf("tags @> $%d::text[]", len(args)))
	}
	if len(f.Metadata) > 0 {
		raw, err := json.Marshal(f.Metadata)
		if err != nil {
			return "", nil, goerr.Wrap(model.WithKind(model.ErrInvalidArgument, err), "metadata filter is not JSON serializable")
		}
		args = append(args, string(raw))
		conds = append(conds, fmt.Sprintf("metadata @> $%d::jsonb", len(args)))
	}
	if f.CreatedAfter != nil {
		args = append(args, *f.CreatedAfter)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if f.CreatedBefore != nil {
		args = append(args, *f.CreatedBefore)
		conds = append(conds, fmt.Sprintf("created_at < $%d", len(args)))
	}
	return strings.Join(conds, " AND "), args, nil
}

func (p *Postgres) ListMemories(ctx context.Context, ns *model.Namespace, q *ListQuery) ([]*model.Memory, error) {
	where, args, err := whereClause(q.Filter, nil)
	if err != nil {
		return nil, err
	}

	sql := fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY created_at DESC, id DESC`, memoryColumns, p.table(ns), where)
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		sql += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, goerr.Wrap(classifyPostgres(err), "failed to list memories", goerr.V("namespace", ns.Name))
	}
	defer rows.Close()

	var memories []*model.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, goerr.Wrap(classifyPostgres(err), "failed to scan memory", goerr.V("namespace", ns.Name))
		}
		memories = append(memories, m)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(classifyPostgres(err), "failed to list memories", goerr.V("namespace", ns.Name))
	}
	return memories, nil
}

// SearchMemories takes the union of the nearest neighbors and the best full
// text matches, each up to the limit, and scores every candidate on both.
func (p *Postgres) SearchMemories(ctx context.Context, ns *model.Namespace, q *SearchQuery) ([]*Hit, error) {
	if len(q.Embedding) != ns.Dimension {
		return nil, goerr.Wrap(model.ErrEmbeddingDimensionMismatch, "query dimension differs from namespace",
			goerr.V("expected", ns.Dimension), goerr.V("actual", len(q.Embedding)))
	}

	args := []any{pgvector.NewVector(q.Embedding), q.Text, q.Limit}
	where, args, err := whereClause(q.Filter, args)
	if err != nil {
		return nil, err
	}

	table := p.table(ns)
	tsQuery := fmt.Sprintf("plainto_tsquery('%s', $2)", p.textConfig)
	sql := fmt.Sprintf(`WITH vec AS (
  SELECT id FROM %[1]s WHERE %[2]s ORDER BY embedding <=> $1 LIMIT $3
), txt AS (
  SELECT id FROM %[1]s WHERE %[2]s AND $2 <> '' AND content_tsv @@ %[3]s
  ORDER BY ts_rank_cd(content_tsv, %[3]s, 32) DESC LIMIT $3
)
SELECT %[4]s, (embedding <=> $1)::float8 AS distance, ts_rank_cd(content_tsv, %[3]s, 32)::float8 AS text_score
FROM %[1]s WHERE id IN (SELECT id FROM vec UNION SELECT id FROM txt)`, table, where, tsQuery, memoryColumns)

	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, goerr.Wrap(classifyPostgres(err), "failed to search memories", goerr.V("namespace", ns.Name))
	}
	defer rows.Close()

	var hits []*Hit
	for rows.Next() {
		var distance, textScore float64
		m, err := scanMemory(rows, &distance, &textScore)
		if err != nil {
			return nil, goerr.Wrap(classifyPostgres(err), "failed to scan search hit", goerr.V("namespace", ns.Name))
		}
		hits = append(hits, &Hit{
			Memory:       m,
			Distance:     clampDistance(distance),
			TextScore:    min(max(textScore, 0), 1),
			HasTextScore: true,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(classifyPostgres(err), "failed to search memories", goerr.V("namespace", ns.Name))
	}
	return hits, nil
}
