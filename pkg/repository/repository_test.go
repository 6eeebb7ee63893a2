package repository_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/memvault/pkg/model"
	"github.com/m-mizutani/memvault/pkg/namespace"
	"github.com/m-mizutani/memvault/pkg/repository"
)

const testDimension = 8

func basis(i int) []float32 {
	v := make([]float32, testDimension)
	v[i%testDimension] = 1
	return v
}

// blend returns a unit vector between two basis vectors
func blend(i, j int, w float32) []float32 {
	v := make([]float32, testDimension)
	n := float32(math.Sqrt(float64((1-w)*(1-w) + w*w)))
	v[i] = (1 - w) / n
	v[j] = w / n
	return v
}

func newNamespace(t *testing.T, ctx context.Context, repo repository.Repository) *model.Namespace {
	t.Helper()
	tenant := uuid.NewString()
	ns, err := repo.EnsureNamespace(ctx, &model.Namespace{
		Name:      namespace.Name("memvault_test_", tenant, "proj"),
		TenantID:  tenant,
		ProjectID: "proj",
		Dimension: testDimension,
		Metric:    model.MetricCosine,
		FullText:  repo.FullText(),
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	})
	gt.NoError(t, err)
	return ns
}

func newMemory(ns *model.Namespace, content string, emb []float32, createdAt time.Time, tags ...string) *model.Memory {
	return &model.Memory{
		ID:        model.NewMemoryID(),
		TenantID:  ns.TenantID,
		ProjectID: ns.ProjectID,
		Content:   content,
		Embedding: emb,
		Tags:      model.NormalizeTags(tags),
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func testRepository(t *testing.T, newRepo func(t *testing.T) repository.Repository) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("namespace", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)

		ns := newNamespace(t, ctx, repo)
		again, err := repo.EnsureNamespace(ctx, ns)
		gt.NoError(t, err)
		gt.Equal(t, again.TenantID, ns.TenantID)
		gt.Equal(t, again.Dimension, testDimension)

		found, err := repo.LookupNamespace(ctx, ns.Name)
		gt.NoError(t, err)
		gt.Equal(t, found.ProjectID, "proj")

		_, err = repo.LookupNamespace(ctx, namespace.Name("memvault_test_", uuid.NewString(), "none"))
		gt.True(t, errors.Is(err, model.ErrNotFound))
	})

	t.Run("put and get", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		ns := newNamespace(t, ctx, repo)

		m := newMemory(ns, "deploy runbook", basis(1), base, "ops", "runbook")
		m.Metadata = map[string]any{"source": "wiki", "score": 1.5}
		gt.NoError(t, repo.PutMemory(ctx, ns, m))

		got, err := repo.GetMemory(ctx, ns, m.ID)
		gt.NoError(t, err)
		gt.Equal(t, got.ID, m.ID)
		gt.Equal(t, got.Content, "deploy runbook")
		gt.Equal(t, got.Tags, []string{"ops", "runbook"})
		gt.Equal(t, got.Metadata["source"], any("wiki"))
		gt.True(t, model.MetadataEqual(got.Metadata["score"], 1.5))
		gt.True(t, got.CreatedAt.Equal(base))
		gt.A(t, got.Embedding).Length(testDimension)

		err = repo.PutMemory(ctx, ns, m)
		gt.True(t, errors.Is(err, model.ErrInvalidArgument))

		_, err = repo.GetMemory(ctx, ns, model.NewMemoryID())
		gt.True(t, errors.Is(err, model.ErrNotFound))
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		ns := newNamespace(t, ctx, repo)

		m := newMemory(ns, "short", []float32{1, 0}, base)
		err := repo.PutMemory(ctx, ns, m)
		gt.True(t, errors.Is(err, model.ErrEmbeddingDimensionMismatch))
	})

	t.Run("replace and delete", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		ns := newNamespace(t, ctx, repo)

		missing := newMemory(ns, "ghost", basis(0), base)
		gt.True(t, errors.Is(repo.ReplaceMemory(ctx, ns, missing), model.ErrNotFound))

		m := newMemory(ns, "before", basis(0), base, "a")
		gt.NoError(t, repo.PutMemory(ctx, ns, m))

		updated := m.Clone()
		updated.Content = "after"
		updated.Embedding = basis(3)
		updated.Tags = []string{"b"}
		updated.UpdatedAt = base.Add(time.Hour)
		gt.NoError(t, repo.ReplaceMemory(ctx, ns, updated))

		got, err := repo.GetMemory(ctx, ns, m.ID)
		gt.NoError(t, err)
		gt.Equal(t, got.Content, "after")
		gt.Equal(t, got.Tags, []string{"b"})
		gt.True(t, got.CreatedAt.Equal(base))
		gt.True(t, got.UpdatedAt.Equal(base.Add(time.Hour)))

		hits, err := repo.SearchMemories(ctx, ns, &repository.SearchQuery{Embedding: basis(3), Limit: 1})
		gt.NoError(t, err)
		gt.A(t, hits).Length(1)
		gt.Equal(t, hits[0].Memory.ID, m.ID)

		gt.NoError(t, repo.DeleteMemory(ctx, ns, m.ID))
		gt.True(t, errors.Is(repo.DeleteMemory(ctx, ns, m.ID), model.ErrNotFound))
		_, err = repo.GetMemory(ctx, ns, m.ID)
		gt.True(t, errors.Is(err, model.ErrNotFound))
	})

	t.Run("list", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		ns := newNamespace(t, ctx, repo)

		var ids []model.MemoryID
		for i := range 5 {
			tags := []string{"all"}
			if i%2 == 0 {
				tags = append(tags, "even")
			}
			m := newMemory(ns, fmt.Sprintf("note %d", i), basis(i), base.Add(time.Duration(i)*time.Minute), tags...)
			m.Metadata = map[string]any{"index": float64(i)}
			gt.NoError(t, repo.PutMemory(ctx, ns, m))
			ids = append(ids, m.ID)
		}

		all, err := repo.ListMemories(ctx, ns, &repository.ListQuery{})
		gt.NoError(t, err)
		gt.A(t, all).Length(5)
		for i, m := range all {
			gt.Equal(t, m.ID, ids[4-i])
		}

		page, err := repo.ListMemories(ctx, ns, &repository.ListQuery{Limit: 2, Offset: 1})
		gt.NoError(t, err)
		gt.A(t, page).Length(2)
		gt.Equal(t, page[0].ID, ids[3])
		gt.Equal(t, page[1].ID, ids[2])

		even, err := repo.ListMemories(ctx, ns, &repository.ListQuery{Filter: &model.Filter{Tags: []string{"even"}}})
		gt.NoError(t, err)
		gt.A(t, even).Length(3)

		byMeta, err := repo.ListMemories(ctx, ns, &repository.ListQuery{Filter: &model.Filter{Metadata: map[string]any{"index": 3}}})
		gt.NoError(t, err)
		gt.A(t, byMeta).Length(1)
		gt.Equal(t, byMeta[0].ID, ids[3])

		after := base.Add(time.Minute)
		before := base.Add(3 * time.Minute)
		ranged, err := repo.ListMemories(ctx, ns, &repository.ListQuery{Filter: &model.Filter{CreatedAfter: &after, CreatedBefore: &before}})
		gt.NoError(t, err)
		gt.A(t, ranged).Length(2)
		gt.Equal(t, ranged[0].ID, ids[2])
		gt.Equal(t, ranged[1].ID, ids[1])

		beyond, err := repo.ListMemories(ctx, ns, &repository.ListQuery{Offset: 10})
		gt.NoError(t, err)
		gt.A(t, beyond).Length(0)
	})

	t.Run("search", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		ns := newNamespace(t, ctx, repo)

		near := newMemory(ns, "near", blend(0, 1, 0.1), base, "keep")
		mid := newMemory(ns, "mid", blend(0, 1, 0.5), base.Add(time.Minute), "keep")
		far := newMemory(ns, "far", basis(5), base.Add(2*time.Minute))
		for _, m := range []*model.Memory{near, mid, far} {
			gt.NoError(t, repo.PutMemory(ctx, ns, m))
		}

		hits, err := repo.SearchMemories(ctx, ns, &repository.SearchQuery{Embedding: basis(0), Limit: 3})
		gt.NoError(t, err)
		gt.A(t, hits).Length(3)
		gt.Equal(t, hits[0].Memory.ID, near.ID)
		for _, h := range hits {
			gt.Number(t, h.Distance).GreaterOrEqual(0)
			gt.Number(t, h.Distance).LessOrEqual(2)
		}

		limited, err := repo.SearchMemories(ctx, ns, &repository.SearchQuery{Embedding: basis(5), Limit: 1})
		gt.NoError(t, err)
		gt.A(t, limited).Length(1)
		gt.Equal(t, limited[0].Memory.ID, far.ID)

		filtered, err := repo.SearchMemories(ctx, ns, &repository.SearchQuery{
			Embedding: basis(5),
			Limit:     3,
			Filter:    &model.Filter{Tags: []string{"keep"}},
		})
		gt.NoError(t, err)
		gt.A(t, filtered).Length(2)
		for _, h := range filtered {
			gt.NotEqual(t, h.Memory.ID, far.ID)
		}
	})

	t.Run("filtered search reaches distant matches", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		ns := newNamespace(t, ctx, repo)

		for i := range 12 {
			m := newMemory(ns, fmt.Sprintf("crowd %d", i), blend(0, 1, float32(i)/100), base.Add(time.Duration(i)*time.Second))
			m.Metadata = map[string]any{"kind": "noise"}
			gt.NoError(t, repo.PutMemory(ctx, ns, m))
		}
		target := newMemory(ns, "lonely", basis(7), base.Add(time.Hour), "rare")
		target.Metadata = map[string]any{"kind": "signal"}
		gt.NoError(t, repo.PutMemory(ctx, ns, target))

		byTag, err := repo.SearchMemories(ctx, ns, &repository.SearchQuery{
			Embedding: basis(0),
			Limit:     1,
			Filter:    &model.Filter{Tags: []string{"rare"}},
		})
		gt.NoError(t, err)
		gt.A(t, byTag).Length(1)
		gt.Equal(t, byTag[0].Memory.ID, target.ID)

		byMeta, err := repo.SearchMemories(ctx, ns, &repository.SearchQuery{
			Embedding: basis(0),
			Limit:     2,
			Filter:    &model.Filter{Metadata: map[string]any{"kind": "signal"}},
		})
		gt.NoError(t, err)
		gt.A(t, byMeta).Length(1)
		gt.Equal(t, byMeta[0].Memory.ID, target.ID)

		from := base.Add(30 * time.Minute)
		byTime, err := repo.SearchMemories(ctx, ns, &repository.SearchQuery{
			Embedding: basis(0),
			Limit:     1,
			Filter:    &model.Filter{CreatedAfter: &from},
		})
		gt.NoError(t, err)
		gt.A(t, byTime).Length(1)
		gt.Equal(t, byTime[0].Memory.ID, target.ID)

		listed, err := repo.ListMemories(ctx, ns, &repository.ListQuery{
			Limit:  5,
			Filter: &model.Filter{Metadata: map[string]any{"kind": "noise"}},
		})
		gt.NoError(t, err)
		gt.A(t, listed).Length(5)
		gt.Equal(t, listed[0].Content, "crowd 11")
		gt.Equal(t, listed[4].Content, "crowd 7")
	})
}

func TestChromem(t *testing.T) {
	testRepository(t, func(t *testing.T) repository.Repository {
		repo, err := repository.NewChromem()
		gt.NoError(t, err)
		return repo
	})
}

func TestChromemPersistent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	repo, err := repository.NewChromem(repository.WithChromemPath(dir, false))
	gt.NoError(t, err)
	ns := newNamespace(t, ctx, repo)
	m := newMemory(ns, "persisted", basis(2), time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	gt.NoError(t, repo.PutMemory(ctx, ns, m))
	gt.NoError(t, repo.Close())

	reopened, err := repository.NewChromem(repository.WithChromemPath(dir, false))
	gt.NoError(t, err)
	found, err := reopened.LookupNamespace(ctx, ns.Name)
	gt.NoError(t, err)
	gt.Equal(t, found.TenantID, ns.TenantID)

	got, err := reopened.GetMemory(ctx, found, m.ID)
	gt.NoError(t, err)
	gt.Equal(t, got.Content, "persisted")
}

func TestPostgres(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN is not set")
	}

	testRepository(t, func(t *testing.T) repository.Repository {
		repo, err := repository.NewPostgres(context.Background(), dsn)
		gt.NoError(t, err)
		t.Cleanup(func() { _ = repo.Close() })
		return repo
	})
}

func TestPostgresFullText(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN is not set")
	}
	ctx := context.Background()

	repo, err := repository.NewPostgres(ctx, dsn)
	gt.NoError(t, err)
	defer repo.Close()
	gt.True(t, repo.FullText())

	ns := newNamespace(t, ctx, repo)
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	kafka := newMemory(ns, "kafka consumer lag alert", basis(6), base)
	other := newMemory(ns, "weekly lunch menu", basis(0), base.Add(time.Second))
	gt.NoError(t, repo.PutMemory(ctx, ns, kafka))
	gt.NoError(t, repo.PutMemory(ctx, ns, other))

	// the vector points at other, the text at kafka; both must be candidates
	hits, err := repo.SearchMemories(ctx, ns, &repository.SearchQuery{
		Embedding: basis(0),
		Text:      "kafka lag",
		Limit:     1,
	})
	gt.NoError(t, err)
	gt.A(t, hits).Length(2)
	for _, h := range hits {
		gt.True(t, h.HasTextScore)
		if h.Memory.ID == kafka.ID {
			gt.Number(t, h.TextScore).GreaterOrEqual(0.01)
		} else {
			gt.Equal(t, h.TextScore, 0.0)
		}
	}
}

func TestFirestore(t *testing.T) {
	projectID := os.Getenv("TEST_FIRESTORE_PROJECT_ID")
	databaseID := os.Getenv("TEST_FIRESTORE_DATABASE_ID")
	if projectID == "" || databaseID == "" {
		t.Skip("TEST_FIRESTORE_PROJECT_ID and TEST_FIRESTORE_DATABASE_ID must be set to run Firestore tests")
	}

	testRepository(t, func(t *testing.T) repository.Repository {
		repo, err := repository.NewFirestore(context.Background(), projectID, databaseID)
		gt.NoError(t, err)
		t.Cleanup(func() { _ = repo.Close() })
		return repo
	})
}

func TestPage(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	gt.Equal(t, repository.Page(items, 0, 0), items)
	gt.Equal(t, repository.Page(items, 1, 2), []int{2, 3})
	gt.Equal(t, repository.Page(items, 4, 10), []int{5})
	gt.A(t, repository.Page(items, 5, 1)).Length(0)
}
