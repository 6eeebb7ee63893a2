package memory

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memvault/pkg/model"
	"github.com/m-mizutani/memvault/pkg/repository"
	"github.com/m-mizutani/memvault/pkg/utils/logging"
)

type SearchInput struct {
	TenantID  string
	ProjectID string
	Query     string
	Filter    *model.Filter
	Limit     int
}

// Search ranks the records of a pair against a natural language query.
// Stores with full text support contribute a text score that is fused
// with the vector similarity; other stores rank on similarity alone.
func (u *UseCase) Search(ctx context.Context, in SearchInput) ([]*model.ScoredMemory, error) {
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return nil, goerr.Wrap(model.ErrInvalidQuery, "query must not be empty")
	}
	if in.Limit <= 0 {
		return nil, goerr.Wrap(model.ErrInvalidArgument, "limit must be positive", goerr.V("limit", in.Limit))
	}
	limit := min(in.Limit, u.cfg.MaxSearchLimit)

	ctx, ns, err := u.resolve(ctx, in.TenantID, in.ProjectID, false)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return []*model.ScoredMemory{}, nil
		}
		return nil, err
	}

	vector, err := u.embedder.EmbedOne(ctx, query)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed query")
	}

	q := &repository.SearchQuery{
		Embedding: vector,
		Filter:    in.Filter,
		Limit:     limit,
	}
	if ns.FullText {
		q.Text = query
	}

	var hits []*repository.Hit
	err = u.storeCall(ctx, "search", true, func(ctx context.Context) error {
		var err error
		hits, err = u.repo.SearchMemories(ctx, ns, q)
		return err
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to search memories")
	}

	results := make([]*model.ScoredMemory, 0, len(hits))
	for _, hit := range hits {
		if !ns.Owns(hit.Memory) {
			continue
		}
		scored := u.score(hit)
		if scored.Score < u.cfg.MinScore {
			continue
		}
		results = append(results, scored)
	}
	SortScored(results)
	if len(results) > limit {
		results = results[:limit]
	}

	logging.From(ctx).Debug("searched memories", "candidates", len(hits), "results", len(results),
		"full_text", ns.FullText)
	return results, nil
}

// VectorSimilarity maps cosine distance in [0, 2] to a similarity in [0, 1]
func VectorSimilarity(distance float64) float64 {
	return min(max(1-distance/2, 0), 1)
}

func (u *UseCase) score(hit *repository.Hit) *model.ScoredMemory {
	vectorScore := VectorSimilarity(hit.Distance)
	scored := &model.ScoredMemory{
		Memory:      hit.Memory,
		Score:       vectorScore,
		VectorScore: vectorScore,
	}
	if hit.HasTextScore {
		text := min(max(hit.TextScore, 0), 1)
		scored.TextScore = text
		scored.Score = (u.cfg.VectorWeight*vectorScore + u.cfg.TextWeight*text) /
			(u.cfg.VectorWeight + u.cfg.TextWeight)
	}
	return scored
}

// SortScored orders by score desc, then CreatedAt desc, then ID asc
func SortScored(results []*model.ScoredMemory) {
	slices.SortStableFunc(results, func(a, b *model.ScoredMemory) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := b.Memory.CreatedAt.Compare(a.Memory.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Memory.ID, b.Memory.ID)
	})
}
