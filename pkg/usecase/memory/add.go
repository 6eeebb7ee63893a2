package memory

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memvault/pkg/model"
	"github.com/m-mizutani/memvault/pkg/namespace"
	"github.com/m-mizutani/memvault/pkg/utils/logging"
	"golang.org/x/sync/errgroup"
)

type AddInput struct {
	TenantID  string
	ProjectID string
	Content   string
	Metadata  map[string]any
	Tags      []string
}

// BatchResult is the outcome of one AddBatch item. Exactly one of Memory
// and Err is set.
type BatchResult struct {
	Memory *model.Memory
	Err    error
}

func validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return goerr.Wrap(model.ErrInvalidArgument, "content must not be empty")
	}
	return nil
}

func validateMetadata(metadata map[string]any) error {
	if len(metadata) == 0 {
		return nil
	}
	if _, err := json.Marshal(metadata); err != nil {
		return goerr.Wrap(model.WithKind(model.ErrInvalidArgument, err), "metadata must be JSON serializable")
	}
	return nil
}

func validatePair(tenantID, projectID string) error {
	if err := namespace.ValidateIdentifier("tenant_id", tenantID); err != nil {
		return err
	}
	return namespace.ValidateIdentifier("project_id", projectID)
}

// Add embeds the content and stores a new record with it in a single write.
// Nothing is written when embedding fails.
func (u *UseCase) Add(ctx context.Context, in AddInput) (*model.Memory, error) {
	if err := validatePair(in.TenantID, in.ProjectID); err != nil {
		return nil, err
	}
	if err := validateContent(in.Content); err != nil {
		return nil, err
	}
	if err := validateMetadata(in.Metadata); err != nil {
		return nil, err
	}

	vector, err := u.embedder.EmbedOne(ctx, in.Content)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed content",
			goerr.V("tenant_id", in.TenantID), goerr.V("project_id", in.ProjectID))
	}

	ctx, ns, err := u.resolve(ctx, in.TenantID, in.ProjectID, true)
	if err != nil {
		return nil, err
	}

	now := u.timestamp()
	m := &model.Memory{
		ID:        model.NewMemoryID(),
		TenantID:  in.TenantID,
		ProjectID: in.ProjectID,
		Content:   in.Content,
		Embedding: vector,
		Metadata:  in.Metadata,
		Tags:      model.NormalizeTags(in.Tags),
		CreatedAt: now,
		UpdatedAt: now,
	}
	m = m.Clone()

	// an insert is not idempotent, a failure is surfaced as is
	err = u.storeCall(ctx, "put", false, func(ctx context.Context) error {
		return u.repo.PutMemory(ctx, ns, m)
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to store memory", goerr.V("id", m.ID))
	}

	logging.From(ctx).Info("memory added", "id", m.ID, "tags", m.Tags)
	return m.Clone(), nil
}

// AddBatch adds every input with a bounded number of workers. Results are
// in input order and one failure does not abort the others.
func (u *UseCase) AddBatch(ctx context.Context, inputs []AddInput) []BatchResult {
	results := make([]BatchResult, len(inputs))

	var eg errgroup.Group
	eg.SetLimit(u.cfg.BatchWorkers)
	for i, in := range inputs {
		eg.Go(func() error {
			m, err := u.Add(ctx, in)
			results[i] = BatchResult{Memory: m, Err: err}
			return nil
		})
	}
	_ = eg.Wait()

	var failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	logging.From(ctx).Debug("batch added", "total", len(inputs), "failed", failed)
	return results
}
