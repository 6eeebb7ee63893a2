package memory

import (
	"context"
	"errors"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memvault/pkg/model"
	"github.com/m-mizutani/memvault/pkg/utils/logging"
)

// UpdateInput replaces the supplied fields. A nil field is left unchanged;
// a non-nil empty Metadata or Tags clears it.
type UpdateInput struct {
	TenantID  string
	ProjectID string
	ID        model.MemoryID
	Content   *string
	Metadata  *map[string]any
	Tags      *[]string
}

// Update builds the new state of the record aside and publishes it with a
// single replace, so readers see either the old or the new record. The
// embedding is regenerated only when the content changes.
func (u *UseCase) Update(ctx context.Context, in UpdateInput) (*model.Memory, error) {
	if in.Content == nil && in.Metadata == nil && in.Tags == nil {
		return nil, goerr.Wrap(model.ErrInvalidArgument, "nothing to update", goerr.V("id", in.ID))
	}
	if in.Content != nil {
		if err := validateContent(*in.Content); err != nil {
			return nil, err
		}
	}
	if in.Metadata != nil {
		if err := validateMetadata(*in.Metadata); err != nil {
			return nil, err
		}
	}

	ctx, ns, err := u.resolve(ctx, in.TenantID, in.ProjectID, false)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, goerr.Wrap(model.ErrNotFound, "memory not found", goerr.V("id", in.ID))
		}
		return nil, err
	}

	unlock := u.locks.Lock(ns.Name + "/" + string(in.ID))
	defer unlock()

	current, err := u.get(ctx, ns, in.ID)
	if err != nil {
		return nil, err
	}

	next := current.Clone()
	if in.Content != nil && *in.Content != current.Content {
		vector, err := u.embedder.EmbedOne(ctx, *in.Content)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to embed updated content", goerr.V("id", in.ID))
		}
		next.Content = *in.Content
		next.Embedding = vector
	}
	if in.Metadata != nil {
		next.Metadata = nil
		if len(*in.Metadata) > 0 {
			next.Metadata = make(map[string]any, len(*in.Metadata))
			for k, v := range *in.Metadata {
				next.Metadata[k] = v
			}
		}
	}
	if in.Tags != nil {
		next.Tags = model.NormalizeTags(*in.Tags)
	}

	next.UpdatedAt = u.timestamp()
	if next.UpdatedAt.Before(current.UpdatedAt) {
		next.UpdatedAt = current.UpdatedAt
	}

	err = u.storeCall(ctx, "replace", false, func(ctx context.Context) error {
		return u.repo.ReplaceMemory(ctx, ns, next)
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to replace memory", goerr.V("id", in.ID))
	}

	logging.From(ctx).Info("memory updated", "id", in.ID, "reembedded", next.Content != current.Content)
	return next.Clone(), nil
}
