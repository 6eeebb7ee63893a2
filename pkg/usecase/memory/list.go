package memory

import (
	"context"
	"errors"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memvault/pkg/model"
	"github.com/m-mizutani/memvault/pkg/repository"
)

type ListInput struct {
	TenantID  string
	ProjectID string
	Filter    *model.Filter
	Limit     int
	Offset    int
}

// List returns the records of a pair, newest first
func (u *UseCase) List(ctx context.Context, in ListInput) ([]*model.Memory, error) {
	if in.Offset < 0 {
		return nil, goerr.Wrap(model.ErrInvalidArgument, "offset must not be negative", goerr.V("offset", in.Offset))
	}
	limit := in.Limit
	if limit <= 0 {
		limit = u.cfg.DefaultListLimit
	}
	limit = min(limit, u.cfg.MaxListLimit)

	ctx, ns, err := u.resolve(ctx, in.TenantID, in.ProjectID, false)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return []*model.Memory{}, nil
		}
		return nil, err
	}

	return u.list(ctx, ns, in.Filter, limit, in.Offset)
}

func (u *UseCase) list(ctx context.Context, ns *model.Namespace, filter *model.Filter, limit, offset int) ([]*model.Memory, error) {
	var memories []*model.Memory
	err := u.storeCall(ctx, "list", true, func(ctx context.Context) error {
		var err error
		memories, err = u.repo.ListMemories(ctx, ns, &repository.ListQuery{
			Filter: filter,
			Limit:  limit,
			Offset: offset,
		})
		return err
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list memories")
	}

	owned := make([]*model.Memory, 0, len(memories))
	for _, m := range memories {
		if ns.Owns(m) {
			owned = append(owned, m)
		}
	}
	return owned, nil
}
