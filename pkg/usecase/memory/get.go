package memory

import (
	"context"
	"errors"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memvault/pkg/model"
)

func (u *UseCase) Get(ctx context.Context, tenantID, projectID string, id model.MemoryID) (*model.Memory, error) {
	ctx, ns, err := u.resolve(ctx, tenantID, projectID, false)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, goerr.Wrap(model.ErrNotFound, "memory not found", goerr.V("id", id))
		}
		return nil, err
	}
	return u.get(ctx, ns, id)
}

func (u *UseCase) get(ctx context.Context, ns *model.Namespace, id model.MemoryID) (*model.Memory, error) {
	if id == "" {
		return nil, goerr.Wrap(model.ErrInvalidArgument, "memory id is required")
	}

	var m *model.Memory
	err := u.storeCall(ctx, "get", true, func(ctx context.Context) error {
		var err error
		m, err = u.repo.GetMemory(ctx, ns, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	if !ns.Owns(m) {
		return nil, goerr.Wrap(model.ErrNotFound, "memory not found", goerr.V("id", id))
	}
	return m, nil
}
