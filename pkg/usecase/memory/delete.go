package memory

import (
	"context"
	"errors"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memvault/pkg/model"
	"github.com/m-mizutani/memvault/pkg/utils/logging"
)

// Delete removes a record. Deleting a missing record is model.ErrNotFound.
func (u *UseCase) Delete(ctx context.Context, tenantID, projectID string, id model.MemoryID) error {
	if id == "" {
		return goerr.Wrap(model.ErrInvalidArgument, "memory id is required")
	}

	ctx, ns, err := u.resolve(ctx, tenantID, projectID, false)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return goerr.Wrap(model.ErrNotFound, "memory not found", goerr.V("id", id))
		}
		return err
	}

	unlock := u.locks.Lock(ns.Name + "/" + string(id))
	defer unlock()

	err = u.storeCall(ctx, "delete", true, func(ctx context.Context) error {
		return u.repo.DeleteMemory(ctx, ns, id)
	})
	if err != nil {
		return err
	}

	logging.From(ctx).Info("memory deleted", "id", id)
	return nil
}
