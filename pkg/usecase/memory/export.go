package memory

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memvault/pkg/model"
	"github.com/m-mizutani/memvault/pkg/utils/logging"
)

// Export writes every record of a pair to w as JSON lines, newest first, and
// returns the number of records written. A pair without a namespace exports
// nothing.
func (u *UseCase) Export(ctx context.Context, tenantID, projectID string, w io.Writer) (int, error) {
	ctx, ns, err := u.resolve(ctx, tenantID, projectID, false)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}

	enc := json.NewEncoder(w)
	var count int
	for offset := 0; ; {
		page, err := u.list(ctx, ns, nil, u.cfg.MaxListLimit, offset)
		if err != nil {
			return count, err
		}
		for _, m := range page {
			if err := enc.Encode(m); err != nil {
				return count, goerr.Wrap(err, "failed to write exported memory", goerr.V("id", m.ID))
			}
			count++
		}
		if len(page) < u.cfg.MaxListLimit {
			break
		}
		offset += len(page)
	}

	logging.From(ctx).Info("memories exported", "count", count)
	return count, nil
}
