package adapter

import (
	"context"
	"errors"
	"net"

	"github.com/m-mizutani/memvault/pkg/model"
)

// Embedder turns a batch of texts into vectors, one per text in input order.
// Errors wrap model.ErrEmbeddingTransient when the same call may succeed
// later, and model.ErrEmbeddingFailed otherwise.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// classifyStatus maps an HTTP-like status code of a provider to an error class
func classifyStatus(code int, cause error) error {
	switch {
	case code == 408 || code == 429 || code >= 500:
		return model.WithKind(model.ErrEmbeddingTransient, cause)
	default:
		return model.WithKind(model.ErrEmbeddingFailed, cause)
	}
}

// classifyTransport handles errors raised before any status code was received
func classifyTransport(cause error) error {
	if errors.Is(cause, context.DeadlineExceeded) {
		return model.WithKind(model.ErrEmbeddingTransient, cause)
	}
	if errors.Is(cause, context.Canceled) {
		return model.WithKind(model.ErrEmbeddingFailed, cause)
	}
	var netErr net.Error
	if errors.As(cause, &netErr) {
		return model.WithKind(model.ErrEmbeddingTransient, cause)
	}
	var opErr *net.OpError
	if errors.As(cause, &opErr) {
		return model.WithKind(model.ErrEmbeddingTransient, cause)
	}
	return model.WithKind(model.ErrEmbeddingFailed, cause)
}
