package model

import (
	"errors"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
)

var (
	ErrInvalidIdentifier          = goerr.New("invalid identifier")
	ErrInvalidArgument            = goerr.New("invalid argument")
	ErrInvalidQuery               = goerr.New("invalid query")
	ErrConfiguration              = goerr.New("configuration error")
	ErrEmbeddingDimensionMismatch = goerr.New("embedding dimension mismatch")
	ErrEmbeddingTransient         = goerr.New("embedding provider temporarily unavailable")
	ErrEmbeddingFailed            = goerr.New("embedding failed")
	ErrNotFound                   = goerr.New("not found")
	ErrStoreUnavailable           = goerr.New("store unavailable")
)

// Kind names an error class in a form stable enough for CLI and tool output.
type Kind string

const (
	KindInvalidIdentifier          Kind = "invalid_identifier"
	KindInvalidArgument            Kind = "invalid_argument"
	KindInvalidQuery               Kind = "invalid_query"
	KindConfiguration              Kind = "configuration_error"
	KindEmbeddingDimensionMismatch Kind = "embedding_dimension_mismatch"
	KindEmbeddingTransient         Kind = "embedding_transient"
	KindEmbeddingFailed            Kind = "embedding_failed"
	KindNotFound                   Kind = "not_found"
	KindStoreUnavailable           Kind = "store_unavailable"
	KindInternal                   Kind = "internal"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	// order matters: a mismatch is reported before the generic embedding failure
	{ErrInvalidIdentifier, KindInvalidIdentifier},
	{ErrInvalidQuery, KindInvalidQuery},
	{ErrInvalidArgument, KindInvalidArgument},
	{ErrEmbeddingDimensionMismatch, KindEmbeddingDimensionMismatch},
	{ErrConfiguration, KindConfiguration},
	{ErrEmbeddingTransient, KindEmbeddingTransient},
	{ErrEmbeddingFailed, KindEmbeddingFailed},
	{ErrNotFound, KindNotFound},
	{ErrStoreUnavailable, KindStoreUnavailable},
}

// KindOf returns the class of err, or KindInternal when err is not one of
// the declared sentinels.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// Retryable reports whether the caller may retry the same operation later.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindEmbeddingTransient, KindStoreUnavailable:
		return true
	}
	return false
}

// WithKind marks cause as belonging to the class of sentinel while keeping
// cause reachable through errors.Is and errors.As.
func WithKind(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}
