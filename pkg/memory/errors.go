package memory

import "errors"

var (
	// ErrInvalidTopN rejects retrieval calls asking for a non-positive result count.
	ErrInvalidTopN = errors.New("top_n must be positive")

	// ErrChunkNotFound indicates a single-chunk lookup missed.
	ErrChunkNotFound = errors.New("chunk not found")

	// ErrChunkTombstoned indicates a write tried to reuse a deleted chunk id.
	ErrChunkTombstoned = errors.New("chunk id is tombstoned")

	// ErrDimensionMismatch indicates an embedding of the wrong length.
	ErrDimensionMismatch = errors.New("embedding dimensionality mismatch")

	// ErrIndexUnavailable wraps systemic vector index failures.
	ErrIndexUnavailable = errors.New("vector index unavailable")
)
