package memory

import "context"

// ChunkStore provides durable persistence for memory chunks.
type ChunkStore interface {
	Close() error

	PutChunk(ctx context.Context, chunk MemoryChunk) error
	GetChunk(ctx context.Context, id string) (MemoryChunk, error)
	// DeleteChunk tombstones the id. Tombstoned ids are never reused and
	// never hydrated again.
	DeleteChunk(ctx context.Context, id string) error
	SetImportance(ctx context.Context, id string, importance float64) error

	// HydrateChunks returns the chunks for the given ids. Ids that are
	// missing or tombstoned are silently absent from the result; that is an
	// expected race with concurrent deletion, not an error.
	HydrateChunks(ctx context.Context, ids []string) (map[string]MemoryChunk, error)
	// HydrateMeta is the metadata-only fast path: like HydrateChunks but
	// with Content and Embedding left empty.
	HydrateMeta(ctx context.Context, ids []string) (map[string]MemoryChunk, error)

	// ListChunks iterates live chunks in id order for index rebuilds.
	ListChunks(ctx context.Context, limit, offset int) ([]MemoryChunk, error)

	// RecordAccess bumps access_count and last_accessed_at for the ids.
	// Best effort; callers fire and forget.
	RecordAccess(ctx context.Context, ids []string, atMS int64) error

	MaxAccessCount(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (StoreStats, error)
}

// VectorIndex wraps an ANN index. Candidates returns hits ordered ascending
// by index-native distance, without duplicate chunk ids, truncated to k only
// when the index holds fewer than k vectors.
type VectorIndex interface {
	Insert(id string, vector []float32) error
	Remove(id string)
	Size() int
	Candidates(ctx context.Context, query []float32, k int) ([]Candidate, error)
}

// Embedder turns text into a fixed-length vector, deterministically per model.
type Embedder interface {
	ModelID() string
	Dims() int
	Embed(text string) []float32
}

// AccessGate is the authorization/decryption boundary consulted before a
// chunk is exposed. Stateless from the engine's perspective.
type AccessGate interface {
	Allow(ctx context.Context, chunkID string, auth AuthContext) bool
}

// Retriever runs the full ranked retrieval pipeline.
type Retriever interface {
	Retrieve(ctx context.Context, query string, opts RetrieveOptions) ([]RankedResult, error)
}
