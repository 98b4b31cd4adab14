package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// BruteForceIndex is the in-process VectorIndex implementation: exact cosine
// distance over normalized vectors. It exists so the engine runs without an
// external ANN service; the orchestrator only sees the VectorIndex interface.
type BruteForceIndex struct {
	dims int

	mu      sync.RWMutex
	vectors map[string][]float32
}

// NewBruteForceIndex creates an empty index with fixed dimensionality.
func NewBruteForceIndex(dims int) *BruteForceIndex {
	return &BruteForceIndex{
		dims:    dims,
		vectors: make(map[string][]float32),
	}
}

// Insert adds or replaces a vector. The stored copy is normalized so that
// distance reduces to 1 - dot.
func (ix *BruteForceIndex) Insert(id string, vector []float32) error {
	if err := validateEmbedding(vector, ix.dims); err != nil {
		return fmt.Errorf("index insert %s: %w", id, err)
	}
	stored := make([]float32, len(vector))
	copy(stored, vector)
	normalizeVector(stored)

	ix.mu.Lock()
	ix.vectors[id] = stored
	ix.mu.Unlock()
	return nil
}

func (ix *BruteForceIndex) Remove(id string) {
	ix.mu.Lock()
	delete(ix.vectors, id)
	ix.mu.Unlock()
}

func (ix *BruteForceIndex) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.vectors)
}

// Candidates returns up to k hits ordered ascending by cosine distance.
// Chunk ids are unique by construction (map-backed). Equal distances order
// by id so repeated calls over identical state agree.
func (ix *BruteForceIndex) Candidates(ctx context.Context, query []float32, k int) ([]Candidate, error) {
	if k <= 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := make([]float32, len(query))
	copy(q, query)
	normalizeVector(q)

	ix.mu.RLock()
	out := make([]Candidate, 0, len(ix.vectors))
	for id, vec := range ix.vectors {
		out = append(out, Candidate{ChunkID: id, Distance: 1 - cosineSimilarity(q, vec)})
	}
	ix.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance == out[j].Distance {
			return out[i].ChunkID < out[j].ChunkID
		}
		return out[i].Distance < out[j].Distance
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// adaptiveCandidateCount sizes the oversized candidate pool. Over-fetching
// protects chunks that rank well on non-semantic factors (a pinned but
// semantically distant memory); small corpora cap at corpus size.
func adaptiveCandidateCount(topN, corpusSize, expansionFactor, minCandidates, maxCandidates int) int {
	if expansionFactor <= 0 {
		expansionFactor = 10
	}
	if minCandidates <= 0 {
		minCandidates = 32
	}
	if maxCandidates < minCandidates {
		maxCandidates = minCandidates
	}
	k := topN * expansionFactor
	if k < minCandidates {
		k = minCandidates
	}
	if k > maxCandidates {
		k = maxCandidates
	}
	if corpusSize > 0 && k > corpusSize {
		k = corpusSize
	}
	return k
}
