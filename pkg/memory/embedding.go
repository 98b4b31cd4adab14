package memory

import (
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

// Built-in embedding models. Real deployments plug an external provider in
// through the Embedder interface; these local models keep the engine fully
// functional offline and deterministic in tests.
const (
	ChargramModel = "recall-chargram-384-v1"
	HashModel     = "recall-hash-256-v1"
)

var wordPattern = regexp.MustCompile(`[A-Za-z0-9_\-]+`)

// NewEmbedder returns a built-in embedder by model name. Unknown names fall
// back to the chargram model.
func NewEmbedder(model string) Embedder {
	switch strings.ToLower(strings.TrimSpace(model)) {
	case HashModel, "hash", "hash-256":
		return &hashEmbedder{dims: 256}
	default:
		return &chargramEmbedder{dims: 384}
	}
}

// hashEmbedder projects word tokens onto a signed random-ish basis via FNV.
type hashEmbedder struct {
	dims int
}

func (e *hashEmbedder) ModelID() string { return HashModel }
func (e *hashEmbedder) Dims() int       { return e.dims }

func (e *hashEmbedder) Embed(text string) []float32 {
	vec := make([]float32, e.dims)
	for _, tok := range splitWords(text) {
		sum := fnvSum("w:" + tok)
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		vec[sum%uint64(e.dims)] += sign
	}
	normalizeVector(vec)
	return vec
}

// chargramEmbedder mixes character trigrams with whole-token features, which
// tolerates typos better than pure word hashing.
type chargramEmbedder struct {
	dims int
}

func (e *chargramEmbedder) ModelID() string { return ChargramModel }
func (e *chargramEmbedder) Dims() int       { return e.dims }

func (e *chargramEmbedder) Embed(text string) []float32 {
	vec := make([]float32, e.dims)
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return vec
	}
	padded := "#" + normalized + "#"
	for i := 0; i+3 <= len(padded); i++ {
		vec[fnvSum(padded[i:i+3])%uint64(e.dims)]++
	}
	for _, tok := range splitWords(normalized) {
		vec[fnvSum("tok:"+tok)%uint64(e.dims)] += 1.25
	}
	normalizeVector(vec)
	return vec
}

func fnvSum(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

func splitWords(text string) []string {
	text = strings.ToLower(text)
	words := wordPattern.FindAllString(text, -1)
	if len(words) == 0 && strings.TrimSpace(text) != "" {
		return []string{strings.TrimSpace(text)}
	}
	return words
}

// validateEmbedding checks a vector against the deployment's fixed
// dimensionality. Called at ingestion; retrieval assumes validity.
func validateEmbedding(vec []float32, dims int) error {
	if len(vec) != dims {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), dims)
	}
	return nil
}

func vectorNorm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

func normalizeVector(vec []float32) {
	n := vectorNorm(vec)
	if n == 0 {
		return
	}
	inv := float32(1.0 / n)
	for i := range vec {
		vec[i] *= inv
	}
}

// cosineSimilarity over the shared prefix; inputs are expected normalized.
func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}
