package memory

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/charmbracelet/log"
)

// RecencyBasis selects which chunk timestamp drives recency decay.
type RecencyBasis string

const (
	RecencyFromCreated      RecencyBasis = "created"
	RecencyFromLastAccessed RecencyBasis = "last_accessed"
)

// ScoringConfig holds the tunable constants of the scoring engine.
type ScoringConfig struct {
	// DistanceMin/DistanceMax map the index-native distance range onto
	// [0,1]. The bounds are empirical per embedding model and deliberately
	// configuration, not formula.
	DistanceMin float64
	DistanceMax float64

	RecencyHalfLife time.Duration
	RecencyBasis    RecencyBasis

	// Strict makes out-of-range component scores panic instead of
	// clamp-and-warn. Tests enable it; production leaves it off.
	Strict bool
}

// DefaultScoringConfig matches the built-in cosine-distance index.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		DistanceMin:     0.0,
		DistanceMax:     1.0,
		RecencyHalfLife: 30 * 24 * time.Hour,
		RecencyBasis:    RecencyFromCreated,
	}
}

// ScoringEngine computes the independent per-chunk relevance components.
// Each component is inspectable on its own; blending is the profile's job.
type ScoringEngine struct {
	cfg    ScoringConfig
	logger *log.Logger
}

func NewScoringEngine(cfg ScoringConfig, logger *log.Logger) *ScoringEngine {
	if cfg.DistanceMax <= cfg.DistanceMin {
		cfg.DistanceMax = cfg.DistanceMin + 1
	}
	if cfg.RecencyHalfLife <= 0 {
		cfg.RecencyHalfLife = 30 * 24 * time.Hour
	}
	if cfg.RecencyBasis == "" {
		cfg.RecencyBasis = RecencyFromCreated
	}
	if logger == nil {
		logger = log.Default()
	}
	return &ScoringEngine{cfg: cfg, logger: logger}
}

// ScoreInputs carries the per-query context a single chunk is scored against.
type ScoreInputs struct {
	Distance        float64
	NowMS           int64
	CorpusMaxAccess int64
	DimensionFilter DimensionFilter
	// ScoreDimensions forces dimension alignment even without a filter
	// (set when the active profile weights the component).
	ScoreDimensions bool
}

// Score computes all components for one hydrated chunk.
func (e *ScoringEngine) Score(chunk MemoryChunk, in ScoreInputs) ComponentScores {
	s := ComponentScores{
		Semantic:   e.checked("semantic", chunk.ID, e.semanticScore(in.Distance)),
		Recency:    e.checked("recency", chunk.ID, e.recencyScore(chunk, in.NowMS)),
		Confidence: e.checked("confidence", chunk.ID, chunk.Confidence),
		Priority:   e.checked("priority", chunk.ID, chunk.Importance),
		Usage:      e.checked("usage", chunk.ID, usageScore(chunk.AccessCount, in.CorpusMaxAccess)),
	}
	if len(in.DimensionFilter) > 0 || in.ScoreDimensions {
		s.Dimension = e.checked("dimension", chunk.ID, dimensionAlignment(in.DimensionFilter, chunk.DimensionScores))
		s.DimensionScored = true
	}
	return s
}

// semanticScore maps index-native distance to similarity. Values beyond the
// configured bounds clamp rather than extrapolate.
func (e *ScoringEngine) semanticScore(distance float64) float64 {
	span := e.cfg.DistanceMax - e.cfg.DistanceMin
	norm := (distance - e.cfg.DistanceMin) / span
	if norm < 0 {
		norm = 0
	}
	if norm > 1 {
		norm = 1
	}
	return 1 - norm
}

// recencyScore decays exponentially so a chunk exactly one half-life old
// scores 0.5.
func (e *ScoringEngine) recencyScore(chunk MemoryChunk, nowMS int64) float64 {
	basis := chunk.CreatedAtMS
	if e.cfg.RecencyBasis == RecencyFromLastAccessed && chunk.LastAccessedAtMS > 0 {
		basis = chunk.LastAccessedAtMS
	}
	ageMS := float64(nowMS - basis)
	if ageMS < 0 {
		ageMS = 0
	}
	halfLifeMS := float64(e.cfg.RecencyHalfLife / time.Millisecond)
	return math.Exp(-math.Ln2 * ageMS / halfLifeMS)
}

// usageScore scales access counts logarithmically against the corpus-wide
// maximum so heavily used corpora do not saturate the component.
func usageScore(accessCount, corpusMax int64) float64 {
	if accessCount <= 0 || corpusMax <= 0 {
		return 0
	}
	if accessCount > corpusMax {
		// Snapshot is refreshed on an interval; a chunk can briefly race
		// past the cached maximum.
		accessCount = corpusMax
	}
	return math.Log1p(float64(accessCount)) / math.Log1p(float64(corpusMax))
}

// dimensionAlignment is the cosine similarity between the query's inferred
// dimension weights and the chunk's dimension scores, restricted to
// dimensions present in both. No shared dimensions scores zero.
func dimensionAlignment(filter DimensionFilter, scores map[string]float64) float64 {
	if len(filter) == 0 || len(scores) == 0 {
		return 0
	}
	shared := make([]string, 0, len(filter))
	for name := range filter {
		if _, ok := scores[name]; ok {
			shared = append(shared, name)
		}
	}
	if len(shared) == 0 {
		return 0
	}
	sort.Strings(shared)
	var dot, qn, cn float64
	for _, name := range shared {
		q, c := filter[name], scores[name]
		dot += q * c
		qn += q * q
		cn += c * c
	}
	if qn == 0 || cn == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(qn) * math.Sqrt(cn))
	if cos < 0 {
		return 0
	}
	if cos > 1 {
		return 1
	}
	return cos
}

// checked enforces the [0,1] component contract: a violation is a programming
// error, so strict mode panics while release mode clamps and warns.
func (e *ScoringEngine) checked(component, chunkID string, v float64) float64 {
	if v >= 0 && v <= 1 {
		return v
	}
	if e.cfg.Strict {
		panic(fmt.Sprintf("score component %s out of range for chunk %s: %v", component, chunkID, v))
	}
	e.logger.Warn("clamping out-of-range score component",
		"component", component, "chunk_id", chunkID, "value", v)
	if v > 1 {
		return 1
	}
	// Negatives and NaN both floor to zero; an invalid value must never rank
	// as maximally relevant.
	return 0
}
