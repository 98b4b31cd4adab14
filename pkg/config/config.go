package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/dotsetgreg/recall/pkg/memory"
)

// Config is the full startup configuration: engine constants, profile weight
// tables and storage paths. Loaded once at startup; immutable afterwards so
// an in-flight query never observes a partial reload.
type Config struct {
	DBPath         string `json:"db_path" env:"RECALL_DB_PATH"`
	LogLevel       string `json:"log_level" env:"RECALL_LOG_LEVEL"`
	EmbeddingModel string `json:"embedding_model" env:"RECALL_EMBEDDING_MODEL"`

	Retrieval RetrievalConfig         `json:"retrieval"`
	Scoring   ScoringConfig           `json:"scoring"`
	Citation  CitationConfig          `json:"citation"`
	Profiles  []memory.RankingProfile `json:"profiles"`
}

// RetrievalConfig tunes candidate fan-out, gating and caching.
type RetrievalConfig struct {
	ExpansionFactor  int     `json:"expansion_factor" env:"RECALL_EXPANSION_FACTOR"`
	MinCandidates    int     `json:"min_candidates" env:"RECALL_MIN_CANDIDATES"`
	MaxCandidates    int     `json:"max_candidates" env:"RECALL_MAX_CANDIDATES"`
	GateTimeoutMS    int     `json:"gate_timeout_ms" env:"RECALL_GATE_TIMEOUT_MS"`
	TieEpsilon       float64 `json:"tie_epsilon" env:"RECALL_TIE_EPSILON"`
	ScoreParallelism int     `json:"score_parallelism" env:"RECALL_SCORE_PARALLELISM"`
	CacheTTLSeconds  int     `json:"cache_ttl_seconds" env:"RECALL_CACHE_TTL_SECONDS"`
	CacheSize        int     `json:"cache_size" env:"RECALL_CACHE_SIZE"`
}

// ScoringConfig holds the empirical scoring constants. The distance bounds
// are fit per embedding model, not derived from a universal formula.
type ScoringConfig struct {
	DistanceMin         float64 `json:"distance_min" env:"RECALL_DISTANCE_MIN"`
	DistanceMax         float64 `json:"distance_max" env:"RECALL_DISTANCE_MAX"`
	RecencyHalfLifeHrs  int     `json:"recency_half_life_hours" env:"RECALL_RECENCY_HALF_LIFE_HOURS"`
	RecencyBasis        string  `json:"recency_basis" env:"RECALL_RECENCY_BASIS"`
	UsageRefreshSeconds int     `json:"usage_refresh_seconds" env:"RECALL_USAGE_REFRESH_SECONDS"`
}

// CitationConfig tunes quote span selection.
type CitationConfig struct {
	MinConfidence float64 `json:"min_confidence" env:"RECALL_CITATION_MIN_CONFIDENCE"`
	SummaryChars  int     `json:"summary_chars" env:"RECALL_CITATION_SUMMARY_CHARS"`
}

// Default returns a Config populated with the shipped defaults.
func Default() *Config {
	return &Config{
		DBPath:         filepath.Join(userHomeDir(), ".recall", "chunks.db"),
		LogLevel:       "info",
		EmbeddingModel: memory.ChargramModel,
		Retrieval: RetrievalConfig{
			ExpansionFactor:  10,
			MinCandidates:    32,
			MaxCandidates:    512,
			GateTimeoutMS:    2000,
			TieEpsilon:       1e-9,
			ScoreParallelism: 8,
			CacheTTLSeconds:  20,
			CacheSize:        256,
		},
		Scoring: ScoringConfig{
			DistanceMin:         0.0,
			DistanceMax:         1.0,
			RecencyHalfLifeHrs:  30 * 24,
			RecencyBasis:        string(memory.RecencyFromCreated),
			UsageRefreshSeconds: 60,
		},
		Citation: CitationConfig{
			MinConfidence: 0.3,
			SummaryChars:  200,
		},
		Profiles: memory.BuiltinProfiles(),
	}
}

// Load reads config from a JSON file (missing file means defaults) and then
// applies environment overrides. Malformed profiles or constants fail here,
// never at query time.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := json.Unmarshal(b, cfg); err != nil {
				return nil, fmt.Errorf("parse config json: %w", err)
			}
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configuration that must fail fast at startup.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("db_path is required")
	}
	if c.Scoring.DistanceMax <= c.Scoring.DistanceMin {
		return fmt.Errorf("distance_max (%v) must exceed distance_min (%v)",
			c.Scoring.DistanceMax, c.Scoring.DistanceMin)
	}
	if c.Scoring.RecencyHalfLifeHrs <= 0 {
		return errors.New("recency_half_life_hours must be positive")
	}
	switch memory.RecencyBasis(c.Scoring.RecencyBasis) {
	case memory.RecencyFromCreated, memory.RecencyFromLastAccessed:
	default:
		return fmt.Errorf("unknown recency_basis %q", c.Scoring.RecencyBasis)
	}
	if c.Citation.MinConfidence < 0 || c.Citation.MinConfidence > 1 {
		return fmt.Errorf("citation min_confidence %v outside [0,1]", c.Citation.MinConfidence)
	}
	if len(c.Profiles) == 0 {
		return errors.New("at least one ranking profile is required")
	}
	return nil
}

// ServiceConfig converts the loaded configuration into the engine's form.
func (c *Config) ServiceConfig() memory.ServiceConfig {
	return memory.ServiceConfig{
		DBPath:         c.DBPath,
		EmbeddingModel: c.EmbeddingModel,
		Profiles:       c.Profiles,
		Scoring: memory.ScoringConfig{
			DistanceMin:     c.Scoring.DistanceMin,
			DistanceMax:     c.Scoring.DistanceMax,
			RecencyHalfLife: time.Duration(c.Scoring.RecencyHalfLifeHrs) * time.Hour,
			RecencyBasis:    memory.RecencyBasis(c.Scoring.RecencyBasis),
		},
		Orchestrator: memory.OrchestratorConfig{
			ExpansionFactor:  c.Retrieval.ExpansionFactor,
			MinCandidates:    c.Retrieval.MinCandidates,
			MaxCandidates:    c.Retrieval.MaxCandidates,
			GateTimeout:      time.Duration(c.Retrieval.GateTimeoutMS) * time.Millisecond,
			TieEpsilon:       c.Retrieval.TieEpsilon,
			ScoreParallelism: c.Retrieval.ScoreParallelism,
		},
		Citations: memory.CitationConfig{
			MinConfidence: c.Citation.MinConfidence,
			SummaryChars:  c.Citation.SummaryChars,
		},
		UsageRefresh: time.Duration(c.Scoring.UsageRefreshSeconds) * time.Second,
		CacheTTL:     time.Duration(c.Retrieval.CacheTTLSeconds) * time.Second,
		CacheSize:    c.Retrieval.CacheSize,
	}
}

func userHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
