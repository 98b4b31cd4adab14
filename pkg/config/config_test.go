package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dotsetgreg/recall/pkg/memory"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.DBPath == "" {
		t.Fatalf("default db path empty")
	}
	if cfg.Scoring.RecencyHalfLifeHrs != 30*24 {
		t.Fatalf("half life = %d hours, want %d", cfg.Scoring.RecencyHalfLifeHrs, 30*24)
	}
	if len(cfg.Profiles) == 0 {
		t.Fatalf("default config ships no profiles")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.EmbeddingModel != memory.ChargramModel {
		t.Fatalf("embedding model = %q, want default", cfg.EmbeddingModel)
	}
}

func TestLoadFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"db_path": "/tmp/recall-test.db",
		"log_level": "debug",
		"scoring": {
			"distance_min": 0.05,
			"distance_max": 0.9,
			"recency_half_life_hours": 168,
			"recency_basis": "last_accessed",
			"usage_refresh_seconds": 30
		}
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != "/tmp/recall-test.db" || cfg.LogLevel != "debug" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Scoring.DistanceMax != 0.9 || cfg.Scoring.RecencyBasis != "last_accessed" {
		t.Fatalf("scoring overrides not applied: %+v", cfg.Scoring)
	}
	// Untouched sections keep their defaults.
	if cfg.Retrieval.MaxCandidates != 512 {
		t.Fatalf("retrieval defaults lost: %+v", cfg.Retrieval)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"db_path": "/tmp/from-file.db"}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("RECALL_DB_PATH", "/tmp/from-env.db")
	t.Setenv("RECALL_MAX_CANDIDATES", "64")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != "/tmp/from-env.db" {
		t.Fatalf("env did not win over file: %q", cfg.DBPath)
	}
	if cfg.Retrieval.MaxCandidates != 64 {
		t.Fatalf("env int override not applied: %d", cfg.Retrieval.MaxCandidates)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty db path", func(c *Config) { c.DBPath = "" }},
		{"inverted distance bounds", func(c *Config) { c.Scoring.DistanceMin = 0.8; c.Scoring.DistanceMax = 0.2 }},
		{"zero half life", func(c *Config) { c.Scoring.RecencyHalfLifeHrs = 0 }},
		{"unknown recency basis", func(c *Config) { c.Scoring.RecencyBasis = "modified" }},
		{"confidence above one", func(c *Config) { c.Citation.MinConfidence = 1.5 }},
		{"no profiles", func(c *Config) { c.Profiles = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestServiceConfigConversion(t *testing.T) {
	cfg := Default()
	cfg.Scoring.RecencyHalfLifeHrs = 48
	cfg.Retrieval.GateTimeoutMS = 500

	sc := cfg.ServiceConfig()
	if sc.Scoring.RecencyHalfLife.Hours() != 48 {
		t.Fatalf("half life conversion: %v", sc.Scoring.RecencyHalfLife)
	}
	if sc.Orchestrator.GateTimeout.Milliseconds() != 500 {
		t.Fatalf("gate timeout conversion: %v", sc.Orchestrator.GateTimeout)
	}
	if sc.DBPath != cfg.DBPath {
		t.Fatalf("db path not carried over")
	}
}
