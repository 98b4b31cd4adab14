package memory

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
)

// DefaultProfileName is the fallback for unspecified or unknown profiles.
const DefaultProfileName = "general"

const weightSumTolerance = 1e-6

// ProfileWeights maps each score component to its share of the final score.
// Weights are non-negative and sum to 1.0 after load-time renormalization.
type ProfileWeights struct {
	Semantic   float64 `json:"semantic"`
	Recency    float64 `json:"recency"`
	Confidence float64 `json:"confidence"`
	Priority   float64 `json:"priority"`
	Usage      float64 `json:"usage"`
	Dimension  float64 `json:"dimension_alignment"`
}

func (w ProfileWeights) sum() float64 {
	return w.Semantic + w.Recency + w.Confidence + w.Priority + w.Usage + w.Dimension
}

// RankingProfile is a named weighting configuration. Immutable after load.
type RankingProfile struct {
	Name    string         `json:"name"`
	Weights ProfileWeights `json:"weights"`
}

// Blend folds component scores into the final score plus its breakdown.
// When the dimension component was not computed, its weight is redistributed
// proportionally across the remaining components so final scores stay
// comparable within one query.
func (p RankingProfile) Blend(s ComponentScores) (float64, ScoreBreakdown) {
	w := p.Weights
	if !s.DimensionScored && w.Dimension > 0 {
		rest := w.sum() - w.Dimension
		if rest > 0 {
			scale := 1 / rest
			w.Semantic *= scale
			w.Recency *= scale
			w.Confidence *= scale
			w.Priority *= scale
			w.Usage *= scale
		}
		w.Dimension = 0
	}

	br := ScoreBreakdown{
		Semantic:   ComponentScore{Raw: s.Semantic, Weight: w.Semantic, Weighted: w.Semantic * s.Semantic},
		Recency:    ComponentScore{Raw: s.Recency, Weight: w.Recency, Weighted: w.Recency * s.Recency},
		Confidence: ComponentScore{Raw: s.Confidence, Weight: w.Confidence, Weighted: w.Confidence * s.Confidence},
		Priority:   ComponentScore{Raw: s.Priority, Weight: w.Priority, Weighted: w.Priority * s.Priority},
		Usage:      ComponentScore{Raw: s.Usage, Weight: w.Usage, Weighted: w.Usage * s.Usage},
		Dimension:  ComponentScore{Raw: s.Dimension, Weight: w.Dimension, Weighted: w.Dimension * s.Dimension},
	}
	final := br.Semantic.Weighted + br.Recency.Weighted + br.Confidence.Weighted +
		br.Priority.Weighted + br.Usage.Weighted + br.Dimension.Weighted
	return final, br
}

// ProfileRegistry holds the closed set of profiles loaded at startup.
// Profile selection is a pure per-query lookup, never a mutation.
type ProfileRegistry struct {
	profiles map[string]RankingProfile
	logger   *log.Logger
}

// NewProfileRegistry validates and renormalizes the given profiles. A
// profile whose weights cannot renormalize (zero or negative sum, negative
// component) is a configuration error and fails startup. A "general"
// profile must be present.
func NewProfileRegistry(profiles []RankingProfile, logger *log.Logger) (*ProfileRegistry, error) {
	if logger == nil {
		logger = log.Default()
	}
	reg := &ProfileRegistry{
		profiles: make(map[string]RankingProfile, len(profiles)),
		logger:   logger,
	}
	for _, p := range profiles {
		name := strings.ToLower(strings.TrimSpace(p.Name))
		if name == "" {
			return nil, fmt.Errorf("profile with empty name")
		}
		if _, dup := reg.profiles[name]; dup {
			return nil, fmt.Errorf("duplicate profile %q", name)
		}
		normalized, err := normalizeWeights(p.Weights)
		if err != nil {
			return nil, fmt.Errorf("profile %q: %w", name, err)
		}
		if math.Abs(p.Weights.sum()-1.0) > weightSumTolerance {
			logger.Warn("renormalized profile weights",
				"profile", name, "sum", p.Weights.sum())
		}
		reg.profiles[name] = RankingProfile{Name: name, Weights: normalized}
	}
	if _, ok := reg.profiles[DefaultProfileName]; !ok {
		return nil, fmt.Errorf("profile set must include %q", DefaultProfileName)
	}
	return reg, nil
}

// Get resolves a profile by name. Unknown or empty names fall back to the
// default profile with a logged warning, never an error.
func (r *ProfileRegistry) Get(name string) RankingProfile {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return r.profiles[DefaultProfileName]
	}
	if p, ok := r.profiles[key]; ok {
		return p
	}
	r.logger.Warn("unknown ranking profile, using default", "profile", name)
	return r.profiles[DefaultProfileName]
}

// Names lists the loaded profile names, sorted.
func (r *ProfileRegistry) Names() []string {
	out := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func normalizeWeights(w ProfileWeights) (ProfileWeights, error) {
	for _, v := range []float64{w.Semantic, w.Recency, w.Confidence, w.Priority, w.Usage, w.Dimension} {
		if v < 0 || math.IsNaN(v) {
			return ProfileWeights{}, fmt.Errorf("negative or NaN weight")
		}
	}
	sum := w.sum()
	if sum <= 0 {
		return ProfileWeights{}, fmt.Errorf("weights sum to %v, cannot renormalize", sum)
	}
	return ProfileWeights{
		Semantic:   w.Semantic / sum,
		Recency:    w.Recency / sum,
		Confidence: w.Confidence / sum,
		Priority:   w.Priority / sum,
		Usage:      w.Usage / sum,
		Dimension:  w.Dimension / sum,
	}, nil
}

// BuiltinProfiles are the default profile tables shipped with the engine.
func BuiltinProfiles() []RankingProfile {
	return []RankingProfile{
		{Name: "general", Weights: ProfileWeights{Semantic: 0.45, Recency: 0.20, Confidence: 0.15, Priority: 0.15, Usage: 0.05}},
		{Name: "researcher", Weights: ProfileWeights{Semantic: 0.50, Recency: 0.05, Confidence: 0.25, Priority: 0.10, Usage: 0.05, Dimension: 0.05}},
		{Name: "business", Weights: ProfileWeights{Semantic: 0.40, Recency: 0.20, Confidence: 0.20, Priority: 0.20}},
		{Name: "legal", Weights: ProfileWeights{Semantic: 0.35, Recency: 0.10, Confidence: 0.35, Priority: 0.15, Usage: 0.05}},
	}
}
