package memory

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfileRegistryRenormalizes(t *testing.T) {
	testcases := []struct {
		name    string
		weights ProfileWeights
		wantErr bool
	}{
		{
			name:    "already-normalized",
			weights: ProfileWeights{Semantic: 0.4, Recency: 0.2, Confidence: 0.2, Priority: 0.2},
		},
		{
			name:    "sums-above-one",
			weights: ProfileWeights{Semantic: 2, Recency: 1, Confidence: 1},
		},
		{
			name:    "sums-below-one",
			weights: ProfileWeights{Semantic: 0.1, Priority: 0.1},
		},
		{
			name:    "all-zero",
			weights: ProfileWeights{},
			wantErr: true,
		},
		{
			name:    "negative-weight",
			weights: ProfileWeights{Semantic: 0.5, Recency: -0.1, Confidence: 0.6},
			wantErr: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			reg, err := NewProfileRegistry([]RankingProfile{
				{Name: "general", Weights: tc.weights},
			}, nil)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			got := reg.Get("general")
			assert.InDelta(t, 1.0, got.Weights.sum(), 1e-6, "weights must sum to 1 after renormalization")
		})
	}
}

func TestProfileRegistryRequiresGeneral(t *testing.T) {
	_, err := NewProfileRegistry([]RankingProfile{
		{Name: "business", Weights: ProfileWeights{Semantic: 1}},
	}, nil)
	require.Error(t, err)
}

func TestProfileRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewProfileRegistry([]RankingProfile{
		{Name: "general", Weights: ProfileWeights{Semantic: 1}},
		{Name: "General", Weights: ProfileWeights{Recency: 1}},
	}, nil)
	require.Error(t, err)
}

func TestProfileRegistryUnknownFallsBack(t *testing.T) {
	reg, err := NewProfileRegistry(BuiltinProfiles(), nil)
	require.NoError(t, err)

	got := reg.Get("does-not-exist")
	assert.Equal(t, DefaultProfileName, got.Name)

	empty := reg.Get("")
	assert.Equal(t, DefaultProfileName, empty.Name)

	business := reg.Get("Business")
	assert.Equal(t, "business", business.Name)
}

func TestBuiltinProfilesAllValid(t *testing.T) {
	reg, err := NewProfileRegistry(BuiltinProfiles(), nil)
	require.NoError(t, err)
	for _, name := range reg.Names() {
		p := reg.Get(name)
		assert.InDelta(t, 1.0, p.Weights.sum(), 1e-6, "profile %s", name)
	}
}

func TestBlendBreakdownAddsUp(t *testing.T) {
	p := RankingProfile{Name: "general", Weights: ProfileWeights{
		Semantic: 0.4, Recency: 0.2, Confidence: 0.2, Priority: 0.1, Usage: 0.1,
	}}
	final, br := p.Blend(ComponentScores{
		Semantic: 0.8, Recency: 0.5, Confidence: 0.9, Priority: 1.0, Usage: 0.2,
	})
	sum := br.Semantic.Weighted + br.Recency.Weighted + br.Confidence.Weighted +
		br.Priority.Weighted + br.Usage.Weighted + br.Dimension.Weighted
	if math.Abs(final-sum) > 1e-9 {
		t.Fatalf("final %v does not equal breakdown sum %v", final, sum)
	}
	if br.Semantic.Weighted != 0.4*0.8 {
		t.Fatalf("semantic weighted = %v, want %v", br.Semantic.Weighted, 0.4*0.8)
	}
}

// When the dimension component was never computed its weight redistributes so
// final scores stay on the same scale within a query.
func TestBlendRedistributesUnscoredDimension(t *testing.T) {
	p := RankingProfile{Name: "researcher", Weights: ProfileWeights{
		Semantic: 0.5, Recency: 0.2, Confidence: 0.2, Dimension: 0.1,
	}}
	final, br := p.Blend(ComponentScores{
		Semantic: 1.0, Recency: 1.0, Confidence: 1.0, DimensionScored: false,
	})
	assert.InDelta(t, 1.0, final, 1e-9, "perfect components must blend to 1 without dimension")
	assert.Zero(t, br.Dimension.Weight)
}
