package memory

import (
	"context"
	"testing"
)

func TestBruteForceIndexOrdering(t *testing.T) {
	ctx := context.Background()
	ix := NewBruteForceIndex(3)

	vectors := map[string][]float32{
		"a": {1, 0, 0},
		"b": {0.9, 0.1, 0},
		"c": {0, 1, 0},
		"d": {0, 0, 1},
	}
	for id, vec := range vectors {
		if err := ix.Insert(id, vec); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	if ix.Size() != 4 {
		t.Fatalf("size = %d, want 4", ix.Size())
	}

	got, err := ix.Candidates(ctx, []float32{1, 0, 0}, 10)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d candidates, want 4", len(got))
	}
	if got[0].ChunkID != "a" || got[1].ChunkID != "b" {
		t.Fatalf("nearest two = %s, %s; want a, b", got[0].ChunkID, got[1].ChunkID)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Distance < got[i-1].Distance {
			t.Fatalf("distances not ascending at %d: %v", i, got)
		}
	}

	seen := map[string]bool{}
	for _, c := range got {
		if seen[c.ChunkID] {
			t.Fatalf("duplicate chunk id %s in candidates", c.ChunkID)
		}
		seen[c.ChunkID] = true
	}
}

func TestBruteForceIndexTruncatesToK(t *testing.T) {
	ctx := context.Background()
	ix := NewBruteForceIndex(2)
	for _, id := range []string{"x", "y", "z"} {
		if err := ix.Insert(id, []float32{1, float32(len(id))}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	got, err := ix.Candidates(ctx, []float32{1, 1}, 2)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want k=2", len(got))
	}
}

func TestBruteForceIndexRejectsWrongDims(t *testing.T) {
	ix := NewBruteForceIndex(4)
	if err := ix.Insert("bad", []float32{1, 2}); err == nil {
		t.Fatalf("expected dimensionality error")
	}
}

func TestBruteForceIndexRemove(t *testing.T) {
	ctx := context.Background()
	ix := NewBruteForceIndex(2)
	_ = ix.Insert("gone", []float32{1, 0})
	ix.Remove("gone")
	got, err := ix.Candidates(ctx, []float32{1, 0}, 5)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("removed id still returned: %v", got)
	}
}

func TestAdaptiveCandidateCount(t *testing.T) {
	testcases := []struct {
		name       string
		topN       int
		corpusSize int
		want       int
	}{
		{"normal-expansion", 8, 10_000, 80},
		{"floor-applies", 1, 10_000, 32},
		{"ceiling-applies", 100, 10_000, 512},
		{"small-corpus-caps", 8, 20, 20},
		{"empty-corpus", 8, 0, 80},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			got := adaptiveCandidateCount(tc.topN, tc.corpusSize, 10, 32, 512)
			if got != tc.want {
				t.Fatalf("adaptiveCandidateCount(topN=%d, corpus=%d) = %d, want %d",
					tc.topN, tc.corpusSize, got, tc.want)
			}
		})
	}
}
