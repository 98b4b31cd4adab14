package memory

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubIndex struct {
	candidates []Candidate
	err        error
}

func (s *stubIndex) Insert(string, []float32) error { return nil }
func (s *stubIndex) Remove(string)                  {}
func (s *stubIndex) Size() int                      { return len(s.candidates) }

func (s *stubIndex) Candidates(ctx context.Context, _ []float32, k int) ([]Candidate, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]Candidate, len(s.candidates))
	copy(out, s.candidates)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func testOrchestrator(t *testing.T, store ChunkStore, index VectorIndex, gate AccessGate) *RankingOrchestrator {
	t.Helper()
	profiles, err := NewProfileRegistry(BuiltinProfiles(), nil)
	if err != nil {
		t.Fatalf("profile registry: %v", err)
	}
	scoring := DefaultScoringConfig()
	scoring.Strict = true
	return NewRankingOrchestrator(
		store, index, NewEmbedder(ChargramModel),
		NewScoringEngine(scoring, nil),
		profiles, gate, nil, nil,
		DefaultOrchestratorConfig(), nil)
}

func putScored(t *testing.T, store ChunkStore, id string, importance, confidence float64, ageDays int, nowMS int64) {
	t.Helper()
	err := store.PutChunk(context.Background(), MemoryChunk{
		ID:          id,
		Content:     "chunk " + id,
		Embedding:   []float32{1, 0, 0},
		Type:        MemoryDocument,
		Importance:  importance,
		Confidence:  confidence,
		CreatedAtMS: nowMS - int64(ageDays)*24*3600*1000,
	})
	if err != nil {
		t.Fatalf("put %s: %v", id, err)
	}
}

func TestRetrieveRejectsInvalidTopN(t *testing.T) {
	o := testOrchestrator(t, testStore(t), &stubIndex{}, nil)
	for _, topN := range []int{0, -3} {
		_, err := o.Retrieve(context.Background(), "query", RetrieveOptions{TopN: topN})
		if !errors.Is(err, ErrInvalidTopN) {
			t.Fatalf("topN=%d: got %v, want ErrInvalidTopN", topN, err)
		}
	}
}

func TestRetrieveEmptyCandidatesIsNotAnError(t *testing.T) {
	o := testOrchestrator(t, testStore(t), &stubIndex{}, nil)
	got, err := o.Retrieve(context.Background(), "anything", RetrieveOptions{TopN: 5})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty result, got %d", len(got))
	}
}

func TestRetrieveIndexFailurePropagates(t *testing.T) {
	o := testOrchestrator(t, testStore(t), &stubIndex{err: errors.New("index down")}, nil)
	_, err := o.Retrieve(context.Background(), "anything", RetrieveOptions{TopN: 5})
	if !errors.Is(err, ErrIndexUnavailable) {
		t.Fatalf("got %v, want ErrIndexUnavailable", err)
	}
}

func TestRetrieveDeterministicOrdering(t *testing.T) {
	store := testStore(t)
	now := time.Now().UnixMilli()

	// Five chunks scoring identically on every component: the id tie-break
	// must produce the same order on every call.
	ids := []string{"m-3", "m-1", "m-5", "m-2", "m-4"}
	index := &stubIndex{}
	for _, id := range ids {
		putScored(t, store, id, 0.5, 0.5, 10, now)
		index.candidates = append(index.candidates, Candidate{ChunkID: id, Distance: 0.2})
	}
	o := testOrchestrator(t, store, index, nil)

	var baseline []string
	for run := 0; run < 5; run++ {
		got, err := o.Retrieve(context.Background(), "query", RetrieveOptions{TopN: 5, NowMS: now})
		if err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
		order := make([]string, len(got))
		for i, r := range got {
			order[i] = r.Chunk.ID
		}
		if run == 0 {
			baseline = order
			continue
		}
		for i := range order {
			if order[i] != baseline[i] {
				t.Fatalf("run %d order %v differs from baseline %v", run, order, baseline)
			}
		}
	}
	for i, want := range []string{"m-1", "m-2", "m-3", "m-4", "m-5"} {
		if baseline[i] != want {
			t.Fatalf("tie-break order = %v, want ascending ids", baseline)
		}
	}
}

func TestRetrievePriorityMonotonicity(t *testing.T) {
	store := testStore(t)
	now := time.Now().UnixMilli()
	index := &stubIndex{candidates: []Candidate{
		{ChunkID: "target", Distance: 0.5},
		{ChunkID: "other-a", Distance: 0.3},
		{ChunkID: "other-b", Distance: 0.4},
	}}
	putScored(t, store, "target", 0.1, 0.5, 20, now)
	putScored(t, store, "other-a", 0.5, 0.5, 20, now)
	putScored(t, store, "other-b", 0.5, 0.5, 20, now)
	o := testOrchestrator(t, store, index, nil)

	rankOf := func(t *testing.T) int {
		got, err := o.Retrieve(context.Background(), "query", RetrieveOptions{TopN: 3, NowMS: now})
		if err != nil {
			t.Fatalf("retrieve: %v", err)
		}
		for i, r := range got {
			if r.Chunk.ID == "target" {
				return i
			}
		}
		t.Fatalf("target missing from results")
		return -1
	}

	before := rankOf(t)
	if err := store.SetImportance(context.Background(), "target", 0.9); err != nil {
		t.Fatalf("set importance: %v", err)
	}
	after := rankOf(t)
	if after > before {
		t.Fatalf("raising importance moved target from rank %d to %d", before, after)
	}
}

func TestRetrieveGateRespected(t *testing.T) {
	store := testStore(t)
	now := time.Now().UnixMilli()
	index := &stubIndex{candidates: []Candidate{
		{ChunkID: "first", Distance: 0.1},
		{ChunkID: "blocked", Distance: 0.2},
		{ChunkID: "third", Distance: 0.3},
	}}
	for _, id := range []string{"first", "blocked", "third"} {
		putScored(t, store, id, 0.5, 0.5, 5, now)
	}
	gate := GateFunc(func(_ context.Context, chunkID string, _ AuthContext) bool {
		return chunkID != "blocked"
	})
	o := testOrchestrator(t, store, index, gate)

	got, err := o.Retrieve(context.Background(), "query", RetrieveOptions{TopN: 2, NowMS: now})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	// The rejected chunk shrinks the result set; "third" must not be
	// backfilled from the candidate pool.
	if len(got) != 1 {
		t.Fatalf("got %d results, want 1 (no backfill)", len(got))
	}
	if got[0].Chunk.ID != "first" {
		t.Fatalf("surviving result = %s, want first", got[0].Chunk.ID)
	}
}

func TestRetrieveGateTimeoutRejectsChunkOnly(t *testing.T) {
	store := testStore(t)
	now := time.Now().UnixMilli()
	index := &stubIndex{candidates: []Candidate{
		{ChunkID: "fast", Distance: 0.1},
		{ChunkID: "slow", Distance: 0.2},
	}}
	putScored(t, store, "fast", 0.5, 0.5, 5, now)
	putScored(t, store, "slow", 0.5, 0.5, 5, now)

	gate := GateFunc(func(ctx context.Context, chunkID string, _ AuthContext) bool {
		if chunkID == "slow" {
			<-ctx.Done()
			return true
		}
		return true
	})
	profiles, err := NewProfileRegistry(BuiltinProfiles(), nil)
	if err != nil {
		t.Fatalf("profile registry: %v", err)
	}
	cfg := DefaultOrchestratorConfig()
	cfg.GateTimeout = 20 * time.Millisecond
	o := NewRankingOrchestrator(store, index, NewEmbedder(ChargramModel),
		NewScoringEngine(DefaultScoringConfig(), nil), profiles, gate, nil, nil, cfg, nil)

	got, err := o.Retrieve(context.Background(), "query", RetrieveOptions{TopN: 2, NowMS: now})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got) != 1 || got[0].Chunk.ID != "fast" {
		t.Fatalf("gate timeout should drop only the slow chunk, got %+v", got)
	}
}

func TestRetrieveToleratesPartialHydration(t *testing.T) {
	store := testStore(t)
	now := time.Now().UnixMilli()
	index := &stubIndex{candidates: []Candidate{
		{ChunkID: "exists", Distance: 0.1},
		{ChunkID: "deleted-after-indexing", Distance: 0.2},
	}}
	putScored(t, store, "exists", 0.5, 0.5, 5, now)
	o := testOrchestrator(t, store, index, nil)

	got, err := o.Retrieve(context.Background(), "query", RetrieveOptions{TopN: 5, NowMS: now})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got) != 1 || got[0].Chunk.ID != "exists" {
		t.Fatalf("partial hydration mishandled: %+v", got)
	}
}

func TestRetrieveCancellation(t *testing.T) {
	store := testStore(t)
	now := time.Now().UnixMilli()
	index := &stubIndex{candidates: []Candidate{{ChunkID: "a", Distance: 0.1}}}
	putScored(t, store, "a", 0.5, 0.5, 5, now)
	o := testOrchestrator(t, store, index, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.Retrieve(ctx, "query", RetrieveOptions{TopN: 1, NowMS: now})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

// Regression scenario: query "cybersecurity risk" under the business profile.
// A is close and fresh, B is pinned but old and distant, C is closest but
// ancient. C must never rank first once its recency has decayed away.
func TestRetrieveBusinessScenario(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	now := time.Now().UnixMilli()
	index := &stubIndex{candidates: []Candidate{
		{ChunkID: "C", Distance: 0.05},
		{ChunkID: "A", Distance: 0.1},
		{ChunkID: "B", Distance: 0.6},
	}}
	putScored(t, store, "A", 0.0, 0.5, 10, now)
	putScored(t, store, "B", 1.0, 0.5, 200, now)
	putScored(t, store, "C", 0.0, 0.5, 400, now)
	o := testOrchestrator(t, store, index, nil)

	got, err := o.Retrieve(ctx, "cybersecurity risk", RetrieveOptions{
		TopN: 3, Profile: "business", NowMS: now,
	})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d results, want 3", len(got))
	}
	if got[0].Chunk.ID == "C" {
		t.Fatalf("ancient chunk C ranked first despite decayed recency: %+v", got)
	}
	if got[0].Chunk.ID != "A" && got[0].Chunk.ID != "B" {
		t.Fatalf("first result = %s, want A or B", got[0].Chunk.ID)
	}

	// Breakdown must expose each component's contribution.
	for _, r := range got {
		if r.Chunk.ID == "B" && r.Breakdown.Priority.Raw != 1.0 {
			t.Fatalf("pinned chunk B priority raw = %v, want 1.0", r.Breakdown.Priority.Raw)
		}
	}
}

func TestRetrieveDimensionFilterChangesOrder(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	now := time.Now().UnixMilli()
	index := &stubIndex{candidates: []Candidate{
		{ChunkID: "useful", Distance: 0.3},
		{ChunkID: "risky", Distance: 0.3},
	}}
	put := func(id string, dims map[string]float64) {
		err := store.PutChunk(ctx, MemoryChunk{
			ID: id, Content: "chunk " + id, Embedding: []float32{1, 0, 0},
			Confidence: 0.5, CreatedAtMS: now, DimensionScores: dims,
		})
		if err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	put("useful", map[string]float64{"utility": 0.95, "risk": 0.05})
	put("risky", map[string]float64{"utility": 0.05, "risk": 0.95})
	o := testOrchestrator(t, store, index, nil)

	got, err := o.Retrieve(ctx, "query", RetrieveOptions{
		TopN:            2,
		Profile:         "researcher",
		NowMS:           now,
		DimensionFilter: DimensionFilter{"utility": 1.0, "risk": 0.1},
	})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got) != 2 || got[0].Chunk.ID != "useful" {
		t.Fatalf("dimension filter ignored: %+v", got)
	}
}

func TestRetrieveReportsHits(t *testing.T) {
	store := testStore(t)
	now := time.Now().UnixMilli()
	index := &stubIndex{candidates: []Candidate{{ChunkID: "hit", Distance: 0.1}}}
	putScored(t, store, "hit", 0.5, 0.5, 5, now)
	o := testOrchestrator(t, store, index, nil)

	var recorded []string
	o.SetHitRecorder(func(ids []string, atMS int64) {
		recorded = append(recorded, ids...)
	})
	if _, err := o.Retrieve(context.Background(), "query", RetrieveOptions{TopN: 1, NowMS: now}); err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(recorded) != 1 || recorded[0] != "hit" {
		t.Fatalf("hit recorder got %v, want [hit]", recorded)
	}
}
