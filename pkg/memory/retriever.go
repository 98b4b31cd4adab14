package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

// OrchestratorConfig tunes the two-stage retrieval pipeline.
type OrchestratorConfig struct {
	// ExpansionFactor multiplies the requested top-n into the oversized
	// candidate pool fetched from the index.
	ExpansionFactor int
	MinCandidates   int
	MaxCandidates   int
	// GateTimeout bounds each access-gate call; a timed-out gate check
	// rejects that chunk, not the query.
	GateTimeout time.Duration
	// TieEpsilon is the final-score distance within which the deterministic
	// tie-break chain applies.
	TieEpsilon float64
	// ScoreParallelism bounds concurrent component scoring per query.
	ScoreParallelism int
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		ExpansionFactor:  10,
		MinCandidates:    32,
		MaxCandidates:    512,
		GateTimeout:      2 * time.Second,
		TieEpsilon:       1e-9,
		ScoreParallelism: 8,
	}
}

// RankingOrchestrator drives retrieval: candidate fan-out, hydration,
// scoring, blending, deterministic sort, gate filtering and citations.
type RankingOrchestrator struct {
	store     ChunkStore
	index     VectorIndex
	embedder  Embedder
	engine    *ScoringEngine
	profiles  *ProfileRegistry
	gate      AccessGate
	usage     *UsageTracker
	citations *CitationSelector
	cfg       OrchestratorConfig
	logger    *log.Logger

	// onHit receives the ids of returned chunks; wired to an async
	// recorder so the read path never blocks on access bookkeeping.
	onHit func(ids []string, atMS int64)
}

func NewRankingOrchestrator(
	store ChunkStore,
	index VectorIndex,
	embedder Embedder,
	engine *ScoringEngine,
	profiles *ProfileRegistry,
	gate AccessGate,
	usage *UsageTracker,
	citations *CitationSelector,
	cfg OrchestratorConfig,
	logger *log.Logger,
) *RankingOrchestrator {
	if gate == nil {
		gate = AllowAllGate{}
	}
	if cfg.ExpansionFactor <= 0 {
		cfg.ExpansionFactor = 10
	}
	if cfg.GateTimeout <= 0 {
		cfg.GateTimeout = 2 * time.Second
	}
	if cfg.TieEpsilon <= 0 {
		cfg.TieEpsilon = 1e-9
	}
	if cfg.ScoreParallelism <= 0 {
		cfg.ScoreParallelism = 8
	}
	if logger == nil {
		logger = log.Default()
	}
	return &RankingOrchestrator{
		store:     store,
		index:     index,
		embedder:  embedder,
		engine:    engine,
		profiles:  profiles,
		gate:      gate,
		usage:     usage,
		citations: citations,
		cfg:       cfg,
		logger:    logger,
	}
}

// SetHitRecorder wires the fire-and-forget access recorder.
func (o *RankingOrchestrator) SetHitRecorder(fn func(ids []string, atMS int64)) {
	o.onHit = fn
}

type scoredChunk struct {
	chunk      MemoryChunk
	finalScore float64
	breakdown  ScoreBreakdown
}

// Retrieve runs the full pipeline for one query.
func (o *RankingOrchestrator) Retrieve(ctx context.Context, query string, opts RetrieveOptions) ([]RankedResult, error) {
	if opts.TopN <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidTopN, opts.TopN)
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return []RankedResult{}, nil
	}
	if opts.NowMS == 0 {
		opts.NowMS = time.Now().UnixMilli()
	}
	profile := o.profiles.Get(opts.Profile)

	queryVec := o.embedder.Embed(query)

	k := adaptiveCandidateCount(opts.TopN, o.index.Size(),
		o.cfg.ExpansionFactor, o.cfg.MinCandidates, o.cfg.MaxCandidates)
	candidates, err := o.index.Candidates(ctx, queryVec, k)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	if len(candidates) == 0 {
		return []RankedResult{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ChunkID
	}
	chunks, err := o.store.HydrateChunks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("hydrate candidates: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	scored, err := o.scoreCandidates(ctx, candidates, chunks, profile, opts)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	o.sortScored(scored)
	if len(scored) > opts.TopN {
		scored = scored[:opts.TopN]
	}

	// Gate rejections shrink the result set; no backfill from the original
	// pool. Callers needing a guaranteed count request a larger top-n.
	results := make([]RankedResult, 0, len(scored))
	hitIDs := make([]string, 0, len(scored))
	for _, s := range scored {
		if !o.allowWithTimeout(ctx, s.chunk.ID, opts.Auth) {
			continue
		}
		results = append(results, RankedResult{
			Chunk:      s.chunk,
			FinalScore: s.finalScore,
			Breakdown:  s.breakdown,
		})
		hitIDs = append(hitIDs, s.chunk.ID)
	}

	if opts.WithCitations && o.citations != nil {
		for i := range results {
			cit := o.citations.Select(query, queryVec, results[i].Chunk)
			results[i].Citation = &cit
		}
	}

	if o.onHit != nil && len(hitIDs) > 0 {
		o.onHit(hitIDs, opts.NowMS)
	}
	return results, nil
}

// scoreCandidates computes components and blends in parallel. Results land
// in per-index slots so no ordering dependency or lock exists; the final
// deterministic sort happens on one goroutine afterwards.
func (o *RankingOrchestrator) scoreCandidates(
	ctx context.Context,
	candidates []Candidate,
	chunks map[string]MemoryChunk,
	profile RankingProfile,
	opts RetrieveOptions,
) ([]scoredChunk, error) {
	var corpusMax int64
	if o.usage != nil {
		corpusMax = o.usage.MaxAccessCount()
	}
	scoreDimensions := profile.Weights.Dimension > 0

	slots := make([]*scoredChunk, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.ScoreParallelism)
	for i, cand := range candidates {
		i, cand := i, cand
		chunk, ok := chunks[cand.ChunkID]
		if !ok {
			// Deleted between index query and hydration. Expected race.
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			components := o.engine.Score(chunk, ScoreInputs{
				Distance:        cand.Distance,
				NowMS:           opts.NowMS,
				CorpusMaxAccess: corpusMax,
				DimensionFilter: opts.DimensionFilter,
				ScoreDimensions: scoreDimensions,
			})
			final, breakdown := profile.Blend(components)
			slots[i] = &scoredChunk{chunk: chunk, finalScore: final, breakdown: breakdown}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	scored := make([]scoredChunk, 0, len(slots))
	for _, s := range slots {
		if s != nil {
			scored = append(scored, *s)
		}
	}
	return scored, nil
}

// sortScored orders by final score descending with the deterministic
// tie-break chain: confidence, then creation recency, then chunk id.
func (o *RankingOrchestrator) sortScored(scored []scoredChunk) {
	eps := o.cfg.TieEpsilon
	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if math.Abs(a.finalScore-b.finalScore) > eps {
			return a.finalScore > b.finalScore
		}
		if a.chunk.Confidence != b.chunk.Confidence {
			return a.chunk.Confidence > b.chunk.Confidence
		}
		if a.chunk.CreatedAtMS != b.chunk.CreatedAtMS {
			return a.chunk.CreatedAtMS > b.chunk.CreatedAtMS
		}
		return a.chunk.ID < b.chunk.ID
	})
}

// allowWithTimeout applies the gate under its own deadline. A slow or failed
// gate check fails the chunk, never the query.
func (o *RankingOrchestrator) allowWithTimeout(ctx context.Context, chunkID string, auth AuthContext) bool {
	gateCtx, cancel := context.WithTimeout(ctx, o.cfg.GateTimeout)
	defer cancel()

	allowed := make(chan bool, 1)
	go func() {
		allowed <- o.gate.Allow(gateCtx, chunkID, auth)
	}()
	select {
	case ok := <-allowed:
		return ok
	case <-gateCtx.Done():
		o.logger.Warn("access gate timed out, rejecting chunk", "chunk_id", chunkID)
		return false
	}
}
