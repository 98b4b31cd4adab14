package memory

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ServiceConfig configures the retrieval service. Zero values fall back to
// sane defaults; Store/Index/Embedder/Gate may be injected for tests or to
// swap in external providers.
type ServiceConfig struct {
	DBPath         string
	EmbeddingModel string
	Profiles       []RankingProfile
	Scoring        ScoringConfig
	Orchestrator   OrchestratorConfig
	Citations      CitationConfig
	UsageRefresh   time.Duration
	CacheTTL       time.Duration
	CacheSize      int
	HitQueueSize   int

	Store    ChunkStore
	Index    VectorIndex
	Embedder Embedder
	Gate     AccessGate
	Logger   *log.Logger
}

// Service owns the engine's collaborators and background workers: the usage
// snapshot refresher and the fire-and-forget access recorder.
type Service struct {
	cfg          ServiceConfig
	store        ChunkStore
	index        VectorIndex
	embedder     Embedder
	profiles     *ProfileRegistry
	orchestrator *RankingOrchestrator
	usage        *UsageTracker
	cache        *expirable.LRU[string, []RankedResult]
	logger       *log.Logger

	hitCh  chan hitBatch
	stopCh chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

type hitBatch struct {
	ids  []string
	atMS int64
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if len(cfg.Profiles) == 0 {
		cfg.Profiles = BuiltinProfiles()
	}
	if cfg.Scoring == (ScoringConfig{}) {
		cfg.Scoring = DefaultScoringConfig()
	}
	if cfg.Orchestrator == (OrchestratorConfig{}) {
		cfg.Orchestrator = DefaultOrchestratorConfig()
	}
	if cfg.Citations == (CitationConfig{}) {
		cfg.Citations = DefaultCitationConfig()
	}
	if cfg.UsageRefresh <= 0 {
		cfg.UsageRefresh = 60 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 20 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}
	if cfg.HitQueueSize <= 0 {
		cfg.HitQueueSize = 1024
	}

	embedder := cfg.Embedder
	if embedder == nil {
		embedder = NewEmbedder(cfg.EmbeddingModel)
	}

	store := cfg.Store
	if store == nil {
		if strings.TrimSpace(cfg.DBPath) == "" {
			return nil, fmt.Errorf("db path is required")
		}
		var err error
		store, err = NewSQLiteChunkStore(cfg.DBPath)
		if err != nil {
			return nil, err
		}
	}

	profiles, err := NewProfileRegistry(cfg.Profiles, cfg.Logger)
	if err != nil {
		if cfg.Store == nil {
			_ = store.Close()
		}
		return nil, err
	}

	index := cfg.Index
	if index == nil {
		index = NewBruteForceIndex(embedder.Dims())
	}

	gate := cfg.Gate
	if gate == nil {
		gate = NewCapabilityGate(store)
	}

	svc := &Service{
		cfg:      cfg,
		store:    store,
		index:    index,
		embedder: embedder,
		profiles: profiles,
		usage:    NewUsageTracker(store, cfg.UsageRefresh, cfg.Logger),
		cache:    expirable.NewLRU[string, []RankedResult](cfg.CacheSize, nil, cfg.CacheTTL),
		logger:   cfg.Logger,
		hitCh:    make(chan hitBatch, cfg.HitQueueSize),
		stopCh:   make(chan struct{}),
	}

	engine := NewScoringEngine(cfg.Scoring, cfg.Logger)
	citations := NewCitationSelector(embedder, cfg.Citations, cfg.Logger)
	svc.orchestrator = NewRankingOrchestrator(store, index, embedder, engine,
		profiles, gate, svc.usage, citations, cfg.Orchestrator, cfg.Logger)
	svc.orchestrator.SetHitRecorder(svc.enqueueHits)

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if cfg.Index == nil {
		if err := svc.rebuildIndex(startCtx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("rebuild vector index: %w", err)
		}
	}
	svc.usage.Start(startCtx)

	svc.wg.Add(1)
	go svc.runHitRecorder()
	return svc, nil
}

func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.usage.Stop()
		s.wg.Wait()
		s.closeErr = s.store.Close()
	})
	return s.closeErr
}

// Retrieve answers a query with ranked, gate-filtered results. Identical
// queries within the cache TTL are served from the in-memory result cache.
func (s *Service) Retrieve(ctx context.Context, query string, opts RetrieveOptions) ([]RankedResult, error) {
	if opts.TopN <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidTopN, opts.TopN)
	}
	key := s.cacheKey(query, opts)
	if cached, ok := s.cache.Get(key); ok {
		// A cached answer is still a retrieval hit for its chunks.
		if len(cached) > 0 {
			ids := make([]string, len(cached))
			for i, r := range cached {
				ids[i] = r.Chunk.ID
			}
			atMS := opts.NowMS
			if atMS == 0 {
				atMS = time.Now().UnixMilli()
			}
			s.enqueueHits(ids, atMS)
		}
		return cached, nil
	}
	results, err := s.orchestrator.Retrieve(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	s.cache.Add(key, results)
	return results, nil
}

// Ingest validates, embeds if needed, persists and indexes a chunk.
// Returns the stored chunk with its assigned id.
func (s *Service) Ingest(ctx context.Context, chunk MemoryChunk) (MemoryChunk, error) {
	if strings.TrimSpace(chunk.ID) == "" {
		chunk.ID = uuid.NewString()
	}
	if strings.TrimSpace(chunk.Content) == "" {
		return MemoryChunk{}, fmt.Errorf("ingest %s: empty content", chunk.ID)
	}
	if chunk.Type == "" {
		chunk.Type = MemoryDocument
	}
	if len(chunk.Embedding) == 0 {
		chunk.Embedding = s.embedder.Embed(chunk.Content)
	}
	if err := validateEmbedding(chunk.Embedding, s.embedder.Dims()); err != nil {
		return MemoryChunk{}, fmt.Errorf("ingest %s: %w", chunk.ID, err)
	}
	chunk.Importance = clamp01(chunk.Importance)
	chunk.Confidence = clamp01(chunk.Confidence)
	for name, v := range chunk.DimensionScores {
		chunk.DimensionScores[name] = clamp01(v)
	}
	if chunk.CreatedAtMS == 0 {
		chunk.CreatedAtMS = time.Now().UnixMilli()
	}

	if err := s.store.PutChunk(ctx, chunk); err != nil {
		return MemoryChunk{}, err
	}
	if err := s.index.Insert(chunk.ID, chunk.Embedding); err != nil {
		return MemoryChunk{}, err
	}
	s.cache.Purge()
	return chunk, nil
}

// Delete tombstones a chunk and drops it from the index.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteChunk(ctx, id); err != nil {
		return err
	}
	s.index.Remove(id)
	s.cache.Purge()
	return nil
}

// Pin sets maximum user priority on a chunk; Unpin restores the given value.
func (s *Service) Pin(ctx context.Context, id string) error {
	return s.setImportance(ctx, id, 1.0)
}

func (s *Service) Unpin(ctx context.Context, id string, importance float64) error {
	return s.setImportance(ctx, id, importance)
}

func (s *Service) setImportance(ctx context.Context, id string, importance float64) error {
	if err := s.store.SetImportance(ctx, id, importance); err != nil {
		return err
	}
	s.cache.Purge()
	return nil
}

func (s *Service) Stats(ctx context.Context) (StoreStats, error) {
	return s.store.Stats(ctx)
}

// ProfileNames lists the loaded ranking profiles.
func (s *Service) ProfileNames() []string {
	return s.profiles.Names()
}

// rebuildIndex loads live chunks page by page and re-inserts their vectors.
// Chunks persisted without an embedding are re-embedded from content.
func (s *Service) rebuildIndex(ctx context.Context) error {
	const page = 500
	for offset := 0; ; offset += page {
		chunks, err := s.store.ListChunks(ctx, page, offset)
		if err != nil {
			return err
		}
		for _, chunk := range chunks {
			vec := chunk.Embedding
			if len(vec) == 0 {
				vec = s.embedder.Embed(chunk.Content)
			}
			if err := s.index.Insert(chunk.ID, vec); err != nil {
				s.logger.Warn("skipping unindexable chunk", "chunk_id", chunk.ID, "err", err)
			}
		}
		if len(chunks) < page {
			return nil
		}
	}
}

// enqueueHits hands retrieval hits to the background recorder. Drops the
// batch when the queue is full; a lost counter bump is acceptable, blocking
// the read path is not.
func (s *Service) enqueueHits(ids []string, atMS int64) {
	select {
	case s.hitCh <- hitBatch{ids: ids, atMS: atMS}:
	default:
		s.logger.Warn("hit queue full, dropping access records", "count", len(ids))
	}
}

func (s *Service) runHitRecorder() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			// Drain what is already queued before shutting down.
			for {
				select {
				case batch := <-s.hitCh:
					s.recordHits(batch)
				default:
					return
				}
			}
		case batch := <-s.hitCh:
			s.recordHits(batch)
		}
	}
}

func (s *Service) recordHits(batch hitBatch) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.RecordAccess(ctx, batch.ids, batch.atMS); err != nil {
		s.logger.Warn("recording access counts failed", "err", err)
	}
}

func (s *Service) cacheKey(query string, opts RetrieveOptions) string {
	dims := make([]string, 0, len(opts.DimensionFilter))
	for name, w := range opts.DimensionFilter {
		dims = append(dims, fmt.Sprintf("%s=%.4f", name, w))
	}
	sort.Strings(dims)
	caps := append([]string(nil), opts.Auth.Capabilities...)
	sort.Strings(caps)
	payload := fmt.Sprintf("%s|%s|%d|%s|%t|%s|%s|%d|%s",
		strings.ToLower(strings.TrimSpace(query)),
		strings.ToLower(opts.Profile),
		opts.TopN,
		strings.Join(dims, ","),
		opts.WithCitations,
		opts.Auth.SubjectID,
		strings.Join(caps, ","),
		opts.NowMS,
		s.embedder.ModelID(),
	)
	h := sha1.Sum([]byte(payload))
	return "retrieve:" + hex.EncodeToString(h[:])
}
