package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// usageSnapshot is an immutable view of corpus-wide access statistics.
// Queries read whichever generation is current and never wait on a refresh.
type usageSnapshot struct {
	maxAccessCount int64
	refreshedAtMS  int64
}

// UsageTracker caches the corpus-wide maximum access count for the usage
// score, refreshed on a timer under a single-writer/many-reader pattern.
type UsageTracker struct {
	store    ChunkStore
	interval time.Duration
	logger   *log.Logger

	snap   atomic.Pointer[usageSnapshot]
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewUsageTracker(store ChunkStore, interval time.Duration, logger *log.Logger) *UsageTracker {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	t := &UsageTracker{
		store:    store,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	t.snap.Store(&usageSnapshot{})
	return t
}

// Start launches the background refresher after priming the first snapshot.
func (t *UsageTracker) Start(ctx context.Context) {
	if err := t.Refresh(ctx); err != nil {
		t.logger.Warn("initial usage snapshot failed", "err", err)
	}
	t.wg.Add(1)
	go t.run()
}

func (t *UsageTracker) Stop() {
	t.once.Do(func() {
		close(t.stopCh)
	})
	t.wg.Wait()
}

// MaxAccessCount returns the cached corpus maximum. Zero means no recorded
// accesses yet (or no snapshot), which zeroes the usage component.
func (t *UsageTracker) MaxAccessCount() int64 {
	return t.snap.Load().maxAccessCount
}

// Refresh swaps in a new snapshot. Single writer; safe to call from tests.
func (t *UsageTracker) Refresh(ctx context.Context) error {
	max, err := t.store.MaxAccessCount(ctx)
	if err != nil {
		return err
	}
	t.snap.Store(&usageSnapshot{
		maxAccessCount: max,
		refreshedAtMS:  time.Now().UnixMilli(),
	})
	return nil
}

func (t *UsageTracker) run() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := t.Refresh(ctx); err != nil {
				t.logger.Warn("usage snapshot refresh failed", "err", err)
			}
			cancel()
		}
	}
}
