package compactor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flashvec/corevdb/internal/dirtylog"
)

// Scheduler is the supplemented local-compaction-manager loop: on a fixed
// interval it asks the dirty-log coalescer which collections are owed a
// compaction pass and triggers one for each, skipping a collection whose
// previous run hasn't returned yet so two ticks never launch overlapping
// compactions for the same collection. The version file's IfMatch
// conditional put (internal/version) is still the actual correctness
// guard against concurrent writers; this just avoids wasted duplicate
// work under a slow or backed-up trigger.
type Scheduler struct {
	coalescer *dirtylog.Coalescer
	interval  time.Duration
	trigger   func(ctx context.Context, collectionID string, sincePosition int64) error
	log       *zap.Logger

	mu      sync.Mutex
	running map[string]bool
}

func NewScheduler(coalescer *dirtylog.Coalescer, interval time.Duration, trigger func(ctx context.Context, collectionID string, sincePosition int64) error, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		coalescer: coalescer,
		interval:  interval,
		trigger:   trigger,
		log:       log,
		running:   map[string]bool{},
	}
}

// Run polls until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	for _, id := range s.coalescer.DirtyCollections() {
		pos, ok := s.coalescer.Cursor(id)
		if !ok || !s.tryStart(id) {
			continue
		}
		go func(id string, pos int64) {
			defer s.finish(id)
			if err := s.trigger(ctx, id, pos); err != nil {
				s.log.Warn("compactor: scheduled run failed",
					zap.String("collection_id", id), zap.Error(err))
			}
		}(id, pos)
	}
}

func (s *Scheduler) tryStart(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[id] {
		return false
	}
	s.running[id] = true
	return true
}

func (s *Scheduler) finish(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
}
