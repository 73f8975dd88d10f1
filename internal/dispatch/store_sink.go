package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tapewatch/tapewatch/internal/alert"
	"github.com/tapewatch/tapewatch/internal/persistence"
)

const (
	storeBatchSize  = 50
	storeFlushEvery = 2 * time.Second
)

// StoreSink batches alerts into the persistent repo. Batches flush on size
// or age, whichever comes first.
type StoreSink struct {
	repo persistence.AlertsRepo

	mu        sync.Mutex
	pending   []alert.Alert
	lastFlush time.Time
}

func NewStoreSink(repo persistence.AlertsRepo) *StoreSink {
	return &StoreSink{repo: repo, lastFlush: time.Now()}
}

func (s *StoreSink) Name() string { return "store" }

func (s *StoreSink) Deliver(ctx context.Context, a alert.Alert) error {
	s.mu.Lock()
	s.pending = append(s.pending, a)
	shouldFlush := len(s.pending) >= storeBatchSize || time.Since(s.lastFlush) >= storeFlushEvery
	var batch []alert.Alert
	if shouldFlush {
		batch = s.pending
		s.pending = nil
		s.lastFlush = time.Now()
	}
	s.mu.Unlock()

	if batch == nil {
		return nil
	}
	if err := s.repo.InsertBatch(ctx, batch); err != nil {
		log.Error().Err(err).Int("batch", len(batch)).Msg("alert store batch failed")
		return err
	}
	return nil
}

// Close flushes whatever is pending.
func (s *StoreSink) Close(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return s.repo.InsertBatch(ctx, batch)
}
