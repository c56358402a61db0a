// Package scheduler drives periodic renewal, sync-retry and grace sweeps.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ispcore/internal/apperr"
	"ispcore/internal/metrics"
	"ispcore/internal/models"
	"ispcore/internal/service"
	"ispcore/internal/store"
)

// Sweep names, used in logs and metrics.
const (
	SweepRenewal = "renewal"
	SweepSync    = "sync"
	SweepGrace   = "grace"
	SweepJournal = "journal"
)

// Core is the per-client work the scheduler fans out.
type Core interface {
	EvaluateRenewal(ctx context.Context, tenantID, clientID uuid.UUID, force bool) (*service.Result, error)
	RetrySync(ctx context.Context, tenantID, clientID uuid.UUID, manual bool) (*models.SyncRecord, error)
	DisconnectOverdue(ctx context.Context, clientID uuid.UUID) (*service.Result, error)
	MirrorPendingJournal(ctx context.Context, before time.Time, limit int) (int, error)
}

// Config holds sweep cadence and limits.
type Config struct {
	RenewalInterval time.Duration
	SyncInterval    time.Duration
	Workers         int
	BatchSize       int
	ItemTimeout     time.Duration
	RenewalWindow   time.Duration
	MaxSyncRetries  int
	// JournalLag keeps the journal sweep away from transactions whose
	// post-commit mirror may still be running.
	JournalLag time.Duration
	Now        func() time.Time
}

// Stats summarizes one sweep.
type Stats struct {
	Candidates int
	Processed  int
	Skipped    int
	Failed     int
}

// Scheduler is an explicit, injectable replacement for ambient timers. Tests
// drive the Run*Sweep methods directly.
type Scheduler struct {
	store  store.Store
	core   Core
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a scheduler.
func New(s store.Store, core Core, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.RenewalInterval <= 0 {
		cfg.RenewalInterval = 5 * time.Minute
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = 10 * time.Second
	}
	if cfg.MaxSyncRetries <= 0 {
		cfg.MaxSyncRetries = 10
	}
	if cfg.JournalLag <= 0 {
		cfg.JournalLag = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		store:    s,
		core:     core,
		cfg:      cfg,
		logger:   logger,
		inflight: make(map[uuid.UUID]struct{}),
	}
}

// Start launches the sweep loops. Each tick runs in its own goroutine, so a
// slow tick may overlap the next one; clients still in flight are skipped.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.logger.Info("starting scheduler",
		zap.Duration("renewal_interval", s.cfg.RenewalInterval),
		zap.Duration("sync_interval", s.cfg.SyncInterval),
		zap.Int("workers", s.cfg.Workers),
	)

	s.loop(ctx, s.cfg.RenewalInterval, func(ctx context.Context) {
		s.RunRenewalSweep(ctx)
		s.RunGraceSweep(ctx)
	})
	s.loop(ctx, s.cfg.SyncInterval, func(ctx context.Context) {
		s.RunSyncSweep(ctx)
		s.RunJournalSweep(ctx)
	})
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.wg.Add(1)
				go func() {
					defer s.wg.Done()
					tick(ctx)
				}()
			}
		}
	}()
}

// Stop cancels running sweeps and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// RunRenewalSweep evaluates renewal for every client that may need it.
func (s *Scheduler) RunRenewalSweep(ctx context.Context) Stats {
	ids, err := s.store.ListRenewalCandidates(ctx, s.cfg.Now(), s.cfg.RenewalWindow, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("failed to list renewal candidates", zap.Error(err))
		return Stats{}
	}
	return s.sweep(ctx, SweepRenewal, ids, func(ctx context.Context, id uuid.UUID) error {
		_, err := s.core.EvaluateRenewal(ctx, uuid.Nil, id, false)
		return err
	})
}

// RunSyncSweep re-dispatches clients whose last command is pending or failed
// and whose backoff has elapsed.
func (s *Scheduler) RunSyncSweep(ctx context.Context) Stats {
	ids, err := s.store.ListSyncRetryCandidates(ctx, s.cfg.Now(), s.cfg.MaxSyncRetries, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("failed to list sync retry candidates", zap.Error(err))
		return Stats{}
	}
	return s.sweep(ctx, SweepSync, ids, func(ctx context.Context, id uuid.UUID) error {
		_, err := s.core.RetrySync(ctx, uuid.Nil, id, false)
		return err
	})
}

// RunGraceSweep disconnects non-payment suspensions past their grace period.
func (s *Scheduler) RunGraceSweep(ctx context.Context) Stats {
	ids, err := s.store.ListGraceExpired(ctx, s.cfg.Now(), s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("failed to list grace expired clients", zap.Error(err))
		return Stats{}
	}
	return s.sweep(ctx, SweepGrace, ids, func(ctx context.Context, id uuid.UUID) error {
		_, err := s.core.DisconnectOverdue(ctx, id)
		return err
	})
}

// RunJournalSweep replays wallet transactions that never reached the
// double-entry journal and returns how many were replayed.
func (s *Scheduler) RunJournalSweep(ctx context.Context) int {
	start := time.Now()
	defer func() { metrics.RecordSweep(SweepJournal, time.Since(start).Seconds()) }()

	n, err := s.core.MirrorPendingJournal(ctx, s.cfg.Now().Add(-s.cfg.JournalLag), s.cfg.BatchSize)
	if err != nil {
		metrics.RecordSweepItem(SweepJournal, "error")
		s.logger.Warn("journal sweep failed", zap.Error(err))
		return 0
	}
	if n > 0 {
		metrics.RecordSweepItem(SweepJournal, "ok")
	}
	return n
}

func (s *Scheduler) sweep(ctx context.Context, name string, ids []uuid.UUID, work func(context.Context, uuid.UUID) error) Stats {
	start := time.Now()
	stats := Stats{Candidates: len(ids)}
	if len(ids) == 0 {
		metrics.RecordSweep(name, time.Since(start).Seconds())
		return stats
	}

	var mu sync.Mutex
	count := func(f *int) {
		mu.Lock()
		*f++
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, id := range ids {
		if gctx.Err() != nil {
			break
		}
		if !s.claim(id) {
			count(&stats.Skipped)
			metrics.RecordSweepItem(name, "in_flight")
			continue
		}
		g.Go(func() error {
			defer s.release(id)
			if s.runItem(gctx, name, id, work) {
				count(&stats.Processed)
			} else {
				count(&stats.Failed)
			}
			return nil
		})
	}
	_ = g.Wait()

	metrics.RecordSweep(name, time.Since(start).Seconds())
	s.logger.Info("sweep finished",
		zap.String("sweep", name),
		zap.Int("candidates", stats.Candidates),
		zap.Int("processed", stats.Processed),
		zap.Int("skipped", stats.Skipped),
		zap.Int("failed", stats.Failed),
		zap.Duration("duration", time.Since(start)),
	)
	return stats
}

// runItem runs one client's work under the item timeout and reports whether
// it completed. Vanished clients count as completed.
func (s *Scheduler) runItem(ctx context.Context, name string, id uuid.UUID, work func(context.Context, uuid.UUID) error) bool {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ItemTimeout)
	defer cancel()

	err := work(ctx, id)
	switch {
	case err == nil:
		metrics.RecordSweepItem(name, "ok")
		return true
	case errors.Is(err, apperr.ErrNotFound):
		metrics.RecordSweepItem(name, "vanished")
		return true
	case errors.Is(err, apperr.ErrInvalidTransition):
		// Status moved since the candidate query ran.
		metrics.RecordSweepItem(name, "stale")
		return true
	case errors.Is(err, apperr.ErrConcurrentModification):
		metrics.RecordSweepItem(name, "deferred")
		s.logger.Debug("client busy, deferring to next tick",
			zap.String("sweep", name),
			zap.String("client_id", id.String()),
		)
		return false
	case errors.Is(err, apperr.ErrSyncFailed):
		metrics.RecordSweepItem(name, "sync_failed")
		return false
	default:
		metrics.RecordSweepItem(name, "error")
		s.logger.Error("sweep item failed",
			zap.String("sweep", name),
			zap.String("client_id", id.String()),
			zap.Error(err),
		)
		return false
	}
}

func (s *Scheduler) claim(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[id]; busy {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id uuid.UUID) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}
