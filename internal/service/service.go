// Package service orchestrates the billing and sync core: every external
// trigger (payment, admin action, scheduler tick) enters here and runs under
// the client's lock in one store transaction. Sync commands are delivered
// before the lock is released; journal writes and notifications follow.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ispcore/internal/apperr"
	"ispcore/internal/billing"
	"ispcore/internal/ledger"
	"ispcore/internal/lifecycle"
	"ispcore/internal/lock"
	"ispcore/internal/metrics"
	"ispcore/internal/models"
	"ispcore/internal/netsync"
	"ispcore/internal/notify"
	"ispcore/internal/store"
)

// Deps are the collaborators of a Service.
type Deps struct {
	Store      store.Store
	Ledger     *ledger.Ledger
	Evaluator  *billing.Evaluator
	Machine    lifecycle.Machine
	Dispatcher *netsync.Dispatcher
	Locker     lock.Locker
	Notifier   notify.Notifier
}

// Config holds service settings.
type Config struct {
	// RetryPause is how long to wait before the single retry on lock contention.
	RetryPause time.Duration
	// CascadeWorkers bounds concurrent deliveries after a package update.
	CascadeWorkers int
	Now            func() time.Time
}

// Service is the subscriber core.
type Service struct {
	store      store.Store
	ledger     *ledger.Ledger
	evaluator  *billing.Evaluator
	machine    lifecycle.Machine
	dispatcher *netsync.Dispatcher
	locker     lock.Locker
	notifier   notify.Notifier

	retryPause     time.Duration
	cascadeWorkers int
	now            func() time.Time
	logger         *zap.Logger
}

// New creates a service.
func New(deps Deps, cfg Config, logger *zap.Logger) *Service {
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewLocal()
	}
	if cfg.RetryPause <= 0 {
		cfg.RetryPause = 50 * time.Millisecond
	}
	if cfg.CascadeWorkers <= 0 {
		cfg.CascadeWorkers = 8
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store:          deps.Store,
		ledger:         deps.Ledger,
		evaluator:      deps.Evaluator,
		machine:        deps.Machine,
		dispatcher:     deps.Dispatcher,
		locker:         deps.Locker,
		notifier:       deps.Notifier,
		retryPause:     cfg.RetryPause,
		cascadeWorkers: cfg.CascadeWorkers,
		now:            cfg.Now,
		logger:         logger,
	}
}

// Result describes what an operation did to a client.
type Result struct {
	Client      models.ClientView         `json:"client"`
	Transaction *models.WalletTransaction `json:"transaction,omitempty"`
	Duplicate   bool                      `json:"duplicate,omitempty"`
	Renewal     *billing.Decision         `json:"renewal,omitempty"`
	Debit       *models.WalletTransaction `json:"debit,omitempty"`
	Transition  *lifecycle.Outcome        `json:"transition,omitempty"`
	SyncRecord  *models.SyncRecord        `json:"sync_record,omitempty"`
}

// effects are collected inside a transaction and released after commit.
type effects struct {
	txns   []*models.WalletTransaction
	sync   []*models.SyncRecord
	events []notify.Event
}

func (fx *effects) emit(c *models.Client, typ notify.EventType, data map[string]any) {
	fx.events = append(fx.events, notify.Event{
		TenantID: c.TenantID,
		ClientID: c.ID,
		Type:     typ,
		Data:     data,
	})
}

// commit runs fn in a transaction and then delivers the sync records it
// enqueued. Callers hold the client's lock, so deliveries for one client never
// overlap and the endpoint always ends on the latest command.
func (s *Service) commit(ctx context.Context, fx *effects, fn func(tx store.Tx) error) error {
	if err := s.store.InTx(ctx, fn); err != nil {
		return err
	}
	s.deliver(ctx, fx.sync...)
	return nil
}

// deliver sends sync records to the enforcement endpoint. Delivery failures
// are already recorded by the dispatcher and do not fail the operation.
func (s *Service) deliver(ctx context.Context, recs ...*models.SyncRecord) error {
	var failed error
	for _, rec := range recs {
		err := s.dispatcher.Deliver(ctx, rec)
		if err == nil {
			continue
		}
		failed = err
		if !errors.Is(err, apperr.ErrSyncFailed) {
			s.logger.Error("failed to deliver sync record",
				zap.String("sync_record_id", rec.ID.String()),
				zap.Error(err),
			)
		}
	}
	return failed
}

// release mirrors wallet transactions and publishes events once the client's
// lock is released.
func (s *Service) release(ctx context.Context, fx *effects) {
	s.ledger.Mirror(ctx, fx.txns...)
	for _, ev := range fx.events {
		s.notifier.Notify(ev)
	}
}

// withClient runs fn while holding the client's lock. A held lock is retried
// once after RetryPause; a version conflict inside fn is retried once
// immediately. Either still failing is ErrConcurrentModification.
func (s *Service) withClient(ctx context.Context, clientID uuid.UUID, fn func() error) error {
	key := "client:" + clientID.String()

	unlock, err := s.locker.TryLock(ctx, key)
	if errors.Is(err, lock.ErrContended) {
		metrics.LockContentionTotal.Inc()
		select {
		case <-time.After(s.retryPause):
		case <-ctx.Done():
			return ctx.Err()
		}
		unlock, err = s.locker.TryLock(ctx, key)
		if errors.Is(err, lock.ErrContended) {
			metrics.LockContentionTotal.Inc()
			return apperr.Newf(apperr.ErrConcurrentModification, "client %s is locked by another operation", clientID)
		}
	}
	if err != nil {
		return fmt.Errorf("lock client: %w", err)
	}
	defer unlock()

	err = fn()
	if errors.Is(err, apperr.ErrConcurrentModification) {
		s.logger.Debug("version conflict, retrying", zap.String("client_id", clientID.String()))
		err = fn()
	}
	return err
}

// loadForUpdate reads the client inside tx, scoped to tenantID. A nil
// tenantID is used by internal callers and matches any tenant.
func loadForUpdate(ctx context.Context, tx store.Tx, tenantID, clientID uuid.UUID) (*models.Client, error) {
	c, err := tx.GetClientForUpdate(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}
	if c == nil || !owns(tenantID, c.TenantID) {
		return nil, apperr.Newf(apperr.ErrNotFound, "client %s not found", clientID)
	}
	return c, nil
}

func owns(tenantID, rowTenant uuid.UUID) bool {
	return tenantID == uuid.Nil || tenantID == rowTenant
}

// refresh fills r.Client from the committed row, falling back to c.
func (s *Service) refresh(ctx context.Context, r *Result, c *models.Client) {
	cur, err := s.store.GetClient(ctx, c.ID)
	if err != nil || cur == nil {
		r.Client = c.View()
		return
	}
	r.Client = cur.View()
	if r.SyncRecord != nil {
		if rec, err := s.store.GetSyncRecord(ctx, r.SyncRecord.ID); err == nil && rec != nil {
			r.SyncRecord = rec
		}
	}
}

// transition applies ev to c and enqueues its sync action in tx.
func (s *Service) transition(ctx context.Context, tx store.Tx, c *models.Client, ev lifecycle.Event, now time.Time, fx *effects) (*lifecycle.Outcome, *models.SyncRecord, error) {
	out, err := s.machine.Apply(c, ev, now)
	if err != nil {
		return nil, nil, err
	}

	var rec *models.SyncRecord
	if out.RequiresSync() {
		rec, err = s.dispatcher.Enqueue(ctx, tx, c, out.SyncAction, true)
		if err != nil {
			return nil, nil, err
		}
		fx.sync = append(fx.sync, rec)
	}

	metrics.RecordTransition(string(out.From), string(out.To), string(out.Event))
	s.logger.Info("client transition",
		zap.String("client_id", c.ID.String()),
		zap.String("from", string(out.From)),
		zap.String("to", string(out.To)),
		zap.String("event", string(out.Event)),
	)
	return &out, rec, nil
}

// GetClient returns a client of the tenant.
func (s *Service) GetClient(ctx context.Context, tenantID, clientID uuid.UUID) (*models.Client, error) {
	c, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}
	if c == nil || !owns(tenantID, c.TenantID) {
		return nil, apperr.Newf(apperr.ErrNotFound, "client %s not found", clientID)
	}
	return c, nil
}

// ListTransactions returns the client's wallet transactions, newest first.
func (s *Service) ListTransactions(ctx context.Context, tenantID, clientID uuid.UUID, limit, offset int) ([]*models.WalletTransaction, error) {
	if _, err := s.GetClient(ctx, tenantID, clientID); err != nil {
		return nil, err
	}
	return s.store.ListWalletTransactions(ctx, clientID, limit, offset)
}

// ListSyncRecords returns the client's most recent sync records.
func (s *Service) ListSyncRecords(ctx context.Context, tenantID, clientID uuid.UUID, limit int) ([]*models.SyncRecord, error) {
	if _, err := s.GetClient(ctx, tenantID, clientID); err != nil {
		return nil, err
	}
	return s.store.ListSyncRecords(ctx, clientID, limit)
}

// Reconcile compares the client's balance with its transaction history.
func (s *Service) Reconcile(ctx context.Context, tenantID, clientID uuid.UUID) (*models.Reconciliation, error) {
	if _, err := s.GetClient(ctx, tenantID, clientID); err != nil {
		return nil, err
	}
	return s.ledger.Reconcile(ctx, clientID)
}

// MirrorPendingJournal replays wallet transactions created before the cutoff
// that have not reached the journal.
func (s *Service) MirrorPendingJournal(ctx context.Context, before time.Time, limit int) (int, error) {
	return s.ledger.MirrorPending(ctx, before, limit)
}

// GetServicePackage returns a package of the tenant.
func (s *Service) GetServicePackage(ctx context.Context, tenantID, packageID uuid.UUID) (*models.ServicePackage, error) {
	p, err := s.store.GetServicePackage(ctx, packageID)
	if err != nil {
		return nil, fmt.Errorf("get service package: %w", err)
	}
	if p == nil || !owns(tenantID, p.TenantID) {
		return nil, apperr.Newf(apperr.ErrNotFound, "service package %s not found", packageID)
	}
	return p, nil
}
