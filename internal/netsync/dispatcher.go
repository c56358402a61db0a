package netsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ispcore/internal/apperr"
	"ispcore/internal/metrics"
	"ispcore/internal/models"
	"ispcore/internal/store"
)

// Enforcer delivers a command to the network enforcement endpoint. A nil
// error is an acknowledgement.
type Enforcer interface {
	Enforce(ctx context.Context, cmd Command) error
}

// Config holds dispatcher settings.
type Config struct {
	Timeout time.Duration
	Backoff Backoff
	Now     func() time.Time
}

// Dispatcher records sync intent in the caller's transaction and delivers it
// after commit. Delivery outcomes only ever touch sync bookkeeping.
type Dispatcher struct {
	store    store.Store
	enforcer Enforcer
	timeout  time.Duration
	backoff  Backoff
	now      func() time.Time
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(s store.Store, enforcer Enforcer, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{
		store:    s,
		enforcer: enforcer,
		timeout:  cfg.Timeout,
		backoff:  cfg.Backoff,
		now:      cfg.Now,
		logger:   logger,
	}
}

// Enqueue writes a pending sync record for c inside tx and marks c's sync
// status pending. It returns nil for SyncActionNone. resetRetries starts a
// fresh retry budget; scheduler retries keep the running count.
func (d *Dispatcher) Enqueue(ctx context.Context, tx store.Tx, c *models.Client, action models.SyncAction, resetRetries bool) (*models.SyncRecord, error) {
	if action == models.SyncActionNone {
		return nil, nil
	}

	attempt := c.SyncRetryCount + 1
	if resetRetries {
		attempt = 1
	}

	rec := &models.SyncRecord{
		ID:        uuid.New(),
		TenantID:  c.TenantID,
		ClientID:  c.ID,
		Action:    action,
		Status:    models.SyncRecordPending,
		Attempt:   attempt,
		CreatedAt: d.now(),
	}
	if err := tx.InsertSyncRecord(ctx, rec, resetRetries); err != nil {
		return nil, fmt.Errorf("enqueue sync: %w", err)
	}

	id := rec.ID
	c.RadiusSyncStatus = models.SyncStatusPending
	c.LastSyncRecordID = &id
	c.NextSyncAttemptAt = nil
	if resetRetries {
		c.SyncRetryCount = 0
	}
	return rec, nil
}

// Deliver sends rec to the enforcement endpoint, building the command from the
// client's current row and service package. A record that is no longer the
// client's latest is closed without being sent. Enforcement failures are
// recorded and returned as apperr.ErrSyncFailed.
func (d *Dispatcher) Deliver(ctx context.Context, rec *models.SyncRecord) error {
	if rec == nil {
		return nil
	}

	c, err := d.store.GetClient(ctx, rec.ClientID)
	if err != nil {
		return fmt.Errorf("get client: %w", err)
	}
	if c == nil {
		d.logger.Debug("sync target vanished", zap.String("client_id", rec.ClientID.String()))
		_, err := d.store.RecordSyncOutcome(ctx, models.SyncOutcome{
			RecordID:    rec.ID,
			ClientID:    rec.ClientID,
			Error:       "client no longer exists",
			CompletedAt: d.now(),
		})
		if errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		return err
	}

	if c.LastSyncRecordID == nil || *c.LastSyncRecordID != rec.ID {
		_, err := d.store.RecordSyncOutcome(ctx, models.SyncOutcome{
			RecordID:    rec.ID,
			ClientID:    c.ID,
			Error:       "superseded by a newer sync record",
			CompletedAt: d.now(),
		})
		return err
	}

	sendErr := d.send(ctx, c, rec)

	completed := d.now()
	outcome := models.SyncOutcome{
		RecordID:    rec.ID,
		ClientID:    c.ID,
		Succeeded:   sendErr == nil,
		CompletedAt: completed,
	}
	if sendErr != nil {
		outcome.Error = sendErr.Error()
		next := completed.Add(d.backoff.Next(c.SyncRetryCount + 1))
		outcome.NextAttemptAt = &next
	}

	// The outcome is written even if the caller's context is done.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()
	applied, err := d.store.RecordSyncOutcome(recordCtx, outcome)
	if err != nil {
		return fmt.Errorf("record sync outcome: %w", err)
	}

	fields := []zap.Field{
		zap.String("client_id", c.ID.String()),
		zap.String("sync_record_id", rec.ID.String()),
		zap.String("action", string(rec.Action)),
		zap.Int("attempt", rec.Attempt),
		zap.Bool("applied", applied),
	}
	if sendErr != nil {
		d.logger.Warn("sync failed", append(fields, zap.Error(sendErr))...)
		return apperr.Wrap(sendErr, apperr.ErrSyncFailed)
	}
	d.logger.Info("sync delivered", fields...)
	return nil
}

func (d *Dispatcher) send(ctx context.Context, c *models.Client, rec *models.SyncRecord) error {
	var pkg *models.ServicePackage
	if c.ServicePackageID != nil {
		p, err := d.store.GetServicePackage(ctx, *c.ServicePackageID)
		if err != nil {
			return fmt.Errorf("get service package: %w", err)
		}
		pkg = p
	}
	if pkg == nil && rec.Action == models.SyncActionEnsureConnected {
		return fmt.Errorf("client has no service package")
	}

	cmd := BuildCommand(c, pkg, rec.Action, rec.ID)

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	err := d.enforcer.Enforce(callCtx, cmd)
	metrics.RecordSyncDispatch(string(rec.Action), err == nil, time.Since(start).Seconds())
	return err
}

// Dispatch enqueues the command the client's current status calls for and
// delivers it. The action is derived from the row read under FOR UPDATE, so a
// transition committed concurrently cannot be overwritten by a stale command.
// Callers serialize per client. A status with nothing to enforce fails with
// apperr.ErrInvalidTransition.
func (d *Dispatcher) Dispatch(ctx context.Context, clientID uuid.UUID, resetRetries bool) (*models.SyncRecord, error) {
	var rec *models.SyncRecord
	err := d.store.InTx(ctx, func(tx store.Tx) error {
		c, err := tx.GetClientForUpdate(ctx, clientID)
		if err != nil {
			return fmt.Errorf("get client: %w", err)
		}
		if c == nil {
			return apperr.Newf(apperr.ErrNotFound, "client %s not found", clientID)
		}
		action := models.DesiredSyncAction(c.Status)
		if action == models.SyncActionNone {
			return apperr.Newf(apperr.ErrInvalidTransition, "client in status %s has nothing to sync", c.Status)
		}
		rec, err = d.Enqueue(ctx, tx, c, action, resetRetries)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, d.Deliver(ctx, rec)
}
