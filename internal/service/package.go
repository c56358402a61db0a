package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ispcore/internal/apperr"
	"ispcore/internal/models"
	"ispcore/internal/store"
)

// PackageUpdateResult reports the re-sync cascade of a package update.
type PackageUpdateResult struct {
	Package  *models.ServicePackage `json:"package"`
	Resynced int                    `json:"resynced"`
	Failed   int                    `json:"failed"`
	// Deferred counts clients locked by another operation. Their records stay
	// pending and the sync sweep delivers them.
	Deferred int                    `json:"deferred"`
}

// UpdateServicePackage applies params and, when a network-enforced field
// changed, re-applies the package to every active client on it. The sync
// records are written in the same transaction as the package update, so a
// crash before delivery leaves them pending for the sync sweep. Each delivery
// runs under its client's lock.
func (s *Service) UpdateServicePackage(ctx context.Context, tenantID, packageID uuid.UUID, params models.UpdateServicePackageParams) (*PackageUpdateResult, error) {
	var (
		pkg *models.ServicePackage
		fx  = &effects{}
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		pkg, err = tx.GetServicePackageForUpdate(ctx, packageID)
		if err != nil {
			return fmt.Errorf("get service package: %w", err)
		}
		if pkg == nil || !owns(tenantID, pkg.TenantID) {
			return apperr.Newf(apperr.ErrNotFound, "service package %s not found", packageID)
		}

		if !params.Apply(pkg) {
			return tx.SaveServicePackage(ctx, pkg)
		}
		if err := tx.SaveServicePackage(ctx, pkg); err != nil {
			return err
		}

		ids, err := s.store.ListClientIDsByPackage(ctx, pkg.ID, models.ClientStatusActive)
		if err != nil {
			return fmt.Errorf("list clients on package: %w", err)
		}
		for _, id := range ids {
			c, err := tx.GetClientForUpdate(ctx, id)
			if err != nil {
				return fmt.Errorf("get client: %w", err)
			}
			if c == nil || c.Status != models.ClientStatusActive {
				continue
			}
			rec, err := s.dispatcher.Enqueue(ctx, tx, c, models.SyncActionEnsureConnected, true)
			if err != nil {
				return err
			}
			fx.sync = append(fx.sync, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := &PackageUpdateResult{Package: pkg, Resynced: len(fx.sync)}
	if len(fx.sync) == 0 {
		return res, nil
	}

	s.logger.Info("service package changed, re-syncing clients",
		zap.String("package_id", pkg.ID.String()),
		zap.Int("clients", len(fx.sync)),
	)

	var failed, deferred atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cascadeWorkers)
	for _, rec := range fx.sync {
		g.Go(func() error {
			err := s.withClient(gctx, rec.ClientID, func() error {
				return s.deliver(gctx, rec)
			})
			switch {
			case err == nil:
			case errors.Is(err, apperr.ErrConcurrentModification):
				deferred.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Failed = int(failed.Load())
	res.Deferred = int(deferred.Load())
	if res.Deferred > 0 {
		s.logger.Info("clients busy during package re-sync, left for the sync sweep",
			zap.String("package_id", pkg.ID.String()),
			zap.Int("clients", res.Deferred),
		)
	}
	return res, nil
}
