// Package store defines the persistence boundary of the subscriber core.
//
// Lookups return (nil, nil) when a row does not exist. Writes to billing and
// lifecycle columns go through Tx.SaveClient; sync columns are written only by
// Tx.InsertSyncRecord and Store.RecordSyncOutcome.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"ispcore/internal/models"
)

// Store is the relational store the core runs on.
type Store interface {
	// InTx runs fn in a single transaction. fn's error rolls everything back.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	GetClient(ctx context.Context, id uuid.UUID) (*models.Client, error)
	GetServicePackage(ctx context.Context, id uuid.UUID) (*models.ServicePackage, error)
	ListClientIDsByPackage(ctx context.Context, packageID uuid.UUID, statuses ...models.ClientStatus) ([]uuid.UUID, error)

	ListWalletTransactions(ctx context.Context, clientID uuid.UUID, limit, offset int) ([]*models.WalletTransaction, error)
	SumWalletTransactions(ctx context.Context, clientID uuid.UUID) (models.Money, error)
	// ListUnjournaledTransactions returns transactions created before the
	// cutoff that have no journal mark, oldest first.
	ListUnjournaledTransactions(ctx context.Context, before time.Time, limit int) ([]*models.WalletTransaction, error)
	// MarkJournaled records that the transactions reached the journal.
	// Marking twice is not an error.
	MarkJournaled(ctx context.Context, ids []uuid.UUID, at time.Time) error

	GetSyncRecord(ctx context.Context, id uuid.UUID) (*models.SyncRecord, error)
	ListSyncRecords(ctx context.Context, clientID uuid.UUID, limit int) ([]*models.SyncRecord, error)
	// RecordSyncOutcome finalizes a sync record. Client sync columns are only
	// updated when the record is still the client's latest; applied reports that.
	RecordSyncOutcome(ctx context.Context, outcome models.SyncOutcome) (applied bool, err error)

	ListRenewalCandidates(ctx context.Context, now time.Time, window time.Duration, limit int) ([]uuid.UUID, error)
	ListSyncRetryCandidates(ctx context.Context, now time.Time, maxRetries, limit int) ([]uuid.UUID, error)
	ListGraceExpired(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)

	Ping(ctx context.Context) error
}

// Tx is the set of operations available inside a transaction.
type Tx interface {
	// GetClientForUpdate reads the client and holds its row until commit.
	GetClientForUpdate(ctx context.Context, id uuid.UUID) (*models.Client, error)
	// SaveClient persists billing and lifecycle columns. It fails with
	// apperr.ErrConcurrentModification if c.Version is stale and bumps it on success.
	SaveClient(ctx context.Context, c *models.Client) error

	InsertWalletTransaction(ctx context.Context, t *models.WalletTransaction) error
	GetWalletTransactionByReference(ctx context.Context, clientID uuid.UUID, typ models.TransactionType, ref string) (*models.WalletTransaction, error)

	// InsertSyncRecord appends a pending command and marks the client
	// radius_sync_status=pending with this record as its latest.
	InsertSyncRecord(ctx context.Context, r *models.SyncRecord, resetRetries bool) error

	GetServicePackageForUpdate(ctx context.Context, id uuid.UUID) (*models.ServicePackage, error)
	SaveServicePackage(ctx context.Context, p *models.ServicePackage) error
}
