// Package repository implements store.Store on PostgreSQL with pgx.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"ispcore/internal/apperr"
	"ispcore/internal/db"
	"ispcore/internal/models"
	"ispcore/internal/store"
)

// Querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// Store is the PostgreSQL-backed store.
type Store struct {
	db           *db.DB
	clients      *ClientRepository
	packages     *ServicePackageRepository
	transactions *TransactionRepository
	syncRecords  *SyncRecordRepository
}

var _ store.Store = (*Store)(nil)

// NewStore creates a store over the given database.
func NewStore(database *db.DB) *Store {
	pool := database.Pool()
	return &Store{
		db:           database,
		clients:      NewClientRepository(pool),
		packages:     NewServicePackageRepository(pool),
		transactions: NewTransactionRepository(pool),
		syncRecords:  NewSyncRecordRepository(pool),
	}
}

// InTx implements store.Store.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(newTxStore(tx))
	})
}

func (s *Store) GetClient(ctx context.Context, id uuid.UUID) (*models.Client, error) {
	return s.clients.GetByID(ctx, id)
}

func (s *Store) GetServicePackage(ctx context.Context, id uuid.UUID) (*models.ServicePackage, error) {
	return s.packages.GetByID(ctx, id)
}

func (s *Store) ListClientIDsByPackage(ctx context.Context, packageID uuid.UUID, statuses ...models.ClientStatus) ([]uuid.UUID, error) {
	return s.clients.ListIDsByPackage(ctx, packageID, statuses...)
}

func (s *Store) ListWalletTransactions(ctx context.Context, clientID uuid.UUID, limit, offset int) ([]*models.WalletTransaction, error) {
	return s.transactions.ListByClient(ctx, clientID, limit, offset)
}

func (s *Store) SumWalletTransactions(ctx context.Context, clientID uuid.UUID) (models.Money, error) {
	return s.transactions.SumByClient(ctx, clientID)
}

func (s *Store) ListUnjournaledTransactions(ctx context.Context, before time.Time, limit int) ([]*models.WalletTransaction, error) {
	return s.transactions.ListUnjournaled(ctx, before, limit)
}

func (s *Store) MarkJournaled(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	return s.transactions.MarkJournaled(ctx, ids, at)
}

func (s *Store) GetSyncRecord(ctx context.Context, id uuid.UUID) (*models.SyncRecord, error) {
	return s.syncRecords.GetByID(ctx, id)
}

func (s *Store) ListSyncRecords(ctx context.Context, clientID uuid.UUID, limit int) ([]*models.SyncRecord, error) {
	return s.syncRecords.ListByClient(ctx, clientID, limit)
}

// RecordSyncOutcome implements store.Store.
func (s *Store) RecordSyncOutcome(ctx context.Context, outcome models.SyncOutcome) (bool, error) {
	return db.WithTxResult(ctx, s.db, func(tx pgx.Tx) (bool, error) {
		clientID, err := NewSyncRecordRepository(tx).Complete(ctx, outcome)
		if err != nil {
			return false, err
		}
		if clientID == uuid.Nil {
			return false, apperr.Newf(apperr.ErrNotFound, "sync record %s not found", outcome.RecordID)
		}
		return NewClientRepository(tx).ApplySyncOutcome(ctx, clientID, outcome)
	})
}

func (s *Store) ListRenewalCandidates(ctx context.Context, now time.Time, window time.Duration, limit int) ([]uuid.UUID, error) {
	return s.clients.ListRenewalCandidates(ctx, now, window, limit)
}

func (s *Store) ListSyncRetryCandidates(ctx context.Context, now time.Time, maxRetries, limit int) ([]uuid.UUID, error) {
	return s.clients.ListSyncRetryCandidates(ctx, now, maxRetries, limit)
}

func (s *Store) ListGraceExpired(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return s.clients.ListGraceExpired(ctx, now, limit)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// txStore implements store.Tx over a single pgx transaction.
type txStore struct {
	clients      *ClientRepository
	packages     *ServicePackageRepository
	transactions *TransactionRepository
	syncRecords  *SyncRecordRepository
}

func newTxStore(tx pgx.Tx) *txStore {
	return &txStore{
		clients:      NewClientRepository(tx),
		packages:     NewServicePackageRepository(tx),
		transactions: NewTransactionRepository(tx),
		syncRecords:  NewSyncRecordRepository(tx),
	}
}

func (t *txStore) GetClientForUpdate(ctx context.Context, id uuid.UUID) (*models.Client, error) {
	return t.clients.GetByIDForUpdate(ctx, id)
}

func (t *txStore) SaveClient(ctx context.Context, c *models.Client) error {
	return t.clients.Save(ctx, c)
}

func (t *txStore) InsertWalletTransaction(ctx context.Context, w *models.WalletTransaction) error {
	return t.transactions.Insert(ctx, w)
}

func (t *txStore) GetWalletTransactionByReference(ctx context.Context, clientID uuid.UUID, typ models.TransactionType, ref string) (*models.WalletTransaction, error) {
	return t.transactions.GetByReference(ctx, clientID, typ, ref)
}

func (t *txStore) InsertSyncRecord(ctx context.Context, r *models.SyncRecord, resetRetries bool) error {
	if err := t.syncRecords.Insert(ctx, r); err != nil {
		return err
	}
	return t.clients.MarkSyncPending(ctx, r.ClientID, r.ID, resetRetries)
}

func (t *txStore) GetServicePackageForUpdate(ctx context.Context, id uuid.UUID) (*models.ServicePackage, error) {
	return t.packages.GetByIDForUpdate(ctx, id)
}

func (t *txStore) SaveServicePackage(ctx context.Context, p *models.ServicePackage) error {
	return t.packages.Update(ctx, p)
}

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func statusStrings(statuses []models.ClientStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
