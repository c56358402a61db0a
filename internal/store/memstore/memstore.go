// Package memstore is an in-process implementation of store.Store used for
// development mode (STORE_DRIVER=memory) and tests. Transactions are fully
// serialized and roll back by restoring a snapshot.
package memstore

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"ispcore/internal/apperr"
	"ispcore/internal/models"
	"ispcore/internal/store"
)

// Store keeps all rows in memory.
type Store struct {
	txMu sync.Mutex

	mu          sync.RWMutex
	clients     map[uuid.UUID]*models.Client
	packages    map[uuid.UUID]*models.ServicePackage
	txns        []*models.WalletTransaction
	syncRecords []*models.SyncRecord
	journaled   map[uuid.UUID]time.Time
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		clients:   make(map[uuid.UUID]*models.Client),
		packages:  make(map[uuid.UUID]*models.ServicePackage),
		journaled: make(map[uuid.UUID]time.Time),
	}
}

// PutClient inserts or replaces a client row as-is.
func (s *Store) PutClient(c *models.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.RadiusSyncStatus == "" {
		c.RadiusSyncStatus = models.SyncStatusSynced
	}
	s.clients[c.ID] = c.Clone()
}

// PutServicePackage inserts or replaces a package row as-is.
func (s *Store) PutServicePackage(p *models.ServicePackage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	cp := *p
	s.packages[p.ID] = &cp
}

// DeleteClient removes a client row, simulating a tenant-initiated deletion.
func (s *Store) DeleteClient(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, id)
}

// InTx implements store.Store.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snap := s.snapshot()
	if err := fn(&memTx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type snapshot struct {
	clients     map[uuid.UUID]*models.Client
	packages    map[uuid.UUID]*models.ServicePackage
	txns        int
	syncRecords int
}

func (s *Store) snapshot() snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := snapshot{
		clients:     make(map[uuid.UUID]*models.Client, len(s.clients)),
		packages:    make(map[uuid.UUID]*models.ServicePackage, len(s.packages)),
		txns:        len(s.txns),
		syncRecords: len(s.syncRecords),
	}
	for id, c := range s.clients {
		snap.clients[id] = c.Clone()
	}
	for id, p := range s.packages {
		cp := *p
		snap.packages[id] = &cp
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients = snap.clients
	s.packages = snap.packages
	s.txns = s.txns[:snap.txns]
	s.syncRecords = s.syncRecords[:snap.syncRecords]
}

// GetClient implements store.Store.
func (s *Store) GetClient(_ context.Context, id uuid.UUID) (*models.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	if !ok {
		return nil, nil
	}
	return c.Clone(), nil
}

// GetServicePackage implements store.Store.
func (s *Store) GetServicePackage(_ context.Context, id uuid.UUID) (*models.ServicePackage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.packages[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

// ListClientIDsByPackage implements store.Store.
func (s *Store) ListClientIDsByPackage(_ context.Context, packageID uuid.UUID, statuses ...models.ClientStatus) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []uuid.UUID
	for _, c := range s.sortedClients() {
		if c.ServicePackageID == nil || *c.ServicePackageID != packageID {
			continue
		}
		if len(statuses) > 0 && !slices.Contains(statuses, c.Status) {
			continue
		}
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// ListWalletTransactions implements store.Store. Newest entries come first.
func (s *Store) ListWalletTransactions(_ context.Context, clientID uuid.UUID, limit, offset int) ([]*models.WalletTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.WalletTransaction
	for i := len(s.txns) - 1; i >= 0; i-- {
		if s.txns[i].ClientID == clientID {
			cp := *s.txns[i]
			out = append(out, &cp)
		}
	}
	return page(out, limit, offset), nil
}

// SumWalletTransactions implements store.Store.
func (s *Store) SumWalletTransactions(_ context.Context, clientID uuid.UUID) (models.Money, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum models.Money
	for _, t := range s.txns {
		if t.ClientID == clientID {
			sum += t.Signed()
		}
	}
	return sum, nil
}

// ListUnjournaledTransactions implements store.Store.
func (s *Store) ListUnjournaledTransactions(_ context.Context, before time.Time, limit int) ([]*models.WalletTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.WalletTransaction
	for _, t := range s.txns {
		if _, ok := s.journaled[t.ID]; ok || !t.CreatedAt.Before(before) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return page(out, limit, 0), nil
}

// MarkJournaled implements store.Store.
func (s *Store) MarkJournaled(_ context.Context, ids []uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if _, ok := s.journaled[id]; !ok {
			s.journaled[id] = at
		}
	}
	return nil
}

// GetSyncRecord implements store.Store.
func (s *Store) GetSyncRecord(_ context.Context, id uuid.UUID) (*models.SyncRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.syncRecords {
		if r.ID == id {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

// ListSyncRecords implements store.Store. Newest records come first.
func (s *Store) ListSyncRecords(_ context.Context, clientID uuid.UUID, limit int) ([]*models.SyncRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.SyncRecord
	for i := len(s.syncRecords) - 1; i >= 0; i-- {
		if s.syncRecords[i].ClientID == clientID {
			cp := *s.syncRecords[i]
			out = append(out, &cp)
		}
	}
	return page(out, limit, 0), nil
}

// RecordSyncOutcome implements store.Store. It runs as its own transaction so
// that a concurrent rollback cannot restore over the outcome.
func (s *Store) RecordSyncOutcome(ctx context.Context, o models.SyncOutcome) (bool, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var rec *models.SyncRecord
	for _, r := range s.syncRecords {
		if r.ID == o.RecordID {
			rec = r
			break
		}
	}
	if rec == nil {
		return false, apperr.Newf(apperr.ErrNotFound, "sync record %s not found", o.RecordID)
	}

	completed := o.CompletedAt
	rec.CompletedAt = &completed
	if o.Succeeded {
		rec.Status = models.SyncRecordSucceeded
		rec.Error = nil
	} else {
		rec.Status = models.SyncRecordFailed
		msg := o.Error
		rec.Error = &msg
	}

	c, ok := s.clients[rec.ClientID]
	if !ok || c.LastSyncRecordID == nil || *c.LastSyncRecordID != rec.ID {
		return false, nil
	}
	if o.Succeeded {
		c.RadiusSyncStatus = models.SyncStatusSynced
		c.LastRadiusSyncAt = &completed
		c.SyncRetryCount = 0
		c.NextSyncAttemptAt = nil
	} else {
		c.RadiusSyncStatus = models.SyncStatusFailed
		c.SyncRetryCount++
		c.NextSyncAttemptAt = o.NextAttemptAt
	}
	c.UpdatedAt = time.Now()
	return true, nil
}

// ListRenewalCandidates implements store.Store.
func (s *Store) ListRenewalCandidates(_ context.Context, now time.Time, window time.Duration, limit int) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	horizon := now.Add(window)
	var ids []uuid.UUID
	for _, c := range s.sortedClients() {
		switch {
		case c.Status == models.ClientStatusActive:
			if c.SubscriptionEndDate != nil && c.SubscriptionEndDate.After(horizon) {
				continue
			}
		case c.Status == models.ClientStatusApproved:
			if !c.CanCoverRenewal() {
				continue
			}
		case c.Status == models.ClientStatusSuspended && c.SuspendedReason == models.SuspendedReasonNonPayment:
			if !c.CanCoverRenewal() {
				continue
			}
		default:
			continue
		}
		ids = append(ids, c.ID)
	}
	return page(ids, limit, 0), nil
}

// ListSyncRetryCandidates implements store.Store.
func (s *Store) ListSyncRetryCandidates(_ context.Context, now time.Time, maxRetries, limit int) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []uuid.UUID
	for _, c := range s.sortedClients() {
		if c.RadiusSyncStatus != models.SyncStatusPending && c.RadiusSyncStatus != models.SyncStatusFailed {
			continue
		}
		if models.DesiredSyncAction(c.Status) == models.SyncActionNone {
			continue
		}
		if c.SyncRetryCount >= maxRetries {
			continue
		}
		if c.NextSyncAttemptAt != nil && c.NextSyncAttemptAt.After(now) {
			continue
		}
		ids = append(ids, c.ID)
	}
	return page(ids, limit, 0), nil
}

// ListGraceExpired implements store.Store.
func (s *Store) ListGraceExpired(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []uuid.UUID
	for _, c := range s.sortedClients() {
		if c.Status != models.ClientStatusSuspended || c.SuspendedReason != models.SuspendedReasonNonPayment {
			continue
		}
		if c.DisconnectionScheduledAt == nil || c.DisconnectionScheduledAt.After(now) {
			continue
		}
		ids = append(ids, c.ID)
	}
	return page(ids, limit, 0), nil
}

// Ping implements store.Store.
func (s *Store) Ping(context.Context) error {
	return nil
}

// sortedClients returns clients in a stable order. Caller holds mu.
func (s *Store) sortedClients() []*models.Client {
	out := make([]*models.Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *models.Client) int {
		return a.CreatedAt.Compare(b.CreatedAt)*2 + compareUUID(a.ID, b.ID)
	})
	return out
}

func compareUUID(a, b uuid.UUID) int {
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
