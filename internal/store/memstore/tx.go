package memstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"ispcore/internal/apperr"
	"ispcore/internal/models"
)

// memTx runs while Store.txMu is held, so it only needs mu for visibility to
// concurrent readers.
type memTx struct {
	s *Store
}

func (t *memTx) GetClientForUpdate(ctx context.Context, id uuid.UUID) (*models.Client, error) {
	return t.s.GetClient(ctx, id)
}

func (t *memTx) SaveClient(_ context.Context, c *models.Client) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	cur, ok := t.s.clients[c.ID]
	if !ok {
		return apperr.Newf(apperr.ErrNotFound, "client %s not found", c.ID)
	}
	if cur.Version != c.Version {
		return apperr.ErrConcurrentModification
	}

	next := cur.Clone()
	next.WalletBalance = c.WalletBalance
	next.MonthlyRate = c.MonthlyRate
	next.SubscriptionType = c.SubscriptionType
	next.SubscriptionStartDate = clonePtr(c.SubscriptionStartDate)
	next.SubscriptionEndDate = clonePtr(c.SubscriptionEndDate)
	next.Status = c.Status
	next.SuspendedReason = c.SuspendedReason
	next.DisconnectionScheduledAt = clonePtr(c.DisconnectionScheduledAt)
	next.ServicePackageID = clonePtr(c.ServicePackageID)
	next.Version = cur.Version + 1
	next.UpdatedAt = time.Now()
	t.s.clients[c.ID] = next

	c.Version = next.Version
	c.UpdatedAt = next.UpdatedAt
	return nil
}

func (t *memTx) InsertWalletTransaction(_ context.Context, w *models.WalletTransaction) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if w.Type == models.TransactionPayment {
		for _, existing := range t.s.txns {
			if existing.ClientID == w.ClientID && existing.Type == w.Type && existing.ReferenceNumber == w.ReferenceNumber {
				return apperr.Newf(apperr.ErrDuplicateReference, "payment %q already recorded", w.ReferenceNumber)
			}
		}
	}
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	cp := *w
	t.s.txns = append(t.s.txns, &cp)
	return nil
}

func (t *memTx) GetWalletTransactionByReference(_ context.Context, clientID uuid.UUID, typ models.TransactionType, ref string) (*models.WalletTransaction, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	for _, w := range t.s.txns {
		if w.ClientID == clientID && w.Type == typ && w.ReferenceNumber == ref {
			cp := *w
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *memTx) InsertSyncRecord(_ context.Context, r *models.SyncRecord, resetRetries bool) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	c, ok := t.s.clients[r.ClientID]
	if !ok {
		return apperr.Newf(apperr.ErrNotFound, "client %s not found", r.ClientID)
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.Status == "" {
		r.Status = models.SyncRecordPending
	}
	cp := *r
	t.s.syncRecords = append(t.s.syncRecords, &cp)

	id := r.ID
	c.RadiusSyncStatus = models.SyncStatusPending
	c.LastSyncRecordID = &id
	c.NextSyncAttemptAt = nil
	if resetRetries {
		c.SyncRetryCount = 0
	}
	return nil
}

func (t *memTx) GetServicePackageForUpdate(ctx context.Context, id uuid.UUID) (*models.ServicePackage, error) {
	return t.s.GetServicePackage(ctx, id)
}

func (t *memTx) SaveServicePackage(_ context.Context, p *models.ServicePackage) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.packages[p.ID]; !ok {
		return apperr.Newf(apperr.ErrNotFound, "service package %s not found", p.ID)
	}
	p.UpdatedAt = time.Now()
	cp := *p
	t.s.packages[p.ID] = &cp
	return nil
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
