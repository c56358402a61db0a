package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ispcore/internal/models"
	"ispcore/internal/store"
)

func seed(t *testing.T) (*Store, *models.Client, *models.SyncRecord) {
	t.Helper()
	s := New()
	ctx := context.Background()
	c := &models.Client{
		ID:          uuid.New(),
		TenantID:    uuid.New(),
		Status:      models.ClientStatusActive,
		MonthlyRate: 500,
	}
	s.PutClient(c)

	rec := &models.SyncRecord{ClientID: c.ID, TenantID: c.TenantID, Action: models.SyncActionEnsureConnected, Attempt: 1}
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertSyncRecord(ctx, rec, true)
	}))
	return s, c, rec
}

func TestInTx_RollbackRestoresRows(t *testing.T) {
	s, c, _ := seed(t)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx store.Tx) error {
		got, err := tx.GetClientForUpdate(ctx, c.ID)
		require.NoError(t, err)
		got.WalletBalance = 900
		require.NoError(t, tx.SaveClient(ctx, got))
		return errors.New("abort")
	})
	require.Error(t, err)

	got, err := s.GetClient(ctx, c.ID)
	require.NoError(t, err)
	assert.Zero(t, got.WalletBalance)
}

func TestRecordSyncOutcome_SurvivesConcurrentRollback(t *testing.T) {
	s, c, rec := seed(t)
	ctx := context.Background()

	started, proceed := make(chan struct{}), make(chan struct{})
	txDone := make(chan error, 1)
	go func() {
		txDone <- s.InTx(ctx, func(tx store.Tx) error {
			close(started)
			<-proceed
			return errors.New("abort")
		})
	}()
	<-started

	outcomeDone := make(chan error, 1)
	go func() {
		_, err := s.RecordSyncOutcome(ctx, models.SyncOutcome{
			RecordID:    rec.ID,
			ClientID:    c.ID,
			Succeeded:   true,
			CompletedAt: time.Now(),
		})
		outcomeDone <- err
	}()

	// Give the outcome a chance to land while the transaction is open.
	time.Sleep(20 * time.Millisecond)
	close(proceed)
	require.Error(t, <-txDone)
	require.NoError(t, <-outcomeDone)

	got, err := s.GetClient(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSynced, got.RadiusSyncStatus)
	assert.NotNil(t, got.LastRadiusSyncAt)

	stored, err := s.GetSyncRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncRecordSucceeded, stored.Status)
}
