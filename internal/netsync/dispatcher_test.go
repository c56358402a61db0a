package netsync_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ispcore/internal/apperr"
	"ispcore/internal/models"
	"ispcore/internal/netsync"
	"ispcore/internal/netsync/netsynctest"
	"ispcore/internal/store"
	"ispcore/internal/store/memstore"
)

var now = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	store    *memstore.Store
	enforcer *netsynctest.Enforcer
	d        *netsync.Dispatcher
	client   *models.Client
	pkg      *models.ServicePackage
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	s := memstore.New()
	pkg := &models.ServicePackage{ID: uuid.New(), Name: "Home 10", DownloadSpeed: 10, UploadSpeed: 2, GroupName: "home-10"}
	s.PutServicePackage(pkg)

	end := now.Add(10 * 24 * time.Hour)
	c := &models.Client{
		ID:                  uuid.New(),
		TenantID:            uuid.New(),
		WalletBalance:       1200,
		MonthlyRate:         500,
		SubscriptionType:    models.SubscriptionMonthly,
		SubscriptionEndDate: &end,
		Status:              models.ClientStatusActive,
		RadiusUsername:      "jane",
		RadiusPassword:      "pw",
		ServicePackageID:    &pkg.ID,
		RadiusSyncStatus:    models.SyncStatusSynced,
	}
	s.PutClient(c)

	e := netsynctest.NewEnforcer()
	d := netsync.NewDispatcher(s, e, netsync.Config{
		Timeout: timeout,
		Backoff: netsync.Backoff{Base: time.Minute, Max: time.Hour},
		Now:     func() time.Time { return now },
	}, zap.NewNop())

	return &fixture{store: s, enforcer: e, d: d, client: c, pkg: pkg}
}

func (f *fixture) get(t *testing.T) *models.Client {
	t.Helper()
	c, err := f.store.GetClient(context.Background(), f.client.ID)
	require.NoError(t, err)
	require.NotNil(t, c)
	return c
}

func TestDispatch_Success(t *testing.T) {
	f := newFixture(t, time.Second)

	rec, err := f.d.Dispatch(context.Background(), f.client.ID, true)
	require.NoError(t, err)
	require.NotNil(t, rec)

	got := f.get(t)
	assert.Equal(t, models.SyncStatusSynced, got.RadiusSyncStatus)
	require.NotNil(t, got.LastRadiusSyncAt)
	assert.Equal(t, now, *got.LastRadiusSyncAt)
	assert.Zero(t, got.SyncRetryCount)

	cmds := f.enforcer.Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, netsync.WireConnect, cmds[0].Action)
	assert.Equal(t, 10000, cmds[0].DownloadSpeedKbps)
	assert.Equal(t, "home-10", cmds[0].GroupName)

	stored, err := f.store.GetSyncRecord(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncRecordSucceeded, stored.Status)
}

func TestDispatch_FailureOnlyTouchesSyncStatus(t *testing.T) {
	f := newFixture(t, time.Second)
	f.enforcer.SetFailing(true)
	before := f.get(t)

	_, err := f.d.Dispatch(context.Background(), f.client.ID, true)
	assert.ErrorIs(t, err, apperr.ErrSyncFailed)

	got := f.get(t)
	assert.Equal(t, models.SyncStatusFailed, got.RadiusSyncStatus)
	assert.Equal(t, 1, got.SyncRetryCount)
	require.NotNil(t, got.NextSyncAttemptAt)
	assert.Equal(t, now.Add(time.Minute), *got.NextSyncAttemptAt)

	assert.Equal(t, before.Status, got.Status)
	assert.Equal(t, before.WalletBalance, got.WalletBalance)
	assert.Equal(t, *before.SubscriptionEndDate, *got.SubscriptionEndDate)
	assert.Equal(t, before.DisconnectionScheduledAt, got.DisconnectionScheduledAt)
}

func TestDispatch_BackoffGrowsWithRetries(t *testing.T) {
	f := newFixture(t, time.Second)
	f.enforcer.SetFailing(true)
	ctx := context.Background()

	_, err := f.d.Dispatch(ctx, f.client.ID, true)
	require.Error(t, err)
	_, err = f.d.Dispatch(ctx, f.client.ID, false)
	require.Error(t, err)

	got := f.get(t)
	assert.Equal(t, 2, got.SyncRetryCount)
	assert.Equal(t, now.Add(2*time.Minute), *got.NextSyncAttemptAt)

	// A manual dispatch resets the budget.
	f.enforcer.SetFailing(false)
	rec, err := f.d.Dispatch(ctx, f.client.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Attempt)
	assert.Zero(t, f.get(t).SyncRetryCount)
}

func TestDispatch_TimeoutMarksFailed(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)
	f.enforcer.Block()
	defer f.enforcer.Unblock()

	_, err := f.d.Dispatch(context.Background(), f.client.ID, true)
	assert.ErrorIs(t, err, apperr.ErrSyncFailed)
	assert.Equal(t, models.SyncStatusFailed, f.get(t).RadiusSyncStatus)
}

func TestDispatch_DuplicateIsNotAnError(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	_, err := f.d.Dispatch(ctx, f.client.ID, true)
	require.NoError(t, err)
	_, err = f.d.Dispatch(ctx, f.client.ID, true)
	require.NoError(t, err)

	assert.Len(t, f.enforcer.Commands(), 2)
	assert.Equal(t, models.SyncStatusSynced, f.get(t).RadiusSyncStatus)
}

func TestDispatch_NothingToEnforce(t *testing.T) {
	f := newFixture(t, time.Second)
	c := f.get(t)
	c.Status = models.ClientStatusPending
	f.store.PutClient(c)

	rec, err := f.d.Dispatch(context.Background(), f.client.ID, true)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.Nil(t, rec)
	assert.Empty(t, f.enforcer.Commands())
}

func TestDispatch_ActionFollowsCurrentStatus(t *testing.T) {
	f := newFixture(t, time.Second)
	c := f.get(t)
	c.Status = models.ClientStatusSuspended
	c.SuspendedReason = models.SuspendedReasonAdmin
	f.store.PutClient(c)

	rec, err := f.d.Dispatch(context.Background(), f.client.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.SyncActionSuspend, rec.Action)

	cmds := f.enforcer.Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, netsync.WireSuspend, cmds[0].Action)
}

func TestDispatch_UnknownClient(t *testing.T) {
	f := newFixture(t, time.Second)

	_, err := f.d.Dispatch(context.Background(), uuid.New(), true)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDeliver_SupersededRecordIsNotSent(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	var older, newer *models.SyncRecord
	require.NoError(t, f.store.InTx(ctx, func(tx store.Tx) error {
		c, err := tx.GetClientForUpdate(ctx, f.client.ID)
		require.NoError(t, err)
		older, err = f.d.Enqueue(ctx, tx, c, models.SyncActionSuspend, true)
		require.NoError(t, err)
		newer, err = f.d.Enqueue(ctx, tx, c, models.SyncActionEnsureConnected, true)
		return err
	}))

	require.NoError(t, f.d.Deliver(ctx, older))
	assert.Empty(t, f.enforcer.Commands())
	assert.Equal(t, models.SyncStatusPending, f.get(t).RadiusSyncStatus)

	require.NoError(t, f.d.Deliver(ctx, newer))
	cmds := f.enforcer.Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, netsync.WireConnect, cmds[0].Action)
	assert.Equal(t, models.SyncStatusSynced, f.get(t).RadiusSyncStatus)
}

func TestDeliver_ReadsPackageAtDispatchTime(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	var rec *models.SyncRecord
	require.NoError(t, f.store.InTx(ctx, func(tx store.Tx) error {
		c, err := tx.GetClientForUpdate(ctx, f.client.ID)
		require.NoError(t, err)
		rec, err = f.d.Enqueue(ctx, tx, c, models.SyncActionEnsureConnected, true)
		return err
	}))

	f.pkg.DownloadSpeed = 50
	f.store.PutServicePackage(f.pkg)

	require.NoError(t, f.d.Deliver(ctx, rec))
	assert.Equal(t, 50000, f.enforcer.Commands()[0].DownloadSpeedKbps)
}

func TestDeliver_VanishedClient(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	var rec *models.SyncRecord
	require.NoError(t, f.store.InTx(ctx, func(tx store.Tx) error {
		c, err := tx.GetClientForUpdate(ctx, f.client.ID)
		require.NoError(t, err)
		rec, err = f.d.Enqueue(ctx, tx, c, models.SyncActionSuspend, true)
		return err
	}))
	f.store.DeleteClient(f.client.ID)

	assert.NoError(t, f.d.Deliver(ctx, rec))
	assert.Empty(t, f.enforcer.Commands())
}
