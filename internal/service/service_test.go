package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ispcore/internal/apperr"
	"ispcore/internal/billing"
	"ispcore/internal/ledger"
	"ispcore/internal/lifecycle"
	"ispcore/internal/lock"
	"ispcore/internal/models"
	"ispcore/internal/netsync"
	"ispcore/internal/netsync/netsynctest"
	"ispcore/internal/notify"
	"ispcore/internal/store/memstore"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

const gracePeriod = 7 * 24 * time.Hour

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(ev notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) Types() []notify.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.EventType, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, ev.Type)
	}
	return out
}

// hookStore runs a one-shot callback before the next GetClient.
type hookStore struct {
	*memstore.Store
	next atomic.Pointer[func()]
}

func (s *hookStore) GetClient(ctx context.Context, id uuid.UUID) (*models.Client, error) {
	if fn := s.next.Swap(nil); fn != nil {
		(*fn)()
	}
	return s.Store.GetClient(ctx, id)
}

type harness struct {
	svc      *Service
	store    *memstore.Store
	hooks    *hookStore
	journal  *ledger.MemoryJournal
	enforcer *netsynctest.Enforcer
	locker   *lock.Local
	notifier *recordingNotifier
	tenantID uuid.UUID
	pkg      *models.ServicePackage
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s := memstore.New()
	tenantID := uuid.New()
	pkg := &models.ServicePackage{
		ID:            uuid.New(),
		TenantID:      tenantID,
		Name:          "Home 10",
		DownloadSpeed: 10,
		UploadSpeed:   5,
		GroupName:     "home-10",
	}
	s.PutServicePackage(pkg)
	hooks := &hookStore{Store: s}

	clock := func() time.Time { return now }
	journal := ledger.NewMemoryJournal(ledger.CurrencyKES)
	enforcer := netsynctest.NewEnforcer()
	locker := lock.NewLocal()
	notifier := &recordingNotifier{}

	dispatcher := netsync.NewDispatcher(hooks, enforcer, netsync.Config{
		Timeout: time.Second,
		Backoff: netsync.Backoff{Base: 30 * time.Second, Max: time.Hour},
		Now:     clock,
	}, zap.NewNop())

	svc := New(Deps{
		Store:      hooks,
		Ledger:     ledger.New(hooks, journal, zap.NewNop()),
		Evaluator:  billing.NewEvaluator(24 * time.Hour),
		Machine:    lifecycle.Machine{GracePeriod: gracePeriod},
		Dispatcher: dispatcher,
		Locker:     locker,
		Notifier:   notifier,
	}, Config{RetryPause: time.Millisecond, Now: clock}, zap.NewNop())

	return &harness{
		svc:      svc,
		store:    s,
		hooks:    hooks,
		journal:  journal,
		enforcer: enforcer,
		locker:   locker,
		notifier: notifier,
		tenantID: tenantID,
		pkg:      pkg,
	}
}

func (h *harness) client(t *testing.T, mutate func(c *models.Client)) *models.Client {
	t.Helper()
	c := &models.Client{
		ID:               uuid.New(),
		TenantID:         h.tenantID,
		Name:             "Jane",
		MonthlyRate:      500,
		SubscriptionType: models.SubscriptionMonthly,
		Status:           models.ClientStatusActive,
		RadiusUsername:   "user-" + uuid.NewString()[:8],
		RadiusPassword:   "pw",
		ServicePackageID: &h.pkg.ID,
		CreatedAt:        now,
	}
	if mutate != nil {
		mutate(c)
	}
	h.store.PutClient(c)
	return c
}

func (h *harness) get(t *testing.T, id uuid.UUID) *models.Client {
	t.Helper()
	c, err := h.store.GetClient(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, c)
	return c
}

func (h *harness) debits(t *testing.T, id uuid.UUID) int {
	t.Helper()
	txns, err := h.store.ListWalletTransactions(context.Background(), id, 0, 0)
	require.NoError(t, err)
	n := 0
	for _, tx := range txns {
		if tx.Type == models.TransactionDebit {
			n++
		}
	}
	return n
}

func at(d time.Duration) *time.Time {
	t := now.Add(d)
	return &t
}

func TestEvaluateRenewal_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.client(t, func(c *models.Client) {
		c.WalletBalance = 2000
		c.SubscriptionEndDate = at(20 * time.Hour)
	})

	first, err := h.svc.EvaluateRenewal(ctx, h.tenantID, c.ID, false)
	require.NoError(t, err)
	assert.Equal(t, billing.DecisionRenew, first.Renewal.Kind)

	second, err := h.svc.EvaluateRenewal(ctx, h.tenantID, c.ID, false)
	require.NoError(t, err)
	assert.Equal(t, billing.DecisionAlreadyValid, second.Renewal.Kind)

	got := h.get(t, c.ID)
	assert.Equal(t, models.Money(1500), got.WalletBalance)
	assert.Equal(t, now.Add(20*time.Hour).Add(billing.MonthlyPeriod), *got.SubscriptionEndDate)
	assert.Equal(t, 1, h.debits(t, c.ID))
}

func TestEvaluateRenewal_ConcurrentCallsDebitOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.client(t, func(c *models.Client) {
		c.WalletBalance = 5000
		c.SubscriptionEndDate = at(-time.Hour)
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.EvaluateRenewal(ctx, h.tenantID, c.ID, false)
			if err != nil {
				assert.ErrorIs(t, err, apperr.ErrConcurrentModification)
			}
		}()
	}
	wg.Wait()

	got := h.get(t, c.ID)
	assert.Equal(t, 1, h.debits(t, c.ID))
	assert.Equal(t, models.Money(4500), got.WalletBalance)
	assert.Equal(t, now.Add(billing.MonthlyPeriod), *got.SubscriptionEndDate)
}

func TestEvaluateRenewal_ExpiredRenewsFromNow(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, func(c *models.Client) {
		c.WalletBalance = 500
		c.Status = models.ClientStatusSuspended
		c.SuspendedReason = models.SuspendedReasonNonPayment
		c.SubscriptionEndDate = at(-48 * time.Hour)
		c.DisconnectionScheduledAt = at(5 * 24 * time.Hour)
	})

	res, err := h.svc.EvaluateRenewal(context.Background(), h.tenantID, c.ID, false)
	require.NoError(t, err)
	assert.Equal(t, billing.DecisionRenew, res.Renewal.Kind)
	require.NotNil(t, res.Transition)
	assert.Equal(t, models.ClientStatusActive, res.Transition.To)

	got := h.get(t, c.ID)
	assert.Equal(t, models.ClientStatusActive, got.Status)
	assert.Equal(t, now.Add(billing.MonthlyPeriod), *got.SubscriptionEndDate)
	assert.Equal(t, now, *got.SubscriptionStartDate)
	assert.Nil(t, got.DisconnectionScheduledAt)
	assert.Equal(t, models.SuspendedReasonNone, got.SuspendedReason)
	assert.Equal(t, models.SyncStatusSynced, got.RadiusSyncStatus)

	cmds := h.enforcer.Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, netsync.WireConnect, cmds[0].Action)
	assert.Equal(t, "home-10", cmds[0].GroupName)
}

func TestEvaluateRenewal_WeeklyExactThreshold(t *testing.T) {
	h := newHarness(t)
	oldEnd := now.Add(20 * time.Hour)
	c := h.client(t, func(c *models.Client) {
		c.SubscriptionType = models.SubscriptionWeekly
		c.WalletBalance = 500
		c.SubscriptionEndDate = &oldEnd
	})

	res, err := h.svc.EvaluateRenewal(context.Background(), h.tenantID, c.ID, false)
	require.NoError(t, err)
	assert.Equal(t, billing.DecisionRenew, res.Renewal.Kind)
	assert.Equal(t, models.Money(0), res.Client.WalletBalance)
	assert.Equal(t, oldEnd.Add(7*24*time.Hour), *res.Client.SubscriptionEndDate)
	assert.Equal(t, models.ClientStatusActive, res.Client.Status)
}

func TestEvaluateRenewal_ExpiredInsufficientFundsSuspends(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, func(c *models.Client) {
		c.WalletBalance = 300
		c.SubscriptionEndDate = at(-time.Hour)
	})

	res, err := h.svc.EvaluateRenewal(context.Background(), h.tenantID, c.ID, false)
	require.NoError(t, err)
	assert.Equal(t, billing.DecisionInsufficientFunds, res.Renewal.Kind)
	require.NotNil(t, res.SyncRecord)
	assert.Equal(t, models.SyncActionSuspend, res.SyncRecord.Action)

	got := h.get(t, c.ID)
	assert.Equal(t, models.ClientStatusSuspended, got.Status)
	assert.Equal(t, models.SuspendedReasonNonPayment, got.SuspendedReason)
	assert.Equal(t, models.Money(300), got.WalletBalance)
	assert.Equal(t, now.Add(gracePeriod), *got.DisconnectionScheduledAt)
	assert.Zero(t, h.debits(t, c.ID))

	cmds := h.enforcer.Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, netsync.WireSuspend, cmds[0].Action)
	assert.Equal(t, netsync.SuspendedGroup, cmds[0].GroupName)

	assert.Contains(t, h.notifier.Types(), notify.EventServiceSuspended)
}

func TestEvaluateRenewal_InsufficientFundsInsideWindowKeepsService(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, func(c *models.Client) {
		c.WalletBalance = 100
		c.SubscriptionEndDate = at(6 * time.Hour)
	})

	res, err := h.svc.EvaluateRenewal(context.Background(), h.tenantID, c.ID, false)
	require.NoError(t, err)
	assert.Equal(t, billing.DecisionInsufficientFunds, res.Renewal.Kind)
	assert.Nil(t, res.Transition)
	assert.Equal(t, models.ClientStatusActive, h.get(t, c.ID).Status)
	assert.Empty(t, h.enforcer.Commands())
}

func TestEvaluateRenewal_AdminSuspendedIsHeld(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, func(c *models.Client) {
		c.WalletBalance = 5000
		c.Status = models.ClientStatusSuspended
		c.SuspendedReason = models.SuspendedReasonAdmin
		c.SubscriptionEndDate = at(-time.Hour)
	})

	res, err := h.svc.EvaluateRenewal(context.Background(), h.tenantID, c.ID, true)
	require.NoError(t, err)
	assert.Equal(t, billing.DecisionHold, res.Renewal.Kind)
	assert.Equal(t, models.Money(5000), h.get(t, c.ID).WalletBalance)
}

func TestEvaluateRenewal_SyncFailureKeepsBillingDecision(t *testing.T) {
	h := newHarness(t)
	h.enforcer.SetFailing(true)
	c := h.client(t, func(c *models.Client) {
		c.WalletBalance = 500
		c.Status = models.ClientStatusApproved
	})

	res, err := h.svc.EvaluateRenewal(context.Background(), h.tenantID, c.ID, false)
	require.NoError(t, err)
	assert.Equal(t, billing.DecisionRenew, res.Renewal.Kind)

	got := h.get(t, c.ID)
	assert.Equal(t, models.ClientStatusActive, got.Status)
	assert.Equal(t, models.Money(0), got.WalletBalance)
	assert.Equal(t, now.Add(billing.MonthlyPeriod), *got.SubscriptionEndDate)
	assert.Equal(t, models.SyncStatusFailed, got.RadiusSyncStatus)
	assert.Equal(t, 1, got.SyncRetryCount)
}

func TestEvaluateRenewal_LockContention(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, func(c *models.Client) {
		c.WalletBalance = 500
		c.SubscriptionEndDate = at(-time.Hour)
	})

	unlock, err := h.locker.TryLock(context.Background(), "client:"+c.ID.String())
	require.NoError(t, err)
	defer unlock()

	_, err = h.svc.EvaluateRenewal(context.Background(), h.tenantID, c.ID, false)
	assert.ErrorIs(t, err, apperr.ErrConcurrentModification)
	assert.Equal(t, models.Money(500), h.get(t, c.ID).WalletBalance)
}

func TestEvaluateRenewal_OtherTenantNotFound(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, nil)

	_, err := h.svc.EvaluateRenewal(context.Background(), uuid.New(), c.ID, false)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestHandlePayment_ReactivatesSuspendedClient(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, func(c *models.Client) {
		c.WalletBalance = 200
		c.Status = models.ClientStatusSuspended
		c.SuspendedReason = models.SuspendedReasonNonPayment
		c.SubscriptionEndDate = at(-3 * 24 * time.Hour)
		c.DisconnectionScheduledAt = at(4 * 24 * time.Hour)
	})

	res, err := h.svc.HandlePayment(context.Background(), PaymentConfirmation{
		TenantID:        h.tenantID,
		ClientID:        c.ID,
		Amount:          300,
		ReferenceNumber: "MPESA-42",
		Method:          "mpesa",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, models.TransactionPayment, res.Transaction.Type)
	assert.Equal(t, billing.DecisionRenew, res.Renewal.Kind)
	assert.Equal(t, models.ClientStatusActive, res.Client.Status)
	assert.Equal(t, models.Money(0), res.Client.WalletBalance)

	assert.Equal(t, []notify.EventType{notify.EventPaymentReceived, notify.EventServiceRenewed}, h.notifier.Types())

	rec, err := h.svc.Reconcile(context.Background(), h.tenantID, c.ID)
	require.NoError(t, err)
	// The seeded opening balance has no transaction behind it.
	assert.Equal(t, models.Money(200), rec.Drift)
}

func TestHandlePayment_DuplicateReference(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.client(t, func(c *models.Client) {
		c.SubscriptionEndDate = at(20 * 24 * time.Hour)
	})

	p := PaymentConfirmation{TenantID: h.tenantID, ClientID: c.ID, Amount: 1000, ReferenceNumber: "MPESA-7"}

	first, err := h.svc.HandlePayment(ctx, p)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, billing.DecisionAlreadyValid, first.Renewal.Kind)

	second, err := h.svc.HandlePayment(ctx, p)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)

	assert.Equal(t, models.Money(1000), h.get(t, c.ID).WalletBalance)

	rec, err := h.svc.Reconcile(ctx, h.tenantID, c.ID)
	require.NoError(t, err)
	assert.True(t, rec.Balanced())
}

func TestHandlePayment_Validation(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, nil)

	_, err := h.svc.HandlePayment(context.Background(), PaymentConfirmation{ClientID: c.ID, Amount: 0, ReferenceNumber: "x"})
	assert.ErrorIs(t, err, apperr.ErrInvalidAmount)

	_, err = h.svc.HandlePayment(context.Background(), PaymentConfirmation{ClientID: c.ID, Amount: 100, ReferenceNumber: "  "})
	assert.ErrorIs(t, err, apperr.ErrMalformedRequest)
}

func TestHandlePayment_MirrorsToJournal(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, func(c *models.Client) {
		c.Status = models.ClientStatusApproved
	})

	_, err := h.svc.HandlePayment(context.Background(), PaymentConfirmation{
		TenantID: h.tenantID, ClientID: c.ID, Amount: 800, ReferenceNumber: "MPESA-9",
	})
	require.NoError(t, err)

	// payment + renewal debit
	assert.Equal(t, 2, h.journal.Len())
	wallet := ledger.WalletAccount(c.ID, ledger.CurrencyKES)
	assert.Equal(t, int64(300), h.journal.Balance(wallet).Total())
}

func TestCreditWallet(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.client(t, func(c *models.Client) {
		c.SubscriptionEndDate = at(10 * 24 * time.Hour)
	})

	res, err := h.svc.CreditWallet(ctx, CreditRequest{TenantID: h.tenantID, ClientID: c.ID, Amount: 250, Type: models.TransactionRefund})
	require.NoError(t, err)
	assert.Equal(t, models.TransactionRefund, res.Transaction.Type)
	assert.Equal(t, models.Money(250), res.Client.WalletBalance)

	_, err = h.svc.CreditWallet(ctx, CreditRequest{TenantID: h.tenantID, ClientID: c.ID, Amount: 250, Type: models.TransactionDebit})
	assert.ErrorIs(t, err, apperr.ErrMalformedRequest)

	_, err = h.svc.CreditWallet(ctx, CreditRequest{TenantID: h.tenantID, ClientID: c.ID, Amount: -5})
	assert.ErrorIs(t, err, apperr.ErrInvalidAmount)
}

func TestApplyAdminAction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.client(t, func(c *models.Client) {
		c.SubscriptionEndDate = at(10 * 24 * time.Hour)
	})

	res, err := h.svc.ApplyAdminAction(ctx, AdminAction{TenantID: h.tenantID, ClientID: c.ID, TargetState: models.ClientStatusSuspended, Reason: "abuse"})
	require.NoError(t, err)
	assert.Equal(t, models.ClientStatusSuspended, res.Client.Status)
	assert.Equal(t, models.SuspendedReasonAdmin, res.Client.SuspendedReason)
	assert.Nil(t, res.Client.DisconnectionScheduledAt)

	res, err = h.svc.ApplyAdminAction(ctx, AdminAction{TenantID: h.tenantID, ClientID: c.ID, TargetState: models.ClientStatusActive})
	require.NoError(t, err)
	assert.Equal(t, models.ClientStatusActive, res.Client.Status)

	_, err = h.svc.ApplyAdminAction(ctx, AdminAction{TenantID: h.tenantID, ClientID: c.ID, TargetState: models.ClientStatusApproved})
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = h.svc.ApplyAdminAction(ctx, AdminAction{TenantID: h.tenantID, ClientID: c.ID, TargetState: "frozen"})
	assert.ErrorIs(t, err, apperr.ErrMalformedRequest)

	res, err = h.svc.ApplyAdminAction(ctx, AdminAction{TenantID: h.tenantID, ClientID: c.ID, TargetState: models.ClientStatusDisconnected, Reason: "moved away"})
	require.NoError(t, err)
	assert.Equal(t, models.ClientStatusDisconnected, res.Client.Status)

	cmds := h.enforcer.Commands()
	require.Len(t, cmds, 3)
	assert.Equal(t, netsync.WireSuspend, cmds[0].Action)
	assert.Equal(t, netsync.WireConnect, cmds[1].Action)
	assert.Equal(t, netsync.WireDisconnect, cmds[2].Action)

	assert.Equal(t, []notify.EventType{notify.EventServiceSuspended, notify.EventServiceDisconnected}, h.notifier.Types())
}

func TestApplyAdminAction_ResumeRequiresPaidPeriod(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, func(c *models.Client) {
		c.Status = models.ClientStatusSuspended
		c.SuspendedReason = models.SuspendedReasonAdmin
		c.SubscriptionEndDate = at(-time.Hour)
	})

	_, err := h.svc.ApplyAdminAction(context.Background(), AdminAction{TenantID: h.tenantID, ClientID: c.ID, TargetState: models.ClientStatusActive})
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.Equal(t, models.ClientStatusSuspended, h.get(t, c.ID).Status)
	assert.Empty(t, h.enforcer.Commands())
}

func TestApplyAdminAction_ActivateApproved(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.client(t, func(c *models.Client) {
		c.Status = models.ClientStatusApproved
		c.WalletBalance = 100
	})

	_, err := h.svc.ApplyAdminAction(ctx, AdminAction{TenantID: h.tenantID, ClientID: c.ID, TargetState: models.ClientStatusActive})
	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)
	assert.Equal(t, models.ClientStatusApproved, h.get(t, c.ID).Status)

	_, err = h.svc.CreditWallet(ctx, CreditRequest{TenantID: h.tenantID, ClientID: c.ID, Amount: 50})
	require.NoError(t, err)

	// Every credit re-runs renewal; 150 still does not cover the rate.
	assert.Equal(t, models.ClientStatusApproved, h.get(t, c.ID).Status)

	_, err = h.svc.CreditWallet(ctx, CreditRequest{TenantID: h.tenantID, ClientID: c.ID, Amount: 350})
	require.NoError(t, err)
	got := h.get(t, c.ID)
	assert.Equal(t, models.ClientStatusActive, got.Status)
	assert.Equal(t, models.Money(0), got.WalletBalance)
}

func TestApplyAdminAction_PendingLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.client(t, func(c *models.Client) {
		c.Status = models.ClientStatusPending
	})

	res, err := h.svc.ApplyAdminAction(ctx, AdminAction{TenantID: h.tenantID, ClientID: c.ID, TargetState: models.ClientStatusRejected})
	require.NoError(t, err)
	assert.Equal(t, models.ClientStatusRejected, res.Client.Status)
	assert.Nil(t, res.SyncRecord)

	res, err = h.svc.ApplyAdminAction(ctx, AdminAction{TenantID: h.tenantID, ClientID: c.ID, TargetState: models.ClientStatusPending})
	require.NoError(t, err)
	assert.Equal(t, models.ClientStatusPending, res.Client.Status)

	res, err = h.svc.ApplyAdminAction(ctx, AdminAction{TenantID: h.tenantID, ClientID: c.ID, TargetState: models.ClientStatusApproved})
	require.NoError(t, err)
	assert.Equal(t, models.ClientStatusApproved, res.Client.Status)

	assert.Empty(t, h.enforcer.Commands())
}

func TestDisconnectOverdue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	due := h.client(t, func(c *models.Client) {
		c.Status = models.ClientStatusSuspended
		c.SuspendedReason = models.SuspendedReasonNonPayment
		c.SubscriptionEndDate = at(-8 * 24 * time.Hour)
		c.DisconnectionScheduledAt = at(-time.Minute)
	})
	notDue := h.client(t, func(c *models.Client) {
		c.Status = models.ClientStatusSuspended
		c.SuspendedReason = models.SuspendedReasonNonPayment
		c.SubscriptionEndDate = at(-2 * 24 * time.Hour)
		c.DisconnectionScheduledAt = at(5 * 24 * time.Hour)
	})

	res, err := h.svc.DisconnectOverdue(ctx, due.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Transition)
	assert.Equal(t, models.ClientStatusDisconnected, res.Client.Status)
	assert.Nil(t, res.Client.DisconnectionScheduledAt)

	res, err = h.svc.DisconnectOverdue(ctx, notDue.ID)
	require.NoError(t, err)
	assert.Nil(t, res.Transition)
	assert.Equal(t, models.ClientStatusSuspended, res.Client.Status)

	cmds := h.enforcer.Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, netsync.WireDisconnect, cmds[0].Action)
	assert.Equal(t, due.RadiusUsername, cmds[0].Username)
}

func TestUpdateServicePackage_CascadesToActiveClients(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	active1 := h.client(t, nil)
	active2 := h.client(t, nil)
	suspended := h.client(t, func(c *models.Client) {
		c.Status = models.ClientStatusSuspended
		c.SuspendedReason = models.SuspendedReasonAdmin
	})

	speed := 25
	res, err := h.svc.UpdateServicePackage(ctx, h.tenantID, h.pkg.ID, models.UpdateServicePackageParams{DownloadSpeed: &speed})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Resynced)
	assert.Zero(t, res.Failed)
	assert.Equal(t, 25, res.Package.DownloadSpeed)

	cmds := h.enforcer.Commands()
	require.Len(t, cmds, 2)
	usernames := map[string]int{}
	for _, cmd := range cmds {
		assert.Equal(t, netsync.WireConnect, cmd.Action)
		assert.Equal(t, 25000, cmd.DownloadSpeedKbps)
		usernames[cmd.Username]++
	}
	assert.Equal(t, map[string]int{active1.RadiusUsername: 1, active2.RadiusUsername: 1}, usernames)
	assert.NotContains(t, usernames, suspended.RadiusUsername)
}

func TestUpdateServicePackage_NameOnlyDoesNotResync(t *testing.T) {
	h := newHarness(t)
	h.client(t, nil)

	name := "Home 10 Plus"
	res, err := h.svc.UpdateServicePackage(context.Background(), h.tenantID, h.pkg.ID, models.UpdateServicePackageParams{Name: &name})
	require.NoError(t, err)
	assert.Zero(t, res.Resynced)
	assert.Equal(t, name, res.Package.Name)
	assert.Empty(t, h.enforcer.Commands())
}

func TestUpdateServicePackage_FailedDeliveriesAreCounted(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, nil)
	h.enforcer.SetFailing(true)

	group := "home-10-v2"
	res, err := h.svc.UpdateServicePackage(context.Background(), h.tenantID, h.pkg.ID, models.UpdateServicePackageParams{GroupName: &group})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resynced)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, models.SyncStatusFailed, h.get(t, c.ID).RadiusSyncStatus)
}

func TestUpdateServicePackage_OtherTenant(t *testing.T) {
	h := newHarness(t)
	speed := 50
	_, err := h.svc.UpdateServicePackage(context.Background(), uuid.New(), h.pkg.ID, models.UpdateServicePackageParams{DownloadSpeed: &speed})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRetrySync(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.client(t, func(c *models.Client) {
		c.Status = models.ClientStatusSuspended
		c.SuspendedReason = models.SuspendedReasonAdmin
	})

	h.enforcer.SetFailing(true)
	rec, err := h.svc.RetrySync(ctx, h.tenantID, c.ID, true)
	assert.ErrorIs(t, err, apperr.ErrSyncFailed)
	require.NotNil(t, rec)
	assert.Equal(t, models.SyncRecordFailed, rec.Status)

	h.enforcer.SetFailing(false)
	rec, err = h.svc.RetrySync(ctx, h.tenantID, c.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.SyncRecordSucceeded, rec.Status)
	assert.Equal(t, models.SyncActionSuspend, rec.Action)

	pending := h.client(t, func(c *models.Client) { c.Status = models.ClientStatusPending })
	_, err = h.svc.RetrySync(ctx, h.tenantID, pending.ID, true)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestRetrySync_UsesStatusCommittedUnderLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.client(t, func(c *models.Client) {
		c.SubscriptionEndDate = at(10 * 24 * time.Hour)
		c.RadiusSyncStatus = models.SyncStatusFailed
	})

	// An admin suspension commits right after the retry's first read.
	suspend := func() {
		_, err := h.svc.ApplyAdminAction(ctx, AdminAction{
			TenantID:    h.tenantID,
			ClientID:    c.ID,
			TargetState: models.ClientStatusSuspended,
			Reason:      "abuse report",
		})
		require.NoError(t, err)
	}
	h.hooks.next.Store(&suspend)

	rec, err := h.svc.RetrySync(ctx, h.tenantID, c.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.SyncActionSuspend, rec.Action)
	assert.Equal(t, []string{netsync.WireSuspend, netsync.WireSuspend}, h.enforcer.Applied())

	got := h.get(t, c.ID)
	assert.Equal(t, models.ClientStatusSuspended, got.Status)
	assert.Equal(t, models.SyncStatusSynced, got.RadiusSyncStatus)
}

func TestRetrySync_WaitsForInFlightDelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.client(t, func(c *models.Client) {
		c.SubscriptionEndDate = at(10 * 24 * time.Hour)
	})
	h.enforcer.BlockAction(netsync.WireSuspend)

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.ApplyAdminAction(ctx, AdminAction{
			TenantID:    h.tenantID,
			ClientID:    c.ID,
			TargetState: models.ClientStatusSuspended,
		})
		done <- err
	}()
	require.Eventually(t, func() bool { return len(h.enforcer.Commands()) == 1 }, time.Second, time.Millisecond)

	_, err := h.svc.RetrySync(ctx, h.tenantID, c.ID, false)
	assert.ErrorIs(t, err, apperr.ErrConcurrentModification)

	h.enforcer.Unblock()
	require.NoError(t, <-done)
	assert.Equal(t, []string{netsync.WireSuspend}, h.enforcer.Applied())
	assert.Equal(t, models.SyncStatusSynced, h.get(t, c.ID).RadiusSyncStatus)
}

func TestSyncDelivery_SerializedPerClient(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.client(t, func(c *models.Client) {
		c.WalletBalance = 300
		c.SubscriptionEndDate = at(-time.Hour)
	})
	h.enforcer.BlockAction(netsync.WireSuspend)

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.EvaluateRenewal(ctx, h.tenantID, c.ID, false)
		done <- err
	}()
	require.Eventually(t, func() bool { return len(h.enforcer.Commands()) == 1 }, time.Second, time.Millisecond)

	payment := PaymentConfirmation{TenantID: h.tenantID, ClientID: c.ID, Amount: 500, ReferenceNumber: "MP-77"}

	// The suspend is still being applied, so the payment cannot interleave.
	_, err := h.svc.HandlePayment(ctx, payment)
	assert.ErrorIs(t, err, apperr.ErrConcurrentModification)
	assert.Equal(t, models.Money(300), h.get(t, c.ID).WalletBalance)

	h.enforcer.Unblock()
	require.NoError(t, <-done)

	res, err := h.svc.HandlePayment(ctx, payment)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	assert.Equal(t, []string{netsync.WireSuspend, netsync.WireConnect}, h.enforcer.Applied())
	got := h.get(t, c.ID)
	assert.Equal(t, models.ClientStatusActive, got.Status)
	assert.Equal(t, models.SyncStatusSynced, got.RadiusSyncStatus)
}

func TestUpdateServicePackage_BusyClientIsDeferred(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.client(t, nil)

	unlock, err := h.locker.TryLock(ctx, "client:"+c.ID.String())
	require.NoError(t, err)

	speed := 40
	res, err := h.svc.UpdateServicePackage(ctx, h.tenantID, h.pkg.ID, models.UpdateServicePackageParams{DownloadSpeed: &speed})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resynced)
	assert.Equal(t, 1, res.Deferred)
	assert.Zero(t, res.Failed)
	assert.Empty(t, h.enforcer.Commands())
	assert.Equal(t, models.SyncStatusPending, h.get(t, c.ID).RadiusSyncStatus)

	unlock()

	rec, err := h.svc.RetrySync(ctx, h.tenantID, c.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.SyncActionEnsureConnected, rec.Action)

	cmds := h.enforcer.Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, 40000, cmds[0].DownloadSpeedKbps)
	assert.Equal(t, models.SyncStatusSynced, h.get(t, c.ID).RadiusSyncStatus)
}

func TestReconcile_AfterMixedOperations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.client(t, func(c *models.Client) {
		c.Status = models.ClientStatusApproved
	})

	steps := []func() error{
		func() error {
			_, err := h.svc.HandlePayment(ctx, PaymentConfirmation{TenantID: h.tenantID, ClientID: c.ID, Amount: 700, ReferenceNumber: "P1"})
			return err
		},
		func() error {
			_, err := h.svc.CreditWallet(ctx, CreditRequest{TenantID: h.tenantID, ClientID: c.ID, Amount: 120})
			return err
		},
		func() error {
			_, err := h.svc.EvaluateRenewal(ctx, h.tenantID, c.ID, true)
			return err
		},
		func() error {
			_, err := h.svc.HandlePayment(ctx, PaymentConfirmation{TenantID: h.tenantID, ClientID: c.ID, Amount: 700, ReferenceNumber: "P1"})
			return err
		},
	}
	for i, step := range steps {
		require.NoError(t, step(), "step %d", i)
	}

	rec, err := h.svc.Reconcile(ctx, h.tenantID, c.ID)
	require.NoError(t, err)
	assert.True(t, rec.Balanced(), "drift %s", rec.Drift)
	assert.Equal(t, models.Money(320), rec.Balance)
}

func TestGetters_TenantScoped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.client(t, nil)

	_, err := h.svc.GetClient(ctx, h.tenantID, c.ID)
	require.NoError(t, err)

	_, err = h.svc.GetClient(ctx, uuid.New(), c.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	_, err = h.svc.ListTransactions(ctx, uuid.New(), c.ID, 10, 0)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = h.svc.GetServicePackage(ctx, uuid.New(), h.pkg.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	p, err := h.svc.GetServicePackage(ctx, h.tenantID, h.pkg.ID)
	require.NoError(t, err)
	assert.Equal(t, "home-10", p.GroupName)
}
