package models

// ClientStatus represents the lifecycle status of a subscriber.
type ClientStatus string

const (
	ClientStatusPending      ClientStatus = "pending"
	ClientStatusApproved     ClientStatus = "approved"
	ClientStatusActive       ClientStatus = "active"
	ClientStatusSuspended    ClientStatus = "suspended"
	ClientStatusDisconnected ClientStatus = "disconnected"
	ClientStatusRejected     ClientStatus = "rejected"
)

// IsTerminal returns true if the status cannot be left except by re-entering at pending.
func (s ClientStatus) IsTerminal() bool {
	switch s {
	case ClientStatusRejected, ClientStatusDisconnected:
		return true
	default:
		return false
	}
}

// Valid returns true if s is a known status.
func (s ClientStatus) Valid() bool {
	switch s {
	case ClientStatusPending, ClientStatusApproved, ClientStatusActive,
		ClientStatusSuspended, ClientStatusDisconnected, ClientStatusRejected:
		return true
	default:
		return false
	}
}

// SuspendedReason records why a client was suspended.
type SuspendedReason string

const (
	SuspendedReasonNone       SuspendedReason = ""
	SuspendedReasonNonPayment SuspendedReason = "non_payment"
	SuspendedReasonAdmin      SuspendedReason = "admin"
)

// SubscriptionType represents the billing period of a client.
type SubscriptionType string

const (
	SubscriptionWeekly  SubscriptionType = "weekly"
	SubscriptionMonthly SubscriptionType = "monthly"
)

// SyncStatus represents whether the last enforcement command is known to have succeeded.
type SyncStatus string

const (
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusPending SyncStatus = "pending"
	SyncStatusFailed  SyncStatus = "failed"
)

// SyncAction is the network-side action requested for a client.
type SyncAction string

const (
	SyncActionNone            SyncAction = ""
	SyncActionEnsureConnected SyncAction = "ensure_connected"
	SyncActionSuspend         SyncAction = "suspend"
	SyncActionDisconnect      SyncAction = "disconnect"
)

// DesiredSyncAction returns the action that brings the network in line with status.
// Clients that are not network-reachable have no desired action.
func DesiredSyncAction(status ClientStatus) SyncAction {
	switch status {
	case ClientStatusActive:
		return SyncActionEnsureConnected
	case ClientStatusSuspended:
		return SyncActionSuspend
	case ClientStatusDisconnected:
		return SyncActionDisconnect
	default:
		return SyncActionNone
	}
}

// SyncRecordStatus is the delivery state of a single enforcement command.
type SyncRecordStatus string

const (
	SyncRecordPending   SyncRecordStatus = "pending"
	SyncRecordSucceeded SyncRecordStatus = "succeeded"
	SyncRecordFailed    SyncRecordStatus = "failed"
)

// TransactionType represents the kind of wallet ledger entry.
type TransactionType string

const (
	TransactionCredit  TransactionType = "credit"
	TransactionDebit   TransactionType = "debit"
	TransactionPayment TransactionType = "payment"
	TransactionRefund  TransactionType = "refund"
)

// IsCredit returns true if the entry adds to the wallet balance.
func (t TransactionType) IsCredit() bool {
	switch t {
	case TransactionCredit, TransactionPayment, TransactionRefund:
		return true
	default:
		return false
	}
}

// Valid returns true if t is a known transaction type.
func (t TransactionType) Valid() bool {
	return t.IsCredit() || t == TransactionDebit
}
