package models

import (
	"time"

	"github.com/google/uuid"
)

// Client represents one subscriber of one tenant.
type Client struct {
	ID       uuid.UUID
	TenantID uuid.UUID
	Name     string
	Email    *string
	Phone    *string

	WalletBalance         Money
	MonthlyRate           Money
	SubscriptionType      SubscriptionType
	SubscriptionStartDate *time.Time
	SubscriptionEndDate   *time.Time

	Status                   ClientStatus
	SuspendedReason          SuspendedReason
	DisconnectionScheduledAt *time.Time

	RadiusUsername   string
	RadiusPassword   string
	ServicePackageID *uuid.UUID

	RadiusSyncStatus  SyncStatus
	LastRadiusSyncAt  *time.Time
	SyncRetryCount    int
	NextSyncAttemptAt *time.Time
	LastSyncRecordID  *uuid.UUID

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsActive returns true if the client currently has network access.
func (c *Client) IsActive() bool {
	return c.Status == ClientStatusActive
}

// HasSubscription returns true if the client was ever provisioned.
func (c *Client) HasSubscription() bool {
	return c.SubscriptionEndDate != nil
}

// IsExpired reports whether the paid period has ended at now.
// A never-provisioned client counts as expired.
func (c *Client) IsExpired(now time.Time) bool {
	if c.SubscriptionEndDate == nil {
		return true
	}
	return !c.SubscriptionEndDate.After(now)
}

// CanCoverRenewal returns true if the wallet holds at least one period's rate.
func (c *Client) CanCoverRenewal() bool {
	return c.WalletBalance >= c.MonthlyRate
}

// Clone returns a deep copy of the client.
func (c *Client) Clone() *Client {
	cp := *c
	cp.Email = clonePtr(c.Email)
	cp.Phone = clonePtr(c.Phone)
	cp.SubscriptionStartDate = clonePtr(c.SubscriptionStartDate)
	cp.SubscriptionEndDate = clonePtr(c.SubscriptionEndDate)
	cp.DisconnectionScheduledAt = clonePtr(c.DisconnectionScheduledAt)
	cp.ServicePackageID = clonePtr(c.ServicePackageID)
	cp.LastRadiusSyncAt = clonePtr(c.LastRadiusSyncAt)
	cp.NextSyncAttemptAt = clonePtr(c.NextSyncAttemptAt)
	cp.LastSyncRecordID = clonePtr(c.LastSyncRecordID)
	return &cp
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// ClientView is the API representation of a client. Credentials are never exposed.
type ClientView struct {
	ID                       uuid.UUID        `json:"id"`
	TenantID                 uuid.UUID        `json:"tenant_id"`
	Name                     string           `json:"name"`
	Email                    *string          `json:"email,omitempty"`
	Phone                    *string          `json:"phone,omitempty"`
	WalletBalance            Money            `json:"wallet_balance"`
	MonthlyRate              Money            `json:"monthly_rate"`
	SubscriptionType         SubscriptionType `json:"subscription_type"`
	SubscriptionStartDate    *time.Time       `json:"subscription_start_date,omitempty"`
	SubscriptionEndDate      *time.Time       `json:"subscription_end_date,omitempty"`
	Status                   ClientStatus     `json:"status"`
	SuspendedReason          SuspendedReason  `json:"suspended_reason,omitempty"`
	DisconnectionScheduledAt *time.Time       `json:"disconnection_scheduled_at,omitempty"`
	RadiusUsername           string           `json:"radius_username"`
	ServicePackageID         *uuid.UUID       `json:"service_package_id,omitempty"`
	RadiusSyncStatus         SyncStatus       `json:"radius_sync_status"`
	LastRadiusSyncAt         *time.Time       `json:"last_radius_sync_at,omitempty"`
	SyncRetryCount           int              `json:"sync_retry_count"`
	UpdatedAt                time.Time        `json:"updated_at"`
}

// View converts the client to its API representation.
func (c *Client) View() ClientView {
	return ClientView{
		ID:                       c.ID,
		TenantID:                 c.TenantID,
		Name:                     c.Name,
		Email:                    c.Email,
		Phone:                    c.Phone,
		WalletBalance:            c.WalletBalance,
		MonthlyRate:              c.MonthlyRate,
		SubscriptionType:         c.SubscriptionType,
		SubscriptionStartDate:    c.SubscriptionStartDate,
		SubscriptionEndDate:      c.SubscriptionEndDate,
		Status:                   c.Status,
		SuspendedReason:          c.SuspendedReason,
		DisconnectionScheduledAt: c.DisconnectionScheduledAt,
		RadiusUsername:           c.RadiusUsername,
		ServicePackageID:         c.ServicePackageID,
		RadiusSyncStatus:         c.RadiusSyncStatus,
		LastRadiusSyncAt:         c.LastRadiusSyncAt,
		SyncRetryCount:           c.SyncRetryCount,
		UpdatedAt:                c.UpdatedAt,
	}
}
