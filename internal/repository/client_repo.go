package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"ispcore/internal/apperr"
	"ispcore/internal/models"
)

const clientColumns = `
	id, tenant_id, name, email, phone,
	wallet_balance, monthly_rate, subscription_type, subscription_start_date, subscription_end_date,
	status, suspended_reason, disconnection_scheduled_at,
	radius_username, radius_password, service_package_id,
	radius_sync_status, last_radius_sync_at, sync_retry_count, next_sync_attempt_at, last_sync_record_id,
	version, created_at, updated_at`

// ClientRepository handles client data access.
type ClientRepository struct {
	q Querier
}

// NewClientRepository creates a new client repository.
func NewClientRepository(q Querier) *ClientRepository {
	return &ClientRepository{q: q}
}

// Create inserts a client row. Used for provisioning and tests.
func (r *ClientRepository) Create(ctx context.Context, c *models.Client) (*models.Client, error) {
	query := `
		INSERT INTO clients (
			tenant_id, name, email, phone, wallet_balance, monthly_rate, subscription_type,
			subscription_start_date, subscription_end_date, status, radius_username, radius_password,
			service_package_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING ` + clientColumns

	row := r.q.QueryRow(ctx, query,
		c.TenantID,
		c.Name,
		c.Email,
		c.Phone,
		int64(c.WalletBalance),
		int64(c.MonthlyRate),
		string(c.SubscriptionType),
		c.SubscriptionStartDate,
		c.SubscriptionEndDate,
		string(c.Status),
		c.RadiusUsername,
		c.RadiusPassword,
		c.ServicePackageID,
	)
	return r.scan(row)
}

// GetByID retrieves a client by ID.
func (r *ClientRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Client, error) {
	query := `SELECT ` + clientColumns + ` FROM clients WHERE id = $1`

	c, err := r.scan(r.q.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// GetByIDForUpdate retrieves a client and locks its row until the transaction ends.
func (r *ClientRepository) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.Client, error) {
	query := `SELECT ` + clientColumns + ` FROM clients WHERE id = $1 FOR UPDATE`

	c, err := r.scan(r.q.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// Save writes billing and lifecycle columns, guarded by the row version.
func (r *ClientRepository) Save(ctx context.Context, c *models.Client) error {
	query := `
		UPDATE clients
		SET wallet_balance = $3,
		    monthly_rate = $4,
		    subscription_type = $5,
		    subscription_start_date = $6,
		    subscription_end_date = $7,
		    status = $8,
		    suspended_reason = $9,
		    disconnection_scheduled_at = $10,
		    service_package_id = $11,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at`

	err := r.q.QueryRow(ctx, query,
		c.ID,
		c.Version,
		int64(c.WalletBalance),
		int64(c.MonthlyRate),
		string(c.SubscriptionType),
		c.SubscriptionStartDate,
		c.SubscriptionEndDate,
		string(c.Status),
		string(c.SuspendedReason),
		c.DisconnectionScheduledAt,
		c.ServicePackageID,
	).Scan(&c.Version, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return apperr.ErrConcurrentModification
	}
	if err != nil {
		return fmt.Errorf("save client: %w", err)
	}
	return nil
}

// MarkSyncPending points the client at its newest sync record.
func (r *ClientRepository) MarkSyncPending(ctx context.Context, clientID, recordID uuid.UUID, resetRetries bool) error {
	query := `
		UPDATE clients
		SET radius_sync_status = 'pending',
		    last_sync_record_id = $2,
		    next_sync_attempt_at = NULL,
		    sync_retry_count = CASE WHEN $3 THEN 0 ELSE sync_retry_count END,
		    updated_at = NOW()
		WHERE id = $1`

	tag, err := r.q.Exec(ctx, query, clientID, recordID, resetRetries)
	if err != nil {
		return fmt.Errorf("mark sync pending: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Newf(apperr.ErrNotFound, "client %s not found", clientID)
	}
	return nil
}

// ApplySyncOutcome updates sync bookkeeping only if the outcome's record is
// still the client's latest. It never touches status, balance or dates.
func (r *ClientRepository) ApplySyncOutcome(ctx context.Context, clientID uuid.UUID, o models.SyncOutcome) (bool, error) {
	var query string
	var args []any
	if o.Succeeded {
		query = `
			UPDATE clients
			SET radius_sync_status = 'synced',
			    last_radius_sync_at = $3,
			    sync_retry_count = 0,
			    next_sync_attempt_at = NULL,
			    updated_at = NOW()
			WHERE id = $1 AND last_sync_record_id = $2`
		args = []any{clientID, o.RecordID, o.CompletedAt}
	} else {
		query = `
			UPDATE clients
			SET radius_sync_status = 'failed',
			    sync_retry_count = sync_retry_count + 1,
			    next_sync_attempt_at = $3,
			    updated_at = NOW()
			WHERE id = $1 AND last_sync_record_id = $2`
		args = []any{clientID, o.RecordID, o.NextAttemptAt}
	}

	tag, err := r.q.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("apply sync outcome: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListIDsByPackage lists clients assigned to a package, optionally filtered by status.
func (r *ClientRepository) ListIDsByPackage(ctx context.Context, packageID uuid.UUID, statuses ...models.ClientStatus) ([]uuid.UUID, error) {
	if len(statuses) == 0 {
		return r.scanIDs(ctx, `
			SELECT id FROM clients
			WHERE service_package_id = $1
			ORDER BY created_at, id`, packageID)
	}
	return r.scanIDs(ctx, `
		SELECT id FROM clients
		WHERE service_package_id = $1 AND status = ANY($2)
		ORDER BY created_at, id`, packageID, statusStrings(statuses))
}

// ListRenewalCandidates lists active clients expiring within window and
// approved or non-payment-suspended clients whose balance covers a renewal.
func (r *ClientRepository) ListRenewalCandidates(ctx context.Context, now time.Time, window time.Duration, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT id FROM clients
		WHERE (status = 'active' AND (subscription_end_date IS NULL OR subscription_end_date <= $1))
		   OR (status = 'approved' AND wallet_balance >= monthly_rate)
		   OR (status = 'suspended' AND suspended_reason = 'non_payment' AND wallet_balance >= monthly_rate)
		ORDER BY subscription_end_date NULLS FIRST, id
		LIMIT $2`

	return r.scanIDs(ctx, query, now.Add(window), limit)
}

// ListSyncRetryCandidates lists network-reachable clients with an unconfirmed
// sync whose backoff has elapsed and whose retry budget is not exhausted.
func (r *ClientRepository) ListSyncRetryCandidates(ctx context.Context, now time.Time, maxRetries, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT id FROM clients
		WHERE radius_sync_status IN ('pending', 'failed')
		  AND status IN ('active', 'suspended', 'disconnected')
		  AND sync_retry_count < $2
		  AND (next_sync_attempt_at IS NULL OR next_sync_attempt_at <= $1)
		ORDER BY next_sync_attempt_at NULLS FIRST, id
		LIMIT $3`

	return r.scanIDs(ctx, query, now, maxRetries, limit)
}

// ListGraceExpired lists non-payment suspensions whose grace period has passed.
func (r *ClientRepository) ListGraceExpired(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT id FROM clients
		WHERE status = 'suspended'
		  AND suspended_reason = 'non_payment'
		  AND disconnection_scheduled_at <= $1
		ORDER BY disconnection_scheduled_at, id
		LIMIT $2`

	return r.scanIDs(ctx, query, now, limit)
}

func (r *ClientRepository) scanIDs(ctx context.Context, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query client ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan client id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *ClientRepository) scan(s scanner) (*models.Client, error) {
	var c models.Client
	var balance, rate int64
	var subType, status, reason, syncStatus string

	err := s.Scan(
		&c.ID,
		&c.TenantID,
		&c.Name,
		&c.Email,
		&c.Phone,
		&balance,
		&rate,
		&subType,
		&c.SubscriptionStartDate,
		&c.SubscriptionEndDate,
		&status,
		&reason,
		&c.DisconnectionScheduledAt,
		&c.RadiusUsername,
		&c.RadiusPassword,
		&c.ServicePackageID,
		&syncStatus,
		&c.LastRadiusSyncAt,
		&c.SyncRetryCount,
		&c.NextSyncAttemptAt,
		&c.LastSyncRecordID,
		&c.Version,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.WalletBalance = models.Money(balance)
	c.MonthlyRate = models.Money(rate)
	c.SubscriptionType = models.SubscriptionType(subType)
	c.Status = models.ClientStatus(status)
	c.SuspendedReason = models.SuspendedReason(reason)
	c.RadiusSyncStatus = models.SyncStatus(syncStatus)
	return &c, nil
}
