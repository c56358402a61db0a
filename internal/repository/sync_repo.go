package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"ispcore/internal/models"
)

const syncRecordColumns = `id, tenant_id, client_id, action, status, attempt, error, created_at, completed_at`

// SyncRecordRepository handles enforcement command records.
type SyncRecordRepository struct {
	q Querier
}

// NewSyncRecordRepository creates a new sync record repository.
func NewSyncRecordRepository(q Querier) *SyncRecordRepository {
	return &SyncRecordRepository{q: q}
}

// Insert stores a new pending record.
func (r *SyncRecordRepository) Insert(ctx context.Context, rec *models.SyncRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Status == "" {
		rec.Status = models.SyncRecordPending
	}

	query := `
		INSERT INTO sync_records (id, tenant_id, client_id, action, status, attempt)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`

	err := r.q.QueryRow(ctx, query,
		rec.ID,
		rec.TenantID,
		rec.ClientID,
		string(rec.Action),
		string(rec.Status),
		rec.Attempt,
	).Scan(&rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert sync record: %w", err)
	}
	return nil
}

// Complete stores the outcome on the record and returns its client ID, or
// uuid.Nil if the record does not exist.
func (r *SyncRecordRepository) Complete(ctx context.Context, o models.SyncOutcome) (uuid.UUID, error) {
	status := models.SyncRecordSucceeded
	var errMsg *string
	if !o.Succeeded {
		status = models.SyncRecordFailed
		msg := o.Error
		errMsg = &msg
	}

	query := `
		UPDATE sync_records
		SET status = $2, error = $3, completed_at = $4
		WHERE id = $1
		RETURNING client_id`

	var clientID uuid.UUID
	err := r.q.QueryRow(ctx, query, o.RecordID, string(status), errMsg, o.CompletedAt).Scan(&clientID)
	if err == pgx.ErrNoRows {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("complete sync record: %w", err)
	}
	return clientID, nil
}

// GetByID retrieves a sync record by ID.
func (r *SyncRecordRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SyncRecord, error) {
	query := `SELECT ` + syncRecordColumns + ` FROM sync_records WHERE id = $1`

	rec, err := r.scan(r.q.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// ListByClient lists a client's records, newest first.
func (r *SyncRecordRepository) ListByClient(ctx context.Context, clientID uuid.UUID, limit int) ([]*models.SyncRecord, error) {
	query := `
		SELECT ` + syncRecordColumns + `
		FROM sync_records
		WHERE client_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := r.q.Query(ctx, query, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("query sync records: %w", err)
	}
	defer rows.Close()

	var records []*models.SyncRecord
	for rows.Next() {
		rec, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *SyncRecordRepository) scan(s scanner) (*models.SyncRecord, error) {
	var rec models.SyncRecord
	var action, status string

	err := s.Scan(
		&rec.ID,
		&rec.TenantID,
		&rec.ClientID,
		&action,
		&status,
		&rec.Attempt,
		&rec.Error,
		&rec.CreatedAt,
		&rec.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Action = models.SyncAction(action)
	rec.Status = models.SyncRecordStatus(status)
	return &rec, nil
}
