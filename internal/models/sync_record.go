package models

import (
	"time"

	"github.com/google/uuid"
)

// SyncRecord is one attempt to push a client's state to the enforcement endpoint.
type SyncRecord struct {
	ID          uuid.UUID        `json:"id"`
	TenantID    uuid.UUID        `json:"tenant_id"`
	ClientID    uuid.UUID        `json:"client_id"`
	Action      SyncAction       `json:"action"`
	Status      SyncRecordStatus `json:"status"`
	Attempt     int              `json:"attempt"`
	Error       *string          `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// IsTerminal returns true once the attempt has an outcome.
func (r *SyncRecord) IsTerminal() bool {
	return r.Status == SyncRecordSucceeded || r.Status == SyncRecordFailed
}

// SyncOutcome is the result of delivering a sync record.
type SyncOutcome struct {
	RecordID      uuid.UUID
	ClientID      uuid.UUID
	Succeeded     bool
	Error         string
	CompletedAt   time.Time
	NextAttemptAt *time.Time
}
