// Package netsync pushes client lifecycle state to the network enforcement
// endpoint and tracks per-client sync status.
package netsync

import (
	"github.com/google/uuid"

	"ispcore/internal/models"
)

// SuspendedGroup is the RADIUS group applied to suspended clients.
const SuspendedGroup = "suspended"

// Wire actions understood by the enforcement endpoint.
const (
	WireConnect    = "connect"
	WireSuspend    = "suspend"
	WireDisconnect = "disconnect"
)

// Command is the payload sent to the enforcement endpoint. The endpoint
// treats it as an upsert by username.
type Command struct {
	Type              string    `json:"type"`
	Action            string    `json:"action"`
	Username          string    `json:"username"`
	Password          string    `json:"password"`
	GroupName         string    `json:"groupname"`
	DownloadSpeedKbps int       `json:"download_speed_kbps"`
	UploadSpeedKbps   int       `json:"upload_speed_kbps"`
	SessionTimeout    int       `json:"session_timeout,omitempty"`
	IdleTimeout       int       `json:"idle_timeout,omitempty"`
	TenantID          uuid.UUID `json:"tenant_id"`
	ClientID          uuid.UUID `json:"client_id"`
	SyncRecordID      uuid.UUID `json:"sync_record_id"`
}

// WireAction maps a sync action to the endpoint's action vocabulary.
func WireAction(a models.SyncAction) string {
	switch a {
	case models.SyncActionEnsureConnected:
		return WireConnect
	case models.SyncActionSuspend:
		return WireSuspend
	case models.SyncActionDisconnect:
		return WireDisconnect
	default:
		return ""
	}
}

// BuildCommand derives the command from the client's current row and its
// current service package. pkg may be nil for clients without a package.
func BuildCommand(c *models.Client, pkg *models.ServicePackage, action models.SyncAction, recordID uuid.UUID) Command {
	cmd := Command{
		Type:         "client",
		Action:       WireAction(action),
		Username:     c.RadiusUsername,
		Password:     c.RadiusPassword,
		TenantID:     c.TenantID,
		ClientID:     c.ID,
		SyncRecordID: recordID,
	}

	if pkg != nil {
		cmd.GroupName = pkg.GroupName
		cmd.DownloadSpeedKbps = pkg.DownloadSpeedKbps()
		cmd.UploadSpeedKbps = pkg.UploadSpeedKbps()
		cmd.SessionTimeout = pkg.SessionTimeout
		cmd.IdleTimeout = pkg.IdleTimeout
	}
	if action == models.SyncActionSuspend {
		cmd.GroupName = SuspendedGroup
	}
	return cmd
}
